// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package clickhouse

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/if0ne/adbc-clickhouse/driver/internal/driverbase"
)

// fakeResult scripts the response to one matching request.
type fakeResult struct {
	columns []Column
	chunks  [][][]any
	// err fails the call itself.
	err error
	// failAt fails Next when chunk failAt would be returned.
	failAt  int
	failErr error
	// hang blocks Next at chunk hangAt until the query context ends.
	hang   bool
	hangAt int
	// affected is returned by Exec.
	affected int64
}

type fakeHandler struct {
	pattern string
	respond func(req Request) fakeResult
}

type fakeInsert struct {
	table   string
	columns []string
	rows    [][]any
}

// fakeSession is a scripted Session. Requests are matched against the
// registered patterns by substring, first match wins; unmatched queries
// return an empty result.
type fakeSession struct {
	mu       sync.Mutex
	handlers []fakeHandler
	queries  []Request
	execs    []Request
	inserts  []fakeInsert

	version    string
	versionErr error
	closed     bool
	closeErr   error
	openCursor int
}

func newFakeSession() *fakeSession {
	return &fakeSession{version: "25.3.1.1"}
}

func (s *fakeSession) on(pattern string, res fakeResult) *fakeSession {
	return s.onFunc(pattern, func(Request) fakeResult { return res })
}

func (s *fakeSession) onFunc(pattern string, respond func(Request) fakeResult) *fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fakeHandler{pattern: pattern, respond: respond})
	return s
}

func (s *fakeSession) match(req Request) fakeResult {
	s.mu.Lock()
	handlers := s.handlers
	s.mu.Unlock()
	for _, h := range handlers {
		if strings.Contains(req.SQL, h.pattern) {
			return h.respond(req)
		}
	}
	return fakeResult{failAt: -1}
}

func (s *fakeSession) Query(ctx context.Context, req Request) (Cursor, error) {
	s.mu.Lock()
	s.queries = append(s.queries, req)
	s.mu.Unlock()

	res := s.match(req)
	if res.err != nil {
		return nil, res.err
	}
	if res.failErr == nil {
		res.failAt = -1
	}
	s.mu.Lock()
	s.openCursor++
	s.mu.Unlock()
	return &fakeCursor{session: s, res: res}, nil
}

func (s *fakeSession) Exec(ctx context.Context, req Request) (int64, error) {
	s.mu.Lock()
	s.execs = append(s.execs, req)
	s.mu.Unlock()

	res := s.match(req)
	return res.affected, res.err
}

func (s *fakeSession) Insert(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts = append(s.inserts, fakeInsert{table: table, columns: columns, rows: rows})
	return int64(len(rows)), nil
}

func (s *fakeSession) ServerVersion(context.Context) (string, error) {
	return s.version, s.versionErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

func (s *fakeSession) queryCount(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queries {
		if strings.Contains(q.SQL, pattern) {
			n++
		}
	}
	return n
}

func (s *fakeSession) execSQL() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.execs))
	for i, e := range s.execs {
		out[i] = e.SQL
	}
	return out
}

func (s *fakeSession) openCursors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCursor
}

type fakeCursor struct {
	session *fakeSession
	res     fakeResult
	next    int
	closed  bool
}

func (c *fakeCursor) Columns() []Column {
	return c.res.columns
}

func (c *fakeCursor) Next(ctx context.Context, maxRows int) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if c.res.hang && c.next == c.res.hangAt {
		<-ctx.Done()
		return Chunk{}, ctx.Err()
	}
	if c.next == c.res.failAt {
		return Chunk{}, c.res.failErr
	}
	if c.closed || c.next >= len(c.res.chunks) {
		return Chunk{}, io.EOF
	}
	rows := c.res.chunks[c.next]
	c.next++
	return Chunk{Rows: rows}, nil
}

func (c *fakeCursor) Close() error {
	if !c.closed {
		c.closed = true
		c.session.mu.Lock()
		c.session.openCursor--
		c.session.mu.Unlock()
	}
	return nil
}

// fakeFactory hands out the same session to every Open.
func fakeFactory(s *fakeSession) sessionFactory {
	return func(context.Context, *config, *slog.Logger) (Session, error) {
		return s, nil
	}
}

func newTestDatabase(t *testing.T, alloc memory.Allocator, s *fakeSession, opts map[string]string) adbc.Database {
	t.Helper()
	if opts == nil {
		opts = map[string]string{}
	}
	if _, ok := opts[adbc.OptionKeyURI]; !ok {
		opts[adbc.OptionKeyURI] = "localhost:9000"
	}
	drv := newDriverImpl(alloc, fakeFactory(s))
	db, err := drv.NewDatabase(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func openTestConnection(t *testing.T, alloc memory.Allocator, s *fakeSession, opts map[string]string) adbc.Connection {
	t.Helper()
	db := newTestDatabase(t, alloc, s, opts)
	cnxn, err := db.Open(context.Background())
	require.NoError(t, err)
	return cnxn
}

// newTestConnectionImpl builds a connection without the adbc wrapper, for
// tests that call the catalog and namespace hooks directly.
func newTestConnectionImpl(t *testing.T, s *fakeSession, opts map[string]string) *connectionImpl {
	t.Helper()
	if opts == nil {
		opts = map[string]string{}
	}
	if _, ok := opts[adbc.OptionKeyURI]; !ok {
		opts[adbc.OptionKeyURI] = "localhost:9000"
	}
	drv := newDriverImpl(memory.DefaultAllocator, fakeFactory(s))
	cfg, err := parseOptions(&drv.ErrorHelper, opts)
	require.NoError(t, err)
	dbBase, err := driverbase.NewDatabaseImplBase(context.Background(), &drv.DriverImplBase)
	require.NoError(t, err)
	return newConnection(&dbBase, &cfg, s, s.version)
}

func requireStatus(t *testing.T, err error, status adbc.Status) {
	t.Helper()
	require.Error(t, err)
	var adbcErr adbc.Error
	require.ErrorAs(t, err, &adbcErr)
	require.Equal(t, status, adbcErr.Code, "unexpected status for %v", err)
}
