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
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/ClickHouse/clickhouse-go/v2"
	clickhouseDriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Request is one SQL call. Args are bound client-side to positional
// placeholders; Parameters are sent to the server for {name:Type}
// placeholders.
type Request struct {
	SQL        string
	Args       []any
	Parameters map[string]string
}

// Column describes one result column by its native type name.
type Column struct {
	Name string
	Type string
}

// Chunk is a block of rows in column order. Values are whatever the native
// client scans: nullable values arrive as pointers.
type Chunk struct {
	Rows [][]any
}

// Cursor streams the rows of one query. Next returns io.EOF once the rows
// are exhausted.
type Cursor interface {
	Columns() []Column
	Next(ctx context.Context, maxRows int) (Chunk, error)
	Close() error
}

// Session is the native client capability a connection is built on.
type Session interface {
	Query(ctx context.Context, req Request) (Cursor, error)
	Exec(ctx context.Context, req Request) (int64, error)
	Insert(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
	ServerVersion(ctx context.Context) (string, error)
	Close() error
}

// sessionFactory opens a Session for a validated config.
type sessionFactory func(ctx context.Context, cfg *config, logger *slog.Logger) (Session, error)

type nativeSession struct {
	conn clickhouseDriver.Conn
}

// openNativeSession dials ClickHouse with a client limited to a single
// connection and checks it with a ping.
func openNativeSession(ctx context.Context, cfg *config, logger *slog.Logger) (Session, error) {
	opts := cfg.clientOptions()
	opts.Debug = logger.Enabled(ctx, slog.LevelDebug)
	opts.Debugf = func(format string, v ...any) {
		logger.Debug(fmt.Sprintf(format, v...), "component", "clickhouse-go")
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &nativeSession{conn: conn}, nil
}

func queryContext(ctx context.Context, req Request, extra ...clickhouse.QueryOption) context.Context {
	opts := extra
	if len(req.Parameters) > 0 {
		opts = append(opts, clickhouse.WithParameters(clickhouse.Parameters(req.Parameters)))
	}
	if len(opts) == 0 {
		return ctx
	}
	return clickhouse.Context(ctx, opts...)
}

func (s *nativeSession) Query(ctx context.Context, req Request) (Cursor, error) {
	rows, err := s.conn.Query(queryContext(ctx, req), req.SQL, req.Args...)
	if err != nil {
		return nil, err
	}

	columnTypes := rows.ColumnTypes()
	columns := make([]Column, len(columnTypes))
	scanTypes := make([]reflect.Type, len(columnTypes))
	for i, ct := range columnTypes {
		columns[i] = Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
		scanTypes[i] = ct.ScanType()
	}
	return &nativeCursor{rows: rows, columns: columns, scanTypes: scanTypes}, nil
}

func (s *nativeSession) Exec(ctx context.Context, req Request) (int64, error) {
	var written atomic.Uint64
	ctx = queryContext(ctx, req, clickhouse.WithProgress(func(p *clickhouse.Progress) {
		written.Add(p.WroteRows)
	}))
	if err := s.conn.Exec(ctx, req.SQL, req.Args...); err != nil {
		return 0, err
	}
	return int64(written.Load()), nil
}

func (s *nativeSession) Insert(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = quoteIdentifier(column)
	}
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", table, strings.Join(quoted, ", ")))
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return 0, err
		}
	}
	if err := batch.Send(); err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (s *nativeSession) ServerVersion(ctx context.Context) (string, error) {
	var version string
	if err := s.conn.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		return "", err
	}
	return version, nil
}

func (s *nativeSession) Close() error {
	return s.conn.Close()
}

type nativeCursor struct {
	rows      clickhouseDriver.Rows
	columns   []Column
	scanTypes []reflect.Type
	closed    bool
}

func (c *nativeCursor) Columns() []Column {
	return c.columns
}

// Next scans up to maxRows rows. The rows stream is bound to the context
// the query was started with; ctx is only checked between rows.
func (c *nativeCursor) Next(ctx context.Context, maxRows int) (Chunk, error) {
	if c.closed {
		return Chunk{}, io.EOF
	}

	var chunk Chunk
	for len(chunk.Rows) < maxRows {
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}
		if !c.rows.Next() {
			if err := c.rows.Err(); err != nil {
				return Chunk{}, err
			}
			c.closed = true
			break
		}

		dest := make([]any, len(c.scanTypes))
		for i, scanType := range c.scanTypes {
			if scanType == nil {
				dest[i] = new(any)
			} else {
				dest[i] = reflect.New(scanType).Interface()
			}
		}
		if err := c.rows.Scan(dest...); err != nil {
			return Chunk{}, err
		}

		row := make([]any, len(dest))
		for i, d := range dest {
			row[i] = reflect.ValueOf(d).Elem().Interface()
		}
		chunk.Rows = append(chunk.Rows, row)
	}

	if len(chunk.Rows) == 0 {
		return Chunk{}, io.EOF
	}
	return chunk, nil
}

func (c *nativeCursor) Close() error {
	c.closed = true
	if err := c.rows.Close(); err != nil {
		return err
	}
	return c.rows.Err()
}

// quoteIdentifier quotes a ClickHouse identifier with backticks.
func quoteIdentifier(name string) string {
	name = strings.ReplaceAll(name, `\`, `\\`)
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

// qualifiedName renders `database`.`table`, or just `table` when no
// database is given.
func qualifiedName(database, table string) string {
	if database == "" {
		return quoteIdentifier(table)
	}
	return quoteIdentifier(database) + "." + quoteIdentifier(table)
}
