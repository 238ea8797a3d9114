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
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow"
	"golang.org/x/sync/semaphore"

	"github.com/if0ne/adbc-clickhouse/driver/internal/driverbase"
)

const (
	tableTypeBaseTable      = "BASE TABLE"
	tableTypeLocalTemporary = "LOCAL TEMPORARY"
	tableTypeView           = "VIEW"
	tableTypeSystemView     = "SYSTEM VIEW"
	tableTypeForeignTable   = "FOREIGN TABLE"

	rollbackOnCloseTimeout = 5 * time.Second
)

type connectionImpl struct {
	driverbase.ConnectionImplBase

	cfg     *config
	session Session

	// guard admits one execution or catalog call at a time; the native
	// session cannot interleave queries.
	guard *semaphore.Weighted

	mu            sync.Mutex
	active        *reader
	database      string
	serverVersion string
}

func newConnection(db *driverbase.DatabaseImplBase, cfg *config, session Session, serverVersion string) *connectionImpl {
	return &connectionImpl{
		ConnectionImplBase: driverbase.NewConnectionImplBase(db),
		cfg:                cfg,
		session:            session,
		guard:              semaphore.NewWeighted(1),
		database:           cfg.database,
		serverVersion:      serverVersion,
	}
}

// acquire takes the in-flight guard or fails fast.
func (c *connectionImpl) acquire() error {
	if c.IsClosed() {
		return c.ErrorHelper.InvalidState(driverbase.ConnectionMessageClosed)
	}
	if !c.guard.TryAcquire(1) {
		return c.ErrorHelper.InvalidState("another statement or catalog call is already running on this connection")
	}
	return nil
}

func (c *connectionImpl) release() {
	c.guard.Release(1)
}

func (c *connectionImpl) setActive(r *reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = r
}

func (c *connectionImpl) clearActive(r *reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == r {
		c.active = nil
	}
}

func (c *connectionImpl) currentDatabase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.database
}

// exec runs one statement under the guard.
func (c *connectionImpl) exec(ctx context.Context, sql string) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	c.Logger.DebugContext(ctx, "executing", "sql", sql)
	if _, err := c.session.Exec(ctx, Request{SQL: sql}); err != nil {
		return c.ErrorHelper.WrapIO(err, "executing `%s`", sql)
	}
	return nil
}

// queryAll runs a query to completion and returns every row. The caller
// holds the guard.
func (c *connectionImpl) queryAll(ctx context.Context, sql string, args ...any) ([][]any, error) {
	c.Logger.DebugContext(ctx, "catalog query", "sql", sql, "args", args)
	cursor, err := c.session.Query(ctx, Request{SQL: sql, Args: args})
	if err != nil {
		return nil, c.ErrorHelper.WrapIO(err, "running catalog query")
	}
	defer func() {
		_ = cursor.Close()
	}()

	var rows [][]any
	for {
		chunk, err := cursor.Next(ctx, c.cfg.batchSize)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, c.ErrorHelper.WrapIO(err, "reading catalog query results")
		}
		rows = append(rows, chunk.Rows...)
	}
}

// SetAutocommit implements driverbase.AutocommitSetter.
func (c *connectionImpl) SetAutocommit(ctx context.Context, enabled bool) error {
	if enabled {
		return c.endTransaction(ctx, "COMMIT")
	}
	if !c.cfg.transactionsEnabled {
		return c.ErrorHelper.NotImplemented("transactions are experimental in ClickHouse; set '%s' to enable them", OptionBoolTransactions)
	}
	return c.exec(ctx, "BEGIN TRANSACTION")
}

// Commit commits the active transaction and returns to autocommit.
func (c *connectionImpl) Commit(ctx context.Context) error {
	if err := c.endTransaction(ctx, "COMMIT"); err != nil {
		return err
	}
	c.Autocommit = true
	return nil
}

// Rollback discards the active transaction and returns to autocommit.
func (c *connectionImpl) Rollback(ctx context.Context) error {
	if err := c.endTransaction(ctx, "ROLLBACK"); err != nil {
		return err
	}
	c.Autocommit = true
	return nil
}

// endTransaction issues COMMIT or ROLLBACK. Losing the session while doing
// so leaves the transaction outcome unknown, so the connection is closed.
func (c *connectionImpl) endTransaction(ctx context.Context, sql string) error {
	err := c.exec(ctx, sql)
	if err != nil && driverbase.StatusOf(err) == adbc.StatusIO {
		c.Logger.WarnContext(ctx, "session lost while ending transaction; closing connection", "sql", sql, "error", err)
		if c.MarkClosed() {
			_ = c.session.Close()
		}
	}
	return err
}

// Close cancels a running statement, rolls back an active transaction and
// closes the native session.
func (c *connectionImpl) Close() error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active != nil {
		active.Cancel()
	}

	var errs []error
	if !c.Autocommit {
		ctx, cancel := context.WithTimeout(context.Background(), rollbackOnCloseTimeout)
		if _, err := c.session.Exec(ctx, Request{SQL: "ROLLBACK"}); err != nil {
			errs = append(errs, c.ErrorHelper.WrapIO(err, "rolling back active transaction"))
		}
		cancel()
		c.Autocommit = true
	}
	if err := c.session.Close(); err != nil {
		errs = append(errs, c.ErrorHelper.WrapIO(err, "closing session"))
	}
	c.Logger.Debug("connection closed")
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

// GetCurrentCatalog implements driverbase.CurrentNamespacer. Each database
// is both a catalog and its only db schema.
func (c *connectionImpl) GetCurrentCatalog() (string, error) {
	return c.currentDatabase(), nil
}

// GetCurrentDbSchema implements driverbase.CurrentNamespacer.
func (c *connectionImpl) GetCurrentDbSchema() (string, error) {
	return c.currentDatabase(), nil
}

// SetCurrentCatalog implements driverbase.CurrentNamespacer.
func (c *connectionImpl) SetCurrentCatalog(value string) error {
	return c.useDatabase(context.Background(), value)
}

// SetCurrentDbSchema implements driverbase.CurrentNamespacer.
func (c *connectionImpl) SetCurrentDbSchema(value string) error {
	return c.useDatabase(context.Background(), value)
}

func (c *connectionImpl) useDatabase(ctx context.Context, name string) error {
	if name == "" {
		return c.ErrorHelper.InvalidArgument("database name must not be empty")
	}
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	rows, err := c.queryAll(ctx, "SELECT count() FROM system.databases WHERE name = ?", name)
	if err != nil {
		return err
	}
	if len(rows) == 0 || asInt64(rows[0][0]) == 0 {
		return c.ErrorHelper.NotFound("database `%s` does not exist", name)
	}

	sql := "USE " + quoteIdentifier(name)
	c.Logger.DebugContext(ctx, "executing", "sql", sql)
	if _, err := c.session.Exec(ctx, Request{SQL: sql}); err != nil {
		return c.ErrorHelper.WrapIO(err, "switching to database `%s`", name)
	}

	c.mu.Lock()
	c.database = name
	c.mu.Unlock()
	return nil
}

// ListTableTypes implements driverbase.TableTypeLister.
func (c *connectionImpl) ListTableTypes(context.Context) ([]string, error) {
	return []string{
		tableTypeBaseTable,
		tableTypeLocalTemporary,
		tableTypeView,
		tableTypeSystemView,
		tableTypeForeignTable,
	}, nil
}

// PrepareDriverInfo implements driverbase.DriverInfoPreparer.
func (c *connectionImpl) PrepareDriverInfo(ctx context.Context, infoCodes []adbc.InfoCode) error {
	if c.serverVersion != "" {
		if err := c.DriverInfo.RegisterInfoCode(adbc.InfoVendorVersion, c.serverVersion); err != nil {
			return err
		}
	}
	if err := c.DriverInfo.RegisterInfoCode(adbc.InfoVendorSql, true); err != nil {
		return err
	}
	return c.DriverInfo.RegisterInfoCode(adbc.InfoVendorSubstrait, false)
}

// resolveDatabase picks the database a catalog/db schema pair refers to,
// falling back to the current database.
func (c *connectionImpl) resolveDatabase(catalog, dbSchema *string) string {
	switch {
	case dbSchema != nil && *dbSchema != "":
		return *dbSchema
	case catalog != nil && *catalog != "":
		return *catalog
	}
	return c.currentDatabase()
}

// GetTableSchema reads the column list of a table from system.columns.
func (c *connectionImpl) GetTableSchema(ctx context.Context, catalog *string, dbSchema *string, tableName string) (*arrow.Schema, error) {
	database := c.resolveDatabase(catalog, dbSchema)
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	rows, err := c.queryAll(ctx,
		"SELECT name, type FROM system.columns WHERE database = ? AND table = ? ORDER BY position",
		database, tableName)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, c.ErrorHelper.NotFound("table %s not found", qualifiedName(database, tableName))
	}

	fields := make([]arrow.Field, len(rows))
	for i, row := range rows {
		name := asString(row[0])
		field, _, err := arrowFieldForColumn(name, asString(row[1]))
		if err != nil {
			return nil, c.ErrorHelper.WrapNotImplemented(err, "mapping column `%s` of %s", name, qualifiedName(database, tableName))
		}
		fields[i] = field
	}
	return arrow.NewSchema(fields, nil), nil
}

// NewStatement initializes a new statement object tied to this connection.
func (c *connectionImpl) NewStatement() (adbc.Statement, error) {
	return driverbase.NewStatement(newStatement(c)), nil
}

func (c *connectionImpl) GetOption(key string) (string, error) {
	switch key {
	case OptionStringProtocol:
		if c.cfg.protocol == clickhouse.HTTP {
			return OptionValueProtocolHTTP, nil
		}
		return OptionValueProtocolNative, nil
	case OptionStringServerVersion:
		return c.serverVersion, nil
	}
	return c.ConnectionImplBase.GetOption(key)
}

func (c *connectionImpl) GetOptionInt(key string) (int64, error) {
	if key == OptionIntBatchSize {
		return int64(c.cfg.batchSize), nil
	}
	return c.ConnectionImplBase.GetOptionInt(key)
}

func (c *connectionImpl) GetOptionDouble(key string) (float64, error) {
	if key == OptionDoubleFetchTimeout {
		return c.cfg.fetchTimeout.Seconds(), nil
	}
	return c.ConnectionImplBase.GetOptionDouble(key)
}

var (
	_ driverbase.ConnectionImpl      = (*connectionImpl)(nil)
	_ driverbase.AutocommitSetter    = (*connectionImpl)(nil)
	_ driverbase.CurrentNamespacer   = (*connectionImpl)(nil)
	_ driverbase.TableTypeLister     = (*connectionImpl)(nil)
	_ driverbase.DriverInfoPreparer  = (*connectionImpl)(nil)
	_ driverbase.DbObjectsEnumerator = (*connectionImpl)(nil)
)
