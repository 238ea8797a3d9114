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

package driverbase_test

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/if0ne/adbc-clickhouse/driver/internal"
	"github.com/if0ne/adbc-clickhouse/driver/internal/driverbase"
)

const (
	OptionKeyRecognized   = "recognized"
	OptionKeyUnrecognized = "unrecognized"
)

// NewDriver creates a new adbc.Driver for testing. In addition to a memory.Allocator, it takes
// a slog.Handler to use for all structured logging as well as a useHelpers flag to determine whether
// the test should register helper methods or use the default driverbase implementation.
func NewDriver(alloc memory.Allocator, handler slog.Handler, useHelpers bool) adbc.Driver {
	info := driverbase.DefaultDriverInfo("MockDriver")
	_ = info.RegisterInfoCode(adbc.InfoCode(10_001), "my custom info")
	return driverbase.NewDriver(&driverImpl{DriverImplBase: driverbase.NewDriverImplBase(info, alloc), handler: handler, useHelpers: useHelpers})
}

func TestDefaultDriver(t *testing.T) {
	var handler MockedHandler
	handler.On("Handle", mock.Anything, mock.Anything).Return(nil)

	ctx := context.TODO()
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	drv := NewDriver(alloc, &handler, false)

	db, err := drv.NewDatabase(nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	require.NoError(t, db.SetOptions(map[string]string{OptionKeyRecognized: "should-pass"}))

	err = db.SetOptions(map[string]string{OptionKeyUnrecognized: "should-fail"})
	require.Error(t, err)
	require.Equal(t, "Invalid Argument: [MockDriver] Unknown database option 'unrecognized'", err.Error())

	cnxn, err := db.Open(ctx)
	require.NoError(t, err)

	err = cnxn.Commit(ctx)
	require.Error(t, err)
	require.Equal(t, "Invalid State: [MockDriver] Cannot commit when autocommit is enabled", err.Error())

	err = cnxn.Rollback(ctx)
	require.Error(t, err)
	require.Equal(t, "Invalid State: [MockDriver] Cannot rollback when autocommit is enabled", err.Error())

	info := getInfoValues(t, cnxn, nil)
	assert.Equal(t, "MockDriver", info[adbc.InfoVendorName])
	assert.Equal(t, driverbase.UnknownVersion, info[adbc.InfoVendorVersion])
	assert.Equal(t, "ADBC MockDriver Driver - Go", info[adbc.InfoDriverName])
	assert.Equal(t, int64(adbc.AdbcVersion1_1_0), info[adbc.InfoDriverADBCVersion])
	assert.Equal(t, "my custom info", info[adbc.InfoCode(10_001)])
	assert.NotContains(t, info, adbc.InfoVendorSql)

	// only the requested codes come back, unknown ones are skipped
	info = getInfoValues(t, cnxn, []adbc.InfoCode{adbc.InfoVendorName, adbc.InfoCode(99_999)})
	assert.Len(t, info, 1)

	_, err = cnxn.GetObjects(ctx, adbc.ObjectDepthAll, nil, nil, nil, nil, nil)
	require.Error(t, err)
	require.Equal(t, "Not Implemented: [MockDriver] GetObjects", err.Error())

	_, err = cnxn.GetTableTypes(ctx)
	require.Error(t, err)
	require.Equal(t, "Not Implemented: [MockDriver] GetTableTypes", err.Error())

	autocommit, err := cnxn.(adbc.GetSetOptions).GetOption(adbc.OptionKeyAutoCommit)
	require.NoError(t, err)
	require.Equal(t, adbc.OptionValueEnabled, autocommit)

	err = cnxn.(adbc.GetSetOptions).SetOption(adbc.OptionKeyAutoCommit, "false")
	require.Error(t, err)
	require.Equal(t, "Not Implemented: [MockDriver] Unsupported connection option 'adbc.connection.autocommit'", err.Error())

	_, err = cnxn.(adbc.GetSetOptions).GetOption(adbc.OptionKeyCurrentCatalog)
	require.Error(t, err)
	require.Equal(t, "Not Found: [MockDriver] Unknown connection option 'adbc.connection.catalog'", err.Error())

	require.NoError(t, cnxn.Close())
	// closing twice is fine
	require.NoError(t, cnxn.Close())

	_, err = cnxn.GetInfo(ctx, nil)
	require.Error(t, err)
	require.Equal(t, "Invalid State: [MockDriver] Connection is closed", err.Error())

	_, err = cnxn.NewStatement()
	require.Error(t, err)
	require.Equal(t, adbc.StatusInvalidState, driverbase.StatusOf(err))

	requireLogged(t, &handler, logMessage{Message: "Opening a new connection", Level: "INFO", Attrs: map[string]string{"withHelpers": "false"}})
}

func TestCustomizedDriver(t *testing.T) {
	var handler MockedHandler
	handler.On("Handle", mock.Anything, mock.Anything).Return(nil)

	ctx := context.TODO()
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	drv := NewDriver(alloc, &handler, true)

	db, err := drv.NewDatabase(nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	cnxn, err := db.Open(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, cnxn.Close()) }()

	// values registered by DriverInfoPreparer stay local to the connection
	info := getInfoValues(t, cnxn, nil)
	assert.Equal(t, true, info[adbc.InfoVendorSql])
	assert.Equal(t, false, info[adbc.InfoVendorSubstrait])
	assert.Equal(t, "this was fetched dynamically", info[adbc.InfoCode(10_002)])

	dbObjects, err := cnxn.GetObjects(ctx, adbc.ObjectDepthTables, nil, nil, nil, nil, nil)
	require.NoError(t, err)
	dbObjectsTable := tableFromRecordReader(dbObjects)
	defer dbObjectsTable.Release()

	expectedDbObjectsTable, err := array.TableFromJSON(alloc, adbc.GetObjectsSchema, []string{`[
		{
			"catalog_name": "default",
			"catalog_db_schemas": [
				{
					"db_schema_name": "default",
					"db_schema_tables": [
						{ "table_name": "foo", "table_type": "BASE TABLE" }
					]
				}
			]
		},
		{
			"catalog_name": "empty",
			"catalog_db_schemas": [
				{ "db_schema_name": "empty", "db_schema_tables": [] }
			]
		}
	]`})
	require.NoError(t, err)
	defer expectedDbObjectsTable.Release()

	require.Truef(t, array.TableEqual(expectedDbObjectsTable, dbObjectsTable), "expected: %s\ngot: %s", expectedDbObjectsTable, dbObjectsTable)

	tableTypes, err := cnxn.GetTableTypes(ctx)
	require.NoError(t, err)
	tableTypeTable := tableFromRecordReader(tableTypes)
	defer tableTypeTable.Release()

	expectedTableTypesTable, err := array.TableFromJSON(alloc, adbc.TableTypesSchema, []string{`[
		{ "table_type": "BASE TABLE" },
		{ "table_type": "VIEW" }
	]`})
	require.NoError(t, err)
	defer expectedTableTypesTable.Release()

	require.Truef(t, array.TableEqual(expectedTableTypesTable, tableTypeTable), "expected: %s\ngot: %s", expectedTableTypesTable, tableTypeTable)

	opts := cnxn.(adbc.GetSetOptions)

	// begin
	require.NoError(t, opts.SetOption(adbc.OptionKeyAutoCommit, adbc.OptionValueDisabled))
	autocommit, err := opts.GetOption(adbc.OptionKeyAutoCommit)
	require.NoError(t, err)
	require.Equal(t, adbc.OptionValueDisabled, autocommit)

	// begin while active
	err = opts.SetOption(adbc.OptionKeyAutoCommit, adbc.OptionValueDisabled)
	require.Error(t, err)
	require.Equal(t, "Invalid State: [MockDriver] Cannot begin a transaction while one is already active", err.Error())

	err = opts.SetOption(adbc.OptionKeyAutoCommit, "maybe")
	require.Error(t, err)
	require.Equal(t, adbc.StatusInvalidArgument, driverbase.StatusOf(err))

	// Commit is reached once a transaction is active
	err = cnxn.Commit(ctx)
	require.Error(t, err)
	require.Equal(t, "Not Implemented: [MockDriver] Commit", err.Error())

	require.NoError(t, opts.SetOption(adbc.OptionKeyAutoCommit, adbc.OptionValueEnabled))
	// enabling twice is a no-op
	require.NoError(t, opts.SetOption(adbc.OptionKeyAutoCommit, adbc.OptionValueEnabled))

	_, err = opts.GetOption(adbc.OptionKeyCurrentCatalog)
	require.Error(t, err)
	require.Equal(t, "Not Found: [MockDriver] failed to get current catalog: current catalog is not set", err.Error())

	require.NoError(t, opts.SetOption(adbc.OptionKeyCurrentDbSchema, "test_schema"))
	currentDbSchema, err := opts.GetOption(adbc.OptionKeyCurrentDbSchema)
	require.NoError(t, err)
	require.Equal(t, "test_schema", currentDbSchema)

	requireLogged(t, &handler,
		logMessage{Message: "Opening a new connection", Level: "INFO", Attrs: map[string]string{"withHelpers": "true"}},
		logMessage{Message: "SetAutocommit", Level: "DEBUG", Attrs: map[string]string{"enabled": "false"}},
		logMessage{Message: "SetAutocommit", Level: "DEBUG", Attrs: map[string]string{"enabled": "true"}},
		logMessage{Message: "SetCurrentDbSchema", Level: "DEBUG", Attrs: map[string]string{"val": "test_schema"}},
	)
}

func TestStatementTraceParent(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	var handler MockedHandler
	handler.On("Handle", mock.Anything, mock.Anything).Return(nil)

	db, err := NewDriver(alloc, &handler, false).NewDatabase(nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	cnxn, err := db.Open(context.Background())
	require.NoError(t, err)
	defer func() { require.NoError(t, cnxn.Close()) }()

	stmt, err := cnxn.NewStatement()
	require.NoError(t, err)
	defer func() { require.NoError(t, stmt.Close()) }()

	traceParent := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	opts := stmt.(adbc.GetSetOptions)
	require.NoError(t, opts.SetOption(adbc.OptionKeyTelemetryTraceParent, " "+traceParent+" "))
	got, err := opts.GetOption(adbc.OptionKeyTelemetryTraceParent)
	require.NoError(t, err)
	require.Equal(t, traceParent, got)

	err = opts.SetOption("adbc.statement.unknown", "x")
	require.Error(t, err)
	require.Equal(t, "Not Implemented: [MockDriver] Unknown statement option 'adbc.statement.unknown'", err.Error())
}

type driverImpl struct {
	driverbase.DriverImplBase

	handler    slog.Handler
	useHelpers bool
}

func (drv *driverImpl) NewDatabase(opts map[string]string) (adbc.Database, error) {
	return drv.NewDatabaseWithContext(context.Background(), opts)
}

func (drv *driverImpl) NewDatabaseWithContext(ctx context.Context, opts map[string]string) (adbc.Database, error) {
	dbBase, err := driverbase.NewDatabaseImplBase(ctx, &drv.DriverImplBase)
	if err != nil {
		return nil, err
	}
	db := driverbase.NewDatabase(
		&databaseImpl{
			DatabaseImplBase: dbBase,
			useHelpers:       drv.useHelpers,
		})
	db.SetLogger(slog.New(drv.handler))
	return db, nil
}

type databaseImpl struct {
	driverbase.DatabaseImplBase

	useHelpers bool
}

func (d *databaseImpl) SetOptions(options map[string]string) error {
	for k, v := range options {
		if err := d.SetOption(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Only need to implement keys we recognize.
// Any other values will fallthrough to default failure message.
func (d *databaseImpl) SetOption(key, value string) error {
	switch key {
	case OptionKeyRecognized:
		return nil
	}
	return d.DatabaseImplBase.SetOption(key, value)
}

func (d *databaseImpl) Open(ctx context.Context) (adbc.Connection, error) {
	d.Logger.Info("Opening a new connection", "withHelpers", d.useHelpers)
	cnxn := &connectionImpl{ConnectionImplBase: driverbase.NewConnectionImplBase(&d.DatabaseImplBase)}
	bldr := driverbase.NewConnectionBuilder(cnxn)
	if d.useHelpers {
		return bldr.
			WithAutocommitSetter(cnxn).
			WithCurrentNamespacer(cnxn).
			WithTableTypeLister(cnxn).
			WithDriverInfoPreparer(cnxn).
			WithDbObjectsEnumerator(cnxn).
			Connection(), nil
	}
	return bldr.Connection(), nil
}

type connectionImpl struct {
	driverbase.ConnectionImplBase

	currentCatalog  string
	currentDbSchema string
}

func (c *connectionImpl) NewStatement() (adbc.Statement, error) {
	stmt := &statement{StatementImplBase: driverbase.NewStatementImplBase(c.Base())}
	return driverbase.NewStatement(stmt), nil
}

func (c *connectionImpl) GetObjectsTree(ctx context.Context, depth adbc.ObjectDepth, catalog, dbSchema, tableName, columnName *string, tableType []string) ([]internal.CatalogNode, error) {
	return []internal.CatalogNode{
		{Name: "default", DbSchemas: []internal.DbSchemaNode{
			{Name: "default", Tables: []internal.TableNode{{Name: "foo", Type: "BASE TABLE"}}},
		}},
		{Name: "empty", DbSchemas: []internal.DbSchemaNode{
			{Name: "empty", Tables: []internal.TableNode{}},
		}},
	}, nil
}

func (c *connectionImpl) SetAutocommit(ctx context.Context, enabled bool) error {
	c.Base().Logger.Debug("SetAutocommit", "enabled", enabled)
	return nil
}

func (c *connectionImpl) GetCurrentCatalog() (string, error) {
	if c.currentCatalog == "" {
		return "", fmt.Errorf("current catalog is not set")
	}
	return c.currentCatalog, nil
}

func (c *connectionImpl) GetCurrentDbSchema() (string, error) {
	if c.currentDbSchema == "" {
		return "", fmt.Errorf("current db schema is not set")
	}
	return c.currentDbSchema, nil
}

func (c *connectionImpl) SetCurrentCatalog(val string) error {
	c.Base().Logger.Debug("SetCurrentCatalog", "val", val)
	c.currentCatalog = val
	return nil
}

func (c *connectionImpl) SetCurrentDbSchema(val string) error {
	c.Base().Logger.Debug("SetCurrentDbSchema", "val", val)
	c.currentDbSchema = val
	return nil
}

func (c *connectionImpl) ListTableTypes(ctx context.Context) ([]string, error) {
	return []string{"BASE TABLE", "VIEW"}, nil
}

func (c *connectionImpl) PrepareDriverInfo(ctx context.Context, infoCodes []adbc.InfoCode) error {
	if err := c.DriverInfo.RegisterInfoCode(adbc.InfoVendorSql, true); err != nil {
		return err
	}
	if err := c.DriverInfo.RegisterInfoCode(adbc.InfoVendorSubstrait, false); err != nil {
		return err
	}
	return c.DriverInfo.RegisterInfoCode(adbc.InfoCode(10_002), "this was fetched dynamically")
}

type statement struct {
	driverbase.StatementImplBase
}

func (st *statement) Bind(ctx context.Context, values arrow.Record) error {
	return st.ErrorHelper.NotImplemented("Bind")
}

func (st *statement) BindStream(ctx context.Context, stream array.RecordReader) error {
	return st.ErrorHelper.NotImplemented("BindStream")
}

func (st *statement) Close() error {
	return nil
}

func (st *statement) ExecutePartitions(ctx context.Context) (*arrow.Schema, adbc.Partitions, int64, error) {
	return nil, adbc.Partitions{}, 0, st.ErrorHelper.NotImplemented("ExecutePartitions")
}

func (st *statement) ExecuteQuery(ctx context.Context) (array.RecordReader, int64, error) {
	return nil, 0, st.ErrorHelper.NotImplemented("ExecuteQuery")
}

func (st *statement) ExecuteSchema(ctx context.Context) (*arrow.Schema, error) {
	return nil, st.ErrorHelper.NotImplemented("ExecuteSchema")
}

func (st *statement) ExecuteUpdate(ctx context.Context) (int64, error) {
	return 0, st.ErrorHelper.NotImplemented("ExecuteUpdate")
}

func (st *statement) GetParameterSchema() (*arrow.Schema, error) {
	return nil, st.ErrorHelper.NotImplemented("GetParameterSchema")
}

func (st *statement) Prepare(ctx context.Context) error {
	return st.ErrorHelper.NotImplemented("Prepare")
}

func (st *statement) SetSqlQuery(query string) error {
	return st.ErrorHelper.NotImplemented("SetSqlQuery")
}

func (st *statement) SetSubstraitPlan(plan []byte) error {
	return st.ErrorHelper.NotImplemented("SetSubstraitPlan")
}

// getInfoValues collects a GetInfo result into a map keyed by info code.
func getInfoValues(t *testing.T, cnxn adbc.Connection, codes []adbc.InfoCode) map[adbc.InfoCode]any {
	rdr, err := cnxn.GetInfo(context.Background(), codes)
	require.NoError(t, err)
	defer rdr.Release()

	values := make(map[adbc.InfoCode]any)
	for rdr.Next() {
		rec := rdr.Record()
		names := rec.Column(0).(*array.Uint32)
		union := rec.Column(1).(*array.DenseUnion)
		for i := 0; i < int(rec.NumRows()); i++ {
			offset := int(union.ValueOffset(i))
			child := union.Field(union.ChildID(i))
			code := adbc.InfoCode(names.Value(i))
			switch child := child.(type) {
			case *array.String:
				values[code] = child.Value(offset)
			case *array.Int64:
				values[code] = child.Value(offset)
			case *array.Boolean:
				values[code] = child.Value(offset)
			default:
				t.Fatalf("unexpected info value type %T", child)
			}
		}
	}
	require.NoError(t, rdr.Err())
	return values
}

// MockedHandler is a mock.Mock that implements the slog.Handler interface.
// It is used to assert specific behavior for loggers it is injected into.
type MockedHandler struct {
	mock.Mock
}

func (h *MockedHandler) Enabled(ctx context.Context, level slog.Level) bool { return true }
func (h *MockedHandler) WithAttrs(attrs []slog.Attr) slog.Handler           { return h }
func (h *MockedHandler) WithGroup(name string) slog.Handler                 { return h }
func (h *MockedHandler) Handle(ctx context.Context, r slog.Record) error {
	args := h.Called(ctx, r)
	return args.Error(0)
}

// logMessage is a container for log attributes we would like to compare for equality during tests.
// It intentionally omits timestamps and other sources of nondeterminism.
type logMessage struct {
	Message string
	Level   string
	Attrs   map[string]string
}

func newLogMessage(r slog.Record) logMessage {
	message := logMessage{Message: r.Message, Level: r.Level.String(), Attrs: make(map[string]string)}
	r.Attrs(func(a slog.Attr) bool {
		message.Attrs[a.Key] = a.Value.String()
		return true
	})
	return message
}

func requireLogged(t *testing.T, handler *MockedHandler, expected ...logMessage) {
	t.Helper()

	logMessages := make([]logMessage, 0, len(handler.Calls))
	for _, call := range handler.Calls {
		sr, ok := call.Arguments.Get(1).(slog.Record)
		require.True(t, ok)
		logMessages = append(logMessages, newLogMessage(sr))
	}

	for _, want := range expected {
		assert.Containsf(t, logMessages, want, "expected message was never logged: %v", want)
	}
}

func tableFromRecordReader(rdr array.RecordReader) arrow.Table {
	defer rdr.Release()

	recs := make([]arrow.Record, 0)
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		defer rec.Release()
		recs = append(recs, rec)
	}
	return array.NewTableFromRecords(rdr.Schema(), recs)
}
