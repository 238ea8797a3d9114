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

// Package validation is a conformance suite run against a live ClickHouse
// server. A driver supplies DriverQuirks describing how to reach the server
// and which optional behavior it supports.
package validation

import (
	"context"
	"strings"
	"testing"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/suite"
)

type DriverQuirks interface {
	// Called in SetupTest to initialize anything needed for testing
	SetupDriver(*testing.T) adbc.Driver
	// Called in TearDownTest to clean up anything necessary in between tests
	TearDownDriver(*testing.T, adbc.Driver)
	// Options passed to NewDatabase
	DatabaseOptions() map[string]string
	// Allocator handed to the driver in SetupDriver
	Alloc() memory.Allocator
	// SQL referencing the positional bind parameter at index
	BindParameter(index int) string
	// Whether BEGIN/COMMIT/ROLLBACK are enabled on the server
	SupportsTransactions() bool
	// Expected GetInfo values; nil skips the check
	GetMetadata(adbc.InfoCode) interface{}
	// Database the sample tables are created in
	DBSchema() string
	CreateSampleTable(tableName string, r arrow.Record) error
	DropTable(cnxn adbc.Connection, tableName string) error
}

func requireStatus(s *suite.Suite, err error, code adbc.Status) {
	var adbcError adbc.Error
	s.Require().ErrorAs(err, &adbcError)
	s.Equal(code, adbcError.Code, adbcError.Msg)
}

type DatabaseTests struct {
	suite.Suite

	Driver adbc.Driver
	Quirks DriverQuirks
}

func (d *DatabaseTests) SetupTest() {
	d.Driver = d.Quirks.SetupDriver(d.T())
}

func (d *DatabaseTests) TearDownTest() {
	d.Quirks.TearDownDriver(d.T(), d.Driver)
	d.Driver = nil
}

func (d *DatabaseTests) TestNewDatabase() {
	db, err := d.Driver.NewDatabase(d.Quirks.DatabaseOptions())
	d.NoError(err)
	d.NotNil(db)
	d.Implements((*adbc.Database)(nil), db)
	d.NoError(db.Close())
}

func (d *DatabaseTests) TestNewDatabaseNoAddress() {
	_, err := d.Driver.NewDatabase(map[string]string{})
	requireStatus(&d.Suite, err, adbc.StatusInvalidArgument)
}

type ConnectionTests struct {
	suite.Suite

	Driver adbc.Driver
	Quirks DriverQuirks

	DB adbc.Database
}

func (c *ConnectionTests) SetupTest() {
	c.Driver = c.Quirks.SetupDriver(c.T())
	var err error
	c.DB, err = c.Driver.NewDatabase(c.Quirks.DatabaseOptions())
	c.Require().NoError(err)
}

func (c *ConnectionTests) TearDownTest() {
	c.NoError(c.DB.Close())
	c.Quirks.TearDownDriver(c.T(), c.Driver)
	c.Driver = nil
	c.DB = nil
}

func (c *ConnectionTests) open() adbc.Connection {
	cnxn, err := c.DB.Open(context.Background())
	c.Require().NoError(err)
	return cnxn
}

func (c *ConnectionTests) TestNewConn() {
	cnxn := c.open()
	c.NotNil(cnxn)
	c.NoError(cnxn.Close())
}

func (c *ConnectionTests) TestCloseConnTwice() {
	cnxn := c.open()
	c.NoError(cnxn.Close())
	c.NoError(cnxn.Close())

	_, err := cnxn.NewStatement()
	requireStatus(&c.Suite, err, adbc.StatusInvalidState)
}

func (c *ConnectionTests) TestConcurrent() {
	cnxn := c.open()
	cnxn2 := c.open()

	c.NoError(cnxn.Close())
	c.NoError(cnxn2.Close())
}

func (c *ConnectionTests) TestAutocommitDefault() {
	ctx := context.Background()
	cnxn := c.open()
	defer cnxn.Close()

	requireStatus(&c.Suite, cnxn.Commit(ctx), adbc.StatusInvalidState)
	requireStatus(&c.Suite, cnxn.Rollback(ctx), adbc.StatusInvalidState)

	cnxnopts := cnxn.(adbc.PostInitOptions)
	requireStatus(&c.Suite, cnxnopts.SetOption(adbc.OptionKeyAutoCommit, "invalid"), adbc.StatusInvalidArgument)
	c.NoError(cnxnopts.SetOption(adbc.OptionKeyAutoCommit, adbc.OptionValueEnabled))
}

func (c *ConnectionTests) TestAutocommitToggle() {
	ctx := context.Background()
	cnxn := c.open()
	defer cnxn.Close()
	cnxnopt := cnxn.(adbc.PostInitOptions)

	if !c.Quirks.SupportsTransactions() {
		requireStatus(&c.Suite, cnxnopt.SetOption(adbc.OptionKeyAutoCommit, adbc.OptionValueDisabled), adbc.StatusNotImplemented)
		return
	}

	c.NoError(cnxnopt.SetOption(adbc.OptionKeyAutoCommit, adbc.OptionValueDisabled))
	requireStatus(&c.Suite, cnxnopt.SetOption(adbc.OptionKeyAutoCommit, adbc.OptionValueDisabled), adbc.StatusInvalidState)
	c.NoError(cnxn.Rollback(ctx))
	c.NoError(cnxnopt.SetOption(adbc.OptionKeyAutoCommit, adbc.OptionValueDisabled))
	c.NoError(cnxnopt.SetOption(adbc.OptionKeyAutoCommit, adbc.OptionValueEnabled))
}

func (c *ConnectionTests) TestMetadataGetInfo() {
	ctx := context.Background()
	cnxn := c.open()
	defer cnxn.Close()

	info := []adbc.InfoCode{
		adbc.InfoDriverName,
		adbc.InfoDriverVersion,
		adbc.InfoVendorName,
		adbc.InfoVendorVersion,
		adbc.InfoVendorSql,
		adbc.InfoVendorSubstrait,
	}

	rdr, err := cnxn.GetInfo(ctx, info)
	c.Require().NoError(err)
	defer rdr.Release()

	c.Truef(adbc.GetInfoSchema.Equal(rdr.Schema()), "expected: %s\ngot: %s",
		adbc.GetInfoSchema, rdr.Schema())

	seen := 0
	for rdr.Next() {
		rec := rdr.Record()
		codeCol := rec.Column(0).(*array.Uint32)
		valUnion := rec.Column(1).(*array.DenseUnion)
		for i := 0; i < int(rec.NumRows()); i++ {
			code := adbc.InfoCode(codeCol.Value(i))
			seen++

			expected := c.Quirks.GetMetadata(code)
			if expected == nil {
				continue
			}
			offset := int(valUnion.ValueOffset(i))
			switch child := valUnion.Field(valUnion.ChildID(i)).(type) {
			case *array.String:
				c.Equal(expected, child.Value(offset), code.String())
			case *array.Boolean:
				c.Equal(expected, child.Value(offset), code.String())
			default:
				c.Failf("unexpected info value type", "%s: %s", code, child.DataType())
			}
		}
	}
	c.NoError(rdr.Err())
	c.Equal(len(info), seen)
}

var sampleJSON = `[
	{"ints": 42, "strings": "foo"},
	{"ints": -42, "strings": null},
	{"ints": null, "strings": ""}
]`

func sampleRecord(mem memory.Allocator) (arrow.Record, error) {
	rec, _, err := array.RecordFromJSON(mem, arrow.NewSchema(
		[]arrow.Field{
			{Name: "ints", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
			{Name: "strings", Type: arrow.BinaryTypes.String, Nullable: true},
		}, nil), strings.NewReader(sampleJSON))
	return rec, err
}

func (c *ConnectionTests) TestMetadataGetTableSchema() {
	rec, err := sampleRecord(c.Quirks.Alloc())
	c.Require().NoError(err)
	defer rec.Release()

	ctx := context.Background()
	cnxn := c.open()
	defer cnxn.Close()

	c.Require().NoError(c.Quirks.CreateSampleTable("sample_test", rec))
	defer func() { c.NoError(c.Quirks.DropTable(cnxn, "sample_test")) }()

	dbSchema := c.Quirks.DBSchema()
	sc, err := cnxn.GetTableSchema(ctx, nil, &dbSchema, "sample_test")
	c.Require().NoError(err)

	expectedSchema := arrow.NewSchema([]arrow.Field{
		{Name: "ints", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "strings", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	c.Truef(expectedSchema.Equal(sc), "expected: %s\ngot: %s", expectedSchema, sc)

	_, err = cnxn.GetTableSchema(ctx, nil, &dbSchema, "sample_missing")
	requireStatus(&c.Suite, err, adbc.StatusNotFound)
}

func (c *ConnectionTests) TestMetadataGetObjectsColumns() {
	rec, err := sampleRecord(c.Quirks.Alloc())
	c.Require().NoError(err)
	defer rec.Release()

	ctx := context.Background()
	cnxn := c.open()
	defer cnxn.Close()

	c.Require().NoError(c.Quirks.CreateSampleTable("sample_objects", rec))
	defer func() { c.NoError(c.Quirks.DropTable(cnxn, "sample_objects")) }()

	dbSchema := c.Quirks.DBSchema()
	tableName := "sample_objects"
	rdr, err := cnxn.GetObjects(ctx, adbc.ObjectDepthAll, &dbSchema, nil, &tableName, nil, nil)
	c.Require().NoError(err)
	defer rdr.Release()

	c.Truef(adbc.GetObjectsSchema.Equal(rdr.Schema()), "expected: %s\ngot: %s",
		adbc.GetObjectsSchema, rdr.Schema())

	var catalogs, tables, columns []string
	for rdr.Next() {
		rec := rdr.Record()
		catalogNames := rec.Column(0).(*array.String)
		for i := 0; i < catalogNames.Len(); i++ {
			catalogs = append(catalogs, catalogNames.Value(i))
		}

		dbSchemas := rec.Column(1).(*array.List)
		dbSchemaStruct := dbSchemas.ListValues().(*array.Struct)
		tableList := dbSchemaStruct.Field(1).(*array.List)
		tableStruct := tableList.ListValues().(*array.Struct)
		tableNames := tableStruct.Field(0).(*array.String)
		tableTypes := tableStruct.Field(1).(*array.String)
		columnList := tableStruct.Field(2).(*array.List)
		columnNames := columnList.ListValues().(*array.Struct).Field(0).(*array.String)

		for j := 0; j < tableNames.Len(); j++ {
			tables = append(tables, tableNames.Value(j))
			c.Equal("BASE TABLE", tableTypes.Value(j))
			start, end := columnList.ValueOffsets(j)
			for k := start; k < end; k++ {
				columns = append(columns, columnNames.Value(int(k)))
			}
		}
	}
	c.NoError(rdr.Err())

	c.Equal([]string{dbSchema}, catalogs)
	c.Equal([]string{"sample_objects"}, tables)
	c.Equal([]string{"ints", "strings"}, columns)
}

func (c *ConnectionTests) TestMetadataGetTableTypes() {
	ctx := context.Background()
	cnxn := c.open()
	defer cnxn.Close()

	rdr, err := cnxn.GetTableTypes(ctx)
	c.Require().NoError(err)
	defer rdr.Release()

	c.Truef(adbc.TableTypesSchema.Equal(rdr.Schema()), "expected: %s\ngot: %s", adbc.TableTypesSchema, rdr.Schema())
	c.True(rdr.Next())
}

func (c *ConnectionTests) TestCurrentCatalog() {
	cnxn := c.open()
	defer cnxn.Close()
	opts := cnxn.(adbc.GetSetOptions)

	current, err := opts.GetOption(adbc.OptionKeyCurrentCatalog)
	c.Require().NoError(err)
	c.Equal(c.Quirks.DBSchema(), current)

	c.NoError(opts.SetOption(adbc.OptionKeyCurrentCatalog, "system"))
	current, err = opts.GetOption(adbc.OptionKeyCurrentDbSchema)
	c.Require().NoError(err)
	c.Equal("system", current)

	requireStatus(&c.Suite, opts.SetOption(adbc.OptionKeyCurrentCatalog, "no_such_database_xyz"), adbc.StatusNotFound)
}

type StatementTests struct {
	suite.Suite

	Driver adbc.Driver
	Quirks DriverQuirks

	DB   adbc.Database
	Cnxn adbc.Connection
	ctx  context.Context
}

func (s *StatementTests) SetupTest() {
	s.Driver = s.Quirks.SetupDriver(s.T())
	var err error
	s.DB, err = s.Driver.NewDatabase(s.Quirks.DatabaseOptions())
	s.Require().NoError(err)
	s.ctx = context.Background()
	s.Cnxn, err = s.DB.Open(s.ctx)
	s.Require().NoError(err)
}

func (s *StatementTests) TearDownTest() {
	s.Require().NoError(s.Cnxn.Close())
	s.Require().NoError(s.DB.Close())
	s.Quirks.TearDownDriver(s.T(), s.Driver)
	s.Cnxn = nil
	s.DB = nil
	s.Driver = nil
}

func (s *StatementTests) newStatement() adbc.Statement {
	stmt, err := s.Cnxn.NewStatement()
	s.Require().NoError(err)
	return stmt
}

func (s *StatementTests) TestNewStatement() {
	stmt := s.newStatement()
	s.NotNil(stmt)
	s.NoError(stmt.Close())
	s.NoError(stmt.Close())

	stmt = s.newStatement()
	defer stmt.Close()
	_, _, err := stmt.ExecuteQuery(s.ctx)
	requireStatus(&s.Suite, err, adbc.StatusInvalidState)
}

func (s *StatementTests) TestSqlPartitionedInts() {
	stmt := s.newStatement()
	defer stmt.Close()

	s.NoError(stmt.SetSqlQuery("SELECT 42"))
	_, _, _, err := stmt.ExecutePartitions(s.ctx)
	requireStatus(&s.Suite, err, adbc.StatusNotImplemented)
}

func (s *StatementTests) TestSQLPrepareGetParameterSchema() {
	stmt := s.newStatement()
	defer stmt.Close()

	query := "SELECT " + s.Quirks.BindParameter(0) + ", " + s.Quirks.BindParameter(1)
	s.NoError(stmt.SetSqlQuery(query))
	s.NoError(stmt.Prepare(s.ctx))

	sc, err := stmt.GetParameterSchema()
	s.Require().NoError(err)
	s.Len(sc.Fields(), 2)
}

func (s *StatementTests) TestSQLPrepareSelectNoParams() {
	stmt := s.newStatement()
	defer stmt.Close()

	s.NoError(stmt.SetSqlQuery("SELECT 1"))
	s.NoError(stmt.Prepare(s.ctx))

	rdr, n, err := stmt.ExecuteQuery(s.ctx)
	s.Require().NoError(err)
	s.True(n == 1 || n == -1)
	defer rdr.Release()

	sc := rdr.Schema()
	s.Require().NotNil(sc)
	s.Len(sc.Fields(), 1)

	s.True(rdr.Next())
	rec := rdr.Record()
	s.EqualValues(1, rec.NumCols())
	s.EqualValues(1, rec.NumRows())

	switch arr := rec.Column(0).(type) {
	case *array.Uint8:
		s.EqualValues(1, arr.Value(0))
	case *array.Int64:
		s.EqualValues(1, arr.Value(0))
	default:
		s.Failf("unexpected column type", "%s", arr.DataType())
	}

	s.False(rdr.Next())
	s.NoError(rdr.Err())
}

func (s *StatementTests) TestSqlQueryManyBatches() {
	stmt := s.newStatement()
	defer stmt.Close()

	s.NoError(stmt.SetSqlQuery("SELECT number FROM system.numbers LIMIT 100000"))
	rdr, _, err := stmt.ExecuteQuery(s.ctx)
	s.Require().NoError(err)
	defer rdr.Release()

	var total int64
	next := uint64(0)
	for rdr.Next() {
		col := rdr.Record().Column(0).(*array.Uint64)
		for i := 0; i < col.Len(); i++ {
			s.Require().Equal(next, col.Value(i))
			next++
		}
		total += rdr.Record().NumRows()
	}
	s.NoError(rdr.Err())
	s.EqualValues(100000, total)
}

func (s *StatementTests) TestSqlQueryBoundParameters() {
	stmt := s.newStatement()
	defer stmt.Close()

	s.NoError(stmt.SetSqlQuery("SELECT {v:Int64} + 1 AS x, {name:String} AS name"))
	params, _, err := array.RecordFromJSON(s.Quirks.Alloc(), arrow.NewSchema([]arrow.Field{
		{Name: "v", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
	}, nil), strings.NewReader(`[{"v": 41, "name": "it's"}]`))
	s.Require().NoError(err)
	defer params.Release()
	s.Require().NoError(stmt.Bind(s.ctx, params))

	rdr, _, err := stmt.ExecuteQuery(s.ctx)
	s.Require().NoError(err)
	defer rdr.Release()

	s.Require().True(rdr.Next())
	rec := rdr.Record()
	s.EqualValues(42, rec.Column(0).(*array.Int64).Value(0))
	s.Equal("it's", rec.Column(1).(*array.String).Value(0))
	s.False(rdr.Next())
}

func (s *StatementTests) TestSqlQuerySyntaxError() {
	stmt := s.newStatement()
	defer stmt.Close()

	s.NoError(stmt.SetSqlQuery("SELEC 1"))
	_, _, err := stmt.ExecuteQuery(s.ctx)
	requireStatus(&s.Suite, err, adbc.StatusInvalidArgument)

	var adbcError adbc.Error
	s.Require().ErrorAs(err, &adbcError)
	s.EqualValues(62, adbcError.VendorCode)
}

func (s *StatementTests) TestSqlIngest() {
	rec, err := sampleRecord(s.Quirks.Alloc())
	s.Require().NoError(err)
	defer rec.Release()
	defer func() { s.NoError(s.Quirks.DropTable(s.Cnxn, "sample_ingest")) }()

	ingest := func(mode string) int64 {
		stmt := s.newStatement()
		defer stmt.Close()
		s.Require().NoError(stmt.SetOption(adbc.OptionKeyIngestTargetTable, "sample_ingest"))
		s.Require().NoError(stmt.SetOption(adbc.OptionKeyIngestMode, mode))
		s.Require().NoError(stmt.Bind(s.ctx, rec))
		n, err := stmt.ExecuteUpdate(s.ctx)
		s.Require().NoError(err)
		return n
	}
	s.EqualValues(3, ingest(adbc.OptionValueIngestModeCreate))
	s.EqualValues(3, ingest(adbc.OptionValueIngestModeAppend))

	stmt := s.newStatement()
	defer stmt.Close()
	s.NoError(stmt.SetSqlQuery("SELECT count(), countIf(strings IS NULL), sum(ints) FROM sample_ingest"))
	rdr, _, err := stmt.ExecuteQuery(s.ctx)
	s.Require().NoError(err)
	defer rdr.Release()

	s.Require().True(rdr.Next())
	out := rdr.Record()
	s.EqualValues(6, out.Column(0).(*array.Uint64).Value(0))
	s.EqualValues(2, out.Column(1).(*array.Uint64).Value(0))
	s.True(out.Column(2).IsValid(0))
	s.False(rdr.Next())

	stmt2 := s.newStatement()
	defer stmt2.Close()
	s.Require().NoError(stmt2.SetOption(adbc.OptionKeyIngestTargetTable, "sample_ingest"))
	s.Require().NoError(stmt2.SetOption(adbc.OptionKeyIngestMode, adbc.OptionValueIngestModeCreate))
	s.Require().NoError(stmt2.Bind(s.ctx, rec))
	_, err = stmt2.ExecuteUpdate(s.ctx)
	requireStatus(&s.Suite, err, adbc.StatusAlreadyExists)
}
