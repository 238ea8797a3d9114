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

package clickhouse_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	driver "github.com/if0ne/adbc-clickhouse/driver/clickhouse"
	"github.com/if0ne/adbc-clickhouse/validation"
)

type ClickHouseQuirks struct {
	opts         *clickhouse.Options
	mem          *memory.CheckedAllocator
	database     string
	transactions bool
}

func (q *ClickHouseQuirks) SetupDriver(t *testing.T) adbc.Driver {
	q.mem = memory.NewCheckedAllocator(memory.DefaultAllocator)
	return driver.NewDriver(q.mem)
}

func (q *ClickHouseQuirks) TearDownDriver(t *testing.T, _ adbc.Driver) {
	q.mem.AssertSize(t, 0)
}

func (q *ClickHouseQuirks) DatabaseOptions() map[string]string {
	protocol := driver.OptionValueProtocolNative
	if q.opts.Protocol == clickhouse.HTTP {
		protocol = driver.OptionValueProtocolHTTP
	}
	opts := map[string]string{
		driver.OptionStringAddress:  strings.Join(q.opts.Addr, ","),
		driver.OptionStringProtocol: protocol,
		driver.OptionStringDatabase: q.database,
		driver.OptionStringUsername: q.opts.Auth.Username,
		driver.OptionStringPassword: q.opts.Auth.Password,
	}
	if q.transactions {
		opts[driver.OptionBoolTransactions] = adbc.OptionValueEnabled
	}
	return opts
}

func (q *ClickHouseQuirks) Alloc() memory.Allocator    { return q.mem }
func (q *ClickHouseQuirks) BindParameter(_ int) string { return "?" }
func (q *ClickHouseQuirks) SupportsTransactions() bool { return q.transactions }
func (q *ClickHouseQuirks) DBSchema() string           { return q.database }

func (q *ClickHouseQuirks) GetMetadata(code adbc.InfoCode) interface{} {
	switch code {
	case adbc.InfoDriverName:
		return "ADBC ClickHouse Driver - Go"
	case adbc.InfoVendorName:
		return "ClickHouse"
	case adbc.InfoVendorSql:
		return true
	case adbc.InfoVendorSubstrait:
		return false
	}
	return nil
}

func (q *ClickHouseQuirks) exec(ctx context.Context, sql string) error {
	conn, err := clickhouse.Open(q.opts)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Exec(ctx, sql)
}

func (q *ClickHouseQuirks) CreateSampleTable(tableName string, r arrow.Record) error {
	ctx := context.Background()
	table := "`" + q.database + "`.`" + tableName + "`"
	if err := q.exec(ctx, "CREATE TABLE "+table+" (ints Nullable(Int64), strings Nullable(String)) ENGINE = MergeTree ORDER BY tuple()"); err != nil {
		return err
	}

	conn, err := clickhouse.Open(q.opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	batch, err := conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return err
	}
	ints := r.Column(0).(*array.Int64)
	strs := r.Column(1).(*array.String)
	for i := 0; i < int(r.NumRows()); i++ {
		var (
			iv *int64
			sv *string
		)
		if ints.IsValid(i) {
			v := ints.Value(i)
			iv = &v
		}
		if strs.IsValid(i) {
			v := strs.Value(i)
			sv = &v
		}
		if err := batch.Append(iv, sv); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (q *ClickHouseQuirks) DropTable(cnxn adbc.Connection, tableName string) error {
	stmt, err := cnxn.NewStatement()
	if err != nil {
		return err
	}
	defer stmt.Close()

	if err := stmt.SetSqlQuery("DROP TABLE IF EXISTS `" + q.database + "`.`" + tableName + "`"); err != nil {
		return err
	}
	_, err = stmt.ExecuteUpdate(context.Background())
	return err
}

func withQuirks(t *testing.T, fn func(*ClickHouseQuirks)) {
	uri := os.Getenv("CLICKHOUSE_URI")
	if uri == "" {
		t.Skip("no CLICKHOUSE_URI defined, skip clickhouse driver tests")
	}

	opts, err := clickhouse.ParseDSN(uri)
	require.NoError(t, err)
	opts.Auth.Database = ""

	// each run works in a fresh database that is dropped afterwards
	q := &ClickHouseQuirks{
		opts:         opts,
		database:     "adbc_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		transactions: os.Getenv("CLICKHOUSE_TRANSACTIONS") != "",
	}
	require.NoError(t, q.exec(context.Background(), "CREATE DATABASE `"+q.database+"`"))
	t.Cleanup(func() {
		_ = q.exec(context.Background(), "DROP DATABASE IF EXISTS `"+q.database+"`")
	})

	fn(q)
}

func TestValidation(t *testing.T) {
	withQuirks(t, func(q *ClickHouseQuirks) {
		suite.Run(t, &validation.DatabaseTests{Quirks: q})
		suite.Run(t, &validation.ConnectionTests{Quirks: q})
		suite.Run(t, &validation.StatementTests{Quirks: q})
	})
}

func TestClickHouse(t *testing.T) {
	withQuirks(t, func(q *ClickHouseQuirks) {
		suite.Run(t, &ClickHouseTests{Quirks: q})
	})
}

type ClickHouseTests struct {
	suite.Suite

	Quirks *ClickHouseQuirks

	driver adbc.Driver
	db     adbc.Database
	cnxn   adbc.Connection
	stmt   adbc.Statement
	ctx    context.Context
}

func (suite *ClickHouseTests) SetupTest() {
	var err error
	suite.ctx = context.Background()
	suite.driver = suite.Quirks.SetupDriver(suite.T())
	suite.db, err = suite.driver.NewDatabase(suite.Quirks.DatabaseOptions())
	suite.Require().NoError(err)
	suite.cnxn, err = suite.db.Open(suite.ctx)
	suite.Require().NoError(err)
	suite.stmt, err = suite.cnxn.NewStatement()
	suite.Require().NoError(err)
}

func (suite *ClickHouseTests) TearDownTest() {
	suite.NoError(suite.stmt.Close())
	suite.NoError(suite.cnxn.Close())
	suite.NoError(suite.db.Close())
	suite.Quirks.TearDownDriver(suite.T(), suite.driver)
}

func (suite *ClickHouseTests) TestNativeTypes() {
	suite.Require().NoError(suite.stmt.SetSqlQuery(`SELECT
		toDecimal64(12.345, 3) AS dec,
		toDateTime64('2024-03-01 12:00:00.123456', 6, 'UTC') AS ts,
		toDate('2024-03-01') AS d,
		toUUID('6d6f9b2a-0f3b-4d39-9a38-8b3f3f6f9f01') AS id,
		[1, 2, NULL]::Array(Nullable(Int32)) AS arr,
		map('a', 1) AS m,
		tuple(1, 'x')::Tuple(n Int64, s String) AS t,
		toLowCardinality('lc') AS lc`))

	rdr, _, err := suite.stmt.ExecuteQuery(suite.ctx)
	suite.Require().NoError(err)
	defer rdr.Release()

	expected := []arrow.Type{
		arrow.DECIMAL128, arrow.TIMESTAMP, arrow.DATE32, arrow.EXTENSION,
		arrow.LIST, arrow.MAP, arrow.STRUCT, arrow.STRING,
	}
	sc := rdr.Schema()
	suite.Require().Equal(len(expected), sc.NumFields())
	for i, id := range expected {
		suite.Equal(id, sc.Field(i).Type.ID(), sc.Field(i).Name)
	}

	suite.Require().True(rdr.Next())
	rec := rdr.Record()
	suite.Equal("12.345", rec.Column(0).ValueStr(0))
	suite.Equal("lc", rec.Column(7).(*array.String).Value(0))
	suite.Equal(3, rec.Column(4).(*array.List).ListValues().Len())
	suite.False(rdr.Next())
}

func (suite *ClickHouseTests) TestCancelByClose() {
	suite.Require().NoError(suite.stmt.SetSqlQuery("SELECT number FROM system.numbers"))
	rdr, _, err := suite.stmt.ExecuteQuery(suite.ctx)
	suite.Require().NoError(err)
	defer rdr.Release()

	suite.Require().True(rdr.Next())
	time.AfterFunc(10*time.Millisecond, func() { _ = suite.stmt.Close() })
	for rdr.Next() {
	}

	var adbcError adbc.Error
	suite.Require().ErrorAs(rdr.Err(), &adbcError)
	suite.Equal(adbc.StatusCancelled, adbcError.Code)
}

func (suite *ClickHouseTests) TestFetchTimeout() {
	suite.Require().NoError(suite.stmt.SetSqlQuery("SELECT sleepEachRow(1) FROM numbers(5) SETTINGS max_block_size = 1"))
	suite.Require().NoError(suite.stmt.(adbc.GetSetOptions).SetOptionDouble(driver.OptionDoubleFetchTimeout, 0.2))

	rdr, _, err := suite.stmt.ExecuteQuery(suite.ctx)
	if err == nil {
		defer rdr.Release()
		for rdr.Next() {
		}
		err = rdr.Err()
	}

	var adbcError adbc.Error
	suite.Require().ErrorAs(err, &adbcError)
	suite.Equal(adbc.StatusTimeout, adbcError.Code)
}

func (suite *ClickHouseTests) TestExecuteSchema() {
	suite.Require().NoError(suite.stmt.SetSqlQuery("SELECT toInt32(1) AS a, 'x' AS b"))
	sc, err := suite.stmt.(adbc.StatementExecuteSchema).ExecuteSchema(suite.ctx)
	suite.Require().NoError(err)

	expected := arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Int32},
		{Name: "b", Type: arrow.BinaryTypes.String},
	}, nil)
	suite.Truef(expected.Equal(sc), "expected: %s\ngot: %s", expected, sc)
}

func (suite *ClickHouseTests) TestUnknownTableVendorCode() {
	suite.Require().NoError(suite.stmt.SetSqlQuery(fmt.Sprintf("SELECT * FROM `%s`.missing_table", suite.Quirks.database)))
	_, _, err := suite.stmt.ExecuteQuery(suite.ctx)

	var adbcError adbc.Error
	suite.Require().ErrorAs(err, &adbcError)
	suite.Equal(adbc.StatusNotFound, adbcError.Code)
	suite.EqualValues(60, adbcError.VendorCode)
}
