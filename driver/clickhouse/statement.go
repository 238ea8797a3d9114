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
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"go.opentelemetry.io/otel/attribute"

	"github.com/if0ne/adbc-clickhouse/driver/internal/driverbase"
)

type statementState int32

const (
	stateUnprepared statementState = iota
	statePrepared
	stateExecuting
	stateExhausted
	stateErrored
)

func (s statementState) String() string {
	switch s {
	case stateUnprepared:
		return "unprepared"
	case statePrepared:
		return "prepared"
	case stateExecuting:
		return "executing"
	case stateExhausted:
		return "exhausted"
	case stateErrored:
		return "errored"
	}
	return fmt.Sprintf("statementState(%d)", int32(s))
}

type statementImpl struct {
	driverbase.StatementImplBase

	cnxn  *connectionImpl
	state atomic.Int32

	query        string
	placeholders placeholders
	paramSchema  *arrow.Schema

	bound      arrow.Record
	streamBind array.RecordReader

	ingest       ingestOptions
	batchSize    int
	fetchTimeout time.Duration

	reader atomic.Pointer[reader]
}

func newStatement(cnxn *connectionImpl) *statementImpl {
	return &statementImpl{
		StatementImplBase: driverbase.NewStatementImplBase(&cnxn.ConnectionImplBase),
		cnxn:              cnxn,
		ingest:            newIngestOptions(),
		batchSize:         cnxn.cfg.batchSize,
		fetchTimeout:      cnxn.cfg.fetchTimeout,
	}
}

func (st *statementImpl) getState() statementState {
	return statementState(st.state.Load())
}

func (st *statementImpl) setState(s statementState) {
	st.state.Store(int32(s))
}

// checkIdle fails when a result reader of this statement is still open.
func (st *statementImpl) checkIdle() error {
	if st.cnxn.IsClosed() {
		return st.ErrorHelper.InvalidState(driverbase.ConnectionMessageClosed)
	}
	if st.getState() == stateExecuting {
		return st.ErrorHelper.InvalidState("statement is already executing; release its reader first")
	}
	return nil
}

// Close cancels a running query and releases bound parameters.
func (st *statementImpl) Close() error {
	if rdr := st.reader.Load(); rdr != nil {
		rdr.Cancel()
	}
	st.clearBindings()
	return nil
}

func (st *statementImpl) clearBindings() {
	if st.bound != nil {
		st.bound.Release()
		st.bound = nil
	}
	if st.streamBind != nil {
		st.streamBind.Release()
		st.streamBind = nil
	}
}

func (st *statementImpl) SetOption(key string, val string) error {
	switch key {
	case adbc.OptionKeyIngestTargetTable:
		st.query = ""
		st.ingest.table = val
		st.setState(stateUnprepared)
	case adbc.OptionKeyIngestMode:
		switch val {
		case adbc.OptionValueIngestModeCreate, adbc.OptionValueIngestModeAppend,
			adbc.OptionValueIngestModeReplace, adbc.OptionValueIngestModeCreateAppend:
			st.ingest.mode = val
		default:
			return st.ErrorHelper.InvalidArgument("invalid value '%s' for statement option '%s'", val, key)
		}
	case adbc.OptionValueIngestTargetDBSchema, adbc.OptionValueIngestTargetCatalog:
		st.ingest.database = val
	case adbc.OptionValueIngestTemporary:
		temporary, err := parseBool(&st.ErrorHelper, key, val)
		if err != nil {
			return err
		}
		st.ingest.temporary = temporary
	case OptionIntBatchSize:
		size, err := parseBatchSize(&st.ErrorHelper, key, val)
		if err != nil {
			return err
		}
		st.batchSize = size
	case OptionDoubleFetchTimeout:
		timeout, err := parseTimeout(&st.ErrorHelper, key, val)
		if err != nil {
			return err
		}
		st.fetchTimeout = timeout
	default:
		return st.StatementImplBase.SetOption(key, val)
	}
	return nil
}

func (st *statementImpl) SetOptionInt(key string, value int64) error {
	if key == OptionIntBatchSize {
		if value <= 0 {
			return st.ErrorHelper.InvalidArgument("invalid value '%d' for option '%s': must be a positive integer", value, key)
		}
		st.batchSize = int(value)
		return nil
	}
	return st.StatementImplBase.SetOptionInt(key, value)
}

func (st *statementImpl) SetOptionDouble(key string, value float64) error {
	if key == OptionDoubleFetchTimeout {
		return st.SetOption(key, formatSeconds(time.Duration(value*float64(time.Second))))
	}
	return st.StatementImplBase.SetOptionDouble(key, value)
}

func (st *statementImpl) GetOption(key string) (string, error) {
	switch key {
	case adbc.OptionKeyIngestTargetTable:
		return st.ingest.table, nil
	case adbc.OptionKeyIngestMode:
		return st.ingest.mode, nil
	case adbc.OptionValueIngestTargetDBSchema, adbc.OptionValueIngestTargetCatalog:
		return st.ingest.database, nil
	case OptionIntBatchSize:
		return fmt.Sprint(st.batchSize), nil
	case OptionDoubleFetchTimeout:
		return formatSeconds(st.fetchTimeout), nil
	}
	return st.StatementImplBase.GetOption(key)
}

func (st *statementImpl) GetOptionInt(key string) (int64, error) {
	if key == OptionIntBatchSize {
		return int64(st.batchSize), nil
	}
	return st.StatementImplBase.GetOptionInt(key)
}

func (st *statementImpl) GetOptionDouble(key string) (float64, error) {
	if key == OptionDoubleFetchTimeout {
		return st.fetchTimeout.Seconds(), nil
	}
	return st.StatementImplBase.GetOptionDouble(key)
}

// SetSqlQuery sets the query and resets the statement to unprepared. Any
// ingest target is cleared.
func (st *statementImpl) SetSqlQuery(query string) error {
	if err := st.checkIdle(); err != nil {
		return err
	}
	st.query = query
	st.placeholders = placeholders{}
	st.paramSchema = nil
	st.ingest = newIngestOptions()
	st.setState(stateUnprepared)
	return nil
}

// Prepare scans the query for parameters and builds the parameter
// descriptor. Nothing is sent to the server.
func (st *statementImpl) Prepare(context.Context) error {
	if err := st.checkIdle(); err != nil {
		return err
	}
	if st.query == "" {
		return st.ErrorHelper.InvalidState("cannot prepare statement with no query")
	}

	ph := scanPlaceholders(st.query)
	schema, err := ph.schema()
	if err != nil {
		return st.ErrorHelper.WrapNotImplemented(err, "describing query parameters")
	}
	st.placeholders = ph
	st.paramSchema = schema
	st.setState(statePrepared)
	return nil
}

// GetParameterSchema returns the descriptor built by Prepare.
func (st *statementImpl) GetParameterSchema() (*arrow.Schema, error) {
	if st.paramSchema == nil {
		return nil, st.ErrorHelper.InvalidState("statement must be prepared before its parameter schema is known")
	}
	return st.paramSchema, nil
}

func (st *statementImpl) SetSubstraitPlan([]byte) error {
	return st.ErrorHelper.NotImplemented("Substrait plans are not supported by ClickHouse")
}

func (st *statementImpl) ExecutePartitions(context.Context) (*arrow.Schema, adbc.Partitions, int64, error) {
	return nil, adbc.Partitions{}, -1, st.ErrorHelper.NotImplemented("ExecutePartitions is not supported by ClickHouse")
}

// Bind binds one record of parameters. With a parameter descriptor the
// record must match it column for column.
func (st *statementImpl) Bind(_ context.Context, values arrow.Record) error {
	if err := st.checkIdle(); err != nil {
		return err
	}
	if values != nil {
		if err := st.checkParamSchema(values.Schema()); err != nil {
			return err
		}
	}

	st.clearBindings()
	st.bound = values
	if st.bound != nil {
		st.bound.Retain()
	}
	return nil
}

// BindStream binds a stream of parameter records.
func (st *statementImpl) BindStream(_ context.Context, stream array.RecordReader) error {
	if err := st.checkIdle(); err != nil {
		return err
	}
	if stream != nil {
		if err := st.checkParamSchema(stream.Schema()); err != nil {
			return err
		}
	}

	st.clearBindings()
	st.streamBind = stream
	if st.streamBind != nil {
		st.streamBind.Retain()
	}
	return nil
}

// checkParamSchema validates bound data against the descriptor. Positional
// parameters accept any type; typed ones require the mapped type.
func (st *statementImpl) checkParamSchema(schema *arrow.Schema) error {
	if st.paramSchema == nil || st.ingest.table != "" {
		return nil
	}
	expected := st.paramSchema.Fields()
	if schema.NumFields() != len(expected) {
		return st.ErrorHelper.InvalidArgument("expected %d parameters, got %d", len(expected), schema.NumFields())
	}
	if st.placeholders.style != paramStyleTyped {
		return nil
	}
	for i, field := range schema.Fields() {
		if !arrow.TypeEqual(field.Type, expected[i].Type) {
			return st.ErrorHelper.InvalidArgument("parameter %d (%s) must be %s, got %s", i, expected[i].Name, expected[i].Type, field.Type)
		}
	}
	return nil
}

// requests turns the bound parameters into one request per row. Without
// bound parameters the query is sent as is.
func (st *statementImpl) requests() ([]Request, error) {
	if st.bound == nil && st.streamBind == nil {
		return []Request{{SQL: st.query}}, nil
	}

	ph := st.placeholders
	if st.getState() != statePrepared {
		ph = scanPlaceholders(st.query)
	}

	var reqs []Request
	addRecord := func(rec arrow.Record) error {
		if ph.style == paramStyleNone && rec.NumCols() > 0 {
			return st.ErrorHelper.InvalidArgument("query has no parameters but %d were bound", rec.NumCols())
		}
		if ph.style == paramStyleTyped && int(rec.NumCols()) != len(ph.typed) {
			return st.ErrorHelper.InvalidArgument("expected %d parameters, got %d", len(ph.typed), rec.NumCols())
		}
		if ph.style == paramStylePositional && int(rec.NumCols()) != ph.positional {
			return st.ErrorHelper.InvalidArgument("expected %d parameters, got %d", ph.positional, rec.NumCols())
		}
		for row := 0; row < int(rec.NumRows()); row++ {
			req, err := st.requestForRow(ph, rec, row)
			if err != nil {
				return err
			}
			reqs = append(reqs, req)
		}
		return nil
	}

	if st.bound != nil {
		if err := addRecord(st.bound); err != nil {
			return nil, err
		}
		return reqs, nil
	}
	for st.streamBind.Next() {
		if err := addRecord(st.streamBind.Record()); err != nil {
			return nil, err
		}
	}
	if err := st.streamBind.Err(); err != nil {
		return nil, st.ErrorHelper.WrapInvalidArgument(err, "reading bound parameters")
	}
	// a stream is consumed by one execution
	st.streamBind.Release()
	st.streamBind = nil
	return reqs, nil
}

func (st *statementImpl) requestForRow(ph placeholders, rec arrow.Record, row int) (Request, error) {
	req := Request{SQL: st.query}
	if ph.style == paramStyleTyped {
		req.Parameters = make(map[string]string, len(ph.typed))
	}
	for i, col := range rec.Columns() {
		v, err := extractValue(col, row)
		if err != nil {
			return Request{}, st.ErrorHelper.WrapInvalidArgument(err, "reading parameter %d", i)
		}
		if ph.style == paramStyleTyped {
			req.Parameters[ph.typed[i].Name] = formatParam(col.DataType(), v)
		} else {
			req.Args = append(req.Args, v)
		}
	}
	return req, nil
}

// ExecuteQuery starts the query and returns a pull-based reader. The
// connection guard is held until the reader is exhausted, fails or is
// released.
func (st *statementImpl) ExecuteQuery(ctx context.Context) (rdr array.RecordReader, n int64, err error) {
	if err := st.checkIdle(); err != nil {
		return nil, -1, err
	}
	if st.ingest.table != "" {
		return nil, -1, st.ErrorHelper.InvalidState("ExecuteQuery cannot run a bulk ingest; use ExecuteUpdate")
	}
	if st.query == "" {
		return nil, -1, st.ErrorHelper.InvalidState("cannot execute without a query")
	}

	reqs, err := st.requests()
	if err != nil {
		return nil, -1, err
	}
	if len(reqs) != 1 {
		return nil, -1, st.ErrorHelper.InvalidArgument("ExecuteQuery requires exactly one row of bound parameters, got %d", len(reqs))
	}

	if err := st.cnxn.acquire(); err != nil {
		return nil, -1, err
	}
	handedOff := false
	defer func() {
		if err != nil && !handedOff {
			st.cnxn.release()
			st.setState(stateErrored)
		}
	}()

	ctx, span := st.StartSpan(ctx, "ExecuteQuery")
	span.SetAttributes(attribute.String("db.query.text", st.query))
	defer func() {
		endSpan(span, err)
	}()

	st.setState(stateExecuting)
	st.Logger.DebugContext(ctx, "executing query", "sql", st.query)

	// the reader owns queryCtx; cancelling it aborts the native query
	queryCtx, cancel := context.WithCancel(ctx)
	cursor, err := st.cnxn.session.Query(queryCtx, reqs[0])
	if err != nil {
		cancel()
		return nil, -1, st.ErrorHelper.WrapIO(err, "executing query")
	}

	r, err := newRecordReader(queryCtx, cancel, cursor, readerOptions{
		alloc:        st.Alloc,
		errs:         &st.ErrorHelper,
		batchSize:    st.batchSize,
		fetchTimeout: st.fetchTimeout,
	})
	if err != nil {
		cancel()
		_ = cursor.Close()
		return nil, -1, err
	}

	r.onFinish = func(finishErr error) {
		st.reader.CompareAndSwap(r, nil)
		st.cnxn.clearActive(r)
		if finishErr != nil {
			st.setState(stateErrored)
			st.Logger.Debug("query failed", "sql", st.query, "error", finishErr)
		} else {
			st.setState(stateExhausted)
		}
		st.cnxn.release()
	}
	handedOff = true
	st.reader.Store(r)
	st.cnxn.setActive(r)
	return r, -1, nil
}

// ExecuteUpdate runs DDL/DML, or a bulk ingest when a target table is set.
// With bound parameters the statement runs once per row and the affected
// row counts are summed.
func (st *statementImpl) ExecuteUpdate(ctx context.Context) (n int64, err error) {
	if err := st.checkIdle(); err != nil {
		return -1, err
	}
	if st.ingest.table != "" {
		return st.executeIngest(ctx)
	}
	if st.query == "" {
		return -1, st.ErrorHelper.InvalidState("cannot execute without a query")
	}

	reqs, err := st.requests()
	if err != nil {
		return -1, err
	}

	if err := st.cnxn.acquire(); err != nil {
		return -1, err
	}
	defer st.cnxn.release()

	ctx, span := st.StartSpan(ctx, "ExecuteUpdate")
	span.SetAttributes(attribute.String("db.query.text", st.query))
	defer func() {
		endSpan(span, err)
	}()

	st.setState(stateExecuting)
	var total int64
	for _, req := range reqs {
		st.Logger.DebugContext(ctx, "executing update", "sql", req.SQL)
		affected, err := st.cnxn.session.Exec(ctx, req)
		if err != nil {
			st.setState(stateErrored)
			return -1, st.ErrorHelper.WrapIO(err, "executing update")
		}
		total += affected
	}
	st.setState(stateExhausted)
	return total, nil
}

// ExecuteSchema describes the result of the query without running it.
func (st *statementImpl) ExecuteSchema(ctx context.Context) (*arrow.Schema, error) {
	if err := st.checkIdle(); err != nil {
		return nil, err
	}
	if st.query == "" {
		return nil, st.ErrorHelper.InvalidState("cannot describe a statement with no query")
	}

	req := Request{SQL: "DESCRIBE (" + trimStatement(st.query) + ")"}
	if st.bound != nil && st.bound.NumRows() == 1 {
		reqs, err := st.requests()
		if err != nil {
			return nil, err
		}
		req.Args, req.Parameters = reqs[0].Args, reqs[0].Parameters
	}

	if err := st.cnxn.acquire(); err != nil {
		return nil, err
	}
	defer st.cnxn.release()

	st.Logger.DebugContext(ctx, "describing query", "sql", req.SQL)
	cursor, err := st.cnxn.session.Query(ctx, req)
	if err != nil {
		return nil, st.ErrorHelper.WrapIO(err, "describing query")
	}
	defer func() {
		_ = cursor.Close()
	}()

	var fields []arrow.Field
	for {
		chunk, err := cursor.Next(ctx, st.batchSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, st.ErrorHelper.WrapIO(err, "describing query")
		}
		for _, row := range chunk.Rows {
			name := asString(row[0])
			field, _, err := arrowFieldForColumn(name, asString(row[1]))
			if err != nil {
				return nil, st.ErrorHelper.WrapNotImplemented(err, "mapping result column `%s`", name)
			}
			fields = append(fields, field)
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

var _ driverbase.StatementImpl = (*statementImpl)(nil)
