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
	"strings"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow"
	"go.opentelemetry.io/otel/attribute"
)

// ingestOptions are the adbc.ingest.* statement options.
type ingestOptions struct {
	table     string
	database  string
	mode      string
	temporary bool
}

func newIngestOptions() ingestOptions {
	return ingestOptions{mode: adbc.OptionValueIngestModeCreate}
}

// target is the quoted table name. Temporary tables live outside any
// database.
func (o ingestOptions) target() string {
	if o.temporary {
		return quoteIdentifier(o.table)
	}
	return qualifiedName(o.database, o.table)
}

// createTableSQL generates the DDL for a table matching schema. Column
// types come from the inverse type mapping.
func createTableSQL(schema *arrow.Schema, target string, ifNotExists, temporary bool) (string, error) {
	var b strings.Builder
	b.WriteString("CREATE ")
	if temporary {
		b.WriteString("TEMPORARY ")
	}
	b.WriteString("TABLE ")
	if ifNotExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(target)
	b.WriteString(" (")
	for i, field := range schema.Fields() {
		if i > 0 {
			b.WriteString(", ")
		}
		native, err := toNativeType(field.Type, field.Nullable)
		if err != nil {
			return "", err
		}
		b.WriteString(quoteIdentifier(field.Name))
		b.WriteString(" ")
		b.WriteString(native)
	}
	b.WriteString(")")
	if temporary {
		b.WriteString(" ENGINE = Memory")
	} else {
		b.WriteString(" ENGINE = MergeTree ORDER BY tuple()")
	}
	return b.String(), nil
}

// ingestDDL lists the statements that prepare the target table for the
// configured mode.
func (o ingestOptions) ingestDDL(schema *arrow.Schema) ([]string, error) {
	switch o.mode {
	case adbc.OptionValueIngestModeAppend:
		return nil, nil
	case adbc.OptionValueIngestModeCreate, adbc.OptionValueIngestModeCreateAppend:
		create, err := createTableSQL(schema, o.target(), o.mode == adbc.OptionValueIngestModeCreateAppend, o.temporary)
		if err != nil {
			return nil, err
		}
		return []string{create}, nil
	case adbc.OptionValueIngestModeReplace:
		create, err := createTableSQL(schema, o.target(), false, o.temporary)
		if err != nil {
			return nil, err
		}
		drop := "DROP TABLE IF EXISTS " + o.target()
		if o.temporary {
			drop = "DROP TEMPORARY TABLE IF EXISTS " + o.target()
		}
		return []string{drop, create}, nil
	}
	return nil, nil
}

// executeIngest creates the target table as the mode requires and inserts
// every bound record with a native batch insert.
func (st *statementImpl) executeIngest(ctx context.Context) (n int64, err error) {
	if st.bound == nil && st.streamBind == nil {
		return -1, st.ErrorHelper.InvalidState("must call Bind before bulk ingestion")
	}

	var schema *arrow.Schema
	if st.bound != nil {
		schema = st.bound.Schema()
	} else {
		schema = st.streamBind.Schema()
	}

	ddl, err := st.ingest.ingestDDL(schema)
	if err != nil {
		return -1, st.ErrorHelper.WrapNotImplemented(err, "creating ingest table %s", st.ingest.target())
	}

	if err := st.cnxn.acquire(); err != nil {
		return -1, err
	}
	defer st.cnxn.release()

	ctx, span := st.StartSpan(ctx, "ExecuteIngest")
	span.SetAttributes(
		attribute.String("adbc.ingest.target_table", st.ingest.table),
		attribute.String("adbc.ingest.mode", st.ingest.mode),
	)
	defer func() {
		endSpan(span, err)
	}()

	st.setState(stateExecuting)
	defer func() {
		if err != nil {
			st.setState(stateErrored)
		} else {
			st.setState(stateExhausted)
		}
	}()

	for _, sql := range ddl {
		st.Logger.DebugContext(ctx, "preparing ingest table", "sql", sql)
		if _, err := st.cnxn.session.Exec(ctx, Request{SQL: sql}); err != nil {
			return -1, st.ErrorHelper.WrapIO(err, "preparing ingest table %s", st.ingest.target())
		}
	}

	columns := make([]string, schema.NumFields())
	for i, field := range schema.Fields() {
		columns[i] = field.Name
	}

	insert := func(rec arrow.Record) error {
		if rec.NumRows() == 0 {
			return nil
		}
		rows := make([][]any, rec.NumRows())
		for row := range rows {
			values := make([]any, rec.NumCols())
			for col, arr := range rec.Columns() {
				v, err := extractValue(arr, row)
				if err != nil {
					return st.ErrorHelper.WrapInvalidArgument(err, "reading column `%s`", columns[col])
				}
				values[col] = v
			}
			rows[row] = values
		}

		st.Logger.DebugContext(ctx, "inserting batch", "table", st.ingest.target(), "rows", len(rows))
		inserted, err := st.cnxn.session.Insert(ctx, st.ingest.target(), columns, rows)
		if err != nil {
			return st.ErrorHelper.WrapIO(err, "inserting into %s", st.ingest.target())
		}
		n += inserted
		return nil
	}

	if st.bound != nil {
		defer func() {
			st.bound.Release()
			st.bound = nil
		}()
		if err := insert(st.bound); err != nil {
			return -1, err
		}
		return n, nil
	}

	defer func() {
		st.streamBind.Release()
		st.streamBind = nil
	}()
	for st.streamBind.Next() {
		if err := insert(st.streamBind.Record()); err != nil {
			return -1, err
		}
	}
	if err := st.streamBind.Err(); err != nil {
		return -1, st.ErrorHelper.WrapIO(err, "reading bound stream")
	}
	return n, nil
}
