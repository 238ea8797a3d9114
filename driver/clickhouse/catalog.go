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
	"reflect"
	"strings"

	"github.com/adbc-drivers/driverbase-go/driverbase"
	"github.com/apache/arrow-adbc/go/adbc"
	"go.opentelemetry.io/otel/attribute"

	"github.com/if0ne/adbc-clickhouse/driver/internal"
)

// systemDatabases are hidden from GetObjects unless include_system is set.
var systemDatabases = []string{"system", "information_schema", "INFORMATION_SCHEMA"}

// foreignEngines are table engines whose data lives outside ClickHouse.
var foreignEngines = map[string]bool{
	"AzureBlobStorage":       true,
	"DeltaLake":              true,
	"ExternalDistributed":    true,
	"HDFS":                   true,
	"Hive":                   true,
	"Hudi":                   true,
	"Iceberg":                true,
	"JDBC":                   true,
	"Kafka":                  true,
	"MaterializedPostgreSQL": true,
	"MongoDB":                true,
	"MySQL":                  true,
	"NATS":                   true,
	"ODBC":                   true,
	"PostgreSQL":             true,
	"RabbitMQ":               true,
	"Redis":                  true,
	"S3":                     true,
	"S3Queue":                true,
	"SQLite":                 true,
	"URL":                    true,
}

// tableTypeForEngine derives the ADBC table type of a system.tables row.
func tableTypeForEngine(engine string, temporary bool) string {
	switch {
	case temporary:
		return tableTypeLocalTemporary
	case engine == "View" || engine == "MaterializedView" || engine == "LiveView" || engine == "WindowView":
		return tableTypeView
	case strings.HasPrefix(engine, "System"):
		return tableTypeSystemView
	case foreignEngines[engine]:
		return tableTypeForeignTable
	}
	return tableTypeBaseTable
}

// GetObjectsTree implements driverbase.DbObjectsEnumerator. Each database
// is a catalog holding one db schema of the same name. Levels below the
// requested depth are never queried and stay nil.
func (c *connectionImpl) GetObjectsTree(ctx context.Context, depth adbc.ObjectDepth, catalog, dbSchema, tableName, columnName *string, tableType []string) (catalogs []internal.CatalogNode, err error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	ctx, span := c.StartSpan(ctx, "GetObjects")
	span.SetAttributes(attribute.Int("adbc.get_objects.depth", int(depth)))
	defer func() {
		endSpan(span, err)
	}()

	schemaPattern, err := internal.PatternToRegexp(dbSchema, true)
	if err != nil {
		return nil, c.ErrorHelper.WrapInvalidArgument(err, "invalid db schema pattern")
	}

	names, err := c.listDatabases(ctx, catalog)
	if err != nil {
		return nil, err
	}

	catalogs = make([]internal.CatalogNode, 0, len(names))
	for _, name := range names {
		node := internal.CatalogNode{Name: name}
		if depth == adbc.ObjectDepthCatalogs {
			catalogs = append(catalogs, node)
			continue
		}

		node.DbSchemas = []internal.DbSchemaNode{}
		if internal.MatchPattern(schemaPattern, name) {
			schema := internal.DbSchemaNode{Name: name}
			if depth != adbc.ObjectDepthDBSchemas {
				if schema.Tables, err = c.listTables(ctx, depth, name, tableName, columnName, tableType); err != nil {
					return nil, err
				}
			}
			node.DbSchemas = append(node.DbSchemas, schema)
		}
		catalogs = append(catalogs, node)
	}
	return catalogs, nil
}

func (c *connectionImpl) listDatabases(ctx context.Context, catalog *string) ([]string, error) {
	var (
		conditions []string
		args       []any
	)
	if catalog != nil {
		conditions = append(conditions, "name LIKE ?")
		args = append(args, *catalog)
	}
	if !c.cfg.includeSystem {
		quoted := make([]string, len(systemDatabases))
		for i, name := range systemDatabases {
			quoted[i] = quoteString(name)
		}
		conditions = append(conditions, "name NOT IN ("+strings.Join(quoted, ", ")+")")
	}

	sql := "SELECT name FROM system.databases"
	if len(conditions) > 0 {
		sql += " WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := c.queryAll(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(rows))
	for i, row := range rows {
		names[i] = asString(row[0])
	}
	return names, nil
}

func (c *connectionImpl) listTables(ctx context.Context, depth adbc.ObjectDepth, database string, tableName, columnName *string, tableType []string) ([]internal.TableNode, error) {
	sql := "SELECT name, engine, is_temporary, comment FROM system.tables WHERE database = ?"
	args := []any{database}
	if tableName != nil {
		sql += " AND name LIKE ?"
		args = append(args, *tableName)
	}

	rows, err := c.queryAll(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	tables := []internal.TableNode{}
	for _, row := range rows {
		table := internal.TableNode{
			Name: asString(row[0]),
			Type: tableTypeForEngine(asString(row[1]), asBool(row[2])),
		}
		if len(tableType) > 0 && !containsFold(tableType, table.Type) {
			continue
		}
		if depth == adbc.ObjectDepthAll {
			if table.Columns, err = c.listColumns(ctx, database, table.Name, columnName); err != nil {
				return nil, err
			}
			if table.Constraints, err = c.listConstraints(ctx, database, table.Name); err != nil {
				return nil, err
			}
		}
		tables = append(tables, table)
	}
	return tables, nil
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}

func (c *connectionImpl) listColumns(ctx context.Context, database, table string, columnName *string) ([]internal.ColumnNode, error) {
	sql := "SELECT name, position, type, default_kind, default_expression, comment, " +
		"numeric_precision, numeric_precision_radix, numeric_scale, datetime_precision, character_octet_length " +
		"FROM system.columns WHERE database = ? AND table = ?"
	args := []any{database, table}
	if columnName != nil {
		sql += " AND name LIKE ?"
		args = append(args, *columnName)
	}
	sql += " ORDER BY position"

	rows, err := c.queryAll(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	columns := make([]internal.ColumnNode, 0, len(rows))
	for _, row := range rows {
		column, err := c.columnNode(database, table, row)
		if err != nil {
			return nil, err
		}
		columns = append(columns, column)
	}
	return columns, nil
}

func (c *connectionImpl) columnNode(database, table string, row []any) (internal.ColumnNode, error) {
	name := asString(row[0])
	typeName := asString(row[2])
	field, _, err := arrowFieldForColumn(name, typeName)
	if err != nil {
		return internal.ColumnNode{}, c.ErrorHelper.WrapNotImplemented(err, "mapping column `%s` of %s", name, qualifiedName(database, table))
	}

	xdbcType := internal.ToXdbcDataType(field.Type)
	column := internal.ColumnNode{
		Name:                  name,
		OrdinalPosition:       int32(asInt64(row[1])),
		XdbcDataType:          driverbase.ToPtr(xdbcType),
		XdbcSqlDataType:       driverbase.ToPtr(xdbcType),
		XdbcTypeName:          driverbase.ToPtr(typeName),
		XdbcIsAutoincrement:   driverbase.ToPtr(false),
		XdbcIsGeneratedColumn: driverbase.ToPtr(false),
	}
	if field.Nullable {
		column.XdbcNullable = driverbase.ToPtr(driverbase.XdbcColumnNullable)
		column.XdbcIsNullable = driverbase.ToPtr("YES")
	} else {
		column.XdbcNullable = driverbase.ToPtr(driverbase.XdbcColumnNoNulls)
		column.XdbcIsNullable = driverbase.ToPtr("NO")
	}

	defaultKind := asString(row[3])
	if defaultKind != "" {
		column.XdbcColumnDef = driverbase.ToPtr(asString(row[4]))
		column.XdbcIsGeneratedColumn = driverbase.ToPtr(defaultKind == "MATERIALIZED" || defaultKind == "ALIAS")
	}
	if comment := asString(row[5]); comment != "" {
		column.Remarks = driverbase.ToPtr(comment)
	}

	precision, hasPrecision := asOptionalInt64(row[6])
	octetLength, hasOctetLength := asOptionalInt64(row[10])
	switch {
	case hasPrecision:
		column.XdbcColumnSize = driverbase.ToPtr(int32(precision))
	case hasOctetLength:
		column.XdbcColumnSize = driverbase.ToPtr(int32(octetLength))
	}
	if radix, ok := asOptionalInt64(row[7]); ok {
		column.XdbcNumPrecRadix = driverbase.ToPtr(int16(radix))
	}
	if scale, ok := asOptionalInt64(row[8]); ok {
		column.XdbcDecimalDigits = driverbase.ToPtr(int16(scale))
	} else if dtPrecision, ok := asOptionalInt64(row[9]); ok {
		column.XdbcDecimalDigits = driverbase.ToPtr(int16(dtPrecision))
	}
	if hasOctetLength {
		column.XdbcCharOctetLength = driverbase.ToPtr(int32(octetLength))
	}
	return column, nil
}

// listConstraints groups key_column_usage rows by constraint name. Foreign
// keys name the referenced table and columns without expanding them.
func (c *connectionImpl) listConstraints(ctx context.Context, database, table string) ([]internal.ConstraintNode, error) {
	rows, err := c.queryAll(ctx,
		"SELECT constraint_name, column_name, referenced_table_schema, referenced_table_name, referenced_column_name "+
			"FROM information_schema.key_column_usage WHERE table_schema = ? AND table_name = ? "+
			"ORDER BY constraint_name, ordinal_position",
		database, table)
	if err != nil {
		return nil, err
	}

	constraints := []internal.ConstraintNode{}
	index := map[string]int{}
	for _, row := range rows {
		name := asString(row[0])
		refTable := asString(row[3])

		i, ok := index[name]
		if !ok {
			constraint := internal.ConstraintNode{Name: driverbase.ToPtr(name), ColumnNames: []string{}}
			switch {
			case name == "PRIMARY":
				constraint.Type = internal.PrimaryKey
			case refTable != "":
				constraint.Type = internal.ForeignKey
				constraint.Usages = []internal.UsageNode{}
			default:
				constraint.Type = internal.Unique
			}
			i = len(constraints)
			index[name] = i
			constraints = append(constraints, constraint)
		}

		constraint := &constraints[i]
		constraint.ColumnNames = append(constraint.ColumnNames, asString(row[1]))
		if constraint.Type == internal.ForeignKey {
			refSchema := asString(row[2])
			constraint.Usages = append(constraint.Usages, internal.UsageNode{
				Catalog:  driverbase.ToPtr(refSchema),
				DbSchema: driverbase.ToPtr(refSchema),
				Table:    refTable,
				Column:   asString(row[4]),
			})
		}
	}
	return constraints, nil
}

// deref follows pointers; nil pointers become nil.
func deref(v any) any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil
	}
	return rv.Interface()
}

func asString(v any) string {
	switch val := deref(v).(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

func asOptionalInt64(v any) (int64, bool) {
	val := deref(v)
	if val == nil {
		return 0, false
	}
	return toInt64(val)
}

func asInt64(v any) int64 {
	i, _ := asOptionalInt64(v)
	return i
}

func asBool(v any) bool {
	if b, ok := deref(v).(bool); ok {
		return b
	}
	return asInt64(v) != 0
}
