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

// Package internal holds helpers shared by the driver packages: the
// GetObjects node tree and its Arrow encoder, LIKE pattern matching, and
// XDBC type classification.
package internal

import (
	"regexp"
	"strings"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	Unique     = "UNIQUE"
	PrimaryKey = "PRIMARY KEY"
	ForeignKey = "FOREIGN KEY"
)

// CatalogNode is one row of the GetObjects result. For every node type a nil
// child slice means the level was not populated at the requested depth and
// is encoded as a null list; a non-nil empty slice is an empty list.
type CatalogNode struct {
	Name      string
	DbSchemas []DbSchemaNode
}

type DbSchemaNode struct {
	Name   string
	Tables []TableNode
}

type TableNode struct {
	Name        string
	Type        string
	Columns     []ColumnNode
	Constraints []ConstraintNode
}

// ColumnNode mirrors the COLUMN_SCHEMA struct; nil pointers are nulls.
type ColumnNode struct {
	Name            string
	OrdinalPosition int32
	Remarks         *string

	XdbcDataType          *int16
	XdbcTypeName          *string
	XdbcColumnSize        *int32
	XdbcDecimalDigits     *int16
	XdbcNumPrecRadix      *int16
	XdbcNullable          *int16
	XdbcColumnDef         *string
	XdbcSqlDataType       *int16
	XdbcDatetimeSub       *int16
	XdbcCharOctetLength   *int32
	XdbcIsNullable        *string
	XdbcScopeCatalog      *string
	XdbcScopeSchema       *string
	XdbcScopeTable        *string
	XdbcIsAutoincrement   *bool
	XdbcIsGeneratedColumn *bool
}

type ConstraintNode struct {
	Name        *string
	Type        string
	ColumnNames []string
	Usages      []UsageNode
}

// UsageNode identifies the column a foreign key references.
type UsageNode struct {
	Catalog  *string
	DbSchema *string
	Table    string
	Column   string
}

// PatternToRegexp compiles a SQL LIKE pattern (%, _ and backslash escapes)
// to an anchored regexp. A nil pattern yields a nil regexp, which matches
// everything through MatchPattern.
func PatternToRegexp(pattern *string, caseSensitive bool) (*regexp.Regexp, error) {
	if pattern == nil {
		return nil, nil
	}

	var builder strings.Builder
	if !caseSensitive {
		builder.WriteString("(?i)")
	}
	builder.WriteString("(?s)^")
	escaped := false
	for _, c := range *pattern {
		switch {
		case escaped:
			builder.WriteString(regexp.QuoteMeta(string(c)))
			escaped = false
		case c == '\\':
			escaped = true
		case c == '_':
			builder.WriteString(".")
		case c == '%':
			builder.WriteString(".*")
		default:
			builder.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	if escaped {
		builder.WriteString(regexp.QuoteMeta(`\`))
	}
	builder.WriteString("$")
	return regexp.Compile(builder.String())
}

// MatchPattern reports whether name satisfies a compiled pattern.
func MatchPattern(pattern *regexp.Regexp, name string) bool {
	return pattern == nil || pattern.MatchString(name)
}

// getObjectsBuilder holds the nested builders of adbc.GetObjectsSchema.
type getObjectsBuilder struct {
	builder *array.RecordBuilder

	catalogNameBuilder           *array.StringBuilder
	catalogDbSchemasBuilder      *array.ListBuilder
	catalogDbSchemasItems        *array.StructBuilder
	dbSchemaNameBuilder          *array.StringBuilder
	dbSchemaTablesBuilder        *array.ListBuilder
	dbSchemaTablesItems          *array.StructBuilder
	tableNameBuilder             *array.StringBuilder
	tableTypeBuilder             *array.StringBuilder
	tableColumnsBuilder          *array.ListBuilder
	tableColumnsItems            *array.StructBuilder
	columnNameBuilder            *array.StringBuilder
	ordinalPositionBuilder       *array.Int32Builder
	remarksBuilder               *array.StringBuilder
	xdbcDataTypeBuilder          *array.Int16Builder
	xdbcTypeNameBuilder          *array.StringBuilder
	xdbcColumnSizeBuilder        *array.Int32Builder
	xdbcDecimalDigitsBuilder     *array.Int16Builder
	xdbcNumPrecRadixBuilder      *array.Int16Builder
	xdbcNullableBuilder          *array.Int16Builder
	xdbcColumnDefBuilder         *array.StringBuilder
	xdbcSqlDataTypeBuilder       *array.Int16Builder
	xdbcDatetimeSubBuilder       *array.Int16Builder
	xdbcCharOctetLengthBuilder   *array.Int32Builder
	xdbcIsNullableBuilder        *array.StringBuilder
	xdbcScopeCatalogBuilder      *array.StringBuilder
	xdbcScopeSchemaBuilder       *array.StringBuilder
	xdbcScopeTableBuilder        *array.StringBuilder
	xdbcIsAutoincrementBuilder   *array.BooleanBuilder
	xdbcIsGeneratedcolumnBuilder *array.BooleanBuilder
	tableConstraintsBuilder      *array.ListBuilder
	tableConstraintsItems        *array.StructBuilder
	constraintNameBuilder        *array.StringBuilder
	constraintTypeBuilder        *array.StringBuilder
	constraintColumnNameBuilder  *array.ListBuilder
	constraintColumnNameItems    *array.StringBuilder
	constraintColumnUsageBuilder *array.ListBuilder
	constraintColumnUsageItems   *array.StructBuilder
	columnUsageCatalogBuilder    *array.StringBuilder
	columnUsageSchemaBuilder     *array.StringBuilder
	columnUsageTableBuilder      *array.StringBuilder
	columnUsageColumnBuilder     *array.StringBuilder
}

func newGetObjectsBuilder(mem memory.Allocator) *getObjectsBuilder {
	g := &getObjectsBuilder{builder: array.NewRecordBuilder(mem, adbc.GetObjectsSchema)}
	g.catalogNameBuilder = g.builder.Field(0).(*array.StringBuilder)
	g.catalogDbSchemasBuilder = g.builder.Field(1).(*array.ListBuilder)
	g.catalogDbSchemasItems = g.catalogDbSchemasBuilder.ValueBuilder().(*array.StructBuilder)
	g.dbSchemaNameBuilder = g.catalogDbSchemasItems.FieldBuilder(0).(*array.StringBuilder)
	g.dbSchemaTablesBuilder = g.catalogDbSchemasItems.FieldBuilder(1).(*array.ListBuilder)
	g.dbSchemaTablesItems = g.dbSchemaTablesBuilder.ValueBuilder().(*array.StructBuilder)
	g.tableNameBuilder = g.dbSchemaTablesItems.FieldBuilder(0).(*array.StringBuilder)
	g.tableTypeBuilder = g.dbSchemaTablesItems.FieldBuilder(1).(*array.StringBuilder)
	g.tableColumnsBuilder = g.dbSchemaTablesItems.FieldBuilder(2).(*array.ListBuilder)
	g.tableColumnsItems = g.tableColumnsBuilder.ValueBuilder().(*array.StructBuilder)
	g.columnNameBuilder = g.tableColumnsItems.FieldBuilder(0).(*array.StringBuilder)
	g.ordinalPositionBuilder = g.tableColumnsItems.FieldBuilder(1).(*array.Int32Builder)
	g.remarksBuilder = g.tableColumnsItems.FieldBuilder(2).(*array.StringBuilder)
	g.xdbcDataTypeBuilder = g.tableColumnsItems.FieldBuilder(3).(*array.Int16Builder)
	g.xdbcTypeNameBuilder = g.tableColumnsItems.FieldBuilder(4).(*array.StringBuilder)
	g.xdbcColumnSizeBuilder = g.tableColumnsItems.FieldBuilder(5).(*array.Int32Builder)
	g.xdbcDecimalDigitsBuilder = g.tableColumnsItems.FieldBuilder(6).(*array.Int16Builder)
	g.xdbcNumPrecRadixBuilder = g.tableColumnsItems.FieldBuilder(7).(*array.Int16Builder)
	g.xdbcNullableBuilder = g.tableColumnsItems.FieldBuilder(8).(*array.Int16Builder)
	g.xdbcColumnDefBuilder = g.tableColumnsItems.FieldBuilder(9).(*array.StringBuilder)
	g.xdbcSqlDataTypeBuilder = g.tableColumnsItems.FieldBuilder(10).(*array.Int16Builder)
	g.xdbcDatetimeSubBuilder = g.tableColumnsItems.FieldBuilder(11).(*array.Int16Builder)
	g.xdbcCharOctetLengthBuilder = g.tableColumnsItems.FieldBuilder(12).(*array.Int32Builder)
	g.xdbcIsNullableBuilder = g.tableColumnsItems.FieldBuilder(13).(*array.StringBuilder)
	g.xdbcScopeCatalogBuilder = g.tableColumnsItems.FieldBuilder(14).(*array.StringBuilder)
	g.xdbcScopeSchemaBuilder = g.tableColumnsItems.FieldBuilder(15).(*array.StringBuilder)
	g.xdbcScopeTableBuilder = g.tableColumnsItems.FieldBuilder(16).(*array.StringBuilder)
	g.xdbcIsAutoincrementBuilder = g.tableColumnsItems.FieldBuilder(17).(*array.BooleanBuilder)
	g.xdbcIsGeneratedcolumnBuilder = g.tableColumnsItems.FieldBuilder(18).(*array.BooleanBuilder)
	g.tableConstraintsBuilder = g.dbSchemaTablesItems.FieldBuilder(3).(*array.ListBuilder)
	g.tableConstraintsItems = g.tableConstraintsBuilder.ValueBuilder().(*array.StructBuilder)
	g.constraintNameBuilder = g.tableConstraintsItems.FieldBuilder(0).(*array.StringBuilder)
	g.constraintTypeBuilder = g.tableConstraintsItems.FieldBuilder(1).(*array.StringBuilder)
	g.constraintColumnNameBuilder = g.tableConstraintsItems.FieldBuilder(2).(*array.ListBuilder)
	g.constraintColumnNameItems = g.constraintColumnNameBuilder.ValueBuilder().(*array.StringBuilder)
	g.constraintColumnUsageBuilder = g.tableConstraintsItems.FieldBuilder(3).(*array.ListBuilder)
	g.constraintColumnUsageItems = g.constraintColumnUsageBuilder.ValueBuilder().(*array.StructBuilder)
	g.columnUsageCatalogBuilder = g.constraintColumnUsageItems.FieldBuilder(0).(*array.StringBuilder)
	g.columnUsageSchemaBuilder = g.constraintColumnUsageItems.FieldBuilder(1).(*array.StringBuilder)
	g.columnUsageTableBuilder = g.constraintColumnUsageItems.FieldBuilder(2).(*array.StringBuilder)
	g.columnUsageColumnBuilder = g.constraintColumnUsageItems.FieldBuilder(3).(*array.StringBuilder)
	return g
}

// BuildGetObjects encodes a catalog tree into a single record matching
// adbc.GetObjectsSchema.
func BuildGetObjects(mem memory.Allocator, catalogs []CatalogNode) (array.RecordReader, error) {
	g := newGetObjectsBuilder(mem)
	defer g.builder.Release()

	for _, catalog := range catalogs {
		g.appendCatalog(catalog)
	}

	record := g.builder.NewRecord()
	defer record.Release()

	result, err := array.NewRecordReader(adbc.GetObjectsSchema, []arrow.Record{record})
	if err != nil {
		return nil, adbc.Error{
			Msg:  err.Error(),
			Code: adbc.StatusInternal,
		}
	}
	return result, nil
}

func (g *getObjectsBuilder) appendCatalog(catalog CatalogNode) {
	g.catalogNameBuilder.Append(catalog.Name)
	if catalog.DbSchemas == nil {
		g.catalogDbSchemasBuilder.AppendNull()
		return
	}

	g.catalogDbSchemasBuilder.Append(true)
	for _, dbSchema := range catalog.DbSchemas {
		g.appendDbSchema(dbSchema)
	}
}

func (g *getObjectsBuilder) appendDbSchema(dbSchema DbSchemaNode) {
	g.dbSchemaNameBuilder.Append(dbSchema.Name)
	g.catalogDbSchemasItems.Append(true)

	if dbSchema.Tables == nil {
		g.dbSchemaTablesBuilder.AppendNull()
		return
	}
	g.dbSchemaTablesBuilder.Append(true)
	for _, table := range dbSchema.Tables {
		g.appendTable(table)
	}
}

func (g *getObjectsBuilder) appendTable(table TableNode) {
	g.tableNameBuilder.Append(table.Name)
	g.tableTypeBuilder.Append(table.Type)
	g.dbSchemaTablesItems.Append(true)

	if table.Columns == nil {
		g.tableColumnsBuilder.AppendNull()
	} else {
		g.tableColumnsBuilder.Append(true)
		for _, column := range table.Columns {
			g.appendColumn(column)
		}
	}

	if table.Constraints == nil {
		g.tableConstraintsBuilder.AppendNull()
	} else {
		g.tableConstraintsBuilder.Append(true)
		for _, constraint := range table.Constraints {
			g.appendConstraint(constraint)
		}
	}
}

func (g *getObjectsBuilder) appendConstraint(constraint ConstraintNode) {
	appendOptionalString(g.constraintNameBuilder, constraint.Name)
	g.constraintTypeBuilder.Append(constraint.Type)

	g.constraintColumnNameBuilder.Append(true)
	for _, columnName := range constraint.ColumnNames {
		g.constraintColumnNameItems.Append(columnName)
	}

	if constraint.Usages == nil {
		g.constraintColumnUsageBuilder.AppendNull()
	} else {
		g.constraintColumnUsageBuilder.Append(true)
		for _, usage := range constraint.Usages {
			appendOptionalString(g.columnUsageCatalogBuilder, usage.Catalog)
			appendOptionalString(g.columnUsageSchemaBuilder, usage.DbSchema)
			g.columnUsageTableBuilder.Append(usage.Table)
			g.columnUsageColumnBuilder.Append(usage.Column)
			g.constraintColumnUsageItems.Append(true)
		}
	}
	g.tableConstraintsItems.Append(true)
}

func (g *getObjectsBuilder) appendColumn(column ColumnNode) {
	g.columnNameBuilder.Append(column.Name)
	g.ordinalPositionBuilder.Append(column.OrdinalPosition)
	appendOptionalString(g.remarksBuilder, column.Remarks)
	appendOptionalInt16(g.xdbcDataTypeBuilder, column.XdbcDataType)
	appendOptionalString(g.xdbcTypeNameBuilder, column.XdbcTypeName)
	appendOptionalInt32(g.xdbcColumnSizeBuilder, column.XdbcColumnSize)
	appendOptionalInt16(g.xdbcDecimalDigitsBuilder, column.XdbcDecimalDigits)
	appendOptionalInt16(g.xdbcNumPrecRadixBuilder, column.XdbcNumPrecRadix)
	appendOptionalInt16(g.xdbcNullableBuilder, column.XdbcNullable)
	appendOptionalString(g.xdbcColumnDefBuilder, column.XdbcColumnDef)
	appendOptionalInt16(g.xdbcSqlDataTypeBuilder, column.XdbcSqlDataType)
	appendOptionalInt16(g.xdbcDatetimeSubBuilder, column.XdbcDatetimeSub)
	appendOptionalInt32(g.xdbcCharOctetLengthBuilder, column.XdbcCharOctetLength)
	appendOptionalString(g.xdbcIsNullableBuilder, column.XdbcIsNullable)
	appendOptionalString(g.xdbcScopeCatalogBuilder, column.XdbcScopeCatalog)
	appendOptionalString(g.xdbcScopeSchemaBuilder, column.XdbcScopeSchema)
	appendOptionalString(g.xdbcScopeTableBuilder, column.XdbcScopeTable)
	appendOptionalBool(g.xdbcIsAutoincrementBuilder, column.XdbcIsAutoincrement)
	appendOptionalBool(g.xdbcIsGeneratedcolumnBuilder, column.XdbcIsGeneratedColumn)
	g.tableColumnsItems.Append(true)
}

func appendOptionalString(b *array.StringBuilder, v *string) {
	if v == nil {
		b.AppendNull()
	} else {
		b.Append(*v)
	}
}

func appendOptionalInt16(b *array.Int16Builder, v *int16) {
	if v == nil {
		b.AppendNull()
	} else {
		b.Append(*v)
	}
}

func appendOptionalInt32(b *array.Int32Builder, v *int32) {
	if v == nil {
		b.AppendNull()
	} else {
		b.Append(*v)
	}
}

func appendOptionalBool(b *array.BooleanBuilder, v *bool) {
	if v == nil {
		b.AppendNull()
	} else {
		b.Append(*v)
	}
}
