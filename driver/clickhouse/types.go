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
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/extensions"
	"github.com/bluele/gcache"
)

// chType is a parsed ClickHouse type. Wrappers (Nullable, LowCardinality,
// SimpleAggregateFunction) are folded into flags on the inner type.
type chType struct {
	Name string
	// Raw is the text the type was parsed from.
	Raw string

	Nullable       bool
	LowCardinality bool

	// Elems holds the element type of Array, the key and value of Map and
	// the fields of Tuple; FieldNames is set for named tuples.
	Elems      []*chType
	FieldNames []string

	Precision int
	Scale     int
	Length    int
	Timezone  string
}

const typeCacheSize = 1024

// parsedTypes caches parse results keyed by the type string; the catalog
// and every result schema resolve the same handful of type strings.
var parsedTypes = gcache.New(typeCacheSize).LRU().LoaderFunc(func(key interface{}) (interface{}, error) {
	return parseTypeString(key.(string))
}).Build()

// parseChType parses a ClickHouse type string, going through the cache.
func parseChType(typeString string) (*chType, error) {
	t, err := parsedTypes.Get(typeString)
	if err != nil {
		return nil, err
	}
	return t.(*chType), nil
}

// parseTypeString parses a type string without the cache.
func parseTypeString(typeString string) (*chType, error) {
	p := &typeParser{src: typeString}
	t, err := p.parseType()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected trailing input")
	}
	return t, nil
}

type typeParser struct {
	src string
	pos int
}

func (p *typeParser) errorf(format string, args ...any) error {
	return fmt.Errorf("cannot parse type `%s` at offset %d: %s", p.src, p.pos, fmt.Sprintf(format, args...))
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && strings.ContainsRune(" \t\r\n", rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *typeParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *typeParser) accept(c byte) bool {
	if p.peek() == c {
		p.pos++
		return true
	}
	return false
}

func (p *typeParser) expect(c byte) error {
	if !p.accept(c) {
		return p.errorf("expected `%c`", c)
	}
	return nil
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func (p *typeParser) ident() (string, error) {
	p.skipSpace()
	start := p.pos
	if p.pos < len(p.src) && p.src[p.pos] == '`' {
		end := strings.IndexByte(p.src[p.pos+1:], '`')
		if end < 0 {
			return "", p.errorf("unterminated identifier")
		}
		p.pos += end + 2
		return p.src[start+1 : p.pos-1], nil
	}
	for p.pos < len(p.src) && isIdentByte(p.src[p.pos]) {
		p.pos++
	}
	if start == p.pos {
		return "", p.errorf("expected a type name")
	}
	return p.src[start:p.pos], nil
}

func (p *typeParser) number() (int, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	if start == p.pos {
		return 0, p.errorf("expected a number")
	}
	return strconv.Atoi(p.src[start:p.pos])
}

func (p *typeParser) quoted() (string, error) {
	if p.peek() != '\'' {
		return "", p.errorf("expected a quoted string")
	}
	p.pos++
	var sb strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == '\\' && p.pos+1 < len(p.src):
			sb.WriteByte(p.src[p.pos+1])
			p.pos += 2
		case c == '\'':
			p.pos++
			return sb.String(), nil
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}
	return "", p.errorf("unterminated string")
}

// skipArgs consumes a parenthesised argument list whose content is not
// interpreted, such as Enum values or AggregateFunction arguments.
func (p *typeParser) skipArgs() error {
	depth := 1
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '\'':
			if _, err := p.quoted(); err != nil {
				return err
			}
			continue
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				p.pos++
				return nil
			}
		}
		p.pos++
	}
	return p.errorf("unbalanced parentheses")
}

func (p *typeParser) parseType() (*chType, error) {
	start := p.pos
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	t, err := p.parseArgs(name)
	if err != nil {
		return nil, err
	}
	if t.Raw == "" {
		t.Raw = strings.TrimSpace(p.src[start:p.pos])
	}
	return t, nil
}

func (p *typeParser) parseArgs(name string) (*chType, error) {
	t := &chType{Name: name}
	if !p.accept('(') {
		switch name {
		case "Decimal":
			t.Precision, t.Scale = 10, 0
		case "DateTime64":
			return nil, p.errorf("DateTime64 requires a precision")
		}
		return t, nil
	}

	switch name {
	case "Nullable", "LowCardinality":
		inner, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		if name == "Nullable" {
			inner.Nullable = true
		} else {
			inner.LowCardinality = true
		}
		inner.Raw = ""
		return inner, nil
	case "SimpleAggregateFunction":
		// the aggregate function name may carry its own parameters
		if _, err := p.ident(); err != nil {
			return nil, err
		}
		if p.accept('(') {
			if err := p.skipArgs(); err != nil {
				return nil, err
			}
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
		inner, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		inner.Raw = ""
		return inner, nil
	case "Array":
		elem, err := p.parseType()
		if err != nil {
			return nil, err
		}
		t.Elems = []*chType{elem}
		return t, p.expect(')')
	case "Map":
		key, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
		value, err := p.parseType()
		if err != nil {
			return nil, err
		}
		t.Elems = []*chType{key, value}
		return t, p.expect(')')
	case "Tuple":
		return t, p.parseTupleElems(t)
	case "Decimal":
		precision, err := p.number()
		if err != nil {
			return nil, err
		}
		t.Precision = precision
		if p.accept(',') {
			if t.Scale, err = p.number(); err != nil {
				return nil, err
			}
		}
		return t, p.expect(')')
	case "Decimal32", "Decimal64", "Decimal128", "Decimal256":
		scale, err := p.number()
		if err != nil {
			return nil, err
		}
		t.Precision = map[string]int{"Decimal32": 9, "Decimal64": 18, "Decimal128": 38, "Decimal256": 76}[name]
		t.Scale = scale
		t.Name = "Decimal"
		return t, p.expect(')')
	case "DateTime":
		tz, err := p.quoted()
		if err != nil {
			return nil, err
		}
		t.Timezone = tz
		return t, p.expect(')')
	case "DateTime64":
		precision, err := p.number()
		if err != nil {
			return nil, err
		}
		t.Precision = precision
		if p.accept(',') {
			if t.Timezone, err = p.quoted(); err != nil {
				return nil, err
			}
		}
		return t, p.expect(')')
	case "FixedString":
		length, err := p.number()
		if err != nil {
			return nil, err
		}
		t.Length = length
		return t, p.expect(')')
	default:
		// Enum8/Enum16 values and the arguments of unmapped types
		return t, p.skipArgs()
	}
}

func (p *typeParser) parseTupleElems(t *chType) error {
	named := false
	for i := 0; ; i++ {
		// a named element is an identifier followed by a type
		save := p.pos
		fieldName := ""
		if name, err := p.ident(); err == nil {
			p.skipSpace()
			if p.pos < len(p.src) && (isIdentByte(p.src[p.pos]) || p.src[p.pos] == '`') && p.pos > save {
				fieldName = name
				named = true
			} else {
				p.pos = save
			}
		} else {
			p.pos = save
		}

		elem, err := p.parseType()
		if err != nil {
			return err
		}
		t.Elems = append(t.Elems, elem)
		if fieldName == "" {
			fieldName = strconv.Itoa(i + 1)
		}
		t.FieldNames = append(t.FieldNames, fieldName)

		if p.accept(')') {
			break
		}
		if err := p.expect(','); err != nil {
			return err
		}
	}
	if !named {
		t.FieldNames = nil
	}
	return nil
}

// typeMappingError reports a native type with no Arrow counterpart.
type typeMappingError struct {
	TypeName string
}

func (e *typeMappingError) Error() string {
	return fmt.Sprintf("unsupported ClickHouse type `%s`", e.TypeName)
}

// toArrowField maps a parsed type to an Arrow field.
func (t *chType) toArrowField(name string) (arrow.Field, error) {
	dt, err := t.toArrowType()
	if err != nil {
		return arrow.Field{}, err
	}
	return arrow.Field{Name: name, Type: dt, Nullable: t.Nullable || dt.ID() == arrow.NULL}, nil
}

func (t *chType) toArrowType() (arrow.DataType, error) {
	switch t.Name {
	case "Bool", "Boolean":
		return arrow.FixedWidthTypes.Boolean, nil
	case "Int8":
		return arrow.PrimitiveTypes.Int8, nil
	case "Int16":
		return arrow.PrimitiveTypes.Int16, nil
	case "Int32":
		return arrow.PrimitiveTypes.Int32, nil
	case "Int64":
		return arrow.PrimitiveTypes.Int64, nil
	case "UInt8":
		return arrow.PrimitiveTypes.Uint8, nil
	case "UInt16":
		return arrow.PrimitiveTypes.Uint16, nil
	case "UInt32":
		return arrow.PrimitiveTypes.Uint32, nil
	case "UInt64":
		return arrow.PrimitiveTypes.Uint64, nil
	case "Int128", "UInt128":
		// 39 digits hold every 128-bit value
		return &arrow.Decimal256Type{Precision: 39, Scale: 0}, nil
	case "Float32":
		return arrow.PrimitiveTypes.Float32, nil
	case "Float64":
		return arrow.PrimitiveTypes.Float64, nil
	case "Decimal":
		if t.Precision < 1 || t.Precision > 76 || t.Scale < 0 || t.Scale > t.Precision {
			return nil, &typeMappingError{TypeName: t.Raw}
		}
		if t.Precision <= 38 {
			return &arrow.Decimal128Type{Precision: int32(t.Precision), Scale: int32(t.Scale)}, nil
		}
		return &arrow.Decimal256Type{Precision: int32(t.Precision), Scale: int32(t.Scale)}, nil
	case "String", "Enum8", "Enum16":
		return arrow.BinaryTypes.String, nil
	case "FixedString":
		return &arrow.FixedSizeBinaryType{ByteWidth: t.Length}, nil
	case "UUID":
		return extensions.NewUUIDType(), nil
	case "Date", "Date32":
		return arrow.FixedWidthTypes.Date32, nil
	case "DateTime":
		return &arrow.TimestampType{Unit: arrow.Second, TimeZone: t.Timezone}, nil
	case "DateTime64":
		unit, ok := timeUnitForPrecision(t.Precision)
		if !ok {
			return nil, &typeMappingError{TypeName: t.Raw}
		}
		return &arrow.TimestampType{Unit: unit, TimeZone: t.Timezone}, nil
	case "IPv4":
		return &arrow.FixedSizeBinaryType{ByteWidth: 4}, nil
	case "IPv6":
		return &arrow.FixedSizeBinaryType{ByteWidth: 16}, nil
	case "Nothing":
		return arrow.Null, nil
	case "Array":
		elem, err := t.Elems[0].toArrowField("item")
		if err != nil {
			return nil, err
		}
		return arrow.ListOfField(elem), nil
	case "Map":
		key, err := t.Elems[0].toArrowType()
		if err != nil {
			return nil, err
		}
		value, err := t.Elems[1].toArrowField("value")
		if err != nil {
			return nil, err
		}
		mt := arrow.MapOf(key, value.Type)
		mt.SetItemNullable(value.Nullable)
		return mt, nil
	case "Tuple":
		fields := make([]arrow.Field, len(t.Elems))
		for i, elem := range t.Elems {
			name := strconv.Itoa(i + 1)
			if t.FieldNames != nil {
				name = t.FieldNames[i]
			}
			field, err := elem.toArrowField(name)
			if err != nil {
				return nil, err
			}
			fields[i] = field
		}
		return arrow.StructOf(fields...), nil
	}
	return nil, &typeMappingError{TypeName: t.Raw}
}

func timeUnitForPrecision(precision int) (arrow.TimeUnit, bool) {
	switch {
	case precision == 0:
		return arrow.Second, true
	case precision <= 3:
		return arrow.Millisecond, true
	case precision <= 6:
		return arrow.Microsecond, true
	case precision <= 9:
		return arrow.Nanosecond, true
	}
	return 0, false
}

// arrowFieldForColumn parses and maps a native column type.
func arrowFieldForColumn(name, typeString string) (arrow.Field, *chType, error) {
	t, err := parseChType(typeString)
	if err != nil {
		return arrow.Field{}, nil, &typeMappingError{TypeName: typeString}
	}
	field, err := t.toArrowField(name)
	if err != nil {
		return arrow.Field{}, nil, err
	}
	return field, t, nil
}

// toNativeType is the inverse mapping, used for typed parameters and for
// ingest CREATE TABLE statements. Nullable is applied where ClickHouse
// allows it.
func toNativeType(dt arrow.DataType, nullable bool) (string, error) {
	base, err := toNativeBaseType(dt)
	if err != nil {
		return "", err
	}
	if nullable && canBeNullable(dt) {
		return "Nullable(" + base + ")", nil
	}
	return base, nil
}

func canBeNullable(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.LIST, arrow.LARGE_LIST, arrow.FIXED_SIZE_LIST, arrow.MAP, arrow.STRUCT, arrow.NULL:
		return false
	}
	return true
}

func toNativeBaseType(dt arrow.DataType) (string, error) {
	if ext, ok := dt.(arrow.ExtensionType); ok {
		if ext.ExtensionName() == extensions.NewUUIDType().ExtensionName() {
			return "UUID", nil
		}
		return toNativeBaseType(ext.StorageType())
	}

	switch dt := dt.(type) {
	case *arrow.BooleanType:
		return "Bool", nil
	case *arrow.Int8Type:
		return "Int8", nil
	case *arrow.Int16Type:
		return "Int16", nil
	case *arrow.Int32Type:
		return "Int32", nil
	case *arrow.Int64Type:
		return "Int64", nil
	case *arrow.Uint8Type:
		return "UInt8", nil
	case *arrow.Uint16Type:
		return "UInt16", nil
	case *arrow.Uint32Type:
		return "UInt32", nil
	case *arrow.Uint64Type:
		return "UInt64", nil
	case *arrow.Float16Type, *arrow.Float32Type:
		return "Float32", nil
	case *arrow.Float64Type:
		return "Float64", nil
	case *arrow.Decimal128Type:
		return fmt.Sprintf("Decimal(%d, %d)", dt.Precision, dt.Scale), nil
	case *arrow.Decimal256Type:
		return fmt.Sprintf("Decimal(%d, %d)", dt.Precision, dt.Scale), nil
	case *arrow.StringType, *arrow.LargeStringType, *arrow.BinaryType, *arrow.LargeBinaryType:
		return "String", nil
	case *arrow.FixedSizeBinaryType:
		return fmt.Sprintf("FixedString(%d)", dt.ByteWidth), nil
	case *arrow.Date32Type, *arrow.Date64Type:
		return "Date32", nil
	case *arrow.TimestampType:
		tz := ""
		if dt.TimeZone != "" {
			tz = quoteString(dt.TimeZone)
		}
		switch dt.Unit {
		case arrow.Second:
			if tz == "" {
				return "DateTime", nil
			}
			return "DateTime(" + tz + ")", nil
		case arrow.Millisecond:
			return dateTime64(3, tz), nil
		case arrow.Microsecond:
			return dateTime64(6, tz), nil
		default:
			return dateTime64(9, tz), nil
		}
	case *arrow.NullType:
		return "Nothing", nil
	case *arrow.ListType:
		return nativeListType(dt.ElemField())
	case *arrow.LargeListType:
		return nativeListType(dt.ElemField())
	case *arrow.FixedSizeListType:
		return nativeListType(dt.ElemField())
	case *arrow.MapType:
		key, err := toNativeType(dt.KeyType(), false)
		if err != nil {
			return "", err
		}
		value, err := toNativeType(dt.ItemField().Type, dt.ItemField().Nullable)
		if err != nil {
			return "", err
		}
		return "Map(" + key + ", " + value + ")", nil
	case *arrow.StructType:
		elems := make([]string, dt.NumFields())
		positional := true
		for i, field := range dt.Fields() {
			if field.Name != strconv.Itoa(i+1) {
				positional = false
			}
		}
		for i, field := range dt.Fields() {
			native, err := toNativeType(field.Type, field.Nullable)
			if err != nil {
				return "", err
			}
			if positional {
				elems[i] = native
			} else {
				elems[i] = quoteIdentifier(field.Name) + " " + native
			}
		}
		return "Tuple(" + strings.Join(elems, ", ") + ")", nil
	}
	return "", &typeMappingError{TypeName: dt.String()}
}

func nativeListType(elem arrow.Field) (string, error) {
	native, err := toNativeType(elem.Type, elem.Nullable)
	if err != nil {
		return "", err
	}
	return "Array(" + native + ")", nil
}

func dateTime64(precision int, tz string) string {
	if tz == "" {
		return fmt.Sprintf("DateTime64(%d)", precision)
	}
	return fmt.Sprintf("DateTime64(%d, %s)", precision, tz)
}

// quoteString renders a ClickHouse single-quoted string literal.
func quoteString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}
