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
	"cmp"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/decimal256"
	"github.com/apache/arrow-go/v18/arrow/extensions"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// appendValue appends one scanned ClickHouse value to a builder. Nil and
// nil pointers append a null; containers recurse into child builders.
func appendValue(bldr array.Builder, v any) error {
	if v == nil {
		bldr.AppendNull()
		return nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.Type() != bigIntType {
		if rv.IsNil() {
			bldr.AppendNull()
			return nil
		}
		return appendValue(bldr, rv.Elem().Interface())
	}

	switch b := bldr.(type) {
	case *array.NullBuilder:
		b.AppendNull()
	case *array.BooleanBuilder:
		val, ok := v.(bool)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(val)
	case *array.Int8Builder:
		val, ok := toInt64(v)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(int8(val))
	case *array.Int16Builder:
		val, ok := toInt64(v)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(int16(val))
	case *array.Int32Builder:
		val, ok := toInt64(v)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(int32(val))
	case *array.Int64Builder:
		val, ok := toInt64(v)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(val)
	case *array.Uint8Builder:
		val, ok := toUint64(v)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(uint8(val))
	case *array.Uint16Builder:
		val, ok := toUint64(v)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(uint16(val))
	case *array.Uint32Builder:
		val, ok := toUint64(v)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(uint32(val))
	case *array.Uint64Builder:
		val, ok := toUint64(v)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(val)
	case *array.Float32Builder:
		val, ok := toFloat64(v)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(float32(val))
	case *array.Float64Builder:
		val, ok := toFloat64(v)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(val)
	case *array.Decimal128Builder:
		scale := b.Type().(*arrow.Decimal128Type).Scale
		unscaled, ok := toUnscaled(v, scale)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(decimal128.FromBigInt(unscaled))
	case *array.Decimal256Builder:
		scale := b.Type().(*arrow.Decimal256Type).Scale
		unscaled, ok := toUnscaled(v, scale)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(decimal256.FromBigInt(unscaled))
	case *array.StringBuilder:
		val, ok := toText(v)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(val)
	case *array.BinaryBuilder:
		val, ok := toText(v)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append([]byte(val))
	case *array.FixedSizeBinaryBuilder:
		val, ok := toFixedBytes(v, b.Type().(*arrow.FixedSizeBinaryType).ByteWidth)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(val)
	case *extensions.UUIDBuilder:
		val, ok := toUUID(v)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(val)
	case *array.ExtensionBuilder:
		// extension types without a typed builder append to their storage
		return appendValue(b.StorageBuilder(), v)
	case *array.Date32Builder:
		val, ok := v.(time.Time)
		if !ok {
			return appendMismatch(b, v)
		}
		b.Append(dateFromCalendar(val))
	case *array.TimestampBuilder:
		val, ok := v.(time.Time)
		if !ok {
			return appendMismatch(b, v)
		}
		ts, err := arrow.TimestampFromTime(val, b.Type().(*arrow.TimestampType).Unit)
		if err != nil {
			return err
		}
		b.Append(ts)
	case *array.MapBuilder:
		return appendMap(b, v)
	case *array.ListBuilder:
		return appendList(b, v)
	case *array.StructBuilder:
		return appendStruct(b, v)
	default:
		return appendMismatch(bldr, v)
	}
	return nil
}

// dateFromCalendar takes the day from t's calendar fields. Dates arrive as
// midnight in the server time zone, which is not midnight UTC.
func dateFromCalendar(t time.Time) arrow.Date32 {
	y, m, d := t.Date()
	return arrow.Date32FromTime(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

func appendMismatch(bldr array.Builder, v any) error {
	return fmt.Errorf("cannot convert value of type %T to %s", v, bldr.Type())
}

func appendList(b *array.ListBuilder, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return appendMismatch(b, v)
	}
	b.Append(true)
	values := b.ValueBuilder()
	for i := 0; i < rv.Len(); i++ {
		if err := appendValue(values, rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	return nil
}

func appendMap(b *array.MapBuilder, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return appendMismatch(b, v)
	}
	keys := rv.MapKeys()
	slices.SortFunc(keys, compareMapKeys)

	b.Append(true)
	for _, key := range keys {
		if err := appendValue(b.KeyBuilder(), key.Interface()); err != nil {
			return err
		}
		if err := appendValue(b.ItemBuilder(), rv.MapIndex(key).Interface()); err != nil {
			return err
		}
	}
	return nil
}

// compareMapKeys orders map keys so Map columns materialize
// deterministically.
func compareMapKeys(a, b reflect.Value) int {
	for a.Kind() == reflect.Interface && !a.IsNil() {
		a = a.Elem()
	}
	for b.Kind() == reflect.Interface && !b.IsNil() {
		b = b.Elem()
	}
	if a.Kind() == b.Kind() {
		switch a.Kind() {
		case reflect.String:
			return cmp.Compare(a.String(), b.String())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return cmp.Compare(a.Int(), b.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return cmp.Compare(a.Uint(), b.Uint())
		case reflect.Float32, reflect.Float64:
			return cmp.Compare(a.Float(), b.Float())
		}
	}
	return cmp.Compare(fmt.Sprint(a.Interface()), fmt.Sprint(b.Interface()))
}

func appendStruct(b *array.StructBuilder, v any) error {
	st := b.Type().(*arrow.StructType)
	switch val := v.(type) {
	case map[string]any:
		b.Append(true)
		for i, field := range st.Fields() {
			if err := appendValue(b.FieldBuilder(i), val[field.Name]); err != nil {
				return err
			}
		}
		return nil
	}

	rv := reflect.ValueOf(v)
	if (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) || rv.Len() != st.NumFields() {
		return appendMismatch(b, v)
	}
	b.Append(true)
	for i := 0; i < rv.Len(); i++ {
		if err := appendValue(b.FieldBuilder(i), rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), true
	}
	return 0, false
}

func toUint64(v any) (uint64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint64(rv.Int()), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	}
	return 0, false
}

// toUnscaled returns the integer representation of v at the given scale.
func toUnscaled(v any, scale int32) (*big.Int, bool) {
	switch val := v.(type) {
	case decimal.Decimal:
		return val.Shift(scale).BigInt(), true
	case *big.Int:
		return new(big.Int).Mul(val, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)), true
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return nil, false
		}
		return d.Shift(scale).BigInt(), true
	}
	if i, ok := toInt64(v); ok {
		return decimal.NewFromInt(i).Shift(scale).BigInt(), true
	}
	if f, ok := toFloat64(v); ok {
		return decimal.NewFromFloat(f).Shift(scale).BigInt(), true
	}
	return nil, false
}

func toText(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	case fmt.Stringer:
		return val.String(), true
	}
	return "", false
}

func toFixedBytes(v any, width int) ([]byte, bool) {
	var out []byte
	switch val := v.(type) {
	case net.IP:
		if width == net.IPv4len {
			out = val.To4()
		} else {
			out = val.To16()
		}
	case netip.Addr:
		if width == net.IPv4len && val.Is4() {
			a := val.As4()
			out = a[:]
		} else {
			a := val.As16()
			out = a[:]
		}
	case uuid.UUID:
		out = val[:]
	case string:
		out = []byte(val)
	case []byte:
		out = val
	}
	if out == nil || len(out) != width {
		return nil, false
	}
	return out, true
}

func toUUID(v any) (uuid.UUID, bool) {
	switch val := v.(type) {
	case uuid.UUID:
		return val, true
	case [16]byte:
		return uuid.UUID(val), true
	case string:
		u, err := uuid.Parse(val)
		return u, err == nil
	case []byte:
		u, err := uuid.FromBytes(val)
		return u, err == nil
	}
	return uuid.UUID{}, false
}

// extractValue reads row i of arr as the Go value clickhouse-go expects
// when binding or inserting: nil for nulls, decimal.Decimal for decimals,
// time.Time for dates and timestamps, uuid.UUID for the uuid extension.
func extractValue(arr arrow.Array, i int) (any, error) {
	if arr.IsNull(i) {
		return nil, nil
	}

	switch a := arr.(type) {
	case *array.Null:
		return nil, nil
	case *array.Boolean:
		return a.Value(i), nil
	case *array.Int8:
		return a.Value(i), nil
	case *array.Int16:
		return a.Value(i), nil
	case *array.Int32:
		return a.Value(i), nil
	case *array.Int64:
		return a.Value(i), nil
	case *array.Uint8:
		return a.Value(i), nil
	case *array.Uint16:
		return a.Value(i), nil
	case *array.Uint32:
		return a.Value(i), nil
	case *array.Uint64:
		return a.Value(i), nil
	case *array.Float16:
		return a.Value(i).Float32(), nil
	case *array.Float32:
		return a.Value(i), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.Decimal128:
		scale := a.DataType().(*arrow.Decimal128Type).Scale
		return decimal.NewFromBigInt(a.Value(i).BigInt(), -scale), nil
	case *array.Decimal256:
		scale := a.DataType().(*arrow.Decimal256Type).Scale
		return decimal.NewFromBigInt(a.Value(i).BigInt(), -scale), nil
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	case *array.Binary:
		return string(a.Value(i)), nil
	case *array.LargeBinary:
		return string(a.Value(i)), nil
	case *array.FixedSizeBinary:
		return string(a.Value(i)), nil
	case *array.Date32:
		return a.Value(i).ToTime(), nil
	case *array.Date64:
		return a.Value(i).ToTime(), nil
	case *array.Timestamp:
		tsType := a.DataType().(*arrow.TimestampType)
		t := a.Value(i).ToTime(tsType.Unit)
		if tsType.TimeZone != "" {
			loc, err := time.LoadLocation(tsType.TimeZone)
			if err != nil {
				return nil, err
			}
			t = t.In(loc)
		}
		return t, nil
	case *extensions.UUIDArray:
		return a.Value(i), nil
	case array.ExtensionArray:
		return extractValue(a.Storage(), i)
	case array.ListLike:
		start, end := a.ValueOffsets(i)
		values := make([]any, 0, end-start)
		for j := int(start); j < int(end); j++ {
			v, err := extractValue(a.ListValues(), j)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		if _, ok := arr.(*array.Map); ok {
			return mapEntries(values)
		}
		return values, nil
	case *array.Struct:
		values := make([]any, a.NumField())
		for j := range values {
			v, err := extractValue(a.Field(j), i)
			if err != nil {
				return nil, err
			}
			values[j] = v
		}
		return values, nil
	}
	return nil, fmt.Errorf("unsupported Arrow type %s", arr.DataType())
}

// mapEntries turns the extracted key/value structs of one map slot into a
// Go map.
func mapEntries(entries []any) (map[any]any, error) {
	out := make(map[any]any, len(entries))
	for _, entry := range entries {
		kv, ok := entry.([]any)
		if !ok || len(kv) != 2 {
			return nil, fmt.Errorf("malformed map entry %v", entry)
		}
		out[kv[0]] = kv[1]
	}
	return out, nil
}

// formatParam renders an extracted value of Arrow type dt in the text form
// ClickHouse parses server side query parameters with. Top-level strings
// are sent unquoted; nested values use SQL literal syntax.
func formatParam(dt arrow.DataType, v any) string {
	switch val := v.(type) {
	case nil:
		return `\N`
	case string:
		return escapeParam(val)
	case time.Time:
		return formatTime(dt, val)
	case uuid.UUID:
		return val.String()
	}
	return formatLiteral(dt, v)
}

func escapeParam(s string) string {
	return strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`).Replace(s)
}

func formatTime(dt arrow.DataType, t time.Time) string {
	if dt.ID() == arrow.DATE32 || dt.ID() == arrow.DATE64 {
		return t.Format(time.DateOnly)
	}
	return t.Format("2006-01-02 15:04:05.999999999")
}

func formatLiteral(dt arrow.DataType, v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteString(val)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return quoteString(formatTime(dt, val))
	case decimal.Decimal:
		return val.String()
	case uuid.UUID:
		return quoteString(val.String())
	case []any:
		if st, ok := dt.(*arrow.StructType); ok {
			parts := make([]string, len(val))
			for i, elem := range val {
				parts[i] = formatLiteral(st.Field(i).Type, elem)
			}
			return "(" + strings.Join(parts, ", ") + ")"
		}
		var elemType arrow.DataType = arrow.Null
		if lt, ok := dt.(arrow.ListLikeType); ok {
			elemType = lt.Elem()
		}
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = formatLiteral(elemType, elem)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[any]any:
		keyType, itemType := arrow.DataType(arrow.Null), arrow.DataType(arrow.Null)
		if mt, ok := dt.(*arrow.MapType); ok {
			keyType, itemType = mt.KeyType(), mt.ItemType()
		}
		keys := make([]reflect.Value, 0, len(val))
		for k := range val {
			keys = append(keys, reflect.ValueOf(k))
		}
		slices.SortFunc(keys, compareMapKeys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = formatLiteral(keyType, k.Interface()) + ": " + formatLiteral(itemType, val[k.Interface()])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprint(v)
}
