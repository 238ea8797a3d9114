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
	"net"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/extensions"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendValueScalars(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer mem.AssertSize(t, 0)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "i", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: "d", Type: &arrow.Decimal128Type{Precision: 10, Scale: 2}, Nullable: true},
		{Name: "s", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "u", Type: extensions.NewUUIDType(), Nullable: true},
		{Name: "ip", Type: &arrow.FixedSizeBinaryType{ByteWidth: 4}, Nullable: true},
		{Name: "ts", Type: &arrow.TimestampType{Unit: arrow.Millisecond, TimeZone: "UTC"}, Nullable: true},
		{Name: "dt", Type: arrow.FixedWidthTypes.Date32, Nullable: true},
	}, nil)
	bldr := array.NewRecordBuilder(mem, schema)
	defer bldr.Release()

	id := uuid.MustParse("6f2c1c64-98a2-4a4b-bb2a-5d3f1f6b8c11")
	ts := time.Date(2024, 5, 6, 7, 8, 9, 123_000_000, time.UTC)
	i32 := int32(42)
	var nilI32 *int32

	rows := [][]any{
		{&i32, decimal.RequireFromString("123.45"), "hello", id, net.ParseIP("10.0.0.1"), ts, ts},
		{nilI32, nil, (*string)(nil), nil, nil, nil, nil},
		{int64(-7), "0.5", []byte("bytes"), id.String(), []byte{1, 2, 3, 4}, &ts, ts},
	}
	for _, row := range rows {
		for i, v := range row {
			require.NoError(t, appendValue(bldr.Field(i), v), "column %d", i)
		}
	}
	rec := bldr.NewRecord()
	defer rec.Release()

	require.EqualValues(t, 3, rec.NumRows())

	ints := rec.Column(0).(*array.Int32)
	assert.Equal(t, int32(42), ints.Value(0))
	assert.True(t, ints.IsNull(1))
	assert.Equal(t, int32(-7), ints.Value(2))

	decs := rec.Column(1).(*array.Decimal128)
	assert.Equal(t, decimal128.FromI64(12345), decs.Value(0))
	assert.True(t, decs.IsNull(1))
	assert.Equal(t, decimal128.FromI64(50), decs.Value(2))

	strs := rec.Column(2).(*array.String)
	assert.Equal(t, "hello", strs.Value(0))
	assert.True(t, strs.IsNull(1))
	assert.Equal(t, "bytes", strs.Value(2))

	uuids := rec.Column(3).(*extensions.UUIDArray)
	assert.Equal(t, id, uuids.Value(0))
	assert.True(t, uuids.IsNull(1))
	assert.Equal(t, id, uuids.Value(2))

	ips := rec.Column(4).(*array.FixedSizeBinary)
	assert.Equal(t, []byte{10, 0, 0, 1}, ips.Value(0))
	assert.Equal(t, []byte{1, 2, 3, 4}, ips.Value(2))

	tss := rec.Column(5).(*array.Timestamp)
	assert.Equal(t, arrow.Timestamp(ts.UnixMilli()), tss.Value(0))
	assert.Equal(t, tss.Value(0), tss.Value(2))

	dates := rec.Column(6).(*array.Date32)
	assert.Equal(t, arrow.Date32FromTime(ts), dates.Value(0))
}

func TestAppendValueNested(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer mem.AssertSize(t, 0)

	structType := arrow.StructOf(
		arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int32},
		arrow.Field{Name: "b", Type: arrow.BinaryTypes.String, Nullable: true},
	)
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "l", Type: arrow.ListOfField(arrow.Field{Name: "item", Type: arrow.PrimitiveTypes.Int64, Nullable: true})},
		{Name: "m", Type: arrow.MapOf(arrow.BinaryTypes.String, arrow.PrimitiveTypes.Int32)},
		{Name: "s", Type: structType},
	}, nil)
	bldr := array.NewRecordBuilder(mem, schema)
	defer bldr.Release()

	seven := int64(7)
	require.NoError(t, appendValue(bldr.Field(0), []*int64{&seven, nil}))
	require.NoError(t, appendValue(bldr.Field(1), map[string]int32{"b": 2, "a": 1}))
	require.NoError(t, appendValue(bldr.Field(2), []any{int32(1), "x"}))

	require.NoError(t, appendValue(bldr.Field(0), []int64{}))
	require.NoError(t, appendValue(bldr.Field(1), map[string]int32{}))
	require.NoError(t, appendValue(bldr.Field(2), map[string]any{"a": int32(2)}))

	rec := bldr.NewRecord()
	defer rec.Release()

	lists := rec.Column(0).(*array.List)
	start, end := lists.ValueOffsets(0)
	assert.EqualValues(t, 2, end-start)
	items := lists.ListValues().(*array.Int64)
	assert.Equal(t, int64(7), items.Value(0))
	assert.True(t, items.IsNull(1))
	start, end = lists.ValueOffsets(1)
	assert.Equal(t, start, end)

	maps := rec.Column(1).(*array.Map)
	keys := maps.Keys().(*array.String)
	require.Equal(t, 2, keys.Len())
	assert.Equal(t, "a", keys.Value(0))
	assert.Equal(t, "b", keys.Value(1))
	assert.Equal(t, int32(1), maps.Items().(*array.Int32).Value(0))

	structs := rec.Column(2).(*array.Struct)
	assert.Equal(t, int32(1), structs.Field(0).(*array.Int32).Value(0))
	assert.Equal(t, "x", structs.Field(1).(*array.String).Value(0))
	assert.Equal(t, int32(2), structs.Field(0).(*array.Int32).Value(1))
	assert.True(t, structs.Field(1).IsNull(1))

	m, err := extractValue(maps, 0)
	require.NoError(t, err)
	assert.Equal(t, map[any]any{"a": int32(1), "b": int32(2)}, m)

	l, err := extractValue(lists, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(7), nil}, l)

	s, err := extractValue(structs, 1)
	require.NoError(t, err)
	assert.Equal(t, []any{int32(2), nil}, s)
}

func TestAppendDateKeepsServerCalendarDay(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer mem.AssertSize(t, 0)

	bldr := array.NewDate32Builder(mem)
	defer bldr.Release()

	zones := []*time.Location{
		time.UTC,
		time.FixedZone("CET", 3600),
		time.FixedZone("AEST", 10*3600),
		time.FixedZone("EST", -5*3600),
	}
	for _, loc := range zones {
		require.NoError(t, appendValue(bldr, time.Date(2024, 1, 15, 0, 0, 0, 0, loc)))
	}
	dates := bldr.NewDate32Array()
	defer dates.Release()

	want := arrow.Date32FromTime(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	for i, loc := range zones {
		assert.Equal(t, want, dates.Value(i), loc.String())
		assert.Equal(t, "2024-01-15", dates.Value(i).FormattedString(), loc.String())
	}
}

func TestAppendValueMismatch(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer mem.AssertSize(t, 0)

	tests := []struct {
		name string
		dt   arrow.DataType
		v    any
	}{
		{"bool from string", arrow.FixedWidthTypes.Boolean, "true"},
		{"int from float", arrow.PrimitiveTypes.Int64, 1.5},
		{"date from string", arrow.FixedWidthTypes.Date32, "2024-01-01"},
		{"fixed width", &arrow.FixedSizeBinaryType{ByteWidth: 4}, []byte{1, 2}},
		{"list from scalar", arrow.ListOf(arrow.PrimitiveTypes.Int8), int8(1)},
		{"struct arity", arrow.StructOf(arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int8}), []any{int8(1), int8(2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bldr := array.NewBuilder(mem, tt.dt)
			defer bldr.Release()
			assert.Error(t, appendValue(bldr, tt.v))
		})
	}
}

func TestExtractValue(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer mem.AssertSize(t, 0)

	decBldr := array.NewDecimal128Builder(mem, &arrow.Decimal128Type{Precision: 10, Scale: 3})
	defer decBldr.Release()
	decBldr.Append(decimal128.FromI64(-1500))
	decBldr.AppendNull()
	decs := decBldr.NewArray()
	defer decs.Release()

	v, err := extractValue(decs, 0)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("-1.5").Equal(v.(decimal.Decimal)))
	v, err = extractValue(decs, 1)
	require.NoError(t, err)
	assert.Nil(t, v)

	tsBldr := array.NewTimestampBuilder(mem, &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "Asia/Tokyo"})
	defer tsBldr.Release()
	want := time.Date(2023, 12, 31, 23, 0, 0, 5000, time.UTC)
	tsBldr.Append(arrow.Timestamp(want.UnixMicro()))
	tss := tsBldr.NewArray()
	defer tss.Release()

	v, err = extractValue(tss, 0)
	require.NoError(t, err)
	got := v.(time.Time)
	assert.True(t, want.Equal(got))
	assert.Equal(t, "Asia/Tokyo", got.Location().String())

	uuidBldr := extensions.NewUUIDBuilder(mem)
	defer uuidBldr.Release()
	id := uuid.New()
	uuidBldr.Append(id)
	uuids := uuidBldr.NewArray()
	defer uuids.Release()

	v, err = extractValue(uuids, 0)
	require.NoError(t, err)
	assert.Equal(t, id, v)
}

func TestFormatParam(t *testing.T) {
	day := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		dt   arrow.DataType
		v    any
		want string
	}{
		{"null", arrow.PrimitiveTypes.Int32, nil, `\N`},
		{"int", arrow.PrimitiveTypes.Int32, int32(-5), "-5"},
		{"bool", arrow.FixedWidthTypes.Boolean, true, "true"},
		{"string escapes", arrow.BinaryTypes.String, "a\tb\\c", `a\tb\\c`},
		{"quote kept", arrow.BinaryTypes.String, "it's", "it's"},
		{"decimal", &arrow.Decimal128Type{Precision: 5, Scale: 2}, decimal.RequireFromString("1.25"), "1.25"},
		{"date", arrow.FixedWidthTypes.Date32, day, "2024-03-01"},
		{"timestamp", &arrow.TimestampType{Unit: arrow.Second}, day, "2024-03-01 12:30:00"},
		{"uuid", extensions.NewUUIDType(), uuid.MustParse("00000000-0000-0000-0000-000000000001"), "00000000-0000-0000-0000-000000000001"},
		{"array", arrow.ListOf(arrow.BinaryTypes.String), []any{"a", "b'c", nil}, `['a', 'b\'c', NULL]`},
		{"tuple", arrow.StructOf(
			arrow.Field{Name: "1", Type: arrow.PrimitiveTypes.Int8},
			arrow.Field{Name: "2", Type: arrow.FixedWidthTypes.Date32},
		), []any{int8(1), day}, "(1, '2024-03-01')"},
		{"map", arrow.MapOf(arrow.BinaryTypes.String, arrow.PrimitiveTypes.Int64), map[any]any{"z": int64(2), "a": int64(1)}, "{'a': 1, 'z': 2}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatParam(tt.dt, tt.v))
		})
	}
}
