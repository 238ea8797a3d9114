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

package driverbase

import (
	"fmt"
	"slices"
	"sync"

	"github.com/apache/arrow-adbc/go/adbc"
	"go.opentelemetry.io/otel/attribute"
)

const (
	UnknownVersion               = "(unknown or development build)"
	DefaultInfoDriverADBCVersion = adbc.AdbcVersion1_1_0
)

var infoValueTypeCodeForInfoCode = map[adbc.InfoCode]adbc.InfoValueTypeCode{
	adbc.InfoVendorName:         adbc.InfoValueStringType,
	adbc.InfoVendorVersion:      adbc.InfoValueStringType,
	adbc.InfoVendorArrowVersion: adbc.InfoValueStringType,
	adbc.InfoDriverName:         adbc.InfoValueStringType,
	adbc.InfoDriverVersion:      adbc.InfoValueStringType,
	adbc.InfoDriverArrowVersion: adbc.InfoValueStringType,
	adbc.InfoDriverADBCVersion:  adbc.InfoValueInt64Type,
	adbc.InfoVendorSql:          adbc.InfoValueBooleanType,
	adbc.InfoVendorSubstrait:    adbc.InfoValueBooleanType,
}

const otelInfoSemConv attribute.Key = "adbc.info."

var otelAttrForInfoCode = map[adbc.InfoCode]attribute.Key{
	adbc.InfoVendorName:         otelInfoSemConv + "vendor.name",
	adbc.InfoVendorVersion:      otelInfoSemConv + "vendor.version",
	adbc.InfoVendorArrowVersion: otelInfoSemConv + "vendor.arrow.version",
	adbc.InfoDriverName:         otelInfoSemConv + "driver.name",
	adbc.InfoDriverVersion:      otelInfoSemConv + "driver.version",
	adbc.InfoDriverArrowVersion: otelInfoSemConv + "driver.arrow.version",
	adbc.InfoDriverADBCVersion:  otelInfoSemConv + "driver.adbc.version",
	adbc.InfoVendorSql:          otelInfoSemConv + "vendor.sql",
}

func DefaultDriverInfo(name string) *DriverInfo {
	return &DriverInfo{
		name: name,
		info: map[adbc.InfoCode]any{
			adbc.InfoVendorName:         name,
			adbc.InfoDriverName:         fmt.Sprintf("ADBC %s Driver - Go", name),
			adbc.InfoDriverVersion:      UnknownVersion,
			adbc.InfoDriverArrowVersion: UnknownVersion,
			adbc.InfoVendorVersion:      UnknownVersion,
			adbc.InfoVendorArrowVersion: UnknownVersion,
			adbc.InfoDriverADBCVersion:  DefaultInfoDriverADBCVersion,
		},
	}
}

// DriverInfo is the set of values reported by GetInfo. It is safe for
// concurrent use.
type DriverInfo struct {
	mu   sync.RWMutex
	name string
	info map[adbc.InfoCode]any
}

func (di *DriverInfo) GetName() string { return di.name }

// InfoSupportedCodes lists every registered code in ascending order.
func (di *DriverInfo) InfoSupportedCodes() []adbc.InfoCode {
	di.mu.RLock()
	defer di.mu.RUnlock()

	codes := make([]adbc.InfoCode, 0, len(di.info))
	for code := range di.info {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

func (di *DriverInfo) RegisterInfoCode(code adbc.InfoCode, value any) error {
	if infoValueTypeCode, isStandardInfoCode := infoValueTypeCodeForInfoCode[code]; isStandardInfoCode {
		var ok bool
		var expected any
		switch infoValueTypeCode {
		case adbc.InfoValueStringType:
			_, ok = value.(string)
			expected = ""
		case adbc.InfoValueInt64Type:
			_, ok = value.(int64)
			expected = int64(0)
		case adbc.InfoValueBooleanType:
			_, ok = value.(bool)
			expected = false
		}
		if !ok {
			return fmt.Errorf("%s: expected info_value %v to be of type %T but found %T", code, value, expected, value)
		}
	}

	di.mu.Lock()
	defer di.mu.Unlock()
	di.info[code] = value
	return nil
}

func (di *DriverInfo) GetInfoForInfoCode(code adbc.InfoCode) (any, bool) {
	di.mu.RLock()
	defer di.mu.RUnlock()
	val, ok := di.info[code]
	return val, ok
}

// Clone returns an independent copy, so a connection can record values
// such as the server version without touching the driver-wide info.
func (di *DriverInfo) Clone() *DriverInfo {
	di.mu.RLock()
	defer di.mu.RUnlock()

	info := make(map[adbc.InfoCode]any, len(di.info))
	for k, v := range di.info {
		info[k] = v
	}
	return &DriverInfo{name: di.name, info: info}
}

func getInitialSpanAttributes(driverInfo *DriverInfo) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	for _, code := range driverInfo.InfoSupportedCodes() {
		attr, ok := otelAttrForInfoCode[code]
		if !ok {
			continue
		}
		attrVal, ok := driverInfo.GetInfoForInfoCode(code)
		if !ok || attrVal == nil {
			continue
		}
		switch v := attrVal.(type) {
		case string:
			attrs = append(attrs, attr.String(v))
		case bool:
			attrs = append(attrs, attr.Bool(v))
		case int64:
			attrs = append(attrs, attr.Int64(v))
		}
	}
	return attrs
}
