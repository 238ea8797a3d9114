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

package internal

import (
	"github.com/adbc-drivers/driverbase-go/driverbase"
	"github.com/apache/arrow-go/v18/arrow"
)

// ToXdbcDataType classifies an Arrow type with its JDBC/ODBC type code.
// Extension types other than uuid fall back to their storage type.
func ToXdbcDataType(dt arrow.DataType) int16 {
	if dt == nil {
		return driverbase.XdbcDataTypeNull
	}

	if ext, ok := dt.(arrow.ExtensionType); ok {
		switch ext.ExtensionName() {
		case "arrow.uuid":
			return driverbase.XdbcDataTypeBinary
		case "arrow.bool8":
			return driverbase.XdbcDataTypeTinyint
		}
		return ToXdbcDataType(ext.StorageType())
	}

	switch dt.ID() {
	case arrow.NULL:
		return driverbase.XdbcDataTypeNull
	case arrow.BOOL:
		return driverbase.XdbcDataTypeBoolean
	case arrow.INT8, arrow.UINT8:
		return driverbase.XdbcDataTypeTinyint
	case arrow.INT16, arrow.UINT16:
		return driverbase.XdbcDataTypeSmallint
	case arrow.INT32, arrow.UINT32:
		return driverbase.XdbcDataTypeInteger
	case arrow.INT64, arrow.UINT64:
		return driverbase.XdbcDataTypeBigint
	case arrow.FLOAT16, arrow.FLOAT32:
		return driverbase.XdbcDataTypeReal
	case arrow.FLOAT64:
		return driverbase.XdbcDataTypeDouble
	case arrow.DECIMAL32, arrow.DECIMAL64, arrow.DECIMAL128, arrow.DECIMAL256:
		return driverbase.XdbcDataTypeDecimal
	case arrow.STRING, arrow.LARGE_STRING, arrow.STRING_VIEW:
		return driverbase.XdbcDataTypeVarChar
	case arrow.BINARY, arrow.LARGE_BINARY, arrow.BINARY_VIEW:
		return driverbase.XdbcDataTypeVarBinary
	case arrow.FIXED_SIZE_BINARY:
		return driverbase.XdbcDataTypeBinary
	case arrow.DATE32, arrow.DATE64:
		return driverbase.XdbcDataTypeDate
	case arrow.TIME32, arrow.TIME64:
		return driverbase.XdbcDataTypeTime
	case arrow.TIMESTAMP:
		if dt.(*arrow.TimestampType).TimeZone != "" {
			return driverbase.XdbcDataTypeTimestampWithTimezone
		}
		return driverbase.XdbcDataTypeTimestamp
	case arrow.LIST, arrow.LARGE_LIST, arrow.FIXED_SIZE_LIST, arrow.LIST_VIEW, arrow.LARGE_LIST_VIEW:
		return driverbase.XdbcDataTypeArray
	case arrow.STRUCT, arrow.MAP:
		return driverbase.XdbcDataTypeStruct
	}
	return driverbase.XdbcDataTypeOther
}
