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

package driverbase_test

import (
	"testing"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/stretchr/testify/require"

	"github.com/if0ne/adbc-clickhouse/driver/internal/driverbase"
)

func TestDriverInfo(t *testing.T) {
	driverInfo := driverbase.DefaultDriverInfo("test")

	// The provided name is used for ErrorHelper, certain info code values, etc
	require.Equal(t, "test", driverInfo.GetName())

	// These are the info codes that are set for every driver, in ascending order
	expectedDefaultInfoCodes := []adbc.InfoCode{
		adbc.InfoVendorName,
		adbc.InfoVendorVersion,
		adbc.InfoVendorArrowVersion,
		adbc.InfoDriverName,
		adbc.InfoDriverVersion,
		adbc.InfoDriverArrowVersion,
		adbc.InfoDriverADBCVersion,
	}
	require.Equal(t, expectedDefaultInfoCodes, driverInfo.InfoSupportedCodes())

	vendorName, ok := driverInfo.GetInfoForInfoCode(adbc.InfoVendorName)
	require.True(t, ok)
	require.Equal(t, "test", vendorName)

	driverName, ok := driverInfo.GetInfoForInfoCode(adbc.InfoDriverName)
	require.True(t, ok)
	require.Equal(t, "ADBC test Driver - Go", driverName)

	require.NoError(t, driverInfo.RegisterInfoCode(adbc.InfoDriverVersion, "string_value"))

	err := driverInfo.RegisterInfoCode(adbc.InfoDriverVersion, 123)
	require.Error(t, err)
	require.Equal(t, "DriverVersion: expected info_value 123 to be of type string but found int", err.Error())

	err = driverInfo.RegisterInfoCode(adbc.InfoDriverADBCVersion, "1.1.0")
	require.Error(t, err)
	require.Equal(t, "DriverADBCVersion: expected info_value 1.1.0 to be of type int64 but found string", err.Error())

	// vendor-specific info codes are not type checked
	require.NoError(t, driverInfo.RegisterInfoCode(adbc.InfoCode(10_001), "string_value"))
	require.NoError(t, driverInfo.RegisterInfoCode(adbc.InfoCode(10_001), 123))
	require.Contains(t, driverInfo.InfoSupportedCodes(), adbc.InfoCode(10_001))

	_, ok = driverInfo.GetInfoForInfoCode(adbc.InfoCode(10_002))
	require.False(t, ok)
}

func TestDriverInfoClone(t *testing.T) {
	driverInfo := driverbase.DefaultDriverInfo("ClickHouse")
	clone := driverInfo.Clone()

	require.Equal(t, "ClickHouse", clone.GetName())
	require.NoError(t, clone.RegisterInfoCode(adbc.InfoVendorVersion, "24.8.1.1"))

	version, ok := clone.GetInfoForInfoCode(adbc.InfoVendorVersion)
	require.True(t, ok)
	require.Equal(t, "24.8.1.1", version)

	// the original is untouched
	version, ok = driverInfo.GetInfoForInfoCode(adbc.InfoVendorVersion)
	require.True(t, ok)
	require.Equal(t, driverbase.UnknownVersion, version)
}
