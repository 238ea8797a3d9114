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
	"io"
	"net"
	"syscall"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/apache/arrow-adbc/go/adbc"

	"github.com/if0ne/adbc-clickhouse/driver/internal/driverbase"
)

// ClickHouse server exception codes the driver distinguishes.
const (
	codeUnsupportedMethod      = 1
	codeCannotParseText        = 6
	codeCannotParseInputAssert = 27
	codeUnknownIdentifier      = 47
	codeNotImplemented         = 48
	codeTypeMismatch           = 53
	codeTableAlreadyExists     = 57
	codeUnknownTable           = 60
	codeSyntaxError            = 62
	codeUnknownDatabase        = 81
	codeDatabaseAlreadyExists  = 82
	codeTimeoutExceeded        = 159
	codeUnknownUser            = 192
	codeWrongPassword          = 193
	codeRequiredPassword       = 194
	codeSocketTimeout          = 209
	codeNetworkError           = 210
	codeQueryWasCancelled      = 394
	codeAccessDenied           = 497
	codeAuthenticationFailed   = 516
)

var statusForExceptionCode = map[int32]adbc.Status{
	codeAuthenticationFailed:   adbc.StatusUnauthenticated,
	codeUnknownUser:            adbc.StatusUnauthenticated,
	codeWrongPassword:          adbc.StatusUnauthenticated,
	codeRequiredPassword:       adbc.StatusUnauthenticated,
	codeAccessDenied:           adbc.StatusUnauthorized,
	codeUnknownTable:           adbc.StatusNotFound,
	codeUnknownDatabase:        adbc.StatusNotFound,
	codeUnknownIdentifier:      adbc.StatusNotFound,
	codeSyntaxError:            adbc.StatusInvalidArgument,
	codeTableAlreadyExists:     adbc.StatusAlreadyExists,
	codeDatabaseAlreadyExists:  adbc.StatusAlreadyExists,
	codeTimeoutExceeded:        adbc.StatusTimeout,
	codeQueryWasCancelled:      adbc.StatusCancelled,
	codeNotImplemented:         adbc.StatusNotImplemented,
	codeUnsupportedMethod:      adbc.StatusNotImplemented,
	codeTypeMismatch:           adbc.StatusInvalidData,
	codeCannotParseText:        adbc.StatusInvalidData,
	codeCannotParseInputAssert: adbc.StatusInvalidData,
	codeNetworkError:           adbc.StatusIO,
	codeSocketTimeout:          adbc.StatusIO,
}

// errorInspector maps clickhouse-go errors onto ADBC statuses.
type errorInspector struct{}

func (errorInspector) InspectError(err error, defaultStatus adbc.Status) driverbase.ErrorInfo {
	var exception *clickhouse.Exception
	if errors.As(err, &exception) {
		status, ok := statusForExceptionCode[exception.Code]
		if !ok {
			status = adbc.StatusInternal
		}
		return driverbase.ErrorInfo{Status: status, VendorCode: exception.Code}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return driverbase.ErrorInfo{Status: adbc.StatusCancelled}
	case errors.Is(err, context.DeadlineExceeded):
		return driverbase.ErrorInfo{Status: adbc.StatusTimeout}
	case isNetworkError(err):
		return driverbase.ErrorInfo{Status: adbc.StatusIO}
	}
	return driverbase.ErrorInfo{Status: defaultStatus}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
