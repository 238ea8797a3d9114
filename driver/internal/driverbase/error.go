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
	"context"
	"errors"

	"github.com/adbc-drivers/driverbase-go/driverbase"
	"github.com/apache/arrow-adbc/go/adbc"
)

// ErrorHelper formats adbc.Error values prefixed with the driver name and,
// when an ErrorInspector is set, derives status and vendor code from the
// wrapped backend error.
type ErrorHelper = driverbase.ErrorHelper

// ErrorInspector maps backend errors onto ADBC statuses.
type ErrorInspector = driverbase.ErrorInspector

// ErrorInfo is the result of inspecting a backend error.
type ErrorInfo = driverbase.ErrorInfo

// CheckContext converts a context error into the matching ADBC status. A
// non-nil maybeErr takes precedence.
func CheckContext(ctx context.Context, maybeErr error) error {
	if maybeErr != nil {
		return maybeErr
	}
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return adbc.Error{Msg: ctx.Err().Error(), Code: adbc.StatusCancelled}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return adbc.Error{Msg: ctx.Err().Error(), Code: adbc.StatusTimeout}
	}
	return ctx.Err()
}

// StatusOf returns the ADBC status carried by err, or StatusUnknown.
func StatusOf(err error) adbc.Status {
	var adbcErr adbc.Error
	if errors.As(err, &adbcErr) {
		return adbcErr.Code
	}
	return adbc.StatusUnknown
}
