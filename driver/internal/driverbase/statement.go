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
	"log/slog"
	"strings"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	StatementMessageOptionUnknown     = "Unknown statement option"
	StatementMessageOptionUnsupported = "Unsupported statement option"
)

// StatementImpl is implemented by the concrete statement.
type StatementImpl interface {
	adbc.Statement
	adbc.StatementExecuteSchema
	adbc.GetSetOptions
	Base() *StatementImplBase
}

// StatementImplBase holds the resources a statement shares with its
// connection, plus the trace parent set through the telemetry option.
type StatementImplBase struct {
	Alloc       memory.Allocator
	ErrorHelper ErrorHelper
	Logger      *slog.Logger
	Tracer      trace.Tracer

	cnxn        *ConnectionImplBase
	traceParent string
}

type Statement interface {
	adbc.Statement
	adbc.StatementExecuteSchema
	adbc.GetSetOptions
}

type statement struct {
	StatementImpl
}

func NewStatementImplBase(cnxn *ConnectionImplBase) StatementImplBase {
	return StatementImplBase{
		Alloc:       cnxn.Alloc,
		ErrorHelper: cnxn.ErrorHelper,
		Logger:      cnxn.Logger,
		Tracer:      cnxn.Tracer,
		cnxn:        cnxn,
	}
}

func NewStatement(impl StatementImpl) Statement {
	return &statement{StatementImpl: impl}
}

func (st *StatementImplBase) Base() *StatementImplBase {
	return st
}

// Connection returns the base of the owning connection.
func (st *StatementImplBase) Connection() *ConnectionImplBase {
	return st.cnxn
}

func (st *StatementImplBase) SetOption(key, value string) error {
	switch strings.ToLower(key) {
	case adbc.OptionKeyTelemetryTraceParent:
		st.traceParent = strings.TrimSpace(value)
		return nil
	}
	return st.ErrorHelper.Errorf(adbc.StatusNotImplemented, "%s '%s'", StatementMessageOptionUnknown, key)
}

func (st *StatementImplBase) SetOptionBytes(key string, value []byte) error {
	return st.ErrorHelper.Errorf(adbc.StatusNotImplemented, "%s '%s'", StatementMessageOptionUnknown, key)
}

func (st *StatementImplBase) SetOptionInt(key string, value int64) error {
	return st.ErrorHelper.Errorf(adbc.StatusNotImplemented, "%s '%s'", StatementMessageOptionUnknown, key)
}

func (st *StatementImplBase) SetOptionDouble(key string, value float64) error {
	return st.ErrorHelper.Errorf(adbc.StatusNotImplemented, "%s '%s'", StatementMessageOptionUnknown, key)
}

func (st *StatementImplBase) GetOption(key string) (string, error) {
	switch strings.ToLower(key) {
	case adbc.OptionKeyTelemetryTraceParent:
		return st.traceParent, nil
	}
	return "", st.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", StatementMessageOptionUnknown, key)
}

func (st *StatementImplBase) GetOptionBytes(key string) ([]byte, error) {
	return nil, st.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", StatementMessageOptionUnknown, key)
}

func (st *StatementImplBase) GetOptionInt(key string) (int64, error) {
	return 0, st.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", StatementMessageOptionUnknown, key)
}

func (st *StatementImplBase) GetOptionDouble(key string) (float64, error) {
	return 0, st.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", StatementMessageOptionUnknown, key)
}

// StartSpan starts a span as a child of the statement's trace parent, if one
// was set.
func (st *StatementImplBase) StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx = maybeAddTraceParent(ctx, st.traceParent)
	opts = append(opts, trace.WithAttributes(st.GetInitialSpanAttributes()...))
	return st.Tracer.Start(ctx, spanName, opts...)
}

func (st *StatementImplBase) GetInitialSpanAttributes() []attribute.KeyValue {
	return st.cnxn.GetInitialSpanAttributes()
}
