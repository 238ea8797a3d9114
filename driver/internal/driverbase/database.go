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
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	driverNamespace    = "adbc.driver"
	otelTracesExporter = "OTEL_TRACES_EXPORTER"

	otlpRetryInitialInterval = 5 * time.Second
	otlpRetryMaxInterval     = 30 * time.Second
)

const (
	DatabaseMessageOptionUnknown                   = "Unknown database option"
	DatabaseMessageOtelTracesExporterOptionUnknown = "Unknown " + otelTracesExporter + " option"
)

var getExporterName = sync.OnceValue(func() string {
	return os.Getenv(otelTracesExporter)
})

// DatabaseImpl is implemented by the concrete database.
type DatabaseImpl interface {
	adbc.Database
	adbc.GetSetOptions
	Base() *DatabaseImplBase
}

// Database is what NewDatabase returns.
type Database interface {
	adbc.Database
	adbc.GetSetOptions
	adbc.DatabaseLogging
}

// DatabaseImplBase carries the logger and tracer shared by every connection
// opened from a database.
type DatabaseImplBase struct {
	Alloc       memory.Allocator
	ErrorHelper ErrorHelper
	DriverInfo  *DriverInfo
	Logger      *slog.Logger
	Tracer      trace.Tracer

	tracerShutdownFunc func(context.Context) error
}

// NewDatabaseImplBase instantiates DatabaseImplBase. Tracing is configured
// from OTEL_TRACES_EXPORTER; exporters connect lazily so this does no I/O.
func NewDatabaseImplBase(ctx context.Context, driver *DriverImplBase) (DatabaseImplBase, error) {
	database := DatabaseImplBase{
		Alloc:       driver.Alloc,
		ErrorHelper: driver.ErrorHelper,
		DriverInfo:  driver.DriverInfo,
		Logger:      nilLogger(),
		Tracer:      nilTracer(),
	}
	err := database.initTracing(ctx, driver.DriverInfo.GetName(), getDriverVersion(driver.DriverInfo))
	return database, err
}

func (base *DatabaseImplBase) Base() *DatabaseImplBase {
	return base
}

func (base *DatabaseImplBase) GetOption(key string) (string, error) {
	return "", base.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", DatabaseMessageOptionUnknown, key)
}

func (base *DatabaseImplBase) GetOptionBytes(key string) ([]byte, error) {
	return nil, base.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", DatabaseMessageOptionUnknown, key)
}

func (base *DatabaseImplBase) GetOptionDouble(key string) (float64, error) {
	return 0, base.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", DatabaseMessageOptionUnknown, key)
}

func (base *DatabaseImplBase) GetOptionInt(key string) (int64, error) {
	return 0, base.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", DatabaseMessageOptionUnknown, key)
}

func (base *DatabaseImplBase) SetOption(key string, val string) error {
	return base.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "%s '%s'", DatabaseMessageOptionUnknown, key)
}

func (base *DatabaseImplBase) SetOptionBytes(key string, val []byte) error {
	return base.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "%s '%s'", DatabaseMessageOptionUnknown, key)
}

func (base *DatabaseImplBase) SetOptionDouble(key string, val float64) error {
	return base.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "%s '%s'", DatabaseMessageOptionUnknown, key)
}

func (base *DatabaseImplBase) SetOptionInt(key string, val int64) error {
	return base.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "%s '%s'", DatabaseMessageOptionUnknown, key)
}

func (base *DatabaseImplBase) SetOptions(options map[string]string) error {
	for key, val := range options {
		if err := base.SetOption(key, val); err != nil {
			return err
		}
	}
	return nil
}

func (base *DatabaseImplBase) Open(ctx context.Context) (adbc.Connection, error) {
	return nil, base.ErrorHelper.NotImplemented("Open")
}

func (base *DatabaseImplBase) Close() (err error) {
	if base.tracerShutdownFunc != nil {
		err = base.tracerShutdownFunc(context.Background())
		base.tracerShutdownFunc = nil
	}
	return
}

// StartSpan starts a span carrying the driver info attributes.
func (base *DatabaseImplBase) StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(base.GetInitialSpanAttributes()...))
	return base.Tracer.Start(ctx, spanName, opts...)
}

func (base *DatabaseImplBase) GetInitialSpanAttributes() []attribute.KeyValue {
	return getInitialSpanAttributes(base.DriverInfo)
}

// database is the implementation of adbc.Database.
type database struct {
	DatabaseImpl
}

// NewDatabase wraps a DatabaseImpl to create an adbc.Database.
func NewDatabase(impl DatabaseImpl) Database {
	return &database{DatabaseImpl: impl}
}

func (db *database) SetLogger(logger *slog.Logger) {
	if logger != nil {
		db.Base().Logger = logger
	} else {
		db.Base().Logger = nilLogger()
	}
}

func (db *database) Close() error {
	return errors.Join(db.DatabaseImpl.Close(), db.Base().Close())
}

func (base *DatabaseImplBase) initTracing(ctx context.Context, driverName string, driverVersion string) error {
	fullyQualifiedDriverName := driverNamespace + "." + driverName

	exporterName := getExporterName()
	if exporterName == "" {
		base.Tracer = otel.Tracer(fullyQualifiedDriverName)
		return nil
	}

	exporters, err := getExporters(ctx, exporterName, fullyQualifiedDriverName, base)
	if err != nil {
		return err
	}
	if len(exporters) == 0 {
		return nil
	}

	tracerProvider, err := newTracerProvider(exporters...)
	if err != nil {
		return err
	}
	base.tracerShutdownFunc = tracerProvider.Shutdown
	base.Tracer = tracerProvider.Tracer(
		fullyQualifiedDriverName,
		trace.WithInstrumentationVersion(driverVersion),
		trace.WithSchemaURL(semconv.SchemaURL),
	)
	return nil
}

func getExporters(ctx context.Context, exporterName, driverName string, base *DatabaseImplBase) ([]sdktrace.SpanExporter, error) {
	switch adbc.OptionTelemetryExporter(exporterName) {
	case adbc.TelemetryExporterNone:
		return nil, nil
	case adbc.TelemetryExporterConsole:
		exporter, err := stdouttrace.New()
		if err != nil {
			return nil, err
		}
		return []sdktrace.SpanExporter{exporter}, nil
	case adbc.TelemetryExporterOtlp:
		return newOtlpTraceExporters(ctx)
	case adbc.TelemetryExporterAdbcFile:
		exporter, err := newTraceFileExporter(driverName)
		if err != nil {
			return nil, err
		}
		return []sdktrace.SpanExporter{exporter}, nil
	}
	return nil, base.ErrorHelper.InvalidArgument("%s '%s'", DatabaseMessageOtelTracesExporterOptionUnknown, exporterName)
}

func newOtlpTraceExporters(ctx context.Context) ([]sdktrace.SpanExporter, error) {
	// endpoints and headers come from the standard OTEL_EXPORTER_OTLP_* variables
	grpcExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
		Enabled:         true,
		InitialInterval: otlpRetryInitialInterval,
		MaxInterval:     otlpRetryMaxInterval,
	}))
	if err != nil {
		return nil, err
	}
	httpExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
		Enabled:         true,
		InitialInterval: otlpRetryInitialInterval,
		MaxInterval:     otlpRetryMaxInterval,
	}))
	if err != nil {
		return nil, err
	}
	return []sdktrace.SpanExporter{grpcExporter, httpExporter}, nil
}

// newTraceFileExporter writes spans as JSON lines to rotating files named
// after the driver.
func newTraceFileExporter(driverName string, options ...rotatingFileOption) (*stdouttrace.Exporter, error) {
	options = append([]rotatingFileOption{withTracePrefix(strings.ToLower(driverName))}, options...)
	writer, err := newRotatingFileWriter(options...)
	if err != nil {
		return nil, err
	}
	return stdouttrace.New(stdouttrace.WithWriter(writer))
}

func newTracerProvider(exporters ...sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	tracerResource, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(driverNamespace)),
	)
	if err != nil {
		if !errors.Is(err, resource.ErrSchemaURLConflict) {
			return nil, err
		}
		tracerResource = resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(driverNamespace))
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(tracerResource)}
	for _, exporter := range exporters {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func getDriverVersion(driverInfo *DriverInfo) string {
	if value, ok := driverInfo.GetInfoForInfoCode(adbc.InfoDriverVersion); ok {
		if driverVersion, ok := value.(string); ok {
			return driverVersion
		}
	}
	return "unknown"
}

// maybeAddTraceParent extracts a W3C traceparent into ctx when one is set.
func maybeAddTraceParent(ctx context.Context, traceParent string) context.Context {
	if traceParent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceParent}
	return propagation.TraceContext{}.Extract(ctx, carrier)
}

func nilLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func nilTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("")
}

var _ DatabaseImpl = (*DatabaseImplBase)(nil)
