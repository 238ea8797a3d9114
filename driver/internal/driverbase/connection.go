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
	"sync/atomic"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/if0ne/adbc-clickhouse/driver/internal"
)

const (
	ConnectionMessageOptionUnknown     = "Unknown connection option"
	ConnectionMessageOptionUnsupported = "Unsupported connection option"
	ConnectionMessageCannotCommit      = "Cannot commit when autocommit is enabled"
	ConnectionMessageCannotRollback    = "Cannot rollback when autocommit is enabled"
	ConnectionMessageTransactionActive = "Cannot begin a transaction while one is already active"
	ConnectionMessageClosed            = "Connection is closed"
)

// ConnectionImpl is implemented by the concrete connection.
type ConnectionImpl interface {
	adbc.Connection
	adbc.GetSetOptions
	Base() *ConnectionImplBase
}

// CurrentNamespacer lets the connection expose the current catalog and
// db schema through the standard options.
type CurrentNamespacer interface {
	GetCurrentCatalog() (string, error)
	GetCurrentDbSchema() (string, error)
	SetCurrentCatalog(string) error
	SetCurrentDbSchema(string) error
}

// DriverInfoPreparer is called before GetInfo builds its result.
type DriverInfoPreparer interface {
	PrepareDriverInfo(ctx context.Context, infoCodes []adbc.InfoCode) error
}

// TableTypeLister supplies GetTableTypes; the wrapper builds the record.
type TableTypeLister interface {
	ListTableTypes(ctx context.Context) ([]string, error)
}

// AutocommitSetter moves the backend session between autocommit and an
// explicit transaction. SetAutocommit(false) begins a transaction and
// SetAutocommit(true) commits the active one. The local flag only changes
// when the call succeeds.
type AutocommitSetter interface {
	SetAutocommit(ctx context.Context, enabled bool) error
}

// DbObjectsEnumerator produces the GetObjects tree. The wrapper encodes it
// into the standard GetObjects schema.
type DbObjectsEnumerator interface {
	GetObjectsTree(ctx context.Context, depth adbc.ObjectDepth, catalog, dbSchema, tableName, columnName *string, tableType []string) ([]internal.CatalogNode, error)
}

// Connection is what the ConnectionBuilder produces.
type Connection interface {
	adbc.Connection
	adbc.GetSetOptions
}

// ConnectionImplBase holds the connection state shared with the wrapper:
// the autocommit flag and the closed flag.
type ConnectionImplBase struct {
	Alloc       memory.Allocator
	ErrorHelper ErrorHelper
	DriverInfo  *DriverInfo
	Logger      *slog.Logger
	Tracer      trace.Tracer

	Autocommit bool

	closed atomic.Bool
}

// NewConnectionImplBase instantiates ConnectionImplBase.
//
//   - database is a DatabaseImplBase containing the common resources from the parent
//     database, allowing the Arrow allocator, error handler, and logger to be reused.
func NewConnectionImplBase(database *DatabaseImplBase) ConnectionImplBase {
	return ConnectionImplBase{
		Alloc:       database.Alloc,
		ErrorHelper: database.ErrorHelper,
		DriverInfo:  database.DriverInfo.Clone(),
		Logger:      database.Logger,
		Tracer:      database.Tracer,
		Autocommit:  true,
	}
}

func (base *ConnectionImplBase) Base() *ConnectionImplBase {
	return base
}

// IsClosed reports whether the connection reached its terminal state.
func (base *ConnectionImplBase) IsClosed() bool {
	return base.closed.Load()
}

// MarkClosed forces the terminal state. It returns false if the connection
// was already closed.
func (base *ConnectionImplBase) MarkClosed() bool {
	return base.closed.CompareAndSwap(false, true)
}

// CheckOpen returns a StateError once the connection is closed.
func (base *ConnectionImplBase) CheckOpen() error {
	if base.IsClosed() {
		return base.ErrorHelper.InvalidState(ConnectionMessageClosed)
	}
	return nil
}

// StartSpan starts a span carrying the driver info attributes.
func (base *ConnectionImplBase) StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(base.GetInitialSpanAttributes()...))
	return base.Tracer.Start(ctx, spanName, opts...)
}

func (base *ConnectionImplBase) GetInitialSpanAttributes() []attribute.KeyValue {
	return getInitialSpanAttributes(base.DriverInfo)
}

func (base *ConnectionImplBase) Commit(ctx context.Context) error {
	return base.ErrorHelper.NotImplemented("Commit")
}

func (base *ConnectionImplBase) Rollback(context.Context) error {
	return base.ErrorHelper.NotImplemented("Rollback")
}

func (base *ConnectionImplBase) GetInfo(ctx context.Context, infoCodes []adbc.InfoCode) (array.RecordReader, error) {
	if len(infoCodes) == 0 {
		infoCodes = base.DriverInfo.InfoSupportedCodes()
	}

	bldr := array.NewRecordBuilder(base.Alloc, adbc.GetInfoSchema)
	defer bldr.Release()
	bldr.Reserve(len(infoCodes))

	infoNameBldr := bldr.Field(0).(*array.Uint32Builder)
	infoValueBldr := bldr.Field(1).(*array.DenseUnionBuilder)
	strInfoBldr := infoValueBldr.Child(int(adbc.InfoValueStringType)).(*array.StringBuilder)
	intInfoBldr := infoValueBldr.Child(int(adbc.InfoValueInt64Type)).(*array.Int64Builder)
	boolInfoBldr := infoValueBldr.Child(int(adbc.InfoValueBooleanType)).(*array.BooleanBuilder)

	for _, code := range infoCodes {
		value, ok := base.DriverInfo.GetInfoForInfoCode(code)
		if !ok {
			// unsupported codes are omitted from the result
			continue
		}
		infoNameBldr.Append(uint32(code))

		switch v := value.(type) {
		case nil:
			infoValueBldr.Append(adbc.InfoValueStringType)
			strInfoBldr.AppendNull()
		case string:
			infoValueBldr.Append(adbc.InfoValueStringType)
			strInfoBldr.Append(v)
		case int64:
			infoValueBldr.Append(adbc.InfoValueInt64Type)
			intInfoBldr.Append(v)
		case bool:
			infoValueBldr.Append(adbc.InfoValueBooleanType)
			boolInfoBldr.Append(v)
		default:
			return nil, base.ErrorHelper.Internal("no defined type code for info_value of type %T", v)
		}
	}

	final := bldr.NewRecord()
	defer final.Release()
	return array.NewRecordReader(adbc.GetInfoSchema, []arrow.Record{final})
}

func (base *ConnectionImplBase) Close() error {
	return nil
}

func (base *ConnectionImplBase) GetObjects(ctx context.Context, depth adbc.ObjectDepth, catalog *string, dbSchema *string, tableName *string, columnName *string, tableType []string) (array.RecordReader, error) {
	return nil, base.ErrorHelper.NotImplemented("GetObjects")
}

func (base *ConnectionImplBase) GetTableSchema(ctx context.Context, catalog *string, dbSchema *string, tableName string) (*arrow.Schema, error) {
	return nil, base.ErrorHelper.NotImplemented("GetTableSchema")
}

func (base *ConnectionImplBase) GetTableTypes(context.Context) (array.RecordReader, error) {
	return nil, base.ErrorHelper.NotImplemented("GetTableTypes")
}

func (base *ConnectionImplBase) NewStatement() (adbc.Statement, error) {
	return nil, base.ErrorHelper.NotImplemented("NewStatement")
}

func (base *ConnectionImplBase) ReadPartition(ctx context.Context, serializedPartition []byte) (array.RecordReader, error) {
	return nil, base.ErrorHelper.NotImplemented("ReadPartition")
}

func (base *ConnectionImplBase) GetOption(key string) (string, error) {
	return "", base.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", ConnectionMessageOptionUnknown, key)
}

func (base *ConnectionImplBase) GetOptionBytes(key string) ([]byte, error) {
	return nil, base.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", ConnectionMessageOptionUnknown, key)
}

func (base *ConnectionImplBase) GetOptionDouble(key string) (float64, error) {
	return 0, base.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", ConnectionMessageOptionUnknown, key)
}

func (base *ConnectionImplBase) GetOptionInt(key string) (int64, error) {
	return 0, base.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", ConnectionMessageOptionUnknown, key)
}

func (base *ConnectionImplBase) SetOption(key string, val string) error {
	if key == adbc.OptionKeyAutoCommit {
		return base.ErrorHelper.Errorf(adbc.StatusNotImplemented, "%s '%s'", ConnectionMessageOptionUnsupported, key)
	}
	return base.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", ConnectionMessageOptionUnknown, key)
}

func (base *ConnectionImplBase) SetOptionBytes(key string, val []byte) error {
	return base.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", ConnectionMessageOptionUnknown, key)
}

func (base *ConnectionImplBase) SetOptionDouble(key string, val float64) error {
	return base.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", ConnectionMessageOptionUnknown, key)
}

func (base *ConnectionImplBase) SetOptionInt(key string, val int64) error {
	return base.ErrorHelper.Errorf(adbc.StatusNotFound, "%s '%s'", ConnectionMessageOptionUnknown, key)
}

type connection struct {
	ConnectionImpl

	dbObjectsEnumerator DbObjectsEnumerator
	currentNamespacer   CurrentNamespacer
	driverInfoPreparer  DriverInfoPreparer
	tableTypeLister     TableTypeLister
	autocommitSetter    AutocommitSetter
}

type ConnectionBuilder struct {
	connection *connection
}

func NewConnectionBuilder(impl ConnectionImpl) *ConnectionBuilder {
	return &ConnectionBuilder{connection: &connection{ConnectionImpl: impl}}
}

func (b *ConnectionBuilder) WithDbObjectsEnumerator(helper DbObjectsEnumerator) *ConnectionBuilder {
	if b == nil {
		panic("nil ConnectionBuilder: cannot reuse after calling Connection()")
	}
	b.connection.dbObjectsEnumerator = helper
	return b
}

func (b *ConnectionBuilder) WithCurrentNamespacer(helper CurrentNamespacer) *ConnectionBuilder {
	if b == nil {
		panic("nil ConnectionBuilder: cannot reuse after calling Connection()")
	}
	b.connection.currentNamespacer = helper
	return b
}

func (b *ConnectionBuilder) WithDriverInfoPreparer(helper DriverInfoPreparer) *ConnectionBuilder {
	if b == nil {
		panic("nil ConnectionBuilder: cannot reuse after calling Connection()")
	}
	b.connection.driverInfoPreparer = helper
	return b
}

func (b *ConnectionBuilder) WithAutocommitSetter(helper AutocommitSetter) *ConnectionBuilder {
	if b == nil {
		panic("nil ConnectionBuilder: cannot reuse after calling Connection()")
	}
	b.connection.autocommitSetter = helper
	return b
}

func (b *ConnectionBuilder) WithTableTypeLister(helper TableTypeLister) *ConnectionBuilder {
	if b == nil {
		panic("nil ConnectionBuilder: cannot reuse after calling Connection()")
	}
	b.connection.tableTypeLister = helper
	return b
}

func (b *ConnectionBuilder) Connection() Connection {
	conn := b.connection
	b.connection = nil
	return conn
}

// GetObjects implements Connection.
func (cnxn *connection) GetObjects(ctx context.Context, depth adbc.ObjectDepth, catalog *string, dbSchema *string, tableName *string, columnName *string, tableType []string) (array.RecordReader, error) {
	if err := cnxn.Base().CheckOpen(); err != nil {
		return nil, err
	}

	helper := cnxn.dbObjectsEnumerator
	if helper == nil {
		return cnxn.ConnectionImpl.GetObjects(ctx, depth, catalog, dbSchema, tableName, columnName, tableType)
	}

	catalogs, err := helper.GetObjectsTree(ctx, depth, catalog, dbSchema, tableName, columnName, tableType)
	if err != nil {
		return nil, err
	}
	return internal.BuildGetObjects(cnxn.Base().Alloc, catalogs)
}

func (cnxn *connection) GetOption(key string) (string, error) {
	switch key {
	case adbc.OptionKeyAutoCommit:
		if cnxn.Base().Autocommit {
			return adbc.OptionValueEnabled, nil
		}
		return adbc.OptionValueDisabled, nil
	case adbc.OptionKeyCurrentCatalog:
		if cnxn.currentNamespacer != nil {
			val, err := cnxn.currentNamespacer.GetCurrentCatalog()
			if err != nil {
				return "", cnxn.Base().ErrorHelper.NotFound("failed to get current catalog: %s", err)
			}
			return val, nil
		}
	case adbc.OptionKeyCurrentDbSchema:
		if cnxn.currentNamespacer != nil {
			val, err := cnxn.currentNamespacer.GetCurrentDbSchema()
			if err != nil {
				return "", cnxn.Base().ErrorHelper.NotFound("failed to get current db schema: %s", err)
			}
			return val, nil
		}
	}
	return cnxn.ConnectionImpl.GetOption(key)
}

func (cnxn *connection) SetOption(key string, val string) error {
	if err := cnxn.Base().CheckOpen(); err != nil {
		return err
	}

	switch key {
	case adbc.OptionKeyAutoCommit:
		if cnxn.autocommitSetter == nil {
			break
		}

		var autocommit bool
		switch val {
		case adbc.OptionValueEnabled:
			autocommit = true
		case adbc.OptionValueDisabled:
			autocommit = false
		default:
			return cnxn.Base().ErrorHelper.InvalidArgument("cannot set value %s for key %s", val, key)
		}

		current := cnxn.Base().Autocommit
		if autocommit == current {
			if !autocommit {
				return cnxn.Base().ErrorHelper.InvalidState(ConnectionMessageTransactionActive)
			}
			return nil
		}

		if err := cnxn.autocommitSetter.SetAutocommit(context.Background(), autocommit); err != nil {
			return err
		}
		cnxn.Base().Autocommit = autocommit
		return nil
	case adbc.OptionKeyCurrentCatalog:
		if cnxn.currentNamespacer != nil {
			return cnxn.currentNamespacer.SetCurrentCatalog(val)
		}
	case adbc.OptionKeyCurrentDbSchema:
		if cnxn.currentNamespacer != nil {
			return cnxn.currentNamespacer.SetCurrentDbSchema(val)
		}
	}
	return cnxn.ConnectionImpl.SetOption(key, val)
}

func (cnxn *connection) GetInfo(ctx context.Context, infoCodes []adbc.InfoCode) (array.RecordReader, error) {
	if err := cnxn.Base().CheckOpen(); err != nil {
		return nil, err
	}
	if cnxn.driverInfoPreparer != nil {
		if err := cnxn.driverInfoPreparer.PrepareDriverInfo(ctx, infoCodes); err != nil {
			return nil, err
		}
	}
	return cnxn.Base().GetInfo(ctx, infoCodes)
}

func (cnxn *connection) GetTableTypes(ctx context.Context) (array.RecordReader, error) {
	if err := cnxn.Base().CheckOpen(); err != nil {
		return nil, err
	}
	if cnxn.tableTypeLister == nil {
		return cnxn.ConnectionImpl.GetTableTypes(ctx)
	}

	tableTypes, err := cnxn.tableTypeLister.ListTableTypes(ctx)
	if err != nil {
		return nil, err
	}

	bldr := array.NewRecordBuilder(cnxn.Base().Alloc, adbc.TableTypesSchema)
	defer bldr.Release()

	bldr.Field(0).(*array.StringBuilder).AppendValues(tableTypes, nil)
	final := bldr.NewRecord()
	defer final.Release()
	return array.NewRecordReader(adbc.TableTypesSchema, []arrow.Record{final})
}

func (cnxn *connection) GetTableSchema(ctx context.Context, catalog *string, dbSchema *string, tableName string) (*arrow.Schema, error) {
	if err := cnxn.Base().CheckOpen(); err != nil {
		return nil, err
	}
	return cnxn.ConnectionImpl.GetTableSchema(ctx, catalog, dbSchema, tableName)
}

func (cnxn *connection) NewStatement() (adbc.Statement, error) {
	if err := cnxn.Base().CheckOpen(); err != nil {
		return nil, err
	}
	return cnxn.ConnectionImpl.NewStatement()
}

func (cnxn *connection) ReadPartition(ctx context.Context, serializedPartition []byte) (array.RecordReader, error) {
	if err := cnxn.Base().CheckOpen(); err != nil {
		return nil, err
	}
	return cnxn.ConnectionImpl.ReadPartition(ctx, serializedPartition)
}

func (cnxn *connection) Commit(ctx context.Context) error {
	if err := cnxn.Base().CheckOpen(); err != nil {
		return err
	}
	if cnxn.Base().Autocommit {
		return cnxn.Base().ErrorHelper.InvalidState(ConnectionMessageCannotCommit)
	}
	return cnxn.ConnectionImpl.Commit(ctx)
}

func (cnxn *connection) Rollback(ctx context.Context) error {
	if err := cnxn.Base().CheckOpen(); err != nil {
		return err
	}
	if cnxn.Base().Autocommit {
		return cnxn.Base().ErrorHelper.InvalidState(ConnectionMessageCannotRollback)
	}
	return cnxn.ConnectionImpl.Rollback(ctx)
}

// Close is idempotent: closing an already closed connection succeeds.
func (cnxn *connection) Close() error {
	if cnxn.Base().IsClosed() {
		return nil
	}
	err := cnxn.ConnectionImpl.Close()
	cnxn.Base().MarkClosed()
	return err
}

var _ ConnectionImpl = (*ConnectionImplBase)(nil)
