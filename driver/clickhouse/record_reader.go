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
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/if0ne/adbc-clickhouse/driver/internal/driverbase"
)

// reader is a pull-based record reader over a Cursor. Every Next fetches
// one chunk of at most batchSize rows and converts it into one record;
// nothing is fetched ahead of the caller.
type reader struct {
	refCount int64
	schema   *arrow.Schema
	bldr     *array.RecordBuilder
	errs     *driverbase.ErrorHelper

	cursor       Cursor
	batchSize    int
	fetchTimeout time.Duration

	ctx       context.Context
	cancelFn  context.CancelFunc
	cancelled atomic.Bool
	timedOut  atomic.Bool

	rec  arrow.Record
	err  error
	done bool

	finishOnce sync.Once
	onFinish   func(err error)
}

// readerOptions carries what a reader needs besides its cursor.
type readerOptions struct {
	alloc        memory.Allocator
	errs         *driverbase.ErrorHelper
	batchSize    int
	fetchTimeout time.Duration
	// onFinish is called exactly once, when the reader is exhausted,
	// fails or is released.
	onFinish func(err error)
}

// newRecordReader maps the cursor's columns to a schema and returns a
// reader that owns the cursor. ctx must be the context the query was
// started with and cancelFn must cancel it.
func newRecordReader(ctx context.Context, cancelFn context.CancelFunc, cursor Cursor, opts readerOptions) (*reader, error) {
	columns := cursor.Columns()
	fields := make([]arrow.Field, len(columns))
	for i, column := range columns {
		field, _, err := arrowFieldForColumn(column.Name, column.Type)
		if err != nil {
			return nil, opts.errs.WrapNotImplemented(err, "mapping result column `%s`", column.Name)
		}
		fields[i] = field
	}
	schema := arrow.NewSchema(fields, nil)

	batchSize := opts.batchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &reader{
		refCount:     1,
		schema:       schema,
		bldr:         array.NewRecordBuilder(opts.alloc, schema),
		errs:         opts.errs,
		cursor:       cursor,
		batchSize:    batchSize,
		fetchTimeout: opts.fetchTimeout,
		ctx:          ctx,
		cancelFn:     cancelFn,
		onFinish:     opts.onFinish,
	}, nil
}

// Cancel aborts the running query. It is safe to call from any goroutine;
// the next pull reports a cancellation error.
func (r *reader) Cancel() {
	r.cancelled.Store(true)
	r.cancelFn()
}

func (r *reader) Retain() {
	atomic.AddInt64(&r.refCount, 1)
}

func (r *reader) Release() {
	if atomic.AddInt64(&r.refCount, -1) == 0 {
		if r.rec != nil {
			r.rec.Release()
			r.rec = nil
		}
		r.finish(r.err)
		r.bldr.Release()
	}
}

func (r *reader) Err() error {
	return r.err
}

func (r *reader) Next() bool {
	if r.rec != nil {
		r.rec.Release()
		r.rec = nil
	}
	if r.done {
		return false
	}

	for {
		if r.cancelled.Load() {
			r.fail(r.errs.Cancelled("query was cancelled"))
			return false
		}

		chunk, err := r.fetch()
		if errors.Is(err, io.EOF) {
			r.finish(nil)
			return false
		}
		if err != nil {
			r.fail(err)
			return false
		}
		if len(chunk.Rows) == 0 {
			continue
		}

		rec, err := r.buildRecord(chunk)
		if err != nil {
			r.fail(err)
			return false
		}
		r.rec = rec
		return true
	}
}

func (r *reader) fetch() (Chunk, error) {
	if r.fetchTimeout > 0 {
		timer := time.AfterFunc(r.fetchTimeout, func() {
			r.timedOut.Store(true)
			r.cancelFn()
		})
		defer timer.Stop()
	}

	chunk, err := r.cursor.Next(r.ctx, r.batchSize)
	if err == nil || errors.Is(err, io.EOF) {
		return chunk, err
	}
	switch {
	case r.cancelled.Load():
		return Chunk{}, r.errs.Cancelled("query was cancelled")
	case r.timedOut.Load():
		return Chunk{}, r.errs.Timeout("fetching a result batch took longer than %s", r.fetchTimeout)
	}
	return Chunk{}, r.errs.WrapIO(err, "fetching result batch")
}

func (r *reader) buildRecord(chunk Chunk) (arrow.Record, error) {
	for _, row := range chunk.Rows {
		if len(row) != len(r.schema.Fields()) {
			return nil, r.errs.Internal("result row has %d values, expected %d", len(row), len(r.schema.Fields()))
		}
		for i, v := range row {
			if err := appendValue(r.bldr.Field(i), v); err != nil {
				return nil, r.errs.WrapInvalidData(err, "converting column `%s`", r.schema.Field(i).Name)
			}
		}
	}
	return r.bldr.NewRecord(), nil
}

func (r *reader) fail(err error) {
	r.err = err
	r.finish(err)
}

// finish closes the cursor, cancels the query context and reports the
// outcome once.
func (r *reader) finish(err error) {
	r.done = true
	r.finishOnce.Do(func() {
		if closeErr := r.cursor.Close(); closeErr != nil && err == nil && !r.cancelled.Load() {
			r.err = r.errs.WrapIO(closeErr, "closing result cursor")
			err = r.err
		}
		r.cancelFn()
		if r.onFinish != nil {
			r.onFinish(err)
		}
	})
}

func (r *reader) Schema() *arrow.Schema {
	return r.schema
}

func (r *reader) Record() arrow.Record {
	return r.rec
}

func (r *reader) RecordBatch() arrow.RecordBatch {
	return r.rec
}

var _ array.RecordReader = (*reader)(nil)
