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

// Package clickhouse is an ADBC driver for ClickHouse built on
// clickhouse-go. Query results and catalog metadata are returned as Arrow
// record batches.
//
// Each Connection owns a single native session and runs at most one query
// or catalog call at a time; a second concurrent call fails with
// adbc.StatusInvalidState instead of waiting.
package clickhouse

import (
	"context"
	"maps"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/if0ne/adbc-clickhouse/driver/internal/driverbase"
)

type driverImpl struct {
	driverbase.DriverImplBase

	openSession sessionFactory
}

// NewDriver creates a new ClickHouse driver using the given Arrow allocator.
func NewDriver(alloc memory.Allocator) adbc.Driver {
	return driverbase.NewDriver(newDriverImpl(alloc, openNativeSession))
}

func newDriverImpl(alloc memory.Allocator, openSession sessionFactory) *driverImpl {
	info := driverbase.DefaultDriverInfo("ClickHouse")
	base := driverbase.NewDriverImplBase(info, alloc)
	base.ErrorHelper.ErrorInspector = errorInspector{}
	return &driverImpl{DriverImplBase: base, openSession: openSession}
}

func (d *driverImpl) NewDatabase(opts map[string]string) (adbc.Database, error) {
	return d.NewDatabaseWithContext(context.Background(), opts)
}

// NewDatabaseWithContext validates opts and returns a database bound to
// them. It performs no network I/O.
func (d *driverImpl) NewDatabaseWithContext(ctx context.Context, opts map[string]string) (adbc.Database, error) {
	cfg, err := parseOptions(&d.ErrorHelper, maps.Clone(opts))
	if err != nil {
		return nil, err
	}

	dbBase, err := driverbase.NewDatabaseImplBase(ctx, &d.DriverImplBase)
	if err != nil {
		return nil, err
	}
	db := &databaseImpl{
		DatabaseImplBase: dbBase,
		cfg:              cfg,
		openSession:      d.openSession,
	}
	return driverbase.NewDatabase(db), nil
}
