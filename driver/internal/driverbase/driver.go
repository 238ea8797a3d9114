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

// Package driverbase holds the ADBC plumbing shared by the driver: the
// driver/database/connection/statement base types, driver info, tracing
// setup and the connection state machine.
package driverbase

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/extensions"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var (
	infoDriverVersion      string
	infoDriverArrowVersion string
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			infoDriverVersion = info.Main.Version
		}
		for _, s := range info.Settings {
			if s.Key == "vcs.modified" && s.Value == "true" && infoDriverVersion != "" {
				infoDriverVersion += "-dev"
			}
		}
		for _, dep := range info.Deps {
			if strings.HasPrefix(dep.Path, "github.com/apache/arrow-go/") {
				infoDriverArrowVersion = dep.Version
				break
			}
		}
	}
}

// DriverImpl is implemented by the concrete driver.
type DriverImpl interface {
	adbc.Driver
	NewDatabaseWithContext(ctx context.Context, opts map[string]string) (adbc.Database, error)
	Base() *DriverImplBase
}

// Driver is what NewDriver returns.
type Driver interface {
	adbc.Driver
}

// DriverImplBase carries the resources every database inherits.
type DriverImplBase struct {
	Alloc       memory.Allocator
	ErrorHelper ErrorHelper
	DriverInfo  *DriverInfo
}

func (base *DriverImplBase) NewDatabase(opts map[string]string) (adbc.Database, error) {
	return base.NewDatabaseWithContext(context.Background(), opts)
}

func (base *DriverImplBase) NewDatabaseWithContext(ctx context.Context, opts map[string]string) (adbc.Database, error) {
	return nil, base.ErrorHelper.NotImplemented("NewDatabase")
}

// NewDriverImplBase instantiates DriverImplBase.
//
//   - info contains build and vendor info, as well as the name to construct error messages.
//   - alloc is an Arrow allocator to use.
func NewDriverImplBase(info *DriverInfo, alloc memory.Allocator) DriverImplBase {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}

	if infoDriverVersion != "" {
		if err := info.RegisterInfoCode(adbc.InfoDriverVersion, infoDriverVersion); err != nil {
			panic(err)
		}
	}
	if infoDriverArrowVersion != "" {
		if err := info.RegisterInfoCode(adbc.InfoDriverArrowVersion, infoDriverArrowVersion); err != nil {
			panic(err)
		}
	}
	registerExtensionTypes()

	return DriverImplBase{
		Alloc:       alloc,
		ErrorHelper: ErrorHelper{DriverName: info.GetName()},
		DriverInfo:  info,
	}
}

func (base *DriverImplBase) Base() *DriverImplBase {
	return base
}

type driver struct {
	DriverImpl
}

// NewDriver wraps a DriverImpl to create a Driver.
func NewDriver(impl DriverImpl) Driver {
	return &driver{DriverImpl: impl}
}

var _ DriverImpl = (*DriverImplBase)(nil)

// registerExtensionTypes makes sure the canonical uuid extension type is
// known to IPC readers of our results.
var registerExtensionTypes = sync.OnceFunc(func() {
	for _, extType := range []arrow.ExtensionType{extensions.NewUUIDType()} {
		if arrow.GetExtensionType(extType.ExtensionName()) == nil {
			_ = arrow.RegisterExtensionType(extType)
		}
	}
})
