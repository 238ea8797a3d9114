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
	"maps"
	"slices"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/apache/arrow-adbc/go/adbc"
	"go.opentelemetry.io/otel/attribute"

	"github.com/if0ne/adbc-clickhouse/driver/internal/driverbase"
)

const databaseMessageImmutable = "database options are fixed once the database is created"

type databaseImpl struct {
	driverbase.DatabaseImplBase

	cfg         config
	openSession sessionFactory
}

// Open dials ClickHouse, checks the session and reads the server version.
// On any failure the half-opened session is closed and no connection is
// returned.
func (d *databaseImpl) Open(ctx context.Context) (cnxn adbc.Connection, err error) {
	ctx, span := d.StartSpan(ctx, "Open")
	span.SetAttributes(
		attribute.StringSlice("server.address", d.cfg.addresses),
		attribute.String("db.namespace", d.cfg.database),
	)
	defer func() {
		endSpan(span, err)
	}()

	addresses := strings.Join(d.cfg.addresses, ",")
	d.Logger.DebugContext(ctx, "opening connection", "addresses", addresses, "database", d.cfg.database)

	session, err := d.openSession(ctx, &d.cfg, d.Logger)
	if err != nil {
		return nil, d.ErrorHelper.WrapIO(err, "connecting to %s", addresses)
	}

	version, err := session.ServerVersion(ctx)
	if err != nil {
		_ = session.Close()
		return nil, d.ErrorHelper.WrapIO(err, "reading server version from %s", addresses)
	}

	conn := newConnection(&d.DatabaseImplBase, &d.cfg, session, version)
	if err := conn.DriverInfo.RegisterInfoCode(adbc.InfoVendorVersion, version); err != nil {
		_ = session.Close()
		return nil, d.ErrorHelper.WrapInternal(err, "registering server version")
	}
	d.Logger.DebugContext(ctx, "connection opened", "addresses", addresses, "server_version", version)

	return driverbase.NewConnectionBuilder(conn).
		WithAutocommitSetter(conn).
		WithCurrentNamespacer(conn).
		WithTableTypeLister(conn).
		WithDriverInfoPreparer(conn).
		WithDbObjectsEnumerator(conn).
		Connection(), nil
}

func (d *databaseImpl) GetOption(key string) (string, error) {
	switch key {
	case OptionStringProtocol:
		if d.cfg.protocol == clickhouse.HTTP {
			return OptionValueProtocolHTTP, nil
		}
		return OptionValueProtocolNative, nil
	case OptionStringAddress:
		return strings.Join(d.cfg.addresses, ","), nil
	case OptionStringDatabase, adbc.OptionKeyCurrentCatalog, adbc.OptionKeyCurrentDbSchema:
		return d.cfg.database, nil
	case adbc.OptionKeyUsername, OptionStringUsername:
		return d.cfg.username, nil
	case OptionStringCompression:
		return d.cfg.compression, nil
	case OptionDoubleDialTimeout:
		return formatSeconds(d.cfg.dialTimeout), nil
	case OptionDoubleReadTimeout:
		return formatSeconds(d.cfg.readTimeout), nil
	case OptionDoubleFetchTimeout:
		return formatSeconds(d.cfg.fetchTimeout), nil
	case adbc.OptionKeyPassword, OptionStringPassword:
		// never echoed back
		return d.DatabaseImplBase.GetOption(key)
	}
	if value, ok := d.cfg.raw[key]; ok {
		return value, nil
	}
	return d.DatabaseImplBase.GetOption(key)
}

func (d *databaseImpl) GetOptionInt(key string) (int64, error) {
	if key == OptionIntBatchSize {
		return int64(d.cfg.batchSize), nil
	}
	return d.DatabaseImplBase.GetOptionInt(key)
}

func (d *databaseImpl) GetOptionDouble(key string) (float64, error) {
	switch key {
	case OptionDoubleDialTimeout:
		return d.cfg.dialTimeout.Seconds(), nil
	case OptionDoubleReadTimeout:
		return d.cfg.readTimeout.Seconds(), nil
	case OptionDoubleFetchTimeout:
		return d.cfg.fetchTimeout.Seconds(), nil
	}
	return d.DatabaseImplBase.GetOptionDouble(key)
}

func (d *databaseImpl) SetOption(key, value string) error {
	return d.ErrorHelper.InvalidState("%s: cannot set '%s'", databaseMessageImmutable, key)
}

func (d *databaseImpl) SetOptions(options map[string]string) error {
	if len(options) == 0 {
		return nil
	}
	keys := slices.Sorted(maps.Keys(options))
	return d.SetOption(keys[0], "")
}

func (d *databaseImpl) SetOptionBytes(key string, _ []byte) error {
	return d.SetOption(key, "")
}

func (d *databaseImpl) SetOptionInt(key string, _ int64) error {
	return d.SetOption(key, "")
}

func (d *databaseImpl) SetOptionDouble(key string, _ float64) error {
	return d.SetOption(key, "")
}

var _ driverbase.DatabaseImpl = (*databaseImpl)(nil)
