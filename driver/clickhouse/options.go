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
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/google/uuid"

	"github.com/if0ne/adbc-clickhouse/driver/internal/driverbase"
)

const (
	// OptionStringAddress comma-separated addresses
	OptionStringAddress  = "adbc.clickhouse.address"
	OptionStringProtocol = "adbc.clickhouse.protocol"
	OptionStringDatabase = "adbc.clickhouse.sql.database"
	OptionStringUsername = "adbc.clickhouse.sql.username"
	OptionStringPassword = "adbc.clickhouse.sql.password"

	OptionStringCompression = "adbc.clickhouse.compression"
	// OptionDoubleDialTimeout and OptionDoubleReadTimeout are in seconds.
	OptionDoubleDialTimeout = "adbc.clickhouse.dial_timeout"
	OptionDoubleReadTimeout = "adbc.clickhouse.read_timeout"

	// OptionIntBatchSize is the maximum number of rows per result batch.
	OptionIntBatchSize = "adbc.clickhouse.statement.batch_size"
	// OptionDoubleFetchTimeout bounds each fetch of a result batch, in
	// seconds. Zero disables it.
	OptionDoubleFetchTimeout = "adbc.clickhouse.statement.fetch_timeout"

	OptionBoolIncludeSystem = "adbc.clickhouse.catalog.include_system"
	OptionBoolTransactions  = "adbc.clickhouse.transactions.enabled"
	// OptionStringSettingPrefix passes a server setting to every query,
	// e.g. adbc.clickhouse.setting.max_threads.
	OptionStringSettingPrefix = "adbc.clickhouse.setting."
	// OptionStringServerVersion is a read-only connection option.
	OptionStringServerVersion = "adbc.clickhouse.server_version"

	defaultBatchSize = 65536
	defaultDatabase  = "default"

	httpSessionIDSetting = "session_id"

	OptionValueProtocolHTTP   = "http"
	OptionValueProtocolNative = "native"

	OptionValueCompressionNone    = "none"
	OptionValueCompressionLZ4     = "lz4"
	OptionValueCompressionZSTD    = "zstd"
	OptionValueCompressionGZIP    = "gzip"
	OptionValueCompressionDeflate = "deflate"
	OptionValueCompressionBrotli  = "br"
)

var compressionMethods = map[string]clickhouse.CompressionMethod{
	OptionValueCompressionNone:    clickhouse.CompressionNone,
	OptionValueCompressionLZ4:     clickhouse.CompressionLZ4,
	OptionValueCompressionZSTD:    clickhouse.CompressionZSTD,
	OptionValueCompressionGZIP:    clickhouse.CompressionGZIP,
	OptionValueCompressionDeflate: clickhouse.CompressionDeflate,
	OptionValueCompressionBrotli:  clickhouse.CompressionBrotli,
}

// config is the validated, immutable form of a database option set.
type config struct {
	addresses   []string
	protocol    clickhouse.Protocol
	database    string
	username    string
	password    string
	compression string
	dialTimeout time.Duration
	readTimeout time.Duration

	batchSize           int
	fetchTimeout        time.Duration
	includeSystem       bool
	transactionsEnabled bool
	settings            clickhouse.Settings

	// raw keeps every recognised key as given, for GetOption.
	raw map[string]string
}

func defaultConfig() config {
	return config{
		protocol:    clickhouse.Native,
		database:    defaultDatabase,
		compression: OptionValueCompressionLZ4,
		batchSize:   defaultBatchSize,
		settings:    clickhouse.Settings{},
		raw:         map[string]string{},
	}
}

// optionSetter records a value for one key, refusing a second, different
// value for the same setting under another key.
type optionSetter struct {
	helper *driverbase.ErrorHelper
	origin map[string]string
}

func (o *optionSetter) set(setting, key, value string, dst *string) error {
	if prevKey, ok := o.origin[setting]; ok && *dst != value {
		return o.helper.InvalidArgument("option '%s' conflicts with '%s'", key, prevKey)
	}
	o.origin[setting] = key
	*dst = value
	return nil
}

// parseOptions validates a database option set. It performs no I/O.
func parseOptions(helper *driverbase.ErrorHelper, opts map[string]string) (config, error) {
	cfg := defaultConfig()
	setter := &optionSetter{helper: helper, origin: map[string]string{}}

	// the DSN goes first so explicit keys can be checked against it
	if uri, ok := opts[adbc.OptionKeyURI]; ok {
		if err := cfg.applyURI(helper, setter, uri); err != nil {
			return config{}, err
		}
		cfg.raw[adbc.OptionKeyURI] = uri
	}

	for key, value := range opts {
		if key == adbc.OptionKeyURI {
			continue
		}
		if err := cfg.apply(helper, setter, key, value); err != nil {
			return config{}, err
		}
		cfg.raw[key] = value
	}

	if len(cfg.addresses) == 0 {
		return config{}, helper.InvalidArgument("option '%s' is required (or '%s')", adbc.OptionKeyURI, OptionStringAddress)
	}
	if cfg.protocol == clickhouse.Native {
		switch cfg.compression {
		case OptionValueCompressionGZIP, OptionValueCompressionDeflate, OptionValueCompressionBrotli:
			return config{}, helper.InvalidArgument("option '%s': %s compression requires the http protocol", OptionStringCompression, cfg.compression)
		}
	}
	return cfg, nil
}

func (cfg *config) applyURI(helper *driverbase.ErrorHelper, setter *optionSetter, uri string) error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return helper.InvalidArgument("option '%s' must not be empty", adbc.OptionKeyURI)
	}

	if !strings.Contains(uri, "://") {
		cfg.addresses = splitAddresses(uri)
		setter.origin["address"] = adbc.OptionKeyURI
		return nil
	}

	parsed, err := clickhouse.ParseDSN(uri)
	if err != nil {
		return helper.WrapInvalidArgument(err, "option '%s': invalid DSN", adbc.OptionKeyURI)
	}
	cfg.addresses = parsed.Addr
	cfg.protocol = parsed.Protocol
	setter.origin["address"] = adbc.OptionKeyURI
	if parsed.Auth.Database != "" {
		cfg.database = parsed.Auth.Database
		setter.origin["database"] = adbc.OptionKeyURI
	}
	if parsed.Auth.Username != "" {
		cfg.username = parsed.Auth.Username
		setter.origin["username"] = adbc.OptionKeyURI
	}
	if parsed.Auth.Password != "" {
		cfg.password = parsed.Auth.Password
		setter.origin["password"] = adbc.OptionKeyURI
	}
	if parsed.DialTimeout > 0 {
		cfg.dialTimeout = parsed.DialTimeout
	}
	if parsed.ReadTimeout > 0 {
		cfg.readTimeout = parsed.ReadTimeout
	}
	if parsed.Compression != nil {
		for name, method := range compressionMethods {
			if method == parsed.Compression.Method {
				cfg.compression = name
			}
		}
	}
	for name, value := range parsed.Settings {
		cfg.settings[name] = value
	}
	return nil
}

func (cfg *config) apply(helper *driverbase.ErrorHelper, setter *optionSetter, key, value string) error {
	switch key {
	case OptionStringAddress:
		if _, ok := setter.origin["address"]; ok {
			return helper.InvalidArgument("option '%s' conflicts with '%s'", key, adbc.OptionKeyURI)
		}
		cfg.addresses = splitAddresses(value)
		if len(cfg.addresses) == 0 {
			return helper.InvalidArgument("option '%s' must not be empty", key)
		}
		setter.origin["address"] = key
	case OptionStringProtocol:
		switch strings.ToLower(value) {
		case OptionValueProtocolNative:
			cfg.protocol = clickhouse.Native
		case OptionValueProtocolHTTP:
			cfg.protocol = clickhouse.HTTP
		default:
			return helper.InvalidArgument("invalid value '%s' for option '%s'", value, key)
		}
	case adbc.OptionKeyUsername, OptionStringUsername:
		return setter.set("username", key, value, &cfg.username)
	case adbc.OptionKeyPassword, OptionStringPassword:
		return setter.set("password", key, value, &cfg.password)
	case adbc.OptionKeyCurrentDbSchema, adbc.OptionKeyCurrentCatalog, OptionStringDatabase:
		if value == "" {
			return helper.InvalidArgument("option '%s' must not be empty", key)
		}
		return setter.set("database", key, value, &cfg.database)
	case OptionStringCompression:
		if _, ok := compressionMethods[strings.ToLower(value)]; !ok {
			return helper.InvalidArgument("invalid value '%s' for option '%s'", value, key)
		}
		cfg.compression = strings.ToLower(value)
	case OptionDoubleDialTimeout:
		timeout, err := parseTimeout(helper, key, value)
		if err != nil {
			return err
		}
		cfg.dialTimeout = timeout
	case OptionDoubleReadTimeout:
		timeout, err := parseTimeout(helper, key, value)
		if err != nil {
			return err
		}
		cfg.readTimeout = timeout
	case OptionDoubleFetchTimeout:
		timeout, err := parseTimeout(helper, key, value)
		if err != nil {
			return err
		}
		cfg.fetchTimeout = timeout
	case OptionIntBatchSize:
		size, err := parseBatchSize(helper, key, value)
		if err != nil {
			return err
		}
		cfg.batchSize = size
	case OptionBoolIncludeSystem:
		v, err := parseBool(helper, key, value)
		if err != nil {
			return err
		}
		cfg.includeSystem = v
	case OptionBoolTransactions:
		v, err := parseBool(helper, key, value)
		if err != nil {
			return err
		}
		cfg.transactionsEnabled = v
	default:
		if name, ok := strings.CutPrefix(key, OptionStringSettingPrefix); ok && name != "" {
			cfg.settings[name] = value
			return nil
		}
		return helper.InvalidArgument("%s '%s'", driverbase.DatabaseMessageOptionUnknown, key)
	}
	return nil
}

// clientOptions builds the clickhouse-go options for one session. The one
// pooled connection is never recycled, and over HTTP every request carries
// the same session_id so USE and transactions outlive a single request.
func (cfg *config) clientOptions() *clickhouse.Options {
	settings := make(clickhouse.Settings, len(cfg.settings)+1)
	for name, value := range cfg.settings {
		settings[name] = value
	}
	if cfg.protocol == clickhouse.HTTP {
		if _, ok := settings[httpSessionIDSetting]; !ok {
			settings[httpSessionIDSetting] = "adbc-" + uuid.NewString()
		}
	}

	return &clickhouse.Options{
		Addr:     cfg.addresses,
		Protocol: cfg.protocol,
		Auth: clickhouse.Auth{
			Database: cfg.database,
			Username: cfg.username,
			Password: cfg.password,
		},
		Settings: settings,
		Compression: &clickhouse.Compression{
			Method: compressionMethods[cfg.compression],
		},
		DialTimeout:     cfg.dialTimeout,
		ReadTimeout:     cfg.readTimeout,
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Duration(math.MaxInt64),
	}
}

func splitAddresses(value string) []string {
	var addresses []string
	for _, address := range strings.Split(value, ",") {
		if address = strings.TrimSpace(address); address != "" {
			addresses = append(addresses, address)
		}
	}
	return addresses
}

func parseTimeout(helper *driverbase.ErrorHelper, key, value string) (time.Duration, error) {
	timeout, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, helper.InvalidArgument("invalid timeout option value %s = %s: %s", key, value, err.Error())
	}
	if math.IsNaN(timeout) || math.IsInf(timeout, 0) || timeout < 0 {
		return 0, helper.InvalidArgument("invalid timeout option value %s = %f: timeouts must be non-negative and finite", key, timeout)
	}
	return time.Duration(timeout * float64(time.Second)), nil
}

func parseBatchSize(helper *driverbase.ErrorHelper, key, value string) (int, error) {
	size, err := strconv.Atoi(value)
	if err != nil || size <= 0 {
		return 0, helper.InvalidArgument("invalid value '%s' for option '%s': must be a positive integer", value, key)
	}
	return size, nil
}

func parseBool(helper *driverbase.ErrorHelper, key, value string) (bool, error) {
	switch strings.ToLower(value) {
	case adbc.OptionValueEnabled, "1":
		return true, nil
	case adbc.OptionValueDisabled, "0":
		return false, nil
	}
	return false, helper.InvalidArgument("invalid value '%s' for option '%s'", value, key)
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
