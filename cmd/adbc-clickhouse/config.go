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

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/apache/arrow-adbc/go/adbc"
	"gopkg.in/yaml.v3"

	"github.com/if0ne/adbc-clickhouse/driver/clickhouse"
)

// fileConfig is the YAML configuration file. Options holds raw driver
// options and is applied before the typed fields.
type fileConfig struct {
	URI      string            `yaml:"uri"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Database string            `yaml:"database"`
	Options  map[string]string `yaml:"options"`
	Log      logConfig         `yaml:"log"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// merge overlays the non-empty fields of flags onto cfg.
func (cfg fileConfig) merge(flags fileConfig) fileConfig {
	pick := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	pick(&cfg.URI, flags.URI)
	pick(&cfg.Username, flags.Username)
	pick(&cfg.Password, flags.Password)
	pick(&cfg.Database, flags.Database)
	pick(&cfg.Log.Level, flags.Log.Level)
	pick(&cfg.Log.Format, flags.Log.Format)
	return cfg
}

// driverOptions flattens the configuration into database options.
func (cfg fileConfig) driverOptions() map[string]string {
	opts := make(map[string]string, len(cfg.Options)+4)
	for k, v := range cfg.Options {
		opts[k] = v
	}
	set := func(key, v string) {
		if v != "" {
			opts[key] = v
		}
	}
	set(adbc.OptionKeyURI, cfg.URI)
	set(clickhouse.OptionStringUsername, cfg.Username)
	set(clickhouse.OptionStringPassword, cfg.Password)
	set(clickhouse.OptionStringDatabase, cfg.Database)
	return opts
}

func newLogger(cfg logConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q", cfg.Level)
		}
	} else {
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q (valid: text, json)", cfg.Format)
}

func parseDepth(s string) (adbc.ObjectDepth, error) {
	switch strings.ToLower(s) {
	case "", "all", "columns":
		return adbc.ObjectDepthAll, nil
	case "catalogs":
		return adbc.ObjectDepthCatalogs, nil
	case "schemas", "db_schemas":
		return adbc.ObjectDepthDBSchemas, nil
	case "tables":
		return adbc.ObjectDepthTables, nil
	}
	return 0, fmt.Errorf("invalid depth %q (valid: all, catalogs, schemas, tables, columns)", s)
}
