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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultTraceFilePrefix  = "adbc.driver"
	defaultTraceFileSizeMax = int64(1024 * 1024)
	defaultTraceFileCount   = 100
	traceFileExt            = ".jsonl"
	traceFileTimeLayout     = "2006-01-02-15-04-05.000000000"
)

type rotatingFileConfig struct {
	dir     string
	prefix  string
	sizeMax int64
	keep    int
}

type rotatingFileOption func(*rotatingFileConfig)

// withTraceDir places trace files in dir instead of <user config>/.adbc/traces.
func withTraceDir(dir string) rotatingFileOption {
	return func(cfg *rotatingFileConfig) { cfg.dir = dir }
}

func withTracePrefix(prefix string) rotatingFileOption {
	return func(cfg *rotatingFileConfig) { cfg.prefix = prefix }
}

// withTraceFileLimits sets the size at which a file is rotated and how many
// files are kept. Non-positive values keep the defaults.
func withTraceFileLimits(sizeMax int64, keep int) rotatingFileOption {
	return func(cfg *rotatingFileConfig) {
		if sizeMax > 0 {
			cfg.sizeMax = sizeMax
		}
		if keep > 0 {
			cfg.keep = keep
		}
	}
}

// rotatingFileWriter appends trace lines to <prefix>-<UTC time>.jsonl files.
// A file that reaches sizeMax is closed and a new one started; beyond keep
// files the oldest are removed. It is safe for concurrent use.
type rotatingFileWriter struct {
	rotatingFileConfig

	mu      sync.Mutex
	current *os.File
	size    int64
}

func newRotatingFileWriter(options ...rotatingFileOption) (*rotatingFileWriter, error) {
	cfg := rotatingFileConfig{
		prefix:  defaultTraceFilePrefix,
		sizeMax: defaultTraceFileSizeMax,
		keep:    defaultTraceFileCount,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if strings.TrimSpace(cfg.prefix) == "" {
		cfg.prefix = defaultTraceFilePrefix
	}
	if strings.TrimSpace(cfg.dir) == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("locating trace folder: %w", err)
		}
		cfg.dir = filepath.Join(configDir, ".adbc", "traces")
	}
	if err := os.MkdirAll(cfg.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating trace folder: %w", err)
	}
	return &rotatingFileWriter{rotatingFileConfig: cfg}, nil
}

func (w *rotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current != nil && w.size >= w.sizeMax {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	if w.current == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.current.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	err := w.current.Close()
	w.current = nil
	return err
}

// open continues the newest file while it has room, otherwise starts a new one.
func (w *rotatingFileWriter) open() error {
	files, err := w.files()
	if err == nil && len(files) > 0 {
		last := files[len(files)-1]
		if info, err := os.Stat(last); err == nil && info.Size() < w.sizeMax {
			if f, err := os.OpenFile(last, os.O_APPEND|os.O_WRONLY, 0o666); err == nil {
				w.current, w.size = f, info.Size()
				return nil
			}
		}
	}

	name := w.prefix + "-" + time.Now().UTC().Format(traceFileTimeLayout) + traceFileExt
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return err
	}
	w.current, w.size = f, 0
	return nil
}

func (w *rotatingFileWriter) rotate() error {
	err := w.current.Close()
	w.current = nil
	if err != nil {
		return err
	}
	return w.prune()
}

// prune removes the oldest files so that at most keep-1 remain before the
// next file is opened.
func (w *rotatingFileWriter) prune() error {
	files, err := w.files()
	if err != nil {
		return err
	}
	for len(files) >= w.keep {
		if err := os.Remove(files[0]); err != nil && !os.IsNotExist(err) {
			return err
		}
		files = files[1:]
	}
	return nil
}

// files lists this writer's trace files, oldest first. The timestamp layout
// sorts lexically, and filepath.Glob returns sorted names.
func (w *rotatingFileWriter) files() ([]string, error) {
	return filepath.Glob(filepath.Join(w.dir, w.prefix+"-*"+traceFileExt))
}
