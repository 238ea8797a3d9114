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

// Command adbc-clickhouse runs queries and catalog calls through the
// ClickHouse ADBC driver and prints the Arrow results as JSON lines.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"

	"github.com/if0ne/adbc-clickhouse/driver/clickhouse"
)

var (
	configPath string
	flagConfig fileConfig
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "adbc-clickhouse",
		Short:         "Query ClickHouse through the ADBC driver",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML config file")
	flags.StringVar(&flagConfig.URI, "uri", "", "ClickHouse DSN or host:port list")
	flags.StringVar(&flagConfig.Username, "username", "", "user name")
	flags.StringVar(&flagConfig.Password, "password", "", "password")
	flags.StringVar(&flagConfig.Database, "database", "", "current database")
	flags.StringVar(&flagConfig.Log.Level, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&flagConfig.Log.Format, "log-format", "", "log format (text, json)")

	rootCmd.AddCommand(
		queryCmd(),
		execCmd(),
		objectsCmd(),
		schemaCmd(),
		tableTypesCmd(),
		infoCmd(),
	)
	return rootCmd
}

// session holds an open connection and everything that must be closed
// with it.
type session struct {
	db   adbc.Database
	cnxn adbc.Connection
}

func (s *session) Close() error {
	err := s.cnxn.Close()
	if dbErr := s.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

func openSession(ctx context.Context) (*session, error) {
	fileCfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg := fileCfg.merge(flagConfig)

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}

	drv := clickhouse.NewDriver(memory.DefaultAllocator)
	db, err := drv.NewDatabase(cfg.driverOptions())
	if err != nil {
		return nil, err
	}
	if dbLogging, ok := db.(adbc.DatabaseLogging); ok {
		dbLogging.SetLogger(logger)
	}

	cnxn, err := db.Open(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &session{db: db, cnxn: cnxn}, nil
}

// withSession opens a connection, runs fn and closes the connection.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) (err error) {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); err == nil {
			err = closeErr
		}
	}()
	return fn(ctx, s)
}

// printReader writes every record of rdr as JSON lines and releases it.
func printReader(w io.Writer, rdr array.RecordReader) error {
	defer rdr.Release()
	for rdr.Next() {
		if err := array.RecordToJSON(rdr.Record(), w); err != nil {
			return err
		}
	}
	return rdr.Err()
}

func queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a query and print the rows as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				stmt, err := s.cnxn.NewStatement()
				if err != nil {
					return err
				}
				defer stmt.Close()

				if err := stmt.SetSqlQuery(args[0]); err != nil {
					return err
				}
				rdr, _, err := stmt.ExecuteQuery(ctx)
				if err != nil {
					return err
				}
				return printReader(cmd.OutOrStdout(), rdr)
			})
		},
	}
}

func execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <sql>",
		Short: "Run a statement and print the affected row count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				stmt, err := s.cnxn.NewStatement()
				if err != nil {
					return err
				}
				defer stmt.Close()

				if err := stmt.SetSqlQuery(args[0]); err != nil {
					return err
				}
				n, err := stmt.ExecuteUpdate(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d rows affected\n", n)
				return nil
			})
		},
	}
}

func objectsCmd() *cobra.Command {
	var (
		depth      string
		catalog    string
		dbSchema   string
		table      string
		column     string
		tableTypes []string
	)

	cmd := &cobra.Command{
		Use:   "objects",
		Short: "Print the catalog hierarchy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDepth(depth)
			if err != nil {
				return err
			}
			optional := func(name string) *string {
				if !cmd.Flags().Changed(name) {
					return nil
				}
				v, _ := cmd.Flags().GetString(name)
				return &v
			}
			return withSession(cmd, func(ctx context.Context, s *session) error {
				rdr, err := s.cnxn.GetObjects(ctx, d, optional("catalog"), optional("schema"), optional("table"), optional("column"), tableTypes)
				if err != nil {
					return err
				}
				return printReader(cmd.OutOrStdout(), rdr)
			})
		},
	}

	cmd.Flags().StringVar(&depth, "depth", "all", "catalogs, schemas, tables or all")
	cmd.Flags().StringVar(&catalog, "catalog", "", "catalog LIKE pattern")
	cmd.Flags().StringVar(&dbSchema, "schema", "", "db schema LIKE pattern")
	cmd.Flags().StringVar(&table, "table", "", "table LIKE pattern")
	cmd.Flags().StringVar(&column, "column", "", "column LIKE pattern")
	cmd.Flags().StringSliceVar(&tableTypes, "table-type", nil, "table types to include")
	return cmd
}

func schemaCmd() *cobra.Command {
	var database string

	cmd := &cobra.Command{
		Use:   "schema <table>",
		Short: "Print the Arrow schema of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				var dbSchema *string
				if database != "" {
					dbSchema = &database
				}
				sc, err := s.cnxn.GetTableSchema(ctx, nil, dbSchema, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), sc)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&database, "in", "", "database holding the table (default: current)")
	return cmd
}

func tableTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "table-types",
		Short: "Print the table types GetObjects reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				rdr, err := s.cnxn.GetTableTypes(ctx)
				if err != nil {
					return err
				}
				return printReader(cmd.OutOrStdout(), rdr)
			})
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print driver and server information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				rdr, err := s.cnxn.GetInfo(ctx, nil)
				if err != nil {
					return err
				}
				return printReader(cmd.OutOrStdout(), rdr)
			})
		},
	}
}
