// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Command psp-server serves the in-memory engine over stdio, HTTP and
// WebSocket.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Set at build time.
var (
	version = "dev"
	commit  = "none"
)

type globalFlags struct {
	logLevel  string
	logFormat string
	otel      bool
	tables    []string
	index     []string
	demoRows  int
	state     string
}

func main() {
	var g globalFlags
	rootCmd := &cobra.Command{
		Use:   "psp-server",
		Short: "Serve analytical tables and views over the psprpc protocol",
		Long: `psp-server hosts tables in memory and answers psprpc requests.

Tables can be preloaded from CSV or JSON files:

  psp-server http --table sales=./sales.csv --index sales=id
  psp-server stdio --table prices=./prices.json
  psp-server http --demo-rows 100000`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(g.logLevel, g.logFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&g.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.StringVar(&g.logFormat, "log-format", "text", "Log format: text or json")
	flags.BoolVar(&g.otel, "otel", false, "Export traces and metrics to stderr")
	flags.StringArrayVar(&g.tables, "table", nil, "Preload a table, name=path (.csv, .json or .arrow)")
	flags.StringArrayVar(&g.index, "index", nil, "Index column of a preloaded table, name=column")
	flags.StringVar(&g.state, "state", "", "bbolt file the tables are restored from at start and saved to at exit")
	flags.IntVar(&g.demoRows, "demo-rows", 0, "Preload a synthetic \"ticks\" table with this many rows")

	rootCmd.AddCommand(
		stdioCmd(&g),
		httpCmd(&g),
		unixCmd(&g),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// newLogger writes to stderr; stdout may carry protocol frames.
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("--log-format: unknown format %q", format)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "psp-server %s (%s)\n", version, commit)
		},
	}
}
