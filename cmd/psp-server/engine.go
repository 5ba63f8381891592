// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Query-farm/vgi-perspective/benchmark"
	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/Query-farm/vgi-perspective/psprpc/memengine"
)

const demoTable = "ticks"

// buildEngine creates the shared engine and loads the --table files.
func buildEngine(ctx context.Context, g *globalFlags) (*memengine.Engine, error) {
	eng := memengine.New(memengine.WithLogger(slog.Default().With("component", "engine")))
	indexes, err := pairs(g.index, "--index")
	if err != nil {
		return nil, err
	}
	tables, err := pairs(g.tables, "--table")
	if err != nil {
		return nil, err
	}
	for name, path := range tables {
		data, err := readTableFile(path)
		if err != nil {
			return nil, err
		}
		var opts psprpc.MakeTableOptions
		if col, ok := indexes[name]; ok {
			opts.Index = &col
		}
		if err := eng.MakeTable(ctx, name, data, opts); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		slog.Info("table loaded", "table", name, "path", path)
	}
	if g.demoRows > 0 {
		if _, taken := tables[demoTable]; taken {
			return nil, fmt.Errorf("--demo-rows: table %q is already loaded", demoTable)
		}
		data, err := benchmark.TicksArrow(0, g.demoRows)
		if err != nil {
			return nil, err
		}
		index := "id"
		if err := eng.MakeTable(ctx, demoTable, data, psprpc.MakeTableOptions{Index: &index}); err != nil {
			return nil, err
		}
		slog.Info("demo table loaded", "table", demoTable, "rows", g.demoRows)
	}
	for name := range indexes {
		if _, ok := tables[name]; !ok {
			return nil, fmt.Errorf("--index %s: no such --table", name)
		}
	}
	return eng, nil
}

func pairs(values []string, flag string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, v := range values {
		k, val, ok := strings.Cut(v, "=")
		if !ok || k == "" || val == "" {
			return nil, fmt.Errorf("%s %q: want name=value", flag, v)
		}
		if _, dup := out[k]; dup {
			return nil, fmt.Errorf("%s %q: duplicate name", flag, k)
		}
		out[k] = val
	}
	return out, nil
}

func readTableFile(path string) (psprpc.UpdateData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return psprpc.UpdateData{}, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		return psprpc.FromCSV(string(raw)), nil
	case ".arrow", ".arrows":
		return psprpc.FromArrow(raw), nil
	case ".json":
		text := strings.TrimSpace(string(raw))
		if strings.HasPrefix(text, "[") {
			return psprpc.FromRows(text), nil
		}
		return psprpc.FromColumns(text), nil
	default:
		return psprpc.UpdateData{}, fmt.Errorf("%s: unsupported file type %q", path, ext)
	}
}
