// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package memengine is an in-memory engine for the psprpc server. Tables
// hold rows in memory; views are flat queries over one table with filters,
// sorts, column selection and arithmetic expressions. Group-by and split-by
// pivots are not supported and are reported as such by GetFeatures.
//
// One Engine may back many VirtualServers; it is safe for concurrent use.
package memengine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/Query-farm/vgi-perspective/psprpc/server"
)

type view struct {
	table string
	cfg   psprpc.ViewConfig
}

// Engine implements server.Handler and its optional capability interfaces.
type Engine struct {
	logger *slog.Logger

	mu     sync.RWMutex
	tables map[string]*table
	views  map[string]*view
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger: slog.Default(),
		tables: make(map[string]*table),
		views:  make(map[string]*view),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var (
	_ server.Handler             = (*Engine)(nil)
	_ server.FeatureProvider     = (*Engine)(nil)
	_ server.PortMaker           = (*Engine)(nil)
	_ server.ExpressionValidator = (*Engine)(nil)
	_ server.TableMaker          = (*Engine)(nil)
	_ server.TableMutator        = (*Engine)(nil)
	_ server.TableDeleter        = (*Engine)(nil)
	_ server.MinMaxer            = (*Engine)(nil)
	_ server.DeltaProvider       = (*Engine)(nil)
)

func (e *Engine) GetFeatures(context.Context) (psprpc.Features, error) {
	return psprpc.Features{
		Sort:        true,
		Expressions: true,
		OnUpdate:    true,
		FilterOps:   maps.Clone(filterOps),
	}, nil
}

func (e *Engine) GetHostedTables(context.Context) ([]psprpc.HostedTable, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]psprpc.HostedTable, 0, len(e.tables))
	for _, t := range e.tables {
		out = append(out, t.hosted())
	}
	slices.SortFunc(out, func(a, b psprpc.HostedTable) int { return cmp.Compare(a.EntityID, b.EntityID) })
	return out, nil
}

// MakeTable creates a table. The schema comes from the data: declared for
// schema and Arrow input, inferred for CSV and JSON.
func (e *Engine) MakeTable(_ context.Context, tableID string, data psprpc.UpdateData, opts psprpc.MakeTableOptions) error {
	b, err := parseData(data)
	if err != nil {
		return fmt.Errorf("table %q: %w", tableID, err)
	}
	t, err := newTable(tableID, inferSchema(b), opts)
	if err != nil {
		return fmt.Errorf("table %q: %w", tableID, err)
	}
	rows, err := t.project(b)
	if err != nil {
		return err
	}
	if err := t.upsert(rows); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tables[tableID]; exists {
		return fmt.Errorf("table %q already exists", tableID)
	}
	e.tables[tableID] = t
	e.logger.Debug("table created", "table", tableID, "rows", len(t.rows), "columns", len(t.schema))
	return nil
}

func (e *Engine) table(tableID string) (*table, error) {
	t, ok := e.tables[tableID]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", tableID)
	}
	return t, nil
}

func (e *Engine) TableSchema(_ context.Context, tableID string) (psprpc.Schema, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, err := e.table(tableID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(t.schema), nil
}

func (e *Engine) TableSize(_ context.Context, tableID string) (uint32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, err := e.table(tableID)
	if err != nil {
		return 0, err
	}
	return uint32(len(t.rows)), nil
}

// TableMakePort returns a fresh port id for the table. Ports start at 1;
// port 0 is the implicit default.
func (e *Engine) TableMakePort(_ context.Context, tableID string) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.table(tableID)
	if err != nil {
		return 0, err
	}
	t.nextPort++
	return t.nextPort, nil
}

func (e *Engine) TableValidateExpression(_ context.Context, tableID, expr string) (psprpc.ColumnType, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, err := e.table(tableID)
	if err != nil {
		return "", err
	}
	c, err := compileExpr(expr, t.schema)
	if err != nil {
		return "", err
	}
	return c.typ, nil
}

func (e *Engine) mutate(tableID string, data psprpc.UpdateData, apply func(*table, [][]any) error) error {
	b, err := parseData(data)
	if err != nil {
		return fmt.Errorf("table %q: %w", tableID, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.table(tableID)
	if err != nil {
		return err
	}
	rows, err := t.project(b)
	if err != nil {
		return err
	}
	return apply(t, rows)
}

func (e *Engine) TableUpdate(_ context.Context, tableID string, data psprpc.UpdateData, _ uint32) error {
	return e.mutate(tableID, data, (*table).upsert)
}

func (e *Engine) TableReplace(_ context.Context, tableID string, data psprpc.UpdateData) error {
	return e.mutate(tableID, data, (*table).replace)
}

func (e *Engine) TableRemove(_ context.Context, tableID string, data psprpc.UpdateData) error {
	return e.mutate(tableID, data, (*table).remove)
}

// TableDelete drops a table. It fails while any view, from any session,
// still reads it.
func (e *Engine) TableDelete(_ context.Context, tableID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.table(tableID); err != nil {
		return err
	}
	n := 0
	for _, v := range e.views {
		if v.table == tableID {
			n++
		}
	}
	if n > 0 {
		return fmt.Errorf("table %q is still read by %d view(s)", tableID, n)
	}
	delete(e.tables, tableID)
	return nil
}

// TableMakeView creates a flat view. An unset or empty column list is
// filled with the table columns followed by the view's expressions, and
// the filled list is written back to cfg.
func (e *Engine) TableMakeView(_ context.Context, tableID, viewID string, cfg *psprpc.ViewConfigUpdate) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.table(tableID)
	if err != nil {
		return "", err
	}
	if _, exists := e.views[viewID]; exists {
		return "", fmt.Errorf("view %q already exists", viewID)
	}
	resolved := psprpc.NewViewConfig()
	resolved.ApplyUpdate(*cfg)
	if len(resolved.ColumnNames()) == 0 {
		columns := make([]*string, 0, len(t.schema)+len(resolved.Expressions))
		for _, c := range t.schema {
			columns = append(columns, &c.Name)
		}
		for _, name := range slices.Sorted(maps.Keys(resolved.Expressions)) {
			columns = append(columns, &name)
		}
		resolved.Columns = columns
		cfg.Columns = &columns
	}
	if _, err := compilePlan(t, &resolved); err != nil {
		return "", fmt.Errorf("view %q: %w", viewID, err)
	}
	e.views[viewID] = &view{table: tableID, cfg: resolved}
	return viewID, nil
}

// lookup returns the view's table and a plan for cfg, or for the view's own
// config when cfg is nil.
func (e *Engine) lookup(viewID string, cfg *psprpc.ViewConfig) (*table, *plan, error) {
	v, ok := e.views[viewID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown view %q", viewID)
	}
	t, err := e.table(v.table)
	if err != nil {
		return nil, nil, err
	}
	if cfg == nil {
		cfg = &v.cfg
	}
	p, err := compilePlan(t, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("view %q: %w", viewID, err)
	}
	return t, p, nil
}

func (e *Engine) TableColumnsSize(_ context.Context, viewID string, cfg *psprpc.ViewConfig) (uint32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, p, err := e.lookup(viewID, cfg)
	if err != nil {
		return 0, err
	}
	return uint32(len(p.columns)), nil
}

func (e *Engine) ViewSize(_ context.Context, viewID string) (uint32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, p, err := e.lookup(viewID, nil)
	if err != nil {
		return 0, err
	}
	return uint32(len(p.run(t.rows))), nil
}

func (e *Engine) ViewDelete(_ context.Context, viewID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.views[viewID]; !ok {
		return fmt.Errorf("unknown view %q", viewID)
	}
	delete(e.views, viewID)
	return nil
}

func (e *Engine) ViewSchema(_ context.Context, viewID string, cfg *psprpc.ViewConfig) (psprpc.Schema, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, p, err := e.lookup(viewID, cfg)
	if err != nil {
		return nil, err
	}
	return p.schema(), nil
}

func (e *Engine) ViewGetData(_ context.Context, viewID string, cfg *psprpc.ViewConfig, viewport psprpc.Viewport) (*server.DataSlice, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, p, err := e.lookup(viewID, cfg)
	if err != nil {
		return nil, err
	}
	return p.slice(t, p.run(t.rows), viewport), nil
}

// ViewDelta returns the view rows written by the table's latest mutation,
// in view order.
func (e *Engine) ViewDelta(_ context.Context, viewID string, cfg *psprpc.ViewConfig) (*server.DataSlice, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, p, err := e.lookup(viewID, cfg)
	if err != nil {
		return nil, err
	}
	touched := make([]*row, 0, len(t.touched))
	for _, r := range t.rows {
		if _, ok := t.touched[r]; ok {
			touched = append(touched, r)
		}
	}
	return p.slice(t, p.run(touched), psprpc.Viewport{}), nil
}

func (e *Engine) ViewGetMinMax(_ context.Context, viewID string, cfg *psprpc.ViewConfig, column string) (any, any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, p, err := e.lookup(viewID, cfg)
	if err != nil {
		return nil, nil, err
	}
	i := slices.IndexFunc(p.columns, func(g getter) bool { return g.name == column })
	if i < 0 {
		return nil, nil, fmt.Errorf("view %q has no column %q", viewID, column)
	}
	rows := p.run(t.rows)
	values := make([]any, len(rows))
	for j, r := range rows {
		values[j] = p.columns[i].get(r.values)
	}
	lo, hi := minMax(values)
	return lo, hi, nil
}
