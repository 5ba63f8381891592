// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package memengine

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/Query-farm/vgi-perspective/psprpc/server"
)

// Filter operators by column type.
var filterOps = map[psprpc.ColumnType][]string{
	psprpc.TypeString:   {"==", "!=", "in", "not in", "contains", "begins with", "ends with", "is null", "is not null"},
	psprpc.TypeInteger:  {"==", "!=", ">", ">=", "<", "<=", "is null", "is not null"},
	psprpc.TypeFloat:    {"==", "!=", ">", ">=", "<", "<=", "is null", "is not null"},
	psprpc.TypeDate:     {"==", "!=", ">", ">=", "<", "<=", "is null", "is not null"},
	psprpc.TypeDatetime: {"==", "!=", ">", ">=", "<", "<=", "is null", "is not null"},
	psprpc.TypeBoolean:  {"==", "!=", "is null", "is not null"},
}

// getter reads one output value from a table row.
type getter struct {
	name string
	typ  psprpc.ColumnType
	get  func(values []any) any
}

// plan is a view config compiled against a table schema.
type plan struct {
	columns []getter
	filters []func(values []any) bool
	anyOf   bool
	sorts   []func(a, b []any) int
}

// compilePlan resolves every column, filter and sort of cfg. Flat views
// only: group_by and split_by are rejected.
func compilePlan(t *table, cfg *psprpc.ViewConfig) (*plan, error) {
	if len(cfg.GroupBy) > 0 || len(cfg.SplitBy) > 0 {
		return nil, fmt.Errorf("group_by and split_by are not supported")
	}
	exprs := make(map[string]*compiled, len(cfg.Expressions))
	for name, src := range cfg.Expressions {
		if columnPos(t.schema, name) >= 0 {
			return nil, fmt.Errorf("expression %q shadows a table column", name)
		}
		c, err := compileExpr(src, t.schema)
		if err != nil {
			return nil, fmt.Errorf("expression %q: %w", name, err)
		}
		exprs[name] = c
	}
	resolve := func(name string) (getter, error) {
		if pos := columnPos(t.schema, name); pos >= 0 {
			return getter{name: name, typ: t.schema[pos].Type, get: func(values []any) any { return values[pos] }}, nil
		}
		if c, ok := exprs[name]; ok {
			return getter{name: name, typ: c.typ, get: c.eval}, nil
		}
		return getter{}, fmt.Errorf("unknown column %q", name)
	}

	p := &plan{anyOf: cfg.FilterOp == psprpc.FilterOr}
	for _, name := range cfg.ColumnNames() {
		g, err := resolve(name)
		if err != nil {
			return nil, err
		}
		p.columns = append(p.columns, g)
	}
	for _, f := range cfg.Filter {
		g, err := resolve(f.Column)
		if err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
		if !slices.Contains(filterOps[g.typ], f.Op) {
			return nil, fmt.Errorf("filter on %q: operator %q is not supported for %s", f.Column, f.Op, g.typ)
		}
		pred, err := compileFilter(g, f)
		if err != nil {
			return nil, err
		}
		p.filters = append(p.filters, pred)
	}
	for _, s := range cfg.Sort {
		if s.Dir == psprpc.SortNone || s.Dir.IsColumn() {
			continue
		}
		g, err := resolve(s.Column)
		if err != nil {
			return nil, fmt.Errorf("sort: %w", err)
		}
		p.sorts = append(p.sorts, sortFunc(g, s.Dir))
	}
	return p, nil
}

func (p *plan) keep(values []any) bool {
	if len(p.filters) == 0 {
		return true
	}
	for _, f := range p.filters {
		if f(values) == p.anyOf {
			return p.anyOf
		}
	}
	return !p.anyOf
}

// run filters and sorts rows.
func (p *plan) run(rows []*row) []*row {
	out := make([]*row, 0, len(rows))
	for _, r := range rows {
		if p.keep(r.values) {
			out = append(out, r)
		}
	}
	if len(p.sorts) > 0 {
		slices.SortStableFunc(out, func(a, b *row) int {
			for _, s := range p.sorts {
				if c := s(a.values, b.values); c != 0 {
					return c
				}
			}
			return 0
		})
	}
	return out
}

func (p *plan) schema() psprpc.Schema {
	schema := make(psprpc.Schema, len(p.columns))
	for i, g := range p.columns {
		schema[i] = psprpc.ColumnSchema{Name: g.name, Type: g.typ}
	}
	return schema
}

// slice renders the viewport of rows as a DataSlice.
func (p *plan) slice(t *table, rows []*row, viewport psprpc.Viewport) *server.DataSlice {
	r0, r1 := viewport.Rows(len(rows))
	c0, c1 := viewport.Cols(len(p.columns))
	d := &server.DataSlice{Columns: make([]server.ColumnData, 0, c1-c0)}
	for _, g := range p.columns[c0:c1] {
		values := make([]any, 0, r1-r0)
		for _, r := range rows[r0:r1] {
			values = append(values, g.get(r.values))
		}
		d.Columns = append(d.Columns, server.ColumnData{Name: g.name, Type: g.typ, Values: values})
	}
	if t.indexCol >= 0 {
		for _, r := range rows[r0:r1] {
			d.Index = append(d.Index, r.values[t.indexCol])
		}
	}
	return d
}

func sortFunc(g getter, dir psprpc.SortDir) func(a, b []any) int {
	desc := dir == psprpc.SortDesc || dir == psprpc.SortDescAbs
	abs := dir == psprpc.SortAscAbs || dir == psprpc.SortDescAbs
	return func(a, b []any) int {
		va, vb := g.get(a), g.get(b)
		if abs {
			va, vb = absValue(va), absValue(vb)
		}
		var c int
		switch {
		case va == nil && vb == nil:
			c = 0
		case va == nil:
			c = -1
		case vb == nil:
			c = 1
		default:
			c = server.CompareValues(va, vb)
		}
		if desc {
			return -c
		}
		return c
	}
}

func absValue(v any) any {
	switch x := v.(type) {
	case int64:
		if x < 0 {
			return -x
		}
	case float64:
		return math.Abs(x)
	}
	return v
}

// compileFilter builds the predicate for one filter clause. The term is
// converted to the column type once.
func compileFilter(g getter, f psprpc.Filter) (func(values []any) bool, error) {
	switch f.Op {
	case "is null":
		return func(values []any) bool { return g.get(values) == nil }, nil
	case "is not null":
		return func(values []any) bool { return g.get(values) != nil }, nil
	case "in", "not in":
		items := f.Term.Array
		if !f.Term.IsArray {
			items = []psprpc.Scalar{f.Term.Scalar}
		}
		set := make([]any, 0, len(items))
		for _, s := range items {
			v, err := termValue(g, s)
			if err != nil {
				return nil, err
			}
			set = append(set, v)
		}
		negate := f.Op == "not in"
		return func(values []any) bool {
			v := g.get(values)
			if v == nil {
				return false
			}
			found := slices.ContainsFunc(set, func(s any) bool { return s != nil && server.CompareValues(v, s) == 0 })
			return found != negate
		}, nil
	}

	if f.Term.IsArray {
		return nil, fmt.Errorf("filter on %q: operator %q takes a single value", f.Column, f.Op)
	}
	want, err := termValue(g, f.Term.Scalar)
	if err != nil {
		return nil, err
	}
	if want == nil {
		return func([]any) bool { return false }, nil
	}
	switch f.Op {
	case "contains", "begins with", "ends with":
		needle := fmt.Sprint(want)
		match := map[string]func(string, string) bool{
			"contains":    strings.Contains,
			"begins with": strings.HasPrefix,
			"ends with":   strings.HasSuffix,
		}[f.Op]
		return func(values []any) bool {
			s, ok := g.get(values).(string)
			return ok && match(s, needle)
		}, nil
	}
	test, ok := map[string]func(int) bool{
		"==": func(c int) bool { return c == 0 },
		"!=": func(c int) bool { return c != 0 },
		">":  func(c int) bool { return c > 0 },
		">=": func(c int) bool { return c >= 0 },
		"<":  func(c int) bool { return c < 0 },
		"<=": func(c int) bool { return c <= 0 },
	}[f.Op]
	if !ok {
		return nil, fmt.Errorf("filter on %q: unknown operator %q", f.Column, f.Op)
	}
	return func(values []any) bool {
		v := g.get(values)
		return v != nil && test(server.CompareValues(v, want))
	}, nil
}

// termValue converts a filter scalar to the column type.
func termValue(g getter, s psprpc.Scalar) (any, error) {
	if s.IsNull() {
		return nil, nil
	}
	raw := s.Value()
	if f, ok := raw.(float64); ok && (g.typ == psprpc.TypeDate || g.typ == psprpc.TypeDatetime) {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	if f, ok := raw.(float64); ok && isNumeric(g.typ) {
		return f, nil
	}
	if g.typ == psprpc.TypeString {
		if str, ok := raw.(string); ok {
			return str, nil
		}
		return fmt.Sprint(raw), nil
	}
	v, err := coerce(raw, g.typ)
	if err != nil {
		return nil, fmt.Errorf("filter on %q: %w", g.name, err)
	}
	return v, nil
}

func minMax(values []any) (lo, hi any) {
	for _, v := range values {
		if v == nil {
			continue
		}
		if lo == nil || server.CompareValues(v, lo) < 0 {
			lo = v
		}
		if hi == nil || server.CompareValues(v, hi) > 0 {
			hi = v
		}
	}
	return lo, hi
}
