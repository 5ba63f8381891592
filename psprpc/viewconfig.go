// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package psprpc

import (
	"fmt"
	"maps"
	"slices"
)

// SortDir is the direction of one sort clause. The "col" variants sort the
// split_by column axis instead of rows.
type SortDir string

const (
	SortNone       SortDir = "none"
	SortAsc        SortDir = "asc"
	SortDesc       SortDir = "desc"
	SortColAsc     SortDir = "col asc"
	SortColDesc    SortDir = "col desc"
	SortAscAbs     SortDir = "asc abs"
	SortDescAbs    SortDir = "desc abs"
	SortColAscAbs  SortDir = "col asc abs"
	SortColDescAbs SortDir = "col desc abs"
)

// Valid reports whether d is a known direction.
func (d SortDir) Valid() bool {
	switch d {
	case SortNone, SortAsc, SortDesc, SortColAsc, SortColDesc,
		SortAscAbs, SortDescAbs, SortColAscAbs, SortColDescAbs:
		return true
	}
	return false
}

// IsColumn reports whether d sorts the column axis.
func (d SortDir) IsColumn() bool {
	switch d {
	case SortColAsc, SortColDesc, SortColAscAbs, SortColDescAbs:
		return true
	}
	return false
}

// Sort is one (column, direction) clause.
type Sort struct {
	Column string  `msgpack:"column"`
	Dir    SortDir `msgpack:"dir"`
}

// ScalarKind tags the active member of a Scalar.
type ScalarKind string

const (
	ScalarNull   ScalarKind = "null"
	ScalarBool   ScalarKind = "bool"
	ScalarFloat  ScalarKind = "float"
	ScalarString ScalarKind = "string"
)

// Scalar is a filter comparison value.
type Scalar struct {
	Kind   ScalarKind `msgpack:"kind"`
	Bool   bool       `msgpack:"bool,omitempty"`
	Float  float64    `msgpack:"float,omitempty"`
	String string     `msgpack:"string,omitempty"`
}

func NullScalar() Scalar           { return Scalar{Kind: ScalarNull} }
func BoolScalar(v bool) Scalar     { return Scalar{Kind: ScalarBool, Bool: v} }
func FloatScalar(v float64) Scalar { return Scalar{Kind: ScalarFloat, Float: v} }
func StringScalar(v string) Scalar { return Scalar{Kind: ScalarString, String: v} }

// IsNull reports whether s holds no value. The zero Scalar is null.
func (s Scalar) IsNull() bool {
	return s.Kind == ScalarNull || s.Kind == ""
}

// Value returns s as a plain Go value (nil, bool, float64 or string).
func (s Scalar) Value() any {
	switch s.Kind {
	case ScalarBool:
		return s.Bool
	case ScalarFloat:
		return s.Float
	case ScalarString:
		return s.String
	}
	return nil
}

// Equal compares the active members only.
func (s Scalar) Equal(o Scalar) bool {
	if s.IsNull() || o.IsNull() {
		return s.IsNull() && o.IsNull()
	}
	return s.Kind == o.Kind && s.Value() == o.Value()
}

// FilterTerm is either a single Scalar or an array of them (for "in"-style
// operators).
type FilterTerm struct {
	IsArray bool     `msgpack:"is_array,omitempty"`
	Scalar  Scalar   `msgpack:"scalar"`
	Array   []Scalar `msgpack:"array,omitempty"`
}

func ScalarTerm(s Scalar) FilterTerm       { return FilterTerm{Scalar: s} }
func ArrayTerm(items ...Scalar) FilterTerm { return FilterTerm{IsArray: true, Array: items} }

// Equal compares two terms by value.
func (t FilterTerm) Equal(o FilterTerm) bool {
	if t.IsArray != o.IsArray {
		return false
	}
	if !t.IsArray {
		return t.Scalar.Equal(o.Scalar)
	}
	return slices.EqualFunc(t.Array, o.Array, Scalar.Equal)
}

// Filter is one (column, operator, term) clause.
type Filter struct {
	Column string     `msgpack:"column"`
	Op     string     `msgpack:"op"`
	Term   FilterTerm `msgpack:"term"`
}

// Equal reports whether two filters select the same rows.
func (f Filter) Equal(o Filter) bool {
	return f.Column == o.Column && f.Op == o.Op && f.Term.Equal(o.Term)
}

// FilterReducer combines multiple filter clauses.
type FilterReducer string

const (
	FilterAnd FilterReducer = "and"
	FilterOr  FilterReducer = "or"
)

func (r FilterReducer) orDefault() FilterReducer {
	if r == "" {
		return FilterAnd
	}
	return r
}

// Aggregate names an aggregate function and its optional arguments, e.g.
// {"weighted mean", ["weight"]}.
type Aggregate struct {
	Name string   `msgpack:"name"`
	Args []string `msgpack:"args,omitempty"`
}

// Equal compares name and arguments.
func (a Aggregate) Equal(o Aggregate) bool {
	return a.Name == o.Name && slices.Equal(a.Args, o.Args)
}

// ViewConfig is the full query configuration of a View.
type ViewConfig struct {
	GroupBy      []string             `msgpack:"group_by" json:"group_by"`
	SplitBy      []string             `msgpack:"split_by" json:"split_by"`
	Sort         []Sort               `msgpack:"sort" json:"sort"`
	Filter       []Filter             `msgpack:"filter" json:"filter"`
	FilterOp     FilterReducer        `msgpack:"filter_op" json:"filter_op"`
	Expressions  map[string]string    `msgpack:"expressions" json:"expressions"`
	Columns      []*string            `msgpack:"columns" json:"columns"`
	Aggregates   map[string]Aggregate `msgpack:"aggregates" json:"aggregates"`
	GroupByDepth *uint32              `msgpack:"group_by_depth" json:"group_by_depth,omitempty"`
}

// ViewConfigUpdate is the partial form of ViewConfig. A nil field leaves the
// config untouched; a non-nil field replaces the whole field.
type ViewConfigUpdate struct {
	GroupBy      *[]string             `json:"group_by,omitempty"`
	SplitBy      *[]string             `json:"split_by,omitempty"`
	Sort         *[]Sort               `json:"sort,omitempty"`
	Filter       *[]Filter             `json:"filter,omitempty"`
	FilterOp     *FilterReducer        `json:"filter_op,omitempty"`
	Expressions  *map[string]string    `json:"expressions,omitempty"`
	Columns      *[]*string            `json:"columns,omitempty"`
	Aggregates   *map[string]Aggregate `json:"aggregates,omitempty"`
	GroupByDepth *uint32               `json:"group_by_depth,omitempty"`
}

// NewViewConfig returns the default configuration: no pivots, no sort, no
// filters, AND reducer.
func NewViewConfig() ViewConfig {
	return ViewConfig{FilterOp: FilterAnd}
}

// ColumnNames returns the visible columns with placeholders removed.
func (c *ViewConfig) ColumnNames() []string {
	names := make([]string, 0, len(c.Columns))
	for _, col := range c.Columns {
		if col != nil {
			names = append(names, *col)
		}
	}
	return names
}

// ApplyUpdate overwrites every field set in u and reports whether any field
// was set. A set field counts as changed even when its value is equal to the
// current one.
func (c *ViewConfig) ApplyUpdate(u ViewConfigUpdate) bool {
	changed := false
	if u.GroupBy != nil {
		c.GroupBy = slices.Clone(*u.GroupBy)
		changed = true
	}
	if u.SplitBy != nil {
		c.SplitBy = slices.Clone(*u.SplitBy)
		changed = true
	}
	if u.Sort != nil {
		c.Sort = slices.Clone(*u.Sort)
		changed = true
	}
	if u.Filter != nil {
		c.Filter = cloneFilters(*u.Filter)
		changed = true
	}
	if u.FilterOp != nil {
		c.FilterOp = *u.FilterOp
		changed = true
	}
	if u.Expressions != nil {
		c.Expressions = maps.Clone(*u.Expressions)
		changed = true
	}
	if u.Columns != nil {
		c.Columns = cloneColumns(*u.Columns)
		changed = true
	}
	if u.Aggregates != nil {
		c.Aggregates = cloneAggregates(*u.Aggregates)
		changed = true
	}
	if u.GroupByDepth != nil {
		d := *u.GroupByDepth
		c.GroupByDepth = &d
		changed = true
	}
	return changed
}

// Reset restores the defaults. Expressions survive unless resetExpressions.
func (c *ViewConfig) Reset(resetExpressions bool) {
	expressions := c.Expressions
	*c = NewViewConfig()
	if !resetExpressions {
		c.Expressions = expressions
	}
}

// IsColumnExpressionInUse reports whether name is referenced by a pivot,
// sort, filter or visible column. Deleting an expression that is in use
// changes the view.
func (c *ViewConfig) IsColumnExpressionInUse(name string) bool {
	if slices.Contains(c.GroupBy, name) || slices.Contains(c.SplitBy, name) {
		return true
	}
	for _, s := range c.Sort {
		if s.Column == name {
			return true
		}
	}
	for _, f := range c.Filter {
		if f.Column == name {
			return true
		}
	}
	for _, col := range c.Columns {
		if col != nil && *col == name {
			return true
		}
	}
	return false
}

// IsEquivalent reports whether c and o describe the same query. Column
// placeholders are ignored and nil collections equal empty ones.
func (c *ViewConfig) IsEquivalent(o *ViewConfig) bool {
	return slices.Equal(c.GroupBy, o.GroupBy) &&
		slices.Equal(c.SplitBy, o.SplitBy) &&
		slices.Equal(c.Sort, o.Sort) &&
		slices.EqualFunc(c.Filter, o.Filter, Filter.Equal) &&
		c.FilterOp.orDefault() == o.FilterOp.orDefault() &&
		maps.Equal(c.Expressions, o.Expressions) &&
		slices.Equal(c.ColumnNames(), o.ColumnNames()) &&
		maps.EqualFunc(c.Aggregates, o.Aggregates, Aggregate.Equal) &&
		equalDepth(c.GroupByDepth, o.GroupByDepth)
}

// Diff returns the update that turns c into a config equivalent to o. Only
// fields that differ semantically are set. An update cannot unset a depth,
// so when c has a GroupByDepth and o has none the depth is left out and
// applying the diff keeps c's depth.
func (c *ViewConfig) Diff(o *ViewConfig) ViewConfigUpdate {
	var u ViewConfigUpdate
	full := o.ToUpdate()
	if !slices.Equal(c.GroupBy, o.GroupBy) {
		u.GroupBy = full.GroupBy
	}
	if !slices.Equal(c.SplitBy, o.SplitBy) {
		u.SplitBy = full.SplitBy
	}
	if !slices.Equal(c.Sort, o.Sort) {
		u.Sort = full.Sort
	}
	if !slices.EqualFunc(c.Filter, o.Filter, Filter.Equal) {
		u.Filter = full.Filter
	}
	if c.FilterOp.orDefault() != o.FilterOp.orDefault() {
		u.FilterOp = full.FilterOp
	}
	if !maps.Equal(c.Expressions, o.Expressions) {
		u.Expressions = full.Expressions
	}
	if !slices.Equal(c.ColumnNames(), o.ColumnNames()) {
		u.Columns = full.Columns
	}
	if !maps.EqualFunc(c.Aggregates, o.Aggregates, Aggregate.Equal) {
		u.Aggregates = full.Aggregates
	}
	if !equalDepth(c.GroupByDepth, o.GroupByDepth) && o.GroupByDepth != nil {
		u.GroupByDepth = full.GroupByDepth
	}
	return u
}

// ToUpdate returns an update that sets every field to c's values.
func (c *ViewConfig) ToUpdate() ViewConfigUpdate {
	clone := c.Clone()
	groupBy := orEmpty(clone.GroupBy)
	splitBy := orEmpty(clone.SplitBy)
	sorts := orEmpty(clone.Sort)
	filters := orEmpty(clone.Filter)
	filterOp := clone.FilterOp.orDefault()
	expressions := clone.Expressions
	if expressions == nil {
		expressions = map[string]string{}
	}
	columns := orEmpty(clone.Columns)
	aggregates := clone.Aggregates
	if aggregates == nil {
		aggregates = map[string]Aggregate{}
	}
	return ViewConfigUpdate{
		GroupBy:      &groupBy,
		SplitBy:      &splitBy,
		Sort:         &sorts,
		Filter:       &filters,
		FilterOp:     &filterOp,
		Expressions:  &expressions,
		Columns:      &columns,
		Aggregates:   &aggregates,
		GroupByDepth: clone.GroupByDepth,
	}
}

// Clone returns a deep copy.
func (c *ViewConfig) Clone() ViewConfig {
	out := ViewConfig{
		GroupBy:     slices.Clone(c.GroupBy),
		SplitBy:     slices.Clone(c.SplitBy),
		Sort:        slices.Clone(c.Sort),
		Filter:      cloneFilters(c.Filter),
		FilterOp:    c.FilterOp,
		Expressions: maps.Clone(c.Expressions),
		Columns:     cloneColumns(c.Columns),
		Aggregates:  cloneAggregates(c.Aggregates),
	}
	if c.GroupByDepth != nil {
		d := *c.GroupByDepth
		out.GroupByDepth = &d
	}
	return out
}

// Validate checks sort directions and the filter reducer.
func (c *ViewConfig) Validate() error {
	for _, s := range c.Sort {
		if !s.Dir.Valid() {
			return fmt.Errorf("sort on %q: unknown direction %q", s.Column, s.Dir)
		}
	}
	switch c.FilterOp {
	case "", FilterAnd, FilterOr:
	default:
		return fmt.Errorf("unknown filter reducer %q", c.FilterOp)
	}
	return nil
}

// IsEmpty reports whether u sets no field.
func (u *ViewConfigUpdate) IsEmpty() bool {
	return u.GroupBy == nil && u.SplitBy == nil && u.Sort == nil &&
		u.Filter == nil && u.FilterOp == nil && u.Expressions == nil &&
		u.Columns == nil && u.Aggregates == nil && u.GroupByDepth == nil
}

func equalDepth(a, b *uint32) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func cloneFilters(in []Filter) []Filter {
	if in == nil {
		return nil
	}
	out := make([]Filter, len(in))
	for i, f := range in {
		f.Term.Array = slices.Clone(f.Term.Array)
		out[i] = f
	}
	return out
}

func cloneColumns(in []*string) []*string {
	if in == nil {
		return nil
	}
	out := make([]*string, len(in))
	for i, col := range in {
		if col != nil {
			name := *col
			out[i] = &name
		}
	}
	return out
}

func cloneAggregates(in map[string]Aggregate) map[string]Aggregate {
	if in == nil {
		return nil
	}
	out := make(map[string]Aggregate, len(in))
	for k, a := range in {
		a.Args = slices.Clone(a.Args)
		out[k] = a
	}
	return out
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Columns builds a Columns value from names. An empty name is a placeholder.
func Columns(names ...string) []*string {
	out := make([]*string, len(names))
	for i, n := range names {
		if n != "" {
			out[i] = Ptr(n)
		}
	}
	return out
}
