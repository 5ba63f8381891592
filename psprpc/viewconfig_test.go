// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package psprpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func sampleConfig() ViewConfig {
	return ViewConfig{
		GroupBy:     []string{"region"},
		SplitBy:     []string{"year"},
		Sort:        []Sort{{Column: "sales", Dir: SortDesc}},
		Filter:      []Filter{{Column: "sales", Op: ">", Term: ScalarTerm(FloatScalar(10))}},
		FilterOp:    FilterAnd,
		Expressions: map[string]string{"double": `"sales" * 2`},
		Columns:     Columns("sales", "double"),
		Aggregates:  map[string]Aggregate{"sales": {Name: "sum"}},
	}
}

func TestApplyUpdateAllNilIsNoop(t *testing.T) {
	cfg := sampleConfig()
	before, err := msgpack.Marshal(&cfg)
	require.NoError(t, err)

	changed := cfg.ApplyUpdate(ViewConfigUpdate{})
	assert.False(t, changed)

	after, err := msgpack.Marshal(&cfg)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApplyUpdateReplacesWholesale(t *testing.T) {
	cfg := sampleConfig()
	changed := cfg.ApplyUpdate(ViewConfigUpdate{
		GroupBy: Ptr([]string{"country", "city"}),
		Filter:  Ptr([]Filter{}),
	})
	assert.True(t, changed)
	assert.Equal(t, []string{"country", "city"}, cfg.GroupBy)
	assert.Empty(t, cfg.Filter)
	assert.Equal(t, []string{"year"}, cfg.SplitBy, "unset fields are untouched")
}

func TestApplyUpdateEqualValueStillChanged(t *testing.T) {
	cfg := sampleConfig()
	assert.True(t, cfg.ApplyUpdate(ViewConfigUpdate{GroupBy: Ptr([]string{"region"})}))
}

func TestApplyUpdateDoesNotAlias(t *testing.T) {
	groupBy := []string{"a"}
	var cfg ViewConfig
	cfg.ApplyUpdate(ViewConfigUpdate{GroupBy: &groupBy})
	groupBy[0] = "mutated"
	assert.Equal(t, []string{"a"}, cfg.GroupBy)
}

func TestReset(t *testing.T) {
	t.Run("keeps expressions", func(t *testing.T) {
		cfg := sampleConfig()
		cfg.Reset(false)
		assert.Empty(t, cfg.GroupBy)
		assert.Empty(t, cfg.Columns)
		assert.Equal(t, FilterAnd, cfg.FilterOp)
		assert.Equal(t, map[string]string{"double": `"sales" * 2`}, cfg.Expressions)
	})
	t.Run("drops expressions", func(t *testing.T) {
		cfg := sampleConfig()
		cfg.Reset(true)
		assert.Empty(t, cfg.Expressions)
		def := NewViewConfig()
		assert.True(t, cfg.IsEquivalent(&def))
	})
}

func TestIsColumnExpressionInUse(t *testing.T) {
	cfg := sampleConfig()
	tests := []struct {
		name string
		want bool
	}{
		{"region", true}, // group_by
		{"year", true},   // split_by
		{"sales", true},  // sort, filter, columns
		{"double", true}, // columns
		{"unused", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.IsColumnExpressionInUse(tt.name), tt.name)
	}

	onlyFilter := ViewConfig{Filter: []Filter{{Column: "f", Op: "==", Term: ScalarTerm(NullScalar())}}}
	assert.True(t, onlyFilter.IsColumnExpressionInUse("f"))

	placeholder := ViewConfig{Columns: []*string{nil}}
	assert.False(t, placeholder.IsColumnExpressionInUse(""))
}

func TestIsEquivalentIgnoresPlaceholders(t *testing.T) {
	a := ViewConfig{Columns: []*string{Ptr("a"), nil, Ptr("b")}}
	b := ViewConfig{Columns: []*string{Ptr("a"), Ptr("b")}}
	c := ViewConfig{Columns: []*string{nil, nil, Ptr("a"), Ptr("b"), nil}}
	assert.True(t, a.IsEquivalent(&b))
	assert.True(t, b.IsEquivalent(&c))

	d := ViewConfig{Columns: []*string{Ptr("a"), nil, Ptr("c")}}
	assert.False(t, a.IsEquivalent(&d))

	reordered := ViewConfig{Columns: []*string{Ptr("b"), Ptr("a")}}
	assert.False(t, b.IsEquivalent(&reordered))
}

func TestIsEquivalentFieldByField(t *testing.T) {
	base := sampleConfig()
	mutations := map[string]func(*ViewConfig){
		"group_by":    func(c *ViewConfig) { c.GroupBy = append(c.GroupBy, "x") },
		"split_by":    func(c *ViewConfig) { c.SplitBy = nil },
		"sort":        func(c *ViewConfig) { c.Sort[0].Dir = SortAsc },
		"filter term": func(c *ViewConfig) { c.Filter[0].Term = ScalarTerm(FloatScalar(11)) },
		"filter op":   func(c *ViewConfig) { c.FilterOp = FilterOr },
		"expressions": func(c *ViewConfig) { c.Expressions["triple"] = `"sales" * 3` },
		"aggregates":  func(c *ViewConfig) { c.Aggregates["sales"] = Aggregate{Name: "avg"} },
		"depth":       func(c *ViewConfig) { c.GroupByDepth = Ptr[uint32](0) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			other := base.Clone()
			require.True(t, base.IsEquivalent(&other))
			mutate(&other)
			assert.False(t, base.IsEquivalent(&other))
		})
	}
}

func TestIsEquivalentNilEqualsEmpty(t *testing.T) {
	a := ViewConfig{}
	b := ViewConfig{
		GroupBy:     []string{},
		Expressions: map[string]string{},
		Columns:     []*string{nil},
		FilterOp:    FilterAnd,
	}
	assert.True(t, a.IsEquivalent(&b))
}

func TestDiffThenApplyIsEquivalent(t *testing.T) {
	from := sampleConfig()
	to := sampleConfig()
	to.GroupBy = []string{"country"}
	to.Filter = nil
	to.Columns = Columns("", "sales")
	to.GroupByDepth = Ptr[uint32](2)

	diff := from.Diff(&to)
	assert.NotNil(t, diff.GroupBy)
	assert.NotNil(t, diff.Filter)
	assert.NotNil(t, diff.Columns)
	assert.Nil(t, diff.SplitBy)
	assert.Nil(t, diff.Expressions)

	from.ApplyUpdate(diff)
	assert.True(t, from.IsEquivalent(&to))

	same := sampleConfig()
	noop := same.Diff(&same)
	assert.True(t, noop.IsEmpty())
}

func TestDiffCannotClearDepth(t *testing.T) {
	from := sampleConfig()
	from.GroupByDepth = Ptr[uint32](1)
	to := sampleConfig()
	to.GroupByDepth = nil

	diff := from.Diff(&to)
	assert.True(t, diff.IsEmpty())
	from.ApplyUpdate(diff)
	assert.Equal(t, Ptr[uint32](1), from.GroupByDepth)
	assert.False(t, from.IsEquivalent(&to))
}

func TestToUpdateRebuildsConfig(t *testing.T) {
	src := sampleConfig()
	var dst ViewConfig
	assert.True(t, dst.ApplyUpdate(src.ToUpdate()))
	assert.True(t, dst.IsEquivalent(&src))
}

func TestValidate(t *testing.T) {
	cfg := sampleConfig()
	require.NoError(t, cfg.Validate())

	cfg.Sort = []Sort{{Column: "a", Dir: "sideways"}}
	assert.Error(t, cfg.Validate())

	cfg = sampleConfig()
	cfg.FilterOp = "xor"
	assert.Error(t, cfg.Validate())
}

func TestViewConfigUpdateJSON(t *testing.T) {
	u, err := ParseViewConfigUpdate([]byte(`{
		"group_by": ["x"],
		"split_by": [],
		"sort": [["y", "desc"], ["z", "col asc"]],
		"filter": [["x", ">", 3], ["s", "in", ["a", "b"]], ["n", "is null"]],
		"aggregates": {"x": "sum", "y": ["weighted mean", ["w"]]},
		"columns": ["x", null, "y"]
	}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"x"}, *u.GroupBy)
	require.NotNil(t, u.SplitBy)
	assert.Empty(t, *u.SplitBy)
	assert.Nil(t, u.Expressions)
	assert.Equal(t, []Sort{{"y", SortDesc}, {"z", SortColAsc}}, *u.Sort)

	filters := *u.Filter
	require.Len(t, filters, 3)
	assert.True(t, filters[0].Term.Equal(ScalarTerm(FloatScalar(3))))
	assert.True(t, filters[1].Term.Equal(ArrayTerm(StringScalar("a"), StringScalar("b"))))
	assert.True(t, filters[2].Term.Scalar.IsNull())

	aggs := *u.Aggregates
	assert.Equal(t, Aggregate{Name: "sum"}, aggs["x"])
	assert.Equal(t, Aggregate{Name: "weighted mean", Args: []string{"w"}}, aggs["y"])
	assert.Equal(t, Columns("x", "", "y"), *u.Columns)
}

func TestViewConfigJSONForms(t *testing.T) {
	cfg := sampleConfig()
	data, err := json.Marshal(&cfg)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Equal(t, []any{[]any{"sales", "desc"}}, generic["sort"])
	assert.Equal(t, []any{[]any{"sales", ">", 10.0}}, generic["filter"])
	assert.Equal(t, map[string]any{"sales": "sum"}, generic["aggregates"])

	var back ViewConfig
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, cfg.IsEquivalent(&back))
}

func TestSortRejectsUnknownDirection(t *testing.T) {
	var s Sort
	assert.Error(t, json.Unmarshal([]byte(`["a", "up"]`), &s))
	assert.Error(t, json.Unmarshal([]byte(`["a"]`), &s))
}
