// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package memengine

import (
	"fmt"
	"time"

	"github.com/Query-farm/vgi-perspective/psprpc"
)

type row struct {
	values []any
}

type table struct {
	id     string
	schema psprpc.Schema
	index  *string
	limit  *uint32

	rows     []*row
	keyed    map[any]*row
	indexCol int
	nextPort uint32

	// touched holds the rows written by the most recent mutation.
	touched map[*row]struct{}
}

func newTable(id string, schema psprpc.Schema, opts psprpc.MakeTableOptions) (*table, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	t := &table{id: id, schema: schema, index: opts.Index, limit: opts.Limit, indexCol: -1}
	if opts.Index != nil {
		t.indexCol = columnPos(schema, *opts.Index)
		if t.indexCol < 0 {
			return nil, fmt.Errorf("index column %q is not in the schema", *opts.Index)
		}
		t.keyed = make(map[any]*row)
	}
	if opts.Limit != nil && *opts.Limit == 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	return t, nil
}

func columnPos(schema psprpc.Schema, name string) int {
	for i, c := range schema {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (t *table) hosted() psprpc.HostedTable {
	return psprpc.HostedTable{EntityID: t.id, Index: t.index, Limit: t.limit}
}

// project maps batch columns onto schema positions and converts every
// cell. Unknown columns are an error.
func (t *table) project(b *batch) ([][]any, error) {
	pos := make([]int, len(b.columns))
	for i, name := range b.columns {
		pos[i] = columnPos(t.schema, name)
		if pos[i] < 0 {
			return nil, fmt.Errorf("table %q has no column %q", t.id, name)
		}
	}
	out := make([][]any, len(b.rows))
	for r, raw := range b.rows {
		values := make([]any, len(t.schema))
		for i := range values {
			values[i] = absent
		}
		for c, v := range raw {
			if v == absent {
				continue
			}
			col := t.schema[pos[c]]
			cv, err := coerce(v, col.Type)
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", r, col.Name, err)
			}
			values[pos[c]] = cv
		}
		out[r] = values
	}
	return out, nil
}

// upsert appends rows, or merges them into existing rows with the same
// index value. It resets the touched set.
func (t *table) upsert(rows [][]any) error {
	t.touched = make(map[*row]struct{}, len(rows))
	for _, values := range rows {
		if t.keyed == nil {
			t.appendRow(values)
			continue
		}
		key := values[t.indexCol]
		if key == absent || key == nil {
			return fmt.Errorf("table %q: row without index value %q", t.id, *t.index)
		}
		if existing, ok := t.keyed[keyOf(key)]; ok {
			for i, v := range values {
				if v != absent {
					existing.values[i] = v
				}
			}
			t.touched[existing] = struct{}{}
			continue
		}
		t.appendRow(values)
	}
	t.applyLimit()
	return nil
}

func (t *table) appendRow(values []any) {
	for i, v := range values {
		if v == absent {
			values[i] = nil
		}
	}
	r := &row{values: values}
	t.rows = append(t.rows, r)
	if t.keyed != nil {
		t.keyed[keyOf(values[t.indexCol])] = r
	}
	t.touched[r] = struct{}{}
}

// applyLimit drops the oldest rows beyond the configured limit.
func (t *table) applyLimit() {
	if t.limit == nil || len(t.rows) <= int(*t.limit) {
		return
	}
	drop := len(t.rows) - int(*t.limit)
	for _, r := range t.rows[:drop] {
		delete(t.touched, r)
	}
	t.rows = append(t.rows[:0:0], t.rows[drop:]...)
}

func (t *table) replace(rows [][]any) error {
	t.rows = nil
	if t.keyed != nil {
		t.keyed = make(map[any]*row)
	}
	return t.upsert(rows)
}

// remove deletes the rows whose index values appear in rows.
func (t *table) remove(rows [][]any) error {
	if t.keyed == nil {
		return fmt.Errorf("table %q has no index; remove needs one", t.id)
	}
	t.touched = map[*row]struct{}{}
	gone := make(map[*row]struct{})
	for _, values := range rows {
		key := values[t.indexCol]
		if key == absent || key == nil {
			continue
		}
		k := keyOf(key)
		if r, ok := t.keyed[k]; ok {
			gone[r] = struct{}{}
			delete(t.keyed, k)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	kept := t.rows[:0]
	for _, r := range t.rows {
		if _, ok := gone[r]; !ok {
			kept = append(kept, r)
		}
	}
	clear(t.rows[len(kept):])
	t.rows = kept
	return nil
}

// keyOf normalizes an index value into a map key.
func keyOf(v any) any {
	if tv, ok := v.(time.Time); ok {
		return tv.UnixMilli()
	}
	return v
}
