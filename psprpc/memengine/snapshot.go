// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package memengine

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/Query-farm/vgi-perspective/psprpc/server"
)

// TableSnapshot is one table's options and rows. Rows are an Arrow IPC
// stream carrying the declared schema, so empty tables keep their types.
type TableSnapshot struct {
	Name  string  `msgpack:"name"`
	Index *string `msgpack:"index,omitempty"`
	Limit *uint32 `msgpack:"limit,omitempty"`
	Arrow []byte  `msgpack:"arrow"`
}

// Snapshot copies every table, sorted by name. Views are not included.
func (e *Engine) Snapshot(context.Context) ([]TableSnapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]TableSnapshot, 0, len(e.tables))
	for _, t := range e.tables {
		d := &server.DataSlice{Columns: make([]server.ColumnData, len(t.schema))}
		for c, col := range t.schema {
			values := make([]any, len(t.rows))
			for r, row := range t.rows {
				values[r] = row.values[c]
			}
			d.Columns[c] = server.ColumnData{Name: col.Name, Type: col.Type, Values: values}
		}
		data, err := d.Arrow()
		if err != nil {
			return nil, fmt.Errorf("snapshot of %q: %w", t.id, err)
		}
		out = append(out, TableSnapshot{Name: t.id, Index: t.index, Limit: t.limit, Arrow: data})
	}
	slices.SortFunc(out, func(a, b TableSnapshot) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// Restore recreates snapshotted tables. It stops at the first table that
// cannot be created, for example because the name is taken.
func (e *Engine) Restore(ctx context.Context, snaps []TableSnapshot) error {
	for _, s := range snaps {
		opts := psprpc.MakeTableOptions{Index: s.Index, Limit: s.Limit}
		if err := e.MakeTable(ctx, s.Name, psprpc.FromArrow(s.Arrow), opts); err != nil {
			return fmt.Errorf("restoring %q: %w", s.Name, err)
		}
	}
	return nil
}
