// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"

	"github.com/Query-farm/vgi-perspective/psprpc"
)

// Handler is the engine behind a VirtualServer. The dispatcher owns view
// bookkeeping and calls the handler only for domain work; every method is
// called from one goroutine at a time per VirtualServer.
type Handler interface {
	GetHostedTables(ctx context.Context) ([]psprpc.HostedTable, error)
	TableSchema(ctx context.Context, tableID string) (psprpc.Schema, error)
	TableSize(ctx context.Context, tableID string) (uint32, error)
	// TableColumnsSize returns the number of output columns of a view.
	TableColumnsSize(ctx context.Context, viewID string, cfg *psprpc.ViewConfig) (uint32, error)
	// TableMakeView creates a view and returns its id. The handler may
	// rewrite cfg; the stored view config is the default config with cfg
	// applied.
	TableMakeView(ctx context.Context, tableID, viewID string, cfg *psprpc.ViewConfigUpdate) (string, error)
	ViewSize(ctx context.Context, viewID string) (uint32, error)
	ViewDelete(ctx context.Context, viewID string) error
	ViewSchema(ctx context.Context, viewID string, cfg *psprpc.ViewConfig) (psprpc.Schema, error)
	ViewGetData(ctx context.Context, viewID string, cfg *psprpc.ViewConfig, viewport psprpc.Viewport) (*DataSlice, error)
}

// FeatureProvider reports engine capabilities. Without it a server reports
// the zero Features.
type FeatureProvider interface {
	GetFeatures(ctx context.Context) (psprpc.Features, error)
}

// PortMaker allocates update ports. Without it every port is 0.
type PortMaker interface {
	TableMakePort(ctx context.Context, tableID string) (uint32, error)
}

// ExpressionValidator type-checks one expression against a table. Errors
// wrapping *psprpc.ExprError keep their position. Without it every
// expression validates as float.
type ExpressionValidator interface {
	TableValidateExpression(ctx context.Context, tableID, expr string) (psprpc.ColumnType, error)
}

// TableMaker creates tables from client data.
type TableMaker interface {
	MakeTable(ctx context.Context, tableID string, data psprpc.UpdateData, opts psprpc.MakeTableOptions) error
}

// TableMutator applies row mutations.
type TableMutator interface {
	TableUpdate(ctx context.Context, tableID string, data psprpc.UpdateData, portID uint32) error
	TableReplace(ctx context.Context, tableID string, data psprpc.UpdateData) error
	TableRemove(ctx context.Context, tableID string, data psprpc.UpdateData) error
}

// TableDeleter destroys tables.
type TableDeleter interface {
	TableDelete(ctx context.Context, tableID string) error
}

// TreeNavigator expands and collapses grouped rows.
type TreeNavigator interface {
	ViewCollapse(ctx context.Context, viewID string, rowIndex uint32) (uint32, error)
	ViewExpand(ctx context.Context, viewID string, rowIndex uint32) (uint32, error)
	ViewSetDepth(ctx context.Context, viewID string, depth uint32) error
}

// MinMaxer computes column bounds. Without it the bounds are found by
// scanning ViewGetData.
type MinMaxer interface {
	ViewGetMinMax(ctx context.Context, viewID string, cfg *psprpc.ViewConfig, column string) (lo, hi any, err error)
}

// SystemInfoProvider reports engine memory use. Without it the Go runtime's
// heap statistics are reported.
type SystemInfoProvider interface {
	SystemInfo(ctx context.Context) (psprpc.SystemInfo, error)
}

// DeltaProvider returns the rows of a view touched by the most recent
// mutation of its table. Without it "row" mode update pushes carry the
// whole view.
type DeltaProvider interface {
	ViewDelta(ctx context.Context, viewID string, cfg *psprpc.ViewConfig) (*DataSlice, error)
}

// ColumnData is one column of a DataSlice. A nil entry in Values is a null.
//
// Accepted value types: bool for boolean, string for string, any Go integer
// for integer, float32/float64 for float, and time.Time or epoch
// milliseconds (int64) for date and datetime.
type ColumnData struct {
	Name   string
	Type   psprpc.ColumnType
	Values []any
}

// DataSlice is the columnar window returned by Handler.ViewGetData.
type DataSlice struct {
	Columns []ColumnData
	// RowPaths holds the group_by path of each row of a grouped view.
	RowPaths [][]any
	// Index holds the table index value of each row, when known.
	Index []any
}

// NumRows returns the row count of the slice.
func (d *DataSlice) NumRows() int {
	if len(d.Columns) > 0 {
		return len(d.Columns[0].Values)
	}
	return max(len(d.RowPaths), len(d.Index))
}

// Arrow encodes the slice as a one-batch Arrow IPC stream, the same bytes
// view_to_arrow_req returns.
func (d *DataSlice) Arrow() ([]byte, error) {
	return sliceToArrow(d)
}

// Column returns the named column.
func (d *DataSlice) Column(name string) (*ColumnData, bool) {
	for i := range d.Columns {
		if d.Columns[i].Name == name {
			return &d.Columns[i], true
		}
	}
	return nil, false
}
