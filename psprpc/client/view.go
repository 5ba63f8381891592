// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Query-farm/vgi-perspective/psprpc"
)

// ViewWindow selects the slice of a view to serialize.
type ViewWindow struct {
	Viewport psprpc.Viewport
	// ID adds the row path column (__ID__).
	ID bool
	// Index adds the table index column (__INDEX__).
	Index bool
	// Formatted renders values as display strings.
	Formatted bool
}

// OnUpdateOptions configure View.OnUpdate.
type OnUpdateOptions struct {
	// Mode "row" delivers the changed rows as an Arrow stream with each
	// update. The empty mode only signals that an update happened.
	Mode string
}

// OnUpdateData is delivered to View.OnUpdate callbacks.
type OnUpdateData struct {
	PortID uint32
	Delta  []byte
}

// ViewDimensions are the row and column counts of a view and its table.
type ViewDimensions struct {
	NumTableRows    uint32
	NumTableColumns uint32
	NumViewRows     uint32
	NumViewColumns  uint32
}

// View is a handle to a live query over one table.
type View struct {
	name   string
	table  string
	client *Client
}

func (v *View) Name() string { return v.name }

// TableName returns the entity id of the table the view was created from.
func (v *View) TableName() string { return v.table }

// Schema returns the view's output columns.
func (v *View) Schema(ctx context.Context) (psprpc.Schema, error) {
	resp, err := call[*psprpc.ViewSchemaResp](ctx, v.client, v.name, &psprpc.ViewSchemaReq{})
	if err != nil {
		return nil, err
	}
	return resp.Schema, nil
}

func (v *View) Dimensions(ctx context.Context) (*ViewDimensions, error) {
	resp, err := call[*psprpc.ViewDimensionsResp](ctx, v.client, v.name, &psprpc.ViewDimensionsReq{})
	if err != nil {
		return nil, err
	}
	return &ViewDimensions{
		NumTableRows:    resp.NumTableRows,
		NumTableColumns: resp.NumTableColumns,
		NumViewRows:     resp.NumViewRows,
		NumViewColumns:  resp.NumViewColumns,
	}, nil
}

func (v *View) NumRows(ctx context.Context) (uint32, error) {
	dims, err := v.Dimensions(ctx)
	if err != nil {
		return 0, err
	}
	return dims.NumViewRows, nil
}

func (v *View) NumColumns(ctx context.Context) (uint32, error) {
	dims, err := v.Dimensions(ctx)
	if err != nil {
		return 0, err
	}
	return dims.NumViewColumns, nil
}

// GetConfig returns the config the server resolved for this view.
func (v *View) GetConfig(ctx context.Context) (*psprpc.ViewConfig, error) {
	resp, err := call[*psprpc.ViewGetConfigResp](ctx, v.client, v.name, &psprpc.ViewGetConfigReq{})
	if err != nil {
		return nil, err
	}
	return &resp.Config, nil
}

// ExpressionSchema returns the types of the view's own expressions.
func (v *View) ExpressionSchema(ctx context.Context) (map[string]psprpc.ColumnType, error) {
	resp, err := call[*psprpc.ViewExpressionSchemaResp](ctx, v.client, v.name, &psprpc.ViewExpressionSchemaReq{})
	if err != nil {
		return nil, err
	}
	return resp.Schema, nil
}

// ColumnPaths returns the output column paths in order.
func (v *View) ColumnPaths(ctx context.Context) ([]string, error) {
	resp, err := call[*psprpc.ViewColumnPathsResp](ctx, v.client, v.name, &psprpc.ViewColumnPathsReq{})
	if err != nil {
		return nil, err
	}
	return resp.Paths, nil
}

// ToArrow serializes the window as an Arrow IPC stream.
func (v *View) ToArrow(ctx context.Context, window ViewWindow) ([]byte, error) {
	resp, err := call[*psprpc.ViewToArrowResp](ctx, v.client, v.name, &psprpc.ViewToArrowReq{Viewport: window.Viewport})
	if err != nil {
		return nil, err
	}
	return resp.Arrow, nil
}

// ToColumnsString serializes the window as a JSON object of column arrays.
func (v *View) ToColumnsString(ctx context.Context, window ViewWindow) (string, error) {
	resp, err := call[*psprpc.ViewToColumnsStringResp](ctx, v.client, v.name, &psprpc.ViewToColumnsStringReq{
		Viewport:  window.Viewport,
		ID:        window.ID,
		Index:     window.Index,
		Formatted: window.Formatted,
	})
	if err != nil {
		return "", err
	}
	return resp.JSONString, nil
}

// ToColumns is ToColumnsString decoded.
func (v *View) ToColumns(ctx context.Context, window ViewWindow) (map[string][]any, error) {
	s, err := v.ToColumnsString(ctx, window)
	if err != nil {
		return nil, err
	}
	var out map[string][]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, &ClientError{Kind: KindDecode, Message: "view columns", Err: err}
	}
	return out, nil
}

// ToRowsString serializes the window as a JSON array of row objects.
func (v *View) ToRowsString(ctx context.Context, window ViewWindow) (string, error) {
	resp, err := call[*psprpc.ViewToRowsStringResp](ctx, v.client, v.name, &psprpc.ViewToRowsStringReq{
		Viewport:  window.Viewport,
		ID:        window.ID,
		Index:     window.Index,
		Formatted: window.Formatted,
	})
	if err != nil {
		return "", err
	}
	return resp.JSONString, nil
}

// ToRows is ToRowsString decoded.
func (v *View) ToRows(ctx context.Context, window ViewWindow) ([]map[string]any, error) {
	s, err := v.ToRowsString(ctx, window)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, &ClientError{Kind: KindDecode, Message: "view rows", Err: err}
	}
	return out, nil
}

// ToCSV serializes the window as CSV with a header row.
func (v *View) ToCSV(ctx context.Context, window ViewWindow) (string, error) {
	resp, err := call[*psprpc.ViewToCsvResp](ctx, v.client, v.name, &psprpc.ViewToCsvReq{Viewport: window.Viewport})
	if err != nil {
		return "", err
	}
	return resp.CSV, nil
}

// GetMinMax returns the smallest and largest values of a column.
func (v *View) GetMinMax(ctx context.Context, column string) (lo, hi any, err error) {
	resp, err := call[*psprpc.ViewGetMinMaxResp](ctx, v.client, v.name, &psprpc.ViewGetMinMaxReq{ColumnName: column})
	if err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal([]byte(resp.Min), &lo); err != nil {
		return nil, nil, &ClientError{Kind: KindDecode, Message: "min value", Err: err}
	}
	if err := json.Unmarshal([]byte(resp.Max), &hi); err != nil {
		return nil, nil, &ClientError{Kind: KindDecode, Message: "max value", Err: err}
	}
	return lo, hi, nil
}

// OnUpdate calls cb after every update to the view's table. The returned id
// is the subscription tag and is passed to RemoveUpdate.
func (v *View) OnUpdate(ctx context.Context, cb func(OnUpdateData), opts OnUpdateOptions) (uint32, error) {
	req := v.client.NewRequest(v.name, &psprpc.ViewOnUpdateReq{Mode: opts.Mode})
	err := v.client.Subscribe(ctx, req, func(resp *psprpc.Response) error {
		update, ok := resp.Payload.(*psprpc.ViewOnUpdateResp)
		if !ok {
			return unexpectedResponse("view_on_update_resp", resp.Payload)
		}
		cb(OnUpdateData{PortID: update.PortID, Delta: update.Delta})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return req.MsgID, nil
}

// RemoveUpdate cancels an OnUpdate subscription.
func (v *View) RemoveUpdate(ctx context.Context, id uint32) error {
	if err := v.client.Unsubscribe(id); err != nil {
		return err
	}
	_, err := call[*psprpc.ViewRemoveOnUpdateResp](ctx, v.client, v.name, &psprpc.ViewRemoveOnUpdateReq{ID: id})
	return err
}

// OnDelete calls cb once when the view is deleted.
func (v *View) OnDelete(ctx context.Context, cb func()) (uint32, error) {
	req := v.client.NewRequest(v.name, &psprpc.ViewOnDeleteReq{})
	err := v.client.SubscribeOnce(ctx, req, func(resp *psprpc.Response) error {
		if _, ok := resp.Payload.(*psprpc.ViewOnDeleteResp); !ok {
			return unexpectedResponse("view_on_delete_resp", resp.Payload)
		}
		cb()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return req.MsgID, nil
}

// RemoveDelete cancels an OnDelete callback.
func (v *View) RemoveDelete(ctx context.Context, id uint32) error {
	if err := v.client.Unsubscribe(id); err != nil {
		return err
	}
	_, err := call[*psprpc.ViewRemoveDeleteResp](ctx, v.client, v.name, &psprpc.ViewRemoveDeleteReq{ID: id})
	return err
}

// Collapse folds the tree row at rowIndex and returns how many rows
// disappeared.
func (v *View) Collapse(ctx context.Context, rowIndex uint32) (uint32, error) {
	resp, err := call[*psprpc.ViewCollapseResp](ctx, v.client, v.name, &psprpc.ViewCollapseReq{RowIndex: rowIndex})
	if err != nil {
		return 0, err
	}
	return resp.NumChanged, nil
}

// Expand unfolds the tree row at rowIndex and returns how many rows
// appeared.
func (v *View) Expand(ctx context.Context, rowIndex uint32) (uint32, error) {
	resp, err := call[*psprpc.ViewExpandResp](ctx, v.client, v.name, &psprpc.ViewExpandReq{RowIndex: rowIndex})
	if err != nil {
		return 0, err
	}
	return resp.NumChanged, nil
}

// SetDepth expands every group_by level above depth.
func (v *View) SetDepth(ctx context.Context, depth uint32) error {
	_, err := call[*psprpc.ViewSetDepthResp](ctx, v.client, v.name, &psprpc.ViewSetDepthReq{Depth: depth})
	return err
}

// Delete destroys the view. Further requests for it fail with the server's
// unknown view error.
func (v *View) Delete(ctx context.Context) error {
	if _, err := call[*psprpc.ViewDeleteResp](ctx, v.client, v.name, &psprpc.ViewDeleteReq{}); err != nil {
		return fmt.Errorf("deleting view %s: %w", v.name, err)
	}
	return nil
}
