// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Query-farm/vgi-perspective/psprpc"
)

// UpdateModeRow asks for the updated rows with every on-update push.
const UpdateModeRow = "row"

func (s *VirtualServer) viewSchema(ctx context.Context, viewID string) (psprpc.Payload, error) {
	_, cfg, err := s.lookupView(viewID)
	if err != nil {
		return nil, err
	}
	schema, err := s.handler.ViewSchema(ctx, viewID, cfg)
	if err != nil {
		return nil, err
	}
	return &psprpc.ViewSchemaResp{Schema: schema}, nil
}

// viewDimensions resolves the owning table before calling the handler.
func (s *VirtualServer) viewDimensions(ctx context.Context, viewID string) (psprpc.Payload, error) {
	tableID, cfg, err := s.lookupView(viewID)
	if err != nil {
		return nil, err
	}
	tableRows, err := s.handler.TableSize(ctx, tableID)
	if err != nil {
		return nil, err
	}
	tableSchema, err := s.handler.TableSchema(ctx, tableID)
	if err != nil {
		return nil, err
	}
	viewCols, err := s.handler.TableColumnsSize(ctx, viewID, cfg)
	if err != nil {
		return nil, err
	}
	viewRows, err := s.handler.ViewSize(ctx, viewID)
	if err != nil {
		return nil, err
	}
	return &psprpc.ViewDimensionsResp{
		NumTableRows:    tableRows,
		NumTableColumns: uint32(len(tableSchema)),
		NumViewRows:     viewRows,
		NumViewColumns:  viewCols,
	}, nil
}

// viewExpressionSchema validates only the view's own expressions against
// the owning table.
func (s *VirtualServer) viewExpressionSchema(ctx context.Context, viewID string) (psprpc.Payload, error) {
	tableID, cfg, err := s.lookupView(viewID)
	if err != nil {
		return nil, err
	}
	schema := make(map[string]psprpc.ColumnType, len(cfg.Expressions))
	for name, expr := range cfg.Expressions {
		t, err := s.validateExpression(ctx, tableID, expr)
		if err != nil {
			return nil, fmt.Errorf("expression %q: %w", name, err)
		}
		schema[name] = t
	}
	return &psprpc.ViewExpressionSchemaResp{Schema: schema}, nil
}

func (s *VirtualServer) viewColumnPaths(ctx context.Context, viewID string) (psprpc.Payload, error) {
	_, cfg, err := s.lookupView(viewID)
	if err != nil {
		return nil, err
	}
	schema, err := s.handler.ViewSchema(ctx, viewID, cfg)
	if err != nil {
		return nil, err
	}
	return &psprpc.ViewColumnPathsResp{Paths: schema.Names()}, nil
}

func (s *VirtualServer) viewData(ctx context.Context, viewID string, viewport psprpc.Viewport) (*DataSlice, error) {
	_, cfg, err := s.lookupView(viewID)
	if err != nil {
		return nil, err
	}
	slice, err := s.handler.ViewGetData(ctx, viewID, cfg, viewport)
	if err != nil {
		return nil, err
	}
	return orEmpty(slice), nil
}

// orEmpty treats a nil slice from the handler as an empty one.
func orEmpty(slice *DataSlice) *DataSlice {
	if slice == nil {
		return &DataSlice{}
	}
	return slice
}

func (s *VirtualServer) viewToArrow(ctx context.Context, viewID string, viewport psprpc.Viewport) (psprpc.Payload, error) {
	slice, err := s.viewData(ctx, viewID, viewport)
	if err != nil {
		return nil, err
	}
	data, err := sliceToArrow(slice)
	if err != nil {
		return nil, &VirtualServerError{Kind: KindEncode, Err: err}
	}
	return &psprpc.ViewToArrowResp{Arrow: data}, nil
}

func (s *VirtualServer) viewToColumns(ctx context.Context, viewID string, viewport psprpc.Viewport, flags windowFlags) (psprpc.Payload, error) {
	slice, err := s.viewData(ctx, viewID, viewport)
	if err != nil {
		return nil, err
	}
	text, err := sliceToColumnsJSON(slice, startRow(viewport), flags)
	if err != nil {
		return nil, &VirtualServerError{Kind: KindInvalidJSON, Err: err}
	}
	return &psprpc.ViewToColumnsStringResp{JSONString: text}, nil
}

func (s *VirtualServer) viewToRows(ctx context.Context, viewID string, viewport psprpc.Viewport, flags windowFlags) (psprpc.Payload, error) {
	slice, err := s.viewData(ctx, viewID, viewport)
	if err != nil {
		return nil, err
	}
	text, err := sliceToRowsJSON(slice, startRow(viewport), flags)
	if err != nil {
		return nil, &VirtualServerError{Kind: KindInvalidJSON, Err: err}
	}
	return &psprpc.ViewToRowsStringResp{JSONString: text}, nil
}

func (s *VirtualServer) viewToCSV(ctx context.Context, viewID string, viewport psprpc.Viewport) (psprpc.Payload, error) {
	slice, err := s.viewData(ctx, viewID, viewport)
	if err != nil {
		return nil, err
	}
	text, err := sliceToCSV(slice)
	if err != nil {
		return nil, &VirtualServerError{Kind: KindEncode, Err: err}
	}
	return &psprpc.ViewToCsvResp{CSV: text}, nil
}

// deleteView deletes the handler view first. Bookkeeping is only dropped
// once that succeeded.
func (s *VirtualServer) deleteView(ctx context.Context, viewID string) (psprpc.Payload, error) {
	if _, _, err := s.lookupView(viewID); err != nil {
		return nil, err
	}
	if err := s.handler.ViewDelete(ctx, viewID); err != nil {
		return nil, err
	}
	s.dropView(viewID)
	return &psprpc.ViewDeleteResp{}, nil
}

// dropView removes every record of a deleted view and notifies its delete
// subscribers.
func (s *VirtualServer) dropView(viewID string) {
	delete(s.viewToTable, viewID)
	delete(s.viewConfigs, viewID)
	delete(s.viewUpdateSubs, viewID)
	subs := s.viewDeleteSubs[viewID]
	delete(s.viewDeleteSubs, viewID)
	for _, id := range subs {
		s.pushPayload(id, viewID, &psprpc.ViewOnDeleteResp{})
	}
}

func (s *VirtualServer) viewMinMax(ctx context.Context, viewID, column string) (psprpc.Payload, error) {
	_, cfg, err := s.lookupView(viewID)
	if err != nil {
		return nil, err
	}
	var lo, hi any
	if mm, ok := s.handler.(MinMaxer); ok {
		lo, hi, err = mm.ViewGetMinMax(ctx, viewID, cfg, column)
	} else {
		lo, hi, err = s.scanMinMax(ctx, viewID, cfg, column)
	}
	if err != nil {
		return nil, err
	}
	loJSON, err := json.Marshal(jsonValue(lo))
	if err != nil {
		return nil, &VirtualServerError{Kind: KindInvalidJSON, Err: err}
	}
	hiJSON, err := json.Marshal(jsonValue(hi))
	if err != nil {
		return nil, &VirtualServerError{Kind: KindInvalidJSON, Err: err}
	}
	return &psprpc.ViewGetMinMaxResp{Min: string(loJSON), Max: string(hiJSON)}, nil
}

func (s *VirtualServer) scanMinMax(ctx context.Context, viewID string, cfg *psprpc.ViewConfig, column string) (lo, hi any, err error) {
	slice, err := s.handler.ViewGetData(ctx, viewID, cfg, psprpc.Viewport{})
	if err != nil {
		return nil, nil, err
	}
	col, ok := orEmpty(slice).Column(column)
	if !ok {
		return nil, nil, fmt.Errorf("view %q has no column %q", viewID, column)
	}
	for _, v := range col.Values {
		if v == nil {
			continue
		}
		if lo == nil || CompareValues(v, lo) < 0 {
			lo = v
		}
		if hi == nil || CompareValues(v, hi) > 0 {
			hi = v
		}
	}
	return lo, hi, nil
}

func (s *VirtualServer) navigate(ctx context.Context, viewID string, fn func(TreeNavigator) (psprpc.Payload, error)) (psprpc.Payload, error) {
	if _, _, err := s.lookupView(viewID); err != nil {
		return nil, err
	}
	nav, ok := s.handler.(TreeNavigator)
	if !ok {
		return nil, unsupported("tree navigation")
	}
	resp, err := fn(nav)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// setDepth records the depth in the view config so view_get_config
// reflects it, and forwards it to the engine when it navigates trees.
func (s *VirtualServer) setDepth(ctx context.Context, viewID string, depth uint32) (psprpc.Payload, error) {
	_, cfg, err := s.lookupView(viewID)
	if err != nil {
		return nil, err
	}
	if nav, ok := s.handler.(TreeNavigator); ok {
		if err := nav.ViewSetDepth(ctx, viewID, depth); err != nil {
			return nil, err
		}
	}
	cfg.GroupByDepth = &depth
	return &psprpc.ViewSetDepthResp{}, nil
}

func startRow(v psprpc.Viewport) int {
	if v.StartRow == nil {
		return 0
	}
	return int(*v.StartRow)
}
