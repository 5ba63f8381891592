// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/Query-farm/vgi-perspective/psprpc"
)

func (s *VirtualServer) getFeatures(ctx context.Context) (psprpc.Payload, error) {
	fp, ok := s.handler.(FeatureProvider)
	if !ok {
		return &psprpc.GetFeaturesResp{}, nil
	}
	features, err := fp.GetFeatures(ctx)
	if err != nil {
		return nil, err
	}
	return &psprpc.GetFeaturesResp{Features: features}, nil
}

func (s *VirtualServer) getHostedTables(ctx context.Context, msgID uint32, req *psprpc.GetHostedTablesReq) (psprpc.Payload, error) {
	if req.Subscribe {
		s.hostedTableSubs = append(s.hostedTableSubs, msgID)
		return nil, nil
	}
	tables, err := s.handler.GetHostedTables(ctx)
	if err != nil {
		return nil, err
	}
	return &psprpc.GetHostedTablesResp{Tables: tables}, nil
}

func (s *VirtualServer) systemInfo(ctx context.Context) (psprpc.Payload, error) {
	if sp, ok := s.handler.(SystemInfoProvider); ok {
		info, err := sp.SystemInfo(ctx)
		if err != nil {
			return nil, err
		}
		return &psprpc.ServerSystemInfoResp{HeapSize: info.HeapSize, UsedSize: info.UsedSize, Timestamp: info.Timestamp}, nil
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	now := time.Now().UnixMilli()
	return &psprpc.ServerSystemInfoResp{HeapSize: ms.HeapSys, UsedSize: ms.HeapAlloc, Timestamp: &now}, nil
}

func (s *VirtualServer) makeTable(ctx context.Context, tableID string, req *psprpc.MakeTableReq) (psprpc.Payload, error) {
	maker, ok := s.handler.(TableMaker)
	if !ok {
		return nil, unsupported("make_table")
	}
	if req.Options.Index != nil && req.Options.Limit != nil {
		return nil, fmt.Errorf("table %q: index and limit are mutually exclusive", tableID)
	}
	if err := maker.MakeTable(ctx, tableID, req.Data, req.Options); err != nil {
		return nil, err
	}
	s.notifyHostedTables(ctx)
	return &psprpc.MakeTableResp{}, nil
}

func (s *VirtualServer) makePort(ctx context.Context, tableID string) (psprpc.Payload, error) {
	pm, ok := s.handler.(PortMaker)
	if !ok {
		return &psprpc.TableMakePortResp{}, nil
	}
	port, err := pm.TableMakePort(ctx, tableID)
	if err != nil {
		return nil, err
	}
	return &psprpc.TableMakePortResp{PortID: port}, nil
}

func (s *VirtualServer) mutateTable(ctx context.Context, tableID string, portID uint32, apply func(TableMutator) error, resp psprpc.Payload) (psprpc.Payload, error) {
	m, ok := s.handler.(TableMutator)
	if !ok {
		return nil, unsupported(resp.Kind())
	}
	if err := apply(m); err != nil {
		return nil, err
	}
	s.notifyTableUpdated(ctx, tableID, portID)
	return resp, nil
}

// deleteTable refuses while views reference the table unless force, in
// which case those views are deleted first.
func (s *VirtualServer) deleteTable(ctx context.Context, tableID string, force bool) (psprpc.Payload, error) {
	deleter, ok := s.handler.(TableDeleter)
	if !ok {
		return nil, unsupported("table_delete")
	}
	views := s.viewsOf(tableID)
	if len(views) > 0 && !force {
		return nil, fmt.Errorf("table %q still has %d view(s); delete them first or force", tableID, len(views))
	}
	for _, viewID := range views {
		if err := s.handler.ViewDelete(ctx, viewID); err != nil {
			return nil, fmt.Errorf("deleting view %q of table %q: %w", viewID, tableID, err)
		}
		s.dropView(viewID)
	}
	if err := deleter.TableDelete(ctx, tableID); err != nil {
		return nil, err
	}
	subs := s.tableDeleteSubs[tableID]
	delete(s.tableDeleteSubs, tableID)
	for _, id := range subs {
		s.pushPayload(id, tableID, &psprpc.TableOnDeleteResp{})
	}
	s.notifyHostedTables(ctx)
	return &psprpc.TableDeleteResp{}, nil
}

// validateExpressions checks each entry on its own; failures are reported
// per name and never abort the batch.
func (s *VirtualServer) validateExpressions(ctx context.Context, tableID string, exprs map[string]string) (psprpc.Payload, error) {
	resp := &psprpc.TableValidateExprResp{
		ExpressionSchema: make(map[string]psprpc.ColumnType),
		Errors:           make(map[string]psprpc.ExprValidationError),
	}
	for name, expr := range exprs {
		t, err := s.validateExpression(ctx, tableID, expr)
		if err != nil {
			resp.Errors[name] = psprpc.AsValidationError(err)
			continue
		}
		resp.ExpressionSchema[name] = t
	}
	return resp, nil
}

func (s *VirtualServer) validateExpression(ctx context.Context, tableID, expr string) (psprpc.ColumnType, error) {
	v, ok := s.handler.(ExpressionValidator)
	if !ok {
		return psprpc.TypeFloat, nil
	}
	return v.TableValidateExpression(ctx, tableID, expr)
}

// makeView creates the handler view and records both bookkeeping entries.
func (s *VirtualServer) makeView(ctx context.Context, tableID string, req *psprpc.TableMakeViewReq) (psprpc.Payload, error) {
	if _, exists := s.viewToTable[req.ViewID]; exists {
		return nil, fmt.Errorf("view %q already exists", req.ViewID)
	}
	update := req.Config
	probe := psprpc.NewViewConfig()
	probe.ApplyUpdate(update)
	if err := probe.Validate(); err != nil {
		return nil, fmt.Errorf("view %q: %w", req.ViewID, err)
	}

	viewID, err := s.handler.TableMakeView(ctx, tableID, req.ViewID, &update)
	if err != nil {
		return nil, err
	}
	if viewID == "" {
		viewID = req.ViewID
	}
	cfg := psprpc.NewViewConfig()
	cfg.ApplyUpdate(update)
	s.viewToTable[viewID] = tableID
	s.viewConfigs[viewID] = &cfg
	return &psprpc.TableMakeViewResp{ViewID: viewID}, nil
}

func (s *VirtualServer) notifyHostedTables(ctx context.Context) {
	if len(s.hostedTableSubs) == 0 {
		return
	}
	tables, err := s.handler.GetHostedTables(ctx)
	if err != nil {
		s.logger.Warn("listing hosted tables for subscribers", "err", err)
		return
	}
	for _, id := range s.hostedTableSubs {
		s.pushPayload(id, "", &psprpc.GetHostedTablesResp{Tables: tables})
	}
}

// notifyTableUpdated pushes view_on_update_resp to every update subscriber
// of every view of tableID, tagged with the subscription's msg id.
func (s *VirtualServer) notifyTableUpdated(ctx context.Context, tableID string, portID uint32) {
	for _, viewID := range s.viewsOf(tableID) {
		subs := s.viewUpdateSubs[viewID]
		if len(subs) == 0 {
			continue
		}
		var delta []byte
		for _, sub := range subs {
			resp := &psprpc.ViewOnUpdateResp{PortID: portID}
			if sub.mode == UpdateModeRow {
				if delta == nil {
					var err error
					if delta, err = s.viewDelta(ctx, viewID); err != nil {
						s.logger.Warn("building update delta", "view", viewID, "err", err)
					}
				}
				resp.Delta = delta
			}
			s.pushPayload(sub.id, viewID, resp)
		}
	}
}

func (s *VirtualServer) viewDelta(ctx context.Context, viewID string) ([]byte, error) {
	cfg := s.viewConfigs[viewID]
	var (
		slice *DataSlice
		err   error
	)
	if dp, ok := s.handler.(DeltaProvider); ok {
		slice, err = dp.ViewDelta(ctx, viewID, cfg)
	} else {
		slice, err = s.handler.ViewGetData(ctx, viewID, cfg, psprpc.Viewport{})
	}
	if err != nil {
		return nil, err
	}
	return sliceToArrow(orEmpty(slice))
}
