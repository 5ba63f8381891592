// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandler is a minimal engine that records the calls it receives.
type stubHandler struct {
	tables         map[string]psprpc.Schema
	rows           map[string]uint32
	data           *DataSlice
	calls          []string
	failViewDelete bool
	badExprs       map[string]bool
	deletedTables  []string
	updates        int
}

func newStub() *stubHandler {
	return &stubHandler{
		tables:   map[string]psprpc.Schema{},
		rows:     map[string]uint32{},
		badExprs: map[string]bool{},
	}
}

func (h *stubHandler) record(format string, args ...any) {
	h.calls = append(h.calls, fmt.Sprintf(format, args...))
}

func (h *stubHandler) GetHostedTables(context.Context) ([]psprpc.HostedTable, error) {
	out := []psprpc.HostedTable{}
	for id := range h.tables {
		out = append(out, psprpc.HostedTable{EntityID: id})
	}
	return out, nil
}

func (h *stubHandler) TableSchema(_ context.Context, id string) (psprpc.Schema, error) {
	h.record("table_schema:%s", id)
	schema, ok := h.tables[id]
	if !ok {
		return nil, fmt.Errorf("no table %q", id)
	}
	return schema, nil
}

func (h *stubHandler) TableSize(_ context.Context, id string) (uint32, error) {
	h.record("table_size:%s", id)
	return h.rows[id], nil
}

func (h *stubHandler) TableColumnsSize(_ context.Context, viewID string, cfg *psprpc.ViewConfig) (uint32, error) {
	h.record("table_columns_size:%s", viewID)
	return uint32(len(cfg.ColumnNames())), nil
}

func (h *stubHandler) TableMakeView(_ context.Context, tableID, viewID string, _ *psprpc.ViewConfigUpdate) (string, error) {
	h.record("table_make_view:%s:%s", tableID, viewID)
	if _, ok := h.tables[tableID]; !ok {
		return "", fmt.Errorf("no table %q", tableID)
	}
	return viewID, nil
}

func (h *stubHandler) ViewSize(_ context.Context, viewID string) (uint32, error) {
	h.record("view_size:%s", viewID)
	return 7, nil
}

func (h *stubHandler) ViewDelete(_ context.Context, viewID string) error {
	h.record("view_delete:%s", viewID)
	if h.failViewDelete {
		return errors.New("engine refused")
	}
	return nil
}

func (h *stubHandler) ViewSchema(_ context.Context, viewID string, _ *psprpc.ViewConfig) (psprpc.Schema, error) {
	return psprpc.Schema{{Name: "x", Type: psprpc.TypeInteger}, {Name: "name", Type: psprpc.TypeString}}, nil
}

func (h *stubHandler) ViewGetData(context.Context, string, *psprpc.ViewConfig, psprpc.Viewport) (*DataSlice, error) {
	return h.data, nil
}

func (h *stubHandler) MakeTable(_ context.Context, id string, data psprpc.UpdateData, _ psprpc.MakeTableOptions) error {
	h.tables[id] = data.Schema
	return nil
}

func (h *stubHandler) TableUpdate(context.Context, string, psprpc.UpdateData, uint32) error {
	h.updates++
	return nil
}

func (h *stubHandler) TableReplace(context.Context, string, psprpc.UpdateData) error { return nil }
func (h *stubHandler) TableRemove(context.Context, string, psprpc.UpdateData) error  { return nil }

func (h *stubHandler) TableDelete(_ context.Context, id string) error {
	delete(h.tables, id)
	h.deletedTables = append(h.deletedTables, id)
	return nil
}

func (h *stubHandler) TableValidateExpression(_ context.Context, _ string, expr string) (psprpc.ColumnType, error) {
	if h.badExprs[expr] {
		return "", &psprpc.ExprError{Message: "unknown column", Line: 1, Column: 3}
	}
	return psprpc.TypeInteger, nil
}

func encodeReq(t *testing.T, msgID uint32, entity string, payload psprpc.Payload) []byte {
	t.Helper()
	data, err := psprpc.EncodeRequest(&psprpc.Request{MsgID: msgID, EntityID: entity, Payload: payload})
	require.NoError(t, err)
	return data
}

func decodeResp(t *testing.T, data []byte) *psprpc.Response {
	t.Helper()
	require.NotNil(t, data)
	resp, err := psprpc.DecodeResponse(data)
	require.NoError(t, err)
	return resp
}

// call serves one request and decodes the reply.
func call(t *testing.T, vs *VirtualServer, msgID uint32, entity string, payload psprpc.Payload) *psprpc.Response {
	t.Helper()
	out, err := vs.HandleRequest(context.Background(), encodeReq(t, msgID, entity, payload))
	require.NoError(t, err)
	return decodeResp(t, out)
}

func setupTableAndView(t *testing.T, vs *VirtualServer) {
	t.Helper()
	schema := psprpc.Schema{{Name: "x", Type: psprpc.TypeInteger}}
	resp := call(t, vs, 1, "t1", &psprpc.MakeTableReq{Data: psprpc.FromSchema(schema)})
	require.IsType(t, &psprpc.MakeTableResp{}, resp.Payload)

	resp = call(t, vs, 2, "t1", &psprpc.TableMakeViewReq{
		ViewID: "v1",
		Config: psprpc.ViewConfigUpdate{GroupBy: psprpc.Ptr([]string{"x"})},
	})
	require.Equal(t, &psprpc.TableMakeViewResp{ViewID: "v1"}, resp.Payload)
}

func TestMakeViewStoresResolvedConfig(t *testing.T) {
	vs := NewVirtualServer(newStub())
	setupTableAndView(t, vs)

	resp := call(t, vs, 3, "v1", &psprpc.ViewGetConfigReq{})
	cfg := resp.Payload.(*psprpc.ViewGetConfigResp).Config
	assert.Equal(t, []string{"x"}, cfg.GroupBy)
	assert.Equal(t, psprpc.FilterAnd, cfg.FilterOp)
	assert.Equal(t, uint32(3), resp.MsgID)
	assert.Equal(t, []string{"v1"}, vs.Views())
}

func TestDeletedViewIsUnknown(t *testing.T) {
	vs := NewVirtualServer(newStub())
	setupTableAndView(t, vs)

	resp := call(t, vs, 3, "v1", &psprpc.ViewDeleteReq{})
	require.IsType(t, &psprpc.ViewDeleteResp{}, resp.Payload)

	_, err := vs.HandleRequest(context.Background(), encodeReq(t, 4, "v1", &psprpc.ViewDimensionsReq{}))
	require.ErrorIs(t, err, ErrUnknownViewID)
	var vsErr *VirtualServerError
	require.ErrorAs(t, err, &vsErr)
	assert.Equal(t, "v1", vsErr.ViewID)
	assert.Equal(t, uint32(4), vsErr.MsgID)
	assert.Empty(t, vs.Views())
}

func TestViewDimensionsResolvesTableFirst(t *testing.T) {
	h := newStub()
	vs := NewVirtualServer(h)
	setupTableAndView(t, vs)
	h.rows["t1"] = 42
	h.calls = nil

	resp := call(t, vs, 3, "v1", &psprpc.ViewDimensionsReq{})
	assert.Equal(t, &psprpc.ViewDimensionsResp{
		NumTableRows:    42,
		NumTableColumns: 1,
		NumViewRows:     7,
		NumViewColumns:  0,
	}, resp.Payload)
	assert.Equal(t, []string{"table_size:t1", "table_schema:t1", "table_columns_size:v1", "view_size:v1"}, h.calls)
}

func TestViewDeleteFailureKeepsBookkeeping(t *testing.T) {
	h := newStub()
	vs := NewVirtualServer(h)
	setupTableAndView(t, vs)
	h.failViewDelete = true

	_, err := vs.HandleRequest(context.Background(), encodeReq(t, 3, "v1", &psprpc.ViewDeleteReq{}))
	require.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, []string{"v1"}, vs.Views())

	resp := call(t, vs, 4, "v1", &psprpc.ViewGetConfigReq{})
	assert.IsType(t, &psprpc.ViewGetConfigResp{}, resp.Payload)
}

func TestValidateExpressionsAreIndependent(t *testing.T) {
	h := newStub()
	h.badExprs["bad"] = true
	vs := NewVirtualServer(h)

	resp := call(t, vs, 1, "t1", &psprpc.TableValidateExprReq{ColumnToExpr: map[string]string{
		"ok1": "\"x\" + 1",
		"err": "bad",
		"ok2": "\"x\" * 2",
	}})
	body := resp.Payload.(*psprpc.TableValidateExprResp)
	assert.Equal(t, map[string]psprpc.ColumnType{"ok1": psprpc.TypeInteger, "ok2": psprpc.TypeInteger}, body.ExpressionSchema)
	assert.Equal(t, map[string]psprpc.ExprValidationError{
		"err": {Message: "unknown column", Line: 1, Column: 3},
	}, body.Errors)
}

func TestValidateExpressionsDefaultsToFloat(t *testing.T) {
	vs := NewVirtualServer(minimalHandler{newStub()})
	resp := call(t, vs, 1, "t1", &psprpc.TableValidateExprReq{ColumnToExpr: map[string]string{"e": "1"}})
	assert.Equal(t, psprpc.TypeFloat, resp.Payload.(*psprpc.TableValidateExprResp).ExpressionSchema["e"])
}

func TestExpressionSchemaCoversOnlyViewExpressions(t *testing.T) {
	h := newStub()
	vs := NewVirtualServer(h)
	schema := psprpc.Schema{{Name: "x", Type: psprpc.TypeInteger}}
	call(t, vs, 1, "t1", &psprpc.MakeTableReq{Data: psprpc.FromSchema(schema)})
	call(t, vs, 2, "t1", &psprpc.TableMakeViewReq{
		ViewID: "v1",
		Config: psprpc.ViewConfigUpdate{Expressions: psprpc.Ptr(map[string]string{"double": "\"x\" * 2"})},
	})

	resp := call(t, vs, 3, "v1", &psprpc.ViewExpressionSchemaReq{})
	assert.Equal(t, map[string]psprpc.ColumnType{"double": psprpc.TypeInteger}, resp.Payload.(*psprpc.ViewExpressionSchemaResp).Schema)
}

func TestExpressionSchemaFailsOnInvalidStoredExpression(t *testing.T) {
	h := newStub()
	h.badExprs[`"y"`] = true
	vs := NewVirtualServer(h)
	schema := psprpc.Schema{{Name: "x", Type: psprpc.TypeInteger}}
	call(t, vs, 1, "t1", &psprpc.MakeTableReq{Data: psprpc.FromSchema(schema)})
	call(t, vs, 2, "t1", &psprpc.TableMakeViewReq{
		ViewID: "v1",
		Config: psprpc.ViewConfigUpdate{Expressions: psprpc.Ptr(map[string]string{"ok": `"x"`, "broken": `"y"`})},
	})

	_, err := vs.HandleRequest(context.Background(), encodeReq(t, 3, "v1", &psprpc.ViewExpressionSchemaReq{}))
	require.ErrorIs(t, err, ErrInternal)
	assert.Contains(t, err.Error(), `expression "broken"`)
	var exprErr *psprpc.ExprError
	assert.ErrorAs(t, err, &exprErr)
}

func TestTableDeleteNeedsForceWhileViewsExist(t *testing.T) {
	h := newStub()
	vs := NewVirtualServer(h)
	var pushes []*psprpc.Response
	vs.SetPushFunc(func(data []byte) { pushes = append(pushes, decodeResp(t, data)) })
	setupTableAndView(t, vs)

	// Delete subscriptions have no immediate reply.
	out, err := vs.HandleRequest(context.Background(), encodeReq(t, 10, "v1", &psprpc.ViewOnDeleteReq{}))
	require.NoError(t, err)
	assert.Nil(t, out)
	out, err = vs.HandleRequest(context.Background(), encodeReq(t, 11, "t1", &psprpc.TableOnDeleteReq{}))
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = vs.HandleRequest(context.Background(), encodeReq(t, 3, "t1", &psprpc.TableDeleteReq{}))
	require.ErrorIs(t, err, ErrInternal)
	assert.Empty(t, h.deletedTables)
	assert.Empty(t, pushes)

	resp := call(t, vs, 4, "t1", &psprpc.TableDeleteReq{Force: true})
	require.IsType(t, &psprpc.TableDeleteResp{}, resp.Payload)
	assert.Equal(t, []string{"t1"}, h.deletedTables)
	assert.Empty(t, vs.Views())

	require.Len(t, pushes, 2)
	assert.Equal(t, uint32(10), pushes[0].MsgID)
	assert.IsType(t, &psprpc.ViewOnDeleteResp{}, pushes[0].Payload)
	assert.Equal(t, uint32(11), pushes[1].MsgID)
	assert.IsType(t, &psprpc.TableOnDeleteResp{}, pushes[1].Payload)
}

func TestUpdatePushesReachSubscribers(t *testing.T) {
	h := newStub()
	h.data = &DataSlice{Columns: []ColumnData{{Name: "x", Type: psprpc.TypeInteger, Values: []any{int64(1), int64(2)}}}}
	vs := NewVirtualServer(h)
	var pushes []*psprpc.Response
	vs.SetPushFunc(func(data []byte) { pushes = append(pushes, decodeResp(t, data)) })
	setupTableAndView(t, vs)

	out, err := vs.HandleRequest(context.Background(), encodeReq(t, 20, "v1", &psprpc.ViewOnUpdateReq{}))
	require.NoError(t, err)
	require.Nil(t, out)
	out, err = vs.HandleRequest(context.Background(), encodeReq(t, 21, "v1", &psprpc.ViewOnUpdateReq{Mode: UpdateModeRow}))
	require.NoError(t, err)
	require.Nil(t, out)

	resp := call(t, vs, 5, "t1", &psprpc.TableUpdateReq{Data: psprpc.FromRows(`[{"x":3}]`), PortID: 9})
	require.IsType(t, &psprpc.TableUpdateResp{}, resp.Payload)
	require.Len(t, pushes, 2)

	plain := pushes[0].Payload.(*psprpc.ViewOnUpdateResp)
	assert.Equal(t, uint32(20), pushes[0].MsgID)
	assert.Equal(t, "v1", pushes[0].EntityID)
	assert.Equal(t, uint32(9), plain.PortID)
	assert.Empty(t, plain.Delta)

	row := pushes[1].Payload.(*psprpc.ViewOnUpdateResp)
	assert.Equal(t, uint32(21), pushes[1].MsgID)
	assert.NotEmpty(t, row.Delta)

	// Removing one subscription leaves the other.
	call(t, vs, 6, "v1", &psprpc.ViewRemoveOnUpdateReq{ID: 20})
	pushes = nil
	call(t, vs, 7, "t1", &psprpc.TableUpdateReq{Data: psprpc.FromRows(`[]`)})
	require.Len(t, pushes, 1)
	assert.Equal(t, uint32(21), pushes[0].MsgID)
}

func TestHostedTablesSubscription(t *testing.T) {
	vs := NewVirtualServer(newStub())
	var pushes []*psprpc.Response
	vs.SetPushFunc(func(data []byte) { pushes = append(pushes, decodeResp(t, data)) })

	out, err := vs.HandleRequest(context.Background(), encodeReq(t, 1, "", &psprpc.GetHostedTablesReq{Subscribe: true}))
	require.NoError(t, err)
	assert.Nil(t, out)

	call(t, vs, 2, "t1", &psprpc.MakeTableReq{Data: psprpc.FromSchema(psprpc.Schema{{Name: "x", Type: psprpc.TypeInteger}})})
	require.Len(t, pushes, 1)
	assert.Equal(t, uint32(1), pushes[0].MsgID)
	assert.Equal(t, []psprpc.HostedTable{{EntityID: "t1"}}, pushes[0].Payload.(*psprpc.GetHostedTablesResp).Tables)

	call(t, vs, 3, "", &psprpc.RemoveHostedTablesUpdateReq{ID: 1})
	call(t, vs, 4, "t2", &psprpc.MakeTableReq{Data: psprpc.FromSchema(psprpc.Schema{{Name: "y", Type: psprpc.TypeString}})})
	assert.Len(t, pushes, 1)
}

func TestRespondTurnsErrorsIntoServerErrors(t *testing.T) {
	vs := NewVirtualServer(newStub())

	tests := []struct {
		name      string
		data      []byte
		wantMsgID uint32
		wantKind  ErrorKind
	}{
		{"garbage", []byte("not arrow"), 0, KindDecode},
		{"unknown view", encodeReq(t, 8, "nope", &psprpc.ViewSchemaReq{}), 8, KindUnknownViewID},
		{"handler failure", encodeReq(t, 9, "missing", &psprpc.TableSchemaReq{}), 9, KindInternal},
		{"response kind", func() []byte {
			data, err := psprpc.EncodeResponse(&psprpc.Response{MsgID: 5, Payload: &psprpc.TableSizeResp{Size: 1}})
			require.NoError(t, err)
			return data
		}(), 5, KindDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := decodeResp(t, vs.Respond(context.Background(), tt.data))
			assert.Equal(t, tt.wantMsgID, resp.MsgID)
			se, ok := resp.Payload.(*psprpc.ServerError)
			require.True(t, ok, "got %T", resp.Payload)
			assert.Equal(t, string(tt.wantKind), se.ErrorKind)
			assert.NotEmpty(t, se.Message)
		})
	}
}

func TestMissingCapabilityIsInternal(t *testing.T) {
	vs := NewVirtualServer(minimalHandler{newStub()})
	_, err := vs.HandleRequest(context.Background(), encodeReq(t, 1, "t1", &psprpc.MakeTableReq{}))
	require.ErrorIs(t, err, ErrInternal)
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestSetDepthWithoutNavigatorIsStored(t *testing.T) {
	vs := NewVirtualServer(newStub())
	setupTableAndView(t, vs)

	resp := call(t, vs, 3, "v1", &psprpc.ViewSetDepthReq{Depth: 2})
	require.IsType(t, &psprpc.ViewSetDepthResp{}, resp.Payload)
	resp = call(t, vs, 4, "v1", &psprpc.ViewGetConfigReq{})
	depth := resp.Payload.(*psprpc.ViewGetConfigResp).Config.GroupByDepth
	require.NotNil(t, depth)
	assert.Equal(t, uint32(2), *depth)

	_, err := vs.HandleRequest(context.Background(), encodeReq(t, 5, "v1", &psprpc.ViewCollapseReq{RowIndex: 0}))
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestMakeViewRejectsDuplicateAndInvalidConfig(t *testing.T) {
	vs := NewVirtualServer(newStub())
	setupTableAndView(t, vs)

	_, err := vs.HandleRequest(context.Background(), encodeReq(t, 3, "t1", &psprpc.TableMakeViewReq{ViewID: "v1"}))
	assert.ErrorIs(t, err, ErrInternal)

	bad := psprpc.ViewConfigUpdate{Sort: psprpc.Ptr([]psprpc.Sort{{Column: "x", Dir: "sideways"}})}
	_, err = vs.HandleRequest(context.Background(), encodeReq(t, 4, "t1", &psprpc.TableMakeViewReq{ViewID: "v2", Config: bad}))
	assert.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, []string{"v1"}, vs.Views())
}

func TestGetFeaturesDefaultsToZero(t *testing.T) {
	vs := NewVirtualServer(newStub())
	resp := call(t, vs, 1, "", &psprpc.GetFeaturesReq{})
	assert.Equal(t, &psprpc.GetFeaturesResp{}, resp.Payload)

	resp = call(t, vs, 2, "t1", &psprpc.TableMakePortReq{})
	assert.Equal(t, &psprpc.TableMakePortResp{PortID: 0}, resp.Payload)
}

func TestSystemInfoFallsBackToRuntime(t *testing.T) {
	vs := NewVirtualServer(newStub())
	resp := call(t, vs, 1, "", &psprpc.ServerSystemInfoReq{})
	info := resp.Payload.(*psprpc.ServerSystemInfoResp)
	assert.NotZero(t, info.HeapSize)
	assert.NotNil(t, info.Timestamp)
}

func TestMinMaxScansViewData(t *testing.T) {
	h := newStub()
	h.data = &DataSlice{Columns: []ColumnData{
		{Name: "x", Type: psprpc.TypeInteger, Values: []any{int64(4), nil, int64(-2), int64(9)}},
		{Name: "name", Type: psprpc.TypeString, Values: []any{"b", "a", nil, "c"}},
	}}
	vs := NewVirtualServer(h)
	setupTableAndView(t, vs)

	resp := call(t, vs, 3, "v1", &psprpc.ViewGetMinMaxReq{ColumnName: "x"})
	assert.Equal(t, &psprpc.ViewGetMinMaxResp{Min: "-2", Max: "9"}, resp.Payload)
	resp = call(t, vs, 4, "v1", &psprpc.ViewGetMinMaxReq{ColumnName: "name"})
	assert.Equal(t, &psprpc.ViewGetMinMaxResp{Min: `"a"`, Max: `"c"`}, resp.Payload)

	_, err := vs.HandleRequest(context.Background(), encodeReq(t, 5, "v1", &psprpc.ViewGetMinMaxReq{ColumnName: "nope"}))
	assert.ErrorIs(t, err, ErrInternal)
}

func TestNilViewDataIsEmpty(t *testing.T) {
	h := newStub()
	vs := NewVirtualServer(h)
	var pushes []*psprpc.Response
	vs.SetPushFunc(func(data []byte) { pushes = append(pushes, decodeResp(t, data)) })
	setupTableAndView(t, vs)

	_, err := vs.HandleRequest(context.Background(), encodeReq(t, 3, "v1", &psprpc.ViewGetMinMaxReq{ColumnName: "x"}))
	assert.ErrorIs(t, err, ErrInternal)

	resp := call(t, vs, 4, "v1", &psprpc.ViewToCsvReq{})
	assert.IsType(t, &psprpc.ViewToCsvResp{}, resp.Payload)

	out, err := vs.HandleRequest(context.Background(), encodeReq(t, 5, "v1", &psprpc.ViewOnUpdateReq{Mode: UpdateModeRow}))
	require.NoError(t, err)
	require.Nil(t, out)
	call(t, vs, 6, "t1", &psprpc.TableUpdateReq{Data: psprpc.FromRows(`[{"x":1}]`)})
	require.Len(t, pushes, 1)
	assert.NotEmpty(t, pushes[0].Payload.(*psprpc.ViewOnUpdateResp).Delta)
}

// panicHandler fails every table size request by panicking.
type panicHandler struct {
	Handler
}

func (panicHandler) TableSize(context.Context, string) (uint32, error) {
	panic("engine bug")
}

func TestHandlerPanicIsInternal(t *testing.T) {
	vs := NewVirtualServer(panicHandler{Handler: newStub()})
	_, err := vs.HandleRequest(context.Background(), encodeReq(t, 4, "t1", &psprpc.TableSizeReq{}))
	var vsErr *VirtualServerError
	require.ErrorAs(t, err, &vsErr)
	assert.Equal(t, KindInternal, vsErr.Kind)
	assert.Equal(t, uint32(4), vsErr.MsgID)
	assert.Contains(t, err.Error(), "engine bug")

	resp := call(t, vs, 5, "", &psprpc.GetFeaturesReq{})
	assert.IsType(t, &psprpc.GetFeaturesResp{}, resp.Payload)
}

func TestCloseDeletesViews(t *testing.T) {
	h := newStub()
	vs := NewVirtualServer(h)
	setupTableAndView(t, vs)

	require.NoError(t, vs.Close(context.Background()))
	assert.Empty(t, vs.Views())
	assert.Contains(t, h.calls, "view_delete:v1")
}

type countingHook struct {
	starts, ends atomic.Int32
	lastErr      error
	lastInfo     psprpc.DispatchInfo
	lastStats    psprpc.CallStatistics
	panicOnStart bool
}

func (c *countingHook) OnDispatchStart(ctx context.Context, info psprpc.DispatchInfo) (context.Context, psprpc.HookToken) {
	c.starts.Add(1)
	if c.panicOnStart {
		panic("boom")
	}
	return ctx, info.Kind
}

func (c *countingHook) OnDispatchEnd(_ context.Context, token psprpc.HookToken, info psprpc.DispatchInfo, stats *psprpc.CallStatistics, err error) {
	c.ends.Add(1)
	c.lastErr = err
	c.lastInfo = info
	c.lastStats = *stats
}

func TestDispatchHook(t *testing.T) {
	hook := &countingHook{}
	vs := NewVirtualServer(newStub(), WithDispatchHook(hook), WithServerID("srv-1"))
	setupTableAndView(t, vs)

	assert.Equal(t, int32(2), hook.starts.Load())
	assert.Equal(t, int32(2), hook.ends.Load())
	assert.NoError(t, hook.lastErr)
	assert.Equal(t, "table_make_view_req", hook.lastInfo.Kind)
	assert.Equal(t, psprpc.DispatchCategoryTable, hook.lastInfo.Category)
	assert.Equal(t, "srv-1", hook.lastInfo.ServerID)
	assert.Positive(t, hook.lastStats.InputBytes)
	assert.Positive(t, hook.lastStats.OutputBytes)

	_, err := vs.HandleRequest(context.Background(), encodeReq(t, 3, "gone", &psprpc.ViewSchemaReq{}))
	require.Error(t, err)
	assert.ErrorIs(t, hook.lastErr, ErrUnknownViewID)
	assert.Equal(t, psprpc.DispatchCategoryView, hook.lastInfo.Category)
}

func TestPanickingHookDoesNotBreakDispatch(t *testing.T) {
	hook := &countingHook{panicOnStart: true}
	vs := NewVirtualServer(newStub(), WithDispatchHook(hook))

	resp := call(t, vs, 1, "", &psprpc.GetFeaturesReq{})
	assert.IsType(t, &psprpc.GetFeaturesResp{}, resp.Payload)
	assert.Equal(t, int32(1), hook.starts.Load())
	assert.Equal(t, int32(0), hook.ends.Load())
}

func TestCallContextReachesHandler(t *testing.T) {
	h := &contextHandler{Handler: newStub()}
	vs := NewVirtualServer(h, WithServerID("srv-2"))
	call(t, vs, 77, "t9", &psprpc.TableSizeReq{})

	require.NotNil(t, h.seen)
	assert.Equal(t, uint32(77), h.seen.MsgID)
	assert.Equal(t, "t9", h.seen.EntityID)
	assert.Equal(t, "table_size_req", h.seen.Kind)
	assert.Equal(t, "srv-2", h.seen.ServerID)
}

// minimalHandler exposes only the required Handler methods.
type minimalHandler struct {
	Handler
}

type contextHandler struct {
	Handler
	seen *CallContext
}

func (h *contextHandler) TableSize(ctx context.Context, id string) (uint32, error) {
	h.seen, _ = CallContextFrom(ctx)
	return 0, nil
}
