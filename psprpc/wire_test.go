// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package psprpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"empty payload struct", Request{MsgID: 1, EntityID: "t1", Payload: &TableSizeReq{}}},
		{"scalar fields", Request{MsgID: 7, EntityID: "v1", Payload: &ViewToRowsStringReq{
			Viewport:  Viewport{StartRow: Ptr[uint32](2), EndRow: Ptr[uint32](10)},
			Index:     true,
			Formatted: true,
		}}},
		{"string map", Request{MsgID: 9, EntityID: "t1", Payload: &TableValidateExprReq{
			ColumnToExpr: map[string]string{"a": `"x" + 1`, "b": `"y"`},
		}}},
		{"nested msgpack", Request{MsgID: 3, EntityID: "t1", Payload: &MakeTableReq{
			Data:    FromSchema(Schema{{Name: "x", Type: TypeInteger}}),
			Options: MakeTableOptions{Index: Ptr("x")},
		}}},
		{"max msg id", Request{MsgID: ^uint32(0), EntityID: "", Payload: &GetFeaturesReq{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeRequest(&tt.req)
			require.NoError(t, err)

			got, err := DecodeRequest(data)
			require.NoError(t, err)
			assert.Equal(t, tt.req.MsgID, got.MsgID)
			assert.Equal(t, tt.req.EntityID, got.EntityID)
			assert.Equal(t, tt.req.Payload, got.Payload)
		})
	}
}

func TestValueAndPointerPayloadsEncodeAlike(t *testing.T) {
	a, err := EncodeResponse(&Response{MsgID: 4, EntityID: "t", Payload: TableSizeResp{Size: 12}})
	require.NoError(t, err)
	b, err := EncodeResponse(&Response{MsgID: 4, EntityID: "t", Payload: &TableSizeResp{Size: 12}})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	resp, err := DecodeResponse(a)
	require.NoError(t, err)
	assert.Equal(t, &TableSizeResp{Size: 12}, resp.Payload)
}

func TestMakeViewConfigSurvivesWire(t *testing.T) {
	empty := []string{}
	update := ViewConfigUpdate{
		GroupBy: Ptr([]string{"x"}),
		SplitBy: &empty,
		Sort:    Ptr([]Sort{{Column: "y", Dir: SortDesc}}),
		Filter: Ptr([]Filter{
			{Column: "z", Op: ">", Term: ScalarTerm(FloatScalar(3))},
			{Column: "s", Op: "in", Term: ArrayTerm(StringScalar("a"), StringScalar("b"))},
		}),
		Columns:      Ptr(Columns("x", "", "y")),
		GroupByDepth: Ptr[uint32](1),
	}
	data, err := EncodeRequest(&Request{MsgID: 2, EntityID: "t1", Payload: &TableMakeViewReq{ViewID: "v1", Config: update}})
	require.NoError(t, err)

	req, err := DecodeRequest(data)
	require.NoError(t, err)
	got := req.Payload.(*TableMakeViewReq)
	assert.Equal(t, "v1", got.ViewID)

	require.NotNil(t, got.Config.SplitBy, "set-but-empty field must stay set")
	assert.Empty(t, *got.Config.SplitBy)
	assert.Nil(t, got.Config.Expressions)
	assert.Nil(t, got.Config.FilterOp)
	assert.Equal(t, []string{"x"}, *got.Config.GroupBy)
	assert.Equal(t, *update.Sort, *got.Config.Sort)
	assert.Equal(t, *update.Filter, *got.Config.Filter)
	assert.Equal(t, *update.Columns, *got.Config.Columns)
	assert.Equal(t, uint32(1), *got.Config.GroupByDepth)
}

func TestFeaturesSurviveWire(t *testing.T) {
	features := Features{
		GroupBy:    true,
		Sort:       true,
		FilterOps:  map[ColumnType][]string{TypeInteger: {"==", ">"}, TypeString: {"=="}},
		Aggregates: map[ColumnType][]string{TypeFloat: {"sum"}},
	}
	data, err := EncodeResponse(&Response{MsgID: 1, Payload: &GetFeaturesResp{Features: features}})
	require.NoError(t, err)
	resp, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, features, resp.Payload.(*GetFeaturesResp).Features)
}

func TestNullableFieldRoundTrip(t *testing.T) {
	for _, ts := range []*int64{nil, Ptr[int64](1700000000000)} {
		data, err := EncodeResponse(&Response{MsgID: 5, Payload: &ServerSystemInfoResp{HeapSize: 10, UsedSize: 4, Timestamp: ts}})
		require.NoError(t, err)
		resp, err := DecodeResponse(data)
		require.NoError(t, err)
		assert.Equal(t, ts, resp.Payload.(*ServerSystemInfoResp).Timestamp)
	}
}

func TestEnvelopeWithoutPayload(t *testing.T) {
	data, err := EncodeResponse(&Response{MsgID: 11, EntityID: "v"})
	require.NoError(t, err)

	resp, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), resp.MsgID)
	assert.Nil(t, resp.Payload)
}

func TestErrorResponseCarriesLogMetadata(t *testing.T) {
	data, err := EncodeResponse(&Response{MsgID: 8, EntityID: "v1", Payload: &ServerError{
		Message:   "unknown view id: v1",
		ErrorKind: "unknown_view_id",
	}})
	require.NoError(t, err)

	reader, err := ipc.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer reader.Release()
	require.True(t, reader.Next())
	rb, ok := reader.RecordBatch().(arrow.RecordBatchWithMetadata)
	require.True(t, ok)
	meta := rb.Metadata()

	level, _ := meta.GetValue(MetaLogLevel)
	assert.Equal(t, string(LogException), level)
	msg, _ := meta.GetValue(MetaLogMessage)
	assert.Equal(t, "unknown view id: v1", msg)

	extra, _ := meta.GetValue(MetaLogExtra)
	var parsed errorExtra
	require.NoError(t, json.Unmarshal([]byte(extra), &parsed))
	assert.Equal(t, "unknown_view_id", parsed.ErrorKind)

	resp, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, "unknown_view_id: unknown view id: v1", resp.Payload.(*ServerError).Error())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeRequest([]byte("definitely not arrow"))
	require.Error(t, err)

	_, err = DecodeResponse(nil)
	require.Error(t, err)
}

func TestDecodeRequestRejectsResponseKind(t *testing.T) {
	data, err := EncodeResponse(&Response{MsgID: 6, EntityID: "t1", Payload: &TableSizeResp{Size: 1}})
	require.NoError(t, err)

	_, err = DecodeRequest(data)
	var envErr *EnvelopeError
	require.True(t, errors.As(err, &envErr))
	assert.Equal(t, uint32(6), envErr.MsgID)
	assert.Equal(t, "t1", envErr.EntityID)

	var kindErr *UnknownKindError
	require.True(t, errors.As(err, &kindErr))
	assert.Equal(t, "table_size_resp", kindErr.Kind)
}

func TestEveryKindIsRegisteredOnce(t *testing.T) {
	reqs := RequestKinds()
	resps := ResponseKinds()
	assert.Len(t, reqs, 34)
	assert.Len(t, resps, 35)

	for _, kind := range reqs {
		p := NewRequestPayload(kind)
		require.NotNil(t, p, kind)
		assert.Equal(t, kind, p.Kind())
	}
	for _, kind := range resps {
		p := NewResponsePayload(kind)
		require.NotNil(t, p, kind)
		assert.Equal(t, kind, p.Kind())
	}
	assert.Nil(t, NewRequestPayload("nope"))
}

func TestEveryPayloadTypeHasALayout(t *testing.T) {
	for _, kind := range append(RequestKinds(), ResponseKinds()...) {
		p := NewRequestPayload(kind)
		if p == nil {
			p = NewResponsePayload(kind)
		}
		_, err := encodePayload(p)
		assert.NoError(t, err, kind)
	}
}
