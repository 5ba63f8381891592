// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package psprpc

import (
	"fmt"
	"reflect"
)

// Payload is one operation variant carried by a Request or Response.
// Kind returns the stable wire tag of the variant.
type Payload interface {
	Kind() string
}

// Request is a client to server envelope.
type Request struct {
	MsgID    uint32
	EntityID string
	Payload  Payload
}

// Response is a server to client envelope. MsgID echoes the request that
// produced it, or the subscription id for pushed updates.
type Response struct {
	MsgID    uint32
	EntityID string
	Payload  Payload
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

type GetFeaturesReq struct{}

type GetFeaturesResp struct {
	Features Features `psp:"features,msgpack"`
}

type GetHostedTablesReq struct {
	Subscribe bool `psp:"subscribe"`
}

type GetHostedTablesResp struct {
	Tables []HostedTable `psp:"tables,msgpack"`
}

type RemoveHostedTablesUpdateReq struct {
	ID uint32 `psp:"id"`
}

type RemoveHostedTablesUpdateResp struct{}

type ServerSystemInfoReq struct{}

type ServerSystemInfoResp struct {
	HeapSize  uint64 `psp:"heap_size"`
	UsedSize  uint64 `psp:"used_size"`
	Timestamp *int64 `psp:"timestamp"`
}

// ServerError reports a failed request. ErrorKind is the server-side error
// classification (internal, decode, encode, unknown_view_id, invalid_json).
type ServerError struct {
	Message   string `psp:"message"`
	ErrorKind string `psp:"error_kind"`
}

func (e *ServerError) Error() string {
	if e.ErrorKind == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.ErrorKind, e.Message)
}

// ---------------------------------------------------------------------------
// Table
// ---------------------------------------------------------------------------

type MakeTableReq struct {
	Data    UpdateData       `psp:"data,msgpack"`
	Options MakeTableOptions `psp:"options,msgpack"`
}

type MakeTableResp struct{}

type TableSchemaReq struct{}

type TableSchemaResp struct {
	Schema Schema `psp:"schema,msgpack"`
}

type TableSizeReq struct{}

type TableSizeResp struct {
	Size uint32 `psp:"size"`
}

type TableMakePortReq struct{}

type TableMakePortResp struct {
	PortID uint32 `psp:"port_id"`
}

type TableUpdateReq struct {
	Data   UpdateData `psp:"data,msgpack"`
	PortID uint32     `psp:"port_id"`
}

type TableUpdateResp struct{}

type TableReplaceReq struct {
	Data UpdateData `psp:"data,msgpack"`
}

type TableReplaceResp struct{}

type TableRemoveReq struct {
	Data UpdateData `psp:"data,msgpack"`
}

type TableRemoveResp struct{}

type TableDeleteReq struct {
	Force bool `psp:"force"`
}

type TableDeleteResp struct{}

type TableValidateExprReq struct {
	ColumnToExpr map[string]string `psp:"column_to_expr"`
}

type TableValidateExprResp struct {
	ExpressionSchema map[string]ColumnType          `psp:"expression_schema"`
	Errors           map[string]ExprValidationError `psp:"errors,msgpack"`
}

type TableOnDeleteReq struct{}

type TableOnDeleteResp struct{}

type TableRemoveDeleteReq struct {
	ID uint32 `psp:"id"`
}

type TableRemoveDeleteResp struct{}

type TableMakeViewReq struct {
	ViewID string           `psp:"view_id"`
	Config ViewConfigUpdate `psp:"config,msgpack"`
}

type TableMakeViewResp struct {
	ViewID string `psp:"view_id"`
}

// ---------------------------------------------------------------------------
// View
// ---------------------------------------------------------------------------

type ViewSchemaReq struct{}

type ViewSchemaResp struct {
	Schema Schema `psp:"schema,msgpack"`
}

type ViewDimensionsReq struct{}

type ViewDimensionsResp struct {
	NumTableRows    uint32 `psp:"num_table_rows"`
	NumTableColumns uint32 `psp:"num_table_columns"`
	NumViewRows     uint32 `psp:"num_view_rows"`
	NumViewColumns  uint32 `psp:"num_view_columns"`
}

type ViewGetConfigReq struct{}

type ViewGetConfigResp struct {
	Config ViewConfig `psp:"config,msgpack"`
}

type ViewExpressionSchemaReq struct{}

type ViewExpressionSchemaResp struct {
	Schema map[string]ColumnType `psp:"schema"`
}

type ViewColumnPathsReq struct{}

type ViewColumnPathsResp struct {
	Paths []string `psp:"paths"`
}

type ViewToArrowReq struct {
	Viewport Viewport `psp:"viewport,msgpack"`
}

type ViewToArrowResp struct {
	Arrow []byte `psp:"arrow"`
}

type ViewToColumnsStringReq struct {
	Viewport  Viewport `psp:"viewport,msgpack"`
	ID        bool     `psp:"id"`
	Index     bool     `psp:"index"`
	Formatted bool     `psp:"formatted"`
}

type ViewToColumnsStringResp struct {
	JSONString string `psp:"json_string"`
}

type ViewToRowsStringReq struct {
	Viewport  Viewport `psp:"viewport,msgpack"`
	ID        bool     `psp:"id"`
	Index     bool     `psp:"index"`
	Formatted bool     `psp:"formatted"`
}

type ViewToRowsStringResp struct {
	JSONString string `psp:"json_string"`
}

type ViewToCsvReq struct {
	Viewport Viewport `psp:"viewport,msgpack"`
}

type ViewToCsvResp struct {
	CSV string `psp:"csv"`
}

type ViewDeleteReq struct{}

type ViewDeleteResp struct{}

type ViewGetMinMaxReq struct {
	ColumnName string `psp:"column_name"`
}

// ViewGetMinMaxResp carries the bounds as JSON scalars.
type ViewGetMinMaxResp struct {
	Min string `psp:"min"`
	Max string `psp:"max"`
}

type ViewOnUpdateReq struct {
	Mode string `psp:"mode"`
}

// ViewOnUpdateResp is pushed after each table mutation. Delta holds the
// updated rows as an Arrow stream when the subscription mode is "row".
type ViewOnUpdateResp struct {
	PortID uint32 `psp:"port_id"`
	Delta  []byte `psp:"delta"`
}

type ViewRemoveOnUpdateReq struct {
	ID uint32 `psp:"id"`
}

type ViewRemoveOnUpdateResp struct{}

type ViewOnDeleteReq struct{}

type ViewOnDeleteResp struct{}

type ViewRemoveDeleteReq struct {
	ID uint32 `psp:"id"`
}

type ViewRemoveDeleteResp struct{}

type ViewCollapseReq struct {
	RowIndex uint32 `psp:"row_index"`
}

type ViewCollapseResp struct {
	NumChanged uint32 `psp:"num_changed"`
}

type ViewExpandReq struct {
	RowIndex uint32 `psp:"row_index"`
}

type ViewExpandResp struct {
	NumChanged uint32 `psp:"num_changed"`
}

type ViewSetDepthReq struct {
	Depth uint32 `psp:"depth"`
}

type ViewSetDepthResp struct{}

// ---------------------------------------------------------------------------
// Kind tags
// ---------------------------------------------------------------------------

func (GetFeaturesReq) Kind() string               { return "get_features_req" }
func (GetFeaturesResp) Kind() string              { return "get_features_resp" }
func (GetHostedTablesReq) Kind() string           { return "get_hosted_tables_req" }
func (GetHostedTablesResp) Kind() string          { return "get_hosted_tables_resp" }
func (RemoveHostedTablesUpdateReq) Kind() string  { return "remove_hosted_tables_update_req" }
func (RemoveHostedTablesUpdateResp) Kind() string { return "remove_hosted_tables_update_resp" }
func (ServerSystemInfoReq) Kind() string          { return "server_system_info_req" }
func (ServerSystemInfoResp) Kind() string         { return "server_system_info_resp" }
func (ServerError) Kind() string                  { return "server_error" }
func (MakeTableReq) Kind() string                 { return "make_table_req" }
func (MakeTableResp) Kind() string                { return "make_table_resp" }
func (TableSchemaReq) Kind() string               { return "table_schema_req" }
func (TableSchemaResp) Kind() string              { return "table_schema_resp" }
func (TableSizeReq) Kind() string                 { return "table_size_req" }
func (TableSizeResp) Kind() string                { return "table_size_resp" }
func (TableMakePortReq) Kind() string             { return "table_make_port_req" }
func (TableMakePortResp) Kind() string            { return "table_make_port_resp" }
func (TableUpdateReq) Kind() string               { return "table_update_req" }
func (TableUpdateResp) Kind() string              { return "table_update_resp" }
func (TableReplaceReq) Kind() string              { return "table_replace_req" }
func (TableReplaceResp) Kind() string             { return "table_replace_resp" }
func (TableRemoveReq) Kind() string               { return "table_remove_req" }
func (TableRemoveResp) Kind() string              { return "table_remove_resp" }
func (TableDeleteReq) Kind() string               { return "table_delete_req" }
func (TableDeleteResp) Kind() string              { return "table_delete_resp" }
func (TableValidateExprReq) Kind() string         { return "table_validate_expr_req" }
func (TableValidateExprResp) Kind() string        { return "table_validate_expr_resp" }
func (TableOnDeleteReq) Kind() string             { return "table_on_delete_req" }
func (TableOnDeleteResp) Kind() string            { return "table_on_delete_resp" }
func (TableRemoveDeleteReq) Kind() string         { return "table_remove_delete_req" }
func (TableRemoveDeleteResp) Kind() string        { return "table_remove_delete_resp" }
func (TableMakeViewReq) Kind() string             { return "table_make_view_req" }
func (TableMakeViewResp) Kind() string            { return "table_make_view_resp" }
func (ViewSchemaReq) Kind() string                { return "view_schema_req" }
func (ViewSchemaResp) Kind() string               { return "view_schema_resp" }
func (ViewDimensionsReq) Kind() string            { return "view_dimensions_req" }
func (ViewDimensionsResp) Kind() string           { return "view_dimensions_resp" }
func (ViewGetConfigReq) Kind() string             { return "view_get_config_req" }
func (ViewGetConfigResp) Kind() string            { return "view_get_config_resp" }
func (ViewExpressionSchemaReq) Kind() string      { return "view_expression_schema_req" }
func (ViewExpressionSchemaResp) Kind() string     { return "view_expression_schema_resp" }
func (ViewColumnPathsReq) Kind() string           { return "view_column_paths_req" }
func (ViewColumnPathsResp) Kind() string          { return "view_column_paths_resp" }
func (ViewToArrowReq) Kind() string               { return "view_to_arrow_req" }
func (ViewToArrowResp) Kind() string              { return "view_to_arrow_resp" }
func (ViewToColumnsStringReq) Kind() string       { return "view_to_columns_string_req" }
func (ViewToColumnsStringResp) Kind() string      { return "view_to_columns_string_resp" }
func (ViewToRowsStringReq) Kind() string          { return "view_to_rows_string_req" }
func (ViewToRowsStringResp) Kind() string         { return "view_to_rows_string_resp" }
func (ViewToCsvReq) Kind() string                 { return "view_to_csv_req" }
func (ViewToCsvResp) Kind() string                { return "view_to_csv_resp" }
func (ViewDeleteReq) Kind() string                { return "view_delete_req" }
func (ViewDeleteResp) Kind() string               { return "view_delete_resp" }
func (ViewGetMinMaxReq) Kind() string             { return "view_get_min_max_req" }
func (ViewGetMinMaxResp) Kind() string            { return "view_get_min_max_resp" }
func (ViewOnUpdateReq) Kind() string              { return "view_on_update_req" }
func (ViewOnUpdateResp) Kind() string             { return "view_on_update_resp" }
func (ViewRemoveOnUpdateReq) Kind() string        { return "view_remove_on_update_req" }
func (ViewRemoveOnUpdateResp) Kind() string       { return "view_remove_on_update_resp" }
func (ViewOnDeleteReq) Kind() string              { return "view_on_delete_req" }
func (ViewOnDeleteResp) Kind() string             { return "view_on_delete_resp" }
func (ViewRemoveDeleteReq) Kind() string          { return "view_remove_delete_req" }
func (ViewRemoveDeleteResp) Kind() string         { return "view_remove_delete_resp" }
func (ViewCollapseReq) Kind() string              { return "view_collapse_req" }
func (ViewCollapseResp) Kind() string             { return "view_collapse_resp" }
func (ViewExpandReq) Kind() string                { return "view_expand_req" }
func (ViewExpandResp) Kind() string               { return "view_expand_resp" }
func (ViewSetDepthReq) Kind() string              { return "view_set_depth_req" }
func (ViewSetDepthResp) Kind() string             { return "view_set_depth_resp" }

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

var (
	requestKinds  = map[string]reflect.Type{}
	responseKinds = map[string]reflect.Type{}
)

func register(table map[string]reflect.Type, payloads ...Payload) {
	for _, p := range payloads {
		t := reflect.TypeOf(p)
		if _, dup := table[p.Kind()]; dup {
			panic(fmt.Sprintf("psprpc: duplicate payload kind %q", p.Kind()))
		}
		table[p.Kind()] = t
	}
}

func init() {
	register(requestKinds,
		GetFeaturesReq{}, GetHostedTablesReq{}, RemoveHostedTablesUpdateReq{},
		ServerSystemInfoReq{},
		MakeTableReq{}, TableSchemaReq{}, TableSizeReq{}, TableMakePortReq{},
		TableUpdateReq{}, TableReplaceReq{}, TableRemoveReq{}, TableDeleteReq{},
		TableValidateExprReq{}, TableOnDeleteReq{}, TableRemoveDeleteReq{},
		TableMakeViewReq{},
		ViewSchemaReq{}, ViewDimensionsReq{}, ViewGetConfigReq{},
		ViewExpressionSchemaReq{}, ViewColumnPathsReq{}, ViewToArrowReq{},
		ViewToColumnsStringReq{}, ViewToRowsStringReq{}, ViewToCsvReq{},
		ViewDeleteReq{}, ViewGetMinMaxReq{}, ViewOnUpdateReq{},
		ViewRemoveOnUpdateReq{}, ViewOnDeleteReq{}, ViewRemoveDeleteReq{},
		ViewCollapseReq{}, ViewExpandReq{}, ViewSetDepthReq{},
	)
	register(responseKinds,
		GetFeaturesResp{}, GetHostedTablesResp{}, RemoveHostedTablesUpdateResp{},
		ServerSystemInfoResp{},
		ServerError{},
		MakeTableResp{}, TableSchemaResp{}, TableSizeResp{}, TableMakePortResp{},
		TableUpdateResp{}, TableReplaceResp{}, TableRemoveResp{}, TableDeleteResp{},
		TableValidateExprResp{}, TableOnDeleteResp{}, TableRemoveDeleteResp{},
		TableMakeViewResp{},
		ViewSchemaResp{}, ViewDimensionsResp{}, ViewGetConfigResp{},
		ViewExpressionSchemaResp{}, ViewColumnPathsResp{}, ViewToArrowResp{},
		ViewToColumnsStringResp{}, ViewToRowsStringResp{}, ViewToCsvResp{},
		ViewDeleteResp{}, ViewGetMinMaxResp{}, ViewOnUpdateResp{},
		ViewRemoveOnUpdateResp{}, ViewOnDeleteResp{}, ViewRemoveDeleteResp{},
		ViewCollapseResp{}, ViewExpandResp{}, ViewSetDepthResp{},
	)
}

// RequestKinds returns every registered request kind tag.
func RequestKinds() []string {
	return kindNames(requestKinds)
}

// ResponseKinds returns every registered response kind tag.
func ResponseKinds() []string {
	return kindNames(responseKinds)
}

// NewRequestPayload returns a pointer to a zero payload of the given request
// kind, or nil when the kind is unknown.
func NewRequestPayload(kind string) Payload {
	return newPayload(requestKinds, kind)
}

// NewResponsePayload returns a pointer to a zero payload of the given
// response kind, or nil when the kind is unknown.
func NewResponsePayload(kind string) Payload {
	return newPayload(responseKinds, kind)
}

// KindOf returns the kind tag of payload type T, which may be a struct or a
// pointer to one.
func KindOf[T Payload]() string {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return reflect.New(t).Elem().Interface().(Payload).Kind()
}

func newPayload(table map[string]reflect.Type, kind string) Payload {
	t, ok := table[kind]
	if !ok {
		return nil
	}
	return reflect.New(t).Interface().(Payload)
}

func kindNames(table map[string]reflect.Type) []string {
	names := make([]string, 0, len(table))
	for k := range table {
		names = append(names, k)
	}
	return names
}
