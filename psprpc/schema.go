// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package psprpc

import "fmt"

// ColumnType is the logical type of a table or view column.
type ColumnType string

const (
	TypeBoolean  ColumnType = "boolean"
	TypeString   ColumnType = "string"
	TypeInteger  ColumnType = "integer"
	TypeFloat    ColumnType = "float"
	TypeDate     ColumnType = "date"
	TypeDatetime ColumnType = "datetime"
)

// Valid reports whether t is one of the known column types.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeBoolean, TypeString, TypeInteger, TypeFloat, TypeDate, TypeDatetime:
		return true
	}
	return false
}

// ColumnSchema names one column and its type.
type ColumnSchema struct {
	Name string     `msgpack:"name" json:"name"`
	Type ColumnType `msgpack:"type" json:"type"`
}

// Schema is an ordered column list. Order is significant: it is the column
// order of the table or view.
type Schema []ColumnSchema

// Names returns the column names in schema order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// Lookup returns the type of the named column.
func (s Schema) Lookup(name string) (ColumnType, bool) {
	for _, c := range s {
		if c.Name == name {
			return c.Type, true
		}
	}
	return "", false
}

// Map returns the schema as an unordered name to type map.
func (s Schema) Map() map[string]ColumnType {
	m := make(map[string]ColumnType, len(s))
	for _, c := range s {
		m[c.Name] = c.Type
	}
	return m
}

// Validate checks for empty or duplicate names and unknown types.
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s))
	for _, c := range s {
		if c.Name == "" {
			return fmt.Errorf("schema: empty column name")
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("schema: duplicate column %q", c.Name)
		}
		if !c.Type.Valid() {
			return fmt.Errorf("schema: column %q has unknown type %q", c.Name, c.Type)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// HostedTable describes one table served by an engine.
type HostedTable struct {
	EntityID string  `msgpack:"entity_id"`
	Index    *string `msgpack:"index,omitempty"`
	Limit    *uint32 `msgpack:"limit,omitempty"`
}

// MakeTableOptions are the wire form of table creation options. At most one
// of Index and Limit is set.
type MakeTableOptions struct {
	Index *string `msgpack:"index,omitempty"`
	Limit *uint32 `msgpack:"limit,omitempty"`
}

// Viewport bounds a data slice. Nil bounds mean "from the start" or "to the
// end". End bounds are exclusive.
type Viewport struct {
	StartRow *uint32 `msgpack:"start_row,omitempty" json:"start_row,omitempty"`
	StartCol *uint32 `msgpack:"start_col,omitempty" json:"start_col,omitempty"`
	EndRow   *uint32 `msgpack:"end_row,omitempty" json:"end_row,omitempty"`
	EndCol   *uint32 `msgpack:"end_col,omitempty" json:"end_col,omitempty"`
}

// Rows resolves the row bounds against a row count.
func (v Viewport) Rows(numRows int) (start, end int) {
	return clampRange(v.StartRow, v.EndRow, numRows)
}

// Cols resolves the column bounds against a column count.
func (v Viewport) Cols(numCols int) (start, end int) {
	return clampRange(v.StartCol, v.EndCol, numCols)
}

func clampRange(lo, hi *uint32, n int) (int, int) {
	start, end := 0, n
	if lo != nil && int(*lo) < n {
		start = int(*lo)
	} else if lo != nil {
		start = n
	}
	if hi != nil && int(*hi) < n {
		end = int(*hi)
	}
	if end < start {
		end = start
	}
	return start, end
}

// DataFormat identifies how UpdateData carries its rows.
type DataFormat string

const (
	FormatSchema  DataFormat = "schema"
	FormatCSV     DataFormat = "csv"
	FormatRows    DataFormat = "rows"
	FormatColumns DataFormat = "columns"
	FormatArrow   DataFormat = "arrow"
)

// UpdateData is the payload of table creation and mutation requests.
type UpdateData struct {
	Format DataFormat `msgpack:"format"`
	Schema Schema     `msgpack:"schema,omitempty"`
	Text   string     `msgpack:"text,omitempty"`
	Bytes  []byte     `msgpack:"bytes,omitempty"`
}

// FromSchema creates an empty table definition.
func FromSchema(schema Schema) UpdateData {
	return UpdateData{Format: FormatSchema, Schema: schema}
}

// FromCSV wraps CSV text with a header row.
func FromCSV(text string) UpdateData {
	return UpdateData{Format: FormatCSV, Text: text}
}

// FromRows wraps a JSON array of row objects.
func FromRows(json string) UpdateData {
	return UpdateData{Format: FormatRows, Text: json}
}

// FromColumns wraps a JSON object of column arrays.
func FromColumns(json string) UpdateData {
	return UpdateData{Format: FormatColumns, Text: json}
}

// FromArrow wraps an Arrow IPC stream.
func FromArrow(data []byte) UpdateData {
	return UpdateData{Format: FormatArrow, Bytes: data}
}

// Features describes what an engine supports. Clients use it to decide which
// configuration controls to offer.
type Features struct {
	GroupBy     bool                    `msgpack:"group_by"`
	SplitBy     bool                    `msgpack:"split_by"`
	Sort        bool                    `msgpack:"sort"`
	Expressions bool                    `msgpack:"expressions"`
	OnUpdate    bool                    `msgpack:"on_update"`
	FilterOps   map[ColumnType][]string `msgpack:"filter_ops,omitempty"`
	Aggregates  map[ColumnType][]string `msgpack:"aggregates,omitempty"`
}

// SupportsFilterOp reports whether op may filter a column of type t.
func (f *Features) SupportsFilterOp(t ColumnType, op string) bool {
	for _, candidate := range f.FilterOps[t] {
		if candidate == op {
			return true
		}
	}
	return false
}

// SupportsAggregate reports whether agg may aggregate a column of type t.
func (f *Features) SupportsAggregate(t ColumnType, agg string) bool {
	for _, candidate := range f.Aggregates[t] {
		if candidate == agg {
			return true
		}
	}
	return false
}

// ExprValidationError locates a failure in an expression's source text.
type ExprValidationError struct {
	Message string `msgpack:"error_message" json:"error_message"`
	Line    uint32 `msgpack:"line" json:"line"`
	Column  uint32 `msgpack:"column" json:"column"`
}

// ExprValidationResult is the outcome of validating a batch of expressions.
// Every input name appears in exactly one of the two maps.
type ExprValidationResult struct {
	ExpressionSchema map[string]ColumnType
	Errors           map[string]ExprValidationError
}

// IsValid reports whether every expression in the batch validated.
func (r *ExprValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// SystemInfo reports engine memory usage.
type SystemInfo struct {
	HeapSize  uint64
	UsedSize  uint64
	Timestamp *int64 // unix millis
}
