// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"cmp"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Synthetic columns added by the JSON serializers.
const (
	IDColumn    = "__ID__"
	IndexColumn = "__INDEX__"
)

type windowFlags struct {
	id        bool
	index     bool
	formatted bool
}

// sliceToColumnsJSON renders {"col": [v, ...], ...} in column order.
func sliceToColumnsJSON(d *DataSlice, firstRow int, flags windowFlags) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	writeColumn := func(name string, values []any) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		key, _ := json.Marshal(name)
		buf.Write(key)
		buf.WriteByte(':')
		return writeJSON(&buf, values)
	}
	if flags.id {
		if err := writeColumn(IDColumn, idValues(d, firstRow)); err != nil {
			return "", err
		}
	}
	if flags.index {
		if err := writeColumn(IndexColumn, indexValues(d, firstRow)); err != nil {
			return "", err
		}
	}
	for _, col := range d.Columns {
		values := make([]any, len(col.Values))
		for i, v := range col.Values {
			values[i] = renderValue(col.Type, v, flags.formatted)
		}
		if err := writeColumn(col.Name, values); err != nil {
			return "", fmt.Errorf("column %q: %w", col.Name, err)
		}
	}
	buf.WriteByte('}')
	return buf.String(), nil
}

// sliceToRowsJSON renders [{"col": v, ...}, ...] with keys in column order.
func sliceToRowsJSON(d *DataSlice, firstRow int, flags windowFlags) (string, error) {
	n := d.NumRows()
	var ids, idx []any
	if flags.id {
		ids = idValues(d, firstRow)
	}
	if flags.index {
		idx = indexValues(d, firstRow)
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for row := 0; row < n; row++ {
		if row > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		first := true
		field := func(name string, v any) error {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			key, _ := json.Marshal(name)
			buf.Write(key)
			buf.WriteByte(':')
			return writeJSON(&buf, v)
		}
		if flags.id {
			if err := field(IDColumn, ids[row]); err != nil {
				return "", err
			}
		}
		if flags.index {
			if err := field(IndexColumn, idx[row]); err != nil {
				return "", err
			}
		}
		for _, col := range d.Columns {
			var v any
			if row < len(col.Values) {
				v = renderValue(col.Type, col.Values[row], flags.formatted)
			}
			if err := field(col.Name, v); err != nil {
				return "", fmt.Errorf("row %d column %q: %w", row, col.Name, err)
			}
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.String(), nil
}

func writeJSON(buf *bytes.Buffer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

// idValues returns the row path of each row, or the absolute row number
// when the view is not grouped.
func idValues(d *DataSlice, firstRow int) []any {
	n := d.NumRows()
	out := make([]any, n)
	for i := range out {
		if i < len(d.RowPaths) {
			path := make([]any, len(d.RowPaths[i]))
			for j, v := range d.RowPaths[i] {
				path[j] = jsonValue(v)
			}
			out[i] = path
		} else {
			out[i] = []any{firstRow + i}
		}
	}
	return out
}

func indexValues(d *DataSlice, firstRow int) []any {
	n := d.NumRows()
	out := make([]any, n)
	for i := range out {
		if i < len(d.Index) {
			out[i] = jsonValue(d.Index[i])
		} else {
			out[i] = firstRow + i
		}
	}
	return out
}

// sliceToCSV renders a header row followed by one record per row. Nulls are
// empty fields.
func sliceToCSV(d *DataSlice) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := make([]string, len(d.Columns))
	for i, col := range d.Columns {
		header[i] = col.Name
	}
	if err := w.Write(header); err != nil {
		return "", err
	}
	record := make([]string, len(d.Columns))
	for row := 0; row < d.NumRows(); row++ {
		for i, col := range d.Columns {
			record[i] = ""
			if row < len(col.Values) && col.Values[row] != nil {
				record[i] = formatValue(col.Type, col.Values[row])
			}
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ArrowType maps a column type to the Arrow type used in serialized views.
func ArrowType(t psprpc.ColumnType) arrow.DataType {
	switch t {
	case psprpc.TypeBoolean:
		return arrow.FixedWidthTypes.Boolean
	case psprpc.TypeInteger:
		return arrow.PrimitiveTypes.Int64
	case psprpc.TypeFloat:
		return arrow.PrimitiveTypes.Float64
	case psprpc.TypeDate:
		return arrow.FixedWidthTypes.Date32
	case psprpc.TypeDatetime:
		return arrow.FixedWidthTypes.Timestamp_ms
	default:
		return arrow.BinaryTypes.String
	}
}

// sliceToArrow serializes the slice as a one-batch Arrow IPC stream.
func sliceToArrow(d *DataSlice) ([]byte, error) {
	mem := memory.NewGoAllocator()
	fields := make([]arrow.Field, len(d.Columns))
	cols := make([]arrow.Array, len(d.Columns))
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	n := d.NumRows()
	for i, col := range d.Columns {
		dt := ArrowType(col.Type)
		fields[i] = arrow.Field{Name: col.Name, Type: dt, Nullable: true}
		arr, err := buildColumn(mem, dt, col, n)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		cols[i] = arr
	}
	schema := arrow.NewSchema(fields, nil)
	batch := array.NewRecordBatch(schema, cols, int64(n))
	defer batch.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := writer.Write(batch); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildColumn(mem memory.Allocator, dt arrow.DataType, col ColumnData, n int) (arrow.Array, error) {
	b := array.NewBuilder(mem, dt)
	defer b.Release()
	for row := 0; row < n; row++ {
		var v any
		if row < len(col.Values) {
			v = col.Values[row]
		}
		if v == nil {
			b.AppendNull()
			continue
		}
		switch bb := b.(type) {
		case *array.BooleanBuilder:
			bv, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("row %d: %T is not a boolean", row, v)
			}
			bb.Append(bv)
		case *array.Int64Builder:
			iv, ok := toInt64(v)
			if !ok {
				return nil, fmt.Errorf("row %d: %T is not an integer", row, v)
			}
			bb.Append(iv)
		case *array.Float64Builder:
			fv, ok := toFloat64(v)
			if !ok {
				return nil, fmt.Errorf("row %d: %T is not a float", row, v)
			}
			bb.Append(fv)
		case *array.Date32Builder:
			tv, ok := toTime(v)
			if !ok {
				return nil, fmt.Errorf("row %d: %T is not a date", row, v)
			}
			bb.Append(arrow.Date32FromTime(tv))
		case *array.TimestampBuilder:
			tv, ok := toTime(v)
			if !ok {
				return nil, fmt.Errorf("row %d: %T is not a datetime", row, v)
			}
			bb.Append(arrow.Timestamp(tv.UnixMilli()))
		case *array.StringBuilder:
			bb.Append(formatValue(col.Type, v))
		default:
			return nil, fmt.Errorf("unsupported arrow type %s", dt)
		}
	}
	return b.NewArray(), nil
}

// renderValue converts v to its JSON form, or to its display string when
// formatted.
func renderValue(t psprpc.ColumnType, v any, formatted bool) any {
	if v == nil {
		return nil
	}
	if formatted {
		return formatValue(t, v)
	}
	return jsonValue(v)
}

// jsonValue maps times to epoch milliseconds; other values pass through.
func jsonValue(v any) any {
	if tv, ok := v.(time.Time); ok {
		return tv.UnixMilli()
	}
	return v
}

// formatValue renders v as display text for its column type.
func formatValue(t psprpc.ColumnType, v any) string {
	switch t {
	case psprpc.TypeDate:
		if tv, ok := toTime(v); ok {
			return tv.UTC().Format(time.DateOnly)
		}
	case psprpc.TypeDatetime:
		if tv, ok := toTime(v); ok {
			return tv.UTC().Format("2006-01-02 15:04:05.000")
		}
	case psprpc.TypeFloat:
		if fv, ok := toFloat64(v); ok {
			return strconv.FormatFloat(fv, 'f', -1, 64)
		}
	}
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float64:
		if x == float64(int64(x)) {
			return int64(x), true
		}
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", time.DateOnly} {
			if tv, err := time.Parse(layout, x); err == nil {
				return tv, true
			}
		}
		return time.Time{}, false
	}
	if ms, ok := toInt64(v); ok {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

// CompareValues orders two non-nil values of one column. Numbers compare
// numerically, times chronologically, false sorts before true, and anything
// else by its text.
func CompareValues(a, b any) int {
	if af, ok := toFloat64(a); ok {
		if bf, ok := toFloat64(b); ok {
			return cmp.Compare(af, bf)
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
