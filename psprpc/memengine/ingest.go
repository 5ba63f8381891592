// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package memengine

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// absent marks a cell the input did not mention. Upserts keep the stored
// value for absent cells; appends store null.
type absentCell struct{}

var absent any = absentCell{}

// batch is parsed client data: raw cell values in input column order.
type batch struct {
	columns []string
	// types is set when the input carries its own types (schema, Arrow).
	types []psprpc.ColumnType
	rows  [][]any
}

func (b *batch) columnIndex(name string) int {
	for i, c := range b.columns {
		if c == name {
			return i
		}
	}
	return -1
}

func (b *batch) addColumn(name string) int {
	if i := b.columnIndex(name); i >= 0 {
		return i
	}
	b.columns = append(b.columns, name)
	for i := range b.rows {
		b.rows[i] = append(b.rows[i], absent)
	}
	return len(b.columns) - 1
}

// parseData decodes UpdateData into a batch.
func parseData(data psprpc.UpdateData) (*batch, error) {
	switch data.Format {
	case psprpc.FormatSchema:
		if err := data.Schema.Validate(); err != nil {
			return nil, err
		}
		b := &batch{}
		for _, c := range data.Schema {
			b.columns = append(b.columns, c.Name)
			b.types = append(b.types, c.Type)
		}
		return b, nil
	case psprpc.FormatCSV:
		return parseCSV(data.Text)
	case psprpc.FormatRows:
		return parseRows(data.Text)
	case psprpc.FormatColumns:
		return parseColumns(data.Text)
	case psprpc.FormatArrow:
		return parseArrow(data.Bytes)
	}
	return nil, fmt.Errorf("unknown data format %q", data.Format)
}

func parseCSV(text string) (*batch, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, errors.New("csv: missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	b := &batch{columns: header}
	for line := 2; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv: %w", err)
		}
		if len(record) > len(header) {
			return nil, fmt.Errorf("csv line %d: %d fields, header has %d", line, len(record), len(header))
		}
		row := make([]any, len(header))
		for i := range row {
			if i < len(record) && record[i] != "" {
				row[i] = csvCell(record[i])
			}
		}
		b.rows = append(b.rows, row)
	}
	return b, nil
}

// csvCell distinguishes CSV text from JSON strings during inference.
type csvCell string

func parseRows(text string) (*batch, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := expectDelim(dec, '['); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	b := &batch{}
	for dec.More() {
		if err := expectDelim(dec, '{'); err != nil {
			return nil, fmt.Errorf("row %d: %w", len(b.rows), err)
		}
		row := make([]any, len(b.columns))
		for i := range row {
			row[i] = absent
		}
		for dec.More() {
			key, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", len(b.rows), err)
			}
			name, _ := key.(string)
			var v any
			if err := dec.Decode(&v); err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", len(b.rows), name, err)
			}
			i := b.columnIndex(name)
			if i < 0 {
				i = b.addColumn(name)
				row = append(row, absent)
			}
			row[i] = v
		}
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("row %d: %w", len(b.rows), err)
		}
		b.rows = append(b.rows, row)
	}
	return b, nil
}

func parseColumns(text string) (*batch, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	b := &batch{}
	var cols [][]any
	n := -1
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("columns: %w", err)
		}
		name, _ := key.(string)
		var values []any
		if err := dec.Decode(&values); err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		if n >= 0 && len(values) != n {
			return nil, fmt.Errorf("column %q has %d values, expected %d", name, len(values), n)
		}
		n = len(values)
		b.columns = append(b.columns, name)
		cols = append(cols, values)
	}
	for r := 0; r < n; r++ {
		row := make([]any, len(cols))
		for c := range cols {
			row[c] = cols[c][r]
		}
		b.rows = append(b.rows, row)
	}
	return b, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func parseArrow(data []byte) (*batch, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("arrow: %w", err)
	}
	defer reader.Release()

	b := &batch{}
	for _, f := range reader.Schema().Fields() {
		t, err := columnTypeOf(f.Type)
		if err != nil {
			return nil, fmt.Errorf("arrow column %q: %w", f.Name, err)
		}
		b.columns = append(b.columns, f.Name)
		b.types = append(b.types, t)
	}
	for reader.Next() {
		rec := reader.RecordBatch()
		for r := 0; r < int(rec.NumRows()); r++ {
			row := make([]any, len(b.columns))
			for c := range row {
				row[c] = arrowValue(rec.Column(c), r)
			}
			b.rows = append(b.rows, row)
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("arrow: %w", err)
	}
	return b, nil
}

func columnTypeOf(dt arrow.DataType) (psprpc.ColumnType, error) {
	switch dt.ID() {
	case arrow.BOOL:
		return psprpc.TypeBoolean, nil
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return psprpc.TypeInteger, nil
	case arrow.FLOAT32, arrow.FLOAT64:
		return psprpc.TypeFloat, nil
	case arrow.STRING, arrow.LARGE_STRING, arrow.DICTIONARY:
		return psprpc.TypeString, nil
	case arrow.DATE32, arrow.DATE64:
		return psprpc.TypeDate, nil
	case arrow.TIMESTAMP:
		return psprpc.TypeDatetime, nil
	}
	return "", fmt.Errorf("unsupported arrow type %s", dt)
}

func arrowValue(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch a := col.(type) {
	case *array.Boolean:
		return a.Value(i)
	case *array.Int8:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int64:
		return a.Value(i)
	case *array.Uint8:
		return int64(a.Value(i))
	case *array.Uint16:
		return int64(a.Value(i))
	case *array.Uint32:
		return int64(a.Value(i))
	case *array.Uint64:
		return int64(a.Value(i))
	case *array.Float32:
		return float64(a.Value(i))
	case *array.Float64:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Dictionary:
		return a.Dictionary().ValueStr(a.GetValueIndex(i))
	case *array.Date32:
		return a.Value(i).ToTime()
	case *array.Date64:
		return a.Value(i).ToTime()
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC()
	}
	return col.ValueStr(i)
}

// inferSchema assigns a type to every batch column.
func inferSchema(b *batch) psprpc.Schema {
	schema := make(psprpc.Schema, len(b.columns))
	for c, name := range b.columns {
		t := psprpc.TypeString
		if b.types != nil {
			t = b.types[c]
		} else {
			values := make([]any, 0, len(b.rows))
			for _, row := range b.rows {
				if v := row[c]; v != nil && v != absent {
					values = append(values, v)
				}
			}
			t = inferType(values)
		}
		schema[c] = psprpc.ColumnSchema{Name: name, Type: t}
	}
	return schema
}

// inferType picks the narrowest type every value converts to. Only CSV
// text is probed for numbers and booleans; JSON strings may still be dates.
func inferType(values []any) psprpc.ColumnType {
	if len(values) == 0 {
		return psprpc.TypeString
	}
	candidates := []psprpc.ColumnType{
		psprpc.TypeInteger, psprpc.TypeFloat, psprpc.TypeBoolean,
		psprpc.TypeDate, psprpc.TypeDatetime,
	}
	for _, t := range candidates {
		ok := true
		for _, v := range values {
			if !inferable(v, t) {
				ok = false
				break
			}
		}
		if ok {
			return t
		}
	}
	return psprpc.TypeString
}

func inferable(v any, t psprpc.ColumnType) bool {
	switch x := v.(type) {
	case json.Number:
		if t == psprpc.TypeInteger {
			_, err := x.Int64()
			return err == nil
		}
		return t == psprpc.TypeFloat
	case bool:
		return t == psprpc.TypeBoolean
	case string:
		switch t {
		case psprpc.TypeDate:
			_, ok := parseDate(x)
			return ok
		case psprpc.TypeDatetime:
			_, ok := parseDatetime(x)
			return ok
		}
		return false
	case csvCell:
		_, err := coerce(x, t)
		return err == nil
	}
	return false
}

// coerce converts a raw cell to the Go value stored for type t.
func coerce(v any, t psprpc.ColumnType) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(csvCell); ok {
		v = string(s)
	}
	switch t {
	case psprpc.TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			if b, err := strconv.ParseBool(strings.ToLower(x)); err == nil {
				return b, nil
			}
		}
	case psprpc.TypeInteger:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			if x == math.Trunc(x) {
				return int64(x), nil
			}
		case json.Number:
			if i, err := x.Int64(); err == nil {
				return i, nil
			}
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
				return i, nil
			}
		}
	case psprpc.TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case json.Number:
			if f, err := x.Float64(); err == nil {
				return f, nil
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return f, nil
			}
		}
	case psprpc.TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		case bool:
			return strconv.FormatBool(x), nil
		case time.Time:
			return x.Format(time.RFC3339), nil
		case int64, float64:
			return fmt.Sprint(x), nil
		}
	case psprpc.TypeDate:
		switch x := v.(type) {
		case time.Time:
			return truncateDay(x), nil
		case string:
			if d, ok := parseDate(x); ok {
				return d, nil
			}
		default:
			if ms, ok := epochMillis(v); ok {
				return truncateDay(time.UnixMilli(ms)), nil
			}
		}
	case psprpc.TypeDatetime:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			if d, ok := parseDatetime(x); ok {
				return d, nil
			}
		default:
			if ms, ok := epochMillis(v); ok {
				return time.UnixMilli(ms).UTC(), nil
			}
		}
	}
	return nil, fmt.Errorf("cannot convert %v (%T) to %s", v, v, t)
}

func epochMillis(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
		if f, err := x.Float64(); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.DateOnly, "2006/01/02", "01/02/2006"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseDatetime(s string) (time.Time, bool) {
	layouts := []string{time.RFC3339Nano, "2006-01-02 15:04:05.000", time.DateTime, "2006-01-02T15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UTC(), true
		}
	}
	if d, ok := parseDate(s); ok {
		return d, true
	}
	return time.Time{}, false
}
