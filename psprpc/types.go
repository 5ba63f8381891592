// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package psprpc

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/vmihailenco/msgpack/v5"
)

// tagInfo holds parsed information from a `psp` struct tag.
type tagInfo struct {
	Name    string
	Msgpack bool // nested value stored as msgpack bytes in a binary column
}

// parseTag parses a psp struct tag like "name" or "name,msgpack".
func parseTag(tag string) tagInfo {
	parts := strings.Split(tag, ",")
	info := tagInfo{Name: parts[0]}
	for _, part := range parts[1:] {
		if part == "msgpack" {
			info.Msgpack = true
		}
	}
	return info
}

// payloadField is one tagged field of a payload struct.
type payloadField struct {
	Index int
	Tag   tagInfo
}

// payloadLayout caches the Arrow schema and tagged fields of one payload type.
type payloadLayout struct {
	Schema *arrow.Schema
	Fields []payloadField
}

var layoutCache sync.Map // reflect.Type -> *payloadLayout

// layoutOf returns the cached layout for a payload struct type.
func layoutOf(t reflect.Type) (*payloadLayout, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if cached, ok := layoutCache.Load(t); ok {
		return cached.(*payloadLayout), nil
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct type, got %v", t.Kind())
	}
	layout := &payloadLayout{}
	var fields []arrow.Field
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("psp")
		if tag == "" || tag == "-" {
			continue
		}
		info := parseTag(tag)

		arrowType, nullable, err := goTypeToArrowType(f.Type, info)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		fields = append(fields, arrow.Field{
			Name:     info.Name,
			Type:     arrowType,
			Nullable: nullable,
		})
		layout.Fields = append(layout.Fields, payloadField{Index: i, Tag: info})
	}
	layout.Schema = arrow.NewSchema(fields, nil)
	actual, _ := layoutCache.LoadOrStore(t, layout)
	return actual.(*payloadLayout), nil
}

// goTypeToArrowType maps a Go reflect.Type to an Arrow DataType.
func goTypeToArrowType(t reflect.Type, tag tagInfo) (arrow.DataType, bool, error) {
	nullable := false

	if t.Kind() == reflect.Ptr {
		nullable = true
		t = t.Elem()
	}

	if tag.Msgpack {
		return arrow.BinaryTypes.Binary, nullable, nil
	}

	switch t.Kind() {
	case reflect.String:
		return arrow.BinaryTypes.String, nullable, nil
	case reflect.Int64, reflect.Int:
		return arrow.PrimitiveTypes.Int64, nullable, nil
	case reflect.Int32:
		return arrow.PrimitiveTypes.Int32, nullable, nil
	case reflect.Uint32:
		return arrow.PrimitiveTypes.Uint32, nullable, nil
	case reflect.Uint64:
		return arrow.PrimitiveTypes.Uint64, nullable, nil
	case reflect.Float64:
		return arrow.PrimitiveTypes.Float64, nullable, nil
	case reflect.Bool:
		return &arrow.BooleanType{}, nullable, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return arrow.BinaryTypes.Binary, nullable, nil
		}
		elemType, _, err := goTypeToArrowType(t.Elem(), tagInfo{})
		if err != nil {
			return nil, false, fmt.Errorf("list element: %w", err)
		}
		return arrow.ListOf(elemType), nullable, nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, false, fmt.Errorf("map key must be a string kind, got %v", t.Key())
		}
		valType, _, err := goTypeToArrowType(t.Elem(), tagInfo{})
		if err != nil {
			return nil, false, fmt.Errorf("map value: %w", err)
		}
		return arrow.MapOf(arrow.BinaryTypes.String, valType), nullable, nil
	default:
		return nil, false, fmt.Errorf("unsupported Go type: %v (kind: %v)", t, t.Kind())
	}
}

// encodePayload builds a 1-row record batch from a payload struct. Payloads
// without tagged fields produce a zero-row, zero-column batch.
func encodePayload(p Payload) (arrow.RecordBatch, error) {
	rv := reflect.ValueOf(p)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, fmt.Errorf("nil %T payload", p)
		}
		rv = rv.Elem()
	}
	layout, err := layoutOf(rv.Type())
	if err != nil {
		return nil, err
	}
	if layout.Schema.NumFields() == 0 {
		return array.NewRecordBatch(layout.Schema, nil, 0), nil
	}

	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, 0, len(layout.Fields))
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for i, pf := range layout.Fields {
		arr, err := buildArray(mem, layout.Schema.Field(i).Type, rv.Field(pf.Index), pf.Tag)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", pf.Tag.Name, err)
		}
		cols = append(cols, arr)
	}
	return array.NewRecordBatch(layout.Schema, cols, 1), nil
}

// buildArray creates a 1-element Arrow array from a Go value.
func buildArray(mem memory.Allocator, dt arrow.DataType, rv reflect.Value, tag tagInfo) (arrow.Array, error) {
	b := array.NewBuilder(mem, dt)
	defer b.Release()

	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			b.AppendNull()
			return b.NewArray(), nil
		}
		rv = rv.Elem()
	}

	if tag.Msgpack {
		data, err := msgpack.Marshal(rv.Interface())
		if err != nil {
			return nil, fmt.Errorf("msgpack encode %v: %w", rv.Type(), err)
		}
		b.(*array.BinaryBuilder).Append(data)
		return b.NewArray(), nil
	}

	if err := appendToBuilder(b, dt, rv); err != nil {
		return nil, err
	}
	return b.NewArray(), nil
}

// appendToBuilder appends a single value to an Arrow array builder.
func appendToBuilder(b array.Builder, dt arrow.DataType, rv reflect.Value) error {
	if rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			b.AppendNull()
			return nil
		}
		rv = rv.Elem()
	}

	switch dt.ID() {
	case arrow.STRING:
		b.(*array.StringBuilder).Append(rv.String())
	case arrow.INT64:
		b.(*array.Int64Builder).Append(rv.Int())
	case arrow.INT32:
		b.(*array.Int32Builder).Append(int32(rv.Int()))
	case arrow.UINT32:
		b.(*array.Uint32Builder).Append(uint32(rv.Uint()))
	case arrow.UINT64:
		b.(*array.Uint64Builder).Append(rv.Uint())
	case arrow.FLOAT64:
		b.(*array.Float64Builder).Append(rv.Float())
	case arrow.BOOL:
		b.(*array.BooleanBuilder).Append(rv.Bool())
	case arrow.BINARY:
		b.(*array.BinaryBuilder).Append(rv.Bytes())
	case arrow.LIST:
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		vb := lb.ValueBuilder()
		elemType := dt.(*arrow.ListType).Elem()
		for i := range rv.Len() {
			if err := appendToBuilder(vb, elemType, rv.Index(i)); err != nil {
				return fmt.Errorf("list element [%d]: %w", i, err)
			}
		}
	case arrow.MAP:
		mb := b.(*array.MapBuilder)
		mt := dt.(*arrow.MapType)
		mb.Append(true)
		kb := mb.KeyBuilder()
		ib := mb.ItemBuilder()
		// Sort keys for deterministic output
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return keys[i].String() < keys[j].String()
		})
		for _, k := range keys {
			kb.(*array.StringBuilder).Append(k.String())
			if err := appendToBuilder(ib, mt.ItemType(), rv.MapIndex(k)); err != nil {
				return fmt.Errorf("map value %q: %w", k.String(), err)
			}
		}
	default:
		return fmt.Errorf("unsupported Arrow type for serialization: %v", dt)
	}
	return nil
}

// decodePayload reads row 0 of a record batch into a new value of the payload
// struct type and returns a pointer to it.
func decodePayload(batch arrow.RecordBatch, target reflect.Type) (reflect.Value, error) {
	layout, err := layoutOf(target)
	if err != nil {
		return reflect.Value{}, err
	}
	result := reflect.New(target)
	if len(layout.Fields) == 0 {
		return result, nil
	}
	if batch.NumRows() != 1 {
		return reflect.Value{}, fmt.Errorf("expected 1 row in payload batch, got %d", batch.NumRows())
	}

	for _, pf := range layout.Fields {
		colIdx := -1
		for ci := range batch.NumCols() {
			if batch.ColumnName(int(ci)) == pf.Tag.Name {
				colIdx = int(ci)
				break
			}
		}
		if colIdx == -1 {
			// Column not present: leave the zero value
			continue
		}
		if err := setFieldFromArrow(result.Elem().Field(pf.Index), batch.Column(colIdx), 0, pf.Tag); err != nil {
			return reflect.Value{}, fmt.Errorf("field %s: %w", pf.Tag.Name, err)
		}
	}
	return result, nil
}

// setFieldFromArrow sets a struct field value from an Arrow array at index idx.
func setFieldFromArrow(field reflect.Value, col arrow.Array, idx int, info tagInfo) error {
	if col.IsNull(idx) {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	if field.Kind() == reflect.Ptr {
		ptr := reflect.New(field.Type().Elem())
		if err := setFieldFromArrow(ptr.Elem(), col, idx, info); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}

	if info.Msgpack {
		c, ok := col.(*array.Binary)
		if !ok {
			return fmt.Errorf("expected Binary array for msgpack field, got %T", col)
		}
		if err := msgpack.Unmarshal(c.Value(idx), field.Addr().Interface()); err != nil {
			return fmt.Errorf("msgpack decode %v: %w", field.Type(), err)
		}
		return nil
	}

	switch c := col.(type) {
	case *array.String:
		if field.Kind() != reflect.String {
			return kindMismatch(field, col)
		}
		field.SetString(strings.Clone(c.Value(idx)))
	case *array.Int64:
		if !isIntKind(field.Kind()) {
			return kindMismatch(field, col)
		}
		field.SetInt(c.Value(idx))
	case *array.Int32:
		if !isIntKind(field.Kind()) {
			return kindMismatch(field, col)
		}
		field.SetInt(int64(c.Value(idx)))
	case *array.Uint32:
		if !isUintKind(field.Kind()) {
			return kindMismatch(field, col)
		}
		field.SetUint(uint64(c.Value(idx)))
	case *array.Uint64:
		if !isUintKind(field.Kind()) {
			return kindMismatch(field, col)
		}
		field.SetUint(c.Value(idx))
	case *array.Float64:
		if field.Kind() != reflect.Float64 {
			return kindMismatch(field, col)
		}
		field.SetFloat(c.Value(idx))
	case *array.Boolean:
		if field.Kind() != reflect.Bool {
			return kindMismatch(field, col)
		}
		field.SetBool(c.Value(idx))
	case *array.Binary:
		if field.Kind() != reflect.Slice || field.Type().Elem().Kind() != reflect.Uint8 {
			return kindMismatch(field, col)
		}
		field.SetBytes(append([]byte(nil), c.Value(idx)...))
	case *array.Map:
		if field.Kind() != reflect.Map {
			return kindMismatch(field, col)
		}
		return setMapField(field, c, idx)
	case *array.List:
		if field.Kind() != reflect.Slice {
			return kindMismatch(field, col)
		}
		return setListField(field, c, idx)
	default:
		return fmt.Errorf("unsupported Arrow array type: %T", col)
	}
	return nil
}

func setListField(field reflect.Value, listArr *array.List, idx int) error {
	start, end := listArr.ValueOffsets(idx)
	values := listArr.ListValues()
	length := int(end - start)

	slice := reflect.MakeSlice(field.Type(), length, length)
	for j := 0; j < length; j++ {
		if err := setFieldFromArrow(slice.Index(j), values, int(start)+j, tagInfo{}); err != nil {
			return fmt.Errorf("list element [%d]: %w", j, err)
		}
	}
	field.Set(slice)
	return nil
}

func setMapField(field reflect.Value, mapArr *array.Map, idx int) error {
	start, end := mapArr.ValueOffsets(idx)
	keys := mapArr.Keys()
	items := mapArr.Items()
	length := int(end - start)

	fieldType := field.Type()
	m := reflect.MakeMapWithSize(fieldType, length)
	for j := 0; j < length; j++ {
		k := reflect.New(fieldType.Key()).Elem()
		v := reflect.New(fieldType.Elem()).Elem()
		if err := setFieldFromArrow(k, keys, int(start)+j, tagInfo{}); err != nil {
			return fmt.Errorf("map key [%d]: %w", j, err)
		}
		if err := setFieldFromArrow(v, items, int(start)+j, tagInfo{}); err != nil {
			return fmt.Errorf("map value [%d]: %w", j, err)
		}
		m.SetMapIndex(k, v)
	}
	field.Set(m)
	return nil
}

func isIntKind(k reflect.Kind) bool {
	return k == reflect.Int || k == reflect.Int64 || k == reflect.Int32
}

func isUintKind(k reflect.Kind) bool {
	return k == reflect.Uint32 || k == reflect.Uint64
}

func kindMismatch(field reflect.Value, col arrow.Array) error {
	return fmt.Errorf("cannot store %s column into %v", col.DataType(), field.Type())
}
