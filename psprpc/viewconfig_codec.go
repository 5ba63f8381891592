// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package psprpc

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeMsgpack writes only the fields that are set. A set field holding a
// nil collection is written as an empty collection so that it still
// decodes as set.
func (u ViewConfigUpdate) EncodeMsgpack(enc *msgpack.Encoder) error {
	type entry struct {
		key   string
		value any
	}
	var entries []entry
	if u.GroupBy != nil {
		entries = append(entries, entry{"group_by", orEmpty(*u.GroupBy)})
	}
	if u.SplitBy != nil {
		entries = append(entries, entry{"split_by", orEmpty(*u.SplitBy)})
	}
	if u.Sort != nil {
		entries = append(entries, entry{"sort", orEmpty(*u.Sort)})
	}
	if u.Filter != nil {
		entries = append(entries, entry{"filter", orEmpty(*u.Filter)})
	}
	if u.FilterOp != nil {
		entries = append(entries, entry{"filter_op", *u.FilterOp})
	}
	if u.Expressions != nil {
		m := *u.Expressions
		if m == nil {
			m = map[string]string{}
		}
		entries = append(entries, entry{"expressions", m})
	}
	if u.Columns != nil {
		entries = append(entries, entry{"columns", orEmpty(*u.Columns)})
	}
	if u.Aggregates != nil {
		m := *u.Aggregates
		if m == nil {
			m = map[string]Aggregate{}
		}
		entries = append(entries, entry{"aggregates", m})
	}
	if u.GroupByDepth != nil {
		entries = append(entries, entry{"group_by_depth", *u.GroupByDepth})
	}

	if err := enc.EncodeMapLen(len(entries)); err != nil {
		return err
	}
	for _, e := range entries {
		if err := enc.EncodeString(e.key); err != nil {
			return err
		}
		if err := enc.Encode(e.value); err != nil {
			return fmt.Errorf("encoding %s: %w", e.key, err)
		}
	}
	return nil
}

// DecodeMsgpack reads the sparse map written by EncodeMsgpack. Unknown keys
// are skipped.
func (u *ViewConfigUpdate) DecodeMsgpack(dec *msgpack.Decoder) error {
	*u = ViewConfigUpdate{}
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	for range max(n, 0) {
		key, err := dec.DecodeString()
		if err != nil {
			return err
		}
		switch key {
		case "group_by":
			u.GroupBy, err = decodeSet[[]string](dec)
		case "split_by":
			u.SplitBy, err = decodeSet[[]string](dec)
		case "sort":
			u.Sort, err = decodeSet[[]Sort](dec)
		case "filter":
			u.Filter, err = decodeSet[[]Filter](dec)
		case "filter_op":
			u.FilterOp, err = decodeSet[FilterReducer](dec)
		case "expressions":
			u.Expressions, err = decodeSet[map[string]string](dec)
		case "columns":
			u.Columns, err = decodeSet[[]*string](dec)
		case "aggregates":
			u.Aggregates, err = decodeSet[map[string]Aggregate](dec)
		case "group_by_depth":
			u.GroupByDepth, err = decodeSet[uint32](dec)
		default:
			err = dec.Skip()
		}
		if err != nil {
			return fmt.Errorf("decoding %s: %w", key, err)
		}
	}
	return nil
}

func decodeSet[T any](dec *msgpack.Decoder) (*T, error) {
	v := new(T)
	if err := dec.Decode(v); err != nil {
		return nil, err
	}
	return v, nil
}

// ParseViewConfigUpdate decodes the JSON form of an update, e.g.
//
//	{"group_by": ["x"], "sort": [["y", "desc"]], "filter": [["z", ">", 3]]}
func ParseViewConfigUpdate(data []byte) (ViewConfigUpdate, error) {
	var u ViewConfigUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return ViewConfigUpdate{}, fmt.Errorf("parsing view config: %w", err)
	}
	return u, nil
}

// MarshalJSON writes null, a bool, a number or a string.
func (s Scalar) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Value())
}

func (s *Scalar) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*s = NullScalar()
	case bool:
		*s = BoolScalar(x)
	case float64:
		*s = FloatScalar(x)
	case string:
		*s = StringScalar(x)
	default:
		return fmt.Errorf("scalar: unsupported JSON value %s", data)
	}
	return nil
}

// MarshalJSON writes a single scalar or an array of scalars.
func (t FilterTerm) MarshalJSON() ([]byte, error) {
	if t.IsArray {
		return json.Marshal(orEmpty(t.Array))
	}
	return json.Marshal(t.Scalar)
}

func (t *FilterTerm) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var items []Scalar
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*t = ArrayTerm(items...)
		return nil
	}
	var s Scalar
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = ScalarTerm(s)
	return nil
}

// MarshalJSON writes ["column", "dir"].
func (s Sort) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{s.Column, string(s.Dir)})
}

func (s *Sort) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("sort: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("sort: expected [column, dir], got %d elements", len(pair))
	}
	dir := SortDir(pair[1])
	if !dir.Valid() {
		return fmt.Errorf("sort: unknown direction %q", pair[1])
	}
	*s = Sort{Column: pair[0], Dir: dir}
	return nil
}

// MarshalJSON writes ["column", "op", term].
func (f Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{f.Column, f.Op, f.Term})
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	if len(parts) < 2 || len(parts) > 3 {
		return fmt.Errorf("filter: expected [column, op, term], got %d elements", len(parts))
	}
	var out Filter
	if err := json.Unmarshal(parts[0], &out.Column); err != nil {
		return fmt.Errorf("filter column: %w", err)
	}
	if err := json.Unmarshal(parts[1], &out.Op); err != nil {
		return fmt.Errorf("filter op: %w", err)
	}
	if len(parts) == 3 {
		if err := json.Unmarshal(parts[2], &out.Term); err != nil {
			return fmt.Errorf("filter term: %w", err)
		}
	}
	*f = out
	return nil
}

// MarshalJSON writes "name" without arguments, ["name", [args]] otherwise.
func (a Aggregate) MarshalJSON() ([]byte, error) {
	if len(a.Args) == 0 {
		return json.Marshal(a.Name)
	}
	return json.Marshal([]any{a.Name, a.Args})
}

func (a *Aggregate) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*a = Aggregate{Name: name}
		return nil
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("aggregate: expected [name, [args]], got %d elements", len(parts))
	}
	var out Aggregate
	if err := json.Unmarshal(parts[0], &out.Name); err != nil {
		return fmt.Errorf("aggregate name: %w", err)
	}
	if err := json.Unmarshal(parts[1], &out.Args); err != nil {
		return fmt.Errorf("aggregate args: %w", err)
	}
	*a = out
	return nil
}
