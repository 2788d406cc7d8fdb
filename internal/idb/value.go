package idb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/choplin/officestore/internal/kv"
)

// Value is a stored object. Numbers decode as int64 when integral and
// float64 otherwise.
type Value map[string]any

// Clone returns a shallow copy of v.
func (v Value) Clone() Value {
	if v == nil {
		return nil
	}
	out := make(Value, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// String returns field as a string, or "" when absent.
func (v Value) String(field string) string {
	s, _ := v[field].(string)
	return s
}

// Int64 returns field as an int64, or 0 when absent or not numeric.
func (v Value) Int64(field string) int64 {
	switch n := v[field].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}

// Bool returns field as a bool.
func (v Value) Bool(field string) bool {
	b, _ := v[field].(bool)
	return b
}

// KeyFrom builds the tuple key of v from keyPath.
func (v Value) KeyFrom(keyPath []string) (kv.Key, error) {
	key := make(kv.Key, 0, len(keyPath))
	for _, field := range keyPath {
		part, err := kv.NormalizePart(v[field])
		if err != nil {
			return nil, fmt.Errorf("key path %q: %w", field, err)
		}
		key = append(key, part)
	}
	return key, nil
}

func encodeValue(v Value) ([]byte, error) {
	return json.Marshal(v)
}

func decodeValue(raw []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("corrupt stored value: %w", err)
	}
	return Value(normalizeNumbers(out).(map[string]any)), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, err := t.Float64()
		if err != nil || math.IsInf(f, 0) {
			return t.String()
		}
		return f
	default:
		return v
	}
}
