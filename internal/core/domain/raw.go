package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RawFields is the loosely typed pre-normalization record. Values are limited
// to string, float64 or nil.
type RawFields map[string]any

// NewRawFields coerces an arbitrary map into RawFields, rejecting nested values.
func NewRawFields(in map[string]any) (RawFields, error) {
	out := make(RawFields, len(in))
	for k, v := range in {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		switch tv := v.(type) {
		case nil:
			out[key] = nil
		case string:
			out[key] = tv
		case float64:
			out[key] = tv
		case float32:
			out[key] = float64(tv)
		case int:
			out[key] = float64(tv)
		case int32:
			out[key] = float64(tv)
		case int64:
			out[key] = float64(tv)
		case bool:
			out[key] = strconv.FormatBool(tv)
		default:
			return nil, WrapError(ErrInvalidInput, "raw fields", fmt.Errorf("field %q has unsupported type %T", key, v))
		}
	}
	return out, nil
}

// Text renders a field as a trimmed string; ok is false for absent or null.
func (r RawFields) Text(key string) (string, bool) {
	v, present := r[key]
	if !present || v == nil {
		return "", false
	}
	switch tv := v.(type) {
	case string:
		return strings.TrimSpace(tv), true
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64), true
	default:
		return fmt.Sprint(tv), true
	}
}

func (r RawFields) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r RawFields) Clone() RawFields {
	out := make(RawFields, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Flatten joins keys and values into a single text blob for classification.
func (r RawFields) Flatten() string {
	var b strings.Builder
	for _, k := range r.Keys() {
		b.WriteString(k)
		if v, ok := r.Text(k); ok && v != "" {
			b.WriteString(": ")
			b.WriteString(v)
		}
		b.WriteString("\n")
	}
	return b.String()
}
