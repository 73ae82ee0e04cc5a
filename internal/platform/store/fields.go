package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// String renders a decoded JSON/YAML scalar the way the store compares ids:
// integral numbers without a fraction, nil as "".
func String(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return String(float64(t))
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// Number converts a decoded scalar to float64. Strings are parsed after
// trimming spaces and thousands separators. NaN and infinities are rejected.
func Number(v interface{}) (float64, bool) {
	f, ok := number(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func number(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(t), ",", "")
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ID returns the record's "id" field as a string.
func (r Record) ID() string {
	return String(r["id"])
}

// Str returns the first non-blank value among keys, rendered as a string.
func (r Record) Str(keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(String(r[k])); s != "" {
			return String(r[k])
		}
	}
	return ""
}

// Num returns the first numeric value among keys.
func (r Record) Num(keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := Number(r[k]); ok {
			return f, true
		}
	}
	return 0, false
}

// Blank reports whether key is absent, null, or whitespace only.
func (r Record) Blank(key string) bool {
	return strings.TrimSpace(String(r[key])) == ""
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of base with every key of partial applied on top.
func Merge(base, partial Record) Record {
	out := base.Clone()
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// Matches reports whether the record's field renders equal to value.
func Matches(r Record, field, value string) bool {
	v, ok := r[field]
	if !ok {
		return false
	}
	return String(v) == value
}

// ContainsFold reports whether any string-valued field contains term,
// ignoring case. An empty term matches everything.
func ContainsFold(r Record, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	for _, v := range r {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), term) {
			return true
		}
		if String(v) == term {
			return true
		}
	}
	return false
}

// Records converts a decoded JSON array into records, skipping elements that
// are not objects. It returns false when v is not an array at all.
func Records(v interface{}) ([]Record, bool) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]Record, 0, len(arr))
	for _, el := range arr {
		if m, ok := el.(map[string]interface{}); ok {
			out = append(out, Record(m))
		}
	}
	return out, true
}
