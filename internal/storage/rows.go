package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Clone deep-copies the row so callers cannot alias stored JSON values.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// Project returns the subset of r whose columns are listed.
func (r Row) Project(columns []string) Row {
	out := make(Row, len(columns))
	for _, c := range columns {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

// String returns the text value of column, or "".
func (r Row) String(column string) string {
	switch v := r[column].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// StringPtr returns nil for NULL or missing columns.
func (r Row) StringPtr(column string) *string {
	if r[column] == nil {
		return nil
	}
	s := r.String(column)
	return &s
}

// Float returns the numeric value of column and whether it was present.
func (r Row) Float(column string) (float64, bool) {
	return toFloat(r[column])
}

// FloatPtr returns nil for NULL or non-numeric columns.
func (r Row) FloatPtr(column string) *float64 {
	f, ok := r.Float(column)
	if !ok {
		return nil
	}
	return &f
}

// Int returns the integer value of column and whether it was present.
func (r Row) Int(column string) (int64, bool) {
	f, ok := toFloat(r[column])
	if !ok {
		return 0, false
	}
	return int64(math.Round(f)), true
}

// IntPtr returns nil for NULL or non-numeric columns.
func (r Row) IntPtr(column string) *int64 {
	i, ok := r.Int(column)
	if !ok {
		return nil
	}
	return &i
}

// Bool returns the boolean value of column. Integers are treated as SQL booleans.
func (r Row) Bool(column string) bool {
	switch v := r[column].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		f, ok := toFloat(v)
		return ok && f != 0
	}
}

// Time returns the timestamp value of column. Text is parsed as RFC 3339.
func (r Row) Time(column string) (time.Time, bool) {
	switch v := r[column].(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false
		}
		return v.UTC(), true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return v.UTC(), true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	default:
		return time.Time{}, false
	}
}

// TimePtr returns nil for NULL or unparseable columns.
func (r Row) TimePtr(column string) *time.Time {
	t, ok := r.Time(column)
	if !ok {
		return nil
	}
	return &t
}

// Map returns the JSON object value of column. Encoded JSON text is decoded.
func (r Row) Map(column string) map[string]any {
	switch v := r[column].(type) {
	case map[string]any:
		return v
	case string:
		m, _ := DecodeJSONObject([]byte(v))
		return m
	case []byte:
		m, _ := DecodeJSONObject(v)
		return m
	default:
		return nil
	}
}

// Matches reports whether row satisfies the filters of q.
func Matches(row Row, q Query) bool {
	for col, want := range q.Eq {
		if !ValuesEqual(row[col], want) {
			return false
		}
	}
	for col, options := range q.In {
		found := false
		for _, opt := range options {
			if ValuesEqual(row[col], opt) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SortRows orders rows by column, stably. NULLs sort first.
func SortRows(rows []Row, column string, desc bool) {
	if column == "" {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		c := CompareValues(rows[i][column], rows[j][column])
		if desc {
			return c > 0
		}
		return c < 0
	})
}

// ValuesEqual compares column values across the representations adapters return.
func ValuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if ta, ok := toTime(a); ok {
		tb, ok := toTime(b)
		return ok && ta.Equal(tb)
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// CompareValues orders two column values of the same kind.
func CompareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Compare(tb)
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

// EncodeJSON renders a JSON-valued column for backends that store text.
func EncodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeJSONObject parses JSON text into an object. Empty input is a NULL.
func DecodeJSONObject(b []byte) (map[string]any, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}
