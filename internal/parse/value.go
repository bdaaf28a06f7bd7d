package parse

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Value resolves the predicted value from decoded output. The first of
// fields present in the object wins; if it is a string wrapping another JSON
// object that carries the same field, that inner value is used instead.
// Output without any of the fields resolves to the raw trimmed text.
func Value(d Decoded, fields ...string) interface{} {
	if d.Object == nil {
		return d.Scalar
	}
	for _, field := range fields {
		v, ok := d.Object[field]
		if !ok || v == nil {
			continue
		}
		return unwrap(v, field)
	}
	return d.Raw
}

func unwrap(v interface{}, field string) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	inner, ok := FirstBalancedObject(s)
	if !ok {
		return v
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(inner), &obj); err != nil {
		return v
	}
	if iv, ok := obj[field]; ok && iv != nil {
		return iv
	}
	return v
}

// Float reads a number from the object, accepting numeric strings.
func Float(obj map[string]interface{}, field string) (float64, bool) {
	if obj == nil {
		return 0, false
	}
	return ToFloat(obj[field])
}

func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// String renders a predicted value as text.
func String(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
