package nodes

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// nestedScopes are searched, in order, when a field is absent at the top level
// of the execution context.
var nestedScopes = []string{"contact", "lead"}

// Lookup resolves a dotted field path in the execution context, falling back
// to the nested contact and lead data.
func Lookup(execCtx map[string]interface{}, field string) (interface{}, bool) {
	if v, ok := lookupPath(execCtx, field); ok {
		return v, true
	}
	for _, scope := range nestedScopes {
		if nested, ok := execCtx[scope].(map[string]interface{}); ok {
			if v, ok := lookupPath(nested, field); ok {
				return v, true
			}
		}
	}
	return nil, false
}

func lookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Compare applies operator to left and right. Unrecognized operators yield true.
func Compare(operator string, left, right interface{}) bool {
	switch operator {
	case OpEquals:
		return strictEqual(left, right)
	case OpContains:
		return contains(left, right)
	case OpGreaterThan:
		return greaterThan(left, right)
	default:
		return true
	}
}

// strictEqual compares without cross-type coercion. Numbers of any Go numeric
// type compare by value; composite values are never equal.
func strictEqual(left, right interface{}) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if l, ok := toNumber(left); ok {
		r, ok := toNumber(right)
		return ok && l == r
	}
	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		return ok && l == r
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	}
	return false
}

// contains is substring match for strings and membership for slices.
func contains(left, right interface{}) bool {
	if left == nil {
		return false
	}
	if s, ok := left.(string); ok {
		return strings.Contains(s, toString(right))
	}
	rv := reflect.ValueOf(left)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if strictEqual(rv.Index(i).Interface(), right) {
				return true
			}
		}
	}
	return false
}

// greaterThan orders numbers numerically and two strings lexicographically.
// A numeric string compared against a number is converted; anything else,
// including nil, is unordered and yields false.
func greaterThan(left, right interface{}) bool {
	ls, lstr := left.(string)
	rs, rstr := right.(string)
	if lstr && rstr {
		return ls > rs
	}
	l, ok := toNumber(left)
	if !ok && lstr {
		l, ok = parseNumber(ls)
	}
	if !ok {
		return false
	}
	r, ok := toNumber(right)
	if !ok && rstr {
		r, ok = parseNumber(rs)
	}
	return ok && l > r
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool, string, nil:
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(s)
	}
	if f, ok := toNumber(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

var placeholder = regexp.MustCompile(`{{\s*([\w.\-]+)\s*}}`)

// Interpolate replaces {{path}} placeholders with values from the execution
// context. Unknown paths are replaced with the empty string.
func Interpolate(s string, execCtx map[string]interface{}) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		v, _ := Lookup(execCtx, path)
		return toString(v)
	})
}
