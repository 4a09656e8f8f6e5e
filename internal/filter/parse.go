package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
)

// ParseJSON parses a JSON filter document. Empty input, null and {} yield a
// nil Expr.
func ParseJSON(data []byte) (Expr, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, &TranslationError{Reason: fmt.Sprintf("invalid JSON: %v", err), Err: ErrMalformed}
	}
	return Parse(raw)
}

// Parse converts a decoded filter document into an expression tree. A nil or
// empty document yields a nil Expr.
func Parse(raw map[string]any) (Expr, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return parseDocument(raw)
}

func parseDocument(raw map[string]any) (Expr, error) {
	var exprs []Expr
	for _, key := range sortedKeys(raw) {
		val := raw[key]
		var (
			e   Expr
			err error
		)
		switch {
		case key == string(OpAnd) || key == string(OpOr):
			e, err = parseLogical(Operator(key), val)
		case strings.HasPrefix(key, "$"):
			err = unknownOperator(Operator(key), "")
		default:
			e, err = parseField(key, val)
		}
		if err != nil {
			return nil, err
		}
		if e != nil {
			exprs = append(exprs, e)
		}
	}
	return combine(exprs), nil
}

func parseLogical(op Operator, val any) (Expr, error) {
	items, ok := val.([]any)
	if !ok {
		return nil, malformed(op, "", fmt.Sprintf("expected an array of filters, got %T", val))
	}
	if len(items) == 0 {
		return nil, malformed(op, "", "expected a non-empty array")
	}
	branches := make([]Expr, 0, len(items))
	for i, item := range items {
		doc, ok := item.(map[string]any)
		if !ok {
			return nil, malformed(op, "", fmt.Sprintf("element %d is %T, want an object", i, item))
		}
		e, err := parseDocument(doc)
		if err != nil {
			return nil, err
		}
		if e == nil {
			e = True
		}
		branches = append(branches, e)
	}
	if op == OpOr {
		return Or{Exprs: branches}, nil
	}
	return And{Exprs: branches}, nil
}

func parseField(path string, val any) (Expr, error) {
	obj, isObject := val.(map[string]any)
	if !isObject {
		lit, err := parseScalar(OpEq, path, val)
		if err != nil {
			return nil, err
		}
		return Condition{Field: path, Op: OpEq, Value: lit}, nil
	}
	if len(obj) == 0 {
		return nil, nil
	}

	keys := sortedKeys(obj)
	operators := 0
	for _, k := range keys {
		if strings.HasPrefix(k, "$") {
			operators++
		}
	}

	var exprs []Expr
	switch operators {
	case 0:
		for _, k := range keys {
			e, err := parseField(path+"."+k, obj[k])
			if err != nil {
				return nil, err
			}
			if e != nil {
				exprs = append(exprs, e)
			}
		}
	case len(keys):
		for _, k := range keys {
			c, err := parseOperator(path, Operator(k), obj[k])
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, c)
		}
	default:
		return nil, malformed("", path, "object mixes operators and nested fields")
	}
	return combine(exprs), nil
}

func parseOperator(path string, op Operator, val any) (Expr, error) {
	switch op {
	case OpEq, OpNe:
		lit, err := parseScalar(op, path, val)
		if err != nil {
			return nil, err
		}
		return Condition{Field: path, Op: op, Value: lit}, nil
	case OpGt, OpGte, OpLt, OpLte:
		lit, err := parseScalar(op, path, val)
		if err != nil {
			return nil, err
		}
		if lit.Kind() != chunk.KindNumber {
			return nil, malformed(op, path, fmt.Sprintf("expected a number, got %s", lit.Kind()))
		}
		return Condition{Field: path, Op: op, Value: lit}, nil
	case OpIn, OpNin, OpAll:
		items, ok := val.([]any)
		if !ok {
			if strs, isStrings := val.([]string); isStrings {
				items = make([]any, len(strs))
				for i, s := range strs {
					items[i] = s
				}
			} else {
				return nil, malformed(op, path, fmt.Sprintf("expected an array, got %T", val))
			}
		}
		values := make([]chunk.Value, 0, len(items))
		for _, item := range items {
			lit, err := parseScalar(op, path, item)
			if err != nil {
				return nil, err
			}
			values = append(values, lit)
		}
		return Condition{Field: path, Op: op, Values: values}, nil
	case OpExists:
		b, ok := val.(bool)
		if !ok {
			return nil, malformed(op, path, fmt.Sprintf("expected a bool, got %T", val))
		}
		return Condition{Field: path, Op: op, Value: chunk.Bool(b)}, nil
	case OpRegex:
		s, ok := val.(string)
		if !ok {
			return nil, malformed(op, path, fmt.Sprintf("expected a string, got %T", val))
		}
		return Condition{Field: path, Op: op, Value: chunk.String(s)}, nil
	case OpAnd, OpOr:
		return nil, malformed(op, path, "logical operator in field position")
	default:
		return nil, unknownOperator(op, path)
	}
}

// parseScalar accepts strings, numbers and bools.
func parseScalar(op Operator, path string, val any) (chunk.Value, error) {
	switch val.(type) {
	case nil:
		return chunk.Value{}, malformed(op, path, "null is not a valid operand")
	case []any, []string, map[string]any:
		return chunk.Value{}, malformed(op, path, fmt.Sprintf("expected a scalar, got %T", val))
	}
	v, err := chunk.ValueFromAny(val)
	if err != nil {
		return chunk.Value{}, malformed(op, path, err.Error())
	}
	return v, nil
}

func combine(exprs []Expr) Expr {
	switch len(exprs) {
	case 0:
		return nil
	case 1:
		return exprs[0]
	default:
		return And{Exprs: exprs}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
