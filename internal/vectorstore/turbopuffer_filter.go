package vectorstore

import (
	"fmt"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/filter"
)

var turbopufferOps = map[filter.Operator]string{
	filter.OpEq:  "Eq",
	filter.OpNe:  "NotEq",
	filter.OpGt:  "Gt",
	filter.OpGte: "Gte",
	filter.OpLt:  "Lt",
	filter.OpLte: "Lte",
	filter.OpIn:  "In",
	filter.OpNin: "NotIn",
}

// TranslateTurbopufferFilter compiles expr into turbopuffer's tuple filter
// syntax: [field, "Op", value] conditions combined by ["And", [...]] and
// ["Or", [...]]. It returns nil when expr imposes no constraint.
func TranslateTurbopufferFilter(expr filter.Expr) ([]any, error) {
	e, err := filter.Prepare(expr, turbopufferMatrix)
	if err != nil {
		return nil, err
	}
	if filter.IsAbsent(e) {
		return nil, nil
	}
	return turbopufferFilter(e)
}

func turbopufferFilter(e filter.Expr) ([]any, error) {
	switch x := e.(type) {
	case filter.Never:
		return []any{x.Field, "In", []any{}}, nil
	case filter.And:
		return turbopufferLogical("And", x.Exprs)
	case filter.Or:
		return turbopufferLogical("Or", x.Exprs)
	case filter.Condition:
		switch x.Op {
		case filter.OpExists:
			if x.Exists() {
				return []any{x.Field, "NotEq", nil}, nil
			}
			return []any{x.Field, "Eq", nil}, nil
		case filter.OpAll:
			conds := make([]any, len(x.Values))
			for i, v := range x.Values {
				conds[i] = []any{x.Field, "Contains", turbopufferScalar(v)}
			}
			if len(conds) == 1 {
				return conds[0].([]any), nil
			}
			return []any{"And", conds}, nil
		case filter.OpIn, filter.OpNin:
			items := make([]any, len(x.Values))
			for i, v := range x.Values {
				items[i] = turbopufferScalar(v)
			}
			return []any{x.Field, turbopufferOps[x.Op], items}, nil
		}
		op, ok := turbopufferOps[x.Op]
		if !ok {
			return nil, &filter.TranslationError{
				Backend:  "turbopuffer",
				Operator: x.Op,
				Field:    x.Field,
				Reason:   "not supported by this backend",
				Err:      filter.ErrUnsupportedOperator,
			}
		}
		return []any{x.Field, op, turbopufferScalar(x.Value)}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %T inside turbopuffer filter", filter.ErrMalformed, e)
	}
}

func turbopufferLogical(op string, exprs []filter.Expr) ([]any, error) {
	branches := make([]any, 0, len(exprs))
	for _, child := range exprs {
		f, err := turbopufferFilter(child)
		if err != nil {
			return nil, err
		}
		branches = append(branches, f)
	}
	return []any{op, branches}, nil
}

// turbopufferScalar keeps integral numbers integral on the wire.
func turbopufferScalar(v chunk.Value) any {
	if v.Kind() == chunk.KindNumber && v.IsIntegral() {
		n, _ := v.Num()
		return int64(n)
	}
	return v.Interface()
}
