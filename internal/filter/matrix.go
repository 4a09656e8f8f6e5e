package filter

import (
	"fmt"
	"sort"
)

// SupportMatrix declares which operators a backend can compile.
type SupportMatrix struct {
	backend string
	ops     map[Operator]bool
}

// NewSupportMatrix builds a matrix for backend accepting ops.
func NewSupportMatrix(backend string, ops ...Operator) SupportMatrix {
	m := SupportMatrix{backend: backend, ops: make(map[Operator]bool, len(ops))}
	for _, op := range ops {
		m.ops[op] = true
	}
	return m
}

// Backend returns the backend name the matrix belongs to.
func (m SupportMatrix) Backend() string { return m.backend }

// Supports reports whether op can be compiled.
func (m SupportMatrix) Supports(op Operator) bool { return m.ops[op] }

// Operators returns the supported operators in sorted order.
func (m SupportMatrix) Operators() []Operator {
	ops := make([]Operator, 0, len(m.ops))
	for op := range m.ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// ByCategory groups the supported operators by category.
func (m SupportMatrix) ByCategory() map[Category][]Operator {
	out := make(map[Category][]Operator)
	for _, op := range m.Operators() {
		c := op.Category()
		out[c] = append(out[c], op)
	}
	return out
}

// Validate checks every operator in e against m.
func Validate(e Expr, m SupportMatrix) error {
	switch x := e.(type) {
	case nil, Always, Never:
		return nil
	case And:
		if !m.Supports(OpAnd) {
			return m.unsupported(OpAnd, "")
		}
		return validateAll(x.Exprs, m)
	case Or:
		if !m.Supports(OpOr) {
			return m.unsupported(OpOr, "")
		}
		return validateAll(x.Exprs, m)
	case Condition:
		if !m.Supports(x.Op) {
			return m.unsupported(x.Op, x.Field)
		}
		return nil
	default:
		return fmt.Errorf("%w: unexpected expression %T", ErrMalformed, e)
	}
}

func validateAll(exprs []Expr, m SupportMatrix) error {
	for _, e := range exprs {
		if err := Validate(e, m); err != nil {
			return err
		}
	}
	return nil
}

func (m SupportMatrix) unsupported(op Operator, field string) error {
	return &TranslationError{
		Backend:  m.backend,
		Operator: op,
		Field:    field,
		Reason:   "not supported by this backend",
		Err:      ErrUnsupportedOperator,
	}
}

// Prepare validates e against m and normalizes it. Translators call it
// before walking the tree.
func Prepare(e Expr, m SupportMatrix) (Expr, error) {
	if err := Validate(e, m); err != nil {
		return nil, err
	}
	return Normalize(e), nil
}
