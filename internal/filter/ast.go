// Package filter parses the backend-agnostic filter DSL into an expression
// tree that each vector backend compiles into its native filter language.
//
// The wire shape is a JSON object modelled after MongoDB query documents:
//
//	{"lang": "en", "page": {"$gte": 3}, "$or": [{"tag": "a"}, {"tag": "b"}]}
//
// Field keys map to a literal (implicit $eq), an operator object, or a nested
// object addressing a dot-path. $and and $or hold arrays of sub-documents.
package filter

import (
	"sort"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
)

// Operator is a filter DSL operator.
type Operator string

const (
	OpEq     Operator = "$eq"
	OpNe     Operator = "$ne"
	OpGt     Operator = "$gt"
	OpGte    Operator = "$gte"
	OpLt     Operator = "$lt"
	OpLte    Operator = "$lte"
	OpIn     Operator = "$in"
	OpNin    Operator = "$nin"
	OpAll    Operator = "$all"
	OpExists Operator = "$exists"
	OpRegex  Operator = "$regex"
	OpAnd    Operator = "$and"
	OpOr     Operator = "$or"
)

// Category groups operators the way backends advertise support for them.
type Category string

const (
	CategoryLogical    Category = "logical"
	CategoryComparison Category = "comparison"
	CategoryArray      Category = "array"
	CategoryElement    Category = "element"
	CategoryRegex      Category = "regex"
)

var operatorCategories = map[Operator]Category{
	OpAnd:    CategoryLogical,
	OpOr:     CategoryLogical,
	OpEq:     CategoryComparison,
	OpNe:     CategoryComparison,
	OpGt:     CategoryComparison,
	OpGte:    CategoryComparison,
	OpLt:     CategoryComparison,
	OpLte:    CategoryComparison,
	OpIn:     CategoryArray,
	OpNin:    CategoryArray,
	OpAll:    CategoryArray,
	OpExists: CategoryElement,
	OpRegex:  CategoryRegex,
}

// Known reports whether op is part of the DSL.
func (op Operator) Known() bool {
	_, ok := operatorCategories[op]
	return ok
}

// Category returns the operator's category, or "" for unknown operators.
func (op Operator) Category() Category {
	return operatorCategories[op]
}

// AllOperators returns every DSL operator in sorted order.
func AllOperators() []Operator {
	ops := make([]Operator, 0, len(operatorCategories))
	for op := range operatorCategories {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// Expr is a node of the filter expression tree. A nil Expr means no filter.
type Expr interface {
	isExpr()
}

// And matches when every child matches.
type And struct {
	Exprs []Expr
}

// Or matches when at least one child matches.
type Or struct {
	Exprs []Expr
}

// Condition constrains a single field.
type Condition struct {
	// Field is the dot-path into metadata.
	Field string

	// Op is one of the comparison, array, element or regex operators.
	Op Operator

	// Value is the operand of scalar operators ($eq, $ne, $gt, $gte, $lt,
	// $lte, $exists, $regex).
	Value chunk.Value

	// Values is the operand of $in, $nin and $all.
	Values []chunk.Value
}

// Always matches every document. It only appears after Normalize.
type Always struct{}

// Never matches no document. Field names the constraint that became
// unsatisfiable so backends can build a native contradiction on it.
type Never struct {
	Field string
}

// True is the canonical Always value.
var True Expr = Always{}

func (And) isExpr()       {}
func (Or) isExpr()        {}
func (Condition) isExpr() {}
func (Always) isExpr()    {}
func (Never) isExpr()     {}

// Exists returns the operand of an $exists condition.
func (c Condition) Exists() bool {
	b, _ := c.Value.Boolean()
	return b
}
