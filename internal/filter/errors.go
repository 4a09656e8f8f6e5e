package filter

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedOperator is returned for operators a backend cannot compile
	// and for operators that are not part of the DSL.
	ErrUnsupportedOperator = errors.New("unsupported filter operator")

	// ErrMalformed is returned when an operator is given an invalid operand.
	ErrMalformed = errors.New("malformed filter")
)

// TranslationError reports a filter that cannot be compiled. It names the
// offending operator and field so callers can surface it to users.
type TranslationError struct {
	// Backend is set when the error comes from a backend support check.
	Backend string

	Operator Operator
	Field    string
	Reason   string

	// Err is ErrUnsupportedOperator or ErrMalformed.
	Err error
}

func (e *TranslationError) Error() string {
	var b strings.Builder
	b.WriteString("filter: ")
	if e.Operator != "" {
		fmt.Fprintf(&b, "operator %s", e.Operator)
	} else {
		b.WriteString("expression")
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " on field %q", e.Field)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Backend != "" {
		fmt.Fprintf(&b, " (backend %s)", e.Backend)
	}
	return b.String()
}

func (e *TranslationError) Unwrap() error {
	return e.Err
}

func malformed(op Operator, field, reason string) error {
	return &TranslationError{Operator: op, Field: field, Reason: reason, Err: ErrMalformed}
}

func unknownOperator(op Operator, field string) error {
	return &TranslationError{Operator: op, Field: field, Reason: "unknown operator", Err: ErrUnsupportedOperator}
}
