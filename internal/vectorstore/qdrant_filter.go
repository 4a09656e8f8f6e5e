package vectorstore

import (
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/filter"
)

// qdrantClauses accumulates conditions for one level of a Qdrant filter.
type qdrantClauses struct {
	must    []*qdrant.Condition
	mustNot []*qdrant.Condition
	should  []*qdrant.Condition
}

// merge folds child into c. Only one should list fits per level, so a
// second one is nested as its own filter under must.
func (c *qdrantClauses) merge(child qdrantClauses) {
	c.must = append(c.must, child.must...)
	c.mustNot = append(c.mustNot, child.mustNot...)
	if len(child.should) == 0 {
		return
	}
	if len(c.should) == 0 {
		c.should = child.should
		return
	}
	c.must = append(c.must, qdrant.NewFilterAsCondition(&qdrant.Filter{Should: child.should}))
}

func (c qdrantClauses) filter() *qdrant.Filter {
	return &qdrant.Filter{Must: c.must, MustNot: c.mustNot, Should: c.should}
}

// condition collapses c into a single condition usable as an $or branch.
func (c qdrantClauses) condition() *qdrant.Condition {
	if len(c.must) == 1 && len(c.mustNot) == 0 && len(c.should) == 0 {
		return c.must[0]
	}
	return qdrant.NewFilterAsCondition(c.filter())
}

// TranslateQdrantFilter compiles expr into a Qdrant filter. It returns nil
// when expr imposes no constraint.
func TranslateQdrantFilter(expr filter.Expr) (*qdrant.Filter, error) {
	e, err := filter.Prepare(expr, qdrantMatrix)
	if err != nil {
		return nil, err
	}

	switch x := e.(type) {
	case nil, filter.Always:
		return nil, nil
	case filter.Never:
		// A field cannot be both null and not null.
		return &qdrant.Filter{
			Must:    []*qdrant.Condition{qdrant.NewIsNull(x.Field)},
			MustNot: []*qdrant.Condition{qdrant.NewIsNull(x.Field)},
		}, nil
	}

	clauses, err := qdrantTranslate(e)
	if err != nil {
		return nil, err
	}
	return clauses.filter(), nil
}

func qdrantTranslate(e filter.Expr) (qdrantClauses, error) {
	switch x := e.(type) {
	case filter.And:
		var out qdrantClauses
		for _, child := range x.Exprs {
			c, err := qdrantTranslate(child)
			if err != nil {
				return qdrantClauses{}, err
			}
			out.merge(c)
		}
		return out, nil
	case filter.Or:
		branches := make([]*qdrant.Condition, 0, len(x.Exprs))
		for _, child := range x.Exprs {
			c, err := qdrantTranslate(child)
			if err != nil {
				return qdrantClauses{}, err
			}
			branches = append(branches, c.condition())
		}
		return qdrantClauses{should: branches}, nil
	case filter.Condition:
		return qdrantCondition(x)
	default:
		return qdrantClauses{}, fmt.Errorf("%w: unexpected %T inside qdrant filter", filter.ErrMalformed, e)
	}
}

func qdrantCondition(c filter.Condition) (qdrantClauses, error) {
	switch c.Op {
	case filter.OpEq:
		cond, err := qdrantEquals(c.Field, c.Value)
		if err != nil {
			return qdrantClauses{}, err
		}
		return qdrantClauses{must: []*qdrant.Condition{cond}}, nil

	case filter.OpNe:
		cond, err := qdrantEquals(c.Field, c.Value)
		if err != nil {
			return qdrantClauses{}, err
		}
		return qdrantClauses{mustNot: []*qdrant.Condition{cond}}, nil

	case filter.OpGt, filter.OpGte, filter.OpLt, filter.OpLte:
		n, ok := c.Value.Num()
		if !ok {
			return qdrantClauses{}, qdrantMalformed(c, "range operand must be a number")
		}
		r := &qdrant.Range{}
		switch c.Op {
		case filter.OpGt:
			r.Gt = &n
		case filter.OpGte:
			r.Gte = &n
		case filter.OpLt:
			r.Lt = &n
		case filter.OpLte:
			r.Lte = &n
		}
		return qdrantClauses{must: []*qdrant.Condition{qdrant.NewRange(c.Field, r)}}, nil

	case filter.OpIn:
		conds, err := qdrantMatchAny(c.Field, c.Values)
		if err != nil {
			return qdrantClauses{}, err
		}
		if len(conds) == 1 {
			return qdrantClauses{must: conds}, nil
		}
		return qdrantClauses{should: conds}, nil

	case filter.OpNin:
		conds, err := qdrantMatchAny(c.Field, c.Values)
		if err != nil {
			return qdrantClauses{}, err
		}
		return qdrantClauses{mustNot: conds}, nil

	case filter.OpAll:
		conds := make([]*qdrant.Condition, 0, len(c.Values))
		for _, v := range c.Values {
			cond, err := qdrantEquals(c.Field, v)
			if err != nil {
				return qdrantClauses{}, err
			}
			conds = append(conds, cond)
		}
		return qdrantClauses{must: conds}, nil

	case filter.OpExists:
		isNull := qdrant.NewIsNull(c.Field)
		if c.Exists() {
			return qdrantClauses{mustNot: []*qdrant.Condition{isNull}}, nil
		}
		return qdrantClauses{must: []*qdrant.Condition{isNull}}, nil

	default:
		return qdrantClauses{}, &filter.TranslationError{
			Backend:  "qdrant",
			Operator: c.Op,
			Field:    c.Field,
			Reason:   "not supported by this backend",
			Err:      filter.ErrUnsupportedOperator,
		}
	}
}

// qdrantEquals builds an exact-match condition. Qdrant has no float match,
// so fractional numbers become a closed single-point range.
func qdrantEquals(field string, v chunk.Value) (*qdrant.Condition, error) {
	switch v.Kind() {
	case chunk.KindString:
		s, _ := v.Str()
		return qdrant.NewMatchKeyword(field, s), nil
	case chunk.KindNumber:
		n, _ := v.Num()
		if v.IsIntegral() {
			return qdrant.NewMatchInt(field, int64(n)), nil
		}
		return qdrant.NewRange(field, &qdrant.Range{Gte: &n, Lte: &n}), nil
	case chunk.KindBool:
		b, _ := v.Boolean()
		return qdrant.NewMatchBool(field, b), nil
	default:
		return nil, &filter.TranslationError{
			Backend:  "qdrant",
			Operator: filter.OpEq,
			Field:    field,
			Reason:   fmt.Sprintf("cannot match a %s value", v.Kind()),
			Err:      filter.ErrMalformed,
		}
	}
}

// qdrantMatchAny partitions values by type: strings and integers collapse
// into one multi-value match each, everything else gets its own equality.
func qdrantMatchAny(field string, values []chunk.Value) ([]*qdrant.Condition, error) {
	var (
		keywords []string
		ints     []int64
		rest     []chunk.Value
	)
	for _, v := range values {
		switch {
		case v.Kind() == chunk.KindString:
			s, _ := v.Str()
			keywords = append(keywords, s)
		case v.Kind() == chunk.KindNumber && v.IsIntegral():
			n, _ := v.Num()
			ints = append(ints, int64(n))
		default:
			rest = append(rest, v)
		}
	}

	conds := make([]*qdrant.Condition, 0, 2+len(rest))
	if len(keywords) > 0 {
		conds = append(conds, qdrant.NewMatchKeywords(field, keywords...))
	}
	if len(ints) > 0 {
		conds = append(conds, qdrant.NewMatchInts(field, ints...))
	}
	for _, v := range rest {
		cond, err := qdrantEquals(field, v)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}
	return conds, nil
}

func qdrantMalformed(c filter.Condition, reason string) error {
	return &filter.TranslationError{
		Backend:  "qdrant",
		Operator: c.Op,
		Field:    c.Field,
		Reason:   reason,
		Err:      filter.ErrMalformed,
	}
}
