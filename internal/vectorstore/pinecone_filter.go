package vectorstore

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/filter"
)

// TranslatePineconeFilter compiles expr into a Pinecone metadata filter,
// which follows the same Mongo-style operator document as the DSL. It
// returns nil when expr imposes no constraint.
func TranslatePineconeFilter(expr filter.Expr) (*structpb.Struct, error) {
	e, err := filter.Prepare(expr, pineconeMatrix)
	if err != nil {
		return nil, err
	}
	if filter.IsAbsent(e) {
		return nil, nil
	}

	doc, err := pineconeDocument(e)
	if err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding pinecone filter: %v", filter.ErrMalformed, err)
	}
	return s, nil
}

func pineconeDocument(e filter.Expr) (map[string]any, error) {
	switch x := e.(type) {
	case filter.Never:
		return map[string]any{
			string(filter.OpAnd): []any{
				map[string]any{x.Field: map[string]any{string(filter.OpExists): true}},
				map[string]any{x.Field: map[string]any{string(filter.OpExists): false}},
			},
		}, nil
	case filter.And:
		return pineconeLogical(filter.OpAnd, x.Exprs)
	case filter.Or:
		return pineconeLogical(filter.OpOr, x.Exprs)
	case filter.Condition:
		var operand any
		switch x.Op {
		case filter.OpIn, filter.OpNin:
			items := make([]any, len(x.Values))
			for i, v := range x.Values {
				items[i] = pineconeScalar(v)
			}
			operand = items
		default:
			operand = pineconeScalar(x.Value)
		}
		return map[string]any{x.Field: map[string]any{string(x.Op): operand}}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %T inside pinecone filter", filter.ErrMalformed, e)
	}
}

func pineconeLogical(op filter.Operator, exprs []filter.Expr) (map[string]any, error) {
	branches := make([]any, 0, len(exprs))
	for _, child := range exprs {
		doc, err := pineconeDocument(child)
		if err != nil {
			return nil, err
		}
		branches = append(branches, doc)
	}
	return map[string]any{string(op): branches}, nil
}

// pineconeScalar converts v into a value structpb accepts.
func pineconeScalar(v chunk.Value) any {
	if items, ok := v.List(); ok {
		out := make([]any, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out
	}
	return v.Interface()
}
