package vectorstore

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
	"github.com/fyrsmithlabs/recalld/internal/filter"
)

// chromemWhere is chromem's exact-match metadata filter. never marks a
// filter that cannot match, such as two different values for one field.
type chromemWhere struct {
	equals map[string]string
	never  bool
}

// TranslateChromemFilter compiles expr into an equality map. chromem only
// matches stringified metadata exactly, so only $and and $eq are accepted.
// It returns nil when expr imposes no constraint.
func TranslateChromemFilter(expr filter.Expr) (*chromemWhere, error) {
	e, err := filter.Prepare(expr, embeddedMatrix)
	if err != nil {
		return nil, err
	}
	if filter.IsAbsent(e) {
		return nil, nil
	}

	w := &chromemWhere{equals: map[string]string{}}
	if err := w.add(e); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *chromemWhere) add(e filter.Expr) error {
	switch x := e.(type) {
	case filter.Never:
		w.never = true
		return nil
	case filter.And:
		for _, child := range x.Exprs {
			if err := w.add(child); err != nil {
				return err
			}
		}
		return nil
	case filter.Condition:
		if x.Op != filter.OpEq {
			return &filter.TranslationError{
				Backend:  "embedded",
				Operator: x.Op,
				Field:    x.Field,
				Reason:   "not supported by this backend",
				Err:      filter.ErrUnsupportedOperator,
			}
		}
		s := chromemString(x.Value)
		if prev, ok := w.equals[x.Field]; ok && prev != s {
			w.never = true
		}
		w.equals[x.Field] = s
		return nil
	default:
		return fmt.Errorf("%w: unexpected %T inside embedded filter", filter.ErrMalformed, e)
	}
}

// chromemString is the stored form of a metadata value. Filters and
// documents must agree on it.
func chromemString(v chunk.Value) string {
	switch v.Kind() {
	case chunk.KindString:
		s, _ := v.Str()
		return s
	case chunk.KindNumber:
		n, _ := v.Num()
		return strconv.FormatFloat(n, 'f', -1, 64)
	case chunk.KindBool:
		b, _ := v.Boolean()
		return strconv.FormatBool(b)
	case chunk.KindStringList:
		items, _ := v.List()
		data, _ := json.Marshal(items)
		return string(data)
	default:
		return ""
	}
}

// MarshalJSON renders the equality map chromem receives, or
// {"never": true} for a filter that cannot match.
func (w *chromemWhere) MarshalJSON() ([]byte, error) {
	if w.never {
		return []byte(`{"never":true}`), nil
	}
	return json.Marshal(w.equals)
}
