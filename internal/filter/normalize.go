package filter

// Normalize rewrites vacuous operands into Always and Never and simplifies
// the logical structure around them:
//
//   - $in with no values never matches
//   - $nin and $all with no values always match
//   - And drops Always children, is Never if any child is Never, and
//     flattens nested Ands
//   - Or is Always if any child is Always, drops Never children, and
//     flattens nested Ors
//   - single-child And/Or unwrap to the child
//
// After normalization Always and Never only appear at the root. A nil input
// returns nil.
func Normalize(e Expr) Expr {
	switch x := e.(type) {
	case nil:
		return nil
	case Condition:
		switch x.Op {
		case OpIn:
			if len(x.Values) == 0 {
				return Never{Field: x.Field}
			}
		case OpNin, OpAll:
			if len(x.Values) == 0 {
				return True
			}
		}
		return x
	case And:
		out := make([]Expr, 0, len(x.Exprs))
		for _, child := range x.Exprs {
			switch n := Normalize(child).(type) {
			case nil, Always:
				continue
			case Never:
				return n
			case And:
				out = append(out, n.Exprs...)
			default:
				out = append(out, n)
			}
		}
		switch len(out) {
		case 0:
			return True
		case 1:
			return out[0]
		}
		return And{Exprs: out}
	case Or:
		out := make([]Expr, 0, len(x.Exprs))
		var never Never
		for _, child := range x.Exprs {
			switch n := Normalize(child).(type) {
			case nil, Always:
				return True
			case Never:
				if never.Field == "" {
					never = n
				}
			case Or:
				out = append(out, n.Exprs...)
			default:
				out = append(out, n)
			}
		}
		switch len(out) {
		case 0:
			return never
		case 1:
			return out[0]
		}
		return Or{Exprs: out}
	default:
		return e
	}
}

// IsAbsent reports whether a normalized expression imposes no constraint.
func IsAbsent(e Expr) bool {
	switch e.(type) {
	case nil, Always:
		return true
	}
	return false
}
