package query

import "fmt"

// ValidationResult contains the bounded-result analysis of a statement.
//
// A bounded query names the documents it wants and caps how many it
// returns. Unbounded queries still execute; the warnings tell callers
// where an observer may end up re-materializing an entire collection on
// every change.
type ValidationResult struct {
	// Bounded is true when no warnings were raised.
	Bounded bool

	// Warnings lists the unbounded features used, in clause order.
	Warnings []string
}

// Validate checks a statement against the bounded-result rules:
//  1. SELECT has a WHERE clause
//  2. SELECT has a LIMIT
//  3. OFFSET is only used together with ORDER BY
//  4. Filters avoid negation (!=, NOT), which cannot use an index
//
// EVICT statements are checked for rule 4 only.
//
// Validate is a pure function with no side effects.
func Validate(stmt Statement) ValidationResult {
	v := &validator{warnings: []string{}}

	switch s := stmt.(type) {
	case *Select:
		v.validateSelect(s)
	case *Evict:
		v.validatePredicate(s.Filter)
	case nil:
		v.addWarning("nil statement")
	default:
		v.addWarning("unknown statement type %T", stmt)
	}

	return ValidationResult{
		Bounded:  len(v.warnings) == 0,
		Warnings: v.warnings,
	}
}

type validator struct {
	warnings []string
}

func (v *validator) addWarning(format string, args ...any) {
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

func (v *validator) validateSelect(sel *Select) {
	if sel.Filter == nil {
		v.addWarning("no WHERE clause: every document in %q is observed", sel.Collection)
	} else {
		v.validatePredicate(sel.Filter)
	}

	if !sel.HasLimit {
		v.addWarning("no LIMIT: result size grows with collection %q", sel.Collection)
	}

	if sel.Offset > 0 && len(sel.OrderBy) == 0 {
		v.addWarning("OFFSET %d without ORDER BY: pages are ordered by _id only", sel.Offset)
	}
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case nil:
	case Compare:
		if pred.Op == OpNe {
			v.addWarning("field %s compared with != scans every document", pred.Field)
		}
	case In, IsNull:
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case Or:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case Not:
		v.addWarning("NOT scans every document")
		v.validatePredicate(pred.Predicate)
	default:
		v.addWarning("unknown predicate type %T", p)
	}
}
