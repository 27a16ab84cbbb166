package query

import (
	"fmt"
	"sort"

	"github.com/roach88/syncgate/internal/value"
)

// MissingParamError reports a parameter referenced by the query text but
// absent from the supplied parameter object.
type MissingParamError struct {
	Name string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("missing query parameter :%s", e.Name)
}

// Params returns the sorted, de-duplicated parameter names referenced by stmt.
func Params(stmt Statement) []string {
	seen := map[string]bool{}
	var walk func(Predicate)
	collect := func(op Operand) {
		if p, ok := op.(Param); ok {
			seen[p.Name] = true
		}
	}
	walk = func(pred Predicate) {
		switch p := pred.(type) {
		case nil:
		case Compare:
			collect(p.Operand)
		case In:
			collect(p.Operand)
		case IsNull:
		case And:
			for _, sub := range p.Predicates {
				walk(sub)
			}
		case Or:
			for _, sub := range p.Predicates {
				walk(sub)
			}
		case Not:
			walk(p.Predicate)
		}
	}
	walk(filterOf(stmt))

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind checks that every parameter referenced by stmt is supplied and that
// IN operands resolve to arrays. Extra parameters are ignored.
func Bind(stmt Statement, params value.Object) error {
	for _, name := range Params(stmt) {
		if _, ok := params[name]; !ok {
			return &MissingParamError{Name: name}
		}
	}
	return checkInOperands(filterOf(stmt), params)
}

// Resolve returns the value of an operand under params.
func Resolve(op Operand, params value.Object) (value.Value, error) {
	switch o := op.(type) {
	case Literal:
		if o.Value == nil {
			return value.Null{}, nil
		}
		return o.Value, nil
	case Param:
		v, ok := params[o.Name]
		if !ok {
			return nil, &MissingParamError{Name: o.Name}
		}
		if v == nil {
			return value.Null{}, nil
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown operand type %T", op)
	}
}

func checkInOperands(pred Predicate, params value.Object) error {
	switch p := pred.(type) {
	case In:
		v, err := Resolve(p.Operand, params)
		if err != nil {
			return err
		}
		if _, ok := v.(value.Array); !ok {
			return fmt.Errorf("IN operand for %s must be an array, got %s", p.Field, value.Kind(v))
		}
	case And:
		for _, sub := range p.Predicates {
			if err := checkInOperands(sub, params); err != nil {
				return err
			}
		}
	case Or:
		for _, sub := range p.Predicates {
			if err := checkInOperands(sub, params); err != nil {
				return err
			}
		}
	case Not:
		return checkInOperands(p.Predicate, params)
	}
	return nil
}

func filterOf(stmt Statement) Predicate {
	switch s := stmt.(type) {
	case *Select:
		return s.Filter
	case *Evict:
		return s.Filter
	default:
		return nil
	}
}
