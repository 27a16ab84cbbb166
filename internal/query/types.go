package query

import (
	"strings"

	"github.com/roach88/syncgate/internal/value"
)

// Statement is a parsed query. Sealed: only *Select and *Evict implement it.
type Statement interface {
	statementNode()
	// Source returns the collection the statement reads or evicts from.
	Source() string
}

// Predicate is a filter condition. Sealed: Compare, In, IsNull, And, Or and
// Not are the only implementations.
type Predicate interface {
	predicateNode()
}

// Operand is the right-hand side of a comparison: either a literal or a
// named parameter.
type Operand interface {
	operandNode()
}

// Path is a dotted field reference, e.g. owner.name.
type Path []string

// String renders the path in source form.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// IsID reports whether the path names the document identity field.
func (p Path) IsID() bool {
	return len(p) == 1 && p[0] == value.IDField
}

// Select reads documents from a collection.
//
//	SELECT <fields|*> FROM <collection> [WHERE <filter>]
//	  [ORDER BY <path> [ASC|DESC], ...] [LIMIT n [OFFSET m]]
type Select struct {
	Collection string
	Fields     []Path // nil means all fields (SELECT *)
	Filter     Predicate
	OrderBy    []OrderTerm
	HasLimit   bool
	Limit      int64
	Offset     int64
}

func (*Select) statementNode() {}

// Source implements Statement.
func (s *Select) Source() string { return s.Collection }

// Evict removes matching documents from the local store only. A WHERE
// clause is mandatory.
type Evict struct {
	Collection string
	Filter     Predicate
}

func (*Evict) statementNode() {}

// Source implements Statement.
func (e *Evict) Source() string { return e.Collection }

// OrderTerm is one ORDER BY key.
type OrderTerm struct {
	Field Path
	Desc  bool
}

// CompareOp is a binary comparison operator.
type CompareOp string

const (
	OpEq  CompareOp = "="
	OpNe  CompareOp = "!="
	OpLt  CompareOp = "<"
	OpLte CompareOp = "<="
	OpGt  CompareOp = ">"
	OpGte CompareOp = ">="
)

// Compare is <field> <op> <operand>.
type Compare struct {
	Field   Path
	Op      CompareOp
	Operand Operand
}

func (Compare) predicateNode() {}

// In is <field> IN <operand>; the operand must resolve to an array.
type In struct {
	Field   Path
	Operand Operand
}

func (In) predicateNode() {}

// IsNull is <field> IS [NOT] NULL. A missing field counts as null.
type IsNull struct {
	Field   Path
	Negated bool
}

func (IsNull) predicateNode() {}

// And is a conjunction; an empty And is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or is a disjunction; an empty Or is always false.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Not negates a predicate.
type Not struct {
	Predicate Predicate
}

func (Not) predicateNode() {}

// Literal is an inline constant.
type Literal struct {
	Value value.Value
}

func (Literal) operandNode() {}

// Param references a named parameter (:name).
type Param struct {
	Name string
}

func (Param) operandNode() {}
