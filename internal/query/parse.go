package query

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/roach88/syncgate/internal/value"
)

// SyntaxError reports a malformed query.
type SyntaxError struct {
	Pos     int // Byte offset in the query text
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at position %d: %s", e.Pos, e.Message)
}

// Parse parses query text into a Statement.
func Parse(text string) (Statement, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}

	var stmt Statement
	switch {
	case p.peekKeyword("SELECT"):
		stmt, err = p.parseSelect()
	case p.peekKeyword("EVICT"):
		stmt, err = p.parseEvict()
	default:
		return nil, p.errorf("expected SELECT or EVICT, got %s", p.peek())
	}
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %s after statement", p.peek())
	}
	return stmt, nil
}

// MustParse is like Parse but panics on error.
// Use only in tests or for query text known to be valid.
func MustParse(text string) Statement {
	stmt, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return stmt
}

// ParseSelect parses text and requires a SELECT statement.
func ParseSelect(text string) (*Select, error) {
	stmt, err := Parse(text)
	if err != nil {
		return nil, err
	}
	sel, ok := stmt.(*Select)
	if !ok {
		return nil, fmt.Errorf("expected SELECT statement, got %T", stmt)
	}
	return sel, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) peekKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokKeyword && t.text == kw
}

func (p *parser) peekSymbol(sym string) bool {
	t := p.peek()
	return t.kind == tokSymbol && t.text == sym
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.peekKeyword(kw) {
		p.next()
		return true
	}
	return false
}

func (p *parser) acceptSymbol(sym string) bool {
	if p.peekSymbol(sym) {
		p.next()
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return p.errorf("expected %s, got %s", kw, p.peek())
	}
	return nil
}

func (p *parser) expectSymbol(sym string) error {
	if !p.acceptSymbol(sym) {
		return p.errorf("expected %q, got %s", sym, p.peek())
	}
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Pos: p.peek().pos, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) parseSelect() (*Select, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	sel := &Select{}

	if !p.acceptSymbol("*") {
		for {
			path, err := p.parsePath()
			if err != nil {
				return nil, err
			}
			sel.Fields = append(sel.Fields, path)
			if !p.acceptSymbol(",") {
				break
			}
		}
	}

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	coll, err := p.parseIdent("collection name")
	if err != nil {
		return nil, err
	}
	sel.Collection = coll

	if p.acceptKeyword("WHERE") {
		if sel.Filter, err = p.parseOr(); err != nil {
			return nil, err
		}
	}

	if p.acceptKeyword("ORDER") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			path, err := p.parsePath()
			if err != nil {
				return nil, err
			}
			term := OrderTerm{Field: path}
			if p.acceptKeyword("DESC") {
				term.Desc = true
			} else {
				p.acceptKeyword("ASC")
			}
			sel.OrderBy = append(sel.OrderBy, term)
			if !p.acceptSymbol(",") {
				break
			}
		}
	}

	if p.acceptKeyword("LIMIT") {
		n, err := p.parseCount("LIMIT")
		if err != nil {
			return nil, err
		}
		sel.HasLimit = true
		sel.Limit = n
	}
	if p.acceptKeyword("OFFSET") {
		n, err := p.parseCount("OFFSET")
		if err != nil {
			return nil, err
		}
		sel.Offset = n
	}

	return sel, nil
}

func (p *parser) parseEvict() (*Evict, error) {
	if err := p.expectKeyword("EVICT"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	coll, err := p.parseIdent("collection name")
	if err != nil {
		return nil, err
	}
	if !p.acceptKeyword("WHERE") {
		return nil, p.errorf("EVICT requires a WHERE clause")
	}
	filter, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	return &Evict{Collection: coll, Filter: filter}, nil
}

func (p *parser) parseIdent(what string) (string, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return "", p.errorf("expected %s, got %s", what, t)
	}
	p.next()
	return t.text, nil
}

func (p *parser) parsePath() (Path, error) {
	first, err := p.parseIdent("field name")
	if err != nil {
		return nil, err
	}
	path := Path{first}
	for p.acceptSymbol(".") {
		seg, err := p.parseIdent("field name")
		if err != nil {
			return nil, err
		}
		path = append(path, seg)
	}
	return path, nil
}

func (p *parser) parseCount(clause string) (int64, error) {
	t := p.peek()
	if t.kind != tokNumber {
		return 0, p.errorf("%s expects a non-negative integer, got %s", clause, t)
	}
	n, err := strconv.ParseInt(t.text, 10, 64)
	if err != nil || n < 0 {
		return 0, p.errorf("%s expects a non-negative integer, got %s", clause, t)
	}
	p.next()
	return n, nil
}

func (p *parser) parseOr() (Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	preds := []Predicate{left}
	for p.acceptKeyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		preds = append(preds, right)
	}
	if len(preds) == 1 {
		return left, nil
	}
	return Or{Predicates: preds}, nil
}

func (p *parser) parseAnd() (Predicate, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	preds := []Predicate{left}
	for p.acceptKeyword("AND") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		preds = append(preds, right)
	}
	if len(preds) == 1 {
		return left, nil
	}
	return And{Predicates: preds}, nil
}

func (p *parser) parseUnary() (Predicate, error) {
	if p.acceptKeyword("NOT") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{Predicate: inner}, nil
	}
	if p.acceptSymbol("(") {
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Predicate, error) {
	field, err := p.parsePath()
	if err != nil {
		return nil, err
	}

	if p.acceptKeyword("IS") {
		negated := p.acceptKeyword("NOT")
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return IsNull{Field: field, Negated: negated}, nil
	}

	if p.acceptKeyword("NOT") {
		if err := p.expectKeyword("IN"); err != nil {
			return nil, err
		}
		operand, err := p.parseInOperand()
		if err != nil {
			return nil, err
		}
		return Not{Predicate: In{Field: field, Operand: operand}}, nil
	}

	if p.acceptKeyword("IN") {
		operand, err := p.parseInOperand()
		if err != nil {
			return nil, err
		}
		return In{Field: field, Operand: operand}, nil
	}

	t := p.peek()
	if t.kind != tokSymbol {
		return nil, p.errorf("expected comparison operator after %s, got %s", field, t)
	}
	var op CompareOp
	switch t.text {
	case "=":
		op = OpEq
	case "!=":
		op = OpNe
	case "<":
		op = OpLt
	case "<=":
		op = OpLte
	case ">":
		op = OpGt
	case ">=":
		op = OpGte
	default:
		return nil, p.errorf("expected comparison operator after %s, got %s", field, t)
	}
	p.next()

	operand, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return Compare{Field: field, Op: op, Operand: operand}, nil
}

func (p *parser) parseInOperand() (Operand, error) {
	if p.peek().kind == tokParam {
		return Param{Name: p.next().text}, nil
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var items value.Array
	if !p.peekSymbol(")") {
		for {
			lit, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			items = append(items, lit)
			if !p.acceptSymbol(",") {
				break
			}
		}
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	if items == nil {
		items = value.Array{}
	}
	return Literal{Value: items}, nil
}

func (p *parser) parseOperand() (Operand, error) {
	if p.peek().kind == tokParam {
		return Param{Name: p.next().text}, nil
	}
	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return Literal{Value: lit}, nil
}

func (p *parser) parseLiteral() (value.Value, error) {
	t := p.peek()
	switch t.kind {
	case tokString:
		p.next()
		return value.String(t.text), nil
	case tokNumber:
		v, err := value.FromAny(json.Number(t.text))
		if err != nil {
			return nil, p.errorf("invalid number %s", t.text)
		}
		p.next()
		return v, nil
	case tokKeyword:
		switch t.text {
		case "TRUE":
			p.next()
			return value.Bool(true), nil
		case "FALSE":
			p.next()
			return value.Bool(false), nil
		case "NULL":
			p.next()
			return value.Null{}, nil
		}
	}
	return nil, p.errorf("expected literal or parameter, got %s", t)
}
