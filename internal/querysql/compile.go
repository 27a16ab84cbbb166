// Package querysql compiles parsed queries to parameterized SQLite over the
// documents table.
//
// Document bodies are stored as JSON text; fields are addressed with
// json_extract(body, '$.path'). Field paths come from validated identifiers
// and are the only text spliced into the SQL. Every value, including the
// collection name, travels as a bound argument.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/value"
)

// Columns is the column list every compiled SELECT returns, in order.
const Columns = "id, body, version, deleted"

// SQLCompiler compiles query statements to parameterized SQL for SQLite.
//
// CRITICAL: every SELECT ends with a deterministic id tiebreaker so equal
// sort keys always produce the same row order.
// CRITICAL: values are never interpolated into the SQL text.
type SQLCompiler struct {
	// Params supplies values for :name references.
	Params value.Object

	// IncludeDeleted keeps tombstoned rows in SELECT output. Used by sync,
	// which must forward deletes to peers.
	IncludeDeleted bool

	// SinceVersion, when positive, restricts rows to version > SinceVersion.
	SinceVersion int64
}

// NewSQLCompiler creates a compiler bound to params.
func NewSQLCompiler(params value.Object) *SQLCompiler {
	return &SQLCompiler{Params: params}
}

// Compile converts a statement to (sql, args).
//
// SELECT compiles to a row query returning Columns. EVICT compiles to a
// query returning the ids of matching rows, tombstones included; the store
// deletes those ids in the same transaction.
func (c *SQLCompiler) Compile(stmt query.Statement) (string, []any, error) {
	if stmt == nil {
		return "", nil, fmt.Errorf("cannot compile nil statement")
	}
	if err := query.Bind(stmt, c.Params); err != nil {
		return "", nil, err
	}

	switch s := stmt.(type) {
	case *query.Select:
		return c.compileSelect(s)
	case *query.Evict:
		return c.compileEvict(s)
	default:
		return "", nil, fmt.Errorf("unsupported statement type: %T", stmt)
	}
}

func (c *SQLCompiler) compileSelect(sel *query.Select) (string, []any, error) {
	var sb strings.Builder
	args := []any{sel.Collection}

	sb.WriteString("SELECT " + Columns + " FROM documents WHERE collection = ?")
	if !c.IncludeDeleted {
		sb.WriteString(" AND deleted = 0")
	}
	if c.SinceVersion > 0 {
		sb.WriteString(" AND version > ?")
		args = append(args, c.SinceVersion)
	}

	if sel.Filter != nil {
		filterSQL, filterArgs, err := c.compilePredicate(sel.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		sb.WriteString(" AND (" + filterSQL + ")")
		args = append(args, filterArgs...)
	}

	orderBy, err := c.orderBy(sel.OrderBy)
	if err != nil {
		return "", nil, err
	}
	sb.WriteString(" ORDER BY " + orderBy)

	switch {
	case sel.HasLimit:
		sb.WriteString(" LIMIT ?")
		args = append(args, sel.Limit)
		if sel.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, sel.Offset)
		}
	case sel.Offset > 0:
		sb.WriteString(" LIMIT -1 OFFSET ?")
		args = append(args, sel.Offset)
	}

	return sb.String(), args, nil
}

func (c *SQLCompiler) compileEvict(ev *query.Evict) (string, []any, error) {
	if ev.Filter == nil {
		return "", nil, fmt.Errorf("EVICT requires a filter")
	}
	filterSQL, filterArgs, err := c.compilePredicate(ev.Filter)
	if err != nil {
		return "", nil, fmt.Errorf("compile filter: %w", err)
	}
	sql := "SELECT id FROM documents WHERE collection = ? AND (" + filterSQL + ") ORDER BY " + stableOrderKey
	return sql, append([]any{ev.Collection}, filterArgs...), nil
}

// stableOrderKey is the final ORDER BY key of every SELECT.
// COLLATE BINARY keeps text ordering identical across SQLite builds.
const stableOrderKey = "id COLLATE BINARY ASC"

func (c *SQLCompiler) orderBy(terms []query.OrderTerm) (string, error) {
	parts := make([]string, 0, len(terms)+1)
	for _, term := range terms {
		if term.Field.IsID() {
			dir := "ASC"
			if term.Desc {
				dir = "DESC"
			}
			// An explicit _id key is already total; no tiebreaker needed.
			parts = append(parts, "id COLLATE BINARY "+dir)
			return strings.Join(parts, ", "), nil
		}
		expr, err := fieldExpr(term.Field)
		if err != nil {
			return "", err
		}
		if term.Desc {
			parts = append(parts, expr+" DESC")
		} else {
			parts = append(parts, expr+" ASC")
		}
	}
	parts = append(parts, stableOrderKey)
	return strings.Join(parts, ", "), nil
}

// compilePredicate compiles a predicate to a SQL boolean expression.
func (c *SQLCompiler) compilePredicate(p query.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case nil:
		return "1 = 1", nil, nil
	case query.Compare:
		return c.compileCompare(pred)
	case query.In:
		return c.compileIn(pred)
	case query.IsNull:
		return compileIsNull(pred.Field, pred.Negated)
	case query.And:
		return c.compileJunction(pred.Predicates, " AND ", "1 = 1")
	case query.Or:
		return c.compileJunction(pred.Predicates, " OR ", "1 = 0")
	case query.Not:
		inner, args, err := c.compilePredicate(pred.Predicate)
		if err != nil {
			return "", nil, err
		}
		// A NULL comparison under NOT must stay false, not become unknown.
		return "NOT COALESCE((" + inner + "), 0)", args, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (c *SQLCompiler) compileJunction(preds []query.Predicate, sep, empty string) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}
	parts := make([]string, 0, len(preds))
	var args []any
	for _, sub := range preds {
		sql, subArgs, err := c.compilePredicate(sub)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+sql+")")
		args = append(args, subArgs...)
	}
	return strings.Join(parts, sep), args, nil
}

// compileCompare compiles <field> <op> <operand>.
//
// != uses IS NOT so documents missing the field match. Booleans compare on
// json_type so true never equals 1. Comparing with null is IS [NOT] NULL.
func (c *SQLCompiler) compileCompare(cmp query.Compare) (string, []any, error) {
	v, err := query.Resolve(cmp.Operand, c.Params)
	if err != nil {
		return "", nil, err
	}

	switch val := v.(type) {
	case value.Null:
		switch cmp.Op {
		case query.OpEq:
			return compileIsNull(cmp.Field, false)
		case query.OpNe:
			return compileIsNull(cmp.Field, true)
		default:
			return "", nil, fmt.Errorf("field %s: operator %s cannot compare with null", cmp.Field, cmp.Op)
		}

	case value.Bool:
		if cmp.Field.IsID() {
			return "", nil, fmt.Errorf("field _id cannot compare with a boolean")
		}
		path, err := jsonPath(cmp.Field)
		if err != nil {
			return "", nil, err
		}
		typeExpr := "json_type(body, '" + path + "')"
		switch cmp.Op {
		case query.OpEq:
			return typeExpr + " = ?", []any{boolJSONType(bool(val))}, nil
		case query.OpNe:
			return typeExpr + " IS NOT ?", []any{boolJSONType(bool(val))}, nil
		default:
			return "", nil, fmt.Errorf("field %s: operator %s is not defined for booleans", cmp.Field, cmp.Op)
		}

	case value.Array, value.Object:
		return "", nil, fmt.Errorf("field %s: cannot compare with %s (use IN for lists)", cmp.Field, value.Kind(v))
	}

	arg, err := valueToParam(v)
	if err != nil {
		return "", nil, err
	}
	expr, err := fieldExpr(cmp.Field)
	if err != nil {
		return "", nil, err
	}
	op := string(cmp.Op)
	if cmp.Op == query.OpNe {
		op = "IS NOT"
	}
	return expr + " " + op + " ?", []any{arg}, nil
}

// compileIn compiles <field> IN <array> against json_each of the encoded
// array, so the list length never changes the SQL text.
func (c *SQLCompiler) compileIn(in query.In) (string, []any, error) {
	v, err := query.Resolve(in.Operand, c.Params)
	if err != nil {
		return "", nil, err
	}
	arr, ok := v.(value.Array)
	if !ok {
		return "", nil, fmt.Errorf("field %s: IN requires an array, got %s", in.Field, value.Kind(v))
	}
	for i, item := range arr {
		switch item.(type) {
		case value.Array, value.Object:
			return "", nil, fmt.Errorf("field %s: IN list item %d is %s, want scalar", in.Field, i, value.Kind(item))
		}
	}
	encoded, err := value.Marshal(arr)
	if err != nil {
		return "", nil, fmt.Errorf("encode IN list: %w", err)
	}
	expr, err := fieldExpr(in.Field)
	if err != nil {
		return "", nil, err
	}
	return expr + " IN (SELECT value FROM json_each(?))", []any{string(encoded)}, nil
}

func compileIsNull(field query.Path, negated bool) (string, []any, error) {
	expr, err := fieldExpr(field)
	if err != nil {
		return "", nil, err
	}
	if negated {
		return expr + " IS NOT NULL", nil, nil
	}
	return expr + " IS NULL", nil, nil
}

// fieldExpr returns the SQL expression addressing a document field.
func fieldExpr(field query.Path) (string, error) {
	if field.IsID() {
		return "id", nil
	}
	path, err := jsonPath(field)
	if err != nil {
		return "", err
	}
	return "json_extract(body, '" + path + "')", nil
}

// jsonPath renders a validated field path as a SQLite JSON path.
func jsonPath(field query.Path) (string, error) {
	if len(field) == 0 {
		return "", fmt.Errorf("empty field path")
	}
	for _, seg := range field {
		if !validSegment(seg) {
			return "", fmt.Errorf("invalid field name %q", seg)
		}
	}
	return "$." + strings.Join(field, "."), nil
}

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

func boolJSONType(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// valueToParam converts a scalar value to a database/sql argument.
func valueToParam(v value.Value) (any, error) {
	switch val := v.(type) {
	case value.String:
		return string(val), nil
	case value.Int:
		return int64(val), nil
	case value.Float:
		return float64(val), nil
	case value.Bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case value.Null, nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%s cannot be used as a SQL parameter", value.Kind(v))
	}
}
