package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/querysql"
	"github.com/roach88/syncgate/internal/value"
)

// Get returns a live document. Tombstoned and missing documents return
// ErrNotFound.
func (s *Store) Get(ctx context.Context, coll, id string) (value.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var body string
	err := s.db.QueryRowContext(ctx,
		"SELECT body FROM documents WHERE collection = ? AND id = ? AND deleted = 0",
		coll, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s/%s: %w", coll, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", coll, id, err)
	}
	return unmarshalBody([]byte(body))
}

// Scan evaluates sel and passes the result handle to fn. The handle is
// valid only until fn returns.
//
// The rows fn sees are consistent with Results.Version: no write commits
// between the query and the end of fn.
func (s *Store) Scan(ctx context.Context, sel *query.Select, params value.Object, fn func(*Results) error) error {
	sqlText, args, err := querysql.NewSQLCompiler(params).Compile(sel)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	defer rows.Close()

	rs := &Results{
		rows:    rows,
		fields:  sel.Fields,
		version: s.clock.Current(),
	}
	rs.valid.Store(true)
	defer rs.valid.Store(false)

	if err := fn(rs); err != nil {
		return err
	}
	return rs.Err()
}

// ScanForSync returns every row matching sel's collection and filter,
// tombstones included, with version greater than since. Projection,
// ordering and limits are ignored: a peer needs whole documents.
// The second return value is the store version the rows reflect.
func (s *Store) ScanForSync(ctx context.Context, sel *query.Select, params value.Object, since int64) ([]Document, int64, error) {
	full := &query.Select{Collection: sel.Collection, Filter: sel.Filter}
	compiler := querysql.NewSQLCompiler(params)
	compiler.IncludeDeleted = true
	compiler.SinceVersion = since

	sqlText, args, err := compiler.Compile(full)
	if err != nil {
		return nil, 0, fmt.Errorf("scan for sync: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return nil, 0, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("scan for sync: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var (
			doc  Document
			body string
		)
		if err := rows.Scan(&doc.ID, &body, &doc.Version, &doc.Deleted); err != nil {
			return nil, 0, fmt.Errorf("scan for sync: %w", err)
		}
		if doc.Body, err = unmarshalBody([]byte(body)); err != nil {
			return nil, 0, fmt.Errorf("scan for sync %s: %w", doc.ID, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan for sync: %w", err)
	}
	return docs, s.clock.Current(), nil
}

// Results is a scope-bound cursor over one query evaluation.
//
// Row data points into driver-owned buffers that are reused on every Next
// call. Value copies what it returns, but ID and Value must still be called
// before the next Next. Every method returns ErrStaleHandle (or false)
// once the Scan callback has returned.
type Results struct {
	rows    *sql.Rows
	fields  []query.Path
	version int64
	valid   atomic.Bool
	err     error

	id         string
	body       sql.RawBytes
	docVersion int64
	deleted    bool
}

// Next advances to the next row.
func (r *Results) Next() bool {
	if !r.valid.Load() || r.err != nil {
		return false
	}
	if !r.rows.Next() {
		return false
	}
	if err := r.rows.Scan(&r.id, &r.body, &r.docVersion, &r.deleted); err != nil {
		r.err = fmt.Errorf("scan row: %w", err)
		return false
	}
	return true
}

// ID returns the current row's document id.
func (r *Results) ID() (string, error) {
	if !r.valid.Load() {
		return "", ErrStaleHandle
	}
	return r.id, nil
}

// Value decodes the current row into a fresh document, projected to the
// selected fields.
func (r *Results) Value() (value.Object, error) {
	if !r.valid.Load() {
		return nil, ErrStaleHandle
	}
	obj, err := unmarshalBody(r.body)
	if err != nil {
		return nil, fmt.Errorf("row %s: %w", r.id, err)
	}
	return project(obj, r.fields), nil
}

// DocVersion returns the version at which the current row last changed.
func (r *Results) DocVersion() (int64, error) {
	if !r.valid.Load() {
		return 0, ErrStaleHandle
	}
	return r.docVersion, nil
}

// Version returns the store version the whole result reflects.
func (r *Results) Version() (int64, error) {
	if !r.valid.Load() {
		return 0, ErrStaleHandle
	}
	return r.version, nil
}

// Err returns the first iteration error.
func (r *Results) Err() error {
	if !r.valid.Load() {
		return ErrStaleHandle
	}
	if r.err != nil {
		return r.err
	}
	return r.rows.Err()
}
