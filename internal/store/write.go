package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/roach88/syncgate/internal/delta"
	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/querysql"
	"github.com/roach88/syncgate/internal/value"
)

// Conflict selects how a write treats an existing live document.
type Conflict int

const (
	// ConflictMerge writes only the fields that differ from the stored
	// document. Unchanged documents are not written at all.
	ConflictMerge Conflict = iota
	// ConflictReplace replaces the whole document. An identical document is
	// still skipped.
	ConflictReplace
	// ConflictFail rejects the write with ErrDocumentExists.
	ConflictFail
)

// String returns the directive name used in configuration and the CLI.
func (c Conflict) String() string {
	switch c {
	case ConflictMerge:
		return "merge"
	case ConflictReplace:
		return "replace"
	case ConflictFail:
		return "fail"
	default:
		return "conflict(" + strconv.Itoa(int(c)) + ")"
	}
}

// ParseConflict parses merge, replace or fail.
func ParseConflict(s string) (Conflict, error) {
	switch s {
	case "merge", "":
		return ConflictMerge, nil
	case "replace":
		return ConflictReplace, nil
	case "fail":
		return ConflictFail, nil
	default:
		return 0, fmt.Errorf("unknown conflict directive %q (want merge, replace or fail)", s)
	}
}

// WriteResult describes the outcome of a single-document write.
type WriteResult struct {
	ID      string
	Version int64    // version of the stored row after the call
	Noop    bool     // true when nothing was written
	Changed []string // changed fields, sorted
}

// Document is one stored row as exchanged with peers.
type Document struct {
	ID      string       `json:"id"`
	Body    value.Object `json:"body"`
	Version int64        `json:"version"`
	Deleted bool         `json:"deleted,omitempty"`
}

// EvictResult lists the documents removed by an eviction.
type EvictResult struct {
	Collection string
	IDs        []string
	Version    int64
}

// ReplicateResult lists the documents changed by ApplyReplicated.
type ReplicateResult struct {
	Applied []string
	Skipped int
	Version int64
}

type rowState int

const (
	rowMissing rowState = iota
	rowLive
	rowDeleted
)

type row struct {
	state   rowState
	body    value.Object
	version int64
}

// Upsert writes doc to coll under the given conflict directive. A document
// without _id gets a generated one. A tombstoned document is resurrected.
func (s *Store) Upsert(ctx context.Context, coll string, doc value.Object, conflict Conflict) (WriteResult, error) {
	if err := checkCollection(coll); err != nil {
		return WriteResult{}, err
	}
	doc = doc.Clone()
	if doc == nil {
		doc = value.Object{}
	}
	id, err := s.assignID(doc)
	if err != nil {
		return WriteResult{}, err
	}

	return s.writeOne(ctx, coll, id, "upsert", func(cur row) (value.Object, []string, error) {
		live := cur.state == rowLive
		switch conflict {
		case ConflictMerge:
			changes := delta.Diff(cur.body, live, doc)
			if live && changes.Empty() {
				return nil, nil, nil
			}
			base := value.Object{}
			if live {
				base = cur.body
			}
			return delta.Apply(base, changes), changes.Fields(), nil
		case ConflictReplace:
			if live && value.Equal(cur.body, doc) {
				return nil, nil, nil
			}
			return doc, changedFields(cur.body, live, doc), nil
		case ConflictFail:
			if live {
				return nil, nil, fmt.Errorf("upsert %s/%s: %w", coll, id, ErrDocumentExists)
			}
			return doc, changedFields(nil, false, doc), nil
		default:
			return nil, nil, fmt.Errorf("unknown conflict directive %d", conflict)
		}
	})
}

// UpdateFields applies fields to an existing live document. Fields equal
// to the stored values are dropped first; when none remain the write is
// skipped and Noop is set.
func (s *Store) UpdateFields(ctx context.Context, coll, id string, fields value.Object) (WriteResult, error) {
	if err := checkCollection(coll); err != nil {
		return WriteResult{}, err
	}
	return s.writeOne(ctx, coll, id, "update", func(cur row) (value.Object, []string, error) {
		if cur.state != rowLive {
			return nil, nil, fmt.Errorf("update %s/%s: %w", coll, id, ErrNotFound)
		}
		changes := delta.Diff(cur.body, true, fields)
		if changes.Empty() {
			return nil, nil, nil
		}
		return delta.Apply(cur.body, changes), changes.Fields(), nil
	})
}

// Delete tombstones a document. The tombstone keeps the last body so
// subscriptions that matched the document also receive the delete.
// Deleting a tombstone is a no-op.
func (s *Store) Delete(ctx context.Context, coll, id string) (WriteResult, error) {
	if err := checkCollection(coll); err != nil {
		return WriteResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return WriteResult{}, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WriteResult{}, fmt.Errorf("delete: begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := loadRow(ctx, tx, coll, id)
	if err != nil {
		return WriteResult{}, err
	}
	switch cur.state {
	case rowMissing:
		return WriteResult{}, fmt.Errorf("delete %s/%s: %w", coll, id, ErrNotFound)
	case rowDeleted:
		return WriteResult{ID: id, Version: cur.version, Noop: true}, nil
	}

	version := s.clock.Next()
	if _, err := tx.ExecContext(ctx,
		"UPDATE documents SET deleted = 1, version = ? WHERE collection = ? AND id = ?",
		version, coll, id); err != nil {
		return WriteResult{}, fmt.Errorf("delete %s/%s: %w", coll, id, err)
	}
	if err := s.commit(ctx, tx, version); err != nil {
		return WriteResult{}, fmt.Errorf("delete: %w", err)
	}

	s.publish(Change{Version: version, Collection: coll, Kind: ChangeDelete, IDs: []string{id}})
	return WriteResult{ID: id, Version: version}, nil
}

// Evict removes every document matching ev from the local store, tombstones
// included. Nothing is propagated to peers.
func (s *Store) Evict(ctx context.Context, ev *query.Evict, params value.Object) (EvictResult, error) {
	sqlText, args, err := querysql.NewSQLCompiler(params).Compile(ev)
	if err != nil {
		return EvictResult{}, fmt.Errorf("evict: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return EvictResult{}, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EvictResult{}, fmt.Errorf("evict: begin tx: %w", err)
	}
	defer tx.Rollback()

	ids, err := queryIDs(ctx, tx, sqlText, args)
	if err != nil {
		return EvictResult{}, fmt.Errorf("evict: %w", err)
	}
	result := EvictResult{Collection: ev.Collection, IDs: ids, Version: s.clock.Current()}
	if len(ids) == 0 {
		return result, nil
	}

	encoded, err := value.Marshal(stringArray(ids))
	if err != nil {
		return EvictResult{}, fmt.Errorf("evict: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND id IN (SELECT value FROM json_each(?))",
		ev.Collection, string(encoded)); err != nil {
		return EvictResult{}, fmt.Errorf("evict: delete rows: %w", err)
	}

	version := s.clock.Next()
	if err := s.commit(ctx, tx, version); err != nil {
		return EvictResult{}, fmt.Errorf("evict: %w", err)
	}
	evictedDocuments.Add(float64(len(ids)))

	result.Version = version
	s.publish(Change{Version: version, Collection: ev.Collection, Kind: ChangeEvict, IDs: ids})
	return result, nil
}

// ApplyReplicated merges documents pulled from a peer into coll in one
// transaction.
//
//   - A live remote document is merged field by field; identical documents
//     are skipped, so replicas observing each other converge without
//     writing back and forth.
//   - A remote tombstone deletes the local document, or records the
//     tombstone when the document is unknown.
//   - A local tombstone is never resurrected by a peer.
//
// Documents failing validation are skipped and logged.
func (s *Store) ApplyReplicated(ctx context.Context, coll string, docs []Document) (ReplicateResult, error) {
	if err := checkCollection(coll); err != nil {
		return ReplicateResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ReplicateResult{}, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReplicateResult{}, fmt.Errorf("replicate: begin tx: %w", err)
	}
	defer tx.Rollback()

	result := ReplicateResult{Version: s.clock.Current()}
	version := s.clock.Current() + 1 // taken from the clock only if something is written

	for _, doc := range docs {
		if doc.ID == "" {
			result.Skipped++
			continue
		}
		cur, err := loadRow(ctx, tx, coll, doc.ID)
		if err != nil {
			return ReplicateResult{}, err
		}

		var next value.Object
		deleted := doc.Deleted
		switch {
		case cur.state == rowDeleted:
			result.Skipped++
			continue
		case doc.Deleted && cur.state == rowLive:
			next = cur.body
		case doc.Deleted:
			next = doc.Body.Clone()
		default:
			changes := delta.Diff(cur.body, cur.state == rowLive, doc.Body)
			if cur.state == rowLive && changes.Empty() {
				noopWrites.WithLabelValues("replicated").Inc()
				result.Skipped++
				continue
			}
			base := value.Object{}
			if cur.state == rowLive {
				base = cur.body
			}
			next = delta.Apply(base, changes)
		}
		if next == nil {
			next = value.Object{}
		}
		next[value.IDField] = value.String(doc.ID)

		if !deleted {
			if err := s.validate(coll, doc.ID, next); err != nil {
				s.logger.Warn("skipping invalid replicated document",
					"event", "invalid_remote_doc",
					"collection", coll,
					"id", doc.ID,
					"error", err)
				result.Skipped++
				continue
			}
		}
		if err := writeRow(ctx, tx, coll, doc.ID, next, version, deleted); err != nil {
			return ReplicateResult{}, err
		}
		result.Applied = append(result.Applied, doc.ID)
	}

	if len(result.Applied) == 0 {
		return result, nil
	}

	if got := s.clock.Next(); got != version {
		return ReplicateResult{}, fmt.Errorf("replicate: clock moved during write lock (%d != %d)", got, version)
	}
	if err := s.commit(ctx, tx, version); err != nil {
		return ReplicateResult{}, fmt.Errorf("replicate: %w", err)
	}

	sort.Strings(result.Applied)
	result.Version = version
	s.publish(Change{Version: version, Collection: coll, Kind: ChangeReplicate, IDs: result.Applied})
	return result, nil
}

// mutateFunc computes the next body from the current row. A nil body with a
// nil error means no change.
type mutateFunc func(cur row) (next value.Object, changed []string, err error)

func (s *Store) writeOne(ctx context.Context, coll, id, op string, mutate mutateFunc) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return WriteResult{}, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WriteResult{}, fmt.Errorf("%s: begin tx: %w", op, err)
	}
	defer tx.Rollback()

	cur, err := loadRow(ctx, tx, coll, id)
	if err != nil {
		return WriteResult{}, err
	}

	next, changed, err := mutate(cur)
	if err != nil {
		return WriteResult{}, err
	}
	if next == nil {
		noopWrites.WithLabelValues("local").Inc()
		s.logger.Debug("write skipped, no field changed",
			"event", "noop_write",
			"collection", coll,
			"id", id)
		return WriteResult{ID: id, Version: cur.version, Noop: true}, nil
	}
	next[value.IDField] = value.String(id)

	if err := s.validate(coll, id, next); err != nil {
		return WriteResult{}, err
	}

	version := s.clock.Next()
	if err := writeRow(ctx, tx, coll, id, next, version, false); err != nil {
		return WriteResult{}, err
	}
	if err := s.commit(ctx, tx, version); err != nil {
		return WriteResult{}, fmt.Errorf("%s: %w", op, err)
	}

	s.publish(Change{Version: version, Collection: coll, Kind: ChangeUpsert, IDs: []string{id}})
	return WriteResult{ID: id, Version: version, Changed: changed}, nil
}

// commit records the clock in meta and commits. The clock survives
// evictions that remove the highest-versioned rows.
func (s *Store) commit(ctx context.Context, tx *sql.Tx, version int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('clock', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, strconv.FormatInt(version, 10)); err != nil {
		return fmt.Errorf("record clock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// publish must be called with s.mu held so changes leave in version order.
func (s *Store) publish(c Change) {
	commits.WithLabelValues(string(c.Kind)).Inc()
	s.hub.Publish(c)
}

func (s *Store) validate(coll, id string, doc value.Object) error {
	if s.validator == nil {
		return nil
	}
	if err := s.validator.Validate(coll, doc); err != nil {
		return &ValidationError{Collection: coll, ID: id, Err: err}
	}
	return nil
}

func (s *Store) assignID(doc value.Object) (string, error) {
	raw, ok := doc[value.IDField]
	if !ok {
		id := s.ids.Generate()
		doc[value.IDField] = value.String(id)
		return id, nil
	}
	id, ok := raw.(value.String)
	if !ok || id == "" {
		return "", fmt.Errorf("%s must be a non-empty string, got %s", value.IDField, value.Kind(raw))
	}
	return string(id), nil
}

func loadRow(ctx context.Context, tx *sql.Tx, coll, id string) (row, error) {
	var (
		body    string
		version int64
		deleted bool
	)
	err := tx.QueryRowContext(ctx,
		"SELECT body, version, deleted FROM documents WHERE collection = ? AND id = ?",
		coll, id).Scan(&body, &version, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return row{state: rowMissing}, nil
	}
	if err != nil {
		return row{}, fmt.Errorf("load %s/%s: %w", coll, id, err)
	}
	obj, err := unmarshalBody([]byte(body))
	if err != nil {
		return row{}, fmt.Errorf("load %s/%s: %w", coll, id, err)
	}
	state := rowLive
	if deleted {
		state = rowDeleted
	}
	return row{state: state, body: obj, version: version}, nil
}

func writeRow(ctx context.Context, tx *sql.Tx, coll, id string, body value.Object, version int64, deleted bool) error {
	bodyJSON, err := marshalBody(body)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", coll, id, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, version, deleted)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			body = excluded.body,
			version = excluded.version,
			deleted = excluded.deleted
	`, coll, id, bodyJSON, version, deleted)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", coll, id, err)
	}
	return nil
}

func queryIDs(ctx context.Context, tx *sql.Tx, sqlText string, args []any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

func changedFields(cur value.Object, live bool, next value.Object) []string {
	fields := delta.Diff(cur, live, next).Fields()
	if live {
		for k := range cur {
			if _, ok := next[k]; !ok && k != value.IDField {
				fields = append(fields, k)
			}
		}
		sort.Strings(fields)
	}
	return fields
}

func stringArray(ss []string) value.Array {
	arr := make(value.Array, len(ss))
	for i, s := range ss {
		arr[i] = value.String(s)
	}
	return arr
}

func checkCollection(coll string) error {
	if coll == "" {
		return errors.New("collection name is required")
	}
	return nil
}
