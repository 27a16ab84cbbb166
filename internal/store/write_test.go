package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/value"
)

func TestUpsert_AssignsID(t *testing.T) {
	s := newTestStore(t, WithIDGenerator(NewSequentialGenerator("doc")))

	res := mustUpsert(t, s, "tasks", map[string]any{"title": "write tests"})

	assert.Equal(t, "doc-1", res.ID)
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, []string{"title"}, res.Changed)

	doc, err := s.Get(context.Background(), "tasks", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, value.String("doc-1"), doc[value.IDField])
}

func TestUpsert_RejectsNonStringID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Upsert(context.Background(), "tasks", value.Object{"_id": value.Int(1)}, ConflictMerge)
	assert.Error(t, err)

	_, err = s.Upsert(context.Background(), "", value.Object{}, ConflictMerge)
	assert.Error(t, err)
}

func TestUpsert_MergeSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	l := s.Changes().Subscribe(ChangeFilter{})
	defer l.Close()

	first := mustUpsert(t, s, "people", map[string]any{"_id": "A", "name": "Bob", "age": 30})
	require.Len(t, l.Drain(), 1)

	again, err := s.Upsert(ctx, "people", value.MustObject(map[string]any{"_id": "A", "name": "Bob", "age": 30}), ConflictMerge)
	require.NoError(t, err)
	assert.True(t, again.Noop)
	assert.Equal(t, first.Version, again.Version)
	assert.Equal(t, first.Version, s.Version(), "a no-op must not advance the clock")
	assert.Empty(t, l.Drain(), "a no-op must not notify")

	changed, err := s.Upsert(ctx, "people", value.MustObject(map[string]any{"_id": "A", "age": 31}), ConflictMerge)
	require.NoError(t, err)
	assert.False(t, changed.Noop)
	assert.Equal(t, []string{"age"}, changed.Changed)

	doc, err := s.Get(ctx, "people", "A")
	require.NoError(t, err)
	assert.Equal(t, value.String("Bob"), doc["name"], "merge keeps fields not in the update")
	assert.Equal(t, value.Int(31), doc["age"])
}

func TestUpsert_Replace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustUpsert(t, s, "people", map[string]any{"_id": "A", "name": "Bob", "age": 30})

	res, err := s.Upsert(ctx, "people", value.MustObject(map[string]any{"_id": "A", "name": "Bob"}), ConflictReplace)
	require.NoError(t, err)
	assert.Equal(t, []string{"age"}, res.Changed)

	doc, err := s.Get(ctx, "people", "A")
	require.NoError(t, err)
	_, hasAge := doc["age"]
	assert.False(t, hasAge)

	res, err = s.Upsert(ctx, "people", value.MustObject(map[string]any{"_id": "A", "name": "Bob"}), ConflictReplace)
	require.NoError(t, err)
	assert.True(t, res.Noop)
}

func TestUpsert_Fail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustUpsert(t, s, "people", map[string]any{"_id": "A"})

	_, err := s.Upsert(ctx, "people", value.MustObject(map[string]any{"_id": "A"}), ConflictFail)
	assert.ErrorIs(t, err, ErrDocumentExists)

	_, err = s.Upsert(ctx, "people", value.MustObject(map[string]any{"_id": "B"}), ConflictFail)
	assert.NoError(t, err)
}

func TestUpdateFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.UpdateFields(ctx, "people", "A", value.Object{"age": value.Int(1)})
	assert.ErrorIs(t, err, ErrNotFound)

	mustUpsert(t, s, "people", map[string]any{"_id": "A", "name": "Bob", "age": 30})

	res, err := s.UpdateFields(ctx, "people", "A", value.Object{"name": value.String("Bob"), "age": value.Int(30)})
	require.NoError(t, err)
	assert.True(t, res.Noop)

	res, err = s.UpdateFields(ctx, "people", "A", value.Object{"name": value.String("Bob"), "age": value.Int(31)})
	require.NoError(t, err)
	assert.Equal(t, []string{"age"}, res.Changed)
}

func TestDelete_Tombstones(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustUpsert(t, s, "tasks", map[string]any{"_id": "A", "status": "active"})

	res, err := s.Delete(ctx, "tasks", "A")
	require.NoError(t, err)
	assert.False(t, res.Noop)

	_, err = s.Get(ctx, "tasks", "A")
	assert.ErrorIs(t, err, ErrNotFound)

	sel := query.MustParse("SELECT * FROM tasks WHERE status = 'active'").(*query.Select)
	docs, _, err := s.ScanForSync(ctx, sel, nil, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1, "tombstone keeps its body so filters still match")
	assert.True(t, docs[0].Deleted)

	again, err := s.Delete(ctx, "tasks", "A")
	require.NoError(t, err)
	assert.True(t, again.Noop)

	_, err = s.Delete(ctx, "tasks", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsert_ResurrectsTombstone(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustUpsert(t, s, "tasks", map[string]any{"_id": "A", "status": "active"})
	_, err := s.Delete(ctx, "tasks", "A")
	require.NoError(t, err)

	res := mustUpsert(t, s, "tasks", map[string]any{"_id": "A", "status": "active"})
	assert.False(t, res.Noop)

	doc, err := s.Get(ctx, "tasks", "A")
	require.NoError(t, err)
	assert.Equal(t, value.String("active"), doc["status"])
}

func TestEvict_LocalOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustUpsert(t, s, "tasks", map[string]any{"_id": "A", "status": "done"})
	mustUpsert(t, s, "tasks", map[string]any{"_id": "B", "status": "active"})
	mustUpsert(t, s, "tasks", map[string]any{"_id": "C", "status": "done"})
	l := s.Changes().Subscribe(ChangeFilter{Collections: []string{"tasks"}})
	defer l.Close()

	ev := query.MustParse("EVICT FROM tasks WHERE status = :s").(*query.Evict)
	res, err := s.Evict(ctx, ev, value.Object{"s": value.String("done")})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, res.IDs)

	changes := l.Drain()
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeEvict, changes[0].Kind)
	assert.Equal(t, []string{"A", "C"}, changes[0].IDs)

	all := query.MustParse("SELECT * FROM tasks").(*query.Select)
	docs, _, err := s.ScanForSync(ctx, all, nil, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1, "eviction leaves no tombstone")
	assert.Equal(t, "B", docs[0].ID)

	res, err = s.Evict(ctx, ev, value.Object{"s": value.String("done")})
	require.NoError(t, err)
	assert.Empty(t, res.IDs)
	assert.Empty(t, l.Drain(), "an empty eviction commits nothing")
}

func TestApplyReplicated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustUpsert(t, s, "tasks", map[string]any{"_id": "A", "title": "a", "status": "active"})
	mustUpsert(t, s, "tasks", map[string]any{"_id": "T", "title": "t"})
	_, err := s.Delete(ctx, "tasks", "T")
	require.NoError(t, err)
	before := s.Version()

	res, err := s.ApplyReplicated(ctx, "tasks", []Document{
		{ID: "A", Body: value.MustObject(map[string]any{"_id": "A", "title": "a", "status": "active"})},
		{ID: "B", Body: value.MustObject(map[string]any{"_id": "B", "title": "b"})},
		{ID: "T", Body: value.MustObject(map[string]any{"_id": "T", "title": "t2"})},
		{ID: ""},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, res.Applied)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, before+1, res.Version)

	_, err = s.Get(ctx, "tasks", "T")
	assert.ErrorIs(t, err, ErrNotFound, "a peer never resurrects a local tombstone")

	res, err = s.ApplyReplicated(ctx, "tasks", []Document{
		{ID: "A", Body: value.MustObject(map[string]any{"_id": "A", "title": "a"}), Deleted: true},
		{ID: "Z", Body: value.MustObject(map[string]any{"_id": "Z"}), Deleted: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "Z"}, res.Applied)
	_, err = s.Get(ctx, "tasks", "A")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyReplicated_Unchanged(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustUpsert(t, s, "tasks", map[string]any{"_id": "A", "n": 1})
	l := s.Changes().Subscribe(ChangeFilter{})
	defer l.Close()
	before := s.Version()

	res, err := s.ApplyReplicated(ctx, "tasks", []Document{
		{ID: "A", Body: value.MustObject(map[string]any{"_id": "A", "n": 1})},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, before, s.Version())
	assert.Empty(t, l.Drain())
}

type rejectValidator struct{ field string }

func (v rejectValidator) Validate(coll string, doc value.Object) error {
	if _, ok := doc[v.field]; ok {
		return errors.New("forbidden field " + v.field)
	}
	return nil
}

func TestValidator(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithValidator(rejectValidator{field: "secret"}))

	_, err := s.Upsert(ctx, "tasks", value.MustObject(map[string]any{"_id": "A", "secret": 1}), ConflictMerge)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	res, err := s.ApplyReplicated(ctx, "tasks", []Document{
		{ID: "A", Body: value.MustObject(map[string]any{"_id": "A", "secret": 1})},
		{ID: "B", Body: value.MustObject(map[string]any{"_id": "B"})},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, res.Applied)
	assert.Equal(t, 1, res.Skipped)
}
