package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/value"
)

// newTestStore creates a store in a temp dir that is closed on cleanup.
func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustUpsert(t *testing.T, s *Store, coll string, doc map[string]any) WriteResult {
	t.Helper()
	res, err := s.Upsert(context.Background(), coll, value.MustObject(doc), ConflictMerge)
	require.NoError(t, err)
	return res
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Pragmas(t *testing.T) {
	s := newTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		require.NoError(t, s.Close())
	}
}

func TestOpen_ClockResumes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	mustUpsert(t, s, "tasks", map[string]any{"_id": "A", "n": 1})
	mustUpsert(t, s, "tasks", map[string]any{"_id": "B", "n": 1})
	_, err = s.Evict(ctx, query.MustParse("EVICT FROM tasks WHERE _id = 'B'").(*query.Evict), nil)
	require.NoError(t, err)
	require.Equal(t, int64(3), s.Version())
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, int64(3), s2.Version(), "clock must not reuse versions of evicted rows")
}

func TestClose_Idempotent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Upsert(context.Background(), "tasks", value.Object{}, ConflictMerge)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMeta(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.Meta(ctx, "site_id")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetMeta(ctx, "site_id", "a"))
	require.NoError(t, s.SetMeta(ctx, "site_id", "b"))
	got, ok, err := s.Meta(ctx, "site_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", got)
}

func TestParseConflict(t *testing.T) {
	for _, c := range []Conflict{ConflictMerge, ConflictReplace, ConflictFail} {
		got, err := ParseConflict(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseConflict("upsert")
	assert.Error(t, err)
}
