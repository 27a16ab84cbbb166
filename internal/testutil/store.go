package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/syncgate/internal/store"
	"github.com/roach88/syncgate/internal/value"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewStore opens a scratch store under t.TempDir and closes it when the
// test ends. Documents written without _id get ids name-1, name-2, ...
func NewStore(t testing.TB, name string, opts ...store.Option) *store.Store {
	t.Helper()
	opts = append([]store.Option{
		store.WithLogger(DiscardLogger()),
		store.WithIDGenerator(store.NewSequentialGenerator(name)),
	}, opts...)
	s, err := store.Open(filepath.Join(t.TempDir(), name+".db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Put merges doc into coll and returns the write's version.
func Put(t testing.TB, s *store.Store, coll string, doc map[string]any) int64 {
	t.Helper()
	res, err := s.Upsert(context.Background(), coll, value.MustObject(doc), store.ConflictMerge)
	require.NoError(t, err)
	return res.Version
}

// Has reports whether coll holds a live document with the given id.
func Has(s *store.Store, coll, id string) bool {
	_, err := s.Get(context.Background(), coll, id)
	return err == nil
}
