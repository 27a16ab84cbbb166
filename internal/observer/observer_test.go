package observer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/syncgate/internal/store"
	"github.com/roach88/syncgate/internal/testutil"
	"github.com/roach88/syncgate/internal/value"
)

const waitFor = 2 * time.Second

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return testutil.NewStore(t, "test")
}

func newTestRegistry(t *testing.T, s *store.Store, opts ...RegistryOption) *Registry {
	t.Helper()
	r := NewRegistry(s, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		r.Close(ctx)
	})
	return r
}

func put(t *testing.T, s *store.Store, coll string, doc map[string]any) int64 {
	t.Helper()
	res, err := s.Upsert(context.Background(), coll, value.MustObject(doc), store.ConflictMerge)
	require.NoError(t, err)
	return res.Version
}

// recorder collects delivered updates.
type recorder struct {
	mu      sync.Mutex
	updates []*Update
	arrived chan *Update
}

func newRecorder() *recorder {
	return &recorder{arrived: make(chan *Update, 256)}
}

func (r *recorder) handle(_ context.Context, u *Update) error {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
	r.arrived <- u
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) all() []*Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Update(nil), r.updates...)
}

func (r *recorder) next(t *testing.T) *Update {
	t.Helper()
	select {
	case u := <-r.arrived:
		return u
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func (r *recorder) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case u := <-r.arrived:
		t.Fatalf("unexpected delivery at version %d", u.Version)
	case <-time.After(within):
	}
}

// settled waits until the channel has evaluated the store's current version.
func settled(t *testing.T, c *Channel, s *store.Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Settle(ctx))
	require.GreaterOrEqual(t, c.Stats().Evaluated, s.Version())
}
