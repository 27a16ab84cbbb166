package replication

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/store"
	"github.com/roach88/syncgate/internal/value"
)

const waitFor = 2 * time.Second

func newStore(t *testing.T, name string) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newReplicator(t *testing.T, local *store.Store) *Replicator {
	t.Helper()
	r := New(local)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		r.Close(ctx)
	})
	return r
}

func put(t *testing.T, s *store.Store, coll string, doc map[string]any) {
	t.Helper()
	_, err := s.Upsert(context.Background(), coll, value.MustObject(doc), store.ConflictMerge)
	require.NoError(t, err)
}

func has(s *store.Store, coll, id string) bool {
	_, err := s.Get(context.Background(), coll, id)
	return err == nil
}

func evict(t *testing.T, s *store.Store, text string) store.EvictResult {
	t.Helper()
	res, err := s.Evict(context.Background(), query.MustParse(text).(*query.Evict), nil)
	require.NoError(t, err)
	return res
}

func TestSubscribe_InitialPull(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t, "remote")
	local := newStore(t, "local")
	put(t, remote, "tasks", map[string]any{"_id": "A", "status": "active"})
	put(t, remote, "tasks", map[string]any{"_id": "B", "status": "done"})

	r := newReplicator(t, local)
	require.NoError(t, r.AddPeer(ctx, NewLocalPeer("remote", remote)))

	sub, err := r.Subscribe(ctx, "SELECT * FROM tasks WHERE status = 'active'", nil)
	require.NoError(t, err)
	assert.True(t, sub.Active())

	assert.True(t, has(local, "tasks", "A"))
	assert.False(t, has(local, "tasks", "B"), "only matching documents are pulled")
}

func TestSubscribe_InvalidQuery(t *testing.T) {
	r := newReplicator(t, newStore(t, "local"))

	_, err := r.Subscribe(context.Background(), "EVICT FROM tasks WHERE a = 1", nil)
	assert.Error(t, err)
	_, err = r.Subscribe(context.Background(), "SELECT * FROM tasks WHERE a = :a", nil)
	assert.Error(t, err)
	assert.Empty(t, r.Subscriptions())
}

func TestSubscribe_NoticeTriggersPull(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t, "remote")
	local := newStore(t, "local")
	r := newReplicator(t, local)
	require.NoError(t, r.AddPeer(ctx, NewLocalPeer("remote", remote)))

	_, err := r.Subscribe(ctx, "SELECT * FROM tasks", nil)
	require.NoError(t, err)

	put(t, remote, "tasks", map[string]any{"_id": "A", "n": 1})
	require.Eventually(t, func() bool { return has(local, "tasks", "A") }, waitFor, time.Millisecond)

	put(t, remote, "tasks", map[string]any{"_id": "A", "n": 2})
	require.Eventually(t, func() bool {
		doc, err := local.Get(ctx, "tasks", "A")
		return err == nil && value.Equal(doc["n"], value.Int(2))
	}, waitFor, time.Millisecond)
}

func TestAddPeer_CatchesUpActiveSubscriptions(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t, "remote")
	local := newStore(t, "local")
	put(t, remote, "tasks", map[string]any{"_id": "A"})

	r := newReplicator(t, local)
	_, err := r.Subscribe(ctx, "SELECT * FROM tasks", nil)
	require.NoError(t, err)
	assert.False(t, has(local, "tasks", "A"))

	require.NoError(t, r.AddPeer(ctx, NewLocalPeer("remote", remote)))
	assert.True(t, has(local, "tasks", "A"))
	assert.Equal(t, []string{"remote"}, r.Peers())

	assert.Error(t, r.AddPeer(ctx, NewLocalPeer("remote", remote)), "duplicate peer id")
}

func TestPull_Incremental(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t, "remote")
	local := newStore(t, "local")
	put(t, remote, "tasks", map[string]any{"_id": "A"})

	peer := &recordingPeer{Peer: NewLocalPeer("remote", remote)}
	r := newReplicator(t, local)
	require.NoError(t, r.AddPeer(ctx, peer))
	_, err := r.Subscribe(ctx, "SELECT * FROM tasks", nil)
	require.NoError(t, err)

	put(t, remote, "tasks", map[string]any{"_id": "B"})
	r.Sync(ctx)

	reqs := peer.requests()
	require.GreaterOrEqual(t, len(reqs), 2)
	assert.Equal(t, int64(0), reqs[0].Since)
	assert.Greater(t, reqs[len(reqs)-1].Since, int64(0), "later pulls resume from the since mark")
	assert.True(t, has(local, "tasks", "B"))
}

func TestPull_TombstonePropagates(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t, "remote")
	local := newStore(t, "local")
	put(t, remote, "tasks", map[string]any{"_id": "A"})

	r := newReplicator(t, local)
	require.NoError(t, r.AddPeer(ctx, NewLocalPeer("remote", remote)))
	_, err := r.Subscribe(ctx, "SELECT * FROM tasks", nil)
	require.NoError(t, err)
	require.True(t, has(local, "tasks", "A"))

	_, err = remote.Delete(ctx, "tasks", "A")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !has(local, "tasks", "A") }, waitFor, time.Millisecond)
}

func TestCancel_StopsNewRemoteData(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t, "remote")
	local := newStore(t, "local")
	put(t, remote, "tasks", map[string]any{"_id": "A"})

	r := newReplicator(t, local)
	require.NoError(t, r.AddPeer(ctx, NewLocalPeer("remote", remote)))
	sub, err := r.Subscribe(ctx, "SELECT * FROM tasks", nil)
	require.NoError(t, err)

	require.NoError(t, sub.Cancel(ctx))
	require.NoError(t, sub.Cancel(ctx), "second cancel is a no-op")
	assert.False(t, sub.Active())
	assert.Empty(t, r.Covering("tasks"))

	put(t, remote, "tasks", map[string]any{"_id": "B"})
	time.Sleep(30 * time.Millisecond)
	assert.False(t, has(local, "tasks", "B"))
	assert.True(t, has(local, "tasks", "A"), "already replicated documents stay")
}

func TestCancelThenEvict_NoRefetch(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t, "remote")
	local := newStore(t, "local")
	put(t, remote, "tasks", map[string]any{"_id": "A"})
	put(t, remote, "tasks", map[string]any{"_id": "B"})

	peer := NewLocalPeer("remote", remote)
	r := newReplicator(t, local)
	require.NoError(t, r.AddPeer(ctx, peer))
	sub, err := r.Subscribe(ctx, "SELECT * FROM tasks", nil)
	require.NoError(t, err)
	require.NoError(t, sub.Cancel(ctx))

	fetchesBefore := peer.Fetches()
	res := evict(t, local, "EVICT FROM tasks WHERE _id IN ('A', 'B')")
	require.Len(t, res.IDs, 2)
	assert.Equal(t, 0, r.Resync(ctx, "tasks", res.IDs))

	// Remote activity must not bring the documents back either.
	put(t, remote, "tasks", map[string]any{"_id": "A", "touched": true})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, fetchesBefore, peer.Fetches(), "no fetch after cancel and evict")
	assert.False(t, has(local, "tasks", "A"))
	assert.False(t, has(local, "tasks", "B"))
}

func TestResubscribeAfterEvict_PullsEvictedDocuments(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t, "remote")
	local := newStore(t, "local")
	put(t, remote, "tasks", map[string]any{"_id": "A", "status": "active"})

	r := newReplicator(t, local)
	require.NoError(t, r.AddPeer(ctx, NewLocalPeer("remote", remote)))

	const q = "SELECT * FROM tasks WHERE status = :s"
	params := value.Object{"s": value.String("active")}
	sub, err := r.Subscribe(ctx, q, params)
	require.NoError(t, err)
	require.True(t, has(local, "tasks", "A"))
	require.NoError(t, sub.Cancel(ctx))

	res := evict(t, local, "EVICT FROM tasks WHERE status = 'active'")
	require.Equal(t, []string{"A"}, res.IDs)
	require.False(t, has(local, "tasks", "A"))

	_, err = r.Subscribe(ctx, q, params)
	require.NoError(t, err)
	assert.True(t, has(local, "tasks", "A"), "a new subscription replicates its whole matching set")
}

func TestSubscribe_SharedQueryPullsIncrementally(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t, "remote")
	local := newStore(t, "local")
	put(t, remote, "tasks", map[string]any{"_id": "A"})

	r := newReplicator(t, local)
	require.NoError(t, r.AddPeer(ctx, NewLocalPeer("remote", remote)))
	_, err := r.Subscribe(ctx, "SELECT * FROM tasks", nil)
	require.NoError(t, err)

	// Evicted while the first subscription is still active: only Resync
	// brings it back, a second subscription on the same query does not.
	evict(t, local, "EVICT FROM tasks WHERE _id = 'A'")
	_, err = r.Subscribe(ctx, "SELECT * FROM tasks", nil)
	require.NoError(t, err)
	assert.False(t, has(local, "tasks", "A"))

	r.Resync(ctx, "tasks", []string{"A"})
	assert.True(t, has(local, "tasks", "A"))
}

func TestEvictWithActiveSubscription_Repulls(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t, "remote")
	local := newStore(t, "local")
	put(t, remote, "tasks", map[string]any{"_id": "A"})

	r := newReplicator(t, local)
	require.NoError(t, r.AddPeer(ctx, NewLocalPeer("remote", remote)))
	_, err := r.Subscribe(ctx, "SELECT * FROM tasks", nil)
	require.NoError(t, err)

	res := evict(t, local, "EVICT FROM tasks WHERE _id = 'A'")
	require.Equal(t, []string{"A"}, res.IDs)
	require.False(t, has(local, "tasks", "A"))

	assert.Equal(t, 1, r.Resync(ctx, "tasks", res.IDs))
	assert.True(t, has(local, "tasks", "A"), "a covered document comes back after eviction")
}

func TestCancel_WaitsForInFlightPull(t *testing.T) {
	ctx := context.Background()
	local := newStore(t, "local")
	peer := newBlockingPeer("slow")

	r := newReplicator(t, local)
	require.NoError(t, r.AddPeer(ctx, peer))

	subscribed := make(chan *Subscription, 1)
	go func() {
		sub, err := r.Subscribe(ctx, "SELECT * FROM tasks", nil)
		assert.NoError(t, err)
		subscribed <- sub
	}()
	<-peer.entered

	require.Eventually(t, func() bool { return len(r.Subscriptions()) == 1 }, waitFor, time.Millisecond)
	sub := r.Subscriptions()[0]

	cancelled := make(chan error, 1)
	go func() { cancelled <- sub.Cancel(ctx) }()
	select {
	case <-cancelled:
		t.Fatal("Cancel returned while a pull was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(peer.release)
	require.NoError(t, <-cancelled)
	<-subscribed
	assert.False(t, has(local, "tasks", "late"), "batch fetched across cancel is discarded")
}

func TestPull_PeerErrorIsNonFatal(t *testing.T) {
	ctx := context.Background()
	remote := newStore(t, "remote")
	local := newStore(t, "local")
	put(t, remote, "tasks", map[string]any{"_id": "A"})

	r := newReplicator(t, local)
	require.NoError(t, r.AddPeer(ctx, &failingPeer{id: "broken", notices: make(chan Notice)}))
	require.NoError(t, r.AddPeer(ctx, NewLocalPeer("remote", remote)))

	_, err := r.Subscribe(ctx, "SELECT * FROM tasks", nil)
	require.NoError(t, err)
	assert.True(t, has(local, "tasks", "A"))
}

func TestReplicas_ConvergeWithoutPingPong(t *testing.T) {
	ctx := context.Background()
	a := newStore(t, "a")
	b := newStore(t, "b")

	ra := newReplicator(t, a)
	rb := newReplicator(t, b)
	require.NoError(t, ra.AddPeer(ctx, NewLocalPeer("b", b)))
	require.NoError(t, rb.AddPeer(ctx, NewLocalPeer("a", a)))
	_, err := ra.Subscribe(ctx, "SELECT * FROM notes", nil)
	require.NoError(t, err)
	_, err = rb.Subscribe(ctx, "SELECT * FROM notes", nil)
	require.NoError(t, err)

	put(t, a, "notes", map[string]any{"_id": "n1", "text": "from a"})
	put(t, b, "notes", map[string]any{"_id": "n2", "text": "from b"})

	require.Eventually(t, func() bool {
		return has(a, "notes", "n2") && has(b, "notes", "n1")
	}, waitFor, time.Millisecond)

	// Once converged, versions stop moving.
	time.Sleep(50 * time.Millisecond)
	va, vb := a.Version(), b.Version()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, va, a.Version())
	assert.Equal(t, vb, b.Version())
}

func TestRemovePeer(t *testing.T) {
	r := newReplicator(t, newStore(t, "local"))
	require.NoError(t, r.AddPeer(context.Background(), NewLocalPeer("p", newStore(t, "p"))))
	require.NoError(t, r.RemovePeer("p"))
	assert.Empty(t, r.Peers())
	assert.Error(t, r.RemovePeer("p"))
}

// recordingPeer records fetch requests.
type recordingPeer struct {
	Peer
	mu   sync.Mutex
	reqs []FetchRequest
}

func (p *recordingPeer) Fetch(ctx context.Context, req FetchRequest) (Batch, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	return p.Peer.Fetch(ctx, req)
}

func (p *recordingPeer) requests() []FetchRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]FetchRequest(nil), p.reqs...)
}

// blockingPeer holds its first fetch until release is closed.
type blockingPeer struct {
	id      string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	notices chan Notice
}

func newBlockingPeer(id string) *blockingPeer {
	return &blockingPeer{
		id:      id,
		entered: make(chan struct{}),
		release: make(chan struct{}),
		notices: make(chan Notice),
	}
}

func (p *blockingPeer) ID() string { return p.id }

func (p *blockingPeer) Fetch(ctx context.Context, req FetchRequest) (Batch, error) {
	p.once.Do(func() { close(p.entered) })
	select {
	case <-p.release:
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
	return Batch{
		Docs:    []RemoteDoc{{ID: "late", Body: value.Object{"_id": value.String("late")}, Version: 1}},
		Version: 1,
	}, nil
}

func (p *blockingPeer) Notices() <-chan Notice { return p.notices }
func (p *blockingPeer) Close() error           { return nil }

type failingPeer struct {
	id      string
	notices chan Notice
}

func (p *failingPeer) ID() string { return p.id }
func (p *failingPeer) Fetch(context.Context, FetchRequest) (Batch, error) {
	return Batch{}, errors.New("connection refused")
}
func (p *failingPeer) Notices() <-chan Notice { return p.notices }
func (p *failingPeer) Close() error           { return nil }
