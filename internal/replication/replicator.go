package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/store"
	"github.com/roach88/syncgate/internal/value"
)

// Local is the store surface the replicator writes into. *store.Store
// implements it.
type Local interface {
	ApplyReplicated(ctx context.Context, coll string, docs []store.Document) (store.ReplicateResult, error)
	Meta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, val string) error
}

// DefaultParallelism bounds concurrent peer fetches per pull.
const DefaultParallelism = 4

// Replicator pulls subscribed documents from peers into a local store.
//
// Thread-safety: all methods are safe for concurrent use.
type Replicator struct {
	local       Local
	logger      *slog.Logger
	parallelism int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	peers  map[string]Peer
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// Option configures a Replicator.
type Option func(*Replicator)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Replicator) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithParallelism bounds concurrent peer fetches per pull.
func WithParallelism(n int) Option {
	return func(r *Replicator) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// New creates a replicator writing into local.
func New(local Local, opts ...Option) *Replicator {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Replicator{
		local:       local,
		logger:      slog.Default(),
		parallelism: DefaultParallelism,
		ctx:         ctx,
		cancel:      cancel,
		peers:       make(map[string]Peer),
		subs:        make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddPeer registers p, pulls every active subscription from it and starts
// listening for its change notices.
func (r *Replicator) AddPeer(ctx context.Context, p Peer) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("add peer %s: replicator closed", p.ID())
	}
	if _, ok := r.peers[p.ID()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("add peer %s: already added", p.ID())
	}
	r.peers[p.ID()] = p
	r.wg.Add(1)
	r.mu.Unlock()

	go r.watch(p)
	r.logger.Info("peer added", "peer", p.ID())

	for _, sub := range r.Subscriptions() {
		r.pullFrom(ctx, p, sub, false)
	}
	return nil
}

// RemovePeer closes and forgets the peer with the given id.
func (r *Replicator) RemovePeer(id string) error {
	r.mu.Lock()
	p, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("remove peer %s: unknown peer", id)
	}
	return p.Close()
}

// Peers returns the registered peer ids, sorted.
func (r *Replicator) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe registers interest in a SELECT query and pulls its documents
// from every peer before returning. The first subscription on a query and
// params pulls from scratch; later ones pull incrementally. Peer failures
// are logged, not returned; the next notice or Sync retries them.
func (r *Replicator) Subscribe(ctx context.Context, text string, params value.Object) (*Subscription, error) {
	sel, err := query.ParseSelect(text)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if err := query.Bind(sel, params); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	key, err := value.QueryDigest(text, params)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("subscribe: replicator closed")
	}
	// Since marks are only trusted while some subscription on the key stayed
	// active; documents may have been evicted after the last one ended.
	fresh := true
	for _, other := range r.subs {
		if other.key == key {
			fresh = false
			break
		}
	}
	r.nextID++
	sub := &Subscription{
		id:     r.nextID,
		text:   text,
		sel:    sel,
		params: params.Clone(),
		key:    key,
		r:      r,
	}
	r.subs[sub.id] = sub
	r.mu.Unlock()
	activeSubscriptions.Inc()

	r.logger.Debug("subscription added", "subscription", sub.id, "query", text, "full", fresh)
	r.pull(ctx, sub, fresh)
	return sub, nil
}

// Subscriptions returns the active subscriptions ordered by id.
func (r *Replicator) Subscriptions() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Covering returns the active subscriptions on coll.
func (r *Replicator) Covering(coll string) []*Subscription {
	var out []*Subscription
	for _, s := range r.Subscriptions() {
		if s.sel.Collection == coll {
			out = append(out, s)
		}
	}
	return out
}

// Resync handles a local eviction from coll. Every active subscription on
// coll is pulled again from scratch, since the evicted documents are older
// than the stored since marks. It returns the number of subscriptions
// re-pulled.
func (r *Replicator) Resync(ctx context.Context, coll string, evicted []string) int {
	covering := r.Covering(coll)
	for _, sub := range covering {
		resyncAfterEvict.Inc()
		r.logger.Warn("evicted documents are still subscribed; pulling them again",
			"event", "resync_after_evict",
			"collection", coll,
			"subscription", sub.id,
			"query", sub.text,
			"evicted", len(evicted))
		r.pull(ctx, sub, true)
	}
	return len(covering)
}

// Sync pulls every active subscription from every peer.
func (r *Replicator) Sync(ctx context.Context) {
	for _, sub := range r.Subscriptions() {
		r.pull(ctx, sub, false)
	}
}

// PullFrom pulls sub from the peer with the given id and returns the fetch
// or apply error, if any. Cancelled subscriptions are a no-op.
func (r *Replicator) PullFrom(ctx context.Context, peerID string, sub *Subscription) error {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("pull %s: unknown peer", peerID)
	}
	return r.pullFrom(ctx, p, sub, false)
}

// Close cancels every subscription, closes every peer and waits for the
// notice listeners to exit.
func (r *Replicator) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = map[string]Peer{}
	r.mu.Unlock()

	r.cancel()
	for _, sub := range r.Subscriptions() {
		if err := sub.Cancel(ctx); err != nil {
			return err
		}
	}
	for _, p := range peers {
		if err := p.Close(); err != nil {
			r.logger.Warn("closing peer failed", "peer", p.ID(), "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replicator) remove(sub *Subscription) {
	r.mu.Lock()
	_, ok := r.subs[sub.id]
	delete(r.subs, sub.id)
	r.mu.Unlock()
	if ok {
		activeSubscriptions.Dec()
		r.logger.Debug("subscription cancelled", "subscription", sub.id, "query", sub.text)
	}
}

func (r *Replicator) peerList() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// watch re-pulls covering subscriptions whenever p announces a change. A
// notice without a collection re-pulls every subscription.
func (r *Replicator) watch(p Peer) {
	defer r.wg.Done()
	notices := p.Notices()
	for {
		select {
		case <-r.ctx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			subs := r.Covering(n.Collection)
			if n.Collection == "" {
				subs = r.Subscriptions()
			}
			for _, sub := range subs {
				r.pullFrom(r.ctx, p, sub, false)
			}
		}
	}
}

// pull fetches sub from every peer concurrently. Peer failures are
// non-fatal and logged by pullFrom.
func (r *Replicator) pull(ctx context.Context, sub *Subscription, full bool) {
	peers := r.peerList()
	if len(peers) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(r.parallelism)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			r.pullFrom(ctx, p, sub, full)
			return nil
		})
	}
	_ = g.Wait()
}

// pullFrom fetches sub's documents from p and applies them. With full set
// the since mark is ignored.
func (r *Replicator) pullFrom(ctx context.Context, p Peer, sub *Subscription, full bool) error {
	if !sub.begin() {
		return nil
	}
	defer sub.end()

	start := time.Now()
	defer func() { pullDuration.Observe(time.Since(start).Seconds()) }()

	var since int64
	if !full {
		var err error
		if since, err = r.since(ctx, p.ID(), sub.key); err != nil {
			pulls.WithLabelValues("error").Inc()
			return err
		}
	}

	batch, err := p.Fetch(ctx, FetchRequest{Query: sub.text, Params: sub.params, Since: since})
	if err != nil {
		pulls.WithLabelValues("error").Inc()
		r.logger.Warn("pull failed", "peer", p.ID(), "subscription", sub.id, "error", err)
		return err
	}
	if !sub.Active() {
		pulls.WithLabelValues("discarded").Inc()
		return nil
	}

	res, err := r.local.ApplyReplicated(ctx, sub.sel.Collection, batch.Docs)
	if err != nil {
		pulls.WithLabelValues("error").Inc()
		r.logger.Error("applying pulled documents failed", "peer", p.ID(), "subscription", sub.id, "error", err)
		return err
	}
	if err := r.local.SetMeta(ctx, sinceKey(p.ID(), sub.key), strconv.FormatInt(batch.Version, 10)); err != nil {
		pulls.WithLabelValues("error").Inc()
		return fmt.Errorf("pull %s: save since mark: %w", p.ID(), err)
	}

	pulls.WithLabelValues("ok").Inc()
	appliedDocs.Add(float64(len(res.Applied)))
	r.logger.Debug("pulled",
		"peer", p.ID(),
		"subscription", sub.id,
		"since", since,
		"fetched", len(batch.Docs),
		"applied", len(res.Applied),
		"skipped", res.Skipped)
	return nil
}

func (r *Replicator) since(ctx context.Context, peer, key string) (int64, error) {
	raw, ok, err := r.local.Meta(ctx, sinceKey(peer, key))
	if err != nil || !ok {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("since mark for %s: %w", peer, err)
	}
	return v, nil
}

func sinceKey(peer, queryDigest string) string {
	return "since:" + peer + ":" + queryDigest
}
