package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/syncgate/internal/observer"
	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/replication"
	"github.com/roach88/syncgate/internal/store"
	"github.com/roach88/syncgate/internal/testutil"
	"github.com/roach88/syncgate/internal/value"
)

// DefaultTimeout bounds a whole scenario run.
const DefaultTimeout = 30 * time.Second

// site is one replica in a scenario.
type site struct {
	name       string
	store      *store.Store
	observers  *observer.Registry
	replicator *replication.Replicator
	peers      []*pullPeer
}

// pullPeer answers fetches from another site's store. It never announces
// changes; the harness pulls explicitly after every step.
type pullPeer struct {
	id      string
	store   *store.Store
	fetches atomic.Int64
}

func (p *pullPeer) ID() string { return p.id }

func (p *pullPeer) Fetch(ctx context.Context, req replication.FetchRequest) (replication.Batch, error) {
	p.fetches.Add(1)
	return replication.FetchFrom(ctx, p.store, req)
}

func (p *pullPeer) Notices() <-chan replication.Notice { return nil }

func (p *pullPeer) Close() error { return nil }

// watcher records one observer's deliveries.
type watcher struct {
	name    string
	channel *observer.Channel

	mu       sync.Mutex
	updates  []*observer.Update
	reported int
}

func (w *watcher) handle(_ context.Context, u *observer.Update) error {
	w.mu.Lock()
	w.updates = append(w.updates, u)
	w.mu.Unlock()
	return nil
}

// unreported returns deliveries not yet written to the trace.
func (w *watcher) unreported() []*observer.Update {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.updates[w.reported:]
	w.reported = len(w.updates)
	return out
}

func (w *watcher) last() *observer.Update {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.updates) == 0 {
		return nil
	}
	return w.updates[len(w.updates)-1]
}

// Harness executes one scenario.
type Harness struct {
	scenario      *Scenario
	sites         map[string]*site
	order         []string
	watchers      map[string]*watcher
	watchOrder    []string
	subscriptions map[string]*replication.Subscription
	logger        *slog.Logger
	result        *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against fresh in-memory stores for isolation.
// Execution flow:
//  1. Open one store, observer registry and replicator per site
//  2. Connect sites to their peers
//  3. Execute steps, settling observers and replication after each one
//  4. Evaluate assertions
//
// An error means the scenario could not be executed; assertion failures
// are reported in the Result.
func Run(scenario *Scenario) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	h := &Harness{
		scenario:      scenario,
		sites:         make(map[string]*site),
		watchers:      make(map[string]*watcher),
		subscriptions: make(map[string]*replication.Subscription),
		logger:        testutil.DiscardLogger(),
		result:        NewResult(),
	}
	defer h.close()

	if err := h.open(ctx); err != nil {
		return nil, err
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i+1, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Do, err)
		}
		if err := h.settle(ctx, i+1); err != nil {
			return nil, fmt.Errorf("step %d (%s): settle: %w", i+1, step.Do, err)
		}
	}

	h.collect()
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, h.lookup(ctx)) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) open(ctx context.Context) error {
	for _, name := range h.scenario.siteNames() {
		st, err := store.Open(":memory:",
			store.WithLogger(h.logger),
			store.WithIDGenerator(store.NewSequentialGenerator(name)))
		if err != nil {
			return fmt.Errorf("failed to create in-memory store for %s: %w", name, err)
		}
		h.sites[name] = &site{
			name:       name,
			store:      st,
			observers:  observer.NewRegistry(st, observer.WithLogger(h.logger)),
			replicator: replication.New(st, replication.WithLogger(h.logger), replication.WithParallelism(1)),
		}
		h.order = append(h.order, name)
	}

	for _, name := range h.order {
		s := h.sites[name]
		for _, src := range h.scenario.Peers[name] {
			p := &pullPeer{id: src, store: h.sites[src].store}
			if err := s.replicator.AddPeer(ctx, p); err != nil {
				return fmt.Errorf("connect %s to %s: %w", name, src, err)
			}
			s.peers = append(s.peers, p)
		}
	}
	return nil
}

func (h *Harness) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, name := range h.order {
		s := h.sites[name]
		s.observers.Close(ctx)
		s.replicator.Close(ctx)
		s.store.Close()
	}
}

func (h *Harness) site(name string) *site {
	if name == "" {
		return h.sites[h.order[0]]
	}
	return h.sites[name]
}

func (h *Harness) execute(ctx context.Context, n int, step Step) error {
	s := h.site(step.Site)
	event := TraceEvent{Step: n, Op: step.Do, Site: s.name}

	switch step.Do {
	case StepPut:
		doc, err := value.ObjectFromAny(step.Doc)
		if err != nil {
			return err
		}
		conflict, err := store.ParseConflict(step.Conflict)
		if err != nil {
			return err
		}
		res, err := s.store.Upsert(ctx, step.Collection, doc, conflict)
		if err != nil {
			return err
		}
		event.Collection, event.ID, event.Version, event.Noop = step.Collection, res.ID, res.Version, res.Noop

	case StepUpdate:
		fields, err := value.ObjectFromAny(step.Fields)
		if err != nil {
			return err
		}
		res, err := s.store.UpdateFields(ctx, step.Collection, step.ID, fields)
		if err != nil {
			return err
		}
		event.Collection, event.ID, event.Version, event.Noop = step.Collection, res.ID, res.Version, res.Noop

	case StepDelete:
		res, err := s.store.Delete(ctx, step.Collection, step.ID)
		if err != nil {
			return err
		}
		event.Collection, event.ID, event.Version, event.Noop = step.Collection, res.ID, res.Version, res.Noop

	case StepEvict:
		params, err := value.ObjectFromAny(step.Params)
		if err != nil {
			return err
		}
		ev := query.MustParse(step.Query).(*query.Evict)
		res, err := s.store.Evict(ctx, ev, params)
		if err != nil {
			return err
		}
		event.Collection, event.IDs, event.Version = ev.Collection, res.IDs, res.Version
		if event.IDs == nil {
			event.IDs = []string{}
		}
		if len(res.IDs) > 0 {
			// Observers see the eviction before the re-pull restores it.
			if err := h.settleObservers(ctx); err != nil {
				return err
			}
			event.Resynced = s.replicator.Resync(ctx, ev.Collection, res.IDs)
		}

	case StepObserve:
		params, err := value.ObjectFromAny(step.Params)
		if err != nil {
			return err
		}
		w := &watcher{name: step.Name}
		var opts []observer.ChannelOption
		if step.Manual {
			opts = append(opts, observer.WithManualSignal())
		}
		ch, err := s.observers.Observe(ctx, step.Query, params, w.handle, opts...)
		if err != nil {
			return err
		}
		w.channel = ch
		h.watchers[step.Name] = w
		h.watchOrder = append(h.watchOrder, step.Name)
		event.Name = step.Name

	case StepSignal:
		w := h.watchers[step.Name]
		u := w.last()
		if u == nil {
			return fmt.Errorf("observer %q has no delivery to signal", step.Name)
		}
		u.Signal()
		event.Site = ""
		event.Name = step.Name

	case StepSubscribe:
		params, err := value.ObjectFromAny(step.Params)
		if err != nil {
			return err
		}
		sub, err := s.replicator.Subscribe(ctx, step.Query, params)
		if err != nil {
			return err
		}
		h.subscriptions[step.Name] = sub
		event.Name = step.Name

	case StepCancel:
		event.Site = ""
		event.Name = step.Name
		if w, ok := h.watchers[step.Name]; ok {
			if err := w.channel.CancelAndWait(ctx); err != nil {
				return err
			}
			break
		}
		if err := h.subscriptions[step.Name].Cancel(ctx); err != nil {
			return err
		}
	}

	h.result.trace(event)
	return nil
}

// settle waits for observers, then pulls every site from its peers until
// no store changes, then writes new deliveries to the trace. Pulls run one
// subscription and peer at a time with observers settled in between, so
// every run sees the same intermediate states.
func (h *Harness) settle(ctx context.Context, n int) error {
	if err := h.settleObservers(ctx); err != nil {
		return err
	}
	for round := 0; round <= len(h.order); round++ {
		before := h.versions()
		for _, name := range h.order {
			r := h.sites[name].replicator
			for _, sub := range r.Subscriptions() {
				for _, peer := range r.Peers() {
					if err := r.PullFrom(ctx, peer, sub); err != nil {
						return err
					}
					if err := h.settleObservers(ctx); err != nil {
						return err
					}
				}
			}
		}
		if h.versions() == before {
			break
		}
	}

	for _, name := range h.watchOrder {
		w := h.watchers[name]
		for _, u := range w.unreported() {
			h.result.trace(TraceEvent{
				Step:       n,
				Op:         "deliver",
				Name:       name,
				IDs:        idsOf(u),
				Version:    u.Version,
				Superseded: u.Superseded,
			})
		}
	}
	return nil
}

func (h *Harness) settleObservers(ctx context.Context) error {
	for _, name := range h.order {
		if err := h.sites[name].observers.Settle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// versions fingerprints every site's store version.
func (h *Harness) versions() string {
	var out string
	for _, name := range h.order {
		out += fmt.Sprintf("%s=%d;", name, h.sites[name].store.Version())
	}
	return out
}

// collect copies deliveries and fetch counts into the result.
func (h *Harness) collect() {
	for name, w := range h.watchers {
		w.mu.Lock()
		ds := make([]Delivery, len(w.updates))
		for i, u := range w.updates {
			ds[i] = Delivery{Version: u.Version, IDs: idsOf(u), Superseded: u.Superseded}
		}
		w.mu.Unlock()
		h.result.Deliveries[name] = ds
	}
	for _, name := range h.order {
		for _, p := range h.sites[name].peers {
			h.result.Fetches[fetchKey(name, p.id)] = p.fetches.Load()
		}
	}
}

// lookup returns the document check used by doc_exists.
func (h *Harness) lookup(ctx context.Context) DocLookup {
	return func(siteName, coll, id string) (bool, error) {
		_, err := h.site(siteName).store.Get(ctx, coll, id)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
}

func idsOf(u *observer.Update) []string {
	return observer.IDs(u.Items)
}
