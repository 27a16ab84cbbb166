package observer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/store"
	"github.com/roach88/syncgate/internal/value"
)

// Source is the store surface observers need. *store.Store implements it.
type Source interface {
	Scan(ctx context.Context, sel *query.Select, params value.Object, fn func(*store.Results) error) error
	Changes() *store.Hub
}

// DefaultStarvationThreshold is how long a manual-signal channel may hold
// an unsignalled update before it is reported as starved.
const DefaultStarvationThreshold = 30 * time.Second

// Registry creates and tracks observer channels over one Source.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	src        Source
	logger     *slog.Logger
	now        func() time.Time
	starvation time.Duration
	watchdog   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	channels map[uint64]*Channel
	nextID   uint64
	closed   bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock sets the wall clock used for starvation checks.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithStarvationThreshold sets the starvation threshold. Zero disables the
// background watchdog; CheckStarvation still works with the default.
func WithStarvationThreshold(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.starvation = d
		r.watchdog = d > 0
	}
}

// NewRegistry creates a registry. With a starvation threshold set, a
// watchdog goroutine checks for starved channels every threshold/2.
func NewRegistry(src Source, opts ...RegistryOption) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		src:        src,
		logger:     slog.Default(),
		now:        time.Now,
		starvation: DefaultStarvationThreshold,
		ctx:        ctx,
		cancel:     cancel,
		channels:   make(map[uint64]*Channel),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.starvation <= 0 {
		r.starvation = DefaultStarvationThreshold
	}
	if r.watchdog {
		r.wg.Add(1)
		go r.watch()
	}
	return r
}

// Observe starts a channel for a SELECT query. The current result is
// evaluated before Observe returns and delivered as the first update.
//
// ctx bounds only the initial evaluation; the channel lives until it is
// cancelled or the registry is closed.
func (r *Registry) Observe(ctx context.Context, text string, params value.Object, handler Handler, opts ...ChannelOption) (*Channel, error) {
	if handler == nil {
		return nil, invalidQuery(text, errors.New("nil handler"))
	}
	sel, err := query.ParseSelect(text)
	if err != nil {
		return nil, invalidQuery(text, err)
	}
	if err := query.Bind(sel, params); err != nil {
		return nil, invalidQuery(text, err)
	}

	cfg := channelConfig{autoRelease: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, closedError(text)
	}
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	chCtx, stop := context.WithCancel(r.ctx)
	c := &Channel{
		id:      id,
		text:    text,
		sel:     sel,
		params:  params.Clone(),
		src:     r.src,
		handler: handler,
		cfg:     cfg,
		logger:  r.logger.With("channel", id, "query", text),
		now:     r.now,
		gate:    NewGate(),
		ctx:     chCtx,
		stop:    stop,
		done:    make(chan struct{}),
		settle:  make(chan chan struct{}),
		onExit:  r.remove,
	}

	// Subscribe before the first evaluation so no commit falls in between.
	c.listener = r.src.Changes().Subscribe(store.ChangeFilter{Collections: []string{sel.Collection}})

	initial, err := c.evaluate(ctx)
	if err != nil {
		c.listener.Close()
		stop()
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		c.listener.Close()
		stop()
		return nil, closedError(text)
	}
	r.channels[id] = c
	r.mu.Unlock()
	activeChannels.Inc()

	// The gate starts blocked; open it once so the initial result goes out.
	c.gate.Release(0)
	go c.run(initial)

	c.logger.Debug("observer started", "manual", cfg.manual, "version", initial.version)
	return c, nil
}

// Settle waits for every open channel to catch up with the store.
func (r *Registry) Settle(ctx context.Context) error {
	for _, c := range r.Channels() {
		if err := c.Settle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Result is a one-shot materialized query result.
type Result struct {
	Items   []Snapshot
	Version int64
}

// Execute evaluates a SELECT once and returns the materialized result.
func (r *Registry) Execute(ctx context.Context, text string, params value.Object) (Result, error) {
	sel, err := query.ParseSelect(text)
	if err != nil {
		return Result{}, invalidQuery(text, err)
	}
	if err := query.Bind(sel, params); err != nil {
		return Result{}, invalidQuery(text, err)
	}

	var res Result
	err = r.src.Scan(ctx, sel, params, func(rs *store.Results) error {
		items, err := Extract(rs)
		if err != nil {
			return err
		}
		res.Items = items
		res.Version, err = rs.Version()
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Channels returns the open channels ordered by id.
func (r *Registry) Channels() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CheckStarvation returns the stats of every starved channel and logs each
// starvation episode once with event=gate_starved.
func (r *Registry) CheckStarvation() []Stats {
	now := r.now()
	var starved []Stats
	for _, c := range r.Channels() {
		st := c.Stats()
		if !st.Starved(r.starvation, now) {
			continue
		}
		starved = append(starved, st)
		if c.starved.CompareAndSwap(false, true) {
			starvedChannels.Inc()
			c.logger.Warn("observer gate starved: update pending but never signalled",
				"event", "gate_starved",
				"since", st.LastDelivery,
				"threshold", r.starvation)
		}
	}
	return starved
}

// Close cancels every channel and waits for them to finish.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	channels := r.Channels()
	for _, c := range channels {
		c.Cancel()
	}
	r.cancel()

	for _, c := range channels {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}
	r.wg.Wait()
	return nil
}

func (r *Registry) remove(c *Channel) {
	r.mu.Lock()
	_, ok := r.channels[c.id]
	delete(r.channels, c.id)
	r.mu.Unlock()
	if ok {
		activeChannels.Dec()
	}
	if c.starved.CompareAndSwap(true, false) {
		starvedChannels.Dec()
	}
}

func (r *Registry) watch() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.starvation / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.CheckStarvation()
		}
	}
}
