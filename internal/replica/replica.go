// Package replica wires a local store, its observers and mesh replication
// into one handle.
//
// Open takes the whole configuration, logger included, up front:
//
//	cfg, err := config.Load("syncgate.yaml")
//	r, err := replica.Open(ctx, cfg)
//	defer r.Close(ctx)
//
//	sub, err := r.Subscribe(ctx, "SELECT * FROM tasks WHERE status = :s", params)
//	ch, err := r.ObserveManual(ctx, "SELECT * FROM tasks WHERE status = :s", params,
//	    func(ctx context.Context, u *observer.Update) error {
//	        render(u.Items)
//	        u.Signal()
//	        return nil
//	    })
//
// The caller owns every Channel and Subscription it creates and is
// responsible for cancelling them; the replica only cancels what is left
// over on Close.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/syncgate/internal/config"
	"github.com/roach88/syncgate/internal/observer"
	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/replication"
	"github.com/roach88/syncgate/internal/schema"
	"github.com/roach88/syncgate/internal/store"
	"github.com/roach88/syncgate/internal/transport"
	"github.com/roach88/syncgate/internal/value"
)

const shutdownTimeout = 5 * time.Second

// Replica is an open replicated store.
type Replica struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *store.Store
	schemas    *schema.Set
	observers  *observer.Registry
	replicator *replication.Replicator
	server     *transport.Server

	mu     sync.Mutex
	closed bool
}

// Option configures Open.
type Option func(*options)

type options struct {
	ids       store.IDGenerator
	transport []transport.ClientOption
}

// WithIDGenerator sets the generator for documents written without _id.
func WithIDGenerator(g store.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithClientOptions configures connections to the peers in the config.
func WithClientOptions(opts ...transport.ClientOption) Option {
	return func(o *options) { o.transport = append(o.transport, opts...) }
}

// Open validates cfg and opens the replica. Unreachable peers are logged
// and skipped; connect them later with Connect.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Replica, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := cfg.NewLogger(os.Stderr).With("site", cfg.SiteID)
	r := &Replica{cfg: cfg, logger: logger}

	storeOpts := []store.Option{store.WithLogger(logger), store.WithIDGenerator(o.ids)}
	if cfg.SchemaDir != "" {
		set, err := schema.Load(cfg.SchemaDir)
		if err != nil {
			return nil, fmt.Errorf("open replica: %w", err)
		}
		r.schemas = set
		storeOpts = append(storeOpts, store.WithValidator(set))
		logger.Info("schemas loaded", "collections", set.Collections())
	}

	st, err := store.Open(cfg.Database, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}
	r.store = st

	if err := r.claimSite(ctx); err != nil {
		st.Close()
		return nil, err
	}

	r.observers = observer.NewRegistry(st,
		observer.WithLogger(logger),
		observer.WithStarvationThreshold(cfg.StarvationThreshold))
	r.replicator = replication.New(st, replication.WithLogger(logger))
	r.server = transport.NewServer(cfg.SiteID, st, transport.WithServerLogger(logger))

	clientOpts := append([]transport.ClientOption{transport.WithClientLogger(logger)}, o.transport...)
	for _, url := range cfg.Peers {
		if err := r.Connect(ctx, url, clientOpts...); err != nil {
			logger.Warn("peer unreachable", "url", url, "error", err)
		}
	}

	for _, sc := range cfg.Subscriptions {
		params, err := value.ObjectFromAny(sc.Params)
		if err != nil {
			r.Close(ctx)
			return nil, fmt.Errorf("open replica: subscription %q: %w", sc.Query, err)
		}
		if _, err := r.Subscribe(ctx, sc.Query, params); err != nil {
			r.Close(ctx)
			return nil, fmt.Errorf("open replica: %w", err)
		}
	}

	logger.Info("replica opened", "database", cfg.Database, "version", st.Version())
	return r, nil
}

// claimSite records the site id in the database and warns when a database
// is reopened under a different one.
func (r *Replica) claimSite(ctx context.Context) error {
	prev, ok, err := r.store.Meta(ctx, "site_id")
	if err != nil {
		return fmt.Errorf("open replica: %w", err)
	}
	if ok && prev == r.cfg.SiteID {
		return nil
	}
	if ok {
		r.logger.Warn("database was created by another site", "previous", prev)
	}
	return r.store.SetMeta(ctx, "site_id", r.cfg.SiteID)
}

// SiteID returns the configured site id.
func (r *Replica) SiteID() string { return r.cfg.SiteID }

// Store returns the local store.
func (r *Replica) Store() *store.Store { return r.store }

// Observers returns the observer registry.
func (r *Replica) Observers() *observer.Registry { return r.observers }

// Logger returns the replica's logger, already tagged with its site.
func (r *Replica) Logger() *slog.Logger { return r.logger }

// Replicator returns the replicator.
func (r *Replica) Replicator() *replication.Replicator { return r.replicator }

// Observe registers an auto-signalling observer.
func (r *Replica) Observe(ctx context.Context, text string, params value.Object, h observer.Handler) (*observer.Channel, error) {
	return r.observers.Observe(ctx, text, params, h)
}

// ObserveManual registers an observer that must call Update.Signal before
// it receives the next update.
func (r *Replica) ObserveManual(ctx context.Context, text string, params value.Object, h observer.Handler, opts ...observer.ChannelOption) (*observer.Channel, error) {
	opts = append([]observer.ChannelOption{observer.WithManualSignal()}, opts...)
	return r.observers.Observe(ctx, text, params, h, opts...)
}

// Stream observes a query as a Go channel of updates.
func (r *Replica) Stream(ctx context.Context, text string, params value.Object) (*observer.Stream, error) {
	return r.observers.Stream(ctx, text, params)
}

// Execute evaluates a SELECT once.
func (r *Replica) Execute(ctx context.Context, text string, params value.Object) (observer.Result, error) {
	return r.observers.Execute(ctx, text, params)
}

// Subscribe pulls a query's documents from peers until cancelled.
func (r *Replica) Subscribe(ctx context.Context, text string, params value.Object) (*replication.Subscription, error) {
	return r.replicator.Subscribe(ctx, text, params)
}

// Get returns one live document.
func (r *Replica) Get(ctx context.Context, coll, id string) (value.Object, error) {
	return r.store.Get(ctx, coll, id)
}

// Upsert writes a document.
func (r *Replica) Upsert(ctx context.Context, coll string, doc value.Object, conflict store.Conflict) (store.WriteResult, error) {
	return r.store.Upsert(ctx, coll, doc, conflict)
}

// UpdateFields writes only the fields that differ from the stored document.
func (r *Replica) UpdateFields(ctx context.Context, coll, id string, fields value.Object) (store.WriteResult, error) {
	return r.store.UpdateFields(ctx, coll, id, fields)
}

// Delete tombstones a document; peers pulling it delete it too.
func (r *Replica) Delete(ctx context.Context, coll, id string) (store.WriteResult, error) {
	return r.store.Delete(ctx, coll, id)
}

// Evict runs an EVICT statement against the local store only.
//
// Evicting documents an active subscription still covers is allowed but
// logged, and the subscription pulls them again. Cancel the subscription
// first to keep them out.
func (r *Replica) Evict(ctx context.Context, text string, params value.Object) (store.EvictResult, error) {
	stmt, err := query.Parse(text)
	if err != nil {
		return store.EvictResult{}, fmt.Errorf("evict: %w", err)
	}
	ev, ok := stmt.(*query.Evict)
	if !ok {
		return store.EvictResult{}, fmt.Errorf("evict: expected EVICT statement, got %T", stmt)
	}

	res, err := r.store.Evict(ctx, ev, params)
	if err != nil {
		return store.EvictResult{}, err
	}
	if len(res.IDs) > 0 {
		r.replicator.Resync(ctx, ev.Collection, res.IDs)
	}
	return res, nil
}

// Connect dials a peer replica and adds it to the replicator.
func (r *Replica) Connect(ctx context.Context, url string, opts ...transport.ClientOption) error {
	if len(opts) == 0 {
		opts = []transport.ClientOption{transport.WithClientLogger(r.logger)}
	}
	c, err := transport.Dial(ctx, url, opts...)
	if err != nil {
		return err
	}
	if err := r.replicator.AddPeer(ctx, c); err != nil {
		c.Close()
		return err
	}
	return nil
}

// AddPeer adds an already connected peer.
func (r *Replica) AddPeer(ctx context.Context, p replication.Peer) error {
	return r.replicator.AddPeer(ctx, p)
}

// Handler serves the sync endpoint and /metrics.
func (r *Replica) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(transport.SyncPath, r.server)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve listens on the configured addresses until ctx is done. With
// MetricsListen set, /metrics is served there instead of on Listen.
func (r *Replica) Serve(ctx context.Context) error {
	var servers []*http.Server
	if r.cfg.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle(transport.SyncPath, r.server)
		if r.cfg.MetricsListen == "" {
			mux.Handle("/metrics", promhttp.Handler())
		}
		servers = append(servers, &http.Server{Addr: r.cfg.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}
	if r.cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{Addr: r.cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}
	if len(servers) == 0 {
		return errors.New("serve: neither listen nor metrics_listen is configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			r.logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		r.server.Close()
		for _, srv := range servers {
			srv.Shutdown(sctx)
		}
		return nil
	})
	return g.Wait()
}

// Close cancels every observer and subscription, disconnects peers and
// closes the store.
func (r *Replica) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var errs []error
	if r.observers != nil {
		errs = append(errs, r.observers.Close(ctx))
	}
	if r.replicator != nil {
		errs = append(errs, r.replicator.Close(ctx))
	}
	if r.server != nil {
		errs = append(errs, r.server.Close())
	}
	errs = append(errs, r.store.Close())
	return errors.Join(errs...)
}
