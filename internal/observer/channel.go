package observer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/store"
	"github.com/roach88/syncgate/internal/value"
)

// Handler receives updates. ctx is cancelled when the channel is cancelled.
type Handler func(ctx context.Context, u *Update) error

// Update is one delivered result.
type Update struct {
	// Items is the materialized result, in query order.
	Items []Snapshot

	// Version is the store version the result reflects.
	Version int64

	// Superseded counts results dropped since the previous delivery
	// because a newer one replaced them while the gate was blocked.
	Superseded int

	ch   *Channel
	gen  uint64
	once sync.Once
}

// Signal tells the channel the consumer is ready for the next update.
// Safe to call from any goroutine and more than once.
func (u *Update) Signal() {
	if u.ch == nil {
		return
	}
	u.once.Do(func() {
		if u.ch.gate.Release(u.gen) {
			u.ch.lastSignal.Store(u.ch.now().UnixNano())
		}
	})
}

// ChannelOption configures a Channel.
type ChannelOption func(*channelConfig)

type channelConfig struct {
	manual      bool
	autoRelease bool
}

// WithManualSignal makes the consumer responsible for calling
// Update.Signal. Until it does, no further update is delivered.
func WithManualSignal() ChannelOption {
	return func(c *channelConfig) {
		c.manual = true
	}
}

// WithoutAutoRelease keeps the gate blocked after a handler error or panic
// in manual mode. The consumer must still signal.
func WithoutAutoRelease() ChannelOption {
	return func(c *channelConfig) {
		c.autoRelease = false
	}
}

// evaluation is a materialized result waiting for delivery.
type evaluation struct {
	items   []Snapshot
	version int64
	digest  string
}

// Channel is a registered live query. Create with Registry.Observe.
type Channel struct {
	id      uint64
	text    string
	sel     *query.Select
	params  value.Object
	src     Source
	handler Handler
	cfg     channelConfig
	logger  *slog.Logger
	now     func() time.Time

	gate     *Gate
	listener *store.Listener
	ctx      context.Context
	stop     context.CancelFunc
	done     chan struct{}
	settle   chan chan struct{}
	onExit   func(*Channel)

	// mu is the dispatch lock. It orders Cancel against the start of every
	// handler invocation.
	mu        sync.Mutex
	cancelled bool
	inFlight  bool

	deliveries    atomic.Int64
	superseded    atomic.Int64
	evaluations   atomic.Int64
	handlerErrors atomic.Int64
	dropped       atomic.Int64
	pending       atomic.Bool
	lastVersion   atomic.Int64
	evaluated     atomic.Int64
	lastDelivery  atomic.Int64 // unix nanos
	lastSignal    atomic.Int64 // unix nanos
	starved       atomic.Bool
	lastErr       atomic.Pointer[Error]
}

// ID returns the registry-assigned channel id.
func (c *Channel) ID() uint64 { return c.id }

// Query returns the observed query text.
func (c *Channel) Query() string { return c.text }

// Collection returns the observed collection.
func (c *Channel) Collection() string { return c.sel.Collection }

// Gate exposes the channel's gate for inspection.
func (c *Channel) Gate() *Gate { return c.gate }

// Cancel stops the channel without blocking. After Cancel returns the
// handler is never invoked again. Safe to call from the handler and more
// than once.
func (c *Channel) Cancel() {
	c.mu.Lock()
	already := c.cancelled
	c.cancelled = true
	c.mu.Unlock()

	if !already {
		c.stop()
	}
}

// Cancelled reports whether Cancel has been called.
func (c *Channel) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Done is closed once the dispatch goroutine has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until any in-flight handler invocation has returned and the
// dispatch goroutine has exited. It does not cancel the channel.
// Must not be called from the handler.
func (c *Channel) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelAndWait cancels the channel and waits for it to finish.
// Must not be called from the handler.
func (c *Channel) CancelAndWait(ctx context.Context) error {
	c.Cancel()
	return c.Wait(ctx)
}

// Settle blocks until the channel has evaluated every change published
// before the call and delivered whatever its gate allows. It returns
// immediately for a finished channel. Must not be called from the handler.
func (c *Channel) Settle(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case c.settle <- done:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the dispatch loop. It is the only goroutine that evaluates the
// query or invokes the handler.
func (c *Channel) run(initial *evaluation) {
	defer close(c.done)
	defer c.onExit(c)
	defer c.listener.Close()

	pending := initial
	c.pending.Store(true)
	var (
		lastDigest string
		delivered  bool
		supersedeN int
		waiters    []chan struct{}
	)

	for {
		if pending != nil {
			if gen, ok := c.gate.Acquire(); ok {
				upd := pending
				pending = nil
				c.pending.Store(false)
				if !c.deliver(upd, gen, supersedeN) {
					return
				}
				lastDigest = upd.digest
				delivered = true
				supersedeN = 0
				continue
			}
		}

		if len(waiters) > 0 && c.listener.Len() == 0 {
			for _, w := range waiters {
				close(w)
			}
			waiters = nil
		}

		select {
		case <-c.ctx.Done():
			if pending != nil {
				c.dropped.Add(1)
			}
			return

		case w := <-c.settle:
			waiters = append(waiters, w)

		case <-c.gate.Released():

		case _, ok := <-c.listener.Wait():
			if !ok {
				return
			}
			c.listener.Drain()

			next, err := c.evaluate(c.ctx)
			if err != nil {
				if c.ctx.Err() != nil {
					continue
				}
				c.logger.Error("re-evaluation failed", "error", err)
				continue
			}
			if next.version <= c.lastVersion.Load() && delivered {
				continue
			}

			switch {
			case delivered && next.digest == lastDigest:
				// Back to the delivered state: whatever was pending is stale.
				if pending != nil {
					supersedeN++
					c.recordSuperseded()
					pending = nil
					c.pending.Store(false)
				}
			case pending != nil && next.digest == pending.digest:
			case pending != nil:
				supersedeN++
				c.recordSuperseded()
				pending = next
			default:
				pending = next
				c.pending.Store(true)
			}
		}
	}
}

func (c *Channel) recordSuperseded() {
	c.superseded.Add(1)
	superseded.Inc()
}

// deliver invokes the handler once. It returns false when the channel was
// cancelled before the invocation could start.
func (c *Channel) deliver(ev *evaluation, gen uint64, supersededN int) bool {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		c.dropped.Add(1)
		return false
	}
	c.inFlight = true
	c.mu.Unlock()

	u := &Update{
		Items:      ev.items,
		Version:    ev.version,
		Superseded: supersededN,
		ch:         c,
		gen:        gen,
	}

	c.lastVersion.Store(ev.version)
	c.lastDelivery.Store(c.now().UnixNano())
	if c.starved.CompareAndSwap(true, false) {
		starvedChannels.Dec()
	}
	c.deliveries.Add(1)
	deliveries.WithLabelValues(c.mode()).Inc()

	err := c.invoke(u)

	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()

	if err != nil {
		c.handlerErrors.Add(1)
		c.lastErr.Store(err)
		c.logger.Warn("observer handler failed", "version", ev.version, "error", err)
		if c.cfg.autoRelease {
			u.Signal()
		}
	}
	if !c.cfg.manual {
		u.Signal()
	}
	return true
}

// invoke calls the handler, converting errors and panics to *Error.
func (c *Channel) invoke(u *Update) (err *Error) {
	defer func() {
		if r := recover(); r != nil {
			handlerErrors.WithLabelValues("panic").Inc()
			c.logger.Error("observer handler panicked",
				"event", "handler_panic",
				"panic", r,
				"stack", string(debug.Stack()))
			err = handlerFailed(c.text, fmt.Errorf("panic: %v", r))
		}
	}()

	if herr := c.handler(c.ctx, u); herr != nil {
		handlerErrors.WithLabelValues("error").Inc()
		return handlerFailed(c.text, herr)
	}
	return nil
}

func (c *Channel) evaluate(ctx context.Context) (*evaluation, error) {
	start := time.Now()
	defer func() { evaluations.Observe(time.Since(start).Seconds()) }()
	c.evaluations.Add(1)

	ev := &evaluation{}
	err := c.src.Scan(ctx, c.sel, c.params, func(rs *store.Results) error {
		items, err := Extract(rs)
		if err != nil {
			return err
		}
		version, err := rs.Version()
		if err != nil {
			return err
		}
		ev.items = items
		ev.version = version
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ev.digest, err = digestOf(ev.items); err != nil {
		return nil, fmt.Errorf("digest result: %w", err)
	}
	c.evaluated.Store(ev.version)
	return ev, nil
}

func (c *Channel) mode() string {
	if c.cfg.manual {
		return "manual"
	}
	return "auto"
}

// Stats is a point-in-time view of a channel.
type Stats struct {
	ID            uint64
	Query         string
	Manual        bool
	Gate          GateState
	Pending       bool
	Cancelled     bool
	InHandler     bool // a handler invocation is running
	Deliveries    int64
	Superseded    int64
	Evaluations   int64
	HandlerErrors int64
	Dropped       int64 // pending updates discarded by cancellation
	LastVersion   int64
	Evaluated     int64 // store version of the most recent evaluation
	LastDelivery  time.Time
	LastSignal    time.Time
	LastError     error
}

// Starved reports whether the channel holds a pending update behind a
// blocked gate and has not delivered for at least threshold.
func (s Stats) Starved(threshold time.Duration, now time.Time) bool {
	if !s.Pending || s.Gate != Blocked || s.Cancelled || s.LastDelivery.IsZero() {
		return false
	}
	return now.Sub(s.LastDelivery) >= threshold
}

// Stats returns the channel's counters.
func (c *Channel) Stats() Stats {
	s := Stats{
		ID:            c.id,
		Query:         c.text,
		Manual:        c.cfg.manual,
		Gate:          c.gate.State(),
		Pending:       c.pending.Load(),
		Deliveries:    c.deliveries.Load(),
		Superseded:    c.superseded.Load(),
		Evaluations:   c.evaluations.Load(),
		HandlerErrors: c.handlerErrors.Load(),
		Dropped:       c.dropped.Load(),
		LastVersion:   c.lastVersion.Load(),
		Evaluated:     c.evaluated.Load(),
		LastDelivery:  unixNanoTime(c.lastDelivery.Load()),
		LastSignal:    unixNanoTime(c.lastSignal.Load()),
	}
	c.mu.Lock()
	s.Cancelled, s.InHandler = c.cancelled, c.inFlight
	c.mu.Unlock()
	if err := c.lastErr.Load(); err != nil {
		s.LastError = err
	}
	return s
}

func unixNanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
