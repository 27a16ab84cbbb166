package store

import (
	"slices"
	"sync"
)

// ChangeKind classifies a committed mutation.
type ChangeKind string

const (
	ChangeUpsert    ChangeKind = "upsert"
	ChangeDelete    ChangeKind = "delete"
	ChangeEvict     ChangeKind = "evict"
	ChangeReplicate ChangeKind = "replicate"
)

// Change describes one committed mutation. IDs are sorted.
type Change struct {
	Version    int64
	Collection string
	Kind       ChangeKind
	IDs        []string
}

// ChangeFilter selects which changes a listener receives.
type ChangeFilter struct {
	Collections []string // nil or empty = all collections
}

func (f ChangeFilter) matches(c Change) bool {
	return len(f.Collections) == 0 || slices.Contains(f.Collections, c.Collection)
}

// Hub fans committed changes out to listeners.
//
// Publishing never blocks: each listener buffers changes in a slice and
// holds a 1-buffered signal channel that coalesces wakeups.
type Hub struct {
	mu        sync.Mutex
	listeners map[*Listener]struct{}
	closed    bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[*Listener]struct{})}
}

// Subscribe registers a listener. Call Listener.Close to unregister.
// Subscribing to a closed hub returns an already-closed listener.
func (h *Hub) Subscribe(filter ChangeFilter) *Listener {
	l := &Listener{
		hub:    h,
		filter: filter,
		signal: make(chan struct{}, 1),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		l.closed = true
		close(l.signal)
		return l
	}
	h.listeners[l] = struct{}{}
	return l
}

// Publish delivers a change to every matching listener.
func (h *Hub) Publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for l := range h.listeners {
		if l.filter.matches(c) {
			l.enqueue(c)
		}
	}
}

// Close closes every listener and rejects new publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	listeners := h.listeners
	h.listeners = make(map[*Listener]struct{})
	h.closed = true
	h.mu.Unlock()

	for l := range listeners {
		l.shutdown()
	}
}

func (h *Hub) remove(l *Listener) {
	h.mu.Lock()
	delete(h.listeners, l)
	h.mu.Unlock()
}

// Listener receives changes from a Hub.
//
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case _, ok := <-l.Wait():
//	    if !ok {
//	        return nil // hub closed
//	    }
//	    changes := l.Drain()
//	}
type Listener struct {
	hub    *Hub
	filter ChangeFilter

	mu      sync.Mutex
	pending []Change
	closed  bool
	signal  chan struct{}
}

func (l *Listener) enqueue(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.pending = append(l.pending, c)

	// Non-blocking: the buffer of 1 coalesces multiple signals
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that signals when changes may be pending.
// The channel is closed when the listener or its hub is closed.
func (l *Listener) Wait() <-chan struct{} {
	return l.signal
}

// Drain removes and returns all pending changes in publish order.
func (l *Listener) Drain() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = nil
	return out
}

// Len returns the number of changes waiting to be drained.
func (l *Listener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close unregisters the listener. Safe to call more than once.
func (l *Listener) Close() {
	l.hub.remove(l)
	l.shutdown()
}

func (l *Listener) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.signal)
}
