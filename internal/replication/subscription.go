package replication

import (
	"context"
	"sync"

	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/value"
)

// Subscription is an active interest in a query's documents on peers.
// Create with Replicator.Subscribe.
type Subscription struct {
	id     uint64
	text   string
	sel    *query.Select
	params value.Object
	key    string // query digest, keys since marks
	r      *Replicator

	mu        sync.Mutex
	cancelled bool
	inFlight  sync.WaitGroup
}

// ID returns the replicator-assigned id.
func (s *Subscription) ID() uint64 { return s.id }

// Query returns the subscribed query text.
func (s *Subscription) Query() string { return s.text }

// Collection returns the subscribed collection.
func (s *Subscription) Collection() string { return s.sel.Collection }

// Active reports whether the subscription has not been cancelled.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cancelled
}

// Cancel ends the subscription and waits for pulls already running for it
// to finish. Batches fetched after Cancel starts are discarded. Safe to call
// more than once.
func (s *Subscription) Cancel(ctx context.Context) error {
	s.mu.Lock()
	already := s.cancelled
	s.cancelled = true
	s.mu.Unlock()

	if !already {
		s.r.remove(s)
	}

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin registers a pull. It returns false once the subscription is
// cancelled.
func (s *Subscription) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false
	}
	s.inFlight.Add(1)
	return true
}

func (s *Subscription) end() {
	s.inFlight.Done()
}
