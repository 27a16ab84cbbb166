package replication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/store"
	"github.com/roach88/syncgate/internal/value"
)

// RemoteDoc is a document as exchanged between replicas. Tombstones carry
// Deleted=true.
type RemoteDoc = store.Document

// FetchRequest asks a peer for every document matching Query, tombstones
// included, whose peer-local version is greater than Since.
type FetchRequest struct {
	Query  string       `json:"query"`
	Params value.Object `json:"params,omitempty"`
	Since  int64        `json:"since"`
}

// Batch is a peer's answer to a FetchRequest. Version is the peer's store
// version the batch reflects; it becomes the next Since.
type Batch struct {
	Docs    []RemoteDoc `json:"docs"`
	Version int64       `json:"version"`
}

// Notice announces a committed change on a peer. An empty Collection means
// the peer may have missed changes to any collection.
type Notice struct {
	Peer       string `json:"peer"`
	Collection string `json:"collection"`
	Version    int64  `json:"version"`
}

// Peer is a replica documents can be pulled from.
type Peer interface {
	// ID identifies the peer. It keys since marks, so it must be stable
	// across restarts.
	ID() string

	// Fetch answers one pull request.
	Fetch(ctx context.Context, req FetchRequest) (Batch, error)

	// Notices yields change announcements. The channel is closed when the
	// peer is closed.
	Notices() <-chan Notice

	// Close releases the peer.
	Close() error
}

// LocalPeer exposes another in-process store as a peer.
type LocalPeer struct {
	id      string
	store   *store.Store
	notices chan Notice
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	fetches atomic.Int64
}

// NewLocalPeer wraps s. Local evictions on s are not announced; they never
// leave the replica that performed them.
func NewLocalPeer(id string, s *store.Store) *LocalPeer {
	p := &LocalPeer{
		id:      id,
		store:   s,
		notices: make(chan Notice, 16),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.forward(s.Changes().Subscribe(store.ChangeFilter{}))
	return p
}

// ID implements Peer.
func (p *LocalPeer) ID() string { return p.id }

// Fetch implements Peer.
func (p *LocalPeer) Fetch(ctx context.Context, req FetchRequest) (Batch, error) {
	p.fetches.Add(1)
	return FetchFrom(ctx, p.store, req)
}

// Fetches returns how many fetch requests the peer has answered.
func (p *LocalPeer) Fetches() int64 {
	return p.fetches.Load()
}

// Notices implements Peer.
func (p *LocalPeer) Notices() <-chan Notice { return p.notices }

// Close implements Peer.
func (p *LocalPeer) Close() error {
	p.once.Do(func() { close(p.stop) })
	<-p.done
	return nil
}

func (p *LocalPeer) forward(l *store.Listener) {
	defer close(p.done)
	defer close(p.notices)
	defer l.Close()

	for {
		select {
		case <-p.stop:
			return
		case _, ok := <-l.Wait():
			if !ok {
				return
			}
			for _, c := range l.Drain() {
				if c.Kind == store.ChangeEvict {
					continue
				}
				select {
				case p.notices <- Notice{Peer: p.id, Collection: c.Collection, Version: c.Version}:
				case <-p.stop:
					return
				}
			}
		}
	}
}

// FetchFrom answers req from s. Servers exposing a store to remote peers
// use it too.
func FetchFrom(ctx context.Context, s *store.Store, req FetchRequest) (Batch, error) {
	sel, err := query.ParseSelect(req.Query)
	if err != nil {
		return Batch{}, fmt.Errorf("fetch: %w", err)
	}
	docs, version, err := s.ScanForSync(ctx, sel, req.Params, req.Since)
	if err != nil {
		return Batch{}, fmt.Errorf("fetch: %w", err)
	}
	return Batch{Docs: docs, Version: version}, nil
}
