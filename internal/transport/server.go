package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/syncgate/internal/replication"
	"github.com/roach88/syncgate/internal/store"
)

// SyncPath is where Server.Handler mounts the websocket endpoint.
const SyncPath = "/sync"

// Server exposes a store to remote peers.
type Server struct {
	site     string
	store    *store.Store
	logger   *slog.Logger
	settings Settings
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithServerSettings overrides the connection settings.
func WithServerSettings(st Settings) ServerOption {
	return func(s *Server) { s.settings = st }
}

// NewServer creates a server announcing itself as site.
func NewServer(site string, st *store.Store, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		site:     site,
		store:    st,
		logger:   slog.Default(),
		settings: DefaultSettings(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: s.settings.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	return s
}

// Handler returns a mux serving the sync endpoint at SyncPath.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(SyncPath, s)
	return mux
}

// ServeHTTP upgrades the request and serves one peer until it disconnects
// or the server is closed.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer ws.Close()

	logger := s.logger.With("remote", r.RemoteAddr)
	logger.Info("peer connected")

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	c := &serverConn{
		ws:       ws,
		store:    s.store,
		settings: s.settings,
		logger:   logger,
		send:     make(chan Message, s.settings.SendBuffer),
	}
	if err := c.write(Message{Type: MsgHello, Site: s.site}); err != nil {
		logger.Warn("hello failed", "error", err)
		return
	}

	listener := s.store.Changes().Subscribe(store.ChangeFilter{})
	defer listener.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		c.writeLoop(ctx)
		// Unblocks readLoop.
		ws.Close()
	}()
	go func() {
		defer wg.Done()
		c.noticeLoop(ctx, s.site, listener)
	}()

	err = c.readLoop(ctx)
	cancel()
	ws.Close()
	wg.Wait()
	logger.Info("peer disconnected", "error", err)
}

// Close disconnects every peer and waits for their handlers to return.
// It does not stop an http.Server the handler is mounted on.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

type serverConn struct {
	ws       *websocket.Conn
	store    *store.Store
	settings Settings
	logger   *slog.Logger
	send     chan Message
}

func (c *serverConn) write(m Message) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	return c.ws.WriteJSON(m)
}

func (c *serverConn) enqueue(ctx context.Context, m Message) {
	select {
	case c.send <- m:
	case <-ctx.Done():
	}
}

// writeLoop is the only writer after the hello.
func (c *serverConn) writeLoop(ctx context.Context) {
	ping := time.NewTicker(c.settings.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.settings.WriteTimeout))
			return
		case m := <-c.send:
			if err := c.write(m); err != nil {
				c.logger.Warn("write failed", "type", m.Type, "error", err)
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *serverConn) noticeLoop(ctx context.Context, site string, l *store.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-l.Wait():
			if !ok {
				return
			}
			for _, ch := range l.Drain() {
				if ch.Kind == store.ChangeEvict {
					continue
				}
				c.enqueue(ctx, Message{Type: MsgNotice, Notice: &replication.Notice{
					Peer:       site,
					Collection: ch.Collection,
					Version:    ch.Version,
				}})
			}
		}
	}
}

func (c *serverConn) readLoop(ctx context.Context) error {
	for {
		var m Message
		if err := c.ws.ReadJSON(&m); err != nil {
			return err
		}
		switch m.Type {
		case MsgFetch:
			if m.Fetch == nil {
				c.enqueue(ctx, Message{Type: MsgError, ID: m.ID, Error: "fetch without request"})
				continue
			}
			batch, err := replication.FetchFrom(ctx, c.store, *m.Fetch)
			if err != nil {
				c.enqueue(ctx, Message{Type: MsgError, ID: m.ID, Error: err.Error()})
				continue
			}
			c.enqueue(ctx, Message{Type: MsgDocs, ID: m.ID, Batch: &batch})
		default:
			c.logger.Debug("ignoring message", "type", m.Type)
		}
	}
}
