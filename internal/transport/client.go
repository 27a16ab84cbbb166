package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/roach88/syncgate/internal/replication"
)

// ErrDisconnected is returned by Fetch while the client is reconnecting.
var ErrDisconnected = errors.New("transport: peer disconnected")

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("transport: client closed")

// Client is a websocket connection to a Server. It implements
// replication.Peer and reconnects on its own, at most once per
// ReconnectInterval.
type Client struct {
	url      string
	site     string
	settings Settings
	logger   *slog.Logger
	dialer   *websocket.Dialer
	limiter  *rate.Limiter

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	notices chan replication.Notice

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan Message
	nextID  uint64
}

var _ replication.Peer = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClientSettings overrides the connection settings.
func WithClientSettings(st Settings) ClientOption {
	return func(c *Client) { c.settings = st }
}

// Dial connects to the server at url (ws://host:port/sync) and waits for
// its hello. The returned client keeps reconnecting until Close.
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:      url,
		settings: DefaultSettings(),
		logger:   slog.Default(),
		ctx:      cctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		notices:  make(chan replication.Notice, 16),
		pending:  make(map[uint64]chan Message),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dialer = &websocket.Dialer{HandshakeTimeout: c.settings.HandshakeTimeout}
	c.limiter = rate.NewLimiter(rate.Every(c.settings.ReconnectInterval), 1)
	c.logger = c.logger.With("peer_url", url)

	c.limiter.Allow()
	ws, site, err := c.connect(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.site = site
	c.setConn(ws)

	go c.run(ws)
	return c, nil
}

// ID implements replication.Peer. It is the site id the server announced.
func (c *Client) ID() string { return c.site }

// Notices implements replication.Peer. After a reconnect a notice with an
// empty collection asks the replicator to re-pull everything.
func (c *Client) Notices() <-chan replication.Notice { return c.notices }

// Fetch implements replication.Peer.
func (c *Client) Fetch(ctx context.Context, req replication.FetchRequest) (replication.Batch, error) {
	reply := make(chan Message, 1)

	c.mu.Lock()
	ws := c.conn
	if ws == nil {
		c.mu.Unlock()
		if c.ctx.Err() != nil {
			return replication.Batch{}, ErrClosed
		}
		return replication.Batch{}, ErrDisconnected
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ws, Message{Type: MsgFetch, ID: id, Fetch: &req}); err != nil {
		return replication.Batch{}, fmt.Errorf("fetch: %w", err)
	}

	select {
	case m, ok := <-reply:
		if !ok {
			return replication.Batch{}, ErrDisconnected
		}
		if m.Type == MsgError {
			return replication.Batch{}, fmt.Errorf("fetch: remote: %s", m.Error)
		}
		if m.Batch == nil {
			return replication.Batch{}, errors.New("fetch: empty reply")
		}
		return *m.Batch, nil
	case <-ctx.Done():
		return replication.Batch{}, ctx.Err()
	case <-c.ctx.Done():
		return replication.Batch{}, ErrClosed
	}
}

// Close disconnects and stops reconnecting.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
	return nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, string, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, "", err
	}

	ws.SetReadDeadline(time.Now().Add(c.settings.HandshakeTimeout))
	var hello Message
	if err := ws.ReadJSON(&hello); err != nil {
		ws.Close()
		return nil, "", fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != MsgHello || hello.Site == "" {
		ws.Close()
		return nil, "", fmt.Errorf("expected hello, got %q", hello.Type)
	}

	ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.settings.WriteTimeout))
	})
	return ws, hello.Site, nil
}

func (c *Client) write(ws *websocket.Conn, m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	return ws.WriteJSON(m)
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.conn = ws
	c.mu.Unlock()
}

// dropConn forgets ws and fails every pending fetch.
func (c *Client) dropConn() {
	c.mu.Lock()
	c.conn = nil
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) run(ws *websocket.Conn) {
	defer close(c.done)
	defer close(c.notices)

	for {
		err := c.readLoop(ws)
		ws.Close()
		c.dropConn()
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("peer connection lost", "error", err)

		for {
			if err := c.limiter.Wait(c.ctx); err != nil {
				return
			}
			next, site, err := c.connect(c.ctx)
			if err != nil {
				c.logger.Debug("reconnect failed", "error", err)
				continue
			}
			if site != c.site {
				c.logger.Warn("peer changed site id; keeping the original", "was", c.site, "now", site)
			}
			ws = next
			break
		}
		c.setConn(ws)
		c.logger.Info("peer reconnected")

		// Changes made while disconnected were never announced.
		select {
		case c.notices <- replication.Notice{Peer: c.site}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		var m Message
		if err := ws.ReadJSON(&m); err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))

		switch m.Type {
		case MsgDocs, MsgError:
			c.mu.Lock()
			reply, ok := c.pending[m.ID]
			delete(c.pending, m.ID)
			c.mu.Unlock()
			if ok {
				reply <- m
			}
		case MsgNotice:
			if m.Notice == nil {
				continue
			}
			select {
			case c.notices <- *m.Notice:
			case <-c.ctx.Done():
				return c.ctx.Err()
			}
		default:
			c.logger.Debug("ignoring message", "type", m.Type)
		}
	}
}
