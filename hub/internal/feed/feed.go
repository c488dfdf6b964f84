// Package feed streams catalog events to WebSocket clients.
package feed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/m10n/hub/internal/auth"
	"github.com/amurg-ai/m10n/hub/internal/catalog"
	"github.com/amurg-ai/m10n/hub/internal/metrics"
)

// maxClientMessageBytes bounds frames read from clients; the feed is one-way.
const maxClientMessageBytes = 4096

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures a Broadcaster.
type Options struct {
	AllowedOrigins []string
	Buffer         int // queued events per client before it is dropped
	Metrics        *metrics.Metrics
}

// Broadcaster fans catalog events out to connected clients. It implements
// catalog.Publisher.
type Broadcaster struct {
	auth     auth.Provider
	logger   *slog.Logger
	upgrader websocket.Upgrader
	buffer   int
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

type client struct {
	id       string
	identity *auth.Identity
	conn     *websocket.Conn
	mu       sync.Mutex // guards writes to conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// New creates a Broadcaster authenticating clients with ap.
func New(ap auth.Provider, logger *slog.Logger, opts Options) *Broadcaster {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Broadcaster{
		auth:     ap,
		logger:   logger.With("component", "feed"),
		upgrader: makeUpgrader(opts.AllowedOrigins),
		buffer:   opts.Buffer,
		metrics:  opts.Metrics,
		clients:  make(map[string]*client),
	}
}

// Publish queues ev for every client allowed to see it. Clients whose
// queue is full are disconnected rather than blocking the publisher.
func (b *Broadcaster) Publish(ev catalog.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("marshal feed event", "type", ev.Type, "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		if !visible(c.identity, ev) {
			continue
		}
		select {
		case c.send <- data:
		default:
			b.logger.Warn("feed client too slow, disconnecting", "conn_id", c.id, "user", c.identity.Username)
			c.close()
		}
	}
}

// visible reports whether id may see ev. Subscription events are private
// to the developer who owns the subscription.
func visible(id *auth.Identity, ev catalog.Event) bool {
	if ev.DeveloperID == "" {
		return true
	}
	return auth.CanViewPlans(id, ev.DeveloperID)
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleWS upgrades an authenticated request to a feed connection.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, req *http.Request) {
	// Browsers cannot set headers on the WebSocket handshake, so the token
	// may also come as a query parameter.
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	}

	identity, err := b.auth.ValidateToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := b.upgrader.Upgrade(w, req, nil)
	if err != nil {
		b.logger.Warn("feed websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxClientMessageBytes)

	c := &client{
		id:       uuid.New().String(),
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, b.buffer),
		done:     make(chan struct{}),
	}
	if !b.register(c) {
		return
	}
	defer b.unregister(c)

	stopKeepalive := startKeepalive(conn, &c.mu)
	defer stopKeepalive()

	b.logger.Info("feed client connected", "user", identity.Username, "conn_id", c.id)

	go b.readLoop(c)
	for {
		select {
		case data := <-c.send:
			c.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := conn.WriteMessage(websocket.TextMessage, data)
			c.mu.Unlock()
			if err != nil {
				b.logger.Debug("feed write error", "conn_id", c.id, "error", err)
				return
			}
		case <-c.done:
			c.mu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
			c.mu.Unlock()
			return
		}
	}
}

// readLoop drains client frames so that pongs and close frames are
// processed; it ends the connection on the first read error.
func (b *Broadcaster) readLoop(c *client) {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			b.logger.Debug("feed client read error", "conn_id", c.id, "error", err)
			return
		}
	}
}

func (b *Broadcaster) register(c *client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.clients[c.id] = c
	b.metrics.FeedClientsChanged(1)
	return true
}

func (b *Broadcaster) unregister(c *client) {
	b.mu.Lock()
	delete(b.clients, c.id)
	b.mu.Unlock()
	b.metrics.FeedClientsChanged(-1)
	b.logger.Info("feed client disconnected", "user", c.identity.Username, "conn_id", c.id)
}

// Close disconnects every client and refuses new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, c := range b.clients {
		c.close()
	}
}
