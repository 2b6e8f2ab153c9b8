// Package livereload pushes reload instructions to browsers over WebSocket.
package livereload

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/conneroisu/docserve/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 54 * time.Second

	// Buffered messages per client before it is dropped as too slow.
	sendBuffer = 16
)

// DefaultPath is the route the client script connects to.
const DefaultPath = "/__docserve/ws"

// Message is sent to every browser on reload. An empty Target reloads the
// current page.
type Message struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
}

// client represents a WebSocket client connection
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Manager handles WebSocket connection management and broadcasting.
type Manager struct {
	path      string
	validator OriginValidator
	logger    logging.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown atomic.Bool
	wg       sync.WaitGroup
}

// NewManager creates a manager serving the client script's WebSocket at path.
func NewManager(path string, validator OriginValidator, logger logging.Logger) *Manager {
	if path == "" {
		path = DefaultPath
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		path:      path,
		validator: validator,
		logger:    logger.WithComponent("livereload"),
		clients:   make(map[*client]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Path returns the WebSocket route.
func (m *Manager) Path() string {
	return m.path
}

// HandleWebSocket upgrades the request and keeps the connection registered
// until the browser goes away or the manager shuts down.
func (m *Manager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if m.shutdown.Load() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	origin := r.Header.Get("Origin")
	if m.validator != nil && !m.validator.IsAllowedOrigin(origin) {
		m.logger.Warn(r.Context(), nil, "WebSocket connection rejected: invalid origin",
			"origin", origin, "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origins are checked by the validator above.
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		m.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote", r.RemoteAddr)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if !m.register(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer m.wg.Done()
	defer m.unregister(c)

	m.writeLoop(c)
}

// writeLoop delivers messages and pings until the connection closes. The
// read side is not tied to the manager's context: cancelling it would drop
// the connection before the going-away close frame is sent.
func (m *Manager) writeLoop(c *client) {
	ctx := c.conn.CloseRead(context.Background())
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			c.conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				m.logger.Debug(ctx, "WebSocket write error", "error", err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// register adds c unless the manager is shutting down.
func (m *Manager) register(c *client) bool {
	m.mu.Lock()
	if m.shutdown.Load() {
		m.mu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.clients[c] = struct{}{}
	count := len(m.clients)
	m.mu.Unlock()
	m.logger.Info(m.ctx, "Client connected", "clients", count)
	return true
}

func (m *Manager) unregister(c *client) {
	m.mu.Lock()
	_, ok := m.clients[c]
	delete(m.clients, c)
	count := len(m.clients)
	m.mu.Unlock()
	if ok {
		c.conn.CloseNow()
		m.logger.Info(m.ctx, "Client disconnected", "clients", count)
	}
}

// Reload tells every connected browser to reload, navigating to target when
// it is not empty.
func (m *Manager) Reload(target string) {
	data, err := json.Marshal(Message{Type: "reload", Target: target})
	if err != nil {
		m.logger.Error(m.ctx, err, "Failed to marshal reload message")
		return
	}
	m.broadcast(data)
}

func (m *Manager) broadcast(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		select {
		case c.send <- data:
		default:
			// Client send buffer is full, drop it
			delete(m.clients, c)
			close(c.send)
		}
	}
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Shutdown closes every connection and waits for their handlers to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	first := m.shutdown.CompareAndSwap(false, true)
	m.mu.Unlock()
	if !first {
		return nil
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info(ctx, "Live reload shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
