// Package session binds session IDs to client WebSocket connections and relays
// traffic between those connections and the bus.
package session

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dontdude/replbox/internal/domain"
	"github.com/dontdude/replbox/internal/monitor"
)

const (
	// DefaultWriteTimeout bounds one outbound frame.
	DefaultWriteTimeout = 10 * time.Second

	maxMessageSize = 64 * 1024
)

// InputPublisher receives every inbound message as an InputEvent.
type InputPublisher interface {
	PublishInput(ev domain.InputEvent)
}

// Options configures a Registry.
type Options struct {
	WriteTimeout time.Duration
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
	Metrics     *monitor.Metrics
}

// Registry maps session IDs to live connections, one connection per session.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*conn

	input    InputPublisher
	upgrader websocket.Upgrader
	opts     Options
}

// conn is one bound client. ws is nil while the upgrade is in flight.
type conn struct {
	// writeMu serialises writers; gorilla connections allow one concurrent writer.
	writeMu sync.Mutex
	ws      *websocket.Conn

	once sync.Once
}

// NewRegistry creates an empty Registry that forwards inbound messages to input.
func NewRegistry(input InputPublisher, opts Options) *Registry {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Registry{
		conns: make(map[string]*conn),
		input: input,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		opts: opts,
	}
}

// ServeWS upgrades the request and binds the connection to the {sessionId} path parameter.
// A session that already has a connection is refused with 409 before the upgrade.
func (reg *Registry) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	c := &conn{}
	if !reg.reserve(sessionID, c) {
		slog.Warn("Session already connected, refusing", "sessionID", sessionID, "remoteAddr", r.RemoteAddr)
		http.Error(w, "session already connected", http.StatusConflict)
		return
	}

	ws, err := reg.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		slog.Error("WebSocket upgrade failed", "sessionID", sessionID, "error", err)
		reg.unbind(sessionID, c)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()

	reg.opts.Metrics.ConnectionOpened()
	slog.Info("Client connected via WebSocket", "sessionID", sessionID, "remoteAddr", ws.RemoteAddr())

	defer reg.disconnect(sessionID, c)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("WebSocket read error", "sessionID", sessionID, "error", err)
			}
			return
		}
		if ev, ok := ParseInbound(sessionID, data); ok {
			reg.input.PublishInput(ev)
		}
	}
}

// Deliver writes ev as one text frame to the session's connection.
func (reg *Registry) Deliver(ev domain.OutputEvent) domain.Delivery {
	d := reg.deliver(ev)
	reg.opts.Metrics.RecordDelivery("output", d.String())
	return d
}

func (reg *Registry) deliver(ev domain.OutputEvent) domain.Delivery {
	reg.mu.RLock()
	c, ok := reg.conns[ev.SessionID]
	reg.mu.RUnlock()
	if !ok {
		slog.Warn("No client connected for output, dropping", "sessionID", ev.SessionID, "bytes", len(ev.Text))
		return domain.Dropped
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.ws == nil {
		slog.Warn("Client not ready for output, dropping", "sessionID", ev.SessionID)
		return domain.Dropped
	}

	c.ws.SetWriteDeadline(time.Now().Add(reg.opts.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(ev.Text)); err != nil {
		slog.Error("Failed to write to websocket", "sessionID", ev.SessionID, "error", err)
		// Closing makes the read loop return and run the disconnect path.
		c.ws.Close()
		return domain.Dropped
	}
	return domain.Delivered
}

// Connected reports whether sessionID has an upgraded connection.
func (reg *Registry) Connected(sessionID string) bool {
	reg.mu.RLock()
	c, ok := reg.conns[sessionID]
	reg.mu.RUnlock()
	if !ok {
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws != nil
}

// Active returns the number of bound sessions.
func (reg *Registry) Active() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.conns)
}

// CloseAll sends a going-away close frame to every client. Their read loops
// then unbind them.
func (reg *Registry) CloseAll() {
	reg.mu.RLock()
	conns := make([]*conn, 0, len(reg.conns))
	for _, c := range reg.conns {
		conns = append(conns, c)
	}
	reg.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		c.writeMu.Lock()
		if c.ws != nil {
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			c.ws.Close()
		}
		c.writeMu.Unlock()
	}
}

func (reg *Registry) reserve(sessionID string, c *conn) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.conns[sessionID]; exists {
		return false
	}
	reg.conns[sessionID] = c
	return true
}

// unbind removes the binding only if it still belongs to c.
func (reg *Registry) unbind(sessionID string, c *conn) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if current, ok := reg.conns[sessionID]; ok && current == c {
		delete(reg.conns, sessionID)
	}
}

// disconnect tears the connection down and signals end-of-input, once.
func (reg *Registry) disconnect(sessionID string, c *conn) {
	c.once.Do(func() {
		reg.unbind(sessionID, c)

		c.writeMu.Lock()
		c.ws.Close()
		c.writeMu.Unlock()

		reg.opts.Metrics.ConnectionClosed()
		slog.Info("Client disconnected", "sessionID", sessionID)

		reg.input.PublishInput(domain.InputEvent{SessionID: sessionID, Kind: domain.InputClose})
	})
}
