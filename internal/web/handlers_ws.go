package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"bluez-go-home/internal/coordinator"
	"bluez-go-home/internal/device"
)

// Message types a client may send. Anything else is ignored.
const (
	wsSnapshotType  = "snapshot"
	wsSubscribeType = "subscribe"
)

const (
	wsSendBuffer   = 64
	wsEventBuffer  = 256
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4096
)

func snapshotMessage(entries []device.SnapshotEntry) coordinator.Event {
	if entries == nil {
		entries = []device.SnapshotEntry{}
	}
	return coordinator.Event{Type: wsSnapshotType, Data: entries}
}

// wsRequest is a client message: a snapshot request or a change of the
// event types the client wants. An empty Types list means every event.
type wsRequest struct {
	Type  string   `json:"type"`
	Types []string `json:"types,omitempty"`
}

// eventFilter is the set of event types a client receives. nil accepts all.
type eventFilter map[string]struct{}

func newEventFilter(types []string) eventFilter {
	var f eventFilter
	for _, t := range types {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if f == nil {
			f = make(eventFilter)
		}
		f[t] = struct{}{}
	}
	return f
}

func (f eventFilter) accepts(eventType string) bool {
	if f == nil {
		return true
	}
	_, ok := f[eventType]
	return ok
}

// WSHub fans coordinator events out to WebSocket clients.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	events     chan coordinator.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	filter atomic.Pointer[eventFilter]
}

func newWSClient(conn *websocket.Conn, types []string) *wsClient {
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	c.setFilter(types)
	return c
}

func (c *wsClient) setFilter(types []string) {
	f := newEventFilter(types)
	c.filter.Store(&f)
}

func (c *wsClient) wants(eventType string) bool {
	f := c.filter.Load()
	return f == nil || f.accepts(eventType)
}

// NewWSHub creates a hub. Run must be started before clients register.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     make(chan coordinator.Event, wsEventBuffer),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop. It returns after Stop, closing every client.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case event := <-h.events:
			h.deliver(event)
		}
	}
}

// deliver sends one event to every interested client, evicting clients
// whose send buffer is full.
func (h *WSHub) deliver(event coordinator.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("ws marshal", "type", event.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(event.Type) {
			continue
		}
		select {
		case client.send <- data:
		default:
			delete(h.clients, client)
			close(client.send)
			h.logger.Warn("ws client evicted (too slow)", "type", event.Type)
		}
	}
}

// Stop shuts the hub down. Safe to call more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues event for delivery. It never blocks the reconciler:
// when the queue is full the event is dropped.
func (h *WSHub) Broadcast(event coordinator.Event) {
	select {
	case h.events <- event:
	default:
		h.logger.Warn("ws event queue full, dropping", "type", event.Type)
	}
}

// handleWS upgrades the connection. The optional "types" query parameter
// is a comma list of event types to receive; the first message is always
// the registry snapshot.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	var types []string
	if q := r.URL.Query().Get("types"); q != "" {
		types = strings.Split(q, ",")
	}
	client := newWSClient(conn, types)

	// Queued before registering so the snapshot precedes live events.
	s.queueSnapshot(client)

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) queueSnapshot(client *wsClient) {
	data, err := json.Marshal(snapshotMessage(s.coord.Snapshot()))
	if err != nil {
		s.logger.Error("ws marshal snapshot", "err", err)
		return
	}
	select {
	case client.send <- data:
	default:
		s.logger.Warn("ws snapshot dropped, client buffer full")
	}
}

// handleClientMessage applies one client request. It reports false for
// messages that are not valid requests.
func (s *Server) handleClientMessage(client *wsClient, msg []byte) bool {
	var req wsRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return false
	}
	switch req.Type {
	case wsSnapshotType:
		// The hub may close client.send concurrently; take its lock so a
		// snapshot is never sent on a closed channel.
		s.wsHub.mu.RLock()
		defer s.wsHub.mu.RUnlock()
		if _, ok := s.wsHub.clients[client]; ok {
			s.queueSnapshot(client)
		}
	case wsSubscribeType:
		client.setFilter(req.Types)
	default:
		return false
	}
	return true
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		typ, msg, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText || !s.handleClientMessage(client, msg) {
			s.logger.Debug("ws ignoring client message", "len", len(msg))
		}
	}
}
