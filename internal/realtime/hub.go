package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to configured origins once CORS.AllowedOrigins is wired here.
		return true
	},
}

// userRoom, instanceRoom and keyRoom name the three room kinds a session can
// belong to: every item touching a user, a single device's own queue, and a
// single key a client has narrowed its subscription to.
func userRoom(userID string) string { return "user:" + userID }
func instanceRoom(userID, instanceID string) string {
	return "instance:" + userID + ":" + instanceID
}
func keyRoom(userID, key string) string { return "key:" + userID + ":" + key }

// CommandHandler lets a higher-level package (the dispatcher + offline
// queue) handle client-issued /sync messages without realtime importing
// them back, avoiding an import cycle. HandleConnect returns the raw JSON
// messages to push immediately after registration (connection:status,
// pending-updates); HandleMessage returns the raw JSON ack or error for one
// inbound client frame, or nil to send nothing back.
type CommandHandler interface {
	HandleConnect(ctx context.Context, userID, instanceID string) [][]byte
	HandleMessage(ctx context.Context, userID, instanceID string, raw []byte) []byte
}

// client is one connected WebSocket session. It always belongs to its user's
// room and its own instance room, and optionally to a set of key rooms when
// it narrowed its subscription to specific keys.
type client struct {
	conn       *websocket.Conn
	userID     string
	instanceID string
	rooms      []string
	send       chan Event
	respond    chan []byte
}

// Hub manages WebSocket connections grouped into rooms and fans out
// ItemSynced / ItemRemoved / StorageCleared / ConflictDetected events to
// every sibling session entitled to see them, skipping the originating
// instance so a device never echoes its own write back to itself.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*client]bool

	register   chan *client
	unregister chan *client

	logger  *slog.Logger
	metrics *RealtimeMetrics
	commands CommandHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new Hub. Call Start before accepting connections and Stop
// on shutdown.
func NewHub(logger *slog.Logger, metrics *RealtimeMetrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:      make(map[string]map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger.With("component", "sync_ws_hub"),
		metrics:    metrics,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetCommandHandler wires the handler for client-issued /sync messages. Must
// be called before Start accepts connections; nil leaves the hub as a
// pure broadcast relay with no client-issued command support.
func (h *Hub) SetCommandHandler(handler CommandHandler) {
	h.commands = handler
}

// Start runs the hub's registration loop until the context is cancelled.
func (h *Hub) Start(ctx context.Context) {
	h.logger.Info("sync websocket hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("sync websocket hub stopping")
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			for _, room := range c.rooms {
				if h.rooms[room] == nil {
					h.rooms[room] = make(map[*client]bool)
				}
				h.rooms[room][c] = true
			}
			total := h.clientCountLocked()
			h.mu.Unlock()
			h.logger.Debug("ws client registered", "user_id", c.userID, "instance_id", c.instanceID, "rooms", c.rooms, "total_clients", total)
			if h.metrics != nil {
				h.metrics.ConnectionsActive.Set(float64(total))
			}

		case c := <-h.unregister:
			h.mu.Lock()
			for _, room := range c.rooms {
				if set, ok := h.rooms[room]; ok {
					delete(set, c)
					if len(set) == 0 {
						delete(h.rooms, room)
					}
				}
			}
			total := h.clientCountLocked()
			h.mu.Unlock()
			close(c.send)
			close(c.respond)
			h.logger.Debug("ws client unregistered", "user_id", c.userID, "total_clients", total)
			if h.metrics != nil {
				h.metrics.ConnectionsActive.Set(float64(total))
			}
		}
	}
}

// Stop cancels the hub's internal context, closing all connections.
func (h *Hub) Stop() {
	h.cancel()
}

// clientCountLocked returns the number of distinct connected clients; a
// client counted once even though it may belong to several rooms.
func (h *Hub) clientCountLocked() int {
	seen := make(map[*client]bool)
	for _, set := range h.rooms {
		for c := range set {
			seen[c] = true
		}
	}
	return len(seen)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[*client]bool)
	for _, set := range h.rooms {
		for c := range set {
			if !seen[c] {
				seen[c] = true
				close(c.send)
				close(c.respond)
			}
		}
	}
	h.rooms = make(map[string]map[*client]bool)
}

// targetRooms computes which rooms an event should be delivered to: always
// the user's room, plus the key room when the event names a specific key.
func targetRooms(event Event) []string {
	userID, _ := event.Data["userId"].(string)
	if userID == "" {
		return nil
	}
	rooms := []string{userRoom(userID)}
	if key, ok := event.Data["key"].(string); ok && key != "" {
		rooms = append(rooms, keyRoom(userID, key))
	}
	return rooms
}

// broadcast delivers an event to the union of clients across rooms,
// skipping the client whose instanceID produced the write.
func (h *Hub) broadcast(rooms []string, originInstanceID string, event Event) {
	h.mu.RLock()
	seen := make(map[*client]bool)
	targets := make([]*client, 0)
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if seen[c] {
				continue
			}
			seen[c] = true
			if c.instanceID != "" && c.instanceID == originInstanceID {
				continue
			}
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- event:
		default:
			h.logger.Warn("client send buffer full, dropping event", "user_id", c.userID)
		}
	}
}

// ID implements EventSubscriber.
func (h *Hub) ID() string { return "sync-ws-hub" }

// Context implements EventSubscriber.
func (h *Hub) Context() context.Context { return h.ctx }

// Close implements EventSubscriber.
func (h *Hub) Close() error {
	h.Stop()
	return nil
}

// Send implements EventSubscriber, routing the event to every room it
// concerns. Events that carry no userId are dropped; hub fan-out is always
// scoped to a single user's sibling devices.
func (h *Hub) Send(event Event) error {
	rooms := targetRooms(event)
	if rooms == nil {
		return nil
	}
	originInstanceID, _ := event.Data["instanceId"].(string)
	h.broadcast(rooms, originInstanceID, event)
	if h.metrics != nil {
		h.metrics.EventsTotal.WithLabelValues(event.Type, event.Source).Inc()
	}
	return nil
}

// HandleWebSocket upgrades the request and registers a session scoped to
// userID/instanceID, both already authenticated by the admission gate
// middleware before this handler runs. A "keys" query parameter
// (comma-separated) narrows the session to a subset of keys in addition to
// its user-wide room.
func (h *Hub) HandleWebSocket(userID, instanceID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("failed to upgrade websocket connection", "error", err, "remote_addr", r.RemoteAddr)
			return
		}

		rooms := []string{userRoom(userID), instanceRoom(userID, instanceID)}
		if keys := parseKeysParam(r.URL.Query()); len(keys) > 0 {
			for _, key := range keys {
				rooms = append(rooms, keyRoom(userID, key))
			}
		}

		c := &client{
			conn:       conn,
			userID:     userID,
			instanceID: instanceID,
			rooms:      rooms,
			send:       make(chan Event, 64),
			respond:    make(chan []byte, 16),
		}

		h.register <- c

		go h.writePump(c)
		go h.readPump(c)

		if h.commands != nil {
			for _, msg := range h.commands.HandleConnect(h.ctx, userID, instanceID) {
				select {
				case c.respond <- msg:
				default:
					h.logger.Warn("client respond buffer full, dropping connect message", "user_id", userID)
				}
			}
		}
	}
}

func parseKeysParam(q url.Values) []string {
	raw := q.Get("keys")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(event); err != nil {
				h.logger.Debug("failed to write event", "error", err, "user_id", c.userID)
				return
			}

		case raw, ok := <-c.respond:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				h.logger.Debug("failed to write command response", "error", err, "user_id", c.userID)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", "error", err, "user_id", c.userID)
			}
			return
		}

		if h.commands == nil {
			continue
		}
		resp := h.commands.HandleMessage(h.ctx, c.userID, c.instanceID, raw)
		if resp == nil {
			continue
		}
		select {
		case c.respond <- resp:
		default:
			h.logger.Warn("client respond buffer full, dropping command response", "user_id", c.userID)
		}
	}
}

// ActiveConnections returns the total number of connected sessions across
// all rooms.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clientCountLocked()
}

// IsInstanceConnected reports whether a device currently holds an open
// WebSocket session, used by the offline queue to decide whether a sibling
// update should be buffered or left to live fan-out.
func (h *Hub) IsInstanceConnected(userID, instanceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[instanceRoom(userID, instanceID)]) > 0
}

// DeliverToInstance sends an event directly to a specific device's own room,
// used by the offline queue to replay buffered updates once a device
// reconnects.
func (h *Hub) DeliverToInstance(userID, instanceID string, event Event) {
	h.broadcast([]string{instanceRoom(userID, instanceID)}, "", event)
}
