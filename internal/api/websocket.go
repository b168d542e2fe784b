package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/baas-console/internal/audit"
	"github.com/nerrad567/baas-console/internal/gate"
	"github.com/nerrad567/baas-console/internal/infrastructure/config"
	"github.com/nerrad567/baas-console/internal/infrastructure/logging"
	"github.com/nerrad567/baas-console/internal/realtime"
	"github.com/nerrad567/baas-console/internal/session"
)

// WebSocket constants.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeNavigate    = "navigate"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// Event channels a client can subscribe to. Collections use
// "records.<name>.changed".
const (
	ChannelSession = "session.changed"
	ChannelFiles   = "files.changed"

	// EventSubscriptionRevoked tells a client it lost a channel.
	EventSubscriptionRevoked = "subscription.revoked"
)

func recordsChannel(resource string) string {
	return "records." + resource + ".changed"
}

var errUnknownChannel = errors.New("unknown channel")

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// changeEvent is the payload of a records/files change event. It says what
// changed, not the row itself; views re-fetch.
type changeEvent struct {
	Type   realtime.EventType `json:"type"`
	Schema string             `json:"schema"`
	Table  string             `json:"table"`
	ID     any                `json:"id,omitempty"`
}

func changeView(c realtime.Change) changeEvent {
	ev := changeEvent{Type: c.Type, Schema: c.Schema, Table: c.Table}
	if row := c.Row(); row != nil {
		ev.ID = row["id"]
	}
	return ev
}

// sessionEvent is the payload of session.changed.
type sessionEvent struct {
	Status        string `json:"status"`
	Authenticated bool   `json:"authenticated"`
	Role          string `json:"role,omitempty"`
}

func sessionView(st session.State) sessionEvent {
	ev := sessionEvent{Status: st.Status.String(), Authenticated: st.Authenticated()}
	if st.Role.Valid() {
		ev.Role = st.Role.String()
	}
	return ev
}

// Hub manages WebSocket connections and broadcasts events.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub  *Hub
	srv  *Server
	conn *websocket.Conn
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	// subscriptions maps each channel to the cancel func of its gate watch.
	subscriptions map[string]context.CancelFunc
	mu            sync.RWMutex
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// Broadcast sends an event to all clients subscribed to the given channel.
// Lock ordering: hub lock is acquired first, then released before per-client
// subscription checks.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	sentCount := 0
	for _, client := range h.snapshot() {
		if client.isSubscribed(channel) {
			client.trySend(data)
			sentCount++
		}
	}
	if sentCount > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "recipients", sentCount)
	}
}

// Navigate sends a navigate message to every client.
func (h *Hub) Navigate(path string) {
	data, err := json.Marshal(navigateMessage(path))
	if err != nil {
		return
	}
	for _, client := range h.snapshot() {
		client.trySend(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

func navigateMessage(path string) WSMessage {
	return WSMessage{
		Type:      WSTypeNavigate,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   map[string]string{"to": path},
	}
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
// The route sits behind the gate, so only a signed-in session gets here.
// The connection is closed again, after a navigate message, as soon as the
// session ends or its role stops being recognised.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &WSClient{
		hub:           s.hub,
		srv:           s,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]context.CancelFunc),
	}

	s.hub.Register(client)

	s.gate.Watch(ctx, s.memberRole, func(d gate.Decision) {
		switch d {
		case gate.DenyUnauthenticated:
			client.sendNavigate(s.gateCfg.LoginPath)
			s.hub.Unregister(client)
		case gate.DenyInsufficientRole:
			client.sendNavigate(s.gateCfg.HomePath)
			s.hub.Unregister(client)
		}
	})

	// Start read/write pumps
	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.cancel()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func decodeChannels(msg WSMessage) ([]string, error) {
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	var sub WSSubscribePayload
	if err := json.Unmarshal(payloadBytes, &sub); err != nil {
		return nil, err
	}
	return sub.Channels, nil
}

// handleSubscribe adds the channels the session's role allows. Channels
// that are unknown or above the role are reported as rejected.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	channels, err := decodeChannels(msg)
	if err != nil {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}

	subscribed := []string{}
	rejected := map[string]string{}
	for _, ch := range channels {
		if err := c.subscribe(ch); err != nil {
			rejected[ch] = err.Error()
			continue
		}
		subscribed = append(subscribed, ch)
	}

	c.hub.logger.Debug("websocket client subscribed", "channels", subscribed, "rejected", len(rejected))

	resp := map[string]any{"subscribed": subscribed}
	if len(rejected) > 0 {
		resp["rejected"] = rejected
	}
	c.sendResponse(msg.ID, WSTypeResponse, resp)
}

// subscribe adds channel and watches the gate so a later role change
// revokes it.
func (c *WSClient) subscribe(channel string) error {
	required, ok := c.srv.channelRole(channel)
	if !ok {
		return errUnknownChannel
	}
	if d := c.srv.gate.Decide(required); d != gate.Allow {
		if err := d.Err(); err != nil {
			return err
		}
		return errors.New("session loading")
	}

	c.mu.Lock()
	if _, ok := c.subscriptions[channel]; ok {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.subscriptions[channel] = cancel
	c.mu.Unlock()

	c.srv.gate.Watch(ctx, required, func(d gate.Decision) {
		if d == gate.DenyInsufficientRole {
			c.revoke(channel, d)
		}
	})
	return nil
}

// revoke drops channel after the gate withdrew it and moves the view home.
func (c *WSClient) revoke(channel string, d gate.Decision) {
	c.mu.Lock()
	cancel, ok := c.subscriptions[channel]
	delete(c.subscriptions, channel)
	c.mu.Unlock()
	if !ok {
		return
	}
	cancel()

	c.sendEvent(EventSubscriptionRevoked, map[string]string{
		"channel": channel,
		"reason":  d.String(),
	})
	c.sendNavigate(c.srv.gateCfg.HomePath)
	c.srv.recordRevocation(channel, d)
}

// handleUnsubscribe removes channels from the client's subscription list.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	channels, err := decodeChannels(msg)
	if err != nil {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	for _, ch := range channels {
		if cancel, ok := c.subscriptions[ch]; ok {
			cancel()
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": channels,
	})
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// isSubscribed checks if the client is subscribed to a channel.
func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// sendResponse sends a response message to the client.
// Routes through trySend to safely handle closed channels during shutdown.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	c.sendMessage(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

func (c *WSClient) sendEvent(eventType string, payload any) {
	c.sendMessage(WSMessage{
		Type:      WSTypeEvent,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

func (c *WSClient) sendNavigate(path string) {
	c.sendMessage(navigateMessage(path))
}

func (c *WSClient) sendMessage(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}

// recordRevocation writes an access_revoked audit entry.
func (s *Server) recordRevocation(channel string, d gate.Decision) {
	st := s.provider.State()
	e := &audit.Entry{
		Action:  audit.ActionAccessRevoked,
		UserID:  st.UserID(),
		Details: map[string]any{"channel": channel, "decision": d.String()},
	}
	if st.Role.Valid() {
		e.Role = st.Role.String()
	}
	if err := s.audit.Create(context.Background(), e); err != nil {
		s.logger.Warn("failed to record access revocation", "channel", channel, "error", err)
	}
}
