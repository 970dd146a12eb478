package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/fleet-relay/internal/broadcast"
	"github.com/nerrad567/fleet-relay/internal/fleet"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/logging"
	"github.com/nerrad567/fleet-relay/internal/transport"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeSendCommand = "send_command"
	WSTypeList        = "list"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// WebSocket defaults applied when the configuration leaves a field unset.
const (
	defaultWSPath           = "/ws"
	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30
	defaultWSPongTimeout    = 10
	defaultWSSendBuffer     = 256
)

var (
	errClientClosed = errors.New("websocket: client closed")
	errClientSlow   = errors.New("websocket: send buffer full")
)

// WSMessage is a frame sent to a WebSocket observer.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSRequest is a frame received from a WebSocket observer.
type WSRequest struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	DeviceID string          `json:"device_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority int             `json:"priority,omitempty"`
}

func withWSDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.Path == "" {
		cfg.Path = defaultWSPath
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWSMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultWSPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultWSPongTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultWSSendBuffer
	}
	return cfg
}

// Hub tracks connected WebSocket observers so shutdown can close them.
type Hub struct {
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is one connected observer. It is the broadcast.Sink for its
// subscription.
type WSClient struct {
	server *Server
	conn   *websocket.Conn
	addr   string

	mu     sync.Mutex
	send   chan []byte
	closed bool
	handle string // broadcast subscription, empty when unsubscribed
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
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	client.Close() //nolint:errcheck // Close never fails
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects every client.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.Close() //nolint:errcheck // Close never fails
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// handleWebSocket upgrades the connection and serves the observer until
// it disconnects. Observers start unsubscribed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		server: s,
		conn:   conn,
		addr:   r.RemoteAddr,
		send:   make(chan []byte, s.wsCfg.SendBuffer),
	}
	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	client.readPump(r, s.wsCfg)
}

// Send implements broadcast.Sink. It never blocks: a full buffer is an
// error, and the broadcaster drops the observer.
func (c *WSClient) Send(evt fleet.Event) error {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: string(evt.Kind),
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:   evt,
	})
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// Close implements broadcast.Sink. The write pump sends a close frame and
// drops the connection once the buffer drains. Safe to call repeatedly.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

func (c *WSClient) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errClientSlow
	}
}

// readPump reads observer requests until the connection fails.
func (c *WSClient) readPump(r *http.Request, cfg config.WebSocketConfig) {
	logger := c.server.logger
	defer func() {
		c.unsubscribe()
		c.server.hub.Unregister(c)
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
				logger.Warn("websocket read error", "error", err)
			} else {
				logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(r, message)
	}
}

// writePump writes queued frames and keepalive pings.
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

// handleMessage processes an incoming observer request.
func (c *WSClient) handleMessage(r *http.Request, data []byte) {
	var req WSRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", transport.Code(fleet.ErrInvalidRequest), "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(req)
	case WSTypeUnsubscribe:
		c.unsubscribe()
		c.sendResponse(req.ID, WSTypeResponse, map[string]any{"unsubscribed": true})
	case WSTypeSendCommand:
		c.handleSendCommand(r, req)
	case WSTypeList:
		devices := c.server.engine.Devices(r.Context())
		c.sendResponse(req.ID, WSTypeResponse, map[string]any{"devices": devices, "count": len(devices)})
	case WSTypePing:
		c.sendResponse(req.ID, WSTypePong, nil)
	default:
		c.sendError(req.ID, transport.Code(fleet.ErrInvalidRequest), "unknown message type: "+req.Type)
	}
}

// handleSubscribe subscribes the observer, or changes its filter when it
// is already subscribed.
func (c *WSClient) handleSubscribe(req WSRequest) {
	filter := req.DeviceID
	if filter == "" {
		filter = broadcast.AllDevices
	}

	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	b := c.server.broadcaster
	if handle == "" || !b.SetFilter(handle, filter) {
		h, err := b.Subscribe(c, filter)
		if err != nil {
			c.sendError(req.ID, ErrCodeUnavailable, err.Error())
			return
		}
		handle = h
		c.mu.Lock()
		c.handle = h
		c.mu.Unlock()
	}

	c.server.logger.Debug("websocket client subscribed", "handle", handle, "filter", filter)
	c.sendResponse(req.ID, WSTypeResponse, map[string]any{
		"subscribed": filter,
		"handle":     handle,
	})
}

func (c *WSClient) unsubscribe() {
	c.mu.Lock()
	handle := c.handle
	c.handle = ""
	c.mu.Unlock()

	if handle != "" {
		c.server.broadcaster.Unsubscribe(handle)
	}
}

// handleSendCommand queues a command on behalf of the observer. The
// observer's own subscription does not receive the command_sent echo.
func (c *WSClient) handleSendCommand(r *http.Request, req WSRequest) {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	results, err := c.server.engine.SendCommand(r.Context(), fleet.Origin{
		Transport:  "websocket",
		RemoteAddr: c.addr,
		Subscriber: handle,
	}, fleet.SendCommandRequest{
		DeviceID: req.DeviceID,
		Payload:  req.Payload,
		Priority: req.Priority,
	})
	if err != nil {
		c.sendError(req.ID, transport.Code(err), err.Error())
		return
	}
	c.sendResponse(req.ID, WSTypeResponse, map[string]any{
		"results": toSendResults(results),
		"count":   len(results),
	})
}

// sendResponse queues a reply. A reply to a slow or closed client is
// dropped.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data) //nolint:errcheck // Dropped replies are not an error
}

// sendError sends an error frame to the client.
func (c *WSClient) sendError(id, code, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"code": code, "message": message})
}

var _ broadcast.Sink = (*WSClient)(nil)
