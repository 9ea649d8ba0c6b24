package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/moltbunker/usdstake/internal/events"
	"github.com/moltbunker/usdstake/internal/logging"
	"github.com/moltbunker/usdstake/internal/util"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsReadLimit  = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketMessage is a frame on the event stream. Servers send "event",
// "subscribed" and "pong"; clients send "subscribe" and "ping".
type WebSocketMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SubscribeRequest narrows the stream to the listed accounts. An empty list
// restores the full stream.
type SubscribeRequest struct {
	Accounts []string `json:"accounts"`
}

// WebSocketHub tracks streaming clients fed from an events.Feed.
type WebSocketHub struct {
	feed       *events.Feed
	maxClients int

	mu      sync.Mutex
	clients map[*WebSocketClient]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewWebSocketHub creates a hub. maxClients <= 0 means unlimited.
func NewWebSocketHub(feed *events.Feed, maxClients int) *WebSocketHub {
	return &WebSocketHub{
		feed:       feed,
		maxClients: maxClients,
		clients:    make(map[*WebSocketClient]struct{}),
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WebSocketHub) register(c *WebSocketClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || (h.maxClients > 0 && len(h.clients) >= h.maxClients) {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	return true
}

func (h *WebSocketHub) unregister(c *WebSocketClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	logging.Debug("WebSocket client disconnected",
		"total_clients", n,
		logging.Component("websocket"))
}

// Close disconnects every client and waits for their pumps to exit.
func (h *WebSocketHub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		c.conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// WebSocketClient represents a connected WebSocket client
type WebSocketClient struct {
	hub    *WebSocketHub
	conn   *websocket.Conn
	events <-chan events.Message
	cancel func()
	direct chan WebSocketMessage

	mu       sync.RWMutex
	accounts map[string]bool
}

func (c *WebSocketClient) wants(msg events.Message) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.accounts) == 0 || c.accounts[strings.ToLower(msg.Account)]
}

// readPump handles client frames until the connection fails.
func (c *WebSocketClient) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
		c.hub.unregister(c)
		c.hub.wg.Done()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error",
					logging.Err(err),
					logging.Component("websocket"))
			}
			return
		}

		var msg WebSocketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *WebSocketClient) handleMessage(msg WebSocketMessage) {
	switch msg.Type {
	case "subscribe":
		var req SubscribeRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				return
			}
		}
		accounts := make(map[string]bool, len(req.Accounts))
		confirmed := make([]string, 0, len(req.Accounts))
		for _, a := range req.Accounts {
			if common.IsHexAddress(a) {
				addr := common.HexToAddress(a).Hex()
				accounts[strings.ToLower(addr)] = true
				confirmed = append(confirmed, addr)
			}
		}
		c.mu.Lock()
		c.accounts = accounts
		c.mu.Unlock()

		data, _ := json.Marshal(SubscribeRequest{Accounts: confirmed})
		c.sendDirect(WebSocketMessage{Type: "subscribed", Data: data})
	case "ping":
		c.sendDirect(WebSocketMessage{Type: "pong"})
	}
}

func (c *WebSocketClient) sendDirect(msg WebSocketMessage) {
	select {
	case c.direct <- msg:
	default:
	}
}

// writePump forwards feed events and replies to the connection.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case ev, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				return
			}
			if !c.wants(ev) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.conn.WriteJSON(WebSocketMessage{Type: "event", Data: data}); err != nil {
				return
			}

		case msg := <-c.direct:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket upgrades GET /v1/events and streams committed events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	hub := s.wsHub
	if hub.maxClients > 0 && hub.ClientCount() >= hub.maxClients {
		s.writeError(w, http.StatusServiceUnavailable, "too_many_clients", "event stream is at capacity")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed",
			logging.Err(err),
			logging.Component("websocket"))
		return
	}

	sub, cancel := hub.feed.Subscribe()
	client := &WebSocketClient{
		hub:    hub,
		conn:   conn,
		events: sub,
		cancel: cancel,
		direct: make(chan WebSocketMessage, 8),
	}
	if !hub.register(client) {
		cancel()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event stream is at capacity"))
		conn.Close()
		return
	}
	logging.Debug("WebSocket client connected",
		"total_clients", hub.ClientCount(),
		logging.Component("websocket"))

	util.SafeGoWithName("ws-write", client.writePump)
	util.SafeGoWithName("ws-read", client.readPump)
}
