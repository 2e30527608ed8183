// Package realtime streams transaction transitions to WebSocket clients.
//
// Operators and dashboards subscribe instead of polling the pending list.
// A client bound to a signer group only ever sees that group.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhentan/cosigner/internal/metrics"
	"github.com/zhentan/cosigner/internal/risk"
	"github.com/zhentan/cosigner/internal/txqueue"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 1000

	sendBuffer   = 64
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// TxSummary is the feed view of a record. Signatures and the operation
// body are left out.
type TxSummary struct {
	ID          string         `json:"id"`
	SignerGroup string         `json:"signerGroup"`
	Recipient   string         `json:"recipient"`
	Amount      string         `json:"amount"`
	Asset       string         `json:"asset"`
	Status      txqueue.Status `json:"status"`
	RiskScore   *int           `json:"riskScore,omitempty"`
	RiskVerdict risk.Verdict   `json:"riskVerdict,omitempty"`
	ResultHash  string         `json:"resultHash,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Event is one message on the feed.
type Event struct {
	Type        string     `json:"type"`
	Mutation    string     `json:"mutation"`
	Transaction *TxSummary `json:"transaction"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Subscription filters for a client. Empty lists match everything.
type Subscription struct {
	Groups    []string         `json:"groups"`
	Statuses  []txqueue.Status `json:"statuses"`
	Mutations []string         `json:"mutations"`
}

// Client represents a WebSocket connection
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	scope string // signer group the caller is bound to; empty for operators
	mu    sync.RWMutex
	sub   Subscription
}

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Attach subscribes the hub to every applied transition of q.
func (h *Hub) Attach(q *txqueue.Queue) {
	q.OnTransition(h.Publish)
}

// Publish queues a transition for broadcast. It never blocks; when the
// buffer is full the event is dropped and counted.
func (h *Hub) Publish(ev txqueue.Event) {
	if ev.Transaction == nil {
		return
	}
	event := &Event{
		Type:        "transition",
		Mutation:    ev.Mutation,
		Transaction: summarize(ev.Transaction),
		Timestamp:   time.Now().UTC(),
	}
	select {
	case h.broadcast <- event:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "tx_id", event.Transaction.ID)
	}
}

func summarize(t *txqueue.Transaction) *TxSummary {
	return &TxSummary{
		ID:          t.ID,
		SignerGroup: t.SignerGroup,
		Recipient:   t.Recipient,
		Amount:      t.Amount,
		Asset:       t.Asset,
		Status:      t.Status,
		RiskScore:   t.RiskScore,
		RiskVerdict: t.RiskVerdict,
		ResultHash:  t.ResultHash,
		UpdatedAt:   t.UpdatedAt,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n, "scope", client.scope)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !client.wants(event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
		}
		h.mu.Unlock()
		h.logger.Warn("dropped slow websocket clients", "count", len(slow))
	}
}

// wants reports whether event passes both the client's scope and its
// subscription.
func (c *Client) wants(event *Event) bool {
	tx := event.Transaction
	if c.scope != "" && !strings.EqualFold(c.scope, tx.SignerGroup) {
		return false
	}

	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if len(sub.Groups) > 0 && !slices.ContainsFunc(sub.Groups, func(g string) bool {
		return strings.EqualFold(g, tx.SignerGroup)
	}) {
		return false
	}
	if len(sub.Statuses) > 0 && !slices.Contains(sub.Statuses, tx.Status) {
		return false
	}
	if len(sub.Mutations) > 0 && !slices.Contains(sub.Mutations, event.Mutation) {
		return false
	}
	return true
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return map[string]any{
		"connectedClients": n,
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.droppedEvents.Load(),
		"totalClients":     h.totalClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket. scope restricts the client to
// one signer group; pass "" for an operator.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, scope string) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		scope: scope,
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates until the connection dies.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(16 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
