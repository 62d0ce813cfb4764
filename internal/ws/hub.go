// Package ws streams market data to WebSocket clients: depth changes,
// trade prints, and book stats, whether produced by the local engine or
// received from the leader over the cluster broadcast.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foresight/exchange-core/internal/book"
	"github.com/foresight/exchange-core/internal/cluster"
	"github.com/foresight/exchange-core/internal/metrics"
	"github.com/foresight/exchange-core/internal/model"
)

// Message is the JSON frame sent to WebSocket clients.
type Message struct {
	Type      string          `json:"type"` // "depth" | "trade" | "stats"
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"ts"`
}

// Hub manages WebSocket connections and fans market data out to all of
// them. It satisfies the engine's Events interface so the leader feeds
// its own clients directly, without a pub/sub round trip.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Send fans a typed payload out to all connected clients. Drops the
// frame if the buffer is full; streaming must never block matching.
func (h *Hub) Send(msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(Message{Type: msgType, Payload: raw, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// TradeExecuted implements engine.Events.
func (h *Hub) TradeExecuted(t model.Trade) { h.Send("trade", t) }

// DepthChanged implements engine.Events.
func (h *Hub) DepthChanged(snap book.DepthSnapshot) { h.Send("depth", snap) }

// StatsChanged implements engine.Events.
func (h *Hub) StatsChanged(st book.Stats) { h.Send("stats", st) }

// Relay subscribes to the leader's market-data broadcast and forwards it
// to local clients, so followers stream the same data the leader does.
func (h *Hub) Relay(ctx context.Context, bc *cluster.Broadcaster) error {
	channels := map[string]string{
		cluster.ChannelDepth:  "depth",
		cluster.ChannelTrades: "trade",
		cluster.ChannelStats:  "stats",
	}
	for channel, msgType := range channels {
		mt := msgType
		if err := bc.Subscribe(ctx, channel, func(env cluster.Envelope) {
			h.Send(mt, env.Payload)
		}); err != nil {
			return err
		}
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
