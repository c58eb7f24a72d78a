package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lensview/lensview/pkg/entry"
)

const (
	wsWriteDeadline = 10 * time.Second
	wsReadDeadline  = 60 * time.Second
	wsPingInterval  = 30 * time.Second
	// wsClientBuffer bounds each client's send channel. A slow consumer
	// loses its oldest pending messages rather than stalling the feed.
	wsClientBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = direct connection (curl, test clients).
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// liveClient is one websocket subscriber with its own bounded send queue.
type liveClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans admitted entries out to websocket subscribers. Each client owns
// a bounded send channel; when it fills, the oldest pending message is
// dropped so one slow browser can never back up ingestion.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*liveClient]bool

	// dropped counts messages discarded for slow clients.
	dropped atomic.Int64
}

// NewHub creates an empty live-feed hub.
func NewHub() *Hub {
	return &Hub{
		logger:  slog.Default().With("component", "live"),
		clients: make(map[*liveClient]bool),
	}
}

// Publish sends an entry to every connected client.
func (h *Hub) Publish(e *entry.Entry) {
	h.mu.RLock()
	clients := make([]*liveClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	message, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode live entry", "entry", e.ID, "error", err)
		return
	}

	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			// Full queue: make room by dropping the client's oldest
			// pending message, then offer again. If the queue refilled in
			// the meantime the new message is lost; count that too.
			select {
			case <-client.send:
				h.dropped.Add(1)
			default:
			}
			select {
			case client.send <- message:
			default:
				h.dropped.Add(1)
			}
		}
	}
}

// Dropped reports how many messages were discarded for slow clients.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ClientCount reports connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client. Send channels are never closed; writer
// goroutines exit via their request context or the failing connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.conn.Close()
	}
	h.clients = make(map[*liveClient]bool)
}

func (h *Hub) register(client *liveClient) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("live client connected", "total", count)
}

func (h *Hub) unregister(client *liveClient) {
	h.mu.Lock()
	delete(h.clients, client)
	count := len(h.clients)
	h.mu.Unlock()
	client.conn.Close()
	h.logger.Info("live client disconnected", "total", count)
}

// HandleLive upgrades the connection and streams admitted entries.
func (h *Hub) HandleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &liveClient{conn: conn, send: make(chan []byte, wsClientBuffer)}
	h.register(client)
	defer h.unregister(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, client)

	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	// Read loop exists to process control frames and notice the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

// writeLoop drains the client's send queue and keeps the connection alive
// with pings.
func (h *Hub) writeLoop(ctx context.Context, client *liveClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
