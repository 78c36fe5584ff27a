package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/zyndor1548/storefront-payments/internal/logging"
)

const lastEventTTL = 10 * time.Minute

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) write(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub pushes events to websocket clients subscribed to a transaction. The
// last event per transaction is kept (in redis when configured) and
// replayed to late subscribers.
type Hub struct {
	mu      sync.RWMutex
	clients map[string][]*subscriber
	last    map[string][]byte
	cache   *redis.Client
	logger  *logging.StructuredLogger
}

func NewHub(cache *redis.Client, logger *logging.StructuredLogger) *Hub {
	return &Hub{
		clients: make(map[string][]*subscriber),
		last:    make(map[string][]byte),
		cache:   cache,
		logger:  logger,
	}
}

func lastEventKey(txID string) string { return "payment_event:" + txID }

// ServeHTTP upgrades the request and subscribes it to ?transaction_id=.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	txID := r.URL.Query().Get("transaction_id")
	if txID == "" {
		http.Error(w, "transaction_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	sub := &subscriber{conn: conn}

	if cached := h.lastEvent(r.Context(), txID); cached != nil {
		if err := sub.write(cached); err != nil {
			h.logger.Warn("Failed to replay last event", map[string]interface{}{"payment_id": txID, "error": err.Error()})
		}
	}

	h.mu.Lock()
	h.clients[txID] = append(h.clients[txID], sub)
	h.mu.Unlock()

	h.logger.Debug("WebSocket client subscribed", map[string]interface{}{"payment_id": txID})

	go func() {
		defer h.remove(txID, sub)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(txID string, sub *subscriber) {
	h.mu.Lock()
	conns := h.clients[txID]
	for i, s := range conns {
		if s == sub {
			h.clients[txID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.clients[txID]) == 0 {
		delete(h.clients, txID)
	}
	h.mu.Unlock()
	sub.conn.Close()
}

func (h *Hub) lastEvent(ctx context.Context, txID string) []byte {
	if h.cache != nil {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if b, err := h.cache.Get(rctx, lastEventKey(txID)).Bytes(); err == nil {
			return b
		}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last[txID]
}

// Subscribers reports how many clients follow txID.
func (h *Hub) Subscribers(txID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[txID])
}

func (h *Hub) Notify(ctx context.Context, ev Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.last[ev.TransactionID] = msg
	conns := append([]*subscriber(nil), h.clients[ev.TransactionID]...)
	h.mu.Unlock()

	if h.cache != nil {
		if err := h.cache.Set(ctx, lastEventKey(ev.TransactionID), msg, lastEventTTL).Err(); err != nil {
			h.logger.Warn("Failed to cache last event", map[string]interface{}{"payment_id": ev.TransactionID, "error": err.Error()})
		}
	}

	for _, sub := range conns {
		if err := sub.write(msg); err != nil {
			h.logger.Warn("Failed to send WebSocket message", map[string]interface{}{"payment_id": ev.TransactionID, "error": err.Error()})
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conns := range h.clients {
		for _, s := range conns {
			s.conn.Close()
		}
		delete(h.clients, id)
	}
}
