package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xtrntr/virtuex/internal/models"
)

// Snapshotter reads the depth of a market
type Snapshotter interface {
	BookSnapshot(ctx context.Context, market string, depth int) (models.BookSnapshot, error)
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

const writeWait = 5 * time.Second

// Hub streams periodic book snapshots to websocket subscribers of each market
type Hub struct {
	books    Snapshotter
	markets  map[string]bool
	depth    int
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*wsClient]bool
}

// NewHub creates a hub for the named markets
func NewHub(books Snapshotter, markets []string, depth int, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	known := make(map[string]bool, len(markets))
	for _, m := range markets {
		known[m] = true
	}
	return &Hub{
		books:   books,
		markets: known,
		depth:   depth,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]map[*wsClient]bool),
	}
}

// HandleWebSocket subscribes the connection to one market's depth
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	market := chi.URLParam(r, "market")
	if !h.markets[market] {
		writeJSONError(w, http.StatusNotFound, "unknown market")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	client := &wsClient{conn: conn}
	h.add(market, client)
	defer func() {
		h.remove(market, client)
		conn.Close()
	}()

	if data, err := h.snapshot(r.Context(), market); err == nil {
		if err := client.write(data); err != nil {
			return
		}
	}

	// reads only detect disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Run broadcasts every interval until ctx is done
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.Broadcast(ctx)
		}
	}
}

// Broadcast sends the current snapshot of every subscribed market
func (h *Hub) Broadcast(ctx context.Context) {
	for _, market := range h.subscribed() {
		data, err := h.snapshot(ctx, market)
		if err != nil {
			h.logger.Warn("failed to snapshot book", zap.String("market", market), zap.Error(err))
			continue
		}
		for _, c := range h.clientsOf(market) {
			if err := c.write(data); err != nil {
				h.logger.Debug("dropping websocket client", zap.String("market", market), zap.Error(err))
				h.remove(market, c)
				c.conn.Close()
			}
		}
	}
}

func (h *Hub) snapshot(ctx context.Context, market string) ([]byte, error) {
	snap, err := h.books.BookSnapshot(ctx, market, h.depth)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}

func (h *Hub) add(market string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[market] == nil {
		h.clients[market] = make(map[*wsClient]bool)
	}
	h.clients[market][c] = true
}

func (h *Hub) remove(market string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[market], c)
	if len(h.clients[market]) == 0 {
		delete(h.clients, market)
	}
}

func (h *Hub) subscribed() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for m := range h.clients {
		out = append(out, m)
	}
	return out
}

func (h *Hub) clientsOf(market string) []*wsClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*wsClient, 0, len(h.clients[market]))
	for c := range h.clients[market] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.clients {
		for c := range set {
			c.conn.Close()
		}
	}
	h.clients = make(map[string]map[*wsClient]bool)
}
