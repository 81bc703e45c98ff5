package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldlens/schemascope/internal/worker"
)

// Hub fans processed-event notifications out to websocket subscribers.
// A slow client is dropped rather than allowed to stall the pipeline.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	closed  bool
}

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
)

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		clients: map[*websocket.Conn]chan []byte{},
	}
}

// Publish implements worker.Publisher.
func (h *Hub) Publish(ev worker.Processed) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- raw:
		default:
			// Buffer full: drop the subscriber.
			delete(h.clients, conn)
			close(ch)
		}
	}
}

// add registers a connection and starts its writer and reader loops.
func (h *Hub) add(conn *websocket.Conn) {
	ch := make(chan []byte, clientBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = ch
	h.mu.Unlock()

	go h.writeLoop(conn, ch)
	go h.readLoop(conn)
}

func (h *Hub) writeLoop(conn *websocket.Conn, ch chan []byte) {
	defer conn.Close()
	for raw := range ch {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			h.remove(conn)
			return
		}
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(writeWait))
}

// readLoop discards inbound frames; its only job is to notice disconnects.
func (h *Hub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn)
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
}

// Close drops all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn, ch := range h.clients {
		delete(h.clients, conn)
		close(ch)
	}
}
