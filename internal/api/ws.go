package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/monero-pool/block-manager/internal/storage"
	"github.com/monero-pool/block-manager/internal/util"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans completed payout cycles out to websocket subscribers
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan *storage.PayoutCycle
	events  chan *storage.PayoutCycle
	done    chan struct{}
	once    sync.Once
}

// NewHub creates an event hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]chan *storage.PayoutCycle),
		events:  make(chan *storage.PayoutCycle, 16),
		done:    make(chan struct{}),
	}
}

// Broadcast queues a payout cycle for delivery to all subscribers. Never
// blocks the payout path: if the event buffer is full the event is dropped.
func (h *Hub) Broadcast(cycle *storage.PayoutCycle) {
	select {
	case h.events <- cycle:
	default:
		util.Warn("Payout event feed backlogged, dropping event")
	}
}

// Run dispatches events until Close
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return
		case cycle := <-h.events:
			h.mu.Lock()
			for conn, ch := range h.clients {
				select {
				case ch <- cycle:
				default:
					// Slow consumer; disconnect rather than block the hub.
					delete(h.clients, conn)
					close(ch)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close stops the hub and disconnects all subscribers
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.done)
		h.mu.Lock()
		for conn, ch := range h.clients {
			close(ch)
			conn.Close()
			delete(h.clients, conn)
		}
		h.mu.Unlock()
	})
}

func (h *Hub) register(conn *websocket.Conn) chan *storage.PayoutCycle {
	ch := make(chan *storage.PayoutCycle, 8)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
}

// handlePayoutFeed upgrades the connection and streams payout cycles as
// JSON messages
func (s *Server) handlePayoutFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Warnf("Websocket upgrade failed: %v", err)
		return
	}

	ch := s.hub.register(conn)
	defer func() {
		s.hub.unregister(conn)
		conn.Close()
	}()

	// Reader goroutine just drains control frames and detects disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.unregister(conn)
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case cycle, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(cycle); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
