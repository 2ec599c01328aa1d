package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/jbesclapez/trackerspotter/internal/logs"
	"github.com/jbesclapez/trackerspotter/internal/tracker"
)

const writeTimeout = 5 * time.Second

// LiveHub pushes every published event to all connected websocket clients.
// Clients require no acknowledgment; one that cannot keep up within the
// write timeout is disconnected rather than allowed to stall the hub.
type LiveHub struct {
	log *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewLiveHub() *LiveHub {
	return &LiveHub{
		log:     logs.GetLogger(),
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Handler upgrades GET /ws requests and keeps the connection registered
// until the client goes away.
func (h *LiveHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // dashboard is served from localhost
		})
		if err != nil {
			h.log.Error("failed to upgrade to websocket", zap.Error(err))
			return
		}

		h.add(conn)
		h.log.Debug("websocket client connected", zap.String("remote", r.RemoteAddr))

		// Block reading until the peer closes; clients never send data.
		ctx := r.Context()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				break
			}
		}
		h.remove(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.log.Debug("websocket client disconnected", zap.String("remote", r.RemoteAddr))
	}
}

// Run broadcasts events from sub until the channel closes or ctx is
// canceled. Intended to run as its own goroutine.
func (h *LiveHub) Run(ctx context.Context, sub *tracker.Subscription) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-sub.Events():
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(ctx, ev)
		}
	}
}

func (h *LiveHub) broadcast(ctx context.Context, ev *tracker.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("failed to marshal live event", zap.Error(err))
		return
	}

	for _, conn := range h.snapshot() {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			h.remove(conn)
			_ = conn.Close(websocket.StatusPolicyViolation, "too slow to keep up")
		}
	}
}

// ClientCount returns the number of connected websocket clients.
func (h *LiveHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *LiveHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *LiveHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func (h *LiveHub) snapshot() []*websocket.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	return conns
}

func (h *LiveHub) closeAll() {
	for _, conn := range h.snapshot() {
		h.remove(conn)
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
