// Package feed pushes bus events to connected clients over WebSocket or server-sent events.
// Delivery is best-effort: a client that cannot keep up misses events and is expected to
// reconcile through the polling endpoints.
package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/sf7293/task-relay/internal/events"
)

const (
	defaultWriteTimeout = 5 * time.Second
	keepAliveInterval   = 20 * time.Second
)

type Hub struct {
	bus            *events.Bus
	originPatterns []string
	writeTimeout   time.Duration
}

// NewHub serves events from bus. originPatterns allow cross-origin WebSocket clients; same-origin
// requests are always accepted.
func NewHub(bus *events.Bus, originPatterns ...string) *Hub {
	return &Hub{
		bus:            bus,
		originPatterns: originPatterns,
		writeTimeout:   defaultWriteTimeout,
	}
}

// ServeWS upgrades the request and streams events until the client goes away.
// The optional "types" query parameter narrows the stream to one event type prefix.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Warn("ws: upgrade failed", "error", err)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Clients only listen; CloseRead handles control frames and cancels ctx on disconnect.
	ctx := conn.CloseRead(c.Request.Context())

	sub := h.bus.Subscribe(c.Query("types"))
	defer h.bus.Unsubscribe(sub)
	slog.Info("ws: client connected", "remote", c.ClientIP(), "subscribers", h.bus.SubscriberCount())

	for {
		select {
		case <-ctx.Done():
			slog.Info("ws: client disconnected", "remote", c.ClientIP())
			return
		case e, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := h.write(ctx, conn, e); err != nil {
				slog.Warn("ws: write failed, closing", "error", err)
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}

// ServeSSE streams events as text/event-stream, one SSE event per bus event.
func (h *Hub) ServeSSE(c *gin.Context) {
	sub := h.bus.Subscribe(c.Query("types"))
	defer h.bus.Unsubscribe(sub)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e, ok := <-sub.Ch():
			if !ok {
				return false
			}
			c.SSEvent(e.Type, e)
			return true
		case t := <-ticker.C:
			c.SSEvent("ping", t.UnixMilli())
			return true
		}
	})
}
