package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Aroton/AroMCP-sub001/internal/infrastructure/logger"
	"github.com/Aroton/AroMCP-sub001/pkg/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API carries no auth surface; origin checking belongs to a
		// fronting proxy in any deployment that needs it.
		return true
	},
}

const (
	wsWriteWait = 10 * time.Second
	wsPingEvery = 30 * time.Second
)

// EventStreamHandler upgrades GET /api/v1/instances/:id/events/stream to a
// WebSocket that pushes every Execution Tracker event for the instance as
// it is recorded: step lifecycle, decision points, state writes, sub-agent
// transitions.
type EventStreamHandler struct {
	tracker *engine.Tracker
	logger  *logger.Logger
}

// NewEventStreamHandler creates an EventStreamHandler.
func NewEventStreamHandler(tracker *engine.Tracker, log *logger.Logger) *EventStreamHandler {
	return &EventStreamHandler{tracker: tracker, logger: log}
}

// HandleStream handles the upgrade and pumps events until the client
// disconnects.
func (h *EventStreamHandler) HandleStream(c *gin.Context) {
	instanceID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "instance_id", instanceID, "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.tracker.Subscribe(instanceID, 64)
	defer unsubscribe()

	// Reader goroutine: drains control frames and surfaces disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("websocket write failed, closing", "instance_id", instanceID, "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
