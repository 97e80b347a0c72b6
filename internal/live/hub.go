// ABOUTME: WebSocket endpoint relaying a task's delta frames to connected observers
// ABOUTME: One goroutine per connection; read side only consumed for close detection

package live

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Hub upgrades HTTP requests to WebSocket connections fed from the
// broadcaster.
type Hub struct {
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewHub creates a WebSocket hub over the given broadcaster.
func NewHub(broadcaster *Broadcaster, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Observers authenticate with bearer tokens, not cookies
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "live"),
	}
}

// wireFrame is the JSON shape written to observers.
type wireFrame struct {
	TaskID    string          `json:"task_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ServeTask upgrades the request and streams the task's delta frames
// until the client disconnects.
func (h *Hub) ServeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "task_id", taskID)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	frames, subID := h.broadcaster.Subscribe(ctx, taskID)
	defer h.broadcaster.Unsubscribe(taskID, subID)

	h.logger.Debug("observer connected", "task_id", taskID, "sub_id", subID)

	// Reader goroutine: discard inbound frames, unblock on close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case delta, ok := <-frames:
			if !ok {
				return
			}
			frame := wireFrame{
				TaskID:    delta.TaskID,
				Type:      delta.Type,
				Payload:   json.RawMessage(delta.Payload),
				Timestamp: delta.Timestamp,
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				h.logger.Debug("observer write failed", "error", err, "task_id", taskID)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-ctx.Done():
			return
		}
	}
}
