package event

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades a job's monitor connection and relays its pub/sub
// channel to the client until either side disconnects.
type Handler struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewHandler creates an event Handler.
func NewHandler(rdb *redis.Client, logger *slog.Logger) *Handler {
	return &Handler{rdb: rdb, logger: logger}
}

// Routes returns a chi.Router with the monitor route mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.handleMonitor)
	return r
}

// handleMonitor upgrades the connection, announces WS_CONNECTED, and then
// relays every message published on the job's channel verbatim until the
// client disconnects. It never reads application messages from the client.
func (h *Handler) handleMonitor(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrading websocket connection", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	sub := h.rdb.Subscribe(r.Context(), Channel(jobID))
	defer sub.Close()

	if err := h.writeJSON(conn, NewConnected(jobID)); err != nil {
		h.logger.Debug("writing WS_CONNECTED", "job_id", jobID, "error", err)
		return
	}

	// Detect client disconnects (including TCP resets) without ever acting
	// on inbound application data.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	msgs := sub.Channel()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-disconnected:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				h.logger.Debug("relaying event", "job_id", jobID, "error", err)
				return
			}
		}
	}
}

func (h *Handler) writeJSON(conn *websocket.Conn, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}
