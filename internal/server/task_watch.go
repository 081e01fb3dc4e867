package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/labcloud/labcloud/internal/domain"
	"github.com/labcloud/labcloud/internal/repository/redis"
	"github.com/labcloud/labcloud/internal/server/middleware"
)

const (
	watchWriteTimeout = 10 * time.Second
	watchPingInterval = 30 * time.Second
)

// TaskWatchHandler streams task status updates over a websocket. Updates
// arrive via Redis pub/sub, so every replica sees every change. Callers
// only receive events for tasks they initiated; superadmins see all.
type TaskWatchHandler struct {
	cache    *redis.Cache
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewTaskWatchHandler creates a new watch handler.
func NewTaskWatchHandler(cache *redis.Cache, logger *zap.Logger) *TaskWatchHandler {
	return &TaskWatchHandler{
		cache: cache,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross-origin access is governed by token auth, not Origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.Named("task-watch"),
	}
}

func (h *TaskWatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	if h.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "live task updates are not available")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("Watch session opened", zap.String("user_id", principal.ID))

	events := h.cache.Subscribe(r.Context(), redis.TaskEventChannel)
	ticker := time.NewTicker(watchPingInterval)
	defer ticker.Stop()

	// Drain client frames so close messages and pongs are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			if !h.visibleTo(event, principal) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("Watch write failed", zap.Error(err))
				return
			}
		}
	}
}

// visibleTo reports whether a task event belongs to the watching principal.
func (h *TaskWatchHandler) visibleTo(event redis.Event, principal domain.Principal) bool {
	if principal.Role == domain.RoleSuperAdmin {
		return true
	}

	// Data survived a JSON round trip through pub/sub; remarshal to read the
	// initiator.
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return false
	}
	var t domain.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return false
	}
	return t.InitiatorID == principal.ID
}
