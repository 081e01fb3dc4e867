package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/labcloud/labcloud/internal/domain"
	"github.com/labcloud/labcloud/internal/server/middleware"
	"github.com/labcloud/labcloud/internal/services/task"
)

// TaskHandler provides REST endpoints for task tracking.
//
// Routes:
//   - GET  /api/tasks         - List tasks for the caller's VMs
//   - POST /api/tasks/status  - Batch status for a set of task handles
//   - POST /api/tasks/refresh - Force reconciliation of one handle
//   - POST /api/tasks/cleanup - Remove old terminal tasks (superadmin)
type TaskHandler struct {
	service          *task.Service
	defaultRetention time.Duration
	logger           *zap.Logger
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(service *task.Service, defaultRetention time.Duration, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		service:          service,
		defaultRetention: defaultRetention,
		logger:           logger.Named("task-handler"),
	}
}

func (h *TaskHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	switch {
	case r.URL.Path == "/api/tasks" && r.Method == http.MethodGet:
		h.handleList(w, r, principal)
	case r.URL.Path == "/api/tasks/status" && r.Method == http.MethodPost:
		h.handleBatchStatus(w, r)
	case r.URL.Path == "/api/tasks/refresh" && r.Method == http.MethodPost:
		h.handleRefresh(w, r)
	case r.URL.Path == "/api/tasks/cleanup" && r.Method == http.MethodPost:
		h.handleCleanup(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *TaskHandler) handleList(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	tasks, err := h.service.GetAllForUser(r.Context(), principal)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tasks)
}

type batchStatusRequest struct {
	UPIDs []string `json:"upids"`
}

func (h *TaskHandler) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	var req batchStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.UPIDs) == 0 {
		writeError(w, http.StatusBadRequest, "upids is required")
		return
	}

	tasks, err := h.service.GetMany(r.Context(), req.UPIDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// Keyed by UPID; handles nobody registered are absent.
	result := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		result[t.UPID] = t
	}
	writeJSON(w, http.StatusOK, result)
}

type refreshRequest struct {
	UPID string `json:"upid"`
}

func (h *TaskHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UPID == "" {
		writeError(w, http.StatusBadRequest, "upid is required")
		return
	}

	refreshed, err := h.service.Refresh(r.Context(), req.UPID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, refreshed)
}

type cleanupRequest struct {
	OlderThan string `json:"older_than,omitempty"`
}

type cleanupResponse struct {
	Removed int `json:"removed"`
}

func (h *TaskHandler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !middleware.RequireRole(r.Context(), domain.RoleSuperAdmin) {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	olderThan := h.defaultRetention
	if req.OlderThan != "" {
		parsed, err := time.ParseDuration(req.OlderThan)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "older_than must be a positive duration")
			return
		}
		olderThan = parsed
	}

	removed, err := h.service.Cleanup(r.Context(), olderThan)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cleanupResponse{Removed: removed})
}
