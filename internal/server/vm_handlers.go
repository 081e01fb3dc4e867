package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/labcloud/labcloud/internal/domain"
	"github.com/labcloud/labcloud/internal/server/middleware"
	"github.com/labcloud/labcloud/internal/services/vm"
)

// VMHandler provides REST endpoints for VM lifecycle operations.
//
// Routes:
//   - GET    /api/vms               - List the caller's VMs
//   - POST   /api/vms               - Register a VM record (superadmin)
//   - POST   /api/vms/{id}/boot     - Power on
//   - POST   /api/vms/{id}/shutdown - Graceful shutdown
//   - POST   /api/vms/{id}/poweroff - Hard stop
//   - POST   /api/vms/{id}/reboot   - Graceful reboot
//   - POST   /api/vms/{id}/reset    - Hard reset
//   - DELETE /api/vms/{id}          - Destroy the VM and remove its record
type VMHandler struct {
	service *vm.Service
	logger  *zap.Logger
}

// NewVMHandler creates a new VM handler.
func NewVMHandler(service *vm.Service, logger *zap.Logger) *VMHandler {
	return &VMHandler{
		service: service,
		logger:  logger.Named("vm-handler"),
	}
}

var powerActions = map[string]domain.Operation{
	"boot":     domain.OpBoot,
	"shutdown": domain.OpShutdown,
	"poweroff": domain.OpPoweroff,
	"reboot":   domain.OpReboot,
	"reset":    domain.OpReset,
}

func (h *VMHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/vms"), "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			h.handleList(w, r, principal)
		case http.MethodPost:
			h.handleRegister(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	parts := strings.Split(path, "/")
	vmID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		h.handleDelete(w, r, principal, vmID)
	case len(parts) == 2 && r.Method == http.MethodPost:
		h.handlePowerOp(w, r, principal, vmID, parts[1])
	default:
		writeError(w, http.StatusBadRequest, "expected /api/vms/{id}/{action}")
	}
}

func (h *VMHandler) handlePowerOp(w http.ResponseWriter, r *http.Request, principal domain.Principal, vmID, action string) {
	op, ok := powerActions[action]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown action: "+action)
		return
	}

	task, err := h.service.PowerOp(r.Context(), principal, vmID, op)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

func (h *VMHandler) handleDelete(w http.ResponseWriter, r *http.Request, principal domain.Principal, vmID string) {
	task, err := h.service.Delete(r.Context(), principal, vmID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

func (h *VMHandler) handleList(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	vms, err := h.service.ListForOwner(r.Context(), principal)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, vms)
}

type registerVMRequest struct {
	OwnerID    string `json:"owner_id"`
	Name       string `json:"name"`
	Node       string `json:"node"`
	VMID       int    `json:"vmid"`
	TemplateID string `json:"template_id,omitempty"`
}

func (h *VMHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !middleware.RequireRole(r.Context(), domain.RoleSuperAdmin, domain.RoleInstructor) {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	var req registerVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.service.Register(r.Context(), &domain.VirtualMachine{
		OwnerID:    req.OwnerID,
		Name:       req.Name,
		Node:       req.Node,
		VMID:       req.VMID,
		TemplateID: req.TemplateID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}
