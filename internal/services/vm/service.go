package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/labcloud/labcloud/internal/domain"
	"github.com/labcloud/labcloud/internal/proxmox"
)

// Hypervisor is the cluster control-plane surface the service depends on.
// Implemented by *proxmox.Client; faked in tests.
type Hypervisor interface {
	Status(ctx context.Context, node string, vmid int) (*proxmox.VMStatus, error)
	Start(ctx context.Context, node string, vmid int) (string, error)
	Shutdown(ctx context.Context, node string, vmid int) (string, error)
	Stop(ctx context.Context, node string, vmid int) (string, error)
	Reboot(ctx context.Context, node string, vmid int) (string, error)
	Reset(ctx context.Context, node string, vmid int) (string, error)
	Destroy(ctx context.Context, node string, vmid int) (string, error)
}

// Registrar records task handles returned by mutating hypervisor calls.
type Registrar interface {
	Register(ctx context.Context, vm *domain.VirtualMachine, op domain.Operation, initiatorID, upid string) (*domain.Task, error)
}

// Locker hands out short-lived per-VM claims so that two concurrent
// operations against the same VM serialize between the live-state query and
// task registration. Optional: a nil Locker skips claiming and accepts the
// bounded race window (the hypervisor tolerates redundant power calls).
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Service orchestrates guarded VM lifecycle operations. Each request walks
// the same pipeline: resolve the registry record, check ownership, query
// live state, validate the transition, dispatch, register the task handle.
// Every failure is terminal for the request; nothing is retried.
type Service struct {
	repo   Repository
	hv     Hypervisor
	tasks  Registrar
	locker Locker
	logger *zap.Logger
}

// NewService creates a new VM service.
func NewService(repo Repository, hv Hypervisor, tasks Registrar, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		hv:     hv,
		tasks:  tasks,
		logger: logger.Named("vm-service"),
	}
}

// WithLocker enables per-VM operation claims.
func (s *Service) WithLocker(locker Locker) *Service {
	s.locker = locker
	return s
}

// PowerOp performs a guarded power operation on a VM and returns the
// registered task.
func (s *Service) PowerOp(ctx context.Context, principal domain.Principal, vmID string, op domain.Operation) (*domain.Task, error) {
	logger := s.logger.With(
		zap.String("vm_id", vmID),
		zap.String("operation", string(op)),
		zap.String("user_id", principal.ID),
	)

	vm, err := s.resolveOwned(ctx, principal, vmID)
	if err != nil {
		return nil, err
	}

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, vm.ID)
		if err != nil {
			logger.Warn("Failed to claim VM, proceeding unserialized", zap.Error(err))
		} else {
			defer unlock()
		}
	}

	// Live state is the only source of truth. The cluster can change a VM's
	// state outside this system (manual intervention, crashes), so the
	// decision is made on a fresh read every time.
	status, err := s.hv.Status(ctx, vm.Node, vm.VMID)
	if err != nil {
		logger.Warn("State query failed", zap.Error(err))
		return nil, err
	}

	if err := CheckTransition(op, status.State()); err != nil {
		logger.Info("Transition denied", zap.String("state", string(status.State())))
		return nil, err
	}

	upid, err := s.dispatch(ctx, vm, op)
	if err != nil {
		logger.Warn("Dispatch failed", zap.Error(err))
		return nil, err
	}

	task, err := s.tasks.Register(ctx, vm, op, principal.ID, upid)
	if err != nil {
		// The operation is already in flight on the cluster; there is no way
		// to take it back. Local bookkeeping has diverged from reality.
		logger.Error("Task registration failed after dispatch; hypervisor state has diverged from bookkeeping",
			zap.String("upid", upid),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: operation dispatched as %s but not recorded", domain.ErrStorageFault, upid)
	}

	logger.Info("Operation dispatched", zap.String("upid", upid))
	return task, nil
}

// Delete dispatches destruction of a VM on the cluster, registers the task,
// and removes the registry record. The destroy call is not state-guarded:
// the hypervisor rejects destroying a running VM and that rejection is
// surfaced as-is.
func (s *Service) Delete(ctx context.Context, principal domain.Principal, vmID string) (*domain.Task, error) {
	logger := s.logger.With(
		zap.String("vm_id", vmID),
		zap.String("user_id", principal.ID),
	)

	vm, err := s.resolveOwned(ctx, principal, vmID)
	if err != nil {
		return nil, err
	}

	upid, err := s.hv.Destroy(ctx, vm.Node, vm.VMID)
	if err != nil {
		logger.Warn("Destroy dispatch failed", zap.Error(err))
		return nil, err
	}

	task, err := s.tasks.Register(ctx, vm, domain.OpDelete, principal.ID, upid)
	if err != nil {
		logger.Error("Task registration failed after destroy dispatch",
			zap.String("upid", upid),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: destroy dispatched as %s but not recorded", domain.ErrStorageFault, upid)
	}

	if err := s.repo.Delete(ctx, vm.ID); err != nil {
		logger.Error("Failed to remove VM record after destroy dispatch",
			zap.String("upid", upid),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: destroy dispatched as %s but record not removed", domain.ErrStorageFault, upid)
	}

	logger.Info("VM deleted", zap.String("upid", upid))
	return task, nil
}

// Register stores a registry record for a VM already provisioned on the
// cluster. Role enforcement happens at the HTTP boundary.
func (s *Service) Register(ctx context.Context, vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
	if vm.Name == "" || vm.Node == "" || vm.OwnerID == "" {
		return nil, fmt.Errorf("%w: name, node and owner_id are required", domain.ErrInvalidArgument)
	}
	if vm.VMID <= 0 {
		return nil, fmt.Errorf("%w: vmid must be positive", domain.ErrInvalidArgument)
	}

	vm.CreatedAt = time.Now()
	created, err := s.repo.Create(ctx, vm)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to register VM: %w", err)
	}

	s.logger.Info("VM registered",
		zap.String("vm_id", created.ID),
		zap.String("node", created.Node),
		zap.Int("vmid", created.VMID),
		zap.String("owner_id", created.OwnerID),
	)
	return created, nil
}

// ListForOwner returns the registry records owned by a principal.
func (s *Service) ListForOwner(ctx context.Context, principal domain.Principal) ([]*domain.VirtualMachine, error) {
	return s.repo.ListByOwner(ctx, principal.ID)
}

// resolveOwned looks up a VM record and enforces ownership. Superadmins may
// operate any VM; everyone else only their own.
func (s *Service) resolveOwned(ctx context.Context, principal domain.Principal, vmID string) (*domain.VirtualMachine, error) {
	vm, err := s.repo.Get(ctx, vmID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: VM %q", domain.ErrNotFound, vmID)
		}
		return nil, fmt.Errorf("failed to resolve VM: %w", err)
	}

	if !vm.OwnedBy(principal) {
		return nil, fmt.Errorf("%w: not the owner of VM %q", domain.ErrForbidden, vmID)
	}

	return vm, nil
}

// dispatch issues the mutating hypervisor call for an operation.
func (s *Service) dispatch(ctx context.Context, vm *domain.VirtualMachine, op domain.Operation) (string, error) {
	switch op {
	case domain.OpBoot:
		return s.hv.Start(ctx, vm.Node, vm.VMID)
	case domain.OpShutdown:
		return s.hv.Shutdown(ctx, vm.Node, vm.VMID)
	case domain.OpPoweroff:
		return s.hv.Stop(ctx, vm.Node, vm.VMID)
	case domain.OpReboot:
		return s.hv.Reboot(ctx, vm.Node, vm.VMID)
	case domain.OpReset:
		return s.hv.Reset(ctx, vm.Node, vm.VMID)
	}
	return "", fmt.Errorf("%w: unsupported operation %q", domain.ErrInvalidArgument, op)
}
