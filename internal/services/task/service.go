package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labcloud/labcloud/internal/domain"
	"github.com/labcloud/labcloud/internal/proxmox"
)

// Poller queries the cluster for the current status of a task handle.
// Implemented by *proxmox.Client.
type Poller interface {
	TaskStatus(ctx context.Context, node, upid string) (*proxmox.TaskResult, error)
}

// VMLister resolves which VMs a user owns, so that task listing can be
// scoped without this package depending on the VM repository directly.
type VMLister interface {
	ListByOwner(ctx context.Context, ownerID string) ([]*domain.VirtualMachine, error)
}

// Cache sits in front of the repository for terminal statuses. Terminal
// tasks never change, so a cache hit skips both the database and the
// cluster. Optional; a nil Cache is a pass-through.
type Cache interface {
	GetTask(ctx context.Context, upid string) (*domain.Task, bool)
	SetTask(ctx context.Context, task *domain.Task)
}

// Publisher broadcasts task status changes to subscribers (websocket
// watchers, other replicas). Optional.
type Publisher interface {
	PublishTaskUpdate(ctx context.Context, task *domain.Task)
}

// Elector gates the retention sweeper so only one replica runs it.
// Optional; without one every replica sweeps, which is safe but wasteful.
type Elector interface {
	IsLeader() bool
}

// Service tracks hypervisor-side tasks from dispatch to terminal status.
// Reads reconcile lazily: a status query polls the cluster only for tasks
// that are not yet terminal, and the freshened status is persisted on the
// way out.
type Service struct {
	repo      Repository
	poller    Poller
	vms       VMLister
	cache     Cache
	publisher Publisher
	elector   Elector
	logger    *zap.Logger
}

// NewService creates a new task service.
func NewService(repo Repository, poller Poller, vms VMLister, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		poller: poller,
		vms:    vms,
		logger: logger.Named("task-service"),
	}
}

// WithCache enables the terminal-status cache.
func (s *Service) WithCache(cache Cache) *Service {
	s.cache = cache
	return s
}

// WithPublisher enables status-change broadcasts.
func (s *Service) WithPublisher(pub Publisher) *Service {
	s.publisher = pub
	return s
}

// WithElector gates the retention sweeper on leadership.
func (s *Service) WithElector(elector Elector) *Service {
	s.elector = elector
	return s
}

// Register records a freshly dispatched task. Called by the VM service
// immediately after the hypervisor accepts an operation.
func (s *Service) Register(ctx context.Context, vm *domain.VirtualMachine, op domain.Operation, initiatorID, upid string) (*domain.Task, error) {
	task := &domain.Task{
		ID:          uuid.New().String(),
		UPID:        upid,
		VMID:        vm.ID,
		Node:        vm.Node,
		Operation:   op,
		InitiatorID: initiatorID,
		Status:      domain.TaskStatusPending,
		CreatedAt:   time.Now(),
	}

	created, err := s.repo.Create(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to record task %s: %w", upid, err)
	}

	if s.publisher != nil {
		s.publisher.PublishTaskUpdate(ctx, created)
	}

	s.logger.Info("Task registered",
		zap.String("upid", upid),
		zap.String("vm_id", vm.ID),
		zap.String("operation", string(op)),
	)
	return created, nil
}

// GetMany returns the current status of a batch of task handles. Unknown
// handles are omitted rather than failing the batch. Non-terminal tasks are
// reconciled against the cluster first; if the poll fails, the stored
// status is returned as-is so a flapping cluster degrades reads instead of
// breaking them.
func (s *Service) GetMany(ctx context.Context, upids []string) ([]*domain.Task, error) {
	out := make([]*domain.Task, 0, len(upids))
	seen := make(map[string]bool, len(upids))

	for _, upid := range upids {
		if upid == "" || seen[upid] {
			continue
		}
		seen[upid] = true

		task, err := s.lookup(ctx, upid)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, task)
	}

	return out, nil
}

// GetAllForUser returns every task attached to a VM the user owns, newest
// first. Results reflect stored status only; batch status is the polling
// path.
func (s *Service) GetAllForUser(ctx context.Context, principal domain.Principal) ([]*domain.Task, error) {
	vms, err := s.vms.ListByOwner(ctx, principal.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve owned VMs: %w", err)
	}
	if len(vms) == 0 {
		return []*domain.Task{}, nil
	}

	ids := make([]string, len(vms))
	for i, vm := range vms {
		ids[i] = vm.ID
	}

	tasks, err := s.repo.ListByVMIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// Refresh forces reconciliation of one task against the cluster. Unlike
// batch reads it is strict: an unknown handle or a failed poll is an error,
// and even terminal tasks are re-polled rather than served from store.
func (s *Service) Refresh(ctx context.Context, upid string) (*domain.Task, error) {
	task, err := s.repo.GetByUPID(ctx, upid)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: task %q", domain.ErrNotFound, upid)
		}
		return nil, err
	}

	return s.reconcile(ctx, task, true)
}

// Cleanup removes terminal tasks last reconciled before the cutoff and
// returns how many were removed. Pending and running tasks are never
// touched regardless of age.
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	n, err := s.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up tasks: %w", err)
	}
	if n > 0 {
		s.logger.Info("Removed terminal tasks", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// RunRetention runs the periodic retention sweep until the context is
// cancelled. With an elector configured, only the leader sweeps.
func (s *Service) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Retention sweeper started",
		zap.Duration("retention", retention),
		zap.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.elector != nil && !s.elector.IsLeader() {
				continue
			}
			if _, err := s.Cleanup(ctx, retention); err != nil {
				s.logger.Warn("Retention sweep failed", zap.Error(err))
			}
		}
	}
}

// lookup serves one handle for the batch path: cache, then store, then a
// best-effort reconcile for non-terminal tasks.
func (s *Service) lookup(ctx context.Context, upid string) (*domain.Task, error) {
	if s.cache != nil {
		if task, ok := s.cache.GetTask(ctx, upid); ok {
			return task, nil
		}
	}

	task, err := s.repo.GetByUPID(ctx, upid)
	if err != nil {
		return nil, err
	}

	if task.Status.Terminal() {
		if s.cache != nil {
			s.cache.SetTask(ctx, task)
		}
		return task, nil
	}

	return s.reconcile(ctx, task, false)
}

// reconcile polls the cluster and persists the freshened status. When
// strict is false a failed poll falls back to the stored record.
func (s *Service) reconcile(ctx context.Context, task *domain.Task, strict bool) (*domain.Task, error) {
	result, err := s.poller.TaskStatus(ctx, task.Node, task.UPID)
	if err != nil {
		if strict {
			return nil, err
		}
		s.logger.Debug("Poll failed, serving stored status",
			zap.String("upid", task.UPID),
			zap.Error(err),
		)
		return task, nil
	}

	status, detail := mapResult(result)
	if status == task.Status && !status.Terminal() {
		return task, nil
	}

	updated, err := s.repo.UpdateStatus(ctx, task.UPID, status, detail, time.Now())
	if err != nil {
		// The fresh status was observed even if persisting it failed; serve
		// it and let the next read retry the write.
		s.logger.Warn("Failed to persist reconciled status",
			zap.String("upid", task.UPID),
			zap.Error(err),
		)
		task.Status = status
		task.ErrorDetail = detail
		return task, nil
	}

	if updated.Status.Terminal() {
		if s.cache != nil {
			s.cache.SetTask(ctx, updated)
		}
		if s.publisher != nil {
			s.publisher.PublishTaskUpdate(ctx, updated)
		}
	}

	return updated, nil
}

// mapResult folds the cluster's two-field task result into one tracked
// status.
func mapResult(result *proxmox.TaskResult) (domain.TaskStatus, string) {
	if result.Status != "stopped" {
		return domain.TaskStatusRunning, ""
	}
	if result.ExitStatus == "OK" {
		return domain.TaskStatusOK, ""
	}
	return domain.TaskStatusError, result.ExitStatus
}
