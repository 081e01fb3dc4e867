package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labcloud/labcloud/internal/domain"
	"github.com/labcloud/labcloud/internal/services/task"
)

var _ task.Repository = (*TaskRepository)(nil)

// TaskRepository is an in-memory implementation of the task store, keyed by
// UPID.
type TaskRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.Task
}

// NewTaskRepository creates a new in-memory task repository.
func NewTaskRepository() *TaskRepository {
	return &TaskRepository{
		data: make(map[string]*domain.Task),
	}
}

// Create stores a new task record.
func (r *TaskRepository) Create(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if _, ok := r.data[t.UPID]; ok {
		return nil, domain.ErrAlreadyExists
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	stored := cloneTask(t)
	r.data[stored.UPID] = stored

	return cloneTask(stored), nil
}

// GetByUPID retrieves a task by its cluster handle.
func (r *TaskRepository) GetByUPID(ctx context.Context, upid string) (*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.data[upid]
	if !ok {
		return nil, domain.ErrNotFound
	}

	return cloneTask(t), nil
}

// UpdateStatus sets the tracked status of a task. The UPID and every other
// field stay untouched.
func (r *TaskRepository) UpdateStatus(ctx context.Context, upid string, status domain.TaskStatus, errorDetail string, reconciledAt time.Time) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.data[upid]
	if !ok {
		return nil, domain.ErrNotFound
	}

	t.Status = status
	t.ErrorDetail = errorDetail
	t.LastReconciled = reconciledAt

	return cloneTask(t), nil
}

// ListByVMIDs returns the tasks attached to any of the given VMs, newest
// first.
func (r *TaskRepository) ListByVMIDs(ctx context.Context, vmIDs []string) ([]*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[string]bool, len(vmIDs))
	for _, id := range vmIDs {
		want[id] = true
	}

	result := make([]*domain.Task, 0)
	for _, t := range r.data {
		if want[t.VMID] {
			result = append(result, cloneTask(t))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return result, nil
}

// DeleteTerminalBefore removes terminal tasks last reconciled before the
// cutoff and reports how many were removed.
func (r *TaskRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for upid, t := range r.data {
		if t.Status.Terminal() && t.LastReconciled.Before(cutoff) {
			delete(r.data, upid)
			removed++
		}
	}

	return removed, nil
}

func cloneTask(t *domain.Task) *domain.Task {
	copied := *t
	return &copied
}
