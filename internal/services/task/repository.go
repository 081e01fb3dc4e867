package task

import (
	"context"
	"time"

	"github.com/labcloud/labcloud/internal/domain"
)

// Repository defines persistence for task records.
type Repository interface {
	Create(ctx context.Context, task *domain.Task) (*domain.Task, error)
	GetByUPID(ctx context.Context, upid string) (*domain.Task, error)
	UpdateStatus(ctx context.Context, upid string, status domain.TaskStatus, errorDetail string, reconciledAt time.Time) (*domain.Task, error)
	ListByVMIDs(ctx context.Context, vmIDs []string) ([]*domain.Task, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}
