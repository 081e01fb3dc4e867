package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/labcloud/labcloud/internal/domain"
	"github.com/labcloud/labcloud/internal/services/task"
)

var _ task.Repository = (*TaskRepository)(nil)

// TaskRepository implements task.Repository using PostgreSQL.
type TaskRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewTaskRepository creates a new PostgreSQL task repository.
func NewTaskRepository(db *DB, logger *zap.Logger) *TaskRepository {
	return &TaskRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "task")),
	}
}

// Create stores a new task record.
func (r *TaskRepository) Create(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	query := `
		INSERT INTO tasks (id, upid, vm_id, node, operation, initiator_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := r.db.pool.QueryRow(ctx, query,
		t.ID,
		t.UPID,
		t.VMID,
		t.Node,
		string(t.Operation),
		t.InitiatorID,
		string(t.Status),
	).Scan(&t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		r.logger.Error("Failed to create task", zap.Error(err), zap.String("upid", t.UPID))
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	return t, nil
}

// GetByUPID retrieves a task by its cluster handle.
func (r *TaskRepository) GetByUPID(ctx context.Context, upid string) (*domain.Task, error) {
	query := `
		SELECT id, upid, vm_id, node, operation, initiator_id, status,
		       error_detail, created_at, last_reconciled
		FROM tasks
		WHERE upid = $1
	`

	t, err := scanTask(r.db.pool.QueryRow(ctx, query, upid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return t, nil
}

// UpdateStatus sets the tracked status of a task.
func (r *TaskRepository) UpdateStatus(ctx context.Context, upid string, status domain.TaskStatus, errorDetail string, reconciledAt time.Time) (*domain.Task, error) {
	query := `
		UPDATE tasks
		SET status = $2, error_detail = $3, last_reconciled = $4
		WHERE upid = $1
		RETURNING id, upid, vm_id, node, operation, initiator_id, status,
		          error_detail, created_at, last_reconciled
	`

	t, err := scanTask(r.db.pool.QueryRow(ctx, query, upid, string(status), nullString(errorDetail), reconciledAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update task status: %w", err)
	}

	return t, nil
}

// ListByVMIDs returns the tasks attached to any of the given VMs, newest
// first.
func (r *TaskRepository) ListByVMIDs(ctx context.Context, vmIDs []string) ([]*domain.Task, error) {
	if len(vmIDs) == 0 {
		return []*domain.Task{}, nil
	}

	query := `
		SELECT id, upid, vm_id, node, operation, initiator_id, status,
		       error_detail, created_at, last_reconciled
		FROM tasks
		WHERE vm_id = ANY($1)
		ORDER BY created_at DESC
	`

	rows, err := r.db.pool.Query(ctx, query, vmIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// DeleteTerminalBefore removes terminal tasks last reconciled before the
// cutoff and reports how many were removed.
func (r *TaskRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM tasks
		WHERE status IN ('ok', 'error') AND last_reconciled < $1
	`

	tag, err := r.db.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal tasks: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	t := &domain.Task{}
	var operation, status string
	var errorDetail *string
	var lastReconciled *time.Time

	err := row.Scan(
		&t.ID,
		&t.UPID,
		&t.VMID,
		&t.Node,
		&operation,
		&t.InitiatorID,
		&status,
		&errorDetail,
		&t.CreatedAt,
		&lastReconciled,
	)
	if err != nil {
		return nil, err
	}

	t.Operation = domain.Operation(operation)
	t.Status = domain.TaskStatus(status)
	if errorDetail != nil {
		t.ErrorDetail = *errorDetail
	}
	if lastReconciled != nil {
		t.LastReconciled = *lastReconciled
	}
	return t, nil
}
