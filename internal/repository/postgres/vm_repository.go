// Package postgres provides PostgreSQL repository implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/labcloud/labcloud/internal/domain"
	"github.com/labcloud/labcloud/internal/services/vm"
)

var _ vm.Repository = (*VMRepository)(nil)

// VMRepository implements vm.Repository using PostgreSQL.
type VMRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewVMRepository creates a new PostgreSQL VM repository.
func NewVMRepository(db *DB, logger *zap.Logger) *VMRepository {
	return &VMRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "vm")),
	}
}

// Create stores a new virtual machine record.
func (r *VMRepository) Create(ctx context.Context, machine *domain.VirtualMachine) (*domain.VirtualMachine, error) {
	if machine.ID == "" {
		machine.ID = uuid.New().String()
	}

	query := `
		INSERT INTO virtual_machines (id, owner_id, name, node, vmid, template_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.pool.QueryRow(ctx, query,
		machine.ID,
		machine.OwnerID,
		machine.Name,
		machine.Node,
		machine.VMID,
		nullString(machine.TemplateID),
	).Scan(&machine.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		r.logger.Error("Failed to create VM", zap.Error(err), zap.String("name", machine.Name))
		return nil, fmt.Errorf("failed to insert VM: %w", err)
	}

	r.logger.Info("Created VM", zap.String("id", machine.ID), zap.String("name", machine.Name))
	return machine, nil
}

// Get retrieves a virtual machine by ID.
func (r *VMRepository) Get(ctx context.Context, id string) (*domain.VirtualMachine, error) {
	query := `
		SELECT id, owner_id, name, node, vmid, template_id, created_at
		FROM virtual_machines
		WHERE id = $1
	`

	machine, err := scanVM(r.db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get VM: %w", err)
	}

	return machine, nil
}

// ListByOwner returns the records owned by a user, newest first.
func (r *VMRepository) ListByOwner(ctx context.Context, ownerID string) ([]*domain.VirtualMachine, error) {
	query := `
		SELECT id, owner_id, name, node, vmid, template_id, created_at
		FROM virtual_machines
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list VMs: %w", err)
	}
	defer rows.Close()

	machines := make([]*domain.VirtualMachine, 0)
	for rows.Next() {
		machine, err := scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan VM: %w", err)
		}
		machines = append(machines, machine)
	}

	return machines, rows.Err()
}

// Delete removes a virtual machine record.
func (r *VMRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM virtual_machines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete VM: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	r.logger.Info("Deleted VM", zap.String("id", id))
	return nil
}

func scanVM(row pgx.Row) (*domain.VirtualMachine, error) {
	machine := &domain.VirtualMachine{}
	var templateID *string

	err := row.Scan(
		&machine.ID,
		&machine.OwnerID,
		&machine.Name,
		&machine.Node,
		&machine.VMID,
		&templateID,
		&machine.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if templateID != nil {
		machine.TemplateID = *templateID
	}
	return machine, nil
}

// nullString returns a pointer to a string, or nil if empty.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation checks if the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "unique constraint")
}
