// Package vm provides the virtual machine service for the control plane.
package vm

import (
	"context"

	"github.com/labcloud/labcloud/internal/domain"
)

// Repository defines the data access interface for the VM registry.
// This interface allows swapping between different storage backends
// (PostgreSQL, in-memory, etc.) without changing the service logic.
type Repository interface {
	// Create stores a new VM record and returns the created entity.
	Create(ctx context.Context, vm *domain.VirtualMachine) (*domain.VirtualMachine, error)

	// Get retrieves a VM record by internal ID.
	Get(ctx context.Context, id string) (*domain.VirtualMachine, error)

	// ListByOwner returns all VM records owned by a principal.
	ListByOwner(ctx context.Context, ownerID string) ([]*domain.VirtualMachine, error)

	// Delete removes a VM record by internal ID.
	Delete(ctx context.Context, id string) error
}
