// Package memory provides in-memory repository implementations for
// development and testing. Data does not survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labcloud/labcloud/internal/domain"
	"github.com/labcloud/labcloud/internal/services/vm"
)

var _ vm.Repository = (*VMRepository)(nil)

// VMRepository is an in-memory implementation of the VM registry.
type VMRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.VirtualMachine
}

// NewVMRepository creates a new in-memory VM repository.
func NewVMRepository() *VMRepository {
	return &VMRepository{
		data: make(map[string]*domain.VirtualMachine),
	}
}

// Create stores a new virtual machine record.
func (r *VMRepository) Create(ctx context.Context, machine *domain.VirtualMachine) (*domain.VirtualMachine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if machine.ID == "" {
		machine.ID = uuid.New().String()
	}

	// One registry record per cluster slot.
	for _, existing := range r.data {
		if existing.Node == machine.Node && existing.VMID == machine.VMID {
			return nil, domain.ErrAlreadyExists
		}
	}

	if machine.CreatedAt.IsZero() {
		machine.CreatedAt = time.Now()
	}

	stored := cloneVM(machine)
	r.data[stored.ID] = stored

	return cloneVM(stored), nil
}

// Get retrieves a virtual machine by ID.
func (r *VMRepository) Get(ctx context.Context, id string) (*domain.VirtualMachine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	machine, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	return cloneVM(machine), nil
}

// ListByOwner returns the records owned by a user, newest first.
func (r *VMRepository) ListByOwner(ctx context.Context, ownerID string) ([]*domain.VirtualMachine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.VirtualMachine, 0)
	for _, machine := range r.data {
		if machine.OwnerID == ownerID {
			result = append(result, cloneVM(machine))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return result, nil
}

// Delete removes a virtual machine record.
func (r *VMRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}

	delete(r.data, id)
	return nil
}

func cloneVM(machine *domain.VirtualMachine) *domain.VirtualMachine {
	copied := *machine
	return &copied
}
