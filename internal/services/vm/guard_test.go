package vm

import (
	"errors"
	"testing"

	"github.com/labcloud/labcloud/internal/domain"
)

func TestCheckTransition_Table(t *testing.T) {
	powerOps := []domain.Operation{
		domain.OpBoot, domain.OpShutdown, domain.OpPoweroff, domain.OpReboot, domain.OpReset,
	}

	tests := []struct {
		state   domain.PowerState
		allowed map[domain.Operation]bool
	}{
		{
			state: domain.PowerStateStopped,
			allowed: map[domain.Operation]bool{
				domain.OpBoot: true,
			},
		},
		{
			state: domain.PowerStateRunning,
			allowed: map[domain.Operation]bool{
				domain.OpShutdown: true,
				domain.OpPoweroff: true,
				domain.OpReboot:   true,
				domain.OpReset:    true,
			},
		},
		{
			// Fail closed: nothing is allowed without a confirmed state.
			state:   domain.PowerStateUnknown,
			allowed: map[domain.Operation]bool{},
		},
	}

	for _, tt := range tests {
		for _, op := range powerOps {
			err := CheckTransition(op, tt.state)
			if tt.allowed[op] {
				if err != nil {
					t.Errorf("state %s op %s: expected allow, got %v", tt.state, op, err)
				}
				continue
			}
			if !errors.Is(err, domain.ErrInvalidTransition) {
				t.Errorf("state %s op %s: expected ErrInvalidTransition, got %v", tt.state, op, err)
			}
		}
	}
}

func TestCheckTransition_BootOnRunningMessage(t *testing.T) {
	err := CheckTransition(domain.OpBoot, domain.PowerStateRunning)
	if err == nil {
		t.Fatal("Expected error")
	}
	if err.Error() != "operation not allowed in current state: VM is already running" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}

func TestCheckTransition_UnsupportedOperation(t *testing.T) {
	err := CheckTransition(domain.Operation("migrate"), domain.PowerStateRunning)
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument, got %v", err)
	}
}
