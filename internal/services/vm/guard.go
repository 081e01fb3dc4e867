package vm

import (
	"fmt"

	"github.com/labcloud/labcloud/internal/domain"
)

// CheckTransition decides whether a power operation is legal given the
// hypervisor-reported state at decision time. It is a pure function: no I/O,
// deterministic given inputs. Unknown states fail closed: no operation
// proceeds without a confirmed state read.
func CheckTransition(op domain.Operation, state domain.PowerState) error {
	switch op {
	case domain.OpBoot:
		switch state {
		case domain.PowerStateStopped:
			return nil
		case domain.PowerStateRunning:
			return fmt.Errorf("%w: VM is already running", domain.ErrInvalidTransition)
		}
	case domain.OpShutdown, domain.OpPoweroff, domain.OpReboot, domain.OpReset:
		switch state {
		case domain.PowerStateRunning:
			return nil
		case domain.PowerStateStopped:
			return fmt.Errorf("%w: VM is not running", domain.ErrInvalidTransition)
		}
	default:
		return fmt.Errorf("%w: unsupported operation %q", domain.ErrInvalidArgument, op)
	}

	return fmt.Errorf("%w: VM state is unknown", domain.ErrInvalidTransition)
}
