// Package domain contains domain models and business logic errors.
package domain

import "errors"

// Common domain errors
var (
	// ErrUnauthorized is returned when a request carries no valid credential.
	ErrUnauthorized = errors.New("not authenticated")

	// ErrForbidden is returned when the caller is authenticated but lacks
	// ownership or role for the operation.
	ErrForbidden = errors.New("permission denied")

	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidTransition is returned when a power operation is illegal for
	// the VM's current hypervisor-reported state.
	ErrInvalidTransition = errors.New("operation not allowed in current state")

	// ErrUpstreamUnavailable is returned when the hypervisor cluster is
	// unreachable or a call timed out before producing a definitive answer.
	ErrUpstreamUnavailable = errors.New("hypervisor unavailable")

	// ErrUpstreamRejected is returned when the hypervisor explicitly refused
	// an operation.
	ErrUpstreamRejected = errors.New("hypervisor rejected operation")

	// ErrStorageFault is returned when local persistence fails after the
	// hypervisor call already succeeded. The operation is in flight upstream;
	// bookkeeping has diverged.
	ErrStorageFault = errors.New("storage fault")
)
