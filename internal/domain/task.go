package domain

import (
	"time"
)

// Operation is a VM power operation dispatched to the hypervisor.
type Operation string

const (
	OpBoot     Operation = "boot"
	OpShutdown Operation = "shutdown"
	OpPoweroff Operation = "poweroff"
	OpReboot   Operation = "reboot"
	OpReset    Operation = "reset"
	OpDelete   Operation = "delete"
)

// TaskStatus is the tracked status of a hypervisor-side task.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusOK      TaskStatus = "ok"
	TaskStatusError   TaskStatus = "error"
)

// Terminal reports whether the status can no longer change. Terminal tasks
// are served from the stored record without a live query.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusOK || s == TaskStatusError
}

// Task records one in-flight or completed hypervisor-side operation. The
// UPID is the opaque task handle issued by the cluster; once set it is
// immutable; only Status, ErrorDetail and LastReconciled mutate.
type Task struct {
	ID             string     `json:"id"`
	UPID           string     `json:"upid"`
	VMID           string     `json:"vm_id"`
	Node           string     `json:"node"`
	Operation      Operation  `json:"operation"`
	InitiatorID    string     `json:"initiator_id"`
	Status         TaskStatus `json:"status"`
	ErrorDetail    string     `json:"error_detail,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastReconciled time.Time  `json:"last_reconciled"`
}
