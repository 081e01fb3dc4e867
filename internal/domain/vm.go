package domain

import (
	"time"
)

// PowerState is the hypervisor-reported power state of a virtual machine.
// It is always fetched live at decision time and never stored on the VM
// record: the cluster can change it behind our back.
type PowerState string

const (
	PowerStateRunning PowerState = "running"
	PowerStateStopped PowerState = "stopped"
	PowerStateUnknown PowerState = "unknown"
)

// VirtualMachine is the durable registry record for one provisioned VM.
// The node name plus the hypervisor-native numeric id locate the machine on
// the cluster; both are immutable once the record exists.
type VirtualMachine struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Name       string    `json:"name"`
	Node       string    `json:"node"`
	VMID       int       `json:"vmid"`
	TemplateID string    `json:"template_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// OwnedBy reports whether the given principal owns this VM or holds the
// superadmin role.
func (vm *VirtualMachine) OwnedBy(p Principal) bool {
	return vm.OwnerID == p.ID || p.Role == RoleSuperAdmin
}
