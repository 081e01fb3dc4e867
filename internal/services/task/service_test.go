package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/labcloud/labcloud/internal/domain"
	"github.com/labcloud/labcloud/internal/proxmox"
)

type mockRepo struct {
	tasks     map[string]*domain.Task
	createErr error
	updateErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{tasks: make(map[string]*domain.Task)}
}

func (m *mockRepo) Create(_ context.Context, task *domain.Task) (*domain.Task, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.tasks[task.UPID] = task
	return task, nil
}

func (m *mockRepo) GetByUPID(_ context.Context, upid string) (*domain.Task, error) {
	task, ok := m.tasks[upid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *task
	return &copied, nil
}

func (m *mockRepo) UpdateStatus(_ context.Context, upid string, status domain.TaskStatus, detail string, at time.Time) (*domain.Task, error) {
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	task, ok := m.tasks[upid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	task.Status = status
	task.ErrorDetail = detail
	task.LastReconciled = at
	copied := *task
	return &copied, nil
}

func (m *mockRepo) ListByVMIDs(_ context.Context, vmIDs []string) ([]*domain.Task, error) {
	want := make(map[string]bool, len(vmIDs))
	for _, id := range vmIDs {
		want[id] = true
	}
	var out []*domain.Task
	for _, task := range m.tasks {
		if want[task.VMID] {
			out = append(out, task)
		}
	}
	return out, nil
}

func (m *mockRepo) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	n := 0
	for upid, task := range m.tasks {
		if task.Status.Terminal() && task.LastReconciled.Before(cutoff) {
			delete(m.tasks, upid)
			n++
		}
	}
	return n, nil
}

type fakePoller struct {
	results map[string]*proxmox.TaskResult
	err     error
	polls   int
}

func (f *fakePoller) TaskStatus(_ context.Context, _ string, upid string) (*proxmox.TaskResult, error) {
	f.polls++
	if f.err != nil {
		return nil, f.err
	}
	result, ok := f.results[upid]
	if !ok {
		return nil, domain.ErrUpstreamRejected
	}
	return result, nil
}

type fakeLister struct {
	vms []*domain.VirtualMachine
}

func (f *fakeLister) ListByOwner(_ context.Context, ownerID string) ([]*domain.VirtualMachine, error) {
	var out []*domain.VirtualMachine
	for _, vm := range f.vms {
		if vm.OwnerID == ownerID {
			out = append(out, vm)
		}
	}
	return out, nil
}

func seedTask(repo *mockRepo, upid string, status domain.TaskStatus) *domain.Task {
	task := &domain.Task{
		ID:        "task-" + upid,
		UPID:      upid,
		VMID:      "vm-1",
		Node:      "pve1",
		Operation: domain.OpBoot,
		Status:    status,
		CreatedAt: time.Now(),
	}
	repo.tasks[upid] = task
	return task
}

func TestRegisterCreatesPendingTask(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, &fakePoller{}, &fakeLister{}, zap.NewNop())

	vm := &domain.VirtualMachine{ID: "vm-1", Node: "pve1", VMID: 100}
	task, err := svc.Register(context.Background(), vm, domain.OpBoot, "user-1", "UPID:pve1:0001")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if task.Status != domain.TaskStatusPending {
		t.Errorf("Expected pending, got %s", task.Status)
	}
	if task.ID == "" {
		t.Error("Expected an ID assigned")
	}
	if task.Node != "pve1" || task.VMID != "vm-1" {
		t.Errorf("Record does not carry VM coordinates: %+v", task)
	}
}

func TestGetManyTerminalSkipsPolling(t *testing.T) {
	repo := newMockRepo()
	seedTask(repo, "UPID:a", domain.TaskStatusOK)
	poller := &fakePoller{}
	svc := NewService(repo, poller, &fakeLister{}, zap.NewNop())

	tasks, err := svc.GetMany(context.Background(), []string{"UPID:a"})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != domain.TaskStatusOK {
		t.Fatalf("Expected the stored terminal task, got %v", tasks)
	}
	if poller.polls != 0 {
		t.Errorf("Terminal tasks must not be polled, got %d polls", poller.polls)
	}
}

func TestGetManyReconcilesAndPersists(t *testing.T) {
	repo := newMockRepo()
	seedTask(repo, "UPID:a", domain.TaskStatusPending)
	poller := &fakePoller{results: map[string]*proxmox.TaskResult{
		"UPID:a": {Status: "stopped", ExitStatus: "OK"},
	}}
	svc := NewService(repo, poller, &fakeLister{}, zap.NewNop())

	tasks, err := svc.GetMany(context.Background(), []string{"UPID:a"})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if tasks[0].Status != domain.TaskStatusOK {
		t.Errorf("Expected ok after reconcile, got %s", tasks[0].Status)
	}
	if repo.tasks["UPID:a"].Status != domain.TaskStatusOK {
		t.Error("Reconciled status was not persisted")
	}
	if repo.tasks["UPID:a"].LastReconciled.IsZero() {
		t.Error("Expected LastReconciled set")
	}
}

func TestGetManyFailedTaskCarriesDetail(t *testing.T) {
	repo := newMockRepo()
	seedTask(repo, "UPID:a", domain.TaskStatusRunning)
	poller := &fakePoller{results: map[string]*proxmox.TaskResult{
		"UPID:a": {Status: "stopped", ExitStatus: "can't lock file - got timeout"},
	}}
	svc := NewService(repo, poller, &fakeLister{}, zap.NewNop())

	tasks, err := svc.GetMany(context.Background(), []string{"UPID:a"})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if tasks[0].Status != domain.TaskStatusError {
		t.Errorf("Expected error status, got %s", tasks[0].Status)
	}
	if tasks[0].ErrorDetail == "" {
		t.Error("Expected the exit status preserved as error detail")
	}
}

func TestGetManyPollFailureServesStored(t *testing.T) {
	repo := newMockRepo()
	seedTask(repo, "UPID:a", domain.TaskStatusRunning)
	poller := &fakePoller{err: domain.ErrUpstreamUnavailable}
	svc := NewService(repo, poller, &fakeLister{}, zap.NewNop())

	tasks, err := svc.GetMany(context.Background(), []string{"UPID:a"})
	if err != nil {
		t.Fatalf("Batch reads must degrade, not fail: %v", err)
	}
	if tasks[0].Status != domain.TaskStatusRunning {
		t.Errorf("Expected the stored status, got %s", tasks[0].Status)
	}
}

func TestGetManyOmitsUnknownAndDuplicates(t *testing.T) {
	repo := newMockRepo()
	seedTask(repo, "UPID:a", domain.TaskStatusOK)
	svc := NewService(repo, &fakePoller{}, &fakeLister{}, zap.NewNop())

	tasks, err := svc.GetMany(context.Background(), []string{"UPID:a", "UPID:missing", "UPID:a", ""})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("Expected one task, got %d", len(tasks))
	}
}

func TestGetAllForUserScopesToOwnedVMs(t *testing.T) {
	repo := newMockRepo()
	seedTask(repo, "UPID:mine", domain.TaskStatusOK)
	other := seedTask(repo, "UPID:other", domain.TaskStatusOK)
	other.VMID = "vm-2"

	lister := &fakeLister{vms: []*domain.VirtualMachine{
		{ID: "vm-1", OwnerID: "user-1"},
		{ID: "vm-2", OwnerID: "user-2"},
	}}
	svc := NewService(repo, &fakePoller{}, lister, zap.NewNop())

	tasks, err := svc.GetAllForUser(context.Background(), domain.Principal{ID: "user-1"})
	if err != nil {
		t.Fatalf("GetAllForUser failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].UPID != "UPID:mine" {
		t.Errorf("Expected only user-1's task, got %v", tasks)
	}
}

func TestGetAllForUserNoVMs(t *testing.T) {
	svc := NewService(newMockRepo(), &fakePoller{}, &fakeLister{}, zap.NewNop())

	tasks, err := svc.GetAllForUser(context.Background(), domain.Principal{ID: "user-1"})
	if err != nil {
		t.Fatalf("GetAllForUser failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("Expected empty result, got %v", tasks)
	}
}

func TestRefreshStrictOnUnknownHandle(t *testing.T) {
	svc := NewService(newMockRepo(), &fakePoller{}, &fakeLister{}, zap.NewNop())

	_, err := svc.Refresh(context.Background(), "UPID:missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestRefreshStrictOnPollFailure(t *testing.T) {
	repo := newMockRepo()
	seedTask(repo, "UPID:a", domain.TaskStatusRunning)
	poller := &fakePoller{err: domain.ErrUpstreamUnavailable}
	svc := NewService(repo, poller, &fakeLister{}, zap.NewNop())

	_, err := svc.Refresh(context.Background(), "UPID:a")
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("Refresh must not mask poll failures, got %v", err)
	}
}

func TestRefreshAlwaysPolls(t *testing.T) {
	repo := newMockRepo()
	seedTask(repo, "UPID:a", domain.TaskStatusOK)
	poller := &fakePoller{results: map[string]*proxmox.TaskResult{
		"UPID:a": {Status: "stopped", ExitStatus: "OK"},
	}}
	svc := NewService(repo, poller, &fakeLister{}, zap.NewNop())

	task, err := svc.Refresh(context.Background(), "UPID:a")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if poller.polls != 1 {
		t.Errorf("Refresh must re-query even terminal tasks, got %d polls", poller.polls)
	}
	if task.Status != domain.TaskStatusOK {
		t.Errorf("Expected ok, got %s", task.Status)
	}
}

func TestCleanupRemovesOnlyOldTerminalTasks(t *testing.T) {
	repo := newMockRepo()
	old := seedTask(repo, "UPID:old", domain.TaskStatusOK)
	old.LastReconciled = time.Now().Add(-48 * time.Hour)
	fresh := seedTask(repo, "UPID:fresh", domain.TaskStatusOK)
	fresh.LastReconciled = time.Now()
	stale := seedTask(repo, "UPID:stale-running", domain.TaskStatusRunning)
	stale.LastReconciled = time.Now().Add(-48 * time.Hour)

	svc := NewService(repo, &fakePoller{}, &fakeLister{}, zap.NewNop())

	n, err := svc.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 removal, got %d", n)
	}
	if _, ok := repo.tasks["UPID:stale-running"]; !ok {
		t.Error("Running tasks must never be removed regardless of age")
	}
	if _, ok := repo.tasks["UPID:fresh"]; !ok {
		t.Error("Recent terminal tasks must survive")
	}
}

func TestMapResult(t *testing.T) {
	cases := []struct {
		name   string
		result proxmox.TaskResult
		status domain.TaskStatus
	}{
		{"running", proxmox.TaskResult{Status: "running"}, domain.TaskStatusRunning},
		{"ok", proxmox.TaskResult{Status: "stopped", ExitStatus: "OK"}, domain.TaskStatusOK},
		{"failed", proxmox.TaskResult{Status: "stopped", ExitStatus: "unable to find configuration file"}, domain.TaskStatusError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := mapResult(&tc.result)
			if status != tc.status {
				t.Errorf("Expected %s, got %s", tc.status, status)
			}
		})
	}
}
