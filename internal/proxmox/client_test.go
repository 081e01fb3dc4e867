package proxmox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/labcloud/labcloud/internal/config"
	"github.com/labcloud/labcloud/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(config.ProxmoxConfig{
		URL:         srv.URL,
		TokenID:     "labcloud@pve!test",
		TokenSecret: "secret",
		Timeout:     2 * time.Second,
	}, zap.NewNop())

	return client, srv
}

func TestClient_Status_Running(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api2/json/nodes/pve1/qemu/101/status/current" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "PVEAPIToken=labcloud@pve!test=secret" {
			t.Errorf("Unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"data":{"status":"running","vmid":101}}`))
	}))

	status, err := client.Status(context.Background(), "pve1", 101)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}

	if status.State() != domain.PowerStateRunning {
		t.Errorf("Expected running state, got %s", status.State())
	}
}

func TestClient_Status_Stopped(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"status":"stopped"}}`))
	}))

	status, err := client.Status(context.Background(), "pve1", 101)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}

	if status.State() != domain.PowerStateStopped {
		t.Errorf("Expected stopped state, got %s", status.State())
	}
}

func TestClient_Status_Unreachable(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := client.Status(context.Background(), "pve1", 101)
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("Expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestClient_Start_ReturnsUPID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api2/json/nodes/pve1/qemu/101/status/start" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":"UPID:pve1:0000ABCD:12345:67890:qmstart:101:root@pam:"}`))
	}))

	upid, err := client.Start(context.Background(), "pve1", 101)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if upid != "UPID:pve1:0000ABCD:12345:67890:qmstart:101:root@pam:" {
		t.Errorf("Unexpected UPID: %s", upid)
	}
}

func TestClient_Start_Rejected(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`VM is locked (backup)`))
	}))

	_, err := client.Start(context.Background(), "pve1", 101)
	if !errors.Is(err, domain.ErrUpstreamRejected) {
		t.Fatalf("Expected ErrUpstreamRejected, got %v", err)
	}
}

func TestClient_TaskStatus_Finished(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"status":"stopped","exitstatus":"OK"}}`))
	}))

	result, err := client.TaskStatus(context.Background(), "pve1", "UPID:pve1:1:2:3:qmstart:101:u:")
	if err != nil {
		t.Fatalf("TaskStatus failed: %v", err)
	}

	if result.Status != "stopped" || result.ExitStatus != "OK" {
		t.Errorf("Unexpected result: %+v", result)
	}
}

func TestClient_Destroy_ReturnsUPID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("Expected DELETE, got %s", r.Method)
		}
		w.Write([]byte(`{"data":"UPID:pve1:1:2:3:qmdestroy:101:u:"}`))
	}))

	upid, err := client.Destroy(context.Background(), "pve1", 101)
	if err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if upid == "" {
		t.Error("Expected a task handle")
	}
}

func TestClient_Timeout_IsUnavailable(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte(`{"data":{"status":"running"}}`))
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := client.Status(ctx, "pve1", 101)
	if !IsUnavailable(err) {
		t.Fatalf("Expected unavailable error on timeout, got %v", err)
	}
}
