// Package proxmox is a thin client for the Proxmox VE cluster API. It
// translates domain operations into API calls and back; every call is a
// single network round trip with a bounded timeout and no internal retries;
// retry policy belongs to the caller.
package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/labcloud/labcloud/internal/config"
	"github.com/labcloud/labcloud/internal/domain"
)

// Client issues power-control and status-query calls against the cluster.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	logger    *zap.Logger
}

// NewClient creates a new Proxmox API client from configuration.
func NewClient(cfg config.ProxmoxConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	transport := http.DefaultTransport
	if cfg.InsecureTLS {
		// Lab clusters commonly run self-signed certificates.
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Client{
		baseURL:   strings.TrimSuffix(cfg.URL, "/"),
		authToken: fmt.Sprintf("PVEAPIToken=%s=%s", cfg.TokenID, cfg.TokenSecret),
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger.Named("proxmox"),
	}
}

// VMStatus is the live status of a VM as reported by the cluster.
type VMStatus struct {
	// Status is the cluster's power state string, "running" or "stopped".
	Status string `json:"status"`
	// Raw carries the full status object for callers that need more.
	Raw json.RawMessage `json:"-"`
}

// State maps the cluster's status string onto the domain power state.
func (s *VMStatus) State() domain.PowerState {
	switch s.Status {
	case "running":
		return domain.PowerStateRunning
	case "stopped":
		return domain.PowerStateStopped
	default:
		return domain.PowerStateUnknown
	}
}

// TaskResult is the cluster-reported status of a long-running task.
type TaskResult struct {
	// Status is "running" while the task executes and "stopped" once done.
	Status string `json:"status"`
	// ExitStatus is set once stopped; "OK" means success, anything else is
	// the cluster's error message.
	ExitStatus string `json:"exitstatus"`
}

// Status retrieves the current power state of a VM.
func (c *Client) Status(ctx context.Context, node string, vmid int) (*VMStatus, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/status/current", url.PathEscape(node), vmid)

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, &raw); err != nil {
		return nil, err
	}

	status := &VMStatus{Raw: raw}
	if err := json.Unmarshal(raw, status); err != nil {
		return nil, fmt.Errorf("%w: malformed status response: %v", domain.ErrUpstreamUnavailable, err)
	}
	return status, nil
}

// Start powers on a VM and returns the task handle.
func (c *Client) Start(ctx context.Context, node string, vmid int) (string, error) {
	return c.power(ctx, node, vmid, "start")
}

// Shutdown requests a graceful ACPI shutdown and returns the task handle.
func (c *Client) Shutdown(ctx context.Context, node string, vmid int) (string, error) {
	return c.power(ctx, node, vmid, "shutdown")
}

// Stop hard-stops a VM (equivalent to pulling the plug) and returns the task handle.
func (c *Client) Stop(ctx context.Context, node string, vmid int) (string, error) {
	return c.power(ctx, node, vmid, "stop")
}

// Reboot requests a graceful reboot and returns the task handle.
func (c *Client) Reboot(ctx context.Context, node string, vmid int) (string, error) {
	return c.power(ctx, node, vmid, "reboot")
}

// Reset hard-resets a VM and returns the task handle.
func (c *Client) Reset(ctx context.Context, node string, vmid int) (string, error) {
	return c.power(ctx, node, vmid, "reset")
}

func (c *Client) power(ctx context.Context, node string, vmid int, action string) (string, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/status/%s", url.PathEscape(node), vmid, action)

	var upid string
	if err := c.do(ctx, http.MethodPost, path, &upid); err != nil {
		return "", err
	}
	if upid == "" {
		return "", fmt.Errorf("%w: no task handle in %s response", domain.ErrUpstreamRejected, action)
	}

	c.logger.Debug("Dispatched power action",
		zap.String("node", node),
		zap.Int("vmid", vmid),
		zap.String("action", action),
		zap.String("upid", upid),
	)
	return upid, nil
}

// Destroy deletes a VM from the cluster and returns the task handle.
func (c *Client) Destroy(ctx context.Context, node string, vmid int) (string, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d", url.PathEscape(node), vmid)

	var upid string
	if err := c.do(ctx, http.MethodDelete, path, &upid); err != nil {
		return "", err
	}
	if upid == "" {
		return "", fmt.Errorf("%w: no task handle in destroy response", domain.ErrUpstreamRejected)
	}
	return upid, nil
}

// TaskStatus retrieves the status of a task by its UPID.
func (c *Client) TaskStatus(ctx context.Context, node, upid string) (*TaskResult, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/tasks/%s/status", url.PathEscape(node), url.PathEscape(upid))

	var result TaskResult
	if err := c.do(ctx, http.MethodGet, path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// envelope is the Proxmox API response wrapper.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// do performs a single API call and unmarshals the data field into dest.
// Transport failures and timeouts map to ErrUpstreamUnavailable; explicit
// non-2xx answers map to ErrUpstreamRejected with the upstream message.
func (c *Client) do(ctx context.Context, method, path string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Authorization", c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Hypervisor call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", domain.ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := strings.TrimSpace(string(body))
		if detail == "" {
			detail = resp.Status
		}
		c.logger.Warn("Hypervisor rejected call",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("%w: %s", domain.ErrUpstreamRejected, detail)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: malformed response: %v", domain.ErrUpstreamUnavailable, err)
	}
	if dest == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return fmt.Errorf("%w: malformed response data: %v", domain.ErrUpstreamUnavailable, err)
	}
	return nil
}

// IsUnavailable reports whether err is an upstream availability failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, domain.ErrUpstreamUnavailable)
}
