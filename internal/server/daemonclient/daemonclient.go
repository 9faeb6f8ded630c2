// Package daemonclient is the control plane's client for the daemon
// provisioning API.
package daemonclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/armadahost/armada/internal/api"
	"github.com/armadahost/armada/internal/errkind"
	"github.com/armadahost/armada/internal/rpc"
)

// Client talks to a single daemon. Timeouts are generous because a provision
// call may include a first-time image pull.
type Client struct {
	http    *http.Client
	baseURL string
}

// Factory builds per-node clients sharing one transport configuration.
type Factory struct {
	cert    tls.Certificate
	roots   *x509.CertPool
	apiKey  string
	timeout time.Duration
}

// NewFactory configures daemon clients with the controller's client cert and
// the CA root pool. If apiKey is set it is used instead of the client cert.
func NewFactory(cert tls.Certificate, roots *x509.CertPool, apiKey string, timeout time.Duration) *Factory {
	if timeout == 0 {
		timeout = time.Second * 90
	}
	return &Factory{cert: cert, roots: roots, apiKey: apiKey, timeout: timeout}
}

// ForNode returns a client for the daemon at baseURL.
func (f *Factory) ForNode(baseURL string) *Client {
	var hc *http.Client
	if f.apiKey != "" {
		hc = rpc.NewAPIKeyClient(f.apiKey, f.roots, f.timeout)
	} else {
		hc = rpc.NewMutualClient(f.cert, f.roots, f.timeout)
	}
	return &Client{http: hc, baseURL: baseURL}
}

func (c *Client) Provision(ctx context.Context, req *api.ProvisionRequest) (*api.ProvisionResponse, error) {
	out := &api.ProvisionResponse{}
	return out, c.call(ctx, "POST", "/provision", req, out)
}

func (c *Client) Start(ctx context.Context, workloadID uint) error {
	return c.call(ctx, "POST", fmt.Sprintf("/start/%d", workloadID), nil, nil)
}

func (c *Client) Stop(ctx context.Context, workloadID uint) error {
	return c.call(ctx, "POST", fmt.Sprintf("/stop/%d", workloadID), nil, nil)
}

func (c *Client) Restart(ctx context.Context, workloadID uint) error {
	return c.call(ctx, "POST", fmt.Sprintf("/restart/%d", workloadID), nil, nil)
}

func (c *Client) Delete(ctx context.Context, workloadID uint) error {
	return c.call(ctx, "DELETE", fmt.Sprintf("/delete/%d", workloadID), nil, nil)
}

// DeleteByName removes a container the control plane has no workload record
// for (stray cleanup).
func (c *Client) DeleteByName(ctx context.Context, name string) error {
	return c.call(ctx, "DELETE", "/delete/name/"+name, nil, nil)
}

func (c *Client) Inventory(ctx context.Context) ([]api.InventoryItem, error) {
	out := &api.InventoryResponse{}
	if err := c.call(ctx, "GET", "/inventory", nil, out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, "GET", "/health", nil, nil)
}

// call performs one request. Daemon-reported errors come back tagged with
// their error kind so the orchestrator can classify without string matching.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling daemon %s%s: %w", c.baseURL, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &api.Error{}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, apiErr) == nil && apiErr.Code != "" {
			return errkind.New(errkind.Kind(apiErr.Code), fmt.Errorf("daemon: %s", apiErr.Error))
		}
		return fmt.Errorf("daemon returned status %d: %s", resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding daemon response: %w", err)
		}
	}
	return nil
}
