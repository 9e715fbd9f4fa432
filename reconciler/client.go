// Package reconciler continuously drives the actual state of every known
// instance toward its declared configuration: drift detection, strategy
// execution with retry/timeout, and a bounded per-instance audit trail,
// triggered both on a fixed polling interval and by observed
// configuration-change events.
package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/instanceforge/controlplane/messages"
)

// APIClient is everything the reconciler needs from the API node. It is an
// interface so tests can substitute an in-process fake instead of a real
// HTTP round trip.
type APIClient interface {
	ListInstances(ctx context.Context) ([]messages.Instance, error)
	GetInstance(ctx context.Context, id string) (messages.Instance, error)
	GetConfiguration(ctx context.Context, id string) (messages.DeclaredConfiguration, error)
	StartInstance(ctx context.Context, id string) (messages.RuntimeInfo, error)
	StopInstance(ctx context.Context, id string) (messages.RuntimeInfo, error)
	GetRecentChanges(ctx context.Context, since time.Time, statusFilter *messages.InstanceStatus) ([]messages.StatusChangeRecord, error)
}

// HTTPAPIClient is the production APIClient, talking to an
// apinode/httpserver.Server over plain HTTP/JSON.
type HTTPAPIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPAPIClient creates a client bound to baseURL (e.g.
// "http://apinode:8080").
func NewHTTPAPIClient(baseURL string) *HTTPAPIClient {
	return &HTTPAPIClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

const requestTimeout = 30 * time.Second

func (c *HTTPAPIClient) ListInstances(ctx context.Context) ([]messages.Instance, error) {
	var instances []messages.Instance
	if err := c.get(ctx, "/instances", &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

func (c *HTTPAPIClient) GetInstance(ctx context.Context, id string) (messages.Instance, error) {
	var instance messages.Instance
	if err := c.get(ctx, "/instances/"+url.PathEscape(id), &instance); err != nil {
		return messages.Instance{}, err
	}
	return instance, nil
}

func (c *HTTPAPIClient) GetConfiguration(ctx context.Context, id string) (messages.DeclaredConfiguration, error) {
	var config messages.DeclaredConfiguration
	if err := c.get(ctx, "/instances/"+url.PathEscape(id)+"/configuration", &config); err != nil {
		return messages.DeclaredConfiguration{}, err
	}
	return config, nil
}

func (c *HTTPAPIClient) StartInstance(ctx context.Context, id string) (messages.RuntimeInfo, error) {
	var info messages.RuntimeInfo
	if err := c.post(ctx, "/instances/"+url.PathEscape(id)+"/start", &info); err != nil {
		return messages.RuntimeInfo{}, err
	}
	return info, nil
}

func (c *HTTPAPIClient) StopInstance(ctx context.Context, id string) (messages.RuntimeInfo, error) {
	var info messages.RuntimeInfo
	if err := c.post(ctx, "/instances/"+url.PathEscape(id)+"/stop", &info); err != nil {
		return messages.RuntimeInfo{}, err
	}
	return info, nil
}

func (c *HTTPAPIClient) GetRecentChanges(ctx context.Context, since time.Time, statusFilter *messages.InstanceStatus) ([]messages.StatusChangeRecord, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", since.Format(time.RFC3339))
	}
	if statusFilter != nil {
		query.Set("statusFilter", string(*statusFilter))
	}
	var records []messages.StatusChangeRecord
	if err := c.get(ctx, "/status-changes?"+query.Encode(), &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *HTTPAPIClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *HTTPAPIClient) post(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *HTTPAPIClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reconciler: api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("reconciler: api returned status %d for %s", resp.StatusCode, req.URL.Path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
