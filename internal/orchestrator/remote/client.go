// Package remote delegates conversions to an external workflow engine
// over its REST API. Tasks become engine runs; status and queue position
// are derived from run state, and workers report progress back through
// the service's callback endpoint.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zjrosen/docserve/internal/log"
)

const runsPath = "/apis/v2beta1/runs"

// Run states reported by the workflow engine.
const (
	RunStatePending   = "PENDING"
	RunStateRunning   = "RUNNING"
	RunStateSucceeded = "SUCCEEDED"
	RunStateFailed    = "FAILED"
	RunStateCanceled  = "CANCELED"
)

// Run is the engine's view of one submitted job.
type Run struct {
	RunID       string         `json:"run_id"`
	DisplayName string         `json:"display_name"`
	State       string         `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Error       *RunError      `json:"error,omitempty"`
	Parameters  map[string]any `json:"-"`
}

// RunError carries the failure detail of a run.
type RunError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// listRunsResponse is the paged ListRuns payload.
type listRunsResponse struct {
	Runs          []Run  `json:"runs"`
	TotalSize     int    `json:"total_size"`
	NextPageToken string `json:"next_page_token"`
}

// filter is the JSON predicate filter the engine accepts on ListRuns.
type filter struct {
	Predicates []predicate `json:"predicates"`
}

type predicate struct {
	Operation   string `json:"operation"`
	Key         string `json:"key"`
	StringValue string `json:"string_value"`
}

func equalsFilter(key, value string) string {
	raw, _ := json.Marshal(filter{Predicates: []predicate{{
		Operation:   "EQUALS",
		Key:         key,
		StringValue: value,
	}}})
	return string(raw)
}

// ClientConfig configures the engine client.
type ClientConfig struct {
	Endpoint string
	// Token is used verbatim; TokenPath is read when Token is empty.
	Token     string
	TokenPath string
	// CACertPath, when set, pins the engine's CA.
	CACertPath string
	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration
}

// Client talks to the workflow engine. Transient failures are retried
// with exponential backoff.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// NewClient builds a client from the config, loading the token and CA
// bundle from disk when configured.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("workflow engine endpoint is required")
	}

	token := cfg.Token
	if token == "" && cfg.TokenPath != "" {
		raw, err := os.ReadFile(cfg.TokenPath) // #nosec G304 -- operator-provided path
		if err != nil {
			return nil, fmt.Errorf("read engine token: %w", err)
		}
		token = strings.TrimSpace(string(raw))
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath) // #nosec G304 -- operator-provided path
		if err != nil {
			return nil, fmt.Errorf("read engine CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACertPath)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    token,
		http:     &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

// CreateRun submits a run with the given display name and parameters.
func (c *Client) CreateRun(ctx context.Context, displayName string, parameters map[string]any) (Run, error) {
	body := map[string]any{
		"display_name": displayName,
		"runtime_config": map[string]any{
			"parameters": parameters,
		},
	}
	var run Run
	if err := c.do(ctx, http.MethodPost, runsPath, nil, body, &run); err != nil {
		return Run{}, fmt.Errorf("create run %s: %w", displayName, err)
	}
	log.Info(log.CatRemote, "run created", "run_id", run.RunID, "display_name", displayName)
	return run, nil
}

// GetRun fetches a single run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, runsPath+"/"+url.PathEscape(runID), nil, nil, &run); err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns pages through every run matching the filter, oldest first.
func (c *Client) ListRuns(ctx context.Context, filterJSON string) ([]Run, error) {
	var (
		runs      []Run
		pageToken string
	)
	for {
		query := url.Values{
			"page_size": {"50"},
			"sort_by":   {"created_at asc"},
		}
		if filterJSON != "" {
			query.Set("filter", filterJSON)
		}
		if pageToken != "" {
			query.Set("page_token", pageToken)
		}

		var page listRunsResponse
		if err := c.do(ctx, http.MethodGet, runsPath, query, nil, &page); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, page.Runs...)
		if page.NextPageToken == "" {
			return runs, nil
		}
		pageToken = page.NextPageToken
	}
}

// FindRunsByName lists runs whose display name matches exactly.
func (c *Client) FindRunsByName(ctx context.Context, displayName string) ([]Run, error) {
	return c.ListRuns(ctx, equalsFilter("display_name", displayName))
}

// PendingRuns lists runs still waiting to be scheduled, oldest first.
func (c *Client) PendingRuns(ctx context.Context) ([]Run, error) {
	return c.ListRuns(ctx, equalsFilter("state", RunStatePending))
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	operation := func() error {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("marshal request: %w", err))
			}
			reader = bytes.NewReader(raw)
		}

		u := c.endpoint + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("engine returned %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return backoff.Permanent(fmt.Errorf("engine returned %s: %s", resp.Status, strings.TrimSpace(string(raw))))
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(operation, policy)
}
