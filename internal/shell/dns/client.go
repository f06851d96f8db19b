// Package dns provides a client for the external hostname-management
// collaborator. This is part of the Imperative Shell.
package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Client manages custom hostname records through the DNS collaborator's
// HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds DNS client configuration.
type Config struct {
	BaseURL string // collaborator base URL, e.g. "http://localhost:8053"
	APIKey  string
	Timeout time.Duration
}

// NewClient creates a new DNS client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "dns"),
	}
}

// Enabled reports whether a collaborator endpoint is configured. Hostname
// registration is optional; without an endpoint it is skipped.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// =============================================================================
// Record Types
// =============================================================================

// HostRecord maps a hostname to its routing target.
type HostRecord struct {
	Hostname string `json:"hostname"`
	Target   string `json:"target"`
}

// UpsertResult is the collaborator's answer to an upsert.
type UpsertResult struct {
	Success     bool   `json:"success"`
	ResolvedURL string `json:"resolved_url,omitempty"`
}

// =============================================================================
// Operations
// =============================================================================

// UpsertHostRecord creates or updates the record pointing hostname at
// target and returns the publicly resolvable URL.
func (c *Client) UpsertHostRecord(ctx context.Context, hostname, target string) (*UpsertResult, error) {
	body, err := json.Marshal(HostRecord{Hostname: hostname, Target: target})
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/records/"+url.PathEscape(hostname), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result UpsertResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	c.logger.Info("host record upserted", "hostname", hostname, "target", target)
	return &result, nil
}

// DeleteHostRecord removes the record for hostname. A missing record is
// treated as success.
func (c *Client) DeleteHostRecord(ctx context.Context, hostname string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/records/"+url.PathEscape(hostname), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	c.logger.Info("host record deleted", "hostname", hostname)
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
