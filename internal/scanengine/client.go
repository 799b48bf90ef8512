// Package scanengine is the HTTP client for the remote scan engine function.
package scanengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hugh/escanv/internal/api/validation"
	"github.com/hugh/escanv/internal/findings"
)

// Engine actions, passed as the "action" query parameter.
const (
	ActionStartScan   = "start-scan"
	ActionScanStatus  = "scan-status"
	ActionScanResults = "scan-results"
)

// Upstream status values that end polling.
const (
	StatusSuccess   = "SUCCESS"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusError     = "ERROR"
)

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

// maxErrorMessage bounds the upstream message kept on an APIError.
const maxErrorMessage = 512

// Config configures the engine client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the remote scan engine.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// Status is the engine's answer to a status poll.
type Status struct {
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
}

// Done reports whether the engine considers the scan finished successfully.
func (s Status) Done() bool {
	return s.Status == StatusSuccess || s.Status == StatusCompleted
}

// Failed reports whether the engine gave up on the scan.
func (s Status) Failed() bool {
	return s.Status == StatusFailed || s.Status == StatusError
}

// Results is the engine's result payload.
type Results struct {
	Risks findings.Records `json:"risks"`
	Scan  json.RawMessage  `json:"scan,omitempty"`
}

// APIError is returned for non-2xx engine responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("scan engine returned %d: %s", e.StatusCode, e.Message)
}

// NewClient creates a new engine client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 2,
	}

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Transport: transport, Timeout: timeout},
		logger:  logger,
	}
}

// StartScan submits target and returns the engine's scan id.
func (c *Client) StartScan(ctx context.Context, target string) (string, error) {
	body, err := json.Marshal(map[string]string{"target": target})
	if err != nil {
		return "", fmt.Errorf("encoding start request: %w", err)
	}

	var out struct {
		ScanID string `json:"scan_id"`
	}
	if err := c.do(ctx, http.MethodPost, ActionStartScan, "", body, "Failed to start scan", &out); err != nil {
		return "", err
	}
	if out.ScanID == "" {
		return "", &APIError{StatusCode: http.StatusOK, Message: "Failed to start scan"}
	}

	c.logger.Debug("scan submitted", "target", target, "scan_id", out.ScanID)
	return out.ScanID, nil
}

// Status polls the engine for scanID.
func (c *Client) Status(ctx context.Context, scanID string) (Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, ActionScanStatus, scanID, nil, "Failed to check scan status", &out); err != nil {
		return Status{}, err
	}
	return out, nil
}

// Results fetches the finished scan's risks.
func (c *Client) Results(ctx context.Context, scanID string) (Results, error) {
	var out Results
	if err := c.do(ctx, http.MethodGet, ActionScanResults, scanID, nil, "Failed to fetch results", &out); err != nil {
		return Results{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, action, scanID string, body []byte, fallback string, out interface{}) error {
	endpoint, err := c.endpoint(action, scanID)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("building %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body, fallback)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", action, err)
	}
	return nil
}

func (c *Client) endpoint(action, scanID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing scan engine url: %w", err)
	}
	q := u.Query()
	q.Set("action", action)
	if scanID != "" {
		q.Set("scan_id", scanID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// errorMessage pulls {"error": "..."} out of a failed response, falling back
// when the body is missing or not JSON.
func errorMessage(body io.Reader, fallback string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(body, maxErrorBody)).Decode(&payload); err != nil {
		return fallback
	}
	msg := strings.TrimSpace(payload.Error)
	if msg == "" {
		return fallback
	}
	return validation.TruncateString(msg, maxErrorMessage)
}
