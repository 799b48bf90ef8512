package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

var (
	ErrRateLimited    = errors.New("assistant gateway rate limited")
	ErrQuotaExhausted = errors.New("assistant gateway credits exhausted")
)

// User-facing notices for gateway failures.
const (
	NoticeRateLimited    = "Rate limit exceeded. Please try again shortly."
	NoticeQuotaExhausted = "AI credits exhausted. Please add credits in Settings."
	NoticeServiceError   = "AI service error"
)

const defaultModel = "google/gemini-3-flash-preview"

// GatewayError is a non-2xx response other than rate limiting or quota.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("assistant gateway returned %d", e.StatusCode)
}

// GatewayConfig configures the chat completion gateway.
type GatewayConfig struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Gateway is an OpenAI-compatible streaming chat completion client.
type Gateway struct {
	url    string
	apiKey string
	model  string
	http   *http.Client
	logger *slog.Logger
}

type wireMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// NewGateway creates a gateway client. Timeout bounds connecting and waiting
// for response headers; the streamed body is bounded only by the context.
func NewGateway(cfg GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	timeout := 60 * time.Second
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Gateway{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		model:  model,
		http:   &http.Client{Transport: transport},
		logger: logger,
	}
}

// Stream sends the system prompt and history and returns the event stream
// body. The caller must close it.
func (g *Gateway) Stream(ctx context.Context, systemPrompt string, history []Message) (io.ReadCloser, error) {
	msgs := make([]wireMessage, 0, len(history)+1)
	msgs = append(msgs, wireMessage{Role: RoleSystem, Content: systemPrompt})
	for _, m := range history {
		msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(completionRequest{Model: g.model, Messages: msgs, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("encoding completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp.Body, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case http.StatusPaymentRequired:
		return nil, ErrQuotaExhausted
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	g.logger.Error("assistant gateway error", "status", resp.StatusCode, "body", string(raw))
	return nil, &GatewayError{StatusCode: resp.StatusCode, Body: string(raw)}
}

// Notice maps a gateway failure to the message shown in the conversation.
func Notice(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrStreamAborted):
		return ""
	case errors.Is(err, ErrRateLimited):
		return NoticeRateLimited
	case errors.Is(err, ErrQuotaExhausted):
		return NoticeQuotaExhausted
	default:
		return NoticeServiceError
	}
}
