// Package gateway wraps the WhatsApp gateway HTTP API, isolating the
// dispatch loop from transport failures.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrNotConnected is returned by CheckConnectivity when the gateway
// session is not in the open state.
var ErrNotConnected = errors.New("gateway session is not connected")

// SendError is a classified send failure. Transient failures
// (infrastructure) are retried and feed the circuit breaker;
// permanent ones (invalid recipient) do neither.
type SendError struct {
	Msg        string
	StatusCode int
	Transient  bool
}

func (e *SendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (HTTP %d)", e.Msg, e.StatusCode)
	}
	return e.Msg
}

// IsTransient reports whether err is a transient gateway failure
func IsTransient(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}

// SendResult is a successful delivery handoff
type SendResult struct {
	MessageID string
}

// Config holds gateway client configuration
type Config struct {
	BaseURL      string
	Instance     string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int           // internal retries for transient failures
	RetryBackoff time.Duration // fixed backoff between retries
}

// Client is a WhatsApp gateway API client
type Client struct {
	baseURL      string
	instance     string
	apiKey       string
	httpClient   *http.Client
	maxRetries   int
	retryBackoff time.Duration
	logger       *slog.Logger
}

// NewClient creates a new gateway client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		instance:     cfg.Instance,
		apiKey:       cfg.APIKey,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		logger:       logger.With("component", "gateway"),
	}
}

type connectionStateResponse struct {
	Instance struct {
		State string `json:"state"`
	} `json:"instance"`
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendTextResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// CheckConnectivity probes the gateway session state before a batch.
// A failure here is retryable: the caller records the reason but must
// not terminally fail the campaign.
func (c *Client) CheckConnectivity(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/instance/connectionState/"+c.instance, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway status probe returned HTTP %d", resp.StatusCode)
	}

	var state connectionStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		// HTML error pages from a broken tunnel land here
		return fmt.Errorf("gateway returned a non-JSON status response: %w", err)
	}

	if state.Instance.State != "open" {
		return fmt.Errorf("%w: state %q", ErrNotConnected, state.Instance.State)
	}
	return nil
}

// SendText delivers one message, retrying transient failures a
// bounded number of times with a fixed, cancellable backoff.
// Permanent failures return immediately.
func (c *Client) SendText(ctx context.Context, phone, text string) (*SendResult, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying send", "phone", phone, "attempt", attempt, "backoff", c.retryBackoff)
			select {
			case <-ctx.Done():
				return nil, &SendError{Msg: "send cancelled: " + ctx.Err().Error(), Transient: true}
			case <-time.After(c.retryBackoff):
			}
		}

		result, err := c.sendOnce(ctx, phone, text)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, err
		}
	}

	return nil, lastErr
}

func (c *Client) sendOnce(ctx context.Context, phone, text string) (*SendResult, error) {
	body, err := json.Marshal(sendTextRequest{Number: phone, Text: text})
	if err != nil {
		return nil, &SendError{Msg: "marshal request: " + err.Error(), Transient: false}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/message/sendText/"+c.instance, bytes.NewReader(body))
	if err != nil {
		return nil, &SendError{Msg: "create request: " + err.Error(), Transient: false}
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &SendError{Msg: "gateway unreachable: " + err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &SendError{Msg: "read response: " + err.Error(), Transient: true}
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &SendError{
			Msg:        "gateway error: " + truncate(string(data), 200),
			StatusCode: resp.StatusCode,
			Transient:  true,
		}
	case resp.StatusCode >= 400:
		// Invalid or unregistered recipient: permanent, never retried
		msg := "recipient rejected"
		var errResp errorResponse
		if jsonErr := json.Unmarshal(data, &errResp); jsonErr == nil {
			if errResp.Message != "" {
				msg = errResp.Message
			} else if errResp.Error != "" {
				msg = errResp.Error
			}
		}
		return nil, &SendError{Msg: msg, StatusCode: resp.StatusCode, Transient: false}
	}

	var sendResp sendTextResponse
	if err := json.Unmarshal(data, &sendResp); err != nil {
		// A 2xx with a non-JSON body means a proxy or tunnel answered
		// instead of the gateway; treat as infrastructure failure.
		return nil, &SendError{Msg: "gateway returned a non-JSON response", Transient: true}
	}

	return &SendResult{MessageID: sendResp.Key.ID}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
