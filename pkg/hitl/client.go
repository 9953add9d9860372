// Package hitl is the caller-side library for the human-in-the-loop broker.
// Tool code submits a request and blocks until an operator answers, the
// configured timeout elapses, or the broker becomes unreachable.
package hitl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/oversight-hq/oversight/internal/config"
	"github.com/oversight-hq/oversight/internal/domain"
)

// Sentinel errors surfaced to callers.
var (
	// ErrTimeout means no operator answered within the configured timeout.
	ErrTimeout = errors.New("hitl: timed out waiting for operator response")

	// ErrCancelled means the request was cancelled before an answer arrived.
	ErrCancelled = errors.New("hitl: request cancelled")

	// ErrConnection means the broker stayed unreachable across retries.
	ErrConnection = errors.New("hitl: broker unreachable")
)

// maxLongPoll bounds a single long-poll leg of the wait loop.
const maxLongPoll = 30 * time.Second

// connectRetries is how many transport failures in a row the wait loop
// tolerates before surfacing ErrConnection.
const connectRetries = 3

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a broker.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the default wait timeout for requests that don't carry
// their own.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.defaultTimeout = timeout
	}
}

// WithEnabled overrides the HITL_ENABLED setting. A disabled client never
// contacts the broker and resolves every request with its fallback value.
func WithEnabled(enabled bool) Option {
	return func(c *Client) {
		c.enabled = enabled
	}
}

// WithPollInterval sets the sleep between response polls when a long-poll
// leg returns while the request is still pending.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = interval
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client talks to the broker over its HTTP wire contract. It holds no
// request state of its own; the broker's registry owns request lifetime.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	enabled        bool
	defaultTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger
}

// New builds a client. Defaults come from the HITL_ environment (enabled
// flag, server URL, timeout); options override them.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:        "http://localhost:8765",
		httpClient:     http.DefaultClient,
		enabled:        true,
		defaultTimeout: 300 * time.Second,
		pollInterval:   500 * time.Millisecond,
		logger:         slog.Default(),
	}
	if cfg, err := config.Load(); err == nil {
		c.baseURL = strings.TrimSuffix(cfg.ServerURL, "/")
		c.enabled = cfg.Enabled
		c.defaultTimeout = cfg.Timeout()
		c.pollInterval = cfg.PollInterval()
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request submits a request of the given kind and blocks until it resolves.
// The returned value is a bool for confirmation requests and a string for
// every other kind. With HITL disabled it short-circuits without any network
// traffic: true for confirmation, the zero value otherwise.
func (c *Client) Request(ctx context.Context, kind domain.Kind, toolName, prompt string, payload domain.Payload, timeout time.Duration) (any, error) {
	if !c.enabled {
		if kind == domain.KindConfirmation {
			return true, nil
		}
		return nil, nil
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	id, err := c.submit(ctx, kind, toolName, prompt, payload, timeout)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	value, err := c.await(waitCtx, kind, id)
	if err == nil {
		return value, nil
	}

	// Classify why the wait ended and tell the broker, best-effort, so the
	// request doesn't linger pending until its server-side TTL.
	switch {
	case ctx.Err() != nil:
		c.notify(id, "cancel")
		return nil, ctx.Err()
	case errors.Is(err, ErrTimeout) || errors.Is(waitCtx.Err(), context.DeadlineExceeded):
		c.notify(id, "timeout")
		return nil, ErrTimeout
	default:
		return nil, err
	}
}

// submit posts the request, retrying transient transport failures a bounded
// number of times.
func (c *Client) submit(ctx context.Context, kind domain.Kind, toolName, prompt string, payload domain.Payload, timeout time.Duration) (string, error) {
	body := map[string]any{
		"kind":      kind,
		"tool_name": toolName,
		"prompt":    prompt,
	}
	if len(payload.Choices) > 0 {
		body["choices"] = payload.Choices
	}
	if payload.OldContent != "" {
		body["old_content"] = payload.OldContent
	}
	if payload.NewContent != "" {
		body["new_content"] = payload.NewContent
	}
	if secs := int(math.Ceil(timeout.Seconds())); secs > 0 {
		body["timeout_seconds"] = secs
	}

	var lastErr error
	for attempt := 0; attempt < connectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		var out struct {
			ID string `json:"id"`
		}
		err := c.do(ctx, http.MethodPost, "/request", body, &out)
		if err == nil {
			return out.ID, nil
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			// The broker answered; this is a rejection, not an outage.
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w: %v", ErrConnection, lastErr)
}

// await polls GET /response/{id} (long-poll legs) until the request reaches
// a terminal state or waitCtx expires.
func (c *Client) await(waitCtx context.Context, kind domain.Kind, id string) (any, error) {
	failures := 0
	for {
		wait := maxLongPoll
		if deadline, ok := waitCtx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		if wait <= 0 {
			return nil, ErrTimeout
		}
		secs := int(math.Ceil(wait.Seconds()))

		var out struct {
			Status domain.Status `json:"status"`
			Value  any           `json:"value"`
		}
		err := c.do(waitCtx, http.MethodGet, fmt.Sprintf("/response/%s?wait=%d", id, secs), nil, &out)
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, ErrTimeout
			}
			var apiErr *apiError
			if errors.As(err, &apiErr) {
				return nil, err
			}
			failures++
			if failures >= connectRetries {
				return nil, fmt.Errorf("%w: %v", ErrConnection, err)
			}
			continue
		}
		failures = 0

		switch out.Status {
		case domain.StatusAnswered:
			return domain.ValidateValue(kind, out.Value)
		case domain.StatusTimedOut:
			return nil, ErrTimeout
		case domain.StatusCancelled:
			return nil, ErrCancelled
		}

		// Still pending; breathe before the next leg.
		select {
		case <-time.After(c.pollInterval):
		case <-waitCtx.Done():
			return nil, ErrTimeout
		}
	}
}

// notify fires a best-effort POST /requests/{id}/{action} on its own
// short-lived context; the registry resolves any race with a live answer.
func (c *Client) notify(id, action string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/requests/%s/%s", id, action), struct{}{}, nil); err != nil {
			c.logger.Debug("hitl close notification failed",
				slog.String("id", id),
				slog.String("action", action),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// apiError is a non-2xx reply from the broker.
type apiError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("hitl: broker returned %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(raw, &envelope)
		return &apiError{
			StatusCode: resp.StatusCode,
			Type:       envelope.Error.Type,
			Message:    envelope.Error.Message,
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
