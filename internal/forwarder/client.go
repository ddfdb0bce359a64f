// internal/forwarder/client.go
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"hubstream/internal/config"
	"hubstream/internal/metrics"
	"hubstream/internal/model"
)

// StatusError is a non-2xx downstream response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("downstream returned http %d", e.StatusCode)
	}
	return fmt.Sprintf("downstream returned http %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether repeating the request could succeed
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// IsRejected reports whether err is a non-retryable rejection of the payload
func IsRejected(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && !statusErr.Retryable()
}

// Client delivers events to the downstream processor. Every HTTP attempt
// passes through the breaker.
type Client struct {
	baseURL      string
	http         *http.Client
	breaker      *Breaker
	maxAttempts  int
	retryBackoff time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewClient creates a downstream client. m may be nil.
func NewClient(cfg config.ForwarderConfig, breaker *Breaker, logger *zap.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("forwarder: empty downstream url")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		http:         &http.Client{Timeout: timeout},
		breaker:      breaker,
		maxAttempts:  maxAttempts,
		retryBackoff: cfg.RetryBackoff,
		logger:       logger.With(zap.String("component", "forwarder_client")),
		metrics:      m,
		sleep:        sleepContext,
	}, nil
}

type batchRequest struct {
	BatchID string                  `json:"batch_id"`
	Events  []*model.CanonicalEvent `json:"events"`
}

// Send posts a batch to /events:batch
func (c *Client) Send(ctx context.Context, batch *model.EventBatch) error {
	body, err := json.Marshal(batchRequest{BatchID: batch.ID.String(), Events: batch.Events})
	if err != nil {
		return model.NewPipelineError(model.ErrForward, "encode", err)
	}
	return c.post(ctx, "/events:batch", body)
}

// SendEvent posts a single event to /events
func (c *Client) SendEvent(ctx context.Context, event *model.CanonicalEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return model.NewPipelineError(model.ErrForward, "encode", err)
	}
	return c.post(ctx, "/events", body)
}

// post performs up to maxAttempts attempts; the delay doubles between them
func (c *Client) post(ctx context.Context, path string, body []byte) error {
	var lastErr error
	delay := c.retryBackoff

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 && delay > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return model.NewPipelineError(model.ErrForward, "retry", errors.Join(lastErr, err))
			}
			delay *= 2
		}

		if err := c.breaker.Allow(); err != nil {
			c.observe("circuit_open")
			if lastErr != nil {
				return model.NewPipelineError(model.ErrCircuitOpen, "send", lastErr)
			}
			return model.NewPipelineError(model.ErrCircuitOpen, "send", nil)
		}

		start := time.Now()
		err := c.do(ctx, path, body)
		if c.metrics != nil {
			c.metrics.ForwardLatency.Observe(time.Since(start).Seconds())
		}

		switch {
		case err == nil:
			c.breaker.Success()
			c.observe("success")
			return nil
		case IsRejected(err):
			// The downstream answered; the payload is at fault
			c.breaker.Success()
			c.observe("rejected")
			return model.NewPipelineError(model.ErrForward, "send", err)
		default:
			c.breaker.Failure()
			c.observe("failure")
			lastErr = err
			c.logger.Debug("Forward attempt failed",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}

	return model.NewPipelineError(model.ErrForward, "send", lastErr)
}

func (c *Client) do(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("downstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

func (c *Client) observe(result string) {
	if c.metrics != nil {
		c.metrics.ForwardRequests.WithLabelValues(result).Inc()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
