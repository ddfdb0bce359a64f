// internal/repository/line_protocol_repository.go
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"hubstream/internal/config"
	"hubstream/internal/model"
)

// WriteError is a non-2xx response of the write endpoint
type WriteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write endpoint returned http %d: %s %s", e.StatusCode, e.Code, e.Message)
}

// IsTypeConflict reports whether the store refused the write for a field type conflict
func (e *WriteError) IsTypeConflict() bool {
	return strings.Contains(strings.ToLower(e.Message), "field type conflict")
}

// lineProtocolRepository writes points to an Influx style /api/v2/write endpoint
type lineProtocolRepository struct {
	writeURL string
	token    string
	http     *http.Client
	logger   *zap.Logger
}

// NewLineProtocolRepository creates a line protocol HTTP repository
func NewLineProtocolRepository(cfg config.LineProtocolConfig, logger *zap.Logger) (PointRepository, error) {
	if cfg.URL == "" {
		return nil, errors.New("line protocol: empty url")
	}

	query := url.Values{}
	query.Set("precision", "ns")
	if cfg.Org != "" {
		query.Set("org", cfg.Org)
	}
	if cfg.Bucket != "" {
		query.Set("bucket", cfg.Bucket)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &lineProtocolRepository{
		writeURL: strings.TrimRight(cfg.URL, "/") + "/api/v2/write?" + query.Encode(),
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With(zap.String("component", "line_protocol_repository")),
	}, nil
}

// WritePoints writes the batch in one request. When the store refuses it for a
// type conflict the points are retried one by one so only the conflicting
// ones are rejected; rewriting an accepted point is idempotent.
func (r *lineProtocolRepository) WritePoints(ctx context.Context, points []*model.NormalizedPoint) (*WriteResult, error) {
	result := &WriteResult{}
	writable := make([]*model.NormalizedPoint, 0, len(points))
	for _, p := range points {
		if err := checkRepresentable(p); err != nil {
			result.reject(p, err)
			continue
		}
		writable = append(writable, p)
	}
	if len(writable) == 0 {
		return result, nil
	}

	body, err := EncodeLines(writable)
	if err != nil {
		return nil, fmt.Errorf("failed to encode points: %w", err)
	}

	err = r.write(ctx, body)
	if err == nil {
		result.Written = len(writable)
		return result, nil
	}

	var writeErr *WriteError
	if !errors.As(err, &writeErr) || !writeErr.IsTypeConflict() {
		return nil, err
	}

	r.logger.Warn("Batch refused for a field type conflict, writing points individually",
		zap.Int("points", len(writable)),
		zap.String("message", writeErr.Message),
	)

	for _, p := range writable {
		line, _ := EncodeLine(p)
		err := r.write(ctx, []byte(line+"\n"))
		switch {
		case err == nil:
			result.Written++
		case errors.As(err, &writeErr) && writeErr.IsTypeConflict():
			result.reject(p, model.NewPipelineError(model.ErrTypeConflict, "write", err))
		default:
			return nil, err
		}
	}
	return result, nil
}

// FieldTypes is not known up front for this backend; the store enforces types itself
func (r *lineProtocolRepository) FieldTypes(context.Context, string) (map[string]model.FieldType, error) {
	return map[string]model.FieldType{}, nil
}

// HealthCheck queries the /health endpoint next to the write endpoint
func (r *lineProtocolRepository) HealthCheck(ctx context.Context) error {
	base, _, _ := strings.Cut(r.writeURL, "/api/v2/write")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("store health returned http %d", resp.StatusCode)
	}
	return nil
}

func (r *lineProtocolRepository) Close() error {
	r.http.CloseIdleConnections()
	return nil
}

func (r *lineProtocolRepository) write(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.writeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if r.token != "" {
		req.Header.Set("Authorization", "Token "+r.token)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("write request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	writeErr := &WriteError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Message != "" {
		writeErr.Code = payload.Code
		writeErr.Message = payload.Message
	}
	return writeErr
}
