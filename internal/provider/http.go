package provider

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

	"github.com/aura-webinar/livestream/internal/errs"
)

// DefaultTimeout bounds every provider call when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// HTTPConfig configures the REST provider adapter.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient talks to the provider's JSON REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a provider client. Every request is bounded by cfg.Timeout.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// CreateStream handles POST /streams.
func (c *HTTPClient) CreateStream(ctx context.Context, cfg StreamConfig) (*CreatedStream, error) {
	var out CreatedStream
	if err := c.do(ctx, http.MethodPost, "/streams", cfg, &out); err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	if out.ProviderStreamID == "" {
		return nil, fmt.Errorf("create stream: %w: empty stream id in response", errs.ErrProviderError)
	}
	return &out, nil
}

// EndStream handles DELETE /streams/{id}. Unknown streams count as ended.
func (c *HTTPClient) EndStream(ctx context.Context, providerStreamID string) error {
	err := c.do(ctx, http.MethodDelete, "/streams/"+url.PathEscape(providerStreamID), nil, nil)
	if errors.Is(err, errs.ErrProviderNotFound) {
		c.logger.Debug("provider stream already gone", zap.String("provider_stream_id", providerStreamID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("end stream: %w", err)
	}
	return nil
}

// GetStatus handles GET /streams/{id}.
func (c *HTTPClient) GetStatus(ctx context.Context, providerStreamID string) (*StreamStatus, error) {
	var out StreamStatus
	if err := c.do(ctx, http.MethodGet, "/streams/"+url.PathEscape(providerStreamID), nil, &out); err != nil {
		return nil, fmt.Errorf("get stream status: %w", err)
	}
	return &out, nil
}

// GetStats handles GET /streams/{id}/stats.
func (c *HTTPClient) GetStats(ctx context.Context, providerStreamID string) (*StreamStats, error) {
	var out StreamStats
	if err := c.do(ctx, http.MethodGet, "/streams/"+url.PathEscape(providerStreamID)+"/stats", nil, &out); err != nil {
		return nil, fmt.Errorf("get stream stats: %w", err)
	}
	return &out, nil
}

// StartRecording handles POST /streams/{id}/recordings.
func (c *HTTPClient) StartRecording(ctx context.Context, providerStreamID string) (*RecordingHandle, error) {
	var out RecordingHandle
	if err := c.do(ctx, http.MethodPost, "/streams/"+url.PathEscape(providerStreamID)+"/recordings", struct{}{}, &out); err != nil {
		return nil, fmt.Errorf("start recording: %w", err)
	}
	if out.Handle == "" {
		return nil, fmt.Errorf("start recording: %w: empty recording id in response", errs.ErrProviderError)
	}
	return &out, nil
}

// StopRecording handles POST /recordings/{handle}/stop.
func (c *HTTPClient) StopRecording(ctx context.Context, handle string) error {
	if err := c.do(ctx, http.MethodPost, "/recordings/"+url.PathEscape(handle)+"/stop", struct{}{}, nil); err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}
	return nil
}

// GetRecordingStatus handles GET /recordings/{handle}.
func (c *HTTPClient) GetRecordingStatus(ctx context.Context, handle string) (*RecordingStatus, error) {
	var out RecordingStatus
	if err := c.do(ctx, http.MethodGet, "/recordings/"+url.PathEscape(handle), nil, &out); err != nil {
		return nil, fmt.Errorf("get recording status: %w", err)
	}
	return &out, nil
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", errs.ErrProviderUnavailable, method, path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", errs.ErrProviderUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", errs.ErrProviderError, err)
		}
		return nil
	}

	msg := http.StatusText(resp.StatusCode)
	var apiErr apiError
	if json.Unmarshal(payload, &apiErr) == nil {
		if apiErr.Message != "" {
			msg = apiErr.Message
		} else if apiErr.Error != "" {
			msg = apiErr.Error
		}
	}
	c.logger.Debug("provider request failed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("message", msg),
	)
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s", errs.ErrProviderNotFound, msg)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", errs.ErrProviderRejected, msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", errs.ErrProviderUnavailable, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", errs.ErrProviderError, resp.StatusCode, msg)
	}
}
