package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/aura-webinar/livestream/internal/errs"
	"github.com/aura-webinar/livestream/internal/metrics"
)

// BreakerConfig tunes the provider circuit breaker.
type BreakerConfig struct {
	Name         string
	MaxRequests  uint32        // requests allowed through while half-open
	Interval     time.Duration // closed-state count reset period
	Timeout      time.Duration // open -> half-open delay
	MinRequests  uint32        // requests needed before the failure ratio is considered
	FailureRatio float64
}

// DefaultBreakerConfig opens after 60% failures over at least 10 requests.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:         "stream-provider",
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  10,
		FailureRatio: 0.6,
	}
}

// BreakerClient wraps a Client with a circuit breaker so a failing provider
// fails fast with errs.ErrProviderUnavailable instead of piling up timeouts.
type BreakerClient struct {
	next    Client
	cb      *gobreaker.CircuitBreaker[any]
	name    string
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewBreakerClient wraps next.
func NewBreakerClient(next Client, cfg BreakerConfig, m *metrics.Metrics, logger *zap.Logger) *BreakerClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = DefaultBreakerConfig().Name
	}
	m.SetBreakerState(cfg.Name, 0)

	b := &BreakerClient{next: next, name: cfg.Name, metrics: m, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= cfg.FailureRatio {
				logger.Warn("provider circuit opening",
					zap.Uint32("failures", counts.TotalFailures),
					zap.Float64("failure_ratio", ratio),
				)
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("provider circuit state change", zap.String("from", from.String()), zap.String("to", to.String()))
			m.SetBreakerState(name, stateValue(to))
		},
		// Answers about missing or malformed resources prove the provider is up.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errs.ErrProviderNotFound) || errors.Is(err, errs.ErrProviderRejected)
		},
	})
	return b
}

// State returns the current breaker state.
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerClient) CreateStream(ctx context.Context, cfg StreamConfig) (*CreatedStream, error) {
	return call(b, "create_stream", func() (*CreatedStream, error) { return b.next.CreateStream(ctx, cfg) })
}

func (b *BreakerClient) EndStream(ctx context.Context, providerStreamID string) error {
	_, err := call(b, "end_stream", func() (struct{}, error) { return struct{}{}, b.next.EndStream(ctx, providerStreamID) })
	return err
}

func (b *BreakerClient) GetStatus(ctx context.Context, providerStreamID string) (*StreamStatus, error) {
	return call(b, "get_status", func() (*StreamStatus, error) { return b.next.GetStatus(ctx, providerStreamID) })
}

func (b *BreakerClient) GetStats(ctx context.Context, providerStreamID string) (*StreamStats, error) {
	return call(b, "get_stats", func() (*StreamStats, error) { return b.next.GetStats(ctx, providerStreamID) })
}

func (b *BreakerClient) StartRecording(ctx context.Context, providerStreamID string) (*RecordingHandle, error) {
	return call(b, "start_recording", func() (*RecordingHandle, error) { return b.next.StartRecording(ctx, providerStreamID) })
}

func (b *BreakerClient) StopRecording(ctx context.Context, handle string) error {
	_, err := call(b, "stop_recording", func() (struct{}, error) { return struct{}{}, b.next.StopRecording(ctx, handle) })
	return err
}

func (b *BreakerClient) GetRecordingStatus(ctx context.Context, handle string) (*RecordingStatus, error) {
	return call(b, "get_recording_status", func() (*RecordingStatus, error) { return b.next.GetRecordingStatus(ctx, handle) })
}

func call[T any](b *BreakerClient, op string, fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(func() (any, error) { return fn() })
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.metrics.ObserveProvider(op, "rejected")
			return zero, fmt.Errorf("%s: %w: circuit %s", op, errs.ErrProviderUnavailable, err)
		}
		b.metrics.ObserveProvider(op, "failure")
		return zero, err
	}
	b.metrics.ObserveProvider(op, "success")
	typed, ok := res.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: %w: unexpected result type %T", op, errs.ErrProviderError, res)
	}
	return typed, nil
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
