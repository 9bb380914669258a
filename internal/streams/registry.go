package streams

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/livestream/internal/errs"
	"github.com/aura-webinar/livestream/internal/models"
)

// casAttempts bounds re-reads when a concurrent writer wins the compare-and-swap.
const casAttempts = 3

// CreateParams describes a new stream record.
type CreateParams struct {
	ID               uuid.UUID // generated when zero
	OwnerID          uuid.UUID
	Title            string
	Description      string
	LowLatency       bool
	ScheduledStart   *time.Time
	ScheduledEnd     *time.Time
	ProviderStreamID string
	Endpoints        models.PlaybackEndpoints
}

// TransitionFields carries the data a transition may set.
type TransitionFields struct {
	At               time.Time // defaults to now
	ProviderStreamID string
	Endpoints        *models.PlaybackEndpoints
	EndReason        string
}

// Registry owns the stream state machine. All writes go through Create and Transition.
type Registry struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// NewRegistry creates a stream registry on store.
func NewRegistry(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// SetClock overrides the time source (tests).
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Create persists a stream as scheduled when p.ScheduledStart is set, or live otherwise.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*models.Stream, error) {
	now := r.now()
	if p.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner id required", errs.ErrValidation)
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("%w: title required", errs.ErrValidation)
	}
	if p.ScheduledEnd != nil && p.ScheduledStart == nil {
		return nil, fmt.Errorf("%w: scheduled_end requires scheduled_start", errs.ErrValidation)
	}
	id := p.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	s := &models.Stream{
		ID:          id,
		OwnerID:     p.OwnerID,
		Title:       strings.TrimSpace(p.Title),
		Description: p.Description,
		LowLatency:  p.LowLatency,
	}
	if p.ScheduledStart != nil {
		if !p.ScheduledStart.After(now) {
			return nil, fmt.Errorf("%w: scheduled_start must be in the future", errs.ErrValidation)
		}
		if p.ScheduledEnd != nil && !p.ScheduledEnd.After(*p.ScheduledStart) {
			return nil, fmt.Errorf("%w: scheduled_end must be after scheduled_start", errs.ErrValidation)
		}
		if p.ProviderStreamID != "" || !p.Endpoints.IsZero() {
			return nil, fmt.Errorf("%w: scheduled streams get endpoints when they go live", errs.ErrValidation)
		}
		s.State = models.StreamStateScheduled
		s.ScheduledStart = utcPtr(*p.ScheduledStart)
		if p.ScheduledEnd != nil {
			s.ScheduledEnd = utcPtr(*p.ScheduledEnd)
		}
	} else {
		s.State = models.StreamStateLive
		s.ActualStart = utcPtr(now)
		s.ProviderStreamID = p.ProviderStreamID
		s.Endpoints = p.Endpoints
	}
	if err := s.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if err := r.store.Insert(ctx, s); err != nil {
		return nil, fmt.Errorf("insert stream: %w", err)
	}
	r.logger.Info("stream created", zap.String("stream_id", s.ID.String()), zap.String("state", string(s.State)))
	return s, nil
}

// Transition moves stream id to target. Illegal transitions return
// errs.ErrIllegalTransition and leave the stored record untouched.
func (r *Registry) Transition(ctx context.Context, id uuid.UUID, target models.StreamState, f TransitionFields) (*models.Stream, error) {
	at := f.At
	if at.IsZero() {
		at = r.now()
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := applyTransition(cur, target, at.UTC(), f)
		if err != nil {
			return nil, err
		}
		ok, err := r.store.CompareAndSwap(ctx, next, cur.State)
		if err != nil {
			return nil, fmt.Errorf("update stream: %w", err)
		}
		if ok {
			r.logger.Info("stream transition",
				zap.String("stream_id", id.String()),
				zap.String("from", string(cur.State)),
				zap.String("to", string(target)),
			)
			return next, nil
		}
		r.logger.Debug("stream changed concurrently, re-reading", zap.String("stream_id", id.String()))
	}
	return nil, fmt.Errorf("%w: stream %s kept changing concurrently", errs.ErrIllegalTransition, id)
}

// applyTransition is the pure part of Transition: it derives the next record
// from the current one or rejects the move.
func applyTransition(cur *models.Stream, target models.StreamState, at time.Time, f TransitionFields) (*models.Stream, error) {
	if !models.CanTransitionStream(cur.State, target) {
		return nil, fmt.Errorf("%w: %s -> %s", errs.ErrIllegalTransition, cur.State, target)
	}
	next := cur.Clone()
	next.State = target
	switch target {
	case models.StreamStateLive:
		next.ActualStart = utcPtr(at)
		if f.ProviderStreamID != "" {
			if cur.ProviderStreamID != "" && cur.ProviderStreamID != f.ProviderStreamID {
				return nil, fmt.Errorf("%w: provider stream id already set", errs.ErrValidation)
			}
			next.ProviderStreamID = f.ProviderStreamID
		}
		if f.Endpoints != nil {
			if !cur.Endpoints.IsZero() && cur.Endpoints != *f.Endpoints {
				return nil, fmt.Errorf("%w: playback endpoints are immutable", errs.ErrValidation)
			}
			next.Endpoints = *f.Endpoints
		}
	case models.StreamStateEnded:
		if next.ActualStart == nil {
			// cancelled before going live: zero-length session
			next.ActualStart = utcPtr(at)
		}
		next.ActualEnd = utcPtr(at)
		next.ConcurrentViewers = 0
		next.EndReason = f.EndReason
		if next.EndReason == "" {
			next.EndReason = models.EndReasonRequested
		}
	}
	if err := next.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIllegalTransition, err)
	}
	return next, nil
}

// Get returns a stream by id.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	return r.store.Get(ctx, id)
}

// GetByProviderID returns the stream the provider knows as providerStreamID.
func (r *Registry) GetByProviderID(ctx context.Context, providerStreamID string) (*models.Stream, error) {
	return r.store.GetByProviderID(ctx, providerStreamID)
}

// ListActive lists scheduled and live streams unless f.States says otherwise.
func (r *Registry) ListActive(ctx context.Context, f Filter) ([]*models.Stream, error) {
	if len(f.States) == 0 {
		f.States = []models.StreamState{models.StreamStateScheduled, models.StreamStateLive}
	}
	for _, st := range f.States {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown state %q", errs.ErrValidation, st)
		}
	}
	return r.store.List(ctx, f)
}

// RecordViewers stores an advisory viewer snapshot. It is not a state change.
func (r *Registry) RecordViewers(ctx context.Context, id uuid.UUID, viewers int) error {
	if viewers < 0 {
		viewers = 0
	}
	return r.store.UpdateViewers(ctx, id, viewers)
}

func utcPtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
