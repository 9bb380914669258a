package recordings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/livestream/internal/errs"
	"github.com/aura-webinar/livestream/internal/metrics"
	"github.com/aura-webinar/livestream/internal/models"
	"github.com/aura-webinar/livestream/internal/provider"
	"github.com/aura-webinar/livestream/internal/realtime"
	"github.com/aura-webinar/livestream/internal/streams"
	"github.com/aura-webinar/livestream/pkg/queue"
)

const (
	// DefaultFreshness is how long a provider status read stays valid.
	DefaultFreshness = 15 * time.Second

	compensationTimeout = 10 * time.Second
)

// StreamRegistry is the slice of the stream registry the coordinator uses.
type StreamRegistry interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Stream, error)
	Transition(ctx context.Context, id uuid.UUID, target models.StreamState, f streams.TransitionFields) (*models.Stream, error)
}

// Archiver queues completed recordings for copying into the archive bucket.
type Archiver interface {
	EnqueueRecordingArchive(ctx context.Context, p queue.RecordingArchivePayload) error
}

// Coordinator owns the recording state machine and keeps it in step with the provider.
type Coordinator struct {
	store     Store
	streams   StreamRegistry
	provider  provider.Client
	locker    streams.Locker
	archiver  Archiver
	events    realtime.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
	freshness time.Duration
}

// NewCoordinator creates a recording coordinator.
func NewCoordinator(store Store, registry StreamRegistry, client provider.Client, locker streams.Locker, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = streams.NewKeyedMutex()
	}
	return &Coordinator{
		store:     store,
		streams:   registry,
		provider:  client,
		locker:    locker,
		events:    realtime.NopPublisher{},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		freshness: DefaultFreshness,
	}
}

// Locker returns the per-stream lock the coordinator serializes on.
func (c *Coordinator) Locker() streams.Locker { return c.locker }

// SetArchiver enables archiving of completed recordings. Optional.
func (c *Coordinator) SetArchiver(a Archiver) { c.archiver = a }

// SetPublisher sets the event sink for recording and archive events.
func (c *Coordinator) SetPublisher(p realtime.Publisher) {
	if p != nil {
		c.events = p
	}
}

// SetMetrics sets the metrics sink. Optional.
func (c *Coordinator) SetMetrics(m *metrics.Metrics) { c.metrics = m }

// SetFreshness sets how old a provider status read may get before GetStatus re-polls.
func (c *Coordinator) SetFreshness(d time.Duration) {
	if d >= 0 {
		c.freshness = d
	}
}

// SetClock overrides the time source (tests).
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Start begins a provider recording of a live stream and stores it as `recording`.
// Nothing is stored when the provider call fails.
func (c *Coordinator) Start(ctx context.Context, streamID, requesterID uuid.UUID) (*models.Recording, error) {
	unlock, err := c.locker.Lock(ctx, streamID.String())
	if err != nil {
		return nil, fmt.Errorf("lock stream %s: %w", streamID, err)
	}
	defer unlock()

	s, err := c.streams.Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if s.State != models.StreamStateLive {
		return nil, fmt.Errorf("%w: stream %s is %s, recording needs a live stream", errs.ErrInvalidState, streamID, s.State)
	}
	active, err := c.store.ActiveByStream(ctx, streamID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: recording %s already active for stream %s", errs.ErrConflict, active.ID, streamID)
	case !errors.Is(err, errs.ErrNotFound):
		return nil, err
	}

	h, err := c.provider.StartRecording(ctx, s.ProviderStreamID)
	if err != nil {
		return nil, fmt.Errorf("start recording: %w", err)
	}
	startedAt := h.StartedAt
	if startedAt.IsZero() {
		startedAt = c.now()
	}
	rec := &models.Recording{
		ID:             uuid.New(),
		StreamID:       streamID,
		OwnerID:        s.OwnerID,
		ProviderHandle: h.Handle,
		Status:         models.RecordingStatusRecording,
		StartedAt:      startedAt.UTC(),
	}
	if err := c.store.Insert(ctx, rec); err != nil {
		return nil, c.compensateStart(ctx, rec, err)
	}

	// Another instance may have ended the stream if the locker is process-local.
	if cur, err := c.streams.Get(ctx, streamID); err == nil && cur.State != models.StreamStateLive {
		c.logger.Warn("stream left live while recording started, stopping it",
			zap.String("stream_id", streamID.String()), zap.String("recording_id", rec.ID.String()))
		if _, err := c.stopActive(ctx, streamID, true); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: stream %s ended while recording started", errs.ErrInvalidState, streamID)
	}

	c.metrics.IncRecordingsStarted()
	c.events.PublishStreamEvent(streamID, realtime.EventRecordingStarted, rec)
	c.logger.Info("recording started",
		zap.String("stream_id", streamID.String()),
		zap.String("recording_id", rec.ID.String()),
		zap.String("requested_by", requesterID.String()),
	)
	return rec, nil
}

// compensateStart stops a provider recording whose local record could not be stored.
func (c *Coordinator) compensateStart(ctx context.Context, rec *models.Recording, cause error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	stopErr := c.provider.StopRecording(cctx, rec.ProviderHandle)
	if stopErr != nil && !errors.Is(stopErr, errs.ErrProviderNotFound) {
		c.metrics.IncPartialFailures()
		c.logger.Error("orphaned provider recording, manual cleanup required",
			zap.Bool("alert", true),
			zap.String("stream_id", rec.StreamID.String()),
			zap.String("provider_handle", rec.ProviderHandle),
			zap.NamedError("cause", cause),
			zap.Error(stopErr),
		)
		return fmt.Errorf("%w: recording %s started but not stored (%v), stop failed: %w",
			errs.ErrPartialFailure, rec.ProviderHandle, cause, stopErr)
	}
	c.logger.Warn("recording not stored, provider recording stopped",
		zap.String("stream_id", rec.StreamID.String()), zap.String("provider_handle", rec.ProviderHandle), zap.Error(cause))
	return fmt.Errorf("store recording: %w", cause)
}

// Stop stops the active recording of a stream and moves it to `processing`.
// A provider "not found" counts as already stopped; any other provider
// failure leaves the record in `recording` for a retry.
func (c *Coordinator) Stop(ctx context.Context, streamID, requesterID uuid.UUID) (*models.Recording, error) {
	unlock, err := c.locker.Lock(ctx, streamID.String())
	if err != nil {
		return nil, fmt.Errorf("lock stream %s: %w", streamID, err)
	}
	defer unlock()

	if _, err := c.streams.Get(ctx, streamID); err != nil {
		return nil, err
	}
	rec, err := c.stopActive(ctx, streamID, false)
	if err != nil {
		return nil, err
	}
	c.logger.Info("recording stopped",
		zap.String("stream_id", streamID.String()),
		zap.String("recording_id", rec.ID.String()),
		zap.String("requested_by", requesterID.String()),
	)
	return rec, nil
}

// StopForStreamEnd stops the active recording, if any, of a stream that is ending.
// With force set the record moves to `processing` even when the provider call
// fails, for callers that know the provider stream is already gone.
// The caller must hold the stream lock. It returns (nil, nil) when nothing was recording.
func (c *Coordinator) StopForStreamEnd(ctx context.Context, streamID uuid.UUID, force bool) (*models.Recording, error) {
	rec, err := c.stopActive(ctx, streamID, force)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (c *Coordinator) stopActive(ctx context.Context, streamID uuid.UUID, force bool) (*models.Recording, error) {
	rec, err := c.store.ActiveByStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	err = c.provider.StopRecording(ctx, rec.ProviderHandle)
	switch {
	case err == nil, errors.Is(err, errs.ErrProviderNotFound):
	case force:
		c.logger.Warn("provider stop failed, marking recording processing anyway",
			zap.String("recording_id", rec.ID.String()), zap.Error(err))
	default:
		return nil, fmt.Errorf("%w: stop recording %s: %w", errs.ErrProviderError, rec.ID, err)
	}
	return c.markProcessing(ctx, rec)
}

func (c *Coordinator) markProcessing(ctx context.Context, rec *models.Recording) (*models.Recording, error) {
	now := c.now()
	next := rec.Clone()
	next.Status = models.RecordingStatusProcessing
	next.StoppedAt = &now
	ok, err := c.store.CompareAndSwap(ctx, next, models.RecordingStatusRecording)
	if err != nil {
		return nil, fmt.Errorf("update recording: %w", err)
	}
	if !ok {
		// already moved on by someone else
		return c.store.Get(ctx, rec.ID)
	}
	c.metrics.IncRecordingsStopped()
	c.events.PublishStreamEvent(rec.StreamID, realtime.EventRecordingProcessing, next)
	return next, nil
}

// Reconcile polls the provider for every processing recording of a stream.
// It is idempotent and safe to call concurrently.
func (c *Coordinator) Reconcile(ctx context.Context, streamID uuid.UUID) error {
	list, err := c.store.ListByStream(ctx, streamID)
	if err != nil {
		return err
	}
	var failed []error
	for _, rec := range list {
		if _, err := c.ReconcileRecording(ctx, rec); err != nil {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

// ReconcileRecording advances one processing recording to the state the provider reports.
func (c *Coordinator) ReconcileRecording(ctx context.Context, rec *models.Recording) (*models.Recording, error) {
	if rec.Status != models.RecordingStatusProcessing {
		return rec, nil
	}
	st, err := c.provider.GetRecordingStatus(ctx, rec.ProviderHandle)
	now := c.now()
	next := rec.Clone()
	next.LastCheckedAt = &now
	switch {
	case errors.Is(err, errs.ErrProviderNotFound):
		next.Status = models.RecordingStatusFailed
		next.FailureReason = "provider has no record of this recording"
	case err != nil:
		return rec, fmt.Errorf("reconcile recording %s: %w", rec.ID, err)
	case st.Status == provider.RecordingStateCompleted:
		next.Status = models.RecordingStatusCompleted
		next.StorageURL = st.StorageURL
		next.FileSize = st.FileSize
		next.DurationSeconds = st.DurationSeconds
	case st.Status == provider.RecordingStateFailed:
		next.Status = models.RecordingStatusFailed
		next.FailureReason = st.Error
		if next.FailureReason == "" {
			next.FailureReason = "provider reported failure"
		}
	default:
		if err := c.store.Touch(ctx, rec.ID, now); err != nil {
			return rec, err
		}
		return next, nil
	}
	next.FinishedAt = &now
	ok, err := c.store.CompareAndSwap(ctx, next, models.RecordingStatusProcessing)
	if err != nil {
		return rec, fmt.Errorf("update recording: %w", err)
	}
	if !ok {
		return c.store.Get(ctx, rec.ID)
	}
	c.finish(ctx, next)
	return next, nil
}

func (c *Coordinator) finish(ctx context.Context, rec *models.Recording) {
	c.metrics.IncRecordingsFinished(string(rec.Status))
	event := realtime.EventRecordingCompleted
	if rec.Status == models.RecordingStatusFailed {
		event = realtime.EventRecordingFailed
	}
	c.events.PublishStreamEvent(rec.StreamID, event, rec)
	c.logger.Info("recording finished",
		zap.String("recording_id", rec.ID.String()),
		zap.String("status", string(rec.Status)),
		zap.String("failure_reason", rec.FailureReason),
	)

	if rec.Status == models.RecordingStatusCompleted && c.archiver != nil && rec.StorageURL != "" {
		err := c.archiver.EnqueueRecordingArchive(ctx, queue.RecordingArchivePayload{
			RecordingID: rec.ID,
			StreamID:    rec.StreamID,
			SourceURL:   rec.StorageURL,
		})
		if err != nil {
			c.logger.Error("enqueue recording archive failed", zap.String("recording_id", rec.ID.String()), zap.Error(err))
		}
	}
	if _, err := c.ArchiveIfSettled(ctx, rec.StreamID); err != nil {
		c.logger.Warn("archive stream failed", zap.String("stream_id", rec.StreamID.String()), zap.Error(err))
	}
}

// ArchiveIfSettled moves an ended stream to archived once it has at least one
// recording and all of them are completed or failed. It reports whether it archived.
func (c *Coordinator) ArchiveIfSettled(ctx context.Context, streamID uuid.UUID) (bool, error) {
	s, err := c.streams.Get(ctx, streamID)
	if err != nil {
		return false, err
	}
	if s.State != models.StreamStateEnded {
		return false, nil
	}
	list, err := c.store.ListByStream(ctx, streamID)
	if err != nil || len(list) == 0 {
		return false, err
	}
	n, err := c.store.CountUnfinished(ctx, streamID)
	if err != nil || n > 0 {
		return false, err
	}
	archived, err := c.streams.Transition(ctx, streamID, models.StreamStateArchived, streams.TransitionFields{})
	if errors.Is(err, errs.ErrIllegalTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.metrics.IncStreamsArchived()
	c.events.PublishStreamEvent(streamID, realtime.EventStreamArchived, archived.Public())
	c.logger.Info("stream archived", zap.String("stream_id", streamID.String()))
	return true, nil
}

// GetStatus returns the latest recording of a stream, or nil when it never recorded.
// Stale processing recordings are reconciled first; a failed poll is logged and
// the last stored state returned.
func (c *Coordinator) GetStatus(ctx context.Context, streamID uuid.UUID) (*models.Recording, error) {
	if _, err := c.streams.Get(ctx, streamID); err != nil {
		return nil, err
	}
	list, err := c.store.ListByStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	now := c.now()
	for i, rec := range list {
		if !rec.Stale(now, c.freshness) {
			continue
		}
		fresh, err := c.ReconcileRecording(ctx, rec)
		if err != nil {
			c.logger.Warn("reconcile on read failed, returning stored status",
				zap.String("recording_id", rec.ID.String()), zap.Error(err))
			continue
		}
		list[i] = fresh
	}
	return list[0], nil
}

// HandleProviderUpdate reacts to a provider callback about a recording.
// A non-recording status for a `recording` row means the provider stopped it.
func (c *Coordinator) HandleProviderUpdate(ctx context.Context, handle, status string) (*models.Recording, error) {
	rec, err := c.store.GetByHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	if rec.Status == models.RecordingStatusRecording && status != provider.RecordingStateRecording {
		unlock, err := c.locker.Lock(ctx, rec.StreamID.String())
		if err != nil {
			return nil, fmt.Errorf("lock stream %s: %w", rec.StreamID, err)
		}
		rec, err = c.markProcessing(ctx, rec)
		unlock()
		if err != nil {
			return nil, err
		}
	}
	return c.ReconcileRecording(ctx, rec)
}

// Get returns a recording by id.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	return c.store.Get(ctx, id)
}

// ListByStream returns all recordings of a stream, newest first.
func (c *Coordinator) ListByStream(ctx context.Context, streamID uuid.UUID) ([]*models.Recording, error) {
	return c.store.ListByStream(ctx, streamID)
}

// ListByOwner returns all recordings owned by a user, newest first.
func (c *Coordinator) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Recording, error) {
	return c.store.ListByOwner(ctx, ownerID)
}

// ListStale returns processing recordings not polled within the freshness window.
func (c *Coordinator) ListStale(ctx context.Context, limit int) ([]*models.Recording, error) {
	return c.store.ListStale(ctx, c.now().Add(-c.freshness), limit)
}

// SetArchiveKey records where the archived copy of a recording lives.
func (c *Coordinator) SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error {
	return c.store.SetArchiveKey(ctx, id, key)
}
