// Package livestream orchestrates the provider, the stream registry and the
// recording coordinator into the operations the API exposes.
package livestream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/livestream/internal/authz"
	"github.com/aura-webinar/livestream/internal/errs"
	"github.com/aura-webinar/livestream/internal/metrics"
	"github.com/aura-webinar/livestream/internal/models"
	"github.com/aura-webinar/livestream/internal/provider"
	"github.com/aura-webinar/livestream/internal/realtime"
	"github.com/aura-webinar/livestream/internal/recordings"
	"github.com/aura-webinar/livestream/internal/streams"
)

const (
	compensationTimeout = 10 * time.Second
	maxTitleLen         = 200
)

// StreamConfig is the caller's description of a stream.
type StreamConfig struct {
	Title       string
	Description string
	LowLatency  bool
}

// StreamStatus is the registry record merged with the provider's live view.
type StreamStatus struct {
	Stream      *models.Stream `json:"stream"`
	IsLive      bool           `json:"is_live"`
	ViewerCount int            `json:"viewer_count"`
	// Healed is set when the provider no longer knew the stream and it was ended here.
	Healed bool `json:"healed,omitempty"`
}

// StreamStats are viewer and encoder statistics of a stream.
type StreamStats struct {
	StreamID        uuid.UUID          `json:"stream_id"`
	State           models.StreamState `json:"state"`
	ViewerCount     int                `json:"viewer_count"`
	PeakViewers     int                `json:"peak_viewers"`
	BitrateKbps     int                `json:"bitrate_kbps,omitempty"`
	FrameRate       float64            `json:"frame_rate,omitempty"`
	Resolution      string             `json:"resolution,omitempty"`
	DurationSeconds int64              `json:"duration_seconds"`
	Source          string             `json:"source"` // provider or snapshot
}

// Service is the stream lifecycle orchestrator.
type Service struct {
	registry *streams.Registry
	coord    *recordings.Coordinator
	provider provider.Client
	authz    authz.Authorizer
	locker   streams.Locker
	events   realtime.Publisher
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewService wires the lifecycle service. locker must be the one the
// coordinator uses; nil takes the coordinator's.
func NewService(registry *streams.Registry, coord *recordings.Coordinator, client provider.Client, az authz.Authorizer, locker streams.Locker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if az == nil {
		az = authz.NewRoleAuthorizer()
	}
	if locker == nil {
		locker = coord.Locker()
	}
	return &Service{
		registry: registry,
		coord:    coord,
		provider: client,
		authz:    az,
		locker:   locker,
		events:   realtime.NopPublisher{},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher sets the event sink for stream events.
func (s *Service) SetPublisher(p realtime.Publisher) {
	if p != nil {
		s.events = p
	}
}

// SetMetrics sets the metrics sink. Optional.
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// StartLiveStream creates a provider stream and records it as live. If the
// record cannot be stored the provider stream is ended again; when that also
// fails the result is errs.ErrPartialFailure.
func (s *Service) StartLiveStream(ctx context.Context, ownerID uuid.UUID, cfg StreamConfig) (*models.Stream, error) {
	if err := validateConfig(ownerID, cfg); err != nil {
		return nil, err
	}
	id := uuid.New()
	created, err := s.provider.CreateStream(ctx, provider.StreamConfig{
		ExternalID:  id.String(),
		Title:       cfg.Title,
		Description: cfg.Description,
		LowLatency:  cfg.LowLatency,
	})
	if err != nil {
		return nil, fmt.Errorf("create provider stream: %w", err)
	}
	stream, err := s.registry.Create(ctx, streams.CreateParams{
		ID:               id,
		OwnerID:          ownerID,
		Title:            cfg.Title,
		Description:      cfg.Description,
		LowLatency:       cfg.LowLatency,
		ProviderStreamID: created.ProviderStreamID,
		Endpoints:        endpointsOf(created),
	})
	if err != nil {
		return nil, s.compensateCreate(ctx, id, created.ProviderStreamID, err)
	}
	s.metrics.IncStreamsStarted()
	s.events.PublishStreamEvent(stream.ID, realtime.EventStreamLive, stream.Public())
	s.logger.Info("stream started",
		zap.String("stream_id", stream.ID.String()),
		zap.String("owner_id", ownerID.String()),
		zap.String("provider_stream_id", created.ProviderStreamID),
	)
	return stream, nil
}

// compensateCreate ends a provider stream whose local record could not be written.
func (s *Service) compensateCreate(ctx context.Context, streamID uuid.UUID, providerStreamID string, cause error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if err := s.provider.EndStream(cctx, providerStreamID); err != nil {
		s.metrics.IncPartialFailures()
		s.logger.Error("orphaned provider stream, manual cleanup required",
			zap.Bool("alert", true),
			zap.String("stream_id", streamID.String()),
			zap.String("provider_stream_id", providerStreamID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return fmt.Errorf("%w: provider stream %s created but not stored (%v), end failed: %w",
			errs.ErrPartialFailure, providerStreamID, cause, err)
	}
	s.logger.Warn("stream record not stored, provider stream ended",
		zap.String("stream_id", streamID.String()),
		zap.String("provider_stream_id", providerStreamID),
		zap.Error(cause),
	)
	return fmt.Errorf("store stream: %w", cause)
}

// ScheduleLiveStream stores a scheduled stream. The provider stream is created by GoLive.
func (s *Service) ScheduleLiveStream(ctx context.Context, ownerID uuid.UUID, cfg StreamConfig, start time.Time, end *time.Time) (*models.Stream, error) {
	if err := validateConfig(ownerID, cfg); err != nil {
		return nil, err
	}
	if start.IsZero() {
		return nil, fmt.Errorf("%w: scheduled_start required", errs.ErrValidation)
	}
	stream, err := s.registry.Create(ctx, streams.CreateParams{
		OwnerID:        ownerID,
		Title:          cfg.Title,
		Description:    cfg.Description,
		LowLatency:     cfg.LowLatency,
		ScheduledStart: &start,
		ScheduledEnd:   end,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncStreamsScheduled()
	s.events.PublishStreamEvent(stream.ID, realtime.EventStreamScheduled, stream.Public())
	s.logger.Info("stream scheduled", zap.String("stream_id", stream.ID.String()), zap.Time("scheduled_start", start))
	return stream, nil
}

// GoLive starts the provider stream of a scheduled stream. Calling it on a
// stream that is already live returns it unchanged.
func (s *Service) GoLive(ctx context.Context, streamID uuid.UUID, req authz.Requester) (*models.Stream, error) {
	unlock, err := s.locker.Lock(ctx, streamID.String())
	if err != nil {
		return nil, fmt.Errorf("lock stream %s: %w", streamID, err)
	}
	defer unlock()

	cur, err := s.registry.Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.CanManage(req, cur.OwnerID); err != nil {
		return nil, err
	}
	switch cur.State {
	case models.StreamStateLive:
		return cur, nil
	case models.StreamStateScheduled:
	default:
		return nil, fmt.Errorf("%w: stream %s is %s", errs.ErrIllegalTransition, streamID, cur.State)
	}

	created, err := s.provider.CreateStream(ctx, provider.StreamConfig{
		ExternalID:  cur.ID.String(),
		Title:       cur.Title,
		Description: cur.Description,
		LowLatency:  cur.LowLatency,
	})
	if err != nil {
		return nil, fmt.Errorf("create provider stream: %w", err)
	}
	endpoints := endpointsOf(created)
	live, err := s.registry.Transition(ctx, streamID, models.StreamStateLive, streams.TransitionFields{
		ProviderStreamID: created.ProviderStreamID,
		Endpoints:        &endpoints,
	})
	if err != nil {
		return nil, s.compensateCreate(ctx, streamID, created.ProviderStreamID, err)
	}
	s.metrics.IncStreamsStarted()
	s.events.PublishStreamEvent(streamID, realtime.EventStreamLive, live.Public())
	s.logger.Info("scheduled stream went live", zap.String("stream_id", streamID.String()))
	return live, nil
}

// EndLiveStream ends a stream for its owner or a privileged user. An active
// recording is stopped before the stream leaves live. Ending an ended or
// archived stream is a no-op that returns the current record; ending a
// scheduled stream cancels it without touching the provider.
func (s *Service) EndLiveStream(ctx context.Context, streamID uuid.UUID, req authz.Requester) (*models.Stream, error) {
	unlock, err := s.locker.Lock(ctx, streamID.String())
	if err != nil {
		return nil, fmt.Errorf("lock stream %s: %w", streamID, err)
	}
	defer unlock()

	cur, err := s.registry.Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.CanManage(req, cur.OwnerID); err != nil {
		return nil, err
	}
	return s.endLocked(ctx, cur, models.EndReasonRequested, false)
}

// HandleProviderEnded applies a provider "stream ended" notification. It is
// idempotent with EndLiveStream: whichever commits first wins, the other is a no-op.
func (s *Service) HandleProviderEnded(ctx context.Context, providerStreamID string) (*models.Stream, error) {
	found, err := s.registry.GetByProviderID(ctx, providerStreamID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, found.ID.String())
	if err != nil {
		return nil, fmt.Errorf("lock stream %s: %w", found.ID, err)
	}
	defer unlock()

	cur, err := s.registry.Get(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	return s.endLocked(ctx, cur, models.EndReasonProviderEnded, true)
}

// endLocked runs the end sequence. providerGone marks paths where the provider
// stream no longer exists: no EndStream call and a forced recording stop.
func (s *Service) endLocked(ctx context.Context, cur *models.Stream, reason string, providerGone bool) (*models.Stream, error) {
	switch cur.State {
	case models.StreamStateEnded, models.StreamStateArchived:
		return cur, nil
	case models.StreamStateScheduled:
		ended, err := s.registry.Transition(ctx, cur.ID, models.StreamStateEnded, streams.TransitionFields{EndReason: models.EndReasonCancelled})
		if err != nil {
			return s.afterLostRace(ctx, cur.ID, err)
		}
		s.committedEnd(ended)
		return ended, nil
	}

	if _, err := s.coord.StopForStreamEnd(ctx, cur.ID, providerGone); err != nil {
		return nil, fmt.Errorf("stop recording before end: %w", err)
	}
	if !providerGone && cur.ProviderStreamID != "" {
		if err := s.provider.EndStream(ctx, cur.ProviderStreamID); err != nil {
			return nil, fmt.Errorf("end provider stream: %w", err)
		}
	}
	ended, err := s.registry.Transition(ctx, cur.ID, models.StreamStateEnded, streams.TransitionFields{EndReason: reason})
	if err != nil {
		return s.afterLostRace(ctx, cur.ID, err)
	}
	// a recording started through another instance between the stop and the transition
	if rec, err := s.coord.StopForStreamEnd(ctx, cur.ID, true); err != nil {
		s.logger.Error("post-end recording sweep failed", zap.String("stream_id", cur.ID.String()), zap.Error(err))
	} else if rec != nil {
		s.logger.Warn("post-end sweep stopped a recording", zap.String("stream_id", cur.ID.String()), zap.String("recording_id", rec.ID.String()))
	}
	s.committedEnd(ended)
	// recordings that finished while the stream was live
	if ok, err := s.coord.ArchiveIfSettled(ctx, ended.ID); err != nil {
		s.logger.Warn("archive after end failed", zap.String("stream_id", ended.ID.String()), zap.Error(err))
	} else if ok {
		if cur, err := s.registry.Get(ctx, ended.ID); err == nil {
			ended = cur
		}
	}
	return ended, nil
}

// afterLostRace turns an IllegalTransition caused by a concurrent end into a no-op.
func (s *Service) afterLostRace(ctx context.Context, id uuid.UUID, err error) (*models.Stream, error) {
	if !errors.Is(err, errs.ErrIllegalTransition) {
		return nil, err
	}
	cur, getErr := s.registry.Get(ctx, id)
	if getErr == nil && cur.State.Finished() {
		return cur, nil
	}
	return nil, err
}

func (s *Service) committedEnd(ended *models.Stream) {
	s.metrics.IncStreamsEnded(ended.EndReason)
	s.events.PublishStreamEvent(ended.ID, realtime.EventStreamEnded, ended.Public())
	s.logger.Info("stream ended", zap.String("stream_id", ended.ID.String()), zap.String("reason", ended.EndReason))
}

// GetStreamStatus merges the registry record with the provider's live status.
// A live stream the provider no longer knows is ended here (reason provider_ended).
func (s *Service) GetStreamStatus(ctx context.Context, streamID uuid.UUID) (*StreamStatus, error) {
	cur, err := s.registry.Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if cur.State != models.StreamStateLive {
		return &StreamStatus{Stream: cur, ViewerCount: cur.ConcurrentViewers}, nil
	}
	st, err := s.provider.GetStatus(ctx, cur.ProviderStreamID)
	if errors.Is(err, errs.ErrProviderNotFound) {
		healed, err := s.healEnded(ctx, streamID)
		if err != nil {
			return nil, err
		}
		return &StreamStatus{Stream: healed, Healed: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider status: %w", err)
	}
	s.recordViewers(ctx, cur, st.ViewerCount)
	return &StreamStatus{Stream: cur, IsLive: st.IsLive, ViewerCount: st.ViewerCount}, nil
}

// healEnded ends a live stream the provider has dropped.
func (s *Service) healEnded(ctx context.Context, streamID uuid.UUID) (*models.Stream, error) {
	unlock, err := s.locker.Lock(ctx, streamID.String())
	if err != nil {
		return nil, fmt.Errorf("lock stream %s: %w", streamID, err)
	}
	defer unlock()
	cur, err := s.registry.Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("provider lost live stream, ending it", zap.String("stream_id", streamID.String()))
	return s.endLocked(ctx, cur, models.EndReasonProviderEnded, true)
}

func (s *Service) recordViewers(ctx context.Context, cur *models.Stream, viewers int) {
	if err := s.registry.RecordViewers(ctx, cur.ID, viewers); err != nil {
		s.logger.Warn("store viewer snapshot failed", zap.String("stream_id", cur.ID.String()), zap.Error(err))
		return
	}
	cur.ConcurrentViewers = viewers
	if viewers > cur.PeakViewers {
		cur.PeakViewers = viewers
	}
}

// GetStreamStats returns provider statistics for a live stream and the stored
// snapshot otherwise.
func (s *Service) GetStreamStats(ctx context.Context, streamID uuid.UUID) (*StreamStats, error) {
	cur, err := s.registry.Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if cur.State == models.StreamStateLive {
		st, err := s.provider.GetStats(ctx, cur.ProviderStreamID)
		if errors.Is(err, errs.ErrProviderNotFound) {
			if cur, err = s.healEnded(ctx, streamID); err != nil {
				return nil, err
			}
			return s.snapshot(cur), nil
		}
		if err != nil {
			return nil, fmt.Errorf("get provider stats: %w", err)
		}
		s.recordViewers(ctx, cur, st.ViewerCount)
		peak := cur.PeakViewers
		if st.PeakViewerCount > peak {
			peak = st.PeakViewerCount
		}
		duration := st.DurationSeconds
		if duration == 0 {
			duration = s.duration(cur)
		}
		return &StreamStats{
			StreamID:        cur.ID,
			State:           cur.State,
			ViewerCount:     st.ViewerCount,
			PeakViewers:     peak,
			BitrateKbps:     st.BitrateKbps,
			FrameRate:       st.FrameRate,
			Resolution:      st.Resolution,
			DurationSeconds: duration,
			Source:          "provider",
		}, nil
	}
	return s.snapshot(cur), nil
}

func (s *Service) snapshot(cur *models.Stream) *StreamStats {
	return &StreamStats{
		StreamID:        cur.ID,
		State:           cur.State,
		ViewerCount:     cur.ConcurrentViewers,
		PeakViewers:     cur.PeakViewers,
		DurationSeconds: s.duration(cur),
		Source:          "snapshot",
	}
}

func (s *Service) duration(cur *models.Stream) int64 {
	if cur.ActualStart == nil {
		return 0
	}
	end := s.now()
	if cur.ActualEnd != nil {
		end = *cur.ActualEnd
	}
	return int64(end.Sub(*cur.ActualStart).Seconds())
}

// ListActiveStreams lists scheduled and live streams.
func (s *Service) ListActiveStreams(ctx context.Context, f streams.Filter) ([]*models.Stream, error) {
	return s.registry.ListActive(ctx, f)
}

// StartRecording starts recording a live stream the requester may manage.
func (s *Service) StartRecording(ctx context.Context, streamID uuid.UUID, req authz.Requester) (*models.Recording, error) {
	if err := s.authorize(ctx, streamID, req); err != nil {
		return nil, err
	}
	return s.coord.Start(ctx, streamID, req.UserID)
}

// StopRecording stops the active recording of a stream.
func (s *Service) StopRecording(ctx context.Context, streamID uuid.UUID, req authz.Requester) (*models.Recording, error) {
	if err := s.authorize(ctx, streamID, req); err != nil {
		return nil, err
	}
	return s.coord.Stop(ctx, streamID, req.UserID)
}

// GetRecordingStatus returns the latest recording of a stream, reconciled if
// stale, or nil when the stream never recorded.
func (s *Service) GetRecordingStatus(ctx context.Context, streamID uuid.UUID, req authz.Requester) (*models.Recording, error) {
	if err := s.authorize(ctx, streamID, req); err != nil {
		return nil, err
	}
	return s.coord.GetStatus(ctx, streamID)
}

// ListUserRecordings lists the recordings of userID, newest first.
func (s *Service) ListUserRecordings(ctx context.Context, userID uuid.UUID) ([]*models.Recording, error) {
	return s.coord.ListByOwner(ctx, userID)
}

// View returns st as req may see it: the full record for those who can manage
// the stream, the public copy for everyone else.
func (s *Service) View(req authz.Requester, st *models.Stream) *models.Stream {
	if st == nil {
		return nil
	}
	if err := s.authz.CanManage(req, st.OwnerID); err != nil {
		return st.Public()
	}
	return st
}

func (s *Service) authorize(ctx context.Context, streamID uuid.UUID, req authz.Requester) error {
	cur, err := s.registry.Get(ctx, streamID)
	if err != nil {
		return err
	}
	return s.authz.CanManage(req, cur.OwnerID)
}

func validateConfig(ownerID uuid.UUID, cfg StreamConfig) error {
	if ownerID == uuid.Nil {
		return fmt.Errorf("%w: owner id required", errs.ErrValidation)
	}
	if strings.TrimSpace(cfg.Title) == "" {
		return fmt.Errorf("%w: title required", errs.ErrValidation)
	}
	if utf8.RuneCountInString(cfg.Title) > maxTitleLen {
		return fmt.Errorf("%w: title longer than %d characters", errs.ErrValidation, maxTitleLen)
	}
	return nil
}

func endpointsOf(c *provider.CreatedStream) models.PlaybackEndpoints {
	return models.PlaybackEndpoints{
		PlaybackURL: c.PlaybackURL,
		HLSURL:      c.HLSURL,
		DASHURL:     c.DASHURL,
		IngestURL:   c.IngestURL,
		StreamKey:   c.StreamKey,
	}
}
