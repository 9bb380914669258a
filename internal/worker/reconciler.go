package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/livestream/internal/models"
	"github.com/aura-webinar/livestream/internal/streams"
)

// RecordingReconciler is the part of the recording coordinator the loop drives.
type RecordingReconciler interface {
	ListStale(ctx context.Context, limit int) ([]*models.Recording, error)
	ReconcileRecording(ctx context.Context, rec *models.Recording) (*models.Recording, error)
	ArchiveIfSettled(ctx context.Context, streamID uuid.UUID) (bool, error)
}

// StreamLister lists streams by state.
type StreamLister interface {
	ListActive(ctx context.Context, f streams.Filter) ([]*models.Stream, error)
}

// Reconciler periodically polls the provider for processing recordings so
// their status converges without client reads, and archives ended streams
// whose recordings have all finished.
type Reconciler struct {
	coord    RecordingReconciler
	streams  StreamLister
	interval time.Duration
	batch    int
	logger   *zap.Logger

	// sweep position in the ended-stream list, newest first; nil restarts at the top
	cursor *time.Time
}

// NewReconciler creates the loop. batch bounds the recordings polled per tick.
func NewReconciler(coord RecordingReconciler, lister StreamLister, interval time.Duration, batch int, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reconciler{coord: coord, streams: lister, interval: interval, batch: batch, logger: logger}
}

// Run ticks until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("reconciler started", zap.Duration("interval", r.interval), zap.Int("batch", r.batch))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping")
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one pass. Individual failures are logged and retried next tick.
// Each pass sweeps the next page of ended streams. Tick is not safe for
// concurrent use; Run calls it from one goroutine.
func (r *Reconciler) Tick(ctx context.Context) (reconciled, archived int) {
	stale, err := r.coord.ListStale(ctx, r.batch)
	if err != nil {
		r.logger.Error("list stale recordings failed", zap.Error(err))
	}
	for _, rec := range stale {
		if ctx.Err() != nil {
			return
		}
		next, err := r.coord.ReconcileRecording(ctx, rec)
		if err != nil {
			r.logger.Warn("reconcile recording failed", zap.String("recording_id", rec.ID.String()), zap.Error(err))
			continue
		}
		if next.Status.Terminal() {
			reconciled++
		}
	}

	ended, err := r.streams.ListActive(ctx, streams.Filter{
		States:        []models.StreamState{models.StreamStateEnded},
		CreatedBefore: r.cursor,
		Limit:         r.batch,
	})
	if err != nil {
		r.logger.Error("list ended streams failed", zap.Error(err))
		return
	}
	// Streams that never recorded stay ended; paging keeps them from hiding older ones.
	if len(ended) < r.batch {
		r.cursor = nil
	} else {
		last := ended[len(ended)-1].CreatedAt
		r.cursor = &last
	}
	for _, s := range ended {
		ok, err := r.coord.ArchiveIfSettled(ctx, s.ID)
		if err != nil {
			r.logger.Warn("archive stream failed", zap.String("stream_id", s.ID.String()), zap.Error(err))
			continue
		}
		if ok {
			archived++
		}
	}
	if reconciled > 0 || archived > 0 {
		r.logger.Info("reconcile pass", zap.Int("finished", reconciled), zap.Int("archived", archived), zap.Int("polled", len(stale)))
	}
	return
}
