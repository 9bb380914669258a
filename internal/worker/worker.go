// Package worker runs the background loops of the service: recording
// reconciliation and archiving of completed recordings into S3.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/livestream/internal/models"
	"github.com/aura-webinar/livestream/pkg/queue"
	"github.com/aura-webinar/livestream/pkg/storage"
)

// JobQueue is the part of queue.Queue the archive processor consumes.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Uploader stores archived recordings.
type Uploader interface {
	UploadRecording(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
	DeleteRecording(ctx context.Context, key string) error
}

// ArchiveRecordings is the part of the recording coordinator the archiver updates.
type ArchiveRecordings interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error
}

// ArchiveProcessor copies completed recordings from the provider's storage
// into the recordings bucket.
type ArchiveProcessor struct {
	recs        ArchiveRecordings
	uploader    Uploader
	queue       JobQueue
	client      *http.Client
	pollTimeout time.Duration
	backoff     time.Duration
	logger      *zap.Logger
}

// NewArchiveProcessor creates an archive processor. client may be nil.
func NewArchiveProcessor(recs ArchiveRecordings, uploader Uploader, q JobQueue, client *http.Client, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	return &ArchiveProcessor{
		recs:        recs,
		uploader:    uploader,
		queue:       q,
		client:      client,
		pollTimeout: 5 * time.Second,
		backoff:     queue.RetryBackoff,
		logger:      logger,
	}
}

// Process executes one archive job. Recordings already archived are skipped.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeRecordingArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.RecordingArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	rec, err := p.recs.Get(ctx, payload.RecordingID)
	if err != nil {
		return fmt.Errorf("load recording %s: %w", payload.RecordingID, err)
	}
	if rec.ArchiveKey != "" {
		p.logger.Info("recording already archived", zap.String("recording_id", rec.ID.String()))
		return nil
	}
	if rec.Status != models.RecordingStatusCompleted {
		return fmt.Errorf("recording %s is %s, not completed", rec.ID, rec.Status)
	}
	source := payload.SourceURL
	if source == "" {
		source = rec.StorageURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download status: %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	key := storage.RecordingKey(rec.StreamID.String(), rec.ID.String())
	if _, err := p.uploader.UploadRecording(ctx, key, contentType, resp.Body, resp.ContentLength); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	if err := p.recs.SetArchiveKey(ctx, rec.ID, key); err != nil {
		// The retry uploads again under the same key.
		if derr := p.uploader.DeleteRecording(context.WithoutCancel(ctx), key); derr != nil {
			p.logger.Warn("delete orphaned archive object", zap.String("key", key), zap.Error(derr))
		}
		return fmt.Errorf("store archive key: %w", err)
	}

	p.logger.Info("recording archived", zap.String("recording_id", rec.ID.String()), zap.String("s3_key", key))
	return nil
}

// Run dequeues and processes jobs until ctx is done. Failed jobs are retried
// and end up in the dead-letter queue after queue.MaxRetries attempts.
func (p *ArchiveProcessor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			p.logger.Info("archive worker stopping")
			return nil
		}

		job, err := p.queue.Dequeue(ctx, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ArchiveProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
