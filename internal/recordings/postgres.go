package recordings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/livestream/internal/errs"
	"github.com/aura-webinar/livestream/internal/models"
)

const recordingColumns = `id, stream_id, owner_id, provider_handle, status, storage_url, file_size,
	duration_seconds, failure_reason, archive_key, started_at, stopped_at, finished_at,
	last_checked_at, created_at, updated_at`

// PostgresStore handles recording persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a recordings store on a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Insert inserts a new recording. The partial unique index on (stream_id)
// WHERE status = 'recording' turns a duplicate active recording into ErrConflict.
func (r *PostgresStore) Insert(ctx context.Context, rec *models.Recording) error {
	const q = `INSERT INTO recordings (id, stream_id, owner_id, provider_handle, status, storage_url, file_size,
		duration_seconds, failure_reason, archive_key, started_at, stopped_at, finished_at, last_checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, rec.ID, rec.StreamID, rec.OwnerID, rec.ProviderHandle, rec.Status, rec.StorageURL, rec.FileSize,
		rec.DurationSeconds, rec.FailureReason, rec.ArchiveKey, rec.StartedAt, rec.StoppedAt, rec.FinishedAt, rec.LastCheckedAt).
		Scan(&rec.CreatedAt, &rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("recording for stream %s (%s): %w", rec.StreamID, pgErr.ConstraintName, errs.ErrConflict)
	}
	return err
}

// Get returns a recording by ID.
func (r *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	return r.one(ctx, fmt.Sprintf("recording %s", id), `WHERE id = $1`, id)
}

// GetByHandle returns a recording by provider handle.
func (r *PostgresStore) GetByHandle(ctx context.Context, handle string) (*models.Recording, error) {
	return r.one(ctx, fmt.Sprintf("recording handle %s", handle), `WHERE provider_handle = $1`, handle)
}

// ActiveByStream returns the recording-status row of a stream.
func (r *PostgresStore) ActiveByStream(ctx context.Context, streamID uuid.UUID) (*models.Recording, error) {
	return r.one(ctx, fmt.Sprintf("active recording for stream %s", streamID),
		`WHERE stream_id = $1 AND status = 'recording'`, streamID)
}

// LatestByStream returns the most recently started recording of a stream.
func (r *PostgresStore) LatestByStream(ctx context.Context, streamID uuid.UUID) (*models.Recording, error) {
	return r.one(ctx, fmt.Sprintf("recording for stream %s", streamID),
		`WHERE stream_id = $1 ORDER BY started_at DESC, created_at DESC LIMIT 1`, streamID)
}

// ListByStream returns all recordings of a stream, newest first.
func (r *PostgresStore) ListByStream(ctx context.Context, streamID uuid.UUID) ([]*models.Recording, error) {
	return r.many(ctx, `WHERE stream_id = $1 ORDER BY started_at DESC`, streamID)
}

// ListByOwner returns all recordings of an owner, newest first.
func (r *PostgresStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Recording, error) {
	return r.many(ctx, `WHERE owner_id = $1 ORDER BY started_at DESC`, ownerID)
}

// ListStale returns processing recordings due for a provider poll, oldest check first.
func (r *PostgresStore) ListStale(ctx context.Context, checkedBefore time.Time, limit int) ([]*models.Recording, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.many(ctx, `WHERE status = 'processing' AND (last_checked_at IS NULL OR last_checked_at <= $1)
		ORDER BY last_checked_at NULLS FIRST LIMIT $2`, checkedBefore, limit)
}

// CountUnfinished counts recording and processing rows of a stream.
func (r *PostgresStore) CountUnfinished(ctx context.Context, streamID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM recordings WHERE stream_id = $1 AND status IN ('recording', 'processing')`, streamID).Scan(&n)
	return n, err
}

// CompareAndSwap writes next only if the row still has status expected.
func (r *PostgresStore) CompareAndSwap(ctx context.Context, next *models.Recording, expected models.RecordingStatus) (bool, error) {
	const q = `UPDATE recordings SET status = $1, storage_url = $2, file_size = $3, duration_seconds = $4,
		failure_reason = $5, stopped_at = $6, finished_at = $7, last_checked_at = $8, updated_at = NOW()
		WHERE id = $9 AND status = $10
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, next.Status, next.StorageURL, next.FileSize, next.DurationSeconds,
		next.FailureReason, next.StoppedAt, next.FinishedAt, next.LastCheckedAt, next.ID, expected).
		Scan(&next.CreatedAt, &next.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.Get(ctx, next.ID); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Touch sets last_checked_at.
func (r *PostgresStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.exec(ctx, id, `UPDATE recordings SET last_checked_at = $1, updated_at = NOW() WHERE id = $2`, at, id)
}

// SetArchiveKey stores the S3 key of the archived copy.
func (r *PostgresStore) SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error {
	return r.exec(ctx, id, `UPDATE recordings SET archive_key = $1, updated_at = NOW() WHERE id = $2`, key, id)
}

func (r *PostgresStore) exec(ctx context.Context, id uuid.UUID, q string, args ...interface{}) error {
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recording %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (r *PostgresStore) one(ctx context.Context, what, where string, args ...interface{}) (*models.Recording, error) {
	rec, err := scanRecording(r.pool.QueryRow(ctx, `SELECT `+recordingColumns+` FROM recordings `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, errs.ErrNotFound)
	}
	return rec, err
}

func (r *PostgresStore) many(ctx context.Context, where string, args ...interface{}) ([]*models.Recording, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+recordingColumns+` FROM recordings `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

func scanRecording(row pgx.Row) (*models.Recording, error) {
	var rec models.Recording
	err := row.Scan(&rec.ID, &rec.StreamID, &rec.OwnerID, &rec.ProviderHandle, &rec.Status, &rec.StorageURL, &rec.FileSize,
		&rec.DurationSeconds, &rec.FailureReason, &rec.ArchiveKey, &rec.StartedAt, &rec.StoppedAt, &rec.FinishedAt,
		&rec.LastCheckedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
