package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/livestream/internal/errs"
	"github.com/aura-webinar/livestream/internal/models"
)

const streamColumns = `id, owner_id, title, description, low_latency, state, COALESCE(provider_stream_id,''),
	scheduled_start, scheduled_end, actual_start, actual_end,
	playback_url, hls_url, dash_url, ingest_url, stream_key,
	concurrent_viewers, peak_viewers, end_reason, created_at, updated_at`

// PostgresStore handles live_streams persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a stream store on a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Insert inserts a new stream.
func (r *PostgresStore) Insert(ctx context.Context, s *models.Stream) error {
	const q = `INSERT INTO live_streams (id, owner_id, title, description, state, provider_stream_id,
		scheduled_start, scheduled_end, actual_start, actual_end,
		playback_url, hls_url, dash_url, ingest_url, stream_key, end_reason, low_latency)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at`
	e := s.Endpoints
	err := r.pool.QueryRow(ctx, q, s.ID, s.OwnerID, s.Title, s.Description, s.State, s.ProviderStreamID,
		s.ScheduledStart, s.ScheduledEnd, s.ActualStart, s.ActualEnd,
		e.PlaybackURL, e.HLSURL, e.DASHURL, e.IngestURL, e.StreamKey, s.EndReason, s.LowLatency).
		Scan(&s.CreatedAt, &s.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("stream %s: %w", s.ID, errs.ErrConflict)
	}
	return err
}

// Get returns a stream by ID.
func (r *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	s, err := scanStream(r.pool.QueryRow(ctx, `SELECT `+streamColumns+` FROM live_streams WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("stream %s: %w", id, errs.ErrNotFound)
	}
	return s, err
}

// GetByProviderID returns the stream the provider knows as providerStreamID.
func (r *PostgresStore) GetByProviderID(ctx context.Context, providerStreamID string) (*models.Stream, error) {
	s, err := scanStream(r.pool.QueryRow(ctx, `SELECT `+streamColumns+` FROM live_streams WHERE provider_stream_id = $1`, providerStreamID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("provider stream %s: %w", providerStreamID, errs.ErrNotFound)
	}
	return s, err
}

// CompareAndSwap writes next only if the row is still in state expected.
func (r *PostgresStore) CompareAndSwap(ctx context.Context, next *models.Stream, expected models.StreamState) (bool, error) {
	const q = `UPDATE live_streams SET state = $1, provider_stream_id = NULLIF($2,''),
		actual_start = $3, actual_end = $4,
		playback_url = $5, hls_url = $6, dash_url = $7, ingest_url = $8, stream_key = $9,
		end_reason = $10,
		concurrent_viewers = CASE WHEN $1 IN ('ended', 'archived') THEN 0 ELSE concurrent_viewers END,
		updated_at = NOW()
		WHERE id = $11 AND state = $12
		RETURNING created_at, updated_at, concurrent_viewers, peak_viewers`
	e := next.Endpoints
	err := r.pool.QueryRow(ctx, q, next.State, next.ProviderStreamID, next.ActualStart, next.ActualEnd,
		e.PlaybackURL, e.HLSURL, e.DASHURL, e.IngestURL, e.StreamKey, next.EndReason, next.ID, expected).
		Scan(&next.CreatedAt, &next.UpdatedAt, &next.ConcurrentViewers, &next.PeakViewers)
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

// UpdateViewers sets concurrent_viewers and raises peak_viewers.
func (r *PostgresStore) UpdateViewers(ctx context.Context, id uuid.UUID, viewers int) error {
	const q = `UPDATE live_streams SET concurrent_viewers = $1, peak_viewers = GREATEST(peak_viewers, $1), updated_at = NOW() WHERE id = $2`
	tag, err := r.pool.Exec(ctx, q, viewers, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stream %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

// List returns streams matching f, newest first.
func (r *PostgresStore) List(ctx context.Context, f Filter) ([]*models.Stream, error) {
	var conds []string
	var args []interface{}
	if f.OwnerID != nil {
		args = append(args, *f.OwnerID)
		conds = append(conds, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		args = append(args, states)
		conds = append(conds, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if f.CreatedBefore != nil {
		args = append(args, *f.CreatedBefore)
		conds = append(conds, fmt.Sprintf("created_at < $%d", len(args)))
	}
	q := `SELECT ` + streamColumns + ` FROM live_streams`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func scanStream(row pgx.Row) (*models.Stream, error) {
	var s models.Stream
	e := &s.Endpoints
	err := row.Scan(&s.ID, &s.OwnerID, &s.Title, &s.Description, &s.LowLatency, &s.State, &s.ProviderStreamID,
		&s.ScheduledStart, &s.ScheduledEnd, &s.ActualStart, &s.ActualEnd,
		&e.PlaybackURL, &e.HLSURL, &e.DASHURL, &e.IngestURL, &e.StreamKey,
		&s.ConcurrentViewers, &s.PeakViewers, &s.EndReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
