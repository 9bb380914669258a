package recordings

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/livestream/internal/models"
)

// Store persists recording records. Insert must reject a second
// `recording`-status row for the same stream with errs.ErrConflict.
type Store interface {
	Insert(ctx context.Context, r *models.Recording) error
	// Get returns errs.ErrNotFound for unknown ids.
	Get(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	GetByHandle(ctx context.Context, handle string) (*models.Recording, error)
	// ActiveByStream returns the `recording`-status row of a stream or errs.ErrNotFound.
	ActiveByStream(ctx context.Context, streamID uuid.UUID) (*models.Recording, error)
	// LatestByStream returns the most recently started recording or errs.ErrNotFound.
	LatestByStream(ctx context.Context, streamID uuid.UUID) (*models.Recording, error)
	ListByStream(ctx context.Context, streamID uuid.UUID) ([]*models.Recording, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Recording, error)
	// ListStale returns processing recordings never checked or last checked before checkedBefore.
	ListStale(ctx context.Context, checkedBefore time.Time, limit int) ([]*models.Recording, error)
	// CountUnfinished counts recording and processing rows of a stream.
	CountUnfinished(ctx context.Context, streamID uuid.UUID) (int, error)
	// CompareAndSwap replaces the record if its status is still expected.
	CompareAndSwap(ctx context.Context, next *models.Recording, expected models.RecordingStatus) (bool, error)
	// Touch records a provider poll that found no change.
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error
}
