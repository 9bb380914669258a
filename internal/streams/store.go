package streams

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/livestream/internal/models"
)

// Filter narrows ListActive / List queries.
type Filter struct {
	OwnerID *uuid.UUID
	States  []models.StreamState
	// CreatedBefore keeps only streams created strictly before it; used to page.
	CreatedBefore *time.Time
	Limit         int
}

// Store persists stream records. Implementations must make CompareAndSwap
// atomic: the write succeeds only if the stored state still equals expected.
type Store interface {
	// Insert stores a new record. It fills CreatedAt/UpdatedAt.
	Insert(ctx context.Context, s *models.Stream) error
	// Get returns errs.ErrNotFound for unknown ids.
	Get(ctx context.Context, id uuid.UUID) (*models.Stream, error)
	// CompareAndSwap replaces the record if its state is still expected.
	// It reports false (and no error) when the state changed underneath.
	// The viewer counters are owned by UpdateViewers: the stored peak is kept
	// and the concurrent count drops to zero once the stream is finished.
	CompareAndSwap(ctx context.Context, next *models.Stream, expected models.StreamState) (bool, error)
	// UpdateViewers stores the advisory viewer snapshot and raises the peak.
	UpdateViewers(ctx context.Context, id uuid.UUID, viewers int) error
	List(ctx context.Context, f Filter) ([]*models.Stream, error)
	// GetByProviderID looks a stream up by the provider's stream id.
	GetByProviderID(ctx context.Context, providerStreamID string) (*models.Stream, error)
}
