package streams

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/livestream/internal/errs"
	"github.com/aura-webinar/livestream/internal/models"
)

// MemoryStore implements Store in memory. Records are copied in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[uuid.UUID]*models.Stream
}

// NewMemoryStore creates an empty in-memory stream store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[uuid.UUID]*models.Stream)}
}

func (m *MemoryStore) Insert(ctx context.Context, s *models.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.streams[s.ID]; exists {
		return fmt.Errorf("stream %s: %w", s.ID, errs.ErrConflict)
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	m.streams[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", id, errs.ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) GetByProviderID(ctx context.Context, providerStreamID string) (*models.Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.streams {
		if providerStreamID != "" && s.ProviderStreamID == providerStreamID {
			return s.Clone(), nil
		}
	}
	return nil, fmt.Errorf("provider stream %s: %w", providerStreamID, errs.ErrNotFound)
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, next *models.Stream, expected models.StreamState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.streams[next.ID]
	if !ok {
		return false, fmt.Errorf("stream %s: %w", next.ID, errs.ErrNotFound)
	}
	if cur.State != expected {
		return false, nil
	}
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	next.PeakViewers = cur.PeakViewers
	next.ConcurrentViewers = cur.ConcurrentViewers
	if next.State.Finished() {
		next.ConcurrentViewers = 0
	}
	m.streams[next.ID] = next.Clone()
	return true, nil
}

func (m *MemoryStore) UpdateViewers(ctx context.Context, id uuid.UUID, viewers int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		return fmt.Errorf("stream %s: %w", id, errs.ErrNotFound)
	}
	s.ConcurrentViewers = viewers
	if viewers > s.PeakViewers {
		s.PeakViewers = viewers
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*models.Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states := make(map[models.StreamState]bool, len(f.States))
	for _, st := range f.States {
		states[st] = true
	}
	var out []*models.Stream
	for _, s := range m.streams {
		if f.OwnerID != nil && s.OwnerID != *f.OwnerID {
			continue
		}
		if len(states) > 0 && !states[s.State] {
			continue
		}
		if f.CreatedBefore != nil && !s.CreatedAt.Before(*f.CreatedBefore) {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
