package recordings

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
	mu         sync.RWMutex
	recordings map[uuid.UUID]*models.Recording
}

// NewMemoryStore creates an empty in-memory recording store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recordings: make(map[uuid.UUID]*models.Recording)}
}

func (m *MemoryStore) Insert(ctx context.Context, r *models.Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.recordings[r.ID]; exists {
		return fmt.Errorf("recording %s: %w", r.ID, errs.ErrConflict)
	}
	for _, cur := range m.recordings {
		if r.Status == models.RecordingStatusRecording && cur.StreamID == r.StreamID && cur.Status == models.RecordingStatusRecording {
			return fmt.Errorf("stream %s already has an active recording: %w", r.StreamID, errs.ErrConflict)
		}
		if cur.ProviderHandle == r.ProviderHandle {
			return fmt.Errorf("provider handle %s: %w", r.ProviderHandle, errs.ErrConflict)
		}
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	m.recordings[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recordings[id]
	if !ok {
		return nil, fmt.Errorf("recording %s: %w", id, errs.ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) GetByHandle(ctx context.Context, handle string) (*models.Recording, error) {
	r := m.find(func(r *models.Recording) bool { return r.ProviderHandle == handle })
	if r == nil {
		return nil, fmt.Errorf("recording handle %s: %w", handle, errs.ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) ActiveByStream(ctx context.Context, streamID uuid.UUID) (*models.Recording, error) {
	r := m.find(func(r *models.Recording) bool {
		return r.StreamID == streamID && r.Status == models.RecordingStatusRecording
	})
	if r == nil {
		return nil, fmt.Errorf("active recording for stream %s: %w", streamID, errs.ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) LatestByStream(ctx context.Context, streamID uuid.UUID) (*models.Recording, error) {
	list, _ := m.ListByStream(ctx, streamID)
	if len(list) == 0 {
		return nil, fmt.Errorf("recording for stream %s: %w", streamID, errs.ErrNotFound)
	}
	return list[0], nil
}

func (m *MemoryStore) ListByStream(ctx context.Context, streamID uuid.UUID) ([]*models.Recording, error) {
	return m.filter(func(r *models.Recording) bool { return r.StreamID == streamID }), nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Recording, error) {
	return m.filter(func(r *models.Recording) bool { return r.OwnerID == ownerID }), nil
}

func (m *MemoryStore) ListStale(ctx context.Context, checkedBefore time.Time, limit int) ([]*models.Recording, error) {
	list := m.filter(func(r *models.Recording) bool {
		return r.Status == models.RecordingStatusProcessing &&
			(r.LastCheckedAt == nil || !r.LastCheckedAt.After(checkedBefore))
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *MemoryStore) CountUnfinished(ctx context.Context, streamID uuid.UUID) (int, error) {
	return len(m.filter(func(r *models.Recording) bool {
		return r.StreamID == streamID && !r.Status.Terminal()
	})), nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, next *models.Recording, expected models.RecordingStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recordings[next.ID]
	if !ok {
		return false, fmt.Errorf("recording %s: %w", next.ID, errs.ErrNotFound)
	}
	if cur.Status != expected {
		return false, nil
	}
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	m.recordings[next.ID] = next.Clone()
	return true, nil
}

func (m *MemoryStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.update(id, func(r *models.Recording) {
		t := at.UTC()
		r.LastCheckedAt = &t
	})
}

func (m *MemoryStore) SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error {
	return m.update(id, func(r *models.Recording) { r.ArchiveKey = key })
}

func (m *MemoryStore) update(id uuid.UUID, fn func(*models.Recording)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recordings[id]
	if !ok {
		return fmt.Errorf("recording %s: %w", id, errs.ErrNotFound)
	}
	fn(r)
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) find(match func(*models.Recording) bool) *models.Recording {
	list := m.filter(match)
	if len(list) == 0 {
		return nil
	}
	return list[0]
}

// filter returns matching copies, newest first.
func (m *MemoryStore) filter(match func(*models.Recording) bool) []*models.Recording {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Recording
	for _, r := range m.recordings {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}
