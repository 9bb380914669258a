//go:build integration

package recordings

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/livestream/internal/errs"
	"github.com/aura-webinar/livestream/internal/models"
	"github.com/aura-webinar/livestream/internal/streams"
	"github.com/aura-webinar/livestream/internal/testinfra"
)

func TestPostgresStore(t *testing.T) {
	pool := testinfra.NewPostgres(t, true)
	registry := streams.NewRegistry(streams.NewPostgresStore(pool), nil)
	store := NewPostgresStore(pool)
	ctx := context.Background()

	liveStream := func(t *testing.T) *models.Stream {
		t.Helper()
		s, err := registry.Create(ctx, streams.CreateParams{OwnerID: uuid.New(), Title: "show", ProviderStreamID: "ps_" + uuid.NewString()})
		require.NoError(t, err)
		return s
	}
	newRec := func(s *models.Stream) *models.Recording {
		return &models.Recording{
			ID:             uuid.New(),
			StreamID:       s.ID,
			OwnerID:        s.OwnerID,
			ProviderHandle: "rec_" + uuid.NewString(),
			Status:         models.RecordingStatusRecording,
			StartedAt:      time.Now().UTC(),
		}
	}

	t.Run("one active recording per stream", func(t *testing.T) {
		s := liveStream(t)
		first := newRec(s)
		require.NoError(t, store.Insert(ctx, first))
		err := store.Insert(ctx, newRec(s))
		assert.ErrorIs(t, err, errs.ErrConflict)

		// once the first stops, another may start
		next := first.Clone()
		next.Status = models.RecordingStatusProcessing
		now := time.Now().UTC()
		next.StoppedAt = &now
		ok, err := store.CompareAndSwap(ctx, next, models.RecordingStatusRecording)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.Insert(ctx, newRec(s)))

		n, err := store.CountUnfinished(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("compare and swap rejects a stale status", func(t *testing.T) {
		s := liveStream(t)
		rec := newRec(s)
		require.NoError(t, store.Insert(ctx, rec))

		next := rec.Clone()
		next.Status = models.RecordingStatusCompleted
		ok, err := store.CompareAndSwap(ctx, next, models.RecordingStatusProcessing)
		require.NoError(t, err)
		assert.False(t, ok)
		got, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RecordingStatusRecording, got.Status)

		ghost := rec.Clone()
		ghost.ID = uuid.New()
		_, err = store.CompareAndSwap(ctx, ghost, models.RecordingStatusRecording)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("stale processing recordings", func(t *testing.T) {
		s := liveStream(t)
		rec := newRec(s)
		require.NoError(t, store.Insert(ctx, rec))
		next := rec.Clone()
		next.Status = models.RecordingStatusProcessing
		ok, err := store.CompareAndSwap(ctx, next, models.RecordingStatusRecording)
		require.NoError(t, err)
		require.True(t, ok)

		checked := time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, store.Touch(ctx, rec.ID, checked))

		stale, err := store.ListStale(ctx, checked, 100)
		require.NoError(t, err)
		assert.True(t, containsRecording(stale, rec.ID), "checked exactly at the cutoff is stale")

		stale, err = store.ListStale(ctx, checked.Add(-time.Second), 100)
		require.NoError(t, err)
		assert.False(t, containsRecording(stale, rec.ID))
	})

	t.Run("archive key and lookups", func(t *testing.T) {
		s := liveStream(t)
		rec := newRec(s)
		require.NoError(t, store.Insert(ctx, rec))
		require.NoError(t, store.SetArchiveKey(ctx, rec.ID, "recordings/k.mp4"))

		got, err := store.GetByHandle(ctx, rec.ProviderHandle)
		require.NoError(t, err)
		assert.Equal(t, "recordings/k.mp4", got.ArchiveKey)

		active, err := store.ActiveByStream(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, active.ID)

		err = store.SetArchiveKey(ctx, uuid.New(), "x")
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})
}

func containsRecording(list []*models.Recording, id uuid.UUID) bool {
	for _, r := range list {
		if r.ID == id {
			return true
		}
	}
	return false
}
