package recordings

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/livestream/internal/errs"
	"github.com/aura-webinar/livestream/internal/models"
	"github.com/aura-webinar/livestream/internal/provider"
	"github.com/aura-webinar/livestream/internal/streams"
	"github.com/aura-webinar/livestream/pkg/queue"
)

type fixture struct {
	coord    *Coordinator
	registry *streams.Registry
	store    *MemoryStore
	fake     *provider.Fake
	archive  *recordingArchiver
	events   *eventLog
}

type recordingArchiver struct {
	mu   sync.Mutex
	jobs []queue.RecordingArchivePayload
}

func (a *recordingArchiver) EnqueueRecordingArchive(ctx context.Context, p queue.RecordingArchivePayload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, p)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) PublishStreamEvent(streamID uuid.UUID, event string, payload interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventLog) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

// failingInsertStore fails every Insert with err.
type failingInsertStore struct {
	*MemoryStore
	err error
}

func (s failingInsertStore) Insert(ctx context.Context, r *models.Recording) error { return s.err }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := streams.NewRegistry(streams.NewMemoryStore(), nil)
	store := NewMemoryStore()
	fake := provider.NewFake()
	coord := NewCoordinator(store, registry, fake, streams.NewKeyedMutex(), nil)
	f := &fixture{coord: coord, registry: registry, store: store, fake: fake, archive: &recordingArchiver{}, events: &eventLog{}}
	coord.SetArchiver(f.archive)
	coord.SetPublisher(f.events)
	coord.SetFreshness(0)
	return f
}

func (f *fixture) liveStream(t *testing.T) *models.Stream {
	t.Helper()
	ctx := context.Background()
	created, err := f.fake.CreateStream(ctx, provider.StreamConfig{ExternalID: "x", Title: "show"})
	require.NoError(t, err)
	s, err := f.registry.Create(ctx, streams.CreateParams{
		OwnerID:          uuid.New(),
		Title:            "show",
		ProviderStreamID: created.ProviderStreamID,
		Endpoints:        models.PlaybackEndpoints{HLSURL: created.HLSURL, StreamKey: created.StreamKey},
	})
	require.NoError(t, err)
	return s
}

func TestCoordinator_StartRequiresLiveStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Now().Add(time.Hour)
	s, err := f.registry.Create(ctx, streams.CreateParams{OwnerID: uuid.New(), Title: "later", ScheduledStart: &start})
	require.NoError(t, err)

	_, err = f.coord.Start(ctx, s.ID, s.OwnerID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Empty(t, f.fake.Calls(provider.OpStartRecording))

	_, err = f.coord.Start(ctx, uuid.New(), uuid.New())
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCoordinator_StartAndConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.liveStream(t)

	rec, err := f.coord.Start(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusRecording, rec.Status)
	assert.Equal(t, s.OwnerID, rec.OwnerID)
	assert.NotEmpty(t, rec.ProviderHandle)

	_, err = f.coord.Start(ctx, s.ID, s.OwnerID)
	assert.ErrorIs(t, err, errs.ErrConflict)
	assert.Len(t, f.fake.Calls(provider.OpStartRecording), 1)
}

func TestCoordinator_StartProviderFailurePersistsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.liveStream(t)
	f.fake.FailNext(provider.OpStartRecording, fmt.Errorf("start: %w", errs.ErrProviderUnavailable))

	_, err := f.coord.Start(ctx, s.ID, s.OwnerID)
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
	list, err := f.store.ListByStream(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCoordinator_StartCompensatesFailedInsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.liveStream(t)
	f.coord.store = failingInsertStore{MemoryStore: f.store, err: fmt.Errorf("dup: %w", errs.ErrConflict)}

	_, err := f.coord.Start(ctx, s.ID, s.OwnerID)
	assert.ErrorIs(t, err, errs.ErrConflict)
	stops := f.fake.Calls(provider.OpStopRecording)
	require.Len(t, stops, 1)
	assert.Equal(t, provider.RecordingStateProcessing, f.fake.RecordingState(stops[0]))
}

func TestCoordinator_StartCompensationFailureIsPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.liveStream(t)
	f.coord.store = failingInsertStore{MemoryStore: f.store, err: fmt.Errorf("db down")}
	f.fake.FailNext(provider.OpStopRecording, fmt.Errorf("stop: %w", errs.ErrProviderUnavailable))

	_, err := f.coord.Start(ctx, s.ID, s.OwnerID)
	assert.ErrorIs(t, err, errs.ErrPartialFailure)
}

func TestCoordinator_StopMovesToProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.liveStream(t)

	_, err := f.coord.Stop(ctx, s.ID, s.OwnerID)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	rec, err := f.coord.Start(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)
	stopped, err := f.coord.Stop(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stopped.ID)
	assert.Equal(t, models.RecordingStatusProcessing, stopped.Status)
	require.NotNil(t, stopped.StoppedAt)
}

func TestCoordinator_StopToleratesProviderNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.liveStream(t)
	_, err := f.coord.Start(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)
	f.fake.FailNext(provider.OpStopRecording, fmt.Errorf("stop: %w", errs.ErrProviderNotFound))

	stopped, err := f.coord.Stop(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusProcessing, stopped.Status)
}

func TestCoordinator_StopProviderErrorKeepsRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.liveStream(t)
	rec, err := f.coord.Start(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)
	f.fake.FailNext(provider.OpStopRecording, fmt.Errorf("stop: %w", errs.ErrProviderUnavailable))

	_, err = f.coord.Stop(ctx, s.ID, s.OwnerID)
	assert.ErrorIs(t, err, errs.ErrProviderError)
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusRecording, got.Status)
}

func TestCoordinator_ForcedStopIgnoresProviderError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.liveStream(t)
	_, err := f.coord.Start(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)
	f.fake.FailNext(provider.OpStopRecording, fmt.Errorf("stop: %w", errs.ErrProviderUnavailable))

	rec, err := f.coord.StopForStreamEnd(ctx, s.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusProcessing, rec.Status)

	none, err := f.coord.StopForStreamEnd(ctx, s.ID, true)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestCoordinator_ReconcileCompletesAndArchives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.liveStream(t)
	rec, err := f.coord.Start(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)
	_, err = f.coord.Stop(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)
	_, err = f.registry.Transition(ctx, s.ID, models.StreamStateEnded, streams.TransitionFields{})
	require.NoError(t, err)

	// still transcoding: only the check time moves
	got, err := f.coord.GetStatus(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusProcessing, got.Status)
	require.NotNil(t, got.LastCheckedAt)

	f.fake.CompleteRecording(rec.ProviderHandle, "https://store/r.mp4", 4096)
	got, err = f.coord.GetStatus(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusCompleted, got.Status)
	assert.Equal(t, "https://store/r.mp4", got.StorageURL)
	require.NotNil(t, got.FileSize)
	assert.EqualValues(t, 4096, *got.FileSize)

	require.Len(t, f.archive.jobs, 1)
	assert.Equal(t, rec.ID, f.archive.jobs[0].RecordingID)

	stream, err := f.registry.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStateArchived, stream.State)
	assert.Contains(t, f.events.list(), "stream.archived")

	// idempotent
	require.NoError(t, f.coord.Reconcile(ctx, s.ID))
	assert.Len(t, f.archive.jobs, 1)
}

func TestCoordinator_ReconcileFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.liveStream(t)
	rec, err := f.coord.Start(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)
	_, err = f.coord.Stop(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)

	f.fake.FailRecording(rec.ProviderHandle, "transcode error")
	require.NoError(t, f.coord.Reconcile(ctx, s.ID))
	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusFailed, got.Status)
	assert.Equal(t, "transcode error", got.FailureReason)
	assert.Empty(t, f.archive.jobs)

	// stream still live, so it is not archived
	stream, err := f.registry.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStateLive, stream.State)
}

func TestCoordinator_GetStatusProviderDownReturnsStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.liveStream(t)
	_, err := f.coord.Start(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)
	_, err = f.coord.Stop(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)
	f.fake.FailNext(provider.OpGetRecordingStatus, fmt.Errorf("status: %w", errs.ErrProviderUnavailable))

	got, err := f.coord.GetStatus(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusProcessing, got.Status)
}

func TestCoordinator_GetStatusNoRecording(t *testing.T) {
	f := newFixture(t)
	s := f.liveStream(t)
	got, err := f.coord.GetStatus(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCoordinator_FreshRecordIsNotRepolled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.liveStream(t)
	_, err := f.coord.Start(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)
	_, err = f.coord.Stop(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)
	f.coord.SetFreshness(time.Hour)

	_, err = f.coord.GetStatus(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.coord.GetStatus(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, f.fake.Calls(provider.OpGetRecordingStatus), 1)
}

func TestCoordinator_HandleProviderUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.liveStream(t)
	rec, err := f.coord.Start(ctx, s.ID, s.OwnerID)
	require.NoError(t, err)

	// provider stopped and finished the recording on its own
	f.fake.CompleteRecording(rec.ProviderHandle, "https://store/x.mp4", 10)
	got, err := f.coord.HandleProviderUpdate(ctx, rec.ProviderHandle, provider.RecordingStateCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusCompleted, got.Status)

	_, err = f.coord.HandleProviderUpdate(ctx, "unknown", provider.RecordingStateCompleted)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMemoryStore_OneActivePerStream(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	streamID := uuid.New()
	mk := func(handle string) *models.Recording {
		return &models.Recording{ID: uuid.New(), StreamID: streamID, ProviderHandle: handle, Status: models.RecordingStatusRecording, StartedAt: time.Now()}
	}
	require.NoError(t, store.Insert(ctx, mk("a")))
	assert.ErrorIs(t, store.Insert(ctx, mk("b")), errs.ErrConflict)
	assert.ErrorIs(t, store.Insert(ctx, mk("a")), errs.ErrConflict)

	n, err := store.CountUnfinished(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
