package livestream

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/livestream/internal/authz"
	"github.com/aura-webinar/livestream/internal/errs"
	"github.com/aura-webinar/livestream/internal/models"
	"github.com/aura-webinar/livestream/internal/provider"
	"github.com/aura-webinar/livestream/internal/recordings"
	"github.com/aura-webinar/livestream/internal/streams"
)

type harness struct {
	svc      *Service
	fake     *provider.Fake
	recs     *recordings.MemoryStore
	registry *streams.Registry
}

// failingStreamStore fails every Insert.
type failingStreamStore struct {
	*streams.MemoryStore
}

func (failingStreamStore) Insert(ctx context.Context, s *models.Stream) error {
	return fmt.Errorf("insert stream: connection reset")
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, streams.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, store streams.Store) *harness {
	t.Helper()
	registry := streams.NewRegistry(store, nil)
	recs := recordings.NewMemoryStore()
	fake := provider.NewFake()
	locker := streams.NewKeyedMutex()
	coord := recordings.NewCoordinator(recs, registry, fake, locker, nil)
	coord.SetFreshness(0)
	svc := NewService(registry, coord, fake, authz.NewRoleAuthorizer(), locker, nil)
	return &harness{svc: svc, fake: fake, recs: recs, registry: registry}
}

func owner() authz.Requester {
	return authz.Requester{UserID: uuid.New(), Role: models.RoleStreamer}
}

func (h *harness) start(t *testing.T, req authz.Requester) *models.Stream {
	t.Helper()
	s, err := h.svc.StartLiveStream(context.Background(), req.UserID, StreamConfig{Title: "Sunday Service"})
	require.NoError(t, err)
	return s
}

func TestStartRecordEndReconcileScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u1 := owner()

	s := h.start(t, u1)
	assert.Equal(t, models.StreamStateLive, s.State)
	require.NotNil(t, s.ActualStart)
	assert.Nil(t, s.ActualEnd)
	assert.NotEmpty(t, s.ProviderStreamID)
	assert.NotEmpty(t, s.Endpoints.StreamKey)
	assert.Equal(t, []string{s.ID.String()}, h.fake.Calls(provider.OpCreateStream))

	rec, err := h.svc.StartRecording(ctx, s.ID, u1)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusRecording, rec.Status)

	ended, err := h.svc.EndLiveStream(ctx, s.ID, u1)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStateEnded, ended.State)
	assert.Equal(t, models.EndReasonRequested, ended.EndReason)
	require.NotNil(t, ended.ActualEnd)

	stored, err := h.recs.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusProcessing, stored.Status)
	assert.Equal(t, []string{rec.ProviderHandle}, h.fake.Calls(provider.OpStopRecording))

	st, err := h.svc.GetRecordingStatus(ctx, s.ID, u1)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusProcessing, st.Status)

	h.fake.CompleteRecording(rec.ProviderHandle, "https://store.fake.local/r.mp4", 4096)
	st, err = h.svc.GetRecordingStatus(ctx, s.ID, u1)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusCompleted, st.Status)
	assert.Equal(t, "https://store.fake.local/r.mp4", st.StorageURL)

	archived, err := h.registry.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStateArchived, archived.State)

	mine, err := h.svc.ListUserRecordings(ctx, u1.UserID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, rec.ID, mine[0].ID)
}

func TestStartLiveStream_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.StartLiveStream(context.Background(), uuid.New(), StreamConfig{Title: "  "})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = h.svc.StartLiveStream(context.Background(), uuid.Nil, StreamConfig{Title: "x"})
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Empty(t, h.fake.Calls(provider.OpCreateStream))
}

func TestStartLiveStream_CompensatesFailedStore(t *testing.T) {
	h := newHarnessWithStore(t, failingStreamStore{streams.NewMemoryStore()})
	ctx := context.Background()

	_, err := h.svc.StartLiveStream(ctx, uuid.New(), StreamConfig{Title: "Sunday Service"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, errs.ErrPartialFailure)

	ends := h.fake.Calls(provider.OpEndStream)
	require.Len(t, ends, 1)
	st, err := h.fake.GetStatus(ctx, ends[0])
	require.NoError(t, err, "compensation must end the stream that was just created")
	assert.False(t, st.IsLive)
}

func TestStartLiveStream_FailedCompensationIsPartial(t *testing.T) {
	h := newHarnessWithStore(t, failingStreamStore{streams.NewMemoryStore()})
	h.fake.FailNext(provider.OpEndStream, fmt.Errorf("end: %w", errs.ErrProviderUnavailable))

	_, err := h.svc.StartLiveStream(context.Background(), uuid.New(), StreamConfig{Title: "Sunday Service"})
	assert.ErrorIs(t, err, errs.ErrPartialFailure)
	assert.Len(t, h.fake.Calls(provider.OpEndStream), 1)
}

func TestStartLiveStream_ProviderFailureStoresNothing(t *testing.T) {
	h := newHarness(t)
	u := owner()
	h.fake.FailNext(provider.OpCreateStream, fmt.Errorf("create: %w", errs.ErrProviderUnavailable))

	_, err := h.svc.StartLiveStream(context.Background(), u.UserID, StreamConfig{Title: "x"})
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
	list, err := h.svc.ListActiveStreams(context.Background(), streams.Filter{OwnerID: &u.UserID})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEndLiveStream_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := owner()
	s := h.start(t, u)

	first, err := h.svc.EndLiveStream(ctx, s.ID, u)
	require.NoError(t, err)
	second, err := h.svc.EndLiveStream(ctx, s.ID, u)
	require.NoError(t, err)

	assert.Equal(t, models.StreamStateEnded, second.State)
	assert.Equal(t, first.ActualEnd, second.ActualEnd)
	assert.Len(t, h.fake.Calls(provider.OpEndStream), 1)
}

func TestEndLiveStream_ConcurrentWithProviderWebhook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := owner()
	s := h.start(t, u)

	var wg sync.WaitGroup
	results := make([]*models.Stream, 2)
	errList := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errList[0] = h.svc.EndLiveStream(ctx, s.ID, u)
	}()
	go func() {
		defer wg.Done()
		results[1], errList[1] = h.svc.HandleProviderEnded(ctx, s.ProviderStreamID)
	}()
	wg.Wait()

	for i := range results {
		require.NoError(t, errList[i])
		assert.Equal(t, models.StreamStateEnded, results[i].State)
	}
	assert.Equal(t, results[0].EndReason, results[1].EndReason)
}

func TestEndLiveStream_Forbidden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := owner()
	s := h.start(t, u)

	_, err := h.svc.EndLiveStream(ctx, s.ID, owner())
	assert.ErrorIs(t, err, errs.ErrForbidden)
	_, err = h.svc.StartRecording(ctx, s.ID, owner())
	assert.ErrorIs(t, err, errs.ErrForbidden)

	admin := authz.Requester{UserID: uuid.New(), Role: models.RoleAdmin}
	ended, err := h.svc.EndLiveStream(ctx, s.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStateEnded, ended.State)
}

func TestEndLiveStream_StopFailureKeepsStreamLive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := owner()
	s := h.start(t, u)
	_, err := h.svc.StartRecording(ctx, s.ID, u)
	require.NoError(t, err)
	h.fake.FailNext(provider.OpStopRecording, fmt.Errorf("stop: %w", errs.ErrProviderUnavailable))

	_, err = h.svc.EndLiveStream(ctx, s.ID, u)
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
	cur, err := h.registry.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStateLive, cur.State)
	assert.Empty(t, h.fake.Calls(provider.OpEndStream))
}

func TestScheduleLiveStream_PastStartFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := owner()
	yesterday := time.Now().Add(-24 * time.Hour)

	_, err := h.svc.ScheduleLiveStream(ctx, u.UserID, StreamConfig{Title: "Sunday Service"}, yesterday, nil)
	assert.ErrorIs(t, err, errs.ErrValidation)

	list, err := h.svc.ListActiveStreams(ctx, streams.Filter{OwnerID: &u.UserID})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, h.fake.Calls(provider.OpCreateStream))
}

func TestScheduleThenGoLive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := owner()
	start := time.Now().Add(time.Hour)

	s, err := h.svc.ScheduleLiveStream(ctx, u.UserID, StreamConfig{Title: "Evening"}, start, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStateScheduled, s.State)
	assert.Empty(t, s.ProviderStreamID)

	_, err = h.svc.StartRecording(ctx, s.ID, u)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	live, err := h.svc.GoLive(ctx, s.ID, u)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStateLive, live.State)
	assert.NotEmpty(t, live.ProviderStreamID)
	assert.False(t, live.Endpoints.IsZero())

	again, err := h.svc.GoLive(ctx, s.ID, u)
	require.NoError(t, err)
	assert.Equal(t, live.ProviderStreamID, again.ProviderStreamID)
	assert.Len(t, h.fake.Calls(provider.OpCreateStream), 1)
}

func TestCancelScheduledStream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := owner()

	s, err := h.svc.ScheduleLiveStream(ctx, u.UserID, StreamConfig{Title: "Evening"}, time.Now().Add(time.Hour), nil)
	require.NoError(t, err)
	ended, err := h.svc.EndLiveStream(ctx, s.ID, u)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStateEnded, ended.State)
	assert.Equal(t, models.EndReasonCancelled, ended.EndReason)
	assert.Empty(t, h.fake.Calls(provider.OpEndStream))

	_, err = h.svc.GoLive(ctx, s.ID, u)
	assert.ErrorIs(t, err, errs.ErrIllegalTransition)
}

func TestGetStreamStatus_HealsDroppedStream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := owner()
	s := h.start(t, u)
	rec, err := h.svc.StartRecording(ctx, s.ID, u)
	require.NoError(t, err)
	h.fake.SetViewers(s.ProviderStreamID, 12)

	st, err := h.svc.GetStreamStatus(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, st.IsLive)
	assert.Equal(t, 12, st.ViewerCount)
	assert.Equal(t, 12, st.Stream.PeakViewers)

	h.fake.DropStream(s.ProviderStreamID)
	st, err = h.svc.GetStreamStatus(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, st.Healed)
	assert.Equal(t, models.StreamStateEnded, st.Stream.State)
	assert.Equal(t, models.EndReasonProviderEnded, st.Stream.EndReason)
	assert.Empty(t, h.fake.Calls(provider.OpEndStream))

	stored, err := h.recs.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusProcessing, stored.Status)
}

func TestGetStreamStatus_ProviderUnavailableSurfaces(t *testing.T) {
	h := newHarness(t)
	s := h.start(t, owner())
	h.fake.FailNext(provider.OpGetStatus, fmt.Errorf("status: %w", errs.ErrProviderUnavailable))

	_, err := h.svc.GetStreamStatus(context.Background(), s.ID)
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
	cur, err := h.registry.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStateLive, cur.State)
}

func TestGetStreamStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := owner()
	s := h.start(t, u)
	h.fake.SetViewers(s.ProviderStreamID, 7)

	live, err := h.svc.GetStreamStats(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "provider", live.Source)
	assert.Equal(t, 7, live.ViewerCount)
	assert.Equal(t, 4500, live.BitrateKbps)

	_, err = h.svc.EndLiveStream(ctx, s.ID, u)
	require.NoError(t, err)
	snap, err := h.svc.GetStreamStats(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "snapshot", snap.Source)
	assert.Equal(t, 0, snap.ViewerCount)
	assert.Equal(t, 7, snap.PeakViewers)
	assert.GreaterOrEqual(t, snap.DurationSeconds, int64(0))

	_, err = h.svc.GetStreamStats(ctx, uuid.New())
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

// Random interleavings of end, start recording and stop recording never leave
// a recording running on an ended or archived stream.
func TestNoActiveRecordingAfterEnd_RandomInterleavings(t *testing.T) {
	seed := time.Now().UnixNano()
	rng := rand.New(rand.NewSource(seed))
	ctx := context.Background()

	for round := 0; round < 25; round++ {
		h := newHarness(t)
		u := owner()
		var ids []uuid.UUID
		for i := 0; i < 3; i++ {
			ids = append(ids, h.start(t, u).ID)
		}

		var wg sync.WaitGroup
		for op := 0; op < 24; op++ {
			id := ids[rng.Intn(len(ids))]
			kind := rng.Intn(3)
			wg.Add(1)
			go func() {
				defer wg.Done()
				switch kind {
				case 0:
					_, _ = h.svc.EndLiveStream(ctx, id, u)
				case 1:
					_, _ = h.svc.StartRecording(ctx, id, u)
				default:
					_, _ = h.svc.StopRecording(ctx, id, u)
				}
			}()
		}
		wg.Wait()

		for _, id := range ids {
			s, err := h.registry.Get(ctx, id)
			require.NoError(t, err)
			if !s.State.Finished() {
				continue
			}
			list, err := h.recs.ListByStream(ctx, id)
			require.NoError(t, err)
			for _, rec := range list {
				assert.NotEqual(t, models.RecordingStatusRecording, rec.Status,
					"seed %d round %d: recording %s active on %s stream", seed, round, rec.ID, s.State)
			}
		}
	}
}

type payloadLog struct {
	mu       sync.Mutex
	payloads []interface{}
}

func (p *payloadLog) PublishStreamEvent(streamID uuid.UUID, event string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
}

func TestPublishedStreamEventsCarryNoIngestCredentials(t *testing.T) {
	h := newHarness(t)
	events := &payloadLog{}
	h.svc.SetPublisher(events)
	ctx := context.Background()
	u := owner()

	s := h.start(t, u)
	require.NotEmpty(t, s.Endpoints.StreamKey)
	_, err := h.svc.EndLiveStream(ctx, s.ID, u)
	require.NoError(t, err)

	events.mu.Lock()
	defer events.mu.Unlock()
	require.Len(t, events.payloads, 2)
	for _, p := range events.payloads {
		st, ok := p.(*models.Stream)
		require.True(t, ok)
		assert.Empty(t, st.Endpoints.StreamKey)
		assert.Empty(t, st.Endpoints.IngestURL)
	}

	viewer := authz.Requester{UserID: uuid.New(), Role: models.RoleViewer}
	assert.Empty(t, h.svc.View(viewer, s).Endpoints.StreamKey)
	assert.Equal(t, s.Endpoints.StreamKey, h.svc.View(u, s).Endpoints.StreamKey)
}

func TestEndLiveStream_ArchivesWhenRecordingsAlreadyFinished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := owner()
	s := h.start(t, u)

	rec, err := h.svc.StartRecording(ctx, s.ID, u)
	require.NoError(t, err)
	_, err = h.svc.StopRecording(ctx, s.ID, u)
	require.NoError(t, err)
	h.fake.CompleteRecording(rec.ProviderHandle, "https://store.fake.local/r.mp4", 2048)
	got, err := h.svc.GetRecordingStatus(ctx, s.ID, u)
	require.NoError(t, err)
	require.Equal(t, models.RecordingStatusCompleted, got.Status)

	cur, err := h.registry.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, models.StreamStateLive, cur.State)

	ended, err := h.svc.EndLiveStream(ctx, s.ID, u)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStateArchived, ended.State)
	assert.NotNil(t, ended.ActualEnd)
}

func TestStartLiveStream_TitleLengthCountsCharacters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	title := strings.Repeat("配", 200)
	s, err := h.svc.StartLiveStream(ctx, uuid.New(), StreamConfig{Title: title})
	require.NoError(t, err)
	assert.Equal(t, title, s.Title)

	_, err = h.svc.StartLiveStream(ctx, uuid.New(), StreamConfig{Title: title + "信"})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestScheduledLowLatencyReachesProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := owner()

	s, err := h.svc.ScheduleLiveStream(ctx, u.UserID, StreamConfig{Title: "Fast", LowLatency: true}, time.Now().Add(time.Hour), nil)
	require.NoError(t, err)
	assert.True(t, s.LowLatency)

	live, err := h.svc.GoLive(ctx, s.ID, u)
	require.NoError(t, err)
	assert.True(t, live.LowLatency)
	assert.True(t, h.fake.LowLatency(live.ProviderStreamID))

	plain := h.start(t, u)
	assert.False(t, plain.LowLatency)
	assert.False(t, h.fake.LowLatency(plain.ProviderStreamID))
}

func TestNewService_NilLockerSharesCoordinatorLock(t *testing.T) {
	registry := streams.NewRegistry(streams.NewMemoryStore(), nil)
	fake := provider.NewFake()
	coord := recordings.NewCoordinator(recordings.NewMemoryStore(), registry, fake, nil, nil)
	svc := NewService(registry, coord, fake, nil, nil, nil)
	require.NotNil(t, svc.locker)
	assert.Same(t, coord.Locker(), svc.locker)

	u := owner()
	s, err := svc.StartLiveStream(context.Background(), u.UserID, StreamConfig{Title: "no locker given"})
	require.NoError(t, err)
	ended, err := svc.EndLiveStream(context.Background(), s.ID, u)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStateEnded, ended.State)
}
