package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/livestream/internal/errs"
)

// Operation names used by Fake for call counting and failure injection.
const (
	OpCreateStream       = "create_stream"
	OpEndStream          = "end_stream"
	OpGetStatus          = "get_status"
	OpGetStats           = "get_stats"
	OpStartRecording     = "start_recording"
	OpStopRecording      = "stop_recording"
	OpGetRecordingStatus = "get_recording_status"
)

type fakeStream struct {
	live       bool
	lowLatency bool
	viewers    int
	peak       int
}

// Fake is an in-memory provider used by tests and local development
// (PROVIDER_MODE=fake). It is safe for concurrent use.
type Fake struct {
	mu         sync.Mutex
	streams    map[string]*fakeStream
	recordings map[string]*RecordingStatus
	recStream  map[string]string
	failures   map[string][]error
	calls      map[string][]string
}

// NewFake creates an empty fake provider.
func NewFake() *Fake {
	return &Fake{
		streams:    make(map[string]*fakeStream),
		recordings: make(map[string]*RecordingStatus),
		recStream:  make(map[string]string),
		failures:   make(map[string][]error),
		calls:      make(map[string][]string),
	}
}

// FailNext queues errors returned by the next calls of op, one per call.
func (f *Fake) FailNext(op string, errList ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errList...)
}

// Calls returns the arguments op was called with, in order.
func (f *Fake) Calls(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[op]...)
}

// SetViewers sets the live viewer count of a provider stream.
func (f *Fake) SetViewers(providerStreamID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.streams[providerStreamID]; ok {
		s.viewers = n
		if n > s.peak {
			s.peak = n
		}
	}
}

// LowLatency reports whether a provider stream was created in low-latency mode.
func (f *Fake) LowLatency(providerStreamID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[providerStreamID]
	return ok && s.lowLatency
}

// DropStream forgets a provider stream, as if the provider had terminated and purged it.
func (f *Fake) DropStream(providerStreamID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streams, providerStreamID)
}

// CompleteRecording marks a recording as transcoded and uploaded.
func (f *Fake) CompleteRecording(handle, storageURL string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordings[handle] = &RecordingStatus{Status: RecordingStateCompleted, StorageURL: storageURL, FileSize: &size, DurationSeconds: 60}
}

// FailRecording marks a recording as failed on the provider side.
func (f *Fake) FailRecording(handle, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordings[handle] = &RecordingStatus{Status: RecordingStateFailed, Error: reason}
}

// RecordingState returns the provider status of a recording ("" when unknown).
func (f *Fake) RecordingState(handle string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.recordings[handle]; ok {
		return r.Status
	}
	return ""
}

func (f *Fake) record(op, arg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op] = append(f.calls[op], arg)
	if q := f.failures[op]; len(q) > 0 {
		err := q[0]
		f.failures[op] = q[1:]
		return err
	}
	return nil
}

func (f *Fake) CreateStream(ctx context.Context, cfg StreamConfig) (*CreatedStream, error) {
	if err := f.record(OpCreateStream, cfg.ExternalID); err != nil {
		return nil, err
	}
	if cfg.Title == "" {
		return nil, fmt.Errorf("%w: title required", errs.ErrProviderRejected)
	}
	id := "ps_" + uuid.NewString()
	key := "sk_" + uuid.NewString()[:16]
	f.mu.Lock()
	f.streams[id] = &fakeStream{live: true, lowLatency: cfg.LowLatency}
	f.mu.Unlock()
	return &CreatedStream{
		ProviderStreamID: id,
		StreamKey:        key,
		IngestURL:        "rtmp://ingest.fake.local/live",
		PlaybackURL:      "https://play.fake.local/" + id,
		HLSURL:           "https://play.fake.local/" + id + "/index.m3u8",
		DASHURL:          "https://play.fake.local/" + id + "/manifest.mpd",
	}, nil
}

func (f *Fake) EndStream(ctx context.Context, providerStreamID string) error {
	if err := f.record(OpEndStream, providerStreamID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.streams[providerStreamID]; ok {
		s.live = false
	}
	for handle, sid := range f.recStream {
		if sid == providerStreamID && f.recordings[handle].Status == RecordingStateRecording {
			f.recordings[handle].Status = RecordingStateProcessing
		}
	}
	return nil
}

func (f *Fake) GetStatus(ctx context.Context, providerStreamID string) (*StreamStatus, error) {
	if err := f.record(OpGetStatus, providerStreamID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[providerStreamID]
	if !ok {
		return nil, fmt.Errorf("get stream status: %w", errs.ErrProviderNotFound)
	}
	return &StreamStatus{IsLive: s.live, ViewerCount: s.viewers}, nil
}

func (f *Fake) GetStats(ctx context.Context, providerStreamID string) (*StreamStats, error) {
	if err := f.record(OpGetStats, providerStreamID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[providerStreamID]
	if !ok {
		return nil, fmt.Errorf("get stream stats: %w", errs.ErrProviderNotFound)
	}
	return &StreamStats{ViewerCount: s.viewers, PeakViewerCount: s.peak, BitrateKbps: 4500, FrameRate: 30, Resolution: "1920x1080"}, nil
}

func (f *Fake) StartRecording(ctx context.Context, providerStreamID string) (*RecordingHandle, error) {
	if err := f.record(OpStartRecording, providerStreamID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[providerStreamID]
	if !ok {
		return nil, fmt.Errorf("start recording: %w", errs.ErrProviderNotFound)
	}
	if !s.live {
		return nil, fmt.Errorf("start recording: %w: stream not live", errs.ErrProviderRejected)
	}
	handle := "rec_" + uuid.NewString()
	f.recordings[handle] = &RecordingStatus{Status: RecordingStateRecording}
	f.recStream[handle] = providerStreamID
	return &RecordingHandle{Handle: handle, StartedAt: time.Now()}, nil
}

func (f *Fake) StopRecording(ctx context.Context, handle string) error {
	if err := f.record(OpStopRecording, handle); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recordings[handle]
	if !ok || r.Status != RecordingStateRecording {
		return fmt.Errorf("stop recording: %w", errs.ErrProviderNotFound)
	}
	r.Status = RecordingStateProcessing
	return nil
}

func (f *Fake) GetRecordingStatus(ctx context.Context, handle string) (*RecordingStatus, error) {
	if err := f.record(OpGetRecordingStatus, handle); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recordings[handle]
	if !ok {
		return nil, fmt.Errorf("get recording status: %w", errs.ErrProviderNotFound)
	}
	c := *r
	return &c, nil
}
