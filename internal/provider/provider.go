// Package provider adapts the external streaming provider (RTMP ingest, HLS/DASH
// playback, cloud recording) behind one narrow interface.
package provider

import (
	"context"
	"time"
)

// StreamConfig is what we ask the provider to create.
type StreamConfig struct {
	ExternalID  string `json:"external_id"` // our stream id, so provider-side resources can be traced back
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	LowLatency  bool   `json:"low_latency,omitempty"`
}

// CreatedStream is the provider's answer to CreateStream.
type CreatedStream struct {
	ProviderStreamID string `json:"id"`
	StreamKey        string `json:"stream_key"`
	IngestURL        string `json:"ingest_url"`
	PlaybackURL      string `json:"playback_url"`
	HLSURL           string `json:"hls_url"`
	DASHURL          string `json:"dash_url"`
}

// StreamStatus is a live snapshot of a provider stream.
type StreamStatus struct {
	IsLive      bool `json:"is_live"`
	ViewerCount int  `json:"viewer_count"`
}

// StreamStats are provider-side statistics for a stream.
type StreamStats struct {
	ViewerCount     int     `json:"viewer_count"`
	PeakViewerCount int     `json:"peak_viewer_count"`
	BitrateKbps     int     `json:"bitrate_kbps"`
	FrameRate       float64 `json:"frame_rate"`
	Resolution      string  `json:"resolution,omitempty"`
	DurationSeconds int64   `json:"duration_seconds"`
}

// RecordingHandle identifies a provider-side recording job.
type RecordingHandle struct {
	Handle    string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// Provider-side recording states.
const (
	RecordingStateRecording  = "recording"
	RecordingStateProcessing = "processing"
	RecordingStateCompleted  = "completed"
	RecordingStateFailed     = "failed"
)

// RecordingStatus is the provider's view of a recording job.
type RecordingStatus struct {
	Status          string `json:"status"`
	StorageURL      string `json:"storage_url,omitempty"`
	FileSize        *int64 `json:"file_size,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Client is the contract every provider adapter implements. Failures are
// reported with the provider kinds of package errs.
type Client interface {
	CreateStream(ctx context.Context, cfg StreamConfig) (*CreatedStream, error)
	// EndStream is idempotent: ending an unknown or already ended stream returns nil.
	EndStream(ctx context.Context, providerStreamID string) error
	// GetStatus returns errs.ErrProviderNotFound when the provider has no such stream.
	GetStatus(ctx context.Context, providerStreamID string) (*StreamStatus, error)
	GetStats(ctx context.Context, providerStreamID string) (*StreamStats, error)
	StartRecording(ctx context.Context, providerStreamID string) (*RecordingHandle, error)
	// StopRecording returns errs.ErrProviderNotFound when the recording is already gone.
	StopRecording(ctx context.Context, handle string) error
	GetRecordingStatus(ctx context.Context, handle string) (*RecordingStatus, error)
}
