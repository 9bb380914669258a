package models

import (
	"time"

	"github.com/google/uuid"
)

// RecordingStatus represents recording lifecycle.
type RecordingStatus string

const (
	RecordingStatusRecording  RecordingStatus = "recording"
	RecordingStatusProcessing RecordingStatus = "processing"
	RecordingStatusCompleted  RecordingStatus = "completed"
	RecordingStatusFailed     RecordingStatus = "failed"
)

// Terminal reports whether the provider has finished with the recording.
func (s RecordingStatus) Terminal() bool {
	return s == RecordingStatusCompleted || s == RecordingStatusFailed
}

// CanTransitionRecording is the legal transition table for recordings.
func CanTransitionRecording(from, to RecordingStatus) bool {
	switch from {
	case RecordingStatusRecording:
		return to == RecordingStatusProcessing
	case RecordingStatusProcessing:
		return to == RecordingStatusCompleted || to == RecordingStatusFailed
	default:
		return false
	}
}

// Recording is a provider-side capture of one live session of a stream.
type Recording struct {
	ID              uuid.UUID       `json:"id"`
	StreamID        uuid.UUID       `json:"stream_id"`
	OwnerID         uuid.UUID       `json:"owner_id"`
	ProviderHandle  string          `json:"provider_handle,omitempty"`
	Status          RecordingStatus `json:"status"`
	StorageURL      string          `json:"storage_url,omitempty"`
	FileSize        *int64          `json:"file_size,omitempty"`
	DurationSeconds int             `json:"duration_seconds"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	ArchiveKey      string          `json:"archive_key,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	StoppedAt       *time.Time      `json:"stopped_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	LastCheckedAt   *time.Time      `json:"last_checked_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy.
func (r *Recording) Clone() *Recording {
	if r == nil {
		return nil
	}
	c := *r
	if r.FileSize != nil {
		v := *r.FileSize
		c.FileSize = &v
	}
	c.StoppedAt = cloneTime(r.StoppedAt)
	c.FinishedAt = cloneTime(r.FinishedAt)
	c.LastCheckedAt = cloneTime(r.LastCheckedAt)
	return &c
}

// Stale reports whether a processing recording should be re-polled.
func (r *Recording) Stale(now time.Time, freshness time.Duration) bool {
	if r.Status != RecordingStatusProcessing {
		return false
	}
	return r.LastCheckedAt == nil || now.Sub(*r.LastCheckedAt) >= freshness
}
