package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StreamState is the lifecycle state of a live stream.
type StreamState string

const (
	StreamStateScheduled StreamState = "scheduled"
	StreamStateLive      StreamState = "live"
	StreamStateEnded     StreamState = "ended"
	StreamStateArchived  StreamState = "archived"
)

// Why a stream ended.
const (
	EndReasonRequested     = "requested"
	EndReasonProviderEnded = "provider_ended"
	EndReasonCancelled     = "cancelled"
)

// Valid reports whether s is one of the known states.
func (s StreamState) Valid() bool {
	switch s {
	case StreamStateScheduled, StreamStateLive, StreamStateEnded, StreamStateArchived:
		return true
	}
	return false
}

// Finished reports whether the stream can no longer go live.
func (s StreamState) Finished() bool {
	return s == StreamStateEnded || s == StreamStateArchived
}

// CanTransitionStream is the legal transition table for streams.
// Keep it explicit; everything not listed is rejected.
func CanTransitionStream(from, to StreamState) bool {
	switch from {
	case StreamStateScheduled:
		return to == StreamStateLive || to == StreamStateEnded
	case StreamStateLive:
		return to == StreamStateEnded
	case StreamStateEnded:
		return to == StreamStateArchived
	default:
		return false
	}
}

// PlaybackEndpoints are issued by the streaming provider and never change once set.
type PlaybackEndpoints struct {
	PlaybackURL string `json:"playback_url,omitempty"`
	HLSURL      string `json:"hls_url,omitempty"`
	DASHURL     string `json:"dash_url,omitempty"`
	IngestURL   string `json:"ingest_url,omitempty"`
	StreamKey   string `json:"stream_key,omitempty"`
}

// IsZero reports whether no endpoint has been issued yet.
func (e PlaybackEndpoints) IsZero() bool {
	return e == PlaybackEndpoints{}
}

// Stream is one live or scheduled broadcast.
type Stream struct {
	ID                uuid.UUID         `json:"id"`
	OwnerID           uuid.UUID         `json:"owner_id"`
	Title             string            `json:"title"`
	Description       string            `json:"description,omitempty"`
	LowLatency        bool              `json:"low_latency"`
	State             StreamState       `json:"state"`
	ProviderStreamID  string            `json:"provider_stream_id,omitempty"`
	ScheduledStart    *time.Time        `json:"scheduled_start,omitempty"`
	ScheduledEnd      *time.Time        `json:"scheduled_end,omitempty"`
	ActualStart       *time.Time        `json:"actual_start,omitempty"`
	ActualEnd         *time.Time        `json:"actual_end,omitempty"`
	Endpoints         PlaybackEndpoints `json:"endpoints"`
	ConcurrentViewers int               `json:"concurrent_viewers"`
	PeakViewers       int               `json:"peak_viewers"`
	EndReason         string            `json:"end_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Clone returns a deep copy, so stores never hand out shared pointers.
func (s *Stream) Clone() *Stream {
	if s == nil {
		return nil
	}
	c := *s
	c.ScheduledStart = cloneTime(s.ScheduledStart)
	c.ScheduledEnd = cloneTime(s.ScheduledEnd)
	c.ActualStart = cloneTime(s.ActualStart)
	c.ActualEnd = cloneTime(s.ActualEnd)
	return &c
}

// Public returns a copy without the ingest credentials. Only the owner or a
// privileged user may see IngestURL and StreamKey.
func (s *Stream) Public() *Stream {
	c := s.Clone()
	if c != nil {
		c.Endpoints.IngestURL = ""
		c.Endpoints.StreamKey = ""
	}
	return c
}

// CheckInvariants verifies that ActualStart is set iff the stream has gone live
// and ActualEnd is set iff it has ended.
func (s *Stream) CheckInvariants() error {
	if !s.State.Valid() {
		return fmt.Errorf("stream %s: unknown state %q", s.ID, s.State)
	}
	started := s.State == StreamStateLive || s.State.Finished()
	if started != (s.ActualStart != nil) {
		return fmt.Errorf("stream %s: actual_start set=%t in state %s", s.ID, s.ActualStart != nil, s.State)
	}
	if s.State.Finished() != (s.ActualEnd != nil) {
		return fmt.Errorf("stream %s: actual_end set=%t in state %s", s.ID, s.ActualEnd != nil, s.State)
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
