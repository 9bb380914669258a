package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackPubSub delivers published events to local subscribers synchronously.
type loopbackPubSub struct {
	mu       sync.Mutex
	handlers map[uuid.UUID]func(string, []byte)
	fail     bool
}

func newLoopback() *loopbackPubSub {
	return &loopbackPubSub{handlers: make(map[uuid.UUID]func(string, []byte))}
}

func (l *loopbackPubSub) Publish(streamID uuid.UUID, event string, data []byte) error {
	l.mu.Lock()
	h, fail := l.handlers[streamID], l.fail
	l.mu.Unlock()
	if fail {
		return errors.New("redis down")
	}
	if h != nil {
		h(event, data)
	}
	return nil
}

func (l *loopbackPubSub) Subscribe(streamID uuid.UUID, handler func(string, []byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[streamID] = handler
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers, streamID)
	}, nil
}

func testClient(hub *Hub, streamID uuid.UUID) *Client {
	return &Client{ID: uuid.NewString(), StreamID: streamID, hub: hub, send: make(chan WSMessage, 4)}
}

func receive(t *testing.T, c *Client) WSMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return WSMessage{}
	}
}

func TestHub_PublishLocalOnly(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	streamID := uuid.New()
	watcher := testClient(hub, streamID)
	other := testClient(hub, uuid.New())
	hub.Register(watcher)
	hub.Register(other)

	hub.PublishStreamEvent(streamID, EventStreamEnded, map[string]string{"state": "ended"})

	msg := receive(t, watcher)
	assert.Equal(t, EventStreamEnded, msg.Event)
	var body map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, "ended", body["state"])
	assert.Empty(t, other.send)
}

func TestHub_PublishThroughRedisDeliversOnce(t *testing.T) {
	ps := newLoopback()
	hub := NewHub(nil, ps, ps)
	streamID := uuid.New()
	c := testClient(hub, streamID)
	hub.Register(c)

	hub.PublishStreamEvent(streamID, EventRecordingStarted, map[string]string{"status": "recording"})
	assert.Equal(t, EventRecordingStarted, receive(t, c).Event)
	assert.Empty(t, c.send)
}

func TestHub_RedisFailureFallsBackToLocal(t *testing.T) {
	ps := newLoopback()
	hub := NewHub(nil, ps, ps)
	streamID := uuid.New()
	c := testClient(hub, streamID)
	hub.Register(c)
	ps.fail = true

	hub.PublishStreamEvent(streamID, EventStreamLive, nil)
	assert.Equal(t, EventStreamLive, receive(t, c).Event)
}

func TestHub_UnregisterCancelsSubscription(t *testing.T) {
	ps := newLoopback()
	hub := NewHub(nil, ps, ps)
	streamID := uuid.New()
	a, b := testClient(hub, streamID), testClient(hub, streamID)
	hub.Register(a)
	hub.Register(b)
	assert.Equal(t, 2, hub.Watchers(streamID))

	hub.Unregister(a)
	ps.mu.Lock()
	_, subscribed := ps.handlers[streamID]
	ps.mu.Unlock()
	assert.True(t, subscribed)

	hub.Unregister(b)
	ps.mu.Lock()
	_, subscribed = ps.handlers[streamID]
	ps.mu.Unlock()
	assert.False(t, subscribed)
	assert.Zero(t, hub.Watchers(streamID))
}
