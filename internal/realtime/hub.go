package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// RedisPublisher publishes to Redis for cross-instance broadcast.
type RedisPublisher interface {
	Publish(streamID uuid.UUID, event string, data []byte) error
}

// RedisSubscriber subscribes to stream channels and invokes handler for incoming events.
type RedisSubscriber interface {
	Subscribe(streamID uuid.UUID, handler func(event string, data []byte)) (cancel func(), err error)
}

// Hub maintains stream_id -> set of connections and broadcasts stream events.
// With Redis configured, events go through pub/sub so every instance delivers them once.
type Hub struct {
	streams  map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func()
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// NewHub creates a new WebSocket hub. redisPub and redisSub may be nil.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		streams:  make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Register adds a client to a stream room. Starts the Redis subscription for the first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[c.StreamID] == nil {
		h.streams[c.StreamID] = make(map[string]*Client)
		if h.redisSub != nil {
			streamID := c.StreamID
			cancel, err := h.redisSub.Subscribe(streamID, func(event string, data []byte) {
				h.Broadcast(streamID, event, json.RawMessage(data))
			})
			if err != nil {
				h.logger.Warn("redis subscribe failed", zap.String("stream_id", streamID.String()), zap.Error(err))
			} else {
				h.subs[streamID] = cancel
			}
		}
	}
	h.streams[c.StreamID][c.ID] = c
	h.logger.Debug("client joined stream", zap.String("client_id", c.ID), zap.String("stream_id", c.StreamID.String()))
}

// Unregister removes a client. Cancels the Redis subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.streams[c.StreamID]
	if !ok {
		return
	}
	delete(m, c.ID)
	if len(m) == 0 {
		delete(h.streams, c.StreamID)
		if cancel, ok := h.subs[c.StreamID]; ok {
			cancel()
			delete(h.subs, c.StreamID)
		}
	}
	h.logger.Debug("client left stream", zap.String("client_id", c.ID), zap.String("stream_id", c.StreamID.String()))
}

// Broadcast sends a message to the local clients watching a stream.
func (h *Hub) Broadcast(streamID uuid.UUID, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Warn("encode stream event failed", zap.String("event", event), zap.Error(err))
		return
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.streams[streamID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// PublishStreamEvent implements Publisher.
func (h *Hub) PublishStreamEvent(streamID uuid.UUID, event string, payload interface{}) {
	if h.redis == nil {
		h.Broadcast(streamID, event, payload)
		return
	}
	data, err := encode(payload)
	if err != nil {
		h.logger.Warn("encode stream event failed", zap.String("event", event), zap.Error(err))
		return
	}
	if err := h.redis.Publish(streamID, event, data); err != nil {
		h.logger.Warn("publish stream event failed, delivering locally",
			zap.String("stream_id", streamID.String()), zap.String("event", event), zap.Error(err))
		h.Broadcast(streamID, event, json.RawMessage(data))
	}
}

// Watchers returns the number of connected clients for a stream.
func (h *Hub) Watchers(streamID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[streamID])
}

func encode(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}
