// Package feeds manages client subscriptions to live thread feeds and provides
// a thread-safe interface for propagating messages to them across all server
// instances.
package feeds

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bakape/liveupdate/auth"
	"github.com/bakape/liveupdate/common"
	"github.com/go-playground/log"
)

// Message exchanged between hubs through the bus
type busMessage struct {
	Origin string          `json:"o"` // Publishing hub
	Thread string          `json:"t"`
	Data   json.RawMessage `json:"d"`
}

// Hub contains and manages all active thread feeds of this server instance
// and exchanges published messages with other instances through a Bus
type Hub struct {
	mu     sync.RWMutex
	feeds  map[string]*Feed
	bus    Bus
	origin string
}

// NewHub creates a hub. bus can be nil, in which case messages are only
// delivered to clients subscribed to this hub.
func NewHub(bus Bus) (*Hub, error) {
	origin, err := auth.RandomID(12)
	if err != nil {
		return nil, err
	}
	return &Hub{
		feeds:  make(map[string]*Feed, 64),
		bus:    bus,
		origin: origin,
	}, nil
}

// Start receiving messages published by other hubs until ctx is canceled
func (h *Hub) Start(ctx context.Context) error {
	if h.bus == nil {
		return nil
	}
	return h.bus.Subscribe(ctx, h.receive)
}

// Subscribe adds a client to a thread's feed. Once Subscribe returns, the
// client receives all messages published to the thread.
func (h *Hub) Subscribe(thread string, c common.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	feed, ok := h.feeds[thread]
	if !ok {
		feed = newFeed(thread)
		h.feeds[thread] = feed
		feed.start()
	}
	feed.add <- c
}

// Unsubscribe removes a client from a thread's feed
func (h *Hub) Unsubscribe(thread string, c common.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	feed := h.feeds[thread]
	if feed == nil {
		return
	}
	feed.remove <- c
	// If the feeds sends a non-nil, it means it closed
	if nil != <-feed.remove {
		delete(h.feeds, feed.id)
	}
}

// Publish delivers msg to all clients subscribed to thread on any hub
func (h *Hub) Publish(ctx context.Context, thread string, msg []byte) error {
	h.deliver(thread, msg)
	if h.bus == nil {
		return nil
	}

	buf, err := json.Marshal(busMessage{
		Origin: h.origin,
		Thread: thread,
		Data:   msg,
	})
	if err != nil {
		return err
	}
	busMessages.WithLabelValues("sent").Inc()
	return h.bus.Publish(ctx, buf)
}

// Send a message to a local feed, if it exists
func (h *Hub) deliver(thread string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if feed := h.feeds[thread]; feed != nil {
		feed.send <- msg
	}
}

// Handle a message received from the bus
func (h *Hub) receive(buf []byte) {
	var msg busMessage
	if err := json.Unmarshal(buf, &msg); err != nil {
		log.Errorf("feeds: invalid bus message: %s", err)
		return
	}
	// Already delivered locally on publish
	if msg.Origin == h.origin {
		return
	}
	busMessages.WithLabelValues("received").Inc()
	h.deliver(msg.Thread, msg.Data)
}

// Returns, if a feed for thread is running on this hub
func (h *Hub) hasFeed(thread string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.feeds[thread]
	return ok
}
