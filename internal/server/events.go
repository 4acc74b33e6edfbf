package server

import (
	"context"
	"sync"
	"time"
)

const (
	// FeedEventPostCreated announces a newly submitted post.
	FeedEventPostCreated = "post-created"
	// FeedEventScoreChanged announces a committed vote and the resulting score.
	FeedEventScoreChanged = "score-changed"

	feedEventHeartbeat = "heartbeat"
)

// FeedEvent is one broadcast message on the live feed stream.
type FeedEvent struct {
	EventType string    `json:"event"`
	PostID    int64     `json:"post_id,omitempty"`
	Score     int64     `json:"score,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// FeedDispatcher fans feed events out to connected stream subscribers. The
// feed is public, so every subscriber sees every event. Slow subscribers drop
// events rather than blocking the publisher.
type FeedDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan FeedEvent
	nextID      int64
	bufferSize  int
}

// NewFeedDispatcher constructs a dispatcher with a small per-subscriber buffer.
func NewFeedDispatcher() *FeedDispatcher {
	return &FeedDispatcher{
		subscribers: make(map[int64]chan FeedEvent),
		bufferSize:  16,
	}
}

// Subscribe registers a stream until ctx is cancelled or the returned cleanup
// runs.
func (d *FeedDispatcher) Subscribe(ctx context.Context) (<-chan FeedEvent, func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	stream := make(chan FeedEvent, d.bufferSize)
	d.subscribers[id] = stream
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers the event to every subscriber that has buffer room.
func (d *FeedDispatcher) Publish(event FeedEvent) {
	if event.EventType == "" {
		return
	}
	d.mu.RLock()
	streams := make([]chan FeedEvent, 0, len(d.subscribers))
	for _, stream := range d.subscribers {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of connected streams.
func (d *FeedDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
