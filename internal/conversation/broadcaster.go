// ABOUTME: In-memory fan-out of session frames to all subscribed connections
// ABOUTME: Non-blocking publish; slow or dead subscribers never stall the model

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster provides in-memory pub/sub for session frames. Subscribers
// register for a session id and receive every frame the model emits for it.
// It is a fan-out list only: it is never authoritative for run state.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Frame // sessionID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Frame),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for frames on the given session. Returns
// a channel that receives frames and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan Frame, string) {
	subID := uuid.New().String()
	ch := make(chan Frame, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan Frame)
	}
	b.subscribers[sessionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Publish sends a frame to all subscribers of the given session.
// Non-blocking: frames are dropped for subscribers whose channels are full.
// The read lock is held across the sends; they never block, and Unsubscribe
// closes channels under the write lock, so a send can never race a close.
func (b *Broadcaster) Publish(sessionID string, frame Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[sessionID] {
		select {
		case ch <- frame:
		default:
			// Subscriber channel full — drop the frame for this subscriber.
			// Resync happens through the next hello/snapshot exchange.
			b.logger.Debug("dropped frame for slow subscriber",
				"session_id", sessionID,
				"frame_type", frame.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// SubscriberCount returns the number of live subscribers for a session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("broadcaster closed")
}
