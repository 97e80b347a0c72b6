// ABOUTME: In-memory fan-out of delta frames to all subscribers of a task
// ABOUTME: Non-blocking sends; slow subscribers lose frames, never stall a conversation

package live

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/conversation"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Broadcaster provides in-memory pub/sub for delta frames, keyed by task
// id. It implements conversation.DeltaSink.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan conversation.Delta // taskID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan conversation.Delta),
		logger:      logger.With("component", "live"),
	}
}

// PublishDelta fans a frame out to every subscriber of its task.
// Non-blocking: frames are dropped for subscribers whose channels are
// full.
func (b *Broadcaster) PublishDelta(delta conversation.Delta) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Sends happen under the read lock so Unsubscribe, which closes the
	// channel under the write lock, can never interleave with a send.
	// Sends never block, so the lock is held only briefly.
	for _, ch := range b.subscribers[delta.TaskID] {
		select {
		case ch <- delta:
		default:
			b.logger.Debug("dropped delta for slow subscriber", "task_id", delta.TaskID)
		}
	}
}

// Subscribe registers a subscriber for a task's delta frames. The
// subscription is cleaned up automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, taskID string) (<-chan conversation.Delta, string) {
	subID := uuid.New().String()
	ch := make(chan conversation.Delta, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[taskID]; !ok {
		b.subscribers[taskID] = make(map[string]chan conversation.Delta)
	}
	b.subscribers[taskID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "task_id", taskID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(taskID, subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(taskID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[taskID]
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
		delete(b.subscribers, taskID)
	}

	b.logger.Debug("subscriber removed", "task_id", taskID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for taskID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, taskID)
	}
}
