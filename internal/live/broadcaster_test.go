// ABOUTME: Tests for the delta broadcaster fan-out
// ABOUTME: Verifies task isolation, slow-subscriber drops, and unsubscribe cleanup

package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/conversation"
)

func testDelta(taskID, typ string) conversation.Delta {
	return conversation.Delta{
		TaskID:    taskID,
		Type:      typ,
		Payload:   []byte(`{"delta":"x"}`),
		Timestamp: time.Now(),
	}
}

func TestBroadcaster_DeliversToAllSubscribersOfTask(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := context.Background()
	ch1, _ := b.Subscribe(ctx, "task-1")
	ch2, _ := b.Subscribe(ctx, "task-1")
	other, _ := b.Subscribe(ctx, "task-2")

	b.PublishDelta(testDelta("task-1", "response.output_text.delta"))

	for i, ch := range []<-chan conversation.Delta{ch1, ch2} {
		select {
		case d := <-ch:
			assert.Equal(t, "task-1", d.TaskID, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive delta", i)
		}
	}

	select {
	case <-other:
		t.Fatal("subscriber of another task received the delta")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_PublishWithoutSubscribersIsNoop(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// Must not panic or block.
	b.PublishDelta(testDelta("task-1", "response.output_text.delta"))
}

func TestBroadcaster_SlowSubscriberLosesFramesNotConversation(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), "task-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Publish more than the buffer without draining.
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.PublishDelta(testDelta("task-1", "response.output_text.delta"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffered frames are still readable.
	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			assert.Equal(t, subscriberBufferSize, received)
			return
		}
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(context.Background(), "task-1")
	b.Unsubscribe("task-1", subID)

	_, open := <-ch
	assert.False(t, open, "channel must be closed after unsubscribe")

	// Double unsubscribe is safe.
	b.Unsubscribe("task-1", subID)
}

func TestBroadcaster_PublishDuringUnsubscribeIsSafe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// A publisher hammers the task while subscribers churn. Closing a
	// channel mid-send would panic, so the test only has to survive.
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.PublishDelta(testDelta("task-1", "response.output_text.delta"))
			}
		}
	}()

	for i := 0; i < 200; i++ {
		_, subID := b.Subscribe(context.Background(), "task-1")
		b.Unsubscribe("task-1", subID)
	}

	close(stop)
	wg.Wait()
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "task-1")
	cancel()

	select {
	case _, open := <-ch:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancellation")
	}
}
