// ABOUTME: Tests for the session frame broadcaster
// ABOUTME: Covers fan-out, session isolation, slow-subscriber drops, and cleanup

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvFrame(t *testing.T, ch <-chan Frame) Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestBroadcaster_FanOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := context.Background()
	ch1, _ := b.Subscribe(ctx, "s1")
	ch2, _ := b.Subscribe(ctx, "s1")

	b.Publish("s1", NewFrame(FrameChatDelta, "r1", ChatDeltaPayload{Text: "x"}))

	assert.Equal(t, FrameChatDelta, recvFrame(t, ch1).Type)
	assert.Equal(t, FrameChatDelta, recvFrame(t, ch2).Type)
}

func TestBroadcaster_SessionsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := context.Background()
	ch1, _ := b.Subscribe(ctx, "s1")
	ch2, _ := b.Subscribe(ctx, "s2")

	b.Publish("s1", NewFrame(FrameChatDone, "r1", ChatDonePayload{OK: true}))

	assert.Equal(t, FrameChatDone, recvFrame(t, ch1).Type)
	select {
	case f := <-ch2:
		t.Fatalf("unexpected frame on other session: %s", f.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), "s1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish("s1", NewFrame(FrameChatDelta, "r1", ChatDeltaPayload{Text: "x"}))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffer's worth arrived; the overflow was dropped.
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_PublishDuringUnsubscribeDoesNotPanic(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// Publishes racing channel-closing unsubscribes must never send on a
	// closed channel.
	const subscribers = 64
	subIDs := make([]string, subscribers)
	for i := range subIDs {
		_, subIDs[i] = b.Subscribe(context.Background(), "s1")
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					b.Publish("s1", NewFrame(FrameChatDelta, "r1", ChatDeltaPayload{Text: "x"}))
				}
			}
		}()
	}

	for _, subID := range subIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			b.Unsubscribe("s1", id)
		}(subID)
	}

	assert.Eventually(t, func() bool {
		return b.SubscriberCount("s1") == 0
	}, 5*time.Second, 10*time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(context.Background(), "s1")
	require.Equal(t, 1, b.SubscriberCount("s1"))

	b.Unsubscribe("s1", subID)
	assert.Equal(t, 0, b.SubscriberCount("s1"))

	_, open := <-ch
	assert.False(t, open)
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	b.Subscribe(ctx, "s1")
	require.Equal(t, 1, b.SubscriberCount("s1"))

	cancel()
	assert.Eventually(t, func() bool {
		return b.SubscriberCount("s1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
