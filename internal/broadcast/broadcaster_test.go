// ABOUTME: Tests for the session-update broadcaster fan-out.
// ABOUTME: Covers topics, wildcard delivery, drop-on-full, and cancellation.

package broadcast

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/connection"
)

// testContext mirrors testContext(t) for toolchains before Go 1.24: a context
// canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func makeUpdate(connID, sessionKey string) Update {
	return Update{
		ConnectionID: connID,
		Kind:         "session",
		Session:      connection.Session{Key: sessionKey, ConnectionID: connID},
	}
}

func TestBroadcaster_SingleSubscriberReceivesUpdate(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, _ := b.Subscribe(testContext(t), "gw1")
	b.Publish(makeUpdate("gw1", "agent:main:main"))

	select {
	case got := <-ch:
		assert.Equal(t, "agent:main:main", got.Session.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestBroadcaster_TopicsAreIsolated(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(testContext(t), "gw1")
	ch2, _ := b.Subscribe(testContext(t), "gw2")

	b.Publish(makeUpdate("gw1", "agent:main:main"))

	select {
	case got := <-ch1:
		assert.Equal(t, "gw1", got.ConnectionID)
	case <-time.After(time.Second):
		t.Fatal("gw1 subscriber timed out")
	}
	select {
	case <-ch2:
		t.Fatal("gw2 subscriber should not see gw1 updates")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_WildcardReceivesEverything(t *testing.T) {
	b := New(nil)
	defer b.Close()

	all, _ := b.Subscribe(testContext(t), TopicAll)
	b.Publish(makeUpdate("gw1", "a"))
	b.Publish(makeUpdate("cc1", "b"))

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case u := <-all:
			got = append(got, u.ConnectionID)
		case <-time.After(time.Second):
			t.Fatal("wildcard subscriber timed out")
		}
	}
	assert.ElementsMatch(t, []string{"gw1", "cc1"}, got)
}

func TestBroadcaster_SlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, _ := b.Subscribe(testContext(t), "gw1")

	// Overfill the buffer without draining; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize+10; i++ {
			b.Publish(makeUpdate("gw1", fmt.Sprintf("s-%d", i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	// The buffered prefix is intact.
	first := <-ch
	assert.Equal(t, "s-0", first.Session.Key)
	assert.Len(t, ch, subscriberBufferSize-1)
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, subID := b.Subscribe(testContext(t), "gw1")
	b.Unsubscribe("gw1", subID)

	_, open := <-ch
	assert.False(t, open)

	// Publishing afterwards reaches nobody and does not panic.
	b.Publish(makeUpdate("gw1", "late"))

	// Unsubscribing twice is a no-op.
	b.Unsubscribe("gw1", subID)
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "gw1")
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "cancellation closes the channel")
}

func TestBroadcaster_CloseClosesAllChannels(t *testing.T) {
	b := New(nil)

	ch1, _ := b.Subscribe(testContext(t), "gw1")
	ch2, _ := b.Subscribe(testContext(t), TopicAll)
	b.Close()

	_, open := <-ch1
	assert.False(t, open)
	_, open = <-ch2
	assert.False(t, open)
}
