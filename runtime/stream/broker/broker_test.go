package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neomentor/engine/runtime/stream"
)

func TestPublishAssignsMonotonicSequences(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		evt, err := b.Publish(ctx, "sess-1", stream.EventStageProgress, stream.StageProgressPayload{Stage: "format", Attempt: 1})
		require.NoError(t, err)
		require.Equal(t, uint64(i), evt.Sequence)
	}

	// Sequences are per session.
	evt, err := b.Publish(ctx, "sess-2", stream.EventStageStarted, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), evt.Sequence)
}

func TestSubscriberReceivesOrderedEvents(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "sess-1")
	require.NoError(t, err)
	defer sub.Close()

	kinds := []stream.EventKind{stream.EventStageStarted, stream.EventStageProgress, stream.EventStageCompleted, stream.EventSessionTerminal}
	for _, k := range kinds {
		_, err := b.Publish(ctx, "sess-1", k, nil)
		require.NoError(t, err)
	}

	var got []stream.Event
	for evt := range sub.Events() {
		got = append(got, evt)
	}
	require.Len(t, got, len(kinds))
	for i, evt := range got {
		require.Equal(t, uint64(i), evt.Sequence)
		require.Equal(t, kinds[i], evt.Kind)
	}
	require.NoError(t, sub.Err())
}

func TestLateSubscriberGetsReplayWindow(t *testing.T) {
	t.Parallel()

	b := New(Options{ReplayWindow: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, "sess-1", stream.EventStageProgress, stream.StageProgressPayload{Attempt: i})
		require.NoError(t, err)
	}

	sub, err := b.Subscribe(ctx, "sess-1")
	require.NoError(t, err)
	defer sub.Close()

	first := <-sub.Events()
	second := <-sub.Events()
	require.Equal(t, uint64(3), first.Sequence)
	require.Equal(t, uint64(4), second.Sequence)
}

func TestTerminalClosesSubscribers(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "sess-1")
	require.NoError(t, err)

	_, err = b.Publish(ctx, "sess-1", stream.EventSessionTerminal, stream.SessionTerminalPayload{Status: "completed"})
	require.NoError(t, err)

	evt, ok := <-sub.Events()
	require.True(t, ok)
	require.Equal(t, stream.EventSessionTerminal, evt.Kind)

	_, ok = <-sub.Events()
	require.False(t, ok, "channel must close after terminal event")

	// Publishing past terminal is rejected.
	_, err = b.Publish(ctx, "sess-1", stream.EventLog, nil)
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestResubscribeAfterTerminalSeesSingleTerminal(t *testing.T) {
	t.Parallel()

	b := New(Options{Grace: time.Minute})
	ctx := context.Background()

	_, err := b.Publish(ctx, "sess-1", stream.EventStageCompleted, nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "sess-1", stream.EventSessionTerminal, nil)
	require.NoError(t, err)

	// A fresh subscriber during the grace period replays history and closes;
	// exactly one terminal event is observed.
	sub, err := b.Subscribe(ctx, "sess-1")
	require.NoError(t, err)

	var terminals int
	for evt := range sub.Events() {
		if evt.Kind.Terminal() {
			terminals++
		}
	}
	require.Equal(t, 1, terminals)
}

func TestSlowSubscriberIsEvictedNotBlocking(t *testing.T) {
	t.Parallel()

	b := New(Options{ReplayWindow: 4, SubscriberBuffer: 4})
	ctx := context.Background()

	slow, err := b.Subscribe(ctx, "sess-1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Publish well past the subscriber buffer without draining it.
		for i := 0; i < 32; i++ {
			_, err := b.Publish(ctx, "sess-1", stream.EventLog, stream.LogPayload{Message: "line"})
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	// Drain: the channel closed after eviction.
	for range slow.Events() {
	}
	require.ErrorIs(t, slow.Err(), ErrSlowSubscriber)
}

func TestConcurrentSubscribersObserveNonDecreasingOrder(t *testing.T) {
	t.Parallel()

	b := New(Options{SubscriberBuffer: 256})
	ctx := context.Background()

	const subscribers = 8
	const events = 100

	subs := make([]stream.Subscription, subscribers)
	for i := range subs {
		sub, err := b.Subscribe(ctx, "sess-1")
		require.NoError(t, err)
		subs[i] = sub
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub stream.Subscription) {
			defer wg.Done()
			var last int64 = -1
			for evt := range sub.Events() {
				if int64(evt.Sequence) <= last {
					t.Errorf("sequence regressed: %d after %d", evt.Sequence, last)
					return
				}
				last = int64(evt.Sequence)
			}
		}(sub)
	}

	for i := 0; i < events-1; i++ {
		_, err := b.Publish(ctx, "sess-1", stream.EventStageProgress, nil)
		require.NoError(t, err)
	}
	_, err := b.Publish(ctx, "sess-1", stream.EventSessionTerminal, nil)
	require.NoError(t, err)

	wg.Wait()
}

func TestTopicTornDownAfterGrace(t *testing.T) {
	t.Parallel()

	b := New(Options{Grace: 10 * time.Millisecond})
	ctx := context.Background()

	_, err := b.Publish(ctx, "sess-1", stream.EventSessionTerminal, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, ok := b.topics["sess-1"]
		return !ok
	}, time.Second, 5*time.Millisecond)
}

type captureSink struct {
	mu     sync.Mutex
	events []stream.Event
}

func (c *captureSink) Send(_ context.Context, evt stream.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *captureSink) Close(context.Context) error { return nil }

func TestForwardSinkMirrorsEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	b := New(Options{Forward: sink})
	ctx := context.Background()

	_, err := b.Publish(ctx, "sess-1", stream.EventStageStarted, stream.StageStartedPayload{Stage: "format"})
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	require.Equal(t, "sess-1", sink.events[0].SessionID)
	require.Equal(t, stream.EventStageStarted, sink.events[0].Kind)
}
