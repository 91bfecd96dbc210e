// Package broker provides the in-process stream.Bus implementation.
//
// Each session gets its own topic, created on the first publish or subscribe
// and torn down a short grace period after the session reaches a terminal
// status. Topics assign sequence numbers, keep a bounded replay window for
// late subscribers, and evict subscribers that fall behind rather than ever
// blocking the publisher.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neomentor/engine/runtime/stream"
)

var (
	// ErrSlowSubscriber indicates a subscriber was disconnected because its
	// buffer filled. The subscriber must resynchronize from the session's
	// persisted step history.
	ErrSlowSubscriber = errors.New("subscriber evicted: buffer full")
	// ErrSessionClosed indicates a publish was attempted after the session's
	// terminal event. Terminal state is authoritative in the session store,
	// not in the bus.
	ErrSessionClosed = errors.New("session stream closed")
	// ErrBrokerClosed indicates the broker has been shut down.
	ErrBrokerClosed = errors.New("broker closed")
)

type (
	// Options configures the broker.
	Options struct {
		// ReplayWindow is the number of most recent events retained per live
		// session so a subscriber attaching slightly late does not miss the
		// immediately preceding events. Defaults to 64.
		ReplayWindow int
		// SubscriberBuffer is the per-subscriber channel capacity. A subscriber
		// whose buffer fills is evicted. Defaults to 64 and is never smaller
		// than ReplayWindow.
		SubscriberBuffer int
		// Grace is how long a terminal topic is retained for late subscribers
		// before teardown. Defaults to 30 seconds.
		Grace time.Duration
		// Forward, when set, mirrors every published event to an external sink
		// (e.g. Pulse streams). Forward errors are reported to the publisher.
		Forward stream.Sink
	}

	// Broker implements stream.Bus with per-session topics.
	Broker struct {
		opts Options
		now  func() time.Time

		mu     sync.Mutex
		topics map[string]*topic
		closed bool
	}

	topic struct {
		broker    *Broker
		sessionID string

		mu       sync.Mutex
		seq      uint64
		replay   []stream.Event
		subs     map[*subscription]struct{}
		terminal bool
		teardown *time.Timer
	}

	subscription struct {
		topic *topic
		ch    chan stream.Event
		err   error
		once  sync.Once
	}
)

// New constructs a broker with the given options.
func New(opts Options) *Broker {
	if opts.ReplayWindow <= 0 {
		opts.ReplayWindow = 64
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.SubscriberBuffer < opts.ReplayWindow {
		opts.SubscriberBuffer = opts.ReplayWindow
	}
	if opts.Grace <= 0 {
		opts.Grace = 30 * time.Second
	}
	return &Broker{
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		topics: make(map[string]*topic),
	}
}

// WithClock overrides the broker clock. Test hook.
func (b *Broker) WithClock(now func() time.Time) *Broker {
	b.now = now
	return b
}

// Publish implements stream.Bus. It assigns the next sequence number for the
// session, delivers to all attached subscribers, and mirrors the event to the
// forward sink when one is configured. Publishing a terminal event closes the
// topic to further publishes and schedules teardown after the grace period.
func (b *Broker) Publish(ctx context.Context, sessionID string, kind stream.EventKind, payload any) (stream.Event, error) {
	if sessionID == "" {
		return stream.Event{}, fmt.Errorf("session id is required")
	}
	t, err := b.lookup(sessionID, true)
	if err != nil {
		return stream.Event{}, err
	}

	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return stream.Event{}, ErrSessionClosed
	}
	evt := stream.Event{
		SessionID: sessionID,
		Sequence:  t.seq,
		Kind:      kind,
		Payload:   payload,
		Timestamp: b.now(),
	}
	t.seq++

	t.replay = append(t.replay, evt)
	if len(t.replay) > b.opts.ReplayWindow {
		t.replay = t.replay[len(t.replay)-b.opts.ReplayWindow:]
	}

	for sub := range t.subs {
		select {
		case sub.ch <- evt:
		default:
			// Never stall the publisher: disconnect the laggard instead.
			delete(t.subs, sub)
			sub.err = ErrSlowSubscriber
			sub.closeLocked()
		}
	}

	if kind.Terminal() {
		t.terminal = true
		for sub := range t.subs {
			delete(t.subs, sub)
			sub.closeLocked()
		}
		t.teardown = time.AfterFunc(b.opts.Grace, func() { b.remove(sessionID, t) })
	}
	t.mu.Unlock()

	if b.opts.Forward != nil {
		if err := b.opts.Forward.Send(ctx, evt); err != nil {
			return evt, fmt.Errorf("forward event: %w", err)
		}
	}
	return evt, nil
}

// Subscribe implements stream.Bus. The returned subscription first receives
// the topic's replay window, then live events in sequence order. Subscribing
// to a topic that already terminated (but has not been torn down yet) yields
// the replayed events, terminal included, and then closes.
func (b *Broker) Subscribe(_ context.Context, sessionID string) (stream.Subscription, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	t, err := b.lookup(sessionID, true)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	sub := &subscription{
		topic: t,
		ch:    make(chan stream.Event, b.opts.SubscriberBuffer),
	}
	for _, evt := range t.replay {
		sub.ch <- evt
	}
	if t.terminal {
		sub.closeLocked()
		return sub, nil
	}
	t.subs[sub] = struct{}{}
	return sub, nil
}

// Close shuts the broker down: every subscriber channel is closed and all
// topics are discarded. Pending events are dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.topics = make(map[string]*topic)
	b.closed = true
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		if t.teardown != nil {
			t.teardown.Stop()
		}
		for sub := range t.subs {
			delete(t.subs, sub)
			sub.closeLocked()
		}
		t.terminal = true
		t.mu.Unlock()
	}
}

// lookup returns the topic for the session, creating it when create is set.
func (b *Broker) lookup(sessionID string, create bool) (*topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	t, ok := b.topics[sessionID]
	if !ok {
		if !create {
			return nil, ErrSessionClosed
		}
		t = &topic{
			broker:    b,
			sessionID: sessionID,
			subs:      make(map[*subscription]struct{}),
		}
		b.topics[sessionID] = t
	}
	return t, nil
}

// remove tears the topic down once the grace period elapses.
func (b *Broker) remove(sessionID string, t *topic) {
	b.mu.Lock()
	if cur, ok := b.topics[sessionID]; ok && cur == t {
		delete(b.topics, sessionID)
	}
	b.mu.Unlock()
}

// Events implements stream.Subscription.
func (s *subscription) Events() <-chan stream.Event { return s.ch }

// Err implements stream.Subscription.
func (s *subscription) Err() error {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	return s.err
}

// Close implements stream.Subscription.
func (s *subscription) Close() {
	s.topic.mu.Lock()
	delete(s.topic.subs, s)
	s.closeLocked()
	s.topic.mu.Unlock()
}

// closeLocked closes the channel exactly once. Callers hold the topic lock.
func (s *subscription) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}
