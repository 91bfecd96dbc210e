package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/neomentor/engine/features/stream/pulse/clients/pulse"
	"github.com/neomentor/engine/runtime/stream"
)

type (
	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "engine_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes session event streams published by a Sink, decoding
	// envelopes back into stream.Event values. It is how a process that does
	// not run the session follows it live.
	Subscriber struct {
		client clientspulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "engine_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe opens a consumer group on the session's stream and returns
// channels for decoded events and errors. The returned cancel function stops
// consumption and closes both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	sessionID string,
	opts ...streamopts.Sink,
) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	if sessionID == "" {
		return nil, nil, nil, errors.New("session id is required")
	}
	str, err := s.client.Stream(fmt.Sprintf("session/%s", sessionID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := decodeEnvelope(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the JSON envelope written by the Sink. The
// payload stays a json.RawMessage; consumers that need a concrete payload
// type unmarshal it themselves based on Kind.
func decodeEnvelope(payload []byte) (stream.Event, error) {
	var env struct {
		SessionID string          `json:"session_id"`
		Sequence  uint64          `json:"sequence"`
		Kind      string          `json:"kind"`
		Timestamp json.RawMessage `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return stream.Event{}, err
	}
	if env.SessionID == "" {
		return stream.Event{}, errors.New("envelope missing session id")
	}
	ev := stream.Event{
		SessionID: env.SessionID,
		Sequence:  env.Sequence,
		Kind:      stream.EventKind(env.Kind),
		Payload:   env.Payload,
	}
	if len(env.Timestamp) > 0 {
		if err := json.Unmarshal(env.Timestamp, &ev.Timestamp); err != nil {
			return stream.Event{}, fmt.Errorf("envelope timestamp: %w", err)
		}
	}
	return ev, nil
}
