// Package pulse mirrors session events onto goa.design/pulse streams so
// observers in other processes can follow a session without a connection to
// the engine instance running it. The in-process broker remains the source of
// sequence numbers; this sink only forwards what the broker published.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "github.com/neomentor/engine/features/stream/pulse/clients/pulse"
	"github.com/neomentor/engine/runtime/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `session/<SessionID>`.
		StreamID func(stream.Event) (string, error)
	}

	// Sink publishes session events into Pulse streams. Safe for concurrent
	// Send calls.
	Sink struct {
		client   clientspulse.Client
		streamID func(stream.Event) (string, error)
	}

	// envelope is the wire form of a session event on a Pulse stream.
	envelope struct {
		SessionID string    `json:"session_id"`
		Sequence  uint64    `json:"sequence"`
		Kind      string    `json:"kind"`
		Timestamp time.Time `json:"timestamp"`
		Payload   any       `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed stream sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	id := opts.StreamID
	if id == nil {
		id = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: id}, nil
}

// Send implements stream.Sink.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		SessionID: event.SessionID,
		Sequence:  event.Sequence,
		Kind:      string(event.Kind),
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	if _, err := handle.Add(ctx, string(event.Kind), payload); err != nil {
		return err
	}
	return nil
}

// Close implements stream.Sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(event stream.Event) (string, error) {
	if event.SessionID == "" {
		return "", errors.New("stream event missing session id")
	}
	return fmt.Sprintf("session/%s", event.SessionID), nil
}
