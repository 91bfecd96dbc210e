// Package stream defines the event model delivered to live session observers
// and the publish/subscribe abstractions the orchestrator uses to emit them.
//
// The orchestrator does not assume any particular transport: it only needs a
// Bus to publish into. The broker subpackage provides the in-process fan-out
// implementation; features/stream/pulse mirrors events onto Redis streams for
// cross-process observers.
package stream

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Event is the envelope delivered to session observers.
	//
	// Contract:
	// - Sequence is monotonically increasing per session, starting at 0.
	// - Within one session, every live subscriber observes events in
	//   non-decreasing sequence order, and never observes a terminal event
	//   before a non-terminal one.
	Event struct {
		// SessionID identifies the session that produced the event.
		SessionID string `json:"session_id"`
		// Sequence is the per-session monotonic event number, assigned by the bus.
		Sequence uint64 `json:"sequence"`
		// Kind is the event category.
		Kind EventKind `json:"kind"`
		// Payload is the event-specific data in a JSON-serializable form.
		Payload any `json:"payload,omitempty"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// EventKind enumerates event payload flavors.
	EventKind string

	// Bus assigns sequence numbers and fans events out to live subscribers.
	//
	// Publish never blocks the publisher on a slow subscriber beyond a bounded
	// buffer: when a subscriber's buffer fills, that subscriber is disconnected
	// and must resynchronize from the session's persisted step history.
	Bus interface {
		// Publish assigns the next sequence number for the session and delivers
		// the event to all attached subscribers. Returns the published event.
		Publish(ctx context.Context, sessionID string, kind EventKind, payload any) (Event, error)
		// Subscribe attaches a new observer to the session's event stream. A
		// short replay window covers events published just before attachment
		// while the session is still live; there is no replay guarantee once the
		// session is terminal and the channel has been torn down.
		Subscribe(ctx context.Context, sessionID string) (Subscription, error)
	}

	// Subscription is one observer's attachment to a session stream.
	Subscription interface {
		// Events returns the ordered event channel. The channel is closed when
		// the session reaches a terminal state, the subscriber is evicted for
		// falling behind, or the subscription is closed.
		Events() <-chan Event
		// Err reports why the channel closed. Nil after normal termination,
		// ErrSlowSubscriber after eviction.
		Err() error
		// Close detaches the observer. Idempotent.
		Close()
	}

	// Sink forwards published events to an external transport (e.g. Pulse
	// streams). Implementations must be safe for concurrent Send calls.
	Sink interface {
		// Send publishes one event to the sink's underlying transport.
		Send(ctx context.Context, event Event) error
		// Close releases resources owned by the sink. Idempotent.
		Close(ctx context.Context) error
	}

	// StageStartedPayload announces that a stage invocation began.
	StageStartedPayload struct {
		Stage string `json:"stage"`
	}

	// StageProgressPayload reports per-attempt progress within a stage.
	StageProgressPayload struct {
		Stage   string `json:"stage"`
		Attempt int    `json:"attempt"`
		Message string `json:"message,omitempty"`
	}

	// StageCompletedPayload announces a successful stage invocation.
	StageCompletedPayload struct {
		Stage    string        `json:"stage"`
		Attempts int           `json:"attempts"`
		Duration time.Duration `json:"duration"`
	}

	// StageFailedPayload announces a failed (or quota-denied) stage invocation.
	StageFailedPayload struct {
		Stage    string `json:"stage"`
		Kind     string `json:"kind"`
		Attempts int    `json:"attempts,omitempty"`
		Error    string `json:"error"`
	}

	// SessionTerminalPayload is the last event of every session stream.
	SessionTerminalPayload struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  string          `json:"error,omitempty"`
	}

	// LogPayload carries a free-form progress line for display consoles.
	LogPayload struct {
		Message string `json:"message"`
	}
)

const (
	// EventStageStarted marks the beginning of a stage invocation.
	EventStageStarted EventKind = "stage_started"
	// EventStageProgress reports attempt-level progress within a stage.
	EventStageProgress EventKind = "stage_progress"
	// EventStageCompleted marks a successful stage invocation.
	EventStageCompleted EventKind = "stage_completed"
	// EventStageFailed marks a failed or denied stage invocation.
	EventStageFailed EventKind = "stage_failed"
	// EventSessionTerminal is the final event of a session stream. No event
	// follows it for the same session.
	EventSessionTerminal EventKind = "session_terminal"
	// EventLog carries a human-readable progress line.
	EventLog EventKind = "log"
)

// Terminal reports whether the kind ends a session stream.
func (k EventKind) Terminal() bool { return k == EventSessionTerminal }
