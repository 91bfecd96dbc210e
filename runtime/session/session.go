// Package session defines the durable session lifecycle primitives of the
// orchestration engine.
//
// A Session is the unit of work tracked end-to-end through a pipeline: it is
// created when a request is admitted, mutated only by the orchestration loop
// that owns it, and becomes immutable once it reaches a terminal status.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// Session captures the durable state of one user-initiated unit of work.
	//
	// Contract:
	// - ID and UserID are set at creation and never change.
	// - Steps is append-only; entries are inserted in execution order and an
	//   appended entry's StageName and StartedAt never change.
	// - Result is set exactly once, by the step that produces the terminal output.
	// - Once Status is terminal the record is immutable.
	Session struct {
		// ID is the opaque unique identifier of the session.
		ID string
		// UserID is the owner of the session.
		UserID string
		// Kind is the request type that selected the pipeline.
		Kind Kind
		// Status is the current lifecycle state.
		Status Status
		// Steps records one entry per executed (or denied) stage, in execution order.
		Steps []Step
		// Result is the opaque terminal payload. Nil until the session completes.
		Result json.RawMessage
		// Error is a human-readable failure summary. Set only when Status is
		// StatusFailed or StatusQuotaExceeded.
		Error string
		// CreatedAt records when the session was admitted.
		CreatedAt time.Time
		// UpdatedAt records the last mutation time.
		UpdatedAt time.Time
	}

	// Step summarizes one stage invocation within a session.
	Step struct {
		// StageName identifies the stage that produced this entry.
		StageName string `json:"stage_name" bson:"stage_name"`
		// Status is the outcome of the invocation.
		Status StepStatus `json:"status" bson:"status"`
		// StartedAt records when the invocation began.
		StartedAt time.Time `json:"started_at" bson:"started_at"`
		// FinishedAt records when the invocation ended.
		FinishedAt time.Time `json:"finished_at" bson:"finished_at"`
		// Detail carries invocation metadata (attempts, error summary).
		Detail StepDetail `json:"detail" bson:"detail"`
	}

	// StepDetail carries structured metadata about a stage invocation.
	StepDetail struct {
		// Attempts counts how many times the stage ran, including the final one.
		Attempts int `json:"attempts,omitempty" bson:"attempts,omitempty"`
		// Error is the failure summary when the step did not complete.
		Error string `json:"error,omitempty" bson:"error,omitempty"`
		// Message is an optional human-readable note (e.g. quota denial reason).
		Message string `json:"message,omitempty" bson:"message,omitempty"`
	}

	// Store persists session records.
	//
	// Store implementations must be durable: failures are surfaced to callers so
	// the orchestrator can fail fast when session state is unavailable. The row
	// for a given session is only ever mutated by that session's own
	// orchestration loop, never concurrently by two loops.
	Store interface {
		// Create inserts a new session record. Returns an error when a session
		// with the same ID already exists.
		Create(ctx context.Context, sess Session) error
		// Load returns the session with the given ID.
		// Returns ErrSessionNotFound when the session does not exist.
		Load(ctx context.Context, id string) (Session, error)
		// Transition moves the session from its current status to the given one.
		// Returns ErrInvalidTransition when the transition is not legal and
		// ErrSessionTerminal when the session has already terminated.
		Transition(ctx context.Context, id string, to Status) error
		// AppendStep appends a step to the session's history. Steps are never
		// reordered or rewritten. Returns ErrSessionTerminal on terminal sessions.
		AppendStep(ctx context.Context, id string, step Step) error
		// Finalize transitions the session to a terminal status, recording the
		// result (completed) or the error summary (failed, quota_exceeded).
		// Returns ErrInvalidTransition when `to` is not terminal or not reachable.
		Finalize(ctx context.Context, id string, to Status, result json.RawMessage, errMsg string) error
		// ListByUser returns the sessions owned by the given user, newest first.
		ListByUser(ctx context.Context, userID string) ([]Session, error)
	}

	// Status represents the lifecycle state of a session.
	Status string

	// StepStatus represents the outcome of a single stage invocation.
	StepStatus string

	// Kind enumerates the request types the engine accepts. Each kind maps to a
	// static, ordered pipeline of stages.
	Kind string
)

const (
	// StatusQueued indicates the session has been admitted but not started.
	StatusQueued Status = "queued"
	// StatusRunning indicates the pipeline is executing.
	StatusRunning Status = "running"
	// StatusCompleted indicates every stage succeeded and a result is recorded.
	StatusCompleted Status = "completed"
	// StatusFailed indicates a stage failed (or the session was cancelled).
	StatusFailed Status = "failed"
	// StatusQuotaExceeded indicates a quota-gated stage was denied.
	StatusQuotaExceeded Status = "quota_exceeded"
)

const (
	// StepCompleted indicates the stage produced its output.
	StepCompleted StepStatus = "completed"
	// StepFailed indicates the stage exhausted its attempts without output.
	StepFailed StepStatus = "failed"
	// StepDenied indicates a quota gate rejected the stage before it ran.
	StepDenied StepStatus = "denied"
)

const (
	// KindVideoGeneration produces an educational video from a prompt plus
	// reference image and audio.
	KindVideoGeneration Kind = "video_generation"
	// KindVoiceClone produces a cloned-voice audio clip from text and a
	// reference voice. Quota-gated.
	KindVoiceClone Kind = "voice_clone"
	// KindSyllabus produces a structured syllabus plan.
	KindSyllabus Kind = "syllabus"
	// KindCourseSchedule produces a course schedule plan.
	KindCourseSchedule Kind = "course_schedule"
	// KindAnalyticsQuery aggregates the caller's session history into metrics
	// and insights.
	KindAnalyticsQuery Kind = "analytics_query"
)

var (
	// ErrSessionNotFound indicates a session does not exist in the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists indicates a Create collided with an existing session ID.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionTerminal indicates a mutation was attempted on a terminal session.
	ErrSessionTerminal = errors.New("session is terminal")
	// ErrInvalidTransition indicates a status transition outside the legal table.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// transitions is the single authoritative state-transition table. Any
// transition not listed here is rejected by Valid (and therefore by every
// conforming Store implementation).
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning},
	StatusRunning: {StatusCompleted, StatusFailed, StatusQuotaExceeded},
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusQuotaExceeded
}

// Valid reports whether a transition from s to the given status is legal.
func (s Status) Valid(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidKind reports whether k is a member of the Kind enumeration.
func ValidKind(k Kind) bool {
	switch k {
	case KindVideoGeneration, KindVoiceClone, KindSyllabus, KindCourseSchedule, KindAnalyticsQuery:
		return true
	}
	return false
}

// Transition validates and applies a status change to the in-memory record.
// Store implementations use it so the transition table lives in one place.
func (s *Session) Transition(to Status) error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrSessionTerminal, s.Status)
	}
	if !s.Status.Valid(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	return nil
}

// Clone returns a deep copy of the session so callers cannot mutate stored state.
func (s Session) Clone() Session {
	out := s
	if s.Steps != nil {
		out.Steps = make([]Step, len(s.Steps))
		copy(out.Steps, s.Steps)
	}
	if s.Result != nil {
		out.Result = make(json.RawMessage, len(s.Result))
		copy(out.Result, s.Result)
	}
	return out
}
