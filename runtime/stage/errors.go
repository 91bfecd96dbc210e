package stage

import (
	"errors"
	"fmt"
)

type (
	// ErrorKind classifies stage failures into the three categories the
	// orchestrator distinguishes.
	ErrorKind string

	// Error is the typed failure a stage invocation reports.
	//
	// Contract:
	// - Failures inside a stage never crash the orchestration process; they
	//   are caught at the runner boundary and converted into an Error.
	// - Message must be suitable for direct display to the session owner.
	Error struct {
		// Kind is the failure category.
		Kind ErrorKind
		// Stage names the stage that failed.
		Stage string
		// Message is the user-safe failure summary.
		Message string
		// Cause is the underlying error, if any. Not rendered to users.
		Cause error
	}
)

const (
	// KindTimeout indicates the invocation did not return before its deadline.
	// Retryable by default.
	KindTimeout ErrorKind = "timeout"
	// KindStage indicates the stage reported a domain failure (e.g. unreadable
	// input media). Not retried unless the stage opts in.
	KindStage ErrorKind = "stage"
	// KindInfrastructure indicates a collaborator the stage depends on was
	// unreachable. Retryable by default.
	KindInfrastructure ErrorKind = "infrastructure"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Stage, e.Message, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Stage, e.Message, e.Kind)
}

// Unwrap exposes the underlying cause to errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the failure may be retried under the given policy.
func (e *Error) Retryable(p RetryPolicy) bool {
	switch e.Kind {
	case KindTimeout, KindInfrastructure:
		return true
	case KindStage:
		return p.RetryStageErrors
	}
	return false
}

// NewTimeout builds a timeout failure for the named stage.
func NewTimeout(stageName, message string) *Error {
	return &Error{Kind: KindTimeout, Stage: stageName, Message: message}
}

// NewStageError builds a domain failure reported by the stage itself.
func NewStageError(stageName, message string, cause error) *Error {
	return &Error{Kind: KindStage, Stage: stageName, Message: message, Cause: cause}
}

// NewInfraError builds a failure caused by an unreachable collaborator.
func NewInfraError(stageName, message string, cause error) *Error {
	return &Error{Kind: KindInfrastructure, Stage: stageName, Message: message, Cause: cause}
}

// Classify converts an arbitrary error returned by a stage into a typed Error.
// Errors already carrying a classification pass through; everything else is
// treated as an infrastructure failure so it is retried rather than surfaced
// raw to users.
func Classify(stageName string, err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		if se.Stage == "" {
			se.Stage = stageName
		}
		return se
	}
	return &Error{Kind: KindInfrastructure, Stage: stageName, Message: "stage dependency failed", Cause: err}
}
