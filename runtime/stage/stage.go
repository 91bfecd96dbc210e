// Package stage defines the uniform contract every processing stage
// implements, together with the typed failure taxonomy the runner reports to
// the orchestrator.
//
// A stage is an opaque unit of computation within a pipeline: it takes an
// input, produces an output or a typed failure, and declares its own time
// budget and retry policy. The orchestrator never inspects what a stage
// computes; it only sequences invocations and records outcomes.
package stage

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Stage is the contract every processing stage implements.
	//
	// Contract:
	// - Run must honor ctx cancellation when it can, but the runner does not
	//   rely on it: a run that overshoots its declared MaxDuration is abandoned,
	//   not interrupted, and its result is discarded.
	// - Run must return either a non-nil Output or an error. Errors should be
	//   created with the constructors in this package so the runner can
	//   classify them; unclassified errors are treated as infrastructure
	//   failures.
	Stage interface {
		// Descriptor returns the static metadata for this stage: name, time
		// budget, retry policy, and quota gating.
		Descriptor() Descriptor
		// Run executes one invocation of the stage.
		Run(ctx context.Context, in *Input) (*Output, error)
	}

	// Descriptor declares the static execution profile of a stage.
	Descriptor struct {
		// Name identifies the stage in step history and events.
		Name string
		// MaxDuration bounds one invocation attempt. Zero means no bound.
		MaxDuration time.Duration
		// Retry declares the retry policy applied by the runner.
		Retry RetryPolicy
		// QuotaCapability names the per-user capability consumed by this stage.
		// Empty when the stage is not quota-gated.
		QuotaCapability string
	}

	// RetryPolicy defines retry semantics for a stage. Zero-valued fields mean
	// a single attempt with no backoff.
	RetryPolicy struct {
		// MaxAttempts caps the total number of attempts, including the first.
		// Values below 1 are treated as 1.
		MaxAttempts int
		// Backoff is the delay before the first retry.
		Backoff time.Duration
		// BackoffCoefficient multiplies the delay after each retry. Values < 1
		// are treated as 1 (constant backoff).
		BackoffCoefficient float64
		// RetryStageErrors opts domain failures into retries. Timeout and
		// infrastructure failures are retryable by default; domain failures are
		// not unless the stage sets this.
		RetryStageErrors bool
	}

	// Input is the payload handed to a stage invocation.
	Input struct {
		// SessionID identifies the owning session.
		SessionID string
		// UserID is the session owner.
		UserID string
		// Request is the original validated request payload for the session.
		Request json.RawMessage
		// Prior holds the outputs of earlier stages in the pipeline, keyed by
		// stage name. Stages read their upstream dependencies from here.
		Prior map[string]json.RawMessage
	}

	// Output is the result of a successful stage invocation. The output of the
	// final stage in a pipeline becomes the session result.
	Output struct {
		// Result is the JSON-encoded stage output.
		Result json.RawMessage
		// Message is an optional human-readable progress note recorded in the
		// step detail and streamed to observers.
		Message string
	}
)

// Attempts returns the effective attempt cap for the policy.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the backoff delay preceding the given retry (1-based: retry 1
// follows the first failed attempt).
func (p RetryPolicy) Delay(retry int) time.Duration {
	if p.Backoff <= 0 || retry < 1 {
		return 0
	}
	coeff := p.BackoffCoefficient
	if coeff < 1 {
		coeff = 1
	}
	d := float64(p.Backoff)
	for i := 1; i < retry; i++ {
		d *= coeff
	}
	return time.Duration(d)
}

// Prior decodes the output of an earlier stage into v. Returns false when the
// stage has not produced an output.
func (in *Input) PriorInto(stageName string, v any) (bool, error) {
	raw, ok := in.Prior[stageName]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

// RequestInto decodes the original request payload into v.
func (in *Input) RequestInto(v any) error {
	return json.Unmarshal(in.Request, v)
}
