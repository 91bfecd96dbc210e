// Package runner executes single stage invocations with bounded duration,
// declared retry policy, and structured failure capture.
//
// The runner is deliberately ignorant of what a stage computes. Timeouts are
// enforced by abandonment: an attempt that overshoots its budget keeps running
// in the background but its result is never consumed. True interruption of
// the underlying computation is the stage's own concern.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/neomentor/engine/runtime/stage"
)

type (
	// ProgressFunc is invoked once per attempt so the orchestrator can publish
	// stage_progress events.
	ProgressFunc func(attempt int, message string)

	// Outcome is the structured result of executing a stage, success or not.
	Outcome struct {
		// StageName identifies the executed stage.
		StageName string
		// Output is the stage output. Nil when Err is set.
		Output *stage.Output
		// Err is the typed failure after all attempts. Nil on success.
		Err *stage.Error
		// Attempts counts invocations, including the final one.
		Attempts int
		// StartedAt records when the first attempt began.
		StartedAt time.Time
		// FinishedAt records when the outcome was decided.
		FinishedAt time.Time
	}

	// Runner executes stage invocations.
	Runner struct {
		now   func() time.Time
		sleep func(ctx context.Context, d time.Duration) error
	}

	attemptResult struct {
		out *stage.Output
		err error
	}
)

// New returns a runner with real clock and sleeper.
func New() *Runner {
	return &Runner{
		now:   func() time.Time { return time.Now().UTC() },
		sleep: sleep,
	}
}

// WithClock overrides the runner clock. Test hook.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// WithSleeper overrides the backoff sleeper. Test hook.
func (r *Runner) WithSleeper(fn func(ctx context.Context, d time.Duration) error) *Runner {
	r.sleep = fn
	return r
}

// Execute runs the stage under its declared policy and returns the outcome.
//
// Contract:
// - One attempt never exceeds the descriptor's MaxDuration; a late attempt is
//   abandoned and recorded as a timeout failure, never a crash.
// - Retryable failures are re-attempted up to the declared cap with the
//   declared backoff; progress is reported once per attempt.
// - Panics inside the stage are captured as domain failures.
func (r *Runner) Execute(ctx context.Context, st stage.Stage, in *stage.Input, progress ProgressFunc) Outcome {
	desc := st.Descriptor()
	out := Outcome{StageName: desc.Name, StartedAt: r.now()}

	attempts := desc.Retry.Attempts()
	var lastErr *stage.Error
	for attempt := 1; attempt <= attempts; attempt++ {
		out.Attempts = attempt
		if progress != nil {
			progress(attempt, attemptMessage(desc.Name, attempt, lastErr))
		}
		result, err := r.attempt(ctx, st, desc, in)
		if err == nil {
			out.Output = result
			out.FinishedAt = r.now()
			return out
		}
		lastErr = err
		if !err.Retryable(desc.Retry) || attempt == attempts {
			break
		}
		if serr := r.sleep(ctx, desc.Retry.Delay(attempt)); serr != nil {
			lastErr = stage.NewInfraError(desc.Name, "execution aborted", serr)
			break
		}
	}
	out.Err = lastErr
	out.FinishedAt = r.now()
	return out
}

// attempt runs one invocation, bounding it by the stage's declared budget.
func (r *Runner) attempt(ctx context.Context, st stage.Stage, desc stage.Descriptor, in *stage.Input) (*stage.Output, *stage.Error) {
	resCh := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resCh <- attemptResult{err: stage.NewStageError(desc.Name, "stage panicked", fmt.Errorf("%v", rec))}
			}
		}()
		o, err := st.Run(ctx, in)
		resCh <- attemptResult{out: o, err: err}
	}()

	var timeout <-chan time.Time
	if desc.MaxDuration > 0 {
		timer := time.NewTimer(desc.MaxDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, stage.Classify(desc.Name, res.err)
		}
		if res.out == nil {
			return nil, stage.NewStageError(desc.Name, "stage returned no output", nil)
		}
		return res.out, nil
	case <-timeout:
		// Abandon, don't interrupt: the goroutine may run to completion but
		// its result is never consumed.
		return nil, stage.NewTimeout(desc.Name, fmt.Sprintf("stage %q exceeded its %s budget", desc.Name, desc.MaxDuration))
	case <-ctx.Done():
		return nil, stage.NewInfraError(desc.Name, "execution aborted", ctx.Err())
	}
}

func attemptMessage(name string, attempt int, prev *stage.Error) string {
	if attempt == 1 {
		return fmt.Sprintf("running %s", name)
	}
	return fmt.Sprintf("retrying %s (attempt %d): %s", name, attempt, prev.Message)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
