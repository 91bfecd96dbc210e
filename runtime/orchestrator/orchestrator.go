// Package orchestrator owns the session lifecycle: it admits requests,
// resolves the pipeline for the request kind, drives the stage runner through
// each stage in order, consults the quota ledger before gated stages, and
// finalizes the session record.
//
// Each admitted session executes on its own goroutine; stages within a session
// run strictly sequentially. The session store is the authority for terminal
// state; the event bus is a live view only.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/neomentor/engine/runtime/quota"
	"github.com/neomentor/engine/runtime/session"
	"github.com/neomentor/engine/runtime/stage"
	"github.com/neomentor/engine/runtime/stage/runner"
	"github.com/neomentor/engine/runtime/stream"
)

type (
	// Pipelines maps each request kind to its static, ordered stage list.
	Pipelines map[session.Kind][]stage.Stage

	// Options configures the orchestrator.
	Options struct {
		// Store persists session records. Required.
		Store session.Store
		// Bus delivers live events to observers. Required.
		Bus stream.Bus
		// Ledger enforces per-user caps on quota-gated stages. Required.
		Ledger quota.Ledger
		// Pipelines is the kind-to-stages mapping. Required, non-empty.
		Pipelines Pipelines
		// Runner executes stage invocations. Defaults to runner.New().
		Runner *runner.Runner
		// Validator checks request payloads before a session is created.
		// Defaults to NewValidator().
		Validator *Validator
		// SubmitRate bounds the global admission rate. Defaults to rate.Inf.
		SubmitRate rate.Limit
		// SubmitBurst is the admission burst size. Defaults to 1.
		SubmitBurst int
	}

	// Orchestrator drives sessions from admission to terminal status.
	Orchestrator struct {
		store     session.Store
		bus       stream.Bus
		ledger    quota.Ledger
		pipelines Pipelines
		runner    *runner.Runner
		validate  *Validator
		limiter   *rate.Limiter
		metrics   *metrics

		rootCtx    context.Context
		rootCancel context.CancelFunc
		wg         sync.WaitGroup

		mu     sync.Mutex
		active map[string]*activeSession
	}

	// activeSession is the in-process handle for a session being driven by
	// this instance. Cancellation is a flag observed at stage boundaries.
	activeSession struct {
		mu        sync.Mutex
		cancelled bool
	}
)

var (
	// ErrRateLimited indicates the admission rate limit rejected the request.
	ErrRateLimited = errors.New("submission rate limit exceeded")
	// ErrNotOwner indicates the caller does not own the session.
	ErrNotOwner = errors.New("session belongs to another user")
	// ErrNoPipeline indicates no pipeline is configured for the request kind.
	ErrNoPipeline = errors.New("no pipeline configured for kind")
	// ErrSessionNotActive indicates a cancel request targeted a session this
	// instance is not driving.
	ErrSessionNotActive = errors.New("session is not active on this instance")
)

// New returns an orchestrator ready to accept submissions.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: session store is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("orchestrator: event bus is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("orchestrator: quota ledger is required")
	}
	if len(opts.Pipelines) == 0 {
		return nil, fmt.Errorf("orchestrator: at least one pipeline is required")
	}
	if opts.Runner == nil {
		opts.Runner = runner.New()
	}
	if opts.Validator == nil {
		v, err := NewValidator()
		if err != nil {
			return nil, err
		}
		opts.Validator = v
	}
	if opts.SubmitRate == 0 {
		opts.SubmitRate = rate.Inf
	}
	if opts.SubmitBurst < 1 {
		opts.SubmitBurst = 1
	}
	m, err := newMetrics()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      opts.Store,
		bus:        opts.Bus,
		ledger:     opts.Ledger,
		pipelines:  opts.Pipelines,
		runner:     opts.Runner,
		validate:   opts.Validator,
		limiter:    rate.NewLimiter(opts.SubmitRate, opts.SubmitBurst),
		metrics:    m,
		rootCtx:    ctx,
		rootCancel: cancel,
		active:     make(map[string]*activeSession),
	}, nil
}

// Submit validates the payload, creates the session in queued and schedules
// its asynchronous execution. The session row exists in the store before
// Submit returns.
//
// Validation failures are returned as *ValidationError and no session is
// created. Store failures are returned raw so the caller can retry.
func (o *Orchestrator) Submit(ctx context.Context, userID string, kind session.Kind, payload json.RawMessage) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if !o.limiter.Allow() {
		return "", ErrRateLimited
	}
	pipeline, ok := o.pipelines[kind]
	if !ok {
		if !session.ValidKind(kind) {
			return "", &ValidationError{Kind: kind, Detail: fmt.Sprintf("unknown request kind %q", kind)}
		}
		return "", fmt.Errorf("%w: %s", ErrNoPipeline, kind)
	}
	if err := o.validate.Validate(kind, payload); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	sess := session.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Status:    session.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.Create(ctx, sess); err != nil {
		return "", err
	}
	o.metrics.sessionStarted(ctx, kind)

	handle := &activeSession{}
	o.mu.Lock()
	o.active[sess.ID] = handle
	o.mu.Unlock()

	// The session outlives the submitting request; keep the log context but
	// drop the request's cancellation.
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer stop()
		go func() {
			// Propagate orchestrator shutdown into the running pipeline.
			select {
			case <-o.rootCtx.Done():
				stop()
			case <-runCtx.Done():
			}
		}()
		o.run(runCtx, sess, pipeline, payload, handle)
		o.mu.Lock()
		delete(o.active, sess.ID)
		o.mu.Unlock()
	}()
	return sess.ID, nil
}

// Get returns the session record after verifying ownership.
func (o *Orchestrator) Get(ctx context.Context, id, userID string) (session.Session, error) {
	sess, err := o.store.Load(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	if sess.UserID != userID {
		return session.Session{}, ErrNotOwner
	}
	return sess, nil
}

// ListByUser returns the caller's sessions, newest first.
func (o *Orchestrator) ListByUser(ctx context.Context, userID string) ([]session.Session, error) {
	return o.store.ListByUser(ctx, userID)
}

// Cancel marks the session for cancellation. The pipeline observes the mark at
// the next stage boundary; in-flight stage work is never interrupted
// mid-computation, its result is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, id, userID string) error {
	sess, err := o.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return ErrNotOwner
	}
	if sess.Status.Terminal() {
		return session.ErrSessionTerminal
	}
	o.mu.Lock()
	handle := o.active[id]
	o.mu.Unlock()
	if handle == nil {
		return ErrSessionNotActive
	}
	handle.cancel()
	log.Printf(ctx, "session %s marked for cancellation", id)
	return nil
}

// Shutdown cancels all in-flight pipelines and waits for their loops to
// finalize, or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.rootCancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives one session through its pipeline to a terminal status.
func (o *Orchestrator) run(ctx context.Context, sess session.Session, pipeline []stage.Stage, payload json.RawMessage, handle *activeSession) {
	ctx = log.With(ctx, log.KV{K: "session_id", V: sess.ID}, log.KV{K: "kind", V: string(sess.Kind)})

	if err := o.store.Transition(ctx, sess.ID, session.StatusRunning); err != nil {
		// queued→failed is not a legal transition, and the store that just
		// failed would have to record it. The session stays queued so the
		// submitter can retry once the store recovers.
		log.Errorf(ctx, err, "session could not start")
		return
	}

	prior := make(map[string]json.RawMessage, len(pipeline))
	var result json.RawMessage
	for _, st := range pipeline {
		desc := st.Descriptor()

		if handle.isCancelled() {
			o.finalize(ctx, sess, session.StatusFailed, nil, "cancelled")
			return
		}

		if desc.QuotaCapability != "" {
			decision, err := o.ledger.CheckAndIncrement(ctx, sess.UserID, desc.QuotaCapability)
			if err != nil {
				log.Errorf(ctx, err, "quota check failed for stage %s", desc.Name)
				o.finalize(ctx, sess, session.StatusFailed, nil, "quota service unavailable")
				return
			}
			if !decision.Allowed {
				o.metrics.quotaDenied(ctx, desc.QuotaCapability)
				o.denyStage(ctx, sess, desc, decision.Reason)
				return
			}
			if handle.isCancelled() {
				// The gated stage never runs; hand the unit back.
				if rerr := o.ledger.Release(ctx, sess.UserID, desc.QuotaCapability); rerr != nil {
					log.Errorf(ctx, rerr, "quota release failed for stage %s", desc.Name)
				}
				o.finalize(ctx, sess, session.StatusFailed, nil, "cancelled")
				return
			}
		}

		o.publish(ctx, sess.ID, stream.EventStageStarted, stream.StageStartedPayload{Stage: desc.Name})

		in := &stage.Input{
			SessionID: sess.ID,
			UserID:    sess.UserID,
			Request:   payload,
			Prior:     prior,
		}
		outcome := o.runner.Execute(ctx, st, in, func(attempt int, message string) {
			o.metrics.stageAttempt(ctx, desc.Name)
			o.publish(ctx, sess.ID, stream.EventStageProgress, stream.StageProgressPayload{
				Stage:   desc.Name,
				Attempt: attempt,
				Message: message,
			})
		})

		if outcome.Err != nil {
			o.appendStep(ctx, sess.ID, session.Step{
				StageName:  desc.Name,
				Status:     session.StepFailed,
				StartedAt:  outcome.StartedAt,
				FinishedAt: outcome.FinishedAt,
				Detail:     session.StepDetail{Attempts: outcome.Attempts, Error: outcome.Err.Error()},
			})
			o.publish(ctx, sess.ID, stream.EventStageFailed, stream.StageFailedPayload{
				Stage:    desc.Name,
				Kind:     string(outcome.Err.Kind),
				Attempts: outcome.Attempts,
				Error:    outcome.Err.Error(),
			})
			o.finalize(ctx, sess, session.StatusFailed, nil, outcome.Err.Error())
			return
		}

		o.appendStep(ctx, sess.ID, session.Step{
			StageName:  desc.Name,
			Status:     session.StepCompleted,
			StartedAt:  outcome.StartedAt,
			FinishedAt: outcome.FinishedAt,
			Detail:     session.StepDetail{Attempts: outcome.Attempts, Message: outcome.Output.Message},
		})
		o.publish(ctx, sess.ID, stream.EventStageCompleted, stream.StageCompletedPayload{
			Stage:    desc.Name,
			Attempts: outcome.Attempts,
			Duration: outcome.FinishedAt.Sub(outcome.StartedAt),
		})
		prior[desc.Name] = outcome.Output.Result
		result = outcome.Output.Result
	}

	o.finalize(ctx, sess, session.StatusCompleted, result, "")
}

// denyStage records a quota denial: a denied step, the quota_exceeded
// terminal status and the terminal event. The gated stage never runs.
func (o *Orchestrator) denyStage(ctx context.Context, sess session.Session, desc stage.Descriptor, reason string) {
	now := time.Now().UTC()
	o.appendStep(ctx, sess.ID, session.Step{
		StageName:  desc.Name,
		Status:     session.StepDenied,
		StartedAt:  now,
		FinishedAt: now,
		Detail:     session.StepDetail{Error: reason},
	})
	o.publish(ctx, sess.ID, stream.EventStageFailed, stream.StageFailedPayload{
		Stage: desc.Name,
		Kind:  "quota",
		Error: reason,
	})
	o.finalize(ctx, sess, session.StatusQuotaExceeded, nil, reason)
}

// finalize writes the terminal status and publishes the terminal event. Store
// writes use a detached context so shutdown does not lose terminal state.
func (o *Orchestrator) finalize(ctx context.Context, sess session.Session, to session.Status, result json.RawMessage, errMsg string) {
	storeCtx := context.WithoutCancel(ctx)
	if err := o.store.Finalize(storeCtx, sess.ID, to, result, errMsg); err != nil {
		log.Errorf(ctx, err, "session could not be finalized as %s", to)
		return
	}
	o.metrics.sessionTerminal(storeCtx, to)
	o.publish(storeCtx, sess.ID, stream.EventSessionTerminal, stream.SessionTerminalPayload{
		Status: string(to),
		Result: result,
		Error:  errMsg,
	})
	log.Printf(ctx, "session terminal: %s", to)
}

// appendStep records a step; a store failure here is logged, not fatal, so the
// pipeline can still reach a terminal status.
func (o *Orchestrator) appendStep(ctx context.Context, id string, step session.Step) {
	if err := o.store.AppendStep(ctx, id, step); err != nil {
		log.Errorf(ctx, err, "step %s could not be recorded", step.StageName)
	}
}

// publish emits one event. The store is authoritative, so publish failures are
// logged and execution continues.
func (o *Orchestrator) publish(ctx context.Context, sessionID string, kind stream.EventKind, payload any) {
	if _, err := o.bus.Publish(ctx, sessionID, kind, payload); err != nil {
		log.Errorf(ctx, err, "event %s could not be published", kind)
	}
}

func (a *activeSession) cancel() {
	a.mu.Lock()
	a.cancelled = true
	a.mu.Unlock()
}

func (a *activeSession) isCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}
