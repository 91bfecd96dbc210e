package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neomentor/engine/runtime/stage"
)

type scriptedStage struct {
	desc stage.Descriptor
	run  func(ctx context.Context, attempt int, in *stage.Input) (*stage.Output, error)

	mu    sync.Mutex
	calls int
}

func (s *scriptedStage) Descriptor() stage.Descriptor { return s.desc }

func (s *scriptedStage) Run(ctx context.Context, in *stage.Input) (*stage.Output, error) {
	s.mu.Lock()
	s.calls++
	attempt := s.calls
	s.mu.Unlock()
	return s.run(ctx, attempt, in)
}

func (s *scriptedStage) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastRunner() *Runner {
	return New().WithSleeper(func(context.Context, time.Duration) error { return nil })
}

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	t.Parallel()

	st := &scriptedStage{
		desc: stage.Descriptor{Name: "format", MaxDuration: time.Second},
		run: func(context.Context, int, *stage.Input) (*stage.Output, error) {
			return &stage.Output{Result: []byte(`{"ok":true}`)}, nil
		},
	}
	out := fastRunner().Execute(context.Background(), st, &stage.Input{SessionID: "s"}, nil)
	require.Nil(t, out.Err)
	require.Equal(t, 1, out.Attempts)
	require.JSONEq(t, `{"ok":true}`, string(out.Output.Result))
}

func TestExecuteRetriesInfrastructureFailures(t *testing.T) {
	t.Parallel()

	st := &scriptedStage{
		desc: stage.Descriptor{
			Name:  "media_generate",
			Retry: stage.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond},
		},
		run: func(_ context.Context, attempt int, _ *stage.Input) (*stage.Output, error) {
			if attempt < 3 {
				return nil, stage.NewInfraError("media_generate", "synthesis backend unreachable", errors.New("dial tcp: refused"))
			}
			return &stage.Output{Result: []byte(`{"url":"file://v.mp4"}`)}, nil
		},
	}

	var progressAttempts []int
	out := fastRunner().Execute(context.Background(), st, &stage.Input{}, func(attempt int, _ string) {
		progressAttempts = append(progressAttempts, attempt)
	})
	require.Nil(t, out.Err)
	require.Equal(t, 3, out.Attempts)
	require.Equal(t, []int{1, 2, 3}, progressAttempts)
}

func TestExecuteDoesNotRetryStageErrors(t *testing.T) {
	t.Parallel()

	st := &scriptedStage{
		desc: stage.Descriptor{Name: "format", Retry: stage.RetryPolicy{MaxAttempts: 3}},
		run: func(context.Context, int, *stage.Input) (*stage.Output, error) {
			return nil, stage.NewStageError("format", "reference audio is unreadable", nil)
		},
	}
	out := fastRunner().Execute(context.Background(), st, &stage.Input{}, nil)
	require.NotNil(t, out.Err)
	require.Equal(t, stage.KindStage, out.Err.Kind)
	require.Equal(t, 1, out.Attempts)
	require.Equal(t, 1, st.callCount())
}

func TestExecuteRetriesStageErrorsWhenOptedIn(t *testing.T) {
	t.Parallel()

	st := &scriptedStage{
		desc: stage.Descriptor{
			Name:  "research",
			Retry: stage.RetryPolicy{MaxAttempts: 2, RetryStageErrors: true},
		},
		run: func(_ context.Context, attempt int, _ *stage.Input) (*stage.Output, error) {
			if attempt == 1 {
				return nil, stage.NewStageError("research", "model returned malformed plan", nil)
			}
			return &stage.Output{Result: []byte(`{}`)}, nil
		},
	}
	out := fastRunner().Execute(context.Background(), st, &stage.Input{}, nil)
	require.Nil(t, out.Err)
	require.Equal(t, 2, out.Attempts)
}

func TestExecuteTimeoutAbandonsAttempt(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	st := &scriptedStage{
		desc: stage.Descriptor{Name: "assemble", MaxDuration: 20 * time.Millisecond},
		run: func(context.Context, int, *stage.Input) (*stage.Output, error) {
			<-release // simulate work that keeps going past the budget
			return &stage.Output{Result: []byte(`{}`)}, nil
		},
	}
	out := fastRunner().Execute(context.Background(), st, &stage.Input{}, nil)
	close(release)
	require.NotNil(t, out.Err)
	require.Equal(t, stage.KindTimeout, out.Err.Kind)
	require.Contains(t, out.Err.Message, "assemble")
}

func TestExecuteTimeoutRetriesWhenBudgetAllows(t *testing.T) {
	t.Parallel()

	st := &scriptedStage{
		desc: stage.Descriptor{
			Name:        "media_generate",
			MaxDuration: 20 * time.Millisecond,
			Retry:       stage.RetryPolicy{MaxAttempts: 2},
		},
		run: func(_ context.Context, attempt int, _ *stage.Input) (*stage.Output, error) {
			if attempt == 1 {
				time.Sleep(200 * time.Millisecond)
			}
			return &stage.Output{Result: []byte(`{}`)}, nil
		},
	}
	out := fastRunner().Execute(context.Background(), st, &stage.Input{}, nil)
	require.Nil(t, out.Err)
	require.Equal(t, 2, out.Attempts)
}

func TestExecuteRecoversPanics(t *testing.T) {
	t.Parallel()

	st := &scriptedStage{
		desc: stage.Descriptor{Name: "synthesize"},
		run: func(context.Context, int, *stage.Input) (*stage.Output, error) {
			panic("nil waveform")
		},
	}
	out := fastRunner().Execute(context.Background(), st, &stage.Input{}, nil)
	require.NotNil(t, out.Err)
	require.Equal(t, stage.KindStage, out.Err.Kind)
	require.ErrorContains(t, out.Err, "nil waveform")
}

func TestExecuteNilOutputIsStageError(t *testing.T) {
	t.Parallel()

	st := &scriptedStage{
		desc: stage.Descriptor{Name: "format"},
		run: func(context.Context, int, *stage.Input) (*stage.Output, error) {
			return nil, nil
		},
	}
	out := fastRunner().Execute(context.Background(), st, &stage.Input{}, nil)
	require.NotNil(t, out.Err)
	require.Equal(t, stage.KindStage, out.Err.Kind)
}

func TestExecuteAbortsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := &scriptedStage{
		desc: stage.Descriptor{Name: "research"},
		run: func(context.Context, int, *stage.Input) (*stage.Output, error) {
			select {} // never returns; the runner must not wait on it
		},
	}
	out := New().Execute(ctx, st, &stage.Input{}, nil)
	require.NotNil(t, out.Err)
	require.Equal(t, stage.KindInfrastructure, out.Err.Kind)
}
