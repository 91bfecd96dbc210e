package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusTransitionTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from  Status
		to    Status
		legal bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusQuotaExceeded, true},
		{StatusQueued, StatusCompleted, false},
		{StatusQueued, StatusFailed, false},
		{StatusQueued, StatusQuotaExceeded, false},
		{StatusRunning, StatusQueued, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusQuotaExceeded, StatusRunning, false},
		{StatusCompleted, StatusFailed, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.legal, tc.from.Valid(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, StatusQueued.Terminal())
	require.False(t, StatusRunning.Terminal())
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusQuotaExceeded.Terminal())
}

func TestSessionTransition(t *testing.T) {
	t.Parallel()

	s := Session{Status: StatusQueued}
	require.NoError(t, s.Transition(StatusRunning))
	require.Equal(t, StatusRunning, s.Status)

	require.NoError(t, s.Transition(StatusCompleted))
	require.Equal(t, StatusCompleted, s.Status)

	err := s.Transition(StatusFailed)
	require.ErrorIs(t, err, ErrSessionTerminal)
}

func TestSessionTransitionRejectsSkips(t *testing.T) {
	t.Parallel()

	s := Session{Status: StatusQueued}
	err := s.Transition(StatusCompleted)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StatusQueued, s.Status)
}

func TestValidKind(t *testing.T) {
	t.Parallel()

	for _, k := range []Kind{KindVideoGeneration, KindVoiceClone, KindSyllabus, KindCourseSchedule, KindAnalyticsQuery} {
		require.True(t, ValidKind(k))
	}
	require.False(t, ValidKind("image_generation"))
	require.False(t, ValidKind(""))
}

func TestCloneIsolatesSteps(t *testing.T) {
	t.Parallel()

	s := Session{
		Status: StatusRunning,
		Steps:  []Step{{StageName: "format", Status: StepCompleted}},
		Result: []byte(`{"ok":true}`),
	}
	c := s.Clone()
	c.Steps[0].StageName = "mutated"
	c.Result[0] = 'X'
	require.Equal(t, "format", s.Steps[0].StageName)
	require.Equal(t, byte('{'), s.Result[0])
}
