package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/neomentor/engine/runtime/model"
)

type fakeMessages struct {
	resp *sdk.Message
	err  error

	got sdk.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.got = body
	return f.resp, f.err
}

func TestCompleteTranslatesRequestAndResponse(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "week one: "},
			{Type: "text", Text: "light reactions"},
		},
		Usage: sdk.Usage{InputTokens: 20, OutputTokens: 9},
	}}
	c, err := New(Options{Messages: fake, DefaultModel: "claude-sonnet-4-20250514", MaxTokens: 512})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		System: "You are a curriculum planner.",
		Prompt: "Plan a syllabus on photosynthesis.",
	})
	require.NoError(t, err)
	require.Equal(t, "week one: light reactions", resp.Text)
	require.Equal(t, int64(20), resp.Usage.InputTokens)
	require.Equal(t, int64(9), resp.Usage.OutputTokens)

	require.Equal(t, int64(512), fake.got.MaxTokens)
	require.Len(t, fake.got.System, 1)
	require.Len(t, fake.got.Messages, 1)
}

func TestCompleteClassifiesRateLimit(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{err: &sdk.Error{StatusCode: 429}}
	c, err := New(Options{Messages: fake, DefaultModel: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{Prompt: "hi"})
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestCompleteRejectsEmptyCompletion(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{resp: &sdk.Message{}}
	c, err := New(Options{Messages: fake, DefaultModel: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{Prompt: "hi"})
	require.ErrorIs(t, err, model.ErrEmptyCompletion)
}
