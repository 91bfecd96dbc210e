package openai

import (
	"context"
	"errors"
	"testing"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"github.com/neomentor/engine/runtime/model"
)

type fakeChat struct {
	resp *openai.ChatCompletion
	err  error

	got openai.ChatCompletionNewParams
}

func (f *fakeChat) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	f.got = body
	return f.resp, f.err
}

func TestCompleteTranslatesRequestAndResponse(t *testing.T) {
	t.Parallel()

	fake := &fakeChat{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Content: "a structured plan"},
		}},
		Usage: openai.CompletionUsage{PromptTokens: 12, CompletionTokens: 7},
	}}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o-mini", MaxTokens: 256})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		System: "You are a curriculum planner.",
		Prompt: "Plan a syllabus on photosynthesis.",
	})
	require.NoError(t, err)
	require.Equal(t, "a structured plan", resp.Text)
	require.Equal(t, int64(12), resp.Usage.InputTokens)
	require.Equal(t, int64(7), resp.Usage.OutputTokens)

	require.Equal(t, openai.ChatModel("gpt-4o-mini"), fake.got.Model)
	require.Len(t, fake.got.Messages, 2)
	require.Equal(t, int64(256), fake.got.MaxTokens.Value)
}

func TestCompleteClassifiesRateLimit(t *testing.T) {
	t.Parallel()

	fake := &fakeChat{err: &openai.Error{StatusCode: 429}}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{Prompt: "hi"})
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestCompletePropagatesOtherErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	fake := &fakeChat{err: boom}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{Prompt: "hi"})
	require.ErrorIs(t, err, boom)
}

func TestCompleteRejectsEmptyCompletion(t *testing.T) {
	t.Parallel()

	fake := &fakeChat{resp: &openai.ChatCompletion{}}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{Prompt: "hi"})
	require.ErrorIs(t, err, model.ErrEmptyCompletion)
}
