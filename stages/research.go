package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/neomentor/engine/runtime/model"
	"github.com/neomentor/engine/runtime/stage"
)

const researchSystemPrompt = `You are a fact researcher for educational video
production. Reply with a JSON object of the form
{"facts": ["..."], "summary": "..."} and nothing else.`

type (
	// Research gathers and fact-checks the claims the video narration is
	// built on.
	Research struct {
		model model.Client
	}

	// ResearchOutput is the grounded fact set for the brief.
	ResearchOutput struct {
		Facts   []string `json:"facts"`
		Summary string   `json:"summary,omitempty"`
	}
)

// NewResearch returns the research stage.
func NewResearch(client model.Client) (*Research, error) {
	if client == nil {
		return nil, errors.New("stages: model client is required")
	}
	return &Research{model: client}, nil
}

// Descriptor implements stage.Stage. Malformed model replies are worth one
// more attempt, so stage errors opt into retries here.
func (s *Research) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:        "research",
		MaxDuration: 60 * time.Second,
		Retry: stage.RetryPolicy{
			MaxAttempts:        3,
			Backoff:            2 * time.Second,
			BackoffCoefficient: 2,
			RetryStageErrors:   true,
		},
	}
}

// Run implements stage.Stage.
func (s *Research) Run(ctx context.Context, in *stage.Input) (*stage.Output, error) {
	var brief FormatOutput
	ok, err := in.PriorInto("format", &brief)
	if err != nil || !ok {
		return nil, stage.NewStageError("research", "formatted brief is missing", err)
	}

	resp, err := s.model.Complete(ctx, &model.Request{
		System: researchSystemPrompt,
		Prompt: fmt.Sprintf("Research the factual claims needed for: %s", brief.Prompt),
	})
	if err != nil {
		return nil, stage.NewInfraError("research", "research backend unavailable", err)
	}

	var out ResearchOutput
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, stage.NewStageError("research", "model returned a malformed fact set", err)
	}
	if len(out.Facts) == 0 {
		return nil, stage.NewStageError("research", "model returned no facts", nil)
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, stage.NewStageError("research", "fact set could not be encoded", err)
	}
	return &stage.Output{Result: encoded, Message: fmt.Sprintf("%d facts gathered", len(out.Facts))}, nil
}
