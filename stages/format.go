package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neomentor/engine/runtime/model"
	"github.com/neomentor/engine/runtime/stage"
)

const formatSystemPrompt = `You rewrite raw user prompts into concise,
production-ready video generation briefs. Reply with the rewritten brief only.`

// defaultDurationSeconds is used when the request does not ask for a length.
const defaultDurationSeconds = 8

type (
	// Format normalizes the raw request into a generation brief the
	// downstream stages consume.
	Format struct {
		model model.Client
	}

	formatRequest struct {
		Prompt   string `json:"prompt"`
		Duration int    `json:"duration"`
		ImageURL string `json:"image_url"`
		AudioURL string `json:"audio_url"`
	}

	// FormatOutput is the normalized brief.
	FormatOutput struct {
		Prompt   string `json:"prompt"`
		Duration int    `json:"duration"`
		ImageURL string `json:"image_url,omitempty"`
		AudioURL string `json:"audio_url,omitempty"`
	}
)

// NewFormat returns the formatting stage.
func NewFormat(client model.Client) (*Format, error) {
	if client == nil {
		return nil, errors.New("stages: model client is required")
	}
	return &Format{model: client}, nil
}

// Descriptor implements stage.Stage.
func (s *Format) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:        "format",
		MaxDuration: 30 * time.Second,
		Retry:       stage.RetryPolicy{MaxAttempts: 2, Backoff: time.Second},
	}
}

// Run implements stage.Stage.
func (s *Format) Run(ctx context.Context, in *stage.Input) (*stage.Output, error) {
	var req formatRequest
	if err := in.RequestInto(&req); err != nil {
		return nil, stage.NewStageError("format", "request payload is unreadable", err)
	}
	if req.Duration <= 0 {
		req.Duration = defaultDurationSeconds
	}

	resp, err := s.model.Complete(ctx, &model.Request{
		System: formatSystemPrompt,
		Prompt: fmt.Sprintf("Rewrite this prompt for a %d second educational video: %s", req.Duration, req.Prompt),
	})
	if err != nil {
		return nil, stage.NewInfraError("format", "prompt normalization unavailable", err)
	}
	brief := strings.TrimSpace(resp.Text)
	if brief == "" {
		brief = req.Prompt
	}

	out, err := json.Marshal(FormatOutput{
		Prompt:   brief,
		Duration: req.Duration,
		ImageURL: req.ImageURL,
		AudioURL: req.AudioURL,
	})
	if err != nil {
		return nil, stage.NewStageError("format", "brief could not be encoded", err)
	}
	return &stage.Output{Result: out, Message: "prompt normalized"}, nil
}
