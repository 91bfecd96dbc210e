package stages

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/neomentor/engine/runtime/stage"
)

type (
	// MediaGenerate drives the video synthesis collaborator to produce the
	// raw clip for the brief.
	MediaGenerate struct {
		video VideoSynthesizer
	}

	// MediaGenerateOutput references the synthesized raw clip.
	MediaGenerateOutput struct {
		ClipURL string `json:"clip_url"`
	}
)

// NewMediaGenerate returns the media generation stage.
func NewMediaGenerate(video VideoSynthesizer) (*MediaGenerate, error) {
	if video == nil {
		return nil, errors.New("stages: video synthesizer is required")
	}
	return &MediaGenerate{video: video}, nil
}

// Descriptor implements stage.Stage.
func (s *MediaGenerate) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:        "media_generate",
		MaxDuration: 2 * time.Minute,
		Retry: stage.RetryPolicy{
			MaxAttempts:        3,
			Backoff:            5 * time.Second,
			BackoffCoefficient: 2,
		},
	}
}

// Run implements stage.Stage.
func (s *MediaGenerate) Run(ctx context.Context, in *stage.Input) (*stage.Output, error) {
	var brief FormatOutput
	ok, err := in.PriorInto("format", &brief)
	if err != nil || !ok {
		return nil, stage.NewStageError("media_generate", "formatted brief is missing", err)
	}
	var research ResearchOutput
	if _, err := in.PriorInto("research", &research); err != nil {
		return nil, stage.NewStageError("media_generate", "fact set is unreadable", err)
	}

	uri, err := s.video.Synthesize(ctx, VideoSpec{
		Prompt:          brief.Prompt,
		DurationSeconds: brief.Duration,
		ImageURL:        brief.ImageURL,
		Facts:           research.Facts,
	})
	if err != nil {
		return nil, stage.NewInfraError("media_generate", "video synthesis backend unavailable", err)
	}
	if uri == "" {
		return nil, stage.NewStageError("media_generate", "synthesizer returned no clip", nil)
	}
	encoded, err := json.Marshal(MediaGenerateOutput{ClipURL: uri})
	if err != nil {
		return nil, stage.NewStageError("media_generate", "clip reference could not be encoded", err)
	}
	return &stage.Output{Result: encoded, Message: "raw clip synthesized"}, nil
}
