package stages

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/neomentor/engine/runtime/stage"
)

type (
	// Assemble renders the final deliverable from the raw clip and the
	// narration track.
	Assemble struct {
		assembler Assembler
	}

	// AssembleOutput is the session result for video generation.
	AssembleOutput struct {
		ResultVideoURL string `json:"result_video_url"`
	}
)

// NewAssemble returns the assembly stage.
func NewAssemble(assembler Assembler) (*Assemble, error) {
	if assembler == nil {
		return nil, errors.New("stages: assembler is required")
	}
	return &Assemble{assembler: assembler}, nil
}

// Descriptor implements stage.Stage.
func (s *Assemble) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:        "assemble",
		MaxDuration: 2 * time.Minute,
		Retry:       stage.RetryPolicy{MaxAttempts: 2, Backoff: 5 * time.Second},
	}
}

// Run implements stage.Stage.
func (s *Assemble) Run(ctx context.Context, in *stage.Input) (*stage.Output, error) {
	var clip MediaGenerateOutput
	ok, err := in.PriorInto("media_generate", &clip)
	if err != nil || !ok {
		return nil, stage.NewStageError("assemble", "raw clip reference is missing", err)
	}
	var brief FormatOutput
	if _, err := in.PriorInto("format", &brief); err != nil {
		return nil, stage.NewStageError("assemble", "formatted brief is unreadable", err)
	}

	uri, err := s.assembler.Assemble(ctx, AssemblySpec{
		ClipURL:  clip.ClipURL,
		AudioURL: brief.AudioURL,
	})
	if err != nil {
		return nil, stage.NewInfraError("assemble", "render backend unavailable", err)
	}
	if uri == "" {
		return nil, stage.NewStageError("assemble", "render produced no artifact", nil)
	}
	encoded, err := json.Marshal(AssembleOutput{ResultVideoURL: uri})
	if err != nil {
		return nil, stage.NewStageError("assemble", "result could not be encoded", err)
	}
	return &stage.Output{Result: encoded, Message: "final video rendered"}, nil
}
