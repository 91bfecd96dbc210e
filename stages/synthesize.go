package stages

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/neomentor/engine/runtime/media"
	"github.com/neomentor/engine/runtime/stage"
)

type (
	// Synthesize clones a voice from a reference sample. The stage is
	// quota-gated: the orchestrator consults the ledger before running it.
	Synthesize struct {
		speech SpeechSynthesizer
		media  media.Store
	}

	synthesizeRequest struct {
		Text              string `json:"text"`
		ReferenceAudioURL string `json:"reference_audio_url"`
	}

	// SynthesizeOutput is the session result for voice cloning.
	SynthesizeOutput struct {
		AudioURL string `json:"audio_url"`
	}
)

// NewSynthesize returns the voice cloning stage.
func NewSynthesize(speech SpeechSynthesizer, store media.Store) (*Synthesize, error) {
	if speech == nil {
		return nil, errors.New("stages: speech synthesizer is required")
	}
	if store == nil {
		return nil, errors.New("stages: media store is required")
	}
	return &Synthesize{speech: speech, media: store}, nil
}

// Descriptor implements stage.Stage.
func (s *Synthesize) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:            "synthesize",
		MaxDuration:     90 * time.Second,
		Retry:           stage.RetryPolicy{MaxAttempts: 2, Backoff: 3 * time.Second},
		QuotaCapability: "voice_clone",
	}
}

// Run implements stage.Stage.
func (s *Synthesize) Run(ctx context.Context, in *stage.Input) (*stage.Output, error) {
	var req synthesizeRequest
	if err := in.RequestInto(&req); err != nil {
		return nil, stage.NewStageError("synthesize", "request payload is unreadable", err)
	}

	audio, err := s.speech.Clone(ctx, CloneSpec{
		Text:              req.Text,
		ReferenceAudioURL: req.ReferenceAudioURL,
	})
	if err != nil {
		return nil, stage.NewInfraError("synthesize", "speech synthesis backend unavailable", err)
	}
	defer audio.Close()

	uri, err := s.media.Put(ctx, in.SessionID+".wav", audio)
	if err != nil {
		return nil, stage.NewInfraError("synthesize", "cloned audio could not be stored", err)
	}
	encoded, err := json.Marshal(SynthesizeOutput{AudioURL: uri})
	if err != nil {
		return nil, stage.NewStageError("synthesize", "result could not be encoded", err)
	}
	return &stage.Output{Result: encoded, Message: "voice cloned"}, nil
}
