// Package stages provides the concrete pipeline stages the orchestrator
// drives: media formatting, topic research, video and speech synthesis,
// assembly, academic planning and analytics.
//
// The generative computation itself happens in external collaborators behind
// the narrow contracts below; each stage owns only the translation between
// session payloads and collaborator calls, plus its declared time budget and
// retry policy.
package stages

import (
	"context"
	"io"
)

type (
	// VideoSpec describes one video synthesis request.
	VideoSpec struct {
		// Prompt is the normalized generation prompt.
		Prompt string `json:"prompt"`
		// DurationSeconds is the requested clip length.
		DurationSeconds int `json:"duration_seconds"`
		// ImageURL references the uploaded visual anchor. Optional.
		ImageURL string `json:"image_url,omitempty"`
		// Facts ground the narration. Optional.
		Facts []string `json:"facts,omitempty"`
	}

	// AssemblySpec describes the final render: raw clip plus narration track.
	AssemblySpec struct {
		// ClipURL references the synthesized raw clip.
		ClipURL string `json:"clip_url"`
		// AudioURL references the narration track. Optional.
		AudioURL string `json:"audio_url,omitempty"`
	}

	// CloneSpec describes one voice cloning request.
	CloneSpec struct {
		// Text is the text to speak.
		Text string `json:"text"`
		// ReferenceAudioURL references the voice sample to clone.
		ReferenceAudioURL string `json:"reference_audio_url"`
	}

	// VideoSynthesizer produces a raw video clip for a spec and returns its URI.
	VideoSynthesizer interface {
		Synthesize(ctx context.Context, spec VideoSpec) (string, error)
	}

	// Assembler renders the final deliverable from a clip and narration and
	// returns its URI.
	Assembler interface {
		Assemble(ctx context.Context, spec AssemblySpec) (string, error)
	}

	// SpeechSynthesizer clones a voice and streams back the audio data. The
	// caller owns persisting the stream.
	SpeechSynthesizer interface {
		Clone(ctx context.Context, spec CloneSpec) (io.ReadCloser, error)
	}
)
