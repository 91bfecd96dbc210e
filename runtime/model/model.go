// Package model defines the text-completion contract the planning and
// research stages depend on. Adapters for concrete providers live under
// features/model.
package model

import (
	"context"
	"errors"
)

type (
	// Request is one text-completion request.
	Request struct {
		// Model overrides the adapter's default model identifier when set.
		Model string
		// System is the system instruction. Optional.
		System string
		// Prompt is the user prompt. Required.
		Prompt string
		// MaxTokens caps the completion length. Zero uses the adapter default.
		MaxTokens int
		// Temperature sets the sampling temperature. Zero uses the adapter default.
		Temperature float64
	}

	// Response is the completion produced for a Request.
	Response struct {
		// Text is the completion text.
		Text string
		// Usage reports token consumption when the provider supplies it.
		Usage Usage
	}

	// Usage is the provider-reported token accounting.
	Usage struct {
		InputTokens  int64
		OutputTokens int64
	}

	// Client is the minimal completion interface stages program against.
	Client interface {
		// Complete issues one completion request. Provider throttling is
		// reported as an error wrapping ErrRateLimited so callers can back off.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}
)

var (
	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("model provider rate limited")
	// ErrEmptyCompletion indicates the provider returned no usable text.
	ErrEmptyCompletion = errors.New("model returned an empty completion")
)
