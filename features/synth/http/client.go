// Package http implements the synthesis collaborator contracts over a JSON
// HTTP API. The generation services expose three endpoints: video synthesis
// and assembly return artifact URIs, speech cloning streams the audio back.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/neomentor/engine/stages"
)

// Doer is the subset of *http.Client the collaborator client needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures the collaborator client.
type Options struct {
	// BaseURL is the root of the generation service API. Required.
	BaseURL string
	// HTTPClient issues the requests. Defaults to a client with a 5 minute
	// timeout, matching the longest stage budgets.
	HTTPClient Doer
}

// Client calls the generation service. It implements stages.VideoSynthesizer,
// stages.Assembler and stages.SpeechSynthesizer.
type Client struct {
	base string
	http Doer
}

// New returns a collaborator client for the given service.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("synth: base url is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		base: strings.TrimRight(opts.BaseURL, "/"),
		http: opts.HTTPClient,
	}, nil
}

// Synthesize implements stages.VideoSynthesizer.
func (c *Client) Synthesize(ctx context.Context, spec stages.VideoSpec) (string, error) {
	var out struct {
		ClipURL string `json:"clip_url"`
	}
	if err := c.postJSON(ctx, "/v1/video", spec, &out); err != nil {
		return "", err
	}
	return out.ClipURL, nil
}

// Assemble implements stages.Assembler.
func (c *Client) Assemble(ctx context.Context, spec stages.AssemblySpec) (string, error) {
	var out struct {
		VideoURL string `json:"video_url"`
	}
	if err := c.postJSON(ctx, "/v1/assemble", spec, &out); err != nil {
		return "", err
	}
	return out.VideoURL, nil
}

// Clone implements stages.SpeechSynthesizer. The response body is the audio
// stream; the caller owns closing it.
func (c *Client) Clone(ctx context.Context, spec stages.CloneSpec) (io.ReadCloser, error) {
	resp, err := c.post(ctx, "/v1/speech", spec)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	resp, err := c.post(ctx, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("synth: decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in any) (*http.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("synth: encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("synth: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synth: call %s: %w", path, err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("synth: %s returned %d: %s", resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(detail)))
}
