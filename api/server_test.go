package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	jwtauth "github.com/neomentor/engine/features/auth/jwt"
	"github.com/neomentor/engine/runtime/auth"
	"github.com/neomentor/engine/runtime/orchestrator"
	"github.com/neomentor/engine/runtime/quota"
	quotainmem "github.com/neomentor/engine/runtime/quota/inmem"
	"github.com/neomentor/engine/runtime/session"
	sessinmem "github.com/neomentor/engine/runtime/session/inmem"
	"github.com/neomentor/engine/runtime/stage"
	"github.com/neomentor/engine/runtime/stream/broker"
)

type fakeStage struct {
	desc  stage.Descriptor
	run   func(ctx context.Context, in *stage.Input) (*stage.Output, error)
	block chan struct{}
}

func (f *fakeStage) Descriptor() stage.Descriptor { return f.desc }

func (f *fakeStage) Run(ctx context.Context, in *stage.Input) (*stage.Output, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.run != nil {
		return f.run(ctx, in)
	}
	return &stage.Output{Result: json.RawMessage(fmt.Sprintf(`{"stage":%q}`, f.desc.Name))}, nil
}

type harness struct {
	srv      *httptest.Server
	verifier *jwtauth.Verifier
	store    *sessinmem.Store
	orch     *orchestrator.Orchestrator
}

func newHarness(t *testing.T, pipelines orchestrator.Pipelines) *harness {
	t.Helper()

	verifier, err := jwtauth.New([]byte("test-secret"))
	require.NoError(t, err)

	store := sessinmem.New()
	bus := broker.New(broker.Options{Grace: time.Minute})
	ledger := quotainmem.New(quota.StaticResolver(quota.Limits{Daily: 10, Monthly: 100}))

	orch, err := orchestrator.New(orchestrator.Options{
		Store:     store,
		Bus:       bus,
		Ledger:    ledger,
		Pipelines: pipelines,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
		bus.Close()
	})

	server, err := New(Options{
		Auth:         verifier,
		Orchestrator: orch,
		Store:        store,
		Bus:          bus,
		Ledger:       ledger,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, verifier: verifier, store: store, orch: orch}
}

func videoPipeline() orchestrator.Pipelines {
	return orchestrator.Pipelines{
		session.KindVideoGeneration: {
			&fakeStage{
				desc: stage.Descriptor{Name: "render"},
				run: func(context.Context, *stage.Input) (*stage.Output, error) {
					return &stage.Output{Result: json.RawMessage(`{"result_video_url":"file:///out.mp4"}`)}, nil
				},
			},
		},
	}
}

func (h *harness) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := h.verifier.Mint(auth.Identity{UserID: userID, Tier: quota.TierFree}, time.Minute)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (h *harness) waitTerminal(t *testing.T, id string) session.Session {
	t.Helper()
	var sess session.Session
	require.Eventually(t, func() bool {
		var err error
		sess, err = h.store.Load(context.Background(), id)
		return err == nil && sess.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return sess
}

func TestSubmitReturnsAccepted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, videoPipeline())
	tok := h.token(t, "user-1")

	resp := h.do(t, http.MethodPost, "/sessions", tok, map[string]any{
		"kind":    "video_generation",
		"payload": map[string]any{"prompt": "explain gravity"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[submitResponse](t, resp)
	require.NotEmpty(t, body.SessionID)
	require.Equal(t, "queued", body.Status)

	sess := h.waitTerminal(t, body.SessionID)
	require.Equal(t, session.StatusCompleted, sess.Status)
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	h := newHarness(t, videoPipeline())
	tok := h.token(t, "user-1")

	resp := h.do(t, http.MethodPost, "/sessions", tok, map[string]any{
		"kind":    "video_generation",
		"payload": map[string]any{"duration": 10},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[errorResponse](t, resp)
	require.Contains(t, body.Error, "invalid video_generation payload")

	// No session record exists for the rejected request.
	list := h.do(t, http.MethodGet, "/sessions", tok, nil)
	sessions := decode[map[string][]sessionView](t, list)
	require.Empty(t, sessions["sessions"])
}

func TestSubmitRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	h := newHarness(t, videoPipeline())
	resp := h.do(t, http.MethodPost, "/sessions", h.token(t, "user-1"), map[string]any{
		"kind":    "time_travel",
		"payload": map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()

	h := newHarness(t, videoPipeline())

	resp := h.do(t, http.MethodGet, "/sessions", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/sessions", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, videoPipeline())
	tok := h.token(t, "user-1")

	resp := h.do(t, http.MethodPost, "/sessions", tok, map[string]any{
		"kind":    "video_generation",
		"payload": map[string]any{"prompt": "p"},
	})
	created := decode[submitResponse](t, resp)
	h.waitTerminal(t, created.SessionID)

	got := h.do(t, http.MethodGet, "/sessions/"+created.SessionID, tok, nil)
	require.Equal(t, http.StatusOK, got.StatusCode)
	view := decode[sessionView](t, got)
	require.Equal(t, created.SessionID, view.SessionID)
	require.Equal(t, "completed", view.Status)
	require.JSONEq(t, `{"result_video_url":"file:///out.mp4"}`, string(view.Result))
}

func TestGetSessionEnforcesOwnership(t *testing.T) {
	t.Parallel()

	h := newHarness(t, videoPipeline())

	resp := h.do(t, http.MethodPost, "/sessions", h.token(t, "user-1"), map[string]any{
		"kind":    "video_generation",
		"payload": map[string]any{"prompt": "p"},
	})
	created := decode[submitResponse](t, resp)
	h.waitTerminal(t, created.SessionID)

	got := h.do(t, http.MethodGet, "/sessions/"+created.SessionID, h.token(t, "user-2"), nil)
	require.Equal(t, http.StatusForbidden, got.StatusCode)

	missing := h.do(t, http.MethodGet, "/sessions/nope", h.token(t, "user-1"), nil)
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestCancelRunningSession(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	pipelines := orchestrator.Pipelines{
		session.KindVideoGeneration: {
			&fakeStage{desc: stage.Descriptor{Name: "render"}, block: block},
			&fakeStage{desc: stage.Descriptor{Name: "assemble"}},
		},
	}
	h := newHarness(t, pipelines)
	tok := h.token(t, "user-1")

	resp := h.do(t, http.MethodPost, "/sessions", tok, map[string]any{
		"kind":    "video_generation",
		"payload": map[string]any{"prompt": "p"},
	})
	created := decode[submitResponse](t, resp)

	// Wait for the session to be running, cancel, then release the stage.
	require.Eventually(t, func() bool {
		sess, err := h.store.Load(context.Background(), created.SessionID)
		return err == nil && sess.Status == session.StatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	cancelResp := h.do(t, http.MethodPost, "/sessions/"+created.SessionID+"/cancel", tok, nil)
	require.Equal(t, http.StatusAccepted, cancelResp.StatusCode)
	close(block)

	sess := h.waitTerminal(t, created.SessionID)
	require.Equal(t, session.StatusFailed, sess.Status)
}

func TestQuotaEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, videoPipeline())
	tok := h.token(t, "user-1")

	resp := h.do(t, http.MethodGet, "/quota?capability=video_generation", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string][]usageView](t, resp)
	require.Len(t, body["quotas"], 1)
	require.Equal(t, "video_generation", body["quotas"][0].Capability)
	require.Equal(t, 10, body["quotas"][0].RemainingDaily)
}

func TestQuotaDefaultsToGatedCapabilities(t *testing.T) {
	t.Parallel()

	h := newHarness(t, videoPipeline())
	tok := h.token(t, "user-1")

	// Only voice cloning consumes quota; the default report covers just that.
	resp := h.do(t, http.MethodGet, "/quota", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string][]usageView](t, resp)
	require.Len(t, body["quotas"], 1)
	require.Equal(t, string(session.KindVoiceClone), body["quotas"][0].Capability)
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	t.Parallel()

	h := newHarness(t, videoPipeline())
	resp := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
