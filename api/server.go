// Package api exposes the engine over HTTP: session submission and inspection,
// live event streaming over WebSocket, quota usage and health.
//
// Every endpoint except /healthz requires a bearer token; the verified user
// identity scopes all session and quota operations. Error responses are JSON
// objects with a single "error" field.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/neomentor/engine/runtime/auth"
	"github.com/neomentor/engine/runtime/orchestrator"
	"github.com/neomentor/engine/runtime/quota"
	"github.com/neomentor/engine/runtime/session"
	"github.com/neomentor/engine/runtime/stream"
)

const maxSubmitBody = 1 << 20

type (
	// Options configures the API server.
	Options struct {
		// Auth verifies bearer tokens. Required.
		Auth auth.Verifier
		// Orchestrator drives session execution. Required.
		Orchestrator *orchestrator.Orchestrator
		// Store loads session records for the live endpoint. Required.
		Store session.Store
		// Bus delivers live events. Required.
		Bus stream.Bus
		// Ledger reports quota usage. Required.
		Ledger quota.Ledger
		// Capabilities lists the capabilities /quota reports. Defaults to the
		// capabilities a pipeline stage actually gates.
		Capabilities []string
		// Pingers are the backends /healthz checks. Optional.
		Pingers []health.Pinger
		// OnAuthenticated is invoked with every verified identity. Optional;
		// used to feed tier information to the quota resolver.
		OnAuthenticated func(auth.Identity)
		// WriteTimeout bounds a single WebSocket write. Defaults to 10 seconds.
		WriteTimeout time.Duration
	}

	// Server is the HTTP front end of the engine.
	Server struct {
		auth         auth.Verifier
		orch         *orchestrator.Orchestrator
		store        session.Store
		bus          stream.Bus
		ledger       quota.Ledger
		capabilities []string
		checker      health.Checker
		writeTimeout time.Duration
		onAuth       func(auth.Identity)
	}

	submitRequest struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}

	submitResponse struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}

	sessionView struct {
		SessionID string          `json:"session_id"`
		Kind      string          `json:"kind"`
		Status    string          `json:"status"`
		Steps     []session.Step  `json:"steps,omitempty"`
		Result    json.RawMessage `json:"result,omitempty"`
		Error     string          `json:"error,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
		UpdatedAt time.Time       `json:"updated_at"`
	}

	usageView struct {
		Capability       string `json:"capability"`
		Daily            int    `json:"daily"`
		Monthly          int    `json:"monthly"`
		RemainingDaily   int    `json:"remaining_daily"`
		RemainingMonthly int    `json:"remaining_monthly"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

// New constructs the API server.
func New(opts Options) (*Server, error) {
	if opts.Auth == nil {
		return nil, errors.New("auth verifier is required")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("quota ledger is required")
	}
	caps := opts.Capabilities
	if len(caps) == 0 {
		caps = []string{string(session.KindVoiceClone)}
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Server{
		auth:         opts.Auth,
		orch:         opts.Orchestrator,
		store:        opts.Store,
		bus:          opts.Bus,
		ledger:       opts.Ledger,
		capabilities: caps,
		checker:      health.NewChecker(opts.Pingers...),
		writeTimeout: writeTimeout,
		onAuth:       opts.OnAuthenticated,
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.requireAuth(s.handleSubmit))
	mux.HandleFunc("GET /sessions", s.requireAuth(s.handleList))
	mux.HandleFunc("GET /sessions/{id}", s.requireAuth(s.handleGet))
	mux.HandleFunc("POST /sessions/{id}/cancel", s.requireAuth(s.handleCancel))
	mux.HandleFunc("GET /live/{id}", s.requireAuth(s.handleLive))
	mux.HandleFunc("GET /quota", s.requireAuth(s.handleQuota))
	mux.Handle("GET /healthz", health.Handler(s.checker))
	return mux
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	sessionID, err := s.orch.Submit(r.Context(), id.UserID, session.Kind(req.Kind), req.Payload)
	if err != nil {
		s.writeSubmitError(r, w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{SessionID: sessionID, Status: string(session.StatusQueued)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	sess, err := s.orch.Get(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		s.writeSessionError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(sess))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	sessions, err := s.orch.ListByUser(r.Context(), id.UserID)
	if err != nil {
		s.writeSessionError(r, w, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, toView(sess))
	}
	writeJSON(w, http.StatusOK, map[string][]sessionView{"sessions": views})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if err := s.orch.Cancel(r.Context(), r.PathValue("id"), id.UserID); err != nil {
		s.writeSessionError(r, w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	caps := s.capabilities
	if c := r.URL.Query().Get("capability"); c != "" {
		caps = []string{c}
	}
	views := make([]usageView, 0, len(caps))
	for _, capability := range caps {
		u, err := s.ledger.Usage(r.Context(), id.UserID, capability)
		if err != nil {
			log.Errorf(r.Context(), err, "quota usage lookup failed")
			writeError(w, http.StatusInternalServerError, "quota service unavailable")
			return
		}
		views = append(views, usageView{
			Capability:       u.Capability,
			Daily:            u.Daily,
			Monthly:          u.Monthly,
			RemainingDaily:   u.RemainingDaily,
			RemainingMonthly: u.RemainingMonthly,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]usageView{"quotas": views})
}

// writeSubmitError maps Submit failures to HTTP statuses.
func (s *Server) writeSubmitError(r *http.Request, w http.ResponseWriter, err error) {
	var verr *orchestrator.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, orchestrator.ErrNoPipeline):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		log.Errorf(r.Context(), err, "submit failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeSessionError maps session lookup and cancel failures to HTTP statuses.
func (s *Server) writeSessionError(r *http.Request, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, orchestrator.ErrNotOwner):
		writeError(w, http.StatusForbidden, "session belongs to another user")
	case errors.Is(err, orchestrator.ErrSessionNotActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Errorf(r.Context(), err, "session operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toView(sess session.Session) sessionView {
	return sessionView{
		SessionID: sess.ID,
		Kind:      string(sess.Kind),
		Status:    string(sess.Status),
		Steps:     sess.Steps,
		Result:    sess.Result,
		Error:     sess.Error,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
