package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/neomentor/engine/runtime/model"
	"github.com/neomentor/engine/runtime/session"
	"github.com/neomentor/engine/runtime/stage"
)

const analyticsSystemPrompt = `You analyze usage statistics for a learning
platform and reply with a JSON object of the form {"insights": ["..."],
"recommendations": ["..."]} and nothing else.`

type (
	// Analytics aggregates the caller's session history into usage metrics
	// and, when a model client is available, narrative insights.
	Analytics struct {
		sessions session.Store
		model    model.Client
	}

	analyticsRequest struct {
		Metrics   []string `json:"metrics"`
		DateRange struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"date_range"`
	}

	// AnalyticsOutput is the session result for analytics queries.
	AnalyticsOutput struct {
		Data            AnalyticsData `json:"data"`
		Insights        []string      `json:"insights,omitempty"`
		Recommendations []string      `json:"recommendations,omitempty"`
	}

	// AnalyticsData is the aggregated usage breakdown.
	AnalyticsData struct {
		TotalSessions int            `json:"total_sessions"`
		ByKind        map[string]int `json:"by_kind"`
		ByStatus      map[string]int `json:"by_status"`
	}
)

// NewAnalytics returns the analytics stage. The model client is optional;
// without one the stage reports metrics only.
func NewAnalytics(store session.Store, client model.Client) (*Analytics, error) {
	if store == nil {
		return nil, errors.New("stages: session store is required")
	}
	return &Analytics{sessions: store, model: client}, nil
}

// Descriptor implements stage.Stage.
func (s *Analytics) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:        "analytics",
		MaxDuration: 30 * time.Second,
		Retry:       stage.RetryPolicy{MaxAttempts: 2, Backoff: time.Second},
	}
}

// Run implements stage.Stage.
func (s *Analytics) Run(ctx context.Context, in *stage.Input) (*stage.Output, error) {
	var req analyticsRequest
	if err := in.RequestInto(&req); err != nil {
		return nil, stage.NewStageError("analytics", "request payload is unreadable", err)
	}

	history, err := s.sessions.ListByUser(ctx, in.UserID)
	if err != nil {
		return nil, stage.NewInfraError("analytics", "session history unavailable", err)
	}

	out := AnalyticsOutput{Data: AnalyticsData{
		ByKind:   make(map[string]int),
		ByStatus: make(map[string]int),
	}}
	for _, sess := range history {
		if sess.ID == in.SessionID {
			// The query itself is not part of the analyzed history.
			continue
		}
		out.Data.TotalSessions++
		out.Data.ByKind[string(sess.Kind)]++
		out.Data.ByStatus[string(sess.Status)]++
	}

	if s.model != nil && out.Data.TotalSessions > 0 {
		summary, merr := json.Marshal(out.Data)
		if merr == nil {
			resp, merr := s.model.Complete(ctx, &model.Request{
				System: analyticsSystemPrompt,
				Prompt: fmt.Sprintf("Metrics requested: %v. Usage data: %s", req.Metrics, summary),
			})
			if merr == nil {
				var narrative struct {
					Insights        []string `json:"insights"`
					Recommendations []string `json:"recommendations"`
				}
				if json.Unmarshal([]byte(resp.Text), &narrative) == nil {
					out.Insights = narrative.Insights
					out.Recommendations = narrative.Recommendations
				}
			}
		}
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, stage.NewStageError("analytics", "report could not be encoded", err)
	}
	return &stage.Output{Result: encoded, Message: fmt.Sprintf("%d sessions analyzed", out.Data.TotalSessions)}, nil
}
