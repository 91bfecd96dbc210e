package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/neomentor/engine/runtime/session"
)

// metrics holds the orchestrator counters. Instruments come from the global
// meter provider and are no-ops unless one is installed.
type metrics struct {
	sessionsStarted  metric.Int64Counter
	sessionsTerminal metric.Int64Counter
	stageAttempts    metric.Int64Counter
	quotaDenials     metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("github.com/neomentor/engine/runtime/orchestrator")
	var (
		m   metrics
		err error
	)
	if m.sessionsStarted, err = meter.Int64Counter("engine.sessions.started",
		metric.WithDescription("Sessions admitted, by request kind.")); err != nil {
		return nil, err
	}
	if m.sessionsTerminal, err = meter.Int64Counter("engine.sessions.terminal",
		metric.WithDescription("Sessions finalized, by terminal status.")); err != nil {
		return nil, err
	}
	if m.stageAttempts, err = meter.Int64Counter("engine.stage.attempts",
		metric.WithDescription("Stage invocation attempts, by stage name.")); err != nil {
		return nil, err
	}
	if m.quotaDenials, err = meter.Int64Counter("engine.quota.denials",
		metric.WithDescription("Quota-gated stages denied, by capability.")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) sessionStarted(ctx context.Context, kind session.Kind) {
	m.sessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *metrics) sessionTerminal(ctx context.Context, status session.Status) {
	m.sessionsTerminal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (m *metrics) stageAttempt(ctx context.Context, stageName string) {
	m.stageAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stageName)))
}

func (m *metrics) quotaDenied(ctx context.Context, capability string) {
	m.quotaDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("capability", capability)))
}
