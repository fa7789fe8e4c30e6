// Package stages implements the five stage operations of a loan decision:
// audit, compliance, risk analysis, issue and deny. Each returns exactly one
// domain.StageResult and never mutates the context it is given. Only Issue
// and Deny write to the application log.
package stages

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/credit-desk/internal/credit"
	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/metrics"
	"github.com/tjfontaine/credit-desk/internal/remote"
	"github.com/tjfontaine/credit-desk/internal/risk"
	"github.com/tjfontaine/credit-desk/internal/scoring"
)

// Registry is the read side of the client registry.
type Registry interface {
	LookupClient(ctx context.Context, cpf string) (*domain.Client, error)
}

// AuditLog is the write side of the application log.
type AuditLog interface {
	AppendApplication(ctx context.Context, e *domain.AuditLogEntry) error
}

// RiskInvoker produces the risk signal and debt ratio for one request.
type RiskInvoker interface {
	Assess(ctx context.Context, f scoring.Features) (remote.Assessment, error)
}

// Operations holds the collaborators shared by every stage.
type Operations struct {
	registry    Registry
	log         AuditLog
	rule        risk.Rule
	legalAge    int
	minScore    int
	now         func() time.Time
	newProtocol func() string
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

// Option configures Operations.
type Option func(*Operations)

// WithRule sets the risk decision rule.
func WithRule(r risk.Rule) Option {
	return func(o *Operations) { o.rule = r }
}

// WithLimits overrides the regulatory age and score gates.
func WithLimits(legalAge, minScore int) Option {
	return func(o *Operations) {
		o.legalAge = legalAge
		o.minScore = minScore
	}
}

// WithClock sets the time source used for log entries.
func WithClock(now func() time.Time) Option {
	return func(o *Operations) { o.now = now }
}

// WithProtocolGenerator sets the protocol id generator.
func WithProtocolGenerator(gen func() string) Option {
	return func(o *Operations) { o.newProtocol = gen }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Operations) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Operations) { o.metrics = m }
}

// New creates the stage operations.
func New(registry Registry, log AuditLog, opts ...Option) *Operations {
	o := &Operations{
		registry:    registry,
		log:         log,
		rule:        risk.DefaultRule(),
		legalAge:    credit.LegalAge,
		minScore:    credit.MinimumScore,
		now:         time.Now,
		newProtocol: credit.NewProtocolID,
		logger:      slog.Default(),
		tracer:      otel.Tracer("github.com/tjfontaine/credit-desk/internal/stages"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// observe wraps a stage run with a span, a duration metric and a debug log.
func (o *Operations) observe(ctx context.Context, rc domain.RequestContext, stage domain.StageName, run func(context.Context) domain.StageResult) domain.StageResult {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, string(stage), trace.WithAttributes(
		attribute.String("creditdesk.request_id", rc.RequestID),
	))
	defer span.End()

	res := run(ctx)
	res.Stage = stage
	if res.Failure != nil {
		span.SetStatus(codes.Error, string(res.Failure.Kind))
		span.SetAttributes(attribute.String("creditdesk.rule", res.Failure.Rule()))
	}
	o.metrics.ObserveStage(string(stage), res.OK(), start)
	o.logger.Debug("stage finished",
		"request_id", rc.RequestID,
		"stage", stage,
		"ok", res.OK(),
		"duration", time.Since(start),
	)
	return res
}
