// Package orchestrator is the single entry point for loan requests. It
// validates the input, opens one scorer session per request, tries the agent
// controller when one is configured and falls back to the deterministic
// pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/credit-desk/internal/agent"
	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/metrics"
	"github.com/tjfontaine/credit-desk/internal/remote"
	"github.com/tjfontaine/credit-desk/internal/stages"
)

// Controller decides one request.
type Controller interface {
	Name() string
	Decide(ctx context.Context, rc domain.RequestContext, inv stages.RiskInvoker) (domain.Response, error)
}

// SessionOpener opens the per-request scorer session.
type SessionOpener interface {
	Open(ctx context.Context) (*remote.Invoker, func())
}

// Orchestrator is the facade over both controllers.
type Orchestrator struct {
	agent    Controller
	pipeline Controller
	sessions SessionOpener
	validate *validator.Validate
	newID    func() string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAgent enables the agent controller ahead of the pipeline.
func WithAgent(c Controller) Option {
	return func(o *Orchestrator) { o.agent = c }
}

// WithRequestIDGenerator sets how request ids are minted.
func WithRequestIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates the facade. pipeline is mandatory; the agent is optional.
func New(pipeline Controller, sessions SessionOpener, opts ...Option) *Orchestrator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	o := &Orchestrator{
		pipeline: pipeline,
		sessions: sessions,
		validate: v,
		newID:    uuid.NewString,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/tjfontaine/credit-desk/internal/orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleRequest decides one loan request. It never fails: every path ends in
// an APROVADO, NEGADO or ERRO response.
func (o *Orchestrator) HandleRequest(ctx context.Context, req domain.LoanRequest) domain.Response {
	if missing := o.missingFields(req); len(missing) > 0 {
		o.metrics.ObserveRequest("none", string(domain.StatusError))
		return domain.Response{
			Status: domain.StatusError,
			Reason: "Dados incompletos: " + strings.Join(missing, ", ") + ".",
			Details: map[string]any{
				"rule":    domain.RuleIncomplete,
				"kind":    "IncompleteData",
				"missing": missing,
			},
		}
	}

	rc := domain.NewRequestContext(o.newID(), req)
	ctx, span := o.tracer.Start(ctx, "orchestrator.handle", trace.WithAttributes(
		attribute.String("creditdesk.request_id", rc.RequestID),
	))
	defer span.End()

	inv, release := o.sessions.Open(ctx)
	defer release()

	if o.agent != nil {
		resp, err := o.run(ctx, o.agent, rc, inv)
		if err == nil {
			o.finish(span, o.agent, rc, resp)
			return resp
		}
		cause := fallbackCause(err)
		o.metrics.ObserveFallback(cause)
		o.logger.Warn("agent controller failed, falling back to pipeline",
			"request_id", rc.RequestID,
			"cause", cause,
			"error", err,
		)
	}

	resp, err := o.run(ctx, o.pipeline, rc, inv)
	if err != nil {
		o.logger.Error("pipeline controller failed", "request_id", rc.RequestID, "error", err)
		resp = domain.Response{
			Status:  domain.StatusError,
			Reason:  "Não foi possível concluir a análise.",
			Details: map[string]any{"rule": domain.RuleInternal},
		}
	}
	o.finish(span, o.pipeline, rc, resp)
	return resp
}

// run invokes a controller and turns a panic into an error.
func (o *Orchestrator) run(ctx context.Context, c Controller, rc domain.RequestContext, inv stages.RiskInvoker) (resp domain.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s controller panicked: %v", c.Name(), r)
		}
	}()
	return c.Decide(ctx, rc, inv)
}

func (o *Orchestrator) finish(span trace.Span, c Controller, rc domain.RequestContext, resp domain.Response) {
	span.SetAttributes(
		attribute.String("creditdesk.controller", c.Name()),
		attribute.String("creditdesk.status", string(resp.Status)),
	)
	o.metrics.ObserveRequest(c.Name(), string(resp.Status))
	o.logger.Info("request decided",
		"request_id", rc.RequestID,
		"controller", c.Name(),
		"status", resp.Status,
		"protocol", resp.Protocol,
		"reason", resp.Reason,
	)
}

// missingFields lists the json names of absent required fields.
func (o *Orchestrator) missingFields(req domain.LoanRequest) []string {
	err := o.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		missing = append(missing, fe.Field())
	}
	return missing
}

func fallbackCause(err error) string {
	var le *agent.LoopError
	switch {
	case errors.As(err, &le):
		return string(le.Kind)
	case errors.Is(err, agent.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
