// Package agent is the agent-directed controller. A decision service picks
// which stage operation runs next; the loop dispatches the call, feeds the
// result back and stops at the first successful issue_loan or deny_loan.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/credit-desk/internal/credit"
	"github.com/tjfontaine/credit-desk/internal/decider"
	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/metrics"
	"github.com/tjfontaine/credit-desk/internal/stages"
	"github.com/tjfontaine/credit-desk/internal/tokens"
)

const (
	DefaultMaxIterations = 12
	DefaultTurnTimeout   = 30 * time.Second
)

// ErrUnavailable wraps any failure to build, send or decode a turn.
var ErrUnavailable = errors.New("agent: decision service unavailable")

// LoopErrorKind classifies a loop that ended without a terminal tool.
type LoopErrorKind string

const (
	UnknownTool        LoopErrorKind = "UnknownTool"
	UnexpectedResponse LoopErrorKind = "UnexpectedResponse"
	LoopExceeded       LoopErrorKind = "LoopExceeded"
	ContextBudget      LoopErrorKind = "ContextBudget"
)

// LoopError ends the agent run without a decision.
type LoopError struct {
	Kind       LoopErrorKind
	Iterations int
	Tool       string
	Text       string
	Tokens     int
}

func (e *LoopError) Error() string {
	switch e.Kind {
	case UnknownTool:
		return fmt.Sprintf("agent: unknown tool %q at iteration %d", e.Tool, e.Iterations)
	case UnexpectedResponse:
		return fmt.Sprintf("agent: free-text response at iteration %d", e.Iterations)
	case ContextBudget:
		return fmt.Sprintf("agent: transcript of %d tokens exceeds budget at iteration %d", e.Tokens, e.Iterations)
	default:
		return fmt.Sprintf("agent: no terminal tool after %d iterations", e.Iterations)
	}
}

// repromptText is sent once when the service answers in free text and
// re-prompting is enabled.
const repromptText = "Responda apenas chamando uma das ferramentas disponíveis."

// Controller runs the tool loop.
type Controller struct {
	ops           *stages.Operations
	svc           decider.Service
	maxIterations int
	turnTimeout   time.Duration
	reprompt      bool
	counter       tokens.Counter
	model         string
	maxTokens     int
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxIterations bounds the number of decision turns.
func WithMaxIterations(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithTurnTimeout bounds each decision turn.
func WithTurnTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.turnTimeout = d
		}
	}
}

// WithRepromptOnText prompts once more before failing on a free-text turn.
func WithRepromptOnText(on bool) Option {
	return func(c *Controller) { c.reprompt = on }
}

// WithTokenBudget stops the loop once the transcript for model exceeds max
// tokens. A zero max disables the check.
func WithTokenBudget(counter tokens.Counter, model string, max int) Option {
	return func(c *Controller) {
		c.counter = counter
		c.model = model
		c.maxTokens = max
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New creates the agent controller.
func New(ops *stages.Operations, svc decider.Service, opts ...Option) *Controller {
	c := &Controller{
		ops:           ops,
		svc:           svc,
		maxIterations: DefaultMaxIterations,
		turnTimeout:   DefaultTurnTimeout,
		logger:        slog.Default(),
		tracer:        otel.Tracer("github.com/tjfontaine/credit-desk/internal/agent"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name identifies the controller in logs and metrics.
func (c *Controller) Name() string { return "agent" }

// session is the per-request loop state.
type session struct {
	rc     domain.RequestContext
	inv    stages.RiskInvoker
	passed map[domain.StageName]bool
	// refused is set by the first failed gate; issue_loan is then blocked.
	refused     bool
	lastFailure *domain.StageFailure
}

// Decide runs the tool loop. It returns an error wrapping ErrUnavailable when
// a turn cannot be completed, or a *LoopError when the loop ends without a
// terminal tool. Either way the caller should fall back.
func (c *Controller) Decide(ctx context.Context, rc domain.RequestContext, inv stages.RiskInvoker) (domain.Response, error) {
	ctx, span := c.tracer.Start(ctx, "agent.decide", trace.WithAttributes(
		attribute.String("creditdesk.request_id", rc.RequestID),
		attribute.String("creditdesk.decider", c.svc.Name()),
	))
	defer span.End()

	resp, iterations, err := c.loop(ctx, rc, inv)
	c.metrics.ObserveAgentIterations(iterations)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("agent ended without decision",
			"request_id", rc.RequestID,
			"controller", c.Name(),
			"iterations", iterations,
			"error", err,
		)
		return domain.Response{}, err
	}
	c.logger.Info("agent reached terminal tool",
		"request_id", rc.RequestID,
		"controller", c.Name(),
		"iterations", iterations,
		"status", resp.Status,
		"reason", resp.Reason,
	)
	return resp, nil
}

func (c *Controller) loop(ctx context.Context, rc domain.RequestContext, inv stages.RiskInvoker) (domain.Response, int, error) {
	s := &session{rc: rc, inv: inv, passed: make(map[domain.StageName]bool)}

	opening, err := json.Marshal(requestPayload(rc))
	if err != nil {
		return domain.Response{}, 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	req := decider.Request{
		Instruction: Instruction,
		Tools:       Tools(),
		Messages:    []decider.Message{{Role: decider.RoleUser, Text: string(opening)}},
	}

	reprompted := false
	for i := 1; i <= c.maxIterations; i++ {
		if c.counter != nil && c.maxTokens > 0 {
			if n := c.counter.Count(c.model, req); n > c.maxTokens {
				return domain.Response{}, i, &LoopError{Kind: ContextBudget, Iterations: i, Tokens: n}
			}
		}

		turn, err := c.next(ctx, req)
		if err != nil {
			return domain.Response{}, i, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		if !turn.HasTools() {
			if c.reprompt && !reprompted {
				reprompted = true
				req.Messages = append(req.Messages,
					decider.Message{Role: decider.RoleAssistant, Text: turn.Text},
					decider.Message{Role: decider.RoleUser, Text: repromptText},
				)
				continue
			}
			return domain.Response{}, i, &LoopError{Kind: UnexpectedResponse, Iterations: i, Text: turn.Text}
		}

		req.Messages = append(req.Messages, decider.Message{
			Role:      decider.RoleAssistant,
			Text:      turn.Text,
			ToolCalls: turn.ToolCalls,
		})
		results := make([]decider.ToolResult, 0, len(turn.ToolCalls))
		for _, call := range turn.ToolCalls {
			if _, ok := handlers[call.Name]; !ok {
				return domain.Response{}, i, &LoopError{Kind: UnknownTool, Iterations: i, Tool: call.Name}
			}
			view, final := c.dispatch(ctx, s, call)
			if final != nil {
				return *final, i, nil
			}
			content, err := json.Marshal(view)
			if err != nil {
				return domain.Response{}, i, fmt.Errorf("%w: %w", ErrUnavailable, err)
			}
			success, _ := view["success"].(bool)
			results = append(results, decider.ToolResult{
				CallID:  call.ID,
				Name:    call.Name,
				Content: string(content),
				IsError: !success,
			})
		}
		req.Messages = append(req.Messages, decider.Message{Role: decider.RoleTool, Results: results})
	}
	return domain.Response{}, c.maxIterations, &LoopError{Kind: LoopExceeded, Iterations: c.maxIterations}
}

func (c *Controller) next(ctx context.Context, req decider.Request) (decider.Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.turnTimeout)
	defer cancel()
	return c.svc.Next(ctx, req)
}

func requestPayload(rc domain.RequestContext) map[string]any {
	p := map[string]any{
		"request_id": rc.RequestID,
		"cpf":        rc.Request.CPF,
	}
	if rc.Request.LoanAmount != nil {
		p["loan_amount"] = *rc.Request.LoanAmount
	}
	if rc.Request.Duration != nil {
		p["duration"] = *rc.Request.Duration
	}
	if rc.Request.Purpose != "" {
		p["purpose"] = rc.Request.Purpose
	}
	return p
}

// handler runs one tool. A non-nil view short-circuits the stage call.
type handler func(ctx context.Context, c *Controller, s *session, args json.RawMessage) (domain.StageResult, map[string]any)

var handlers = map[string]handler{
	string(domain.StageAudit):      auditTool,
	string(domain.StageCompliance): complianceTool,
	string(domain.StageRisk):       riskTool,
	string(domain.StageIssue):      issueTool,
	string(domain.StageDeny):       denyTool,
}

// dispatch runs a tool call. Panics and argument errors become error views
// for the model. final is set only when a terminal tool produced a response.
func (c *Controller) dispatch(ctx context.Context, s *session, call decider.ToolCall) (view map[string]any, final *domain.Response) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("tool panicked", "request_id", s.rc.RequestID, "tool", call.Name, "panic", r)
			view = errorView("INTERNAL_ERROR", fmt.Sprintf("Falha interna em %s: %v", call.Name, r), nil)
			final = nil
		}
	}()

	res, errView := handlers[call.Name](ctx, c, s, call.Arguments)
	if errView != nil {
		return errView, nil
	}

	s.rc = s.rc.Apply(res.Patch)
	if res.Response != nil && res.Stage.Terminal() {
		return res.ToolView(), res.Response
	}
	if res.OK() {
		s.passed[res.Stage] = true
	} else {
		s.refused = true
		s.lastFailure = res.Failure
	}
	return res.ToolView(), nil
}

func errorView(code, message string, details map[string]any) map[string]any {
	v := map[string]any{"success": false, "error": code, "message": message}
	if details != nil {
		v["details"] = details
	}
	return v
}

func decodeArgs(raw json.RawMessage, v any) map[string]any {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errorView("INVALID_ARGUMENTS", "Argumentos inválidos: "+err.Error(), nil)
	}
	return nil
}

func auditTool(ctx context.Context, c *Controller, s *session, raw json.RawMessage) (domain.StageResult, map[string]any) {
	var args struct {
		CPF string `json:"cpf"`
	}
	if v := decodeArgs(raw, &args); v != nil {
		return domain.StageResult{}, v
	}
	if args.CPF != s.rc.Request.CPF {
		return domain.StageResult{}, errorView("PRECONDITION", "O CPF auditado deve ser o CPF do pedido.",
			map[string]any{"cpf": args.CPF, "requested_cpf": s.rc.Request.CPF})
	}
	return c.ops.Audit(ctx, s.rc, args.CPF), nil
}

func complianceTool(ctx context.Context, c *Controller, s *session, raw json.RawMessage) (domain.StageResult, map[string]any) {
	var args stages.ComplianceArgs
	if v := decodeArgs(raw, &args); v != nil {
		return domain.StageResult{}, v
	}
	if v := requireAudit(s, domain.StageCompliance); v != nil {
		return domain.StageResult{}, v
	}
	want := stages.ComplianceArgsFrom(s.rc)
	if v := divergent([]argCheck{
		{"cpf", args.CPF, want.CPF},
		{"age", args.Age, want.Age},
		{"score", args.Score, want.Score},
	}); v != nil {
		return domain.StageResult{}, v
	}
	return c.ops.Compliance(ctx, s.rc, want), nil
}

func riskTool(ctx context.Context, c *Controller, s *session, raw json.RawMessage) (domain.StageResult, map[string]any) {
	var args stages.RiskArgs
	if v := decodeArgs(raw, &args); v != nil {
		return domain.StageResult{}, v
	}
	if v := requireAudit(s, domain.StageRisk); v != nil {
		return domain.StageResult{}, v
	}
	want := stages.RiskArgsFrom(s.rc)
	if v := divergent([]argCheck{
		{"age", args.Age, want.Age},
		{"income", args.Income, want.Income},
		{"loan_amount", args.LoanAmount, want.LoanAmount},
		{"duration", args.Duration, want.Duration},
		{"score", args.Score, want.Score},
		{"purpose", args.Purpose, want.Purpose},
		{"sex", args.Sex, want.Sex},
		{"housing", args.Housing, want.Housing},
		{"saving_accounts", args.SavingAccounts, want.SavingAccounts},
		{"checking_account", args.CheckingAccount, want.CheckingAccount},
	}); v != nil {
		return domain.StageResult{}, v
	}
	return c.ops.RiskAnalyze(ctx, s.rc, s.inv, want), nil
}

// requireAudit blocks stages that read the client record before the audit
// has loaded it.
func requireAudit(s *session, stage domain.StageName) map[string]any {
	if s.passed[domain.StageAudit] && s.rc.Client != nil {
		return nil
	}
	return errorView("PRECONDITION", string(stage)+" exige auditoria aprovada.",
		map[string]any{"missing": []string{string(domain.StageAudit)}})
}

// argCheck pairs a supplied tool argument with the value held by the
// audited record or the request.
type argCheck struct {
	field     string
	got, want any
}

// divergent returns a PRECONDITION view naming every supplied argument that
// differs from the recorded value. Absent arguments are filled by the caller.
func divergent(checks []argCheck) map[string]any {
	fields := map[string]any{}
	for _, ck := range checks {
		if ck.got == nil || ck.got == "" {
			continue
		}
		if !sameValue(ck.got, ck.want) {
			fields[ck.field] = map[string]any{"got": ck.got, "want": ck.want}
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return errorView("PRECONDITION", "Os argumentos devem ser os dados auditados do cliente e do pedido.", fields)
}

func sameValue(got, want any) bool {
	if w, ok := want.(string); ok {
		g, ok := got.(string)
		return ok && g == w
	}
	g, err := credit.ToFloat(got)
	if err != nil {
		return false
	}
	w, err := credit.ToFloat(want)
	return err == nil && math.Abs(g-w) <= 0.005
}

// issueTool enforces the stage order before approving.
func issueTool(ctx context.Context, c *Controller, s *session, raw json.RawMessage) (domain.StageResult, map[string]any) {
	var args stages.IssueArgs
	if v := decodeArgs(raw, &args); v != nil {
		return domain.StageResult{}, v
	}

	var missing []string
	for _, st := range []domain.StageName{domain.StageAudit, domain.StageCompliance, domain.StageRisk} {
		if !s.passed[st] {
			missing = append(missing, string(st))
		}
	}
	if s.refused || len(missing) > 0 {
		details := map[string]any{"missing": missing, "refused": s.refused}
		return domain.StageResult{}, errorView("PRECONDITION",
			"issue_loan exige auditoria, compliance e análise de risco aprovadas.", details)
	}

	if amount, err := credit.ToFloat(args.Amount); err == nil && math.Abs(amount-s.rc.Request.Amount()) > 0.005 {
		return domain.StageResult{}, errorView("PRECONDITION", "O valor emitido deve ser o valor pedido.",
			map[string]any{"amount": amount, "requested_amount": s.rc.Request.Amount()})
	}
	if months, err := credit.ToInt(args.Duration); err == nil && months != s.rc.Request.Months() {
		return domain.StageResult{}, errorView("PRECONDITION", "O prazo emitido deve ser o prazo pedido.",
			map[string]any{"duration": months, "requested_duration": s.rc.Request.Months()})
	}
	return c.ops.Issue(ctx, s.rc, args), nil
}

// denyTool records the details of the last failed stage when there is one,
// and its message when the model gives no reason.
func denyTool(ctx context.Context, c *Controller, s *session, raw json.RawMessage) (domain.StageResult, map[string]any) {
	var args struct {
		Reason  string         `json:"reason"`
		Details map[string]any `json:"details"`
	}
	if v := decodeArgs(raw, &args); v != nil {
		return domain.StageResult{}, v
	}
	if f := s.lastFailure; f != nil {
		args.Details = f.Details
		if args.Reason == "" {
			args.Reason = f.Message
		}
	}
	return c.ops.Deny(ctx, s.rc, args.Reason, args.Details), nil
}
