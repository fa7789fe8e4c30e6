// Package pipeline is the deterministic controller: it runs the stage
// operations in a fixed order and refuses on the first failure.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/stages"
)

// State is a position in the pipeline state machine.
type State string

const (
	StateStart       State = "START"
	StateAudited     State = "AUDITED"
	StateCompliant   State = "COMPLIANT"
	StateRiskCleared State = "RISK_CLEARED"
	StateIssued      State = "ISSUED"
	StateRefused     State = "REFUSED"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateIssued || s == StateRefused
}

// step is the stage run from a non-terminal state and the state reached
// when it succeeds.
type step struct {
	next State
	run  func(ctx context.Context, rc domain.RequestContext, inv stages.RiskInvoker) domain.StageResult
}

// Executor drives a request through START → AUDITED → COMPLIANT →
// RISK_CLEARED → ISSUED, or to REFUSED from any non-terminal state.
type Executor struct {
	ops    *stages.Operations
	steps  map[State]step
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor wires the fixed transition table over ops.
func NewExecutor(ops *stages.Operations, opts ...Option) *Executor {
	e := &Executor{ops: ops, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.steps = map[State]step{
		StateStart: {next: StateAudited, run: func(ctx context.Context, rc domain.RequestContext, _ stages.RiskInvoker) domain.StageResult {
			return ops.Audit(ctx, rc, rc.Request.CPF)
		}},
		StateAudited: {next: StateCompliant, run: func(ctx context.Context, rc domain.RequestContext, _ stages.RiskInvoker) domain.StageResult {
			return ops.Compliance(ctx, rc, stages.ComplianceArgsFrom(rc))
		}},
		StateCompliant: {next: StateRiskCleared, run: func(ctx context.Context, rc domain.RequestContext, inv stages.RiskInvoker) domain.StageResult {
			return ops.RiskAnalyze(ctx, rc, inv, stages.RiskArgsFrom(rc))
		}},
		StateRiskCleared: {next: StateIssued, run: func(ctx context.Context, rc domain.RequestContext, _ stages.RiskInvoker) domain.StageResult {
			return ops.Issue(ctx, rc, stages.IssueArgsFrom(rc))
		}},
	}
	return e
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	Response domain.Response
	State    State
	// Path lists every state visited, START first.
	Path    []State
	Context domain.RequestContext
	// Denied is set when the run ended in REFUSED.
	Denied *DeniedError
}

// Name identifies the controller in logs and metrics.
func (e *Executor) Name() string { return "pipeline" }

// Decide runs the pipeline and returns its response. It never fails.
func (e *Executor) Decide(ctx context.Context, rc domain.RequestContext, inv stages.RiskInvoker) (domain.Response, error) {
	return e.Run(ctx, rc, inv).Response, nil
}

// Run executes the state machine to a terminal state.
func (e *Executor) Run(ctx context.Context, rc domain.RequestContext, inv stages.RiskInvoker) Outcome {
	state := StateStart
	path := []State{state}
	var denied *DeniedError
	var resp domain.Response

	for !state.Terminal() {
		st := e.steps[state]
		res := st.run(ctx, rc, inv)
		rc = rc.Apply(res.Patch)

		switch {
		case res.OK() && res.Response != nil:
			resp = *res.Response
			state = st.next
		case res.OK():
			state = st.next
		default:
			denied = &DeniedError{StageName: string(res.Stage), Reason: res.Failure.Message, Failure: res.Failure}
			deny := e.ops.Deny(ctx, rc, res.Failure.Message, res.Failure.Details)
			resp = *deny.Response
			state = StateRefused
		}
		path = append(path, state)
	}

	attrs := []any{
		"request_id", rc.RequestID,
		"controller", e.Name(),
		"state", state,
		"status", resp.Status,
	}
	if denied != nil {
		attrs = append(attrs, "stage", denied.StageName, "reason", denied.Reason)
	}
	e.logger.Info("pipeline reached terminal state", attrs...)

	return Outcome{Response: resp, State: state, Path: path, Context: rc, Denied: denied}
}

// DeniedError describes the stage failure that refused a request.
type DeniedError struct {
	StageName string
	Reason    string
	Failure   *domain.StageFailure
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("pipeline denied by %s: %s", e.StageName, e.Reason)
}

// IsDenied returns true if the error is a pipeline denial.
func IsDenied(err error) bool {
	_, ok := err.(*DeniedError)
	return ok
}
