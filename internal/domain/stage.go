package domain

import "fmt"

// StageName identifies a stage operation. The names double as tool names
// for the agent controller.
type StageName string

const (
	StageAudit      StageName = "audit_client"
	StageCompliance StageName = "check_compliance"
	StageRisk       StageName = "analyze_risk"
	StageIssue      StageName = "issue_loan"
	StageDeny       StageName = "deny_loan"
)

// Terminal reports whether invoking the stage ends the request.
func (s StageName) Terminal() bool {
	return s == StageIssue || s == StageDeny
}

// FailureKind classifies a failed stage.
type FailureKind string

const (
	FailureInvalidFormat     FailureKind = "InvalidFormat"
	FailureLookup            FailureKind = "LookupError"
	FailureNotFound          FailureKind = "NotFound"
	FailureMissingField      FailureKind = "MissingField"
	FailureInvalidData       FailureKind = "InvalidData"
	FailureUnderAge          FailureKind = "UnderAge"
	FailureBelowMinimumScore FailureKind = "BelowMinimumScore"
	FailureInsufficientData  FailureKind = "InsufficientData"
	FailureHighRisk          FailureKind = "HighRisk"
	FailureInvalidAmount     FailureKind = "InvalidAmount"
	FailureRiskUnavailable   FailureKind = "RiskUnavailable"
)

// Rule tags carried in failure details under the "rule" key.
const (
	RuleCPFFormat     = "CPF_FORMAT"
	RuleDBError       = "DB_ERROR"
	RuleNotFound      = "NOT_FOUND"
	RuleMissingData   = "MISSING_DATA"
	RuleInvalidData   = "INVALID_DATA"
	RuleLegalAge      = "LEGAL_AGE"
	RuleMinScore      = "MIN_SCORE"
	RuleRisk          = "RISK_POLICY"
	RuleInvalidAmount = "INVALID_AMOUNT"
	RuleUnavailable   = "RISK_UNAVAILABLE"
	RuleInsufficient  = "INSUFFICIENT_DATA"
	RuleAuditLog      = "AUDIT_LOG_UNAVAILABLE"
	RuleIncomplete    = "INCOMPLETE_DATA"
	RuleInternal      = "INTERNAL_ERROR"
)

// StageFailure is the Failed variant of a StageResult.
type StageFailure struct {
	Kind    FailureKind
	Message string
	Details map[string]any
}

// Fail builds a failure whose details carry the given rule tag.
func Fail(kind FailureKind, rule, message string, details map[string]any) *StageFailure {
	d := map[string]any{"rule": rule}
	for k, v := range details {
		d[k] = v
	}
	return &StageFailure{Kind: kind, Message: message, Details: d}
}

func (f *StageFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Rule returns the machine-readable rule tag.
func (f *StageFailure) Rule() string {
	r, _ := f.Details["rule"].(string)
	return r
}

// StageResult is the outcome of one stage operation: either Ok with a
// payload (Failure nil) or Failed. Terminal stages also set Response.
type StageResult struct {
	Stage    StageName
	Payload  map[string]any
	Failure  *StageFailure
	Patch    Patch
	Response *Response
}

// OK reports whether the stage succeeded.
func (r StageResult) OK() bool { return r.Failure == nil }

// Ok builds a successful result.
func Ok(stage StageName, payload map[string]any, patch Patch) StageResult {
	return StageResult{Stage: stage, Payload: payload, Patch: patch}
}

// Failed builds a failed result.
func Failed(stage StageName, f *StageFailure) StageResult {
	return StageResult{Stage: stage, Failure: f}
}

// ToolView renders the result the way it is reported back to a decision
// service.
func (r StageResult) ToolView() map[string]any {
	if r.Failure != nil {
		return map[string]any{
			"success": false,
			"error":   string(r.Failure.Kind),
			"message": r.Failure.Message,
			"details": r.Failure.Details,
		}
	}
	out := map[string]any{"success": true}
	for k, v := range r.Payload {
		out[k] = v
	}
	return out
}
