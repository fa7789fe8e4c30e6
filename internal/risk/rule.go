// Package risk implements the decision rule that fuses a risk signal with
// the debt-to-income ratio.
package risk

import (
	"fmt"

	"github.com/tjfontaine/credit-desk/internal/domain"
)

// Trigger selects how the high-risk condition is read from a signal.
type Trigger string

const (
	// TriggerProbability fires when probability >= ProbabilityThreshold.
	TriggerProbability Trigger = "probability"
	// TriggerStatus fires when the signal status is HIGH_RISK.
	TriggerStatus Trigger = "status"
)

const (
	DefaultProbabilityThreshold = 0.75
	DefaultDTIThreshold         = 20.0
)

// Rule is the risk decision rule. The zero value is not usable; start from
// DefaultRule.
type Rule struct {
	Trigger              Trigger
	ProbabilityThreshold float64
	DTIThreshold         float64
}

// DefaultRule uses the probability trigger with the standard thresholds.
func DefaultRule() Rule {
	return Rule{
		Trigger:              TriggerProbability,
		ProbabilityThreshold: DefaultProbabilityThreshold,
		DTIThreshold:         DefaultDTIThreshold,
	}
}

// Decision is the outcome of applying the rule.
type Decision struct {
	Refuse  bool
	Trace   domain.DecisionTrace
	Details map[string]any
}

// Decide refuses iff the high-risk trigger or the DTI trigger fires. Every
// fired trigger is listed in the trace.
func (r Rule) Decide(sig domain.RiskSignal, dti float64) Decision {
	var trace domain.DecisionTrace
	if r.highRisk(sig) {
		trace = append(trace, fmt.Sprintf("ML=HIGH_RISK (pred=%d, prob=%.2f)", sig.Prediction, sig.Probability))
	}
	if dti > r.DTIThreshold {
		trace = append(trace, fmt.Sprintf("DTI=%.2f (> %.1f)", dti, r.DTIThreshold))
	}
	details := map[string]any{
		"risk_probability": sig.Probability,
		"risk_prediction":  sig.Prediction,
		"status":           string(sig.Status),
		"dti":              dti,
		"trigger":          string(r.Trigger),
	}
	if len(trace) > 0 {
		details["triggers"] = []string(trace)
	}
	return Decision{Refuse: len(trace) > 0, Trace: trace, Details: details}
}

func (r Rule) highRisk(sig domain.RiskSignal) bool {
	if r.Trigger == TriggerStatus {
		return sig.Status == domain.RiskHigh
	}
	return sig.Probability >= r.ProbabilityThreshold
}

// ParseTrigger maps a configuration string onto a Trigger.
func ParseTrigger(s string) (Trigger, error) {
	switch Trigger(s) {
	case "", TriggerProbability:
		return TriggerProbability, nil
	case TriggerStatus:
		return TriggerStatus, nil
	}
	return "", fmt.Errorf("unknown risk trigger %q", s)
}
