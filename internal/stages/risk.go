package stages

import (
	"context"
	"strings"

	"github.com/tjfontaine/credit-desk/internal/credit"
	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/scoring"
)

// RiskArgs carries the financial and demographic inputs of the model.
type RiskArgs struct {
	Age             any    `json:"age"`
	Income          any    `json:"income"`
	LoanAmount      any    `json:"loan_amount"`
	Duration        any    `json:"duration"`
	Score           any    `json:"score"`
	Purpose         string `json:"purpose,omitempty"`
	Sex             string `json:"sex,omitempty"`
	Housing         string `json:"housing,omitempty"`
	SavingAccounts  string `json:"saving_accounts,omitempty"`
	CheckingAccount string `json:"checking_account,omitempty"`
}

// RiskArgsFrom reads the model inputs from an audited context.
func RiskArgsFrom(rc domain.RequestContext) RiskArgs {
	args := RiskArgs{Purpose: rc.Request.Purpose}
	if rc.Request.LoanAmount != nil {
		args.LoanAmount = *rc.Request.LoanAmount
	}
	if rc.Request.Duration != nil {
		args.Duration = *rc.Request.Duration
	}
	if c := rc.Client; c != nil {
		args.Age = c.Age
		args.Income = c.Income
		args.Score = c.Score
		args.Sex = c.Sex
		args.Housing = c.Housing
		args.SavingAccounts = c.SavingAccounts
		args.CheckingAccount = c.CheckingAccount
	}
	return args
}

func (a RiskArgs) features() (scoring.Features, string, error) {
	f := scoring.Features{
		Purpose:         a.Purpose,
		Sex:             a.Sex,
		Housing:         a.Housing,
		SavingAccounts:  a.SavingAccounts,
		CheckingAccount: a.CheckingAccount,
	}
	var err error
	if f.Age, err = credit.ToInt(a.Age); err != nil {
		return f, "age", err
	}
	if f.Income, err = credit.ToFloat(a.Income); err != nil {
		return f, "income", err
	}
	if f.LoanAmount, err = credit.ToFloat(a.LoanAmount); err != nil {
		return f, "loan_amount", err
	}
	if f.Duration, err = credit.ToInt(a.Duration); err != nil {
		return f, "duration", err
	}
	if f.Score, err = credit.ToInt(a.Score); err != nil {
		return f, "score", err
	}
	return f, "", nil
}

// RiskAnalyze coerces the numeric inputs, obtains the risk signal and debt
// ratio through inv and applies the decision rule. A refusal is reported as
// a HighRisk failure that still carries the assessment.
func (o *Operations) RiskAnalyze(ctx context.Context, rc domain.RequestContext, inv RiskInvoker, args RiskArgs) domain.StageResult {
	return o.observe(ctx, rc, domain.StageRisk, func(ctx context.Context) domain.StageResult {
		f, field, err := args.features()
		if err != nil {
			return domain.Failed(domain.StageRisk, domain.Fail(domain.FailureInsufficientData, domain.RuleInsufficient,
				"Dados insuficientes para análise de risco.",
				map[string]any{"field": field, "error": err.Error()}))
		}

		if inv == nil {
			return domain.Failed(domain.StageRisk, domain.Fail(domain.FailureRiskUnavailable, domain.RuleUnavailable,
				"Análise de risco indisponível.", nil))
		}
		a, err := inv.Assess(ctx, f)
		if err != nil {
			o.logger.Error("risk signal unavailable", "request_id", rc.RequestID, "error", err)
			return domain.Failed(domain.StageRisk, domain.Fail(domain.FailureRiskUnavailable, domain.RuleUnavailable,
				"Análise de risco indisponível.",
				map[string]any{"error": err.Error(), "dti": a.DTI}))
		}

		d := o.rule.Decide(a.Signal, a.DTI)
		assessment := &domain.RiskAssessment{
			Signal:       a.Signal,
			DTI:          a.DTI,
			Trace:        d.Trace,
			SignalSource: string(a.SignalSource),
			DTISource:    string(a.DTISource),
		}
		payload := map[string]any{
			"signal_source": string(a.SignalSource),
			"dti_source":    string(a.DTISource),
		}
		for k, v := range d.Details {
			payload[k] = v
		}
		patch := domain.Patch{Risk: assessment}

		if d.Refuse {
			return domain.StageResult{
				Stage: domain.StageRisk,
				Failure: domain.Fail(domain.FailureHighRisk, domain.RuleRisk,
					"Reprovado na análise de risco: "+strings.Join(d.Trace, "; "), d.Details),
				Payload: payload,
				Patch:   patch,
			}
		}
		return domain.Ok(domain.StageRisk, payload, patch)
	})
}
