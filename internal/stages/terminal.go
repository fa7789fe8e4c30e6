package stages

import (
	"context"
	"fmt"

	"github.com/tjfontaine/credit-desk/internal/credit"
	"github.com/tjfontaine/credit-desk/internal/domain"
)

// ApprovalMessage is sent with every approved response.
const ApprovalMessage = "Parabéns! Seu crédito foi aprovado e o contrato enviado."

// IssueArgs are the terminal approval inputs.
type IssueArgs struct {
	Amount   any `json:"amount"`
	Duration any `json:"duration"`
}

// IssueArgsFrom reads the requested amount and duration from the context.
func IssueArgsFrom(rc domain.RequestContext) IssueArgs {
	return IssueArgs{Amount: rc.Request.Amount(), Duration: rc.Request.Months()}
}

// Issue approves the request: it generates a protocol id, appends an
// APPROVED entry to the application log and builds the final response.
func (o *Operations) Issue(ctx context.Context, rc domain.RequestContext, args IssueArgs) domain.StageResult {
	return o.observe(ctx, rc, domain.StageIssue, func(ctx context.Context) domain.StageResult {
		amount, err := credit.ToFloat(args.Amount)
		if err != nil || amount <= 0 {
			return domain.Failed(domain.StageIssue, domain.Fail(domain.FailureInvalidAmount, domain.RuleInvalidAmount,
				fmt.Sprintf("Valor inválido para emissão (%v).", args.Amount),
				map[string]any{"amount": args.Amount}))
		}
		duration, err := credit.ToInt(args.Duration)
		if err != nil || duration <= 0 {
			return domain.Failed(domain.StageIssue, domain.Fail(domain.FailureInvalidData, domain.RuleInvalidData,
				fmt.Sprintf("Prazo inválido para emissão (%v).", args.Duration),
				map[string]any{"field": "duration", "duration": args.Duration}))
		}

		protocol := o.newProtocol()
		entry := o.entry(rc, domain.AuditApproved, amount, duration)
		entry.Protocol = protocol
		if err := o.log.AppendApplication(ctx, entry); err != nil {
			return o.logFailure(rc, err)
		}

		resp := &domain.Response{
			Status:        domain.StatusApproved,
			Protocol:      protocol,
			AmountDisplay: credit.FormatBRL(amount),
			Message:       ApprovalMessage,
			Risk:          rc.RiskSummary(),
		}
		res := domain.Ok(domain.StageIssue, map[string]any{
			"status":         string(domain.AuditApproved),
			"protocol":       protocol,
			"amount_display": resp.AmountDisplay,
			"risk_summary":   resp.Risk,
		}, domain.Patch{})
		res.Response = resp
		return res
	})
}

// Deny is the failure terminal. It always succeeds as an operation: it
// appends a DENIED entry and returns the refusal.
func (o *Operations) Deny(ctx context.Context, rc domain.RequestContext, reason string, details map[string]any) domain.StageResult {
	return o.observe(ctx, rc, domain.StageDeny, func(ctx context.Context) domain.StageResult {
		if reason == "" {
			reason = "Pedido negado."
		}
		entry := o.entry(rc, domain.AuditDenied, rc.Request.Amount(), rc.Request.Months())
		entry.Reason = reason
		entry.Details = details
		if err := o.log.AppendApplication(ctx, entry); err != nil {
			return o.logFailure(rc, err)
		}

		resp := &domain.Response{
			Status:  domain.StatusDenied,
			Reason:  reason,
			Details: details,
			Risk:    rc.RiskSummary(),
		}
		payload := map[string]any{"status": string(domain.AuditDenied), "reason": reason}
		if details != nil {
			payload["details"] = details
		}
		if resp.Risk != nil {
			payload["risk_summary"] = resp.Risk
		}
		res := domain.Ok(domain.StageDeny, payload, domain.Patch{})
		res.Response = resp
		return res
	})
}

func (o *Operations) entry(rc domain.RequestContext, status domain.AuditStatus, amount float64, duration int) *domain.AuditLogEntry {
	e := &domain.AuditLogEntry{
		RequestID: rc.RequestID,
		CPF:       rc.Request.CPF,
		ClientID:  rc.ClientID(),
		Amount:    amount,
		Duration:  duration,
		Purpose:   rc.Request.Purpose,
		Status:    status,
		CreatedAt: o.now(),
	}
	if rc.Client != nil {
		e.Snapshot = rc.Client.Demographics
	}
	return e
}

// logFailure ends the request with an error payload when the decision
// cannot be recorded.
func (o *Operations) logFailure(rc domain.RequestContext, err error) domain.StageResult {
	o.logger.Error("application log append failed", "request_id", rc.RequestID, "error", err)
	res := domain.Ok(domain.StageDeny, map[string]any{"status": string(domain.StatusError)}, domain.Patch{})
	res.Response = &domain.Response{
		Status:  domain.StatusError,
		Reason:  "Não foi possível registrar a decisão.",
		Details: map[string]any{"rule": domain.RuleAuditLog, "error": err.Error()},
	}
	return res
}
