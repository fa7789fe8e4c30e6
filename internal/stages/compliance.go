package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/tjfontaine/credit-desk/internal/credit"
	"github.com/tjfontaine/credit-desk/internal/domain"
)

// ComplianceArgs are loosely typed so that values coming from a decision
// service can be reported as invalid rather than rejected at decode time.
type ComplianceArgs struct {
	CPF   any `json:"cpf"`
	Age   any `json:"age"`
	Score any `json:"score"`
}

// ComplianceArgsFrom reads the compliance inputs from an audited context.
func ComplianceArgsFrom(rc domain.RequestContext) ComplianceArgs {
	args := ComplianceArgs{CPF: rc.Request.CPF}
	if rc.Client != nil {
		args.Age = rc.Client.Age
		args.Score = rc.Client.Score
	}
	return args
}

// Compliance applies the regulatory gates in order: presence and format of
// the identity key, presence and type of age and score, legal age, and the
// minimum score.
func (o *Operations) Compliance(ctx context.Context, rc domain.RequestContext, args ComplianceArgs) domain.StageResult {
	return o.observe(ctx, rc, domain.StageCompliance, func(ctx context.Context) domain.StageResult {
		fail := func(kind domain.FailureKind, rule, msg string, details map[string]any) domain.StageResult {
			return domain.Failed(domain.StageCompliance, domain.Fail(kind, rule, msg, details))
		}

		cpf, isString := args.CPF.(string)
		if args.CPF == nil || (isString && strings.TrimSpace(cpf) == "") {
			return fail(domain.FailureMissingField, domain.RuleMissingData, "CPF não informado.",
				map[string]any{"field": "cpf"})
		}
		if !isString || !credit.ValidCPF(cpf) {
			return fail(domain.FailureInvalidData, domain.RuleCPFFormat, "Formato de CPF inválido.",
				map[string]any{"field": "cpf", "cpf": args.CPF})
		}

		if args.Age == nil {
			return fail(domain.FailureMissingField, domain.RuleMissingData, "Idade não informada no cadastro.",
				map[string]any{"field": "age"})
		}
		age, err := credit.ToInt(args.Age)
		if err != nil {
			return fail(domain.FailureInvalidData, domain.RuleInvalidData, fmt.Sprintf("Idade inválida (%v).", args.Age),
				map[string]any{"field": "age", "age": args.Age})
		}

		if args.Score == nil {
			return fail(domain.FailureMissingField, domain.RuleMissingData, "Score não informado no cadastro.",
				map[string]any{"field": "score"})
		}
		score, err := credit.ToInt(args.Score)
		if err != nil {
			return fail(domain.FailureInvalidData, domain.RuleInvalidData, fmt.Sprintf("Score inválido (%v).", args.Score),
				map[string]any{"field": "score", "score": args.Score})
		}

		if age < o.legalAge {
			return fail(domain.FailureUnderAge, domain.RuleLegalAge, fmt.Sprintf("Cliente menor de idade (%d anos).", age),
				map[string]any{"age": age})
		}
		if score < o.minScore {
			return fail(domain.FailureBelowMinimumScore, domain.RuleMinScore,
				fmt.Sprintf("Score abaixo do mínimo permitido (%d).", score),
				map[string]any{"score": score})
		}

		return domain.Ok(domain.StageCompliance, map[string]any{"message": "Compliance OK."}, domain.Patch{})
	})
}
