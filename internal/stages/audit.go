package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/tjfontaine/credit-desk/internal/credit"
	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/storage"
)

// Audit checks the identity key format, then loads the client record and
// merges it into the context.
func (o *Operations) Audit(ctx context.Context, rc domain.RequestContext, cpf string) domain.StageResult {
	return o.observe(ctx, rc, domain.StageAudit, func(ctx context.Context) domain.StageResult {
		if !credit.ValidCPF(cpf) {
			return domain.Failed(domain.StageAudit, domain.Fail(domain.FailureInvalidFormat, domain.RuleCPFFormat,
				fmt.Sprintf("CPF %q fora do formato NNN.NNN.NNN-NN.", cpf),
				map[string]any{"cpf": cpf}))
		}

		client, err := o.registry.LookupClient(ctx, cpf)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return domain.Failed(domain.StageAudit, domain.Fail(domain.FailureNotFound, domain.RuleNotFound,
				fmt.Sprintf("Cliente com CPF %s não encontrado.", cpf),
				map[string]any{"cpf": cpf}))
		case err != nil:
			o.logger.Error("client registry lookup failed", "request_id", rc.RequestID, "error", err)
			return domain.Failed(domain.StageAudit, domain.Fail(domain.FailureLookup, domain.RuleDBError,
				"Erro ao consultar o cadastro de clientes.",
				map[string]any{"cpf": cpf, "error": err.Error()}))
		case client == nil:
			return domain.Failed(domain.StageAudit, domain.Fail(domain.FailureNotFound, domain.RuleNotFound,
				fmt.Sprintf("Cliente com CPF %s não encontrado.", cpf),
				map[string]any{"cpf": cpf}))
		}

		return domain.Ok(domain.StageAudit, clientPayload(client), domain.Patch{Client: client})
	})
}

func clientPayload(c *domain.Client) map[string]any {
	return map[string]any{
		"id":               c.ID,
		"name":             c.Name,
		"cpf":              c.CPF,
		"income":           c.Income,
		"age":              c.Age,
		"score":            c.Score,
		"sex":              c.Sex,
		"job":              c.Job,
		"housing":          c.Housing,
		"saving_accounts":  c.SavingAccounts,
		"checking_account": c.CheckingAccount,
	}
}
