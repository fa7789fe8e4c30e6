package agent

import (
	"github.com/tjfontaine/credit-desk/internal/decider"
	"github.com/tjfontaine/credit-desk/internal/domain"
)

// Instruction steers the decision service through the stage order.
const Instruction = `Você é o analista de crédito automatizado. Decida o pedido chamando as ferramentas, uma etapa por vez, nesta ordem:
1. audit_client com o CPF do pedido.
2. check_compliance com cpf, age e score retornados pela auditoria.
3. analyze_risk com os dados financeiros e demográficos do cliente e o valor e prazo pedidos.
4. issue_loan com o valor e o prazo pedidos, somente se todas as etapas anteriores tiverem success=true.
Se qualquer etapa retornar success=false, chame deny_loan com a mensagem da etapa em reason e o objeto details recebido.
Nunca pule etapas, nunca altere valores do pedido e não responda em texto livre: sempre chame uma ferramenta.`

func object(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

// Tools returns the schemas of the five stage operations.
func Tools() []decider.ToolSpec {
	return []decider.ToolSpec{
		{
			Name:        string(domain.StageAudit),
			Description: "Valida o formato do CPF e carrega o cadastro do cliente.",
			Parameters: object([]string{"cpf"}, map[string]any{
				"cpf": prop("string", "CPF no formato NNN.NNN.NNN-NN."),
			}),
		},
		{
			Name:        string(domain.StageCompliance),
			Description: "Aplica as regras regulatórias: formato do CPF, idade mínima e score mínimo.",
			Parameters: object([]string{"cpf", "age", "score"}, map[string]any{
				"cpf":   prop("string", "CPF do cliente."),
				"age":   prop("integer", "Idade do cliente."),
				"score": prop("integer", "Score de crédito do cliente."),
			}),
		},
		{
			Name:        string(domain.StageRisk),
			Description: "Calcula o risco pelo modelo e a razão dívida/renda, e aplica a política de risco.",
			Parameters: object([]string{"age", "income", "loan_amount", "duration", "score"}, map[string]any{
				"age":              prop("integer", "Idade do cliente."),
				"income":           prop("number", "Renda mensal do cliente."),
				"loan_amount":      prop("number", "Valor pedido."),
				"duration":         prop("integer", "Prazo em meses."),
				"score":            prop("integer", "Score de crédito."),
				"purpose":          prop("string", "Finalidade do crédito."),
				"sex":              prop("string", "Sexo informado no cadastro."),
				"housing":          prop("string", "Situação de moradia (own, rent, free)."),
				"saving_accounts":  prop("string", "Faixa de poupança."),
				"checking_account": prop("string", "Faixa de conta corrente."),
			}),
		},
		{
			Name:        string(domain.StageIssue),
			Description: "Emite o contrato. Só pode ser chamada depois de auditoria, compliance e risco aprovados.",
			Parameters: object([]string{"amount", "duration"}, map[string]any{
				"amount":   prop("number", "Valor pedido."),
				"duration": prop("integer", "Prazo em meses."),
			}),
		},
		{
			Name:        string(domain.StageDeny),
			Description: "Nega o pedido e registra o motivo.",
			Parameters: object([]string{"reason"}, map[string]any{
				"reason":  prop("string", "Motivo da negativa."),
				"details": map[string]any{"type": "object", "description": "Objeto details da etapa que falhou."},
			}),
		},
	}
}
