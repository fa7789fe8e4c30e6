package domain

import "time"

// Status is the public outcome of a request.
type Status string

const (
	StatusApproved Status = "APROVADO"
	StatusDenied   Status = "NEGADO"
	StatusError    Status = "ERRO"
)

// Response is returned by the public entry point.
type Response struct {
	Status        Status         `json:"status"`
	Protocol      string         `json:"protocolo,omitempty"`
	AmountDisplay string         `json:"valor_liberado,omitempty"`
	Reason        string         `json:"motivo,omitempty"`
	Message       string         `json:"mensagem,omitempty"`
	Details       map[string]any `json:"detalhes,omitempty"`
	Risk          *RiskSummary   `json:"ml_risk,omitempty"`
}

// AuditStatus is the terminal status recorded in the application log.
type AuditStatus string

const (
	AuditApproved AuditStatus = "APPROVED"
	AuditDenied   AuditStatus = "DENIED"
	// AuditError is part of the log vocabulary for entries written outside
	// the decision core.
	AuditError AuditStatus = "ERROR"
)

// AuditLogEntry is an append-only application log record. It is written
// once per request by Issue or Deny.
type AuditLogEntry struct {
	ID        int64          `json:"id"`
	RequestID string         `json:"request_id"`
	CPF       string         `json:"cpf"`
	ClientID  *int64         `json:"client_id,omitempty"`
	Amount    float64        `json:"amount"`
	Duration  int            `json:"duration"`
	Purpose   string         `json:"purpose,omitempty"`
	Snapshot  Demographics   `json:"demographics"`
	Status    AuditStatus    `json:"status"`
	Protocol  string         `json:"protocol,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
