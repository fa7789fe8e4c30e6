package domain

// RiskStatus is the coarse tag of a risk signal.
type RiskStatus string

const (
	RiskHigh  RiskStatus = "HIGH_RISK"
	RiskLow   RiskStatus = "LOW_RISK"
	RiskError RiskStatus = "ERROR"
)

// RiskSignal is the scorer output. Remote and local producers emit the
// same shape.
type RiskSignal struct {
	Prediction  int        `json:"risk_prediction"`
	Probability float64    `json:"risk_probability"`
	Status      RiskStatus `json:"status"`
}

// ErrorSignal is the signal reported when a payload cannot be understood.
func ErrorSignal() RiskSignal {
	return RiskSignal{Prediction: 0, Probability: 0.0, Status: RiskError}
}

// DecisionTrace lists, in order, every trigger that caused a refusal.
type DecisionTrace []string

// RiskSummary is the ml_risk block attached to responses.
type RiskSummary struct {
	Prediction  int        `json:"risk_prediction"`
	Probability float64    `json:"risk_probability"`
	Status      RiskStatus `json:"status"`
	DTI         float64    `json:"dti"`
}
