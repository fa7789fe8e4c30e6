package domain

// LoanRequest is the inbound application. Pointer fields distinguish an
// absent value from a zero value.
type LoanRequest struct {
	CPF        string   `json:"cpf" validate:"required"`
	LoanAmount *float64 `json:"loan_amount" validate:"required"`
	Duration   *int     `json:"duration" validate:"required"`
	Purpose    string   `json:"purpose,omitempty"`
}

// Amount returns the requested amount, or zero when absent.
func (r LoanRequest) Amount() float64 {
	if r.LoanAmount == nil {
		return 0
	}
	return *r.LoanAmount
}

// Months returns the requested duration, or zero when absent.
func (r LoanRequest) Months() int {
	if r.Duration == nil {
		return 0
	}
	return *r.Duration
}

// RiskAssessment is what RiskAnalyze contributes to the context.
type RiskAssessment struct {
	Signal RiskSignal    `json:"signal"`
	DTI    float64       `json:"dti"`
	Trace  DecisionTrace `json:"trace,omitempty"`
	// Source records which producer answered each call ("remote" or "local").
	SignalSource string `json:"signal_source"`
	DTISource    string `json:"dti_source"`
}

// RequestContext is the snapshot threaded through the stages of one
// request. It is passed by value; stages never mutate it and instead return
// a Patch that the owning controller applies.
type RequestContext struct {
	RequestID string
	Request   LoanRequest
	Client    *Client
	Risk      *RiskAssessment
}

// Patch carries the fields a stage adds to the context. Nil fields are left
// untouched.
type Patch struct {
	Client *Client
	Risk   *RiskAssessment
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Client == nil && p.Risk == nil
}

// NewRequestContext starts a context for req.
func NewRequestContext(requestID string, req LoanRequest) RequestContext {
	return RequestContext{RequestID: requestID, Request: req}
}

// Apply returns a copy of c with p merged in.
func (c RequestContext) Apply(p Patch) RequestContext {
	next := c
	if p.Client != nil {
		cl := *p.Client
		next.Client = &cl
	}
	if p.Risk != nil {
		r := *p.Risk
		r.Trace = append(DecisionTrace(nil), p.Risk.Trace...)
		next.Risk = &r
	}
	return next
}

// ClientID returns the registry id of the audited client, if any.
func (c RequestContext) ClientID() *int64 {
	if c.Client == nil {
		return nil
	}
	id := c.Client.ID
	return &id
}

// RiskSummary returns the transparency block for responses, or nil when
// risk analysis has not run.
func (c RequestContext) RiskSummary() *RiskSummary {
	if c.Risk == nil {
		return nil
	}
	return &RiskSummary{
		Prediction:  c.Risk.Signal.Prediction,
		Probability: c.Risk.Signal.Probability,
		Status:      c.Risk.Signal.Status,
		DTI:         c.Risk.DTI,
	}
}
