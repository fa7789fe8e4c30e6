// Package scoring is the in-process credit risk model. It backs both the
// scorer worker and the local fallback of the remote invocation layer, so
// the two producers always agree on the signal shape.
package scoring

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/tjfontaine/credit-desk/internal/domain"
)

//go:embed model.json
var embeddedModel []byte

// Features are the model inputs.
type Features struct {
	Age             int     `json:"age"`
	Income          float64 `json:"income"`
	LoanAmount      float64 `json:"loan_amount"`
	Duration        int     `json:"duration"`
	Score           int     `json:"score"`
	Purpose         string  `json:"purpose,omitempty"`
	Sex             string  `json:"sex,omitempty"`
	Housing         string  `json:"housing,omitempty"`
	SavingAccounts  string  `json:"saving_accounts,omitempty"`
	CheckingAccount string  `json:"checking_account,omitempty"`
}

type unit struct {
	Name        string                        `json:"name"`
	Bias        float64                       `json:"bias"`
	Weights     map[string]float64            `json:"weights"`
	Categorical map[string]map[string]float64 `json:"categorical"`
}

type model struct {
	Version   string  `json:"version"`
	Threshold float64 `json:"decision_threshold"`
	Units     []unit  `json:"units"`
}

// Scorer evaluates the model. The model is decoded once, on first use, and
// evaluations are serialized.
type Scorer struct {
	source func() ([]byte, error)

	once  sync.Once
	model *model
	err   error

	mu sync.Mutex
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithModelSource replaces the embedded model definition.
func WithModelSource(src func() ([]byte, error)) Option {
	return func(s *Scorer) { s.source = src }
}

// NewScorer creates a scorer backed by the embedded model.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{source: func() ([]byte, error) { return embeddedModel, nil }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scorer) load() (*model, error) {
	s.once.Do(func() {
		raw, err := s.source()
		if err != nil {
			s.err = fmt.Errorf("read risk model: %w", err)
			return
		}
		var m model
		if err := json.Unmarshal(raw, &m); err != nil {
			s.err = fmt.Errorf("decode risk model: %w", err)
			return
		}
		if len(m.Units) == 0 {
			s.err = errors.New("risk model has no units")
			return
		}
		if m.Threshold <= 0 || m.Threshold >= 1 {
			m.Threshold = 0.5
		}
		s.model = &m
	})
	return s.model, s.err
}

// Version returns the loaded model version.
func (s *Scorer) Version() (string, error) {
	m, err := s.load()
	if err != nil {
		return "", err
	}
	return m.Version, nil
}

// Analyze scores f.
func (s *Scorer) Analyze(ctx context.Context, f Features) (domain.RiskSignal, error) {
	m, err := s.load()
	if err != nil {
		return domain.ErrorSignal(), err
	}
	if err := ctx.Err(); err != nil {
		return domain.ErrorSignal(), err
	}

	s.mu.Lock()
	p := m.probability(f)
	s.mu.Unlock()

	sig := domain.RiskSignal{Probability: p, Status: domain.RiskLow}
	if p >= m.Threshold {
		sig.Prediction = 1
		sig.Status = domain.RiskHigh
	}
	return sig, nil
}

// probability combines the units as a noisy-OR: the client is risky when
// any unit fires.
func (m *model) probability(f Features) float64 {
	x := numeric(f)
	cat := map[string]string{
		"sex":              f.Sex,
		"housing":          f.Housing,
		"saving_accounts":  f.SavingAccounts,
		"checking_account": f.CheckingAccount,
		"purpose":          f.Purpose,
	}
	safe := 1.0
	for _, u := range m.Units {
		z := u.Bias
		for name, w := range u.Weights {
			z += w * x[name]
		}
		for field, table := range u.Categorical {
			z += table[cat[field]]
		}
		safe *= 1 - sigmoid(z)
	}
	return 1 - safe
}

func numeric(f Features) map[string]float64 {
	leverage := 1000.0
	if f.Income > 0 {
		leverage = f.LoanAmount / f.Income
	}
	young := 0.0
	if f.Age < 25 {
		young = 1
	}
	return map[string]float64{
		"age":            float64(f.Age),
		"income":         f.Income,
		"loan_amount":    f.LoanAmount,
		"duration":       float64(f.Duration),
		"duration_years": float64(f.Duration) / 12,
		"score":          float64(f.Score),
		"leverage":       leverage,
		"young":          young,
	}
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
