package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/remote"
	"github.com/tjfontaine/credit-desk/internal/scoring"
)

type slowAnalyzer struct{ delay time.Duration }

func (a slowAnalyzer) Analyze(ctx context.Context, f scoring.Features) (domain.RiskSignal, error) {
	select {
	case <-time.After(a.delay):
		return domain.RiskSignal{Status: domain.RiskLow}, nil
	case <-ctx.Done():
		return domain.ErrorSignal(), ctx.Err()
	}
}

func dial(t *testing.T, s *Server) remote.Session {
	t.Helper()
	sess, err := remote.InProcessDialer{Server: s.MCPServer(), InitTimeout: time.Second}.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

var aliceArgs = map[string]any{
	"age": 30, "income": 5000.0, "loan_amount": 10000.0, "duration": 24, "score": 750,
	"purpose": "radio/TV", "sex": "female", "housing": "own",
	"saving_accounts": "little", "checking_account": "moderate",
}

func TestAnalyzeRiskRoundTrip(t *testing.T) {
	sess := dial(t, New(scoring.NewScorer()))

	text, err := sess.CallTool(context.Background(), remote.ToolAnalyzeRisk, aliceArgs)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	sig, err := remote.ParseSignal(text)
	if err != nil {
		t.Fatalf("ParseSignal(%q) error = %v", text, err)
	}
	if sig.Status != domain.RiskLow {
		t.Errorf("signal = %+v, want LOW_RISK", sig)
	}
}

func TestAnalyzeRiskInnerCap(t *testing.T) {
	sess := dial(t, New(slowAnalyzer{delay: time.Second}, WithScoreTimeout(20*time.Millisecond)))

	start := time.Now()
	text, err := sess.CallTool(context.Background(), remote.ToolAnalyzeRisk, aliceArgs)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("inner cap not enforced, took %s", time.Since(start))
	}
	sig, err := remote.ParseSignal(text)
	if err != nil {
		t.Fatalf("ParseSignal(%q) error = %v", text, err)
	}
	if sig.Status != domain.RiskError || sig.Probability != 0 {
		t.Errorf("signal = %+v, want ERROR", sig)
	}
}

func TestDebtRatioTool(t *testing.T) {
	sess := dial(t, New(scoring.NewScorer()))

	tests := []struct {
		income, amount float64
		want           float64
	}{
		{5000, 10000, 2.0},
		{0, 10000, 999.9},
		{2000, 50000, 25.0},
	}
	for _, tt := range tests {
		text, err := sess.CallTool(context.Background(), remote.ToolDebtRatio, map[string]any{
			"income": tt.income, "loan_amount": tt.amount,
		})
		if err != nil {
			t.Fatalf("CallTool() error = %v", err)
		}
		got, err := remote.ParseRatio(text)
		if err != nil || got != tt.want {
			t.Errorf("ratio(%v, %v) = %v, %v; want %v", tt.income, tt.amount, got, err, tt.want)
		}
	}
}

func TestMissingArgumentIsRemoteFailure(t *testing.T) {
	sess := dial(t, New(scoring.NewScorer()))

	_, err := sess.CallTool(context.Background(), remote.ToolDebtRatio, map[string]any{"income": 10.0})
	if !errors.Is(err, remote.ErrRemoteFailure) {
		t.Errorf("err = %v, want ErrRemoteFailure", err)
	}
}
