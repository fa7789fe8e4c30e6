package remote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/scoring"
)

// fakeSession answers tool calls from a table of handlers.
type fakeSession struct {
	mu      sync.Mutex
	calls   []string
	handler map[string]func(ctx context.Context) (string, error)
	closed  atomic.Int32
}

func (s *fakeSession) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	h := s.handler[name]
	s.mu.Unlock()
	if h == nil {
		return "", ErrTransport
	}
	return h(ctx)
}

func (s *fakeSession) Close() error {
	s.closed.Add(1)
	return nil
}

func hang(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func text(s string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return s, nil }
}

type fakeDialer struct {
	sess *fakeSession
	err  error
}

func (d fakeDialer) Dial(context.Context) (Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.sess, nil
}

type stubScorer struct {
	sig domain.RiskSignal
	err error
	n   atomic.Int32
}

func (s *stubScorer) Analyze(context.Context, scoring.Features) (domain.RiskSignal, error) {
	s.n.Add(1)
	return s.sig, s.err
}

var features = scoring.Features{Age: 30, Income: 5000, LoanAmount: 10000, Duration: 24, Score: 750}

func TestInvokeRemoteTimeout(t *testing.T) {
	sess := &fakeSession{handler: map[string]func(context.Context) (string, error){ToolAnalyzeRisk: hang}}
	f := NewFactory(&stubScorer{}, WithDialer(fakeDialer{sess: sess}))
	inv, release := f.Open(context.Background())
	defer release()

	start := time.Now()
	_, err := inv.InvokeRemote(context.Background(), ToolAnalyzeRisk, nil, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout not honoured")
	}
}

func TestAnalyzeRiskFallbackShape(t *testing.T) {
	remoteSig := `{"risk_prediction": 0, "risk_probability": 0.2, "status": "LOW_RISK"}`
	local := domain.RiskSignal{Prediction: 0, Probability: 0.3, Status: domain.RiskLow}

	tests := []struct {
		name    string
		handler func(context.Context) (string, error)
		source  Source
	}{
		{"remote answers", text(remoteSig), SourceRemote},
		{"timeout", hang, SourceLocal},
		{"transport", func(context.Context) (string, error) { return "", ErrTransport }, SourceLocal},
		{"malformed", text("Not Found"), SourceLocal},
		{"remote error status", text(`{"risk_prediction": 0, "risk_probability": 0.0, "status": "ERROR"}`), SourceLocal},
		{"legacy form", text(`{'risk_prediction': 0, 'risk_probability': 0.2, 'status': 'LOW_RISK'}`), SourceRemote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &fakeSession{handler: map[string]func(context.Context) (string, error){ToolAnalyzeRisk: tt.handler}}
			scorer := &stubScorer{sig: local}
			f := NewFactory(scorer, WithDialer(fakeDialer{sess: sess}), WithCallTimeout(20*time.Millisecond))
			inv, release := f.Open(context.Background())
			defer release()

			sig, src, err := inv.AnalyzeRisk(context.Background(), features)
			if err != nil {
				t.Fatalf("AnalyzeRisk() error = %v", err)
			}
			if src != tt.source {
				t.Errorf("source = %s, want %s", src, tt.source)
			}
			if sig.Status != domain.RiskLow || sig.Probability < 0 || sig.Probability > 1 {
				t.Errorf("signal = %+v", sig)
			}
			if tt.source == SourceLocal && scorer.n.Load() != 1 {
				t.Errorf("local scorer called %d times", scorer.n.Load())
			}
		})
	}
}

func TestAnalyzeRiskBothFail(t *testing.T) {
	f := NewFactory(&stubScorer{sig: domain.ErrorSignal(), err: errors.New("model missing")})
	sig, _, err := f.Local().AnalyzeRisk(context.Background(), features)
	if err == nil {
		t.Fatal("expected error when local scorer fails")
	}
	if sig.Status != domain.RiskError {
		t.Errorf("signal = %+v", sig)
	}
}

func TestAssessIndependence(t *testing.T) {
	sess := &fakeSession{handler: map[string]func(context.Context) (string, error){
		ToolAnalyzeRisk: text(`{"risk_prediction": 1, "risk_probability": 0.9, "status": "HIGH_RISK"}`),
		ToolDebtRatio:   hang,
	}}
	f := NewFactory(&stubScorer{}, WithDialer(fakeDialer{sess: sess}), WithCallTimeout(20*time.Millisecond))
	inv, release := f.Open(context.Background())
	defer release()

	a, err := inv.Assess(context.Background(), features)
	if err != nil {
		t.Fatalf("Assess() error = %v", err)
	}
	if a.SignalSource != SourceRemote || a.Signal.Probability != 0.9 {
		t.Errorf("signal = %+v from %s", a.Signal, a.SignalSource)
	}
	if a.DTISource != SourceLocal || a.DTI != 2.0 {
		t.Errorf("dti = %v from %s, want local 2.0", a.DTI, a.DTISource)
	}
}

func TestAssessRiskFailureKeepsDTI(t *testing.T) {
	sess := &fakeSession{handler: map[string]func(context.Context) (string, error){
		ToolDebtRatio: text("2"),
	}}
	f := NewFactory(&stubScorer{err: errors.New("boom")}, WithDialer(fakeDialer{sess: sess}))
	inv, release := f.Open(context.Background())
	defer release()

	a, err := inv.Assess(context.Background(), features)
	if err == nil {
		t.Fatal("expected risk error")
	}
	if a.DTI != 2 || a.DTISource != SourceRemote {
		t.Errorf("dti = %v from %s", a.DTI, a.DTISource)
	}
}

func TestOpenReleasesOnce(t *testing.T) {
	sess := &fakeSession{}
	f := NewFactory(&stubScorer{}, WithDialer(fakeDialer{sess: sess}))
	_, release := f.Open(context.Background())
	release()
	release()
	if n := sess.closed.Load(); n != 1 {
		t.Errorf("session closed %d times, want 1", n)
	}
}

func TestOpenDialFailureUsesLocal(t *testing.T) {
	scorer := &stubScorer{sig: domain.RiskSignal{Probability: 0.1, Status: domain.RiskLow}}
	f := NewFactory(scorer, WithDialer(fakeDialer{err: ErrTransport}))
	inv, release := f.Open(context.Background())
	defer release()

	_, src, err := inv.AnalyzeRisk(context.Background(), features)
	if err != nil || src != SourceLocal {
		t.Errorf("AnalyzeRisk() = %s, %v", src, err)
	}
	if dti, src := inv.DebtRatio(context.Background(), 0, 100); dti != 999.9 || src != SourceLocal {
		t.Errorf("DebtRatio() = %v from %s", dti, src)
	}
}
