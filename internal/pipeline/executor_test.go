package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/remote"
	"github.com/tjfontaine/credit-desk/internal/scoring"
	"github.com/tjfontaine/credit-desk/internal/stages"
	"github.com/tjfontaine/credit-desk/internal/storage"
	"github.com/tjfontaine/credit-desk/internal/storage/memory"
)

type spyInvoker struct {
	inner stages.RiskInvoker
	calls int
}

func (s *spyInvoker) Assess(ctx context.Context, f scoring.Features) (remote.Assessment, error) {
	s.calls++
	return s.inner.Assess(ctx, f)
}

func setup(t *testing.T) (*Executor, *memory.Store, *spyInvoker) {
	t.Helper()
	store := memory.New()
	if _, err := storage.Seed(context.Background(), store); err != nil {
		t.Fatal(err)
	}
	ops := stages.New(store, store,
		stages.WithClock(func() time.Time { return time.Unix(0, 0) }),
		stages.WithProtocolGenerator(func() string { return "PROTO001" }),
	)
	inv := &spyInvoker{inner: remote.NewFactory(scoring.NewScorer()).Local()}
	return NewExecutor(ops), store, inv
}

func run(t *testing.T, e *Executor, inv stages.RiskInvoker, cpf string, amount float64, months int) Outcome {
	t.Helper()
	req := domain.LoanRequest{CPF: cpf, LoanAmount: &amount, Duration: &months}
	return e.Run(context.Background(), domain.NewRequestContext("req", req), inv)
}

func TestScenarioApproved(t *testing.T) {
	e, store, inv := setup(t)
	out := run(t, e, inv, "111.222.333-44", 10000, 24)

	if out.State != StateIssued || out.Response.Status != domain.StatusApproved {
		t.Fatalf("outcome = %+v", out)
	}
	want := []State{StateStart, StateAudited, StateCompliant, StateRiskCleared, StateIssued}
	if len(out.Path) != len(want) {
		t.Fatalf("path = %v, want %v", out.Path, want)
	}
	for i := range want {
		if out.Path[i] != want[i] {
			t.Errorf("path[%d] = %s, want %s", i, out.Path[i], want[i])
		}
	}
	if out.Response.Protocol != "PROTO001" || out.Response.AmountDisplay != "R$ 10.000,00" {
		t.Errorf("response = %+v", out.Response)
	}
	if out.Response.Risk == nil || out.Response.Risk.DTI != 2.0 {
		t.Errorf("risk summary = %+v", out.Response.Risk)
	}

	entries, _ := store.ListApplications(context.Background())
	if len(entries) != 1 || entries[0].Status != domain.AuditApproved {
		t.Errorf("entries = %+v", entries)
	}
}

func TestScenarioDebtRatioRefusal(t *testing.T) {
	e, _, inv := setup(t)

	out := run(t, e, inv, "555.666.777-88", 50000, 24)
	if out.State != StateRefused || out.Response.Status != domain.StatusDenied {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Response.Reason, "DTI=25.00 (> 20.0)") {
		t.Errorf("reason = %q", out.Response.Reason)
	}
	if out.Denied == nil || out.Denied.StageName != string(domain.StageRisk) || !IsDenied(out.Denied) {
		t.Errorf("denied = %+v", out.Denied)
	}
	if out.Response.Risk == nil || out.Response.Risk.DTI != 25.0 {
		t.Errorf("refusal should carry the risk summary, got %+v", out.Response.Risk)
	}
}

func TestScenarioUnknownClient(t *testing.T) {
	e, store, inv := setup(t)
	out := run(t, e, inv, "000.000.000-00", 1000, 12)

	if out.State != StateRefused || out.Response.Status != domain.StatusDenied {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Denied.Failure.Kind != domain.FailureNotFound {
		t.Errorf("failure = %+v", out.Denied.Failure)
	}
	if inv.calls != 0 {
		t.Errorf("risk invoked %d times for unknown client", inv.calls)
	}
	if len(out.Path) != 2 {
		t.Errorf("path = %v", out.Path)
	}

	entries, _ := store.ListApplications(context.Background())
	if len(entries) != 1 || entries[0].Status != domain.AuditDenied {
		t.Errorf("entries = %+v", entries)
	}
}

func TestComplianceRefusalStopsBeforeRisk(t *testing.T) {
	e, store, inv := setup(t)
	store.AppendClient(context.Background(), domain.Client{Name: "Teen", CPF: "123.456.789-00", Income: 1000, Age: 16, Score: 900})

	out := run(t, e, inv, "123.456.789-00", 1000, 12)
	if out.Denied == nil || out.Denied.Failure.Kind != domain.FailureUnderAge {
		t.Fatalf("denied = %+v", out.Denied)
	}
	if inv.calls != 0 {
		t.Error("risk invoked after compliance refusal")
	}
	if out.Response.Details["rule"] != domain.RuleLegalAge {
		t.Errorf("details = %v", out.Response.Details)
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateStart, StateAudited, StateCompliant, StateRiskCleared} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if !StateIssued.Terminal() || !StateRefused.Terminal() {
		t.Error("ISSUED and REFUSED are terminal")
	}
}
