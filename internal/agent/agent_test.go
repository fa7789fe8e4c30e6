package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/credit-desk/internal/decider"
	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/pipeline"
	"github.com/tjfontaine/credit-desk/internal/remote"
	"github.com/tjfontaine/credit-desk/internal/scoring"
	"github.com/tjfontaine/credit-desk/internal/stages"
	"github.com/tjfontaine/credit-desk/internal/storage"
	"github.com/tjfontaine/credit-desk/internal/storage/memory"
	"github.com/tjfontaine/credit-desk/internal/tokens"
)

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New()
	if _, err := storage.Seed(context.Background(), store); err != nil {
		t.Fatal(err)
	}
	minor := domain.Client{Name: "Dora", CPF: "123.456.789-00", Income: 1500, Age: 17, Score: 700}
	if _, err := store.AppendClient(context.Background(), minor); err != nil {
		t.Fatal(err)
	}
	return store
}

func newOps(store *memory.Store) *stages.Operations {
	return stages.New(store, store,
		stages.WithClock(func() time.Time { return time.Unix(0, 0) }),
		stages.WithProtocolGenerator(func() string { return "PROTO001" }),
	)
}

func localInvoker() stages.RiskInvoker {
	return remote.NewFactory(scoring.NewScorer()).Local()
}

func requestContext(cpf string, amount float64, months int) domain.RequestContext {
	req := domain.LoanRequest{CPF: cpf, LoanAmount: &amount, Duration: &months, Purpose: "car"}
	return domain.NewRequestContext("req-1", req)
}

func call(id, name string, args map[string]any) decider.ToolCall {
	raw, _ := json.Marshal(args)
	return decider.ToolCall{ID: id, Name: name, Arguments: raw}
}

// resultOf returns the most recent result view of the named tool.
func resultOf(req decider.Request, name string) map[string]any {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		for _, r := range req.Messages[i].Results {
			if r.Name == name {
				var v map[string]any
				json.Unmarshal([]byte(r.Content), &v)
				return v
			}
		}
	}
	return nil
}

// follower behaves like a model that obeys the instruction: it walks the
// stage order with the values returned by earlier tools and denies with the
// message of the first failure.
func follower() decider.Func {
	return func(ctx context.Context, req decider.Request) (decider.Turn, error) {
		var opening map[string]any
		json.Unmarshal([]byte(req.Messages[0].Text), &opening)

		last := req.Messages[len(req.Messages)-1]
		if last.Role != decider.RoleTool {
			return decider.Turn{ToolCalls: []decider.ToolCall{call("1", "audit_client", map[string]any{"cpf": opening["cpf"]})}}, nil
		}
		prev := last.Results[len(last.Results)-1]
		view := resultOf(req, prev.Name)
		if ok, _ := view["success"].(bool); !ok {
			return decider.Turn{ToolCalls: []decider.ToolCall{call("9", "deny_loan", map[string]any{"reason": view["message"]})}}, nil
		}

		client := resultOf(req, "audit_client")
		switch prev.Name {
		case "audit_client":
			return decider.Turn{ToolCalls: []decider.ToolCall{call("2", "check_compliance", map[string]any{
				"cpf": client["cpf"], "age": client["age"], "score": client["score"],
			})}}, nil
		case "check_compliance":
			return decider.Turn{ToolCalls: []decider.ToolCall{call("3", "analyze_risk", map[string]any{
				"age":              client["age"],
				"income":           client["income"],
				"loan_amount":      opening["loan_amount"],
				"duration":         opening["duration"],
				"score":            client["score"],
				"purpose":          opening["purpose"],
				"sex":              client["sex"],
				"housing":          client["housing"],
				"saving_accounts":  client["saving_accounts"],
				"checking_account": client["checking_account"],
			})}}, nil
		default:
			return decider.Turn{ToolCalls: []decider.ToolCall{call("4", "issue_loan", map[string]any{
				"amount": opening["loan_amount"], "duration": opening["duration"],
			})}}, nil
		}
	}
}

func entries(t *testing.T, store *memory.Store) []domain.AuditLogEntry {
	t.Helper()
	list, err := store.ListApplications(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return list
}

func TestAgentMatchesPipeline(t *testing.T) {
	tests := []struct {
		name   string
		cpf    string
		amount float64
		months int
		want   domain.Status
	}{
		{"approved", "111.222.333-44", 10000, 24, domain.StatusApproved},
		{"debt ratio", "555.666.777-88", 50000, 24, domain.StatusDenied},
		{"not found", "000.000.000-00", 5000, 12, domain.StatusDenied},
		{"under age", "123.456.789-00", 1000, 12, domain.StatusDenied},
		{"bad format", "11122233344", 1000, 12, domain.StatusDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := requestContext(tt.cpf, tt.amount, tt.months)

			pStore := newStore(t)
			pResp, _ := pipeline.NewExecutor(newOps(pStore)).Decide(context.Background(), rc, localInvoker())

			aStore := newStore(t)
			aResp, err := New(newOps(aStore), follower()).Decide(context.Background(), rc, localInvoker())
			if err != nil {
				t.Fatalf("agent Decide() error = %v", err)
			}

			if aResp.Status != tt.want || pResp.Status != tt.want {
				t.Fatalf("status agent=%s pipeline=%s, want %s", aResp.Status, pResp.Status, tt.want)
			}
			if aResp.Reason != pResp.Reason || aResp.Protocol != pResp.Protocol {
				t.Errorf("agent = %+v\npipeline = %+v", aResp, pResp)
			}

			ae, pe := entries(t, aStore), entries(t, pStore)
			if len(ae) != 1 || len(pe) != 1 {
				t.Fatalf("entries agent=%d pipeline=%d, want 1 each", len(ae), len(pe))
			}
			if !reflect.DeepEqual(ae[0], pe[0]) {
				t.Errorf("audit entry differs\nagent    = %+v\npipeline = %+v", ae[0], pe[0])
			}
		})
	}
}

func TestAgentScenarioB(t *testing.T) {
	store := newStore(t)
	resp, err := New(newOps(store), follower()).Decide(context.Background(),
		requestContext("555.666.777-88", 50000, 24), localInvoker())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != domain.StatusDenied || !strings.Contains(resp.Reason, "DTI=25.00") {
		t.Errorf("resp = %+v, want DTI refusal", resp)
	}
}

func TestLoopErrors(t *testing.T) {
	audit := call("a", "audit_client", map[string]any{"cpf": "111.222.333-44"})
	tests := []struct {
		name string
		svc  decider.Func
		opts []Option
		kind LoopErrorKind
	}{
		{
			name: "unknown tool",
			svc: func(context.Context, decider.Request) (decider.Turn, error) {
				return decider.Turn{ToolCalls: []decider.ToolCall{call("x", "transfer_funds", nil)}}, nil
			},
			kind: UnknownTool,
		},
		{
			name: "free text",
			svc: func(context.Context, decider.Request) (decider.Turn, error) {
				return decider.Turn{Text: "Aprovado!"}, nil
			},
			kind: UnexpectedResponse,
		},
		{
			name: "never terminal",
			svc: func(context.Context, decider.Request) (decider.Turn, error) {
				return decider.Turn{ToolCalls: []decider.ToolCall{audit}}, nil
			},
			opts: []Option{WithMaxIterations(3)},
			kind: LoopExceeded,
		},
		{
			name: "token budget",
			svc: func(context.Context, decider.Request) (decider.Turn, error) {
				return decider.Turn{ToolCalls: []decider.ToolCall{audit}}, nil
			},
			opts: []Option{WithTokenBudget(tokens.NewEstimator(), "gpt-4", 10)},
			kind: ContextBudget,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			_, err := New(newOps(store), tt.svc, tt.opts...).Decide(context.Background(),
				requestContext("111.222.333-44", 10000, 24), localInvoker())

			var le *LoopError
			if !errors.As(err, &le) || le.Kind != tt.kind {
				t.Fatalf("err = %v, want LoopError %s", err, tt.kind)
			}
			if n := len(entries(t, store)); n != 0 {
				t.Errorf("entries = %d, want none", n)
			}
		})
	}
}

func TestLoopExceededCountsIterations(t *testing.T) {
	turns := 0
	svc := decider.Func(func(context.Context, decider.Request) (decider.Turn, error) {
		turns++
		return decider.Turn{ToolCalls: []decider.ToolCall{call("a", "audit_client", map[string]any{"cpf": "111.222.333-44"})}}, nil
	})
	_, err := New(newOps(newStore(t)), svc).Decide(context.Background(), requestContext("111.222.333-44", 10000, 24), localInvoker())
	var le *LoopError
	if !errors.As(err, &le) || le.Iterations != DefaultMaxIterations || turns != DefaultMaxIterations {
		t.Errorf("err = %v turns = %d, want %d", err, turns, DefaultMaxIterations)
	}
}

func TestRepromptOnce(t *testing.T) {
	f := follower()
	texts := 0
	svc := decider.Func(func(ctx context.Context, req decider.Request) (decider.Turn, error) {
		if texts == 0 {
			texts++
			return decider.Turn{Text: "Vou analisar."}, nil
		}
		if last := req.Messages[len(req.Messages)-1]; last.Role == decider.RoleUser && last.Text == repromptText {
			// Restart the walk from the audit step.
			trimmed := req
			trimmed.Messages = req.Messages[:1]
			return f(ctx, trimmed)
		}
		return f(ctx, req)
	})

	resp, err := New(newOps(newStore(t)), svc, WithRepromptOnText(true)).Decide(context.Background(),
		requestContext("111.222.333-44", 10000, 24), localInvoker())
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if resp.Status != domain.StatusApproved {
		t.Errorf("status = %s", resp.Status)
	}
}

func TestServiceFailureIsUnavailable(t *testing.T) {
	svc := decider.Func(func(context.Context, decider.Request) (decider.Turn, error) {
		return decider.Turn{}, fmt.Errorf("dial tcp: connection refused")
	})
	_, err := New(newOps(newStore(t)), svc).Decide(context.Background(), requestContext("111.222.333-44", 10000, 24), localInvoker())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestTurnTimeout(t *testing.T) {
	svc := decider.Func(func(ctx context.Context, _ decider.Request) (decider.Turn, error) {
		<-ctx.Done()
		return decider.Turn{}, ctx.Err()
	})
	_, err := New(newOps(newStore(t)), svc, WithTurnTimeout(10*time.Millisecond)).Decide(context.Background(),
		requestContext("111.222.333-44", 10000, 24), localInvoker())
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want unavailable deadline", err)
	}
}

func TestIssueRequiresEarlierStages(t *testing.T) {
	var seen []map[string]any
	step := 0
	f := follower()
	svc := decider.Func(func(ctx context.Context, req decider.Request) (decider.Turn, error) {
		step++
		switch step {
		case 1:
			return decider.Turn{ToolCalls: []decider.ToolCall{call("i", "issue_loan", map[string]any{"amount": 10000, "duration": 24})}}, nil
		case 2:
			seen = append(seen, resultOf(req, "issue_loan"))
			trimmed := req
			trimmed.Messages = req.Messages[:1]
			return f(ctx, trimmed)
		default:
			return f(ctx, req)
		}
	})

	store := newStore(t)
	resp, err := New(newOps(store), svc).Decide(context.Background(), requestContext("111.222.333-44", 10000, 24), localInvoker())
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(seen) != 1 || seen[0]["error"] != "PRECONDITION" {
		t.Fatalf("premature issue view = %v, want PRECONDITION", seen)
	}
	if resp.Status != domain.StatusApproved || len(entries(t, store)) != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestIssueAmountMustMatch(t *testing.T) {
	step := 0
	f := follower()
	var view map[string]any
	svc := decider.Func(func(ctx context.Context, req decider.Request) (decider.Turn, error) {
		step++
		if step == 4 {
			return decider.Turn{ToolCalls: []decider.ToolCall{call("i", "issue_loan", map[string]any{"amount": 90000, "duration": 24})}}, nil
		}
		if step == 5 {
			view = resultOf(req, "issue_loan")
			return decider.Turn{ToolCalls: []decider.ToolCall{call("d", "deny_loan", map[string]any{"reason": "valor divergente"})}}, nil
		}
		return f(ctx, req)
	})

	resp, err := New(newOps(newStore(t)), svc).Decide(context.Background(), requestContext("111.222.333-44", 10000, 24), localInvoker())
	if err != nil {
		t.Fatal(err)
	}
	if view["error"] != "PRECONDITION" {
		t.Errorf("issue view = %v", view)
	}
	if resp.Status != domain.StatusDenied || resp.Reason != "valor divergente" {
		t.Errorf("resp = %+v", resp)
	}
}

// scripted replays one tool call per turn and denies once the script ends.
func scripted(calls ...decider.ToolCall) decider.Func {
	step := 0
	return func(ctx context.Context, req decider.Request) (decider.Turn, error) {
		step++
		if step <= len(calls) {
			return decider.Turn{ToolCalls: []decider.ToolCall{calls[step-1]}}, nil
		}
		return decider.Turn{ToolCalls: []decider.ToolCall{call("d", "deny_loan", map[string]any{"reason": "dados divergentes"})}}, nil
	}
}

func TestStageArgumentsMustMatchAuditedRecord(t *testing.T) {
	tests := []struct {
		name   string
		cpf    string
		amount float64
		months int
		calls  []decider.ToolCall
		tool   string
		field  string
	}{
		{
			name: "minor with forged age", cpf: "123.456.789-00", amount: 1000, months: 12,
			calls: []decider.ToolCall{
				call("1", "audit_client", map[string]any{"cpf": "123.456.789-00"}),
				call("2", "check_compliance", map[string]any{"cpf": "123.456.789-00", "age": 30, "score": 700}),
				call("3", "analyze_risk", map[string]any{"age": 30, "income": 1500, "loan_amount": 1000, "duration": 12, "score": 700}),
				call("4", "issue_loan", map[string]any{"amount": 1000, "duration": 12}),
			},
			tool: "check_compliance", field: "age",
		},
		{
			name: "debt ratio with forged income", cpf: "555.666.777-88", amount: 50000, months: 24,
			calls: []decider.ToolCall{
				call("1", "audit_client", map[string]any{"cpf": "555.666.777-88"}),
				call("2", "check_compliance", map[string]any{"cpf": "555.666.777-88", "age": 20, "score": 400}),
				call("3", "analyze_risk", map[string]any{"age": 20, "income": 20000, "loan_amount": 50000, "duration": 24, "score": 400}),
				call("4", "issue_loan", map[string]any{"amount": 50000, "duration": 24}),
			},
			tool: "analyze_risk", field: "income",
		},
		{
			name: "forged loan amount", cpf: "111.222.333-44", amount: 10000, months: 24,
			calls: []decider.ToolCall{
				call("1", "audit_client", map[string]any{"cpf": "111.222.333-44"}),
				call("2", "check_compliance", map[string]any{"cpf": "111.222.333-44", "age": 30, "score": 750}),
				call("3", "analyze_risk", map[string]any{"age": 30, "income": 5000, "loan_amount": 100, "duration": 24, "score": 750}),
				call("4", "issue_loan", map[string]any{"amount": 10000, "duration": 24}),
			},
			tool: "analyze_risk", field: "loan_amount",
		},
		{
			name: "compliance before audit", cpf: "111.222.333-44", amount: 10000, months: 24,
			calls: []decider.ToolCall{
				call("1", "check_compliance", map[string]any{"cpf": "111.222.333-44", "age": 30, "score": 750}),
				call("2", "issue_loan", map[string]any{"amount": 10000, "duration": 24}),
			},
			tool: "check_compliance",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var view map[string]any
			script := scripted(tt.calls...)
			svc := decider.Func(func(ctx context.Context, req decider.Request) (decider.Turn, error) {
				if v := resultOf(req, tt.tool); v != nil && view == nil {
					view = v
				}
				return script(ctx, req)
			})

			store := newStore(t)
			resp, err := New(newOps(store), svc).Decide(context.Background(),
				requestContext(tt.cpf, tt.amount, tt.months), localInvoker())
			if err != nil {
				t.Fatalf("Decide() error = %v", err)
			}
			if resp.Status == domain.StatusApproved {
				t.Fatalf("forged arguments approved: %+v", resp)
			}
			if view["error"] != "PRECONDITION" {
				t.Errorf("%s view = %v, want PRECONDITION", tt.tool, view)
			}
			if tt.field != "" {
				details, _ := view["details"].(map[string]any)
				if _, ok := details[tt.field]; !ok {
					t.Errorf("details = %v, want %s listed", details, tt.field)
				}
			}
			for _, e := range entries(t, store) {
				if e.Status == domain.AuditApproved {
					t.Errorf("unexpected APPROVED entry %+v", e)
				}
			}
		})
	}
}

func TestAbsentStageArgumentsUseAuditedRecord(t *testing.T) {
	svc := scripted(
		call("1", "audit_client", map[string]any{"cpf": "555.666.777-88"}),
		call("2", "check_compliance", map[string]any{"cpf": "555.666.777-88"}),
		call("3", "analyze_risk", map[string]any{}),
		call("4", "issue_loan", map[string]any{"amount": 50000, "duration": 24}),
	)

	store := newStore(t)
	resp, err := New(newOps(store), svc).Decide(context.Background(),
		requestContext("555.666.777-88", 50000, 24), localInvoker())
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	// Risk runs on Bob's recorded income, so the DTI gate refuses and the
	// deny carries the risk details.
	if resp.Status != domain.StatusDenied || !strings.Contains(resp.Reason, "dados divergentes") {
		t.Errorf("resp = %+v", resp)
	}
	list := entries(t, store)
	if len(list) != 1 || list[0].Details["rule"] == nil {
		t.Errorf("entries = %+v, want one denial with the risk details", list)
	}
}

func TestParallelCallsRunInOrder(t *testing.T) {
	step := 0
	svc := decider.Func(func(ctx context.Context, req decider.Request) (decider.Turn, error) {
		step++
		if step == 1 {
			return decider.Turn{ToolCalls: []decider.ToolCall{
				call("1", "audit_client", map[string]any{"cpf": "111.222.333-44"}),
				call("2", "check_compliance", map[string]any{"cpf": "111.222.333-44", "age": 30, "score": 750}),
			}}, nil
		}
		if n := len(req.Messages[len(req.Messages)-1].Results); n != 2 {
			t.Errorf("results in tool message = %d, want 2", n)
		}
		client := resultOf(req, "audit_client")
		return decider.Turn{ToolCalls: []decider.ToolCall{
			call("3", "analyze_risk", map[string]any{
				"age": client["age"], "income": client["income"], "loan_amount": 10000, "duration": 24, "score": client["score"],
			}),
			call("4", "issue_loan", map[string]any{"amount": 10000, "duration": 24}),
			call("5", "deny_loan", map[string]any{"reason": "nunca executado"}),
		}}, nil
	})

	store := newStore(t)
	resp, err := New(newOps(store), svc).Decide(context.Background(), requestContext("111.222.333-44", 10000, 24), localInvoker())
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if resp.Status != domain.StatusApproved {
		t.Errorf("status = %s", resp.Status)
	}
	if list := entries(t, store); len(list) != 1 || list[0].Status != domain.AuditApproved {
		t.Errorf("entries = %+v, want one APPROVED", list)
	}
}

type panickingRegistry struct{ *memory.Store }

func (panickingRegistry) LookupClient(context.Context, string) (*domain.Client, error) {
	panic("registry exploded")
}

func TestToolPanicBecomesErrorObject(t *testing.T) {
	store := newStore(t)
	ops := stages.New(panickingRegistry{store}, store)

	var view map[string]any
	svc := decider.Func(func(ctx context.Context, req decider.Request) (decider.Turn, error) {
		if last := req.Messages[len(req.Messages)-1]; last.Role == decider.RoleTool {
			view = resultOf(req, "audit_client")
			return decider.Turn{ToolCalls: []decider.ToolCall{call("d", "deny_loan", map[string]any{"reason": "falha interna"})}}, nil
		}
		return decider.Turn{ToolCalls: []decider.ToolCall{call("a", "audit_client", map[string]any{"cpf": "111.222.333-44"})}}, nil
	})

	resp, err := New(ops, svc).Decide(context.Background(), requestContext("111.222.333-44", 10000, 24), localInvoker())
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if view["success"] != false || view["error"] != "INTERNAL_ERROR" {
		t.Errorf("audit view = %v", view)
	}
	if resp.Status != domain.StatusDenied {
		t.Errorf("status = %s", resp.Status)
	}
}

func TestInvalidArguments(t *testing.T) {
	var view map[string]any
	svc := decider.Func(func(ctx context.Context, req decider.Request) (decider.Turn, error) {
		if req.Messages[len(req.Messages)-1].Role == decider.RoleTool {
			view = resultOf(req, "audit_client")
			return decider.Turn{ToolCalls: []decider.ToolCall{call("d", "deny_loan", nil)}}, nil
		}
		return decider.Turn{ToolCalls: []decider.ToolCall{{ID: "a", Name: "audit_client", Arguments: json.RawMessage(`{"cpf":11122233344}`)}}}, nil
	})

	resp, err := New(newOps(newStore(t)), svc).Decide(context.Background(), requestContext("111.222.333-44", 10000, 24), localInvoker())
	if err != nil {
		t.Fatal(err)
	}
	if view["error"] != "INVALID_ARGUMENTS" {
		t.Errorf("view = %v", view)
	}
	if resp.Status != domain.StatusDenied || resp.Reason == "" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestToolsCoverEveryStage(t *testing.T) {
	names := map[string]bool{}
	for _, spec := range Tools() {
		names[spec.Name] = true
		if _, ok := handlers[spec.Name]; !ok {
			t.Errorf("tool %s has no handler", spec.Name)
		}
		if spec.Parameters["type"] != "object" {
			t.Errorf("tool %s schema type = %v", spec.Name, spec.Parameters["type"])
		}
	}
	if len(names) != 5 {
		t.Errorf("tools = %v", names)
	}
}
