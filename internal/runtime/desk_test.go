package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tjfontaine/credit-desk/internal/config"
	"github.com/tjfontaine/credit-desk/internal/decider"
	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/remote"
	"github.com/tjfontaine/credit-desk/internal/scoring"
	"github.com/tjfontaine/credit-desk/internal/storage/rediscache"
	"github.com/tjfontaine/credit-desk/internal/worker"
)

// testConfig loads defaults with an in-memory store and no subprocess.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("CREDITDESK_STORAGE__DRIVER", "memory")
	t.Setenv("CREDITDESK_REMOTE__ENABLED", "false")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newDesk(t *testing.T, cfg *config.Config, opts ...Option) *Desk {
	t.Helper()
	d, err := New(cfg, append([]Option{quiet()}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func loan(cpf string, amount float64, months int) domain.LoanRequest {
	return domain.LoanRequest{CPF: cpf, LoanAmount: &amount, Duration: &months}
}

func scrape(t *testing.T, d *Desk) string {
	t.Helper()
	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) error = nil")
	}
}

func TestEvaluateLocal(t *testing.T) {
	d := newDesk(t, testConfig(t))

	resp := d.Evaluate(context.Background(), loan("111.222.333-44", 10000, 24))
	if resp.Status != domain.StatusApproved {
		t.Fatalf("status = %s (%+v)", resp.Status, resp)
	}
	history, err := d.History(context.Background())
	if err != nil || len(history) != 1 {
		t.Fatalf("history = %v, %v", history, err)
	}
	if !strings.Contains(scrape(t, d), `source="local"`) {
		t.Error("expected local risk answers in metrics")
	}
}

func TestEvaluateInProcessWorker(t *testing.T) {
	w := worker.New(scoring.NewScorer(), worker.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	d := newDesk(t, testConfig(t), WithDialer(remote.InProcessDialer{Server: w.MCPServer(), InitTimeout: time.Second}))

	resp := d.Evaluate(context.Background(), loan("555.666.777-88", 50000, 24))
	if resp.Status != domain.StatusDenied || !strings.Contains(resp.Reason, "DTI") {
		t.Fatalf("resp = %+v", resp)
	}
	if body := scrape(t, d); !strings.Contains(body, `source="remote"`) {
		t.Errorf("expected remote risk answers in metrics:\n%s", body)
	}
}

func TestAgentFallsBackToPipeline(t *testing.T) {
	chatty := decider.Func(func(context.Context, decider.Request) (decider.Turn, error) {
		return decider.Turn{Text: "Posso ajudar com outra coisa?"}, nil
	})
	d := newDesk(t, testConfig(t), WithDecisionService(chatty))

	resp := d.Evaluate(context.Background(), loan("111.222.333-44", 10000, 24))
	if resp.Status != domain.StatusApproved {
		t.Fatalf("status = %s", resp.Status)
	}
	body := scrape(t, d)
	if !strings.Contains(body, `creditdesk_controller_fallbacks_total{cause="UnexpectedResponse"} 1`) {
		t.Errorf("fallback not counted:\n%s", body)
	}
}

func TestSQLitePersists(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "desk.db")

	d, err := New(cfg, quiet())
	if err != nil {
		t.Fatal(err)
	}
	d.Evaluate(context.Background(), loan("000.000.000-00", 5000, 12))
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := newDesk(t, cfg)
	history, err := reopened.History(context.Background())
	if err != nil || len(history) != 1 || history[0].Status != domain.AuditDenied {
		t.Fatalf("history = %+v, %v", history, err)
	}
	clients, err := reopened.Store().ListClients(context.Background())
	if err != nil || len(clients) != 3 {
		t.Errorf("clients = %d, %v; seed must not repeat", len(clients), err)
	}
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Cache.RedisAddr = mr.Addr()

	d := newDesk(t, cfg)
	if _, ok := d.Store().(*rediscache.Store); !ok {
		t.Fatalf("store = %T, want cached store", d.Store())
	}
	d.Evaluate(context.Background(), loan("111.222.333-44", 10000, 24))
	if len(mr.Keys()) == 0 {
		t.Error("lookup was not cached")
	}
}

func TestRedisUnavailableIsNotFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.RedisAddr = "127.0.0.1:1"

	d := newDesk(t, cfg)
	if _, ok := d.Store().(*rediscache.Store); ok {
		t.Error("cache enabled against an unreachable server")
	}
}

func TestBadTrigger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Risk.Trigger = "score"
	if _, err := New(cfg, quiet()); err == nil {
		t.Error("New() error = nil, want unknown trigger")
	}
}

func TestStdioDialerDefaultsToSelf(t *testing.T) {
	cfg := testConfig(t)
	d := &Desk{cfg: cfg}
	dialer := d.stdioDialer()
	if dialer.Command == "" || len(dialer.Args) != 1 || dialer.Args[0] != ScorerCommand {
		t.Errorf("dialer = %+v", dialer)
	}

	cfg.Source = "/etc/creditdesk/config.yaml"
	want := []string{ScorerCommand, "--config", "/etc/creditdesk/config.yaml"}
	if got := d.stdioDialer(); !slices.Equal(got.Args, want) {
		t.Errorf("args = %v, want %v", got.Args, want)
	}

	cfg.Remote.Command = "/usr/local/bin/scorer"
	cfg.Remote.Args = []string{"--stdio"}
	if got := d.stdioDialer(); got.Command != "/usr/local/bin/scorer" || got.Args[0] != "--stdio" {
		t.Errorf("dialer = %+v", got)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 0
	d := newDesk(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
