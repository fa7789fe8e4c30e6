// Package remote obtains risk signals and debt ratios from an out-of-process
// scorer worker, substituting the equivalent local computation whenever the
// worker cannot answer.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/credit-desk/internal/credit"
	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/metrics"
	"github.com/tjfontaine/credit-desk/internal/scoring"
)

const (
	DefaultInitTimeout = 10 * time.Second
	DefaultCallTimeout = 10 * time.Second
)

// Source names the producer of a value.
type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
)

// LocalScorer is the in-process substitute for the worker's analyze_risk.
type LocalScorer interface {
	Analyze(ctx context.Context, f scoring.Features) (domain.RiskSignal, error)
}

// Assessment is the combined result of the risk and debt ratio calls.
type Assessment struct {
	Signal       domain.RiskSignal
	SignalSource Source
	DTI          float64
	DTISource    Source
}

// Invoker performs remote-first invocations over one session.
type Invoker struct {
	session     Session
	callTimeout time.Duration
	local       LocalScorer
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// InvokeRemote calls tool on the worker, bounded by timeout. A nil session
// is reported as a transport failure.
func (i *Invoker) InvokeRemote(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (string, error) {
	if i.session == nil {
		return "", fmt.Errorf("%w: no session", ErrTransport)
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := i.session.CallTool(callCtx, tool, args)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("%w: %s after %s", ErrTimeout, tool, timeout)
		}
		return "", err
	}
	return text, nil
}

// AnalyzeRisk asks the worker for a risk signal and falls back to the local
// scorer when the call fails, the payload is malformed or the worker
// reports ERROR. An error is returned only when the local scorer fails too.
func (i *Invoker) AnalyzeRisk(ctx context.Context, f scoring.Features) (domain.RiskSignal, Source, error) {
	sig, err := i.remoteSignal(ctx, f)
	if err == nil {
		i.metrics.ObserveRemote(ToolAnalyzeRisk, string(SourceRemote))
		return sig, SourceRemote, nil
	}
	i.logger.Warn("remote risk analysis failed, scoring locally", "error", err)

	sig, lerr := i.local.Analyze(ctx, f)
	if lerr != nil {
		return domain.ErrorSignal(), SourceLocal, fmt.Errorf("local risk analysis: %w (remote: %v)", lerr, err)
	}
	i.metrics.ObserveRemote(ToolAnalyzeRisk, string(SourceLocal))
	return sig, SourceLocal, nil
}

func (i *Invoker) remoteSignal(ctx context.Context, f scoring.Features) (domain.RiskSignal, error) {
	text, err := i.InvokeRemote(ctx, ToolAnalyzeRisk, featureArgs(f), i.callTimeout)
	if err != nil {
		return domain.RiskSignal{}, err
	}
	sig, err := ParseSignal(text)
	if err != nil {
		return domain.RiskSignal{}, err
	}
	if sig.Status == domain.RiskError {
		return domain.RiskSignal{}, fmt.Errorf("%w: analyze_risk answered ERROR", ErrRemoteFailure)
	}
	return sig, nil
}

// DebtRatio asks the worker for amount/income and computes it locally on
// any failure. The local computation cannot fail.
func (i *Invoker) DebtRatio(ctx context.Context, income, amount float64) (float64, Source) {
	text, err := i.InvokeRemote(ctx, ToolDebtRatio, map[string]any{
		"income":      income,
		"loan_amount": amount,
	}, i.callTimeout)
	if err == nil {
		var v float64
		if v, err = ParseRatio(text); err == nil {
			i.metrics.ObserveRemote(ToolDebtRatio, string(SourceRemote))
			return v, SourceRemote
		}
	}
	i.logger.Warn("remote debt ratio failed, computing locally", "error", err)
	i.metrics.ObserveRemote(ToolDebtRatio, string(SourceLocal))
	return credit.DebtRatio(income, amount), SourceLocal
}

// Assess runs the risk and debt ratio calls concurrently. A failure of one
// does not cancel the other.
func (i *Invoker) Assess(ctx context.Context, f scoring.Features) (Assessment, error) {
	var a Assessment
	var g errgroup.Group
	g.Go(func() error {
		var err error
		a.Signal, a.SignalSource, err = i.AnalyzeRisk(ctx, f)
		return err
	})
	g.Go(func() error {
		a.DTI, a.DTISource = i.DebtRatio(ctx, f.Income, f.LoanAmount)
		return nil
	})
	err := g.Wait()
	return a, err
}

func featureArgs(f scoring.Features) map[string]any {
	return map[string]any{
		"age":              f.Age,
		"income":           f.Income,
		"loan_amount":      f.LoanAmount,
		"duration":         f.Duration,
		"score":            f.Score,
		"purpose":          f.Purpose,
		"sex":              f.Sex,
		"housing":          f.Housing,
		"saving_accounts":  f.SavingAccounts,
		"checking_account": f.CheckingAccount,
	}
}

// Factory opens per-request invokers.
type Factory struct {
	dialer      Dialer
	callTimeout time.Duration
	local       LocalScorer
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// Option configures a Factory.
type Option func(*Factory)

// WithDialer sets how sessions are established. Without a dialer every call
// is answered locally.
func WithDialer(d Dialer) Option {
	return func(f *Factory) { f.dialer = d }
}

// WithCallTimeout bounds each tool call.
func WithCallTimeout(d time.Duration) Option {
	return func(f *Factory) { f.callTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Factory) { f.metrics = m }
}

// NewFactory creates a factory whose invokers fall back to local.
func NewFactory(local LocalScorer, opts ...Option) *Factory {
	f := &Factory{local: local, callTimeout: DefaultCallTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open dials a session for one request. The returned release function
// closes the session exactly once no matter how often it is called. When
// dialing fails the invoker still works, answering from the local scorer.
func (f *Factory) Open(ctx context.Context) (*Invoker, func()) {
	inv := &Invoker{
		callTimeout: f.callTimeout,
		local:       f.local,
		logger:      f.logger,
		metrics:     f.metrics,
	}
	if f.dialer == nil {
		return inv, func() {}
	}
	sess, err := f.dialer.Dial(ctx)
	if err != nil {
		f.logger.Warn("scorer worker unavailable, using local computation", "error", err)
		return inv, func() {}
	}
	inv.session = sess
	var once sync.Once
	return inv, func() {
		once.Do(func() {
			if err := sess.Close(); err != nil {
				f.logger.Warn("closing scorer session", "error", err)
			}
		})
	}
}

// Local returns an invoker with no session.
func (f *Factory) Local() *Invoker {
	return &Invoker{callTimeout: f.callTimeout, local: f.local, logger: f.logger, metrics: f.metrics}
}
