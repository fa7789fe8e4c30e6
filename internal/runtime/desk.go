// Package runtime is the composition root: it turns a loaded configuration
// into a running credit desk (storage, scorer sessions, controllers,
// orchestrator and HTTP server).
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/credit-desk/internal/agent"
	"github.com/tjfontaine/credit-desk/internal/config"
	"github.com/tjfontaine/credit-desk/internal/decider"
	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/metrics"
	"github.com/tjfontaine/credit-desk/internal/orchestrator"
	"github.com/tjfontaine/credit-desk/internal/pipeline"
	"github.com/tjfontaine/credit-desk/internal/remote"
	"github.com/tjfontaine/credit-desk/internal/risk"
	"github.com/tjfontaine/credit-desk/internal/scoring"
	"github.com/tjfontaine/credit-desk/internal/server"
	"github.com/tjfontaine/credit-desk/internal/stages"
	"github.com/tjfontaine/credit-desk/internal/storage"
	"github.com/tjfontaine/credit-desk/internal/storage/memory"
	"github.com/tjfontaine/credit-desk/internal/storage/rediscache"
	"github.com/tjfontaine/credit-desk/internal/storage/sqldb"
	"github.com/tjfontaine/credit-desk/internal/telemetry"
	"github.com/tjfontaine/credit-desk/internal/tokens"
)

// ScorerCommand is the subcommand that runs the scorer worker when the
// remote command is left empty.
const ScorerCommand = "scorer"

const defaultShutdownGrace = 30 * time.Second

// Desk owns every long-lived component.
type Desk struct {
	cfg          *config.Config
	logger       *slog.Logger
	store        storage.Store
	registry     *prometheus.Registry
	metrics      *metrics.Metrics
	orchestrator *orchestrator.Orchestrator
	server       *server.Server

	// injected overrides
	dialer   remote.Dialer
	service  decider.Service
	injected storage.Store

	stopTracer func(context.Context) error
	closeOnce  sync.Once
}

// New wires a Desk from cfg. Close releases what it opened.
func New(cfg *config.Config, opts ...Option) (*Desk, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	d := &Desk{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if cfg.Telemetry.Tracing {
		stop, err := telemetry.InitTracer("creditdesk", nil, d.logger)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		d.stopTracer = stop
	}

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.metrics = metrics.New(d.registry)

	store, err := d.openStore(context.Background())
	if err != nil {
		d.Close()
		return nil, err
	}
	d.store = store

	rule, err := d.rule()
	if err != nil {
		d.Close()
		return nil, err
	}
	ops := stages.New(store, store,
		stages.WithRule(rule),
		stages.WithLimits(cfg.Risk.LegalAge, cfg.Risk.MinScore),
		stages.WithLogger(d.logger),
		stages.WithMetrics(d.metrics),
	)

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(d.logger),
		orchestrator.WithMetrics(d.metrics),
	}
	ag, err := d.agent(ops)
	if err != nil {
		d.Close()
		return nil, err
	}
	if ag != nil {
		orchOpts = append(orchOpts, orchestrator.WithAgent(ag))
	}

	d.orchestrator = orchestrator.New(
		pipeline.NewExecutor(ops, pipeline.WithLogger(d.logger)),
		d.sessions(),
		orchOpts...,
	)

	d.server = server.New(cfg.Server.Port, d.logger, server.Deps{
		Decider:        d.orchestrator,
		Clients:        store,
		Applications:   store,
		Metrics:        promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}),
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	return d, nil
}

// openStore builds the configured backend, seeds it and puts the Redis cache
// in front when configured. An unreachable Redis only disables the cache.
func (d *Desk) openStore(ctx context.Context) (storage.Store, error) {
	var store storage.Store
	switch {
	case d.injected != nil:
		store = d.injected
	case d.cfg.Storage.Driver == "memory":
		store = memory.New()
	default:
		s, err := sqldb.New(sqldb.Config{Driver: d.cfg.Storage.Driver, DSN: d.cfg.Storage.DSN})
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", d.cfg.Storage.Driver, err)
		}
		store = s
	}

	if d.cfg.Storage.Seed {
		n, err := storage.Seed(ctx, store)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("seed registry: %w", err)
		}
		if n > 0 {
			d.logger.Info("seeded client registry", "clients", n)
		}
	}

	if addr := d.cfg.Cache.RedisAddr; addr != "" {
		rdb, err := rediscache.Connect(ctx, rediscache.Options{
			Addr:     addr,
			Password: d.cfg.Cache.Password,
			DB:       d.cfg.Cache.DB,
			TTL:      d.cfg.Cache.TTL,
		})
		if err != nil {
			d.logger.Warn("client cache disabled", "error", err)
			return store, nil
		}
		return rediscache.Wrap(store, rdb, d.cfg.Cache.TTL, d.logger), nil
	}
	return store, nil
}

func (d *Desk) rule() (risk.Rule, error) {
	trigger, err := risk.ParseTrigger(d.cfg.Risk.Trigger)
	if err != nil {
		return risk.Rule{}, err
	}
	return risk.Rule{
		Trigger:              trigger,
		ProbabilityThreshold: d.cfg.Risk.ProbabilityThreshold,
		DTIThreshold:         d.cfg.Risk.DTIThreshold,
	}, nil
}

// sessions returns the per-request scorer session factory. With the remote
// layer disabled every invoker answers locally.
func (d *Desk) sessions() *remote.Factory {
	opts := []remote.Option{
		remote.WithCallTimeout(d.cfg.Remote.CallTimeout),
		remote.WithLogger(d.logger),
		remote.WithMetrics(d.metrics),
	}
	switch {
	case d.dialer != nil:
		opts = append(opts, remote.WithDialer(d.dialer))
	case d.cfg.Remote.Enabled:
		opts = append(opts, remote.WithDialer(d.stdioDialer()))
	}
	return remote.NewFactory(scoring.NewScorer(), opts...)
}

func (d *Desk) stdioDialer() remote.StdioDialer {
	command, args := d.cfg.Remote.Command, d.cfg.Remote.Args
	if command == "" {
		self, err := os.Executable()
		if err != nil {
			self = os.Args[0]
		}
		command = self
		if len(args) == 0 {
			args = []string{ScorerCommand}
			if d.cfg.Source != "" {
				args = append(args, "--config", d.cfg.Source)
			}
		}
	}
	return remote.StdioDialer{
		Command:     command,
		Args:        args,
		InitTimeout: d.cfg.Remote.InitTimeout,
	}
}

// agent builds the tool-loop controller, or nil when disabled.
func (d *Desk) agent(ops *stages.Operations) (*agent.Controller, error) {
	ac := d.cfg.Agent
	svc := d.service
	if svc == nil {
		if !ac.Enabled {
			return nil, nil
		}
		var err error
		svc, err = decider.New(decider.Config{
			Provider: decider.Provider(ac.Provider),
			APIKey:   ac.APIKey,
			BaseURL:  ac.BaseURL,
			Model:    ac.Model,
			Timeout:  ac.TurnTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("decision service: %w", err)
		}
	}

	opts := []agent.Option{
		agent.WithMaxIterations(ac.MaxIterations),
		agent.WithTurnTimeout(ac.TurnTimeout),
		agent.WithRepromptOnText(ac.RepromptOnText),
		agent.WithLogger(d.logger),
		agent.WithMetrics(d.metrics),
	}
	if ac.MaxPromptTokens > 0 {
		opts = append(opts, agent.WithTokenBudget(tokens.NewTiktokenCounter(), ac.Model, ac.MaxPromptTokens))
	}
	d.logger.Info("agent controller enabled", "service", svc.Name(), "model", ac.Model)
	return agent.New(ops, svc, opts...), nil
}

// Evaluate decides one loan request.
func (d *Desk) Evaluate(ctx context.Context, req domain.LoanRequest) domain.Response {
	return d.orchestrator.HandleRequest(ctx, req)
}

// History lists the application log, most recent first.
func (d *Desk) History(ctx context.Context) ([]domain.AuditLogEntry, error) {
	return d.store.ListApplications(ctx)
}

// Store exposes the backing store.
func (d *Desk) Store() storage.Store { return d.store }

// Handler is the HTTP API.
func (d *Desk) Handler() http.Handler { return d.server.Router }

// Serve runs the HTTP server until ctx is cancelled, then drains it.
func (d *Desk) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- d.server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	grace := d.cfg.Server.RequestTimeout
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// Close releases the store and flushes traces. It is safe to call twice.
func (d *Desk) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		if d.store != nil {
			errs = append(errs, d.store.Close())
		}
		if d.stopTracer != nil {
			errs = append(errs, d.stopTracer(context.Background()))
		}
	})
	return errors.Join(errs...)
}
