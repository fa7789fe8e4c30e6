package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/credit-desk/internal/config"
	"github.com/tjfontaine/credit-desk/internal/credit"
	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/runtime"
	"github.com/tjfontaine/credit-desk/internal/scoring"
	"github.com/tjfontaine/credit-desk/internal/worker"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}

	evaluateCmd = &cobra.Command{
		Use:   "evaluate",
		Short: "Decide one loan request and print the response as JSON",
		RunE:  runEvaluate,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List recorded applications, most recent first",
		RunE:  runHistory,
	}

	scorerCmd = &cobra.Command{
		Use:    runtime.ScorerCommand,
		Short:  "Run the risk scorer worker over stdio (started by the desk itself)",
		Hidden: true,
		RunE:   runScorer,
	}

	evalCPF      string
	evalAmount   float64
	evalDuration int
	evalPurpose  string

	historyCPF   string
	historyLimit int
	historyJSON  bool
)

func init() {
	f := evaluateCmd.Flags()
	f.StringVar(&evalCPF, "cpf", "", "client identity key, masked or digits only")
	f.Float64Var(&evalAmount, "amount", 0, "requested amount")
	f.IntVar(&evalDuration, "duration", 0, "duration in months")
	f.StringVar(&evalPurpose, "purpose", "", "loan purpose")

	h := historyCmd.Flags()
	h.StringVar(&historyCPF, "cpf", "", "only entries for this client")
	h.IntVar(&historyLimit, "limit", 20, "maximum entries, 0 for all")
	h.BoolVar(&historyJSON, "json", false, "print JSON instead of a table")
}

func openDesk(logger *slog.Logger) (*runtime.Desk, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	desk, err := runtime.New(cfg, runtime.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return desk, cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := installLogger(os.Stdout)
	desk, cfg, err := openDesk(logger)
	if err != nil {
		return err
	}
	defer desk.Close()

	logger.Info("credit desk ready",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("remote", cfg.Remote.Enabled),
		slog.Bool("agent", cfg.Agent.Enabled),
	)
	if err := desk.Serve(cmd.Context()); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	logger := installLogger(os.Stderr)
	desk, _, err := openDesk(logger)
	if err != nil {
		return err
	}
	defer desk.Close()

	req := domain.LoanRequest{CPF: credit.NormalizeCPF(evalCPF), Purpose: evalPurpose}
	if cmd.Flags().Changed("amount") {
		req.LoanAmount = &evalAmount
	}
	if cmd.Flags().Changed("duration") {
		req.Duration = &evalDuration
	}

	resp := desk.Evaluate(cmd.Context(), req)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if resp.Status == domain.StatusError {
		return fmt.Errorf("request failed: %s", resp.Reason)
	}
	return nil
}

func runHistory(cmd *cobra.Command, _ []string) error {
	logger := installLogger(os.Stderr)
	desk, _, err := openDesk(logger)
	if err != nil {
		return err
	}
	defer desk.Close()

	entries, err := desk.History(cmd.Context())
	if err != nil {
		return err
	}
	entries = filterHistory(entries, credit.NormalizeCPF(historyCPF), historyLimit)

	if historyJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tCPF\tAMOUNT\tMONTHS\tSTATUS\tPROTOCOL\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04"), e.CPF, credit.FormatBRL(e.Amount),
			e.Duration, e.Status, e.Protocol, e.Reason)
	}
	return tw.Flush()
}

func filterHistory(entries []domain.AuditLogEntry, cpf string, limit int) []domain.AuditLogEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if cpf != "" && e.CPF != cpf {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// runScorer serves the scorer tools on stdin/stdout. Logs go to stderr so
// they never interleave with the protocol stream.
func runScorer(cmd *cobra.Command, _ []string) error {
	logger := installLogger(os.Stderr)
	timeout := worker.DefaultScoreTimeout
	if cfg, err := config.Load(configPath); err == nil {
		timeout = cfg.Remote.WorkerTimeout
	} else {
		logger.Warn("scorer using default limits", slog.String("error", err.Error()))
	}

	w := worker.New(scoring.NewScorer(),
		worker.WithScoreTimeout(timeout),
		worker.WithLogger(logger),
	)
	return w.ServeStdio(cmd.Context(), os.Stdin, os.Stdout)
}
