// Package worker is the scorer worker process. It serves the risk model and
// the debt ratio computation as MCP tools over standard streams.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tjfontaine/credit-desk/internal/credit"
	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/remote"
	"github.com/tjfontaine/credit-desk/internal/scoring"
)

// DefaultScoreTimeout caps a single model evaluation inside the worker.
const DefaultScoreTimeout = 20 * time.Second

// Analyzer evaluates the risk model.
type Analyzer interface {
	Analyze(ctx context.Context, f scoring.Features) (domain.RiskSignal, error)
}

// Server wraps the MCP server exposing the scorer tools.
type Server struct {
	analyzer     Analyzer
	scoreTimeout time.Duration
	logger       *slog.Logger
	mcp          *server.MCPServer
}

// Option configures a Server.
type Option func(*Server)

// WithScoreTimeout overrides the inner cap on model evaluation.
func WithScoreTimeout(d time.Duration) Option {
	return func(s *Server) { s.scoreTimeout = d }
}

// WithLogger sets the logger. It must not write to the MCP output stream.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the worker and registers its tools.
func New(analyzer Analyzer, opts ...Option) *Server {
	s := &Server{analyzer: analyzer, scoreTimeout: DefaultScoreTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.mcp = server.NewMCPServer("creditdesk-scorer", "1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// MCPServer exposes the underlying server, e.g. for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio serves MCP on in/out until ctx is done or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(slogWriter{s.logger}, "", 0))
	return stdio.Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(
		mcp.NewTool(remote.ToolAnalyzeRisk,
			mcp.WithDescription("Run the credit risk model. Returns a JSON object with risk_prediction (0|1), risk_probability and status (HIGH_RISK|LOW_RISK|ERROR)."),
			mcp.WithNumber("age", mcp.Required(), mcp.Description("Client age in years")),
			mcp.WithNumber("income", mcp.Required(), mcp.Description("Monthly income")),
			mcp.WithNumber("loan_amount", mcp.Required(), mcp.Description("Requested amount")),
			mcp.WithNumber("duration", mcp.Required(), mcp.Description("Duration in months")),
			mcp.WithNumber("score", mcp.Required(), mcp.Description("Credit history score")),
			mcp.WithString("purpose", mcp.Description("Loan purpose")),
			mcp.WithString("sex"),
			mcp.WithString("housing"),
			mcp.WithString("saving_accounts"),
			mcp.WithString("checking_account"),
		),
		s.handleAnalyzeRisk,
	)
	s.mcp.AddTool(
		mcp.NewTool(remote.ToolDebtRatio,
			mcp.WithDescription("Debt-to-income ratio: loan_amount / income rounded to two decimals, 999.9 when income is zero."),
			mcp.WithNumber("income", mcp.Required()),
			mcp.WithNumber("loan_amount", mcp.Required()),
		),
		s.handleDebtRatio,
	)
}

func (s *Server) handleAnalyzeRisk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f, err := features(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	scoreCtx, cancel := context.WithTimeout(ctx, s.scoreTimeout)
	defer cancel()

	type outcome struct {
		sig domain.RiskSignal
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		sig, err := s.analyzer.Analyze(scoreCtx, f)
		done <- outcome{sig, err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-scoreCtx.Done():
		s.logger.Error("risk scoring exceeded inner cap", "timeout", s.scoreTimeout)
		return signalResult(domain.ErrorSignal(), fmt.Sprintf("scoring timed out after %s", s.scoreTimeout))
	}
	if res.err != nil {
		s.logger.Error("risk scoring failed", "error", res.err)
		return signalResult(domain.ErrorSignal(), res.err.Error())
	}
	return signalResult(res.sig, "")
}

func (s *Server) handleDebtRatio(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	income, err := request.RequireFloat("income")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	amount, err := request.RequireFloat("loan_amount")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ratio := credit.DebtRatio(income, amount)
	return mcp.NewToolResultText(strconv.FormatFloat(ratio, 'f', -1, 64)), nil
}

func features(request mcp.CallToolRequest) (scoring.Features, error) {
	var nums [5]float64
	for i, key := range []string{"age", "income", "loan_amount", "duration", "score"} {
		v, err := request.RequireFloat(key)
		if err != nil {
			return scoring.Features{}, err
		}
		nums[i] = v
	}
	return scoring.Features{
		Age:             int(nums[0]),
		Income:          nums[1],
		LoanAmount:      nums[2],
		Duration:        int(nums[3]),
		Score:           int(nums[4]),
		Purpose:         request.GetString("purpose", ""),
		Sex:             request.GetString("sex", ""),
		Housing:         request.GetString("housing", ""),
		SavingAccounts:  request.GetString("saving_accounts", ""),
		CheckingAccount: request.GetString("checking_account", ""),
	}, nil
}

type signalPayload struct {
	domain.RiskSignal
	Error string `json:"error,omitempty"`
}

func signalResult(sig domain.RiskSignal, errMsg string) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(signalPayload{RiskSignal: sig, Error: errMsg})
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}

type slogWriter struct{ l *slog.Logger }

func (w slogWriter) Write(p []byte) (int, error) {
	w.l.Error(string(p))
	return len(p), nil
}
