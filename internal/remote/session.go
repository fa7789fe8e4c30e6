package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Tool names exposed by the scorer worker.
const (
	ToolAnalyzeRisk = "analyze_risk"
	ToolDebtRatio   = "calculate_debt_ratio"
)

// Session is a live request/response connection to a scorer worker.
type Session interface {
	// CallTool invokes a named tool and returns its text payload.
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// Dialer establishes sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// StdioDialer starts the worker as a subprocess and speaks MCP over its
// standard streams.
type StdioDialer struct {
	Command     string
	Args        []string
	Env         []string
	InitTimeout time.Duration
}

// Dial spawns the worker and completes the MCP handshake.
func (d StdioDialer) Dial(ctx context.Context) (Session, error) {
	c, err := client.NewStdioMCPClient(d.Command, d.Env, d.Args...)
	if err != nil {
		return nil, fmt.Errorf("%w: start worker %s: %v", ErrTransport, d.Command, err)
	}
	return handshake(ctx, c, d.InitTimeout)
}

// InProcessDialer connects to an MCP server living in the same process.
type InProcessDialer struct {
	Server      *server.MCPServer
	InitTimeout time.Duration
}

// Dial starts an in-process client bound to the server.
func (d InProcessDialer) Dial(ctx context.Context) (Session, error) {
	c, err := client.NewInProcessClient(d.Server)
	if err != nil {
		return nil, fmt.Errorf("%w: in-process client: %v", ErrTransport, err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: start in-process client: %v", ErrTransport, err)
	}
	return handshake(ctx, c, d.InitTimeout)
}

func handshake(ctx context.Context, c *client.Client, timeout time.Duration) (Session, error) {
	if timeout <= 0 {
		timeout = DefaultInitTimeout
	}
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "creditdesk", Version: "1.0.0"}
	if _, err := c.Initialize(initCtx, req); err != nil {
		_ = c.Close()
		if initCtx.Err() != nil {
			return nil, fmt.Errorf("%w: initialize: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: initialize: %v", ErrTransport, err)
	}
	return &mcpSession{c: c}, nil
}

type mcpSession struct {
	c *client.Client

	once     sync.Once
	closeErr error
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := s.c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: call %s: %v", ErrTransport, name, err)
	}
	text := firstText(res)
	if res.IsError {
		return "", fmt.Errorf("%w: %s: %s", ErrRemoteFailure, name, text)
	}
	if text == "" {
		return "", fmt.Errorf("%w: %s returned no text content", ErrMalformedPayload, name)
	}
	return text, nil
}

// Close tears the session down. Later calls return the first result.
func (s *mcpSession) Close() error {
	s.once.Do(func() { s.closeErr = s.c.Close() })
	return s.closeErr
}

func firstText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			return tc.Text
		}
	}
	return ""
}
