package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// mcpListTimeout bounds tool discovery against a slow accounting backend.
const mcpListTimeout = 10 * time.Second

// MCPSession is the subset of *mcp.ClientSession the provider consumes.
type MCPSession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Ping(ctx context.Context, params *mcp.PingParams) error
}

// MCPProvider bridges an external MCP server (the accounting system) into
// the tool layer. Tool definitions are discovered once per session and
// cached; health is probed per resolution via ping.
type MCPProvider struct {
	name    string
	session MCPSession
	logger  *slog.Logger

	mu   sync.Mutex
	defs []Definition
}

// NewMCPProvider wraps an established MCP client session.
func NewMCPProvider(name string, session MCPSession, logger *slog.Logger) *MCPProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPProvider{name: name, session: session, logger: logger}
}

// ConnectMCP starts the given transport and returns a live client session.
// The caller owns the session's lifecycle and should close it on shutdown.
func ConnectMCP(ctx context.Context, name string, transport mcp.Transport) (*mcp.ClientSession, error) {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    name,
		Version: "1.0.0",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting MCP client %q: %w", name, err)
	}
	return session, nil
}

// Name implements Provider.
func (p *MCPProvider) Name() string { return p.name }

// Healthy implements Provider by pinging the backend.
func (p *MCPProvider) Healthy(ctx context.Context) bool {
	if err := p.session.Ping(ctx, nil); err != nil {
		p.logger.Warn("mcp ping failed", "provider", p.name, "error", err)
		return false
	}
	return true
}

// List implements Provider. The first successful listing is cached for the
// life of the session; MCP servers advertise a stable tool set per connection.
func (p *MCPProvider) List(ctx context.Context) []Definition {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.defs != nil {
		return p.defs
	}

	listCtx, cancel := context.WithTimeout(ctx, mcpListTimeout)
	defer cancel()

	result, err := p.session.ListTools(listCtx, nil)
	if err != nil {
		p.logger.Warn("mcp tool listing failed", "provider", p.name, "error", err)
		return nil
	}

	defs := make([]Definition, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, _ := t.InputSchema.(*jsonschema.Schema)
		defs = append(defs, Definition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	p.defs = defs

	p.logger.Info("discovered mcp tools", "provider", p.name, "count", len(defs))
	return p.defs
}

// Execute implements Provider. Backend and protocol failures are encoded in
// the Result so the model can observe them.
func (p *MCPProvider) Execute(ctx context.Context, call Call) Result {
	result, err := p.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      call.Name,
		Arguments: call.Input,
	})
	if err != nil {
		p.logger.Warn("mcp tool call failed", "provider", p.name, "tool", call.Name, "error", err)
		return Result{Content: fmt.Sprintf("tool call failed: %v", err), IsError: true}
	}

	return Result{Content: flattenContent(result), IsError: result.IsError}
}

// flattenContent joins the textual parts of a tool result. Non-text parts
// are represented by their JSON encoding so nothing is silently dropped.
func flattenContent(result *mcp.CallToolResult) string {
	parts := make([]string, 0, len(result.Content))
	for _, c := range result.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
			continue
		}
		if data, err := json.Marshal(c); err == nil {
			parts = append(parts, string(data))
		}
	}
	return strings.Join(parts, "\n")
}
