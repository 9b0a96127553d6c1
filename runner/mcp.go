package runner

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/chatwatch/kit"
	"github.com/hazyhaar/chatwatch/sessionlog"
)

// RegisterMCP registers the chat tools on an MCP server. store may be nil;
// chat_status then reports without buffer statistics.
func (r *Runner) RegisterMCP(srv *mcp.Server, store *sessionlog.Store) {
	r.registerAskTool(srv)
	r.registerAttachTool(srv)
	r.registerStatusTool(srv, store)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func mcpEnrich(ctx context.Context) context.Context {
	return kit.WithTransport(ctx, "mcp")
}

// --- chat_ask ---

func (r *Runner) registerAskTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name: "chat_ask",
		Description: "Send a prompt to the watched chat tab and return the assistant's " +
			"final answer once it has stopped changing. Blocks until convergence or timeout.",
		InputSchema: inputSchema(map[string]any{
			"prompt": map[string]any{"type": "string", "description": "Prompt text to submit"},
		}, []string{"prompt"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return r.Ask(ctx, *req.(*AskRequest))
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var a AskRequest
		if err := json.Unmarshal(req.Params.Arguments, &a); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &a, EnrichCtx: mcpEnrich}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- chat_attach ---

func (r *Runner) registerAttachTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name: "chat_attach",
		Description: "Attach a local file to the chat composer and confirm the page " +
			"registered it before returning.",
		InputSchema: inputSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "Local file path to attach"},
			"expected_count": map[string]any{
				"type":        "integer",
				"description": "Composer attachment total that proves registration (optional)",
			},
		}, []string{"path"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return r.AttachFile(ctx, *req.(*AttachRequest))
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var a AttachRequest
		if err := json.Unmarshal(req.Params.Arguments, &a); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &a, EnrichCtx: mcpEnrich}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- chat_status ---

func (r *Runner) registerStatusTool(srv *mcp.Server, store *sessionlog.Store) {
	tool := &mcp.Tool{
		Name:        "chat_status",
		Description: "Report the runner's state: bound tab, operation counts, last captured answer.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return r.Status(store), nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil, EnrichCtx: mcpEnrich}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
