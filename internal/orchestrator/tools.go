package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/reppolabs/orchestra/internal/session"
)

// RegisterTools registers the router's three operations on the MCP server.
// These are the only operations external callers ever see.
func RegisterTools(s *server.MCPServer, o *Orchestrator, logger *log.Logger) {
	registerDiscoverServers(s, o)
	registerFindTools(s, o, logger)
	registerUseTool(s, o, logger)
}

func registerDiscoverServers(s *server.MCPServer, o *Orchestrator) {
	s.AddTool(
		mcp.NewTool("discover_servers",
			mcp.WithDescription("Lists all configured worker servers managed by this orchestrator, with process liveness."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return structuredResult(map[string]any{"result": o.DiscoverServers()}), nil
		},
	)
}

func registerFindTools(s *server.MCPServer, o *Orchestrator, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("find_tools",
			mcp.WithDescription("Lists the tools available on one worker server."),
			mcp.WithString("server_name", mcp.Required(), mcp.Description("Name of the target worker server (e.g. 'adder_server')")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			serverName, ok := req.GetArguments()["server_name"].(string)
			if !ok || serverName == "" {
				return nil, fmt.Errorf("server_name is required")
			}
			tools, err := o.FindTools(serverName)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return structuredResult(map[string]any{"result": tools}), nil
		},
	)
}

func registerUseTool(s *server.MCPServer, o *Orchestrator, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("use_tool",
			mcp.WithDescription("Executes a tool on a worker server and returns its result."),
			mcp.WithString("server_name", mcp.Required(), mcp.Description("Target worker server name")),
			mcp.WithString("tool_name", mcp.Required(), mcp.Description("Tool to execute on that server")),
			mcp.WithObject("arguments", mcp.Description("Arguments object for the tool")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			raw := req.GetArguments()
			serverName, _ := raw["server_name"].(string)
			toolName, _ := raw["tool_name"].(string)
			if serverName == "" || toolName == "" {
				return nil, fmt.Errorf("server_name and tool_name are required")
			}
			args, _ := raw["arguments"].(map[string]any)

			res, err := o.UseTool(ctx, serverName, toolName, args)
			if err != nil {
				switch {
				case errors.Is(err, ErrNotFound):
					// Local validation, no worker was contacted.
				case errors.Is(err, session.ErrTimeout):
					logger.Printf("use_tool: %s::%s timed out", serverName, toolName)
				default:
					logger.Printf("use_tool: %s::%s failed: %v", serverName, toolName, err)
				}
				return mcp.NewToolResultError(err.Error()), nil
			}

			// Pass the worker's result through without provider framing: the
			// caller gets the tool's own content and structured payload.
			return &mcp.CallToolResult{
				Content:           res.Content,
				StructuredContent: res.StructuredContent,
				IsError:           res.IsError,
			}, nil
		},
	)
}

// structuredResult wraps a payload as structured content with a JSON text
// fallback for clients that only render text.
func structuredResult(v any) *mcp.CallToolResult {
	fallback, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err))
	}
	return mcp.NewToolResultStructured(v, string(fallback))
}
