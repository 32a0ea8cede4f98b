// Orchestra local proxy.
// A stdio MCP server for desktop clients that cannot reach the orchestrator
// over HTTP themselves. Exposes the same three router tools and forwards each
// call as one stateless JSON-RPC POST.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/reppolabs/orchestra/internal/proxy"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	endpoint := flag.String("url", "", "orchestrator MCP endpoint (default $ORCHESTRA_URL or "+proxy.DefaultEndpoint+")")
	timeout := flag.Duration("timeout", proxy.DefaultTimeout, "per-call timeout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("orchestra-local " + Version)
		return
	}

	url := *endpoint
	if url == "" {
		url = os.Getenv("ORCHESTRA_URL")
	}

	// Stdout carries the protocol; everything else goes to stderr.
	logger := log.New(os.Stderr, "[orchestra-local] ", log.LstdFlags)

	client := proxy.NewClient(url, *timeout)
	logger.Printf("Forwarding to %s", client.Endpoint())

	mcpServer := server.NewMCPServer("orchestra-local", Version)
	registerForwarders(mcpServer, client, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Printf("Stdio server stopped: %v", err)
	}
}

// registerForwarders exposes the router's three operations, each forwarding
// to the remote orchestrator.
func registerForwarders(s *server.MCPServer, client *proxy.Client, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("discover_servers",
			mcp.WithDescription("Lists all worker servers managed by the remote orchestrator."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return forward(ctx, client, logger, "discover_servers", nil)
		},
	)

	s.AddTool(
		mcp.NewTool("find_tools",
			mcp.WithDescription("Lists the tools available on one worker server."),
			mcp.WithString("server_name", mcp.Required(), mcp.Description("Name of the target worker server")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return forward(ctx, client, logger, "find_tools", req.GetArguments())
		},
	)

	s.AddTool(
		mcp.NewTool("use_tool",
			mcp.WithDescription("Executes a tool on a worker server via the orchestrator."),
			mcp.WithString("server_name", mcp.Required(), mcp.Description("Target worker server name")),
			mcp.WithString("tool_name", mcp.Required(), mcp.Description("Tool to execute on that server")),
			mcp.WithObject("arguments", mcp.Description("Arguments object for the tool")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return forward(ctx, client, logger, "use_tool", req.GetArguments())
		},
	)
}

// forward posts one call and translates the unwrapped result back into a tool
// result for the local client.
func forward(ctx context.Context, client *proxy.Client, logger *log.Logger, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	res, err := client.Call(ctx, tool, args)
	if err != nil {
		logger.Printf("%s: %v", tool, err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	if res.IsError {
		msg := res.Text
		if msg == "" {
			msg = fmt.Sprintf("%s failed on the orchestrator", tool)
		}
		return mcp.NewToolResultError(msg), nil
	}
	if res.Structured != nil {
		fallback := res.Text
		if fallback == "" {
			if b, err := json.Marshal(res.Structured); err == nil {
				fallback = string(b)
			}
		}
		return mcp.NewToolResultStructured(res.Structured, fallback), nil
	}
	return mcp.NewToolResultText(res.Text), nil
}
