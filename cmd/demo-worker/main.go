// Demo worker.
// A minimal stdio MCP worker for manual end-to-end runs against the
// orchestrator. See manifest.json at the repository root.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	name := os.Getenv("ORCHESTRA_WORKER")
	if name == "" {
		name = "demo-worker"
	}
	logger := log.New(os.Stderr, "", log.LstdFlags)

	s := server.NewMCPServer(name, Version)
	registerTools(s)

	if err := server.NewStdioServer(s).Listen(context.Background(), os.Stdin, os.Stdout); err != nil {
		logger.Printf("stopped: %v", err)
	}
}

func registerTools(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("add",
			mcp.WithDescription("Adds two numbers."),
			mcp.WithNumber("a", mcp.Required(), mcp.Description("First addend")),
			mcp.WithNumber("b", mcp.Required(), mcp.Description("Second addend")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			a, aok := args["a"].(float64)
			b, bok := args["b"].(float64)
			if !aok || !bok {
				return mcp.NewToolResultError("a and b must be numbers"), nil
			}
			sum := a + b
			return mcp.NewToolResultStructured(map[string]any{"result": sum}, fmt.Sprintf("%g", sum)), nil
		},
	)

	s.AddTool(
		mcp.NewTool("generate_random",
			mcp.WithDescription("Returns a random integer in [minimum, maximum]."),
			mcp.WithNumber("minimum", mcp.Required(), mcp.Description("Lower bound, inclusive")),
			mcp.WithNumber("maximum", mcp.Required(), mcp.Description("Upper bound, inclusive")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			lo, lok := args["minimum"].(float64)
			hi, hok := args["maximum"].(float64)
			if !lok || !hok {
				return mcp.NewToolResultError("minimum and maximum must be numbers"), nil
			}
			if hi < lo {
				return mcp.NewToolResultError("maximum must be >= minimum"), nil
			}
			n := int64(lo) + rand.Int64N(int64(hi)-int64(lo)+1)
			return mcp.NewToolResultStructured(map[string]any{"result": n}, fmt.Sprintf("%d", n)), nil
		},
	)

	s.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Returns the given text unchanged."),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to echo back")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text, _ := req.GetArguments()["text"].(string)
			return mcp.NewToolResultText(text), nil
		},
	)
}
