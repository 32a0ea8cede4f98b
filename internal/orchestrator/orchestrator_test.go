package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/reppolabs/orchestra/internal/audit"
	"github.com/reppolabs/orchestra/internal/config"
	"github.com/reppolabs/orchestra/internal/registry"
	"github.com/reppolabs/orchestra/internal/session"
	"github.com/reppolabs/orchestra/internal/supervisor"
)

// fakeInvoker stands in for a connected worker session.
type fakeInvoker struct {
	invoke func(tool string, args map[string]any) (*mcp.CallToolResult, error)
	closed bool
}

func (f *fakeInvoker) Invoke(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	return f.invoke(tool, args)
}

func (f *fakeInvoker) Close() error {
	f.closed = true
	return nil
}

// fakeRecorder captures audit entries in memory.
type fakeRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *fakeRecorder) Record(e audit.Entry) error {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) last(t *testing.T) audit.Entry {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		t.Fatal("no audit entries recorded")
	}
	return r.entries[len(r.entries)-1]
}

func testOrchestrator(rec Recorder) *Orchestrator {
	logger := log.New(io.Discard, "", 0)
	sup := supervisor.New(time.Second, logger)
	sessions := session.NewManager(time.Second, "test", logger)
	return New(sup, sessions, registry.New(logger), rec, logger)
}

var adderCatalog = []mcp.Tool{
	{Name: "add", Description: "adds two numbers"},
	{Name: "sub", Description: "subtracts two numbers"},
}

func TestDiscoverServers(t *testing.T) {
	o := testOrchestrator(nil)
	o.AddWorker(
		config.WorkerSpec{Name: "adder_server", Command: "demo-worker", Description: "arithmetic"},
		&fakeInvoker{},
		adderCatalog,
	)

	infos := o.DiscoverServers()
	if len(infos) != 1 {
		t.Fatalf("DiscoverServers = %d entries, want 1", len(infos))
	}
	info := infos[0]
	if info.Name != "adder_server" || info.Description != "arithmetic" {
		t.Errorf("info = %+v", info)
	}
	if info.Tools != 2 {
		t.Errorf("Tools = %d, want 2", info.Tools)
	}
	// No real child process behind the fake session.
	if info.Connected {
		t.Error("Connected = true for a worker with no process")
	}
}

func TestFindTools(t *testing.T) {
	o := testOrchestrator(nil)
	o.AddWorker(config.WorkerSpec{Name: "adder_server", Command: "x"}, &fakeInvoker{}, adderCatalog)

	tools, err := o.FindTools("adder_server")
	if err != nil {
		t.Fatalf("FindTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2", len(tools))
	}
	if tools[0].QualifiedName != "adder_server::add" {
		t.Errorf("tools[0] = %q", tools[0].QualifiedName)
	}

	if _, err := o.FindTools("no_such_server"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindTools(unknown) = %v, want ErrNotFound", err)
	}
}

func TestUseToolRoutesToOwner(t *testing.T) {
	rec := &fakeRecorder{}
	o := testOrchestrator(rec)
	o.AddWorker(config.WorkerSpec{Name: "adder_server", Command: "x"}, &fakeInvoker{
		invoke: func(tool string, args map[string]any) (*mcp.CallToolResult, error) {
			if tool != "add" {
				t.Errorf("worker got tool %q, want add", tool)
			}
			sum := args["a"].(float64) + args["b"].(float64)
			return &mcp.CallToolResult{
				Content:           []mcp.Content{mcp.NewTextContent(fmt.Sprintf("%g", sum))},
				StructuredContent: map[string]any{"result": sum},
			}, nil
		},
	}, adderCatalog)

	res, err := o.UseTool(context.Background(), "adder_server", "add", map[string]any{"a": 2.0, "b": 3.0})
	if err != nil {
		t.Fatalf("UseTool: %v", err)
	}
	sc, ok := res.StructuredContent.(map[string]any)
	if !ok || sc["result"] != 5.0 {
		t.Errorf("structured content = %+v, want {result: 5}", res.StructuredContent)
	}

	e := rec.last(t)
	if e.Outcome != "ok" || e.Qualified != "adder_server::add" {
		t.Errorf("audit entry = %+v", e)
	}
}

func TestUseToolNotFoundIsLocal(t *testing.T) {
	contacted := false
	o := testOrchestrator(nil)
	o.AddWorker(config.WorkerSpec{Name: "adder_server", Command: "x"}, &fakeInvoker{
		invoke: func(string, map[string]any) (*mcp.CallToolResult, error) {
			contacted = true
			return nil, nil
		},
	}, adderCatalog)

	// Unknown tool on a known server.
	_, err := o.UseTool(context.Background(), "adder_server", "multiply", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UseTool(unknown tool) = %v, want ErrNotFound", err)
	}

	// Unknown server.
	_, err = o.UseTool(context.Background(), "ghost", "add", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UseTool(unknown server) = %v, want ErrNotFound", err)
	}

	if contacted {
		t.Error("NotFound must be decided without contacting the worker")
	}
}

func TestUseToolRecordsOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		invoke      func(string, map[string]any) (*mcp.CallToolResult, error)
		wantOutcome string
		wantErr     error
	}{
		{
			name: "worker error result",
			invoke: func(string, map[string]any) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultError("division by zero"), nil
			},
			wantOutcome: "tool_error",
		},
		{
			name: "timeout",
			invoke: func(string, map[string]any) (*mcp.CallToolResult, error) {
				return nil, fmt.Errorf("worker w: tool add after 1s: %w", session.ErrTimeout)
			},
			wantOutcome: "error",
			wantErr:     session.ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			o := testOrchestrator(rec)
			o.AddWorker(config.WorkerSpec{Name: "w", Command: "x"}, &fakeInvoker{invoke: tt.invoke}, adderCatalog)

			_, err := o.UseTool(context.Background(), "w", "add", nil)
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("UseTool = %v, want %v", err, tt.wantErr)
			}
			if e := rec.last(t); e.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %q, want %q", e.Outcome, tt.wantOutcome)
			}
		})
	}
}

func TestShutdownClearsEverything(t *testing.T) {
	o := testOrchestrator(nil)
	inv := &fakeInvoker{}
	o.AddWorker(config.WorkerSpec{Name: "w", Command: "x"}, inv, adderCatalog)

	if err := o.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !inv.closed {
		t.Error("session not closed on shutdown")
	}
	if o.WorkerCount() != 0 {
		t.Errorf("WorkerCount = %d after shutdown", o.WorkerCount())
	}
	if o.ToolCount() != 0 {
		t.Errorf("ToolCount = %d after shutdown", o.ToolCount())
	}
	if _, err := o.FindTools("w"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindTools after shutdown = %v, want ErrNotFound", err)
	}
}
