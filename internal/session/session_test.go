package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/reppolabs/orchestra/internal/config"
	"github.com/reppolabs/orchestra/internal/supervisor"
)

// callHandler decides what the fake worker answers to a tools/call. respond
// false means no answer at all (the client must time out on its own).
type callHandler func(name string, args map[string]any) (result map[string]any, respond bool)

// startFakeWorker runs a minimal JSON-RPC worker over in-memory pipes, shaped
// like a supervised child process.
func startFakeWorker(t *testing.T, tools []map[string]any, onCall callHandler) *supervisor.WorkerProcess {
	t.Helper()

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	t.Cleanup(func() {
		_ = reqW.Close()
		_ = respW.Close()
	})

	go func() {
		enc := json.NewEncoder(respW)
		scanner := bufio.NewScanner(reqR)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var msg struct {
				ID     any             `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue
			}
			switch msg.Method {
			case "initialize":
				var p struct {
					ProtocolVersion string `json:"protocolVersion"`
				}
				_ = json.Unmarshal(msg.Params, &p)
				_ = enc.Encode(map[string]any{
					"jsonrpc": "2.0",
					"id":      msg.ID,
					"result": map[string]any{
						"protocolVersion": p.ProtocolVersion,
						"capabilities":    map[string]any{"tools": map[string]any{}},
						"serverInfo":      map[string]any{"name": "fake", "version": "0.0.1"},
					},
				})
			case "tools/list":
				_ = enc.Encode(map[string]any{
					"jsonrpc": "2.0",
					"id":      msg.ID,
					"result":  map[string]any{"tools": tools},
				})
			case "tools/call":
				var p struct {
					Name      string         `json:"name"`
					Arguments map[string]any `json:"arguments"`
				}
				_ = json.Unmarshal(msg.Params, &p)
				result, respond := onCall(p.Name, p.Arguments)
				if !respond {
					continue
				}
				_ = enc.Encode(map[string]any{
					"jsonrpc": "2.0",
					"id":      msg.ID,
					"result":  result,
				})
			}
		}
	}()

	return &supervisor.WorkerProcess{
		Spec:   config.WorkerSpec{Name: "fake"},
		Stdin:  reqW,
		Stdout: respR,
	}
}

var adderTools = []map[string]any{
	{
		"name":        "add",
		"description": "adds two numbers",
		"inputSchema": map[string]any{"type": "object"},
	},
}

func testManager(timeout time.Duration) *Manager {
	return NewManager(timeout, "test", log.New(io.Discard, "", 0))
}

func TestConnectAndInvoke(t *testing.T) {
	proc := startFakeWorker(t, adderTools, func(name string, args map[string]any) (map[string]any, bool) {
		if name != "add" {
			t.Errorf("worker got tool %q, want add", name)
		}
		sum := args["a"].(float64) + args["b"].(float64)
		return map[string]any{
			"content":           []map[string]any{{"type": "text", "text": "5"}},
			"structuredContent": map[string]any{"result": sum},
		}, true
	})

	m := testManager(5 * time.Second)
	sess, catalog, err := m.Connect(context.Background(), proc)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if len(catalog) != 1 || catalog[0].Name != "add" {
		t.Fatalf("catalog = %+v, want one tool named add", catalog)
	}
	if sess.Worker() != "fake" {
		t.Errorf("Worker() = %q", sess.Worker())
	}

	res, err := sess.Invoke(context.Background(), "add", map[string]any{"a": 2.0, "b": 3.0})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.IsError {
		t.Fatal("unexpected error result")
	}
	if len(res.Content) != 1 {
		t.Fatalf("content = %+v", res.Content)
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok || tc.Text != "5" {
		t.Errorf("text content = %+v, want \"5\"", res.Content[0])
	}
	sc, ok := res.StructuredContent.(map[string]any)
	if !ok || sc["result"] != 5.0 {
		t.Errorf("structured content = %+v, want {result: 5}", res.StructuredContent)
	}
}

func TestInvokeTimeoutLeavesSessionUsable(t *testing.T) {
	var silent atomic.Bool
	proc := startFakeWorker(t, adderTools, func(name string, args map[string]any) (map[string]any, bool) {
		if silent.Load() {
			return nil, false
		}
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
		}, true
	})

	m := testManager(300 * time.Millisecond)
	sess, _, err := m.Connect(context.Background(), proc)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	silent.Store(true)
	_, err = sess.Invoke(context.Background(), "add", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Invoke = %v, want ErrTimeout", err)
	}

	// A timed-out call must not poison the session: responses are matched by
	// request ID, so the next call still gets its own answer.
	silent.Store(false)
	res, err := sess.Invoke(context.Background(), "add", nil)
	if err != nil {
		t.Fatalf("Invoke after timeout: %v", err)
	}
	if res.IsError {
		t.Error("unexpected error result after timeout")
	}
}

func TestInvokeAfterClose(t *testing.T) {
	proc := startFakeWorker(t, adderTools, func(string, map[string]any) (map[string]any, bool) {
		return map[string]any{"content": []map[string]any{}}, true
	})

	m := testManager(time.Second)
	sess, _, err := m.Connect(context.Background(), proc)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := sess.Invoke(context.Background(), "add", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Invoke after Close = %v, want ErrClosed", err)
	}
}
