// Package session maintains the MCP request/response channel to each worker:
// handshake, catalog fetch, and call forwarding over the worker's pipes.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/reppolabs/orchestra/internal/supervisor"
)

// ErrClosed is returned by Invoke after the session has been closed.
var ErrClosed = errors.New("session closed")

// ErrTimeout is returned when a forwarded call exceeds the configured bound.
// The session stays usable: responses are correlated by JSON-RPC request ID,
// so a late reply to a timed-out call is discarded, not misdelivered.
var ErrTimeout = errors.New("call timed out")

const handshakeTimeout = 30 * time.Second

// Session is one open channel to a worker.
type Session struct {
	worker  string
	client  *mcpclient.Client
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Manager connects sessions over worker pipes.
type Manager struct {
	callTimeout time.Duration
	version     string
	logger      *log.Logger
}

// NewManager creates a session manager. callTimeout bounds every Invoke.
func NewManager(callTimeout time.Duration, version string, logger *log.Logger) *Manager {
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &Manager{callTimeout: callTimeout, version: version, logger: logger}
}

// Connect frames an MCP channel over the worker's pipes, performs the
// initialize handshake, and fetches the worker's full tool catalog.
func (m *Manager) Connect(ctx context.Context, proc *supervisor.WorkerProcess) (*Session, []mcp.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	// Stderr is drained by the supervisor; the transport gets an empty stream.
	t := transport.NewIO(proc.Stdout, proc.Stdin, io.NopCloser(strings.NewReader("")))
	c := mcpclient.NewClient(t)

	if err := c.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start channel to %s: %w", proc.Spec.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "orchestra", Version: m.version}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	initRes, err := c.Initialize(ctx, initReq)
	if err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("handshake with %s: %w", proc.Spec.Name, err)
	}
	m.logger.Printf("Session: %s connected (%s %s)", proc.Spec.Name, initRes.ServerInfo.Name, initRes.ServerInfo.Version)

	catalog, err := listAllTools(ctx, c)
	if err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("fetch catalog from %s: %w", proc.Spec.Name, err)
	}

	return &Session{
		worker:  proc.Spec.Name,
		client:  c,
		timeout: m.callTimeout,
	}, catalog, nil
}

// listAllTools follows the list cursor until the catalog is complete.
func listAllTools(ctx context.Context, c *mcpclient.Client) ([]mcp.Tool, error) {
	var tools []mcp.Tool
	req := mcp.ListToolsRequest{}
	for {
		res, err := c.ListTools(ctx, req)
		if err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		req.Params.Cursor = res.NextCursor
	}
}

// Worker returns the owning worker's name.
func (s *Session) Worker() string { return s.worker }

// Invoke forwards one tool call and waits for the matching response, bounded
// by the configured timeout. Caller cancellation releases the wait; the
// in-flight worker call is not chased.
func (s *Session) Invoke(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("worker %s: %w", s.worker, ErrClosed)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := s.client.CallTool(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("worker %s: tool %s after %s: %w", s.worker, tool, s.timeout, ErrTimeout)
		}
		return nil, fmt.Errorf("worker %s: %w", s.worker, err)
	}
	return res, nil
}

// Close shuts the channel. Invoke fails with ErrClosed afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.client.Close()
}
