// Package proxy forwards tool calls from a local stdio client to a remote
// orchestrator over plain JSON-RPC POSTs. It holds no session state: each
// call is one request, one response.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultEndpoint is where the orchestrator listens by default.
const DefaultEndpoint = "http://localhost:8000/mcp"

// DefaultTimeout bounds each forwarded call.
const DefaultTimeout = 60 * time.Second

// Result is a remote tool call outcome after envelope unwrapping.
type Result struct {
	// Structured is the unwrapped structured payload, nil when the remote
	// result carried none.
	Structured any
	// Text is the concatenated text content, used as fallback rendering.
	Text    string
	IsError bool
}

// Client posts tool calls to one orchestrator endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	nextID   atomic.Int64
}

// NewClient creates a proxy client for endpoint. An empty endpoint uses
// DefaultEndpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

// Endpoint returns the configured orchestrator URL.
func (c *Client) Endpoint() string { return c.endpoint }

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  *callResult     `json:"result"`
	Error   *rpcError       `json:"error"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callResult struct {
	Content           []contentItem `json:"content"`
	StructuredContent any           `json:"structuredContent"`
	IsError           bool          `json:"isError"`
}

// Call executes one remote tool call. Transport failures, non-2xx statuses,
// and JSON-RPC error responses all come back as errors naming the endpoint;
// a successful response is unwrapped into a Result.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) (*Result, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "tools/call",
		Params:  rpcParams{Name: tool, Arguments: args},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", c.endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("orchestrator at %s unreachable: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("orchestrator at %s returned %s: %s", c.endpoint, resp.Status, strings.TrimSpace(string(snippet)))
	}

	rpc, err := decodeResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("response from %s: %w", c.endpoint, err)
	}
	if rpc.Error != nil {
		return nil, fmt.Errorf("orchestrator at %s rejected call: %s (code %d)", c.endpoint, rpc.Error.Message, rpc.Error.Code)
	}
	if rpc.Result == nil {
		return nil, fmt.Errorf("response from %s has neither result nor error", c.endpoint)
	}

	return unwrapResult(rpc.Result), nil
}

// decodeResponse parses the JSON-RPC response body. The orchestrator answers
// stateless POSTs with plain JSON; SSE framing is handled too in case a
// server upgrades the response stream.
func decodeResponse(resp *http.Response) (*rpcResponse, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return decodeEventStream(resp.Body)
	}

	var rpc rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &rpc, nil
}

// decodeEventStream returns the first data event that parses as a JSON-RPC
// response carrying a result or error.
func decodeEventStream(r io.Reader) (*rpcResponse, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var rpc rpcResponse
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &rpc); err != nil {
			continue
		}
		if rpc.Result != nil || rpc.Error != nil {
			return &rpc, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a response")
}

// unwrapResult strips the provider envelope from a remote result. The
// structured payload is preferred; a single-key {"result": X} wrapper around
// it is removed once. Anything that does not match these markers passes
// through untouched, so a payload that legitimately looks like {"result": 7}
// at the inner level is never mangled.
func unwrapResult(res *callResult) *Result {
	out := &Result{IsError: res.IsError}

	var texts []string
	for _, item := range res.Content {
		if item.Type == "text" && item.Text != "" {
			texts = append(texts, item.Text)
		}
	}
	out.Text = strings.Join(texts, "\n")

	if res.StructuredContent != nil {
		out.Structured = unwrapEnvelope(res.StructuredContent)
	}
	return out
}

// unwrapEnvelope removes one {"result": X} layer, if that is the whole value.
func unwrapEnvelope(v any) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return v
	}
	inner, ok := m["result"]
	if !ok {
		return v
	}
	return inner
}
