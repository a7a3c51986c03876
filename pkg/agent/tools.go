package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/redress-ops/redress/pkg/config"
)

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	Success   bool           `json:"success"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	LatencyMS int64          `json:"latencyMs"`
}

// ToolExecutor runs remediation actions against external systems.
type ToolExecutor interface {
	Execute(ctx context.Context, tool string, params map[string]any) (ToolResult, error)
}

// HTTPToolExecutor calls configured tool endpoints over HTTP with
// JSON request and response bodies.
type HTTPToolExecutor struct {
	tools  map[string]config.ToolConfig
	client *http.Client
}

// NewHTTPToolExecutor creates an executor over the configured tools.
func NewHTTPToolExecutor(tools map[string]config.ToolConfig) *HTTPToolExecutor {
	return &HTTPToolExecutor{
		tools:  tools,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Execute posts the params to the tool's endpoint. Non-2xx responses
// and transport failures yield an unsuccessful result with the error
// recorded; the error return is reserved for unknown tools.
func (e *HTTPToolExecutor) Execute(ctx context.Context, tool string, params map[string]any) (ToolResult, error) {
	cfg, ok := e.tools[tool]
	if !ok {
		return ToolResult{}, fmt.Errorf("unknown tool %q", tool)
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(params)
	if err != nil {
		return ToolResult{}, fmt.Errorf("marshaling tool params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return ToolResult{}, fmt.Errorf("building tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return ToolResult{Error: err.Error(), LatencyMS: latency}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	result := ToolResult{LatencyMS: latency}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &result.Output)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Error = fmt.Sprintf("tool %s returned status %d", tool, resp.StatusCode)
		return result, nil
	}
	result.Success = true
	return result, nil
}

// StubToolExecutor is the in-process executor used by tests and
// embedded deployments. Tools listed in FailTools fail every call.
type StubToolExecutor struct {
	mu        sync.Mutex
	calls     []StubCall
	FailTools map[string]bool
	Latency   time.Duration
}

// StubCall records one invocation seen by the stub.
type StubCall struct {
	Tool   string
	Params map[string]any
}

// NewStubToolExecutor creates a stub that succeeds for every tool.
func NewStubToolExecutor() *StubToolExecutor {
	return &StubToolExecutor{FailTools: make(map[string]bool)}
}

// Execute records the call and succeeds unless the tool is marked as
// failing.
func (e *StubToolExecutor) Execute(_ context.Context, tool string, params map[string]any) (ToolResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, StubCall{Tool: tool, Params: params})
	fail := e.FailTools[tool]
	e.mu.Unlock()

	result := ToolResult{LatencyMS: e.Latency.Milliseconds()}
	if fail {
		result.Error = fmt.Sprintf("tool %s failed", tool)
		return result, nil
	}
	result.Success = true
	result.Output = map[string]any{"tool": tool, "status": "ok"}
	return result, nil
}

// Calls returns the invocations seen so far.
func (e *StubToolExecutor) Calls() []StubCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]StubCall(nil), e.calls...)
}
