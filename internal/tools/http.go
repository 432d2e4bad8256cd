package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/logging"
	"loom/pkg/types"
)

// HTTPExecutor forwards tool calls to an external sandbox service. The
// sandbox owns the actual capabilities; loom only ships the call and relays
// the outcome.
type HTTPExecutor struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
	names      []string
}

var _ Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor targets a sandbox at baseURL. names is advertised to the
// agent prompt; the sandbox remains the authority on what actually runs.
func NewHTTPExecutor(baseURL string, timeout time.Duration, names []string, logger logging.Logger) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPExecutor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
		names:      append([]string(nil), names...),
	}
}

func (h *HTTPExecutor) Names() []string {
	return append([]string(nil), h.names...)
}

type sandboxRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

type sandboxResponse struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error"`
}

func (h *HTTPExecutor) Execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	start := time.Now()

	body, err := json.Marshal(sandboxRequest{Tool: call.Name, Arguments: call.Arguments})
	if err != nil {
		return failure(call, fmt.Errorf("marshal sandbox request: %w", err))
	}

	endpoint := h.baseURL + "/v1/execute"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return failure(call, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		h.logger.Warn("sandbox call for %s failed: %v", call.Name, err)
		return failure(call, fmt.Errorf("sandbox unreachable: %w", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return failure(call, fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}

	var out sandboxResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return failure(call, fmt.Errorf("decode sandbox response: %w", err))
	}

	result := types.ToolResult{
		ToolName: call.Name,
		Success:  out.Success,
		Output:   out.Output,
		Error:    out.Error,
		Duration: time.Since(start),
	}
	if !out.Success && out.Error == "" {
		result.Error = "sandbox reported failure without detail"
	}
	return result
}
