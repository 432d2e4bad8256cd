package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/logging"
)

var _ Client = (*OllamaClient)(nil)

// OllamaClient speaks the Ollama-compatible chat API. Streaming handles both
// NDJSON bodies and SSE bodies; whichever the server sends, frames come out
// normalized.
type OllamaClient struct {
	baseURL     string
	callTimeout time.Duration
	httpClient  *http.Client
	logger      logging.Logger
}

// NewOllamaClient builds a client against baseURL. callTimeout bounds
// non-streaming completions; streaming calls are bounded by the caller's
// context instead, so a long healthy stream is never cut by a flat timeout.
func NewOllamaClient(baseURL string, callTimeout time.Duration, logger logging.Logger) *OllamaClient {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if !strings.HasSuffix(baseURL, "/api") {
		baseURL += "/api"
	}
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &OllamaClient{
		baseURL:     baseURL,
		callTimeout: callTimeout,
		httpClient:  &http.Client{},
		logger:      logging.OrNop(logger),
	}
}

func (c *OllamaClient) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.doChat(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var chunk wireChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if chunk.Error != "" {
		return nil, fmt.Errorf("backend error: %s", chunk.Error)
	}
	return chunk.response(chunk.text()), nil
}

func (c *OllamaClient) Stream(ctx context.Context, req Request, onFrame func(Frame) error) (*Response, error) {
	resp, err := c.doChat(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	sse := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var builder strings.Builder
	var final *Response

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if sse {
			var ok bool
			line, ok = sseData(line)
			if !ok {
				continue
			}
			if line == "[DONE]" {
				line = `{"done":true}`
			}
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			// A garbled line is dropped, not fatal; the stream goes on.
			c.logger.Warn("skipping malformed stream line: %v", err)
			continue
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("backend error: %s", chunk.Error)
		}

		delta := chunk.text()
		builder.WriteString(delta)
		frame := Frame{Content: delta, Done: chunk.Done, DoneReason: chunk.DoneReason, Model: chunk.Model}
		if err := onFrame(frame); err != nil {
			return nil, err
		}
		if chunk.Done {
			final = chunk.response(builder.String())
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}

	if final == nil {
		// Stream ended without an explicit done chunk; synthesize one.
		final = &Response{Content: builder.String(), StopReason: "unknown"}
	}
	return final, nil
}

// Models lists the backend's installed model names.
func (c *OllamaClient) Models(ctx context.Context) ([]string, error) {
	endpoint := strings.TrimSuffix(c.baseURL, "/api") + "/api/tags"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: tags returned status %d", ErrBackendUnavailable, resp.StatusCode)
	}

	var listing struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}
	names := make([]string, 0, len(listing.Models))
	for _, m := range listing.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

func (c *OllamaClient) doChat(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	body, err := buildChatPayload(req, stream)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/chat", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		msg := strings.TrimSpace(string(payload))
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d: %s", ErrBackendUnavailable, resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("chat request failed with status %d: %s", resp.StatusCode, msg)
	}
	return resp, nil
}

func buildChatPayload(req Request, stream bool) ([]byte, error) {
	request := chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   stream,
	}

	options := make(map[string]any)
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		options["top_p"] = req.TopP
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		options["stop"] = append([]string(nil), req.Stop...)
	}
	if len(options) > 0 {
		request.Options = options
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	return body, nil
}

// sseData strips the SSE framing from a line. Comment lines (leading colon)
// and event/id/retry fields carry no payload here and are dropped.
func sseData(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// wireChunk covers both wire shapes: NDJSON nests the delta under message,
// SSE frames put content at the top level.
type wireChunk struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Content         string `json:"content"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (c wireChunk) text() string {
	if c.Message.Content != "" {
		return c.Message.Content
	}
	return c.Content
}

func (c wireChunk) response(content string) *Response {
	stopReason := strings.TrimSpace(c.DoneReason)
	if stopReason == "" {
		stopReason = "stop"
	}
	return &Response{
		Content:          content,
		StopReason:       stopReason,
		Model:            c.Model,
		PromptTokens:     c.PromptEvalCount,
		CompletionTokens: c.EvalCount,
	}
}
