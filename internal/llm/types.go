package llm

import "errors"

// ErrBackendUnavailable marks transport-level failures talking to the model
// backend. The orchestrator turns it into a labeled fallback message.
var ErrBackendUnavailable = errors.New("llm backend unavailable")

// Message is one transcript entry sent to the backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one chat completion.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	TopP        float64
	MaxTokens   int
	Stop        []string
}

// Response is the finalized completion.
type Response struct {
	Content          string
	StopReason       string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Frame is one streamed event, normalized across the two wire shapes the
// backend may speak: NDJSON lines with the delta nested under message, and
// SSE data: frames carrying the same fields at top level.
type Frame struct {
	Content    string
	Done       bool
	DoneReason string
	Model      string
}
