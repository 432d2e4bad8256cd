package types

import "time"

// ToolCall is one tool invocation request recovered from model output.
type ToolCall struct {
	Name      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of executing a ToolCall. Failures are data, not
// errors: they flow back to the model as observations.
type ToolResult struct {
	ToolName string        `json:"toolName"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Observation renders the result the way it is shown to the model.
func (r ToolResult) Observation() string {
	if r.Success {
		return r.Output
	}
	if r.Error == "" {
		return "tool failed with no output"
	}
	return "error: " + r.Error
}

// ReActStep is one audit-trail entry of an agentic turn. Thought and
// Observation are truncated snapshots, not full transcripts.
type ReActStep struct {
	Iteration   int            `json:"iteration"`
	State       string         `json:"state"`
	Thought     string         `json:"thought,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Observation string         `json:"observation,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
