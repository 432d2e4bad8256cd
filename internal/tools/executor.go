// Package tools executes the tool calls the agent loop recovers from model
// output. Executors form a decorator chain (approval gate, result cache,
// then the actual runner) and report failures as data: a failed execution is
// an observation for the model, never an error that aborts the turn.
package tools

import (
	"context"
	"errors"

	"loom/pkg/types"
)

// ErrUnknownTool reports a call naming a tool nothing registered.
var ErrUnknownTool = errors.New("unknown tool")

// Executor runs one tool call to completion.
type Executor interface {
	Execute(ctx context.Context, call types.ToolCall) types.ToolResult
	Names() []string
}

// failure builds the ToolResult for an execution error.
func failure(call types.ToolCall, err error) types.ToolResult {
	return types.ToolResult{ToolName: call.Name, Success: false, Error: err.Error()}
}
