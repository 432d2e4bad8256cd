package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/llm"
	"loom/pkg/types"
)

// scriptedModel returns canned responses in order; the last one repeats
// forever. It records every request it saw.
type scriptedModel struct {
	responses []string
	requests  []llm.Request
	err       error
}

func (m *scriptedModel) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	idx := len(m.requests) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return &llm.Response{Content: m.responses[idx], Model: "llama3:8b", StopReason: "stop"}, nil
}

func (m *scriptedModel) Stream(context.Context, llm.Request, func(llm.Frame) error) (*llm.Response, error) {
	return nil, errors.New("not used")
}

func (m *scriptedModel) Models(context.Context) ([]string, error) { return nil, nil }

// recordingExecutor maps tool names to outputs and records calls.
type recordingExecutor struct {
	outputs map[string]string
	calls   []types.ToolCall
}

func (e *recordingExecutor) Execute(_ context.Context, call types.ToolCall) types.ToolResult {
	e.calls = append(e.calls, call)
	out, ok := e.outputs[call.Name]
	if !ok {
		return types.ToolResult{ToolName: call.Name, Success: false, Error: "unknown tool"}
	}
	return types.ToolResult{ToolName: call.Name, Success: true, Output: out}
}

func (e *recordingExecutor) Names() []string {
	names := make([]string, 0, len(e.outputs))
	for n := range e.outputs {
		names = append(names, n)
	}
	return names
}

func baseRequest() llm.Request {
	return llm.Request{
		Model: "llama3:8b",
		Messages: []llm.Message{
			{Role: "system", Content: SystemPrompt("- read_file: reads a file")},
			{Role: "user", Content: "what does go.mod say?"},
		},
	}
}

func TestRunAnswersDirectlyWithoutTools(t *testing.T) {
	model := &scriptedModel{responses: []string{"The answer is 42."}}
	exec := &recordingExecutor{outputs: map[string]string{}}
	c := NewController(model, exec, Options{}, nil)

	outcome, err := c.Run(context.Background(), baseRequest(), 4)
	require.NoError(t, err)
	assert.Equal(t, StateAnswered, outcome.State)
	assert.Equal(t, "The answer is 42.", outcome.Answer)
	assert.Equal(t, 1, outcome.Iterations)
	assert.Empty(t, outcome.ToolsUsed)
	assert.Empty(t, exec.calls)
}

func TestRunExecutesToolThenAnswers(t *testing.T) {
	model := &scriptedModel{responses: []string{
		"Let me look that up.\nTOOL_CALL: {\"tool\": \"read_file\", \"arguments\": {\"path\": \"go.mod\"}}",
		"go.mod declares module loom.",
	}}
	exec := &recordingExecutor{outputs: map[string]string{"read_file": "module loom"}}
	c := NewController(model, exec, Options{}, nil)

	outcome, err := c.Run(context.Background(), baseRequest(), 4)
	require.NoError(t, err)
	assert.Equal(t, StateAnswered, outcome.State)
	assert.Equal(t, "go.mod declares module loom.", outcome.Answer)
	assert.Equal(t, 2, outcome.Iterations)
	assert.Equal(t, []string{"read_file"}, outcome.ToolsUsed)

	require.Len(t, exec.calls, 1)
	assert.Equal(t, map[string]any{"path": "go.mod"}, exec.calls[0].Arguments)

	// The observation is fed back to the model as a tool-role message.
	require.Len(t, model.requests, 2)
	second := model.requests[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, "[tool: read_file]")
	assert.Contains(t, last.Content, "module loom")
}

func TestRunTerminatesWhenModelAlwaysRequestsSameTool(t *testing.T) {
	// The model never produces a final answer. The loop must execute the
	// tool once, suppress every repeat, and terminate within the budget.
	model := &scriptedModel{responses: []string{
		"TOOL_CALL: {\"tool\": \"read_file\", \"arguments\": {\"path\": \"go.mod\"}}",
	}}
	exec := &recordingExecutor{outputs: map[string]string{"read_file": "module loom"}}
	c := NewController(model, exec, Options{}, nil)

	maxIterations := 4
	outcome, err := c.Run(context.Background(), baseRequest(), maxIterations)
	require.NoError(t, err)

	assert.Equal(t, StateMaxIterations, outcome.State)
	assert.Contains(t, outcome.Answer, "ran out of reasoning steps")
	assert.Contains(t, outcome.Answer, "read_file", "the fallback names the tools that were attempted")
	assert.LessOrEqual(t, len(model.requests), maxIterations+1, "total model calls are bounded")
	assert.Len(t, exec.calls, 1, "the repeated call runs exactly once")
	assert.Equal(t, []string{"read_file"}, outcome.ToolsUsed)
}

func TestRunInjectsLoopBreakerOnRepeatedCall(t *testing.T) {
	model := &scriptedModel{responses: []string{
		"TOOL_CALL: {\"tool\": \"read_file\", \"arguments\": {\"path\": \"go.mod\"}}",
		"TOOL_CALL: {\"tool\": \"read_file\", \"arguments\": {\"path\": \"go.mod\"}}",
		"Fine, the file says module loom.",
	}}
	exec := &recordingExecutor{outputs: map[string]string{"read_file": "module loom"}}
	c := NewController(model, exec, Options{}, nil)

	outcome, err := c.Run(context.Background(), baseRequest(), 6)
	require.NoError(t, err)
	assert.Equal(t, StateAnswered, outcome.State)
	assert.Len(t, exec.calls, 1)

	// The third request must carry the injected instruction.
	require.Len(t, model.requests, 3)
	third := model.requests[2].Messages
	last := third[len(third)-1]
	assert.Equal(t, "system", last.Role)
	assert.Contains(t, last.Content, "No more tool calls are permitted")
}

func TestRunDistinguishesCallsByArguments(t *testing.T) {
	// Same tool, different arguments: both execute.
	model := &scriptedModel{responses: []string{
		"TOOL_CALL: {\"tool\": \"read_file\", \"arguments\": {\"path\": \"a.txt\"}}",
		"TOOL_CALL: {\"tool\": \"read_file\", \"arguments\": {\"path\": \"b.txt\"}}",
		"Both files read.",
	}}
	exec := &recordingExecutor{outputs: map[string]string{"read_file": "contents"}}
	c := NewController(model, exec, Options{}, nil)

	outcome, err := c.Run(context.Background(), baseRequest(), 6)
	require.NoError(t, err)
	assert.Len(t, exec.calls, 2)
	assert.Equal(t, []string{"read_file"}, outcome.ToolsUsed, "tool names are distinct")
}

func TestRunToolFailureFlowsBackAsObservation(t *testing.T) {
	model := &scriptedModel{responses: []string{
		"TOOL_CALL: {\"tool\": \"broken\", \"arguments\": {}}",
		"The tool failed, so I cannot say.",
	}}
	exec := &recordingExecutor{outputs: map[string]string{}}
	c := NewController(model, exec, Options{}, nil)

	outcome, err := c.Run(context.Background(), baseRequest(), 4)
	require.NoError(t, err, "tool failure must not fail the turn")
	assert.Equal(t, StateAnswered, outcome.State)

	second := model.requests[1].Messages
	last := second[len(second)-1]
	assert.Contains(t, last.Content, "error: unknown tool")
}

func TestRunModelErrorFailsTheTurn(t *testing.T) {
	model := &scriptedModel{err: llm.ErrBackendUnavailable}
	c := NewController(model, &recordingExecutor{}, Options{}, nil)

	outcome, err := c.Run(context.Background(), baseRequest(), 4)
	require.ErrorIs(t, err, llm.ErrBackendUnavailable)
	require.NotEmpty(t, outcome.Steps)
	assert.Equal(t, StateFailed, outcome.Steps[len(outcome.Steps)-1].State)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	model := &scriptedModel{responses: []string{
		"TOOL_CALL: {\"tool\": \"read_file\", \"arguments\": {\"path\": \"a\"}}",
	}}
	exec := &recordingExecutor{outputs: map[string]string{"read_file": "x"}}
	c := NewController(model, exec, Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Run(ctx, baseRequest(), 4)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, model.requests, "no model call after cancellation")
}

func TestRunRecordsAuditTrail(t *testing.T) {
	model := &scriptedModel{responses: []string{
		"Checking.\nTOOL_CALL: {\"tool\": \"read_file\", \"arguments\": {\"path\": \"go.mod\"}}",
		"Done: module loom.",
	}}
	exec := &recordingExecutor{outputs: map[string]string{"read_file": "module loom"}}
	var audited []types.ToolCall
	c := NewController(model, exec, Options{
		OnToolExecution: func(call types.ToolCall, _ types.ToolResult) { audited = append(audited, call) },
	}, nil)

	outcome, err := c.Run(context.Background(), baseRequest(), 4)
	require.NoError(t, err)

	require.Len(t, outcome.Steps, 3)
	assert.Equal(t, StateToolRequested, outcome.Steps[0].State)
	assert.Equal(t, "read_file", outcome.Steps[0].Tool)
	assert.Equal(t, "Checking.", outcome.Steps[0].Thought)
	assert.Equal(t, StateObserving, outcome.Steps[1].State)
	assert.Equal(t, "module loom", outcome.Steps[1].Observation)
	assert.Equal(t, StateAnswered, outcome.Steps[2].State)
	assert.Equal(t, 1, outcome.Steps[0].Iteration)
	assert.Equal(t, 2, outcome.Steps[2].Iteration)

	require.Len(t, audited, 1)
	assert.Equal(t, "read_file", audited[0].Name)
}

func TestRunTruncatesTrailSnapshots(t *testing.T) {
	long := strings.Repeat("x", 2000)
	model := &scriptedModel{responses: []string{long}}
	c := NewController(model, &recordingExecutor{}, Options{}, nil)

	outcome, err := c.Run(context.Background(), baseRequest(), 2)
	require.NoError(t, err)
	assert.Equal(t, long, outcome.Answer, "the answer itself is never truncated")
	require.Len(t, outcome.Steps, 1)
	assert.Less(t, len(outcome.Steps[0].Thought), 600)
}

func TestSystemPromptTeachesProtocol(t *testing.T) {
	p := SystemPrompt("- read_file: reads a file")
	assert.Contains(t, p, "TOOL_CALL:")
	assert.Contains(t, p, "read_file")
	assert.Contains(t, p, "final answer")
}
