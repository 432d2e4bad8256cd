// Package agent runs the iterative reason-act loop: call the model, extract
// a tool call, execute it, feed the observation back, stop on a final
// answer or when the iteration budget runs out.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/toolcall"
	"loom/internal/tools"
	"loom/pkg/types"
)

// Loop states recorded in the audit trail.
const (
	StateThinking      = "thinking"
	StateToolRequested = "tool_requested"
	StateObserving     = "observing"
	StateAnswered      = "answered"
	StateMaxIterations = "max_iterations_reached"
	StateFailed        = "failed"
)

// ToolExecutionFunc observes each executed tool call, for audit logging.
type ToolExecutionFunc func(call types.ToolCall, result types.ToolResult)

// Outcome is what one loop run produced.
type Outcome struct {
	// Answer is the final text. On MaxIterationsReached it is the fixed
	// fallback message.
	Answer string
	// State is StateAnswered or StateMaxIterations; failures return an
	// error instead.
	State string
	// Steps is the append-only audit trail of every transition.
	Steps []types.ReActStep
	// ToolsUsed lists distinct executed tool names in first-use order.
	ToolsUsed []string
	// Iterations counts model calls made.
	Iterations int
	Model      string
}

// Controller drives reason-act loops. Stateless across runs; one Controller
// serves all conversations.
type Controller struct {
	client   llm.Client
	executor tools.Executor
	onTool   ToolExecutionFunc
	logger   logging.Logger
}

// Options configures a Controller.
type Options struct {
	// OnToolExecution, when set, runs after every tool execution.
	OnToolExecution ToolExecutionFunc
}

// NewController wires the loop's collaborators.
func NewController(client llm.Client, executor tools.Executor, opts Options, logger logging.Logger) *Controller {
	return &Controller{
		client:   client,
		executor: executor,
		onTool:   opts.OnToolExecution,
		logger:   logging.OrNop(logger),
	}
}

// Run executes the loop until a final answer, the iteration budget, or an
// error. req.Messages must already carry the system prompt and history; the
// transcript grows in place as tools run. maxIterations bounds model calls;
// values below one are treated as one.
func (c *Controller) Run(ctx context.Context, req llm.Request, maxIterations int) (*Outcome, error) {
	if maxIterations < 1 {
		maxIterations = 1
	}

	messages := make([]llm.Message, len(req.Messages))
	copy(messages, req.Messages)

	outcome := &Outcome{Model: req.Model}
	seen := make(map[string]bool)
	toolsUsed := make(map[string]bool)

	for iter := 1; iter <= maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			c.appendStep(outcome, iter, types.ReActStep{State: StateFailed, Observation: err.Error()})
			return outcome, err
		}

		iterReq := req
		iterReq.Messages = messages

		c.logger.Debug("loop iteration %d/%d, %d transcript messages", iter, maxIterations, len(messages))
		resp, err := c.client.Complete(ctx, iterReq)
		outcome.Iterations = iter
		if err != nil {
			c.appendStep(outcome, iter, types.ReActStep{State: StateFailed, Observation: err.Error()})
			return outcome, fmt.Errorf("model call failed on iteration %d: %w", iter, err)
		}
		if resp.Model != "" {
			outcome.Model = resp.Model
		}

		call, found := toolcall.Extract(resp.Content)
		if !found {
			outcome.Answer = resp.Content
			outcome.State = StateAnswered
			c.appendStep(outcome, iter, types.ReActStep{State: StateAnswered, Thought: resp.Content})
			return outcome, nil
		}

		thought := strings.TrimSpace(toolcall.Strip(resp.Content))
		signature := toolcall.Signature(call.Name, call.Arguments)

		if seen[signature] {
			// The model is looping. Suppress the call and demand an answer
			// instead of executing the same thing again.
			c.logger.Warn("repeated tool call %s on iteration %d, injecting loop breaker", call.Name, iter)
			c.appendStep(outcome, iter, types.ReActStep{
				State:       StateObserving,
				Thought:     thought,
				Tool:        call.Name,
				Arguments:   call.Arguments,
				Observation: "repeated call suppressed; a final answer was demanded",
			})
			messages = append(messages,
				llm.Message{Role: "assistant", Content: resp.Content},
				llm.Message{Role: "system", Content: loopBreakerPrompt},
			)
			continue
		}
		seen[signature] = true

		c.appendStep(outcome, iter, types.ReActStep{
			State:     StateToolRequested,
			Thought:   thought,
			Tool:      call.Name,
			Arguments: call.Arguments,
		})

		result := c.executor.Execute(ctx, *call)
		if !toolsUsed[call.Name] {
			toolsUsed[call.Name] = true
			outcome.ToolsUsed = append(outcome.ToolsUsed, call.Name)
		}
		if c.onTool != nil {
			c.onTool(*call, result)
		}

		observation := result.Observation()
		c.appendStep(outcome, iter, types.ReActStep{
			State:       StateObserving,
			Tool:        call.Name,
			Observation: observation,
		})

		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "tool", Content: observationContent(call.Name, observation)},
		)
	}

	c.logger.Warn("iteration budget of %d spent without a final answer", maxIterations)
	outcome.Answer = fallbackAnswer(outcome.ToolsUsed)
	outcome.State = StateMaxIterations
	c.appendStep(outcome, maxIterations, types.ReActStep{State: StateMaxIterations, Thought: outcome.Answer})
	return outcome, nil
}

// maxTrailText caps Thought and Observation snapshots in the audit trail;
// the full text lives in the transcript, not the metadata.
const maxTrailText = 500

func (c *Controller) appendStep(outcome *Outcome, iteration int, step types.ReActStep) {
	step.Iteration = iteration
	step.Timestamp = time.Now()
	step.Thought = trail(step.Thought)
	step.Observation = trail(step.Observation)
	outcome.Steps = append(outcome.Steps, step)
}

func trail(s string) string {
	if len(s) <= maxTrailText {
		return s
	}
	return s[:maxTrailText] + "..."
}
