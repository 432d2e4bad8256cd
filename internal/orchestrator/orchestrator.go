// Package orchestrator owns the message lifecycle of a turn: persist the
// user message, create the agent placeholder, pick single-shot streaming or
// the agent loop, and guarantee the placeholder always reaches a terminal
// state no matter how the turn ends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"loom/internal/agent"
	"loom/internal/async"
	"loom/internal/generation"
	"loom/internal/ids"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/notify"
	"loom/internal/observability"
	"loom/internal/store"
	"loom/internal/stream"
	"loom/pkg/types"
)

// thinkingPlaceholder is the agent message content while nothing has
// streamed yet.
const thinkingPlaceholder = "…"

// backendUnavailableMessage is the labeled degraded-mode answer written when
// the model backend cannot be reached at all.
const backendUnavailableMessage = "[offline] The model backend is not reachable right now. " +
	"Your message was saved; send it again once the backend is back."

// interruptedNote is appended to partial content when a stream dies
// mid-generation.
const interruptedNote = "\n\n[generation interrupted: the model stopped responding]"

// Options carries the per-turn knobs the orchestrator needs.
type Options struct {
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int

	// ChatMaxIterations bounds agent loops in plain conversations,
	// WorkspaceMaxIterations in project-bound ones.
	ChatMaxIterations      int
	WorkspaceMaxIterations int

	// AgenticKeywords route a chat message into the agent loop when any of
	// them appears in it.
	AgenticKeywords []string

	// ToolPalette is the human-readable tool list injected into system
	// prompts.
	ToolPalette string
}

// Turn is what Respond hands back immediately: the persisted user message
// and the streaming placeholder that will become the answer.
type Turn struct {
	UserMessage  *types.Message `json:"userMessage"`
	AgentMessage *types.Message `json:"agentMessage"`
}

// Orchestrator composes the generation pipeline. One instance serves all
// conversations.
type Orchestrator struct {
	store      store.Store
	coalescer  *store.Coalescer
	health     *llm.HealthCache
	ingestor   *stream.Ingestor
	controller *agent.Controller
	registry   *generation.Registry
	notifier   notify.Notifier
	metrics    *observability.Collector
	tracer     *observability.TracerProvider
	opts       Options
	logger     logging.Logger
}

// New wires an Orchestrator. notifier, metrics, and tracer may be nil.
func New(
	st store.Store,
	coalescer *store.Coalescer,
	health *llm.HealthCache,
	ingestor *stream.Ingestor,
	controller *agent.Controller,
	registry *generation.Registry,
	notifier notify.Notifier,
	metrics *observability.Collector,
	tracer *observability.TracerProvider,
	opts Options,
	logger logging.Logger,
) *Orchestrator {
	if notifier == nil {
		notifier = notify.Nop()
	}
	if opts.ChatMaxIterations <= 0 {
		opts.ChatMaxIterations = 4
	}
	if opts.WorkspaceMaxIterations <= 0 {
		opts.WorkspaceMaxIterations = 10
	}
	return &Orchestrator{
		store:      st,
		coalescer:  coalescer,
		health:     health,
		ingestor:   ingestor,
		controller: controller,
		registry:   registry,
		notifier:   notifier,
		metrics:    metrics,
		tracer:     tracer,
		opts:       opts,
		logger:     logging.OrNop(logger),
	}
}

// liveTurn is the state shared between the running turn and a concurrent
// Stop: the newest content already shown to clients plus the resolved model.
type liveTurn struct {
	mu          sync.Mutex
	content     string
	actualModel string
	substituted bool
	mode        string
}

func (l *liveTurn) setContent(content string) {
	l.mu.Lock()
	l.content = content
	l.mu.Unlock()
}

func (l *liveTurn) snapshot() (string, string, bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.content, l.actualModel, l.substituted, l.mode
}

func (l *liveTurn) setModel(actual string, substituted bool) {
	l.mu.Lock()
	l.actualModel = actual
	l.substituted = substituted
	l.mu.Unlock()
}

func (l *liveTurn) setMode(mode string) {
	l.mu.Lock()
	l.mode = mode
	l.mu.Unlock()
}

// Respond persists the user message, creates the streaming placeholder, and
// starts the generation in the background. It returns as soon as both
// messages exist; progress flows through the notifier.
func (o *Orchestrator) Respond(ctx context.Context, conversationID, content string) (*Turn, error) {
	if content == "" {
		return nil, errors.New("empty message")
	}
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	userMsg := &types.Message{
		ID:             ids.NewMessageID(),
		ConversationID: conv.ID,
		Role:           types.RoleUser,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := o.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	agentMsg := &types.Message{
		ID:             ids.NewMessageID(),
		ConversationID: conv.ID,
		Role:           types.RoleAgent,
		Content:        thinkingPlaceholder,
		Metadata:       types.MessageMetadata{Streaming: true, Model: o.opts.Model},
		CreatedAt:      time.Now(),
	}
	if err := o.store.AppendMessage(ctx, agentMsg); err != nil {
		return nil, fmt.Errorf("persist agent placeholder: %w", err)
	}

	live := &liveTurn{content: thinkingPlaceholder}
	startedAt := time.Now()

	genCtx, err := o.registry.Begin(ctx, agentMsg.ID, func(cause error) {
		o.finalizeStopped(conv.ID, agentMsg, live, startedAt, cause)
	})
	if err != nil {
		// Fresh ids should never collide; still, the placeholder must not
		// stay streaming forever if registration fails.
		o.finalizeFailure(conv.ID, agentMsg, live, startedAt, "could not start the generation")
		return nil, fmt.Errorf("register generation: %w", err)
	}

	o.notifier.MessageUpdated(conv.ID, userMsg)
	o.notifier.MessageUpdated(conv.ID, agentMsg)
	if o.metrics != nil {
		o.metrics.GenerationStarted(ctx)
	}

	async.Go(o.logger, "turn-"+agentMsg.ID, func() {
		o.runTurn(genCtx, conv, agentMsg, live, startedAt)
	})

	return &Turn{UserMessage: userMsg, AgentMessage: agentMsg}, nil
}

// Stop cancels the generation producing messageID. Idempotent: stopping a
// finished or unknown generation reports false and does nothing.
func (o *Orchestrator) Stop(messageID string) bool {
	return o.registry.Cancel(messageID, generation.ErrStopped)
}

// runTurn executes the generation under the registry's context and
// guarantees a terminal write on every path out.
func (o *Orchestrator) runTurn(ctx context.Context, conv *types.Conversation, agentMsg *types.Message, live *liveTurn, startedAt time.Time) {
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanRespond,
		attribute.String(observability.AttrConversationID, conv.ID),
		attribute.String(observability.AttrMessageID, agentMsg.ID),
		attribute.String(observability.AttrModel, o.opts.Model),
	)
	defer span.End()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		o.logger.Error("turn for %s panicked: %v\n%s", agentMsg.ID, r, debug.Stack())
		if o.registry.End(agentMsg.ID) {
			o.finalizeFailure(conv.ID, agentMsg, live, startedAt, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if !o.health.IsAvailable(ctx) {
		o.logger.Warn("backend unavailable, answering %s with fallback", agentMsg.ID)
		if o.registry.End(agentMsg.ID) {
			o.finalizeFallback(conv.ID, agentMsg, live, startedAt)
		}
		return
	}

	actualModel, substituted := o.health.ResolveModel(ctx, o.opts.Model)
	live.setModel(actualModel, substituted)

	transcript, err := o.transcript(ctx, conv.ID, agentMsg.ID)
	if err != nil {
		o.logger.Error("loading transcript for %s failed: %v", agentMsg.ID, err)
		if o.registry.End(agentMsg.ID) {
			o.finalizeFailure(conv.ID, agentMsg, live, startedAt, "could not load the conversation history")
		}
		return
	}

	req := llm.Request{
		Model:       actualModel,
		Messages:    transcript,
		Temperature: o.opts.Temperature,
		TopP:        o.opts.TopP,
		MaxTokens:   o.opts.MaxTokens,
	}

	var (
		finalContent string
		toolsUsed    []string
		steps        []types.ReActStep
		runErr       error
	)
	mode, budget := o.classify(conv, lastUserContent(transcript))
	live.setMode(mode)
	span.SetAttributes(attribute.String(observability.AttrMode, mode))
	if mode == observability.ModeReact {
		finalContent, toolsUsed, steps, runErr = o.runAgentLoop(ctx, conv, agentMsg, live, req, budget)
	} else {
		finalContent, toolsUsed, runErr = o.runSingleShot(ctx, conv, agentMsg, live, req)
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}

	// Whoever removes the registry entry owns finalization; losing the race
	// means a Stop already wrote the terminal state.
	if !o.registry.End(agentMsg.ID) {
		return
	}

	switch {
	case runErr == nil:
		o.finalizeCompleted(conv.ID, agentMsg, live, startedAt, finalContent, toolsUsed, steps)
	case errors.Is(runErr, llm.ErrBackendUnavailable):
		o.logger.Warn("backend dropped out mid-turn for %s: %v", agentMsg.ID, runErr)
		o.finalizeFallback(conv.ID, agentMsg, live, startedAt)
	case errors.Is(runErr, stream.ErrStreamTimeout):
		o.logger.Error("stream for %s timed out: %v", agentMsg.ID, runErr)
		o.finalizePartial(conv.ID, agentMsg, live, startedAt, finalContent)
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		// The registry context expired (generation timeout) without a user
		// stop, otherwise End above would have reported false.
		o.logger.Error("generation for %s exceeded its budget: %v", agentMsg.ID, runErr)
		o.finalizePartial(conv.ID, agentMsg, live, startedAt, finalContent)
	default:
		o.logger.Error("turn for %s failed: %v", agentMsg.ID, runErr)
		o.finalizeFailure(conv.ID, agentMsg, live, startedAt, "the generation failed unexpectedly")
	}
}

func (o *Orchestrator) runSingleShot(ctx context.Context, conv *types.Conversation, agentMsg *types.Message, live *liveTurn, req llm.Request) (string, []string, error) {
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanLLMStream,
		attribute.String(observability.AttrModel, req.Model),
	)
	defer span.End()

	result, err := o.ingestor.Ingest(ctx, req, func(content string) {
		o.progress(ctx, conv.ID, agentMsg, live, content)
	})
	content := ""
	var toolsUsed []string
	if result != nil {
		content = result.Content
		if result.ToolUsed != "" {
			toolsUsed = []string{result.ToolUsed}
		}
		if result.Model != "" {
			live.setModel(result.Model, result.Model != o.opts.Model)
		}
	}
	return content, toolsUsed, err
}

func (o *Orchestrator) runAgentLoop(ctx context.Context, conv *types.Conversation, agentMsg *types.Message, live *liveTurn, req llm.Request, budget int) (string, []string, []types.ReActStep, error) {
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanReactLoop,
		attribute.String(observability.AttrModel, req.Model),
	)
	defer span.End()

	outcome, err := o.controller.Run(ctx, req, budget)
	if err != nil {
		var steps []types.ReActStep
		if outcome != nil {
			steps = outcome.Steps
		}
		return "", nil, steps, err
	}
	// The loop does not stream; surface the answer once as a progress
	// update so subscribers see it before the terminal event.
	o.progress(ctx, conv.ID, agentMsg, live, outcome.Answer)
	return outcome.Answer, outcome.ToolsUsed, outcome.Steps, nil
}

// progress pushes one partial-content update: shared state for Stop, the
// coalescer for durability, subscribers for display.
func (o *Orchestrator) progress(ctx context.Context, conversationID string, agentMsg *types.Message, live *liveTurn, content string) {
	live.setContent(content)
	_, actualModel, substituted, _ := live.snapshot()

	meta := types.MessageMetadata{Streaming: true, Model: o.opts.Model}
	if substituted {
		meta.ActualModel = actualModel
	}
	o.coalescer.Enqueue(ctx, agentMsg.ID, content, meta)

	snapshot := *agentMsg
	snapshot.Content = content
	snapshot.Metadata = meta
	o.notifier.MessageUpdated(conversationID, &snapshot)
	if o.metrics != nil {
		o.metrics.RecordStreamFrame(ctx)
	}
}

// classify picks the turn mode. Project-bound conversations always get the
// agent loop with the long budget; plain chats get it only when the message
// sounds agentic, with the short budget.
func (o *Orchestrator) classify(conv *types.Conversation, content string) (string, int) {
	if conv.ProjectID != "" {
		return observability.ModeReact, o.opts.WorkspaceMaxIterations
	}
	if containsAny(content, o.opts.AgenticKeywords) {
		return observability.ModeReact, o.opts.ChatMaxIterations
	}
	return observability.ModeSingleShot, 0
}

// transcript maps stored history to the model's message shape, skipping the
// placeholder being generated.
func (o *Orchestrator) transcript(ctx context.Context, conversationID, skipID string) ([]llm.Message, error) {
	history, err := o.store.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(history)+1)
	out = append(out, llm.Message{Role: "system", Content: agent.SystemPrompt(o.opts.ToolPalette)})
	for _, msg := range history {
		if msg.ID == skipID {
			continue
		}
		role := msg.Role
		if role == types.RoleAgent {
			role = "assistant"
		}
		out = append(out, llm.Message{Role: role, Content: msg.Content})
	}
	return out, nil
}
