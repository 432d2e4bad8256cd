package orchestrator

import (
	"context"
	"strings"
	"time"

	"loom/internal/llm"
	"loom/internal/observability"
	"loom/pkg/types"
)

// finalizeCompleted writes the successful terminal state.
func (o *Orchestrator) finalizeCompleted(conversationID string, agentMsg *types.Message, live *liveTurn, startedAt time.Time, content string, toolsUsed []string, steps []types.ReActStep) {
	if content == "" {
		content = thinkingPlaceholder
	}
	meta := o.baseMetadata(live, startedAt)
	meta.Completed = true
	meta.ToolsUsed = toolsUsed
	meta.Steps = steps
	o.finalize(conversationID, agentMsg, live, content, meta, observability.OutcomeCompleted)
}

// finalizeStopped runs on the registry's cancel callback. The turn goroutine
// lost the End race, so this is the only terminal write for the message.
func (o *Orchestrator) finalizeStopped(conversationID string, agentMsg *types.Message, live *liveTurn, startedAt time.Time, cause error) {
	content, _, _, _ := live.snapshot()
	if content == "" {
		content = thinkingPlaceholder
	}
	now := time.Now()
	meta := o.baseMetadata(live, startedAt)
	meta.Stopped = true
	meta.StoppedAt = &now
	o.logger.Info("generation %s stopped: %v", agentMsg.ID, cause)
	o.finalize(conversationID, agentMsg, live, content, meta, observability.OutcomeStopped)
}

// finalizeFallback answers with the labeled offline message. The turn counts
// as completed: the user got a definitive answer, just a degraded one.
func (o *Orchestrator) finalizeFallback(conversationID string, agentMsg *types.Message, live *liveTurn, startedAt time.Time) {
	meta := o.baseMetadata(live, startedAt)
	meta.Completed = true
	o.finalize(conversationID, agentMsg, live, backendUnavailableMessage, meta, observability.OutcomeFallback)
}

// finalizePartial keeps whatever streamed before the failure and appends the
// interruption note. Not completed, not stopped: the turn failed.
func (o *Orchestrator) finalizePartial(conversationID string, agentMsg *types.Message, live *liveTurn, startedAt time.Time, partial string) {
	if partial == "" {
		partial, _, _, _ = live.snapshot()
	}
	content := partial
	if content == thinkingPlaceholder || strings.TrimSpace(content) == "" {
		content = "The model stopped responding before producing any output."
	} else {
		content += interruptedNote
	}
	meta := o.baseMetadata(live, startedAt)
	o.finalize(conversationID, agentMsg, live, content, meta, observability.OutcomeFailed)
}

// finalizeFailure replaces the content with a short failure note.
func (o *Orchestrator) finalizeFailure(conversationID string, agentMsg *types.Message, live *liveTurn, startedAt time.Time, reason string) {
	meta := o.baseMetadata(live, startedAt)
	o.finalize(conversationID, agentMsg, live, "[error] "+reason, meta, observability.OutcomeFailed)
}

// finalize is the single exit point every turn goes through. It writes the
// terminal state synchronously, detached from any request or generation
// context so cancellation cannot leave the message streaming forever.
func (o *Orchestrator) finalize(conversationID string, agentMsg *types.Message, live *liveTurn, content string, meta types.MessageMetadata, outcome string) {
	meta.Streaming = false
	ctx := context.Background()
	o.coalescer.Finalize(ctx, agentMsg.ID, content, meta)

	snapshot := *agentMsg
	snapshot.Content = content
	snapshot.Metadata = meta
	o.notifier.MessageUpdated(conversationID, &snapshot)

	if o.metrics != nil {
		_, _, _, mode := live.snapshot()
		if mode == "" {
			mode = observability.ModeSingleShot
		}
		o.metrics.GenerationFinished(ctx, mode, outcome, time.Duration(meta.ResponseTimeMs)*time.Millisecond)
	}
}

// baseMetadata carries the fields common to every terminal write.
func (o *Orchestrator) baseMetadata(live *liveTurn, startedAt time.Time) types.MessageMetadata {
	_, actualModel, substituted, _ := live.snapshot()
	meta := types.MessageMetadata{
		Model:          o.opts.Model,
		ResponseTimeMs: time.Since(startedAt).Milliseconds(),
	}
	if substituted {
		meta.ActualModel = actualModel
	}
	return meta
}

func containsAny(content string, keywords []string) bool {
	if content == "" {
		return false
	}
	lowered := strings.ToLower(content)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// lastUserContent finds the newest user message in a model transcript.
func lastUserContent(transcript []llm.Message) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == types.RoleUser {
			return transcript[i].Content
		}
	}
	return ""
}
