package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/agent"
	"loom/internal/generation"
	"loom/internal/llm"
	"loom/internal/notify"
	"loom/internal/store"
	"loom/internal/stream"
	"loom/pkg/types"
)

// fakeBackend scripts the model side. Stream replays frames with optional
// per-frame pauses, Complete replays responses in order (the last repeats),
// Models reports the installed list.
type fakeBackend struct {
	mu          sync.Mutex
	models      []string
	modelsErr   error
	frames      []llm.Frame
	frameDelay  map[int]time.Duration
	streamErr   error
	responses   []llm.Response
	completeErr error

	streamCalls   int
	completeCalls int
	completeIdx   int
}

func (f *fakeBackend) Models(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modelsErr != nil {
		return nil, f.modelsErr
	}
	return append([]string(nil), f.models...), nil
}

func (f *fakeBackend) Stream(ctx context.Context, _ llm.Request, onFrame func(llm.Frame) error) (*llm.Response, error) {
	f.mu.Lock()
	f.streamCalls++
	frames := f.frames
	delays := f.frameDelay
	errOut := f.streamErr
	f.mu.Unlock()

	for i, frame := range frames {
		if d := delays[i]; d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := onFrame(frame); err != nil {
			return nil, err
		}
	}
	return nil, errOut
}

func (f *fakeBackend) Complete(context.Context, llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	if len(f.responses) == 0 {
		return &llm.Response{Content: "done"}, nil
	}
	idx := f.completeIdx
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.completeIdx++
	resp := f.responses[idx]
	return &resp, nil
}

func (f *fakeBackend) calls() (streams, completes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamCalls, f.completeCalls
}

type recordingExecutor struct {
	mu      sync.Mutex
	outputs map[string]string
	called  []string
}

func (r *recordingExecutor) Execute(_ context.Context, call types.ToolCall) types.ToolResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.called = append(r.called, call.Name)
	out, ok := r.outputs[call.Name]
	if !ok {
		return types.ToolResult{ToolName: call.Name, Success: false, Error: "unknown tool"}
	}
	return types.ToolResult{ToolName: call.Name, Success: true, Output: out}
}

func (r *recordingExecutor) Names() []string { return []string{"read_file"} }

// updateLog captures notifier traffic for assertions.
type updateLog struct {
	mu      sync.Mutex
	entries []types.Message
}

func (u *updateLog) add(_ string, msg *types.Message) {
	u.mu.Lock()
	u.entries = append(u.entries, *msg)
	u.mu.Unlock()
}

func (u *updateLog) contentSeen(messageID, content string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, e := range u.entries {
		if e.ID == messageID && e.Content == content {
			return true
		}
	}
	return false
}

type rig struct {
	orch    *Orchestrator
	store   *store.MemoryStore
	backend *fakeBackend
	updates *updateLog
}

func newRig(t *testing.T, backend *fakeBackend, opts Options, streamOpts stream.Options) *rig {
	t.Helper()
	if backend.models == nil && backend.modelsErr == nil {
		backend.models = []string{"test-model"}
	}
	if opts.Model == "" {
		opts.Model = "test-model"
	}

	st := store.NewMemoryStore()
	coal := store.NewCoalescer(st, store.CoalescerOptions{Interval: 5 * time.Millisecond}, nil)
	health := llm.NewHealthCache(backend, llm.HealthOptions{
		ProbeTimeout: 200 * time.Millisecond,
		SuccessTTL:   time.Minute,
		FailureTTL:   time.Minute,
	}, nil)
	exec := &recordingExecutor{outputs: map[string]string{"read_file": "module loom"}}
	ingestor := stream.NewIngestor(backend, exec, streamOpts, nil)
	controller := agent.NewController(backend, exec, agent.Options{}, nil)
	registry := generation.NewRegistry(0, nil)
	updates := &updateLog{}

	orch := New(st, coal, health, ingestor, controller, registry, notify.Func(updates.add), nil, nil, opts, nil)
	return &rig{orch: orch, store: st, backend: backend, updates: updates}
}

func (r *rig) conversation(t *testing.T, projectID string) *types.Conversation {
	t.Helper()
	conv, err := r.store.CreateConversation(context.Background(), "user-1", projectID)
	require.NoError(t, err)
	return conv
}

// settled polls until the agent message left the streaming state and
// returns its persisted form.
func (r *rig) settled(t *testing.T, conversationID, messageID string) types.Message {
	t.Helper()
	var out types.Message
	require.Eventually(t, func() bool {
		msgs, err := r.store.Messages(context.Background(), conversationID)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.ID == messageID && !m.Metadata.Streaming {
				out = m
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "agent message never reached a terminal state")
	return out
}

func TestRespondStreamsAndCompletes(t *testing.T) {
	backend := &fakeBackend{
		frames: []llm.Frame{
			{Content: "Hel"},
			{Content: "lo!"},
			{Done: true, DoneReason: "stop", Model: "test-model"},
		},
	}
	r := newRig(t, backend, Options{}, stream.Options{})
	conv := r.conversation(t, "")

	turn, err := r.orch.Respond(context.Background(), conv.ID, "hi there")
	require.NoError(t, err)
	require.NotNil(t, turn.UserMessage)
	require.NotNil(t, turn.AgentMessage)

	assert.Equal(t, types.RoleUser, turn.UserMessage.Role)
	assert.Equal(t, "hi there", turn.UserMessage.Content)
	assert.Equal(t, types.RoleAgent, turn.AgentMessage.Role)
	assert.True(t, turn.AgentMessage.Metadata.Streaming)

	final := r.settled(t, conv.ID, turn.AgentMessage.ID)
	assert.Equal(t, "Hello!", final.Content)
	assert.True(t, final.Metadata.Completed)
	assert.False(t, final.Metadata.Stopped)
	assert.True(t, final.Metadata.Terminal())
	assert.Equal(t, "test-model", final.Metadata.Model)
	assert.Empty(t, final.Metadata.ActualModel)
	assert.GreaterOrEqual(t, final.Metadata.ResponseTimeMs, int64(0))

	msgs, err := r.store.Messages(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestRespondRejectsEmptyMessage(t *testing.T) {
	r := newRig(t, &fakeBackend{}, Options{}, stream.Options{})
	conv := r.conversation(t, "")

	_, err := r.orch.Respond(context.Background(), conv.ID, "")
	require.Error(t, err)
}

func TestRespondUnknownConversation(t *testing.T) {
	r := newRig(t, &fakeBackend{}, Options{}, stream.Options{})

	_, err := r.orch.Respond(context.Background(), "conv_missing", "hi")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFallbackWhenBackendDown(t *testing.T) {
	backend := &fakeBackend{modelsErr: errors.New("connection refused")}
	r := newRig(t, backend, Options{}, stream.Options{})
	conv := r.conversation(t, "")

	turn, err := r.orch.Respond(context.Background(), conv.ID, "hi")
	require.NoError(t, err)

	final := r.settled(t, conv.ID, turn.AgentMessage.ID)
	assert.Contains(t, final.Content, "[offline]")
	assert.True(t, final.Metadata.Completed)
	assert.True(t, final.Metadata.Terminal())

	streams, completes := backend.calls()
	assert.Zero(t, streams)
	assert.Zero(t, completes)
}

func TestStopMidStream(t *testing.T) {
	backend := &fakeBackend{
		frames: []llm.Frame{
			{Content: "Hello"},
			{Content: " never delivered"},
			{Done: true},
		},
		frameDelay: map[int]time.Duration{1: 2 * time.Second},
	}
	r := newRig(t, backend, Options{}, stream.Options{})
	conv := r.conversation(t, "")

	turn, err := r.orch.Respond(context.Background(), conv.ID, "hi")
	require.NoError(t, err)
	agentID := turn.AgentMessage.ID

	require.Eventually(t, func() bool {
		return r.updates.contentSeen(agentID, "Hello")
	}, 2*time.Second, 5*time.Millisecond, "first frame never surfaced")

	assert.True(t, r.orch.Stop(agentID))

	final := r.settled(t, conv.ID, agentID)
	assert.Equal(t, "Hello", final.Content)
	assert.True(t, final.Metadata.Stopped)
	require.NotNil(t, final.Metadata.StoppedAt)
	assert.False(t, final.Metadata.Completed)
	assert.True(t, final.Metadata.Terminal())

	// The losing turn goroutine must not overwrite the stop state.
	time.Sleep(50 * time.Millisecond)
	again := r.settled(t, conv.ID, agentID)
	assert.True(t, again.Metadata.Stopped)
	assert.Equal(t, "Hello", again.Content)

	assert.False(t, r.orch.Stop(agentID), "second stop should find nothing to cancel")
}

func TestStopUnknownGeneration(t *testing.T) {
	r := newRig(t, &fakeBackend{}, Options{}, stream.Options{})
	assert.False(t, r.orch.Stop("msg_missing"))
}

func TestStreamTimeoutKeepsPartial(t *testing.T) {
	backend := &fakeBackend{
		frames: []llm.Frame{
			{Content: "partial answer"},
			{Content: " more"},
			{Done: true},
		},
		frameDelay: map[int]time.Duration{1: time.Second},
	}
	r := newRig(t, backend, Options{}, stream.Options{IdleTimeout: 50 * time.Millisecond})
	conv := r.conversation(t, "")

	turn, err := r.orch.Respond(context.Background(), conv.ID, "hi")
	require.NoError(t, err)

	final := r.settled(t, conv.ID, turn.AgentMessage.ID)
	assert.Contains(t, final.Content, "partial answer")
	assert.Contains(t, final.Content, "interrupted")
	assert.False(t, final.Metadata.Completed)
	assert.False(t, final.Metadata.Stopped)
	assert.False(t, final.Metadata.Streaming)
}

func TestMidStreamBackendErrorFallsBack(t *testing.T) {
	backend := &fakeBackend{
		frames:    []llm.Frame{{Content: "x"}},
		streamErr: llm.ErrBackendUnavailable,
	}
	r := newRig(t, backend, Options{}, stream.Options{})
	conv := r.conversation(t, "")

	turn, err := r.orch.Respond(context.Background(), conv.ID, "hi")
	require.NoError(t, err)

	final := r.settled(t, conv.ID, turn.AgentMessage.ID)
	assert.Contains(t, final.Content, "[offline]")
	assert.True(t, final.Metadata.Completed)
}

func TestProjectConversationRunsAgentLoop(t *testing.T) {
	backend := &fakeBackend{
		responses: []llm.Response{
			{Content: `TOOL_CALL: {"tool": "read_file", "arguments": {"path": "go.mod"}}`},
			{Content: "The module is loom."},
		},
	}
	r := newRig(t, backend, Options{WorkspaceMaxIterations: 5}, stream.Options{})
	conv := r.conversation(t, "proj_1")

	turn, err := r.orch.Respond(context.Background(), conv.ID, "what module is this?")
	require.NoError(t, err)

	final := r.settled(t, conv.ID, turn.AgentMessage.ID)
	assert.Equal(t, "The module is loom.", final.Content)
	assert.True(t, final.Metadata.Completed)
	assert.Equal(t, []string{"read_file"}, final.Metadata.ToolsUsed)
	assert.NotEmpty(t, final.Metadata.Steps)

	streams, completes := backend.calls()
	assert.Zero(t, streams)
	assert.Equal(t, 2, completes)
}

func TestAgenticKeywordRoutesToolLoop(t *testing.T) {
	backend := &fakeBackend{
		responses: []llm.Response{{Content: "No tools needed after all."}},
	}
	r := newRig(t, backend, Options{AgenticKeywords: []string{"read the file"}}, stream.Options{})
	conv := r.conversation(t, "")

	turn, err := r.orch.Respond(context.Background(), conv.ID, "please Read The File go.mod")
	require.NoError(t, err)

	final := r.settled(t, conv.ID, turn.AgentMessage.ID)
	assert.Equal(t, "No tools needed after all.", final.Content)

	streams, completes := backend.calls()
	assert.Zero(t, streams, "agentic turns must not use the streaming path")
	assert.Equal(t, 1, completes)
}

func TestPlainChatUsesStreamingPath(t *testing.T) {
	backend := &fakeBackend{
		frames: []llm.Frame{{Content: "hey"}, {Done: true}},
	}
	r := newRig(t, backend, Options{AgenticKeywords: []string{"read the file"}}, stream.Options{})
	conv := r.conversation(t, "")

	turn, err := r.orch.Respond(context.Background(), conv.ID, "good morning")
	require.NoError(t, err)

	final := r.settled(t, conv.ID, turn.AgentMessage.ID)
	assert.Equal(t, "hey", final.Content)

	streams, completes := backend.calls()
	assert.Equal(t, 1, streams)
	assert.Zero(t, completes)
}

func TestAgentLoopBackendErrorFallsBack(t *testing.T) {
	backend := &fakeBackend{completeErr: llm.ErrBackendUnavailable}
	r := newRig(t, backend, Options{}, stream.Options{})
	conv := r.conversation(t, "proj_1")

	turn, err := r.orch.Respond(context.Background(), conv.ID, "inspect the workspace")
	require.NoError(t, err)

	final := r.settled(t, conv.ID, turn.AgentMessage.ID)
	assert.Contains(t, final.Content, "[offline]")
	assert.True(t, final.Metadata.Completed)
}

func TestTranscriptSkipsPlaceholderAndMapsRoles(t *testing.T) {
	backend := &fakeBackend{
		frames: []llm.Frame{{Content: "second answer"}, {Done: true}},
	}
	r := newRig(t, backend, Options{}, stream.Options{})
	conv := r.conversation(t, "")

	first, err := r.orch.Respond(context.Background(), conv.ID, "first question")
	require.NoError(t, err)
	r.settled(t, conv.ID, first.AgentMessage.ID)

	transcript, err := r.orch.transcript(context.Background(), conv.ID, "")
	require.NoError(t, err)
	require.Len(t, transcript, 3)
	assert.Equal(t, "system", transcript[0].Role)
	assert.Equal(t, types.RoleUser, transcript[1].Role)
	assert.Equal(t, "assistant", transcript[2].Role)

	// The in-flight placeholder is excluded from what the model sees.
	trimmed, err := r.orch.transcript(context.Background(), conv.ID, first.AgentMessage.ID)
	require.NoError(t, err)
	assert.Len(t, trimmed, 2)
}

func TestContainsAny(t *testing.T) {
	assert.True(t, containsAny("please READ this", []string{"read"}))
	assert.False(t, containsAny("hello", []string{"read"}))
	assert.False(t, containsAny("", []string{"read"}))
	assert.False(t, containsAny("hello", nil))
}

func TestLastUserContent(t *testing.T) {
	transcript := []llm.Message{
		{Role: "system", Content: "rules"},
		{Role: types.RoleUser, Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: types.RoleUser, Content: "second"},
	}
	assert.Equal(t, "second", lastUserContent(transcript))
	assert.Equal(t, "", lastUserContent(nil))
}
