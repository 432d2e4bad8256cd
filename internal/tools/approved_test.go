package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"loom/internal/approval"
	"loom/internal/logging"
	"loom/pkg/types"
)

func TestApprovedExecutorPassesSafeToolsThrough(t *testing.T) {
	inner := newCountingExecutor(true)
	gated := NewApprovedExecutor(inner, approval.Auto{Allow: false}, []string{"write_note"}, logging.Nop())

	result := gated.Execute(context.Background(), types.ToolCall{Name: "read_file"})
	assert.True(t, result.Success)
	assert.Equal(t, 1, inner.calls["read_file"])
}

func TestApprovedExecutorRunsApprovedDangerousTool(t *testing.T) {
	inner := newCountingExecutor(true)
	gated := NewApprovedExecutor(inner, approval.Auto{Allow: true}, []string{"write_note"}, logging.Nop())

	result := gated.Execute(context.Background(), types.ToolCall{Name: "write_note"})
	assert.True(t, result.Success)
	assert.Equal(t, 1, inner.calls["write_note"])
}

func TestApprovedExecutorDenialBecomesFailedResult(t *testing.T) {
	inner := newCountingExecutor(true)
	gated := NewApprovedExecutor(inner, approval.Auto{Allow: false}, []string{"write_note"}, logging.Nop())

	result := gated.Execute(context.Background(), types.ToolCall{Name: "write_note"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "denied")
	assert.Zero(t, inner.calls["write_note"])
}

func TestApprovedExecutorTimeoutBecomesFailedResult(t *testing.T) {
	inner := newCountingExecutor(true)
	broker := approval.NewBroker(10*time.Millisecond, logging.Nop())
	gated := NewApprovedExecutor(inner, broker, []string{"write_note"}, logging.Nop())

	result := gated.Execute(context.Background(), types.ToolCall{Name: "write_note"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not approved in time")
	assert.Zero(t, inner.calls["write_note"])
}

func TestApprovedExecutorWithoutDangerousListIsPassthrough(t *testing.T) {
	inner := newCountingExecutor(true)
	assert.Same(t, Executor(inner), NewApprovedExecutor(inner, approval.Auto{Allow: true}, nil, logging.Nop()))
}
