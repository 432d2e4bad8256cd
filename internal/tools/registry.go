package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"loom/internal/logging"
	"loom/pkg/types"
)

// Tool is one callable capability.
type Tool struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args map[string]any) (string, error)
}

// Registry is the builtin executor: a name-indexed set of tools run
// in-process.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger logging.Logger
}

var _ Executor = (*Registry)(nil)

// NewRegistry builds an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logging.OrNop(logger),
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	if tool.Name == "" || tool.Run == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Names lists registered tool names, sorted for stable prompts.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe renders the tool palette for the system prompt.
func (r *Registry) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := ""
	for _, name := range names {
		out += fmt.Sprintf("- %s: %s\n", name, r.tools[name].Description)
	}
	return out
}

// Execute runs the named tool. Unknown names and panics surface as failed
// results; the caller decides what to do with the observation.
func (r *Registry) Execute(ctx context.Context, call types.ToolCall) (result types.ToolResult) {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return failure(call, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name))
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool %s panicked: %v", call.Name, rec)
			result = failure(call, fmt.Errorf("tool %s panicked: %v", call.Name, rec))
			result.Duration = time.Since(start)
		}
	}()

	output, err := tool.Run(ctx, call.Arguments)
	elapsed := time.Since(start)
	if err != nil {
		r.logger.Warn("tool %s failed after %s: %v", call.Name, elapsed, err)
		res := failure(call, err)
		res.Duration = elapsed
		return res
	}
	r.logger.Debug("tool %s finished in %s", call.Name, elapsed)
	return types.ToolResult{ToolName: call.Name, Success: true, Output: output, Duration: elapsed}
}
