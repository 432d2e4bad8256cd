// Package generation tracks in-flight generations so they can be stopped by
// message id. A generation is the unit of cancellation: one streaming LLM
// turn producing one agent message.
package generation

import (
	"context"
	"errors"
	"sync"
	"time"

	"loom/internal/logging"
)

var (
	// ErrDuplicate reports a Begin for a message that already has an active
	// generation.
	ErrDuplicate = errors.New("generation already active")
	// ErrStopped is the cancellation cause when a user stops a generation.
	ErrStopped = errors.New("generation stopped by user")

	// errEnded marks normal completion; nothing observes the context after
	// End, the cause only releases resources.
	errEnded = errors.New("generation ended")
)

type entry struct {
	cancel    context.CancelCauseFunc
	release   context.CancelFunc
	onCancel  func(cause error)
	startedAt time.Time
}

// Registry is the single authority over which generations are running.
// Exactly one of End and Cancel acts per generation: both remove the entry
// under the lock first and only the remover proceeds.
type Registry struct {
	timeout time.Duration
	logger  logging.Logger

	mu     sync.Mutex
	active map[string]*entry
}

// NewRegistry creates a registry. timeout bounds each generation; zero
// disables the bound.
func NewRegistry(timeout time.Duration, logger logging.Logger) *Registry {
	return &Registry{
		timeout: timeout,
		logger:  logging.OrNop(logger),
		active:  make(map[string]*entry),
	}
}

// Begin registers a generation for messageID and returns the context the
// generation must run under. The context is detached from the caller's
// cancellation so the generation survives the HTTP handler returning, but
// keeps request-scoped values. onCancel runs exactly once if the generation
// is stopped via Cancel; it never runs on normal End.
func (r *Registry) Begin(ctx context.Context, messageID string, onCancel func(cause error)) (context.Context, error) {
	if messageID == "" {
		return nil, errors.New("generation: missing message id")
	}

	genCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	release := context.CancelFunc(func() {})
	if r.timeout > 0 {
		genCtx, release = context.WithTimeout(genCtx, r.timeout)
	}

	r.mu.Lock()
	if _, exists := r.active[messageID]; exists {
		r.mu.Unlock()
		release()
		cancel(errEnded)
		return nil, ErrDuplicate
	}
	r.active[messageID] = &entry{
		cancel:    cancel,
		release:   release,
		onCancel:  onCancel,
		startedAt: time.Now(),
	}
	r.mu.Unlock()

	r.logger.Debug("generation started for %s", messageID)
	return genCtx, nil
}

// End removes a completed generation. It reports whether this call removed
// the entry; false means Cancel won the race and already finalized the
// message, so the caller must not write completion state.
func (r *Registry) End(messageID string) bool {
	e := r.take(messageID)
	if e == nil {
		return false
	}
	e.cancel(errEnded)
	e.release()
	r.logger.Debug("generation ended for %s after %s", messageID, time.Since(e.startedAt))
	return true
}

// Cancel stops an active generation. The entry is removed before anything
// else happens, so a second Cancel and a racing End both see nothing. It
// reports whether a generation was actually stopped; unknown ids are a
// no-op.
func (r *Registry) Cancel(messageID string, cause error) bool {
	e := r.take(messageID)
	if e == nil {
		return false
	}
	if cause == nil {
		cause = ErrStopped
	}
	e.cancel(cause)
	e.release()
	if e.onCancel != nil {
		e.onCancel(cause)
	}
	r.logger.Info("generation for %s stopped after %s: %v", messageID, time.Since(e.startedAt), cause)
	return true
}

// Active reports how many generations are running; exported for gauges.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ActiveIDs lists the message ids with running generations.
func (r *Registry) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	return out
}

func (r *Registry) take(messageID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[messageID]
	if !ok {
		return nil
	}
	delete(r.active, messageID)
	return e
}
