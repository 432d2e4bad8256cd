package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"loom/internal/logging"
)

// Broker parks approval requests until an out-of-band decision arrives,
// typically through the HTTP API. Each Request call blocks in a select over
// the decision channel, the timeout, and ctx; there is no callback chain to
// leak when nobody ever answers.
type Broker struct {
	timeout time.Duration
	logger  logging.Logger

	mu      sync.Mutex
	pending map[string]chan Decision
}

var _ Approver = (*Broker)(nil)

// NewBroker builds a broker whose requests expire after timeout.
func NewBroker(timeout time.Duration, logger logging.Logger) *Broker {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Broker{
		timeout: timeout,
		logger:  logging.OrNop(logger),
		pending: make(map[string]chan Decision),
	}
}

// Request registers req and waits for Resolve, the timeout, or ctx.
func (b *Broker) Request(ctx context.Context, req Request) (Decision, error) {
	if req.ID == "" {
		return Decision{}, fmt.Errorf("approval request needs an id")
	}

	decisionChan := make(chan Decision, 1)
	b.mu.Lock()
	if _, exists := b.pending[req.ID]; exists {
		b.mu.Unlock()
		return Decision{}, fmt.Errorf("approval %s already pending", req.ID)
	}
	b.pending[req.ID] = decisionChan
	b.mu.Unlock()

	defer b.remove(req.ID)
	b.logger.Info("approval %s pending for tool %s", req.ID, req.Tool)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case decision := <-decisionChan:
		b.logger.Info("approval %s resolved: approved=%v", req.ID, decision.Approved)
		return decision, nil
	case <-timer.C:
		b.logger.Warn("approval %s timed out after %s", req.ID, b.timeout)
		return Decision{}, ErrTimeout
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers the decision for a pending request. Unknown ids report
// false so the HTTP layer can 404.
func (b *Broker) Resolve(id string, decision Decision) bool {
	b.mu.Lock()
	decisionChan, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	decisionChan <- decision
	return true
}

// Pending lists the ids currently awaiting a decision.
func (b *Broker) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	return ids
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
