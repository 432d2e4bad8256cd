// Package approval gates dangerous tool executions behind a human decision.
// Every approver resolves to a plain Decision; a denial or timeout becomes a
// failed tool observation upstream, never a turn failure.
package approval

import (
	"context"
	"errors"
)

var (
	// ErrDenied reports an explicit rejection.
	ErrDenied = errors.New("approval denied")
	// ErrTimeout reports that nobody decided within the window.
	ErrTimeout = errors.New("approval timed out")
)

// Request describes the execution awaiting a decision.
type Request struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	// Preview is a human-readable rendering of what the tool is about to do.
	Preview string `json:"preview,omitempty"`
}

// Decision is the verdict on one request.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Approver resolves approval requests. Request blocks until a decision, the
// approver's own timeout, or ctx cancellation, whichever comes first.
type Approver interface {
	Request(ctx context.Context, req Request) (Decision, error)
}

// Auto approves or denies everything by policy; the default for headless
// deployments and tests.
type Auto struct {
	Allow bool
}

func (a Auto) Request(ctx context.Context, req Request) (Decision, error) {
	if !a.Allow {
		return Decision{Approved: false, Reason: "denied by policy"}, nil
	}
	return Decision{Approved: true, Reason: "approved by policy"}, nil
}
