package tools

import (
	"context"
	"errors"
	"fmt"

	"loom/internal/approval"
	"loom/internal/ids"
	"loom/internal/logging"
	"loom/pkg/types"
)

// approvedExecutor asks the approver before running tools on the dangerous
// list. A denial or timeout is converted into a failed result so the model
// sees what happened and can route around it.
type approvedExecutor struct {
	delegate  Executor
	approver  approval.Approver
	dangerous map[string]bool
	logger    logging.Logger
}

var _ Executor = (*approvedExecutor)(nil)

// NewApprovedExecutor gates the listed tools behind approver. With no
// dangerous tools or no approver the delegate is returned unwrapped.
func NewApprovedExecutor(delegate Executor, approver approval.Approver, dangerous []string, logger logging.Logger) Executor {
	if delegate == nil || approver == nil || len(dangerous) == 0 {
		return delegate
	}
	set := make(map[string]bool, len(dangerous))
	for _, name := range dangerous {
		set[name] = true
	}
	return &approvedExecutor{
		delegate:  delegate,
		approver:  approver,
		dangerous: set,
		logger:    logging.OrNop(logger),
	}
}

func (a *approvedExecutor) Names() []string {
	return a.delegate.Names()
}

func (a *approvedExecutor) Execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	if !a.dangerous[call.Name] {
		return a.delegate.Execute(ctx, call)
	}

	req := approval.Request{
		ID:        ids.NewApprovalID(),
		Tool:      call.Name,
		Arguments: call.Arguments,
		Preview:   fmt.Sprintf("execute %s with %d argument(s)", call.Name, len(call.Arguments)),
	}
	decision, err := a.approver.Request(ctx, req)
	if err != nil {
		if errors.Is(err, approval.ErrTimeout) {
			return failure(call, fmt.Errorf("tool %s not approved in time", call.Name))
		}
		return failure(call, fmt.Errorf("approval for %s failed: %w", call.Name, err))
	}
	if !decision.Approved {
		a.logger.Info("tool %s denied: %s", call.Name, decision.Reason)
		reason := decision.Reason
		if reason == "" {
			reason = "request denied"
		}
		return failure(call, fmt.Errorf("tool %s denied: %s", call.Name, reason))
	}
	return a.delegate.Execute(ctx, call)
}
