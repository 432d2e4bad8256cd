// Package ids centralizes identifier generation so stores and tests agree on
// the shape of conversation and message ids.
package ids

import "github.com/google/uuid"

// NewConversationID returns a new conversation identifier.
func NewConversationID() string {
	return "conv_" + uuid.NewString()
}

// NewMessageID returns a new message identifier.
func NewMessageID() string {
	return "msg_" + uuid.NewString()
}

// NewApprovalID returns a new approval-request identifier.
func NewApprovalID() string {
	return "appr_" + uuid.NewString()
}
