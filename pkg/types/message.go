package types

import "time"

// Message roles. Agent messages are the ones the orchestrator generates;
// tool messages only appear inside model transcripts, never in stores.
const (
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleSystem = "system"
	RoleTool   = "tool"
)

// Conversation groups messages for one user. A non-empty ProjectID binds the
// conversation to a workspace, which selects the longer agent iteration
// budget.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ProjectID string    `json:"projectId,omitempty"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is a single conversation entry. Content and Metadata mutate while
// a generation streams; everything else is immutable after creation.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Metadata       MessageMetadata `json:"metadata"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// MessageMetadata carries the generation lifecycle state clients render
// from. Streaming and Completed are always present; the rest only when they
// apply. A persisted message must never end up with Streaming true after its
// generation finished, failed, or was stopped.
type MessageMetadata struct {
	Streaming      bool        `json:"streaming"`
	Completed      bool        `json:"completed"`
	Stopped        bool        `json:"stopped,omitempty"`
	StoppedAt      *time.Time  `json:"stoppedAt,omitempty"`
	Model          string      `json:"model,omitempty"`
	ActualModel    string      `json:"actualModel,omitempty"`
	ToolsUsed      []string    `json:"toolsUsed,omitempty"`
	Steps          []ReActStep `json:"steps,omitempty"`
	ResponseTimeMs int64       `json:"responseTimeMs,omitempty"`
}

// Terminal reports whether the metadata describes a finished generation.
func (m MessageMetadata) Terminal() bool {
	return !m.Streaming && (m.Completed || m.Stopped || m.StoppedAt != nil)
}

// Clone returns a deep copy so callers can mutate slices without aliasing.
func (m MessageMetadata) Clone() MessageMetadata {
	out := m
	if m.StoppedAt != nil {
		at := *m.StoppedAt
		out.StoppedAt = &at
	}
	if m.ToolsUsed != nil {
		out.ToolsUsed = append([]string(nil), m.ToolsUsed...)
	}
	if m.Steps != nil {
		out.Steps = append([]ReActStep(nil), m.Steps...)
	}
	return out
}
