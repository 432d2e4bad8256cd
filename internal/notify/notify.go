// Package notify pushes message updates to connected clients. The hub fans
// out per conversation over websockets; the orchestrator only sees the
// Notifier interface.
package notify

import "loom/pkg/types"

// Notifier receives message lifecycle updates.
type Notifier interface {
	// MessageUpdated fires whenever a message's content or metadata
	// changes, including the terminal update.
	MessageUpdated(conversationID string, msg *types.Message)
}

// Func adapts a function to Notifier.
type Func func(conversationID string, msg *types.Message)

func (f Func) MessageUpdated(conversationID string, msg *types.Message) {
	f(conversationID, msg)
}

// Nop returns a Notifier that discards everything.
func Nop() Notifier {
	return Func(func(string, *types.Message) {})
}

// Multi fans updates out to several notifiers.
func Multi(notifiers ...Notifier) Notifier {
	filtered := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			filtered = append(filtered, n)
		}
	}
	return Func(func(conversationID string, msg *types.Message) {
		for _, n := range filtered {
			n.MessageUpdated(conversationID, msg)
		}
	})
}
