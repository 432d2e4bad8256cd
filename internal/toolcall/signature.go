package toolcall

import (
	"encoding/json"
	"fmt"
)

// Signature returns the canonical identity of a call: tool name plus its
// arguments marshaled with recursively normalized values, so two calls that
// differ only in key order or whitespace share one signature. The agent loop
// uses signatures to refuse re-running an identical call within a turn.
func Signature(name string, args map[string]any) string {
	if len(args) == 0 {
		return name + ":{}"
	}
	data, err := json.Marshal(normalizeValue(args))
	if err != nil {
		return fmt.Sprintf("%s:%v", name, args)
	}
	return name + ":" + string(data)
}

// normalizeValue rebuilds nested containers so marshaling yields one stable
// rendering. Map keys sort during marshal; slices keep their order.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
