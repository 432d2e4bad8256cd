// Package toolcall recovers structured tool invocations from free-form model
// output. Extraction is pure and deterministic: the same text always yields
// the same result, and a text the parsers cannot make sense of simply yields
// no call. Parse failures never escape as errors.
package toolcall

import (
	"regexp"
	"strings"

	"loom/pkg/types"
)

// Marker starts an explicit tool-call block in model output. The JSON object
// follows on the same or the next line.
const Marker = "TOOL_CALL:"

var legacyBlockPattern = regexp.MustCompile(
	`(?s)<tool_call>\s*<tool_name>(.*?)</tool_name>\s*<arguments>(.*?)</arguments>\s*</tool_call>`,
)

// Extract tries the parse strategies in order and returns the first tool
// call whose name is non-empty. Strategies: explicit Marker block, the whole
// text as a bare JSON object, legacy nested tag markup. Malformed JSON runs
// through best-effort repair before a strategy gives up.
func Extract(text string) (*types.ToolCall, bool) {
	if call, _, ok := extractMarker(text); ok {
		return call, true
	}
	if call, ok := extractBareObject(text); ok {
		return call, true
	}
	if call, _, ok := extractLegacy(text); ok {
		return call, true
	}
	return nil, false
}

// Strip removes the recognized tool-call substring so the surrounding prose
// can be displayed on its own. It applies the same strategy order as Extract
// and returns the text unchanged when nothing is recognized. Extract never
// strips implicitly.
func Strip(text string) string {
	if _, span, ok := extractMarker(text); ok {
		return strings.TrimSpace(text[:span[0]] + text[span[1]:])
	}
	if _, ok := extractBareObject(text); ok {
		return ""
	}
	if _, span, ok := extractLegacy(text); ok {
		return strings.TrimSpace(text[:span[0]] + text[span[1]:])
	}
	return text
}

// extractMarker handles `TOOL_CALL: {...}`. The returned span covers the
// marker through the end of the JSON object so Strip can cut it out.
func extractMarker(text string) (*types.ToolCall, [2]int, bool) {
	idx := strings.Index(text, Marker)
	if idx < 0 {
		return nil, [2]int{}, false
	}
	rest := text[idx+len(Marker):]
	open := strings.Index(rest, "{")
	if open < 0 {
		return nil, [2]int{}, false
	}
	blob, blobLen := balancedObject(rest[open:])
	call, ok := decodeCall(blob)
	if !ok {
		return nil, [2]int{}, false
	}
	end := idx + len(Marker) + open + blobLen
	return call, [2]int{idx, end}, true
}

// extractBareObject handles responses that are nothing but the call object,
// including objects truncated before their closing brace.
func extractBareObject(text string) (*types.ToolCall, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	if !strings.HasSuffix(trimmed, "}") && balancedBraces(trimmed) {
		return nil, false
	}
	return decodeCall(trimmed)
}

// extractLegacy handles the nested tag markup older prompts taught models to
// emit: <tool_call><tool_name>x</tool_name><arguments>{...}</arguments></tool_call>.
func extractLegacy(text string) (*types.ToolCall, [2]int, bool) {
	loc := legacyBlockPattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, [2]int{}, false
	}
	name := strings.TrimSpace(text[loc[2]:loc[3]])
	if name == "" {
		return nil, [2]int{}, false
	}
	args := map[string]any{}
	rawArgs := strings.TrimSpace(text[loc[4]:loc[5]])
	if rawArgs != "" {
		parsed, err := repairAndParse(rawArgs)
		if err != nil {
			return nil, [2]int{}, false
		}
		args = parsed
	}
	return &types.ToolCall{Name: name, Arguments: args}, [2]int{loc[0], loc[1]}, true
}

// decodeCall parses one call object, accepting "tool" with "name" as a
// legacy alias, and rejects empty tool names.
func decodeCall(blob string) (*types.ToolCall, bool) {
	parsed, err := repairAndParse(blob)
	if err != nil {
		return nil, false
	}
	name, _ := parsed["tool"].(string)
	if name == "" {
		name, _ = parsed["name"].(string)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false
	}
	args, _ := parsed["arguments"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	return &types.ToolCall{Name: name, Arguments: args}, true
}

// balancedObject returns the prefix of s covering one brace-balanced JSON
// object, tracking strings and escapes. When the object never closes the
// whole remainder is returned and repair completes it.
func balancedObject(s string) (string, int) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[:i+1], i + 1
				}
			}
		}
	}
	return s, len(s)
}
