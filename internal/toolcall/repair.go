package toolcall

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// repairAndParse decodes a JSON object, escalating through repair stages:
// the raw text first, then jsonrepair (unbalanced quotes, single quotes,
// trailing commas), then a local truncation fixer for objects the model cut
// off mid-stream.
func repairAndParse(blob string) (map[string]any, error) {
	blob = strings.TrimSpace(blob)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(blob), &parsed); err == nil {
		return parsed, nil
	}

	if fixed, err := jsonrepair.JSONRepair(blob); err == nil {
		if err := json.Unmarshal([]byte(fixed), &parsed); err == nil {
			return parsed, nil
		}
	}

	fallback := completeTruncatedObject(blob)
	if err := json.Unmarshal([]byte(fallback), &parsed); err != nil {
		return nil, fmt.Errorf("unparseable tool call payload: %w", err)
	}
	return parsed, nil
}

// completeTruncatedObject closes an object that was cut off mid-emission.
// It drops a dangling key or half-written value and appends the missing
// closing braces. Input that does not start with '{' is returned as is.
func completeTruncatedObject(blob string) string {
	blob = strings.TrimSpace(blob)
	if !strings.HasPrefix(blob, "{") {
		return blob
	}
	if strings.HasSuffix(blob, "}") && balancedBraces(blob) {
		return blob
	}

	blob = strings.TrimRight(blob, " \t\n\r")
	if strings.HasSuffix(blob, ",") {
		blob = blob[:len(blob)-1]
	} else {
		lastComma := strings.LastIndex(blob, ",")
		lastColon := strings.LastIndex(blob, ":")
		switch {
		case lastComma > lastColon:
			// value after the last comma never completed
			blob = blob[:lastComma]
		case lastColon > 0 && !closedValueAfter(blob, lastColon):
			// key:value pair interrupted; drop the key too
			if start := strings.LastIndex(blob[:lastColon], `"`); start > 0 {
				if keyStart := strings.LastIndex(blob[:start], `"`); keyStart >= 0 {
					blob = strings.TrimRight(blob[:keyStart], ", \t\n")
				}
			}
		}
	}

	for depth := openDepth(blob); depth > 0; depth-- {
		blob += "}"
	}
	return blob
}

func closedValueAfter(blob string, colon int) bool {
	rest := strings.TrimSpace(blob[colon+1:])
	if rest == "" {
		return false
	}
	switch rest[0] {
	case '"':
		return len(rest) > 1 && strings.HasSuffix(rest, `"`)
	case '{', '[':
		return balancedBraces(rest)
	default:
		return true
	}
}

func balancedBraces(s string) bool {
	return openDepth(s) == 0
}

func openDepth(s string) int {
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
		case '{', '[':
			if !inString {
				depth++
			}
		case '}', ']':
			if !inString {
				depth--
			}
		}
	}
	if depth < 0 {
		return 0
	}
	return depth
}
