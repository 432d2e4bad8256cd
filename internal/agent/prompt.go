package agent

import (
	"fmt"
	"strings"
)

// loopBreakerPrompt is injected when the model repeats a tool call it
// already made. It forces the loop toward a final answer.
const loopBreakerPrompt = "You already called that tool with those exact arguments and received the result above. " +
	"No more tool calls are permitted. Produce your final answer to the user now, using the observations you have."

// fallbackAnswer renders the reply for a spent iteration budget. An
// exhausted loop must not spend another model call, so the text is assembled
// locally from the tools that ran.
func fallbackAnswer(toolsUsed []string) string {
	if len(toolsUsed) == 0 {
		return "I ran out of reasoning steps before reaching a final answer. " +
			"Please narrow the request and try again."
	}
	return fmt.Sprintf("I ran out of reasoning steps before reaching a final answer. "+
		"I consulted %s; the results gathered along the way are shown above. "+
		"Please narrow the request and try again.", strings.Join(toolsUsed, ", "))
}

// SystemPrompt builds the loop's system message. palette is the human
// readable tool list, typically Registry.Describe output.
func SystemPrompt(palette string) string {
	lines := []string{
		"You are a helpful assistant that can use tools to answer the user.",
		"",
		"AVAILABLE TOOLS:",
		palette,
		"",
		"To use a tool, reply with the marker on its own line followed by one JSON object:",
		`TOOL_CALL: {"tool": "<name>", "arguments": {<key>: <value>}}`,
		"",
		"Rules:",
		"- One tool call per reply, nothing after the JSON object.",
		"- Wait for the tool result before continuing.",
		"- Never call a tool with the same arguments twice.",
		"- When you have enough information, reply with the final answer and no TOOL_CALL marker.",
	}
	return strings.Join(lines, "\n")
}

// observationContent renders a tool outcome as the transcript message fed
// back to the model.
func observationContent(toolName, observation string) string {
	return fmt.Sprintf("[tool: %s]\n%s", toolName, observation)
}
