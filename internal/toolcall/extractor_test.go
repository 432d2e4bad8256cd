package toolcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMarkerRoundTrip(t *testing.T) {
	text := `I need to look that up.
TOOL_CALL: {"tool": "search", "arguments": {"query": "weather in berlin"}}`

	call, ok := Extract(text)
	require.True(t, ok)
	assert.Equal(t, "search", call.Name)
	assert.Equal(t, map[string]any{"query": "weather in berlin"}, call.Arguments)
}

func TestExtractMarkerOnSingleLine(t *testing.T) {
	call, ok := Extract(`TOOL_CALL: {"tool": "list_files", "arguments": {"path": "/tmp"}}`)
	require.True(t, ok)
	assert.Equal(t, "list_files", call.Name)
	assert.Equal(t, map[string]any{"path": "/tmp"}, call.Arguments)
}

func TestExtractRepairsMissingClosingBrace(t *testing.T) {
	call, ok := Extract(`TOOL_CALL: {"tool": "search", "arguments": {"query": "weather"}`)
	require.True(t, ok)
	assert.Equal(t, "search", call.Name)
	assert.Equal(t, map[string]any{"query": "weather"}, call.Arguments)
}

func TestExtractRepairsMissingClosingQuote(t *testing.T) {
	call, ok := Extract(`TOOL_CALL: {"tool": "search", "arguments": {"query": "weather}}`)
	require.True(t, ok)
	assert.Equal(t, "search", call.Name)
}

func TestExtractRepairsSingleQuotesAndTrailingComma(t *testing.T) {
	call, ok := Extract(`TOOL_CALL: {'tool': 'read_file', 'arguments': {'path': '/etc/hosts',},}`)
	require.True(t, ok)
	assert.Equal(t, "read_file", call.Name)
	assert.Equal(t, map[string]any{"path": "/etc/hosts"}, call.Arguments)
}

func TestExtractNothingFromPlainProse(t *testing.T) {
	for _, text := range []string{
		"I'll get right on that.",
		"The answer is 42.",
		"Use TOOL CALLS sparingly.",
		"",
	} {
		call, ok := Extract(text)
		assert.False(t, ok, "text %q", text)
		assert.Nil(t, call)
	}
}

func TestExtractBareObject(t *testing.T) {
	call, ok := Extract(`  {"tool": "current_time", "arguments": {}}  `)
	require.True(t, ok)
	assert.Equal(t, "current_time", call.Name)
	assert.Empty(t, call.Arguments)
}

func TestExtractBareObjectTruncated(t *testing.T) {
	call, ok := Extract(`{"tool": "current_time", "arguments": {`)
	require.True(t, ok)
	assert.Equal(t, "current_time", call.Name)
}

func TestExtractLegacyTags(t *testing.T) {
	text := `Thinking...
<tool_call>
  <tool_name>write_note</tool_name>
  <arguments>{"title": "plan", "body": "step one"}</arguments>
</tool_call>`

	call, ok := Extract(text)
	require.True(t, ok)
	assert.Equal(t, "write_note", call.Name)
	assert.Equal(t, "plan", call.Arguments["title"])
}

func TestExtractAcceptsNameAlias(t *testing.T) {
	call, ok := Extract(`TOOL_CALL: {"name": "search", "arguments": {"query": "go"}}`)
	require.True(t, ok)
	assert.Equal(t, "search", call.Name)
}

func TestExtractRejectsEmptyToolName(t *testing.T) {
	_, ok := Extract(`TOOL_CALL: {"tool": "", "arguments": {"query": "x"}}`)
	assert.False(t, ok)
}

func TestExtractMarkerWinsOverLegacy(t *testing.T) {
	text := `TOOL_CALL: {"tool": "first", "arguments": {}}
<tool_call><tool_name>second</tool_name><arguments>{}</arguments></tool_call>`

	call, ok := Extract(text)
	require.True(t, ok)
	assert.Equal(t, "first", call.Name)
}

func TestExtractIsDeterministic(t *testing.T) {
	text := `TOOL_CALL: {"tool": "search", "arguments": {"a": 1, "b": [1, 2]}}`
	first, ok := Extract(text)
	require.True(t, ok)
	for i := 0; i < 20; i++ {
		again, ok := Extract(text)
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestStripRemovesMarkerBlock(t *testing.T) {
	text := `Let me check.
TOOL_CALL: {"tool": "search", "arguments": {"query": "go"}}
Done soon.`

	assert.Equal(t, "Let me check.\n\nDone soon.", Strip(text))
}

func TestStripBareObjectLeavesNothing(t *testing.T) {
	assert.Equal(t, "", Strip(`{"tool": "search", "arguments": {}}`))
}

func TestStripLegacyBlock(t *testing.T) {
	text := `before <tool_call><tool_name>x</tool_name><arguments>{}</arguments></tool_call> after`
	assert.Equal(t, "before  after", Strip(text))
}

func TestStripLeavesUnrecognizedTextAlone(t *testing.T) {
	text := "no call in here"
	assert.Equal(t, text, Strip(text))
}
