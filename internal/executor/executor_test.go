package executor

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/taskforge/execcore/internal/process"
	"github.com/taskforge/execcore/internal/store"
)

func TestEchoParserSessionAndMessage(t *testing.T) {
	p := &echoParser{}

	events := p.Feed(process.Line{Text: `{"type":"session_started","external_session_id":"s0"}`})
	require.Len(t, events, 1)
	require.Equal(t, store.EventSessionStarted, events[0].Kind)
	require.Equal(t, "s0", *events[0].ExternalSessionID)

	// A second session_started in the same process must not re-emit.
	require.Empty(t, p.Feed(process.Line{Text: `{"type":"session_started","external_session_id":"s1"}`}))

	events = p.Feed(process.Line{Text: `{"type":"assistant_message","text":"hello"}`})
	require.Len(t, events, 1)
	require.Equal(t, store.EventAssistantMessage, events[0].Kind)

	finished := p.Flush()
	require.Len(t, finished, 1)
	require.Equal(t, store.EventFinished, finished[0].Kind)
}

func TestEchoParserMalformedJSONYieldsErrorAndContinues(t *testing.T) {
	p := &echoParser{}
	events := p.Feed(process.Line{Text: `not json`})
	require.Len(t, events, 1)
	require.Equal(t, store.EventError, events[0].Kind)

	// Parsing continues at the next line.
	events = p.Feed(process.Line{Text: `{"type":"assistant_message","text":"ok"}`})
	require.Len(t, events, 1)
	require.Equal(t, store.EventAssistantMessage, events[0].Kind)
}

func TestEchoParserTruncatedLine(t *testing.T) {
	p := &echoParser{}
	events := p.Feed(process.Line{Text: "garbage", Truncated: true})
	require.Len(t, events, 1)
	require.Equal(t, store.EventError, events[0].Kind)
}

func TestScriptParserBuffersIntoSingleMessage(t *testing.T) {
	p := &scriptParser{}
	require.Empty(t, p.Feed(process.Line{Text: "line one"}))
	require.Empty(t, p.Feed(process.Line{Text: "line two"}))

	flushed := p.Flush()
	require.Len(t, flushed, 2)
	require.Equal(t, store.EventAssistantMessage, flushed[0].Kind)
	require.Contains(t, flushed[0].Payload, "line one")
	require.Contains(t, flushed[0].Payload, "line two")
	require.Equal(t, store.EventFinished, flushed[1].Kind)
}

func TestDefaultRegistryHasAllVariants(t *testing.T) {
	reg := NewDefaultRegistry(map[string]string{})
	for _, tag := range []string{"claude", "amp", "gemini", "codex", "opencode", "aider", "echo", "setup_script", "cleanup_script"} {
		_, ok := reg.Get(tag)
		require.True(t, ok, "expected variant %q to be registered", tag)
	}
}

func TestClaudeBuildCommandIncludesResumeFlag(t *testing.T) {
	v := claudeVariant("claude")
	cmd, err := v.BuildCommand(SpawnRequest{WorktreePath: "/tmp/wt", Prompt: "hi", ResumeSessionID: "s0"})
	require.NoError(t, err)
	require.Contains(t, cmd.Argv, "--resume")
	require.Contains(t, cmd.Argv, "s0")
}

func TestClaudeParserEmitsToolUseAndToolResult(t *testing.T) {
	p := &claudeParser{}

	events := p.Feed(process.Line{Text: `{"type":"assistant","message":{"content":[{"type":"text","text":"looking"},{"type":"tool_use","id":"t1","name":"bash","input":{"cmd":"ls"}}]}}`})
	require.Len(t, events, 2)
	require.Equal(t, store.EventAssistantMessage, events[0].Kind)
	require.Equal(t, store.EventToolUse, events[1].Kind)
	require.Contains(t, events[1].Payload, `"name":"bash"`)

	events = p.Feed(process.Line{Text: `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"file1\nfile2"}]}}`})
	require.Len(t, events, 1)
	require.Equal(t, store.EventToolResult, events[0].Kind)
	require.Contains(t, events[0].Payload, `"tool_use_id":"t1"`)
}
