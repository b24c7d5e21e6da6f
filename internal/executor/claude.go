package executor

import (
	"encoding/json"
	"fmt"

	"github.com/taskforge/execcore/internal/process"
	"github.com/taskforge/execcore/internal/store"
)

// claudeVariant builds commands for the `claude` CLI's stream-json mode.
// Its parser type-switches on a top-level "type" field, recognising
// "system" (init, carries the session id), "assistant" (text and tool_use
// blocks), "user" (tool_result blocks), and "result", which yields an
// Error event only for the "error" subtype and nothing otherwise.
func claudeVariant(bin string) Variant {
	bin = resolveBin(bin, "claude")
	return Variant{
		Tag:               "claude",
		DisplayName:       "Claude Code",
		SupportsFollowup:  true,
		SupportsMCPConfig: true,
		MCPConfigPath:     ".claude/mcp.json",
		MCPConfigPointer:  "/mcpServers",
		BuildCommand: func(req SpawnRequest) (Command, error) {
			argv := []string{bin, "--output-format", "stream-json", "--verbose"}
			if req.ResumeSessionID != "" {
				argv = append(argv, "--resume", req.ResumeSessionID)
			}
			argv = append(argv, "-p", req.Prompt)
			return Command{Argv: argv, Cwd: req.WorktreePath}, nil
		},
		NewParser: func() Parser { return &claudeParser{} },
	}
}

type claudeParser struct {
	sessionEmitted bool
	lastAssistant  string
}

func (p *claudeParser) Feed(line process.Line) []ParsedEvent {
	if line.Truncated {
		return []ParsedEvent{{Kind: store.EventError, Payload: `{"tag":"Truncated"}`}}
	}
	if line.Text == "" {
		return nil
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line.Text), &env); err != nil {
		return []ParsedEvent{{Kind: store.EventError, Payload: fmt.Sprintf(`{"tag":"MalformedJSON","detail":%q}`, err.Error())}}
	}

	var typ string
	if raw, ok := env["type"]; ok {
		json.Unmarshal(raw, &typ)
	}

	switch typ {
	case "system":
		var sys struct {
			SessionID string `json:"session_id"`
		}
		if raw, ok := env["session_id"]; ok {
			json.Unmarshal(raw, &sys.SessionID)
		}
		if sys.SessionID == "" || p.sessionEmitted {
			return nil
		}
		p.sessionEmitted = true
		sid := sys.SessionID
		return []ParsedEvent{{Kind: store.EventSessionStarted, Payload: line.Text, ExternalSessionID: &sid}}

	case "assistant":
		events := extractAssistantEvents(env)
		for _, ev := range events {
			if ev.Kind == store.EventAssistantMessage {
				var payload struct {
					Text string `json:"text"`
				}
				json.Unmarshal([]byte(ev.Payload), &payload)
				p.lastAssistant = payload.Text
			}
		}
		return events

	case "user":
		return extractToolResultEvents(env)

	case "result":
		var result struct {
			Subtype string `json:"subtype"`
			Result  string `json:"result"`
		}
		if raw, ok := env["subtype"]; ok {
			json.Unmarshal(raw, &result.Subtype)
		}
		if raw, ok := env["result"]; ok {
			json.Unmarshal(raw, &result.Result)
		}
		if result.Subtype == "error" {
			return []ParsedEvent{{Kind: store.EventError, Payload: line.Text}}
		}
		return nil

	default:
		return nil
	}
}

// extractAssistantEvents splits one assistant-turn envelope's content
// blocks into AssistantMessage (text) and ToolUse events, preserving
// block order within the turn.
func extractAssistantEvents(env map[string]json.RawMessage) []ParsedEvent {
	raw, ok := env["message"]
	if !ok {
		return nil
	}
	var msg struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	var events []ParsedEvent
	var text string
	for _, c := range msg.Content {
		switch c.Type {
		case "text":
			text += c.Text
		case "tool_use":
			events = append(events, ParsedEvent{
				Kind:    store.EventToolUse,
				Payload: fmt.Sprintf(`{"id":%q,"name":%q,"input":%s}`, c.ID, c.Name, rawOrNull(c.Input)),
			})
		}
	}
	if text != "" {
		events = append([]ParsedEvent{{Kind: store.EventAssistantMessage, Payload: fmt.Sprintf(`{"text":%q}`, text)}}, events...)
	}
	return events
}

// extractToolResultEvents handles the CLI's "user" envelope type, used to
// echo a tool's result back into the transcript.
func extractToolResultEvents(env map[string]json.RawMessage) []ParsedEvent {
	raw, ok := env["message"]
	if !ok {
		return nil
	}
	var msg struct {
		Content []struct {
			Type      string          `json:"type"`
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
			IsError   bool            `json:"is_error"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	var events []ParsedEvent
	for _, c := range msg.Content {
		if c.Type != "tool_result" {
			continue
		}
		kind := store.EventToolResult
		if c.IsError {
			kind = store.EventError
		}
		events = append(events, ParsedEvent{
			Kind:    kind,
			Payload: fmt.Sprintf(`{"tool_use_id":%q,"content":%s}`, c.ToolUseID, rawOrNull(c.Content)),
		})
	}
	return events
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func (p *claudeParser) Flush() []ParsedEvent {
	return []ParsedEvent{{Kind: store.EventFinished, Payload: "{}"}}
}
