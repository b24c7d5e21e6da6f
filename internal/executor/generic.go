package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskforge/execcore/internal/process"
	"github.com/taskforge/execcore/internal/store"
)

// genericJSONVariant covers CLIs whose structured-output mode emits one
// JSON object per line without claude's particular envelope (amp, gemini,
// codex, opencode are assumed compatible with a {"session_id"?, "text"?}
// shape here; this is a simplifying assumption, not a verified match for
// each of these CLIs' real wire format).
func genericJSONVariant(tag, bin, displayName string, extraArgs []string) Variant {
	bin = resolveBin(bin, tag)
	return Variant{
		Tag:              tag,
		DisplayName:      displayName,
		SupportsFollowup: true,
		BuildCommand: func(req SpawnRequest) (Command, error) {
			argv := append([]string{bin}, extraArgs...)
			if req.ResumeSessionID != "" {
				argv = append(argv, "--resume", req.ResumeSessionID)
			}
			argv = append(argv, req.Prompt)
			return Command{Argv: argv, Cwd: req.WorktreePath}, nil
		},
		NewParser: func() Parser { return &genericJSONParser{} },
	}
}

type genericJSONLine struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Error     string `json:"error"`
}

type genericJSONParser struct {
	sessionEmitted bool
}

func (p *genericJSONParser) Feed(line process.Line) []ParsedEvent {
	if line.Truncated {
		return []ParsedEvent{{Kind: store.EventError, Payload: `{"tag":"Truncated"}`}}
	}
	if strings.TrimSpace(line.Text) == "" {
		return nil
	}

	var v genericJSONLine
	if err := json.Unmarshal([]byte(line.Text), &v); err != nil {
		return []ParsedEvent{{Kind: store.EventError, Payload: fmt.Sprintf(`{"tag":"MalformedJSON","detail":%q}`, err.Error())}}
	}

	var events []ParsedEvent
	if v.SessionID != "" && !p.sessionEmitted {
		p.sessionEmitted = true
		sid := v.SessionID
		events = append(events, ParsedEvent{Kind: store.EventSessionStarted, Payload: line.Text, ExternalSessionID: &sid})
	}
	if v.Error != "" {
		events = append(events, ParsedEvent{Kind: store.EventError, Payload: line.Text})
	} else if v.Text != "" {
		events = append(events, ParsedEvent{Kind: store.EventAssistantMessage, Payload: fmt.Sprintf(`{"text":%q}`, v.Text)})
	}
	return events
}

func (p *genericJSONParser) Flush() []ParsedEvent {
	return []ParsedEvent{{Kind: store.EventFinished, Payload: "{}"}}
}

// plainTextVariant covers CLIs with no structured output mode (aider);
// each output line becomes its own AssistantMessage, and follow-up support
// is declared false since there's no session id to resume from. aider's
// progress output is written only when stdout is a tty, so this variant
// requests a pty-backed spawn rather than plain pipes.
func plainTextVariant(tag, bin, displayName string, extraArgs []string) Variant {
	bin = resolveBin(bin, tag)
	return Variant{
		Tag:              tag,
		DisplayName:      displayName,
		SupportsFollowup: false,
		RequiresPTY:      true,
		BuildCommand: func(req SpawnRequest) (Command, error) {
			argv := append([]string{bin}, extraArgs...)
			argv = append(argv, "--message", req.Prompt)
			return Command{Argv: argv, Cwd: req.WorktreePath, UsePTY: true}, nil
		},
		NewParser: func() Parser { return &plainTextParser{} },
	}
}

type plainTextParser struct{}

func (p *plainTextParser) Feed(line process.Line) []ParsedEvent {
	if strings.TrimSpace(line.Text) == "" {
		return nil
	}
	kind := store.EventAssistantMessage
	if line.Source == process.SourceStderr {
		kind = store.EventError
	}
	return []ParsedEvent{{Kind: kind, Payload: fmt.Sprintf(`{"text":%q}`, line.Text)}}
}

func (p *plainTextParser) Flush() []ParsedEvent {
	return []ParsedEvent{{Kind: store.EventFinished, Payload: "{}"}}
}

// scriptVariant models the setup/cleanup script pseudo-variants: no parse
// step beyond buffering, and on Flush their entire captured output becomes
// a single AssistantMessage since a shell script has no structured event
// stream of its own to parse incrementally.
func scriptVariant(tag string) Variant {
	return Variant{
		Tag:              tag,
		DisplayName:      titleCase(strings.ReplaceAll(tag, "_", " ")),
		SupportsFollowup: false,
		BuildCommand: func(req SpawnRequest) (Command, error) {
			return Command{Argv: []string{"/bin/sh", "-c", req.Prompt}, Cwd: req.WorktreePath}, nil
		},
		NewParser: func() Parser { return &scriptParser{} },
	}
}

type scriptParser struct {
	buf strings.Builder
}

func (p *scriptParser) Feed(line process.Line) []ParsedEvent {
	if p.buf.Len() > 0 {
		p.buf.WriteByte('\n')
	}
	p.buf.WriteString(line.Text)
	return nil
}

func (p *scriptParser) Flush() []ParsedEvent {
	return []ParsedEvent{
		{Kind: store.EventAssistantMessage, Payload: fmt.Sprintf(`{"text":%q}`, p.buf.String())},
		{Kind: store.EventFinished, Payload: "{}"},
	}
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
