package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskforge/execcore/internal/process"
	"github.com/taskforge/execcore/internal/store"
)

// echoVariant is the deterministic loopback variant used by the test
// suite, with TIMEOUT/FAIL/EMPTY special-prompt triggers and a
// resume-aware form: passing --resume carries the prior external session
// id through unchanged rather than minting a new one, so followup(...)
// tests can assert session reuse.
func echoVariant(bin string) Variant {
	bin = resolveBin(bin, "echoagent")
	return Variant{
		Tag:              "echo",
		DisplayName:      "Echo (test loopback)",
		SupportsFollowup: true,
		BuildCommand: func(req SpawnRequest) (Command, error) {
			argv := []string{bin, "-prompt", req.Prompt}
			if req.ResumeSessionID != "" {
				argv = append(argv, "-resume", req.ResumeSessionID)
			}
			return Command{Argv: argv, Cwd: req.WorktreePath}, nil
		},
		NewParser: func() Parser { return &echoParser{} },
	}
}

type echoEnvelope struct {
	Type              string `json:"type"`
	ExternalSessionID string `json:"external_session_id,omitempty"`
	Text              string `json:"text,omitempty"`
}

type echoParser struct {
	sessionEmitted bool
}

func (p *echoParser) Feed(line process.Line) []ParsedEvent {
	if line.Truncated {
		return []ParsedEvent{{Kind: store.EventError, Payload: `{"tag":"Truncated"}`}}
	}
	if strings.TrimSpace(line.Text) == "" {
		return nil
	}

	var env echoEnvelope
	if err := json.Unmarshal([]byte(line.Text), &env); err != nil {
		return []ParsedEvent{{Kind: store.EventError, Payload: fmt.Sprintf(`{"tag":"MalformedJSON","detail":%q}`, err.Error())}}
	}

	switch env.Type {
	case "session_started":
		if p.sessionEmitted {
			return nil
		}
		p.sessionEmitted = true
		sid := env.ExternalSessionID
		return []ParsedEvent{{Kind: store.EventSessionStarted, Payload: line.Text, ExternalSessionID: &sid}}
	case "assistant_message":
		return []ParsedEvent{{Kind: store.EventAssistantMessage, Payload: fmt.Sprintf(`{"text":%q}`, env.Text)}}
	case "error":
		return []ParsedEvent{{Kind: store.EventError, Payload: line.Text}}
	default:
		return nil
	}
}

func (p *echoParser) Flush() []ParsedEvent {
	return []ParsedEvent{{Kind: store.EventFinished, Payload: "{}"}}
}
