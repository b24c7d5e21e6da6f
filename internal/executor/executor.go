// Package executor is a polymorphic wrapper over concrete coding-agent
// CLIs. Each variant knows how to build a spawn command (fresh or
// resume) and how to parse its own output lines into ConversationEvents,
// so the rest of the pipeline never branches on which agent is running.
package executor

import (
	"sync"

	"github.com/taskforge/execcore/internal/process"
	"github.com/taskforge/execcore/internal/store"
)

// SpawnRequest is what the orchestrator gives a variant to build a command.
type SpawnRequest struct {
	WorktreePath    string
	Prompt          string
	ResumeSessionID string // empty when this is a fresh session
}

// Command is what the variant hands back to the Process Runner.
type Command struct {
	Argv []string
	Env  []string
	Cwd  string

	// UsePTY requests a pty-backed spawn instead of plain stdout/stderr
	// pipes. Some coding-agent CLIs disable interactive progress output
	// once they detect stdout isn't a tty; a variant that needs that
	// output sets this so the Process Runner allocates a pty instead.
	UsePTY bool
}

// ParsedEvent is one event a Parser emits; the orchestrator/monitor
// translates this into a store.ConversationEvent, assigning seq at append
// time.
type ParsedEvent struct {
	Kind              store.EventKind
	Payload           string
	ExternalSessionID *string
}

// Parser is stateful across the lifetime of one ExecutionProcess: it is
// owned by a single output-pumping goroutine and is never shared, since
// most variants accumulate partial JSON/session state across lines that
// only makes sense read in order by one caller.
type Parser interface {
	Feed(line process.Line) []ParsedEvent
	Flush() []ParsedEvent
}

// Variant is one coding-agent CLI strategy.
type Variant struct {
	Tag               string
	DisplayName       string
	SupportsFollowup  bool
	SupportsMCPConfig bool
	MCPConfigPath     string
	MCPConfigPointer  string
	// RequiresPTY marks a variant whose CLI only emits its normal progress
	// output when attached to a tty; BuildCommand sets Command.UsePTY
	// accordingly rather than callers special-casing the tag.
	RequiresPTY bool

	BuildCommand func(req SpawnRequest) (Command, error)
	NewParser    func() Parser
}

// Registry is the variant lookup table.
type Registry struct {
	mu       sync.RWMutex
	variants map[string]Variant
}

func NewRegistry() *Registry {
	return &Registry{variants: make(map[string]Variant)}
}

func (r *Registry) Register(v Variant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants[v.Tag] = v
}

func (r *Registry) Get(tag string) (Variant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.variants[tag]
	return v, ok
}

func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.variants))
	for tag := range r.variants {
		out = append(out, tag)
	}
	return out
}

// NewDefaultRegistry wires every supported variant: the real third-party
// coding-agent CLIs (argv/env construction only — this core never ships
// their binaries), plus echo, plus the setup/cleanup script pseudo-variants.
func NewDefaultRegistry(binaries map[string]string) *Registry {
	reg := NewRegistry()

	reg.Register(claudeVariant(binaries["claude"]))
	reg.Register(genericJSONVariant("amp", binaries["amp"], "Amp", []string{"--stream-json"}))
	reg.Register(genericJSONVariant("gemini", binaries["gemini"], "Gemini", []string{"--output-format", "json"}))
	reg.Register(genericJSONVariant("codex", binaries["codex"], "Codex", []string{"--json"}))
	reg.Register(genericJSONVariant("opencode", binaries["opencode"], "Opencode", []string{"--json"}))
	reg.Register(plainTextVariant("aider", binaries["aider"], "Aider", nil))
	reg.Register(echoVariant(binaries["echo"]))
	reg.Register(scriptVariant("setup_script"))
	reg.Register(scriptVariant("cleanup_script"))

	return reg
}

func resolveBin(bin, fallback string) string {
	if bin != "" {
		return bin
	}
	return fallback
}

func mustArgv(bin string, args ...string) func(req SpawnRequest) (Command, error) {
	return func(req SpawnRequest) (Command, error) {
		argv := append([]string{bin}, args...)
		argv = append(argv, req.Prompt)
		return Command{Argv: argv, Cwd: req.WorktreePath}, nil
	}
}
