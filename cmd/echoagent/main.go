// echoagent is the deterministic CLI the "echo" executor variant spawns.
// It simulates a coding-agent CLI's stream-json output, with special
// prompt triggers for integration tests: TIMEOUT simulates a stuck agent
// for cancel-mid-run tests, FAIL simulates a non-zero exit, EMPTY
// simulates a process that produces no conversation events at all.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

func main() {
	prompt := flag.String("prompt", "", "prompt")
	resume := flag.String("resume", "", "external session id to resume")
	flag.Parse()

	switch *prompt {
	case "TIMEOUT":
		time.Sleep(10 * time.Minute)
		return
	case "FAIL":
		fmt.Fprintln(os.Stderr, "echoagent: simulated failure")
		os.Exit(1)
	case "EMPTY":
		os.Exit(0)
	}

	sessionID := *resume
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.Encode(map[string]string{"type": "session_started", "external_session_id": sessionID})

	text := fmt.Sprintf("hello: %s", *prompt)
	if *resume != "" {
		text = fmt.Sprintf("resumed from %s: %s", *resume, *prompt)
	}
	enc.Encode(map[string]string{"type": "assistant_message", "text": text})
}
