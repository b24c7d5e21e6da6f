// Package git holds the plumbing shared by the pull-request supplement:
// token-authenticated push/commit, diff-stat summarisation, and the
// provider-specific REST clients that turn a pushed branch into an open
// pull or merge request. Worktree lifecycle itself (create, remove, local
// diff, merge, rebase) lives in internal/workspace; this package only
// covers the parts that talk to a remote.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// BranchOptions configures a commit+push onto an attempt's worktree branch.
type BranchOptions struct {
	AttemptID   string
	WorkDir     string
	BranchName  string
	CommitMsg   string
	AuthorName  string
	AuthorEmail string
	Token       string
}

// AskPassEnv prepares GIT_ASKPASS environment for authenticated git operations.
// Returns extra env vars and a cleanup function.
func AskPassEnv(token string) ([]string, func(), error) {
	if token == "" {
		return nil, func() {}, nil
	}

	askPassFile, err := createAskPassScript(token)
	if err != nil {
		return nil, nil, err
	}

	env := []string{
		"GIT_ASKPASS=" + askPassFile,
		"GIT_TERMINAL_PROMPT=0",
	}
	cleanup := func() { os.Remove(askPassFile) }
	return env, cleanup, nil
}

// gitCmd runs a git command in the given directory with optional extra env vars.
func gitCmd(ctx context.Context, workDir string, extraEnv []string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workDir
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(stderr.String()))
	}
	return nil
}

// gitOutput runs a git command and returns stdout.
func gitOutput(ctx context.Context, workDir string, extraEnv []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workDir
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// createAskPassScript creates a temporary script that echoes the token.
// Git calls this script for username (ignored) and password (returns token).
func createAskPassScript(token string) (string, error) {
	f, err := os.CreateTemp("", "codeforge-askpass-*.sh")
	if err != nil {
		return "", err
	}

	escaped := shellEscape(token)
	script := fmt.Sprintf("#!/bin/sh\necho '%s'\n", escaped)

	if _, err := f.WriteString(script); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	f.Close()

	if err := os.Chmod(f.Name(), 0700); err != nil {
		os.Remove(f.Name())
		return "", err
	}

	return f.Name(), nil
}

// shellEscape escapes single quotes in a string for safe use in a
// single-quoted shell script body.
func shellEscape(s string) string {
	return strings.ReplaceAll(s, "'", "'\"'\"'")
}
