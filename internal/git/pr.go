package git

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// PRCreateOptions holds parameters for PR/MR creation.
type PRCreateOptions struct {
	Title       string
	Description string
	Branch      string
	BaseBranch  string
}

// PRCreator is the interface for creating pull/merge requests.
type PRCreator interface {
	Create(ctx context.Context, repo *RepoInfo, token string, opts PRCreateOptions) (*PRResult, error)
}

// CreatePR creates a PR/MR on the appropriate provider.
func CreatePR(ctx context.Context, repo *RepoInfo, token string, opts PRCreateOptions) (*PRResult, error) {
	switch repo.Provider {
	case ProviderGitHub:
		return NewGitHubPRCreator().CreatePR(ctx, repo, token, opts)
	case ProviderGitLab:
		return NewGitLabMRCreator().CreateMR(ctx, repo, token, opts)
	default:
		return nil, fmt.Errorf("PR creation not supported for provider: %s", repo.Provider)
	}
}

// UpdatePRDescription updates an existing PR/MR description.
func UpdatePRDescription(ctx context.Context, repo *RepoInfo, token string, prNumber int, body string) error {
	switch repo.Provider {
	case ProviderGitHub:
		return NewGitHubPRCreator().UpdatePR(ctx, repo, token, prNumber, body)
	case ProviderGitLab:
		return NewGitLabMRCreator().UpdateMR(ctx, repo, token, prNumber, body)
	default:
		return fmt.Errorf("PR update not supported for provider: %s", repo.Provider)
	}
}

// PushExistingBranch stages, commits, and pushes any changes an attempt's
// pipeline left in its worktree onto that attempt's already-existing
// branch. Unlike a fresh branch push, there is nothing to create here: the
// branch was checked out when the worktree was made, so this only ever
// adds commits to it.
func PushExistingBranch(ctx context.Context, opts BranchOptions) error {
	workDir := opts.WorkDir

	if err := gitCmd(ctx, workDir, nil, "add", "-A"); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}

	statusOut, err := gitOutput(ctx, workDir, nil, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("checking status: %w", err)
	}
	if strings.TrimSpace(statusOut) == "" {
		slog.Info("nothing to push", "attempt_id", opts.AttemptID, "branch", opts.BranchName)
		return nil
	}

	commitEnv := []string{
		"GIT_AUTHOR_NAME=" + opts.AuthorName,
		"GIT_AUTHOR_EMAIL=" + opts.AuthorEmail,
		"GIT_COMMITTER_NAME=" + opts.AuthorName,
		"GIT_COMMITTER_EMAIL=" + opts.AuthorEmail,
	}
	if err := gitCmd(ctx, workDir, commitEnv, "commit", "-m", opts.CommitMsg); err != nil {
		return fmt.Errorf("committing changes: %w", err)
	}

	pushEnv, cleanup, err := AskPassEnv(opts.Token)
	if err != nil {
		return fmt.Errorf("preparing push credentials: %w", err)
	}
	defer cleanup()

	if err := gitCmd(ctx, workDir, pushEnv, "push", "origin", opts.BranchName); err != nil {
		return fmt.Errorf("pushing to branch: %w", err)
	}
	slog.Info("pushed attempt branch", "attempt_id", opts.AttemptID, "branch", opts.BranchName)

	return nil
}

// ParsePRNumber recovers the numeric PR/MR identifier from a previously
// recorded pr_url so a later resync can address the same PR without a
// dedicated pr_number column: GitHub and GitLab both end the URL in
// "/<kind>/<number>".
func ParsePRNumber(prURL string) (int, error) {
	idx := strings.LastIndex(prURL, "/")
	if idx == -1 || idx == len(prURL)-1 {
		return 0, fmt.Errorf("cannot extract PR number from %q", prURL)
	}
	n, err := strconv.Atoi(prURL[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("cannot extract PR number from %q: %w", prURL, err)
	}
	return n, nil
}
