// Package workspace manages one project repository and its many
// per-attempt git worktrees: creating and removing worktrees, listing
// branches, and structuring diffs for the API to serve.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/taskforge/execcore/internal/apperror"
)

const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxAttempts  = 6
	retryMultiplier   = 2
)

var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
}

func isTransient(errMsg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(errMsg, p) {
			return true
		}
	}
	return false
}

var sleepFunc = time.Sleep

// repo wraps git operations rooted at dir, retrying transient lock errors.
type repo struct {
	dir string
}

func (r *repo) run(args ...string) (string, error) {
	delay := retryInitialDelay
	var lastErr error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		cmd := exec.Command("git", args...)
		cmd.Dir = r.dir
		out, err := cmd.CombinedOutput()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
		errMsg := strings.TrimSpace(string(out))
		lastErr = fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), errMsg, err)
		if !isTransient(errMsg) || attempt == retryMaxAttempts-1 {
			return "", lastErr
		}
		sleepFunc(delay)
		delay *= retryMultiplier
	}
	return "", lastErr
}

// Open validates that repoPath is a directory inside a git work tree, per
// C1's `open` contract; it does not check that repoPath is the top level.
func Open(repoPath string) (*Handle, error) {
	info, err := os.Stat(repoPath)
	if err != nil || !info.IsDir() {
		return nil, apperror.Git(apperror.ErrInvalidPath, "repo path %q is missing", repoPath)
	}
	r := &repo{dir: repoPath}
	if _, err := r.run("rev-parse", "--is-inside-work-tree"); err != nil {
		return nil, apperror.Git(apperror.ErrInvalidRepository, "%q is not a git repository", repoPath)
	}
	return &Handle{repo: r, RepoPath: repoPath}, nil
}

// Handle is one opened project repository.
type Handle struct {
	repo     *repo
	RepoPath string
}

func (h *Handle) ensureIdentity(authorName, authorEmail string) {
	if _, err := h.repo.run("config", "user.name"); err != nil {
		h.repo.run("config", "user.name", authorName)
	}
	if _, err := h.repo.run("config", "user.email"); err != nil {
		h.repo.run("config", "user.email", authorEmail)
	}
}

// CurrentBranch returns the repo's checked-out branch name.
func (h *Handle) CurrentBranch() (string, error) {
	return h.repo.run("rev-parse", "--abbrev-ref", "HEAD")
}

func (h *Handle) BranchExists(name string) bool {
	_, err := h.repo.run("rev-parse", "--verify", "refs/heads/"+name)
	return err == nil
}

// CreateWorktree creates branch from the tip of baseBranch (the repo's
// current HEAD branch if empty) and checks it out into worktreePath.
func (h *Handle) CreateWorktree(branch, worktreePath, baseBranch string) error {
	if baseBranch == "" {
		cur, err := h.CurrentBranch()
		if err != nil {
			return apperror.Git(apperror.ErrInvalidRepository, "resolving current branch: %v", err)
		}
		baseBranch = cur
	}
	if h.BranchExists(branch) {
		return apperror.Git(apperror.ErrBranchExists, "branch %q already exists", branch)
	}
	if _, err := h.repo.run("worktree", "add", "-b", branch, worktreePath, baseBranch); err != nil {
		return apperror.Git(apperror.ErrInvalidRepository, "creating worktree: %v", err)
	}
	return nil
}

// RemoveWorktree removes the worktree directory and prunes the
// registration. Idempotent: a missing worktree is not an error.
func (h *Handle) RemoveWorktree(worktreePath string) error {
	if _, err := os.Stat(worktreePath); errors.Is(err, os.ErrNotExist) {
		h.repo.run("worktree", "prune")
		return nil
	}
	if _, err := h.repo.run("worktree", "remove", "--force", worktreePath); err != nil {
		os.RemoveAll(worktreePath)
		h.repo.run("worktree", "prune")
	}
	return nil
}

// branchEntry pairs a branch name with listing metadata.
type branchEntry struct {
	Name         string
	IsCurrent    bool
	IsRemote     bool
	LastCommitAt time.Time
}

// ListBranches orders local before remote, then by last-commit-time
// descending; the current branch floats to the top so it's always the
// first thing a caller sees regardless of when it was last committed to.
func (h *Handle) ListBranches() ([]branchEntry, error) {
	current, _ := h.CurrentBranch()

	out, err := h.repo.run("for-each-ref", "--format=%(refname)|%(committerdate:iso-strict)", "refs/heads", "refs/remotes")
	if err != nil {
		return nil, apperror.Git(apperror.ErrInvalidRepository, "listing branches: %v", err)
	}

	var entries []branchEntry
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 2)
		if len(parts) != 2 {
			continue
		}
		ref, ts := parts[0], parts[1]
		isRemote := strings.HasPrefix(ref, "refs/remotes/")
		name := strings.TrimPrefix(ref, "refs/heads/")
		name = strings.TrimPrefix(name, "refs/remotes/")
		t, _ := time.Parse(time.RFC3339, ts)
		entries = append(entries, branchEntry{
			Name:         name,
			IsCurrent:    !isRemote && name == current,
			IsRemote:     isRemote,
			LastCommitAt: t,
		})
	}

	sortBranches(entries)
	return entries, nil
}

func sortBranches(entries []branchEntry) {
	// Selection sort: current first, then local-before-remote, then
	// last-commit-time descending. It is not stable: entries with equal
	// keys may change relative order. The list is small (branches per repo),
	// so simplicity wins over an import for sort.Slice's comparator.
	for i := 0; i < len(entries); i++ {
		best := i
		for j := i + 1; j < len(entries); j++ {
			if branchLess(entries[j], entries[best]) {
				best = j
			}
		}
		entries[i], entries[best] = entries[best], entries[i]
	}
}

func branchLess(a, b branchEntry) bool {
	if a.IsCurrent != b.IsCurrent {
		return a.IsCurrent
	}
	if a.IsRemote != b.IsRemote {
		return !a.IsRemote
	}
	return a.LastCommitAt.After(b.LastCommitAt)
}

// RemoteURL returns the repo's "origin" remote URL, used by the
// PR-creation supplement to detect which git hosting provider to target.
func (h *Handle) RemoteURL() (string, error) {
	out, err := h.repo.run("remote", "get-url", "origin")
	if err != nil {
		return "", apperror.Git(apperror.ErrInvalidRepository, "resolving origin remote: %v", err)
	}
	return out, nil
}

// Rebase rebases the worktree's current branch onto `onto`. On conflict it
// aborts and returns RebaseConflicts without resetting: a user-authored
// attempt branch's work must be preserved for the caller to resolve, not
// silently discarded and regenerated.
func (h *Handle) Rebase(worktreePath, onto string) error {
	wt := &repo{dir: worktreePath}
	wt.run("rebase", "--abort")

	if _, err := wt.run("rebase", onto); err != nil {
		wt.run("rebase", "--abort")
		return apperror.Git(apperror.ErrRebaseConflicts, "rebase onto %q failed: %v", onto, err)
	}
	return nil
}

// Merge fast-forwards-or-merges worktree's branch into targetBranch using
// the caller's git identity (author/committer for the duration of this
// call only).
func (h *Handle) Merge(branch, targetBranch, message, authorName, authorEmail string) (string, error) {
	if _, err := h.repo.run("checkout", targetBranch); err != nil {
		return "", apperror.Git(apperror.ErrInvalidRepository, "checking out %q: %v", targetBranch, err)
	}

	args := []string{}
	if authorName != "" {
		args = append(args, "-c", "user.name="+authorName)
	}
	if authorEmail != "" {
		args = append(args, "-c", "user.email="+authorEmail)
	}
	args = append(args, "merge", "-m", message, branch)
	_, err := h.repo.run(args...)
	if err != nil {
		h.repo.run("merge", "--abort")
		return "", apperror.Git(apperror.ErrMergeConflicts, "merging %q into %q: %v", branch, targetBranch, err)
	}

	commit, err := h.repo.run("rev-parse", "HEAD")
	if err != nil {
		return "", apperror.Git(apperror.ErrInvalidRepository, "resolving merge commit: %v", err)
	}
	return commit, nil
}
