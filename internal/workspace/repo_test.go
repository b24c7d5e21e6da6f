package workspace

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.name", "Test")
	runGit(t, dir, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func TestOpenRejectsNonRepo(t *testing.T) {
	_, err := Open(t.TempDir())
	require.Error(t, err)
}

func TestCreateAndRemoveWorktree(t *testing.T) {
	repoDir := initRepo(t)
	h, err := Open(repoDir)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "attempt-1")
	require.NoError(t, h.CreateWorktree("attempt/1", wtPath, "main"))
	require.True(t, h.BranchExists("attempt/1"))

	_, err = os.Stat(filepath.Join(wtPath, "README.md"))
	require.NoError(t, err)

	require.NoError(t, h.RemoveWorktree(wtPath))
	_, err = os.Stat(wtPath)
	require.True(t, os.IsNotExist(err))

	// Idempotent: removing again is not an error.
	require.NoError(t, h.RemoveWorktree(wtPath))
}

func TestCreateWorktreeRejectsDuplicateBranch(t *testing.T) {
	repoDir := initRepo(t)
	h, err := Open(repoDir)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "attempt-1")
	require.NoError(t, h.CreateWorktree("attempt/1", wtPath, "main"))

	_, err = h.CreateWorktree("attempt/1", filepath.Join(t.TempDir(), "attempt-1b"), "main")
	require.Error(t, err)
}

func TestListBranchesOrdersCurrentFirst(t *testing.T) {
	repoDir := initRepo(t)
	h, err := Open(repoDir)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "attempt-1")
	require.NoError(t, h.CreateWorktree("feature/x", wtPath, "main"))

	entries, err := h.ListBranches()
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.True(t, entries[0].IsCurrent)
	require.Equal(t, "main", entries[0].Name)
}

func TestMergeProducesCommit(t *testing.T) {
	repoDir := initRepo(t)
	h, err := Open(repoDir)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "attempt-1")
	require.NoError(t, h.CreateWorktree("attempt/1", wtPath, "main"))
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "feature.txt"), []byte("work\n"), 0o644))
	runGit(t, wtPath, "add", ".")
	runGit(t, wtPath, "commit", "-m", "add feature")

	commit, err := h.Merge("attempt/1", "main", "merge attempt 1", "Test", "test@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, commit)

	_, err = os.Stat(filepath.Join(repoDir, "feature.txt"))
	require.NoError(t, err)
}

func TestMergeConflictIsReported(t *testing.T) {
	repoDir := initRepo(t)
	h, err := Open(repoDir)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "attempt-1")
	require.NoError(t, h.CreateWorktree("attempt/1", wtPath, "main"))
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "README.md"), []byte("from attempt\n"), 0o644))
	runGit(t, wtPath, "add", ".")
	runGit(t, wtPath, "commit", "-m", "conflicting change")

	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("from main\n"), 0o644))
	runGit(t, repoDir, "add", ".")
	runGit(t, repoDir, "commit", "-m", "main change")

	_, err = h.Merge("attempt/1", "main", "merge attempt 1", "Test", "test@example.com")
	require.Error(t, err)
}

func TestRebasePreservesBranchOnConflict(t *testing.T) {
	repoDir := initRepo(t)
	h, err := Open(repoDir)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "attempt-1")
	require.NoError(t, h.CreateWorktree("attempt/1", wtPath, "main"))
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "README.md"), []byte("from attempt\n"), 0o644))
	runGit(t, wtPath, "add", ".")
	runGit(t, wtPath, "commit", "-m", "attempt change")

	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("from main\n"), 0o644))
	runGit(t, repoDir, "add", ".")
	runGit(t, repoDir, "commit", "-m", "main change")

	err = h.Rebase(wtPath, "main")
	require.Error(t, err)

	// The attempt branch's commit must still exist after the aborted rebase.
	log := runGit(t, wtPath, "log", "--oneline", "-1")
	require.Contains(t, log, "attempt change")
}

func TestDiffReportsInsertedLines(t *testing.T) {
	repoDir := initRepo(t)
	h, err := Open(repoDir)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "attempt-1")
	require.NoError(t, h.CreateWorktree("attempt/1", wtPath, "main"))
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "README.md"), []byte("hello\nworld\n"), 0o644))
	runGit(t, wtPath, "add", ".")
	runGit(t, wtPath, "commit", "-m", "extend readme")

	diff, err := h.Diff(wtPath, "main")
	require.NoError(t, err)
	require.Len(t, diff.Files, 1)
	require.Equal(t, "README.md", diff.Files[0].Path)

	var inserted int
	for _, hunk := range diff.Files[0].Hunks {
		for _, line := range hunk.Lines {
			if line.Type == LineInsert {
				inserted++
			}
		}
	}
	require.Equal(t, 1, inserted)
}

func TestDiffIncludesUntrackedFilesNotGitignored(t *testing.T) {
	repoDir := initRepo(t)
	h, err := Open(repoDir)
	require.NoError(t, err)

	wtPath := filepath.Join(t.TempDir(), "attempt-1")
	require.NoError(t, h.CreateWorktree("attempt/1", wtPath, "main"))
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, ".gitignore"), []byte("ignored.txt\n"), 0o644))
	runGit(t, wtPath, "add", ".gitignore")
	runGit(t, wtPath, "commit", "-m", "add gitignore")

	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "untracked.txt"), []byte("new file\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "ignored.txt"), []byte("should not appear\n"), 0o644))

	diff, err := h.Diff(wtPath, "main")
	require.NoError(t, err)

	var names []string
	for _, f := range diff.Files {
		names = append(names, f.Path)
	}
	require.Contains(t, names, "untracked.txt")
	require.NotContains(t, names, "ignored.txt")
}
