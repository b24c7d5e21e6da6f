package workspace

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/taskforge/execcore/internal/apperror"
)

type HunkLineType string

const (
	LineInsert  HunkLineType = "Insert"
	LineDelete  HunkLineType = "Delete"
	LineContext HunkLineType = "Context"
)

// HunkLine is one line of a hunk, numbered on whichever side(s) it
// appears, so a renderer can show original line numbers on both the old
// and new side of the diff instead of recomputing them from scratch.
type HunkLine struct {
	Type    HunkLineType
	OldLine int // 0 when the line has no old-side number (pure insert)
	NewLine int // 0 when the line has no new-side number (pure delete)
	Text    string
}

type Hunk struct {
	Lines []HunkLine
}

// FileDiff is one changed file's hunks, or a Binary marker in place of
// content.
type FileDiff struct {
	Path   string
	Binary bool
	Hunks  []Hunk
}

type Diff struct {
	Files []FileDiff
}

// Diff computes the worktree's changes against baseBranch, honouring the
// repo's .gitignore for untracked files via go-gitignore (DOMAIN STACK).
func (h *Handle) Diff(worktreePath, baseBranch string) (*Diff, error) {
	wt := &repo{dir: worktreePath}

	ignoreMatcher, _ := gitignore.CompileIgnoreFile(filepath.Join(worktreePath, ".gitignore"))

	out, err := wt.run("diff", "--no-color", "-M", baseBranch, "--")
	if err != nil {
		return nil, apperror.Git(apperror.ErrInvalidRepository, "diffing against %q: %v", baseBranch, err)
	}

	diff, err := parseUnifiedDiff(out)
	if err != nil {
		return nil, err
	}

	// Untracked files aren't covered by `git diff`; surface them as
	// whole-file inserts unless gitignored.
	untracked, _ := wt.run("ls-files", "--others", "--exclude-standard")
	for _, rel := range strings.Split(untracked, "\n") {
		if rel == "" {
			continue
		}
		if ignoreMatcher != nil && ignoreMatcher.MatchesPath(rel) {
			continue
		}
		fd, err := untrackedFileDiff(worktreePath, rel)
		if err != nil {
			continue
		}
		diff.Files = append(diff.Files, fd)
	}

	return diff, nil
}

func parseUnifiedDiff(out string) (*Diff, error) {
	diff := &Diff{}
	if strings.TrimSpace(out) == "" {
		return diff, nil
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	var current *FileDiff
	var hunk *Hunk
	var oldLine, newLine int

	flushHunk := func() {
		if hunk != nil && current != nil {
			current.Hunks = append(current.Hunks, *hunk)
			hunk = nil
		}
	}
	flushFile := func() {
		flushHunk()
		if current != nil {
			diff.Files = append(diff.Files, *current)
			current = nil
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushFile()
			current = &FileDiff{Path: parseDiffGitPath(line)}

		case strings.HasPrefix(line, "Binary files"):
			if current != nil {
				current.Binary = true
			}

		case strings.HasPrefix(line, "@@"):
			flushHunk()
			var err error
			oldLine, newLine, err = parseHunkHeader(line)
			if err != nil {
				return nil, fmt.Errorf("parsing hunk header %q: %w", line, err)
			}
			hunk = &Hunk{}

		case strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---"):
			// file-level markers, not hunk content

		case strings.HasPrefix(line, "index ") || strings.HasPrefix(line, "new file") ||
			strings.HasPrefix(line, "deleted file") || strings.HasPrefix(line, "similarity index") ||
			strings.HasPrefix(line, "rename "):
			// metadata lines, no hunk content

		case hunk != nil && strings.HasPrefix(line, "+"):
			hunk.Lines = append(hunk.Lines, HunkLine{Type: LineInsert, NewLine: newLine, Text: line[1:]})
			newLine++

		case hunk != nil && strings.HasPrefix(line, "-"):
			hunk.Lines = append(hunk.Lines, HunkLine{Type: LineDelete, OldLine: oldLine, Text: line[1:]})
			oldLine++

		case hunk != nil:
			text := line
			if strings.HasPrefix(text, " ") {
				text = text[1:]
			}
			hunk.Lines = append(hunk.Lines, HunkLine{Type: LineContext, OldLine: oldLine, NewLine: newLine, Text: text})
			oldLine++
			newLine++
		}
	}
	flushFile()

	return diff, scanner.Err()
}

func parseDiffGitPath(line string) string {
	// "diff --git a/path b/path" — take the b/ side, which is the new path.
	idx := strings.Index(line, " b/")
	if idx == -1 {
		return strings.TrimPrefix(line, "diff --git ")
	}
	return line[idx+3:]
}

func parseHunkHeader(line string) (oldStart, newStart int, err error) {
	// "@@ -old_start,old_count +new_start,new_count @@ ..."
	parts := strings.SplitN(line, "@@", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("malformed hunk header")
	}
	fields := strings.Fields(parts[1])
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("malformed hunk header")
	}
	oldStart, err = parseRangeStart(fields[0])
	if err != nil {
		return 0, 0, err
	}
	newStart, err = parseRangeStart(fields[1])
	if err != nil {
		return 0, 0, err
	}
	return oldStart, newStart, nil
}

func parseRangeStart(field string) (int, error) {
	field = strings.TrimPrefix(field, "+")
	field = strings.TrimPrefix(field, "-")
	startStr := strings.SplitN(field, ",", 2)[0]
	return strconv.Atoi(startStr)
}

func untrackedFileDiff(worktreePath, rel string) (FileDiff, error) {
	content, err := os.ReadFile(filepath.Join(worktreePath, rel))
	if err != nil {
		return FileDiff{}, err
	}
	if looksBinary(content) {
		return FileDiff{Path: rel, Binary: true}, nil
	}

	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	hunk := Hunk{}
	for i, l := range lines {
		hunk.Lines = append(hunk.Lines, HunkLine{Type: LineInsert, NewLine: i + 1, Text: l})
	}
	return FileDiff{Path: rel, Hunks: []Hunk{hunk}}, nil
}

// looksBinary applies git's own heuristic: a NUL byte in the first chunk
// of content marks the file as binary.
func looksBinary(content []byte) bool {
	probe := content
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	for _, b := range probe {
		if b == 0 {
			return true
		}
	}
	return false
}
