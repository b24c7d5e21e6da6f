package git

import "fmt"

// FormatCommitMessage creates a conventional commit message carrying enough
// task metadata to trace the commit back to the task and the wish (the
// free-form label grouping it with any sibling tasks) that produced it.
func FormatCommitMessage(title, taskID, wishID, authorName, authorEmail string) string {
	msg := fmt.Sprintf("feat(codeforge): %s\n\nTask ID: %s", title, taskID)
	if wishID != "" {
		msg += fmt.Sprintf("\nWish: %s", wishID)
	}
	return fmt.Sprintf("%s\nCo-authored-by: %s <%s>", msg, authorName, authorEmail)
}
