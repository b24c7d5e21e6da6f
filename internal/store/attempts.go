package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskforge/execcore/internal/apperror"
)

func (s *Store) CreateAttempt(ctx context.Context, a *TaskAttempt) error {
	_, err := s.conn().ExecContext(ctx,
		`INSERT INTO task_attempts (id, task_id, executor, base_branch, branch, worktree_path, pr_url, pr_status, pr_merged_at, merge_commit, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.Executor, a.BaseBranch, a.Branch, a.WorktreePath,
		a.PRURL, a.PRStatus, formatTimePtr(a.PRMergedAt), a.MergeCommit, a.CreatedBy,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return apperror.Conflict("branch %q already in use by an active attempt", a.Branch)
	}
	return err
}

const attemptColumns = `id, task_id, executor, base_branch, branch, worktree_path, pr_url, pr_status, pr_merged_at, merge_commit, created_by, created_at, updated_at`

func scanAttempt(row interface{ Scan(...interface{}) error }) (*TaskAttempt, error) {
	a := &TaskAttempt{}
	var prMergedAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&a.ID, &a.TaskID, &a.Executor, &a.BaseBranch, &a.Branch, &a.WorktreePath,
		&a.PRURL, &a.PRStatus, &prMergedAt, &a.MergeCommit, &a.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.PRMergedAt = parseTimePtr(prMergedAt)
	a.CreatedAt, a.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return a, nil
}

func (s *Store) GetAttempt(ctx context.Context, id string) (*TaskAttempt, error) {
	row := s.conn().QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM task_attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("task attempt %q not found", id)
	}
	return a, err
}

func (s *Store) ListAttemptsByTask(ctx context.Context, taskID string) ([]*TaskAttempt, error) {
	rows, err := s.conn().QueryContext(ctx, `SELECT `+attemptColumns+` FROM task_attempts WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TaskAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListCleanupCandidateAttempts returns attempts whose worktree is eligible
// for removal by the Execution Monitor: the owning task reached a terminal
// status, or the attempt's branch already has a recorded merge commit.
func (s *Store) ListCleanupCandidateAttempts(ctx context.Context) ([]*TaskAttempt, error) {
	rows, err := s.conn().QueryContext(ctx, `
		SELECT ta.id, ta.task_id, ta.executor, ta.base_branch, ta.branch, ta.worktree_path,
		       ta.pr_url, ta.pr_status, ta.pr_merged_at, ta.merge_commit, ta.created_by, ta.created_at, ta.updated_at
		FROM task_attempts ta
		JOIN tasks t ON t.id = ta.task_id
		WHERE ta.merge_commit IS NOT NULL OR t.status IN ('Done', 'Cancelled')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TaskAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SetMergeCommit(ctx context.Context, attemptID, commit string, at time.Time) error {
	res, err := s.conn().ExecContext(ctx,
		`UPDATE task_attempts SET merge_commit = ?, updated_at = ? WHERE id = ?`,
		commit, formatTime(at), attemptID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NotFound("task attempt %q not found", attemptID)
	}
	return nil
}

func (s *Store) SetPRMetadata(ctx context.Context, attemptID string, prURL, prStatus string, at time.Time) error {
	_, err := s.conn().ExecContext(ctx,
		`UPDATE task_attempts SET pr_url = ?, pr_status = ?, updated_at = ? WHERE id = ?`,
		prURL, prStatus, formatTime(at), attemptID)
	return err
}

// AttemptMerged reports whether the attempt's branch has a recorded merge
// commit; the orchestrator's follow-up path uses it to refuse follow-ups
// on merged attempts.
func (s *Store) AttemptMerged(ctx context.Context, attemptID string) (bool, error) {
	var mc sql.NullString
	err := s.conn().QueryRowContext(ctx, `SELECT merge_commit FROM task_attempts WHERE id = ?`, attemptID).Scan(&mc)
	if err == sql.ErrNoRows {
		return false, apperror.NotFound("task attempt %q not found", attemptID)
	}
	if err != nil {
		return false, err
	}
	return mc.Valid && mc.String != "", nil
}
