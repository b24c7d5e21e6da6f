package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskforge/execcore/internal/apperror"
)

func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	_, err := s.conn().ExecContext(ctx,
		`INSERT INTO tasks (id, project_id, title, description, status, wish_id, parent_task_attempt_id, created_by, assigned_to, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), t.WishID, t.ParentTaskAttemptID,
		t.CreatedBy, t.AssignedTo, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	return err
}

func scanTask(row interface{ Scan(...interface{}) error }) (*Task, error) {
	t := &Task{}
	var status, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &status, &t.WishID,
		&t.ParentTaskAttemptID, &t.CreatedBy, &t.AssignedTo, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.CreatedAt, t.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return t, nil
}

const taskColumns = `id, project_id, title, description, status, wish_id, parent_task_attempt_id, created_by, assigned_to, created_at, updated_at`

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.conn().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("task %q not found", id)
	}
	return t, err
}

func (s *Store) ListTasksByProject(ctx context.Context, projectID string) ([]*Task, error) {
	rows, err := s.conn().QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, updatedAt time.Time) error {
	res, err := s.conn().ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, string(status), formatTime(updatedAt), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NotFound("task %q not found", id)
	}
	return nil
}

// DerivedStatus computes the view-layer status flags for a task by
// correlated subquery over task_attempts/execution_processes: no column
// on the task row is ever written for these fields, so they can't drift
// out of sync with the attempt/process rows they're derived from.
func (s *Store) DerivedStatus(ctx context.Context, taskID string) (*TaskWithDerivedStatus, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	out := &TaskWithDerivedStatus{Task: *task}

	row := s.conn().QueryRowContext(ctx, `
		SELECT
			EXISTS (
				SELECT 1 FROM task_attempts ta
				JOIN execution_processes ep ON ep.task_attempt_id = ta.id
				WHERE ta.task_id = ? AND ep.process_type = 'CodingAgent' AND ep.status = 'Running'
			),
			EXISTS (
				SELECT 1 FROM task_attempts ta WHERE ta.task_id = ? AND ta.merge_commit IS NOT NULL
			),
			COALESCE((
				SELECT ep.status = 'Failed' FROM task_attempts ta
				JOIN execution_processes ep ON ep.task_attempt_id = ta.id
				WHERE ta.task_id = ?
				ORDER BY ep.created_at DESC LIMIT 1
			), 0),
			(
				SELECT ta.executor FROM task_attempts ta
				WHERE ta.task_id = ? ORDER BY ta.created_at DESC LIMIT 1
			)
	`, taskID, taskID, taskID, taskID)

	var latestExecutor sql.NullString
	if err := row.Scan(&out.HasInProgressAttempt, &out.HasMergedAttempt, &out.LastAttemptFailed, &latestExecutor); err != nil {
		return nil, err
	}
	if latestExecutor.Valid {
		v := latestExecutor.String
		out.LatestAttemptExecutor = &v
	}
	return out, nil
}
