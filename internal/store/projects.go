package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/taskforge/execcore/internal/apperror"
)

func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	_, err := s.conn().ExecContext(ctx,
		`INSERT INTO projects (id, name, git_repo_path, setup_script, dev_script, cleanup_script, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.GitRepoPath, p.SetupScript, p.DevScript, p.CleanupScript, p.CreatedBy,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return apperror.Conflict("project with git_repo_path %q already exists", p.GitRepoPath)
	}
	return err
}

func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.conn().QueryRowContext(ctx,
		`SELECT id, name, git_repo_path, setup_script, dev_script, cleanup_script, created_by, created_at, updated_at
		 FROM projects WHERE id = ?`, id)
	p := &Project{}
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Name, &p.GitRepoPath, &p.SetupScript, &p.DevScript, &p.CleanupScript, &p.CreatedBy, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("project %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt, p.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT id, name, git_repo_path, setup_script, dev_script, cleanup_script, created_by, created_at, updated_at
		 FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p := &Project{}
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.GitRepoPath, &p.SetupScript, &p.DevScript, &p.CleanupScript, &p.CreatedBy, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt, p.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProject relies on ON DELETE CASCADE through tasks, task_attempts,
// execution_processes and conversation_events.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.conn().ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NotFound("project %q not found", id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
