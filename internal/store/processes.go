package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskforge/execcore/internal/apperror"
)

func (s *Store) CreateProcess(ctx context.Context, p *ExecutionProcess) error {
	_, err := s.conn().ExecContext(ctx,
		`INSERT INTO execution_processes (id, task_attempt_id, process_type, executor_type, status, command_line, working_directory, exit_code, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TaskAttemptID, string(p.ProcessType), p.ExecutorType, string(p.Status),
		p.CommandLine, p.WorkingDirectory, p.ExitCode, formatTime(p.StartedAt), formatTimePtr(p.CompletedAt),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	return err
}

const processColumns = `id, task_attempt_id, process_type, executor_type, status, command_line, working_directory, exit_code, started_at, completed_at, created_at, updated_at`

func scanProcess(row interface{ Scan(...interface{}) error }) (*ExecutionProcess, error) {
	p := &ExecutionProcess{}
	var processType, status string
	var completedAt sql.NullString
	var startedAt, createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.TaskAttemptID, &processType, &p.ExecutorType, &status, &p.CommandLine,
		&p.WorkingDirectory, &p.ExitCode, &startedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.ProcessType = ProcessType(processType)
	p.Status = ProcessStatus(status)
	p.StartedAt = parseTime(startedAt)
	p.CompletedAt = parseTimePtr(completedAt)
	p.CreatedAt, p.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return p, nil
}

func (s *Store) GetProcess(ctx context.Context, id string) (*ExecutionProcess, error) {
	row := s.conn().QueryRowContext(ctx, `SELECT `+processColumns+` FROM execution_processes WHERE id = ?`, id)
	p, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("execution process %q not found", id)
	}
	return p, err
}

// ListProcessesByAttempt returns every process for the attempt, ordered by
// created_at, i.e. in the sequence the stages were started.
func (s *Store) ListProcessesByAttempt(ctx context.Context, attemptID string) ([]*ExecutionProcess, error) {
	rows, err := s.conn().QueryContext(ctx, `SELECT `+processColumns+` FROM execution_processes WHERE task_attempt_id = ? ORDER BY created_at ASC`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ExecutionProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RunningProcessForAttempt returns the attempt's currently Running process,
// if any. At most one CodingAgent per attempt is Running at a time, but a
// SetupScript or CleanupScript may also hold this slot.
func (s *Store) RunningProcessForAttempt(ctx context.Context, attemptID string) (*ExecutionProcess, error) {
	row := s.conn().QueryRowContext(ctx,
		`SELECT `+processColumns+` FROM execution_processes WHERE task_attempt_id = ? AND status = 'Running' LIMIT 1`,
		attemptID)
	p, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListRunning returns every process currently marked Running, used by the
// monitor's boot reconciliation pass.
func (s *Store) ListRunning(ctx context.Context) ([]*ExecutionProcess, error) {
	rows, err := s.conn().QueryContext(ctx, `SELECT `+processColumns+` FROM execution_processes WHERE status = 'Running'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ExecutionProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FinishProcess performs the single conditional terminal-status write: it
// only applies if the row is still Running, so a racing cancel and a
// racing exit-observation can't both win (DESIGN.md Open Question 3).
func (s *Store) FinishProcess(ctx context.Context, id string, status ProcessStatus, exitCode *int, at time.Time) (bool, error) {
	res, err := s.conn().ExecContext(ctx,
		`UPDATE execution_processes SET status = ?, exit_code = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'Running'`,
		string(status), exitCode, formatTime(at), formatTime(at), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
