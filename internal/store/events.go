package store

import (
	"context"
	"database/sql"
	"time"
)

// AppendEvent assigns the next dense seq for the process under a
// transaction so the sequence is allocated at the store layer, not an
// in-memory counter that could diverge under retries or across restarts.
func (s *Store) AppendEvent(ctx context.Context, processID string, kind EventKind, payload string, externalSessionID *string, at time.Time) (int64, error) {
	tx, err := s.conn().BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM conversation_events WHERE process_id = ?`, processID).Scan(&maxSeq); err != nil {
		return 0, err
	}
	seq := int64(0)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversation_events (process_id, seq, kind, payload, external_session_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		processID, seq, string(kind), payload, externalSessionID, formatTime(at),
	)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Store) EventsForProcess(ctx context.Context, processID string) ([]*ConversationEvent, error) {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT process_id, seq, kind, payload, external_session_id, created_at
		 FROM conversation_events WHERE process_id = ? ORDER BY seq ASC`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ConversationEvent
	for rows.Next() {
		e := &ConversationEvent{}
		var kind, createdAt string
		if err := rows.Scan(&e.ProcessID, &e.Seq, &kind, &e.Payload, &e.ExternalSessionID, &createdAt); err != nil {
			return nil, err
		}
		e.Kind = EventKind(kind)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestExternalSession returns the most recent SessionStarted.external_session_id
// across the attempt's CodingAgent processes, ordered by the owning
// process's created_at, for use by follow-up spawns.
func (s *Store) LatestExternalSession(ctx context.Context, attemptID string) (string, error) {
	var sessionID sql.NullString
	err := s.conn().QueryRowContext(ctx, `
		SELECT ce.external_session_id
		FROM conversation_events ce
		JOIN execution_processes ep ON ep.id = ce.process_id
		WHERE ep.task_attempt_id = ? AND ep.process_type = 'CodingAgent' AND ce.kind = 'SessionStarted'
		ORDER BY ep.created_at DESC, ce.seq DESC
		LIMIT 1
	`, attemptID).Scan(&sessionID)
	if err == sql.ErrNoRows || !sessionID.Valid {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sessionID.String, nil
}
