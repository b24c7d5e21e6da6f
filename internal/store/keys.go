package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskforge/execcore/internal/apperror"
)

// GitHostingKey is a registered, encrypted-at-rest access token for a git
// hosting provider, consumed by the create_pr supplement's token resolver.
type GitHostingKey struct {
	ID             string
	Provider       string
	Label          string
	EncryptedToken string
	CreatedAt      time.Time
}

func (s *Store) CreateGitHostingKey(ctx context.Context, k *GitHostingKey) error {
	_, err := s.conn().ExecContext(ctx,
		`INSERT INTO git_hosting_keys (id, provider, label, encrypted_token, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.Provider, k.Label, k.EncryptedToken, formatTime(k.CreatedAt),
	)
	return err
}

func (s *Store) ListGitHostingKeys(ctx context.Context) ([]*GitHostingKey, error) {
	rows, err := s.conn().QueryContext(ctx, `SELECT id, provider, label, encrypted_token, created_at FROM git_hosting_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*GitHostingKey
	for rows.Next() {
		k := &GitHostingKey{}
		var createdAt string
		if err := rows.Scan(&k.ID, &k.Provider, &k.Label, &k.EncryptedToken, &createdAt); err != nil {
			return nil, err
		}
		k.CreatedAt = parseTime(createdAt)
		out = append(out, k)
	}
	return out, rows.Err()
}

// KeyForProvider returns the most recently registered key for provider, if
// any, used as the first link in the token resolution priority chain.
func (s *Store) KeyForProvider(ctx context.Context, provider string) (*GitHostingKey, error) {
	row := s.conn().QueryRowContext(ctx,
		`SELECT id, provider, label, encrypted_token, created_at FROM git_hosting_keys WHERE provider = ? ORDER BY created_at DESC LIMIT 1`,
		provider)
	k := &GitHostingKey{}
	var createdAt string
	err := row.Scan(&k.ID, &k.Provider, &k.Label, &k.EncryptedToken, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	k.CreatedAt = parseTime(createdAt)
	return k, nil
}

func (s *Store) DeleteGitHostingKey(ctx context.Context, id string) error {
	res, err := s.conn().ExecContext(ctx, `DELETE FROM git_hosting_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NotFound("key %q not found", id)
	}
	return nil
}
