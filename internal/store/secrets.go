package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/faucetdb/sluice/internal/model"
)

// ---------------------------------------------------------------------------
// Vault records
// ---------------------------------------------------------------------------

type secretRow struct {
	Key        string     `db:"key"`
	Ciphertext []byte     `db:"ciphertext"`
	Nonce      []byte     `db:"nonce"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
	RotatedAt  *time.Time `db:"rotated_at"`
}

func (r secretRow) toModel() *model.SecretRecord {
	return &model.SecretRecord{
		Key:        r.Key,
		Ciphertext: r.Ciphertext,
		Nonce:      r.Nonce,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		RotatedAt:  r.RotatedAt,
	}
}

// PutSecret inserts or replaces an encrypted secret. Replacing an existing
// key counts as a rotation and sets rotated_at.
func (s *Store) PutSecret(ctx context.Context, rec *model.SecretRecord) error {
	t := now()
	const q = `INSERT INTO secrets (key, ciphertext, nonce, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			updated_at = excluded.updated_at,
			rotated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), rec.Key, rec.Ciphertext, rec.Nonce, t, t); err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

// GetSecret returns the encrypted record stored under key.
func (s *Store) GetSecret(ctx context.Context, key string) (*model.SecretRecord, error) {
	var row secretRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT * FROM secrets WHERE key = ?"), key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return row.toModel(), nil
}

// ListSecrets returns every record whose key starts with prefix.
func (s *Store) ListSecrets(ctx context.Context, prefix string) ([]*model.SecretRecord, error) {
	var rows []secretRow
	q := s.db.Rebind("SELECT * FROM secrets WHERE substr(key, 1, ?) = ? ORDER BY key")
	if err := s.db.SelectContext(ctx, &rows, q, len(prefix), prefix); err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	out := make([]*model.SecretRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// CountSecrets returns the number of stored secrets.
func (s *Store) CountSecrets(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM secrets"); err != nil {
		return 0, fmt.Errorf("count secrets: %w", err)
	}
	return n, nil
}

// DeleteSecret removes a secret by key.
func (s *Store) DeleteSecret(ctx context.Context, key string) error {
	n, err := exec(ctx, s.db, "DELETE FROM secrets WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
