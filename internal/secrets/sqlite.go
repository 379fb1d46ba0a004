package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SqliteStore keeps secrets in the workspace database.
type SqliteStore struct {
	db  *sql.DB
	Now func() time.Time
}

// Secret is a stored secret without its value.
type Secret struct {
	ID        string
	CreatedAt time.Time
	CreatedBy string
}

// NewSqliteStore creates the secrets table in db when missing.
func NewSqliteStore(ctx context.Context, db *sql.DB) (*SqliteStore, error) {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS secrets (
  id TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  created_at TEXT NOT NULL,
  created_by TEXT NOT NULL DEFAULT ''
)`)
	if err != nil {
		return nil, fmt.Errorf("create secrets table: %w", err)
	}
	return &SqliteStore{db: db, Now: time.Now}, nil
}

func (s *SqliteStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Put stores value under id, replacing any previous value.
func (s *SqliteStore) Put(ctx context.Context, id, value, createdBy string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO secrets(id,value,created_at,created_by) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET value=excluded.value, created_at=excluded.created_at, created_by=excluded.created_by`,
		id, value, s.now().UTC().Format(time.RFC3339), createdBy)
	return err
}

func (s *SqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

// List returns stored secrets ordered by id. Values are never listed.
func (s *SqliteStore) List(ctx context.Context) ([]Secret, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, created_by FROM secrets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Secret
	for rows.Next() {
		var sec Secret
		var created string
		if err := rows.Scan(&sec.ID, &created, &sec.CreatedBy); err != nil {
			return nil, err
		}
		sec.CreatedAt, err = time.Parse(time.RFC3339, created)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", sec.ID, err)
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func (s *SqliteStore) Resolve(ctx context.Context, ref string) (string, error) {
	id, err := ID(ref)
	if err != nil {
		return "", err
	}
	var v string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE id=?`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return v, err
}
