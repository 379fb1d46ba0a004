package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"buildline/internal/domain"
)

// HashToken returns a stable SHA-256 hex digest for the provided token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// InsertToken stores a hashed access token. TokenHash must already contain the hashed value.
func (r Repo) InsertToken(ctx context.Context, tx *sql.Tx, tok domain.AccessToken) error {
	if tok.ID == "" {
		return errors.New("id required")
	}
	if tok.Principal == "" {
		return errors.New("principal required")
	}
	if tok.TokenHash == "" {
		return errors.New("token_hash required")
	}
	if tok.CreatedAt == "" {
		tok.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO access_tokens(id, principal, name, token_hash, created_at) VALUES (?,?,?,?,?)`,
		tok.ID, tok.Principal, nullable(tok.Name), tok.TokenHash, tok.CreatedAt)
	return err
}

const tokenColumns = `id, principal, COALESCE(name,''), token_hash, created_at, last_used_at`

func scanToken(s interface{ Scan(...any) error }) (domain.AccessToken, error) {
	var tok domain.AccessToken
	var lastUsed sql.NullString
	if err := s.Scan(&tok.ID, &tok.Principal, &tok.Name, &tok.TokenHash, &tok.CreatedAt, &lastUsed); err != nil {
		return domain.AccessToken{}, err
	}
	if lastUsed.Valid {
		tok.LastUsedAt = &lastUsed.String
	}
	return tok, nil
}

// GetTokenByHash returns an access token by its hashed value.
func (r Repo) GetTokenByHash(ctx context.Context, hash string) (domain.AccessToken, error) {
	tok, err := scanToken(r.DB.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM access_tokens WHERE token_hash=? LIMIT 1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AccessToken{}, ErrNotFound
	}
	return tok, err
}

// TouchToken records when a token was last used.
func (r Repo) TouchToken(ctx context.Context, id string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE access_tokens SET last_used_at=? WHERE id=?`, at.UTC().Format(time.RFC3339), id)
	return err
}

// ListTokens returns access tokens, optionally filtered by principal.
func (r Repo) ListTokens(ctx context.Context, principal string) ([]domain.AccessToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM access_tokens`
	var args []any
	if principal != "" {
		query += ` WHERE principal=?`
		args = append(args, principal)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var toks []domain.AccessToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return toks, nil
}

// DeleteToken deletes an access token by ID.
func (r Repo) DeleteToken(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM access_tokens WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
