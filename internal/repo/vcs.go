package repo

import (
	"context"
	"database/sql"
	"errors"

	"buildline/internal/domain"
)

// GetRevision returns the last revision recorded for a branch of a VCS root.
func (r Repo) GetRevision(ctx context.Context, tx *sql.Tx, rootID, branch string) (domain.VcsRevision, error) {
	var rev domain.VcsRevision
	err := r.on(tx).QueryRowContext(ctx, `SELECT vcs_root_id,branch,revision,updated_at FROM vcs_revisions WHERE vcs_root_id=? AND branch=?`, rootID, branch).
		Scan(&rev.VcsRootID, &rev.Branch, &rev.Revision, &rev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rev, ErrNotFound
	}
	return rev, err
}

func (r Repo) UpsertRevision(ctx context.Context, tx *sql.Tx, rev domain.VcsRevision) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO vcs_revisions(vcs_root_id,branch,revision,updated_at) VALUES (?,?,?,?)
ON CONFLICT(vcs_root_id,branch) DO UPDATE SET revision=excluded.revision, updated_at=excluded.updated_at`,
		rev.VcsRootID, rev.Branch, rev.Revision, rev.UpdatedAt)
	return err
}

// ListRevisions returns polling state for a root, or for all roots when
// rootID is empty.
func (r Repo) ListRevisions(ctx context.Context, rootID string) ([]domain.VcsRevision, error) {
	query := `SELECT vcs_root_id,branch,revision,updated_at FROM vcs_revisions`
	var args []any
	if rootID != "" {
		query += ` WHERE vcs_root_id=?`
		args = append(args, rootID)
	}
	query += ` ORDER BY vcs_root_id, branch`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.VcsRevision
	for rows.Next() {
		var rev domain.VcsRevision
		if err := rows.Scan(&rev.VcsRootID, &rev.Branch, &rev.Revision, &rev.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}
