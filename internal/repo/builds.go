package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"buildline/internal/domain"
)

const buildColumns = `b.id,b.build_type_id,b.branch,b.revision,b.params_json,b.params_hash,b.status,b.priority,b.cause,b.chain_depth,
b.triggered_by,COALESCE(b.agent_id,''),COALESCE(b.failure_reason,''),b.cancel_requested,b.queued_at,b.started_at,b.finished_at,
COALESCE((SELECT group_concat(d.dep_id) FROM build_deps d WHERE d.build_id=b.id),'')`

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(s scanner) (domain.QueuedBuild, error) {
	var (
		b           domain.QueuedBuild
		paramsJSON  string
		status      string
		triggeredBy sql.NullInt64
		cancel      int
		started     sql.NullString
		finished    sql.NullString
		deps        string
	)
	err := s.Scan(&b.ID, &b.BuildTypeID, &b.Branch, &b.Revision, &paramsJSON, &b.ParamsHash, &status, &b.Priority, &b.Cause, &b.ChainDepth,
		&triggeredBy, &b.AgentID, &b.FailureReason, &cancel, &b.QueuedAt, &started, &finished, &deps)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, ErrNotFound
		}
		return b, err
	}
	b.Status = domain.Status(status)
	b.CancelRequested = cancel != 0
	if triggeredBy.Valid {
		v := triggeredBy.Int64
		b.TriggeredBy = &v
	}
	if started.Valid {
		b.StartedAt = &started.String
	}
	if finished.Valid {
		b.FinishedAt = &finished.String
	}
	if paramsJSON != "" && paramsJSON != "{}" {
		if err := json.Unmarshal([]byte(paramsJSON), &b.Params); err != nil {
			return b, fmt.Errorf("build %d params: %w", b.ID, err)
		}
	}
	if deps != "" {
		for _, part := range strings.Split(deps, ",") {
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return b, fmt.Errorf("build %d deps: %w", b.ID, err)
			}
			b.DependsOn = append(b.DependsOn, id)
		}
		sort.Slice(b.DependsOn, func(i, j int) bool { return b.DependsOn[i] < b.DependsOn[j] })
	}
	return b, nil
}

func (r Repo) queryBuilds(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.QueuedBuild, error) {
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.QueuedBuild
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertBuild stores b with its snapshot dependency ids and returns the new id.
func (r Repo) InsertBuild(ctx context.Context, tx *sql.Tx, b domain.QueuedBuild) (int64, error) {
	if b.BuildTypeID == "" {
		return 0, errors.New("build_type_id required")
	}
	params := "{}"
	if len(b.Params) > 0 {
		data, err := json.Marshal(b.Params)
		if err != nil {
			return 0, fmt.Errorf("marshal params: %w", err)
		}
		params = string(data)
	}
	var triggeredBy any
	if b.TriggeredBy != nil {
		triggeredBy = *b.TriggeredBy
	}
	q := r.on(tx)
	res, err := q.ExecContext(ctx, `INSERT INTO builds(build_type_id,branch,revision,params_json,params_hash,status,priority,cause,chain_depth,triggered_by,queued_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		b.BuildTypeID, b.Branch, b.Revision, params, b.ParamsHash, string(b.Status), b.Priority, b.Cause, b.ChainDepth, triggeredBy, b.QueuedAt)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, dep := range b.DependsOn {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO build_deps(build_id,dep_id) VALUES (?,?)`, id, dep); err != nil {
			return 0, fmt.Errorf("insert dependency %d: %w", dep, err)
		}
	}
	return id, nil
}

func (r Repo) GetBuild(ctx context.Context, tx *sql.Tx, id int64) (domain.QueuedBuild, error) {
	return scanBuild(r.on(tx).QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds b WHERE b.id=?`, id))
}

// FindInFlight returns the QUEUED or RUNNING build for a build type and
// params hash.
func (r Repo) FindInFlight(ctx context.Context, tx *sql.Tx, buildTypeID, paramsHash string) (domain.QueuedBuild, error) {
	return scanBuild(r.on(tx).QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds b
WHERE b.build_type_id=? AND b.params_hash=? AND b.status IN ('QUEUED','RUNNING') LIMIT 1`, buildTypeID, paramsHash))
}

type BuildFilter struct {
	BuildTypeID string
	Branch      string
	Statuses    []domain.Status
	Limit       int
}

// ListBuilds returns builds matching f, newest first.
func (r Repo) ListBuilds(ctx context.Context, tx *sql.Tx, f BuildFilter) ([]domain.QueuedBuild, error) {
	query := `SELECT ` + buildColumns + ` FROM builds b`
	var (
		where []string
		args  []any
	)
	if f.BuildTypeID != "" {
		where = append(where, "b.build_type_id=?")
		args = append(args, f.BuildTypeID)
	}
	if f.Branch != "" {
		where = append(where, "b.branch=?")
		args = append(args, f.Branch)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "b.status IN ("+strings.Join(marks, ",")+")")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY b.id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryBuilds(ctx, tx, query, args...)
}

// QueuedInDispatchOrder returns QUEUED builds by priority (highest first),
// then enqueue time, then id.
func (r Repo) QueuedInDispatchOrder(ctx context.Context, tx *sql.Tx) ([]domain.QueuedBuild, error) {
	return r.queryBuilds(ctx, tx, `SELECT `+buildColumns+` FROM builds b WHERE b.status='QUEUED' ORDER BY b.priority DESC, b.queued_at ASC, b.id ASC`)
}

// Dependents returns builds that list depID as a snapshot dependency and are
// in one of statuses (any status when empty).
func (r Repo) Dependents(ctx context.Context, tx *sql.Tx, depID int64, statuses ...domain.Status) ([]domain.QueuedBuild, error) {
	query := `SELECT ` + buildColumns + ` FROM builds b JOIN build_deps x ON x.build_id=b.id WHERE x.dep_id=?`
	args := []any{depID}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += " AND b.status IN (" + strings.Join(marks, ",") + ")"
	}
	query += " ORDER BY b.id"
	return r.queryBuilds(ctx, tx, query, args...)
}

// DependencyStatuses maps each snapshot dependency of buildID to its status.
// Dependencies whose row no longer exists map to an empty status.
func (r Repo) DependencyStatuses(ctx context.Context, tx *sql.Tx, buildID int64) (map[int64]domain.Status, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT x.dep_id, COALESCE(b.status,'') FROM build_deps x LEFT JOIN builds b ON b.id=x.dep_id WHERE x.build_id=?`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]domain.Status{}
	for rows.Next() {
		var id int64
		var status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = domain.Status(status)
	}
	return out, rows.Err()
}

func (r Repo) CountRunning(ctx context.Context, tx *sql.Tx, buildTypeID string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM builds WHERE build_type_id=? AND status='RUNNING'`, buildTypeID).Scan(&n)
	return n, err
}

// StatusUpdate carries the columns written along with a status change.
type StatusUpdate struct {
	AgentID       string
	FailureReason string
	StartedAt     string
	FinishedAt    string
}

// UpdateStatus moves a build from one status to another. It returns
// ErrStale when the build is no longer in status from.
func (r Repo) UpdateStatus(ctx context.Context, tx *sql.Tx, id int64, from, to domain.Status, u StatusUpdate) error {
	fields := []string{"status=?"}
	args := []any{string(to)}
	if u.AgentID != "" {
		fields = append(fields, "agent_id=?")
		args = append(args, u.AgentID)
	}
	if u.FailureReason != "" {
		fields = append(fields, "failure_reason=?")
		args = append(args, u.FailureReason)
	}
	if u.StartedAt != "" {
		fields = append(fields, "started_at=?")
		args = append(args, u.StartedAt)
	}
	if u.FinishedAt != "" {
		fields = append(fields, "finished_at=?")
		args = append(args, u.FinishedAt)
	}
	args = append(args, id, string(from))
	res, err := r.on(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE builds SET %s WHERE id=? AND status=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

func (r Repo) MarkCancelRequested(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE builds SET cancel_requested=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestSuccessful returns the newest SUCCESS build of a build type on
// branch. An empty revision matches any revision.
func (r Repo) LatestSuccessful(ctx context.Context, buildTypeID, branch, revision string) (domain.QueuedBuild, bool, error) {
	query := `SELECT ` + buildColumns + ` FROM builds b WHERE b.build_type_id=? AND b.branch=? AND b.status='SUCCESS'`
	args := []any{buildTypeID, branch}
	if revision != "" {
		query += ` AND b.revision=?`
		args = append(args, revision)
	}
	query += ` ORDER BY b.id DESC LIMIT 1`
	b, err := scanBuild(r.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return domain.QueuedBuild{}, false, nil
	}
	if err != nil {
		return domain.QueuedBuild{}, false, err
	}
	return b, true, nil
}

// PruneBuilds deletes terminal builds finished before cutoff, keeping the
// newest keep builds of every build type and anything an in-flight build
// still depends on. An empty cutoff only applies keep.
func (r Repo) PruneBuilds(ctx context.Context, tx *sql.Tx, cutoff string, keep int) (int64, error) {
	query := `DELETE FROM builds WHERE id IN (
  SELECT id FROM (
    SELECT id, finished_at, ROW_NUMBER() OVER (PARTITION BY build_type_id ORDER BY id DESC) AS rn
    FROM builds WHERE status IN ('SUCCESS','FAILURE','CANCELLED')
  ) ranked
  WHERE ranked.rn > ?`
	args := []any{keep}
	if cutoff != "" {
		query += ` AND COALESCE(ranked.finished_at,'') < ?`
		args = append(args, cutoff)
	}
	query += `
) AND id NOT IN (
  SELECT x.dep_id FROM build_deps x JOIN builds live ON live.id=x.build_id WHERE live.status IN ('QUEUED','RUNNING')
)`
	res, err := r.on(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
