package queue

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"buildline/internal/domain"
	"buildline/internal/events"
	blog "buildline/internal/log"
	"buildline/internal/repo"
)

// Request describes a build to enqueue.
type Request struct {
	BuildTypeID string
	Branch      string
	Revision    string
	Params      map[string]string
	Priority    int
	Cause       string
	ChainDepth  int
	TriggeredBy *int64
	DependsOn   []int64
	ActorID     string
}

// Listener hears about builds that finished with SUCCESS or FAILURE.
// BuildFinished is called without any queue lock held.
type Listener interface {
	BuildFinished(ctx context.Context, b domain.QueuedBuild)
}

// Canceller forwards cancel requests for RUNNING builds to whoever runs them.
type Canceller interface {
	CancelRunning(ctx context.Context, b domain.QueuedBuild) error
}

// Retention bounds how many finished builds are kept. Zero fields disable
// that bound.
type Retention struct {
	MaxAge           time.Duration
	KeepPerBuildType int
}

// Queue is the persistent build queue. Writes are serialized by one mutex
// and each runs in a single sqlite transaction.
type Queue struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	// MaxRunning returns the concurrency limit for a build type; 0 means
	// unlimited.
	MaxRunning func(buildTypeID string) int
	Logger     *slog.Logger

	mu        sync.Mutex
	notifier  *Notifier
	hooksMu   sync.RWMutex
	listeners []Listener
	canceller Canceller
}

func New(r repo.Repo) *Queue {
	return &Queue{
		Repo:     r,
		Now:      time.Now,
		Logger:   blog.New("queue"),
		notifier: NewNotifier(),
	}
}

// Notifier signals every queue change (enqueue, start, finish, cancel).
func (q *Queue) Notifier() *Notifier {
	return q.notifier
}

func (q *Queue) OnFinish(l Listener) {
	q.hooksMu.Lock()
	q.listeners = append(q.listeners, l)
	q.hooksMu.Unlock()
}

func (q *Queue) SetCanceller(c Canceller) {
	q.hooksMu.Lock()
	q.canceller = c
	q.hooksMu.Unlock()
}

func (q *Queue) now() string {
	now := q.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (q *Queue) events() events.Writer {
	w := q.Events
	if w.Now == nil {
		w.Now = q.Now
	}
	return w
}

// ParamsHash identifies a parameter set. The branch takes part in the hash
// so the same parameters on two branches are distinct builds.
func ParamsHash(branch string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	fmt.Fprintf(h, "branch=%s\n", branch)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, params[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Enqueue inserts a QUEUED build unless one with the same build type and
// params hash is already QUEUED or RUNNING, in which case that build is
// returned with created == false.
func (q *Queue) Enqueue(ctx context.Context, req Request) (b domain.QueuedBuild, created bool, err error) {
	if req.BuildTypeID == "" {
		return domain.QueuedBuild{}, false, errors.New("build type id required")
	}
	hash := ParamsHash(req.Branch, req.Params)

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueuedBuild{}, false, err
	}
	defer tx.Rollback()

	existing, err := q.Repo.FindInFlight(ctx, tx, req.BuildTypeID, hash)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.QueuedBuild{}, false, err
	}

	deps := append([]int64(nil), req.DependsOn...)
	sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
	b = domain.QueuedBuild{
		BuildTypeID: req.BuildTypeID,
		Branch:      req.Branch,
		Revision:    req.Revision,
		Params:      req.Params,
		ParamsHash:  hash,
		Status:      domain.StatusQueued,
		Priority:    req.Priority,
		Cause:       req.Cause,
		ChainDepth:  req.ChainDepth,
		TriggeredBy: req.TriggeredBy,
		DependsOn:   deps,
		QueuedAt:    q.now(),
	}
	id, err := q.Repo.InsertBuild(ctx, tx, b)
	if err != nil {
		if isUniqueViolation(err) {
			// another process won the race; hand back its build
			tx.Rollback()
			existing, ferr := q.Repo.FindInFlight(ctx, nil, req.BuildTypeID, hash)
			if ferr == nil {
				return existing, false, nil
			}
		}
		return domain.QueuedBuild{}, false, fmt.Errorf("insert build: %w", err)
	}
	b.ID = id
	if _, err := q.events().Append(ctx, tx, events.BuildQueued, "build", buildID(id), req.ActorID, events.EventPayload{
		"build_type_id": b.BuildTypeID,
		"branch":        b.Branch,
		"cause":         b.Cause,
		"chain_depth":   b.ChainDepth,
		"depends_on":    b.DependsOn,
	}); err != nil {
		return domain.QueuedBuild{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueuedBuild{}, false, err
	}
	q.notifier.NotifyAll()
	return b, true, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func buildID(id int64) string {
	return fmt.Sprintf("%d", id)
}

// Dispatch claims the next dispatchable build for agentID and marks it
// RUNNING. A build is dispatchable when all of its snapshot dependencies
// succeeded and its build type is below its running limit. Queued builds
// whose dependencies failed or were cancelled are cancelled on the way.
// ok is false when nothing can be dispatched right now.
func (q *Queue) Dispatch(ctx context.Context, agentID string) (b domain.QueuedBuild, ok bool, err error) {
	changed := false
	defer func() {
		if changed {
			q.notifier.NotifyAll()
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueuedBuild{}, false, err
	}
	defer tx.Rollback()

	candidates, err := q.Repo.QueuedInDispatchOrder(ctx, tx)
	if err != nil {
		return domain.QueuedBuild{}, false, err
	}
	running := map[string]int{}
	cancelled := map[int64]bool{}
	for _, c := range candidates {
		if cancelled[c.ID] {
			continue
		}
		statuses, err := q.Repo.DependencyStatuses(ctx, tx, c.ID)
		if err != nil {
			return domain.QueuedBuild{}, false, err
		}
		ready, blocker := dependenciesReady(statuses)
		if blocker != "" {
			gone, err := q.cancelQueued(ctx, tx, c, blocker, "")
			if err != nil {
				return domain.QueuedBuild{}, false, err
			}
			for _, g := range gone {
				cancelled[g.ID] = true
			}
			changed = true
			continue
		}
		if !ready {
			continue
		}
		if limit := q.maxRunning(c.BuildTypeID); limit > 0 {
			n, seen := running[c.BuildTypeID]
			if !seen {
				if n, err = q.Repo.CountRunning(ctx, tx, c.BuildTypeID); err != nil {
					return domain.QueuedBuild{}, false, err
				}
				running[c.BuildTypeID] = n
			}
			if n >= limit {
				continue
			}
		}
		now := q.now()
		if err := q.Repo.UpdateStatus(ctx, tx, c.ID, domain.StatusQueued, domain.StatusRunning, repo.StatusUpdate{AgentID: agentID, StartedAt: now}); err != nil {
			return domain.QueuedBuild{}, false, err
		}
		if _, err := q.events().Append(ctx, tx, events.BuildStarted, "build", buildID(c.ID), agentID, events.EventPayload{
			"build_type_id": c.BuildTypeID,
			"agent_id":      agentID,
		}); err != nil {
			return domain.QueuedBuild{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return domain.QueuedBuild{}, false, err
		}
		changed = true
		c.Status = domain.StatusRunning
		c.AgentID = agentID
		c.StartedAt = &now
		return c, true, nil
	}
	if changed {
		if err := tx.Commit(); err != nil {
			return domain.QueuedBuild{}, false, err
		}
	}
	return domain.QueuedBuild{}, false, nil
}

func (q *Queue) maxRunning(buildTypeID string) int {
	if q.MaxRunning == nil {
		return 0
	}
	return q.MaxRunning(buildTypeID)
}

// dependenciesReady reports whether every dependency succeeded. blocker is
// set when one can never succeed.
func dependenciesReady(statuses map[int64]domain.Status) (ready bool, blocker string) {
	ids := make([]int64, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ready = true
	for _, id := range ids {
		switch statuses[id] {
		case domain.StatusSuccess:
		case domain.StatusFailure:
			return false, fmt.Sprintf("snapshot dependency #%d failed", id)
		case domain.StatusCancelled:
			return false, fmt.Sprintf("snapshot dependency #%d was cancelled", id)
		case "":
			return false, fmt.Sprintf("snapshot dependency #%d no longer exists", id)
		default:
			ready = false
		}
	}
	return ready, ""
}

// cancelQueued cancels a QUEUED build and, transitively, every queued build
// depending on it. It returns all builds it cancelled.
func (q *Queue) cancelQueued(ctx context.Context, tx *sql.Tx, b domain.QueuedBuild, reason, actorID string) ([]domain.QueuedBuild, error) {
	now := q.now()
	if err := q.Repo.UpdateStatus(ctx, tx, b.ID, domain.StatusQueued, domain.StatusCancelled, repo.StatusUpdate{FailureReason: reason, FinishedAt: now}); err != nil {
		return nil, err
	}
	if _, err := q.events().Append(ctx, tx, events.BuildCancelled, "build", buildID(b.ID), actorID, events.EventPayload{
		"build_type_id": b.BuildTypeID,
		"reason":        reason,
	}); err != nil {
		return nil, err
	}
	b.Status = domain.StatusCancelled
	b.FailureReason = reason
	b.FinishedAt = &now
	out := []domain.QueuedBuild{b}
	more, err := q.cascade(ctx, tx, b.ID, fmt.Sprintf("snapshot dependency #%d was cancelled", b.ID))
	if err != nil {
		return nil, err
	}
	return append(out, more...), nil
}

// cascade cancels queued builds that depend on depID.
func (q *Queue) cascade(ctx context.Context, tx *sql.Tx, depID int64, reason string) ([]domain.QueuedBuild, error) {
	dependents, err := q.Repo.Dependents(ctx, tx, depID, domain.StatusQueued)
	if err != nil {
		return nil, err
	}
	var out []domain.QueuedBuild
	for _, d := range dependents {
		// an earlier branch of the cascade may have reached d already
		cur, err := q.Repo.GetBuild(ctx, tx, d.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status != domain.StatusQueued {
			continue
		}
		cancelled, err := q.cancelQueued(ctx, tx, cur, reason, "")
		if err != nil {
			return nil, err
		}
		out = append(out, cancelled...)
	}
	return out, nil
}

// Complete records the outcome reported for a RUNNING build. Any result
// other than SUCCESS cancels the queued builds that depend on it. Finish
// listeners run after the queue lock is released, and only for SUCCESS and
// FAILURE.
func (q *Queue) Complete(ctx context.Context, id int64, status domain.Status, reason string) (domain.QueuedBuild, error) {
	if !status.Terminal() {
		return domain.QueuedBuild{}, fmt.Errorf("build %d: %s is not a final status", id, status)
	}
	b, err := q.complete(ctx, id, status, reason)
	if err != nil {
		return domain.QueuedBuild{}, err
	}
	q.notifier.NotifyAll()
	if status == domain.StatusSuccess || status == domain.StatusFailure {
		q.hooksMu.RLock()
		listeners := append([]Listener(nil), q.listeners...)
		q.hooksMu.RUnlock()
		for _, l := range listeners {
			l.BuildFinished(ctx, b)
		}
	}
	return b, nil
}

func (q *Queue) complete(ctx context.Context, id int64, status domain.Status, reason string) (domain.QueuedBuild, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueuedBuild{}, err
	}
	defer tx.Rollback()

	b, err := q.Repo.GetBuild(ctx, tx, id)
	if err != nil {
		return domain.QueuedBuild{}, err
	}
	if b.Status == domain.StatusQueued && status == domain.StatusCancelled {
		if _, err := q.cancelQueued(ctx, tx, b, reason, b.AgentID); err != nil {
			return domain.QueuedBuild{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.QueuedBuild{}, err
		}
		return q.Repo.GetBuild(ctx, nil, id)
	}
	if err := ValidateTransition(id, b.Status, status); err != nil {
		return domain.QueuedBuild{}, err
	}
	now := q.now()
	if err := q.Repo.UpdateStatus(ctx, tx, id, b.Status, status, repo.StatusUpdate{FailureReason: reason, FinishedAt: now}); err != nil {
		return domain.QueuedBuild{}, err
	}
	if _, err := q.events().Append(ctx, tx, events.BuildFinished, "build", buildID(id), b.AgentID, events.EventPayload{
		"build_type_id": b.BuildTypeID,
		"status":        string(status),
		"reason":        reason,
	}); err != nil {
		return domain.QueuedBuild{}, err
	}
	if status != domain.StatusSuccess {
		var why string
		if status == domain.StatusFailure {
			why = fmt.Sprintf("snapshot dependency #%d failed", id)
		} else {
			why = fmt.Sprintf("snapshot dependency #%d was cancelled", id)
		}
		if _, err := q.cascade(ctx, tx, id, why); err != nil {
			return domain.QueuedBuild{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.QueuedBuild{}, err
	}
	b.Status = status
	b.FailureReason = reason
	b.FinishedAt = &now
	return b, nil
}

// Cancel stops a build. A QUEUED build is cancelled at once together with
// its queued dependents. A RUNNING build is flagged and its agent is asked
// to stop; the build turns CANCELLED when the agent reports back.
func (q *Queue) Cancel(ctx context.Context, id int64, reason, actorID string) (domain.QueuedBuild, error) {
	if reason == "" {
		reason = "cancelled"
	}
	b, err := q.cancel(ctx, id, reason, actorID)
	if err != nil {
		return domain.QueuedBuild{}, err
	}
	q.notifier.NotifyAll()
	if b.Status == domain.StatusRunning {
		q.hooksMu.RLock()
		c := q.canceller
		q.hooksMu.RUnlock()
		if c != nil {
			if err := c.CancelRunning(ctx, b); err != nil {
				blog.Or(q.Logger, "queue").Warn("forward cancel to agent", "build", b.ID, "agent", b.AgentID, "err", err)
			}
		}
	}
	return b, nil
}

func (q *Queue) cancel(ctx context.Context, id int64, reason, actorID string) (domain.QueuedBuild, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueuedBuild{}, err
	}
	defer tx.Rollback()

	b, err := q.Repo.GetBuild(ctx, tx, id)
	if err != nil {
		return domain.QueuedBuild{}, err
	}
	switch b.Status {
	case domain.StatusQueued:
		cancelled, err := q.cancelQueued(ctx, tx, b, reason, actorID)
		if err != nil {
			return domain.QueuedBuild{}, err
		}
		b = cancelled[0]
	case domain.StatusRunning:
		if err := q.Repo.MarkCancelRequested(ctx, tx, id); err != nil {
			return domain.QueuedBuild{}, err
		}
		if _, err := q.events().Append(ctx, tx, events.BuildCancelAsked, "build", buildID(id), actorID, events.EventPayload{
			"build_type_id": b.BuildTypeID,
			"agent_id":      b.AgentID,
			"reason":        reason,
		}); err != nil {
			return domain.QueuedBuild{}, err
		}
		b.CancelRequested = true
	default:
		return domain.QueuedBuild{}, ValidateTransition(id, b.Status, domain.StatusCancelled)
	}
	if err := tx.Commit(); err != nil {
		return domain.QueuedBuild{}, err
	}
	return b, nil
}

// Prune deletes finished builds outside the retention window and returns
// how many rows went away.
func (q *Queue) Prune(ctx context.Context, r Retention) (int64, error) {
	if r.MaxAge <= 0 && r.KeepPerBuildType <= 0 {
		return 0, nil
	}
	var cutoff string
	if r.MaxAge > 0 {
		now := q.Now
		if now == nil {
			now = time.Now
		}
		cutoff = now().Add(-r.MaxAge).UTC().Format(time.RFC3339)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n, err := q.Repo.PruneBuilds(ctx, tx, cutoff, r.KeepPerBuildType)
	if err != nil {
		return 0, fmt.Errorf("prune builds: %w", err)
	}
	if n > 0 {
		if _, err := q.events().Append(ctx, tx, events.BuildsPruned, "build", "", "", events.EventPayload{
			"deleted":   n,
			"cutoff":    cutoff,
			"keep_each": r.KeepPerBuildType,
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (q *Queue) Get(ctx context.Context, id int64) (domain.QueuedBuild, error) {
	return q.Repo.GetBuild(ctx, nil, id)
}

// Queued returns the QUEUED builds in the order Dispatch considers them.
func (q *Queue) Queued(ctx context.Context) ([]domain.QueuedBuild, error) {
	return q.Repo.QueuedInDispatchOrder(ctx, nil)
}

func (q *Queue) List(ctx context.Context, f repo.BuildFilter) ([]domain.QueuedBuild, error) {
	return q.Repo.ListBuilds(ctx, nil, f)
}

// LatestSuccessful lets the queue serve as resolver history.
func (q *Queue) LatestSuccessful(ctx context.Context, buildTypeID, branch, revision string) (domain.QueuedBuild, bool, error) {
	return q.Repo.LatestSuccessful(ctx, buildTypeID, branch, revision)
}
