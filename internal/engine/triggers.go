package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/model"
	"buildline/internal/repo"
)

// OnVcsChange records revision as the head of branch on the VCS root and
// triggers every build type bound to the root whose enabled VCS trigger
// accepts the branch. Reporting the revision already on record is a no-op.
func (e *Engine) OnVcsChange(ctx context.Context, vcsRootID, branch, revision string) ([]domain.QueuedBuild, error) {
	m := e.Model()
	root, ok := m.VcsRoot(vcsRootID)
	if !ok {
		return nil, fmt.Errorf("vcs root %s: %w", vcsRootID, repo.ErrNotFound)
	}
	if branch == "" {
		branch = root.DefaultBranch()
	}
	short := model.ShortBranch(branch)
	if !root.Monitors(short) {
		e.log().Debug("branch not monitored", "root", root.ID, "branch", short)
		return nil, nil
	}

	changed, err := e.recordRevision(ctx, root.ID, short, revision)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil
	}

	var out []domain.QueuedBuild
	for _, bt := range m.BoundTo(root.ID) {
		if bt.Paused || !vcsTriggerMatches(bt, short) {
			continue
		}
		res, err := e.fire(ctx, bt.ID, SubmitRequest{
			BuildTypeID: bt.ID,
			Branch:      short,
			Revision:    revision,
			Cause:       domain.CauseVcs,
		})
		if err != nil {
			return out, fmt.Errorf("vcs trigger on %s: %w", bt.ID, err)
		}
		out = append(out, res.Queued...)
	}
	return sortedBuilds(out), nil
}

func vcsTriggerMatches(bt *model.BuildType, branch string) bool {
	for _, t := range bt.VcsTriggers() {
		if t.Enabled && t.Branches.Match(branch) {
			return true
		}
	}
	return false
}

func (e *Engine) recordRevision(ctx context.Context, rootID, branch, revision string) (bool, error) {
	key := "vcs:" + rootID
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	tx, err := e.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	prev, err := e.Repo.GetRevision(ctx, tx, rootID, branch)
	switch {
	case err == nil && prev.Revision == revision:
		return false, nil
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return false, err
	}
	if err := e.Repo.UpsertRevision(ctx, tx, domain.VcsRevision{
		VcsRootID: rootID,
		Branch:    branch,
		Revision:  revision,
		UpdatedAt: e.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return false, err
	}
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	if _, err := w.Append(ctx, tx, events.VcsChange, "vcs_root", rootID, "", events.EventPayload{
		"branch":   branch,
		"revision": revision,
		"previous": prev.Revision,
	}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// OnBuildFinished evaluates the finish-build triggers watching the build
// type of fb and queues the downstream builds whose triggers fire.
func (e *Engine) OnBuildFinished(ctx context.Context, fb FinishedBuild) ([]domain.QueuedBuild, error) {
	if fb.Result != domain.StatusSuccess && fb.Result != domain.StatusFailure {
		return nil, nil
	}
	up, err := e.Queue.Get(ctx, fb.BuildID)
	if err != nil {
		return nil, fmt.Errorf("finished build %d: %w", fb.BuildID, err)
	}
	m := e.Model()
	var out []domain.QueuedBuild
	for _, down := range m.WatchersOf(up.BuildTypeID) {
		if down.Paused {
			continue
		}
		trig, ok := e.matchFinishTrigger(m, down, up, fb.Result)
		if !ok {
			continue
		}
		queued, err := e.chain(ctx, m, down, up, trig, fb.Result)
		if err != nil {
			return out, err
		}
		out = append(out, queued...)
	}
	return sortedBuilds(out), nil
}

func (e *Engine) matchFinishTrigger(m *model.Model, down *model.BuildType, up domain.QueuedBuild, result domain.Status) (model.FinishBuildTrigger, bool) {
	snapshot := gateSnapshot(m, down, up)
	for _, t := range down.FinishTriggers() {
		if !t.Enabled || t.Upstream != up.BuildTypeID {
			continue
		}
		if t.SuccessfulOnly && result != domain.StatusSuccess {
			continue
		}
		if !t.Branches.Match(up.Branch) {
			continue
		}
		if !e.gatesHold(t, snapshot, down.ID) {
			continue
		}
		return t, true
	}
	return model.FinishBuildTrigger{}, false
}

// gateSnapshot is the parameter view gates are evaluated against. The
// downstream defaults are overlaid by the upstream build type's defaults and
// then by every value the finished build was queued with.
func gateSnapshot(m *model.Model, down *model.BuildType, up domain.QueuedBuild) map[string]string {
	out := down.Params.Values()
	if ubt, ok := m.LookupBuildType(up.BuildTypeID); ok {
		for k, v := range ubt.Params.Values() {
			out[k] = v
		}
	}
	for k, v := range up.Params {
		out[k] = v
	}
	return out
}

func (e *Engine) gatesHold(t model.FinishBuildTrigger, snapshot map[string]string, downID string) bool {
	for _, g := range t.Gates {
		v, ok := snapshot[g.Name]
		if !ok {
			v = g.Value
		}
		on, err := g.BoolOf(v)
		if err != nil {
			e.log().Warn("gate value not boolean", "build_type", downID, "gate", g.Name, "value", v)
			return false
		}
		if !on {
			return false
		}
	}
	return true
}

// chain queues down after up fired its trigger, unless down was already
// planned against up or the chain is too deep.
func (e *Engine) chain(ctx context.Context, m *model.Model, down *model.BuildType, up domain.QueuedBuild, t model.FinishBuildTrigger, result domain.Status) ([]domain.QueuedBuild, error) {
	e.locks.Lock(down.ID)
	defer e.locks.Unlock(down.ID)

	dependents, err := e.Repo.Dependents(ctx, nil, up.ID)
	if err != nil {
		return nil, err
	}
	for _, d := range dependents {
		if d.BuildTypeID == down.ID {
			e.log().Debug("already chained", "build_type", down.ID, "upstream", up.ID, "build", d.ID)
			return nil, nil
		}
	}

	depth := up.ChainDepth + 1
	if limit := e.maxChainDepth(m); depth > limit {
		e.log().Warn("trigger chain too deep, halting", "build_type", down.ID, "upstream", up.ID, "depth", depth, "max", limit)
		return nil, e.record(ctx, events.TriggerHalted, "build_type", down.ID, events.EventPayload{
			"upstream_build": up.ID,
			"depth":          depth,
			"max_depth":      limit,
		})
	}

	req := SubmitRequest{
		BuildTypeID: down.ID,
		Branch:      up.Branch,
		Revision:    up.Revision,
		Params:      up.Params,
		Priority:    up.Priority,
		Cause:       domain.CauseFinishBuild,
		ChainDepth:  depth,
		TriggeredBy: &up.ID,
	}
	if result == domain.StatusSuccess {
		req.Pinned = map[string]domain.QueuedBuild{up.BuildTypeID: up}
	}
	res, err := e.Submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("finish-build trigger on %s: %w", down.ID, err)
	}
	if err := e.record(ctx, events.TriggerFired, "build_type", down.ID, events.EventPayload{
		"trigger":        string(t.Kind()),
		"upstream_build": up.ID,
		"build":          res.Build.ID,
		"created":        res.Created,
		"depth":          depth,
	}); err != nil {
		return nil, err
	}
	e.log().Info("finish-build trigger fired", "build_type", down.ID, "upstream", up.ID, "build", res.Build.ID, "created", res.Created)
	return res.Queued, nil
}

// fire submits req while holding the per build type lock.
func (e *Engine) fire(ctx context.Context, buildTypeID string, req SubmitRequest) (SubmitResult, error) {
	e.locks.Lock(buildTypeID)
	defer e.locks.Unlock(buildTypeID)
	res, err := e.Submit(ctx, req)
	if err != nil {
		return res, err
	}
	if err := e.record(ctx, events.TriggerFired, "build_type", buildTypeID, events.EventPayload{
		"trigger":  req.Cause,
		"branch":   req.Branch,
		"revision": req.Revision,
		"build":    res.Build.ID,
		"created":  res.Created,
	}); err != nil {
		return res, err
	}
	return res, nil
}
