package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"buildline/internal/domain"
	"buildline/internal/events"
	blog "buildline/internal/log"
	"buildline/internal/model"
	"buildline/internal/queue"
	"buildline/internal/repo"
	"buildline/internal/resolver"
)

// Engine evaluates triggers against the active model and turns matches into
// queued builds through the resolver. Evaluation for one build type is
// serialized; different build types are evaluated in parallel.
type Engine struct {
	Queue  *queue.Queue
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Logger *slog.Logger

	state atomic.Pointer[state]
	locks *keyedMutex

	finished chan FinishedBuild
	runMu    sync.Mutex
	cancel   context.CancelFunc
	group    *errgroup.Group
}

type state struct {
	model    *model.Model
	resolver *resolver.Resolver
}

// FinishedBuild is the completion event the engine reacts to.
type FinishedBuild struct {
	BuildID     int64
	BuildTypeID string
	Branch      string
	Result      domain.Status
}

func New(q *queue.Queue, m *model.Model) *Engine {
	e := &Engine{
		Queue:    q,
		Repo:     q.Repo,
		Now:      time.Now,
		Logger:   blog.New("engine"),
		locks:    newKeyedMutex(),
		finished: make(chan FinishedBuild, 256),
	}
	e.Reload(m)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) log() *slog.Logger {
	return blog.Or(e.Logger, "engine")
}

// Reload activates m for every evaluation that starts afterwards.
func (e *Engine) Reload(m *model.Model) {
	next := &state{model: m, resolver: resolver.New(m, e.Queue)}
	if prev := e.state.Swap(next); prev != nil {
		prev.resolver.Close()
	}
}

// ReloadFile loads, validates and activates the document at path. The active
// model is left untouched when the document is invalid.
func (e *Engine) ReloadFile(path string) (*model.Model, error) {
	m, err := model.Load(path)
	if err != nil {
		return nil, err
	}
	e.Reload(m)
	e.log().Info("config reloaded", "path", path, "build_types", len(m.BuildTypes()))
	return m, nil
}

func (e *Engine) Model() *model.Model {
	return e.state.Load().model
}

// MaxRunning reports the concurrency limit of a build type in the active
// model, 0 when unlimited or unknown.
func (e *Engine) MaxRunning(buildTypeID string) int {
	bt, ok := e.Model().LookupBuildType(buildTypeID)
	if !ok {
		return 0
	}
	return bt.MaxRunningBuilds
}

func (e *Engine) maxChainDepth(m *model.Model) int {
	if m.Defaults.MaxChainDepth > 0 {
		return m.Defaults.MaxChainDepth
	}
	return model.DefaultMaxChainDepth
}

// SubmitRequest asks for a build of BuildTypeID and whatever its snapshot
// dependencies require.
type SubmitRequest struct {
	BuildTypeID string
	Branch      string
	Revision    string
	Params      map[string]string
	Priority    int
	Cause       string
	ActorID     string
	ChainDepth  int
	TriggeredBy *int64
	// Pinned builds stand in for REUSE edges to their build type.
	Pinned map[string]domain.QueuedBuild
}

// SubmitResult is the target build plus every build created for the plan.
type SubmitResult struct {
	Build   domain.QueuedBuild
	Created bool
	Plan    resolver.Plan
	Queued  []domain.QueuedBuild
}

// Plan previews the submission plan for a build type without queueing.
func (e *Engine) Plan(ctx context.Context, buildTypeID, branch, revision string) (resolver.Plan, error) {
	st := e.state.Load()
	if _, err := st.model.BuildType(buildTypeID); err != nil {
		return resolver.Plan{}, err
	}
	return st.resolver.BuildSubmissionPlan(ctx, buildTypeID, resolver.Options{Branch: branch, Revision: revision})
}

// Submit resolves the plan for req and enqueues its fresh builds,
// dependencies first. When the target is already queued or running with the
// same parameters that build is returned and nothing is enqueued.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	st := e.state.Load()
	bt, err := st.model.BuildType(req.BuildTypeID)
	if err != nil {
		return SubmitResult{}, err
	}
	if _, err := bt.Params.Override(req.Params); err != nil {
		return SubmitResult{}, err
	}
	if req.Cause == "" {
		req.Cause = domain.CauseRest
	}

	hash := queue.ParamsHash(req.Branch, req.Params)
	existing, err := e.Repo.FindInFlight(ctx, nil, bt.ID, hash)
	if err == nil {
		return SubmitResult{Build: existing}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return SubmitResult{}, err
	}

	plan, err := st.resolver.BuildSubmissionPlan(ctx, bt.ID, resolver.Options{
		Branch:   req.Branch,
		Revision: req.Revision,
		Pinned:   req.Pinned,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	// every fresh upstream sees the request values it declares, so those are
	// checked against its params before anything is queued
	for _, item := range plan.Items {
		if item.Reused != nil || item.BuildTypeID == bt.ID {
			continue
		}
		up, err := st.model.BuildType(item.BuildTypeID)
		if err != nil {
			return SubmitResult{}, err
		}
		if _, err := up.Params.Override(declared(up.Params, req.Params)); err != nil {
			return SubmitResult{}, err
		}
	}

	res := SubmitResult{Plan: plan}
	ids := map[string]int64{}
	for _, item := range plan.Items {
		if item.Reused != nil {
			ids[item.BuildTypeID] = item.Reused.ID
			continue
		}
		qr := queue.Request{
			BuildTypeID: item.BuildTypeID,
			Branch:      req.Branch,
			Revision:    req.Revision,
			Priority:    req.Priority,
			ChainDepth:  req.ChainDepth,
			TriggeredBy: req.TriggeredBy,
			ActorID:     req.ActorID,
		}
		for _, dep := range item.DependsOn {
			qr.DependsOn = append(qr.DependsOn, ids[dep])
		}
		if item.BuildTypeID == bt.ID {
			qr.Params = req.Params
			qr.Cause = req.Cause
		} else {
			up, err := st.model.BuildType(item.BuildTypeID)
			if err != nil {
				return res, err
			}
			qr.Params = declared(up.Params, req.Params)
			qr.Cause = domain.CauseSnapshot
		}
		b, created, err := e.Queue.Enqueue(ctx, qr)
		if err != nil {
			return res, fmt.Errorf("enqueue %s: %w", item.BuildTypeID, err)
		}
		ids[item.BuildTypeID] = b.ID
		if created {
			res.Queued = append(res.Queued, b)
		}
		if item.BuildTypeID == bt.ID {
			res.Build = b
			res.Created = created
		}
	}
	return res, nil
}

// declared keeps the values whose names ps declares.
func declared(ps model.Params, values map[string]string) map[string]string {
	var out map[string]string
	for k, v := range values {
		if _, ok := ps[k]; !ok {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[k] = v
	}
	return out
}

func (e *Engine) record(ctx context.Context, evtType, entityKind, entityID string, payload events.EventPayload) error {
	tx, err := e.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	if _, err := w.Append(ctx, tx, evtType, entityKind, entityID, "", payload); err != nil {
		return err
	}
	return tx.Commit()
}

// BuildFinished implements queue.Listener. Events are handed to the worker
// pool; when it is saturated or not running they are evaluated inline.
func (e *Engine) BuildFinished(ctx context.Context, b domain.QueuedBuild) {
	fb := FinishedBuild{BuildID: b.ID, BuildTypeID: b.BuildTypeID, Branch: b.Branch, Result: b.Status}
	e.runMu.Lock()
	running := e.group != nil
	e.runMu.Unlock()
	if running {
		select {
		case e.finished <- fb:
			return
		default:
			e.log().Warn("trigger queue full, evaluating inline", "build", b.ID)
		}
	}
	if _, err := e.OnBuildFinished(context.WithoutCancel(ctx), fb); err != nil {
		e.log().Error("finish-build triggers", "build", b.ID, "err", err)
	}
}

// Start runs workers goroutines that evaluate finish-build triggers.
func (e *Engine) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.group != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case fb := <-e.finished:
					if _, err := e.OnBuildFinished(ctx, fb); err != nil {
						e.log().Error("finish-build triggers", "build", fb.BuildID, "err", err)
					}
				}
			}
		})
	}
	e.cancel = cancel
	e.group = g
	e.log().Info("trigger workers started", "workers", workers)
}

// Stop waits for the workers to exit. Pending events are evaluated inline.
func (e *Engine) Stop() {
	e.runMu.Lock()
	g, cancel := e.group, e.cancel
	e.group, e.cancel = nil, nil
	e.runMu.Unlock()
	if g == nil {
		return
	}
	cancel()
	_ = g.Wait()
	for {
		select {
		case fb := <-e.finished:
			if _, err := e.OnBuildFinished(context.Background(), fb); err != nil {
				e.log().Error("finish-build triggers", "build", fb.BuildID, "err", err)
			}
		default:
			return
		}
	}
}

func sortedBuilds(in []domain.QueuedBuild) []domain.QueuedBuild {
	sort.Slice(in, func(i, j int) bool { return in[i].ID < in[j].ID })
	return in
}
