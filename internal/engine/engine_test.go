package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/migrate"
	"buildline/internal/model"
	"buildline/internal/queue"
	"buildline/internal/repo"
)

const (
	buildID  = "MusionBackend_Build"
	deployID = "MusionBackend_Deploy"
	runID    = "MusionBackend_RunBackendInDocker"
)

type testEnv struct {
	Engine *engine.Engine
	Queue  *queue.Queue
	Ctx    context.Context
}

func newTestEnv(t *testing.T, edit func(*config.Document)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	doc := config.Default()
	if edit != nil {
		edit(doc)
	}
	m, err := model.New(doc)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	q := queue.New(repo.Repo{DB: conn})
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	q.Now = now
	eng := engine.New(q, m)
	eng.Now = now
	return testEnv{Engine: eng, Queue: q, Ctx: ctx}
}

func enableFinishTriggers(doc *config.Document) {
	doc.Defaults.FinishTriggersEnabled = true
}

func buildTypeDoc(doc *config.Document, id string) *config.BuildType {
	var walk func(p *config.Project) *config.BuildType
	walk = func(p *config.Project) *config.BuildType {
		for i := range p.BuildTypes {
			if p.BuildTypes[i].ID == id {
				return &p.BuildTypes[i]
			}
		}
		for i := range p.Projects {
			if bt := walk(&p.Projects[i]); bt != nil {
				return bt
			}
		}
		return nil
	}
	return walk(&doc.Project)
}

// runUpstream queues a build of id, dispatches it and reports result.
func (env testEnv) runUpstream(t *testing.T, id string, params map[string]string, depth int, result domain.Status) domain.QueuedBuild {
	t.Helper()
	b, _, err := env.Queue.Enqueue(env.Ctx, queue.Request{BuildTypeID: id, Branch: "dev", Params: params, ChainDepth: depth})
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
	got, ok, err := env.Queue.Dispatch(env.Ctx, "agent-1")
	if err != nil || !ok || got.ID != b.ID {
		t.Fatalf("dispatch %s: got %+v ok=%v err=%v", id, got, ok, err)
	}
	done, err := env.Queue.Complete(env.Ctx, b.ID, result, "")
	if err != nil {
		t.Fatalf("complete %s: %v", id, err)
	}
	return done
}

func (env testEnv) finished(t *testing.T, b domain.QueuedBuild) []domain.QueuedBuild {
	t.Helper()
	out, err := env.Engine.OnBuildFinished(env.Ctx, engine.FinishedBuild{BuildID: b.ID, BuildTypeID: b.BuildTypeID, Branch: b.Branch, Result: b.Status})
	if err != nil {
		t.Fatalf("on build finished: %v", err)
	}
	return out
}

func (env testEnv) count(t *testing.T, id string) int {
	t.Helper()
	builds, err := env.Queue.List(env.Ctx, repo.BuildFilter{BuildTypeID: id})
	if err != nil {
		t.Fatal(err)
	}
	return len(builds)
}

func byType(builds []domain.QueuedBuild) map[string]domain.QueuedBuild {
	out := map[string]domain.QueuedBuild{}
	for _, b := range builds {
		out[b.BuildTypeID] = b
	}
	return out
}

func TestVcsChangeTriggersBuild(t *testing.T) {
	env := newTestEnv(t, nil)
	queued, err := env.Engine.OnVcsChange(env.Ctx, "MusionBackend_Git", "refs/heads/dev", "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].BuildTypeID != buildID || queued[0].Cause != domain.CauseVcs {
		t.Fatalf("expected one vcs-caused Build, got %+v", queued)
	}
	if queued[0].Branch != "dev" || queued[0].Revision != "abc123" {
		t.Fatalf("unexpected branch/revision: %+v", queued[0])
	}

	// same revision again is a no-op
	queued, err = env.Engine.OnVcsChange(env.Ctx, "MusionBackend_Git", "dev", "abc123")
	if err != nil || len(queued) != 0 {
		t.Fatalf("repeat revision: %+v %v", queued, err)
	}
	// branch outside the trigger filter
	queued, err = env.Engine.OnVcsChange(env.Ctx, "MusionBackend_Git", "feature/x", "def456")
	if err != nil || len(queued) != 0 {
		t.Fatalf("filtered branch: %+v %v", queued, err)
	}
	if _, err := env.Engine.OnVcsChange(env.Ctx, "Nope", "dev", "1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown root: %v", err)
	}
}

func TestDisabledFinishTriggerNeverFires(t *testing.T) {
	env := newTestEnv(t, nil)
	up := env.runUpstream(t, buildID, map[string]string{"DEPLOY": "true"}, 0, domain.StatusSuccess)
	if got := env.finished(t, up); len(got) != 0 {
		t.Fatalf("disabled trigger queued %+v", got)
	}
	if env.count(t, deployID) != 0 {
		t.Fatalf("deploy queued")
	}
}

func TestSuccessfulOnlyIgnoresFailure(t *testing.T) {
	env := newTestEnv(t, enableFinishTriggers)
	up := env.runUpstream(t, buildID, map[string]string{"DEPLOY": "true"}, 0, domain.StatusFailure)
	if got := env.finished(t, up); len(got) != 0 {
		t.Fatalf("failed upstream queued %+v", got)
	}
}

func TestDeployGate(t *testing.T) {
	env := newTestEnv(t, enableFinishTriggers)
	up := env.runUpstream(t, buildID, map[string]string{"DEPLOY": "true"}, 0, domain.StatusSuccess)
	got := byType(env.finished(t, up))
	deploy, ok := got[deployID]
	if !ok {
		t.Fatalf("deploy not queued: %+v", got)
	}
	if deploy.Cause != domain.CauseFinishBuild || deploy.ChainDepth != 1 || deploy.TriggeredBy == nil || *deploy.TriggeredBy != up.ID {
		t.Fatalf("unexpected deploy build: %+v", deploy)
	}
	fresh, ok := got[buildID]
	if !ok || fresh.ID == up.ID {
		t.Fatalf("expected a fresh Build for the NO_REUSE dependency: %+v", got)
	}
	if len(deploy.DependsOn) != 1 || deploy.DependsOn[0] != fresh.ID {
		t.Fatalf("deploy depends on %v, want [%d]", deploy.DependsOn, fresh.ID)
	}

	// the same completion delivered twice queues nothing new
	if again := env.finished(t, up); len(again) != 0 {
		t.Fatalf("duplicate completion queued %+v", again)
	}
	if n := env.count(t, deployID); n != 1 {
		t.Fatalf("expected exactly one Deploy, got %d", n)
	}
}

func TestDeployGateClosed(t *testing.T) {
	env := newTestEnv(t, enableFinishTriggers)
	up := env.runUpstream(t, buildID, map[string]string{"DEPLOY": "false"}, 0, domain.StatusSuccess)
	if got := env.finished(t, up); len(got) != 0 {
		t.Fatalf("closed gate queued %+v", got)
	}
	up = env.runUpstream(t, buildID, nil, 0, domain.StatusSuccess)
	if got := env.finished(t, up); len(got) != 0 {
		t.Fatalf("default DEPLOY=false queued %+v", got)
	}
}

func TestRunAppChainsFreshUpstreams(t *testing.T) {
	env := newTestEnv(t, enableFinishTriggers)
	up := env.runUpstream(t, deployID, map[string]string{"RUN_APP": "true", "DEPLOY": "true"}, 1, domain.StatusSuccess)
	got := byType(env.finished(t, up))
	run, ok := got[runID]
	if !ok {
		t.Fatalf("RunBackendInDocker not queued: %+v", got)
	}
	build, deploy := got[buildID], got[deployID]
	if build.ID == 0 || deploy.ID == 0 || deploy.ID == up.ID {
		t.Fatalf("expected fresh Build and Deploy, got %+v", got)
	}
	want := []int64{build.ID, deploy.ID}
	if len(run.DependsOn) != 2 || run.DependsOn[0] != want[0] || run.DependsOn[1] != want[1] {
		t.Fatalf("run depends on %v, want %v", run.DependsOn, want)
	}
	if run.ChainDepth != 2 {
		t.Fatalf("chain depth = %d, want 2", run.ChainDepth)
	}

	// the fresh Build finishing must not start another Deploy for this chain
	b, ok, err := env.Queue.Dispatch(env.Ctx, "agent-1")
	if err != nil || !ok || b.ID != build.ID {
		t.Fatalf("dispatch fresh build: %+v %v %v", b, ok, err)
	}
	done, err := env.Queue.Complete(env.Ctx, build.ID, domain.StatusSuccess, "")
	if err != nil {
		t.Fatal(err)
	}
	if more := env.finished(t, done); len(more) != 0 {
		t.Fatalf("chained build re-triggered: %+v", more)
	}
}

func TestRunAppGateClosed(t *testing.T) {
	env := newTestEnv(t, enableFinishTriggers)
	up := env.runUpstream(t, deployID, nil, 1, domain.StatusSuccess)
	if got := env.finished(t, up); len(got) != 0 {
		t.Fatalf("RUN_APP=false queued %+v", got)
	}
}

func TestChainDepthCap(t *testing.T) {
	env := newTestEnv(t, func(doc *config.Document) {
		doc.Defaults.FinishTriggersEnabled = true
		doc.Defaults.MaxChainDepth = 2
	})
	up := env.runUpstream(t, buildID, map[string]string{"DEPLOY": "true"}, 2, domain.StatusSuccess)
	if got := env.finished(t, up); len(got) != 0 {
		t.Fatalf("chain past the cap queued %+v", got)
	}
	evs, err := env.Queue.Repo.EventsFor(env.Ctx, "build_type", deployID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Type != "trigger.halted" {
		t.Fatalf("expected a trigger.halted event, got %+v", evs)
	}
}

func TestPausedBuildTypeNeverFires(t *testing.T) {
	env := newTestEnv(t, func(doc *config.Document) {
		doc.Defaults.FinishTriggersEnabled = true
		buildTypeDoc(doc, deployID).Paused = true
		buildTypeDoc(doc, buildID).Paused = true
	})
	up := env.runUpstream(t, buildID, map[string]string{"DEPLOY": "true"}, 0, domain.StatusSuccess)
	if got := env.finished(t, up); len(got) != 0 {
		t.Fatalf("paused downstream queued %+v", got)
	}
	queued, err := env.Engine.OnVcsChange(env.Ctx, "MusionBackend_Git", "dev", "abc")
	if err != nil || len(queued) != 0 {
		t.Fatalf("paused build type triggered by vcs: %+v %v", queued, err)
	}
}

func TestSubmitDeduplicatesPlan(t *testing.T) {
	env := newTestEnv(t, nil)
	first, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{BuildTypeID: runID, Branch: "dev"})
	if err != nil {
		t.Fatal(err)
	}
	if !first.Created || len(first.Queued) != 3 {
		t.Fatalf("expected Build, Deploy and Run queued, got %+v", first.Queued)
	}
	second, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{BuildTypeID: runID, Branch: "dev"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Created || second.Build.ID != first.Build.ID || len(second.Queued) != 0 {
		t.Fatalf("expected the in-flight build back, got %+v", second)
	}

	var unknown *model.UnknownBuildTypeError
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{BuildTypeID: "Nope"}); !errors.As(err, &unknown) {
		t.Fatalf("expected unknown build type, got %v", err)
	}
	var perr *model.ParamError
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{BuildTypeID: buildID, Params: map[string]string{"DEPLOY": "maybe"}}); !errors.As(err, &perr) {
		t.Fatalf("expected param error, got %v", err)
	}
}

func TestSubmitChecksUpstreamParams(t *testing.T) {
	env := newTestEnv(t, nil)
	// DEPLOY is declared on Build only, so the target accepts it and the
	// fresh upstream must reject it
	var perr *model.ParamError
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{BuildTypeID: runID, Branch: "dev", Params: map[string]string{"DEPLOY": "maybe"}})
	if !errors.As(err, &perr) || perr.Name != "DEPLOY" {
		t.Fatalf("expected DEPLOY param error, got %v", err)
	}
	for _, id := range []string{buildID, deployID, runID} {
		if n := env.count(t, id); n != 0 {
			t.Fatalf("%s: %d builds queued after a rejected submit", id, n)
		}
	}

	res, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{BuildTypeID: runID, Branch: "dev", Params: map[string]string{"DEPLOY": "true"}})
	if err != nil {
		t.Fatal(err)
	}
	if b := byType(res.Queued)[buildID]; b.Params["DEPLOY"] != "true" {
		t.Fatalf("upstream Build params = %v", b.Params)
	}
}

func TestGateSeesFinishedBuildOverDownstreamDefaults(t *testing.T) {
	env := newTestEnv(t, func(doc *config.Document) {
		enableFinishTriggers(doc)
		deploy := buildTypeDoc(doc, deployID)
		deploy.Params = append(deploy.Params, config.Param{Name: "DEPLOY", Kind: "checkbox", Value: "true", Checked: "true", Unchecked: "false"})
	})
	// Build's own DEPLOY=false default wins over Deploy's default
	up := env.runUpstream(t, buildID, nil, 0, domain.StatusSuccess)
	if got := env.finished(t, up); len(got) != 0 {
		t.Fatalf("upstream default DEPLOY=false queued %+v", got)
	}
	up = env.runUpstream(t, buildID, map[string]string{"DEPLOY": "true"}, 0, domain.StatusSuccess)
	if _, ok := byType(env.finished(t, up))[deployID]; !ok {
		t.Fatalf("DEPLOY=true on the finished build did not queue Deploy")
	}
}

func TestConcurrentFinishQueuesOnce(t *testing.T) {
	env := newTestEnv(t, enableFinishTriggers)
	up := env.runUpstream(t, buildID, map[string]string{"DEPLOY": "true"}, 0, domain.StatusSuccess)
	fb := engine.FinishedBuild{BuildID: up.ID, BuildTypeID: up.BuildTypeID, Branch: up.Branch, Result: up.Status}

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := env.Engine.OnBuildFinished(env.Ctx, fb)
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, env.count(t, deployID))
	// the original Build plus the fresh one Deploy depends on
	require.Equal(t, 2, env.count(t, buildID))
}

func TestCompletionListenerIsAsync(t *testing.T) {
	env := newTestEnv(t, enableFinishTriggers)
	env.Queue.OnFinish(env.Engine)
	env.Engine.Start(env.Ctx, 2)
	defer env.Engine.Stop()

	env.runUpstream(t, buildID, map[string]string{"DEPLOY": "true"}, 0, domain.StatusSuccess)
	require.Eventually(t, func() bool {
		builds, err := env.Queue.List(env.Ctx, repo.BuildFilter{BuildTypeID: deployID})
		return err == nil && len(builds) == 1
	}, 5*time.Second, 20*time.Millisecond)
}
