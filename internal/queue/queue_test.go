package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/migrate"
	"buildline/internal/queue"
	"buildline/internal/repo"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQueue(t *testing.T) (*queue.Queue, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := queue.New(repo.Repo{DB: conn})
	q.Now = c.Now
	return q, c
}

func enqueue(t *testing.T, q *queue.Queue, req queue.Request) domain.QueuedBuild {
	t.Helper()
	b, created, err := q.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue %s: %v", req.BuildTypeID, err)
	}
	if !created {
		t.Fatalf("enqueue %s: expected a new build, got existing #%d", req.BuildTypeID, b.ID)
	}
	return b
}

func TestEnqueueDeduplicatesInFlight(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	first := enqueue(t, q, queue.Request{BuildTypeID: "App_Build", Branch: "dev", Params: map[string]string{"TAG": "1"}})

	again, created, err := q.Enqueue(ctx, queue.Request{BuildTypeID: "App_Build", Branch: "dev", Params: map[string]string{"TAG": "1"}})
	if err != nil {
		t.Fatal(err)
	}
	if created || again.ID != first.ID {
		t.Fatalf("expected dedup to #%d, got #%d created=%v", first.ID, again.ID, created)
	}

	// different params or branch are different builds
	enqueue(t, q, queue.Request{BuildTypeID: "App_Build", Branch: "dev", Params: map[string]string{"TAG": "2"}})
	enqueue(t, q, queue.Request{BuildTypeID: "App_Build", Branch: "main", Params: map[string]string{"TAG": "1"}})

	// once finished the same request queues again
	if _, _, err := q.Dispatch(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Complete(ctx, first.ID, domain.StatusSuccess, ""); err != nil {
		t.Fatal(err)
	}
	next := enqueue(t, q, queue.Request{BuildTypeID: "App_Build", Branch: "dev", Params: map[string]string{"TAG": "1"}})
	if next.ID == first.ID {
		t.Fatalf("expected a fresh build after completion")
	}
}

func TestConcurrentEnqueueCreatesOneBuild(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	req := queue.Request{BuildTypeID: "App_Build", Branch: "dev", Params: map[string]string{"TAG": "1"}}

	const callers = 20
	var wg sync.WaitGroup
	ids := make([]int64, callers)
	created := make([]bool, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, c, err := q.Enqueue(ctx, req)
			ids[i], created[i], errs[i] = b.ID, c, err
		}(i)
	}
	wg.Wait()

	newBuilds := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("enqueue %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got #%d, caller 0 got #%d", i, ids[i], ids[0])
		}
		if created[i] {
			newBuilds++
		}
	}
	if newBuilds != 1 {
		t.Fatalf("expected exactly one created build, got %d", newBuilds)
	}
	builds, err := q.List(ctx, repo.BuildFilter{BuildTypeID: "App_Build"})
	if err != nil {
		t.Fatal(err)
	}
	if len(builds) != 1 {
		t.Fatalf("expected one stored build, got %d", len(builds))
	}
}

func TestParamsHashIgnoresMapOrder(t *testing.T) {
	a := queue.ParamsHash("dev", map[string]string{"A": "1", "B": "2"})
	b := queue.ParamsHash("dev", map[string]string{"B": "2", "A": "1"})
	if a != b {
		t.Fatalf("hash depends on map order")
	}
	if a == queue.ParamsHash("main", map[string]string{"A": "1", "B": "2"}) {
		t.Fatalf("branch must take part in the hash")
	}
}

func TestDispatchOrder(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	low := enqueue(t, q, queue.Request{BuildTypeID: "Low"})
	c.Advance(time.Second)
	high := enqueue(t, q, queue.Request{BuildTypeID: "High", Priority: 5})
	c.Advance(time.Second)
	later := enqueue(t, q, queue.Request{BuildTypeID: "Later"})

	var got []int64
	for {
		b, ok, err := q.Dispatch(ctx, "agent")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if b.Status != domain.StatusRunning || b.AgentID != "agent" {
			t.Fatalf("dispatched build not running: %+v", b)
		}
		got = append(got, b.ID)
	}
	want := []int64{high.ID, low.ID, later.ID}
	if len(got) != len(want) {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatched %v, want %v", got, want)
		}
	}
}

func TestDispatchWaitsForDependencies(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	build := enqueue(t, q, queue.Request{BuildTypeID: "Build"})
	deploy := enqueue(t, q, queue.Request{BuildTypeID: "Deploy", DependsOn: []int64{build.ID}})

	b, ok, err := q.Dispatch(ctx, "a1")
	if err != nil || !ok || b.ID != build.ID {
		t.Fatalf("expected Build first, got %+v ok=%v err=%v", b, ok, err)
	}
	if _, ok, _ := q.Dispatch(ctx, "a1"); ok {
		t.Fatalf("Deploy dispatched before its dependency finished")
	}
	if _, err := q.Complete(ctx, build.ID, domain.StatusSuccess, ""); err != nil {
		t.Fatal(err)
	}
	b, ok, err = q.Dispatch(ctx, "a1")
	if err != nil || !ok || b.ID != deploy.ID {
		t.Fatalf("expected Deploy after Build, got %+v ok=%v err=%v", b, ok, err)
	}
}

func TestFailureCancelsDependents(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	build := enqueue(t, q, queue.Request{BuildTypeID: "Build"})
	deploy := enqueue(t, q, queue.Request{BuildTypeID: "Deploy", DependsOn: []int64{build.ID}})
	run := enqueue(t, q, queue.Request{BuildTypeID: "Run", DependsOn: []int64{build.ID, deploy.ID}})

	if _, _, err := q.Dispatch(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Complete(ctx, build.ID, domain.StatusFailure, "exit 1"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []int64{deploy.ID, run.ID} {
		b, err := q.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if b.Status != domain.StatusCancelled || b.FailureReason == "" {
			t.Fatalf("build %d: expected cancelled with reason, got %s %q", id, b.Status, b.FailureReason)
		}
	}
	if _, ok, _ := q.Dispatch(ctx, "a1"); ok {
		t.Fatalf("nothing should be dispatchable")
	}
}

func TestMaxRunningLimit(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	q.MaxRunning = func(id string) int {
		if id == "Deploy" {
			return 1
		}
		return 0
	}
	enqueue(t, q, queue.Request{BuildTypeID: "Deploy", Params: map[string]string{"N": "1"}})
	enqueue(t, q, queue.Request{BuildTypeID: "Deploy", Params: map[string]string{"N": "2"}})
	other := enqueue(t, q, queue.Request{BuildTypeID: "Other"})

	if _, ok, _ := q.Dispatch(ctx, "a1"); !ok {
		t.Fatalf("first deploy should dispatch")
	}
	b, ok, err := q.Dispatch(ctx, "a1")
	if err != nil || !ok || b.ID != other.ID {
		t.Fatalf("expected Other while Deploy is at its limit, got %+v ok=%v err=%v", b, ok, err)
	}
	if _, ok, _ := q.Dispatch(ctx, "a1"); ok {
		t.Fatalf("second deploy must wait")
	}
}

func TestTerminalTransitionsRejected(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	b := enqueue(t, q, queue.Request{BuildTypeID: "Build"})
	if _, err := q.Complete(ctx, b.ID, domain.StatusSuccess, ""); err == nil {
		t.Fatalf("QUEUED -> SUCCESS must be rejected")
	}
	if _, _, err := q.Dispatch(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Complete(ctx, b.ID, domain.StatusSuccess, ""); err != nil {
		t.Fatal(err)
	}
	_, err := q.Complete(ctx, b.ID, domain.StatusFailure, "late")
	var te *queue.TransitionError
	if !errors.As(err, &te) || !errors.Is(err, queue.ErrTerminal) {
		t.Fatalf("expected terminal transition error, got %v", err)
	}
	if _, err := q.Cancel(ctx, b.ID, "", "tester"); !errors.Is(err, queue.ErrTerminal) {
		t.Fatalf("cancel of finished build: %v", err)
	}
	if _, err := q.Get(ctx, 999); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type recordingCanceller struct {
	ids []int64
}

func (r *recordingCanceller) CancelRunning(_ context.Context, b domain.QueuedBuild) error {
	r.ids = append(r.ids, b.ID)
	return nil
}

func TestCancelRunningAsksAgent(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	rc := &recordingCanceller{}
	q.SetCanceller(rc)
	b := enqueue(t, q, queue.Request{BuildTypeID: "Build"})
	if _, _, err := q.Dispatch(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	got, err := q.Cancel(ctx, b.ID, "stop", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRunning || !got.CancelRequested {
		t.Fatalf("expected running with cancel requested, got %+v", got)
	}
	if len(rc.ids) != 1 || rc.ids[0] != b.ID {
		t.Fatalf("canceller not called: %v", rc.ids)
	}
	done, err := q.Complete(ctx, b.ID, domain.StatusCancelled, "stopped by agent")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", done.Status)
	}
}

type recordingListener struct {
	mu     sync.Mutex
	builds []domain.QueuedBuild
}

func (r *recordingListener) BuildFinished(_ context.Context, b domain.QueuedBuild) {
	r.mu.Lock()
	r.builds = append(r.builds, b)
	r.mu.Unlock()
}

func TestListenersSeeOnlySuccessAndFailure(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	l := &recordingListener{}
	q.OnFinish(l)
	ok := enqueue(t, q, queue.Request{BuildTypeID: "A"})
	queued := enqueue(t, q, queue.Request{BuildTypeID: "B"})
	if _, _, err := q.Dispatch(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Complete(ctx, ok.ID, domain.StatusSuccess, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Cancel(ctx, queued.ID, "", "tester"); err != nil {
		t.Fatal(err)
	}
	if len(l.builds) != 1 || l.builds[0].ID != ok.ID || l.builds[0].Status != domain.StatusSuccess {
		t.Fatalf("unexpected listener calls: %+v", l.builds)
	}
}

func TestPruneKeepsNewestAndLiveDependencies(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 3; i++ {
		b := enqueue(t, q, queue.Request{BuildTypeID: "Build", Params: map[string]string{"N": string(rune('a' + i))}})
		if _, _, err := q.Dispatch(ctx, "a1"); err != nil {
			t.Fatal(err)
		}
		if _, err := q.Complete(ctx, b.ID, domain.StatusSuccess, ""); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, b.ID)
	}
	// a queued build still depends on the oldest one
	enqueue(t, q, queue.Request{BuildTypeID: "Deploy", DependsOn: []int64{ids[0]}})

	c.Advance(48 * time.Hour)
	n, err := q.Prune(ctx, queue.Retention{MaxAge: 24 * time.Hour, KeepPerBuildType: 1})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned build, got %d", n)
	}
	if _, err := q.Get(ctx, ids[1]); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("middle build should be pruned: %v", err)
	}
	for _, id := range []int64{ids[0], ids[2]} {
		if _, err := q.Get(ctx, id); err != nil {
			t.Fatalf("build %d should survive: %v", id, err)
		}
	}
	if n, err := q.Prune(ctx, queue.Retention{}); err != nil || n != 0 {
		t.Fatalf("zero retention must be a no-op, got %d %v", n, err)
	}
}
