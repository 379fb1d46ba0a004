package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/migrate"
	"buildline/internal/model"
	"buildline/internal/queue"
	"buildline/internal/repo"
	"buildline/internal/secrets"
)

const tokenID = "45c033b7-1df4-491d-b734-c1cc493c2917"

func TestHTTPAgentRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var got Assignment
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer agent-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/assignments", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a := HTTPAgent{URL: srv.URL, Token: "agent-token", Delay: time.Millisecond}
	err := a.Start(context.Background(), Assignment{ID: "x", BuildID: 7, BuildTypeID: "App_Build"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(7), got.BuildID)
}

func TestHTTPAgentDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/assignments/9/cancel"))
		http.Error(w, "unknown build", http.StatusNotFound)
	}))
	defer srv.Close()

	err := HTTPAgent{URL: srv.URL + "/", Delay: time.Millisecond}.Cancel(context.Background(), 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), calls.Load())
}

type recordingAgent struct {
	mu        sync.Mutex
	started   []Assignment
	cancelled []int64
}

func (r *recordingAgent) Start(_ context.Context, a Assignment) error {
	r.mu.Lock()
	r.started = append(r.started, a)
	r.mu.Unlock()
	return nil
}

func (r *recordingAgent) Cancel(_ context.Context, id int64) error {
	r.mu.Lock()
	r.cancelled = append(r.cancelled, id)
	r.mu.Unlock()
	return nil
}

func newDispatcher(t *testing.T, res secrets.Resolver, ag Agent) (*Dispatcher, *queue.Queue) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	m, err := model.New(config.Default())
	require.NoError(t, err)
	q := queue.New(repo.Repo{DB: conn})
	d := &Dispatcher{
		Queue:   q,
		Model:   func() *model.Model { return m },
		Secrets: res,
		Agent:   ag,
		AgentID: "test-agent",
	}
	q.SetCanceller(d)
	return d, q
}

func TestDispatcherBuildsAssignment(t *testing.T) {
	ag := &recordingAgent{}
	d, q := newDispatcher(t, secrets.StaticResolver{tokenID: "s3cr3t"}, ag)
	ctx := context.Background()
	b, _, err := q.Enqueue(ctx, queue.Request{BuildTypeID: "MusionBackend_Build", Branch: "dev", Params: map[string]string{"TAG_NAME": "v1.2"}})
	require.NoError(t, err)

	require.NoError(t, d.Drain(ctx))
	require.Len(t, ag.started, 1)
	a := ag.started[0]
	assert.Equal(t, b.ID, a.BuildID)
	assert.Equal(t, "s3cr3t", a.Params["TOKEN"])
	assert.Equal(t, "v1.2", a.Params["TAG_NAME"])
	assert.Equal(t, "backend", a.CheckoutDir)
	assert.Equal(t, "https://github.com/aliakseizhyrauliou/music_player.git", a.VcsURL)
	require.Len(t, a.Steps, 3)
	assert.Equal(t, "docker build -t aliakseizhurauliou/musion-backend:v1.2 .", a.Steps[2].Content)

	got, err := q.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, "test-agent", got.AgentID)

	_, err = q.Cancel(ctx, b.ID, "", "tester")
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID}, ag.cancelled)
}

func TestDispatcherFailsBuildWithMissingSecret(t *testing.T) {
	ag := &recordingAgent{}
	d, q := newDispatcher(t, secrets.StaticResolver{}, ag)
	ctx := context.Background()
	b, _, err := q.Enqueue(ctx, queue.Request{BuildTypeID: "MusionBackend_Build", Branch: "dev"})
	require.NoError(t, err)

	require.NoError(t, d.Drain(ctx))
	assert.Empty(t, ag.started)
	got, err := q.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailure, got.Status)
	assert.Contains(t, got.FailureReason, "resolve secrets")
}

func TestNoopAgentCompletesBuilds(t *testing.T) {
	d, q := newDispatcher(t, secrets.StaticResolver{tokenID: "x"}, nil)
	d.Agent = NoopAgent{Completer: q}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.PollInterval = 10 * time.Millisecond
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	b, _, err := q.Enqueue(ctx, queue.Request{BuildTypeID: "MusionBackend_Build", Branch: "dev"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, b.ID)
		return err == nil && got.Status == domain.StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
