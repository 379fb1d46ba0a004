package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildline/internal/config"
	"buildline/internal/domain"
	"buildline/internal/engine"
)

const tokenSecretID = "45c033b7-1df4-491d-b734-c1cc493c2917"

func newSettings(t *testing.T) *config.Server {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "buildline.yml"), []byte(config.GenerateDefault()), 0o644))
	return &config.Server{
		ListenAddr: "127.0.0.1:0",
		Workspace:  dir,
		BasePath:   "/app/rest",
		JWTSecret:  "test-secret",
		Workers:    1,
		Agent:      config.Agent{ID: "local"},
		Secrets: config.Secrets{
			Provider: "sqlite",
			Static:   map[string]string{tokenSecretID: "s3cr3t"},
		},
	}
}

func TestRuntimeRunsBuildsWithNoopAgent(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx, newSettings(t))
	require.NoError(t, err)
	defer rt.Close()

	res, err := rt.Engine.Submit(ctx, engine.SubmitRequest{BuildTypeID: "MusionBackend_Build", Branch: "dev"})
	require.NoError(t, err)
	require.True(t, res.Created)

	require.NoError(t, rt.Dispatcher.Drain(ctx))
	b, err := rt.Queue.Get(ctx, res.Build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, b.Status)
	assert.Equal(t, "local", b.AgentID)

	n, err := rt.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRuntimeFailsBuildWithoutSecret(t *testing.T) {
	ctx := context.Background()
	s := newSettings(t)
	s.Secrets.Static = nil
	rt, err := New(ctx, s)
	require.NoError(t, err)
	defer rt.Close()

	res, err := rt.Engine.Submit(ctx, engine.SubmitRequest{BuildTypeID: "MusionBackend_Build", Branch: "dev"})
	require.NoError(t, err)
	require.NoError(t, rt.Dispatcher.Drain(ctx))
	b, err := rt.Queue.Get(ctx, res.Build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailure, b.Status)

	// a stored secret is picked up by the next build
	require.NoError(t, rt.Store.Put(ctx, tokenSecretID, "s3cr3t", "tester"))
	res, err = rt.Engine.Submit(ctx, engine.SubmitRequest{BuildTypeID: "MusionBackend_Build", Branch: "main"})
	require.NoError(t, err)
	require.NoError(t, rt.Dispatcher.Drain(ctx))
	b, err = rt.Queue.Get(ctx, res.Build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, b.Status)
}

func TestRuntimeReloadKeepsModelOnError(t *testing.T) {
	ctx := context.Background()
	s := newSettings(t)
	rt, err := New(ctx, s)
	require.NoError(t, err)
	defer rt.Close()

	before := rt.Engine.Model()
	require.NoError(t, os.WriteFile(rt.ConfigPath, []byte("project: [\n"), 0o644))
	assert.Error(t, rt.Reload())
	assert.Same(t, before, rt.Engine.Model())

	require.NoError(t, os.WriteFile(rt.ConfigPath, []byte(config.GenerateDefault()), 0o644))
	require.NoError(t, rt.Reload())
	assert.NotSame(t, before, rt.Engine.Model())
}

func TestRuntimeRejectsUnknownSecretsProvider(t *testing.T) {
	s := newSettings(t)
	s.Secrets.Provider = "vaultish"
	_, err := New(context.Background(), s)
	assert.ErrorContains(t, err, "unknown secrets provider")
}

func TestLoadModelRequiresDocument(t *testing.T) {
	_, _, err := LoadModel(t.TempDir(), "")
	assert.ErrorIs(t, err, config.ErrNotFound)
}
