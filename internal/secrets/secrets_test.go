package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/model"
)

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{"45c033b7": "s3cr3t"}
	v, err := r.Resolve(context.Background(), "credentialsJSON:45c033b7")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", v)

	_, err = r.Resolve(context.Background(), "credentialsJSON:missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Resolve(context.Background(), "plain")
	assert.ErrorIs(t, err, ErrInvalidRef)
	_, err = r.Resolve(context.Background(), "credentialsJSON:../etc")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestSqliteStore(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()

	store, err := NewSqliteStore(ctx, conn)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "registry", "one", "alice"))
	require.NoError(t, store.Put(ctx, "registry", "two", "alice"))
	require.NoError(t, store.Put(ctx, "api", "key", "bob"))

	v, err := store.Resolve(ctx, "credentialsJSON:registry")
	require.NoError(t, err)
	assert.Equal(t, "two", v)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "api", list[0].ID)
	assert.Equal(t, "bob", list[0].CreatedBy)

	require.NoError(t, store.Delete(ctx, "registry"))
	_, err = store.Resolve(ctx, "credentialsJSON:registry")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "registry"), ErrNotFound)
	assert.ErrorIs(t, store.Put(ctx, "bad id", "x", ""), ErrInvalidID)

	// a second store over the same database reuses the table
	again, err := NewSqliteStore(ctx, conn)
	require.NoError(t, err)
	v, err = again.Resolve(ctx, "credentialsJSON:api")
	require.NoError(t, err)
	assert.Equal(t, "key", v)
}

type failing struct{}

func (failing) Resolve(context.Context, string) (string, error) {
	return "", errors.New("backend down")
}

func TestChain(t *testing.T) {
	c := Chain{StaticResolver{"a": "1"}, StaticResolver{"b": "2"}}
	v, err := c.Resolve(context.Background(), "credentialsJSON:b")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
	_, err = c.Resolve(context.Background(), "credentialsJSON:c")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Chain{failing{}, StaticResolver{"a": "1"}}.Resolve(context.Background(), "credentialsJSON:a")
	assert.EqualError(t, err, "backend down")
}

func TestResolveParams(t *testing.T) {
	ps := model.Params{
		"TOKEN":    {Name: "TOKEN", Kind: model.KindPassword, Value: "credentialsJSON:tok"},
		"EMPTY":    {Name: "EMPTY", Kind: model.KindPassword},
		"TAG_NAME": {Name: "TAG_NAME", Kind: model.KindText, Value: "latest"},
	}
	out, err := ResolveParams(context.Background(), StaticResolver{"tok": "abc"}, ps)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TOKEN": "abc", "EMPTY": "", "TAG_NAME": "latest"}, out)

	_, err = ResolveParams(context.Background(), StaticResolver{}, ps)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = ResolveParams(context.Background(), nil, ps)
	assert.Error(t, err)
}

func TestOpenBaoResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "root-token" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/buildline/data/registry":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{
					"data": map[string]any{"value": "hunter2"},
					"metadata": map[string]any{
						"created_time":  "2024-01-01T00:00:00Z",
						"deletion_time": "",
						"destroyed":     false,
						"version":       1,
					},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	defer srv.Close()

	r, err := NewOpenBaoResolver(config.OpenBaoConfig{Addr: srv.URL, Token: "root-token", Mount: "buildline"}, nil)
	require.NoError(t, err)
	defer r.Stop()

	v, err := r.Resolve(context.Background(), "credentialsJSON:registry")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	_, err = r.Resolve(context.Background(), "credentialsJSON:missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewOpenBaoResolver(config.OpenBaoConfig{Addr: srv.URL}, nil)
	assert.Error(t, err)
}
