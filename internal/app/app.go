// Package app assembles the store, queue, trigger engine, dispatcher and
// REST gateway into one runtime.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"buildline/internal/agent"
	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/engine"
	"buildline/internal/engine/auth"
	blog "buildline/internal/log"
	"buildline/internal/migrate"
	"buildline/internal/model"
	"buildline/internal/queue"
	"buildline/internal/repo"
	"buildline/internal/secrets"
	"buildline/internal/server"
)

// OpenStore opens and migrates the workspace database.
func OpenStore(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// LoadModel reads the pipeline document at path, or the one found in
// workspace when path is empty, and validates it.
func LoadModel(workspace, path string) (*model.Model, string, error) {
	if path == "" {
		found, err := config.Find(workspace)
		if err != nil {
			return nil, "", err
		}
		path = found
	}
	m, err := model.Load(path)
	if err != nil {
		return nil, path, err
	}
	return m, path, nil
}

// Runtime is a fully wired buildline server.
type Runtime struct {
	Settings   *config.Server
	ConfigPath string
	DB         *sql.DB
	Repo       repo.Repo
	Queue      *queue.Queue
	Engine     *engine.Engine
	Auth       auth.Service
	Secrets    secrets.Resolver
	Store      *secrets.SqliteStore
	Dispatcher *agent.Dispatcher
	Webhooks   *server.WebhookDispatcher
	Handler    http.Handler
	Logger     *slog.Logger

	stoppers []secrets.Stopper
}

// New opens the workspace named by s and wires every component. Close
// releases what New acquired.
func New(ctx context.Context, s *config.Server) (*Runtime, error) {
	l := blog.New("app")
	m, path, err := LoadModel(s.Workspace, s.ConfigPath)
	if err != nil {
		return nil, err
	}
	conn, err := OpenStore(ctx, s.Workspace)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Settings: s, ConfigPath: path, DB: conn, Repo: repo.Repo{DB: conn}, Logger: l}
	if err := rt.wire(ctx, m); err != nil {
		rt.Close()
		return nil, err
	}
	l.Info("runtime ready", "config", path, "build_types", len(m.BuildTypes()), "db", db.Path(s.Workspace))
	return rt, nil
}

func (rt *Runtime) wire(ctx context.Context, m *model.Model) error {
	s := rt.Settings
	rt.Queue = queue.New(rt.Repo)
	rt.Queue.Logger = blog.New("queue")
	rt.Engine = engine.New(rt.Queue, m)
	rt.Queue.MaxRunning = rt.Engine.MaxRunning
	rt.Queue.OnFinish(rt.Engine)

	rt.Auth = auth.Service{
		Repo:        rt.Repo,
		JWTSecret:   s.JWTSecret,
		JWTIssuer:   s.JWTIssuer,
		JWTAudience: s.JWTAudience,
	}

	store, err := secrets.NewSqliteStore(ctx, rt.DB)
	if err != nil {
		return fmt.Errorf("secrets store: %w", err)
	}
	rt.Store = store
	resolver, err := rt.secretsResolver()
	if err != nil {
		return err
	}
	rt.Secrets = resolver

	var a agent.Agent = agent.NoopAgent{Completer: rt.Queue, Logger: blog.New("agent")}
	if s.Agent.URL != "" {
		a = agent.HTTPAgent{URL: s.Agent.URL, Token: s.Agent.Token, Logger: blog.New("agent")}
	}
	rt.Dispatcher = &agent.Dispatcher{
		Queue:        rt.Queue,
		Model:        rt.Engine.Model,
		Secrets:      rt.Secrets,
		Agent:        a,
		AgentID:      s.Agent.ID,
		Workers:      s.Workers,
		PollInterval: s.PollInterval,
		Logger:       blog.New("dispatcher"),
	}
	rt.Queue.SetCanceller(rt.Dispatcher)

	rt.Webhooks = &server.WebhookDispatcher{
		Repo:     rt.Repo,
		Webhooks: func() []config.Webhook { return rt.Engine.Model().Webhooks },
		Notifier: rt.Queue.Notifier(),
		Logger:   blog.New("webhooks"),
	}

	handler, err := server.New(server.Config{
		Engine:   rt.Engine,
		Auth:     rt.Auth,
		BasePath: s.BasePath,
		Logger:   blog.New("server"),
	})
	if err != nil {
		return err
	}
	rt.Handler = handler
	return nil
}

// secretsResolver builds the provider chain. Static values always win so a
// shared token injected through the environment overrides stored copies.
func (rt *Runtime) secretsResolver() (secrets.Resolver, error) {
	s := rt.Settings.Secrets
	var chain secrets.Chain
	if len(s.Static) > 0 {
		chain = append(chain, secrets.StaticResolver(s.Static))
	}
	switch s.Provider {
	case "", "sqlite":
		chain = append(chain, rt.Store)
	case "static":
	case "openbao":
		bao, err := secrets.NewOpenBaoResolver(s.OpenBao, blog.New("secrets"))
		if err != nil {
			return nil, fmt.Errorf("openbao: %w", err)
		}
		rt.stoppers = append(rt.stoppers, bao)
		chain = append(chain, bao)
	default:
		return nil, fmt.Errorf("unknown secrets provider %q (want sqlite, static or openbao)", s.Provider)
	}
	return chain, nil
}

// Reload re-reads the pipeline document. The running model stays active
// when the new one is invalid.
func (rt *Runtime) Reload() error {
	_, err := rt.Engine.ReloadFile(rt.ConfigPath)
	return err
}

// Prune applies the cleanup rule of the active model.
func (rt *Runtime) Prune(ctx context.Context) (int64, error) {
	c := rt.Engine.Model().Cleanup
	return rt.Queue.Prune(ctx, queue.Retention{MaxAge: c.MaxAge, KeepPerBuildType: c.KeepPerBuildType})
}

// Run serves the REST gateway and runs the background workers until ctx is
// cancelled.
func (rt *Runtime) Run(ctx context.Context) error {
	s := rt.Settings
	rt.Engine.Start(ctx, s.TriggerWorkers)
	defer rt.Engine.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.Dispatcher.Run(ctx)
	})
	g.Go(func() error {
		rt.Webhooks.Run(ctx)
		return nil
	})
	g.Go(func() error {
		rt.pruneLoop(ctx)
		return nil
	})

	srv := &http.Server{Addr: s.ListenAddr, Handler: rt.Handler}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		rt.Logger.Info("serving", "addr", s.ListenAddr, "base_path", s.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func (rt *Runtime) pruneLoop(ctx context.Context) {
	interval := rt.Settings.PruneInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rt.Prune(ctx)
			if err != nil {
				rt.Logger.Error("prune builds", "err", err)
				continue
			}
			if n > 0 {
				rt.Logger.Info("pruned builds", "count", n)
			}
		}
	}
}

func (rt *Runtime) Close() {
	for _, s := range rt.stoppers {
		s.Stop()
	}
	if rt.DB != nil {
		rt.DB.Close()
	}
}
