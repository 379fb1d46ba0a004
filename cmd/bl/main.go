package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/app"
	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/engine"
	blog "buildline/internal/log"
	"buildline/internal/model"
	"buildline/internal/queue"
	"buildline/internal/repo"
	sdk "buildline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Buildline CLI",
	Long: `Buildline queues builds and their snapshot dependencies.
Core concepts:
- Workspace: a directory holding buildline.yml (the pipeline) and .buildline (the database).
- Build type: a job definition with steps, parameters, triggers and snapshot dependencies.
- Snapshot dependency: an upstream build type that must finish first; a REUSE edge may
  take an earlier successful build at the same branch and revision instead.
- Queue: QUEUED builds are handed to agents by priority, then age, once their dependencies succeed.
- Triggers: vcs triggers react to new revisions, finish-build triggers react to finished builds.
- Event log: every transition is recorded, view it with 'bl events tail'.
Pass --server to talk to a running 'bl serve' instead of the local workspace.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if lvl := viper.GetString("log-level"); lvl != "" {
			blog.SetLevel(blog.ParseLevel(lvl))
		}
		if remote() {
			return nil
		}
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BUILDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "pipeline document (default <workspace>/buildline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("server", "", "buildline server URL; commands go over REST when set")
	rootCmd.PersistentFlags().String("token", "", "access token for --server")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level", "server", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(vcsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(eventsCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath, agentURL string
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST gateway, dispatcher and trigger workers",
		Long: `Serve reads its settings from BUILDLINE_SERVER_* variables; flags override them.
SIGHUP reloads the pipeline document. An invalid document keeps the running one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.LoadServer(cmd.Context())
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				s.ListenAddr = addr
			}
			if flags.Changed("base-path") {
				s.BasePath = basePath
			}
			if flags.Changed("agent-url") {
				s.Agent.URL = agentURL
			}
			if flags.Changed("workers") {
				s.Workers = workers
			}
			if rootCmd.PersistentFlags().Changed("workspace") || s.Workspace == "" {
				s.Workspace = viper.GetString("workspace")
			}
			if p := viper.GetString("config"); p != "" {
				s.ConfigPath = p
			}
			if viper.GetString("log-level") == "" {
				blog.SetLevel(blog.ParseLevel(s.LogLevel))
			}
			if strings.TrimSpace(s.JWTSecret) == "" {
				blog.New("serve").Warn("BUILDLINE_SERVER_JWT_SECRET not set; only access tokens are accepted")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rt, err := app.New(ctx, s)
			if err != nil {
				return err
			}
			defer rt.Close()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						if err := rt.Reload(); err != nil {
							rt.Logger.Error("reload failed, keeping current config", "path", rt.ConfigPath, "err", err)
						}
					}
				}
			}()

			fmt.Printf("Serving Buildline on http://%s%s (OpenAPI at %s/openapi.json, docs at %s/docs)\n", s.ListenAddr, s.BasePath, s.BasePath, s.BasePath)
			return rt.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8111", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/app/rest", "API base path")
	cmd.Flags().StringVar(&agentURL, "agent-url", "", "forward claimed builds to this agent endpoint")
	cmd.Flags().IntVar(&workers, "workers", 2, "dispatch workers")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect the pipeline document",
		Long:  "The pipeline document (buildline.yml or buildline.hcl) declares projects, build types, VCS roots, templates and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample buildline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline document",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, path, err := app.LoadModel(viper.GetString("workspace"), viper.GetString("config"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil, "path": path}
				if err != nil {
					out["error"] = err.Error()
				} else {
					out["build_types"] = len(m.BuildTypes())
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Printf("config OK: %s (%d build types)\n", path, len(m.BuildTypes()))
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the resolved build types",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := app.LoadModel(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(m.BuildTypes())
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Name", "Project", "VCS root", "Depends on", "Triggers", "Params"})
			for _, bt := range m.BuildTypes() {
				var deps, triggers []string
				for _, d := range bt.Dependencies {
					deps = append(deps, d.Target)
				}
				for _, t := range bt.Triggers {
					if t.IsEnabled() {
						triggers = append(triggers, string(t.Kind()))
					}
				}
				name := bt.Name
				if bt.Paused {
					name += " (paused)"
				}
				tw.AppendRow(table.Row{bt.ID, name, bt.ProjectID, bt.VcsRootID, strings.Join(deps, ", "), strings.Join(triggers, ", "), len(bt.Params)})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func remote() bool {
	return strings.TrimSpace(viper.GetString("server")) != ""
}

func client() *sdk.Client {
	return sdk.New(viper.GetString("server"), viper.GetString("token"))
}

// withEngine opens the workspace store and pipeline and wires a queue and
// trigger engine over them. Finish-build triggers run inline since no
// workers are started.
func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	m, _, err := app.LoadModel(workspace, viper.GetString("config"))
	if err != nil {
		return err
	}
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		return fn(ctx, newEngine(r, m))
	})
}

func newEngine(r repo.Repo, m *model.Model) *engine.Engine {
	q := queue.New(r)
	e := engine.New(q, m)
	q.MaxRunning = e.MaxRunning
	q.OnFinish(e)
	return e
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := app.OpenStore(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ago renders an RFC3339 timestamp relative to now.
func ago(ts string) string {
	if ts == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --param %q (want name=value)", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

var errNeedsLocal = errors.New("this command works on the local workspace only; drop --server")
