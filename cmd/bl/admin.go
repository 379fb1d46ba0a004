package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/engine/auth"
	"buildline/internal/migrate"
	"buildline/internal/queue"
	"buildline/internal/repo"
	"buildline/internal/secrets"
	sdk "buildline/sdk/go"
)

func tokenCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "token",
		Short: "Manage REST access tokens",
		Long:  "Access tokens authenticate REST calls as 'Authorization: Bearer <token>'. Only their hash is stored.",
	}
	t.AddCommand(tokenCreateCmd())
	t.AddCommand(tokenListCmd())
	t.AddCommand(tokenRevokeCmd())
	t.AddCommand(tokenJWTCmd())
	return t
}

func tokenCreateCmd() *cobra.Command {
	var principal, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote() {
				return errNeedsLocal
			}
			if principal == "" {
				return fmt.Errorf("--principal required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plain, tok, err := auth.Service{Repo: r}.IssueToken(ctx, principal, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": tok.ID, "principal": tok.Principal, "name": tok.Name, "token": plain})
				}
				fmt.Printf("token %s for %s (shown once):\n%s\n", tok.ID, tok.Principal, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "principal the token acts as")
	cmd.Flags().StringVar(&name, "name", "", "label for the token")
	return cmd
}

func tokenListCmd() *cobra.Command {
	var principal string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List access tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote() {
				return errNeedsLocal
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := auth.Service{Repo: r}.ListTokens(ctx, principal)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					for i := range items {
						items[i].TokenHash = ""
					}
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Principal", "Name", "Created", "Last used"})
				for _, tok := range items {
					last := "never"
					if tok.LastUsedAt != nil {
						last = ago(*tok.LastUsedAt)
					}
					tw.AppendRow(table.Row{tok.ID, tok.Principal, tok.Name, ago(tok.CreatedAt), last})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "principal filter")
	return cmd
}

func tokenRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke an access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote() {
				return errNeedsLocal
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := (auth.Service{Repo: r}).RevokeToken(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
	return cmd
}

func tokenJWTCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "jwt",
		Short: "Sign a JWT with BUILDLINE_SERVER_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject required")
			}
			s, err := config.LoadServer(cmd.Context())
			if err != nil {
				return err
			}
			svc := auth.Service{JWTSecret: s.JWTSecret, JWTIssuer: s.JWTIssuer, JWTAudience: s.JWTAudience}
			token, err := svc.SignJWT(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "validity (0 for no expiry)")
	return cmd
}

func secretCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets in the workspace store",
		Long:  "Password params hold credentialsJSON:<id> references; the sqlite provider resolves <id> from this store at dispatch.",
	}
	s.AddCommand(secretPutCmd())
	s.AddCommand(secretDeleteCmd())
	s.AddCommand(secretListCmd())
	return s
}

func withStore(ctx context.Context, fn func(context.Context, *secrets.SqliteStore) error) error {
	if remote() {
		return errNeedsLocal
	}
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		store, err := secrets.NewSqliteStore(ctx, r.DB)
		if err != nil {
			return err
		}
		return fn(ctx, store)
	})
}

func secretPutCmd() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "put <id>",
		Short: "Store a secret value (read from stdin without --value)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimPrefix(args[0], "credentialsJSON:")
			if !cmd.Flags().Changed("value") {
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read secret from stdin: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			return withStore(cmd.Context(), func(ctx context.Context, s *secrets.SqliteStore) error {
				if err := s.Put(ctx, id, value, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("stored credentialsJSON:%s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "secret value")
	return cmd
}

func secretDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimPrefix(args[0], "credentialsJSON:")
			return withStore(cmd.Context(), func(ctx context.Context, s *secrets.SqliteStore) error {
				if err := s.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Println("deleted", id)
				return nil
			})
		},
	}
	return cmd
}

func secretListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored secret ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *secrets.SqliteStore) error {
				items, err := s.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Created", "By"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, humanize.Time(it.CreatedAt), it.CreatedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func pruneCmd() *cobra.Command {
	var maxAge string
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished builds outside the cleanup window",
		Long:  "Defaults come from the cleanup section of the pipeline document; flags override them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote() {
				return errNeedsLocal
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c := e.Model().Cleanup
				r := queue.Retention{MaxAge: c.MaxAge, KeepPerBuildType: c.KeepPerBuildType}
				if cmd.Flags().Changed("max-age") {
					d, err := config.ParseAge(maxAge)
					if err != nil {
						return err
					}
					r.MaxAge = d
				}
				if cmd.Flags().Changed("keep") {
					r.KeepPerBuildType = keep
				}
				n, err := e.Queue.Prune(ctx, r)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"pruned": n})
				}
				fmt.Printf("pruned %s builds\n", humanize.Comma(n))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&maxAge, "max-age", "", "drop finished builds older than this (e.g. 30d, 12h)")
	cmd.Flags().IntVar(&keep, "keep", 0, "always keep this many newest builds per build type")
	return cmd
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Inspect the workspace database"}
	d.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and available schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote() {
				return errNeedsLocal
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, latest, err := migrate.Status(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"path": db.Path(workspace), "applied": applied, "latest": latest})
			}
			fmt.Printf("%s: schema %d of %d\n", db.Path(workspace), applied, latest)
			return nil
		},
	})
	d.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote() {
				return errNeedsLocal
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				applied, _, err := migrate.Status(ctx, r.DB)
				if err != nil {
					return err
				}
				fmt.Printf("schema at %d\n", applied)
				return nil
			})
		},
	})
	return d
}

func eventsCmd() *cobra.Command {
	e := &cobra.Command{Use: "events", Short: "Read the event log"}
	e.AddCommand(eventsTailCmd())
	return e
}

func eventsTailCmd() *cobra.Command {
	var n int
	var cursor string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print events after a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			after := int64(0)
			if cursor != "" {
				v, err := strconv.ParseInt(cursor, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid --cursor %q", cursor)
				}
				after = v
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			fetch := func(ctx context.Context, after int64) ([]sdk.Event, error) {
				if remote() {
					page, err := client().Events(ctx, strconv.FormatInt(after, 10), n)
					return page.Items, err
				}
				var out []sdk.Event
				err := withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
					items, err := r.ListEvents(ctx, after, n)
					for _, evt := range items {
						out = append(out, eventFromDomain(evt))
					}
					return err
				})
				return out, err
			}
			for {
				items, err := fetch(ctx, after)
				if err != nil {
					return err
				}
				printEvents(items, follow)
				if len(items) > 0 {
					after = items[len(items)-1].ID
				}
				if !follow {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
			}
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events per page")
	cmd.Flags().StringVar(&cursor, "cursor", "", "print events after this id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	return cmd
}

func printEvents(items []sdk.Event, stream bool) {
	if viper.GetBool("json") {
		if stream {
			for _, evt := range items {
				_ = printJSON(evt)
			}
			return
		}
		if items == nil {
			items = []sdk.Event{}
		}
		_ = printJSON(items)
		return
	}
	if stream {
		for _, evt := range items {
			fmt.Printf("%d\t%s\t%s\t%s/%s\t%s\n", evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID)
		}
		return
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "When", "Type", "Entity", "Actor"})
	for _, evt := range items {
		tw.AppendRow(table.Row{evt.ID, ago(evt.TS), evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
	}
	tw.Render()
}

func eventFromDomain(e domain.Event) sdk.Event {
	out := sdk.Event{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &out.Payload)
	}
	return out
}
