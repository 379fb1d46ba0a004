package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/repo"
	"buildline/internal/resolver"
	sdk "buildline/sdk/go"
)

func planCmd() *cobra.Command {
	var branch, revision string
	cmd := &cobra.Command{
		Use:   "plan <build-type>",
		Short: "Show the builds a request for a build type would queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var plan sdk.Plan
			if remote() {
				p, err := client().Plan(cmd.Context(), args[0], branch, revision)
				if err != nil {
					return err
				}
				plan = p
			} else {
				err := withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
					p, err := e.Plan(ctx, args[0], branch, revision)
					if err != nil {
						return err
					}
					plan = planFromResolver(p)
					return nil
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(plan)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"#", "Build type", "Action", "Depends on"})
			for i, it := range plan.Items {
				action := "queue"
				if it.ReusedID != nil {
					action = fmt.Sprintf("reuse #%d", *it.ReusedID)
				}
				tw.AppendRow(table.Row{i + 1, it.BuildTypeID, action, strings.Join(it.DependsOn, ", ")})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch")
	cmd.Flags().StringVar(&revision, "revision", "", "revision")
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Queue, inspect, cancel and finish builds"}
	q.AddCommand(queueListCmd())
	q.AddCommand(queueAddCmd())
	q.AddCommand(queueShowCmd())
	q.AddCommand(queueHistoryCmd())
	q.AddCommand(queueCancelCmd())
	q.AddCommand(queueFinishCmd())
	return q
}

func queueListCmd() *cobra.Command {
	var f sdk.QueueFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List QUEUED builds in dispatch order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote() {
				builds, err := client().Queue(cmd.Context(), f)
				if err != nil {
					return err
				}
				return printBuilds(builds)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Queue.Queued(ctx)
				if err != nil {
					return err
				}
				var out []sdk.Build
				for _, b := range items {
					if f.BuildTypeID != "" && b.BuildTypeID != f.BuildTypeID {
						continue
					}
					if f.Branch != "" && b.Branch != f.Branch {
						continue
					}
					out = append(out, buildFromDomain(b))
				}
				return printBuilds(out)
			})
		},
	}
	cmd.Flags().StringVar(&f.BuildTypeID, "build-type", "", "build type filter")
	cmd.Flags().StringVar(&f.Branch, "branch", "", "branch filter")
	return cmd
}

func queueHistoryCmd() *cobra.Command {
	var f sdk.QueueFilter
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List builds in any state, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Status != "" {
				f.Status = strings.ToUpper(f.Status)
			}
			if remote() {
				builds, err := client().Builds(cmd.Context(), f)
				if err != nil {
					return err
				}
				return printBuilds(builds)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rf := repo.BuildFilter{BuildTypeID: f.BuildTypeID, Branch: f.Branch, Limit: f.Limit}
				if f.Status != "" {
					rf.Statuses = []domain.Status{domain.Status(f.Status)}
				}
				items, err := e.Queue.List(ctx, rf)
				if err != nil {
					return err
				}
				out := make([]sdk.Build, 0, len(items))
				for _, b := range items {
					out = append(out, buildFromDomain(b))
				}
				return printBuilds(out)
			})
		},
	}
	cmd.Flags().StringVar(&f.BuildTypeID, "build-type", "", "build type filter")
	cmd.Flags().StringVar(&f.Branch, "branch", "", "branch filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum builds")
	return cmd
}

func queueAddCmd() *cobra.Command {
	var branch, revision string
	var priority int
	var params []string
	cmd := &cobra.Command{
		Use:   "add <build-type>",
		Short: "Queue a build and its snapshot dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := parseParams(params)
			if err != nil {
				return err
			}
			var res sdk.Enqueued
			if remote() {
				res, err = client().Enqueue(cmd.Context(), sdk.EnqueueRequest{
					BuildTypeID: args[0],
					Branch:      branch,
					Revision:    revision,
					Priority:    priority,
					Properties:  props,
				})
				if err != nil {
					return err
				}
			} else {
				err = withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
					out, err := e.Submit(ctx, engine.SubmitRequest{
						BuildTypeID: args[0],
						Branch:      branch,
						Revision:    revision,
						Params:      props,
						Priority:    priority,
						Cause:       domain.CauseCLI,
						ActorID:     viper.GetString("actor-id"),
					})
					if err != nil {
						return err
					}
					res = sdk.Enqueued{Build: buildFromDomain(out.Build), Created: out.Created}
					for _, b := range out.Queued {
						res.Queued = append(res.Queued, buildFromDomain(b))
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if !res.Created {
				fmt.Printf("build #%d of %s is already %s with the same parameters\n", res.ID, res.BuildTypeID, strings.ToLower(res.Status))
				return nil
			}
			fmt.Printf("queued #%d %s (%d builds in chain)\n", res.ID, res.BuildTypeID, len(res.Queued))
			return printBuilds(res.Queued)
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch")
	cmd.Flags().StringVar(&revision, "revision", "", "revision")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher dispatches first)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter name=value (repeatable)")
	return cmd
}

func queueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <build-id>",
		Short: "Show one build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBuildID(args[0])
			if err != nil {
				return err
			}
			var b sdk.Build
			if remote() {
				b, err = client().Build(cmd.Context(), id)
			} else {
				err = withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
					got, err := e.Queue.Get(ctx, id)
					b = buildFromDomain(got)
					return err
				})
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(b)
			}
			tw := newTable()
			tw.AppendRows([]table.Row{
				{"ID", b.ID},
				{"Build type", b.BuildTypeID},
				{"Status", b.Status},
				{"Branch", b.BranchName},
				{"Revision", b.Revision},
				{"Priority", b.Priority},
				{"Cause", b.Cause},
				{"Chain depth", b.ChainDepth},
				{"Agent", b.AgentID},
				{"Queued", ago(b.QueuedDate)},
				{"Started", ago(b.StartDate)},
				{"Finished", ago(b.FinishDate)},
				{"Depends on", joinIDs(b.DependsOn)},
				{"Status text", b.StatusText},
			})
			tw.Render()
			return nil
		},
	}
	return cmd
}

func queueCancelCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "cancel <build-id>",
		Short: "Cancel a queued or running build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBuildID(args[0])
			if err != nil {
				return err
			}
			var b sdk.Build
			if remote() {
				b, err = client().Cancel(cmd.Context(), id, comment)
			} else {
				err = withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
					got, err := e.Queue.Cancel(ctx, id, comment, viper.GetString("actor-id"))
					b = buildFromDomain(got)
					return err
				})
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(b)
			}
			if b.CancelAsked && b.Status == string(domain.StatusRunning) {
				fmt.Printf("cancel requested for running build #%d\n", b.ID)
				return nil
			}
			fmt.Printf("build #%d %s\n", b.ID, strings.ToLower(b.Status))
			return nil
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "reason recorded with the cancellation")
	return cmd
}

func queueFinishCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "finish <build-id>",
		Short: "Report the outcome of a running build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBuildID(args[0])
			if err != nil {
				return err
			}
			st := domain.Status(strings.ToUpper(status))
			if !st.Terminal() {
				return fmt.Errorf("--status must be SUCCESS, FAILURE or CANCELLED")
			}
			var b sdk.Build
			if remote() {
				b, err = client().Finish(cmd.Context(), id, string(st), reason)
			} else {
				err = withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
					got, err := e.Queue.Complete(ctx, id, st, reason)
					b = buildFromDomain(got)
					return err
				})
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(b)
			}
			fmt.Printf("build #%d %s\n", b.ID, strings.ToLower(b.Status))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "SUCCESS", "SUCCESS, FAILURE or CANCELLED")
	cmd.Flags().StringVar(&reason, "reason", "", "status text")
	return cmd
}

func vcsCmd() *cobra.Command {
	v := &cobra.Command{Use: "vcs", Short: "Report VCS changes"}
	v.AddCommand(vcsChangeCmd())
	return v
}

func vcsChangeCmd() *cobra.Command {
	var branch, revision string
	cmd := &cobra.Command{
		Use:   "change <vcs-root>",
		Short: "Record a new revision and run the vcs triggers bound to the root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if revision == "" {
				return fmt.Errorf("--revision required")
			}
			var builds []sdk.Build
			if remote() {
				out, err := client().VcsChange(cmd.Context(), args[0], branch, revision)
				if err != nil {
					return err
				}
				builds = out
			} else {
				err := withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
					out, err := e.OnVcsChange(ctx, args[0], branch, revision)
					for _, b := range out {
						builds = append(builds, buildFromDomain(b))
					}
					return err
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(builds)
			}
			if len(builds) == 0 {
				fmt.Println("no builds triggered")
				return nil
			}
			return printBuilds(builds)
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch (default branch of the root when empty)")
	cmd.Flags().StringVar(&revision, "revision", "", "new revision")
	return cmd
}

func printBuilds(builds []sdk.Build) error {
	if viper.GetBool("json") {
		if builds == nil {
			builds = []sdk.Build{}
		}
		return printJSON(builds)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Build type", "Branch", "Status", "Priority", "Cause", "Depends on", "Queued"})
	for _, b := range builds {
		status := b.Status
		if b.CancelAsked && b.Status == string(domain.StatusRunning) {
			status += " (cancelling)"
		}
		tw.AppendRow(table.Row{b.ID, b.BuildTypeID, b.BranchName, status, b.Priority, b.Cause, joinIDs(b.DependsOn), ago(b.QueuedDate)})
	}
	tw.Render()
	return nil
}

func buildFromDomain(b domain.QueuedBuild) sdk.Build {
	out := sdk.Build{
		ID:          b.ID,
		Status:      string(b.Status),
		BuildTypeID: b.BuildTypeID,
		BranchName:  b.Branch,
		Revision:    b.Revision,
		Priority:    b.Priority,
		Cause:       b.Cause,
		ChainDepth:  b.ChainDepth,
		TriggeredBy: b.TriggeredBy,
		AgentID:     b.AgentID,
		StatusText:  b.FailureReason,
		CancelAsked: b.CancelRequested,
		QueuedDate:  b.QueuedAt,
		DependsOn:   b.DependsOn,
		Properties:  b.Params,
	}
	switch {
	case b.Status == domain.StatusQueued:
		out.State = "queued"
	case b.Status == domain.StatusRunning:
		out.State = "running"
	default:
		out.State = "finished"
	}
	if b.StartedAt != nil {
		out.StartDate = *b.StartedAt
	}
	if b.FinishedAt != nil {
		out.FinishDate = *b.FinishedAt
	}
	return out
}

func planFromResolver(p resolver.Plan) sdk.Plan {
	out := sdk.Plan{Target: p.Target}
	for _, it := range p.Items {
		item := sdk.PlanItem{BuildTypeID: it.BuildTypeID, DependsOn: it.DependsOn}
		if it.Reused != nil {
			id := it.Reused.ID
			item.ReusedID = &id
		}
		out.Items = append(out.Items, item)
	}
	return out
}

func parseBuildID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid build id %q", s)
	}
	return id, nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, "#"+strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ", ")
}
