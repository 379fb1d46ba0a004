// Package agent hands claimed builds to whatever executes them.
package agent

import (
	"context"
	"log/slog"
	"sort"

	"buildline/internal/domain"
	blog "buildline/internal/log"
	"buildline/internal/model"
)

// Assignment is everything an agent needs to run one build. Params hold
// resolved secret values and must not be logged.
type Assignment struct {
	ID          string            `json:"id"`
	BuildID     int64             `json:"buildId"`
	BuildTypeID string            `json:"buildTypeId"`
	BuildName   string            `json:"buildName"`
	Branch      string            `json:"branch,omitempty"`
	Revision    string            `json:"revision,omitempty"`
	VcsURL      string            `json:"vcsUrl,omitempty"`
	CheckoutDir string            `json:"checkoutDir,omitempty"`
	Params      map[string]string `json:"params"`
	Steps       []model.Step      `json:"steps"`
}

// Agent runs assignments. Start must not block until the build finishes;
// outcomes come back through Completer.
type Agent interface {
	Start(ctx context.Context, a Assignment) error
	Cancel(ctx context.Context, buildID int64) error
}

// Completer receives build outcomes. *queue.Queue implements it.
type Completer interface {
	Complete(ctx context.Context, id int64, status domain.Status, reason string) (domain.QueuedBuild, error)
}

// NoopAgent logs each step and reports SUCCESS right away. It stands in for
// real agents during local development and dry runs.
type NoopAgent struct {
	Completer Completer
	Logger    *slog.Logger
}

func (n NoopAgent) Start(ctx context.Context, a Assignment) error {
	l := blog.Or(n.Logger, "agent")
	names := make([]string, 0, len(a.Params))
	for k := range a.Params {
		names = append(names, k)
	}
	sort.Strings(names)
	l.Info("dry run", "build", a.BuildID, "build_type", a.BuildTypeID, "branch", a.Branch, "params", names)
	for i, s := range a.Steps {
		l.Info("step", "build", a.BuildID, "n", i+1, "name", s.Name, "kind", s.Kind)
	}
	if n.Completer == nil {
		return nil
	}
	_, err := n.Completer.Complete(ctx, a.BuildID, domain.StatusSuccess, "")
	return err
}

func (n NoopAgent) Cancel(ctx context.Context, buildID int64) error {
	if n.Completer == nil {
		return nil
	}
	_, err := n.Completer.Complete(ctx, buildID, domain.StatusCancelled, "cancelled")
	return err
}
