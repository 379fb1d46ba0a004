package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"buildline/internal/domain"
	blog "buildline/internal/log"
	"buildline/internal/model"
	"buildline/internal/queue"
	"buildline/internal/secrets"
)

// Dispatcher claims dispatchable builds and hands them to Agent. Workers
// wake on queue changes and on a poll interval.
type Dispatcher struct {
	Queue        *queue.Queue
	Model        func() *model.Model
	Secrets      secrets.Resolver
	Agent        Agent
	AgentID      string
	Workers      int
	PollInterval time.Duration
	Logger       *slog.Logger
}

func (d *Dispatcher) log() *slog.Logger {
	return blog.Or(d.Logger, "dispatcher")
}

// Run blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	workers := d.Workers
	if workers <= 0 {
		workers = 1
	}
	interval := d.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return d.worker(ctx, interval)
		})
	}
	d.log().Info("dispatcher started", "workers", workers, "agent", d.AgentID)
	return g.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, interval time.Duration) error {
	wake := d.Queue.Notifier().Subscribe()
	defer d.Queue.Notifier().Unsubscribe(wake)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := d.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log().Error("dispatch", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// Drain dispatches until nothing is dispatchable.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, ok, err := d.Queue.Dispatch(ctx, d.AgentID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		d.start(ctx, b)
	}
}

func (d *Dispatcher) start(ctx context.Context, b domain.QueuedBuild) {
	a, err := d.Assignment(ctx, b)
	if err == nil {
		err = d.Agent.Start(ctx, a)
	}
	if err == nil {
		d.log().Info("build started", "build", b.ID, "build_type", b.BuildTypeID, "assignment", a.ID)
		return
	}
	d.log().Warn("build could not start", "build", b.ID, "build_type", b.BuildTypeID, "err", err)
	if _, cerr := d.Queue.Complete(context.WithoutCancel(ctx), b.ID, domain.StatusFailure, err.Error()); cerr != nil {
		d.log().Error("record start failure", "build", b.ID, "err", cerr)
	}
}

// Assignment builds the agent payload for b against the active model:
// effective params with secrets resolved and %NAME% references expanded in
// step content.
func (d *Dispatcher) Assignment(ctx context.Context, b domain.QueuedBuild) (Assignment, error) {
	m := d.Model()
	bt, err := m.BuildType(b.BuildTypeID)
	if err != nil {
		return Assignment{}, err
	}
	ps, err := bt.Params.Override(b.Params)
	if err != nil {
		return Assignment{}, err
	}
	values, err := secrets.ResolveParams(ctx, d.Secrets, ps)
	if err != nil {
		return Assignment{}, fmt.Errorf("resolve secrets: %w", err)
	}
	values = model.ExpandAll(values)
	a := Assignment{
		ID:          uuid.NewString(),
		BuildID:     b.ID,
		BuildTypeID: bt.ID,
		BuildName:   bt.Name,
		Branch:      b.Branch,
		Revision:    b.Revision,
		CheckoutDir: bt.CheckoutDir,
		Params:      values,
	}
	if root, ok := m.VcsRoot(bt.VcsRootID); ok {
		a.VcsURL = root.URL
	}
	for _, s := range bt.Steps {
		s.Content = model.Expand(s.Content, values)
		a.Steps = append(a.Steps, s)
	}
	return a, nil
}

// CancelRunning implements queue.Canceller.
func (d *Dispatcher) CancelRunning(ctx context.Context, b domain.QueuedBuild) error {
	return d.Agent.Cancel(ctx, b.ID)
}
