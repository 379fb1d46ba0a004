package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/ristretto"

	"buildline/internal/domain"
	"buildline/internal/model"
)

// Graph is the read-only view of snapshot dependencies the resolver walks.
// *model.Model implements it.
type Graph interface {
	Has(id string) bool
	Dependencies(id string) []model.Dependency
}

// History finds finished builds that REUSE edges may substitute for a fresh
// build. An empty revision matches any revision on the branch.
type History interface {
	LatestSuccessful(ctx context.Context, buildTypeID, branch, revision string) (domain.QueuedBuild, bool, error)
}

type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

type Options struct {
	Branch   string
	Revision string
	// Pinned maps build type ids to builds that satisfy a REUSE edge to that
	// node ahead of History, typically the build whose completion fired a
	// trigger. NO_REUSE edges ignore pins.
	Pinned map[string]domain.QueuedBuild
}

// PlanItem is one node of a submission plan. Reused is set when an existing
// build stands in for the node and nothing has to be enqueued.
type PlanItem struct {
	BuildTypeID string
	Reused      *domain.QueuedBuild
	DependsOn   []string
}

func (i PlanItem) Fresh() bool {
	return i.Reused == nil
}

// Plan lists nodes with dependencies before dependents; the target is last.
type Plan struct {
	Target string
	Items  []PlanItem
}

// Fresh returns the items that need a new build.
func (p Plan) Fresh() []PlanItem {
	var out []PlanItem
	for _, it := range p.Items {
		if it.Fresh() {
			out = append(out, it)
		}
	}
	return out
}

type Resolver struct {
	graph   Graph
	history History
	orders  *ristretto.Cache
}

// New returns a resolver over g. history may be nil, in which case REUSE
// edges never find a build to reuse.
func New(g Graph, history History) *Resolver {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		cache = nil
	}
	return &Resolver{graph: g, history: history, orders: cache}
}

// Close releases the order cache.
func (r *Resolver) Close() {
	if r.orders != nil {
		r.orders.Close()
	}
}

type need int

const (
	needNone need = iota
	needReusable
	needFresh
)

// BuildSubmissionPlan resolves the snapshot dependency closure of target.
// NO_REUSE edges force a fresh upstream build; REUSE edges take the latest
// successful build for the same branch and revision when History has one.
func (r *Resolver) BuildSubmissionPlan(ctx context.Context, target string, opts Options) (Plan, error) {
	order, err := r.Order(target)
	if err != nil {
		return Plan{}, err
	}
	demand := map[string]need{target: needFresh}
	reused := map[string]*domain.QueuedBuild{}
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		st := demand[id]
		if st == needNone {
			continue
		}
		if st == needReusable {
			if pin, ok := opts.Pinned[id]; ok {
				b := pin
				reused[id] = &b
				continue
			}
			b, found, err := r.lookup(ctx, id, opts)
			if err != nil {
				return Plan{}, err
			}
			if found {
				reused[id] = &b
				continue
			}
			demand[id] = needFresh
		}
		for _, d := range r.graph.Dependencies(id) {
			if d.Reuse == model.NoReuse {
				demand[d.Target] = needFresh
			} else if demand[d.Target] != needFresh {
				demand[d.Target] = needReusable
			}
		}
	}

	plan := Plan{Target: target}
	for _, id := range order {
		if demand[id] == needNone {
			continue
		}
		item := PlanItem{BuildTypeID: id}
		if b, ok := reused[id]; ok {
			item.Reused = b
		} else {
			for _, d := range r.graph.Dependencies(id) {
				item.DependsOn = append(item.DependsOn, d.Target)
			}
			sort.Strings(item.DependsOn)
		}
		plan.Items = append(plan.Items, item)
	}
	return plan, nil
}

func (r *Resolver) lookup(ctx context.Context, id string, opts Options) (domain.QueuedBuild, bool, error) {
	if r.history == nil {
		return domain.QueuedBuild{}, false, nil
	}
	b, ok, err := r.history.LatestSuccessful(ctx, id, opts.Branch, opts.Revision)
	if err != nil {
		return domain.QueuedBuild{}, false, fmt.Errorf("reuse lookup for %s: %w", id, err)
	}
	return b, ok, nil
}

// Order returns target and all of its transitive snapshot dependencies,
// dependencies first, ties broken by id.
func (r *Resolver) Order(target string) ([]string, error) {
	if !r.graph.Has(target) {
		return nil, &model.UnknownBuildTypeError{ID: target}
	}
	if r.orders != nil {
		if v, ok := r.orders.Get(target); ok {
			return v.([]string), nil
		}
	}
	closure, err := r.closure(target)
	if err != nil {
		return nil, err
	}
	order := topoSort(closure, r.graph)
	if r.orders != nil {
		r.orders.Set(target, order, 1)
	}
	return order, nil
}

// closure walks dependencies from target and fails on the first cycle.
func (r *Resolver) closure(target string) ([]string, error) {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var stack, out []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range sortedTargets(r.graph.Dependencies(id)) {
			if !r.graph.Has(dep) {
				return &model.UnknownBuildTypeError{ID: dep}
			}
			switch color[dep] {
			case grey:
				path := []string{dep}
				for i := len(stack) - 1; i >= 0 && stack[i] != dep; i-- {
					path = append(path, stack[i])
				}
				path = append(path, dep)
				// path was collected walking back up the stack
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return &CyclicDependencyError{Path: path}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		out = append(out, id)
		return nil
	}
	if err := visit(target); err != nil {
		return nil, err
	}
	return out, nil
}

func topoSort(nodes []string, g Graph) []string {
	inSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		inSet[n] = true
	}
	pending := make(map[string]int, len(nodes))
	dependents := map[string][]string{}
	for _, n := range nodes {
		for _, dep := range sortedTargets(g.Dependencies(n)) {
			if !inSet[dep] {
				continue
			}
			pending[n]++
			dependents[dep] = append(dependents[dep], n)
		}
	}
	var ready []string
	for _, n := range nodes {
		if pending[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)
	out := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, d := range dependents[n] {
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, d)
				sort.Strings(ready)
			}
		}
	}
	return out
}

func sortedTargets(deps []model.Dependency) []string {
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		out = append(out, d.Target)
	}
	sort.Strings(out)
	return out
}
