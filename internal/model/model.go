package model

import (
	"sort"
	"time"

	"buildline/internal/config"
)

// Model is an immutable, validated view of a pipeline document. Reloading
// the configuration builds a new Model; nothing mutates one in place.
type Model struct {
	Root     *Project
	Defaults Defaults
	Cleanup  Cleanup
	Webhooks []config.Webhook
	Source   string
	LoadedAt time.Time

	buildTypes map[string]*BuildType
	templates  map[string]*Template
	vcsRoots   map[string]*VcsRoot
	projects   map[string]*Project
}

type Defaults struct {
	FinishTriggersEnabled bool
	MaxChainDepth         int
}

// Cleanup is the retention rule applied to finished builds.
type Cleanup struct {
	MaxAge           time.Duration
	KeepPerBuildType int
}

type Project struct {
	ID          string
	Name        string
	Description string
	ParentID    string
	Params      Params
	Projects    []*Project
	BuildTypes  []*BuildType
	Templates   []*Template
	VcsRoots    []*VcsRoot
}

type StepKind string

const (
	StepScript StepKind = "script"
	StepDocker StepKind = "docker"
)

type Step struct {
	ID      string   `json:"id,omitempty"`
	Name    string   `json:"name"`
	Kind    StepKind `json:"kind"`
	Content string   `json:"content"`
}

type ReusePolicy string

const (
	Reuse   ReusePolicy = "REUSE"
	NoReuse ReusePolicy = "NO_REUSE"
)

// Dependency is a snapshot edge: Source needs a build of Target first.
type Dependency struct {
	Source string
	Target string
	Reuse  ReusePolicy
}

type TriggerKind string

const (
	TriggerVcs         TriggerKind = "vcs"
	TriggerFinishBuild TriggerKind = "finishBuild"
)

type Trigger interface {
	Kind() TriggerKind
	IsEnabled() bool
}

type VcsTrigger struct {
	Enabled  bool
	Branches BranchFilter
}

func (VcsTrigger) Kind() TriggerKind { return TriggerVcs }
func (t VcsTrigger) IsEnabled() bool { return t.Enabled }

// FinishBuildTrigger fires when a build of Upstream finishes. Every gate
// param must evaluate true for the trigger to fire.
type FinishBuildTrigger struct {
	Enabled        bool
	Upstream       string
	SuccessfulOnly bool
	Branches       BranchFilter
	Gates          []Param
}

func (FinishBuildTrigger) Kind() TriggerKind { return TriggerFinishBuild }
func (t FinishBuildTrigger) IsEnabled() bool { return t.Enabled }

// Template holds reusable params, steps, triggers and dependencies.
type Template struct {
	ID           string
	Name         string
	Description  string
	ProjectID    string
	Params       Params
	Steps        []Step
	Triggers     []Trigger
	Dependencies []Dependency
}

// BuildType is effective: templates and inherited project params are
// already merged in.
type BuildType struct {
	ID               string
	Name             string
	Description      string
	ProjectID        string
	Templates        []string
	Paused           bool
	MaxRunningBuilds int
	VcsRootID        string
	CheckoutDir      string
	Steps            []Step
	Triggers         []Trigger
	Dependencies     []Dependency
	Params           Params
}

func (b *BuildType) VcsTriggers() []VcsTrigger {
	var out []VcsTrigger
	for _, t := range b.Triggers {
		if vt, ok := t.(VcsTrigger); ok {
			out = append(out, vt)
		}
	}
	return out
}

func (b *BuildType) FinishTriggers() []FinishBuildTrigger {
	var out []FinishBuildTrigger
	for _, t := range b.Triggers {
		if ft, ok := t.(FinishBuildTrigger); ok {
			out = append(out, ft)
		}
	}
	return out
}

type VcsRoot struct {
	ID          string
	Name        string
	URL         string
	Branch      string
	BranchSpec  BranchFilter
	ProjectID   string
	UserName    string
	PasswordRef string
}

// DefaultBranch is the logical name of the root's configured branch.
func (v *VcsRoot) DefaultBranch() string {
	return ShortBranch(v.Branch)
}

// Monitors reports whether changes on branch are tracked for this root.
func (v *VcsRoot) Monitors(branch string) bool {
	if ShortBranch(branch) == v.DefaultBranch() {
		return true
	}
	return v.BranchSpec.Match(branch)
}

// LookupBuildType returns the effective build type with id.
func (m *Model) LookupBuildType(id string) (*BuildType, bool) {
	bt, ok := m.buildTypes[id]
	return bt, ok
}

// BuildType is LookupBuildType returning *UnknownBuildTypeError for unknown ids.
func (m *Model) BuildType(id string) (*BuildType, error) {
	bt, ok := m.buildTypes[id]
	if !ok {
		return nil, &UnknownBuildTypeError{ID: id}
	}
	return bt, nil
}

// BuildTypes returns every build type ordered by id.
func (m *Model) BuildTypes() []*BuildType {
	out := make([]*BuildType, 0, len(m.buildTypes))
	for _, bt := range m.buildTypes {
		out = append(out, bt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Model) Template(id string) (*Template, bool) {
	t, ok := m.templates[id]
	return t, ok
}

func (m *Model) VcsRoot(id string) (*VcsRoot, bool) {
	v, ok := m.vcsRoots[id]
	return v, ok
}

func (m *Model) VcsRoots() []*VcsRoot {
	out := make([]*VcsRoot, 0, len(m.vcsRoots))
	for _, v := range m.vcsRoots {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Model) Project(id string) (*Project, bool) {
	p, ok := m.projects[id]
	return p, ok
}

// Dependencies implements the resolver's graph view.
func (m *Model) Dependencies(id string) []Dependency {
	if bt, ok := m.buildTypes[id]; ok {
		return bt.Dependencies
	}
	return nil
}

// Has reports whether id is a known build type.
func (m *Model) Has(id string) bool {
	_, ok := m.buildTypes[id]
	return ok
}

// BoundTo returns build types whose VCS root is rootID, ordered by id.
func (m *Model) BoundTo(rootID string) []*BuildType {
	var out []*BuildType
	for _, bt := range m.BuildTypes() {
		if bt.VcsRootID == rootID {
			out = append(out, bt)
		}
	}
	return out
}

// WatchersOf returns build types with a finish-build trigger on upstream,
// ordered by id. Disabled triggers are included; callers check IsEnabled.
func (m *Model) WatchersOf(upstream string) []*BuildType {
	var out []*BuildType
	for _, bt := range m.BuildTypes() {
		for _, ft := range bt.FinishTriggers() {
			if ft.Upstream == upstream {
				out = append(out, bt)
				break
			}
		}
	}
	return out
}
