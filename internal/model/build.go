package model

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"buildline/internal/config"
)

// DefaultMaxChainDepth caps finish-build trigger chains when the document
// does not set defaults.maxChainDepth.
const DefaultMaxChainDepth = 10

// RootProjectID is the id of the top-level project.
const RootProjectID = "_Root"

var idPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

type builder struct {
	m    *Model
	errs *ConfigError

	pending []pendingBuildType
}

type pendingBuildType struct {
	doc       config.BuildType
	project   *Project
	inherited Params
}

// New validates doc and builds the effective model. All problems are
// reported together in a *ConfigError.
func New(doc *config.Document) (*Model, error) {
	b := &builder{
		m: &Model{
			Source:     doc.Path(),
			LoadedAt:   time.Now().UTC(),
			Webhooks:   doc.Webhooks,
			buildTypes: map[string]*BuildType{},
			templates:  map[string]*Template{},
			vcsRoots:   map[string]*VcsRoot{},
			projects:   map[string]*Project{},
		},
		errs: &ConfigError{},
	}
	b.m.Defaults = Defaults{
		FinishTriggersEnabled: doc.Defaults.FinishTriggersEnabled,
		MaxChainDepth:         doc.Defaults.MaxChainDepth,
	}
	if b.m.Defaults.MaxChainDepth == 0 {
		b.m.Defaults.MaxChainDepth = DefaultMaxChainDepth
	}
	if err := doc.Validate(); err != nil {
		var verr *config.ValidationError
		if !errors.As(err, &verr) {
			return nil, err
		}
		b.errs.Problems = append(b.errs.Problems, verr.Problems...)
	}
	b.m.Cleanup.KeepPerBuildType = doc.Cleanup.KeepBuilds
	if doc.Cleanup.MaxAge != "" {
		// malformed ages were reported by Validate
		b.m.Cleanup.MaxAge, _ = config.ParseAge(doc.Cleanup.MaxAge)
	}

	b.m.Root = b.project(doc.Project, nil, Params{})
	for _, p := range b.pending {
		b.buildType(p)
	}
	b.crossCheck()
	if path := findCycle(b.m); path != nil {
		b.errs.add("snapshot dependency cycle: %s", strings.Join(path, " -> "))
	}
	if err := b.errs.orNil(); err != nil {
		return nil, err
	}
	return b.m, nil
}

func (b *builder) project(doc config.Project, parent *Project, inherited Params) *Project {
	p := &Project{Name: doc.Name, Description: doc.Description}
	switch {
	case parent == nil:
		p.ID = RootProjectID
	case parent.ID == RootProjectID:
		p.ID = projectID(doc.Name)
	default:
		p.ID = parent.ID + "_" + projectID(doc.Name)
	}
	if parent != nil {
		p.ParentID = parent.ID
	}
	if _, dup := b.m.projects[p.ID]; dup {
		b.errs.add("project %q: duplicate project id %s", doc.Name, p.ID)
	}
	b.m.projects[p.ID] = p

	own := b.params(doc.Params, "project "+p.ID)
	p.Params = own
	for _, name := range own.Names() {
		if err := passwordCheck(own[name]); err != nil {
			b.errs.add("project %s: %v", p.ID, err)
		}
	}
	effective := inherited.Merge(own)

	for _, vd := range doc.VcsRoots {
		if vr := b.vcsRoot(vd, p); vr != nil {
			p.VcsRoots = append(p.VcsRoots, vr)
		}
	}
	for _, td := range doc.Templates {
		if t := b.template(td, p); t != nil {
			p.Templates = append(p.Templates, t)
		}
	}
	for _, bd := range doc.BuildTypes {
		b.pending = append(b.pending, pendingBuildType{doc: bd, project: p, inherited: effective})
	}

	seen := map[string]bool{}
	for _, cd := range doc.Projects {
		if cd.Name == "" {
			b.errs.add("project %s: child project without a name", p.ID)
			continue
		}
		if seen[cd.Name] {
			b.errs.add("project %s: duplicate child project name %q", p.ID, cd.Name)
			continue
		}
		seen[cd.Name] = true
		p.Projects = append(p.Projects, b.project(cd, p, effective))
	}
	return p
}

func projectID(name string) string {
	var sb strings.Builder
	for _, r := range name {
		if r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func (b *builder) checkID(kind, id string) bool {
	if id == "" {
		b.errs.add("%s without an id", kind)
		return false
	}
	if !idPattern.MatchString(id) {
		b.errs.add("%s %q: id must match %s", kind, id, idPattern.String())
		return false
	}
	return true
}

func (b *builder) vcsRoot(doc config.VcsRoot, p *Project) *VcsRoot {
	if !b.checkID("vcs root", doc.ID) {
		return nil
	}
	if _, dup := b.m.vcsRoots[doc.ID]; dup {
		b.errs.add("duplicate vcs root id %s", doc.ID)
		return nil
	}
	vr := &VcsRoot{ID: doc.ID, Name: doc.Name, URL: doc.URL, Branch: doc.Branch, ProjectID: p.ID}
	if vr.Name == "" {
		vr.Name = doc.URL
	}
	if doc.URL == "" {
		b.errs.add("vcs root %s: url is required", doc.ID)
	}
	spec, err := ParseBranchFilter(doc.BranchSpec, doc.Branch)
	if err != nil {
		b.errs.add("vcs root %s: branchSpec: %v", doc.ID, err)
	}
	vr.BranchSpec = spec
	if doc.Auth != nil {
		vr.UserName = doc.Auth.UserName
		vr.PasswordRef = doc.Auth.Password
		if vr.PasswordRef != "" && !IsReference(vr.PasswordRef) {
			b.errs.add("vcs root %s: password must be a %s reference", doc.ID, SecretPrefix)
		}
	}
	b.m.vcsRoots[doc.ID] = vr
	return vr
}

func (b *builder) template(doc config.BuildType, p *Project) *Template {
	if !b.checkID("template", doc.ID) {
		return nil
	}
	if _, dup := b.m.templates[doc.ID]; dup {
		b.errs.add("duplicate template id %s", doc.ID)
		return nil
	}
	where := "template " + doc.ID
	t := &Template{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		ProjectID:   p.ID,
		Params:      b.params(doc.Params, where),
		Steps:       b.steps(doc.Steps, where),
		Triggers:    b.triggers(doc.Triggers, where),
	}
	for _, dd := range doc.Dependencies {
		if dep, ok := b.dependency(dd, doc.ID, where); ok {
			t.Dependencies = append(t.Dependencies, dep)
		}
	}
	b.m.templates[doc.ID] = t
	return t
}

func (b *builder) buildType(pb pendingBuildType) {
	doc := pb.doc
	if !b.checkID("build type", doc.ID) {
		return
	}
	if _, dup := b.m.buildTypes[doc.ID]; dup {
		b.errs.add("duplicate build type id %s", doc.ID)
		return
	}
	if _, clash := b.m.templates[doc.ID]; clash {
		b.errs.add("build type %s: id already used by a template", doc.ID)
		return
	}
	where := "build type " + doc.ID
	bt := &BuildType{
		ID:               doc.ID,
		Name:             doc.Name,
		Description:      doc.Description,
		ProjectID:        pb.project.ID,
		Templates:        doc.Templates,
		Paused:           doc.Paused,
		MaxRunningBuilds: doc.MaxRunningBuilds,
		Params:           pb.inherited.Clone(),
	}
	if bt.Name == "" {
		bt.Name = doc.ID
	}
	if doc.MaxRunningBuilds < 0 {
		b.errs.add("%s: maxRunningBuilds must not be negative", where)
	}
	for _, tid := range doc.Templates {
		t, ok := b.m.templates[tid]
		if !ok {
			b.errs.add("%s: unknown template %s", where, tid)
			continue
		}
		bt = MergeTemplate(bt, t)
	}
	bt.Params = bt.Params.Merge(b.params(doc.Params, where))
	bt.Steps = append(bt.Steps, b.steps(doc.Steps, where)...)
	bt.Triggers = append(bt.Triggers, b.triggers(doc.Triggers, where)...)
	for _, dd := range doc.Dependencies {
		if dep, ok := b.dependency(dd, bt.ID, where); ok {
			bt.Dependencies = append(bt.Dependencies, dep)
		}
	}

	defaultBranch := ""
	if doc.Vcs != nil {
		bt.CheckoutDir = doc.Vcs.CheckoutDir
		if doc.Vcs.Root != "" {
			vr, ok := b.m.vcsRoots[doc.Vcs.Root]
			if !ok {
				b.errs.add("%s: unknown vcs root %s", where, doc.Vcs.Root)
			} else {
				bt.VcsRootID = vr.ID
				defaultBranch = vr.Branch
			}
		}
	}
	for i, t := range bt.Triggers {
		switch tt := t.(type) {
		case VcsTrigger:
			tt.Branches = tt.Branches.Bind(defaultBranch)
			bt.Triggers[i] = tt
		case FinishBuildTrigger:
			tt.Branches = tt.Branches.Bind(defaultBranch)
			bt.Triggers[i] = tt
		}
	}

	for _, name := range bt.Params.Names() {
		p := bt.Params[name]
		if err := p.check(p.Value); err != nil {
			b.errs.add("%s: %v", where, err)
		}
	}
	b.m.buildTypes[bt.ID] = bt
	pb.project.BuildTypes = append(pb.project.BuildTypes, bt)
}

// MergeTemplate layers t under the parts of base that are defined so far:
// template params override base params, steps, triggers and dependencies are
// appended. Build type params must be merged after all templates.
func MergeTemplate(base *BuildType, t *Template) *BuildType {
	out := *base
	out.Params = base.Params.Merge(t.Params)
	out.Steps = append(append([]Step(nil), base.Steps...), t.Steps...)
	out.Triggers = append(append([]Trigger(nil), base.Triggers...), t.Triggers...)
	out.Dependencies = append([]Dependency(nil), base.Dependencies...)
	for _, d := range t.Dependencies {
		d.Source = base.ID
		out.Dependencies = append(out.Dependencies, d)
	}
	return &out
}

func (b *builder) params(docs []config.Param, where string) Params {
	out := Params{}
	for _, d := range docs {
		p, err := paramFromDoc(d)
		if err != nil {
			b.errs.add("%s: %v", where, err)
			continue
		}
		if _, dup := out[p.Name]; dup {
			b.errs.add("%s: duplicate param %s", where, p.Name)
			continue
		}
		out[p.Name] = p
	}
	return out
}

func paramFromDoc(d config.Param) (Param, error) {
	if d.Name == "" {
		return Param{}, fmt.Errorf("param without a name")
	}
	p := Param{
		Name:        d.Name,
		Value:       d.Value,
		Label:       d.Label,
		Description: d.Description,
		AllowEmpty:  true,
	}
	if d.AllowEmpty != nil {
		p.AllowEmpty = *d.AllowEmpty
	}
	switch ParamKind(d.Kind) {
	case "", KindText:
		p.Kind = KindText
	case KindCheckbox:
		p.Kind = KindCheckbox
		p.Checked, p.Unchecked = d.Checked, d.Unchecked
		if p.Checked == "" {
			p.Checked = "true"
		}
		if p.Unchecked == "" {
			p.Unchecked = "false"
		}
		if p.Checked == p.Unchecked {
			return Param{}, fmt.Errorf("param %s: checked and unchecked values must differ", d.Name)
		}
	case KindPassword:
		p.Kind = KindPassword
	default:
		return Param{}, fmt.Errorf("param %s: unknown kind %q", d.Name, d.Kind)
	}
	switch strings.ToLower(d.Display) {
	case "", "normal", "plain":
		p.Visibility = VisibilityPlain
		if p.Kind == KindPassword {
			p.Visibility = VisibilityPassword
		}
	case "hidden":
		p.Visibility = VisibilityHidden
	case "password":
		p.Visibility = VisibilityPassword
	default:
		return Param{}, fmt.Errorf("param %s: unknown display %q", d.Name, d.Display)
	}
	return p, nil
}

func passwordCheck(p Param) error {
	if p.Kind == KindPassword {
		return p.check(p.Value)
	}
	return nil
}

func (b *builder) steps(docs []config.Step, where string) []Step {
	var out []Step
	for i, d := range docs {
		s := Step{ID: d.ID, Name: d.Name, Content: d.Content}
		switch StepKind(d.Kind) {
		case "", StepScript:
			s.Kind = StepScript
		case StepDocker:
			s.Kind = StepDocker
		default:
			b.errs.add("%s: step %d: unknown kind %q", where, i+1, d.Kind)
			continue
		}
		if s.Name == "" {
			s.Name = fmt.Sprintf("step %d", i+1)
		}
		out = append(out, s)
	}
	return out
}

func (b *builder) triggers(docs []config.Trigger, where string) []Trigger {
	var out []Trigger
	for i, d := range docs {
		filter, err := ParseBranchFilter(d.BranchFilter, "")
		if err != nil {
			b.errs.add("%s: trigger %d: branchFilter: %v", where, i+1, err)
			continue
		}
		switch d.Type {
		case "vcs":
			enabled := true
			if d.Enabled != nil {
				enabled = *d.Enabled
			}
			out = append(out, VcsTrigger{Enabled: enabled, Branches: filter})
		case "finishBuild", "finish-build", "finish_build":
			if d.BuildType == "" {
				b.errs.add("%s: trigger %d: finishBuild requires buildType", where, i+1)
				continue
			}
			enabled := b.m.Defaults.FinishTriggersEnabled
			if d.Enabled != nil {
				enabled = *d.Enabled
			}
			ft := FinishBuildTrigger{
				Enabled:        enabled,
				Upstream:       d.BuildType,
				SuccessfulOnly: d.SuccessfulOnly,
				Branches:       filter,
			}
			for _, gd := range d.BuildParams {
				g, err := paramFromDoc(gd)
				if err != nil {
					b.errs.add("%s: trigger %d: %v", where, i+1, err)
					continue
				}
				if g.Kind == KindPassword {
					b.errs.add("%s: trigger %d: gate param %s cannot be a password", where, i+1, g.Name)
					continue
				}
				ft.Gates = append(ft.Gates, g)
			}
			out = append(out, ft)
		default:
			b.errs.add("%s: trigger %d: unknown type %q", where, i+1, d.Type)
		}
	}
	return out
}

func (b *builder) dependency(d config.Dependency, source, where string) (Dependency, bool) {
	if d.BuildType == "" {
		b.errs.add("%s: dependency without buildType", where)
		return Dependency{}, false
	}
	var reuse ReusePolicy
	switch strings.ToUpper(d.ReuseBuilds) {
	case "", "SUCCESSFUL", "ANY", "REUSE":
		reuse = Reuse
	case "NO", "NO_REUSE":
		reuse = NoReuse
	default:
		b.errs.add("%s: dependency on %s: unknown reuseBuilds %q", where, d.BuildType, d.ReuseBuilds)
		return Dependency{}, false
	}
	return Dependency{Source: source, Target: d.BuildType, Reuse: reuse}, true
}

// crossCheck validates references between build types once all are known.
func (b *builder) crossCheck() {
	for _, bt := range b.m.BuildTypes() {
		where := "build type " + bt.ID
		seen := map[string]bool{}
		for _, d := range bt.Dependencies {
			switch {
			case d.Target == bt.ID:
				b.errs.add("%s: depends on itself", where)
			case !b.m.Has(d.Target):
				b.errs.add("%s: dependency on unknown build type %s", where, d.Target)
			case seen[d.Target]:
				b.errs.add("%s: duplicate dependency on %s", where, d.Target)
			}
			seen[d.Target] = true
		}
		for _, t := range bt.Triggers {
			switch tt := t.(type) {
			case VcsTrigger:
				if bt.VcsRootID == "" {
					b.errs.add("%s: vcs trigger without a vcs root", where)
				}
			case FinishBuildTrigger:
				up, ok := b.m.buildTypes[tt.Upstream]
				if !ok {
					b.errs.add("%s: finish-build trigger on unknown build type %s", where, tt.Upstream)
					continue
				}
				if up.ID == bt.ID {
					b.errs.add("%s: finish-build trigger on itself", where)
				}
				for _, g := range tt.Gates {
					_, inDown := bt.Params[g.Name]
					if !inDown && !b.chainDefines(up.ID, g.Name, map[string]bool{}) {
						b.errs.add("%s: gate param %s is not defined on %s or %s", where, g.Name, up.ID, bt.ID)
					}
					if err := g.check(g.Value); err != nil {
						b.errs.add("%s: gate %v", where, err)
					}
				}
			}
		}
	}
}

// chainDefines reports whether id or any of its snapshot dependencies
// declares param name. Values of such params travel down the chain.
func (b *builder) chainDefines(id, name string, seen map[string]bool) bool {
	if seen[id] {
		return false
	}
	seen[id] = true
	bt, ok := b.m.buildTypes[id]
	if !ok {
		return false
	}
	if _, ok := bt.Params[name]; ok {
		return true
	}
	for _, d := range bt.Dependencies {
		if b.chainDefines(d.Target, name, seen) {
			return true
		}
	}
	return false
}

// findCycle returns the first snapshot dependency cycle in id order, or nil.
func findCycle(m *Model) []string {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var stack []string
	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		deps := m.Dependencies(id)
		targets := make([]string, 0, len(deps))
		for _, d := range deps {
			targets = append(targets, d.Target)
		}
		sort.Strings(targets)
		for _, t := range targets {
			if !m.Has(t) {
				continue
			}
			switch color[t] {
			case grey:
				for i, s := range stack {
					if s == t {
						return append(append([]string(nil), stack[i:]...), t)
					}
				}
			case white:
				if c := visit(t); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}
	for _, bt := range m.BuildTypes() {
		if color[bt.ID] == white {
			if c := visit(bt.ID); c != nil {
				return c
			}
		}
	}
	return nil
}
