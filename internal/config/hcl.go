package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// hclFile is the top level of a buildline.hcl document.
type hclFile struct {
	Version  string        `hcl:"version,optional"`
	Defaults *hclDefaults  `hcl:"defaults,block"`
	Cleanup  *hclCleanup   `hcl:"cleanup,block"`
	Project  *hclProject   `hcl:"project,block"`
	Webhooks []*hclWebhook `hcl:"webhook,block"`
}

type hclDefaults struct {
	FinishTriggersEnabled bool `hcl:"finish_triggers_enabled,optional"`
	MaxChainDepth         int  `hcl:"max_chain_depth,optional"`
}

type hclCleanup struct {
	MaxAge     string `hcl:"max_age,optional"`
	KeepBuilds int    `hcl:"keep_builds,optional"`
}

type hclWebhook struct {
	URL    string   `hcl:"url"`
	Events []string `hcl:"events,optional"`
	Secret string   `hcl:"secret,optional"`
}

type hclProject struct {
	Name        string          `hcl:"name,label"`
	Description string          `hcl:"description,optional"`
	Params      []*hclParam     `hcl:"param,block"`
	VcsRoots    []*hclVcsRoot   `hcl:"vcs_root,block"`
	Templates   []*hclBuildType `hcl:"template,block"`
	BuildTypes  []*hclBuildType `hcl:"build_type,block"`
	Projects    []*hclProject   `hcl:"project,block"`
}

type hclBuildType struct {
	ID               string           `hcl:"id,label"`
	Name             string           `hcl:"name,optional"`
	Description      string           `hcl:"description,optional"`
	Templates        []string         `hcl:"templates,optional"`
	Paused           bool             `hcl:"paused,optional"`
	MaxRunningBuilds int              `hcl:"max_running_builds,optional"`
	Vcs              *hclVcsBinding   `hcl:"vcs,block"`
	Params           []*hclParam      `hcl:"param,block"`
	Steps            []*hclStep       `hcl:"step,block"`
	Triggers         []*hclTrigger    `hcl:"trigger,block"`
	Dependencies     []*hclDependency `hcl:"dependency,block"`
}

type hclVcsBinding struct {
	Root        string `hcl:"root,optional"`
	CheckoutDir string `hcl:"checkout_dir,optional"`
}

type hclParam struct {
	Name        string    `hcl:"name,label"`
	Kind        string    `hcl:"kind,optional"`
	Value       cty.Value `hcl:"value,optional"`
	Display     string    `hcl:"display,optional"`
	Label       string    `hcl:"label,optional"`
	Description string    `hcl:"description,optional"`
	AllowEmpty  *bool     `hcl:"allow_empty,optional"`
	Checked     string    `hcl:"checked,optional"`
	Unchecked   string    `hcl:"unchecked,optional"`
}

type hclStep struct {
	Name    string `hcl:"name,label"`
	ID      string `hcl:"id,optional"`
	Kind    string `hcl:"kind,optional"`
	Content string `hcl:"content"`
}

type hclTrigger struct {
	Type           string      `hcl:"type,label"`
	Enabled        *bool       `hcl:"enabled,optional"`
	BranchFilter   string      `hcl:"branch_filter,optional"`
	BuildType      string      `hcl:"build_type,optional"`
	SuccessfulOnly bool        `hcl:"successful_only,optional"`
	BuildParams    []*hclParam `hcl:"build_param,block"`
}

type hclDependency struct {
	BuildType   string `hcl:"build_type,label"`
	ReuseBuilds string `hcl:"reuse_builds,optional"`
}

type hclVcsRoot struct {
	ID         string      `hcl:"id,label"`
	Name       string      `hcl:"name,optional"`
	URL        string      `hcl:"url"`
	Branch     string      `hcl:"branch,optional"`
	BranchSpec string      `hcl:"branch_spec,optional"`
	Auth       *hclVcsAuth `hcl:"auth,block"`
}

type hclVcsAuth struct {
	UserName string `hcl:"user_name,optional"`
	Password string `hcl:"password,optional"`
}

// FromHCL parses and validates a document written in HCL. filename is
// only used in diagnostics.
func FromHCL(data []byte, filename string) (*Document, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid config hcl %s: %w", filename, diags)
	}
	var parsed hclFile
	diags = gohcl.DecodeBody(file.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config hcl %s: %w", filename, diags)
	}
	if parsed.Project == nil {
		return nil, fmt.Errorf("config %s: a project block is required", filename)
	}

	doc := &Document{Version: parsed.Version}
	if parsed.Defaults != nil {
		doc.Defaults = Defaults{
			FinishTriggersEnabled: parsed.Defaults.FinishTriggersEnabled,
			MaxChainDepth:         parsed.Defaults.MaxChainDepth,
		}
	}
	if parsed.Cleanup != nil {
		doc.Cleanup = Cleanup{MaxAge: parsed.Cleanup.MaxAge, KeepBuilds: parsed.Cleanup.KeepBuilds}
	}
	for _, wh := range parsed.Webhooks {
		doc.Webhooks = append(doc.Webhooks, Webhook{URL: wh.URL, Events: wh.Events, Secret: wh.Secret})
	}
	project, err := projectFromHCL(parsed.Project)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", filename, err)
	}
	doc.Project = project
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func projectFromHCL(p *hclProject) (Project, error) {
	out := Project{Name: p.Name, Description: p.Description}
	params, err := paramsFromHCL(p.Params)
	if err != nil {
		return out, fmt.Errorf("project %s: %w", p.Name, err)
	}
	out.Params = params
	for _, root := range p.VcsRoots {
		vr := VcsRoot{ID: root.ID, Name: root.Name, URL: root.URL, Branch: root.Branch, BranchSpec: root.BranchSpec}
		if root.Auth != nil {
			vr.Auth = &VcsAuth{UserName: root.Auth.UserName, Password: root.Auth.Password}
		}
		out.VcsRoots = append(out.VcsRoots, vr)
	}
	for _, t := range p.Templates {
		bt, err := buildTypeFromHCL(t)
		if err != nil {
			return out, fmt.Errorf("template %s: %w", t.ID, err)
		}
		out.Templates = append(out.Templates, bt)
	}
	for _, b := range p.BuildTypes {
		bt, err := buildTypeFromHCL(b)
		if err != nil {
			return out, fmt.Errorf("build type %s: %w", b.ID, err)
		}
		out.BuildTypes = append(out.BuildTypes, bt)
	}
	for _, child := range p.Projects {
		cp, err := projectFromHCL(child)
		if err != nil {
			return out, err
		}
		out.Projects = append(out.Projects, cp)
	}
	return out, nil
}

func buildTypeFromHCL(b *hclBuildType) (BuildType, error) {
	out := BuildType{
		ID:               b.ID,
		Name:             b.Name,
		Description:      b.Description,
		Templates:        b.Templates,
		Paused:           b.Paused,
		MaxRunningBuilds: b.MaxRunningBuilds,
	}
	if b.Vcs != nil {
		out.Vcs = &VcsBinding{Root: b.Vcs.Root, CheckoutDir: b.Vcs.CheckoutDir}
	}
	params, err := paramsFromHCL(b.Params)
	if err != nil {
		return out, err
	}
	out.Params = params
	for _, s := range b.Steps {
		out.Steps = append(out.Steps, Step{ID: s.ID, Name: s.Name, Kind: s.Kind, Content: s.Content})
	}
	for _, t := range b.Triggers {
		gates, err := paramsFromHCL(t.BuildParams)
		if err != nil {
			return out, fmt.Errorf("trigger %s: %w", t.Type, err)
		}
		out.Triggers = append(out.Triggers, Trigger{
			Type:           hclTriggerType(t.Type),
			Enabled:        t.Enabled,
			BranchFilter:   t.BranchFilter,
			BuildType:      t.BuildType,
			SuccessfulOnly: t.SuccessfulOnly,
			BuildParams:    gates,
		})
	}
	for _, d := range b.Dependencies {
		out.Dependencies = append(out.Dependencies, Dependency{BuildType: d.BuildType, ReuseBuilds: d.ReuseBuilds})
	}
	return out, nil
}

// hclTriggerType accepts the snake_case label used in HCL files.
func hclTriggerType(label string) string {
	if label == "finish_build" {
		return "finishBuild"
	}
	return label
}

func paramsFromHCL(in []*hclParam) ([]Param, error) {
	var out []Param
	for _, p := range in {
		value, err := ctyString(p.Value)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", p.Name, err)
		}
		out = append(out, Param{
			Name:        p.Name,
			Kind:        p.Kind,
			Value:       value,
			Display:     p.Display,
			Label:       p.Label,
			Description: p.Description,
			AllowEmpty:  p.AllowEmpty,
			Checked:     p.Checked,
			Unchecked:   p.Unchecked,
		})
	}
	return out, nil
}

// ctyString renders bool, number and string values the way they would be
// written in YAML, so `value = false` and `value = "false"` are the same.
func ctyString(v cty.Value) (string, error) {
	if v == cty.NilVal || v.IsNull() {
		return "", nil
	}
	s, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("value must be a string, number or bool")
	}
	return s.AsString(), nil
}
