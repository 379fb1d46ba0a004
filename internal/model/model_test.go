package model

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"buildline/internal/config"
)

func sample(t *testing.T) *Model {
	t.Helper()
	m, err := New(config.Default())
	if err != nil {
		t.Fatalf("sample model: %v", err)
	}
	return m
}

func TestSampleModel(t *testing.T) {
	m := sample(t)
	ids := []string{}
	for _, bt := range m.BuildTypes() {
		ids = append(ids, bt.ID)
	}
	want := "MusionBackend_Build,MusionBackend_Deploy,MusionBackend_RunBackendInDocker"
	if got := strings.Join(ids, ","); got != want {
		t.Fatalf("build types = %s, want %s", got, want)
	}
	for _, id := range []string{"MusionBackend_TriggerViaApi", "Sandbox_TriggerViaApi"} {
		if _, ok := m.Template(id); !ok {
			t.Fatalf("sample template %s missing", id)
		}
	}
	build, err := m.BuildType("MusionBackend_Build")
	if err != nil {
		t.Fatalf("build type: %v", err)
	}
	if build.Params["TAG_NAME"].Value != "latest" {
		t.Fatalf("expected TAG_NAME inherited from project, got %+v", build.Params["TAG_NAME"])
	}
	if build.Params["TOKEN"].Kind != KindPassword || build.Params["TOKEN"].Visibility != VisibilityHidden {
		t.Fatalf("expected hidden password TOKEN, got %+v", build.Params["TOKEN"])
	}
	if build.VcsRootID != "MusionBackend_Git" || build.CheckoutDir != "backend" {
		t.Fatalf("unexpected vcs binding %s %s", build.VcsRootID, build.CheckoutDir)
	}
	if len(build.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(build.Steps))
	}
	deploy, _ := m.LookupBuildType("MusionBackend_Deploy")
	fts := deploy.FinishTriggers()
	if len(fts) != 1 || fts[0].IsEnabled() {
		t.Fatalf("expected one disabled finish trigger, got %+v", fts)
	}
	if fts[0].Upstream != "MusionBackend_Build" || !fts[0].SuccessfulOnly {
		t.Fatalf("unexpected finish trigger %+v", fts[0])
	}
	if len(deploy.Dependencies) != 1 || deploy.Dependencies[0].Reuse != NoReuse {
		t.Fatalf("unexpected deps %+v", deploy.Dependencies)
	}
	if got := m.WatchersOf("MusionBackend_Build"); len(got) != 1 || got[0].ID != "MusionBackend_Deploy" {
		t.Fatalf("unexpected watchers %+v", got)
	}
	if got := m.BoundTo("MusionBackend_Git"); len(got) != 1 || got[0].ID != "MusionBackend_Build" {
		t.Fatalf("unexpected bound build types %+v", got)
	}
	if m.Defaults.MaxChainDepth != 10 {
		t.Fatalf("expected chain depth 10, got %d", m.Defaults.MaxChainDepth)
	}
	if _, ok := m.Project("MusionBackend"); !ok {
		t.Fatalf("expected project MusionBackend")
	}
}

func TestFinishTriggersEnabledDefault(t *testing.T) {
	doc := config.Default()
	doc.Defaults.FinishTriggersEnabled = true
	m, err := New(doc)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	deploy, _ := m.LookupBuildType("MusionBackend_RunBackendInDocker")
	if !deploy.FinishTriggers()[0].IsEnabled() {
		t.Fatalf("expected trigger enabled by document default")
	}
}

func TestUnknownBuildType(t *testing.T) {
	m := sample(t)
	_, err := m.BuildType("Nope")
	var unknown *UnknownBuildTypeError
	if !errors.As(err, &unknown) || unknown.ID != "Nope" {
		t.Fatalf("expected UnknownBuildTypeError, got %v", err)
	}
}

func TestTemplateMerge(t *testing.T) {
	doc, err := config.FromYAML([]byte(`
project:
  name: Root
  params:
    - {name: LEVEL, value: project}
  templates:
    - id: Base
      params:
        - {name: LEVEL, value: template}
        - {name: FROM_TEMPLATE, value: "yes"}
      steps:
        - {name: prepare, content: make prepare}
  buildTypes:
    - id: App
      templates: [Base]
      params:
        - {name: LEVEL, value: own}
      steps:
        - {name: build, content: make}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m, err := New(doc)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	app, _ := m.LookupBuildType("App")
	if app.Params["LEVEL"].Value != "own" {
		t.Fatalf("build type params must override templates, got %s", app.Params["LEVEL"].Value)
	}
	if app.Params["FROM_TEMPLATE"].Value != "yes" {
		t.Fatalf("expected template param")
	}
	if len(app.Steps) != 2 || app.Steps[0].Name != "prepare" || app.Steps[1].Name != "build" {
		t.Fatalf("template steps must come first: %+v", app.Steps)
	}
}

func TestConfigErrorsAggregated(t *testing.T) {
	doc, err := config.FromYAML([]byte(`
project:
  name: Root
  vcsRoots:
    - {id: Git, url: "https://example.com/r.git", branch: refs/heads/main}
  buildTypes:
    - id: A
      vcs: {root: Missing}
      params:
        - {name: FLAG, kind: checkbox, value: "maybe"}
        - {name: REQUIRED, allowEmpty: false}
        - {name: SECRET, kind: password, value: plain-text}
      triggers:
        - {type: vcs, branchFilter: "+:"}
        - {type: finishBuild, buildType: Ghost}
      dependencies:
        - {buildType: Unknown}
    - id: A
  projects:
    - name: Child
    - name: Child
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, err = New(doc)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	wantFragments := []string{
		"unknown vcs root Missing",
		"param FLAG",
		"param REQUIRED: value is required",
		"param SECRET: password values must be",
		"malformed branch rule",
		"unknown build type Ghost",
		"dependency on unknown build type Unknown",
		"duplicate build type id A",
		`duplicate child project name "Child"`,
	}
	all := strings.Join(ce.Problems, "\n")
	for _, w := range wantFragments {
		if !strings.Contains(all, w) {
			t.Errorf("missing problem %q in:\n%s", w, all)
		}
	}
}

func TestCycleFailsLoad(t *testing.T) {
	doc, err := config.FromYAML([]byte(`
project:
  name: Root
  buildTypes:
    - id: A
      dependencies: [{buildType: B}]
    - id: B
      dependencies: [{buildType: A}]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, err = New(doc)
		if err == nil || !strings.Contains(err.Error(), "snapshot dependency cycle: A -> B -> A") {
			t.Fatalf("expected deterministic cycle error, got %v", err)
		}
	}
}

func TestGateParamMustBeKnown(t *testing.T) {
	doc, err := config.FromYAML([]byte(`
project:
  name: Root
  buildTypes:
    - id: Up
    - id: Down
      triggers:
        - type: finishBuild
          buildType: Up
          buildParams:
            - {name: RUN_DEPLOY, kind: checkbox, value: "false"}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, err = New(doc)
	if err == nil || !strings.Contains(err.Error(), "gate param RUN_DEPLOY is not defined") {
		t.Fatalf("expected unknown gate param error, got %v", err)
	}
}

func TestLoadReportsConfigError(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	// structural problems are collected together with model problems
	_, err := New(&config.Document{Cleanup: config.Cleanup{MaxAge: "soon", KeepBuilds: -1}})
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	for _, want := range []string{"config.project.name is required", "config.cleanup.maxAge", "config.cleanup.keepBuilds"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}

	for name, body := range map[string]string{
		"invalid.yml":   "project:\n  description: nameless\n",
		"malformed.yml": "project: [\n",
		"unknown.yml":   "project:\n  name: Root\n  colour: blue\n",
	} {
		if _, err := Load(write(name, body)); !errors.As(err, &ce) {
			t.Fatalf("%s: expected ConfigError, got %v", name, err)
		}
	}

	if _, err := Load(filepath.Join(dir, "missing.yml")); !errors.Is(err, config.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := Load(write("buildline.yml", config.GenerateDefault())); err != nil {
		t.Fatalf("load sample: %v", err)
	}
}
