package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document models buildline.yml (or buildline.hcl).
type Document struct {
	Version  string    `yaml:"version"`
	Defaults Defaults  `yaml:"defaults"`
	Cleanup  Cleanup   `yaml:"cleanup"`
	Project  Project   `yaml:"project"`
	Webhooks []Webhook `yaml:"webhooks"`

	path string
}

type Defaults struct {
	FinishTriggersEnabled bool `yaml:"finishTriggersEnabled"`
	MaxChainDepth         int  `yaml:"maxChainDepth"`
}

// Cleanup is the retention rule for finished builds.
type Cleanup struct {
	MaxAge     string `yaml:"maxAge"`
	KeepBuilds int    `yaml:"keepBuilds"`
}

type Project struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Params      []Param     `yaml:"params"`
	VcsRoots    []VcsRoot   `yaml:"vcsRoots"`
	Templates   []BuildType `yaml:"templates"`
	BuildTypes  []BuildType `yaml:"buildTypes"`
	Projects    []Project   `yaml:"projects"`
}

// BuildType is used for both build types and templates; templates leave
// Templates, Vcs and Paused unset.
type BuildType struct {
	ID               string       `yaml:"id"`
	Name             string       `yaml:"name"`
	Description      string       `yaml:"description"`
	Templates        []string     `yaml:"templates"`
	Paused           bool         `yaml:"paused"`
	MaxRunningBuilds int          `yaml:"maxRunningBuilds"`
	Vcs              *VcsBinding  `yaml:"vcs"`
	Params           []Param      `yaml:"params"`
	Steps            []Step       `yaml:"steps"`
	Triggers         []Trigger    `yaml:"triggers"`
	Dependencies     []Dependency `yaml:"dependencies"`
}

type VcsBinding struct {
	Root        string `yaml:"root"`
	CheckoutDir string `yaml:"checkoutDir"`
}

type Param struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Value       string `yaml:"value"`
	Display     string `yaml:"display"`
	Label       string `yaml:"label"`
	Description string `yaml:"description"`
	AllowEmpty  *bool  `yaml:"allowEmpty"`
	Checked     string `yaml:"checked"`
	Unchecked   string `yaml:"unchecked"`
}

type Step struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Content string `yaml:"content"`
}

type Trigger struct {
	Type           string  `yaml:"type"`
	Enabled        *bool   `yaml:"enabled"`
	BranchFilter   string  `yaml:"branchFilter"`
	BuildType      string  `yaml:"buildType"`
	SuccessfulOnly bool    `yaml:"successfulOnly"`
	BuildParams    []Param `yaml:"buildParams"`
}

type Dependency struct {
	BuildType   string `yaml:"buildType"`
	ReuseBuilds string `yaml:"reuseBuilds"`
}

type VcsRoot struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	URL        string   `yaml:"url"`
	Branch     string   `yaml:"branch"`
	BranchSpec string   `yaml:"branchSpec"`
	Auth       *VcsAuth `yaml:"auth"`
}

type VcsAuth struct {
	UserName string `yaml:"userName"`
	Password string `yaml:"password"`
}

// Webhook receives build events as JSON posts.
type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// ErrNotFound is returned by Find when the workspace has no pipeline file.
var ErrNotFound = errors.New("config not found")

// Load reads a pipeline document; files ending in .hcl are decoded as HCL,
// everything else as YAML.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	var doc *Document
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		doc, err = FromHCL(data, path)
	} else {
		doc, err = FromYAML(data)
	}
	if err != nil {
		return nil, err
	}
	doc.path = path
	return doc, nil
}

// Path returns the file the document was loaded from, if any.
func (d *Document) Path() string {
	return d.path
}

// ValidationError lists the structural problems found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

// Validate checks structure only. Cross references are checked when the
// document is turned into a model. Every problem is reported in a
// *ValidationError.
func (d *Document) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	if d.Project.Name == "" {
		add("config.project.name is required")
	}
	if d.Defaults.MaxChainDepth < 0 {
		add("config.defaults.maxChainDepth must not be negative")
	}
	if d.Cleanup.KeepBuilds < 0 {
		add("config.cleanup.keepBuilds must not be negative")
	}
	if d.Cleanup.MaxAge != "" {
		if _, err := ParseAge(d.Cleanup.MaxAge); err != nil {
			add("config.cleanup.maxAge: %v", err)
		}
	}
	for i, wh := range d.Webhooks {
		if wh.URL == "" {
			add("config.webhooks[%d].url is required", i)
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Find returns the pipeline file for a workspace: buildline.yml, then
// buildline.yaml, then buildline.hcl.
func Find(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	for _, name := range []string{"buildline.yml", "buildline.yaml", "buildline.hcl"} {
		p := filepath.Join(workspace, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no buildline.yml in %s; create one with bl config init: %w", workspace, ErrNotFound)
}

// Path returns the default config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "buildline.yml")
}

// GenerateDefault returns the sample pipeline as YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the sample pipeline document.
func Default() *Document {
	var doc Document
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&doc)
	return &doc
}

// FromYAML parses and validates a document from raw YAML bytes.
func FromYAML(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

const defaultTemplate = `version: "2023.05"

defaults:
  finishTriggersEnabled: false
  maxChainDepth: 10

cleanup:
  maxAge: 30d
  keepBuilds: 20

project:
  name: Root
  description: Contains all other projects
  params:
    - name: TOKEN
      kind: password
      value: credentialsJSON:45c033b7-1df4-491d-b734-c1cc493c2917
      display: hidden

  projects:
    - name: MusionBackend
      params:
        - name: TAG_NAME
          value: latest
          label: Tag
          description: Tag for docker image
          allowEmpty: false

      vcsRoots:
        - id: MusionBackend_Git
          name: https://github.com/aliakseizhyrauliou/music_player.git#refs/heads/dev
          url: https://github.com/aliakseizhyrauliou/music_player.git
          branch: refs/heads/dev
          branchSpec: refs/heads/*
          auth:
            userName: aliakseizhyrauliou
            password: credentialsJSON:8f9e34c2-4d10-4dfd-a7fc-e23412a0020e

      templates:
        - id: MusionBackend_TriggerViaApi
          name: Trigger VIA API
          description: Trigger builds via rest API
          params:
            - {name: BUILD_ID, label: Build ID, allowEmpty: false}
            - {name: BUILD_NAME, label: Build Name, allowEmpty: false}
            - {name: PARAM, allowEmpty: false}
          steps:
            - id: RUNNER_10
              name: Trigger Build
              kind: script
              content: |
                if [ "%PARAM%" = "true" ]; then
                  curl -H "Authorization: Bearer %TOKEN%" -X POST "$SERVER_URL/app/rest/buildQueue" \
                    --data "<build><buildType id='%BUILD_ID%'/></build>" -H "Content-Type: application/xml"
                fi

      buildTypes:
        - id: MusionBackend_Build
          name: Build
          vcs:
            root: MusionBackend_Git
            checkoutDir: backend
          params:
            - {name: DEPLOY, kind: checkbox, value: "false", label: Deploy Docker Image, checked: "true", unchecked: "false"}
            - {name: RUN_APP, kind: checkbox, value: "false", label: Run App in Docker, checked: "true", unchecked: "false"}
          steps:
            - {name: Install dependencies, kind: script, content: npm install}
            - {name: Build App, kind: script, content: npm run build}
            - {name: Build Image, kind: script, content: "docker build -t aliakseizhurauliou/musion-backend:%TAG_NAME% ."}
          triggers:
            - type: vcs
              branchFilter: "+:dev"

        - id: MusionBackend_Deploy
          name: Deploy
          description: Deploy to docker registry
          steps:
            - {name: Push Image, kind: docker, content: "push aliakseizhurauliou/musion-backend:%TAG_NAME%"}
          triggers:
            - type: finishBuild
              buildType: MusionBackend_Build
              successfulOnly: true
              branchFilter: "+:dev"
              buildParams:
                - {name: DEPLOY, kind: checkbox, value: "false", label: Deploy, checked: "true", unchecked: "false"}
          dependencies:
            - buildType: MusionBackend_Build
              reuseBuilds: "NO"

        - id: MusionBackend_RunBackendInDocker
          name: Run Backend In Docker
          description: Running backend in docker
          vcs:
            checkoutDir: MusionTemplates
          params:
            - {name: RUN_POSTGRES, kind: checkbox, value: "false", label: Run postgres database, checked: "true", unchecked: "false"}
            - {name: RUN_BACKEND, kind: checkbox, value: "false", label: Run backend, checked: "true", unchecked: "false"}
            - {name: RUN_ALL, kind: checkbox, value: "false", label: Run all services, checked: "true", unchecked: "false"}
          steps:
            - {name: Run Backend in Docker, kind: script, content: docker compose up -d backend}
          triggers:
            - type: finishBuild
              buildType: MusionBackend_Deploy
              successfulOnly: true
              branchFilter: "+:dev"
              buildParams:
                - {name: RUN_APP, kind: checkbox, value: "false", label: Run app, checked: "true", unchecked: "false"}
          dependencies:
            - buildType: MusionBackend_Build
              reuseBuilds: "NO"
            - buildType: MusionBackend_Deploy
              reuseBuilds: "NO"

    - name: MusionFrontend
      description: Build frontend app

    - name: Sandbox
      description: Technical Build Configs
      templates:
        - id: Sandbox_TriggerViaApi
          name: Trigger VIA API
          description: Trigger builds via rest API
          params:
            - {name: BUILD_ID, label: Build ID, allowEmpty: false}
            - {name: BUILD_NAME, label: Build Name, allowEmpty: false}
            - {name: PARAM, allowEmpty: false}
          steps:
            - id: RUNNER_10
              name: Trigger Build
              kind: script
              content: |
                if [ "%PARAM%" = "true" ]; then
                  curl -H "Authorization: Bearer %TOKEN%" -X POST "$SERVER_URL/app/rest/buildQueue" \
                    --data "<build><buildType id='%BUILD_ID%'/></build>" -H "Content-Type: application/xml"
                fi
`
