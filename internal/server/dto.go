package server

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"

	"buildline/internal/domain"
	"buildline/internal/model"
	"buildline/internal/resolver"
)

// Request payloads. Bodies arrive raw and are decoded by Content-Type so the
// same operation accepts JSON and XML.

type BuildTypeRef struct {
	ID string `json:"id" xml:"id,attr"`
}

type Property struct {
	Name  string `json:"name" xml:"name,attr"`
	Value string `json:"value" xml:"value,attr"`
}

// BuildRequest is the body of POST /buildQueue:
// <build branchName="dev"><buildType id="X"/><properties><property name="A" value="1"/></properties></build>
type BuildRequest struct {
	XMLName    xml.Name          `json:"-" xml:"build"`
	BuildType  BuildTypeRef      `json:"buildType" xml:"buildType"`
	BranchName string            `json:"branchName,omitempty" xml:"branchName,attr,omitempty"`
	Revision   string            `json:"revision,omitempty" xml:"revision,attr,omitempty"`
	Priority   int               `json:"priority,omitempty" xml:"priority,attr,omitempty"`
	Properties map[string]string `json:"properties,omitempty" xml:"-"`
	// XMLProperties is folded into Properties after decoding.
	XMLProperties []Property `json:"-" xml:"properties>property"`
}

type FinishRequest struct {
	XMLName xml.Name `json:"-" xml:"finish"`
	Status  string   `json:"status" xml:"status,attr"`
	Reason  string   `json:"reason,omitempty" xml:"reason,attr,omitempty"`
}

type VcsChangeRequest struct {
	XMLName  xml.Name `json:"-" xml:"change"`
	Branch   string   `json:"branch" xml:"branch,attr"`
	Revision string   `json:"revision" xml:"revision,attr"`
}

// decodeBody unmarshals data as XML when contentType says so, as JSON
// otherwise. An empty body is an error unless allowEmpty is set.
func decodeBody(contentType string, data []byte, v any, allowEmpty bool) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		if allowEmpty {
			return nil
		}
		return fmt.Errorf("request body required")
	}
	if isXML(contentType) {
		if err := xml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("invalid xml body: %w", err)
		}
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func isXML(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct == "application/xml" || ct == "text/xml" || strings.HasSuffix(ct, "+xml")
}

func (r *BuildRequest) properties() map[string]string {
	if len(r.Properties) == 0 && len(r.XMLProperties) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.Properties)+len(r.XMLProperties))
	for k, v := range r.Properties {
		out[k] = v
	}
	for _, p := range r.XMLProperties {
		out[p.Name] = p.Value
	}
	return out
}

// Response payloads

// BuildResponse is a queued, running or finished build. State follows the
// queued/running/finished lifecycle; Status carries the exact outcome.
type BuildResponse struct {
	XMLName       xml.Name          `json:"-" xml:"build"`
	ID            int64             `json:"id" xml:"id,attr"`
	State         string            `json:"state" xml:"state,attr" enum:"queued,running,finished"`
	Status        string            `json:"status" xml:"status,attr" enum:"QUEUED,RUNNING,SUCCESS,FAILURE,CANCELLED"`
	BuildTypeID   string            `json:"buildTypeId" xml:"buildTypeId,attr"`
	BranchName    string            `json:"branchName,omitempty" xml:"branchName,attr,omitempty"`
	Revision      string            `json:"revision,omitempty" xml:"revision,attr,omitempty"`
	Priority      int               `json:"priority" xml:"priority,attr"`
	Cause         string            `json:"cause,omitempty" xml:"cause,attr,omitempty"`
	ChainDepth    int               `json:"chainDepth" xml:"chainDepth,attr"`
	TriggeredBy   *int64            `json:"triggeredBy,omitempty" xml:"triggeredBy,attr,omitempty"`
	AgentID       string            `json:"agentId,omitempty" xml:"agentId,attr,omitempty"`
	StatusText    string            `json:"statusText,omitempty" xml:"statusText,omitempty"`
	CancelAsked   bool              `json:"cancelRequested,omitempty" xml:"cancelRequested,attr,omitempty"`
	QueuedDate    string            `json:"queuedDate" xml:"queuedDate,attr"`
	StartDate     string            `json:"startDate,omitempty" xml:"startDate,attr,omitempty"`
	FinishDate    string            `json:"finishDate,omitempty" xml:"finishDate,attr,omitempty"`
	DependsOn     []int64           `json:"snapshotDependencies,omitempty" xml:"snapshot-dependencies>build,omitempty"`
	Properties    map[string]string `json:"properties,omitempty" xml:"-"`
	XMLProperties []Property        `json:"-" xml:"properties>property,omitempty"`
}

type BuildListResponse struct {
	XMLName xml.Name        `json:"-" xml:"builds"`
	Count   int             `json:"count" xml:"count,attr"`
	Build   []BuildResponse `json:"build" xml:"build"`
}

// EnqueueResponse adds the queued plan to the target build.
type EnqueueResponse struct {
	BuildResponse
	Created bool            `json:"created" xml:"created,attr"`
	Queued  []BuildResponse `json:"queued,omitempty" xml:"queued>build,omitempty"`
}

type ParamResponse struct {
	Name  string `json:"name" xml:"name,attr"`
	Kind  string `json:"kind" xml:"kind,attr"`
	Value string `json:"value,omitempty" xml:"value,attr,omitempty"`
	Label string `json:"label,omitempty" xml:"label,attr,omitempty"`
}

type BuildTypeResponse struct {
	XMLName      xml.Name        `json:"-" xml:"buildType"`
	ID           string          `json:"id" xml:"id,attr"`
	Name         string          `json:"name" xml:"name,attr"`
	ProjectID    string          `json:"projectId" xml:"projectId,attr"`
	Paused       bool            `json:"paused,omitempty" xml:"paused,attr,omitempty"`
	VcsRootID    string          `json:"vcsRootId,omitempty" xml:"vcsRootId,attr,omitempty"`
	Dependencies []string        `json:"snapshotDependencies,omitempty" xml:"snapshot-dependencies>buildType,omitempty"`
	Params       []ParamResponse `json:"parameters,omitempty" xml:"parameters>property,omitempty"`
}

type BuildTypeListResponse struct {
	XMLName   xml.Name            `json:"-" xml:"buildTypes"`
	Count     int                 `json:"count" xml:"count,attr"`
	BuildType []BuildTypeResponse `json:"buildType" xml:"buildType"`
}

type PlanItemResponse struct {
	BuildTypeID string   `json:"buildTypeId" xml:"buildTypeId,attr"`
	ReusedID    *int64   `json:"reusedBuildId,omitempty" xml:"reusedBuildId,attr,omitempty"`
	DependsOn   []string `json:"dependsOn,omitempty" xml:"dependsOn>buildType,omitempty"`
}

type PlanResponse struct {
	XMLName xml.Name           `json:"-" xml:"plan"`
	Target  string             `json:"target" xml:"target,attr"`
	Items   []PlanItemResponse `json:"items" xml:"item"`
}

type VcsChangeResponse struct {
	XMLName xml.Name        `json:"-" xml:"change"`
	Count   int             `json:"count" xml:"count,attr"`
	Build   []BuildResponse `json:"build" xml:"build"`
}

func stateOf(s domain.Status) string {
	switch s {
	case domain.StatusQueued:
		return "queued"
	case domain.StatusRunning:
		return "running"
	default:
		return "finished"
	}
}

func buildResponse(b domain.QueuedBuild) BuildResponse {
	resp := BuildResponse{
		ID:          b.ID,
		State:       stateOf(b.Status),
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
		StartDate:   strPtrValue(b.StartedAt),
		FinishDate:  strPtrValue(b.FinishedAt),
		DependsOn:   b.DependsOn,
		Properties:  b.Params,
	}
	names := make([]string, 0, len(b.Params))
	for k := range b.Params {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		resp.XMLProperties = append(resp.XMLProperties, Property{Name: k, Value: b.Params[k]})
	}
	return resp
}

func buildList(items []domain.QueuedBuild) BuildListResponse {
	out := BuildListResponse{Count: len(items), Build: []BuildResponse{}}
	for _, b := range items {
		out.Build = append(out.Build, buildResponse(b))
	}
	return out
}

func buildTypeResponse(bt *model.BuildType) BuildTypeResponse {
	resp := BuildTypeResponse{
		ID:        bt.ID,
		Name:      bt.Name,
		ProjectID: bt.ProjectID,
		Paused:    bt.Paused,
		VcsRootID: bt.VcsRootID,
	}
	for _, d := range bt.Dependencies {
		resp.Dependencies = append(resp.Dependencies, d.Target)
	}
	for _, name := range bt.Params.Names() {
		p := bt.Params[name]
		value := p.Value
		if p.Secret() || p.Visibility == model.VisibilityPassword {
			value = ""
		}
		resp.Params = append(resp.Params, ParamResponse{
			Name:  name,
			Kind:  string(p.Kind),
			Value: value,
			Label: p.Label,
		})
	}
	return resp
}

func planResponse(p resolver.Plan) PlanResponse {
	out := PlanResponse{Target: p.Target, Items: []PlanItemResponse{}}
	for _, it := range p.Items {
		item := PlanItemResponse{BuildTypeID: it.BuildTypeID, DependsOn: it.DependsOn}
		if it.Reused != nil {
			id := it.Reused.ID
			item.ReusedID = &id
		}
		out.Items = append(out.Items, item)
	}
	return out
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
