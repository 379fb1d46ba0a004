package buildlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBasePath is where the server mounts its REST API.
const DefaultBasePath = "/app/rest"

// Client is a minimal buildline REST client.
type Client struct {
	// BaseURL is the server root, for example http://localhost:8111.
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    DefaultBasePath,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Build is a queued, running or finished build.
type Build struct {
	ID          int64             `json:"id"`
	State       string            `json:"state"`
	Status      string            `json:"status"`
	BuildTypeID string            `json:"buildTypeId"`
	BranchName  string            `json:"branchName,omitempty"`
	Revision    string            `json:"revision,omitempty"`
	Priority    int               `json:"priority"`
	Cause       string            `json:"cause,omitempty"`
	ChainDepth  int               `json:"chainDepth"`
	TriggeredBy *int64            `json:"triggeredBy,omitempty"`
	AgentID     string            `json:"agentId,omitempty"`
	StatusText  string            `json:"statusText,omitempty"`
	CancelAsked bool              `json:"cancelRequested,omitempty"`
	QueuedDate  string            `json:"queuedDate"`
	StartDate   string            `json:"startDate,omitempty"`
	FinishDate  string            `json:"finishDate,omitempty"`
	DependsOn   []int64           `json:"snapshotDependencies,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Enqueued is the answer to Enqueue: the target build plus every build the
// request put on the queue.
type Enqueued struct {
	Build
	Created bool    `json:"created"`
	Queued  []Build `json:"queued,omitempty"`
}

// EnqueueRequest describes a build to queue.
type EnqueueRequest struct {
	BuildTypeID string
	Branch      string
	Revision    string
	Priority    int
	Properties  map[string]string
}

type Param struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
	Label string `json:"label,omitempty"`
}

type BuildType struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ProjectID    string   `json:"projectId"`
	Paused       bool     `json:"paused,omitempty"`
	VcsRootID    string   `json:"vcsRootId,omitempty"`
	Dependencies []string `json:"snapshotDependencies,omitempty"`
	Params       []Param  `json:"parameters,omitempty"`
}

type PlanItem struct {
	BuildTypeID string   `json:"buildTypeId"`
	ReusedID    *int64   `json:"reusedBuildId,omitempty"`
	DependsOn   []string `json:"dependsOn,omitempty"`
}

// Plan is the resolved dependency order for a build type.
type Plan struct {
	Target string     `json:"target"`
	Items  []PlanItem `json:"items"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entityKind"`
	EntityID   string         `json:"entityId,omitempty"`
	ActorID    string         `json:"actorId,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// PaginatedEvents wraps a page of events and the cursor for the next one.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// QueueFilter narrows Queue and Builds listings. Zero fields match all.
type QueueFilter struct {
	BuildTypeID string
	Branch      string
	Status      string
	Limit       int
}

// APIError describes a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Enqueue queues a build and its snapshot dependencies.
func (c *Client) Enqueue(ctx context.Context, r EnqueueRequest) (Enqueued, error) {
	body := map[string]any{
		"buildType": map[string]string{"id": r.BuildTypeID},
	}
	if r.Branch != "" {
		body["branchName"] = r.Branch
	}
	if r.Revision != "" {
		body["revision"] = r.Revision
	}
	if r.Priority != 0 {
		body["priority"] = r.Priority
	}
	if len(r.Properties) > 0 {
		body["properties"] = r.Properties
	}
	var resp Enqueued
	err := c.do(ctx, http.MethodPost, "buildQueue", body, &resp)
	return resp, err
}

// Queue lists QUEUED builds in dispatch order.
func (c *Client) Queue(ctx context.Context, f QueueFilter) ([]Build, error) {
	var resp struct {
		Build []Build `json:"build"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("buildQueue", f.values()), nil, &resp)
	return resp.Build, err
}

// Builds lists builds in any state, newest first.
func (c *Client) Builds(ctx context.Context, f QueueFilter) ([]Build, error) {
	var resp struct {
		Build []Build `json:"build"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("builds", f.values()), nil, &resp)
	return resp.Build, err
}

// Build fetches a build by id.
func (c *Client) Build(ctx context.Context, id int64) (Build, error) {
	var resp Build
	err := c.do(ctx, http.MethodGet, "builds/"+strconv.FormatInt(id, 10), nil, &resp)
	return resp, err
}

// Cancel cancels a queued or running build.
func (c *Client) Cancel(ctx context.Context, id int64, comment string) (Build, error) {
	q := url.Values{}
	if comment != "" {
		q.Set("comment", comment)
	}
	var resp Build
	endpoint := withQuery(fmt.Sprintf("buildQueue/%d/cancel", id), q)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Finish reports the outcome of a running build.
func (c *Client) Finish(ctx context.Context, id int64, status, reason string) (Build, error) {
	body := map[string]string{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Build
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("builds/%d/finish", id), body, &resp)
	return resp, err
}

// VcsChange reports a new revision on a VCS root and returns the builds it
// triggered.
func (c *Client) VcsChange(ctx context.Context, vcsRootID, branch, revision string) ([]Build, error) {
	body := map[string]string{"branch": branch, "revision": revision}
	var resp struct {
		Build []Build `json:"build"`
	}
	endpoint := fmt.Sprintf("vcsRoots/%s/changes", url.PathEscape(vcsRootID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Build, err
}

// BuildTypes lists the configured build types.
func (c *Client) BuildTypes(ctx context.Context) ([]BuildType, error) {
	var resp struct {
		BuildType []BuildType `json:"buildType"`
	}
	err := c.do(ctx, http.MethodGet, "buildTypes", nil, &resp)
	return resp.BuildType, err
}

// Plan resolves the dependency order for a build type without queueing.
func (c *Client) Plan(ctx context.Context, buildTypeID, branch, revision string) (Plan, error) {
	q := url.Values{}
	if branch != "" {
		q.Set("branch", branch)
	}
	if revision != "" {
		q.Set("revision", revision)
	}
	var resp Plan
	endpoint := withQuery(fmt.Sprintf("buildTypes/%s/plan", url.PathEscape(buildTypeID)), q)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns events with cursor-based pagination.
func (c *Client) Events(ctx context.Context, cursor string, limit int) (PaginatedEvents, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (f QueueFilter) values() url.Values {
	q := url.Values{}
	if f.BuildTypeID != "" {
		q.Set("buildType", f.BuildTypeID)
	}
	if f.Branch != "" {
		q.Set("branch", f.Branch)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
