package buildlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEnqueueSendsBuildBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/app/rest/buildQueue" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer bl_test" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":7,"state":"queued","status":"QUEUED","buildTypeId":"Deploy","created":true,"queued":[{"id":6,"buildTypeId":"Build"},{"id":7,"buildTypeId":"Deploy"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "bl_test")
	res, err := c.Enqueue(context.Background(), EnqueueRequest{
		BuildTypeID: "Deploy",
		Branch:      "dev",
		Properties:  map[string]string{"DEPLOY": "true"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res.ID != 7 || !res.Created || len(res.Queued) != 2 {
		t.Fatalf("unexpected response %+v", res)
	}
	bt, _ := got["buildType"].(map[string]any)
	if bt["id"] != "Deploy" || got["branchName"] != "dev" {
		t.Fatalf("unexpected body %v", got)
	}
	if _, ok := got["revision"]; ok {
		t.Fatalf("empty revision should be omitted: %v", got)
	}
}

func TestQueueFilterBuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("buildType") != "Build" || q.Get("branch") != "main" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"count":1,"build":[{"id":3,"status":"QUEUED"}]}`))
	}))
	defer srv.Close()

	builds, err := New(srv.URL, "").Queue(context.Background(), QueueFilter{BuildTypeID: "Build", Branch: "main"})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(builds) != 1 || builds[0].ID != 3 {
		t.Fatalf("unexpected builds %+v", builds)
	}
}

func TestAPIErrorDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"unknown build type Nope"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Build(context.Background(), 42)
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.Code != "not_found" || apiErr.Message != "unknown build type Nope" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestBasePathCanBeCleared(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("cursor") != "10" {
			t.Errorf("missing cursor in %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"items":[{"id":11,"type":"build.queued"}],"nextCursor":"11"}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "")
	c.BasePath = ""
	page, err := c.Events(context.Background(), "10", 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if page.NextCursor != "11" || len(page.Items) != 1 || page.Items[0].Type != "build.queued" {
		t.Fatalf("unexpected page %+v", page)
	}
}
