package main

import (
	"testing"

	"buildline/internal/domain"
)

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"DEPLOY=true", " env.NAME =a=b"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got["DEPLOY"] != "true" || got["env.NAME"] != "a=b" {
		t.Fatalf("unexpected params %v", got)
	}
	if _, err := parseParams([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing '='")
	}
	if got, err := parseParams(nil); err != nil || got != nil {
		t.Fatalf("expected nil map, got %v %v", got, err)
	}
}

func TestParseBuildID(t *testing.T) {
	if id, err := parseBuildID("#12"); err != nil || id != 12 {
		t.Fatalf("got %d %v", id, err)
	}
	for _, bad := range []string{"", "0", "-3", "abc"} {
		if _, err := parseBuildID(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestBuildFromDomain(t *testing.T) {
	started := "2026-01-02T03:04:05Z"
	b := buildFromDomain(domain.QueuedBuild{
		ID:              5,
		BuildTypeID:     "MusionBackend_Deploy",
		Branch:          "dev",
		Status:          domain.StatusRunning,
		DependsOn:       []int64{3, 4},
		CancelRequested: true,
		StartedAt:       &started,
	})
	if b.State != "running" || b.StartDate != started || b.FinishDate != "" || !b.CancelAsked {
		t.Fatalf("unexpected build %+v", b)
	}
	if joinIDs(b.DependsOn) != "#3, #4" {
		t.Fatalf("unexpected deps %q", joinIDs(b.DependsOn))
	}
	if buildFromDomain(domain.QueuedBuild{Status: domain.StatusCancelled}).State != "finished" {
		t.Fatalf("cancelled build should be finished")
	}
}

func TestAgoKeepsUnparsedTimestamps(t *testing.T) {
	if ago("") != "" {
		t.Fatalf("empty timestamp should render empty")
	}
	if ago("yesterday") != "yesterday" {
		t.Fatalf("unparsed timestamp should be returned as is")
	}
}
