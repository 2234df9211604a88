package progress_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/podweave/podweave/internal/progress"
	"github.com/podweave/podweave/pkg/types"
)

func episode(guid, title string) types.Episode {
	return types.Episode{
		GUID:        guid,
		Title:       title,
		PodcastName: "Test Show",
		AudioURL:    "https://cdn.example.com/" + guid + ".mp3",
		Duration:    30 * time.Minute,
	}
}

func newStore(t *testing.T) (*progress.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".progress.json")
	s, err := progress.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s, path
}

func TestAddAndGet(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	added, err := s.Add(episode("ep-1", "First"))
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !added {
		t.Error("Add() added = false, want true for new episode")
	}

	e, ok := s.Get("ep-1")
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if e.Status != progress.StatusPending {
		t.Errorf("Status = %q, want %q", e.Status, progress.StatusPending)
	}
	if e.DurationSeconds != 1800 {
		t.Errorf("DurationSeconds = %v, want 1800", e.DurationSeconds)
	}
}

func TestAddExistingRefreshesMetadata(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	if _, err := s.Add(episode("ep-1", "First")); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkStarted("ep-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed("ep-1", "boom", "transient"); err != nil {
		t.Fatal(err)
	}

	added, err := s.Add(episode("ep-1", "First (updated)"))
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if added {
		t.Error("Add() added = true, want false for known episode")
	}

	e, _ := s.Get("ep-1")
	if e.Title != "First (updated)" {
		t.Errorf("Title = %q, want refreshed title", e.Title)
	}
	if e.Status != progress.StatusFailed {
		t.Errorf("Status = %q, want %q preserved", e.Status, progress.StatusFailed)
	}
	if e.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1 preserved", e.AttemptCount)
	}
}

func TestPendingOrderAndFilters(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	for _, guid := range []string{"ep-1", "ep-2", "ep-3", "ep-4"} {
		if _, err := s.Add(episode(guid, guid)); err != nil {
			t.Fatal(err)
		}
	}

	// ep-1 completes; ep-2 fails once; ep-3 fails out of budget; ep-4 stays
	// pending.
	if err := s.MarkStarted("ep-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCompleted("ep-1", "/out/a.vtt", 25*time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed("ep-2", "timeout", "transient"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.MarkFailed("ep-3", "bad audio", "permanent"); err != nil {
			t.Fatal(err)
		}
	}

	got := s.Pending(3)
	if len(got) != 2 {
		t.Fatalf("Pending(3) returned %d entries, want 2", len(got))
	}
	if got[0].GUID != "ep-2" || got[1].GUID != "ep-4" {
		t.Errorf("Pending order = [%s %s], want [ep-2 ep-4]", got[0].GUID, got[1].GUID)
	}
}

func TestPendingIncludesStaleInProgress(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	if _, err := s.Add(episode("ep-1", "First")); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkStarted("ep-1"); err != nil {
		t.Fatal(err)
	}

	got := s.Pending(3)
	if len(got) != 1 || got[0].Status != progress.StatusInProgress {
		t.Fatalf("Pending(3) = %+v, want the stale IN_PROGRESS entry", got)
	}
}

func TestTransitions(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	if _, err := s.Add(episode("ep-1", "First")); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkStarted("ep-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed("ep-1", "HTTP 503", "transient"); err != nil {
		t.Fatal(err)
	}
	e, _ := s.Get("ep-1")
	if e.AttemptCount != 1 || e.LastError != "HTTP 503" || e.ErrorCategory != "transient" {
		t.Errorf("after MarkFailed: %+v", e)
	}

	if err := s.MarkStarted("ep-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkPending("ep-1"); err != nil {
		t.Fatal(err)
	}
	e, _ = s.Get("ep-1")
	if e.Status != progress.StatusPending {
		t.Errorf("Status = %q, want %q after quota skip", e.Status, progress.StatusPending)
	}
	if e.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1 (skips do not burn attempts)", e.AttemptCount)
	}

	if err := s.MarkStarted("ep-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCompleted("ep-1", "/out/first.vtt", 28*time.Minute); err != nil {
		t.Fatal(err)
	}
	e, _ = s.Get("ep-1")
	if e.Status != progress.StatusCompleted {
		t.Errorf("Status = %q, want %q", e.Status, progress.StatusCompleted)
	}
	if e.OutputPath != "/out/first.vtt" {
		t.Errorf("OutputPath = %q", e.OutputPath)
	}
	if e.LastError != "" || e.ErrorCategory != "" {
		t.Errorf("error fields not cleared on completion: %+v", e)
	}
}

func TestMarkUnknownEpisode(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	if err := s.MarkStarted("nope"); err == nil {
		t.Error("MarkStarted(unknown) error = nil, want non-nil")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), ".progress.json")

	s1, err := progress.NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Add(episode("ep-1", "First")); err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Add(episode("ep-2", "Second")); err != nil {
		t.Fatal(err)
	}
	if err := s1.MarkStarted("ep-1"); err != nil {
		t.Fatal(err)
	}
	if err := s1.MarkCompleted("ep-1", "/out/first.vtt", time.Hour); err != nil {
		t.Fatal(err)
	}

	s2, err := progress.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() reopen error = %v", err)
	}
	e, ok := s2.Get("ep-1")
	if !ok || e.Status != progress.StatusCompleted {
		t.Errorf("reopened entry = %+v, ok = %v", e, ok)
	}
	if got := s2.Pending(3); len(got) != 1 || got[0].GUID != "ep-2" {
		t.Errorf("Pending after reopen = %+v, want only ep-2", got)
	}

	// New additions continue the sequence rather than colliding.
	if _, err := s2.Add(episode("ep-3", "Third")); err != nil {
		t.Fatal(err)
	}
	all := s2.All()
	if len(all) != 3 || all[2].GUID != "ep-3" {
		t.Errorf("All() after reopen+add = %+v", all)
	}
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), ".progress.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := progress.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() error = %v, want graceful empty start", err)
	}
	if c := s.Counts(); c.Total() != 0 {
		t.Errorf("Counts().Total() = %d, want 0", c.Total())
	}
}

func TestCounts(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	for _, guid := range []string{"a", "b", "c"} {
		if _, err := s.Add(episode(guid, guid)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkStarted("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCompleted("a", "/out/a.vtt", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed("b", "x", "permanent"); err != nil {
		t.Fatal(err)
	}

	c := s.Counts()
	want := progress.Counts{Pending: 1, Completed: 1, Failed: 1}
	if c != want {
		t.Errorf("Counts() = %+v, want %+v", c, want)
	}
}
