package persist_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/podweave/podweave/internal/persist"
)

type testState struct {
	Name  string         `json:"name"`
	Count int            `json:"count"`
	Tags  map[string]int `json:"tags,omitempty"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "state.json")
	f := persist.NewFile[testState](path)

	want := testState{Name: "episode-7", Count: 3, Tags: map[string]int{"a": 1}}
	if err := f.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, ok, err := f.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !ok {
		t.Fatal("Load() ok = false, want true")
	}
	if got.Name != want.Name || got.Count != want.Count || got.Tags["a"] != 1 {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	f := persist.NewFile[testState](filepath.Join(t.TempDir(), "absent.json"))
	got, ok, err := f.Load()
	if err != nil {
		t.Fatalf("Load() error = %v, want nil for missing file", err)
	}
	if ok {
		t.Error("Load() ok = true, want false for missing file")
	}
	if got.Count != 0 || got.Name != "" {
		t.Errorf("Load() = %+v, want zero value", got)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "corrupt.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := persist.NewFile[testState](path)
	got, _, err := f.Load()
	if err == nil {
		t.Fatal("Load() error = nil, want decode error for corrupt file")
	}
	if got.Name != "" || got.Count != 0 {
		t.Errorf("Load() = %+v, want zero value on corrupt file", got)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := persist.NewFile[testState](filepath.Join(dir, "state.json"))
	if err := f.Save(testState{Name: "x"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file %q left behind", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("dir contains %d entries, want 1", len(entries))
	}
}

func TestSaveOverwrites(t *testing.T) {
	t.Parallel()

	f := persist.NewFile[testState](filepath.Join(t.TempDir(), "state.json"))
	if err := f.Save(testState{Name: "first", Count: 1}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := f.Save(testState{Name: "second", Count: 2}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, _, err := f.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Name != "second" || got.Count != 2 {
		t.Errorf("Load() = %+v, want the overwritten state", got)
	}
}

func TestWriteAtomic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "artifacts", "transcript.vtt")
	if err := persist.WriteAtomic(path, []byte("WEBVTT\n")); err != nil {
		t.Fatalf("WriteAtomic() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), "WEBVTT\n"; got != want {
		t.Errorf("file content = %q, want %q", got, want)
	}
}
