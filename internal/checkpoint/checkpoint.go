// Package checkpoint persists per-episode pipeline position so an
// interrupted run can resume mid-episode instead of redoing paid work.
//
// A store owns one directory and allows at most one *active* checkpoint at a
// time, mirroring the strictly sequential outer loop. The active record lives
// in active.json; stage artifacts live under artifacts/<episode>/ with one
// canonical file per stage. Completed stages always form a prefix of the
// configured stage sequence: when a recorded artifact has gone missing on
// disk, resume truncates back to the earliest stage that must be redone.
//
// An episode that fails terminally for the current run can be parked: the
// record moves into its artifact directory, freeing the active slot for the
// next episode while keeping everything on disk for a manual retry. A later
// Begin for the same episode revives the parked record, completed stages
// intact.
package checkpoint

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/podweave/podweave/internal/persist"
)

const (
	activeFile = "active.json"
	parkedFile = "checkpoint.json"
)

// ErrActiveExists is returned by Begin when another episode's checkpoint
// currently occupies the active slot.
var ErrActiveExists = errors.New("checkpoint: an active checkpoint already exists")

// record is the persisted checkpoint document.
type record struct {
	Pipeline  string            `json:"pipeline"`
	GUID      string            `json:"guid"`
	Meta      map[string]string `json:"meta,omitempty"`
	Completed []string          `json:"completed_stages"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Store manages checkpoints for one named pipeline under one directory.
type Store struct {
	dir      string
	pipeline string
	stages   []string
	file     *persist.File[record]
	log      *slog.Logger
}

// NewStore creates a store rooted at dir for the given pipeline and ordered
// stage sequence.
func NewStore(dir, pipeline string, stages []string, opts ...Option) *Store {
	s := &Store{
		dir:      dir,
		pipeline: pipeline,
		stages:   stages,
		file:     persist.NewFile[record](filepath.Join(dir, activeFile)),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// HasActive reports whether an active checkpoint record exists on disk.
func (s *Store) HasActive() bool {
	_, err := os.Stat(s.file.Path())
	return err == nil
}

// Begin opens a checkpoint for guid. It fails with [ErrActiveExists] if any
// active checkpoint is present. If the episode was parked by an earlier run,
// the parked record is revived with its completed stages; meta entries passed
// here overlay the parked ones.
func (s *Store) Begin(guid string, meta map[string]string) (*Checkpoint, error) {
	if s.HasActive() {
		return nil, ErrActiveExists
	}

	rec, revived := s.loadParked(guid)
	if !revived {
		rec = record{
			Pipeline:  s.pipeline,
			GUID:      guid,
			Meta:      map[string]string{},
			CreatedAt: time.Now(),
		}
	}
	if rec.Meta == nil {
		rec.Meta = map[string]string{}
	}
	for k, v := range meta {
		rec.Meta[k] = v
	}

	cp := &Checkpoint{store: s, rec: rec}
	cp.validate()
	if err := cp.save(); err != nil {
		return nil, err
	}
	if revived {
		os.Remove(filepath.Join(cp.ArtifactDir(), parkedFile))
		s.log.Info("revived parked checkpoint",
			"guid", guid, "completed_stages", len(rec.Completed))
	}
	return cp, nil
}

// Resume loads the active checkpoint, if any. A corrupt record is logged and
// discarded rather than surfaced; ok is false when nothing is resumable.
// Completed stages whose artifacts have gone missing are truncated away so
// [Checkpoint.NextStage] points at the earliest stage that must be redone.
func (s *Store) Resume() (cp *Checkpoint, ok bool, err error) {
	rec, ok, err := s.file.Load()
	if err != nil {
		s.log.Warn("active checkpoint unreadable, discarding", "error", err)
		os.Remove(s.file.Path())
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}
	if rec.Pipeline != s.pipeline {
		return nil, false, fmt.Errorf(
			"checkpoint: active checkpoint belongs to pipeline %q, not %q; complete or abandon it first",
			rec.Pipeline, s.pipeline)
	}

	cp = &Checkpoint{store: s, rec: rec}
	if cp.validate() {
		if err := cp.save(); err != nil {
			return nil, false, err
		}
	}
	return cp, true, nil
}

// loadParked tries to read a parked record for guid. Unreadable parked
// records are deleted.
func (s *Store) loadParked(guid string) (record, bool) {
	path := filepath.Join(s.artifactDir(guid), parkedFile)
	f := persist.NewFile[record](path)
	rec, ok, err := f.Load()
	if err != nil {
		s.log.Warn("parked checkpoint unreadable, discarding", "guid", guid, "error", err)
		os.Remove(path)
		return record{}, false
	}
	if !ok || rec.GUID != guid || rec.Pipeline != s.pipeline {
		return record{}, false
	}
	return rec, true
}

func (s *Store) artifactDir(guid string) string {
	return filepath.Join(s.dir, "artifacts", safeDirName(guid))
}

// Checkpoint is the in-flight state of one episode within a pipeline.
type Checkpoint struct {
	store *Store
	rec   record
}

// GUID returns the episode identifier this checkpoint belongs to.
func (c *Checkpoint) GUID() string { return c.rec.GUID }

// Meta returns the stored metadata value for key, or "".
func (c *Checkpoint) Meta(key string) string { return c.rec.Meta[key] }

// SetMeta stores a metadata entry and persists the record.
func (c *Checkpoint) SetMeta(key, value string) error {
	c.rec.Meta[key] = value
	return c.save()
}

// Completed reports whether the named stage has finished.
func (c *Checkpoint) Completed(stage string) bool {
	for _, done := range c.rec.Completed {
		if done == stage {
			return true
		}
	}
	return false
}

// NextStage returns the earliest stage still to run. ok is false once every
// stage has completed.
func (c *Checkpoint) NextStage() (stage string, ok bool) {
	if len(c.rec.Completed) >= len(c.store.stages) {
		return "", false
	}
	return c.store.stages[len(c.rec.Completed)], true
}

// StagePath returns the canonical artifact location for stage, for callers
// that stream data into place themselves (the audio download does this).
// Parent directories are created.
func (c *Checkpoint) StagePath(stage, ext string) (string, error) {
	dir := c.ArtifactDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: create artifact dir: %w", err)
	}
	return filepath.Join(dir, stage+"."+ext), nil
}

// Advance completes the next stage, persisting data as its artifact. A nil
// data slice records completion without an artifact. Stages complete strictly
// in the configured order.
func (c *Checkpoint) Advance(stage, ext string, data []byte) error {
	if err := c.checkNext(stage); err != nil {
		return err
	}
	if data != nil {
		path, err := c.StagePath(stage, ext)
		if err != nil {
			return err
		}
		if err := persist.WriteAtomic(path, data); err != nil {
			return fmt.Errorf("checkpoint: write %s artifact: %w", stage, err)
		}
		c.rec.Artifacts[stage] = filepath.Base(path)
	}
	c.rec.Completed = append(c.rec.Completed, stage)
	return c.save()
}

// AdvanceFile completes the next stage whose artifact was already written to
// the path returned by [Checkpoint.StagePath]. The file must exist.
func (c *Checkpoint) AdvanceFile(stage, filename string) error {
	if err := c.checkNext(stage); err != nil {
		return err
	}
	full := filepath.Join(c.ArtifactDir(), filename)
	if _, err := os.Stat(full); err != nil {
		return fmt.Errorf("checkpoint: %s artifact %s: %w", stage, filename, err)
	}
	c.rec.Artifacts[stage] = filename
	c.rec.Completed = append(c.rec.Completed, stage)
	return c.save()
}

func (c *Checkpoint) checkNext(stage string) error {
	next, ok := c.NextStage()
	if !ok {
		return fmt.Errorf("checkpoint: all stages already completed, cannot advance %q", stage)
	}
	if stage != next {
		return fmt.Errorf("checkpoint: cannot advance %q, next stage is %q", stage, next)
	}
	if c.rec.Artifacts == nil {
		c.rec.Artifacts = map[string]string{}
	}
	return nil
}

// Artifact reads the persisted artifact for a completed stage. ok is false
// when the stage recorded no artifact.
func (c *Checkpoint) Artifact(stage string) (data []byte, ok bool, err error) {
	path, ok := c.ArtifactPath(stage)
	if !ok {
		return nil, false, nil
	}
	data, err = os.ReadFile(path)
	if err != nil {
		return nil, true, fmt.Errorf("checkpoint: read %s artifact: %w", stage, err)
	}
	return data, true, nil
}

// ArtifactPath returns the on-disk location of a stage's recorded artifact.
func (c *Checkpoint) ArtifactPath(stage string) (string, bool) {
	name, ok := c.rec.Artifacts[stage]
	if !ok {
		return "", false
	}
	return filepath.Join(c.ArtifactDir(), name), true
}

// ArtifactDir returns this episode's artifact directory.
func (c *Checkpoint) ArtifactDir() string {
	return c.store.artifactDir(c.rec.GUID)
}

// Complete deletes the checkpoint and all persisted artifacts.
func (c *Checkpoint) Complete() error { return c.discard() }

// Abandon deletes the checkpoint and all persisted artifacts, surrendering
// any partial work.
func (c *Checkpoint) Abandon() error { return c.discard() }

func (c *Checkpoint) discard() error {
	if err := os.RemoveAll(c.ArtifactDir()); err != nil {
		return fmt.Errorf("checkpoint: remove artifacts: %w", err)
	}
	if err := os.Remove(c.store.file.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checkpoint: remove active record: %w", err)
	}
	return nil
}

// Park sets the checkpoint aside for a later manual retry: the record moves
// into the episode's artifact directory and the active slot is freed, but
// artifacts stay on disk. A later Begin for the same episode revives it.
func (c *Checkpoint) Park() error {
	dir := c.ArtifactDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create artifact dir: %w", err)
	}
	c.rec.UpdatedAt = time.Now()
	parked := persist.NewFile[record](filepath.Join(dir, parkedFile))
	if err := parked.Save(c.rec); err != nil {
		return fmt.Errorf("checkpoint: park: %w", err)
	}
	if err := os.Remove(c.store.file.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checkpoint: remove active record: %w", err)
	}
	return nil
}

// validate restores the invariant that completed stages form a prefix of the
// stage sequence with every recorded artifact present on disk. It reports
// whether the record was modified.
func (c *Checkpoint) validate() bool {
	keep := 0
	for i, stage := range c.store.stages {
		if i >= len(c.rec.Completed) || c.rec.Completed[i] != stage {
			break
		}
		if name, ok := c.rec.Artifacts[stage]; ok {
			if _, err := os.Stat(filepath.Join(c.ArtifactDir(), name)); err != nil {
				c.store.log.Warn("checkpoint artifact missing, stage will rerun",
					"guid", c.rec.GUID, "stage", stage, "artifact", name)
				break
			}
		}
		keep = i + 1
	}
	if keep == len(c.rec.Completed) {
		return false
	}
	for _, stage := range c.rec.Completed[keep:] {
		delete(c.rec.Artifacts, stage)
	}
	c.rec.Completed = c.rec.Completed[:keep]
	return true
}

func (c *Checkpoint) save() error {
	c.rec.UpdatedAt = time.Now()
	if err := c.store.file.Save(c.rec); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// safeDirName maps an arbitrary episode identifier (often a URL) onto a
// filesystem-safe directory name. Names that needed rewriting or truncation
// get a short hash suffix to avoid collisions.
func safeDirName(id string) string {
	const maxLen = 64
	safe := make([]byte, 0, len(id))
	changed := false
	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9',
			ch == '-', ch == '_', ch == '.':
			safe = append(safe, ch)
		default:
			safe = append(safe, '_')
			changed = true
		}
	}
	if len(safe) > maxLen {
		safe = safe[:maxLen]
		changed = true
	}
	if len(safe) == 0 {
		changed = true
	}
	if !changed {
		return string(safe)
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	return fmt.Sprintf("%s-%08x", safe, h.Sum32())
}
