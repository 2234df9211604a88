// Package progress tracks per-episode processing state across runs.
//
// The store is a single JSON document mapping episode GUID to an [Entry].
// Every mutation rewrites the document atomically, so a crash at any point
// leaves either the old or the new state on disk, never a torn file. The
// outer pipeline loop is sequential, which keeps the store's locking trivial.
package progress

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/podweave/podweave/internal/persist"
	"github.com/podweave/podweave/pkg/types"
)

// Status is the lifecycle state of one episode.
type Status string

// Episode lifecycle states. An episode skipped for quota preservation keeps
// StatusPending so a later run picks it up again; "skipped" is a per-run
// outcome, not a persisted state.
const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Entry is the persisted processing state of one episode.
type Entry struct {
	// GUID is the feed-provided episode identifier keying this entry.
	GUID string `json:"guid"`

	// Title, Podcast, AudioURL and DurationSeconds mirror the feed metadata
	// at admission time; they are refreshed whenever the feed is re-read.
	Title           string  `json:"title"`
	Podcast         string  `json:"podcast"`
	AudioURL        string  `json:"audio_url"`
	DurationSeconds float64 `json:"duration_seconds"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// AttemptCount is the number of failed processing attempts. It only ever
	// grows; quota skips do not burn an attempt.
	AttemptCount int `json:"attempt_count"`

	// LastError and ErrorCategory describe the most recent failure.
	// ErrorCategory is the coarse classification ("transient", "quota",
	// "permanent") used when deciding whether a retry is worthwhile.
	LastError     string `json:"last_error,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`

	// OutputPath is the emitted VTT file location once COMPLETED.
	OutputPath string `json:"output_path,omitempty"`

	// TranscribedSeconds is the end time of the final cue in the emitted
	// transcript, recorded on completion for coverage reporting.
	TranscribedSeconds float64 `json:"transcribed_seconds,omitempty"`

	// LastUpdate is when this entry last changed.
	LastUpdate time.Time `json:"last_update"`

	// Seq preserves feed order across the JSON map representation; Pending
	// returns entries in ascending Seq.
	Seq int `json:"seq"`
}

// Counts summarizes entry statuses for end-of-run reporting.
type Counts struct {
	Pending    int
	InProgress int
	Completed  int
	Failed     int
}

// Total returns the number of tracked episodes.
func (c Counts) Total() int { return c.Pending + c.InProgress + c.Completed + c.Failed }

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Store persists episode progress at a fixed path.
type Store struct {
	mu      sync.Mutex
	file    *persist.File[map[string]*Entry]
	entries map[string]*Entry
	nextSeq int
	now     func() time.Time
	log     *slog.Logger
}

// NewStore opens (or initializes) the progress document at path. A corrupt
// document is logged and replaced with an empty one rather than aborting the
// run; a missing one is a normal first start.
func NewStore(path string, opts ...Option) (*Store, error) {
	s := &Store{
		file: persist.NewFile[map[string]*Entry](path),
		now:  time.Now,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	entries, ok, err := s.file.Load()
	if err != nil {
		s.log.Warn("progress state unreadable, starting empty", "path", path, "error", err)
		entries, ok = nil, false
	}
	if !ok || entries == nil {
		entries = make(map[string]*Entry)
	}
	s.entries = entries
	for _, e := range entries {
		if e.Seq >= s.nextSeq {
			s.nextSeq = e.Seq + 1
		}
	}
	return s, nil
}

// Add admits an episode, creating a PENDING entry if none exists. For known
// episodes the feed metadata is refreshed but status, attempts and output are
// left untouched. It reports whether the episode was new.
func (s *Store) Add(ep types.Episode) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.entries[ep.GUID]; exists {
		e.Title = ep.Title
		e.Podcast = ep.PodcastName
		e.AudioURL = ep.AudioURL
		e.DurationSeconds = ep.Duration.Seconds()
		return false, s.save()
	}

	s.entries[ep.GUID] = &Entry{
		GUID:            ep.GUID,
		Title:           ep.Title,
		Podcast:         ep.PodcastName,
		AudioURL:        ep.AudioURL,
		DurationSeconds: ep.Duration.Seconds(),
		Status:          StatusPending,
		LastUpdate:      s.now(),
		Seq:             s.nextSeq,
	}
	s.nextSeq++
	return true, s.save()
}

// Get returns the entry for guid, if tracked.
func (s *Store) Get(guid string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[guid]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Pending returns, in feed order, every episode still worth attempting:
// anything not COMPLETED whose attempt count is below maxAttempts. Stale
// IN_PROGRESS entries from a crashed run are included so checkpoint resume
// can pick them up.
func (s *Store) Pending(maxAttempts int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if e.Status == StatusCompleted {
			continue
		}
		if e.AttemptCount >= maxAttempts {
			continue
		}
		out = append(out, *e)
	}
	sortBySeq(out)
	return out
}

// All returns every tracked entry in feed order.
func (s *Store) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sortBySeq(out)
	return out
}

// Counts tallies entries per status.
func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Counts
	for _, e := range s.entries {
		switch e.Status {
		case StatusPending:
			c.Pending++
		case StatusInProgress:
			c.InProgress++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// MarkStarted transitions an episode to IN_PROGRESS.
func (s *Store) MarkStarted(guid string) error {
	return s.update(guid, func(e *Entry) {
		e.Status = StatusInProgress
	})
}

// MarkCompleted records a finished episode along with its output location
// and how far the transcript reached.
func (s *Store) MarkCompleted(guid, outputPath string, transcribed time.Duration) error {
	return s.update(guid, func(e *Entry) {
		e.Status = StatusCompleted
		e.OutputPath = outputPath
		e.TranscribedSeconds = transcribed.Seconds()
		e.LastError = ""
		e.ErrorCategory = ""
	})
}

// MarkFailed records a failed attempt. The attempt count grows by one;
// reason and category describe what went wrong.
func (s *Store) MarkFailed(guid, reason, category string) error {
	return s.update(guid, func(e *Entry) {
		e.Status = StatusFailed
		e.AttemptCount++
		e.LastError = reason
		e.ErrorCategory = category
	})
}

// MarkPending returns an episode to PENDING without burning an attempt,
// used when processing is skipped to preserve quota.
func (s *Store) MarkPending(guid string) error {
	return s.update(guid, func(e *Entry) {
		e.Status = StatusPending
	})
}

func (s *Store) update(guid string, mutate func(*Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[guid]
	if !ok {
		return fmt.Errorf("progress: unknown episode %q", guid)
	}
	mutate(e)
	e.LastUpdate = s.now()
	return s.save()
}

// save must be called with the lock held.
func (s *Store) save() error {
	if err := s.file.Save(s.entries); err != nil {
		return fmt.Errorf("progress: %w", err)
	}
	return nil
}

func sortBySeq(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
}
