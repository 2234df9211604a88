// Package transcribe drives the first pipeline stage: feed episodes are
// downloaded, transcribed through the LLM gateway, extended with continuation
// fragments until coverage is acceptable, speaker-attributed, and emitted as
// WebVTT files.
//
// Episodes run strictly sequentially, each through the fixed checkpoint stage
// sequence, so a killed run resumes mid-episode without redoing paid LLM
// work. Capacity problems never fail an episode: spent daily quota and keys
// in cooldown skip it and leave it PENDING for a later run.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/podweave/podweave/internal/checkpoint"
	"github.com/podweave/podweave/internal/gateway"
	"github.com/podweave/podweave/internal/observe"
	"github.com/podweave/podweave/internal/progress"
	"github.com/podweave/podweave/internal/resilience"
	"github.com/podweave/podweave/pkg/fetch"
	"github.com/podweave/podweave/pkg/provider/llm"
	"github.com/podweave/podweave/pkg/types"
	"github.com/podweave/podweave/pkg/vtt"
)

// Pipeline is the checkpoint pipeline name for transcription runs.
const Pipeline = "transcribe"

// Checkpoint stages, in execution order.
const (
	StageDownload      = "download"
	StageTranscription = "transcription"
	StageContinuation  = "continuation"
	StageSpeakerID     = "speaker_identification"
	StageVTT           = "vtt_generation"
)

// Stages returns the ordered checkpoint stage sequence. Pass it to
// [checkpoint.NewStore] when constructing the store this orchestrator runs on.
func Stages() []string {
	return []string{StageDownload, StageTranscription, StageContinuation, StageSpeakerID, StageVTT}
}

// Checkpoint metadata keys carrying continuation bookkeeping across restarts.
const (
	metaContinuations = "continuation_attempts"
	metaFinalRatio    = "final_coverage_ratio"
)

// downloadAttempts is how many times the audio download is tried before the
// episode fails.
const downloadAttempts = 3

// Skip reasons reported in episode results.
const (
	reasonQuota   = "quota_exhausted"
	reasonCircuit = "circuit_open"
)

// Outcome describes how one episode ended within a run.
type Outcome string

const (
	// OutcomeCompleted means the transcript was emitted.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the episode failed and burned an attempt.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped means capacity limits deferred the episode; it stays
	// PENDING and costs no attempt.
	OutcomeSkipped Outcome = "skipped"
)

// EpisodeResult is one line of the run summary.
type EpisodeResult struct {
	GUID    string
	Title   string
	Outcome Outcome

	// Reason is the skip reason or failure message.
	Reason string

	// OutputPath is the emitted transcript location for completed episodes.
	OutputPath string

	// Coverage is the final transcript-to-declared-duration ratio, zero when
	// the feed declared no duration.
	Coverage float64

	// Continuations is how many continuation fragments were requested.
	Continuations int
}

// Summary is the structured result of one run.
type Summary struct {
	Processed    int
	Failed       int
	Skipped      int
	QuotaReached bool
	Episodes     []EpisodeResult
}

func (s *Summary) add(r EpisodeResult) {
	s.Episodes = append(s.Episodes, r)
	switch r.Outcome {
	case OutcomeCompleted:
		s.Processed++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
		if r.Reason == reasonQuota || r.Reason == reasonCircuit {
			s.QuotaReached = true
		}
	}
}

// ExitCode maps the run outcome onto the CLI contract: 0 success, 1 when
// every attempted episode failed, 2 when capacity limits stopped work for the
// day without anything failing outright.
func (s Summary) ExitCode() int {
	switch {
	case s.Failed > 0 && s.Processed == 0:
		return 1
	case s.QuotaReached && s.Failed == 0:
		return 2
	default:
		return 0
	}
}

// LLMGateway is the slice of the gateway the orchestrator drives.
type LLMGateway interface {
	Transcribe(ctx context.Context, audio llm.AudioInput, meta gateway.EpisodeMeta) (string, error)
	RequestContinuation(ctx context.Context, audio llm.AudioInput, existingVTT string, from time.Duration, meta gateway.EpisodeMeta) (string, error)
	IdentifySpeakers(ctx context.Context, vttText string, meta gateway.EpisodeMeta) (map[string]string, error)
	PreflightTranscribe() error
}

var _ LLMGateway = (*gateway.Gateway)(nil)

// Config tunes the orchestrator. Zero fields fall back to [DefaultConfig]
// values; OutputDir is required.
type Config struct {
	// OutputDir is the root under which transcripts are emitted.
	OutputDir string

	// MinCoverageRatio is the transcript-to-duration ratio below which
	// continuation fragments are requested.
	MinCoverageRatio float64

	// MaxContinuations bounds continuation requests per episode.
	MaxContinuations int

	// RequestOverlap is how far before the current coverage end a
	// continuation is asked to start.
	RequestOverlap time.Duration

	// StitchWindow is the start-time window within which near-duplicate cues
	// from overlapping fragments are suppressed.
	StitchWindow time.Duration

	// MaxAttempts is how many failed attempts an episode may accumulate
	// before runs stop retrying it.
	MaxAttempts int

	// MaxEpisodes caps episodes attempted in one run. Zero means no cap.
	MaxEpisodes int

	// Resume controls whether an active checkpoint from an earlier run is
	// picked up or abandoned.
	Resume bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinCoverageRatio: 0.85,
		MaxContinuations: 3,
		RequestOverlap:   10 * time.Second,
		StitchWindow:     3 * time.Second,
		MaxAttempts:      3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinCoverageRatio <= 0 {
		c.MinCoverageRatio = def.MinCoverageRatio
	}
	if c.MaxContinuations <= 0 {
		c.MaxContinuations = def.MaxContinuations
	}
	if c.RequestOverlap <= 0 {
		c.RequestOverlap = def.RequestOverlap
	}
	if c.StitchWindow <= 0 {
		c.StitchWindow = def.StitchWindow
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	return c
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDownloader replaces the default HTTP downloader.
func WithDownloader(d fetch.Downloader) Option {
	return func(o *Orchestrator) {
		if d != nil {
			o.downloader = d
		}
	}
}

// WithRetryer replaces the backoff policy used for downloads.
func WithRetryer(r *resilience.Retryer) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.retryer = r
		}
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.log = logger
		}
	}
}

// WithMetrics replaces the default metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep replaces the wait primitive used between download attempts, for
// tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// Orchestrator runs feed episodes through the transcription pipeline.
type Orchestrator struct {
	gw          LLMGateway
	progress    *progress.Store
	checkpoints *checkpoint.Store
	downloader  fetch.Downloader
	retryer     *resilience.Retryer
	cfg         Config
	metrics     *observe.Metrics
	log         *slog.Logger
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
}

// New creates an Orchestrator over an already-constructed gateway and stores.
// The checkpoint store must have been built with [Stages].
func New(gw LLMGateway, prog *progress.Store, cps *checkpoint.Store, cfg Config, opts ...Option) (*Orchestrator, error) {
	if cfg.OutputDir == "" {
		return nil, errors.New("transcribe: output directory is required")
	}
	o := &Orchestrator{
		gw:          gw,
		progress:    prog,
		checkpoints: cps,
		downloader:  fetch.NewHTTPDownloader(),
		retryer:     resilience.NewRetryer(resilience.RetryConfig{}),
		cfg:         cfg.withDefaults(),
		metrics:     observe.DefaultMetrics(),
		log:         slog.Default(),
		now:         time.Now,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run admits episodes into the progress store and processes every pending one
// in feed order, resuming an active checkpoint first when configured to. The
// returned error is non-nil only for run-level aborts (cancellation, state
// store IO); ordinary episode failures land in the summary instead.
func (o *Orchestrator) Run(ctx context.Context, episodes []types.Episode) (Summary, error) {
	var sum Summary

	byGUID := make(map[string]types.Episode, len(episodes))
	for _, ep := range episodes {
		fresh, err := o.progress.Add(ep)
		if err != nil {
			return sum, err
		}
		if fresh {
			o.log.Info("episode admitted", "guid", ep.GUID, "title", ep.Title)
		}
		byGUID[ep.GUID] = ep
	}

	started := 0
	quotaStop := false
	handled := make(map[string]bool)

	cp, ok, err := o.resumableCheckpoint()
	if err != nil {
		return sum, err
	}
	if ok {
		ep, found := o.episodeByGUID(cp.GUID(), byGUID)
		if !found {
			o.log.Warn("active checkpoint references an untracked episode, abandoning",
				"guid", cp.GUID())
			if err := cp.Abandon(); err != nil {
				return sum, err
			}
		} else {
			o.log.Info("resuming episode from checkpoint", "guid", ep.GUID, "title", ep.Title)
			if err := o.progress.MarkStarted(ep.GUID); err != nil {
				return sum, err
			}
			handled[ep.GUID] = true
			started++
			res, fatal := o.runEpisode(ctx, ep, cp)
			if res.Outcome != "" {
				sum.add(res)
			}
			if fatal != nil {
				return sum, fatal
			}
			if res.Outcome == OutcomeSkipped && res.Reason == reasonQuota {
				quotaStop = true
			}
		}
	}

	for _, entry := range o.progress.Pending(o.cfg.MaxAttempts) {
		if handled[entry.GUID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		ep, _ := o.episodeByGUID(entry.GUID, byGUID)

		if quotaStop {
			sum.add(EpisodeResult{GUID: ep.GUID, Title: ep.Title, Outcome: OutcomeSkipped, Reason: reasonQuota})
			continue
		}
		if o.cfg.MaxEpisodes > 0 && started >= o.cfg.MaxEpisodes {
			o.log.Info("episode cap reached, stopping", "max", o.cfg.MaxEpisodes)
			break
		}

		// Check capacity before paying for a download the gateway could not
		// follow up on.
		if err := o.gw.PreflightTranscribe(); err != nil {
			reason, _ := skipReason(err)
			if reason == "" {
				reason = err.Error()
			}
			o.log.Info("skipping episode, no key can serve it",
				"guid", ep.GUID, "reason", reason)
			o.metrics.RecordEpisodeOutcome(ctx, string(OutcomeSkipped))
			sum.add(EpisodeResult{GUID: ep.GUID, Title: ep.Title, Outcome: OutcomeSkipped, Reason: reason})
			if errors.Is(err, gateway.ErrQuotaExhausted) {
				// Daily budgets will not recover within this run.
				quotaStop = true
			}
			continue
		}

		started++
		res, fatal := o.processEpisode(ctx, ep)
		if res.Outcome != "" {
			sum.add(res)
		}
		if fatal != nil {
			return sum, fatal
		}
		if res.Outcome == OutcomeSkipped && res.Reason == reasonQuota {
			quotaStop = true
		}
	}

	return sum, nil
}

// resumableCheckpoint loads the active checkpoint when resume is enabled and
// abandons it otherwise.
func (o *Orchestrator) resumableCheckpoint() (*checkpoint.Checkpoint, bool, error) {
	if !o.checkpoints.HasActive() {
		return nil, false, nil
	}
	cp, ok, err := o.checkpoints.Resume()
	if err != nil || !ok {
		return nil, false, err
	}
	if !o.cfg.Resume {
		o.log.Warn("active checkpoint found with resume disabled, abandoning", "guid", cp.GUID())
		return nil, false, cp.Abandon()
	}
	return cp, true, nil
}

// episodeByGUID prefers the fresh feed metadata and falls back to what the
// progress store remembers, so checkpoints survive the episode dropping off
// the feed.
func (o *Orchestrator) episodeByGUID(guid string, byGUID map[string]types.Episode) (types.Episode, bool) {
	if ep, ok := byGUID[guid]; ok {
		return ep, true
	}
	entry, ok := o.progress.Get(guid)
	if !ok {
		return types.Episode{}, false
	}
	return types.Episode{
		GUID:        entry.GUID,
		Title:       entry.Title,
		PodcastName: entry.Podcast,
		AudioURL:    entry.AudioURL,
		Duration:    time.Duration(entry.DurationSeconds * float64(time.Second)),
	}, true
}

// processEpisode opens (or revives) the episode's checkpoint and runs it.
func (o *Orchestrator) processEpisode(ctx context.Context, ep types.Episode) (EpisodeResult, error) {
	cp, err := o.checkpoints.Begin(ep.GUID, map[string]string{
		"podcast": ep.PodcastName,
		"title":   ep.Title,
	})
	if err != nil {
		return EpisodeResult{}, fmt.Errorf("transcribe: begin checkpoint for %s: %w", ep.GUID, err)
	}
	if err := o.progress.MarkStarted(ep.GUID); err != nil {
		return EpisodeResult{}, err
	}
	return o.runEpisode(ctx, ep, cp)
}

// stageOutput accumulates what later bookkeeping needs from the stages run in
// this process.
type stageOutput struct {
	outputPath    string
	coverage      time.Duration
	finalRatio    float64
	continuations int
}

// runEpisode walks the checkpoint's remaining stages and settles the episode:
// completion, capacity skip (parked checkpoint, PENDING, no attempt burned),
// or failure (parked checkpoint, attempt burned). A cancellation leaves the
// checkpoint active and the episode IN_PROGRESS for transparent resume.
func (o *Orchestrator) runEpisode(ctx context.Context, ep types.Episode, cp *checkpoint.Checkpoint) (EpisodeResult, error) {
	res := EpisodeResult{GUID: ep.GUID, Title: ep.Title}
	meta := episodeMeta(ep)
	var out stageOutput

	ctx, span := observe.PipelineSpan(ctx, Pipeline, ep.GUID)
	defer span.End()

	o.metrics.ActiveEpisodes.Add(ctx, 1)
	defer o.metrics.ActiveEpisodes.Add(ctx, -1)

	for {
		stage, more := cp.NextStage()
		if !more {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		begun := o.now()
		err := o.runStage(ctx, stage, ep, meta, cp, &out)
		o.metrics.RecordStageDuration(ctx, Pipeline, stage, o.now().Sub(begun).Seconds())
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		if reason, skip := skipReason(err); skip {
			res.Outcome = OutcomeSkipped
			res.Reason = reason
			o.log.Info("episode deferred", "guid", ep.GUID, "stage", stage, "reason", reason)
			o.metrics.RecordEpisodeOutcome(ctx, string(OutcomeSkipped))
			if perr := o.progress.MarkPending(ep.GUID); perr != nil {
				return res, perr
			}
			return res, cp.Park()
		}

		category := resilience.Classify(err).String()
		res.Outcome = OutcomeFailed
		res.Reason = err.Error()
		o.log.Error("episode failed", "guid", ep.GUID, "stage", stage,
			"category", category, "error", err)
		o.metrics.RecordEpisodeOutcome(ctx, string(OutcomeFailed))
		if perr := o.progress.MarkFailed(ep.GUID, err.Error(), category); perr != nil {
			return res, perr
		}
		return res, cp.Park()
	}

	res.Outcome = OutcomeCompleted
	res.OutputPath = out.outputPath
	res.Coverage = out.finalRatio
	res.Continuations = out.continuations
	// Stages completed by an earlier run left their bookkeeping in the
	// checkpoint metadata.
	if res.Continuations == 0 {
		if n, err := strconv.Atoi(cp.Meta(metaContinuations)); err == nil {
			res.Continuations = n
		}
	}
	if res.Coverage == 0 {
		if f, err := strconv.ParseFloat(cp.Meta(metaFinalRatio), 64); err == nil {
			res.Coverage = f
		}
	}

	if err := o.progress.MarkCompleted(ep.GUID, out.outputPath, out.coverage); err != nil {
		return res, err
	}
	if err := cp.Complete(); err != nil {
		return res, err
	}
	o.metrics.RecordEpisodeOutcome(ctx, string(OutcomeCompleted))
	o.log.Info("episode completed",
		"guid", ep.GUID, "output", out.outputPath,
		"transcribed", out.coverage.Round(time.Second), "continuations", res.Continuations)
	return res, nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage string, ep types.Episode, meta gateway.EpisodeMeta, cp *checkpoint.Checkpoint, out *stageOutput) error {
	switch stage {
	case StageDownload:
		return o.stageDownload(ctx, ep, cp)
	case StageTranscription:
		return o.stageTranscribe(ctx, ep, meta, cp)
	case StageContinuation:
		return o.stageContinuation(ctx, ep, meta, cp, out)
	case StageSpeakerID:
		return o.stageSpeakers(ctx, ep, meta, cp)
	case StageVTT:
		return o.stageEmit(ep, cp, out)
	default:
		return fmt.Errorf("transcribe: unknown stage %q", stage)
	}
}

func (o *Orchestrator) stageDownload(ctx context.Context, ep types.Episode, cp *checkpoint.Checkpoint) error {
	if ep.AudioURL == "" {
		return fmt.Errorf("transcribe: episode %s has no audio enclosure", ep.GUID)
	}
	dest, err := cp.StagePath(StageDownload, fetch.Ext(ep.AudioURL))
	if err != nil {
		return err
	}

	begun := o.now()
	audio, err := o.downloadWithRetry(ctx, ep.AudioURL, dest)
	o.metrics.DownloadDuration.Record(ctx, o.now().Sub(begun).Seconds())
	if err != nil {
		return err
	}
	o.log.Info("audio downloaded", "guid", ep.GUID, "bytes", audio.Size, "mime", audio.MIMEType)
	return cp.AdvanceFile(StageDownload, filepath.Base(dest))
}

// downloadWithRetry treats every download failure as retryable: transient
// network errors and zero-byte bodies dominate in practice.
func (o *Orchestrator) downloadWithRetry(ctx context.Context, url, dest string) (fetch.Audio, error) {
	var lastErr error
	for attempt := 1; attempt <= downloadAttempts; attempt++ {
		audio, err := o.downloader.Download(ctx, url, dest)
		if err == nil {
			return audio, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return fetch.Audio{}, err
		}
		if attempt < downloadAttempts {
			delay := o.retryer.Delay(attempt)
			o.log.Warn("audio download failed, backing off",
				"url", url, "attempt", attempt,
				"delay", delay.Round(time.Millisecond), "error", err)
			if err := o.sleep(ctx, delay); err != nil {
				return fetch.Audio{}, err
			}
		}
	}
	return fetch.Audio{}, fmt.Errorf("transcribe: download failed after %d attempts: %w", downloadAttempts, lastErr)
}

func (o *Orchestrator) stageTranscribe(ctx context.Context, ep types.Episode, meta gateway.EpisodeMeta, cp *checkpoint.Checkpoint) error {
	audio, err := o.audioInput(cp)
	if err != nil {
		return err
	}
	text, err := o.gw.Transcribe(ctx, audio, meta)
	if err != nil {
		return err
	}
	if _, err := vtt.Parse(text); err != nil {
		return fmt.Errorf("transcribe: transcription for %s is not usable WebVTT: %w", ep.GUID, err)
	}
	return cp.Advance(StageTranscription, "vtt", []byte(text))
}

// stageContinuation extends the transcript until it covers enough of the
// declared duration. Continuation problems never fail the episode: whatever
// transcript exists proceeds to the next stage.
func (o *Orchestrator) stageContinuation(ctx context.Context, ep types.Episode, meta gateway.EpisodeMeta, cp *checkpoint.Checkpoint, out *stageOutput) error {
	data, ok, err := cp.Artifact(StageTranscription)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transcribe: transcription artifact missing for %s", ep.GUID)
	}
	text := string(data)

	attempts := 0
	if ep.Duration > 0 {
		audio, err := o.audioInput(cp)
		if err != nil {
			return err
		}
		for {
			doc, err := vtt.Parse(text)
			if err != nil {
				return fmt.Errorf("transcribe: stitched transcript for %s: %w", ep.GUID, err)
			}
			coverage := doc.Coverage()
			out.finalRatio = coverage.Seconds() / ep.Duration.Seconds()
			if out.finalRatio >= o.cfg.MinCoverageRatio || attempts >= o.cfg.MaxContinuations {
				break
			}

			from := coverage - o.cfg.RequestOverlap
			if from < 0 {
				from = 0
			}
			o.log.Info("transcript coverage short, requesting continuation",
				"guid", ep.GUID, "ratio", fmt.Sprintf("%.2f", out.finalRatio),
				"from", from.Round(time.Second), "attempt", attempts+1)
			frag, err := o.gw.RequestContinuation(ctx, audio, text, from, meta)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				o.log.Warn("continuation unavailable, proceeding with best-effort transcript",
					"guid", ep.GUID, "error", err)
				break
			}
			attempts++
			text = vtt.Stitch([]string{text, frag}, vtt.WithDedupWindow(o.cfg.StitchWindow))
		}
	}

	out.continuations = attempts
	if err := cp.SetMeta(metaContinuations, strconv.Itoa(attempts)); err != nil {
		return err
	}
	if err := cp.SetMeta(metaFinalRatio, strconv.FormatFloat(out.finalRatio, 'f', 4, 64)); err != nil {
		return err
	}
	return cp.Advance(StageContinuation, "vtt", []byte(text))
}

// stageSpeakers resolves generic speaker labels to names. Identification is
// best-effort: only capacity errors defer the episode, everything else keeps
// the generic labels.
func (o *Orchestrator) stageSpeakers(ctx context.Context, ep types.Episode, meta gateway.EpisodeMeta, cp *checkpoint.Checkpoint) error {
	data, ok, err := cp.Artifact(StageContinuation)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transcribe: continuation artifact missing for %s", ep.GUID)
	}
	text := string(data)
	doc, err := vtt.Parse(text)
	if err != nil {
		return fmt.Errorf("transcribe: transcript for %s: %w", ep.GUID, err)
	}

	mapping, err := o.gw.IdentifySpeakers(ctx, text, meta)
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrMalformedResponse):
		o.log.Warn("speaker identification kept returning malformed JSON, keeping generic labels",
			"guid", ep.GUID)
		mapping = nil
	default:
		if _, skip := skipReason(err); skip {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		o.log.Warn("speaker identification failed, keeping generic labels",
			"guid", ep.GUID, "error", err)
		mapping = nil
	}

	if len(mapping) > 0 {
		o.log.Info("speakers identified", "guid", ep.GUID, "mapping", mapping)
	}
	vtt.ApplySpeakerMap(doc.Cues, mapping)
	return cp.Advance(StageSpeakerID, "vtt", []byte(doc.Render()))
}

func (o *Orchestrator) stageEmit(ep types.Episode, cp *checkpoint.Checkpoint, out *stageOutput) error {
	data, ok, err := cp.Artifact(StageSpeakerID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transcribe: speaker-attributed artifact missing for %s", ep.GUID)
	}
	doc, err := vtt.Parse(string(data))
	if err != nil {
		return fmt.Errorf("transcribe: final transcript for %s: %w", ep.GUID, err)
	}

	path, err := o.writeOutput(ep, doc)
	if err != nil {
		return err
	}
	out.outputPath = path
	out.coverage = doc.Coverage()
	return cp.Advance(StageVTT, "", nil)
}

func (o *Orchestrator) audioInput(cp *checkpoint.Checkpoint) (llm.AudioInput, error) {
	path, ok := cp.ArtifactPath(StageDownload)
	if !ok {
		return llm.AudioInput{}, fmt.Errorf("transcribe: download artifact missing for %s", cp.GUID())
	}
	return llm.AudioInput{Path: path, MIMEType: fetch.GuessMIMEType(path)}, nil
}

func episodeMeta(ep types.Episode) gateway.EpisodeMeta {
	return gateway.EpisodeMeta{
		GUID:             ep.GUID,
		PodcastName:      ep.PodcastName,
		Title:            ep.Title,
		Duration:         ep.Duration,
		ExpectedSpeakers: ep.ExpectedSpeakers,
	}
}

// skipReason classifies capacity errors, which defer an episode instead of
// failing it.
func skipReason(err error) (string, bool) {
	var coe *gateway.CircuitOpenError
	switch {
	case errors.Is(err, gateway.ErrQuotaExhausted):
		return reasonQuota, true
	case errors.As(err, &coe):
		return reasonCircuit, true
	}
	return "", false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
