package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/podweave/podweave/internal/checkpoint"
	"github.com/podweave/podweave/internal/gateway"
	"github.com/podweave/podweave/internal/observe"
)

// Pipeline is the checkpoint pipeline name for seeding runs.
const Pipeline = "seeding"

// Checkpoint stages, in execution order.
const (
	StageAnalysis   = "analysis"
	StageRegroup    = "regrouping"
	StageExtraction = "extraction"
	StageResolution = "resolution"
	StageGraphWrite = "graph_write"
)

// Stages returns the ordered checkpoint stage sequence. Pass it to
// [checkpoint.NewStore] when constructing the store this executor runs on.
func Stages() []string {
	return []string{StageAnalysis, StageRegroup, StageExtraction, StageResolution, StageGraphWrite}
}

// Checkpoint metadata keys carrying result bookkeeping across restarts.
const (
	metaSegments = "segment_count"
	metaUnits    = "unit_count"
	metaEntities = "entity_count"
	metaNodes    = "node_count"
	metaEdges    = "edge_count"
)

// Skip reasons reported in episode results.
const (
	reasonQuota   = "quota_exhausted"
	reasonCircuit = "circuit_open"
)

// Outcome describes how one transcript ended within a run.
type Outcome string

const (
	// OutcomeCompleted means the episode's graph was written.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the transcript failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped means capacity limits deferred the transcript; its
	// checkpoint is parked for a later run.
	OutcomeSkipped Outcome = "skipped"
)

// EpisodeResult is one line of the run summary.
type EpisodeResult struct {
	GUID    string
	Title   string
	Path    string
	Outcome Outcome

	// Reason is the skip reason or failure message.
	Reason string

	// Units and Entities are the meaningful-unit and canonical-entity
	// counts of a completed episode.
	Units    int
	Entities int

	// Nodes and Edges report the size of the graph write.
	Nodes int
	Edges int
}

// Summary is the structured result of one seeding run.
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
// every attempted transcript failed, 2 when capacity limits stopped work for
// the day without anything failing outright.
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

// Config tunes the executor.
type Config struct {
	// MaxConcurrentUnits bounds parallel unit extractions per episode.
	MaxConcurrentUnits int

	// Resume controls whether an active checkpoint from an earlier run is
	// picked up or abandoned.
	Resume bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrentUnits: DefaultUnitConcurrency}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentUnits <= 0 {
		c.MaxConcurrentUnits = DefaultUnitConcurrency
	}
	return c
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics replaces the default metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor runs WebVTT transcripts through the seeding pipeline.
type Executor struct {
	gw          LLMGateway
	writer      GraphWriter
	checkpoints *checkpoint.Store
	cfg         Config
	analyzer    *Analyzer
	extractor   *Extractor
	resolver    *Resolver
	metrics     *observe.Metrics
	log         *slog.Logger
	now         func() time.Time
}

// New creates an Executor over an already-constructed gateway, graph writer,
// and checkpoint store. The checkpoint store must have been built with
// [Stages].
func New(gw LLMGateway, writer GraphWriter, cps *checkpoint.Store, cfg Config, opts ...Option) (*Executor, error) {
	if gw == nil {
		return nil, errors.New("seed: gateway is required")
	}
	if writer == nil {
		return nil, errors.New("seed: graph writer is required")
	}
	if cps == nil {
		return nil, errors.New("seed: checkpoint store is required")
	}
	e := &Executor{
		gw:          gw,
		writer:      writer,
		checkpoints: cps,
		cfg:         cfg.withDefaults(),
		resolver:    NewResolver(),
		metrics:     observe.DefaultMetrics(),
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.analyzer = NewAnalyzer(gw, e.log)
	e.extractor = NewExtractor(gw, e.cfg.MaxConcurrentUnits, e.log)
	return e, nil
}

// job is one parsed transcript queued for seeding.
type job struct {
	path     string
	meta     EpisodeMeta
	segments []Segment
}

// Run seeds every given transcript in order, resuming an active checkpoint
// first when configured to. The returned error is non-nil only for run-level
// aborts (cancellation, checkpoint IO); ordinary transcript failures land in
// the summary instead.
func (e *Executor) Run(ctx context.Context, paths []string) (Summary, error) {
	var sum Summary

	var jobs []job
	for _, path := range paths {
		meta, segments, err := ReadTranscript(path)
		if err != nil {
			stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			e.log.Error("transcript rejected", "path", path, "error", err)
			sum.add(EpisodeResult{GUID: stem, Title: stem, Path: path, Outcome: OutcomeFailed, Reason: err.Error()})
			continue
		}
		jobs = append(jobs, job{path: path, meta: meta, segments: segments})
	}

	quotaStop := false
	handled := make(map[string]bool)

	cp, ok, err := e.resumableCheckpoint()
	if err != nil {
		return sum, err
	}
	if ok {
		j, found := jobByGUID(jobs, cp.GUID())
		switch {
		case !found:
			e.log.Warn("active checkpoint references a transcript outside this run, abandoning",
				"guid", cp.GUID())
			if err := cp.Abandon(); err != nil {
				return sum, err
			}
		case cp.Meta(metaSegments) != strconv.Itoa(len(j.segments)):
			// The transcript changed since the checkpoint was taken; its
			// segment indices no longer line up with the artifacts.
			e.log.Warn("transcript changed since checkpoint, restarting it",
				"guid", cp.GUID(), "path", j.path)
			if err := cp.Abandon(); err != nil {
				return sum, err
			}
		default:
			e.log.Info("resuming transcript from checkpoint", "guid", j.meta.GUID, "path", j.path)
			handled[j.meta.GUID] = true
			res, fatal := e.runTranscript(ctx, j, cp)
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

	for _, j := range jobs {
		if handled[j.meta.GUID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		handled[j.meta.GUID] = true

		if quotaStop {
			sum.add(EpisodeResult{GUID: j.meta.GUID, Title: j.meta.Title, Path: j.path,
				Outcome: OutcomeSkipped, Reason: reasonQuota})
			continue
		}

		res, fatal := e.process(ctx, j)
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
func (e *Executor) resumableCheckpoint() (*checkpoint.Checkpoint, bool, error) {
	if !e.checkpoints.HasActive() {
		return nil, false, nil
	}
	cp, ok, err := e.checkpoints.Resume()
	if err != nil || !ok {
		return nil, false, err
	}
	if !e.cfg.Resume {
		e.log.Warn("active checkpoint found with resume disabled, abandoning", "guid", cp.GUID())
		return nil, false, cp.Abandon()
	}
	return cp, true, nil
}

func jobByGUID(jobs []job, guid string) (job, bool) {
	for _, j := range jobs {
		if j.meta.GUID == guid {
			return j, true
		}
	}
	return job{}, false
}

// process opens (or revives) the transcript's checkpoint and runs it.
func (e *Executor) process(ctx context.Context, j job) (EpisodeResult, error) {
	cp, err := e.checkpoints.Begin(j.meta.GUID, map[string]string{
		"podcast":    j.meta.Podcast,
		"title":      j.meta.Title,
		"path":       j.path,
		metaSegments: strconv.Itoa(len(j.segments)),
	})
	if err != nil {
		return EpisodeResult{}, fmt.Errorf("seed: begin checkpoint for %s: %w", j.meta.GUID, err)
	}
	return e.runTranscript(ctx, j, cp)
}

// runOutput accumulates what the summary needs from the stages run in this
// process.
type runOutput struct {
	units    int
	entities int
	stats    WriteStats
}

// runTranscript walks the checkpoint's remaining stages and settles the
// transcript: completion, capacity skip (parked checkpoint), or failure
// (parked checkpoint). A cancellation leaves the checkpoint active for
// transparent resume.
func (e *Executor) runTranscript(ctx context.Context, j job, cp *checkpoint.Checkpoint) (EpisodeResult, error) {
	res := EpisodeResult{GUID: j.meta.GUID, Title: j.meta.Title, Path: j.path}
	var out runOutput

	ctx, span := observe.PipelineSpan(ctx, Pipeline, j.meta.GUID)
	defer span.End()

	for {
		stage, more := cp.NextStage()
		if !more {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		begun := e.now()
		err := e.runStage(ctx, stage, j, cp, &out)
		e.metrics.RecordStageDuration(ctx, Pipeline, stage, e.now().Sub(begun).Seconds())
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		if reason, skip := skipReason(err); skip {
			res.Outcome = OutcomeSkipped
			res.Reason = reason
			e.log.Info("transcript deferred", "guid", j.meta.GUID, "stage", stage, "reason", reason)
			e.metrics.RecordEpisodeOutcome(ctx, string(OutcomeSkipped))
			return res, cp.Park()
		}

		res.Outcome = OutcomeFailed
		res.Reason = err.Error()
		e.log.Error("transcript failed", "guid", j.meta.GUID, "stage", stage, "error", err)
		e.metrics.RecordEpisodeOutcome(ctx, string(OutcomeFailed))
		return res, cp.Park()
	}

	res.Outcome = OutcomeCompleted
	res.Units = out.units
	res.Entities = out.entities
	res.Nodes = out.stats.Nodes
	res.Edges = out.stats.Edges
	// Stages completed by an earlier run left their bookkeeping in the
	// checkpoint metadata.
	fillFromMeta(&res.Units, cp, metaUnits)
	fillFromMeta(&res.Entities, cp, metaEntities)
	fillFromMeta(&res.Nodes, cp, metaNodes)
	fillFromMeta(&res.Edges, cp, metaEdges)

	if err := cp.Complete(); err != nil {
		return res, err
	}
	e.metrics.RecordEpisodeOutcome(ctx, string(OutcomeCompleted))
	e.log.Info("transcript seeded",
		"guid", j.meta.GUID, "units", res.Units, "entities", res.Entities,
		"nodes", res.Nodes, "edges", res.Edges)
	return res, nil
}

func fillFromMeta(dst *int, cp *checkpoint.Checkpoint, key string) {
	if *dst != 0 {
		return
	}
	if n, err := strconv.Atoi(cp.Meta(key)); err == nil {
		*dst = n
	}
}

func (e *Executor) runStage(ctx context.Context, stage string, j job, cp *checkpoint.Checkpoint, out *runOutput) error {
	switch stage {
	case StageAnalysis:
		return e.stageAnalyze(ctx, j, cp)
	case StageRegroup:
		return e.stageRegroup(j, cp, out)
	case StageExtraction:
		return e.stageExtract(ctx, j, cp)
	case StageResolution:
		return e.stageResolve(ctx, j, cp, out)
	case StageGraphWrite:
		return e.stageWrite(ctx, j, cp, out)
	default:
		return fmt.Errorf("seed: unknown stage %q", stage)
	}
}

func (e *Executor) stageAnalyze(ctx context.Context, j job, cp *checkpoint.Checkpoint) error {
	structure, err := e.analyzer.Analyze(ctx, j.meta, j.segments)
	if err != nil {
		return err
	}
	if structure.Degenerate {
		e.log.Warn("seeding with degenerate structure", "guid", j.meta.GUID)
	}
	data, err := json.Marshal(structure)
	if err != nil {
		return fmt.Errorf("seed: encode analysis for %s: %w", j.meta.GUID, err)
	}
	return cp.Advance(StageAnalysis, "json", data)
}

func (e *Executor) stageRegroup(j job, cp *checkpoint.Checkpoint, out *runOutput) error {
	var structure ConversationStructure
	if err := loadArtifact(cp, StageAnalysis, &structure); err != nil {
		return err
	}
	units := Regroup(j.segments, structure)
	if len(units) == 0 {
		return fmt.Errorf("seed: transcript %s regrouped into no units", j.meta.GUID)
	}
	out.units = len(units)
	if err := cp.SetMeta(metaUnits, strconv.Itoa(len(units))); err != nil {
		return err
	}
	data, err := json.Marshal(units)
	if err != nil {
		return fmt.Errorf("seed: encode units for %s: %w", j.meta.GUID, err)
	}
	return cp.Advance(StageRegroup, "json", data)
}

func (e *Executor) stageExtract(ctx context.Context, j job, cp *checkpoint.Checkpoint) error {
	var units []MeaningfulUnit
	if err := loadArtifact(cp, StageRegroup, &units); err != nil {
		return err
	}
	knowledge, err := e.extractor.ExtractAll(ctx, j.meta, units, j.segments)
	if err != nil {
		return err
	}
	data, err := json.Marshal(knowledge)
	if err != nil {
		return fmt.Errorf("seed: encode extraction for %s: %w", j.meta.GUID, err)
	}
	return cp.Advance(StageExtraction, "json", data)
}

func (e *Executor) stageResolve(ctx context.Context, j job, cp *checkpoint.Checkpoint, out *runOutput) error {
	var knowledge []ExtractedKnowledge
	if err := loadArtifact(cp, StageExtraction, &knowledge); err != nil {
		return err
	}
	resolution := e.resolver.Resolve(knowledge)
	out.entities = len(resolution.Entities)
	e.metrics.RecordResolveReduction(ctx, resolution.ReductionRatio)
	e.log.Info("entities resolved", "guid", j.meta.GUID,
		"raw", len(resolution.Mentions), "canonical", len(resolution.Entities),
		"reduction", fmt.Sprintf("%.2f", resolution.ReductionRatio))
	if err := cp.SetMeta(metaEntities, strconv.Itoa(len(resolution.Entities))); err != nil {
		return err
	}
	data, err := json.Marshal(resolution)
	if err != nil {
		return fmt.Errorf("seed: encode resolution for %s: %w", j.meta.GUID, err)
	}
	return cp.Advance(StageResolution, "json", data)
}

// stageWrite assembles every artifact and writes the episode's graph. The
// write is retried once: upserts are idempotent, so a half-applied first
// attempt is harmless.
func (e *Executor) stageWrite(ctx context.Context, j job, cp *checkpoint.Checkpoint, out *runOutput) error {
	var (
		structure  ConversationStructure
		units      []MeaningfulUnit
		knowledge  []ExtractedKnowledge
		resolution Resolution
	)
	if err := loadArtifact(cp, StageAnalysis, &structure); err != nil {
		return err
	}
	if err := loadArtifact(cp, StageRegroup, &units); err != nil {
		return err
	}
	if err := loadArtifact(cp, StageExtraction, &knowledge); err != nil {
		return err
	}
	if err := loadArtifact(cp, StageResolution, &resolution); err != nil {
		return err
	}
	out.units = len(units)
	out.entities = len(resolution.Entities)

	begun := e.now()
	stats, err := e.writer.WriteEpisode(ctx, j.meta, structure, units, knowledge, resolution)
	if err != nil && ctx.Err() == nil {
		e.log.Warn("graph write failed, retrying once", "guid", j.meta.GUID, "error", err)
		stats, err = e.writer.WriteEpisode(ctx, j.meta, structure, units, knowledge, resolution)
	}
	if err != nil {
		return fmt.Errorf("seed: write graph for %s: %w", j.meta.GUID, err)
	}
	e.metrics.RecordGraphWrite(ctx, stats.Nodes, stats.Edges, e.now().Sub(begun).Seconds())

	out.stats = stats
	if err := cp.SetMeta(metaNodes, strconv.Itoa(stats.Nodes)); err != nil {
		return err
	}
	if err := cp.SetMeta(metaEdges, strconv.Itoa(stats.Edges)); err != nil {
		return err
	}
	return cp.Advance(StageGraphWrite, "", nil)
}

// loadArtifact unmarshals a completed stage's JSON artifact.
func loadArtifact(cp *checkpoint.Checkpoint, stage string, v any) error {
	data, ok, err := cp.Artifact(stage)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("seed: %s artifact missing for %s", stage, cp.GUID())
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("seed: decode %s artifact for %s: %w", stage, cp.GUID(), err)
	}
	return nil
}

// skipReason classifies capacity errors, which defer a transcript instead of
// failing it.
func skipReason(err error) (string, bool) {
	var coe *gateway.CircuitOpenError
	switch {
	case errors.Is(err, gateway.ErrQuotaExhausted):
		return reasonQuota, true
	case errors.As(err, &coe):
		return reasonCircuit, true
	default:
		return "", false
	}
}

// isCapacityError reports whether err should defer the episode rather than
// degrade its output.
func isCapacityError(err error) bool {
	_, ok := skipReason(err)
	return ok
}

// Compile-time assertion that the production gateway satisfies the seeding
// contract.
var _ LLMGateway = (*gateway.Gateway)(nil)
