// Command podweave turns podcast RSS feeds into transcripts and a knowledge
// graph.
//
// Usage:
//
//	podweave transcribe --feed <url> [--max <n>] [--resume] [--config <file>]
//	podweave seed --input <vtt-file-or-dir> [--resume] [--config <file>]
//
// Both subcommands read the same configuration: built-in defaults, then the
// optional YAML file, then environment variables (API_KEY_1..N, OUTPUT_DIR,
// DATA_DIR, ...). Environment always wins.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/podweave/podweave/internal/app"
	"github.com/podweave/podweave/internal/config"
	"github.com/podweave/podweave/internal/observe"
	"github.com/podweave/podweave/internal/seed"
	"github.com/podweave/podweave/internal/transcribe"
	"github.com/podweave/podweave/pkg/feed"
)

// Exit codes. Partial success is still success: transcripts and checkpoints
// survive on disk, so a rerun picks up where this one stopped.
const (
	exitOK          = 0
	exitAllFailed   = 1
	exitQuota       = 2
	exitConfigError = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfigError
	}
	switch args[0] {
	case "transcribe":
		return runTranscribe(args[1:])
	case "seed":
		return runSeed(args[1:])
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "podweave: unknown command %q\n\n", args[0])
		usage()
		return exitConfigError
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `podweave turns podcast RSS feeds into transcripts and a knowledge graph.

Usage:
  podweave transcribe --feed <url> [--max <n>] [--resume] [--config <file>]
  podweave seed --input <vtt-file-or-dir> [--resume] [--config <file>]

Configuration comes from defaults, then the optional YAML file, then
environment variables (API_KEY_1..N, OUTPUT_DIR, DATA_DIR, ...).
`)
}

// ─── transcribe ──────────────────────────────────────────────────────────────

func runTranscribe(args []string) int {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file (optional)")
	feedURL := fs.String("feed", "", "podcast RSS feed URL (required)")
	maxEpisodes := fs.Int("max", 0, "cap on episodes processed this run (0 = config value)")
	resume := fs.Bool("resume", false, "resume an interrupted episode from its checkpoint")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}
	if *feedURL == "" {
		fmt.Fprintln(os.Stderr, "podweave: transcribe requires --feed")
		fs.Usage()
		return exitConfigError
	}
	if *maxEpisodes < 0 {
		fmt.Fprintln(os.Stderr, "podweave: --max must not be negative")
		return exitConfigError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return exitConfigError
	}
	if *maxEpisodes > 0 {
		cfg.MaxEpisodesPerRun = *maxEpisodes
	}
	if *resume {
		cfg.Resume = true
	}
	slog.SetDefault(newLogger(cfg.LogLevel))

	src, err := feed.NewRSSSource(*feedURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "podweave: %v\n", err)
		return exitConfigError
	}

	// ── Signal context ────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, cleanup, err := initRuntime(ctx, cfg)
	if err != nil {
		slog.Error("initialisation failed", "error", err)
		return exitConfigError
	}
	defer cleanup()

	printStartupSummary(cfg, "transcribe", "Feed", *feedURL)

	sum, err := application.Transcribe(ctx, src)
	switch {
	case errors.Is(err, context.Canceled):
		slog.Info("interrupted; progress saved, rerun with --resume to continue")
	case err != nil:
		slog.Error("transcription run failed", "error", err)
		return exitAllFailed
	}
	printTranscribeSummary(sum, application.KeyStatuses())
	return sum.ExitCode()
}

// ─── seed ────────────────────────────────────────────────────────────────────

func runSeed(args []string) int {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file (optional)")
	input := fs.String("input", "", "transcript .vtt file or directory of transcripts (required)")
	resume := fs.Bool("resume", false, "resume an interrupted episode from its checkpoint")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}
	if *input == "" {
		fmt.Fprintln(os.Stderr, "podweave: seed requires --input")
		fs.Usage()
		return exitConfigError
	}
	if _, err := os.Stat(*input); err != nil {
		fmt.Fprintf(os.Stderr, "podweave: input %q: %v\n", *input, err)
		return exitConfigError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return exitConfigError
	}
	if *resume {
		cfg.Resume = true
	}
	slog.SetDefault(newLogger(cfg.LogLevel))

	// ── Signal context ────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, cleanup, err := initRuntime(ctx, cfg)
	if err != nil {
		slog.Error("initialisation failed", "error", err)
		return exitConfigError
	}
	defer cleanup()

	printStartupSummary(cfg, "seed", "Input", *input)

	sum, err := application.Seed(ctx, *input)
	switch {
	case errors.Is(err, context.Canceled):
		slog.Info("interrupted; progress saved, rerun with --resume to continue")
	case err != nil:
		slog.Error("seeding run failed", "error", err)
		return exitAllFailed
	}
	printSeedSummary(sum, application.KeyStatuses())
	return sum.ExitCode()
}

// ─── Runtime wiring ──────────────────────────────────────────────────────────

// initRuntime wires telemetry and the application core. The returned cleanup
// flushes both under a deadline; call it exactly once.
func initRuntime(ctx context.Context, cfg *config.Config) (*app.App, func(), error) {
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = otelShutdown(flushCtx)
		return nil, nil, err
	}

	cleanup := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(flushCtx); err != nil {
			slog.Warn("shutdown error", "error", err)
		}
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}
	return application, cleanup, nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "podweave: config file %q not found\n", path)
		} else {
			fmt.Fprintf(os.Stderr, "podweave: %v\n", err)
		}
		return nil, err
	}
	return cfg, nil
}

// ─── Summary boxes ───────────────────────────────────────────────────────────

// boxWidth is the interior width between the ║ borders.
const boxWidth = 61

func boxTop()    { fmt.Println("╔" + strings.Repeat("═", boxWidth) + "╗") }
func boxRule()   { fmt.Println("╠" + strings.Repeat("═", boxWidth) + "╣") }
func boxBottom() { fmt.Println("╚" + strings.Repeat("═", boxWidth) + "╝") }

func boxTitle(title string) {
	pad := boxWidth - len([]rune(title))
	if pad < 0 {
		pad = 0
	}
	left := pad / 2
	fmt.Printf("║%s%s%s║\n", strings.Repeat(" ", left), title, strings.Repeat(" ", pad-left))
}

func boxLine(label, value string) {
	if r := []rune(value); len(r) > 40 {
		value = string(r[:39]) + "…"
	}
	fmt.Printf("║  %-15s : %-40s ║\n", label, value)
}

func printStartupSummary(cfg *config.Config, command, targetLabel, target string) {
	provider := cfg.Provider
	if cfg.Model != "" {
		provider += " / " + cfg.Model
	}
	onOff := "off"
	if cfg.Resume {
		onOff = "on"
	}

	boxTop()
	boxTitle("podweave: startup")
	boxRule()
	boxLine("Command", command)
	boxLine(targetLabel, target)
	boxLine("Provider", provider)
	boxLine("API keys", strconv.Itoa(len(cfg.APIKeys)))
	boxLine("Daily req / key", strconv.Itoa(cfg.Quota.DailyRequestsPerKey))
	boxLine("Req/min / key", strconv.Itoa(cfg.Quota.RequestsPerMinutePerKey))
	boxLine("Resume", onOff)
	switch command {
	case "transcribe":
		boxLine("Output dir", cfg.OutputDir)
		boxLine("Data dir", cfg.DataDir)
		if cfg.MaxEpisodesPerRun > 0 {
			boxLine("Max episodes", strconv.Itoa(cfg.MaxEpisodesPerRun))
		}
	case "seed":
		boxLine("Data dir", cfg.DataDir)
		if cfg.Graph.URI != "" {
			boxLine("Graph store", cfg.Graph.URI)
		} else {
			boxLine("Graph store", "(in-memory, discarded at exit)")
		}
	}
	if cfg.MetricsAddr != "" {
		boxLine("Metrics", cfg.MetricsAddr)
	}
	boxBottom()
}

func printTranscribeSummary(sum transcribe.Summary, keys []app.KeyStatus) {
	boxTop()
	boxTitle("podweave: transcription summary")
	boxRule()
	boxLine("Processed", strconv.Itoa(sum.Processed))
	boxLine("Failed", strconv.Itoa(sum.Failed))
	boxLine("Skipped", strconv.Itoa(sum.Skipped))
	if sum.QuotaReached {
		boxLine("Stopped early", "daily quota reached")
	}
	printKeyLines(keys)
	boxBottom()
}

func printSeedSummary(sum seed.Summary, keys []app.KeyStatus) {
	var units, entities, nodes, edges int
	for _, ep := range sum.Episodes {
		units += ep.Units
		entities += ep.Entities
		nodes += ep.Nodes
		edges += ep.Edges
	}

	boxTop()
	boxTitle("podweave: seeding summary")
	boxRule()
	boxLine("Processed", strconv.Itoa(sum.Processed))
	boxLine("Failed", strconv.Itoa(sum.Failed))
	boxLine("Skipped", strconv.Itoa(sum.Skipped))
	if sum.QuotaReached {
		boxLine("Stopped early", "daily quota reached")
	}
	boxLine("Units", strconv.Itoa(units))
	boxLine("Entities", strconv.Itoa(entities))
	boxLine("Graph writes", fmt.Sprintf("%d nodes, %d edges", nodes, edges))
	printKeyLines(keys)
	boxBottom()
}

// printKeyLines renders one usage row per key.
func printKeyLines(keys []app.KeyStatus) {
	if len(keys) == 0 {
		return
	}
	boxRule()
	for _, ks := range keys {
		value := fmt.Sprintf("%d req, %d tok", ks.RequestsToday, ks.TokensToday)
		if ks.BreakerOpen {
			value += ", open until " + ks.RecoveryTime.Format("15:04")
		}
		boxLine(ks.ID, value)
	}
}

// ─── Logger ──────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level.Level()}))
}
