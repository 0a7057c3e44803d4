// Package main is the Arbiter CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hyperjump/arbiter/internal/answer"
	"github.com/hyperjump/arbiter/internal/answercache"
	"github.com/hyperjump/arbiter/internal/cli"
	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/embedding"
	"github.com/hyperjump/arbiter/internal/generation"
	"github.com/hyperjump/arbiter/internal/ingest"
	"github.com/hyperjump/arbiter/internal/keyword"
	"github.com/hyperjump/arbiter/internal/ledger"
	"github.com/hyperjump/arbiter/internal/models"
	"github.com/hyperjump/arbiter/internal/retrieval"
	"github.com/hyperjump/arbiter/internal/server"
	"github.com/hyperjump/arbiter/internal/storage"
	"github.com/hyperjump/arbiter/internal/vector"
	"github.com/hyperjump/arbiter/internal/watcher"
	"github.com/hyperjump/arbiter/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/arbiter/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default and config.yaml exists in
// the current directory, that file is used instead so "arbiter server" works from a
// project checkout. Returns the config and the path actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	// API keys may live in a .env next to the binary; a missing file is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ask":
		runAsk()
	case "load":
		runLoad()
	case "reingest":
		runReingest()
	case "status":
		runStatus()
	case "sweep":
		runSweep()
	case "version", "--version", "-v":
		fmt.Printf("arbiter version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`Arbiter answers board game rules questions with cited, verified passages.

Usage:
  arbiter <command> [flags]

Commands:
  server     Run the HTTP API, manifest watcher, and cache sweeper
  ask        Ask a rules question
  load       Load a rule manifest file or directory
  reingest   Flag a source for re-ingestion and invalidate its cached answers
  status     Show counts, spend, and disk usage
  sweep      Drop expired answer cache entries
  version    Print the version

Run "arbiter <command> -h" for command flags.
`)
}

// setup loads config and creates the logger and components shared by direct-mode commands.
func setup(configPath string, debugFlag bool) (*config.Config, string, *zap.Logger, *Components) {
	cfg, resolvedPath, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || debugFlag
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	components, err := initializeComponents(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	return cfg, resolvedPath, logger, components
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, logger, components := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()
	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", cfg.Debug || *debug),
		zap.String("generator", components.Generator.Model()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var watchSvc *watcher.Watcher
	if len(cfg.Watch.Directories) > 0 {
		watchSvc = watcher.New(cfg.Watch, components.Loader, watcher.WithLogger(logger))
		if err := watchSvc.Start(ctx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
	}

	var sweeper *cron.Cron
	if components.Cache != nil {
		sweeper = cron.New()
		if _, err := sweeper.AddFunc(cfg.Cache.SweepSchedule, func() { sweepCache(ctx, components.Cache, logger) }); err != nil {
			logger.Fatal("Invalid cache sweep schedule", zap.String("schedule", cfg.Cache.SweepSchedule), zap.Error(err))
		}
		sweeper.Start()
		logger.Info("cache sweeper scheduled", zap.String("schedule", cfg.Cache.SweepSchedule))
	}

	srv := server.NewServer(components.Answers, &cfg.Server, logger, server.WithDiskPaths(storagePaths(cfg)...))
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
	if watchSvc != nil {
		watchSvc.Stop()
	}
	cancel()
	if err := components.VectorIndex.Save(cfg.Storage.VectorIndexPath); err != nil {
		logger.Warn("vector index save failed", zap.String("path", cfg.Storage.VectorIndexPath), zap.Error(err))
	}
}

func sweepCache(ctx context.Context, cache *answercache.Cache, logger *zap.Logger) {
	n, err := cache.Sweep(ctx)
	if err != nil {
		logger.Warn("cache sweep failed", zap.Error(err))
		return
	}
	logger.Info("cache swept", zap.Int("removed", n))
}

func storagePaths(cfg *config.Config) []string {
	return []string{
		cfg.Storage.DatabasePath,
		cfg.Storage.BleveIndexPath,
		cfg.Storage.VectorIndexPath,
		cfg.Storage.CachePath,
	}
}

func printAskUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: arbiter ask -game <id> [flags] <question>\n\n")
	fmt.Fprintf(fs.Output(), "The question is all remaining arguments joined by spaces.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  arbiter ask -game 1 can I build a settlement next to a city
  arbiter ask -game 1 -edition 5e -expansions 5,6 "how do harbors work?"
  arbiter ask -game 1 -server "" -output json what happens on a 7
`)
}

// argsReorder moves flags that appear after the question to the front so flag.Parse
// sees them; the flag package stops at the first positional argument.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// parseIDs parses a comma-separated list of positive IDs. Blank input yields nil.
func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseSourceTypes(s string) []models.SourceType {
	var types []models.SourceType
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			types = append(types, models.SourceType(strings.ToLower(part)))
		}
	}
	return types
}

func runAsk() {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = answer directly without a running server)")
	gameID := fs.Int64("game", 0, "game id (required)")
	edition := fs.String("edition", "", "edition (default: the game's default edition)")
	expansions := fs.String("expansions", "", "comma-separated active expansion ids")
	sourceTypes := fs.String("types", "", "comma-separated source types to search (rulebook, expansion, faq, errata, reference)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() { printAskUsage(fs) }
	_ = fs.Parse(argsReorder(os.Args[2:]))

	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if *gameID <= 0 || question == "" {
		printAskUsage(fs)
		os.Exit(1)
	}
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	expansionIDs, err := parseIDs(*expansions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -expansions: %v\n", err)
		os.Exit(1)
	}
	req := models.AskRequest{
		GameID:             *gameID,
		Edition:            *edition,
		Question:           question,
		ActiveExpansionIDs: expansionIDs,
		SourceTypes:        parseSourceTypes(*sourceTypes),
	}

	var outcome *models.AskOutcome
	if *serverURL != "" {
		// The server holds the Bleve and badger locks; go through its API when it runs.
		outcome, err = askViaHTTP(*serverURL, req)
	} else {
		_, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		outcome, err = components.Answers.Ask(context.Background(), req)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ask failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteOutcome(os.Stdout, outcome, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// apiError is the error body returned by the HTTP API.
type apiError struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
	Detail    string `json:"detail"`
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	var e apiError
	if json.Unmarshal(b, &e) == nil && e.ErrorCode != "" {
		if e.Detail != "" {
			return fmt.Errorf("%s: %s (%s)", e.ErrorCode, e.Error, e.Detail)
		}
		return fmt.Errorf("%s: %s", e.ErrorCode, e.Error)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
}

func askViaHTTP(serverURL string, req models.AskRequest) (*models.AskOutcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(serverURL+"/api/v1/ask", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var a models.AnswerResponse
		if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &models.AskOutcome{Answer: &a}, nil
	case http.StatusAccepted:
		var ix models.IndexingResponse
		if err := json.NewDecoder(resp.Body).Decode(&ix); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &models.AskOutcome{Indexing: &ix}, nil
	default:
		return nil, readAPIError(resp)
	}
}

func runLoad() {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: arbiter load [flags] <manifest-or-directory>")
		os.Exit(1)
	}
	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	path := fs.Arg(0)
	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to stat path: %v\n", err)
		os.Exit(1)
	}

	cfg, _, logger, components := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()

	ctx := context.Background()
	var reports []*ingest.Report
	if info.IsDir() {
		reports, err = components.Loader.LoadDirectory(ctx, path, cfg.Watch.Extensions)
	} else {
		var rep *ingest.Report
		if rep, err = components.Loader.LoadManifest(ctx, path); err == nil {
			reports = []*ingest.Report{rep}
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteReports(os.Stdout, reports, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runReingest() {
	fs := flag.NewFlagSet("reingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = update storage directly)")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: arbiter reingest [flags] <source-id>")
		os.Exit(1)
	}
	sourceID, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || sourceID <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid source id %q\n", fs.Arg(0))
		os.Exit(1)
	}

	if *serverURL != "" {
		err = reingestViaHTTP(*serverURL, sourceID)
	} else {
		_, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		err = components.Answers.MarkSourceReingest(context.Background(), sourceID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Reingest failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Source %d flagged for re-ingestion\n", sourceID)
}

func reingestViaHTTP(serverURL string, sourceID int64) error {
	resp, err := http.Post(fmt.Sprintf("%s/api/v1/sources/%d/reingest", serverURL, sourceID), "application/json", nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return readAPIError(resp)
	}
	return nil
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var report *cli.StatusReport
	if *serverURL != "" {
		report, err = statusViaHTTP(*serverURL)
	} else {
		cfg, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		report, err = statusDirect(context.Background(), cfg, components)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteStatus(os.Stdout, report, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func statusDirect(ctx context.Context, cfg *config.Config, c *Components) (*cli.StatusReport, error) {
	st, err := c.Answers.Status(ctx)
	if err != nil {
		return nil, err
	}
	report := &cli.StatusReport{Status: st}
	if n, err := storage.DiskUsageBytes(storagePaths(cfg)...); err == nil {
		report.DiskUsageBytes = n
	}
	return report, nil
}

func statusViaHTTP(serverURL string) (*cli.StatusReport, error) {
	resp, err := http.Get(serverURL + "/api/v1/status")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	report := &cli.StatusReport{Status: &answer.Status{}}
	if err := json.NewDecoder(resp.Body).Decode(report); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return report, nil
}

func runSweep() {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])

	_, _, logger, components := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()
	if components.Cache == nil {
		fmt.Println("Answer cache is disabled")
		return
	}
	n, err := components.Cache.Sweep(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sweep failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Removed %d expired cache entries\n", n)
}

// Components holds initialized services.
type Components struct {
	Storage      *storage.SQLiteStorage
	Embedder     embedding.Embedder
	VectorIndex  *vector.MemoryIndex
	KeywordIndex *keyword.BleveIndex
	Cache        *answercache.Cache
	Ledger       ledger.Ledger
	Generator    generation.Generator
	Answers      *answer.Service
	Loader       *ingest.Loader
}

// Close releases every component that was opened. Safe on a partially built set.
func (c *Components) Close() {
	if c.Ledger != nil {
		_ = c.Ledger.Close()
	}
	if c.Cache != nil {
		_ = c.Cache.Close()
	}
	if c.KeywordIndex != nil {
		_ = c.KeywordIndex.Close()
	}
	if c.VectorIndex != nil {
		_ = c.VectorIndex.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	c := &Components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if c.Storage, err = storage.NewSQLiteStorage(cfg.Storage.DatabasePath); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if c.Embedder, err = embedding.New(ctx, cfg.Embedding, logger); err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	if c.VectorIndex, err = openVectorIndex(ctx, cfg, c.Storage, c.Embedder.Dimensions(), logger); err != nil {
		return nil, err
	}
	if c.KeywordIndex, err = keyword.NewBleveIndex(cfg.Storage.BleveIndexPath); err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}
	if cfg.Cache.EnabledOrDefault() {
		if c.Cache, err = answercache.Open(cfg.Storage.CachePath, cfg.Cache, answercache.WithLogger(logger)); err != nil {
			return nil, fmt.Errorf("failed to open answer cache: %w", err)
		}
	}
	if c.Ledger, err = ledger.Open(ctx, cfg.Budget, c.Storage.DB(), ledger.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("failed to open budget ledger: %w", err)
	}
	if c.Generator, err = generation.New(ctx, cfg.Generation, logger); err != nil {
		return nil, fmt.Errorf("failed to initialize generator: %w", err)
	}

	retriever := retrieval.New(c.Storage, c.Embedder, c.VectorIndex, c.KeywordIndex, cfg.Retrieval, retrieval.WithLogger(logger))
	deps := answer.Deps{
		Store:     c.Storage,
		Embedder:  c.Embedder,
		Retriever: retriever,
		Ledger:    c.Ledger,
		Generator: c.Generator,
	}
	loaderOpts := []ingest.Option{ingest.WithLogger(logger), ingest.WithVectorPath(cfg.Storage.VectorIndexPath)}
	if c.Cache != nil {
		deps.Cache = c.Cache
		loaderOpts = append(loaderOpts, ingest.WithInvalidator(c.Cache))
	}
	if c.Answers, err = answer.New(deps, cfg, answer.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("failed to initialize answer service: %w", err)
	}
	c.Loader = ingest.NewLoader(c.Storage, c.Embedder, c.KeywordIndex, c.VectorIndex, cfg.Indexing, loaderOpts...)
	return c, nil
}

// openVectorIndex loads the persisted vector index, or rebuilds it from the embeddings
// stored with the chunks when the file is missing or unreadable.
func openVectorIndex(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage, dims int, logger *zap.Logger) (*vector.MemoryIndex, error) {
	idx, err := vector.NewMemoryIndex(dims)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	if err := idx.Load(cfg.Storage.VectorIndexPath); err != nil {
		logger.Warn("vector index load failed, rebuilding from storage",
			zap.String("path", cfg.Storage.VectorIndexPath), zap.Error(err))
	} else if idx.Size() > 0 {
		logger.Info("vector index loaded", zap.String("path", cfg.Storage.VectorIndexPath), zap.Int("vectors", idx.Size()))
		return idx, nil
	}
	if err := rebuildVectors(ctx, store, idx); err != nil {
		return nil, fmt.Errorf("failed to rebuild vector index: %w", err)
	}
	logger.Info("vector index rebuilt", zap.Int("vectors", idx.Size()))
	return idx, nil
}

func rebuildVectors(ctx context.Context, store storage.ChunkStore, idx *vector.MemoryIndex) error {
	var (
		ids  []string
		vecs [][]float32
	)
	err := store.ChunkEmbeddings(ctx, func(id string, vec []float32) error {
		if len(vec) != idx.Dimensions() {
			return nil
		}
		ids = append(ids, id)
		vecs = append(vecs, vec)
		return nil
	})
	if err != nil || len(ids) == 0 {
		return err
	}
	return idx.Add(ctx, ids, vecs)
}
