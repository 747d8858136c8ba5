package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"catalogd/internal/config"
	"catalogd/internal/ingestion"
	"catalogd/internal/ingestion/llm"
	"catalogd/internal/logger"
	"catalogd/internal/queue"
	"catalogd/internal/scheduler"
	"catalogd/internal/search/organic"
	"catalogd/internal/search/streaming"
	"catalogd/internal/storerail"
	syncfabric "catalogd/internal/sync"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	dataDir := os.Getenv("CATALOGD_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		dataDir = filepath.Join(home, ".catalogd")
	}

	cfg, err := config.Load(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(dataDir); err != nil {
		fmt.Printf("Warning: failed to initialize logger: %v\n", err)
	}

	logger.Log.Info().
		Str("version", Version).
		Str("dataDir", dataDir).
		Str("httpAddr", cfg.Server.HTTPAddr).
		Msg("catalogd starting up")

	if err := os.MkdirAll(cfg.Server.OutputDir, 0755); err != nil {
		logger.Log.Error().Err(err).Msg("failed to create output dir")
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Server.UploadDir, 0755); err != nil {
		logger.Log.Error().Err(err).Msg("failed to create upload dir")
		os.Exit(1)
	}

	queueDB, err := storerail.Open(dataDir, "queue", queue.Migrations())
	if err != nil {
		logger.Log.Error().Err(err).Msg("failed to open queue database")
		os.Exit(1)
	}
	defer queueDB.Close()

	schedulerDB, err := storerail.Open(dataDir, "server", scheduler.Migrations())
	if err != nil {
		logger.Log.Error().Err(err).Msg("failed to open scheduler database")
		os.Exit(1)
	}
	defer schedulerDB.Close()

	userDB, err := storerail.Open(dataDir, "user", mergeMigrations(
		syncfabric.EventLogMigrations(),
		syncfabric.CatalogEventMigrations(),
		syncfabric.SkeletonMigrations(),
	))
	if err != nil {
		logger.Log.Error().Err(err).Msg("failed to open user database")
		os.Exit(1)
	}
	defer userDB.Close()

	ingestionDB, err := storerail.Open(dataDir, "ingestion", ingestion.Migrations())
	if err != nil {
		logger.Log.Error().Err(err).Msg("failed to open ingestion database")
		os.Exit(1)
	}
	defer ingestionDB.Close()

	logger.Log.Info().Msg("databases initialized")

	catalog, err := newManifestCatalog(defaultManifestPath(dataDir))
	if err != nil {
		logger.Log.Error().Err(err).Msg("failed to load catalog manifest")
		os.Exit(1)
	}

	// --- sync fabric ---
	registry := syncfabric.NewConnectionRegistry()
	eventLog := syncfabric.NewEventLog(userDB.Conn())
	catalogEvents := syncfabric.NewCatalogEventLog(userDB.Conn(), registry)
	skeleton := syncfabric.NewSkeleton(userDB.Conn(), catalog)
	transport := syncfabric.NewTransport(registry, nil, Version)

	// --- download queue engine ---
	queueStore := queue.NewStore(queueDB.Conn())
	downloader := queue.NewHTTPDownloader(cfg.Server.DownloaderBaseURL, nil)
	progressBridge := syncfabric.NewDownloadProgressBridge(eventLog, registry, queueStore)

	queueCfg := cfg.GetQueueConfig()
	corruptionCfg := cfg.GetCorruptionConfig()
	engine := queue.NewEngine(queueStore, downloader, progressBridge, queue.EngineConfig{
		Workers:            queueCfg.Workers,
		DefaultMaxRetries:  queueCfg.DefaultMaxRetries,
		BandwidthPerMinute: queueCfg.BandwidthPerMinute,
		BandwidthPerHour:   queueCfg.BandwidthPerHour,
		OutputDir:          cfg.Server.OutputDir,
		Corruption: queue.CorruptionConfig{
			WindowSize:            corruptionCfg.WindowSize,
			FailureThreshold:      corruptionCfg.FailureThreshold,
			CooldownBase:          corruptionCfg.CooldownBase,
			CooldownMultiplier:    corruptionCfg.CooldownMultiplier,
			CooldownMax:           corruptionCfg.CooldownMax,
			SuccessesToDeescalate: corruptionCfg.SuccessesToDeescalate,
		},
	})
	engine.Start()
	defer engine.Stop()
	logger.Log.Info().Msg("download queue engine started")

	// --- background job scheduler ---
	schedStore := scheduler.NewStore(schedulerDB.Conn())
	sched := scheduler.NewScheduler(schedStore)
	sched.Register(watchdogJob{engine: engine, catalog: catalog, disk: catalog})
	sched.Register(skeletonPruneJob{skeleton: skeleton, pruneAfter: cfg.Sync.SkeletonPruneAfter})
	sched.Register(eventLogPruneJob{eventLog: eventLog, retentionDays: cfg.Sync.EventRetentionDays})
	sched.Start()
	defer sched.Stop()
	logger.Log.Info().Msg("scheduler started")

	// --- agentic ingestion workflow ---
	llmCfg := cfg.GetLLMConfig()
	credential := llm.NewCredentialSource(llm.CredentialSourceKind(llmCfg.Credential.Kind), llmCfg.Credential.Static, llmCfg.Credential.Command)
	provider := llm.NewAnthropicProvider(llmCfg.BaseURL, llmCfg.Model, credential)
	toolRegistry := ingestion.NewToolRegistry()
	ingestionEngine := ingestion.NewEngine(provider, toolRegistry)
	ingestionStore := ingestion.NewStore(ingestionDB.Conn())
	probe := newFFProbeAudioInspector(os.Getenv("CATALOGD_FFPROBE_PATH"))
	transcoder := newFFmpegTranscoder(os.Getenv("CATALOGD_FFMPEG_PATH"), cfg.Server.OutputDir)
	lifecycle := ingestion.NewLifecycle(ingestionStore, probe, ingestionEngine, transcoder)
	logger.Log.Info().Msg("ingestion workflow wired")

	// --- organic search indexer ---
	organicCfg := cfg.Organic
	organicWorker := organic.NewWorker(organicCfg.QueueCapacity, organicCfg.BatchSize, organicCfg.FlushInterval, catalog, noopIndexer{})
	organicCtx, cancelOrganic := context.WithCancel(context.Background())
	go organicWorker.Run(organicCtx)
	defer cancelOrganic()
	logger.Log.Info().Msg("organic indexer started")

	searchCfg := cfg.Search
	srv := &server{
		transport:     transport,
		eventLog:      eventLog,
		catalogEvents: catalogEvents,
		skeleton:      skeleton,
		engine:        engine,
		scheduler:     sched,
		catalog:       catalog,
		ingestion:     ingestionStore,
		lifecycle:     lifecycle,
		searchCfg: streaming.TargetConfig{
			MinAbsoluteScore: searchCfg.MinAbsoluteScore,
			MinScoreGapRatio: searchCfg.MinScoreGapRatio,
			ExactMatchBoost:  searchCfg.ExactMatchBoost,
			MaxRawScore:      searchCfg.MaxRawScore,
		},
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: srv.routes(),
	}

	go func() {
		logger.Log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("http server shutdown error")
	}
	logger.Log.Info().Msg("catalogd shutdown complete")
}

// mergeMigrations concatenates several subsystems' migration series into
// one dense, renumbered series for a single shared database file — each
// subsystem numbers its own migrations starting at 1, but a database's
// user_version is one counter, so the combined series has to be
// renumbered in concatenation order rather than merged by Version.
func mergeMigrations(sets ...[]storerail.Migration) []storerail.Migration {
	var out []storerail.Migration
	for _, s := range sets {
		out = append(out, s...)
	}
	for i := range out {
		out[i].Version = i + 1
	}
	return out
}

// noopIndexer is the default organic-search sink until a real external
// search index (Meilisearch, Typesense, etc.) is wired behind it.
type noopIndexer struct{}

func (noopIndexer) IndexBatch(items []organic.Touch) error { return nil }
