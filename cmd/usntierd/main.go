// Command usntierd runs the USN tiered activity ingestion daemon: it polls
// the USN Change Journal on each configured volume, scores and records
// activity in the hot tier, and periodically transitions aged records
// into the aggregated warm tier.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"usntiered/internal/config"
	"usntiered/internal/cursor"
	"usntiered/internal/entity"
	"usntiered/internal/hottier"
	"usntiered/internal/journal"
	"usntiered/internal/logger"
	"usntiered/internal/scoring"
	"usntiered/internal/store/sqlitestore"
	"usntiered/internal/transition"
	"usntiered/internal/volume"
	"usntiered/internal/warmtier"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0-dev"

var (
	configPath  string
	showVersion bool
	showHelp    bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "path to a YAML configuration file (optional)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.BoolVar(&showHelp, "help", false, "print usage and exit")
}

func main() {
	flag.Parse()

	if showVersion {
		fmt.Printf("usntierd v%s\n", Version)
		os.Exit(0)
	}
	if showHelp {
		fmt.Println("Usage: usntierd [options]")
		fmt.Println("\nOptions:")
		flag.PrintDefaults()
		fmt.Println("\nAll options can also be set via USNTIER_* environment variables.")
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Configure()
	logger.InitLogBridge()
	if err := logger.SetLogLevel(cfg.LogLevel); err != nil {
		logger.Fatal("invalid log level %q: %v", cfg.LogLevel, err)
	}

	if len(cfg.Volumes) == 0 {
		logger.Fatal("no volumes configured; set USNTIER_VOLUMES or volumes: in the config file")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SqliteStorePath()), 0o755); err != nil {
		logger.Fatal("creating data directory: %v", err)
	}
	if cfg.SnapshotsEnabled {
		if err := os.MkdirAll(cfg.SnapshotsDir(), 0o755); err != nil {
			logger.Fatal("creating snapshots directory: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := sqlitestore.Open(sqlitestore.Config{Path: cfg.SqliteStorePath(), SweepInterval: time.Minute})
	if err != nil {
		logger.Fatal("opening document store: %v", err)
	}
	defer st.Close()

	cur, err := cursor.Open(cfg.CursorPath())
	if err != nil {
		logger.Fatal("opening cursor store: %v", err)
	}

	resolver, err := entity.NewResolver(ctx, st)
	if err != nil {
		logger.Fatal("creating entity resolver: %v", err)
	}

	// The hot and warm tiers use independently constructed scorers since
	// §4.7 allows the warm scorer's weights to diverge from the hot
	// scorer's; both start from the same defaults until tuned.
	hotScorer := scoring.New(scoring.DefaultWeights())
	warmScorer := scoring.New(scoring.DefaultWeights())

	hot, err := hottier.NewRecorder(ctx, st, resolver, hotScorer, cfg.HotTTL)
	if err != nil {
		logger.Fatal("creating hot tier recorder: %v", err)
	}
	warm, err := warmtier.NewRecorder(ctx, st)
	if err != nil {
		logger.Fatal("creating warm tier recorder: %v", err)
	}

	transitionCfg := transition.Config{
		AgeThreshold:        cfg.AgeThreshold,
		AggregationWindow:   cfg.AggregationWindow,
		WarmTTL:             cfg.WarmTTL,
		BatchSize:           cfg.TransitionBatchSize,
		MaxBatches:          cfg.TransitionMaxBatches,
		PauseBetweenBatches: cfg.TransitionPause,
		Interval:            cfg.TransitionInterval,
	}
	if cfg.SnapshotsEnabled {
		transitionCfg.SnapshotDir = cfg.SnapshotsDir()
	}
	mgr, err := transition.NewManager(hot, warm, resolver, warmScorer, st, cfg.HotTTL, transitionCfg)
	if err != nil {
		logger.Fatal("creating transition manager: %v", err)
	}

	readerCfg := journal.ReaderConfig{
		ReadBufferSize:         cfg.ReadBufferSize,
		CursorPersistInterval:  cfg.CursorPersistInterval,
		MonitorInterval:        cfg.MonitorInterval,
		JournalMaxSize:         cfg.JournalMaxSize,
		JournalAllocationDelta: cfg.JournalAllocationDelta,
	}
	journalMgr := journal.NewManager()
	for _, name := range cfg.Volumes {
		handle, err := volume.Open(ctx, name)
		if err != nil {
			logger.Fatal("opening volume %s: %v", name, err)
		}
		journalMgr.AddReader(journal.NewReader(name, handle, cur, hot, readerCfg))
	}
	if err := journalMgr.Start(ctx); err != nil {
		logger.Fatal("starting journal manager: %v", err)
	}

	if err := mgr.Start(ctx); err != nil {
		logger.Fatal("starting transition manager: %v", err)
	}

	var diagServer *http.Server
	if cfg.DiagAddr != "" {
		diagServer = &http.Server{
			Addr:         cfg.DiagAddr,
			Handler:      diagRouter(mgr, hot, warm),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logger.Info("diagnostics endpoint listening on %s", cfg.DiagAddr)
		go func() {
			if err := diagServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("diagnostics server failed: %v", err)
			}
		}()
	}

	logger.Info("usntierd v%s started, monitoring %d volume(s)", Version, len(cfg.Volumes))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal %v, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if diagServer != nil {
		if err := diagServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("diagnostics server shutdown: %v", err)
		}
	}
	if err := mgr.Stop(); err != nil {
		logger.Error("stopping transition manager: %v", err)
	}
	if err := journalMgr.Stop(); err != nil {
		logger.Error("stopping journal manager: %v", err)
	}
	cancel()

	if err := cur.Flush(); err != nil {
		logger.Error("flushing cursor state: %v", err)
	}

	logger.Info("usntierd shutdown complete")
}

// diagRouter builds the read-only diagnostics HTTP surface: health and
// tier/transition statistics as JSON, matching the plain status-endpoint
// style used elsewhere in this codebase's ancestry.
func diagRouter(mgr *transition.Manager, hot *hottier.Recorder, warm *warmtier.Recorder) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ready := mgr.CheckReadiness(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{"ready": ready})
	}).Methods("GET")

	router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		hotStats, err := hot.GetStatistics(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		warmStats, err := warm.GetStatistics(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"hot_tier":   hotStats,
			"warm_tier":  warmStats,
			"transition": mgr.GetStats(ctx),
		})
	}).Methods("GET")

	return router
}
