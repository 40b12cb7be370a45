package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jordanhubbard/mend/internal/api"
	"github.com/jordanhubbard/mend/internal/cache"
	"github.com/jordanhubbard/mend/internal/eventbus"
	"github.com/jordanhubbard/mend/internal/executor"
	"github.com/jordanhubbard/mend/internal/gateway"
	"github.com/jordanhubbard/mend/internal/matcher"
	"github.com/jordanhubbard/mend/internal/messagebus"
	"github.com/jordanhubbard/mend/internal/metrics"
	"github.com/jordanhubbard/mend/internal/pipeline"
	"github.com/jordanhubbard/mend/internal/resolver"
	"github.com/jordanhubbard/mend/internal/skillstore"
	"github.com/jordanhubbard/mend/internal/telemetry"
	"github.com/jordanhubbard/mend/pkg/config"
	"github.com/jordanhubbard/mend/pkg/models"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	pipelinePath := flag.String("pipeline", "", "Pipeline YAML to run after startup")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mend v%s\n", version)
		return
	}

	cfg, err := config.LoadConfigFromFile(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config %s not found, using defaults", *configPath)
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("failed to load config from %s: %v", *configPath, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry
	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(runCtx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			log.Printf("Warning: Failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	// Skill store
	dsn := cfg.Store.Path
	if cfg.Store.Backend == "postgres" {
		dsn = cfg.Store.DSN
	}
	store, err := skillstore.Open(cfg.Store.Backend, dsn)
	if err != nil {
		log.Fatalf("failed to open skill store: %v", err)
	}
	defer store.Close()

	if cfg.Store.SeedFile != "" {
		added, err := store.Seed(cfg.Store.SeedFile)
		if err != nil {
			log.Printf("Warning: seed load failed: %v", err)
		} else if added > 0 {
			log.Printf("Seeded %d skills from %s", added, cfg.Store.SeedFile)
		}
		if cfg.Store.WatchSeed {
			go func() {
				if err := store.WatchSeed(runCtx, cfg.Store.SeedFile); err != nil {
					log.Printf("Seed watcher stopped: %v", err)
				}
			}()
		}
	}

	// Event bus
	bus, err := eventbus.New(cfg.Events.LogPath, cfg.Events.BufferSize)
	if err != nil {
		log.Fatalf("failed to open event bus: %v", err)
	}
	defer bus.Close()

	// Match cache
	var matchCache *cache.Cache
	if cfg.Cache.Enabled {
		var backend cache.Backend
		switch cfg.Cache.Backend {
		case "redis":
			backend, err = cache.NewRedisBackend(cfg.Cache.RedisURL)
			if err != nil {
				log.Printf("Warning: redis cache unavailable, falling back to memory: %v", err)
				backend = cache.NewMemoryBackend(cfg.Cache.MaxSize)
			}
		default:
			backend = cache.NewMemoryBackend(cfg.Cache.MaxSize)
		}
		matchCache = cache.New(backend, cfg.Cache.DefaultTTL)
	}

	m := metrics.New()
	match := matcher.New(store, matchCache)
	res := resolver.New(cfg.Executor.ResolverTimeout, cfg.Executor.WorkingDir)
	candidates := executor.NewCandidateLog(cfg.Executor.CandidateLogPath)
	engine := executor.New(store, match, res, bus, candidates, m)

	// NATS bridge
	if cfg.NATS.Enabled {
		bridge, err := messagebus.NewBridge(messagebus.Config{
			URL:        cfg.NATS.URL,
			StreamName: cfg.NATS.Stream,
			Timeout:    cfg.NATS.Timeout,
		}, bus)
		if err != nil {
			log.Printf("Warning: NATS bridge unavailable: %v", err)
		} else {
			defer bridge.Close()
		}
	}

	// HTTP API
	gw := gateway.New(bus, store, cfg.Events.TailDefault)
	server := api.NewServer(store, bus, candidates, matchCache, gw, m, cfg)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      server.SetupRoutes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		// No WriteTimeout: SSE and WebSocket connections are long-lived.
	}

	go func() {
		log.Printf("mend v%s listening on :%d", version, cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	if *pipelinePath != "" {
		go runPipeline(runCtx, *pipelinePath, cfg, engine, bus, m)
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down", sig)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
}

// runPipeline loads and runs a pipeline definition through the engine.
// The run is observable over the API while it executes.
func runPipeline(ctx context.Context, path string, cfg *config.Config,
	engine *executor.Executor, bus *eventbus.EventBus, m *metrics.Metrics) {
	def, err := pipeline.LoadDefinition(path)
	if err != nil {
		log.Printf("Failed to load pipeline %s: %v", path, err)
		return
	}

	runner := pipeline.NewRunner(engine, bus, m)
	runner.HaltOnFailure = def.HaltOnFailure

	policy := models.RetryPolicy{
		MaxAttempts: cfg.Executor.MaxAttempts,
		RetryDelay:  cfg.Executor.RetryDelay,
	}
	summary := runner.Run(ctx, def.Build(ctx, policy))
	log.Printf("Pipeline %s finished: %s (%d corrections)", def.Name, summary.Status, summary.TotalCorrectionsApplied)
}
