// Command enricher runs one enrichment pass over the accession-register
// catalog.
//
// It loads the source records, schedules rate-limited lookups against the
// volumes API for every record without a ledger entry, merges the matches
// into canonical records, and upserts them into PostgreSQL. Progress is
// journalled to an append-only ledger so an interrupted run resumes where it
// stopped. Redis caching and Kafka event publication are enabled when
// configured.
//
// Usage:
//
//	go run ./cmd/enricher [-config configs/development.yaml] [-input file.csv] [-limit n]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Falak-Parmar/Book-Finder/internal/books"
	"github.com/Falak-Parmar/Book-Finder/internal/catalog"
	"github.com/Falak-Parmar/Book-Finder/internal/ledger"
	"github.com/Falak-Parmar/Book-Finder/internal/lookupcache"
	"github.com/Falak-Parmar/Book-Finder/internal/merge"
	"github.com/Falak-Parmar/Book-Finder/internal/pipeline"
	"github.com/Falak-Parmar/Book-Finder/internal/scheduler"
	"github.com/Falak-Parmar/Book-Finder/internal/store"
	"github.com/Falak-Parmar/Book-Finder/pkg/config"
	"github.com/Falak-Parmar/Book-Finder/pkg/health"
	"github.com/Falak-Parmar/Book-Finder/pkg/kafka"
	"github.com/Falak-Parmar/Book-Finder/pkg/logger"
	"github.com/Falak-Parmar/Book-Finder/pkg/metrics"
	"github.com/Falak-Parmar/Book-Finder/pkg/postgres"
	pkgredis "github.com/Falak-Parmar/Book-Finder/pkg/redis"
	"github.com/Falak-Parmar/Book-Finder/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	inputPath := flag.String("input", "", "catalog CSV path (overrides config)")
	limit := flag.Int("limit", 0, "process at most n records (0 = all)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *inputPath != "" {
		cfg.Catalog.InputPath = *inputPath
	}
	if *limit > 0 {
		cfg.Catalog.Limit = *limit
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runID := fmt.Sprintf("run-%d", time.Now().Unix())
	ctx = logger.WithRunID(ctx, runID)
	log := logger.FromContext(ctx)
	log.Info("starting enricher", "input", cfg.Catalog.InputPath)

	records, err := catalog.LoadFile(cfg.Catalog.InputPath, cfg.Catalog.Limit)
	if err != nil {
		log.Error("failed to load catalog", "error", err)
		os.Exit(1)
	}

	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		log.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}
	defer led.Close()

	checker := health.NewChecker()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdown := metrics.StartServer(cfg.Metrics.Port, map[string]http.Handler{
			"/health/live":  checker.LiveHandler(),
			"/health/ready": checker.ReadyHandler(),
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}()
	}

	client := books.NewClient(cfg.BooksAPI, books.WithMetrics(m))

	// Redis-backed lookup cache is optional; without it every query goes
	// straight to the API.
	var cache *lookupcache.Cache
	if cfg.Redis.Addr != "" {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			log.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		cache = lookupcache.New(redisClient, cfg.Redis.CacheTTL)
		checker.Register("redis", pingCheck(redisClient.Ping))
		log.Info("lookup cache enabled", "addr", cfg.Redis.Addr)
	}
	lookup := func(ctx context.Context, query string) ([]books.Match, error) {
		return cache.GetOrLookup(ctx, query, client.Search)
	}

	// PostgreSQL sink is optional; without it canonical records only reach the
	// event stream and logs.
	var sink pipeline.Sink
	if cfg.Postgres.Host != "" {
		pgClient, err := postgres.New(cfg.Postgres)
		if err != nil {
			log.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pgClient.Close()
		st := store.New(pgClient)
		if err := st.EnsureSchema(ctx); err != nil {
			log.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}
		sink = st
		checker.Register("postgres", pingCheck(pgClient.Ping))
	}

	var enriched, completed pipeline.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		enrichedProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.RecordEnriched)
		completedProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.RunCompleted)
		defer enrichedProducer.Close()
		defer completedProducer.Close()
		enriched, completed = enrichedProducer, completedProducer
		checker.Register("kafka", func(ctx context.Context) health.ComponentHealth {
			return health.ComponentHealth{Status: health.StatusUp, Message: "producers configured"}
		})
		log.Info("event publication enabled", "brokers", cfg.Kafka.Brokers)
	}

	policy := resilience.Policy{
		InitialDelay: cfg.Scheduler.InitialDelay,
		MaxDelay:     cfg.Scheduler.MaxDelay,
		Multiplier:   cfg.Scheduler.Multiplier,
		JitterMax:    cfg.Scheduler.JitterMax,
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
	}
	sched := scheduler.New(lookup, led, policy, cfg.Scheduler.Concurrency,
		scheduler.WithVolumeLookup(client.Volume),
		scheduler.WithMetrics(m),
	)
	pipe := pipeline.New(sched, merge.NewEngine(cfg.Merge.MaxCategories), led,
		pipeline.WithSink(sink),
		pipeline.WithCache(cache),
		pipeline.WithEvents(enriched, completed),
		pipeline.WithMetrics(m),
	)

	summary, err := pipe.Run(ctx, records)
	if err != nil {
		log.Error("run failed",
			"fetched", summary.Fetched,
			"error", err,
		)
		os.Exit(1)
	}

	log.Info("enrichment complete",
		"records", summary.Records,
		"fetched", summary.Fetched,
		"buckets", summary.Buckets,
		"upserted", summary.Upserted,
		"upsert_errors", summary.UpsertErrors,
		"cache_hits", summary.CacheHits,
		"cache_misses", summary.CacheMisses,
		"ledger_success", summary.Ledger[ledger.StatusSuccess],
		"ledger_not_found", summary.Ledger[ledger.StatusNotFound],
		"ledger_error", summary.Ledger[ledger.StatusError],
		"duration", summary.Duration,
	)
}

// pingCheck adapts a Ping method into a health check.
func pingCheck(ping func(ctx context.Context) error) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		if err := ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	}
}
