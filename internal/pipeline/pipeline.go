// Package pipeline wires the enrichment stages end to end: schedule lookups
// for unprocessed catalog records, group the resulting candidates by identity,
// merge each group into a canonical record, persist it, and publish events for
// downstream consumers. Exactly one run may be active per process.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Falak-Parmar/Book-Finder/internal/catalog"
	"github.com/Falak-Parmar/Book-Finder/internal/identity"
	"github.com/Falak-Parmar/Book-Finder/internal/ledger"
	"github.com/Falak-Parmar/Book-Finder/internal/lookupcache"
	"github.com/Falak-Parmar/Book-Finder/internal/merge"
	"github.com/Falak-Parmar/Book-Finder/internal/scheduler"
	apperrors "github.com/Falak-Parmar/Book-Finder/pkg/errors"
	"github.com/Falak-Parmar/Book-Finder/pkg/kafka"
	"github.com/Falak-Parmar/Book-Finder/pkg/metrics"
	"github.com/Falak-Parmar/Book-Finder/pkg/resilience"
	"github.com/Falak-Parmar/Book-Finder/pkg/tracing"
)

// Sink persists canonical records. Satisfied by the PostgreSQL store.
type Sink interface {
	Upsert(ctx context.Context, key identity.Key, rec catalog.CanonicalRecord, sourceIDs []string) error
}

// Publisher emits pipeline events. Satisfied by the Kafka producer.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Summary reports what one run accomplished.
type Summary struct {
	Records      int
	Fetched      int
	Buckets      int
	Upserted     int
	UpsertErrors int
	CacheHits    int64
	CacheMisses  int64
	Ledger       map[ledger.Status]int
	Duration     time.Duration
}

// Pipeline orchestrates one enrichment run at a time.
type Pipeline struct {
	scheduler    *scheduler.Scheduler
	merger       *merge.Engine
	ledger       *ledger.Ledger
	sink         Sink
	cache        *lookupcache.Cache
	enriched     Publisher
	completed    Publisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	storeTimeout time.Duration
	running      atomic.Bool
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithSink attaches a canonical-record store.
func WithSink(s Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithCache attaches the lookup cache for end-of-run statistics. The cache
// itself is wired into the scheduler's lookup function by the caller.
func WithCache(c *lookupcache.Cache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithEvents attaches the per-record and per-run event publishers. Either may
// be nil.
func WithEvents(enriched, completed Publisher) Option {
	return func(p *Pipeline) {
		p.enriched = enriched
		p.completed = completed
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithStoreTimeout bounds each canonical-record upsert.
func WithStoreTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.storeTimeout = d }
}

// New creates a Pipeline around a configured scheduler and merge engine.
func New(sched *scheduler.Scheduler, merger *merge.Engine, led *ledger.Ledger, opts ...Option) *Pipeline {
	p := &Pipeline{
		scheduler:    sched,
		merger:       merger,
		ledger:       led,
		logger:       slog.Default().With("component", "pipeline"),
		storeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one full enrichment pass over records. A second concurrent call
// fails immediately with ErrRunInProgress. A ledger write failure aborts the
// run after in-flight lookups drain; store and event failures are logged and
// counted but never abort.
func (p *Pipeline) Run(ctx context.Context, records []catalog.SourceRecord) (Summary, error) {
	if !p.running.CompareAndSwap(false, true) {
		return Summary{}, apperrors.ErrRunInProgress
	}
	defer p.running.Store(false)

	start := time.Now()
	summary := Summary{Records: len(records)}
	p.logger.Info("run started", "records", len(records))
	ctx, runSpan := tracing.StartRun(ctx, "enrichment-run")
	runSpan.SetAttr("records", len(records))

	fetchCtx, fetchSpan := tracing.StartStage(ctx, "fetch")
	out, errc := p.scheduler.Run(fetchCtx, records)
	var candidates []catalog.CandidateRecord
	for cand := range out {
		candidates = append(candidates, cand)
	}
	summary.Fetched = len(candidates)
	fetchSpan.SetAttr("fetched", len(candidates))
	fetchSpan.End()
	if fatal := <-errc; fatal != nil {
		summary.Duration = time.Since(start)
		return summary, fmt.Errorf("scheduler run aborted: %w", fatal)
	}

	mergeCtx, mergeSpan := tracing.StartStage(ctx, "merge-store")
	buckets := identity.Bucket(candidates)
	summary.Buckets = len(buckets)
	p.mergeAndStore(mergeCtx, buckets, &summary)
	mergeSpan.SetAttr("buckets", len(buckets))
	mergeSpan.SetAttr("upserted", summary.Upserted)
	mergeSpan.End()

	summary.CacheHits, summary.CacheMisses = p.cache.Stats()
	summary.Ledger = p.ledger.Counts()
	summary.Duration = time.Since(start)
	p.syncCacheMetrics(summary)
	p.publishRunCompleted(ctx, summary)
	runSpan.End()
	runSpan.Log()

	p.logger.Info("run finished",
		"records", summary.Records,
		"fetched", summary.Fetched,
		"buckets", summary.Buckets,
		"upserted", summary.Upserted,
		"upsert_errors", summary.UpsertErrors,
		"duration", summary.Duration,
	)
	return summary, nil
}

// mergeAndStore walks the identity buckets in deterministic key order, merges
// each into a canonical record, and hands it to the sink and event stream.
func (p *Pipeline) mergeAndStore(ctx context.Context, buckets map[identity.Key][]catalog.CandidateRecord, summary *Summary) {
	keys := make([]identity.Key, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, key := range keys {
		bucket := buckets[key]
		if p.metrics != nil {
			p.metrics.MergeBucketSize.Observe(float64(len(bucket)))
		}
		canonical := p.merger.Merge(key, bucket)
		if p.metrics != nil {
			p.metrics.CanonicalRecords.Inc()
		}
		sourceIDs := make([]string, len(bucket))
		for i, c := range bucket {
			sourceIDs[i] = c.SourceID
		}
		sort.Strings(sourceIDs)

		if p.sink != nil {
			err := resilience.WithTimeout(ctx, p.storeTimeout, "store upsert", func(ctx context.Context) error {
				return p.sink.Upsert(ctx, key, canonical, sourceIDs)
			})
			if err != nil {
				summary.UpsertErrors++
				if p.metrics != nil {
					p.metrics.UpsertsTotal.WithLabelValues("error").Inc()
				}
				p.logger.Error("canonical upsert failed",
					"identity_key", key.String(),
					"error", err,
				)
				continue
			}
			summary.Upserted++
			if p.metrics != nil {
				p.metrics.UpsertsTotal.WithLabelValues("ok").Inc()
			}
		}
		p.publishEnriched(ctx, key, canonical, sourceIDs)
	}
}

type recordEnrichedEvent struct {
	IdentityKey string                  `json:"identity_key"`
	Kind        string                  `json:"kind"`
	Record      catalog.CanonicalRecord `json:"record"`
	SourceIDs   []string                `json:"source_ids"`
	Timestamp   time.Time               `json:"ts"`
}

type runCompletedEvent struct {
	Records      int       `json:"records"`
	Fetched      int       `json:"fetched"`
	Buckets      int       `json:"buckets"`
	Upserted     int       `json:"upserted"`
	UpsertErrors int       `json:"upsert_errors"`
	DurationMS   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"ts"`
}

func (p *Pipeline) publishEnriched(ctx context.Context, key identity.Key, rec catalog.CanonicalRecord, sourceIDs []string) {
	if p.enriched == nil {
		return
	}
	event := kafka.Event{
		Key: key.String(),
		Value: recordEnrichedEvent{
			IdentityKey: key.String(),
			Kind:        string(key.Kind),
			Record:      rec,
			SourceIDs:   sourceIDs,
			Timestamp:   time.Now().UTC(),
		},
	}
	if err := p.enriched.Publish(ctx, event); err != nil {
		p.logger.Error("record-enriched publish failed",
			"identity_key", key.String(),
			"error", err,
		)
	}
}

func (p *Pipeline) publishRunCompleted(ctx context.Context, summary Summary) {
	if p.completed == nil {
		return
	}
	event := kafka.Event{
		Key: "run",
		Value: runCompletedEvent{
			Records:      summary.Records,
			Fetched:      summary.Fetched,
			Buckets:      summary.Buckets,
			Upserted:     summary.Upserted,
			UpsertErrors: summary.UpsertErrors,
			DurationMS:   summary.Duration.Milliseconds(),
			Timestamp:    time.Now().UTC(),
		},
	}
	if err := p.completed.Publish(ctx, event); err != nil {
		p.logger.Error("run-completed publish failed", "error", err)
	}
}

// syncCacheMetrics folds the cache's internal counters into the Prometheus
// collectors once per run.
func (p *Pipeline) syncCacheMetrics(summary Summary) {
	if p.metrics == nil || p.cache == nil {
		return
	}
	p.metrics.CacheHitsTotal.Add(float64(summary.CacheHits))
	p.metrics.CacheMissesTotal.Add(float64(summary.CacheMisses))
}
