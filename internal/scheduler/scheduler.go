// Package scheduler implements the rate-limited, crash-resumable fetch
// engine. A weighted semaphore bounds the number of lookups in flight; each
// admitted task walks the query fallback levels for one source record,
// applies the backoff policy on throttling signals, and writes exactly one
// terminal ledger entry. Records with an existing ledger entry are filtered
// out before admission, which also guarantees at most one in-flight task per
// source id.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Falak-Parmar/Book-Finder/internal/books"
	"github.com/Falak-Parmar/Book-Finder/internal/catalog"
	"github.com/Falak-Parmar/Book-Finder/internal/ledger"
	"github.com/Falak-Parmar/Book-Finder/internal/normalize"
	apperrors "github.com/Falak-Parmar/Book-Finder/pkg/errors"
	"github.com/Falak-Parmar/Book-Finder/pkg/metrics"
	"github.com/Falak-Parmar/Book-Finder/pkg/resilience"
	"golang.org/x/sync/semaphore"
)

// LookupFunc issues one search against the external API.
type LookupFunc func(ctx context.Context, query string) ([]books.Match, error)

// VolumeFunc fetches one volume by external id, used to backfill identifiers.
type VolumeFunc func(ctx context.Context, id string) (books.Match, error)

// SleepFunc waits out a delay, honouring cancellation. Injectable so tests
// run against a virtual clock.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Scheduler drives the bounded-concurrency fetch loop.
type Scheduler struct {
	lookup      LookupFunc
	volume      VolumeFunc
	ledger      *ledger.Ledger
	policy      resilience.Policy
	concurrency int64
	metrics     *metrics.Metrics
	logger      *slog.Logger
	sleep       SleepFunc
}

// Stats counts per-outcome totals for one run.
type Stats struct {
	Skipped   int
	Succeeded int
	NotFound  int
	Errored   int
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithVolumeLookup enables identifier backfill for matches that arrive
// without an ISBN.
func WithVolumeLookup(fn VolumeFunc) Option {
	return func(s *Scheduler) { s.volume = fn }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSleep replaces the real clock, for tests.
func WithSleep(fn SleepFunc) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

// New creates a Scheduler. lookup and led are required.
func New(lookup LookupFunc, led *ledger.Ledger, policy resilience.Policy, concurrency int, opts ...Option) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	s := &Scheduler{
		lookup:      lookup,
		ledger:      led,
		policy:      policy,
		concurrency: int64(concurrency),
		logger:      slog.Default().With("component", "scheduler"),
		sleep:       resilience.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run schedules lookups for every record without a terminal ledger entry and
// streams candidates as they succeed. The returned error channel delivers at
// most one fatal error (a ledger write failure) after the candidate channel
// closes; per-record failures are absorbed into ledger statuses.
func (s *Scheduler) Run(ctx context.Context, records []catalog.SourceRecord) (<-chan catalog.CandidateRecord, <-chan error) {
	out := make(chan catalog.CandidateRecord)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var fatal struct {
			once sync.Once
			err  error
		}
		setFatal := func(err error) {
			fatal.once.Do(func() {
				fatal.err = err
				cancel()
			})
		}

		sem := semaphore.NewWeighted(s.concurrency)
		var wg sync.WaitGroup
		var stats Stats
		var statsMu sync.Mutex
		bump := func(f func(*Stats)) {
			statsMu.Lock()
			f(&stats)
			statsMu.Unlock()
		}

		admitted := 0
		for _, rec := range records {
			if s.ledger.IsProcessed(rec.SourceID) {
				bump(func(st *Stats) { st.Skipped++ })
				continue
			}
			// Cancellation stops admission immediately; in-flight tasks
			// finish their current attempt.
			if err := sem.Acquire(runCtx, 1); err != nil {
				break
			}
			admitted++
			wg.Add(1)
			go func(rec catalog.SourceRecord) {
				defer wg.Done()
				defer sem.Release(1)
				if s.metrics != nil {
					s.metrics.LookupsInFlight.Inc()
					defer s.metrics.LookupsInFlight.Dec()
				}
				s.process(runCtx, rec, out, setFatal, bump)
			}(rec)
		}
		wg.Wait()

		s.logger.Info("scheduler run finished",
			"admitted", admitted,
			"skipped", stats.Skipped,
			"succeeded", stats.Succeeded,
			"not_found", stats.NotFound,
			"errored", stats.Errored,
		)
		if fatal.err != nil {
			errc <- fatal.err
		}
	}()

	return out, errc
}

// process walks the fallback levels for one record and writes its single
// terminal ledger entry. The ledger append happens before the candidate is
// emitted downstream; if the run is cancelled between the two, the ledger
// entry stays authoritative and the lost candidate surfaces as a permanent
// not-found requiring explicit re-ingestion.
func (s *Scheduler) process(
	ctx context.Context,
	rec catalog.SourceRecord,
	out chan<- catalog.CandidateRecord,
	setFatal func(error),
	bump func(func(*Stats)),
) {
	record := func(status ledger.Status) bool {
		if err := s.ledger.Record(rec.SourceID, status); err != nil {
			s.logger.Error("ledger append failed, aborting run",
				"source_id", rec.SourceID,
				"error", err,
			)
			setFatal(err)
			return false
		}
		if s.metrics != nil {
			s.metrics.LedgerAppendsTotal.WithLabelValues(string(status)).Inc()
		}
		return true
	}

	for level := 0; level <= normalize.MaxLevel; level++ {
		query, ok := normalize.BuildQuery(rec, level)
		if !ok {
			continue
		}
		if s.metrics != nil {
			s.metrics.FallbackLevelTotal.WithLabelValues(strconv.Itoa(level)).Inc()
		}

		matches, err := s.lookupWithRetry(ctx, rec.SourceID, query)
		switch {
		case err == nil:
			cand := s.candidateFrom(ctx, rec, matches[0], level)
			if !record(ledger.StatusSuccess) {
				return
			}
			bump(func(st *Stats) { st.Succeeded++ })
			select {
			case out <- cand:
			case <-ctx.Done():
			}
			return

		case errors.Is(err, apperrors.ErrNotFound):
			continue

		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// Run cancelled mid-record: leave it unrecorded so a restart
			// picks it up again.
			return

		default:
			s.logger.Warn("record failed",
				"source_id", rec.SourceID,
				"level", level,
				"error", err,
			)
			if record(ledger.StatusError) {
				bump(func(st *Stats) { st.Errored++ })
			}
			return
		}
	}

	if record(ledger.StatusNotFound) {
		bump(func(st *Stats) { st.NotFound++ })
	}
}
