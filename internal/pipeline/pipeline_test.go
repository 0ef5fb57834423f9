package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Falak-Parmar/Book-Finder/internal/books"
	"github.com/Falak-Parmar/Book-Finder/internal/catalog"
	"github.com/Falak-Parmar/Book-Finder/internal/identity"
	"github.com/Falak-Parmar/Book-Finder/internal/ledger"
	"github.com/Falak-Parmar/Book-Finder/internal/merge"
	"github.com/Falak-Parmar/Book-Finder/internal/scheduler"
	apperrors "github.com/Falak-Parmar/Book-Finder/pkg/errors"
	"github.com/Falak-Parmar/Book-Finder/pkg/kafka"
	"github.com/Falak-Parmar/Book-Finder/pkg/resilience"
)

// memorySink collects upserts in memory.
type memorySink struct {
	mu      sync.Mutex
	records map[string]catalog.CanonicalRecord
	sources map[string][]string
}

func newMemorySink() *memorySink {
	return &memorySink{
		records: make(map[string]catalog.CanonicalRecord),
		sources: make(map[string][]string),
	}
}

func (s *memorySink) Upsert(ctx context.Context, key identity.Key, rec catalog.CanonicalRecord, sourceIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key.String()] = rec
	s.sources[key.String()] = sourceIDs
	return nil
}

// memoryPublisher collects published events.
type memoryPublisher struct {
	mu     sync.Mutex
	events []kafka.Event
}

func (p *memoryPublisher) Publish(ctx context.Context, event kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *memoryPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func testPolicy() resilience.Policy {
	return resilience.Policy{
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  2,
	}
}

func newTestPipeline(t *testing.T, lookup scheduler.LookupFunc, opts ...Option) (*Pipeline, *ledger.Ledger) {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "progress.ledger"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { led.Close() })
	sched := scheduler.New(lookup, led, testPolicy(), 2, scheduler.WithSleep(noSleep))
	return New(sched, merge.NewEngine(0), led, opts...), led
}

func TestRunMergesSharedIdentityIntoOneCanonicalRecord(t *testing.T) {
	// Two shelf copies of the same book resolve to the same ISBN.
	lookup := func(ctx context.Context, query string) ([]books.Match, error) {
		return []books.Match{{
			ExternalID: "volCPP",
			Title:      "C++ Primer",
			Authors:    []string{"Stanley B. Lippman"},
			ISBN13:     "9780321714114",
		}}, nil
	}
	sink := newMemorySink()
	enriched := &memoryPublisher{}
	completed := &memoryPublisher{}
	pipe, led := newTestPipeline(t, lookup,
		WithSink(sink), WithEvents(enriched, completed))

	summary, err := pipe.Run(context.Background(), []catalog.SourceRecord{
		{SourceID: "A1", Title: "C++ Primer", Author: "Lippman"},
		{SourceID: "B2", Title: "C++ Primer 5th ed", Author: "Lippman"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Fetched != 2 || summary.Buckets != 1 || summary.Upserted != 1 {
		t.Errorf("summary = %+v, want 2 fetched, 1 bucket, 1 upsert", summary)
	}
	key := identity.Key{Kind: identity.KindISBN13, Value: "9780321714114"}
	rec, ok := sink.records[key.String()]
	if !ok {
		t.Fatalf("no canonical record under %v; stored: %v", key, sink.records)
	}
	if rec.Title != "C++ Primer" {
		t.Errorf("Title = %q", rec.Title)
	}
	if got := sink.sources[key.String()]; len(got) != 2 {
		t.Errorf("source ids = %v, want both contributors", got)
	}
	// Both source records keep their own ledger entries.
	for _, id := range []string{"A1", "B2"} {
		if got, _ := led.StatusOf(id); got != ledger.StatusSuccess {
			t.Errorf("ledger status for %s = %s", id, got)
		}
	}
	if enriched.count() != 1 {
		t.Errorf("published %d record-enriched events, want 1", enriched.count())
	}
	if completed.count() != 1 {
		t.Errorf("published %d run-completed events, want 1", completed.count())
	}
}

func TestRunDistinctBooksStayDistinct(t *testing.T) {
	lookup := func(ctx context.Context, query string) ([]books.Match, error) {
		// Answer every query with a book named after it, no identifiers.
		return []books.Match{{Title: query}}, nil
	}
	sink := newMemorySink()
	pipe, _ := newTestPipeline(t, lookup, WithSink(sink))

	summary, err := pipe.Run(context.Background(), []catalog.SourceRecord{
		{SourceID: "A1", Title: "First Book"},
		{SourceID: "A2", Title: "Second Book"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Buckets != 2 || summary.Upserted != 2 {
		t.Errorf("summary = %+v, want 2 buckets and 2 upserts", summary)
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	lookup := func(ctx context.Context, query string) ([]books.Match, error) {
		<-release
		return nil, apperrors.New(apperrors.ErrNotFound, query, "")
	}
	pipe, _ := newTestPipeline(t, lookup)

	records := []catalog.SourceRecord{{SourceID: "A1", Title: "Slow Book"}}
	done := make(chan error, 1)
	go func() {
		_, err := pipe.Run(context.Background(), records)
		done <- err
	}()

	// Wait until the first run holds the token.
	deadline := time.After(2 * time.Second)
	for !pipe.running.Load() {
		select {
		case <-deadline:
			t.Fatal("first run never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if _, err := pipe.Run(context.Background(), records); !errors.Is(err, apperrors.ErrRunInProgress) {
		t.Errorf("second run error = %v, want %v", err, apperrors.ErrRunInProgress)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first run error: %v", err)
	}
}

func TestRunSinkFailureDoesNotAbort(t *testing.T) {
	lookup := func(ctx context.Context, query string) ([]books.Match, error) {
		return []books.Match{{Title: "Some Book", ISBN13: "9780000000001"}}, nil
	}
	failing := sinkFunc(func(ctx context.Context, key identity.Key, rec catalog.CanonicalRecord, sourceIDs []string) error {
		return errors.New("connection refused")
	})
	pipe, led := newTestPipeline(t, lookup, WithSink(failing))

	summary, err := pipe.Run(context.Background(), []catalog.SourceRecord{
		{SourceID: "A1", Title: "Some Book"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.UpsertErrors != 1 || summary.Upserted != 0 {
		t.Errorf("summary = %+v, want 1 upsert error", summary)
	}
	// The fetch outcome stays durable regardless of the sink.
	if got, _ := led.StatusOf("A1"); got != ledger.StatusSuccess {
		t.Errorf("ledger status = %s, want success", got)
	}
}

type sinkFunc func(ctx context.Context, key identity.Key, rec catalog.CanonicalRecord, sourceIDs []string) error

func (f sinkFunc) Upsert(ctx context.Context, key identity.Key, rec catalog.CanonicalRecord, sourceIDs []string) error {
	return f(ctx, key, rec, sourceIDs)
}
