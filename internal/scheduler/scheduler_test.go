package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Falak-Parmar/Book-Finder/internal/books"
	"github.com/Falak-Parmar/Book-Finder/internal/catalog"
	"github.com/Falak-Parmar/Book-Finder/internal/ledger"
	apperrors "github.com/Falak-Parmar/Book-Finder/pkg/errors"
	"github.com/Falak-Parmar/Book-Finder/pkg/resilience"
)

// fakeAPI scripts per-query responses and records the order of calls.
type fakeAPI struct {
	mu      sync.Mutex
	scripts map[string][]fakeResult
	calls   []string
}

type fakeResult struct {
	matches []books.Match
	err     error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{scripts: make(map[string][]fakeResult)}
}

func (f *fakeAPI) on(query string, results ...fakeResult) {
	f.scripts[query] = results
}

func (f *fakeAPI) lookup(ctx context.Context, query string) ([]books.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, query)
	script, ok := f.scripts[query]
	if !ok || len(script) == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound, query, "")
	}
	next := script[0]
	if len(script) > 1 {
		f.scripts[query] = script[1:]
	}
	return next.matches, next.err
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// sleepRecorder captures every delay the scheduler waits out.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}

func testPolicy() resilience.Policy {
	return resilience.Policy{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		JitterMax:    0, // deterministic delays in tests
		MaxAttempts:  4,
	}
}

func openLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "progress.ledger"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func collect(t *testing.T, out <-chan catalog.CandidateRecord, errc <-chan error) ([]catalog.CandidateRecord, error) {
	t.Helper()
	var candidates []catalog.CandidateRecord
	for cand := range out {
		candidates = append(candidates, cand)
	}
	return candidates, <-errc
}

func match(title string) books.Match {
	return books.Match{ExternalID: "vol-" + title, Title: title, ISBN13: "9780000000001"}
}

func TestRunSuccessRecordsBeforeEmit(t *testing.T) {
	api := newFakeAPI()
	api.on("intitle:clean code+inauthor:martin", fakeResult{matches: []books.Match{match("Clean Code")}})
	led := openLedger(t)
	rec := &sleepRecorder{}
	s := New(api.lookup, led, testPolicy(), 1, WithSleep(rec.sleep))

	out, errc := s.Run(context.Background(), []catalog.SourceRecord{
		{SourceID: "A1", Title: "Clean Code", Author: "Martin"},
	})
	candidates, err := collect(t, out, errc)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(candidates))
	}
	c := candidates[0]
	if c.SourceID != "A1" || !c.Found || c.FallbackLevel != 0 {
		t.Errorf("candidate = %+v", c)
	}
	if got, _ := led.StatusOf("A1"); got != ledger.StatusSuccess {
		t.Errorf("ledger status = %s, want success", got)
	}
}

func TestRunSkipsProcessedRecords(t *testing.T) {
	api := newFakeAPI()
	led := openLedger(t)
	if err := led.Record("A1", ledger.StatusSuccess); err != nil {
		t.Fatal(err)
	}
	if err := led.Record("A2", ledger.StatusNotFound); err != nil {
		t.Fatal(err)
	}
	api.on("intitle:new book", fakeResult{matches: []books.Match{match("New Book")}})
	rec := &sleepRecorder{}
	s := New(api.lookup, led, testPolicy(), 2, WithSleep(rec.sleep))

	out, errc := s.Run(context.Background(), []catalog.SourceRecord{
		{SourceID: "A1", Title: "Already Done"},
		{SourceID: "A2", Title: "Known Missing"},
		{SourceID: "A3", Title: "New Book"},
	})
	candidates, err := collect(t, out, errc)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].SourceID != "A3" {
		t.Errorf("candidates = %+v, want only A3", candidates)
	}
	if api.callCount() != 1 {
		t.Errorf("api called %d times, want 1 (processed records must not be re-fetched)", api.callCount())
	}
}

func TestRunFallbackLevels(t *testing.T) {
	api := newFakeAPI()
	// Level 0 and 1 miss, level 2 hits.
	api.on("intitle:design patterns: elements+inauthor:gamma",
		fakeResult{err: apperrors.New(apperrors.ErrNotFound, "", "")})
	api.on("intitle:design patterns+inauthor:gamma",
		fakeResult{err: apperrors.New(apperrors.ErrNotFound, "", "")})
	api.on("intitle:design patterns: elements",
		fakeResult{matches: []books.Match{match("Design Patterns")}})
	led := openLedger(t)
	rec := &sleepRecorder{}
	s := New(api.lookup, led, testPolicy(), 1, WithSleep(rec.sleep))

	out, errc := s.Run(context.Background(), []catalog.SourceRecord{
		{SourceID: "A1", Title: "Design Patterns: Elements", Author: "Gamma"},
	})
	candidates, err := collect(t, out, errc)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(candidates))
	}
	if candidates[0].FallbackLevel != 2 {
		t.Errorf("FallbackLevel = %d, want 2", candidates[0].FallbackLevel)
	}
	if api.callCount() != 3 {
		t.Errorf("api called %d times, want 3", api.callCount())
	}
}

func TestRunFallbackShortCircuitsOnFirstHit(t *testing.T) {
	api := newFakeAPI()
	api.on("intitle:design patterns: elements+inauthor:gamma",
		fakeResult{matches: []books.Match{match("Design Patterns")}})
	led := openLedger(t)
	rec := &sleepRecorder{}
	s := New(api.lookup, led, testPolicy(), 1, WithSleep(rec.sleep))

	out, errc := s.Run(context.Background(), []catalog.SourceRecord{
		{SourceID: "A1", Title: "Design Patterns: Elements", Author: "Gamma"},
	})
	candidates, err := collect(t, out, errc)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].FallbackLevel != 0 {
		t.Errorf("candidates = %+v", candidates)
	}
	if api.callCount() != 1 {
		t.Errorf("api called %d times, want 1 (no broader query after a hit)", api.callCount())
	}
}

func TestRunExhaustedLevelsRecordsNotFound(t *testing.T) {
	api := newFakeAPI() // every query answers not found
	led := openLedger(t)
	rec := &sleepRecorder{}
	s := New(api.lookup, led, testPolicy(), 1, WithSleep(rec.sleep))

	out, errc := s.Run(context.Background(), []catalog.SourceRecord{
		{SourceID: "A1", Title: "No Such Book", Author: "Nobody"},
	})
	candidates, err := collect(t, out, errc)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("candidates = %+v, want none", candidates)
	}
	if got, _ := led.StatusOf("A1"); got != ledger.StatusNotFound {
		t.Errorf("ledger status = %s, want not_found", got)
	}
}

func TestRunRetriesThrottlingWithMonotoneDelays(t *testing.T) {
	query := "intitle:popular book+inauthor:author"
	api := newFakeAPI()
	api.on(query,
		fakeResult{err: apperrors.New(apperrors.ErrThrottled, query, "")},
		fakeResult{err: apperrors.New(apperrors.ErrThrottled, query, "")},
		fakeResult{err: apperrors.New(apperrors.ErrThrottled, query, "")},
		fakeResult{matches: []books.Match{match("Popular Book")}},
	)
	led := openLedger(t)
	rec := &sleepRecorder{}
	s := New(api.lookup, led, testPolicy(), 1, WithSleep(rec.sleep))

	out, errc := s.Run(context.Background(), []catalog.SourceRecord{
		{SourceID: "A1", Title: "Popular Book", Author: "Author"},
	})
	candidates, err := collect(t, out, errc)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(candidates))
	}
	if api.callCount() != 4 {
		t.Errorf("api called %d times, want 4", api.callCount())
	}

	delays := rec.recorded()
	// Three backoff waits (2s, 4s, 8s) then the politeness pause after the
	// final success.
	if len(delays) < 3 {
		t.Fatalf("recorded %d delays, want at least 3", len(delays))
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if delays[i] != w {
			t.Errorf("delay %d = %v, want %v", i, delays[i], w)
		}
	}
	if got, _ := led.StatusOf("A1"); got != ledger.StatusSuccess {
		t.Errorf("ledger status = %s, want success", got)
	}
}

func TestRunRetryBudgetExhaustedRecordsError(t *testing.T) {
	query := "intitle:flaky book"
	api := newFakeAPI()
	api.on(query, fakeResult{err: apperrors.New(apperrors.ErrThrottled, query, "")})
	led := openLedger(t)
	rec := &sleepRecorder{}
	s := New(api.lookup, led, testPolicy(), 1, WithSleep(rec.sleep)) // MaxAttempts 4

	out, errc := s.Run(context.Background(), []catalog.SourceRecord{
		{SourceID: "A1", Title: "Flaky Book"},
	})
	candidates, err := collect(t, out, errc)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("candidates = %+v, want none", candidates)
	}
	if api.callCount() != 4 {
		t.Errorf("api called %d times, want MaxAttempts (4)", api.callCount())
	}
	if got, _ := led.StatusOf("A1"); got != ledger.StatusError {
		t.Errorf("ledger status = %s, want error", got)
	}
}

func TestRunMalformedResponseNeverRetried(t *testing.T) {
	query := "intitle:cursed book"
	api := newFakeAPI()
	api.on(query, fakeResult{err: apperrors.New(apperrors.ErrMalformedResponse, query, "<html>")})
	led := openLedger(t)
	rec := &sleepRecorder{}
	s := New(api.lookup, led, testPolicy(), 1, WithSleep(rec.sleep))

	out, errc := s.Run(context.Background(), []catalog.SourceRecord{
		{SourceID: "A1", Title: "Cursed Book"},
	})
	if _, err := collect(t, out, errc); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if api.callCount() != 1 {
		t.Errorf("api called %d times, want 1 (malformed is terminal)", api.callCount())
	}
	if got, _ := led.StatusOf("A1"); got != ledger.StatusError {
		t.Errorf("ledger status = %s, want error", got)
	}
}

func TestRunEveryRecordGetsExactlyOneEntry(t *testing.T) {
	api := newFakeAPI()
	api.on("intitle:book one", fakeResult{matches: []books.Match{match("Book One")}})
	api.on("intitle:book three",
		fakeResult{err: apperrors.New(apperrors.ErrMalformedResponse, "", "x")})
	led := openLedger(t)
	rec := &sleepRecorder{}
	s := New(api.lookup, led, testPolicy(), 3, WithSleep(rec.sleep))

	records := []catalog.SourceRecord{
		{SourceID: "A1", Title: "Book One"},
		{SourceID: "A2", Title: "Book Two"}, // not found everywhere
		{SourceID: "A3", Title: "Book Three"},
	}
	out, errc := s.Run(context.Background(), records)
	if _, err := collect(t, out, errc); err != nil {
		t.Fatalf("run error: %v", err)
	}
	for _, r := range records {
		if !led.IsProcessed(r.SourceID) {
			t.Errorf("%s missing its ledger entry", r.SourceID)
		}
	}
	counts := led.Counts()
	if counts[ledger.StatusSuccess] != 1 || counts[ledger.StatusNotFound] != 1 || counts[ledger.StatusError] != 1 {
		t.Errorf("Counts() = %v", counts)
	}
}

func TestRunVolumeBackfill(t *testing.T) {
	api := newFakeAPI()
	api.on("intitle:obscure book", fakeResult{matches: []books.Match{{
		ExternalID: "vol9", Title: "Obscure Book",
	}}})
	led := openLedger(t)
	rec := &sleepRecorder{}
	volume := func(ctx context.Context, id string) (books.Match, error) {
		if id != "vol9" {
			t.Errorf("volume lookup for %q", id)
		}
		return books.Match{ExternalID: "vol9", ISBN13: "9780000000009"}, nil
	}
	s := New(api.lookup, led, testPolicy(), 1, WithSleep(rec.sleep), WithVolumeLookup(volume))

	out, errc := s.Run(context.Background(), []catalog.SourceRecord{
		{SourceID: "A1", Title: "Obscure Book"},
	})
	candidates, err := collect(t, out, errc)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ISBN13 != "9780000000009" {
		t.Errorf("candidates = %+v, want backfilled isbn", candidates)
	}
}

func TestRunLedgerFailureAbortsRun(t *testing.T) {
	api := newFakeAPI()
	api.on("intitle:book one", fakeResult{matches: []books.Match{match("Book One")}})
	l, err := ledger.Open(filepath.Join(t.TempDir(), "progress.ledger"))
	if err != nil {
		t.Fatal(err)
	}
	l.Close() // appends now fail
	rec := &sleepRecorder{}
	s := New(api.lookup, l, testPolicy(), 1, WithSleep(rec.sleep))

	out, errc := s.Run(context.Background(), []catalog.SourceRecord{
		{SourceID: "A1", Title: "Book One"},
	})
	_, runErr := collect(t, out, errc)
	if !errors.Is(runErr, apperrors.ErrLedgerWrite) {
		t.Errorf("run error = %v, want ledger write failure", runErr)
	}
}
