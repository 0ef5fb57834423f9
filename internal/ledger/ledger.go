// Package ledger implements the durable append-only progress log. Each line
// is one JSON entry recording the terminal outcome for a source id; the set
// of recorded ids defines what a restarted run may skip.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "github.com/Falak-Parmar/Book-Finder/pkg/errors"
)

// Status is the terminal outcome recorded for a source id.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusNotFound Status = "not_found"
	StatusError    Status = "error"
)

// Entry is one durable ledger line.
type Entry struct {
	SourceID  string    `json:"source_id"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"ts"`
}

// Ledger is a durable append-only record of processed source ids. Appends
// for distinct ids may run concurrently; the scheduler guarantees at most one
// writer per id, so no same-key arbitration happens here.
type Ledger struct {
	mu        sync.Mutex
	file      *os.File
	processed map[string]Status
	counts    map[Status]int
	logger    *slog.Logger
}

// Open loads every complete entry from path (creating the file if absent) and
// returns a Ledger ready for appends. A torn trailing line, left by a crash
// mid-write, is treated as absent.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}
	l := &Ledger{
		processed: make(map[string]Status),
		counts:    make(map[Status]int),
		logger:    slog.Default().With("component", "ledger"),
	}
	if err := l.load(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s for append: %w", path, err)
	}
	// A crash can leave the file without a trailing newline. Start a fresh
	// line so the next append cannot glue onto the torn tail.
	if err := terminateTail(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("repairing ledger %s tail: %w", path, err)
	}
	l.file = f
	l.logger.Info("ledger loaded", "path", path, "entries", len(l.processed))
	return l, nil
}

func (l *Ledger) load(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening ledger %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	torn := 0
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// Incomplete trailing entry from a crashed run. Any earlier
			// corruption also only costs a re-fetch, never a wrong skip.
			torn++
			continue
		}
		if e.SourceID == "" {
			continue
		}
		if _, dup := l.processed[e.SourceID]; !dup {
			l.counts[e.Status]++
		}
		l.processed[e.SourceID] = e.Status
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning ledger %s: %w", path, err)
	}
	if torn > 0 {
		l.logger.Warn("skipped unparseable ledger lines", "lines", torn)
	}
	return nil
}

// terminateTail appends a newline when the file is non-empty and does not end
// with one.
func terminateTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

// IsProcessed reports whether sourceID already has a terminal entry.
func (l *Ledger) IsProcessed(sourceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.processed[sourceID]
	return ok
}

// StatusOf returns the recorded status for sourceID, if any.
func (l *Ledger) StatusOf(sourceID string) (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.processed[sourceID]
	return s, ok
}

// Record appends a terminal entry for sourceID and syncs it to disk. A write
// failure is fatal to the run: processed must imply durably recorded.
func (l *Ledger) Record(sourceID string, status Status) error {
	entry := Entry{SourceID: sourceID, Status: status, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: marshaling entry for %s: %v", apperrors.ErrLedgerWrite, sourceID, err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("%w: appending entry for %s: %v", apperrors.ErrLedgerWrite, sourceID, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing entry for %s: %v", apperrors.ErrLedgerWrite, sourceID, err)
	}
	l.processed[sourceID] = status
	l.counts[status]++
	return nil
}

// Counts returns per-status totals over all loaded and appended entries.
func (l *Ledger) Counts() map[Status]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Status]int, len(l.counts))
	for s, n := range l.counts {
		out[s] = n
	}
	return out
}

// Len returns the number of distinct processed source ids.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.processed)
}

// Close flushes and closes the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing ledger: %w", err)
	}
	return l.file.Close()
}
