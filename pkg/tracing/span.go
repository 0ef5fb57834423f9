// Package tracing provides lightweight span timing for pipeline stages. Spans
// form a parent-child tree for one enrichment run and are emitted as
// structured slog records when the root span is logged.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type contextKey struct{}

// Span times one pipeline stage within a run.
type Span struct {
	Name      string
	TraceID   string
	StartTime time.Time
	Duration  time.Duration

	mu       sync.Mutex
	children []*Span
	attrs    []any
}

// StartRun creates the root span for one enrichment run and stores it in the
// returned context. The trace id is derived from the start time.
func StartRun(ctx context.Context, name string) (context.Context, *Span) {
	now := time.Now()
	span := &Span{
		Name:      name,
		TraceID:   fmt.Sprintf("%s-%d", name, now.UnixNano()),
		StartTime: now,
	}
	return context.WithValue(ctx, contextKey{}, span), span
}

// StartStage creates a child span under the span in ctx. Without a parent it
// starts a detached span, which still times and logs correctly.
func StartStage(ctx context.Context, name string) (context.Context, *Span) {
	child := &Span{Name: name, StartTime: time.Now()}
	if parent := fromContext(ctx); parent != nil {
		child.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, child)
		parent.mu.Unlock()
	}
	return context.WithValue(ctx, contextKey{}, child), child
}

// End records the span's duration. Safe to call once per span.
func (s *Span) End() {
	s.Duration = time.Since(s.StartTime)
}

// SetAttr attaches a key-value pair emitted with the span's log record.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, key, value)
	s.mu.Unlock()
}

func fromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(contextKey{}).(*Span)
	return span
}

// Log emits the span and its children as slog records, children indented by
// depth.
func (s *Span) Log() {
	s.logAt(0)
}

func (s *Span) logAt(depth int) {
	s.mu.Lock()
	attrs := []any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", s.Duration.Milliseconds(),
		"depth", depth,
	}
	attrs = append(attrs, s.attrs...)
	children := s.children
	s.mu.Unlock()

	slog.Info("span", attrs...)
	for _, child := range children {
		child.logAt(depth + 1)
	}
}
