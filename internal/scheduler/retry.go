package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Falak-Parmar/Book-Finder/internal/books"
	"github.com/Falak-Parmar/Book-Finder/internal/catalog"
	apperrors "github.com/Falak-Parmar/Book-Finder/pkg/errors"
)

// lookupWithRetry issues one query, retrying retryable failures under the
// backoff policy. Every request, successful or not, is followed by a uniform
// jitter pause so the outbound stream never bursts. Cancellation is checked
// before each retry; a cancelled context propagates so the caller can leave
// the record unrecorded.
func (s *Scheduler) lookupWithRetry(ctx context.Context, sourceID, query string) ([]books.Match, error) {
	attempts := 0
	for {
		start := time.Now()
		matches, err := s.lookup(ctx, query)
		if s.metrics != nil {
			s.metrics.LookupDuration.Observe(time.Since(start).Seconds())
		}
		s.observeLookup(err)

		if err == nil {
			if len(matches) == 0 {
				// An empty success counts as not-found so the fallback
				// ladder advances.
				err = apperrors.New(apperrors.ErrNotFound, query, "")
			} else {
				_ = s.sleep(ctx, s.policy.Jitter())
				return matches, nil
			}
		}

		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			_ = s.sleep(ctx, s.policy.Jitter())
			return nil, err

		case apperrors.Terminal(err):
			return nil, err

		case !apperrors.Retryable(err):
			// Unknown failure shape: terminal error, never silent.
			return nil, err
		}

		attempts++
		if s.policy.Exhausted(attempts) {
			s.logger.Warn("retry budget exhausted",
				"source_id", sourceID,
				"attempts", attempts,
				"error", err,
			)
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		delay := s.policy.Next(attempts)
		s.observeRetry(err)
		s.logger.Debug("backing off",
			"source_id", sourceID,
			"attempt", attempts,
			"delay", delay,
			"error", err,
		)
		if serr := s.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
}

// candidateFrom converts an API match into the candidate record for rec.
// When the match lacks an ISBN and a volume lookup is configured, one
// best-effort detail fetch backfills identifiers; its failure never fails the
// record.
func (s *Scheduler) candidateFrom(ctx context.Context, rec catalog.SourceRecord, m books.Match, level int) catalog.CandidateRecord {
	if m.ISBN13 == "" && m.ExternalID != "" && s.volume != nil {
		if detail, err := s.volume(ctx, m.ExternalID); err == nil {
			if detail.ISBN13 != "" {
				m.ISBN13 = detail.ISBN13
			}
			if m.ISBN10 == "" {
				m.ISBN10 = detail.ISBN10
			}
		}
	}
	title := m.Title
	if m.Subtitle != "" {
		title = m.Title + ": " + m.Subtitle
	}
	return catalog.CandidateRecord{
		SourceID:      rec.SourceID,
		Found:         true,
		ISBN13:        m.ISBN13,
		ExternalID:    m.ExternalID,
		Title:         title,
		Author:        strings.Join(m.Authors, ", "),
		Description:   m.Description,
		Categories:    m.Categories,
		ThumbnailURL:  m.ThumbnailURL,
		PublishedDate: m.PublishedDate,
		FallbackLevel: level,
	}
}

func (s *Scheduler) observeLookup(err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, apperrors.ErrThrottled):
		outcome = "throttled"
	case errors.Is(err, apperrors.ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, apperrors.ErrServerError):
		outcome = "server_error"
	case errors.Is(err, apperrors.ErrMalformedResponse):
		outcome = "malformed"
	case err != nil:
		outcome = "error"
	}
	s.metrics.LookupsTotal.WithLabelValues(outcome).Inc()
}

func (s *Scheduler) observeRetry(err error) {
	if s.metrics == nil {
		return
	}
	cause := "server_error"
	switch {
	case errors.Is(err, apperrors.ErrThrottled):
		cause = "throttled"
	case errors.Is(err, apperrors.ErrTimeout):
		cause = "timeout"
	}
	s.metrics.BackoffRetriesTotal.WithLabelValues(cause).Inc()
}
