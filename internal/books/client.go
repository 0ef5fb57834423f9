// Package books implements the external metadata API client. It speaks a
// Google-Books-style volumes endpoint and maps transport and payload failures
// onto the shared error taxonomy so the scheduler can decide retry behaviour.
package books

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/Falak-Parmar/Book-Finder/pkg/config"
	apperrors "github.com/Falak-Parmar/Book-Finder/pkg/errors"
	"github.com/Falak-Parmar/Book-Finder/pkg/metrics"
	"github.com/Falak-Parmar/Book-Finder/pkg/resilience"
)

// maxRawSnippet bounds how much of an unparseable payload is kept for offline
// inspection.
const maxRawSnippet = 512

// Client issues lookups against the volumes API. Requests run through a
// circuit breaker so a full upstream outage fails fast instead of burning the
// retry budget of every record; only server errors and timeouts count as
// breaker failures.
type Client struct {
	http    *http.Client
	cfg     config.BooksAPIConfig
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

// Option customises a Client.
type Option func(*options)

type options struct {
	breakerCfg resilience.CircuitBreakerConfig
}

// WithMetrics reports circuit-breaker state transitions to the gauge. A nil
// Metrics is ignored.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		if m == nil {
			return
		}
		o.breakerCfg.OnStateChange = func(name string, state resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
		}
	}
}

// NewClient creates a Client with the configured request timeout.
func NewClient(cfg config.BooksAPIConfig, opts ...Option) *Client {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker("books-api", o.breakerCfg),
		logger:  slog.Default().With("component", "books-client"),
	}
}

// Search queries the volumes endpoint and returns the parsed matches.
// Error taxonomy: 429 maps to ErrThrottled, 5xx to ErrServerError, request
// timeouts to ErrTimeout, unparseable bodies to ErrMalformedResponse, and an
// empty item list to ErrNotFound.
func (c *Client) Search(ctx context.Context, query string) ([]Match, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("maxResults", "1")
	if c.cfg.LangRestrict != "" {
		params.Set("langRestrict", c.cfg.LangRestrict)
	}
	if c.cfg.APIKey != "" {
		params.Set("key", c.cfg.APIKey)
	}
	endpoint := fmt.Sprintf("%s/volumes?%s", c.cfg.BaseURL, params.Encode())

	body, err := c.get(ctx, endpoint, query)
	if err != nil {
		return nil, err
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Error("unparseable search response",
			"query", query,
			"error", err,
			"raw", snippet(body),
		)
		return nil, apperrors.New(apperrors.ErrMalformedResponse, query, snippet(body))
	}
	if len(resp.Items) == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound, query, "")
	}
	matches := make([]Match, 0, len(resp.Items))
	for _, item := range resp.Items {
		matches = append(matches, item.toMatch())
	}
	return matches, nil
}

// Volume fetches one volume by id, used to backfill industry identifiers when
// a search match arrives without them.
func (c *Client) Volume(ctx context.Context, id string) (Match, error) {
	endpoint := fmt.Sprintf("%s/volumes/%s", c.cfg.BaseURL, url.PathEscape(id))
	if c.cfg.APIKey != "" {
		endpoint += "?key=" + url.QueryEscape(c.cfg.APIKey)
	}
	body, err := c.get(ctx, endpoint, id)
	if err != nil {
		return Match{}, err
	}
	var item volumeItem
	if err := json.Unmarshal(body, &item); err != nil {
		return Match{}, apperrors.New(apperrors.ErrMalformedResponse, id, snippet(body))
	}
	return item.toMatch(), nil
}

// get performs the HTTP request through the circuit breaker and maps
// transport failures and status codes onto the error taxonomy. It returns the
// response body on 200.
func (c *Client) get(ctx context.Context, endpoint, query string) ([]byte, error) {
	var body []byte
	var opErr error
	cbErr := c.breaker.Execute(func() error {
		body, opErr = c.fetch(ctx, endpoint, query)
		// Only genuine upstream failures may trip the breaker; throttling,
		// empty results, and bad payloads are handled by the scheduler.
		if errors.Is(opErr, apperrors.ErrServerError) || errors.Is(opErr, apperrors.ErrTimeout) {
			return opErr
		}
		return nil
	})
	if errors.Is(cbErr, resilience.ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrServerError, cbErr)
	}
	if opErr != nil {
		return nil, opErr
	}
	return body, nil
}

func (c *Client) fetch(ctx context.Context, endpoint, query string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, apperrors.New(apperrors.ErrTimeout, query, "")
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrServerError, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.New(apperrors.ErrThrottled, query, "")
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", apperrors.ErrServerError, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		// Unexpected 4xx means the request itself is systematically broken
		// for this query; retrying cannot help.
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxRawSnippet))
		return nil, apperrors.New(apperrors.ErrMalformedResponse, query,
			fmt.Sprintf("status %d: %s", resp.StatusCode, string(raw)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, apperrors.New(apperrors.ErrTimeout, query, "")
		}
		return nil, fmt.Errorf("%w: reading body: %v", apperrors.ErrServerError, err)
	}
	return body, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func snippet(body []byte) string {
	if len(body) > maxRawSnippet {
		body = body[:maxRawSnippet]
	}
	return string(body)
}
