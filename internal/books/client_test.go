package books

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Falak-Parmar/Book-Finder/pkg/config"
	apperrors "github.com/Falak-Parmar/Book-Finder/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(config.BooksAPIConfig{
		BaseURL:        server.URL,
		RequestTimeout: 2 * time.Second,
		LangRestrict:   "en",
	})
}

const searchPayload = `{
	"totalItems": 1,
	"items": [{
		"id": "vol123",
		"volumeInfo": {
			"title": "C++ Primer",
			"subtitle": "Fifth Edition",
			"authors": ["Stanley B. Lippman", "Josée Lajoie"],
			"description": "A tutorial introduction.",
			"publishedDate": "2012-08-06",
			"categories": ["Computers"],
			"imageLinks": {"thumbnail": "http://img.example/t?zoom=1"},
			"industryIdentifiers": [
				{"type": "ISBN_10", "identifier": "0321714113"},
				{"type": "ISBN_13", "identifier": "9780321714114"}
			]
		}
	}]
}`

func TestSearchParsesMatch(t *testing.T) {
	var gotQuery, gotMax string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotMax = r.URL.Query().Get("maxResults")
		w.Write([]byte(searchPayload))
	})

	matches, err := client.Search(context.Background(), "intitle:c++ primer+inauthor:lippman")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotQuery != "intitle:c++ primer+inauthor:lippman" {
		t.Errorf("query sent = %q", gotQuery)
	}
	if gotMax != "1" {
		t.Errorf("maxResults sent = %q, want 1", gotMax)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	m := matches[0]
	if m.ExternalID != "vol123" || m.ISBN13 != "9780321714114" || m.ISBN10 != "0321714113" {
		t.Errorf("identifiers = %q/%q/%q", m.ExternalID, m.ISBN13, m.ISBN10)
	}
	if m.Title != "C++ Primer" || m.Subtitle != "Fifth Edition" {
		t.Errorf("title = %q subtitle = %q", m.Title, m.Subtitle)
	}
	if len(m.Authors) != 2 {
		t.Errorf("authors = %v", m.Authors)
	}
}

func TestSearchErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			"429 maps to throttled",
			func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) },
			apperrors.ErrThrottled,
		},
		{
			"500 maps to server error",
			func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			apperrors.ErrServerError,
		},
		{
			"503 maps to server error",
			func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
			apperrors.ErrServerError,
		},
		{
			"unexpected 4xx maps to malformed",
			func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) },
			apperrors.ErrMalformedResponse,
		},
		{
			"zero items maps to not found",
			func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"totalItems":0,"items":[]}`)) },
			apperrors.ErrNotFound,
		},
		{
			"unparseable body maps to malformed",
			func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`<html>rate limited</html>`)) },
			apperrors.ErrMalformedResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.handler)
			_, err := client.Search(context.Background(), "intitle:x")
			if !errors.Is(err, tt.want) {
				t.Errorf("Search error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSearchTimeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Search(ctx, "intitle:x")
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Errorf("Search error = %v, want %v", err, apperrors.ErrTimeout)
	}
}

func TestVolumeBackfillsIdentifiers(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/volumes/vol123" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{
			"id": "vol123",
			"volumeInfo": {
				"title": "C++ Primer",
				"industryIdentifiers": [{"type": "ISBN_13", "identifier": "9780321714114"}]
			}
		}`))
	})

	m, err := client.Volume(context.Background(), "vol123")
	if err != nil {
		t.Fatalf("Volume: %v", err)
	}
	if m.ISBN13 != "9780321714114" {
		t.Errorf("ISBN13 = %q", m.ISBN13)
	}
}

func TestSearchMalformedCarriesRawSnippet(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>oops</html>`))
	})
	_, err := client.Search(context.Background(), "intitle:x")
	var le *apperrors.LookupError
	if !errors.As(err, &le) {
		t.Fatalf("error %v does not carry lookup context", err)
	}
	if le.Raw == "" {
		t.Error("malformed response lost its raw snippet")
	}
}
