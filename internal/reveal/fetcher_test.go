package reveal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPFetcherReturnsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/view/abc123" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	t.Cleanup(server.Close)

	fetcher, err := NewHTTPFetcher(HTTPFetcherConfig{BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	blob, err := fetcher.Fetch(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if blob.ContentType != "image/png" || string(blob.Data) != "png-bytes" {
		t.Fatalf("unexpected blob %#v", blob)
	}
}

func TestHTTPFetcherNonSuccessIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	t.Cleanup(server.Close)

	fetcher, err := NewHTTPFetcher(HTTPFetcherConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	_, err = fetcher.Fetch(context.Background(), "abc123")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestHTTPFetcherTransportFailureIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	fetcher, err := NewHTTPFetcher(HTTPFetcherConfig{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := fetcher.Fetch(context.Background(), "abc123"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestNewHTTPFetcherRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPFetcher(HTTPFetcherConfig{}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}
