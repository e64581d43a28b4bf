package reveal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const (
	defaultFetchTimeout = 30 * time.Second
	maxRevealBytes      = 64 << 20
)

// Fetcher retrieves view-once content for a token.
type Fetcher interface {
	Fetch(ctx context.Context, token string) (Blob, error)
}

// HTTPFetcherConfig configures an HTTPFetcher.
type HTTPFetcherConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// HTTPFetcher fetches GET <base>/view/<token>. Any non-2xx answer means the content is
// consumed, expired or unknown.
type HTTPFetcher struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPFetcher constructs an HTTPFetcher.
func NewHTTPFetcher(cfg HTTPFetcherConfig) (*HTTPFetcher, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("reveal: base url required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("reveal: invalid base url: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &HTTPFetcher{baseURL: baseURL, httpClient: client}, nil
}

// Fetch downloads the content behind token. Every failure wraps ErrUnavailable.
func (f *HTTPFetcher) Fetch(ctx context.Context, token string) (Blob, error) {
	endpoint := f.baseURL + "/view/" + url.PathEscape(token)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return Blob{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	response, err := f.httpClient.Do(request)
	if err != nil {
		return Blob{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4<<10))
		return Blob{}, fmt.Errorf("%w: status %d", ErrUnavailable, response.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(response.Body, maxRevealBytes+1))
	if err != nil {
		return Blob{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(data) > maxRevealBytes {
		return Blob{}, fmt.Errorf("%w: content exceeds %d bytes", ErrUnavailable, maxRevealBytes)
	}

	contentType := response.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	return Blob{ContentType: contentType, Data: data}, nil
}
