package receipt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

// Placeholder is replaced by the receipt identifier in URL patterns.
const Placeholder = "{receipt}"

var ErrNoURLPattern = errors.New("receipt url pattern is not configured")

// Fetcher retrieves the receipt page for a receipt identifier. The returned
// body is UTF-8.
type Fetcher interface {
	Fetch(ctx context.Context, receiptID string) (io.ReadCloser, error)
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("receipt page %s returned status %d", e.URL, e.StatusCode)
}

// HTTPFetcher GETs the page from the tax portal.
type HTTPFetcher struct {
	Client     *http.Client
	URLPattern string

	// Timeout bounds one fetch including reading the body.
	Timeout   time.Duration
	UserAgent string
}

func NewHTTPFetcher(pattern string, timeout time.Duration, userAgent string) *HTTPFetcher {
	return &HTTPFetcher{
		Client:     &http.Client{},
		URLPattern: pattern,
		Timeout:    timeout,
		UserAgent:  userAgent,
	}
}

// URL builds the page address for receiptID. Without a placeholder the
// escaped identifier is appended.
func (f *HTTPFetcher) URL(receiptID string) (string, error) {
	if f.URLPattern == "" {
		return "", ErrNoURLPattern
	}
	escaped := url.QueryEscape(receiptID)
	if strings.Contains(f.URLPattern, Placeholder) {
		return strings.ReplaceAll(f.URLPattern, Placeholder, escaped), nil
	}
	return f.URLPattern + escaped, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, receiptID string) (io.ReadCloser, error) {
	target, err := f.URL(receiptID)
	if err != nil {
		return nil, err
	}

	var cancel context.CancelFunc = func() {}
	if f.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build receipt request: %w", err)
	}
	req.Header.Set("Accept", "text/html")
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to fetch receipt page: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: target}
	}

	decoded, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("failed to decode receipt page: %w", err)
	}
	return &pageBody{Reader: decoded, close: func() error {
		defer cancel()
		return resp.Body.Close()
	}}, nil
}

type pageBody struct {
	io.Reader
	close func() error
}

func (b *pageBody) Close() error { return b.close() }
