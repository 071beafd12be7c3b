package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxPageBytes caps how much of a tracker page is read.
const maxPageBytes = 4 << 20

var ErrNoBaseURL = errors.New("scrape: no tracker base URL configured")

// Fetcher returns the current state of one site from the tracker source.
type Fetcher interface {
	Fetch(ctx context.Context, globalID string) (SiteSnapshot, error)
}

// HTTPFetcher reads tracker pages at <BaseURL>/<global id>.
type HTTPFetcher struct {
	BaseURL   string
	Client    *http.Client
	UserAgent string
}

func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL:   baseURL,
		Client:    &http.Client{Timeout: timeout},
		UserAgent: "sitewatch/1.0",
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, globalID string) (SiteSnapshot, error) {
	if f.BaseURL == "" {
		return SiteSnapshot{}, ErrNoBaseURL
	}
	pageURL, err := url.Parse(strings.TrimRight(f.BaseURL, "/") + "/" + url.PathEscape(globalID))
	if err != nil {
		return SiteSnapshot{}, fmt.Errorf("build url for %q: %w", globalID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return SiteSnapshot{}, err
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
		return SiteSnapshot{}, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return SiteSnapshot{}, fmt.Errorf("fetch %s: unexpected status %s", pageURL, resp.Status)
	}

	snap, err := ParseSnapshot(io.LimitReader(resp.Body, maxPageBytes), resp.Request.URL)
	if err != nil {
		return SiteSnapshot{}, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return snap, nil
}
