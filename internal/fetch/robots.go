package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/ppiankov/claimledger/internal/cache"
)

const robotsTTL = 6 * time.Hour

// RobotsChecker checks robots.txt compliance before document fetches.
// Raw robots.txt responses are kept in a cache store and parsed on use.
type RobotsChecker struct {
	store      cache.Store
	httpClient *http.Client
	userAgent  string
}

type robotsEntry struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// NewRobotsChecker creates a checker. A nil store uses an in-memory one.
func NewRobotsChecker(userAgent string, timeout time.Duration, store cache.Store) *RobotsChecker {
	if store == nil {
		store = cache.NewMemory(robotsTTL, 30*time.Minute)
	}
	return &RobotsChecker{
		store:      store,
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  userAgent,
	}
}

// CanFetch reports whether rawURL may be fetched and the crawl delay to honor.
// Hosts whose robots.txt cannot be retrieved are allowed.
func (r *RobotsChecker) CanFetch(ctx context.Context, rawURL string) (bool, time.Duration, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, 0, fmt.Errorf("parse URL: %w", err)
	}

	data, err := r.robotsData(ctx, parsed)
	if err != nil {
		return true, 0, nil
	}

	agent := NormalizeUserAgent(r.userAgent)
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	allowed := data.TestAgent(path, agent)

	var delay time.Duration
	if group := data.FindGroup(agent); group != nil {
		delay = group.CrawlDelay
	}
	return allowed, delay, nil
}

// IsAllowed returns only the allowed status
func (r *RobotsChecker) IsAllowed(ctx context.Context, rawURL string) bool {
	allowed, _, _ := r.CanFetch(ctx, rawURL)
	return allowed
}

func (r *RobotsChecker) robotsData(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	key := cache.Key("robots", u.Scheme, u.Host)

	var entry robotsEntry
	if !cache.GetJSON(r.store, key, &entry) {
		fetched, err := r.download(ctx, fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host))
		if err != nil {
			return nil, err
		}
		entry = fetched
		_ = cache.SetJSON(r.store, key, entry, 0)
	}

	data, err := robotstxt.FromStatusAndBytes(entry.Status, entry.Body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return data, nil
}

func (r *RobotsChecker) download(ctx context.Context, robotsURL string) (robotsEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return robotsEntry{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return robotsEntry{}, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return robotsEntry{}, fmt.Errorf("read robots.txt: %w", err)
	}
	return robotsEntry{Status: resp.StatusCode, Body: body}, nil
}

// NormalizeUserAgent returns the product token of ua ("claimledger/1.0 (x)" -> "claimledger")
func NormalizeUserAgent(ua string) string {
	parts := strings.Fields(ua)
	if len(parts) > 0 {
		return strings.Split(parts[0], "/")[0]
	}
	return ua
}
