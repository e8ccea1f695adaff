// Package fetch retrieves claim documents and photos over HTTP.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/claimledger/internal/retry"
	"github.com/ppiankov/claimledger/internal/worker"
)

// ErrDisallowed is returned when robots.txt forbids the URL
var ErrDisallowed = errors.New("disallowed by robots.txt")

// StatusError is a non-2xx response
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %d %s", e.Code, e.Status)
}

// Options configures a Fetcher
type Options struct {
	Timeout       time.Duration
	UserAgent     string
	MaxBytes      int64
	HTTPProxy     string
	HTTPSProxy    string
	NoProxy       string
	RespectRobots bool
	Retry         retry.Policy
	Clock         retry.Clock
	Limiter       *worker.Limiter
	Robots        *RobotsChecker
	Logger        *zap.Logger
}

// Fetcher downloads documents with size limits, throttling and retries
type Fetcher struct {
	httpClient *http.Client
	userAgent  string
	maxBytes   int64
	policy     retry.Policy
	clock      retry.Clock
	limiter    *worker.Limiter
	robots     *RobotsChecker
	logger     *zap.Logger
}

// NewFetcher creates a Fetcher. Zero options fall back to a 30s timeout, a
// 10 MiB body limit and three attempts with exponential backoff.
func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "claimledger/1.0"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Exponential(3, time.Second, 8*time.Second)
	}
	if opts.Clock == nil {
		opts.Clock = retry.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RespectRobots && opts.Robots == nil {
		opts.Robots = NewRobotsChecker(opts.UserAgent, opts.Timeout, nil)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = NewProxyFunc(opts.HTTPProxy, opts.HTTPSProxy, opts.NoProxy)

	return &Fetcher{
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("stopped after 3 redirects")
				}
				return nil
			},
		},
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxBytes,
		policy:    opts.Retry,
		clock:     opts.Clock,
		limiter:   opts.Limiter,
		robots:    opts.Robots,
		logger:    opts.Logger,
	}
}

// Document is a fetched resource
type Document struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string // media type without parameters
	Body        []byte
	Truncated   bool
}

// IsHTML reports whether the document is an HTML page
func (d *Document) IsHTML() bool {
	return d.ContentType == "text/html" || d.ContentType == "application/xhtml+xml"
}

// IsText reports whether the document is plain text
func (d *Document) IsText() bool {
	return strings.HasPrefix(d.ContentType, "text/") && !d.IsHTML()
}

// Fetch retrieves rawURL once
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	return f.do(ctx, http.MethodGet, rawURL, nil)
}

// PostJSON sends payload as a JSON body to rawURL once
func (f *Fetcher) PostJSON(ctx context.Context, rawURL string, payload any) (*Document, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return f.do(ctx, http.MethodPost, rawURL, body)
}

func (f *Fetcher) do(ctx context.Context, method, rawURL string, payload []byte) (*Document, error) {
	var crawlDelay time.Duration
	if f.robots != nil {
		allowed, delay, err := f.robots.CanFetch(ctx, rawURL)
		if err != nil {
			return nil, fmt.Errorf("robots: %w", err)
		}
		if !allowed {
			return nil, fmt.Errorf("%w: %s", ErrDisallowed, rawURL)
		}
		crawlDelay = delay
	}
	if f.limiter != nil {
		if err := f.limiter.WaitWithDelay(ctx, rawURL, crawlDelay); err != nil {
			return nil, fmt.Errorf("throttle: %w", err)
		}
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
	} else {
		req.Header.Set("Accept", "text/html,text/plain,application/json,application/pdf,image/*;q=0.9,*/*;q=0.8")
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	truncated := int64(len(body)) > f.maxBytes
	if truncated {
		body = body[:f.maxBytes]
	}

	return &Document{
		URL:         rawURL,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: mediaType(resp.Header.Get("Content-Type"), body),
		Body:        body,
		Truncated:   truncated,
	}, nil
}

// FetchWithRetry retries transient failures (5xx, 429, transport errors)
// under the configured policy. Other failures return immediately.
func (f *Fetcher) FetchWithRetry(ctx context.Context, rawURL string) (*Document, error) {
	return f.withRetry(ctx, rawURL, func(ctx context.Context) (*Document, error) {
		return f.Fetch(ctx, rawURL)
	})
}

// PostJSONWithRetry is PostJSON under the retry policy
func (f *Fetcher) PostJSONWithRetry(ctx context.Context, rawURL string, payload any) (*Document, error) {
	return f.withRetry(ctx, rawURL, func(ctx context.Context) (*Document, error) {
		return f.PostJSON(ctx, rawURL, payload)
	})
}

func (f *Fetcher) withRetry(ctx context.Context, rawURL string, once func(context.Context) (*Document, error)) (*Document, error) {
	var doc *Document
	var lastErr error

	err := retry.Poll(ctx, f.clock, f.policy, func(ctx context.Context, attempt int) (bool, error) {
		d, err := once(ctx)
		if err == nil {
			doc = d
			return true, nil
		}
		if !isRetryable(err) {
			return false, err
		}
		lastErr = err
		f.logger.Debug("transient fetch failure",
			zap.String("url", rawURL), zap.Int("attempt", attempt+1), zap.Error(err))
		return false, nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) && lastErr != nil {
			return nil, fmt.Errorf("%w: %w", err, lastErr)
		}
		return nil, err
	}
	return doc, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func mediaType(header string, body []byte) string {
	if header == "" {
		header = http.DetectContentType(body)
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(header, ";")[0]))
	}
	return mt
}
