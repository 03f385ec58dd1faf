// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
	"github.com/JakeFAU/replychain-crawler/internal/metrics"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultCooldown   = 30 * time.Second
	defaultMaxRetries = 3
)

// Pacer delays requests before they leave the process.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior and the 412 retry policy.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Cooldown is how long to sleep after an HTTP 412 before retrying. Zero
	// retries immediately.
	Cooldown time.Duration
	// MaxRetries bounds the 412 retries; the request after the last retry
	// that still sees 412 yields a *crawler.RateLimitError.
	MaxRetries int
	Pacer      Pacer
	Logger     *zap.Logger
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
	pause         func(context.Context, time.Duration) error
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	c.DisableCookies()
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
		pause:         crawler.Pause,
	}
}

// Fetch performs one GET. HTTP 412 responses are retried after the cool-down
// until MaxRetries is spent; any other failure is returned immediately.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	target, err := buildURL(request.URL, request.Params)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("build url: %w: %w", crawler.ErrFetchFailed, err)
	}

	for attempt := 0; ; attempt++ {
		if f.cfg.Pacer != nil {
			if err := f.cfg.Pacer.Wait(ctx, target); err != nil {
				return crawler.FetchResponse{}, err
			}
		}
		resp, err := f.fetchOnce(ctx, target, request)
		if err != nil {
			metrics.ObserveRequest(target, "error", resp.Duration)
			if ctx.Err() != nil {
				return crawler.FetchResponse{}, err
			}
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w: %w", target, crawler.ErrFetchFailed, err)
		}
		metrics.ObserveRequest(target, statusClass(resp.StatusCode), resp.Duration)

		switch {
		case resp.StatusCode == http.StatusPreconditionFailed:
			if attempt >= f.cfg.MaxRetries {
				metrics.ObserveRateLimitExhausted()
				f.logger.Error("rate limit retries exhausted",
					zap.String("url", target),
					zap.Int("attempt", attempt+1),
				)
				return crawler.FetchResponse{}, &crawler.RateLimitError{URL: target, Attempts: attempt + 1}
			}
			metrics.ObserveRateLimitRetry(target)
			f.logger.Warn("rate limited, cooling down",
				zap.String("url", target),
				zap.Int("attempt", attempt+1),
				zap.Duration("cooldown", f.cfg.Cooldown),
			)
			if err := f.pause(ctx, f.cfg.Cooldown); err != nil {
				return crawler.FetchResponse{}, err
			}
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return crawler.FetchResponse{}, &crawler.StatusError{URL: target, StatusCode: resp.StatusCode}
		default:
			resp.Attempts = attempt + 1
			return resp, nil
		}
	}
}

func (f *Fetcher) fetchOnce(
	ctx context.Context,
	target string,
	request crawler.FetchRequest,
) (crawler.FetchResponse, error) {
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(reqCtx, request, start, &result, &fetchErr)
	if err := f.runCollector(reqCtx, collector, target, &fetchErr); err != nil {
		return crawler.FetchResponse{Duration: time.Since(start)}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
	if len(request.Cookies) == 0 {
		return
	}
	parts := make([]string, 0, len(request.Cookies))
	for _, c := range request.Cookies {
		if c == nil || c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	if len(parts) > 0 {
		r.Headers.Set("Cookie", strings.Join(parts, "; "))
	}
}

func buildURL(raw string, params url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}
	if len(params) > 0 {
		q := u.Query()
		for key, values := range params {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
