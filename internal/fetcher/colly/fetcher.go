// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
	"github.com/JakeFAU/trf5-crawler/internal/metrics"
)

// ErrRetriesExhausted is returned when every attempt hit a retryable status.
var ErrRetriesExhausted = errors.New("fetch retries exhausted")

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	RespectRobots  bool
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Waiter blocks until a request to url may be sent.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher implements crawler.Fetcher using the Colly collector. Clones share the
// base collector's HTTP backend, so the portal session cookie survives across calls.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       Waiter
	retry         *retryPolicy
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter and logger may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)

	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		transport = &robotsAwareTransport{base: transport, state: newRobotsProbeState(logger)}
	}
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		limiter:       limiter,
		retry:         newRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		logger:        logger,
	}
}

// Fetch issues the request, retrying transport errors and transient statuses.
// Other non-2xx responses are returned as fetched.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if request.URL == "" {
		return crawler.FetchResponse{}, fmt.Errorf("fetch: url is required")
	}
	if request.Method == "" {
		request.Method = http.MethodGet
	}
	start := time.Now()
	for attempt := 0; ; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, request.URL); err != nil {
				return crawler.FetchResponse{}, fmt.Errorf("politeness wait: %w", err)
			}
		}
		resp, err := f.fetchOnce(ctx, request, start)
		metrics.ObserveFetch(request.Method, resp.StatusCode, time.Since(start))

		reason := ""
		switch {
		case err != nil && f.retry.shouldRetryError(err, attempt):
			reason = "transport"
		case err != nil:
			return crawler.FetchResponse{}, err
		case retryableStatus(resp.StatusCode) && attempt < f.retry.maxAttempts:
			reason = fmt.Sprintf("status_%d", resp.StatusCode)
		case retryableStatus(resp.StatusCode):
			return resp, fmt.Errorf("%w: %s %s returned %d", ErrRetriesExhausted, request.Method, request.URL, resp.StatusCode)
		default:
			return resp, nil
		}

		delay := f.retry.backoff(attempt)
		metrics.ObserveFetchRetry(reason)
		f.logger.Debug("retrying portal request",
			zap.String("url", request.URL),
			zap.String("method", request.Method),
			zap.String("reason", reason),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleepWithContext(ctx, delay); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch backoff: %w", err)
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, request crawler.FetchRequest, start time.Time) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	collector := f.buildCollector(request, start, &result, &fetchErr)
	visit := func() error {
		if request.Method == http.MethodGet && len(request.Form) == 0 {
			return collector.Visit(request.URL)
		}
		hdr := http.Header{}
		var body *strings.Reader
		if len(request.Form) > 0 {
			hdr.Set("Content-Type", "application/x-www-form-urlencoded")
			body = strings.NewReader(request.Form.Encode())
		} else {
			body = strings.NewReader("")
		}
		return collector.Request(request.Method, request.URL, body, nil, hdr)
	}
	if err := f.runCollector(ctx, visit, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	result.Method = request.Method
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
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
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			Method:     request.Method,
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, visit func() error, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- visit()
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

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
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
		IdleConnTimeout:       90 * time.Second,
	}
}
