package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/mf-intel/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// Headers are sent on every request, e.g. a Socrata X-App-Token.
	Headers map[string]string
	// HostRates sets requests per second per host. Unlisted hosts get DefaultRate.
	HostRates   map[string]rate.Limit
	DefaultRate rate.Limit
}

// AdaptiveLimiter is a per-host limiter that slows down after a 429 and
// recovers gradually on success, staying within [initial/4, initial*2].
type AdaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	current rate.Limit
}

// NewAdaptiveLimiter creates an AdaptiveLimiter at initial requests per second.
func NewAdaptiveLimiter(initial rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{limiter: rate.NewLimiter(initial, burst), initial: initial, current: initial}
}

// Wait blocks until a request is allowed.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error { return a.limiter.Wait(ctx) }

// OnSuccess raises the rate by 20%.
func (a *AdaptiveLimiter) OnSuccess() { a.scale(1.2) }

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() { a.scale(0.5) }

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *AdaptiveLimiter) scale(f float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.current * rate.Limit(f)
	next = min(max(next, a.initial/4), a.initial*2)
	a.current = next
	a.limiter.SetLimit(next)
}

// HTTPFetcher issues single GET requests under a per-host rate limit.
// It does not retry: 429, 5xx, and network failures come back as
// resilience.TransientError so the caller's retry loop decides.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "mf-intel/1.0"
	}
	if opts.DefaultRate == 0 {
		opts.DefaultRate = 5
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

func (f *HTTPFetcher) limiterFor(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lim, ok := f.limiters[host]; ok {
		return lim
	}
	r, ok := f.opts.HostRates[host]
	if !ok {
		r = f.opts.DefaultRate
	}
	lim := NewAdaptiveLimiter(r, max(1, int(r)))
	f.limiters[host] = lim
	return lim
}

// Download performs a GET and returns the body on 200.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "http: parse url %q", rawURL)
	}

	lim := f.limiterFor(u.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "http: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "http: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	for k, v := range f.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(err, "http: request")
		}
		return nil, resilience.NewTransientError(eris.Wrapf(err, "http: GET %s", u.Host), 0)
	}

	if resp.StatusCode == http.StatusOK {
		lim.OnSuccess()
		return resp.Body, nil
	}
	_ = resp.Body.Close()

	statusErr := eris.Errorf("http: status %d from %s%s", resp.StatusCode, u.Host, u.Path)
	if resp.StatusCode == http.StatusTooManyRequests {
		lim.OnRateLimit()
		zap.L().Warn("rate limited, slowing down",
			zap.String("host", u.Host),
			zap.Float64("rate", float64(lim.Limit())),
		)
	}
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
	}
	return nil, statusErr
}
