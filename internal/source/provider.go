package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/gamebench/internal/resilience"
)

// ErrNotFound is returned when the provider answers 404.
var ErrNotFound = eris.New("source: not found")

// DefaultRetryAfter applies when a 429 carries no usable Retry-After header.
const DefaultRetryAfter = 60 * time.Second

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	Name        string
	MinInterval time.Duration
	Timeout     time.Duration
	UserAgent   string
	Cooldown    CooldownStore
	Breaker     *resilience.Breaker
	Client      *http.Client

	// OnBreakerChange observes circuit transitions of the default breaker.
	OnBreakerChange func(provider string, from, to resilience.CircuitState)
}

// Provider gates every request to one external host. Requests are spaced at
// least MinInterval apart, and a 429 sets a cooldown deadline that every
// later caller observes before its next request.
type Provider struct {
	name      string
	userAgent string
	limiter   *rate.Limiter
	cooldown  CooldownStore
	breaker   *resilience.Breaker
	client    *http.Client
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewProvider builds a Provider. A nil Cooldown gets an in-process store.
func NewProvider(opts ProviderOptions) *Provider {
	if opts.Name == "" {
		opts.Name = "provider"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "gamebench/1.0"
	}
	if opts.Cooldown == nil {
		opts.Cooldown = NewMemoryCooldown()
	}
	if opts.Breaker == nil {
		cfg := resilience.DefaultBreakerConfig(opts.Name)
		cfg.ShouldTrip = tripsBreaker
		cfg.OnStateChange = opts.OnBreakerChange
		opts.Breaker = resilience.NewBreaker(cfg)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}

	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	return &Provider{
		name:      opts.Name,
		userAgent: opts.UserAgent,
		limiter:   rate.NewLimiter(limit, 1),
		cooldown:  opts.Cooldown,
		breaker:   opts.Breaker,
		client:    opts.Client,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Name returns the provider name used in cooldown keys and errors.
func (p *Provider) Name() string { return p.name }

// Do sends req once the cooldown and interval gates allow it. On 2xx the
// response is returned for the caller to close. Non-2xx responses are
// drained, closed and turned into errors: 429 becomes a RateLimitedError,
// other retryable statuses a TransientError, and 404 ErrNotFound.
func (p *Provider) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := p.waitCooldown(ctx); err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrapf(err, "%s: rate limiter wait", p.name)
	}

	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", p.userAgent)

	return resilience.ExecuteVal(ctx, p.breaker, func(ctx context.Context) (*http.Response, error) {
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "%s: request %s", p.name, req.URL.Path), 0)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		defer resp.Body.Close() //nolint:errcheck
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := parseRetryAfter(resp.Header.Get("Retry-After"), p.now())
			p.extendCooldown(ctx, wait)
			return nil, &resilience.RateLimitedError{Provider: p.name, RetryAfter: wait}
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return nil, resilience.NewTransientError(
				fmt.Errorf("%s: %s returned %d", p.name, req.URL.Path, resp.StatusCode), resp.StatusCode)
		default:
			return nil, eris.Errorf("%s: %s returned %d", p.name, req.URL.Path, resp.StatusCode)
		}
	})
}

func (p *Provider) waitCooldown(ctx context.Context) error {
	until, err := p.cooldown.Until(ctx, p.name)
	if err != nil {
		zap.L().Warn("source: cooldown lookup failed", zap.String("provider", p.name), zap.Error(err))
		return nil
	}
	remaining := until.Sub(p.now())
	if remaining <= 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && deadline.Sub(p.now()) < remaining {
		return &resilience.RateLimitedError{Provider: p.name, RetryAfter: remaining}
	}
	zap.L().Debug("source: waiting out provider cooldown",
		zap.String("provider", p.name), zap.Duration("remaining", remaining))
	return p.sleep(ctx, remaining)
}

func (p *Provider) extendCooldown(ctx context.Context, wait time.Duration) {
	until := p.now().Add(wait)
	if err := p.cooldown.Extend(ctx, p.name, until); err != nil {
		zap.L().Warn("source: cooldown extend failed", zap.String("provider", p.name), zap.Error(err))
	}
	zap.L().Warn("source: provider rate limited",
		zap.String("provider", p.name), zap.Duration("retry_after", wait))
}

// tripsBreaker counts only server-side and network failures. Not-found
// answers and rate limits are handled by their own gates.
func tripsBreaker(err error) bool {
	var te *resilience.TransientError
	return errors.As(err, &te)
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
