// Package blockhash hands out freshness tokens. Tokens are cached for a bounded
// age so concurrent submissions share one fetch, and dropped as soon as the
// cluster reports one stale.
package blockhash

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brojonat/txconfirm/service/metrics"
	"github.com/brojonat/txconfirm/service/solana"
	"github.com/brojonat/txconfirm/service/txerr"
	"github.com/cenkalti/backoff/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMaxAge        = 60 * time.Second
	defaultMaxTries      = 3
	defaultRetryInterval = 250 * time.Millisecond
	defaultFetchTimeout  = 15 * time.Second

	latestKey = "latest"
)

// Fetcher fetches a new freshness token from the cluster.
type Fetcher interface {
	LatestBlockhash(ctx context.Context) (solana.FreshnessToken, error)
}

type ProviderConfig struct {
	Logger  *slog.Logger
	Fetcher Fetcher
	Metrics *metrics.Metrics
	Clock   clockwork.Clock

	// MaxAge bounds how long a fetched token is handed out. Blockhashes live
	// for roughly 150 slots (about a minute), so this should stay below that.
	MaxAge time.Duration
	// MaxTries bounds fetch attempts on network errors.
	MaxTries uint
	// RetryInterval is the first delay between fetch attempts.
	RetryInterval time.Duration
	// FetchTimeout bounds a shared fetch, retries included. It runs apart
	// from any one caller's context.
	FetchTimeout time.Duration
}

func (c *ProviderConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Fetcher == nil {
		return errors.New("fetcher is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxAge == 0 {
		c.MaxAge = defaultMaxAge
	}
	if c.MaxAge < 0 {
		return errors.New("max age must be positive")
	}
	if c.MaxTries == 0 {
		c.MaxTries = defaultMaxTries
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.FetchTimeout < 0 {
		return errors.New("fetch timeout must be positive")
	}
	return nil
}

// Provider caches the latest freshness token.
type Provider struct {
	cfg   *ProviderConfig
	cache *ttlcache.Cache[string, solana.FreshnessToken]
	group singleflight.Group
}

func NewProvider(cfg *ProviderConfig) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, solana.FreshnessToken](cfg.MaxAge),
		ttlcache.WithDisableTouchOnHit[string, solana.FreshnessToken](),
	)

	return &Provider{
		cfg:   cfg,
		cache: cache,
	}, nil
}

// Get returns a token younger than MaxAge, fetching one if needed.
// Concurrent callers that miss share a single fetch.
func (p *Provider) Get(ctx context.Context) (solana.FreshnessToken, error) {
	if item := p.cache.Get(latestKey); item != nil {
		tok := item.Value()
		if tok.Age(p.cfg.Clock.Now()) < p.cfg.MaxAge {
			p.record("hit")
			return tok, nil
		}
	}
	p.record("miss")
	return p.refresh(ctx)
}

// Invalidate drops tok from the cache if it is still the cached token.
// A newer token fetched by a concurrent caller is kept.
func (p *Provider) Invalidate(tok solana.FreshnessToken) {
	item := p.cache.Get(latestKey)
	if item == nil || item.Value().Blockhash != tok.Blockhash {
		return
	}
	p.cache.Delete(latestKey)
	p.record("invalidated")
	p.cfg.Logger.Debug("invalidated blockhash", "blockhash", tok.Blockhash.String())
}

// refresh fetches a token once for all concurrent callers. The fetch outlives
// a caller that gives up, so the others still get the token.
func (p *Provider) refresh(ctx context.Context) (solana.FreshnessToken, error) {
	ch := p.group.DoChan(latestKey, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FetchTimeout)
		defer cancel()

		tok, err := p.fetchWithRetry(fetchCtx)
		if err != nil {
			return solana.FreshnessToken{}, err
		}
		if tok.FetchedAt.IsZero() {
			tok.FetchedAt = p.cfg.Clock.Now()
		}
		p.cache.Set(latestKey, tok, ttlcache.DefaultTTL)
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return solana.FreshnessToken{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return solana.FreshnessToken{}, r.Err
		}
		return r.Val.(solana.FreshnessToken), nil
	}
}

func (p *Provider) fetchWithRetry(ctx context.Context) (solana.FreshnessToken, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryInterval

	attempt := 0
	return backoff.Retry(ctx, func() (solana.FreshnessToken, error) {
		attempt++
		if attempt > 1 {
			p.cfg.Logger.WarnContext(ctx, "failed to get latest blockhash, retrying", "attempt", attempt)
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.RecordRPCRetry("getLatestBlockhash", "network")
			}
		}
		tok, err := p.cfg.Fetcher.LatestBlockhash(ctx)
		if err != nil && !errors.Is(err, txerr.ErrNetwork) {
			return tok, backoff.Permanent(err)
		}
		return tok, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(p.cfg.MaxTries))
}

func (p *Provider) record(result string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordBlockhashCache(result)
	}
}
