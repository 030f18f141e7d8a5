package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/vanshika/paybridge/backend/internal/clock"
	"github.com/vanshika/paybridge/backend/internal/domain"
	"github.com/vanshika/paybridge/backend/internal/expiring"
)

const (
	// DefaultTTL is how long a fetched rate is served before refreshing.
	DefaultTTL = 300 * time.Second
	// DefaultFetchTimeout bounds one call to the rate source.
	DefaultFetchTimeout = 5 * time.Second
)

// DefaultFallbackRate is served when no rate has ever been fetched and the
// source is down: 1 KES = 0.007 USDC.
var DefaultFallbackRate = decimal.RequireFromString("0.007")

// Source fetches a KES→USDC rate from an external provider.
type Source interface {
	FetchRate(ctx context.Context) (decimal.Decimal, error)
}

// Quote is the rate handed to callers plus where it came from.
type Quote struct {
	Rate      decimal.Decimal
	FetchedAt time.Time
	Stale     bool
	Fallback  bool
}

// Degraded reports whether the quote did not come from a fresh fetch.
func (q Quote) Degraded() bool {
	return q.Stale || q.Fallback
}

// Options configures a Cache.
type Options struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	FallbackRate decimal.Decimal
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Cache serves a time-bounded KES→USDC rate. At most one refresh is in
// flight at a time; while it runs, callers holding a previous value get it
// without waiting.
type Cache struct {
	source   Source
	ttl      time.Duration
	timeout  time.Duration
	fallback decimal.Decimal
	clock    clock.Clock
	logger   *slog.Logger

	value      expiring.Value[decimal.Decimal]
	group      singleflight.Group
	refreshing atomic.Bool
	fetches    atomic.Int64
}

// NewCache constructs a Cache around source.
func NewCache(source Source, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if !opts.FallbackRate.IsPositive() {
		opts.FallbackRate = DefaultFallbackRate
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		source:   source,
		ttl:      opts.TTL,
		timeout:  opts.FetchTimeout,
		fallback: domain.QuantizeRate(opts.FallbackRate),
		clock:    opts.Clock,
		logger:   opts.Logger.With("component", "rate_cache"),
	}
}

// Rate returns the current KES→USDC conversion factor. It never fails.
func (c *Cache) Rate(ctx context.Context) decimal.Decimal {
	return c.Quote(ctx).Rate
}

// Quote returns the current rate with its provenance.
func (c *Cache) Quote(ctx context.Context) Quote {
	entry, ok := c.value.Load()
	if ok && !entry.Expired(c.clock.Now()) {
		return Quote{Rate: entry.Value, FetchedAt: entry.FetchedAt}
	}
	// Only the caller that flips the flag starts a refresh; anyone else
	// holding a previous value takes it.
	starter := c.refreshing.CompareAndSwap(false, true)
	if ok && !starter {
		return Quote{Rate: entry.Value, FetchedAt: entry.FetchedAt, Stale: true}
	}
	if starter {
		defer c.refreshing.Store(false)
	}

	ch := c.group.DoChan("rate", func() (any, error) {
		return c.refresh()
	})

	var err error
	select {
	case res := <-ch:
		if res.Err == nil {
			fresh := res.Val.(expiring.Entry[decimal.Decimal])
			return Quote{Rate: fresh.Value, FetchedAt: fresh.FetchedAt}
		}
		err = res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}

	if entry, ok := c.value.Load(); ok {
		c.logger.Warn("serving stale exchange rate", "rate", entry.Value.String(), "fetched_at", entry.FetchedAt, "error", err)
		return Quote{Rate: entry.Value, FetchedAt: entry.FetchedAt, Stale: true}
	}
	c.logger.Warn("exchange rate degraded to fallback",
		"rate", c.fallback.String(),
		"error", fmt.Errorf("%w: %v", domain.ErrRateUnavailable, err),
	)
	return Quote{Rate: c.fallback, Fallback: true}
}

// Snapshot returns the cached entry without triggering a refresh.
func (c *Cache) Snapshot() (expiring.Entry[decimal.Decimal], bool) {
	return c.value.Load()
}

// Fetches reports how many outbound refreshes have been attempted.
func (c *Cache) Fetches() int64 {
	return c.fetches.Load()
}

// KESToUSDC converts at the current rate, rounding half-up to 6 places.
func (c *Cache) KESToUSDC(ctx context.Context, amountKES decimal.Decimal) decimal.Decimal {
	return domain.ConvertKESToUSDC(amountKES, c.Rate(ctx))
}

// USDCToKES converts at the current rate, rounding half-up to 2 places.
func (c *Cache) USDCToKES(ctx context.Context, amountUSDC decimal.Decimal) decimal.Decimal {
	// Rates served by the cache are always positive.
	kes, _ := domain.ConvertUSDCToKES(amountUSDC, c.Rate(ctx))
	return kes
}

func (c *Cache) refresh() (expiring.Entry[decimal.Decimal], error) {
	c.fetches.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	rate, err := c.source.FetchRate(ctx)
	if err != nil {
		return expiring.Entry[decimal.Decimal]{}, fmt.Errorf("fetch rate: %w", err)
	}
	rate = domain.QuantizeRate(rate)
	if !rate.IsPositive() {
		return expiring.Entry[decimal.Decimal]{}, errors.New("fetch rate: source returned a non-positive rate")
	}

	entry := c.value.Store(rate, c.clock.Now(), c.ttl)
	c.logger.Info("exchange rate updated", "rate", rate.String(), "expires_at", entry.ExpiresAt)
	return entry, nil
}
