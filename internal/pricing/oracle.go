package pricing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Quote is the last observed Pi/USD rate.
type Quote struct {
	Price      decimal.Decimal
	ObservedAt time.Time
}

// RateCache mirrors the last good rate into shared storage so fresh processes
// start from something better than the fallback constant.
type RateCache interface {
	CacheRate(ctx context.Context, rate decimal.Decimal) error
	GetCachedRate(ctx context.Context) (decimal.Decimal, error)
}

// Config for the oracle. Zero values get sensible defaults in New.
type Config struct {
	FeedURL         string
	RefreshInterval time.Duration
	FallbackRate    decimal.Decimal
	Timeout         time.Duration
}

// Oracle tracks the Pi/USD exchange rate. Readers always get the last good
// value; the refresh loop never blocks a purchase and failures fall back to
// the configured constant.
type Oracle struct {
	cfg   Config
	httpc *http.Client
	cache RateCache
	log   *zap.SugaredLogger

	mu   sync.RWMutex
	last *Quote

	stop chan struct{}
	done chan struct{}
}

// NewOracle constructs the oracle. cache may be nil.
func NewOracle(cfg Config, cache RateCache, logger *zap.SugaredLogger) *Oracle {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FallbackRate.IsZero() {
		cfg.FallbackRate = decimal.RequireFromString("0.24069")
	}
	return &Oracle{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.Timeout},
		cache: cache,
		log:   logger,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the background refresh loop.
func (o *Oracle) Start(ctx context.Context) {
	go func() {
		defer close(o.done)
		if err := o.refresh(ctx); err != nil {
			o.log.Warnf("initial rate fetch: %v", err)
		}
		ticker := time.NewTicker(o.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := o.refresh(ctx); err != nil {
					o.log.Warnf("rate refresh: %v", err)
				}
			case <-o.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the refresh loop and waits for it to exit.
func (o *Oracle) Stop() {
	close(o.stop)
	<-o.done
}

// CurrentRate returns the last known good quote, the shared cache mirror, or
// the fallback constant. It never fails and never waits on the feed.
func (o *Oracle) CurrentRate() Quote {
	o.mu.RLock()
	last := o.last
	o.mu.RUnlock()
	if last != nil {
		return *last
	}
	if o.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if rate, err := o.cache.GetCachedRate(ctx); err == nil && rate.IsPositive() {
			return Quote{Price: rate, ObservedAt: time.Now()}
		}
	}
	return Quote{Price: o.cfg.FallbackRate, ObservedAt: time.Now()}
}

// ToPi converts the oracle's settlement-currency amount at the current rate.
func (o *Oracle) ToPi(usd decimal.Decimal) decimal.Decimal {
	return ToPi(usd, o.CurrentRate().Price)
}

// ToUSD converts a Pi amount at the current rate.
func (o *Oracle) ToUSD(pi decimal.Decimal) decimal.Decimal {
	return ToUSD(pi, o.CurrentRate().Price)
}

// ToPi converts a USD amount to Pi at rate, 8 decimal places.
func ToPi(usd, rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return decimal.Zero
	}
	return usd.DivRound(rate, 8)
}

// ToUSD converts a Pi amount to USD at rate, 4 decimal places.
func ToUSD(pi, rate decimal.Decimal) decimal.Decimal {
	return pi.Mul(rate).Round(4)
}

func (o *Oracle) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.FeedURL, nil)
	if err != nil {
		return err
	}
	resp, err := o.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("price feed status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		o.log.Warnf("price feed returned %q body: %.200s", ct, body)
		return errors.New("price feed returned non-JSON payload")
	}

	field := gjson.GetBytes(body, "price")
	if !field.Exists() {
		return errors.New("price feed payload missing price field")
	}
	price, err := decimal.NewFromString(field.String())
	if err != nil {
		return fmt.Errorf("non-numeric price %q", field.String())
	}
	if !price.IsPositive() {
		return fmt.Errorf("non-positive price %s", price)
	}

	q := Quote{Price: price, ObservedAt: time.Now()}
	o.mu.Lock()
	o.last = &q
	o.mu.Unlock()

	if o.cache != nil {
		if err := o.cache.CacheRate(ctx, price); err != nil {
			o.log.Warnf("cache rate: %v", err)
		}
	}
	return nil
}
