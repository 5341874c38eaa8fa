// Package rateoracle implements the rate-oracle client consumed at
// invoice creation (spec.md §6.1): a cached HTTP lookup of the
// current ZEC/EUR and ZEC/USD rates, falling back to the most recent
// cached value on failure and finally to a hardcoded rate if no cache
// exists yet.
package rateoracle

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"cipherpay.dev/cipherpay-core/pkg/corelog"
)

var log = corelog.For("rateoracle")

const cacheTTL = 5 * time.Minute

// fallback rates used when no cached value is available at all
// (spec.md §6.1).
const (
	fallbackZecEUR = 220.0
	fallbackZecUSD = 240.0
)

// Rates is the current exchange rate snapshot.
type Rates struct {
	ZecEUR    float64   `json:"zec_eur"`
	ZecUSD    float64   `json:"zec_usd"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Client is the capability interface consumed by invoice creation
// (spec.md §9 design note: written against an interface, not a
// concrete HTTP client, so tests can substitute fakes).
type Client interface {
	CurrentRates(ctx context.Context) (Rates, error)
}

// HTTPClient fetches rates from a JSON HTTP endpoint and caches the
// result for cacheTTL, grounded on the same polling-with-fallback
// shape the teacher's cmd/exporter/exporter.go uses for periodic
// metrics collection.
type HTTPClient struct {
	baseURL string
	http    *http.Client

	mu        sync.Mutex
	cached    Rates
	haveCache bool
}

// New builds an HTTPClient pointed at baseURL, which must serve
// GET /current_rates returning {"zec_eur","zec_usd","updated_at"}.
func New(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// CurrentRates returns the cached rates if they are fresher than
// cacheTTL, otherwise fetches new ones. On fetch failure it falls
// back to the stale cached value if one exists, or the hardcoded
// fallback, logging the degradation either way.
func (c *HTTPClient) CurrentRates(ctx context.Context) (Rates, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.haveCache && time.Since(c.cached.UpdatedAt) < cacheTTL {
		return c.cached, nil
	}

	fresh, err := c.fetch(ctx)
	if err != nil {
		if c.haveCache {
			log.WithError(err).Warn("rate oracle fetch failed, using stale cached rates")
			return c.cached, nil
		}
		log.WithError(err).Warn("rate oracle fetch failed with no cache, using hardcoded fallback rates")
		fallback := Rates{ZecEUR: fallbackZecEUR, ZecUSD: fallbackZecUSD, UpdatedAt: time.Now()}
		c.cached = fallback
		c.haveCache = true
		return fallback, nil
	}

	c.cached = fresh
	c.haveCache = true
	return fresh, nil
}

func (c *HTTPClient) fetch(ctx context.Context) (Rates, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/current_rates", nil)
	if err != nil {
		return Rates{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Rates{}, errors.Wrap(err, "rateoracle: request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Rates{}, errors.Errorf("rateoracle: unexpected status %d", resp.StatusCode)
	}

	var rates Rates
	if err := json.NewDecoder(resp.Body).Decode(&rates); err != nil {
		return Rates{}, errors.Wrap(err, "rateoracle: decode")
	}
	return rates, nil
}
