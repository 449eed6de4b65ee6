// Package prices serves display-layer spot prices from CoinGecko's simple
// price endpoint, cached with a short TTL. Prices are advisory only: route
// selection and fee arithmetic never depend on them, so a miss degrades to a
// zero price instead of an error.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/decaflow/decaflow/internal/cache"
	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/httpx"
	"github.com/decaflow/decaflow/internal/model"
	"github.com/decaflow/decaflow/internal/registry"
)

const (
	// DefaultTTL bounds how stale a displayed price can be.
	DefaultTTL = 5 * time.Minute

	defaultCurrency = "usd"
)

// coinIDBySymbol maps the symbols the token registry knows to CoinGecko
// coin identifiers.
var coinIDBySymbol = map[string]string{
	"ETH":   "ethereum",
	"WETH":  "weth",
	"BNB":   "binancecoin",
	"MATIC": "matic-network",
	"POL":   "matic-network",
	"AVAX":  "avalanche-2",
	"USDC":  "usd-coin",
	"USDT":  "tether",
	"DAI":   "dai",
	"LINK":  "chainlink",
}

type Service struct {
	http    *httpx.Client
	baseURL string
	store   *cache.Store
	ttl     time.Duration
	now     func() time.Time
}

// New builds a price service. The cache store may be nil, in which case
// every lookup goes to the network.
func New(httpClient *httpx.Client, store *cache.Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		http:    httpClient,
		baseURL: registry.CoinGeckoBaseURL,
		store:   store,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Spot returns the current price for a token symbol in the given currency.
// Unknown symbols and upstream failures yield a zero price, never an error,
// so callers can render quotes without a working oracle.
func (s *Service) Spot(ctx context.Context, symbol, currency string) model.PriceQuote {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if currency == "" {
		currency = defaultCurrency
	}
	currency = strings.ToLower(currency)

	quote := model.PriceQuote{
		Symbol:    symbol,
		Currency:  currency,
		FetchedAt: s.now().UTC().Format(time.RFC3339),
	}
	coinID, ok := coinIDBySymbol[symbol]
	if !ok {
		return quote
	}
	quote.CoinID = coinID

	key := cacheKey(coinID, currency)
	if s.store != nil {
		if res, err := s.store.Get(key, 0); err == nil && res.Hit && !res.Stale {
			var cached model.PriceQuote
			if json.Unmarshal(res.Value, &cached) == nil {
				return cached
			}
		}
	}

	price, err := s.fetch(ctx, coinID, currency)
	if err != nil {
		return quote
	}
	quote.Price = price

	if s.store != nil {
		if raw, err := json.Marshal(quote); err == nil {
			_ = s.store.Set(key, raw, s.ttl)
		}
	}
	return quote
}

func (s *Service) fetch(ctx context.Context, coinID, currency string) (float64, error) {
	vals := url.Values{}
	vals.Set("ids", coinID)
	vals.Set("vs_currencies", currency)
	reqURL := s.baseURL + "/simple/price?" + vals.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeInternal, "build price request", err)
	}
	var resp map[string]map[string]float64
	if _, err := s.http.DoJSON(ctx, req, &resp); err != nil {
		return 0, err
	}
	price, ok := resp[coinID][currency]
	if !ok {
		return 0, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("no %s price for %s", currency, coinID))
	}
	return price, nil
}

func cacheKey(coinID, currency string) string {
	return "price:" + coinID + ":" + currency
}
