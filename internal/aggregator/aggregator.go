// Package aggregator selects same-chain swap quotes across the direct
// exchange and the intent settlement order book. Selection is priority
// driven, not price driven: privacy requests prefer the order book and fall
// back to the direct exchange only when the order book fails.
package aggregator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/model"
	"github.com/decaflow/decaflow/internal/providers"
)

type Aggregator struct {
	direct providers.SwapProvider
	intent providers.SwapProvider
}

// New wires the two swap venues. Either may be nil, in which case requests
// that need it fail with no-route instead of a nil dereference.
func New(direct, intent providers.SwapProvider) *Aggregator {
	return &Aggregator{direct: direct, intent: intent}
}

// Best returns one quote under the priority policy. Warnings record
// per-provider failures that the fallback chain absorbed.
func (a *Aggregator) Best(ctx context.Context, req providers.SwapQuoteRequest) (model.SwapQuote, []string, error) {
	if err := validateRequest(req); err != nil {
		return model.SwapQuote{}, nil, err
	}

	var warnings []string
	if req.Private && a.intent != nil {
		quote, err := a.intent.QuoteSwap(ctx, req)
		if err == nil {
			return quote, warnings, nil
		}
		if ctx.Err() != nil {
			return model.SwapQuote{}, warnings, err
		}
		warnings = append(warnings, fmt.Sprintf("order book quote failed: %v", err))
	}
	if a.direct == nil {
		return model.SwapQuote{}, warnings, clierr.New(clierr.CodeNoRoute, "no swap provider available for this request")
	}
	quote, err := a.direct.QuoteSwap(ctx, req)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("direct exchange quote failed: %v", err))
		return model.SwapQuote{}, warnings, clierr.Wrap(clierr.CodeNoRoute, "all swap providers failed", err)
	}
	return quote, warnings, nil
}

// All queries every venue concurrently and returns the quotes that resolved,
// ordered direct exchange first. It fails only when no venue produced one.
func (a *Aggregator) All(ctx context.Context, req providers.SwapQuoteRequest) ([]model.SwapQuote, []string, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	type venue struct {
		name     string
		provider providers.SwapProvider
	}
	venues := make([]venue, 0, 2)
	if a.direct != nil {
		venues = append(venues, venue{"direct exchange", a.direct})
	}
	if a.intent != nil {
		venues = append(venues, venue{"order book", a.intent})
	}
	if len(venues) == 0 {
		return nil, nil, clierr.New(clierr.CodeNoRoute, "no swap provider available for this request")
	}

	quotes := make([]*model.SwapQuote, len(venues))
	errs := make([]error, len(venues))
	var wg sync.WaitGroup
	for i, v := range venues {
		wg.Add(1)
		go func(i int, v venue) {
			defer wg.Done()
			quote, err := v.provider.QuoteSwap(ctx, req)
			if err != nil {
				errs[i] = err
				return
			}
			quotes[i] = &quote
		}(i, v)
	}
	wg.Wait()

	var out []model.SwapQuote
	var warnings []string
	for i, q := range quotes {
		if q != nil {
			out = append(out, *q)
			continue
		}
		warnings = append(warnings, fmt.Sprintf("%s quote failed: %v", venues[i].name, errs[i]))
	}
	if len(out) == 0 {
		return nil, warnings, clierr.New(clierr.CodeNoRoute, "all swap providers failed")
	}
	return out, warnings, nil
}

// validateRequest rejects requests that must never reach a provider: empty
// or zero gross amounts and fee splits that leave nothing to trade.
func validateRequest(req providers.SwapQuoteRequest) error {
	gross := strings.TrimSpace(req.AmountBaseUnits)
	if gross == "" {
		return clierr.New(clierr.CodeUsage, "swap amount is required")
	}
	parsed, ok := new(big.Int).SetString(gross, 10)
	if !ok || parsed.Sign() <= 0 {
		return clierr.New(clierr.CodeUsage, "swap amount must be a positive integer in base units")
	}
	if strings.TrimSpace(req.Fee.NetBaseUnits) != "" {
		net, ok := new(big.Int).SetString(req.Fee.NetBaseUnits, 10)
		if !ok || net.Sign() <= 0 {
			return clierr.New(clierr.CodeUsage, "amount after platform fee is zero")
		}
	}
	return nil
}
