// Package router selects a cross-chain bridge mechanism. The order is fixed:
// the native burn-and-mint path when the token qualifies, the message router
// for allow-listed majors, and the aggregator as the route of last resort.
// Comparison mode queries every eligible mechanism instead.
package router

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

type Router struct {
	bridges []providers.BridgeProvider
}

// New wires the bridge mechanisms in priority order, typically cctp, ccip,
// socket. Nil entries are skipped.
func New(bridges ...providers.BridgeProvider) *Router {
	kept := make([]providers.BridgeProvider, 0, len(bridges))
	for _, b := range bridges {
		if b != nil {
			kept = append(kept, b)
		}
	}
	return &Router{bridges: kept}
}

// Best walks the priority chain and returns the first quote that resolves.
// Ineligible mechanisms and per-attempt failures become warnings; the error
// is no-route only when the whole chain is exhausted.
func (r *Router) Best(ctx context.Context, req providers.BridgeQuoteRequest) (model.BridgeQuote, []string, error) {
	if err := validateRequest(req); err != nil {
		return model.BridgeQuote{}, nil, err
	}
	if len(r.bridges) == 0 {
		return model.BridgeQuote{}, nil, clierr.New(clierr.CodeNoRoute, "no bridge provider available")
	}

	var warnings []string
	for _, bridge := range r.bridges {
		name := bridge.Info().Name
		if ok, reason := bridge.Supports(req); !ok {
			warnings = append(warnings, fmt.Sprintf("%s skipped: %s", name, reason))
			continue
		}
		quote, err := bridge.QuoteBridge(ctx, req)
		if err == nil {
			return quote, warnings, nil
		}
		if ctx.Err() != nil {
			return model.BridgeQuote{}, warnings, err
		}
		warnings = append(warnings, fmt.Sprintf("%s quote failed: %v", name, err))
	}
	return model.BridgeQuote{}, warnings, clierr.New(clierr.CodeNoRoute, "no bridge route available for this pair")
}

// All queries every eligible mechanism concurrently and returns the quotes
// that resolved, in priority order. It fails only when nothing resolved.
func (r *Router) All(ctx context.Context, req providers.BridgeQuoteRequest) ([]model.BridgeQuote, []string, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	var warnings []string
	eligible := make([]providers.BridgeProvider, 0, len(r.bridges))
	for _, bridge := range r.bridges {
		if ok, reason := bridge.Supports(req); !ok {
			warnings = append(warnings, fmt.Sprintf("%s skipped: %s", bridge.Info().Name, reason))
			continue
		}
		eligible = append(eligible, bridge)
	}
	if len(eligible) == 0 {
		return nil, warnings, clierr.New(clierr.CodeNoRoute, "no bridge mechanism is eligible for this pair")
	}

	quotes := make([]*model.BridgeQuote, len(eligible))
	errs := make([]error, len(eligible))
	var wg sync.WaitGroup
	for i, bridge := range eligible {
		wg.Add(1)
		go func(i int, bridge providers.BridgeProvider) {
			defer wg.Done()
			quote, err := bridge.QuoteBridge(ctx, req)
			if err != nil {
				errs[i] = err
				return
			}
			quotes[i] = &quote
		}(i, bridge)
	}
	wg.Wait()

	var out []model.BridgeQuote
	for i, q := range quotes {
		if q != nil {
			out = append(out, *q)
			continue
		}
		warnings = append(warnings, fmt.Sprintf("%s quote failed: %v", eligible[i].Info().Name, errs[i]))
	}
	if len(out) == 0 {
		return nil, warnings, clierr.New(clierr.CodeNoRoute, "all bridge providers failed")
	}
	return out, warnings, nil
}

// Select returns the priority-ordered provider with the given name, for
// executing a route the caller already chose in comparison mode.
func (r *Router) Select(name string) (providers.BridgeProvider, bool) {
	for _, bridge := range r.bridges {
		if strings.EqualFold(bridge.Info().Name, name) {
			return bridge, true
		}
	}
	return nil, false
}

func validateRequest(req providers.BridgeQuoteRequest) error {
	if req.FromChain.CAIP2 == req.ToChain.CAIP2 {
		return clierr.New(clierr.CodeUsage, "bridge requires different source and destination chains")
	}
	gross := strings.TrimSpace(req.AmountBaseUnits)
	if gross == "" {
		return clierr.New(clierr.CodeUsage, "bridge amount is required")
	}
	parsed, ok := new(big.Int).SetString(gross, 10)
	if !ok || parsed.Sign() <= 0 {
		return clierr.New(clierr.CodeUsage, "bridge amount must be a positive integer in base units")
	}
	if strings.TrimSpace(req.Fee.NetBaseUnits) != "" {
		net, ok := new(big.Int).SetString(req.Fee.NetBaseUnits, 10)
		if !ok || net.Sign() <= 0 {
			return clierr.New(clierr.CodeUsage, "amount after platform fee is zero")
		}
	}
	return nil
}
