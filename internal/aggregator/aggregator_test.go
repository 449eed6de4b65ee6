package aggregator

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/fees"
	"github.com/decaflow/decaflow/internal/id"
	"github.com/decaflow/decaflow/internal/model"
	"github.com/decaflow/decaflow/internal/providers"
	"github.com/decaflow/decaflow/internal/registry"
)

type stubSwapProvider struct {
	name  string
	quote model.SwapQuote
	err   error
	calls atomic.Int64
}

func (s *stubSwapProvider) Info() model.ProviderInfo {
	return model.ProviderInfo{Name: s.name, Type: "swap"}
}

func (s *stubSwapProvider) QuoteSwap(ctx context.Context, req providers.SwapQuoteRequest) (model.SwapQuote, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return model.SwapQuote{}, err
	}
	if s.err != nil {
		return model.SwapQuote{}, s.err
	}
	return s.quote, nil
}

func TestBestUsesDirectExchangeForPublicRequests(t *testing.T) {
	direct := &stubSwapProvider{name: "zeroex", quote: model.SwapQuote{Provider: "zeroex"}}
	intent := &stubSwapProvider{name: "cowswap", quote: model.SwapQuote{Provider: "cowswap"}}
	agg := New(direct, intent)

	quote, warnings, err := agg.Best(context.Background(), newSwapRequest(t, "1000000", false))
	if err != nil {
		t.Fatalf("Best failed: %v", err)
	}
	if quote.Provider != "zeroex" {
		t.Fatalf("expected direct exchange quote, got %s", quote.Provider)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if intent.calls.Load() != 0 {
		t.Fatal("order book must not be queried for public requests")
	}
}

func TestBestPrefersOrderBookForPrivateRequests(t *testing.T) {
	direct := &stubSwapProvider{name: "zeroex", quote: model.SwapQuote{Provider: "zeroex"}}
	intent := &stubSwapProvider{name: "cowswap", quote: model.SwapQuote{Provider: "cowswap", Private: true}}
	agg := New(direct, intent)

	quote, _, err := agg.Best(context.Background(), newSwapRequest(t, "1000000", true))
	if err != nil {
		t.Fatalf("Best failed: %v", err)
	}
	if quote.Provider != "cowswap" {
		t.Fatalf("expected order book quote, got %s", quote.Provider)
	}
	if direct.calls.Load() != 0 {
		t.Fatal("direct exchange must not be queried when the order book succeeds")
	}
}

func TestBestFallsBackWhenOrderBookFails(t *testing.T) {
	direct := &stubSwapProvider{name: "zeroex", quote: model.SwapQuote{Provider: "zeroex"}}
	intent := &stubSwapProvider{name: "cowswap", err: clierr.New(clierr.CodeProvider, "order book down")}
	agg := New(direct, intent)

	quote, warnings, err := agg.Best(context.Background(), newSwapRequest(t, "1000000", true))
	if err != nil {
		t.Fatalf("Best failed: %v", err)
	}
	if quote.Provider != "zeroex" {
		t.Fatalf("expected fallback quote, got %s", quote.Provider)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "order book down") {
		t.Fatalf("expected absorbed failure warning, got %v", warnings)
	}
}

func TestBestNoRouteWhenAllFail(t *testing.T) {
	direct := &stubSwapProvider{name: "zeroex", err: clierr.New(clierr.CodeProvider, "rate limited")}
	intent := &stubSwapProvider{name: "cowswap", err: clierr.New(clierr.CodeProvider, "order book down")}
	agg := New(direct, intent)

	_, _, err := agg.Best(context.Background(), newSwapRequest(t, "1000000", true))
	if err == nil {
		t.Fatal("expected no-route error")
	}
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeNoRoute {
		t.Fatalf("expected no-route code, got %v", err)
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected underlying failure preserved, got %v", err)
	}
}

func TestBestRejectsZeroAmountBeforeProviderCalls(t *testing.T) {
	direct := &stubSwapProvider{name: "zeroex"}
	agg := New(direct, nil)

	req := newSwapRequest(t, "1000000", false)
	req.AmountBaseUnits = "0"
	req.Fee = model.FeeInfo{}
	_, _, err := agg.Best(context.Background(), req)
	if err == nil {
		t.Fatal("expected zero-amount rejection")
	}
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeUsage {
		t.Fatalf("expected usage code, got %v", err)
	}
	if direct.calls.Load() != 0 {
		t.Fatal("provider must not be called for a zero amount")
	}
}

func TestBestRejectsNonPositiveNet(t *testing.T) {
	direct := &stubSwapProvider{name: "zeroex"}
	agg := New(direct, nil)

	req := newSwapRequest(t, "1000000", false)
	req.Fee.NetBaseUnits = "0"
	_, _, err := agg.Best(context.Background(), req)
	if err == nil {
		t.Fatal("expected non-positive net rejection")
	}
	if direct.calls.Load() != 0 {
		t.Fatal("provider must not be called when nothing remains after the fee")
	}
}

func TestAllCollectsSuccessesAndWarnsFailures(t *testing.T) {
	direct := &stubSwapProvider{name: "zeroex", quote: model.SwapQuote{Provider: "zeroex"}}
	intent := &stubSwapProvider{name: "cowswap", err: clierr.New(clierr.CodeProvider, "order book down")}
	agg := New(direct, intent)

	quotes, warnings, err := agg.All(context.Background(), newSwapRequest(t, "1000000", false))
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(quotes) != 1 || quotes[0].Provider != "zeroex" {
		t.Fatalf("unexpected quotes: %+v", quotes)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "order book") {
		t.Fatalf("expected order book warning, got %v", warnings)
	}
}

func TestAllFailsOnlyWhenEveryProviderFails(t *testing.T) {
	direct := &stubSwapProvider{name: "zeroex", err: clierr.New(clierr.CodeProvider, "down")}
	intent := &stubSwapProvider{name: "cowswap", err: clierr.New(clierr.CodeProvider, "down")}
	agg := New(direct, intent)

	_, _, err := agg.All(context.Background(), newSwapRequest(t, "1000000", false))
	if err == nil {
		t.Fatal("expected no-route error")
	}
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeNoRoute {
		t.Fatalf("expected no-route code, got %v", err)
	}
}

func newSwapRequest(t *testing.T, gross string, private bool) providers.SwapQuoteRequest {
	t.Helper()
	chain, err := id.ParseChain("ethereum")
	if err != nil {
		t.Fatalf("parse chain: %v", err)
	}
	fromAsset, err := id.ParseAsset("USDC", chain)
	if err != nil {
		t.Fatalf("parse from asset: %v", err)
	}
	toAsset, err := id.ParseAsset("WETH", chain)
	if err != nil {
		t.Fatalf("parse to asset: %v", err)
	}
	fee, err := fees.Describe(gross, fees.DefaultSwapBps, registry.TreasuryWallet, model.FeeCollectionDirectTransfer)
	if err != nil {
		t.Fatalf("fee split: %v", err)
	}
	return providers.SwapQuoteRequest{
		Chain:           chain,
		FromAsset:       fromAsset,
		ToAsset:         toAsset,
		AmountBaseUnits: gross,
		AmountDecimal:   "1",
		Private:         private,
		Fee:             fee,
	}
}
