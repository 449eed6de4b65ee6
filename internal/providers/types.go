package providers

import (
	"context"

	"github.com/decaflow/decaflow/internal/execution"
	"github.com/decaflow/decaflow/internal/id"
	"github.com/decaflow/decaflow/internal/model"
)

type Provider interface {
	Info() model.ProviderInfo
}

type SwapQuoteRequest struct {
	Chain           id.Chain
	FromAsset       id.Asset
	ToAsset         id.Asset
	AmountBaseUnits string
	AmountDecimal   string
	Taker           string
	SlippageBps     int64
	Private         bool
	// Fee is the platform split computed once per request by the caller and
	// reused verbatim at execution time.
	Fee model.FeeInfo
}

type SwapProvider interface {
	Provider
	QuoteSwap(ctx context.Context, req SwapQuoteRequest) (model.SwapQuote, error)
}

type SwapExecutionProvider interface {
	SwapProvider
	BuildSwapAction(ctx context.Context, req SwapQuoteRequest, opts SwapExecutionOptions) (execution.Action, error)
}

type SwapExecutionOptions struct {
	Sender      string
	Recipient   string
	SlippageBps int64
	Simulate    bool
	RPCURL      string
}

// OrderBookProvider submits signed settlement orders and reports their state.
// Implemented by intent-style venues where nothing is broadcast on-chain by
// the caller.
type OrderBookProvider interface {
	Provider
	SubmitOrder(ctx context.Context, chain id.Chain, order []byte, signature string, from string) (string, error)
	OrderStatus(ctx context.Context, chain id.Chain, uid string) (model.IntentStatus, error)
}

type BridgeQuoteRequest struct {
	FromChain       id.Chain
	ToChain         id.Chain
	FromAsset       id.Asset
	ToAsset         id.Asset
	AmountBaseUnits string
	AmountDecimal   string
	Sender          string
	Recipient       string
	Fee             model.FeeInfo
}

type BridgeProvider interface {
	Provider
	// Supports is a pre-network eligibility check. When it returns false the
	// reason explains why the mechanism is skipped during route selection.
	Supports(req BridgeQuoteRequest) (bool, string)
	QuoteBridge(ctx context.Context, req BridgeQuoteRequest) (model.BridgeQuote, error)
}

type BridgeExecutionProvider interface {
	BridgeProvider
	BuildBridgeAction(ctx context.Context, req BridgeQuoteRequest, opts BridgeExecutionOptions) (execution.Action, error)
}

type BridgeExecutionOptions struct {
	Sender      string
	Recipient   string
	SlippageBps int64
	Simulate    bool
	RPCURL      string
}
