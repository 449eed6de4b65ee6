package model

import (
	"encoding/json"
	"time"
)

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Cache     CacheStatus      `json:"cache"`
	Partial   bool             `json:"partial"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

type ProviderInfo struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	RequiresKey   bool     `json:"requires_key"`
	Capabilities  []string `json:"capabilities"`
	KeyEnvVarName string   `json:"key_env_var,omitempty"`
}

type AssetResolution struct {
	Input       string `json:"input"`
	ChainID     string `json:"chain_id"`
	Symbol      string `json:"symbol"`
	AssetID     string `json:"asset_id"`
	Address     string `json:"address"`
	Decimals    int    `json:"decimals"`
	ResolvedBy  string `json:"resolved_by"`
	Unambiguous bool   `json:"unambiguous"`
}

type AmountInfo struct {
	AmountBaseUnits string `json:"amount_base_units"`
	AmountDecimal   string `json:"amount_decimal"`
	Decimals        int    `json:"decimals"`
}

// FeeInfo records the platform fee split applied to a quote. The split is
// computed once per request and carried unchanged into execution, so
// FeeBaseUnits + NetBaseUnits always equals GrossBaseUnits.
type FeeInfo struct {
	Bps            int64  `json:"bps"`
	GrossBaseUnits string `json:"gross_base_units"`
	FeeBaseUnits   string `json:"fee_base_units"`
	NetBaseUnits   string `json:"net_base_units"`
	Treasury       string `json:"treasury,omitempty"`
	Collection     string `json:"collection"`
}

// Fee collection modes: how the platform fee physically leaves the sender.
const (
	FeeCollectionDirectTransfer = "direct_transfer"
	FeeCollectionForwarded      = "forwarded"
	FeeCollectionNone           = "none"
)

// Execution payload kinds.
const (
	PayloadDirectCall            = "direct_call"
	PayloadForwardedCall         = "forwarded_call"
	PayloadSignedOrderSubmission = "signed_order_submission"
)

// ExecutionPayload is the provider-specific recipe for executing a quote.
// Exactly one of Call or Order is set, selected by Kind.
type ExecutionPayload struct {
	Kind  string        `json:"kind"`
	Call  *ContractCall `json:"call,omitempty"`
	Order *SignedOrder  `json:"order,omitempty"`
}

// ContractCall is a transaction to sign and broadcast. For forwarded calls To
// is the fee-forwarding contract and the provider calldata is wrapped inside.
type ContractCall struct {
	To              string `json:"to"`
	Data            string `json:"data"`
	ValueBaseUnits  string `json:"value_base_units,omitempty"`
	GasEstimate     string `json:"gas_estimate,omitempty"`
	AllowanceTarget string `json:"allowance_target,omitempty"`
}

// SignedOrder is an off-chain order to sign with EIP-712 and POST to the
// settlement provider's order book. Nothing is broadcast by the caller.
type SignedOrder struct {
	SettlementContract string          `json:"settlement_contract"`
	AllowanceTarget    string          `json:"allowance_target"`
	EVMChainID         int64           `json:"evm_chain_id"`
	Order              json.RawMessage `json:"order"`
	SubmitURL          string          `json:"submit_url"`
}

type SwapQuote struct {
	Provider        string            `json:"provider"`
	ChainID         string            `json:"chain_id"`
	FromAssetID     string            `json:"from_asset_id"`
	ToAssetID       string            `json:"to_asset_id"`
	InputAmount     AmountInfo        `json:"input_amount"`
	Fee             FeeInfo           `json:"fee"`
	EstimatedOut    AmountInfo        `json:"estimated_out"`
	MinOut          string            `json:"min_out,omitempty"`
	EstimatedGasUSD float64           `json:"estimated_gas_usd"`
	PriceImpactPct  float64           `json:"price_impact_pct"`
	Private         bool              `json:"private"`
	Route           string            `json:"route"`
	Payload         *ExecutionPayload `json:"payload,omitempty"`
	ExpiresAt       string            `json:"expires_at,omitempty"`
	SourceURL       string            `json:"source_url,omitempty"`
	FetchedAt       string            `json:"fetched_at"`
}

type BridgeQuote struct {
	Provider        string            `json:"provider"`
	Mechanism       string            `json:"mechanism"`
	FromChainID     string            `json:"from_chain_id"`
	ToChainID       string            `json:"to_chain_id"`
	FromAssetID     string            `json:"from_asset_id"`
	ToAssetID       string            `json:"to_asset_id"`
	InputAmount     AmountInfo        `json:"input_amount"`
	Fee             FeeInfo           `json:"fee"`
	EstimatedOut    AmountInfo        `json:"estimated_out"`
	NativeFee       *AmountInfo       `json:"native_fee,omitempty"`
	EstimatedFeeUSD float64           `json:"estimated_fee_usd"`
	EstimatedTimeS  int64             `json:"estimated_time_s"`
	Route           string            `json:"route"`
	Payload         *ExecutionPayload `json:"payload,omitempty"`
	SourceURL       string            `json:"source_url,omitempty"`
	FetchedAt       string            `json:"fetched_at"`
}

// TokenListing is the registry view of one chain's known tokens.
type TokenListing struct {
	Chain        string       `json:"chain"`
	ChainID      string       `json:"chain_id"`
	NativeSymbol string       `json:"native_symbol"`
	Tokens       []TokenEntry `json:"tokens"`
}

type TokenEntry struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
}

// TokenMetadata is ERC-20 metadata read directly from the chain, annotated
// with whether the local registry already knows the address.
type TokenMetadata struct {
	Chain          string `json:"chain"`
	ChainID        string `json:"chain_id"`
	Address        string `json:"address"`
	Name           string `json:"name"`
	Symbol         string `json:"symbol"`
	Decimals       int    `json:"decimals"`
	InRegistry     bool   `json:"in_registry"`
	RegistrySymbol string `json:"registry_symbol,omitempty"`
}

// PriceQuote is a spot price from the price oracle, cached with a short TTL.
type PriceQuote struct {
	Symbol    string  `json:"symbol"`
	CoinID    string  `json:"coin_id"`
	Currency  string  `json:"currency"`
	Price     float64 `json:"price"`
	FetchedAt string  `json:"fetched_at"`
}

// IntentStatus is the order-book view of a submitted settlement order.
type IntentStatus struct {
	UID               string `json:"uid"`
	Status            string `json:"status"`
	ExecutedSellExact string `json:"executed_sell_amount,omitempty"`
	ExecutedBuyExact  string `json:"executed_buy_amount,omitempty"`
	TxHash            string `json:"tx_hash,omitempty"`
	FetchedAt         string `json:"fetched_at"`
}
