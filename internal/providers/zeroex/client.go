package zeroex

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/execution"
	"github.com/decaflow/decaflow/internal/httpx"
	"github.com/decaflow/decaflow/internal/id"
	"github.com/decaflow/decaflow/internal/model"
	"github.com/decaflow/decaflow/internal/providers"
	"github.com/decaflow/decaflow/internal/registry"
)

// Client quotes same-chain swaps against the 0x-style direct exchange API.
// The sell amount sent upstream is always the post-fee net amount; the
// platform fee is collected separately (direct transfer or fee router).
type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	now     func() time.Time
}

func New(httpClient *httpx.Client) *Client {
	return &Client{http: httpClient, baseURL: registry.ZeroExBaseURL, now: time.Now}
}

// SetAPIKey attaches the venue API key sent as the 0x-api-key header.
func (c *Client) SetAPIKey(key string) {
	c.apiKey = strings.TrimSpace(key)
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          "zeroex",
		Type:          "swap",
		RequiresKey:   true,
		KeyEnvVarName: "DECAFLOW_ZEROEX_API_KEY",
		Capabilities: []string{
			"swap.quote",
			"swap.plan",
			"swap.execute",
		},
	}
}

type quoteResponse struct {
	Price                string        `json:"price"`
	BuyAmount            string        `json:"buyAmount"`
	SellAmount           string        `json:"sellAmount"`
	EstimatedGas         string        `json:"estimatedGas"`
	Gas                  string        `json:"gas"`
	To                   string        `json:"to"`
	Data                 string        `json:"data"`
	Value                string        `json:"value"`
	AllowanceTarget      string        `json:"allowanceTarget"`
	EstimatedPriceImpact string        `json:"estimatedPriceImpact"`
	Sources              []quoteSource `json:"sources"`
}

type quoteSource struct {
	Name       string `json:"name"`
	Proportion string `json:"proportion"`
}

func (c *Client) QuoteSwap(ctx context.Context, req providers.SwapQuoteRequest) (model.SwapQuote, error) {
	if !req.Chain.IsEVM() {
		return model.SwapQuote{}, clierr.New(clierr.CodeUnsupported, "direct exchange quotes support only EVM chains")
	}
	sellAmount, err := netSellAmount(req)
	if err != nil {
		return model.SwapQuote{}, err
	}
	if req.SlippageBps < 0 || req.SlippageBps > 10_000 {
		return model.SwapQuote{}, clierr.New(clierr.CodeUsage, "slippage must be between 0 and 10000 basis points")
	}
	slippageBps := req.SlippageBps
	if slippageBps == 0 {
		slippageBps = 50
	}

	vals := url.Values{}
	vals.Set("chainId", strconv.FormatInt(req.Chain.EVMChainID, 10))
	vals.Set("sellToken", req.FromAsset.Address)
	vals.Set("buyToken", req.ToAsset.Address)
	vals.Set("sellAmount", sellAmount.String())
	vals.Set("slippagePercentage", formatSlippage(slippageBps))
	if strings.TrimSpace(req.Taker) != "" {
		vals.Set("takerAddress", strings.TrimSpace(req.Taker))
	}

	reqURL := c.baseURL + "/swap/v1/quote?" + vals.Encode()
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return model.SwapQuote{}, clierr.Wrap(clierr.CodeInternal, "build direct exchange quote request", err)
	}
	if c.apiKey != "" {
		hReq.Header.Set("0x-api-key", c.apiKey)
	}
	var resp quoteResponse
	if _, err := c.http.DoJSON(ctx, hReq, &resp); err != nil {
		return model.SwapQuote{}, err
	}
	if strings.TrimSpace(resp.BuyAmount) == "" {
		return model.SwapQuote{}, clierr.New(clierr.CodeUnavailable, "direct exchange quote missing output amount")
	}

	minOut, err := minBuyAmount(resp.BuyAmount, slippageBps)
	if err != nil {
		return model.SwapQuote{}, clierr.Wrap(clierr.CodeUnavailable, "parse direct exchange output amount", err)
	}

	fee := req.Fee
	fee.Collection = feeCollectionMode(req)

	var payload *model.ExecutionPayload
	if strings.TrimSpace(resp.To) != "" && strings.TrimSpace(resp.Data) != "" {
		payload = &model.ExecutionPayload{
			Kind: payloadKind(req),
			Call: &model.ContractCall{
				To:              resp.To,
				Data:            resp.Data,
				ValueBaseUnits:  firstNonEmpty(resp.Value, "0"),
				GasEstimate:     firstNonEmpty(resp.EstimatedGas, resp.Gas),
				AllowanceTarget: resp.AllowanceTarget,
			},
		}
	}

	priceImpact, _ := strconv.ParseFloat(resp.EstimatedPriceImpact, 64)
	return model.SwapQuote{
		Provider:       "zeroex",
		ChainID:        req.Chain.CAIP2,
		FromAssetID:    req.FromAsset.AssetID,
		ToAssetID:      req.ToAsset.AssetID,
		InputAmount:    inputAmount(req),
		Fee:            fee,
		EstimatedOut:   outputAmount(resp.BuyAmount, req.ToAsset.Decimals),
		MinOut:         minOut.String(),
		PriceImpactPct: priceImpact,
		Private:        false,
		Route:          routeDescription(resp.Sources),
		Payload:        payload,
		SourceURL:      "https://0x.org",
		FetchedAt:      c.now().UTC().Format(time.RFC3339),
	}, nil
}

func (c *Client) BuildSwapAction(ctx context.Context, req providers.SwapQuoteRequest, opts providers.SwapExecutionOptions) (execution.Action, error) {
	sender := strings.TrimSpace(opts.Sender)
	if !common.IsHexAddress(sender) {
		return execution.Action{}, clierr.New(clierr.CodeUsage, "swap execution requires a valid sender address")
	}
	quoteReq := req
	quoteReq.Taker = sender
	if opts.SlippageBps > 0 {
		quoteReq.SlippageBps = opts.SlippageBps
	}
	quote, err := c.QuoteSwap(ctx, quoteReq)
	if err != nil {
		return execution.Action{}, err
	}
	if quote.Payload == nil || quote.Payload.Call == nil {
		return execution.Action{}, clierr.New(clierr.CodeUnavailable, "direct exchange quote missing executable transaction payload")
	}
	call := quote.Payload.Call

	rpcURL, err := registry.ResolveRPCURL(opts.RPCURL, req.Chain.EVMChainID)
	if err != nil {
		return execution.Action{}, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}

	gross, feeAmount, netAmount, err := feeSplitAmounts(req.Fee)
	if err != nil {
		return execution.Action{}, err
	}

	action := execution.NewAction(execution.NewActionID(), "swap", req.Chain.CAIP2, execution.Constraints{
		SlippageBps: quoteReq.SlippageBps,
		Simulate:    opts.Simulate,
	})
	action.Provider = "zeroex"
	action.FromAddress = sender
	action.ToAddress = sender
	action.InputAmount = gross.String()
	action.Fee = quote.Fee
	action.PayloadKind = quote.Payload.Kind
	action.Metadata = map[string]any{
		"from_asset_id": req.FromAsset.AssetID,
		"to_asset_id":   req.ToAsset.AssetID,
		"min_out":       quote.MinOut,
		"route":         quote.Route,
	}

	if router, ok := registry.FeeRouterAddress(req.Chain.EVMChainID); ok && !req.FromAsset.IsNative() {
		return c.buildForwardedAction(ctx, action, req, call, router, rpcURL, sender, gross, feeAmount)
	}
	return c.buildDirectAction(ctx, action, req, call, rpcURL, sender, feeAmount, netAmount)
}

// buildDirectAction collects the fee with a separate transfer and submits the
// venue calldata as-is. Approval covers only the net amount the venue pulls.
// The approval step always comes first: the fee transfer needs no allowance,
// and any step ahead of a pending approval would drive the action straight to
// executing while the approval is still outstanding.
func (c *Client) buildDirectAction(ctx context.Context, action execution.Action, req providers.SwapQuoteRequest, call *model.ContractCall, rpcURL, sender string, feeAmount, netAmount *big.Int) (execution.Action, error) {
	if !req.FromAsset.IsNative() && common.IsHexAddress(call.AllowanceTarget) {
		needsApproval, err := allowanceShort(ctx, rpcURL, req.FromAsset.Address, sender, call.AllowanceTarget, netAmount)
		if err != nil {
			return execution.Action{}, err
		}
		if needsApproval {
			step, err := execution.NewApprovalStep(req.Chain.CAIP2, rpcURL, req.FromAsset.Address, req.FromAsset.Symbol, call.AllowanceTarget, netAmount.String())
			if err != nil {
				return execution.Action{}, err
			}
			action.Steps = append(action.Steps, step)
		}
	}

	if feeAmount.Sign() > 0 && strings.TrimSpace(req.Fee.Treasury) != "" {
		feeStep, err := feeTransferStep(req, rpcURL, feeAmount)
		if err != nil {
			return execution.Action{}, err
		}
		action.Steps = append(action.Steps, feeStep)
	}

	action.Steps = append(action.Steps, execution.ActionStep{
		StepID:      "swap-tokens",
		Type:        execution.StepTypeSwap,
		Status:      execution.StepStatusPending,
		ChainID:     req.Chain.CAIP2,
		RPCURL:      rpcURL,
		Description: fmt.Sprintf("Swap %s for %s", strings.ToUpper(req.FromAsset.Symbol), strings.ToUpper(req.ToAsset.Symbol)),
		Target:      common.HexToAddress(call.To).Hex(),
		Data:        ensureHexPrefix(call.Data),
		Value:       firstNonEmpty(call.ValueBaseUnits, "0"),
	})
	return action, nil
}

// buildForwardedAction wraps the venue call in the fee router, which pulls
// the gross amount, retains the fee and forwards the remainder. One on-chain
// step instead of transfer+swap; approval covers the gross amount.
func (c *Client) buildForwardedAction(ctx context.Context, action execution.Action, req providers.SwapQuoteRequest, call *model.ContractCall, router, rpcURL, sender string, gross, feeAmount *big.Int) (execution.Action, error) {
	targetData, err := decodeHexData(call.Data)
	if err != nil {
		return execution.Action{}, clierr.Wrap(clierr.CodeUsage, "decode venue calldata", err)
	}
	forwardData, err := feeRouterABI.Pack(
		"forwardSwap",
		common.HexToAddress(req.FromAsset.Address),
		gross,
		big.NewInt(req.Fee.Bps),
		common.HexToAddress(req.Fee.Treasury),
		common.HexToAddress(call.AllowanceTarget),
		common.HexToAddress(call.To),
		targetData,
	)
	if err != nil {
		return execution.Action{}, clierr.Wrap(clierr.CodeInternal, "pack fee router calldata", err)
	}

	needsApproval, err := allowanceShort(ctx, rpcURL, req.FromAsset.Address, sender, router, gross)
	if err != nil {
		return execution.Action{}, err
	}
	if needsApproval {
		step, err := execution.NewApprovalStep(req.Chain.CAIP2, rpcURL, req.FromAsset.Address, req.FromAsset.Symbol, router, gross.String())
		if err != nil {
			return execution.Action{}, err
		}
		action.Steps = append(action.Steps, step)
	}

	action.PayloadKind = model.PayloadForwardedCall
	action.Metadata["fee_router"] = common.HexToAddress(router).Hex()
	action.Metadata["fee_bps"] = req.Fee.Bps
	action.Metadata["fee_base_units"] = feeAmount.String()
	action.Steps = append(action.Steps, execution.ActionStep{
		StepID:      "forward-swap",
		Type:        execution.StepTypeSwap,
		Status:      execution.StepStatusPending,
		ChainID:     req.Chain.CAIP2,
		RPCURL:      rpcURL,
		Description: fmt.Sprintf("Swap %s for %s via fee router", strings.ToUpper(req.FromAsset.Symbol), strings.ToUpper(req.ToAsset.Symbol)),
		Target:      common.HexToAddress(router).Hex(),
		Data:        "0x" + common.Bytes2Hex(forwardData),
		Value:       firstNonEmpty(call.ValueBaseUnits, "0"),
	})
	return action, nil
}

func feeTransferStep(req providers.SwapQuoteRequest, rpcURL string, feeAmount *big.Int) (execution.ActionStep, error) {
	step := execution.ActionStep{
		StepID:      "collect-fee",
		Type:        execution.StepTypeSwap,
		Status:      execution.StepStatusPending,
		ChainID:     req.Chain.CAIP2,
		RPCURL:      rpcURL,
		Description: "Transfer platform fee to treasury",
	}
	if req.FromAsset.IsNative() {
		step.Target = common.HexToAddress(req.Fee.Treasury).Hex()
		step.Data = "0x"
		step.Value = feeAmount.String()
		return step, nil
	}
	data, err := execution.PackTransfer(common.HexToAddress(req.Fee.Treasury), feeAmount)
	if err != nil {
		return execution.ActionStep{}, err
	}
	step.Target = common.HexToAddress(req.FromAsset.Address).Hex()
	step.Data = data
	step.Value = "0"
	return step, nil
}

func allowanceShort(ctx context.Context, rpcURL, token, owner, spender string, required *big.Int) (bool, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return false, clierr.Wrap(clierr.CodeUnavailable, "connect rpc for allowance check", err)
	}
	defer client.Close()
	current, err := execution.ReadAllowance(ctx, client, common.HexToAddress(token), common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return false, err
	}
	return current.Cmp(required) < 0, nil
}

func netSellAmount(req providers.SwapQuoteRequest) (*big.Int, error) {
	raw := strings.TrimSpace(req.Fee.NetBaseUnits)
	if raw == "" {
		raw = strings.TrimSpace(req.AmountBaseUnits)
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeUsage, "swap amount must be a positive integer in base units")
	}
	return amount, nil
}

func feeSplitAmounts(fee model.FeeInfo) (gross, feeAmount, net *big.Int, err error) {
	gross, ok := new(big.Int).SetString(strings.TrimSpace(fee.GrossBaseUnits), 10)
	if !ok || gross.Sign() <= 0 {
		return nil, nil, nil, clierr.New(clierr.CodeUsage, "invalid gross amount on fee split")
	}
	feeAmount, ok = new(big.Int).SetString(strings.TrimSpace(fee.FeeBaseUnits), 10)
	if !ok || feeAmount.Sign() < 0 {
		return nil, nil, nil, clierr.New(clierr.CodeUsage, "invalid fee amount on fee split")
	}
	net, ok = new(big.Int).SetString(strings.TrimSpace(fee.NetBaseUnits), 10)
	if !ok || net.Sign() <= 0 {
		return nil, nil, nil, clierr.New(clierr.CodeUsage, "invalid net amount on fee split")
	}
	if new(big.Int).Add(feeAmount, net).Cmp(gross) != 0 {
		return nil, nil, nil, clierr.New(clierr.CodeInternal, "fee split does not conserve gross amount")
	}
	return gross, feeAmount, net, nil
}

func feeCollectionMode(req providers.SwapQuoteRequest) string {
	if req.Fee.Bps <= 0 {
		return model.FeeCollectionNone
	}
	if _, ok := registry.FeeRouterAddress(req.Chain.EVMChainID); ok && !req.FromAsset.IsNative() {
		return model.FeeCollectionForwarded
	}
	return model.FeeCollectionDirectTransfer
}

func payloadKind(req providers.SwapQuoteRequest) string {
	if _, ok := registry.FeeRouterAddress(req.Chain.EVMChainID); ok && !req.FromAsset.IsNative() {
		return model.PayloadForwardedCall
	}
	return model.PayloadDirectCall
}

func inputAmount(req providers.SwapQuoteRequest) model.AmountInfo {
	return model.AmountInfo{
		AmountBaseUnits: req.AmountBaseUnits,
		AmountDecimal:   req.AmountDecimal,
		Decimals:        req.FromAsset.Decimals,
	}
}

func outputAmount(baseUnits string, decimals int) model.AmountInfo {
	return model.AmountInfo{
		AmountBaseUnits: baseUnits,
		AmountDecimal:   id.FormatDecimalCompat(baseUnits, decimals),
		Decimals:        decimals,
	}
}

func minBuyAmount(buyAmount string, slippageBps int64) (*big.Int, error) {
	out, ok := new(big.Int).SetString(strings.TrimSpace(buyAmount), 10)
	if !ok || out.Sign() < 0 {
		return nil, fmt.Errorf("invalid buy amount %q", buyAmount)
	}
	min := new(big.Int).Mul(out, big.NewInt(10_000-slippageBps))
	return min.Quo(min, big.NewInt(10_000)), nil
}

func routeDescription(sources []quoteSource) string {
	var active []string
	for _, source := range sources {
		proportion, _ := strconv.ParseFloat(source.Proportion, 64)
		if proportion > 0 {
			active = append(active, source.Name)
		}
	}
	if len(active) == 0 {
		return "0x"
	}
	return strings.Join(active, "+")
}

var feeRouterABI = mustABI(registry.FeeRouterABI)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func formatSlippage(bps int64) string {
	return strconv.FormatFloat(float64(bps)/10000, 'f', 6, 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func ensureHexPrefix(v string) string {
	clean := strings.TrimSpace(v)
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		return clean
	}
	return "0x" + clean
}

func decodeHexData(v string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(v), "0x"), "0X")
	if clean == "" {
		return []byte{}, nil
	}
	return common.FromHex("0x" + clean), nil
}
