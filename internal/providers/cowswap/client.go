package cowswap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

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

const (
	defaultOrderValidity = 30 * time.Minute
	zeroAppData          = "0x0000000000000000000000000000000000000000000000000000000000000000"
)

// Client quotes and submits intent-settlement orders. Nothing is broadcast
// on-chain by the caller; a signed order is posted to the order book and
// solvers settle it, which is why this is the privacy path.
type Client struct {
	http        *httpx.Client
	baseURLOver string
	now         func() time.Time
}

func New(httpClient *httpx.Client) *Client {
	return &Client{http: httpClient, now: time.Now}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:        "cowswap",
		Type:        "swap",
		RequiresKey: false,
		Capabilities: []string{
			"swap.quote",
			"swap.plan",
			"swap.submit",
			"order.status",
		},
	}
}

func (c *Client) apiBase(evmChainID int64) (string, error) {
	if strings.TrimSpace(c.baseURLOver) != "" {
		return strings.TrimRight(c.baseURLOver, "/"), nil
	}
	base, ok := registry.CowAPIBaseURL(evmChainID)
	if !ok {
		return "", clierr.New(clierr.CodeUnsupported, fmt.Sprintf("order book not available on chain id %d", evmChainID))
	}
	return base, nil
}

type quoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Receiver            string `json:"receiver"`
	From                string `json:"from"`
	Kind                string `json:"kind"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	AppData             string `json:"appData,omitempty"`
}

type quoteResponse struct {
	Quote struct {
		SellToken         string `json:"sellToken"`
		BuyToken          string `json:"buyToken"`
		Receiver          string `json:"receiver"`
		SellAmount        string `json:"sellAmount"`
		BuyAmount         string `json:"buyAmount"`
		ValidTo           uint32 `json:"validTo"`
		AppData           string `json:"appData"`
		FeeAmount         string `json:"feeAmount"`
		Kind              string `json:"kind"`
		PartiallyFillable bool   `json:"partiallyFillable"`
		SellTokenBalance  string `json:"sellTokenBalance"`
		BuyTokenBalance   string `json:"buyTokenBalance"`
	} `json:"quote"`
	Expiration string `json:"expiration"`
	ID         int64  `json:"id"`
}

// orderSubmission is the order book's POST /orders body: the order fields
// plus the signature envelope.
type orderSubmission struct {
	SellToken         string `json:"sellToken"`
	BuyToken          string `json:"buyToken"`
	Receiver          string `json:"receiver"`
	SellAmount        string `json:"sellAmount"`
	BuyAmount         string `json:"buyAmount"`
	ValidTo           uint32 `json:"validTo"`
	AppData           string `json:"appData"`
	FeeAmount         string `json:"feeAmount"`
	Kind              string `json:"kind"`
	PartiallyFillable bool   `json:"partiallyFillable"`
	SellTokenBalance  string `json:"sellTokenBalance"`
	BuyTokenBalance   string `json:"buyTokenBalance"`
	SigningScheme     string `json:"signingScheme"`
	Signature         string `json:"signature"`
	From              string `json:"from"`
}

func (c *Client) QuoteSwap(ctx context.Context, req providers.SwapQuoteRequest) (model.SwapQuote, error) {
	if !req.Chain.IsEVM() {
		return model.SwapQuote{}, clierr.New(clierr.CodeUnsupported, "order book quotes support only EVM chains")
	}
	if req.FromAsset.IsNative() {
		return model.SwapQuote{}, clierr.New(clierr.CodeUnsupported, "order book sells require an ERC20 sell token; wrap the native asset first")
	}
	if req.SlippageBps < 0 || req.SlippageBps > 10_000 {
		return model.SwapQuote{}, clierr.New(clierr.CodeUsage, "slippage must be between 0 and 10000 basis points")
	}
	base, err := c.apiBase(req.Chain.EVMChainID)
	if err != nil {
		return model.SwapQuote{}, err
	}
	netAmount, err := parsePositiveAmount(firstNonEmpty(req.Fee.NetBaseUnits, req.AmountBaseUnits))
	if err != nil {
		return model.SwapQuote{}, clierr.Wrap(clierr.CodeUsage, "parse swap amount", err)
	}
	taker := strings.TrimSpace(req.Taker)
	if taker == "" {
		taker = "0x0000000000000000000000000000000000000001"
	}

	body, err := json.Marshal(quoteRequest{
		SellToken:           req.FromAsset.Address,
		BuyToken:            buyTokenAddress(req.ToAsset),
		Receiver:            taker,
		From:                taker,
		Kind:                "sell",
		SellAmountBeforeFee: netAmount.String(),
		AppData:             zeroAppData,
	})
	if err != nil {
		return model.SwapQuote{}, clierr.Wrap(clierr.CodeInternal, "encode order quote request", err)
	}
	var resp quoteResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, "POST", base+"/quote", body, map[string]string{"Content-Type": "application/json"}, &resp); err != nil {
		return model.SwapQuote{}, err
	}
	if strings.TrimSpace(resp.Quote.BuyAmount) == "" {
		return model.SwapQuote{}, clierr.New(clierr.CodeUnavailable, "order book quote missing output amount")
	}

	slippageBps := req.SlippageBps
	if slippageBps == 0 {
		slippageBps = 50
	}
	minOut, err := applySlippage(resp.Quote.BuyAmount, slippageBps)
	if err != nil {
		return model.SwapQuote{}, clierr.Wrap(clierr.CodeUnavailable, "parse order book output amount", err)
	}
	validTo := resp.Quote.ValidTo
	if validTo == 0 {
		validTo = uint32(c.now().Add(defaultOrderValidity).Unix())
	}

	orderJSON, err := buildOrderJSON(resp, taker, minOut.String(), validTo)
	if err != nil {
		return model.SwapQuote{}, err
	}

	fee := req.Fee
	fee.Collection = model.FeeCollectionDirectTransfer
	return model.SwapQuote{
		Provider:     "cowswap",
		ChainID:      req.Chain.CAIP2,
		FromAssetID:  req.FromAsset.AssetID,
		ToAssetID:    req.ToAsset.AssetID,
		InputAmount:  model.AmountInfo{AmountBaseUnits: req.AmountBaseUnits, AmountDecimal: req.AmountDecimal, Decimals: req.FromAsset.Decimals},
		Fee:          fee,
		EstimatedOut: model.AmountInfo{AmountBaseUnits: resp.Quote.BuyAmount, AmountDecimal: id.FormatDecimalCompat(resp.Quote.BuyAmount, req.ToAsset.Decimals), Decimals: req.ToAsset.Decimals},
		MinOut:       minOut.String(),
		Private:      true,
		Route:        "solver settlement",
		Payload: &model.ExecutionPayload{
			Kind: model.PayloadSignedOrderSubmission,
			Order: &model.SignedOrder{
				SettlementContract: registry.SettlementContract,
				AllowanceTarget:    registry.SettlementRelayer,
				EVMChainID:         req.Chain.EVMChainID,
				Order:              orderJSON,
				SubmitURL:          base + "/orders",
			},
		},
		ExpiresAt: time.Unix(int64(validTo), 0).UTC().Format(time.RFC3339),
		SourceURL: "https://cow.fi",
		FetchedAt: c.now().UTC().Format(time.RFC3339),
	}, nil
}

// buildOrderJSON assembles the order to sign: quoted amounts with slippage
// applied to the buy side and the fee folded into the sell amount, as the
// order book requires feeAmount zero on signed orders.
func buildOrderJSON(resp quoteResponse, receiver, minBuy string, validTo uint32) (json.RawMessage, error) {
	sellAmount, err := foldFee(resp.Quote.SellAmount, resp.Quote.FeeAmount)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "parse order book sell amount", err)
	}
	order := orderSubmission{
		SellToken:         resp.Quote.SellToken,
		BuyToken:          resp.Quote.BuyToken,
		Receiver:          receiver,
		SellAmount:        sellAmount,
		BuyAmount:         minBuy,
		ValidTo:           validTo,
		AppData:           firstNonEmpty(resp.Quote.AppData, zeroAppData),
		FeeAmount:         "0",
		Kind:              firstNonEmpty(resp.Quote.Kind, "sell"),
		PartiallyFillable: resp.Quote.PartiallyFillable,
		SellTokenBalance:  firstNonEmpty(resp.Quote.SellTokenBalance, "erc20"),
		BuyTokenBalance:   firstNonEmpty(resp.Quote.BuyTokenBalance, "erc20"),
	}
	encoded, err := json.Marshal(order)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode settlement order", err)
	}
	return encoded, nil
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
	if quote.Payload == nil || quote.Payload.Order == nil {
		return execution.Action{}, clierr.New(clierr.CodeInternal, "order book quote missing signed order payload")
	}
	order := quote.Payload.Order

	rpcURL, err := registry.ResolveRPCURL(opts.RPCURL, req.Chain.EVMChainID)
	if err != nil {
		return execution.Action{}, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}

	action := execution.NewAction(execution.NewActionID(), "swap", req.Chain.CAIP2, execution.Constraints{
		SlippageBps: quoteReq.SlippageBps,
		Simulate:    opts.Simulate,
	})
	action.Provider = "cowswap"
	action.FromAddress = sender
	action.ToAddress = sender
	action.InputAmount = req.AmountBaseUnits
	action.Fee = quote.Fee
	action.PayloadKind = model.PayloadSignedOrderSubmission
	action.Metadata = map[string]any{
		"from_asset_id": req.FromAsset.AssetID,
		"to_asset_id":   req.ToAsset.AssetID,
		"min_out":       quote.MinOut,
		"expires_at":    quote.ExpiresAt,
		"submit_url":    order.SubmitURL,
	}

	// The vault relayer pulls the sell token when the order settles, so the
	// approval goes to the relayer, not the settlement contract.
	netAmount, err := parsePositiveAmount(firstNonEmpty(req.Fee.NetBaseUnits, req.AmountBaseUnits))
	if err != nil {
		return execution.Action{}, clierr.Wrap(clierr.CodeUsage, "parse swap amount", err)
	}
	short, err := allowanceShort(ctx, rpcURL, req.FromAsset.Address, sender, order.AllowanceTarget, netAmount)
	if err != nil {
		return execution.Action{}, err
	}
	if short {
		step, err := execution.NewApprovalStep(req.Chain.CAIP2, rpcURL, req.FromAsset.Address, req.FromAsset.Symbol, order.AllowanceTarget, netAmount.String())
		if err != nil {
			return execution.Action{}, err
		}
		action.Steps = append(action.Steps, step)
	}

	action.Steps = append(action.Steps, execution.ActionStep{
		StepID:      "submit-order",
		Type:        execution.StepTypeOrderSubmit,
		Status:      execution.StepStatusPending,
		ChainID:     req.Chain.CAIP2,
		RPCURL:      rpcURL,
		Description: fmt.Sprintf("Sign and submit %s sell order", strings.ToUpper(req.FromAsset.Symbol)),
		Target:      order.SettlementContract,
		Data:        string(order.Order),
		Value:       "0",
		ExpectedOutputs: map[string]string{
			"submit_url": order.SubmitURL,
		},
	})
	return action, nil
}

// SubmitOrder posts a signed order and returns the order UID. A non-2xx
// response surfaces the order book's message verbatim.
func (c *Client) SubmitOrder(ctx context.Context, chain id.Chain, order []byte, signature string, from string) (string, error) {
	base, err := c.apiBase(chain.EVMChainID)
	if err != nil {
		return "", err
	}
	return c.submitOrder(ctx, base, order, signature, from)
}

func (c *Client) submitOrder(ctx context.Context, base string, order []byte, signature string, from string) (string, error) {
	var submission orderSubmission
	if err := json.Unmarshal(order, &submission); err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "decode settlement order", err)
	}
	if submission.ValidTo != 0 && time.Unix(int64(submission.ValidTo), 0).Before(c.now()) {
		return "", clierr.New(clierr.CodeUsage, "settlement order expired before submission")
	}
	submission.SigningScheme = "eip712"
	submission.Signature = signature
	submission.From = from

	body, err := json.Marshal(submission)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "encode order submission", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/orders", bytes.NewReader(body))
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "build order submission request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	status, respBody, err := c.http.DoRaw(ctx, req)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		// The order book's rejection reason is kept verbatim; it names the
		// exact validation failure (expired, insufficient balance, ...).
		return "", clierr.New(clierr.CodeProvider, fmt.Sprintf("order book rejected order: %s", orderBookErrorMessage(respBody, status)))
	}
	var uid string
	if err := json.Unmarshal(respBody, &uid); err != nil || strings.TrimSpace(uid) == "" {
		return "", clierr.New(clierr.CodeProvider, "order book accepted the order but returned no order uid")
	}
	return uid, nil
}

func orderBookErrorMessage(body []byte, status int) string {
	var parsed struct {
		ErrorType   string `json:"errorType"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Description) != "" {
		if parsed.ErrorType != "" {
			return fmt.Sprintf("%s: %s", parsed.ErrorType, parsed.Description)
		}
		return parsed.Description
	}
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		return trimmed
	}
	return fmt.Sprintf("status %d", status)
}

type orderStatusResponse struct {
	UID                 string `json:"uid"`
	Status              string `json:"status"`
	ExecutedSellAmount  string `json:"executedSellAmount"`
	ExecutedBuyAmount   string `json:"executedBuyAmount"`
	InvalidationReason  string `json:"invalidated,omitempty"`
	CreationDate        string `json:"creationDate"`
	AvailableBalanceRef string `json:"availableBalance,omitempty"`
}

// OrderStatus reads the order book's view of a submitted order.
func (c *Client) OrderStatus(ctx context.Context, chain id.Chain, uid string) (model.IntentStatus, error) {
	base, err := c.apiBase(chain.EVMChainID)
	if err != nil {
		return model.IntentStatus{}, err
	}
	clean := strings.TrimSpace(uid)
	if clean == "" {
		return model.IntentStatus{}, clierr.New(clierr.CodeUsage, "missing order uid")
	}
	var resp orderStatusResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, "GET", base+"/orders/"+clean, nil, nil, &resp); err != nil {
		return model.IntentStatus{}, err
	}
	return model.IntentStatus{
		UID:               firstNonEmpty(resp.UID, clean),
		Status:            resp.Status,
		ExecutedSellExact: resp.ExecutedSellAmount,
		ExecutedBuyExact:  resp.ExecutedBuyAmount,
		FetchedAt:         c.now().UTC().Format(time.RFC3339),
	}, nil
}

// OrderSubmitter adapts the client to the executor's order-submit hook,
// which is keyed by EVM chain id rather than parsed chain metadata.
func (c *Client) OrderSubmitter() execution.OrderSubmitter {
	return orderSubmitter{c: c}
}

type orderSubmitter struct {
	c *Client
}

func (s orderSubmitter) SubmitOrder(ctx context.Context, chainID int64, order []byte, signature string, from string) (string, error) {
	base, err := s.c.apiBase(chainID)
	if err != nil {
		return "", err
	}
	return s.c.submitOrder(ctx, base, order, signature, from)
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

func buyTokenAddress(asset id.Asset) string {
	if asset.IsNative() {
		// The order book uses the same native sentinel for buy-side ETH.
		return id.NativeAssetAddress
	}
	return asset.Address
}

func foldFee(sellAmount, feeAmount string) (string, error) {
	sell, ok := new(big.Int).SetString(strings.TrimSpace(sellAmount), 10)
	if !ok {
		return "", fmt.Errorf("invalid sell amount %q", sellAmount)
	}
	if strings.TrimSpace(feeAmount) == "" {
		return sell.String(), nil
	}
	fee, ok := new(big.Int).SetString(strings.TrimSpace(feeAmount), 10)
	if !ok {
		return "", fmt.Errorf("invalid fee amount %q", feeAmount)
	}
	return new(big.Int).Add(sell, fee).String(), nil
}

func applySlippage(amount string, slippageBps int64) (*big.Int, error) {
	out, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok || out.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	adjusted := new(big.Int).Mul(out, big.NewInt(10_000-slippageBps))
	return adjusted.Quo(adjusted, big.NewInt(10_000)), nil
}

func parsePositiveAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be a positive integer in base units")
	}
	return amount, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
