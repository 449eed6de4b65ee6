// Package ccip bridges a small allow-list of tokens over Chainlink's
// cross-chain message routers. The router is also the fee oracle: the native
// fee for a transfer comes from an on-chain getFee call, so quotes degrade
// gracefully when no RPC endpoint is reachable.
package ccip

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/execution"
	"github.com/decaflow/decaflow/internal/id"
	"github.com/decaflow/decaflow/internal/model"
	"github.com/decaflow/decaflow/internal/providers"
	"github.com/decaflow/decaflow/internal/registry"
)

// Lane finality plus commit/execute round trips; generally under half an hour.
const estimatedTransferSeconds = 20 * 60

// Symbols the routers carry on every supported lane. Everything else is
// routed through the aggregator fallback instead.
var allowedSymbols = map[string]bool{
	"USDC": true,
	"WETH": true,
	"LINK": true,
}

var routerABI = mustABI(registry.CCIPRouterABI)

// EVMExtraArgsV1 tag followed by the abi-encoded gas limit. Token-only
// transfers need no destination execution gas.
var defaultExtraArgs = append(
	common.Hex2Bytes("97a657c9"),
	common.LeftPadBytes(nil, 32)...,
)

type routerMessage struct {
	Receiver     []byte              `abi:"receiver"`
	Data         []byte              `abi:"data"`
	TokenAmounts []routerTokenAmount `abi:"tokenAmounts"`
	FeeToken     common.Address      `abi:"feeToken"`
	ExtraArgs    []byte              `abi:"extraArgs"`
}

type routerTokenAmount struct {
	Token  common.Address `abi:"token"`
	Amount *big.Int       `abi:"amount"`
}

type Client struct {
	now func() time.Time
}

func New() *Client {
	return &Client{now: time.Now}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:        "ccip",
		Type:        "bridge",
		RequiresKey: false,
		Capabilities: []string{
			"bridge.quote",
			"bridge.plan",
			"bridge.execute",
		},
	}
}

func (c *Client) Supports(req providers.BridgeQuoteRequest) (bool, string) {
	if req.FromChain.CAIP2 == req.ToChain.CAIP2 {
		return false, "source and destination chain are the same"
	}
	if _, _, ok := registry.CCIPContracts(req.FromChain.EVMChainID); !ok {
		return false, fmt.Sprintf("no router on %s", req.FromChain.Slug)
	}
	if _, _, ok := registry.CCIPContracts(req.ToChain.EVMChainID); !ok {
		return false, fmt.Sprintf("no router on %s", req.ToChain.Slug)
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.FromAsset.Symbol))
	if req.FromAsset.IsNative() || !allowedSymbols[symbol] {
		return false, fmt.Sprintf("%s is not on the router transfer allow-list", req.FromAsset.Symbol)
	}
	return true, ""
}

func (c *Client) QuoteBridge(ctx context.Context, req providers.BridgeQuoteRequest) (model.BridgeQuote, error) {
	return c.quoteBridge(ctx, req, "")
}

func (c *Client) quoteBridge(ctx context.Context, req providers.BridgeQuoteRequest, rpcOverride string) (model.BridgeQuote, error) {
	if ok, reason := c.Supports(req); !ok {
		return model.BridgeQuote{}, clierr.New(clierr.CodeUnsupported, reason)
	}
	_, netAmount, err := feeSplitAmounts(req)
	if err != nil {
		return model.BridgeQuote{}, err
	}
	_, router, _ := registry.CCIPContracts(req.FromChain.EVMChainID)
	destSelector, _, _ := registry.CCIPContracts(req.ToChain.EVMChainID)

	recipient := firstNonEmpty(req.Recipient, req.Sender)
	if !common.IsHexAddress(recipient) {
		return model.BridgeQuote{}, clierr.New(clierr.CodeUsage, "router transfer requires a valid recipient address")
	}
	message := transferMessage(recipient, req.FromAsset.Address, netAmount)
	data, err := routerABI.Pack("ccipSend", destSelector, message)
	if err != nil {
		return model.BridgeQuote{}, clierr.Wrap(clierr.CodeInternal, "pack ccipSend calldata", err)
	}

	quote := model.BridgeQuote{
		Provider:    "ccip",
		Mechanism:   "ccip",
		FromChainID: req.FromChain.CAIP2,
		ToChainID:   req.ToChain.CAIP2,
		FromAssetID: req.FromAsset.AssetID,
		ToAssetID:   req.ToAsset.AssetID,
		InputAmount: model.AmountInfo{
			AmountBaseUnits: req.AmountBaseUnits,
			AmountDecimal:   req.AmountDecimal,
			Decimals:        req.FromAsset.Decimals,
		},
		Fee: req.Fee,
		EstimatedOut: model.AmountInfo{
			AmountBaseUnits: netAmount.String(),
			Decimals:        req.ToAsset.Decimals,
		},
		EstimatedTimeS: estimatedTransferSeconds,
		Route:          fmt.Sprintf("Router lane %s to %s", req.FromChain.Name, req.ToChain.Name),
		Payload: &model.ExecutionPayload{
			Kind: model.PayloadDirectCall,
			Call: &model.ContractCall{
				To:              common.HexToAddress(router).Hex(),
				Data:            "0x" + common.Bytes2Hex(data),
				ValueBaseUnits:  "0",
				AllowanceTarget: common.HexToAddress(router).Hex(),
			},
		},
		FetchedAt: c.now().UTC().Format(time.RFC3339),
	}

	// The message fee is paid in native coin on top of the transferred
	// tokens. Reading it needs an RPC endpoint; without one the quote
	// simply omits the native fee.
	if nativeFee, err := c.readNativeFee(ctx, rpcOverride, req.FromChain, router, destSelector, message); err == nil && nativeFee != nil {
		quote.NativeFee = &model.AmountInfo{
			AmountBaseUnits: nativeFee.String(),
			Decimals:        18,
		}
		quote.Payload.Call.ValueBaseUnits = nativeFee.String()
	}
	return quote, nil
}

func (c *Client) BuildBridgeAction(ctx context.Context, req providers.BridgeQuoteRequest, opts providers.BridgeExecutionOptions) (execution.Action, error) {
	sender := strings.TrimSpace(opts.Sender)
	if !common.IsHexAddress(sender) {
		return execution.Action{}, clierr.New(clierr.CodeUsage, "bridge execution requires a valid sender address")
	}
	rpcURL, err := registry.ResolveRPCURL(opts.RPCURL, req.FromChain.EVMChainID)
	if err != nil {
		return execution.Action{}, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}

	quoteReq := req
	quoteReq.Sender = sender
	if strings.TrimSpace(opts.Recipient) != "" {
		quoteReq.Recipient = opts.Recipient
	}
	quote, err := c.quoteBridge(ctx, quoteReq, rpcURL)
	if err != nil {
		return execution.Action{}, err
	}
	// Execution needs the exact message fee; a quote without one means the
	// router was unreachable over the resolved endpoint.
	if quote.NativeFee == nil {
		return execution.Action{}, clierr.New(clierr.CodeUnavailable, "router fee unavailable over rpc; cannot size the send value")
	}
	call := quote.Payload.Call

	feeAmount, netAmount, err := feeSplitAmounts(quoteReq)
	if err != nil {
		return execution.Action{}, err
	}

	action := execution.NewAction(execution.NewActionID(), "bridge", req.FromChain.CAIP2, execution.Constraints{
		Simulate: opts.Simulate,
	})
	action.Provider = "ccip"
	action.FromAddress = sender
	action.ToAddress = firstNonEmpty(quoteReq.Recipient, sender)
	action.InputAmount = quoteReq.AmountBaseUnits
	action.Fee = quote.Fee
	action.PayloadKind = model.PayloadDirectCall
	action.Metadata = map[string]any{
		"from_asset_id": req.FromAsset.AssetID,
		"to_asset_id":   req.ToAsset.AssetID,
		"mechanism":     "ccip",
		"native_fee":    quote.NativeFee.AmountBaseUnits,
		"route":         quote.Route,
	}

	// Approval first; the fee transfer needs no allowance and must not run
	// ahead of a pending approval.
	needsApproval, err := allowanceShort(ctx, rpcURL, req.FromAsset.Address, sender, call.AllowanceTarget, netAmount)
	if err != nil {
		return execution.Action{}, err
	}
	if needsApproval {
		step, err := execution.NewApprovalStep(req.FromChain.CAIP2, rpcURL, req.FromAsset.Address, req.FromAsset.Symbol, call.AllowanceTarget, netAmount.String())
		if err != nil {
			return execution.Action{}, err
		}
		action.Steps = append(action.Steps, step)
	}

	if feeAmount.Sign() > 0 && strings.TrimSpace(req.Fee.Treasury) != "" {
		feeData, err := execution.PackTransfer(common.HexToAddress(req.Fee.Treasury), feeAmount)
		if err != nil {
			return execution.Action{}, err
		}
		action.Steps = append(action.Steps, execution.ActionStep{
			StepID:      "collect-fee",
			Type:        execution.StepTypeSwap,
			Status:      execution.StepStatusPending,
			ChainID:     req.FromChain.CAIP2,
			RPCURL:      rpcURL,
			Description: "Transfer platform fee to treasury",
			Target:      common.HexToAddress(req.FromAsset.Address).Hex(),
			Data:        feeData,
			Value:       "0",
		})
	}

	action.Steps = append(action.Steps, execution.ActionStep{
		StepID:      "router-send",
		Type:        execution.StepTypeBridge,
		Status:      execution.StepStatusPending,
		ChainID:     req.FromChain.CAIP2,
		RPCURL:      rpcURL,
		Description: fmt.Sprintf("Bridge %s from %s to %s", strings.ToUpper(req.FromAsset.Symbol), req.FromChain.Name, req.ToChain.Name),
		Target:      call.To,
		Data:        call.Data,
		Value:       call.ValueBaseUnits,
		ExpectedOutputs: map[string]string{
			"mechanism": "ccip",
		},
	})
	return action, nil
}

func transferMessage(recipient, token string, amount *big.Int) routerMessage {
	return routerMessage{
		Receiver: common.LeftPadBytes(common.HexToAddress(recipient).Bytes(), 32),
		Data:     []byte{},
		TokenAmounts: []routerTokenAmount{
			{Token: common.HexToAddress(token), Amount: amount},
		},
		FeeToken:  common.Address{},
		ExtraArgs: defaultExtraArgs,
	}
}

func (c *Client) readNativeFee(ctx context.Context, rpcOverride string, chain id.Chain, router string, destSelector uint64, message routerMessage) (*big.Int, error) {
	rpcURL, err := registry.ResolveRPCURL(rpcOverride, chain.EVMChainID)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	data, err := routerABI.Pack("getFee", destSelector, message)
	if err != nil {
		return nil, err
	}
	target := common.HexToAddress(router)
	raw, err := client.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	out, err := routerABI.Unpack("getFee", raw)
	if err != nil || len(out) == 0 {
		return nil, fmt.Errorf("decode getFee result: %w", err)
	}
	fee, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getFee result type %T", out[0])
	}
	return fee, nil
}

func feeSplitAmounts(req providers.BridgeQuoteRequest) (feeAmount, netAmount *big.Int, err error) {
	gross, ok := new(big.Int).SetString(strings.TrimSpace(req.AmountBaseUnits), 10)
	if !ok || gross.Sign() <= 0 {
		return nil, nil, clierr.New(clierr.CodeUsage, "bridge amount must be a positive integer in base units")
	}
	feeAmount = big.NewInt(0)
	netAmount = gross
	if strings.TrimSpace(req.Fee.FeeBaseUnits) != "" {
		feeAmount, ok = new(big.Int).SetString(req.Fee.FeeBaseUnits, 10)
		if !ok {
			return nil, nil, clierr.New(clierr.CodeInternal, "fee split carries a malformed fee amount")
		}
		netAmount, ok = new(big.Int).SetString(req.Fee.NetBaseUnits, 10)
		if !ok {
			return nil, nil, clierr.New(clierr.CodeInternal, "fee split carries a malformed net amount")
		}
		if new(big.Int).Add(feeAmount, netAmount).Cmp(gross) != 0 {
			return nil, nil, clierr.New(clierr.CodeInternal, "fee split does not conserve the gross amount")
		}
	}
	if netAmount.Sign() <= 0 {
		return nil, nil, clierr.New(clierr.CodeUsage, "amount after platform fee is zero")
	}
	return feeAmount, netAmount, nil
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

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
