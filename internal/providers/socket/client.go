// Package socket routes bridges through the Socket aggregator. It is the
// fallback mechanism: any token pair the canonical bridges reject can still
// move if the aggregator finds a route. Requests go through a relay that
// attaches the venue credential server-side, so the client never carries a
// key for quoting.
package socket

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
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

const defaultUserAddress = "0x0000000000000000000000000000000000000001"

type Client struct {
	http      *httpx.Client
	relayBase string
	now       func() time.Time
}

// New builds a client quoting through the given relay base URL. An empty
// relay falls back to the public API base.
func New(httpClient *httpx.Client, relayBase string) (*Client, error) {
	relayBase = strings.TrimRight(strings.TrimSpace(relayBase), "/")
	if !registry.IsAllowedRelayURL(relayBase) {
		return nil, clierr.New(clierr.CodeUsage, "relay url must be https (or loopback http)")
	}
	if relayBase == "" {
		relayBase = registry.SocketBaseURL
	}
	return &Client{http: httpClient, relayBase: relayBase, now: time.Now}, nil
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:        "socket",
		Type:        "bridge",
		RequiresKey: false,
		Capabilities: []string{
			"bridge.quote",
			"bridge.plan",
			"bridge.execute",
			"bridge.status",
		},
	}
}

// Supports accepts anything cross-chain between EVM chains; the aggregator
// decides route viability at quote time.
func (c *Client) Supports(req providers.BridgeQuoteRequest) (bool, string) {
	if req.FromChain.CAIP2 == req.ToChain.CAIP2 {
		return false, "source and destination chain are the same"
	}
	if !req.FromChain.IsEVM() || !req.ToChain.IsEVM() {
		return false, "aggregator routes cover only EVM chains"
	}
	return true, ""
}

type quoteResponse struct {
	Success bool `json:"success"`
	Result  struct {
		Routes []quoteRoute `json:"routes"`
	} `json:"result"`
	Message string `json:"message"`
}

type quoteRoute struct {
	RouteID      string  `json:"routeId"`
	ToAmount     string  `json:"toAmount"`
	TotalGasFees float64 `json:"totalGasFeesInUsd"`
	ServiceTime  int64   `json:"serviceTime"`
	UsedBridges  []struct {
		Name string `json:"name"`
	} `json:"usedBridgeNames"`
	TxTarget     string `json:"txTarget"`
	TxData       string `json:"txData"`
	Value        string `json:"value"`
	ApprovalData *struct {
		AllowanceTarget string `json:"allowanceTarget"`
		MinimumApproval string `json:"minimumApprovalAmount"`
	} `json:"approvalData"`
}

func (c *Client) QuoteBridge(ctx context.Context, req providers.BridgeQuoteRequest) (model.BridgeQuote, error) {
	if ok, reason := c.Supports(req); !ok {
		return model.BridgeQuote{}, clierr.New(clierr.CodeUnsupported, reason)
	}
	_, netAmount, err := feeSplitAmounts(req)
	if err != nil {
		return model.BridgeQuote{}, err
	}

	sender := firstNonEmpty(req.Sender, defaultUserAddress)
	vals := url.Values{}
	vals.Set("fromChainId", strconv.FormatInt(req.FromChain.EVMChainID, 10))
	vals.Set("toChainId", strconv.FormatInt(req.ToChain.EVMChainID, 10))
	vals.Set("fromTokenAddress", req.FromAsset.Address)
	vals.Set("toTokenAddress", req.ToAsset.Address)
	vals.Set("fromAmount", netAmount.String())
	vals.Set("userAddress", sender)
	vals.Set("uniqueRoutesPerBridge", "true")
	vals.Set("sort", "output")

	reqURL := c.relayBase + "/quote?" + vals.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return model.BridgeQuote{}, clierr.Wrap(clierr.CodeInternal, "build aggregator quote request", err)
	}

	var resp quoteResponse
	if _, err := c.http.DoJSON(ctx, httpReq, &resp); err != nil {
		return model.BridgeQuote{}, err
	}
	if !resp.Success || len(resp.Result.Routes) == 0 {
		msg := firstNonEmpty(resp.Message, "aggregator returned no routes")
		return model.BridgeQuote{}, clierr.New(clierr.CodeNoRoute, msg)
	}
	route := resp.Result.Routes[0]

	quote := model.BridgeQuote{
		Provider:    "socket",
		Mechanism:   "socket",
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
			AmountBaseUnits: route.ToAmount,
			AmountDecimal:   id.FormatDecimalCompat(route.ToAmount, req.ToAsset.Decimals),
			Decimals:        req.ToAsset.Decimals,
		},
		EstimatedFeeUSD: route.TotalGasFees,
		EstimatedTimeS:  route.ServiceTime,
		Route:           routeDescription(route),
		SourceURL:       "https://www.socket.tech",
		FetchedAt:       c.now().UTC().Format(time.RFC3339),
	}
	if strings.TrimSpace(route.TxTarget) != "" {
		call := &model.ContractCall{
			To:             route.TxTarget,
			Data:           route.TxData,
			ValueBaseUnits: firstNonEmpty(route.Value, "0"),
		}
		if route.ApprovalData != nil {
			call.AllowanceTarget = route.ApprovalData.AllowanceTarget
		}
		quote.Payload = &model.ExecutionPayload{
			Kind: model.PayloadDirectCall,
			Call: call,
		}
	}
	return quote, nil
}

func (c *Client) BuildBridgeAction(ctx context.Context, req providers.BridgeQuoteRequest, opts providers.BridgeExecutionOptions) (execution.Action, error) {
	sender := strings.TrimSpace(opts.Sender)
	if !common.IsHexAddress(sender) {
		return execution.Action{}, clierr.New(clierr.CodeUsage, "bridge execution requires a valid sender address")
	}
	quoteReq := req
	quoteReq.Sender = sender
	if strings.TrimSpace(opts.Recipient) != "" {
		quoteReq.Recipient = opts.Recipient
	}
	quote, err := c.QuoteBridge(ctx, quoteReq)
	if err != nil {
		return execution.Action{}, err
	}
	if quote.Payload == nil || quote.Payload.Call == nil {
		return execution.Action{}, clierr.New(clierr.CodeUnavailable, "aggregator route missing executable transaction payload")
	}
	call := quote.Payload.Call

	rpcURL, err := registry.ResolveRPCURL(opts.RPCURL, req.FromChain.EVMChainID)
	if err != nil {
		return execution.Action{}, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	feeAmount, netAmount, err := feeSplitAmounts(quoteReq)
	if err != nil {
		return execution.Action{}, err
	}

	action := execution.NewAction(execution.NewActionID(), "bridge", req.FromChain.CAIP2, execution.Constraints{
		Simulate: opts.Simulate,
	})
	action.Provider = "socket"
	action.FromAddress = sender
	action.ToAddress = firstNonEmpty(quoteReq.Recipient, sender)
	action.InputAmount = quoteReq.AmountBaseUnits
	action.Fee = quote.Fee
	action.PayloadKind = model.PayloadDirectCall
	action.Metadata = map[string]any{
		"from_asset_id": req.FromAsset.AssetID,
		"to_asset_id":   req.ToAsset.AssetID,
		"mechanism":     "socket",
		"route":         quote.Route,
	}

	// Approval first; the fee transfer needs no allowance and must not run
	// ahead of a pending approval.
	if !req.FromAsset.IsNative() && common.IsHexAddress(call.AllowanceTarget) {
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
	}

	if feeAmount.Sign() > 0 && strings.TrimSpace(req.Fee.Treasury) != "" && !req.FromAsset.IsNative() {
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

	// The destination leg settles off-chain from the executor's point of
	// view, so the step carries everything the settlement poller needs.
	action.Steps = append(action.Steps, execution.ActionStep{
		StepID:      "aggregator-send",
		Type:        execution.StepTypeBridge,
		Status:      execution.StepStatusPending,
		ChainID:     req.FromChain.CAIP2,
		RPCURL:      rpcURL,
		Description: fmt.Sprintf("Bridge %s from %s to %s via %s", strings.ToUpper(req.FromAsset.Symbol), req.FromChain.Name, req.ToChain.Name, quote.Route),
		Target:      call.To,
		Data:        call.Data,
		Value:       firstNonEmpty(call.ValueBaseUnits, "0"),
		ExpectedOutputs: map[string]string{
			"mechanism":                  "socket",
			"settlement_provider":        "socket",
			"settlement_status_endpoint": registry.SocketBaseURL + "/bridge-status",
			"settlement_from_chain":      strconv.FormatInt(req.FromChain.EVMChainID, 10),
			"settlement_to_chain":        strconv.FormatInt(req.ToChain.EVMChainID, 10),
		},
	})
	return action, nil
}

func routeDescription(route quoteRoute) string {
	names := make([]string, 0, len(route.UsedBridges))
	for _, b := range route.UsedBridges {
		if strings.TrimSpace(b.Name) != "" {
			names = append(names, b.Name)
		}
	}
	if len(names) == 0 {
		return "socket"
	}
	return strings.Join(names, "+")
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
