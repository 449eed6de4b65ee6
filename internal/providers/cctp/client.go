// Package cctp bridges native USDC between chains with Circle's burn-and-mint
// protocol. There is no off-chain quoting API: eligibility and calldata are
// derived entirely from the on-chain TokenMessenger deployments, and the
// minted amount equals the burned amount.
package cctp

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/execution"
	"github.com/decaflow/decaflow/internal/model"
	"github.com/decaflow/decaflow/internal/providers"
	"github.com/decaflow/decaflow/internal/registry"
)

// Attestation plus destination mint typically lands inside a few minutes.
const estimatedTransferSeconds = 5 * 60

var messengerABI = mustABI(registry.CCTPTokenMessengerABI)

type Client struct {
	now func() time.Time
}

func New() *Client {
	return &Client{now: time.Now}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:        "cctp",
		Type:        "bridge",
		RequiresKey: false,
		Capabilities: []string{
			"bridge.quote",
			"bridge.plan",
			"bridge.execute",
		},
	}
}

// Supports reports eligibility without touching the network: both chains must
// carry a TokenMessenger deployment and both assets must be the chain's
// native USDC issuance.
func (c *Client) Supports(req providers.BridgeQuoteRequest) (bool, string) {
	if req.FromChain.CAIP2 == req.ToChain.CAIP2 {
		return false, "source and destination chain are the same"
	}
	if _, _, ok := registry.CCTPContracts(req.FromChain.EVMChainID); !ok {
		return false, fmt.Sprintf("no burn domain on %s", req.FromChain.Slug)
	}
	if _, _, ok := registry.CCTPContracts(req.ToChain.EVMChainID); !ok {
		return false, fmt.Sprintf("no mint domain on %s", req.ToChain.Slug)
	}
	if !registry.IsCCTPBurnToken(req.FromChain.EVMChainID, req.FromAsset.Address) {
		return false, fmt.Sprintf("%s is not native USDC on %s", req.FromAsset.Symbol, req.FromChain.Slug)
	}
	if !registry.IsCCTPBurnToken(req.ToChain.EVMChainID, req.ToAsset.Address) {
		return false, fmt.Sprintf("%s is not native USDC on %s", req.ToAsset.Symbol, req.ToChain.Slug)
	}
	return true, ""
}

func (c *Client) QuoteBridge(ctx context.Context, req providers.BridgeQuoteRequest) (model.BridgeQuote, error) {
	if ok, reason := c.Supports(req); !ok {
		return model.BridgeQuote{}, clierr.New(clierr.CodeUnsupported, reason)
	}
	_, netAmount, err := feeSplitAmounts(req)
	if err != nil {
		return model.BridgeQuote{}, err
	}
	_, messenger, _ := registry.CCTPContracts(req.FromChain.EVMChainID)
	destDomain, _, _ := registry.CCTPContracts(req.ToChain.EVMChainID)

	recipient := firstNonEmpty(req.Recipient, req.Sender)
	data, err := burnCalldata(netAmount, destDomain, recipient, req.FromAsset.Address)
	if err != nil {
		return model.BridgeQuote{}, err
	}

	return model.BridgeQuote{
		Provider:    "cctp",
		Mechanism:   "cctp",
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
		Route:          fmt.Sprintf("Burn on %s, mint on %s", req.FromChain.Name, req.ToChain.Name),
		Payload: &model.ExecutionPayload{
			Kind: model.PayloadDirectCall,
			Call: &model.ContractCall{
				To:              common.HexToAddress(messenger).Hex(),
				Data:            "0x" + common.Bytes2Hex(data),
				ValueBaseUnits:  "0",
				AllowanceTarget: common.HexToAddress(messenger).Hex(),
			},
		},
		FetchedAt: c.now().UTC().Format(time.RFC3339),
	}, nil
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
	action.Provider = "cctp"
	action.FromAddress = sender
	action.ToAddress = firstNonEmpty(quoteReq.Recipient, sender)
	action.InputAmount = quoteReq.AmountBaseUnits
	action.Fee = quote.Fee
	action.PayloadKind = model.PayloadDirectCall
	action.Metadata = map[string]any{
		"from_asset_id": req.FromAsset.AssetID,
		"to_asset_id":   req.ToAsset.AssetID,
		"mechanism":     "cctp",
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
		StepID:      "burn-and-mint",
		Type:        execution.StepTypeBridge,
		Status:      execution.StepStatusPending,
		ChainID:     req.FromChain.CAIP2,
		RPCURL:      rpcURL,
		Description: fmt.Sprintf("Bridge USDC from %s to %s", req.FromChain.Name, req.ToChain.Name),
		Target:      call.To,
		Data:        call.Data,
		Value:       "0",
		ExpectedOutputs: map[string]string{
			"mechanism": "cctp",
		},
	})
	return action, nil
}

// burnCalldata packs depositForBurn. The mint recipient is an EVM address
// left-padded to bytes32 per the cross-chain message format.
func burnCalldata(amount *big.Int, destDomain uint32, recipient, burnToken string) ([]byte, error) {
	if !common.IsHexAddress(recipient) {
		return nil, clierr.New(clierr.CodeUsage, "burn-and-mint requires a valid recipient address")
	}
	var mintRecipient [32]byte
	copy(mintRecipient[12:], common.HexToAddress(recipient).Bytes())
	data, err := messengerABI.Pack(
		"depositForBurn",
		amount,
		destDomain,
		mintRecipient,
		common.HexToAddress(burnToken),
	)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack depositForBurn calldata", err)
	}
	return data, nil
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
