package execution

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/execution/signer"
)

// OrderSubmitter posts a signed settlement order to an off-chain order book
// and returns the order UID. Used for signed-order steps where nothing is
// broadcast on-chain by the caller.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, chainID int64, order []byte, signature string, from string) (string, error)
}

type ExecuteOptions struct {
	Simulate           bool
	PollInterval       time.Duration
	StepTimeout        time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
	AllowMaxApproval   bool
	UnsafeProviderTx   bool
	Orders             OrderSubmitter
}

func DefaultExecuteOptions() ExecuteOptions {
	return ExecuteOptions{
		Simulate:      true,
		PollInterval:  2 * time.Second,
		StepTimeout:   2 * time.Minute,
		GasMultiplier: 1.2,
	}
}

// ExecuteAction drives an action through its lifecycle: approval first when
// present, allowance re-checked after the approval confirms, then the main
// step. Each state change is persisted so an interrupted run can be resumed
// or inspected.
func ExecuteAction(ctx context.Context, store *Store, action *Action, txSigner signer.Signer, opts ExecuteOptions) error {
	if action == nil {
		return clierr.New(clierr.CodeInternal, "missing action")
	}
	if txSigner == nil {
		return clierr.New(clierr.CodeSigner, "missing signer")
	}
	if len(action.Steps) == 0 {
		return clierr.New(clierr.CodeUsage, "action has no executable steps")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 2 * time.Minute
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}
	action.FromAddress = txSigner.Address().Hex()
	if action.NeedsApproval() {
		action.Status = ActionStatusNeedsApproval
	} else {
		action.Status = ActionStatusExecuting
	}
	action.Touch()
	saveAction(store, action)

	for i := range action.Steps {
		step := &action.Steps[i]
		if step.Status == StepStatusConfirmed {
			continue
		}
		switch step.Type {
		case StepTypeApproval:
			action.Status = ActionStatusApproving
		case StepTypeOrderSubmit:
			action.Status = ActionStatusExecuting
		default:
			action.Status = ActionStatusExecuting
		}
		action.Touch()
		saveAction(store, action)

		if step.Type == StepTypeOrderSubmit {
			if err := submitOrderStep(ctx, action, step, txSigner, opts); err != nil {
				markStepFailed(action, step, err.Error())
				saveAction(store, action)
				return err
			}
			action.Touch()
			saveAction(store, action)
			continue
		}

		if strings.TrimSpace(step.RPCURL) == "" {
			markStepFailed(action, step, "missing rpc url")
			saveAction(store, action)
			return clierr.New(clierr.CodeUsage, "missing rpc url for action step")
		}
		if strings.TrimSpace(step.Target) == "" {
			markStepFailed(action, step, "missing target")
			saveAction(store, action)
			return clierr.New(clierr.CodeUsage, "missing target for action step")
		}
		client, err := ethclient.DialContext(ctx, step.RPCURL)
		if err != nil {
			markStepFailed(action, step, err.Error())
			saveAction(store, action)
			return clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
		}

		if err := executeStep(ctx, client, txSigner, action, step, opts); err != nil {
			client.Close()
			markStepFailed(action, step, err.Error())
			saveAction(store, action)
			return err
		}

		if step.Type == StepTypeBridge {
			if err := verifyBridgeSettlement(ctx, step, step.TxHash, opts); err != nil {
				client.Close()
				markStepFailed(action, step, err.Error())
				saveAction(store, action)
				return err
			}
		}

		if step.Type == StepTypeApproval {
			action.Status = ActionStatusApprovalConfirmed
			action.Touch()
			saveAction(store, action)
			// The allowance is read back rather than trusted; a poisoned or
			// non-standard token can confirm the approval tx without granting
			// the requested amount.
			if err := verifyStepAllowance(ctx, client, txSigner.Address(), step); err != nil {
				client.Close()
				markStepFailed(action, step, err.Error())
				saveAction(store, action)
				return err
			}
		}
		client.Close()
		action.Touch()
		saveAction(store, action)
	}
	action.Status = ActionStatusCompleted
	action.Touch()
	saveAction(store, action)
	return nil
}

func saveAction(store *Store, action *Action) {
	if store != nil {
		_ = store.Save(*action)
	}
}

func submitOrderStep(ctx context.Context, action *Action, step *ActionStep, txSigner signer.Signer, opts ExecuteOptions) error {
	if opts.Orders == nil {
		return clierr.New(clierr.CodeInternal, "no order submitter configured for signed-order step")
	}
	chainID, err := evmChainID(step.ChainID)
	if err != nil {
		return err
	}
	orderJSON := []byte(step.Data)
	typed, err := SettlementTypedData(chainID, step.Target, orderJSON)
	if err != nil {
		return err
	}
	signature, err := txSigner.SignTypedData(typed)
	if err != nil {
		return clierr.Wrap(clierr.CodeSigner, "sign settlement order", err)
	}
	step.Status = StepStatusSubmitted
	uid, err := opts.Orders.SubmitOrder(ctx, chainID, orderJSON, signature, txSigner.Address().Hex())
	if err != nil {
		return err
	}
	step.TxHash = uid
	step.Status = StepStatusConfirmed
	action.OrderUID = uid
	return nil
}

func evmChainID(caip2 string) (int64, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(caip2), "eip155:")
	id, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return 0, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid step chain id %q", caip2))
	}
	return id.Int64(), nil
}

func executeStep(ctx context.Context, client *ethclient.Client, txSigner signer.Signer, action *Action, step *ActionStep, opts ExecuteOptions) error {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if step.ChainID != "" {
		expected := fmt.Sprintf("eip155:%d", chainID.Int64())
		if !strings.EqualFold(strings.TrimSpace(step.ChainID), expected) {
			return clierr.New(clierr.CodeUsage, fmt.Sprintf("step chain mismatch: expected %s, got %s", expected, step.ChainID))
		}
	}
	target := common.HexToAddress(step.Target)
	data, err := decodeHex(step.Data)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "decode step calldata", err)
	}
	value, ok := new(big.Int).SetString(step.Value, 10)
	if !ok {
		return clierr.New(clierr.CodeUsage, "invalid step value")
	}
	if err := validateStepPolicy(action, step, chainID.Int64(), data, opts); err != nil {
		return err
	}
	msg := ethereum.CallMsg{From: txSigner.Address(), To: &target, Value: value, Data: data}

	if opts.Simulate {
		if _, err := client.CallContract(ctx, msg, nil); err != nil {
			return wrapEVMExecutionError(clierr.CodeRevert, "simulate step (eth_call)", err)
		}
		step.Status = StepStatusSimulated
	}

	gasLimit, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return wrapEVMExecutionError(clierr.CodeRevert, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * opts.GasMultiplier)

	tipCap, err := resolveTipCap(ctx, client, opts.MaxPriorityFeeGwei)
	if err != nil {
		return err
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, opts.MaxFeeGwei)
	if err != nil {
		return err
	}

	nonce, err := client.PendingNonceAt(ctx, txSigner.Address())
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &target,
		Value:     value,
		Data:      data,
	})
	signed, err := txSigner.SignTx(chainID, tx)
	if err != nil {
		return clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	step.Status = StepStatusSubmitted
	step.TxHash = signed.Hash().Hex()

	waitCtx, cancel := context.WithTimeout(ctx, opts.StepTimeout)
	defer cancel()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(waitCtx, signed.Hash())
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				step.Status = StepStatusConfirmed
				return nil
			}
			return clierr.New(clierr.CodeRevert, "transaction reverted on-chain")
		}
		if waitCtx.Err() != nil {
			return clierr.Wrap(clierr.CodeTimeout, "timed out waiting for receipt", waitCtx.Err())
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			// Ignore transient RPC polling failures until timeout.
		}
		select {
		case <-waitCtx.Done():
			return clierr.Wrap(clierr.CodeTimeout, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func resolveTipCap(ctx context.Context, client *ethclient.Client, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-priority-fee-gwei", err)
		}
		return v, nil
	}
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil // 2 gwei fallback
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-fee-gwei", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "--max-fee-gwei must be >= --max-priority-fee-gwei")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return feeCap, nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	scale := big.NewRat(1_000_000_000, 1)
	rat.Mul(rat, scale)
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}

func markStepFailed(action *Action, step *ActionStep, msg string) {
	step.Status = StepStatusFailed
	step.Error = msg
	action.Status = ActionStatusFailed
	action.FailureReason = msg
	action.Touch()
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}
