package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/registry"
)

var erc20ABI = mustABI(registry.ERC20MinimalABI)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ReadAllowance returns the current ERC-20 allowance granted by owner to
// spender.
func ReadAllowance(ctx context.Context, client *ethclient.Client, token, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack allowance calldata", err)
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read token allowance", err)
	}
	values, err := erc20ABI.Unpack("allowance", out)
	if err != nil || len(values) != 1 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode token allowance", err)
	}
	allowance, ok := values[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "unexpected allowance return type")
	}
	return allowance, nil
}

// PackApprove builds approve(spender, amount) calldata.
func PackApprove(spender common.Address, amount *big.Int) (string, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "pack approval calldata", err)
	}
	return "0x" + common.Bytes2Hex(data), nil
}

// PackTransfer builds transfer(to, amount) calldata, used for direct fee
// collection transfers to the treasury.
func PackTransfer(to common.Address, amount *big.Int) (string, error) {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "pack transfer calldata", err)
	}
	return "0x" + common.Bytes2Hex(data), nil
}

// NewApprovalStep builds the approval step for a spend. The approval amount
// is exactly what the chosen path will pull, never unlimited. ExpectedOutputs
// records the spender and the amount so the executor can re-read the
// allowance after the approval confirms.
func NewApprovalStep(chainID, rpcURL, tokenAddress, symbol, spender, amount string) (ActionStep, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok || value.Sign() <= 0 {
		return ActionStep{}, clierr.New(clierr.CodeUsage, "approval amount must be a positive integer in base units")
	}
	if !common.IsHexAddress(tokenAddress) {
		return ActionStep{}, clierr.New(clierr.CodeUsage, "approval requires ERC20 token address")
	}
	if !common.IsHexAddress(spender) {
		return ActionStep{}, clierr.New(clierr.CodeUsage, "approval spender must be a valid EVM address")
	}
	data, err := PackApprove(common.HexToAddress(spender), value)
	if err != nil {
		return ActionStep{}, err
	}
	return ActionStep{
		StepID:      "approve-token",
		Type:        StepTypeApproval,
		Status:      StepStatusPending,
		ChainID:     chainID,
		RPCURL:      rpcURL,
		Description: fmt.Sprintf("Approve %s for spender", strings.ToUpper(symbol)),
		Target:      common.HexToAddress(tokenAddress).Hex(),
		Data:        data,
		Value:       "0",
		ExpectedOutputs: map[string]string{
			"spender":            common.HexToAddress(spender).Hex(),
			"required_allowance": value.String(),
		},
	}, nil
}

// verifyStepAllowance re-reads the allowance after an approval step confirms
// and fails the action if it is still below what the next step will pull.
func verifyStepAllowance(ctx context.Context, client *ethclient.Client, owner common.Address, step *ActionStep) error {
	if step.ExpectedOutputs == nil {
		return nil
	}
	spender := strings.TrimSpace(step.ExpectedOutputs["spender"])
	required := strings.TrimSpace(step.ExpectedOutputs["required_allowance"])
	if spender == "" || required == "" {
		return nil
	}
	want, ok := new(big.Int).SetString(required, 10)
	if !ok {
		return clierr.New(clierr.CodeInternal, "invalid required allowance on approval step")
	}
	got, err := ReadAllowance(ctx, client, common.HexToAddress(step.Target), owner, common.HexToAddress(spender))
	if err != nil {
		return err
	}
	if got.Cmp(want) < 0 {
		return clierr.New(clierr.CodeAllowance, fmt.Sprintf("allowance %s below required %s after approval", got, want))
	}
	return nil
}
