package execution

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/registry"
)

var (
	policyERC20ABI        = mustPolicyABI(registry.ERC20MinimalABI)
	policyMessengerABI    = mustPolicyABI(registry.CCTPTokenMessengerABI)
	policyCCIPRouterABI   = mustPolicyABI(registry.CCIPRouterABI)
	policyApproveSelector = policyERC20ABI.Methods["approve"].ID
	policyBurnSelector    = policyMessengerABI.Methods["depositForBurn"].ID
	policySendSelector    = policyCCIPRouterABI.Methods["ccipSend"].ID
)

// validateStepPolicy checks a step against what the plan is allowed to do
// before anything is signed: approvals must be bounded ERC-20 approve calls
// and bridge sends must target the canonical contracts for their mechanism.
func validateStepPolicy(action *Action, step *ActionStep, chainID int64, data []byte, opts ExecuteOptions) error {
	if step == nil {
		return clierr.New(clierr.CodeInternal, "missing action step")
	}
	if !common.IsHexAddress(step.Target) {
		return clierr.New(clierr.CodeUsage, "invalid step target address")
	}

	switch step.Type {
	case StepTypeApproval:
		return validateApprovalPolicy(action, data, opts)
	case StepTypeBridge:
		return validateBridgePolicy(step, chainID, data, opts)
	default:
		return nil
	}
}

func validateApprovalPolicy(action *Action, data []byte, opts ExecuteOptions) error {
	if len(data) < 4 || !bytes.Equal(data[:4], policyApproveSelector) {
		return clierr.New(clierr.CodeUsage, "approval step must use ERC20 approve(spender,amount)")
	}
	args, err := policyERC20ABI.Methods["approve"].Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return clierr.New(clierr.CodeUsage, "approval step calldata is invalid")
	}
	spender, ok := toAddress(args[0])
	if !ok || spender == (common.Address{}) {
		return clierr.New(clierr.CodeUsage, "approval step has invalid spender")
	}
	amount, ok := toBigInt(args[1])
	if !ok || amount.Sign() <= 0 {
		return clierr.New(clierr.CodeUsage, "approval step has invalid approval amount")
	}
	if opts.AllowMaxApproval {
		return nil
	}
	if action == nil {
		return clierr.New(clierr.CodeUsage, "cannot validate approval bounds without action context")
	}
	requested, ok := parsePositiveBaseUnits(action.InputAmount)
	if !ok {
		return clierr.New(clierr.CodeUsage, "cannot validate approval bounds for non-numeric input amount; use --allow-max-approval to override")
	}
	if amount.Cmp(requested) > 0 {
		return clierr.New(
			clierr.CodeUsage,
			fmt.Sprintf("approval amount %s exceeds requested input amount %s; use --allow-max-approval to override", amount.String(), requested.String()),
		)
	}
	return nil
}

func validateBridgePolicy(step *ActionStep, chainID int64, data []byte, opts ExecuteOptions) error {
	if opts.UnsafeProviderTx {
		return nil
	}
	mechanism := ""
	if step.ExpectedOutputs != nil {
		mechanism = strings.ToLower(strings.TrimSpace(step.ExpectedOutputs["mechanism"]))
	}
	switch mechanism {
	case "cctp":
		_, messenger, ok := registry.CCTPContracts(chainID)
		if !ok {
			return clierr.New(clierr.CodeUsage, "cctp bridge step has unsupported chain")
		}
		if !strings.EqualFold(common.HexToAddress(step.Target).Hex(), common.HexToAddress(messenger).Hex()) {
			return clierr.New(clierr.CodeUsage, "cctp bridge step target does not match canonical token messenger")
		}
		if len(data) < 4 || !bytes.Equal(data[:4], policyBurnSelector) {
			return clierr.New(clierr.CodeUsage, "cctp bridge step must call depositForBurn")
		}
		return nil
	case "ccip":
		_, router, ok := registry.CCIPContracts(chainID)
		if !ok {
			return clierr.New(clierr.CodeUsage, "ccip bridge step has unsupported chain")
		}
		if !strings.EqualFold(common.HexToAddress(step.Target).Hex(), common.HexToAddress(router).Hex()) {
			return clierr.New(clierr.CodeUsage, "ccip bridge step target does not match canonical router")
		}
		if len(data) < 4 || !bytes.Equal(data[:4], policySendSelector) {
			return clierr.New(clierr.CodeUsage, "ccip bridge step must call ccipSend")
		}
		return nil
	case "socket":
		// Aggregator route targets are venue-provided; nothing canonical to
		// pin them against.
		return nil
	default:
		return clierr.New(clierr.CodeUsage, "bridge step has unknown mechanism; use --unsafe-provider-tx to override")
	}
}

func parsePositiveBaseUnits(value string) (*big.Int, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, false
	}
	parsed, ok := new(big.Int).SetString(v, 10)
	if !ok || parsed.Sign() <= 0 {
		return nil, false
	}
	return parsed, true
}

func toAddress(v any) (common.Address, bool) {
	switch value := v.(type) {
	case common.Address:
		return value, true
	case *common.Address:
		if value == nil {
			return common.Address{}, false
		}
		return *value, true
	default:
		return common.Address{}, false
	}
}

func toBigInt(v any) (*big.Int, bool) {
	switch value := v.(type) {
	case *big.Int:
		if value == nil {
			return nil, false
		}
		return value, true
	case big.Int:
		cpy := value
		return &cpy, true
	default:
		return nil, false
	}
}

func mustPolicyABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
