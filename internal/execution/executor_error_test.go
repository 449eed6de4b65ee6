package execution

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	clierr "github.com/decaflow/decaflow/internal/errors"
)

type testRPCDataError struct {
	msg  string
	data any
}

func (e testRPCDataError) Error() string { return e.msg }

func (e testRPCDataError) ErrorData() interface{} { return e.data }

func TestDecodeRevertDataReasonString(t *testing.T) {
	revertData := encodeErrorString(t, "slippage too high")
	reason := decodeRevertData(revertData)
	if reason != "slippage too high" {
		t.Fatalf("expected decoded revert reason, got %q", reason)
	}
}

func TestDecodeRevertDataCustomErrorSelector(t *testing.T) {
	revertData := common.FromHex("0x12345678")
	reason := decodeRevertData(revertData)
	if !strings.Contains(reason, "0x12345678") {
		t.Fatalf("expected custom error selector in reason, got %q", reason)
	}
}

func TestDecodeRevertFromErrorWithDataError(t *testing.T) {
	revertData := encodeErrorString(t, "insufficient output amount")
	err := testRPCDataError{
		msg:  "execution reverted",
		data: "0x" + common.Bytes2Hex(revertData),
	}
	reason := decodeRevertFromError(err)
	if reason != "insufficient output amount" {
		t.Fatalf("unexpected decoded reason: %q", reason)
	}
}

func TestWrapEVMExecutionErrorIncludesDecodedRevert(t *testing.T) {
	revertData := encodeErrorString(t, "panic path")
	rootErr := testRPCDataError{
		msg:  "execution reverted",
		data: "0x" + common.Bytes2Hex(revertData),
	}
	wrapped := wrapEVMExecutionError(clierr.CodeRevert, "simulate step (eth_call)", rootErr)
	var typed *clierr.Error
	if !errors.As(wrapped, &typed) {
		t.Fatalf("expected typed cli error, got %T", wrapped)
	}
	if typed.Code != clierr.CodeRevert {
		t.Fatalf("expected revert code, got %d", typed.Code)
	}
	if !strings.Contains(typed.Error(), "panic path") {
		t.Fatalf("expected decoded reason in wrapped error, got: %v", typed)
	}
}

func TestExecuteActionRejectsMissingStepTargetBeforeRPCDial(t *testing.T) {
	action := NewAction("act_test", "swap", "eip155:1", Constraints{Simulate: true})
	action.Steps = append(action.Steps, ActionStep{
		StepID:  "step-1",
		Type:    StepTypeSwap,
		Status:  StepStatusPending,
		ChainID: "eip155:1",
		RPCURL:  "http://127.0.0.1:65535",
		Target:  "",
		Data:    "0x",
		Value:   "0",
	})
	err := ExecuteAction(context.Background(), nil, &action, staticSigner{}, DefaultExecuteOptions())
	if err == nil {
		t.Fatal("expected missing target error")
	}
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeUsage {
		t.Fatalf("expected usage error, got %v", err)
	}
	if action.Steps[0].Status != StepStatusFailed {
		t.Fatalf("expected step to be marked failed, got %s", action.Steps[0].Status)
	}
	if action.Status != ActionStatusFailed || action.FailureReason == "" {
		t.Fatalf("expected failed action with reason, got %s %q", action.Status, action.FailureReason)
	}
}

func TestExecuteOrderStepWithoutSubmitter(t *testing.T) {
	action := NewAction("act_order", "swap", "eip155:42161", Constraints{Simulate: false})
	action.Steps = append(action.Steps, ActionStep{
		StepID:  "submit-order",
		Type:    StepTypeOrderSubmit,
		Status:  StepStatusPending,
		ChainID: "eip155:42161",
		Target:  "0x9008D19f58AAbD9eD0D60971565AA8510560ab41",
		Data:    `{"sellToken":"0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"}`,
		Value:   "0",
	})
	err := ExecuteAction(context.Background(), nil, &action, staticSigner{}, DefaultExecuteOptions())
	if err == nil {
		t.Fatal("expected missing order submitter error")
	}
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestAbandonPlannedAction(t *testing.T) {
	action := NewAction("act_abandon", "swap", "eip155:1", Constraints{})
	if !action.Abandon() {
		t.Fatal("expected planned action to be abandonable")
	}
	if action.Status != ActionStatusFailed || action.FailureReason != FailureReasonAbandoned {
		t.Fatalf("unexpected abandoned state: %s %q", action.Status, action.FailureReason)
	}
	if action.Abandon() {
		t.Fatal("expected terminal action to reject second abandon")
	}
}

func encodeErrorString(t *testing.T, reason string) []byte {
	t.Helper()
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("create abi string type: %v", err)
	}
	args := abi.Arguments{{Type: stringTy}}
	encoded, err := args.Pack(reason)
	if err != nil {
		t.Fatalf("pack revert reason: %v", err)
	}
	return append(common.FromHex("0x08c379a0"), encoded...)
}

type staticSigner struct{}

func (staticSigner) Address() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa")
}

func (staticSigner) SignTx(_ *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

func (staticSigner) SignTypedData(apitypes.TypedData) (string, error) {
	return "0x" + strings.Repeat("ab", 65), nil
}
