package execution

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/decaflow/decaflow/internal/registry"
)

func TestValidateApprovalPolicyBounded(t *testing.T) {
	data, err := policyERC20ABI.Pack("approve", common.HexToAddress("0x00000000000000000000000000000000000000ab"), big.NewInt(100))
	if err != nil {
		t.Fatalf("pack approval calldata: %v", err)
	}
	action := &Action{InputAmount: "100"}
	step := &ActionStep{Type: StepTypeApproval, Target: "0x00000000000000000000000000000000000000cd"}

	if err := validateStepPolicy(action, step, 1, data, ExecuteOptions{}); err != nil {
		t.Fatalf("expected bounded approval to pass, got err=%v", err)
	}
}

func TestValidateApprovalPolicyRejectsOversizedByDefault(t *testing.T) {
	data, err := policyERC20ABI.Pack("approve", common.HexToAddress("0x00000000000000000000000000000000000000ab"), big.NewInt(101))
	if err != nil {
		t.Fatalf("pack approval calldata: %v", err)
	}
	action := &Action{InputAmount: "100"}
	step := &ActionStep{Type: StepTypeApproval, Target: "0x00000000000000000000000000000000000000cd"}

	err = validateStepPolicy(action, step, 1, data, ExecuteOptions{})
	if err == nil {
		t.Fatal("expected bounded-approval validation to fail")
	}
	if !strings.Contains(err.Error(), "allow-max-approval") {
		t.Fatalf("expected override hint, got err=%v", err)
	}
}

func TestValidateApprovalPolicyAllowsOverride(t *testing.T) {
	data, err := policyERC20ABI.Pack("approve", common.HexToAddress("0x00000000000000000000000000000000000000ab"), big.NewInt(101))
	if err != nil {
		t.Fatalf("pack approval calldata: %v", err)
	}
	action := &Action{InputAmount: "100"}
	step := &ActionStep{Type: StepTypeApproval, Target: "0x00000000000000000000000000000000000000cd"}

	if err := validateStepPolicy(action, step, 1, data, ExecuteOptions{AllowMaxApproval: true}); err != nil {
		t.Fatalf("expected approval override to pass, got err=%v", err)
	}
}

func TestValidateApprovalPolicyRejectsZeroSpender(t *testing.T) {
	data, err := policyERC20ABI.Pack("approve", common.Address{}, big.NewInt(100))
	if err != nil {
		t.Fatalf("pack approval calldata: %v", err)
	}
	action := &Action{InputAmount: "100"}
	step := &ActionStep{Type: StepTypeApproval, Target: "0x00000000000000000000000000000000000000cd"}

	if err := validateStepPolicy(action, step, 1, data, ExecuteOptions{}); err == nil {
		t.Fatal("expected zero spender to fail")
	}
}

func TestValidateBridgePolicyCanonicalBurn(t *testing.T) {
	_, messenger, ok := registry.CCTPContracts(1)
	if !ok {
		t.Fatal("expected mainnet token messenger")
	}
	data := append([]byte{}, policyBurnSelector...)
	step := &ActionStep{
		Type:            StepTypeBridge,
		Target:          messenger,
		ExpectedOutputs: map[string]string{"mechanism": "cctp"},
	}
	if err := validateStepPolicy(&Action{}, step, 1, data, ExecuteOptions{}); err != nil {
		t.Fatalf("expected canonical burn step to pass, got err=%v", err)
	}
}

func TestValidateBridgePolicyRejectsNonCanonicalMessenger(t *testing.T) {
	data := append([]byte{}, policyBurnSelector...)
	step := &ActionStep{
		Type:            StepTypeBridge,
		Target:          "0x00000000000000000000000000000000000000cd",
		ExpectedOutputs: map[string]string{"mechanism": "cctp"},
	}
	err := validateStepPolicy(&Action{}, step, 1, data, ExecuteOptions{})
	if err == nil {
		t.Fatal("expected non-canonical messenger target to fail")
	}
	if !strings.Contains(err.Error(), "token messenger") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateBridgePolicyRejectsWrongBurnSelector(t *testing.T) {
	_, messenger, _ := registry.CCTPContracts(8453)
	step := &ActionStep{
		Type:            StepTypeBridge,
		Target:          messenger,
		ExpectedOutputs: map[string]string{"mechanism": "cctp"},
	}
	if err := validateStepPolicy(&Action{}, step, 8453, []byte{0xde, 0xad, 0xbe, 0xef}, ExecuteOptions{}); err == nil {
		t.Fatal("expected wrong selector to fail")
	}
}

func TestValidateBridgePolicyCanonicalRouter(t *testing.T) {
	_, router, ok := registry.CCIPContracts(42161)
	if !ok {
		t.Fatal("expected arbitrum ccip router")
	}
	data := append([]byte{}, policySendSelector...)
	step := &ActionStep{
		Type:            StepTypeBridge,
		Target:          router,
		ExpectedOutputs: map[string]string{"mechanism": "ccip"},
	}
	if err := validateStepPolicy(&Action{}, step, 42161, data, ExecuteOptions{}); err != nil {
		t.Fatalf("expected canonical router step to pass, got err=%v", err)
	}
}

func TestValidateBridgePolicySocketTargetUnpinned(t *testing.T) {
	step := &ActionStep{
		Type:            StepTypeBridge,
		Target:          "0x00000000000000000000000000000000000000cd",
		ExpectedOutputs: map[string]string{"mechanism": "socket"},
	}
	if err := validateStepPolicy(&Action{}, step, 1, []byte{0x01}, ExecuteOptions{}); err != nil {
		t.Fatalf("expected aggregator step to pass, got err=%v", err)
	}
}

func TestValidateBridgePolicyUnknownMechanismGuard(t *testing.T) {
	step := &ActionStep{
		Type:            StepTypeBridge,
		Target:          "0x00000000000000000000000000000000000000cd",
		ExpectedOutputs: map[string]string{"mechanism": "mystery"},
	}
	err := validateStepPolicy(&Action{}, step, 1, []byte{0x01}, ExecuteOptions{})
	if err == nil {
		t.Fatal("expected unknown mechanism to fail")
	}
	if !strings.Contains(err.Error(), "unsafe-provider-tx") {
		t.Fatalf("expected override hint, got err=%v", err)
	}
	if err := validateStepPolicy(&Action{}, step, 1, []byte{0x01}, ExecuteOptions{UnsafeProviderTx: true}); err != nil {
		t.Fatalf("expected unsafe provider override to pass, got err=%v", err)
	}
}
