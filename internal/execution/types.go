package execution

import (
	"time"

	"github.com/decaflow/decaflow/internal/model"
)

type ActionStatus string

type StepStatus string

type StepType string

// Action lifecycle. Approval states are only visited when the input asset is
// an ERC-20 with insufficient allowance; native-input actions go straight to
// executing.
const (
	ActionStatusPlanned           ActionStatus = "planned"
	ActionStatusNeedsApproval     ActionStatus = "needs_approval"
	ActionStatusApproving         ActionStatus = "approving"
	ActionStatusApprovalConfirmed ActionStatus = "approval_confirmed"
	ActionStatusExecuting         ActionStatus = "executing"
	ActionStatusCompleted         ActionStatus = "completed"
	ActionStatusFailed            ActionStatus = "failed"
)

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusSimulated StepStatus = "simulated"
	StepStatusSubmitted StepStatus = "submitted"
	StepStatusConfirmed StepStatus = "confirmed"
	StepStatusFailed    StepStatus = "failed"
)

const (
	StepTypeApproval    StepType = "approval"
	StepTypeSwap        StepType = "swap"
	StepTypeBridge      StepType = "bridge_send"
	StepTypeOrderSubmit StepType = "order_submit"
)

// FailureReasonAbandoned is recorded when the user walks away from a planned
// action instead of signing.
const FailureReasonAbandoned = "user abandoned"

type Constraints struct {
	SlippageBps int64  `json:"slippage_bps,omitempty"`
	Deadline    string `json:"deadline,omitempty"`
	Simulate    bool   `json:"simulate"`
}

type ActionStep struct {
	StepID          string            `json:"step_id"`
	Type            StepType          `json:"type"`
	Status          StepStatus        `json:"status"`
	ChainID         string            `json:"chain_id"`
	RPCURL          string            `json:"rpc_url,omitempty"`
	Description     string            `json:"description,omitempty"`
	Target          string            `json:"target"`
	Data            string            `json:"data"`
	Value           string            `json:"value"`
	ExpectedOutputs map[string]string `json:"expected_outputs,omitempty"`
	TxHash          string            `json:"tx_hash,omitempty"`
	Error           string            `json:"error,omitempty"`
}

type Action struct {
	ActionID      string         `json:"action_id"`
	IntentType    string         `json:"intent_type"`
	Provider      string         `json:"provider,omitempty"`
	Status        ActionStatus   `json:"status"`
	FailureReason string         `json:"failure_reason,omitempty"`
	ChainID       string         `json:"chain_id"`
	FromAddress   string         `json:"from_address,omitempty"`
	ToAddress     string         `json:"to_address,omitempty"`
	InputAmount   string         `json:"input_amount,omitempty"`
	Fee           model.FeeInfo  `json:"fee"`
	PayloadKind   string         `json:"payload_kind,omitempty"`
	OrderUID      string         `json:"order_uid,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
	Constraints   Constraints    `json:"constraints"`
	Steps         []ActionStep   `json:"steps"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func NewAction(actionID, intentType, chainID string, constraints Constraints) Action {
	now := time.Now().UTC().Format(time.RFC3339)
	return Action{
		ActionID:    actionID,
		IntentType:  intentType,
		Status:      ActionStatusPlanned,
		ChainID:     chainID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Constraints: constraints,
		Steps:       []ActionStep{},
	}
}

func (a *Action) Touch() {
	a.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// NeedsApproval reports whether the action still has a pending approval step.
func (a *Action) NeedsApproval() bool {
	for _, step := range a.Steps {
		if step.Type == StepTypeApproval && step.Status != StepStatusConfirmed {
			return true
		}
	}
	return false
}

// Abandon marks a non-terminal action as failed without touching the chain.
func (a *Action) Abandon() bool {
	if a.Status == ActionStatusCompleted || a.Status == ActionStatusFailed {
		return false
	}
	a.Status = ActionStatusFailed
	a.FailureReason = FailureReasonAbandoned
	a.Touch()
	return true
}
