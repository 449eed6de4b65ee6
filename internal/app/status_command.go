package app

import (
	"context"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/execution"
	"github.com/decaflow/decaflow/internal/id"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// newStatusCommand reports the current state of a persisted action. With
// --watch it polls until the action reaches a terminal state, resolving
// pending order-book intents against the settlement API as it goes.
func (s *runtimeState) newStatusCommand() *cobra.Command {
	var actionID, planID string
	var watch bool
	var interval, watchTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Track an action until it settles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolved, err := resolveActionID(actionID, planID)
			if err != nil {
				return err
			}
			if err := s.ensureActionStore(); err != nil {
				return err
			}
			action, err := s.actionStore.Get(resolved)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load action", err)
			}
			if !watch || isTerminalStatus(action.Status) {
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, cacheMetaBypass(), nil, false)
			}

			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond, spinner.WithWriter(s.runner.stderr))
			spin.Suffix = fmt.Sprintf(" watching %s", action.ActionID)
			spin.Start()
			defer spin.Stop()

			deadline := time.Now().Add(watchTimeout)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if time.Now().After(deadline) {
					return clierr.New(clierr.CodeTimeout, "action did not settle before the watch timeout")
				}
				<-ticker.C
				action, err = s.actionStore.Get(resolved)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "reload action", err)
				}
				if action.OrderUID != "" && !isTerminalStatus(action.Status) {
					if err := s.refreshOrderStatus(&action); err != nil {
						fmt.Fprintf(s.runner.stderr, "\norder status check failed: %v\n", err)
					}
				}
				if !isTerminalStatus(action.Status) {
					if err := s.refreshTxStatus(&action, interval); err != nil {
						fmt.Fprintf(s.runner.stderr, "\nreceipt check failed: %v\n", err)
					}
				}
				spin.Suffix = fmt.Sprintf(" watching %s (%s)", action.ActionID, colorStatus(string(action.Status)))
				if isTerminalStatus(action.Status) {
					spin.Stop()
					return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, cacheMetaBypass(), nil, false)
				}
			}
		},
	}
	cmd.Flags().StringVar(&actionID, "action-id", "", "Action identifier")
	cmd.Flags().StringVar(&planID, "plan-id", "", "Deprecated alias for --action-id")
	cmd.Flags().BoolVar(&watch, "watch", false, "Poll until the action settles")
	cmd.Flags().DurationVar(&interval, "interval", 3*time.Second, "Watch polling interval")
	cmd.Flags().DurationVar(&watchTimeout, "watch-timeout", 5*time.Minute, "Give up watching after this long")
	return cmd
}

// refreshOrderStatus pulls the latest order-book state for an intent action
// and persists any transition it implies.
func (s *runtimeState) refreshOrderStatus(action *execution.Action) error {
	chain, err := id.ParseChain(action.ChainID)
	if err != nil {
		return err
	}
	ctx, cancel := s.commandContext()
	defer cancel()
	status, err := s.orderBook.OrderStatus(ctx, chain, action.OrderUID)
	if err != nil {
		return err
	}
	switch status.Status {
	case "fulfilled":
		action.Status = execution.ActionStatusCompleted
		if status.TxHash != "" {
			if action.Metadata == nil {
				action.Metadata = map[string]any{}
			}
			action.Metadata["settlement_tx"] = status.TxHash
		}
	case "cancelled", "expired":
		action.Status = execution.ActionStatusFailed
		action.FailureReason = "order " + status.Status
	default:
		return nil
	}
	action.Touch()
	return s.actionStore.Save(*action)
}

// refreshTxStatus checks the receipt of any step stuck in the submitted
// state; a run interrupted between broadcast and confirmation is settled
// here. The wait is bounded to a single watch interval per tick.
func (s *runtimeState) refreshTxStatus(action *execution.Action, interval time.Duration) error {
	for i := range action.Steps {
		step := &action.Steps[i]
		if step.Status != execution.StepStatusSubmitted || step.TxHash == "" || step.RPCURL == "" {
			continue
		}
		chain, err := id.ParseChain(step.ChainID)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		outcome, waitErr := execution.WaitForTransaction(ctx, step.RPCURL, chain.EVMChainID, step.TxHash, interval/2)
		cancel()
		if waitErr != nil {
			if cErr, ok := clierr.As(waitErr); ok && cErr.Code == clierr.CodeTimeout {
				return nil
			}
			step.Status = execution.StepStatusFailed
			step.Error = waitErr.Error()
			action.Status = execution.ActionStatusFailed
			action.FailureReason = waitErr.Error()
			action.Touch()
			return s.actionStore.Save(*action)
		}
		step.Status = execution.StepStatusConfirmed
		if outcome.ExplorerURL != "" {
			if action.Metadata == nil {
				action.Metadata = map[string]any{}
			}
			action.Metadata["explorer_url"] = outcome.ExplorerURL
		}
		if !action.NeedsApproval() && step.Type != execution.StepTypeApproval {
			action.Status = execution.ActionStatusCompleted
		}
		action.Touch()
		return s.actionStore.Save(*action)
	}
	return nil
}

func isTerminalStatus(status execution.ActionStatus) bool {
	return status == execution.ActionStatusCompleted || status == execution.ActionStatusFailed
}

func colorStatus(status string) string {
	switch status {
	case string(execution.ActionStatusCompleted):
		return color.GreenString(status)
	case string(execution.ActionStatusFailed):
		return color.RedString(status)
	default:
		return color.YellowString(status)
	}
}
