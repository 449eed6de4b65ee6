package app

import (
	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/execution"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newActionsCommand() *cobra.Command {
	root := &cobra.Command{Use: "actions", Short: "Inspect the local action ledger"}

	var listStatus string
	var listLimit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted actions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := s.ensureActionStore(); err != nil {
				return err
			}
			actions, err := s.actionStore.List(listStatus, listLimit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list actions", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any{
				"count":   len(actions),
				"actions": actions,
			}, nil, cacheMetaBypass(), nil, false)
		},
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by action status")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of actions to return")

	var showActionID string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show a single action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			actionID, err := resolveActionID(showActionID)
			if err != nil {
				return err
			}
			if err := s.ensureActionStore(); err != nil {
				return err
			}
			action, err := s.actionStore.Get(actionID)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load action", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, cacheMetaBypass(), nil, false)
		},
	}
	showCmd.Flags().StringVar(&showActionID, "action-id", "", "Action identifier")

	var abandonActionID string
	var abandonYes bool
	abandonCmd := &cobra.Command{
		Use:   "abandon",
		Short: "Mark a non-terminal action as abandoned",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !abandonYes {
				return clierr.New(clierr.CodeUsage, "actions abandon requires --yes")
			}
			actionID, err := resolveActionID(abandonActionID)
			if err != nil {
				return err
			}
			if err := s.ensureActionStore(); err != nil {
				return err
			}
			action, err := s.actionStore.Get(actionID)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load action", err)
			}
			if !action.Abandon() {
				return clierr.New(clierr.CodeUsage, "action is already in a terminal state")
			}
			if err := s.actionStore.Save(action); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "persist abandoned action", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, cacheMetaBypass(), nil, false)
		},
	}
	abandonCmd.Flags().StringVar(&abandonActionID, "action-id", "", "Action identifier")
	abandonCmd.Flags().BoolVar(&abandonYes, "yes", false, "Confirm abandonment")

	var retryActionID string
	var retryYes bool
	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Reset a failed action so it can be submitted again",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !retryYes {
				return clierr.New(clierr.CodeUsage, "actions retry requires --yes")
			}
			actionID, err := resolveActionID(retryActionID)
			if err != nil {
				return err
			}
			if err := s.ensureActionStore(); err != nil {
				return err
			}
			action, err := s.actionStore.Get(actionID)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load action", err)
			}
			if action.Status != execution.ActionStatusFailed {
				return clierr.New(clierr.CodeUsage, "only failed actions can be retried")
			}
			// Retry discards the failed attempt entirely: submitted-but-dead
			// steps go back to pending, never resumed mid-flight.
			for i := range action.Steps {
				if action.Steps[i].Status != execution.StepStatusConfirmed {
					action.Steps[i].Status = execution.StepStatusPending
					action.Steps[i].TxHash = ""
					action.Steps[i].Error = ""
				}
			}
			action.Status = execution.ActionStatusPlanned
			action.FailureReason = ""
			action.Touch()
			if err := s.actionStore.Save(action); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "persist retried action", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, cacheMetaBypass(), nil, false)
		},
	}
	retryCmd.Flags().StringVar(&retryActionID, "action-id", "", "Action identifier")
	retryCmd.Flags().BoolVar(&retryYes, "yes", false, "Confirm retry")

	var estimateActionID string
	var estimateStepIDs []string
	var estimateGasMultiplier float64
	var estimateMaxFee string
	var estimateMaxPriorityFee string
	var estimateBlockTag string
	estimateCmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate gas and fees for an action's steps without signing anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			actionID, err := resolveActionID(estimateActionID)
			if err != nil {
				return err
			}
			if err := s.ensureActionStore(); err != nil {
				return err
			}
			action, err := s.actionStore.Get(actionID)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load action", err)
			}
			opts := execution.DefaultEstimateOptions()
			opts.StepIDs = estimateStepIDs
			opts.GasMultiplier = estimateGasMultiplier
			opts.MaxFeeGwei = estimateMaxFee
			opts.MaxPriorityFeeGwei = estimateMaxPriorityFee
			opts.BlockTag = execution.EstimateBlockTag(estimateBlockTag)
			ctx, cancel := s.commandContext()
			defer cancel()
			estimate, err := execution.EstimateActionGas(ctx, action, opts)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), estimate, nil, cacheMetaBypass(), nil, false)
		},
	}
	estimateCmd.Flags().StringVar(&estimateActionID, "action-id", "", "Action identifier")
	estimateCmd.Flags().StringSliceVar(&estimateStepIDs, "step-ids", nil, "Limit the estimate to specific step ids")
	estimateCmd.Flags().Float64Var(&estimateGasMultiplier, "gas-multiplier", 1.2, "Headroom multiplier applied to the raw gas estimate")
	estimateCmd.Flags().StringVar(&estimateMaxFee, "max-fee-gwei", "", "Cap on max fee per gas in gwei")
	estimateCmd.Flags().StringVar(&estimateMaxPriorityFee, "max-priority-fee-gwei", "", "Cap on priority fee per gas in gwei")
	estimateCmd.Flags().StringVar(&estimateBlockTag, "block-tag", string(execution.EstimateBlockTagPending), "Block tag to estimate against (pending or latest)")

	root.AddCommand(listCmd)
	root.AddCommand(showCmd)
	root.AddCommand(abandonCmd)
	root.AddCommand(retryCmd)
	root.AddCommand(estimateCmd)
	return root
}
