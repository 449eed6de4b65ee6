package app

import (
	"fmt"
	"strings"
	"time"

	clierr "github.com/decaflow/decaflow/internal/errors"
	execsigner "github.com/decaflow/decaflow/internal/execution/signer"
	"github.com/decaflow/decaflow/internal/model"
	"github.com/decaflow/decaflow/internal/providers"
	"github.com/spf13/cobra"
)

// newBridgeCommand wires the bridge execution lifecycle. When no --provider is
// given the mechanisms are tried in priority order (burn-and-mint, then
// message-passing, then the aggregator of last resort) and the first one that
// supports the corridor wins; each skipped mechanism surfaces as a warning.
func (s *runtimeState) newBridgeCommand() *cobra.Command {
	root := &cobra.Command{Use: "bridge", Short: "Bridge execution commands"}

	type bridgeArgs struct {
		providerArg   string
		fromArg       string
		toArg         string
		assetArg      string
		toAssetArg    string
		amountBase    string
		amountDecimal string
		fromAddress   string
		recipient     string
		slippageBps   int64
		simulate      bool
		rpcURL        string
	}
	addBridgeFlags := func(cmd *cobra.Command, args *bridgeArgs) {
		cmd.Flags().StringVar(&args.providerArg, "provider", "", "Bridge mechanism (cctp|ccip|socket; auto-selected when empty)")
		cmd.Flags().StringVar(&args.fromArg, "from", "", "Source chain identifier")
		cmd.Flags().StringVar(&args.toArg, "to", "", "Destination chain identifier")
		cmd.Flags().StringVar(&args.assetArg, "asset", "", "Asset to bridge (symbol/address/CAIP-19)")
		cmd.Flags().StringVar(&args.toAssetArg, "to-asset", "", "Destination asset (defaults to the source symbol)")
		cmd.Flags().StringVar(&args.amountBase, "amount", "", "Amount in base units")
		cmd.Flags().StringVar(&args.amountDecimal, "amount-decimal", "", "Amount in decimal units")
		cmd.Flags().StringVar(&args.fromAddress, "from-address", "", "Sender EOA address")
		cmd.Flags().StringVar(&args.recipient, "recipient", "", "Destination recipient (defaults to --from-address)")
		cmd.Flags().Int64Var(&args.slippageBps, "slippage-bps", 50, "Max slippage in basis points")
		cmd.Flags().BoolVar(&args.simulate, "simulate", true, "Run preflight simulation before submission")
		cmd.Flags().StringVar(&args.rpcURL, "rpc-url", "", "RPC URL override for the source chain")
		_ = cmd.MarkFlagRequired("from")
		_ = cmd.MarkFlagRequired("to")
		_ = cmd.MarkFlagRequired("asset")
		_ = cmd.MarkFlagRequired("from-address")
	}
	buildRequest := func(args bridgeArgs) (providers.BridgeQuoteRequest, error) {
		if strings.TrimSpace(args.fromAddress) == "" {
			return providers.BridgeQuoteRequest{}, clierr.New(clierr.CodeUsage, "--from-address is required")
		}
		return s.buildBridgeQuoteRequest(args.fromArg, args.toArg, args.assetArg, args.toAssetArg, args.amountBase, args.amountDecimal, args.fromAddress, args.recipient)
	}
	selectMechanism := func(args bridgeArgs, req providers.BridgeQuoteRequest) (string, []string, error) {
		name := strings.ToLower(strings.TrimSpace(args.providerArg))
		if name != "" {
			if _, ok := s.bridgeVenues[name]; !ok {
				return "", nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown bridge provider %q", name))
			}
			return name, nil, nil
		}
		var warnings []string
		for _, candidate := range s.bridgePriority {
			venue, ok := s.bridgeVenues[candidate]
			if !ok {
				continue
			}
			supported, reason := venue.Supports(req)
			if supported {
				return candidate, warnings, nil
			}
			warnings = append(warnings, fmt.Sprintf("%s skipped: %s", candidate, reason))
		}
		return "", warnings, clierr.New(clierr.CodeNoRoute, "no bridge mechanism is eligible for this pair")
	}

	var plan bridgeArgs
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Create and persist a bridge action plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := buildRequest(plan)
			if err != nil {
				return err
			}
			providerName, warnings, err := selectMechanism(plan, req)
			if err != nil {
				s.captureCommandDiagnostics(warnings, nil, false)
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			start := time.Now()
			action, resolvedName, err := s.actionBuilderRegistry().BuildBridgeAction(ctx, providerName, req, providers.BridgeExecutionOptions{
				Sender:      plan.fromAddress,
				Recipient:   plan.recipient,
				SlippageBps: plan.slippageBps,
				Simulate:    plan.simulate,
				RPCURL:      plan.rpcURL,
			})
			statuses := []model.ProviderStatus{{Name: resolvedName, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			if err != nil {
				s.captureCommandDiagnostics(warnings, statuses, false)
				return err
			}
			if err := s.ensureActionStore(); err != nil {
				return err
			}
			if err := s.actionStore.Save(action); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "persist planned action", err)
			}
			s.captureCommandDiagnostics(warnings, statuses, false)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, warnings, cacheMetaBypass(), statuses, false)
		},
	}
	addBridgeFlags(planCmd, &plan)

	var run bridgeArgs
	var runYes bool
	var runSigner, runKeySource, runConfirmAddress, runPollInterval, runStepTimeout string
	var runGasMultiplier float64
	var runMaxFeeGwei, runMaxPriorityFeeGwei string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and execute a bridge action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !runYes {
				return clierr.New(clierr.CodeUsage, "bridge run requires --yes")
			}
			req, err := buildRequest(run)
			if err != nil {
				return err
			}
			providerName, warnings, err := selectMechanism(run, req)
			if err != nil {
				s.captureCommandDiagnostics(warnings, nil, false)
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			start := time.Now()
			action, resolvedName, err := s.actionBuilderRegistry().BuildBridgeAction(ctx, providerName, req, providers.BridgeExecutionOptions{
				Sender:      run.fromAddress,
				Recipient:   run.recipient,
				SlippageBps: run.slippageBps,
				Simulate:    run.simulate,
				RPCURL:      run.rpcURL,
			})
			statuses := []model.ProviderStatus{{Name: resolvedName, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			if err != nil {
				s.captureCommandDiagnostics(warnings, statuses, false)
				return err
			}
			if err := s.ensureActionStore(); err != nil {
				return err
			}
			if err := s.actionStore.Save(action); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "persist planned action", err)
			}
			txSigner, err := newExecutionSigner(runSigner, runKeySource, runConfirmAddress)
			if err != nil {
				s.captureCommandDiagnostics(warnings, statuses, false)
				return err
			}
			if !strings.EqualFold(strings.TrimSpace(run.fromAddress), txSigner.Address().Hex()) {
				s.captureCommandDiagnostics(warnings, statuses, false)
				return clierr.New(clierr.CodeSigner, "signer address does not match --from-address")
			}
			execOpts, err := parseExecuteOptions(run.simulate, runPollInterval, runStepTimeout, runGasMultiplier, runMaxFeeGwei, runMaxPriorityFeeGwei)
			if err != nil {
				s.captureCommandDiagnostics(warnings, statuses, false)
				return err
			}
			if err := s.executeActionWithTimeout(&action, txSigner, execOpts); err != nil {
				s.captureCommandDiagnostics(warnings, statuses, false)
				return err
			}
			s.captureCommandDiagnostics(warnings, statuses, false)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, warnings, cacheMetaBypass(), statuses, false)
		},
	}
	addBridgeFlags(runCmd, &run)
	runCmd.Flags().StringVar(&runSigner, "signer", "local", "Signer backend (local)")
	runCmd.Flags().StringVar(&runKeySource, "key-source", execsigner.KeySourceAuto, "Key source (auto|env|file|keystore)")
	runCmd.Flags().StringVar(&runConfirmAddress, "confirm-address", "", "Require signer address to match this value")
	runCmd.Flags().StringVar(&runPollInterval, "poll-interval", "2s", "Receipt polling interval")
	runCmd.Flags().StringVar(&runStepTimeout, "step-timeout", "2m", "Per-step receipt timeout")
	runCmd.Flags().Float64Var(&runGasMultiplier, "gas-multiplier", 1.2, "Gas estimate safety multiplier")
	runCmd.Flags().StringVar(&runMaxFeeGwei, "max-fee-gwei", "", "Optional EIP-1559 max fee (gwei)")
	runCmd.Flags().StringVar(&runMaxPriorityFeeGwei, "max-priority-fee-gwei", "", "Optional EIP-1559 max priority fee (gwei)")
	runCmd.Flags().BoolVar(&runYes, "yes", false, "Confirm execution")

	var submitActionID, submitPlanID string
	var submitYes, submitSimulate bool
	var submitSigner, submitKeySource, submitConfirmAddress, submitPollInterval, submitStepTimeout string
	var submitGasMultiplier float64
	var submitMaxFeeGwei, submitMaxPriorityFeeGwei string
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Execute an existing bridge action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !submitYes {
				return clierr.New(clierr.CodeUsage, "bridge submit requires --yes")
			}
			actionID, err := resolveActionID(submitActionID, submitPlanID)
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
			if action.IntentType != "bridge" {
				return clierr.New(clierr.CodeUsage, "action is not a bridge intent")
			}
			txSigner, err := newExecutionSigner(submitSigner, submitKeySource, submitConfirmAddress)
			if err != nil {
				return err
			}
			if strings.TrimSpace(action.FromAddress) != "" && !strings.EqualFold(strings.TrimSpace(action.FromAddress), txSigner.Address().Hex()) {
				return clierr.New(clierr.CodeSigner, "signer address does not match planned action sender")
			}
			execOpts, err := parseExecuteOptions(submitSimulate, submitPollInterval, submitStepTimeout, submitGasMultiplier, submitMaxFeeGwei, submitMaxPriorityFeeGwei)
			if err != nil {
				return err
			}
			if err := s.executeActionWithTimeout(&action, txSigner, execOpts); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, cacheMetaBypass(), nil, false)
		},
	}
	submitCmd.Flags().StringVar(&submitActionID, "action-id", "", "Action identifier")
	submitCmd.Flags().StringVar(&submitPlanID, "plan-id", "", "Deprecated alias for --action-id")
	submitCmd.Flags().BoolVar(&submitYes, "yes", false, "Confirm execution")
	submitCmd.Flags().BoolVar(&submitSimulate, "simulate", true, "Run preflight simulation before submission")
	submitCmd.Flags().StringVar(&submitSigner, "signer", "local", "Signer backend (local)")
	submitCmd.Flags().StringVar(&submitKeySource, "key-source", execsigner.KeySourceAuto, "Key source (auto|env|file|keystore)")
	submitCmd.Flags().StringVar(&submitConfirmAddress, "confirm-address", "", "Require signer address to match this value")
	submitCmd.Flags().StringVar(&submitPollInterval, "poll-interval", "2s", "Receipt polling interval")
	submitCmd.Flags().StringVar(&submitStepTimeout, "step-timeout", "2m", "Per-step receipt timeout")
	submitCmd.Flags().Float64Var(&submitGasMultiplier, "gas-multiplier", 1.2, "Gas estimate safety multiplier")
	submitCmd.Flags().StringVar(&submitMaxFeeGwei, "max-fee-gwei", "", "Optional EIP-1559 max fee (gwei)")
	submitCmd.Flags().StringVar(&submitMaxPriorityFeeGwei, "max-priority-fee-gwei", "", "Optional EIP-1559 max priority fee (gwei)")

	var statusActionID, statusPlanID string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Get bridge action status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			actionID, err := resolveActionID(statusActionID, statusPlanID)
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
	statusCmd.Flags().StringVar(&statusActionID, "action-id", "", "Action identifier")
	statusCmd.Flags().StringVar(&statusPlanID, "plan-id", "", "Deprecated alias for --action-id")

	root.AddCommand(planCmd)
	root.AddCommand(runCmd)
	root.AddCommand(submitCmd)
	root.AddCommand(statusCmd)
	return root
}
