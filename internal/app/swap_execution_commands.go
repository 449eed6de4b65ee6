package app

import (
	"strings"
	"time"

	clierr "github.com/decaflow/decaflow/internal/errors"
	execsigner "github.com/decaflow/decaflow/internal/execution/signer"
	"github.com/decaflow/decaflow/internal/model"
	"github.com/decaflow/decaflow/internal/providers"
	"github.com/spf13/cobra"
)

// newSwapCommand wires the swap execution lifecycle: plan persists an action,
// run plans and executes in one shot, submit executes a stored action, status
// reads it back. The privacy flag flips the venue from the direct exchange to
// the intent order book, where execution signs an EIP-712 order and POSTs it
// instead of broadcasting a transaction.
func (s *runtimeState) newSwapCommand() *cobra.Command {
	root := &cobra.Command{Use: "swap", Short: "Swap execution commands"}

	type swapArgs struct {
		providerArg   string
		chainArg      string
		fromAssetArg  string
		toAssetArg    string
		amountBase    string
		amountDecimal string
		fromAddress   string
		recipient     string
		slippageBps   int64
		private       bool
		simulate      bool
		rpcURL        string
	}
	addSwapFlags := func(cmd *cobra.Command, args *swapArgs) {
		cmd.Flags().StringVar(&args.providerArg, "provider", "", "Swap venue (zeroex|cowswap; defaults by privacy flag)")
		cmd.Flags().StringVar(&args.chainArg, "chain", "", "Chain identifier")
		cmd.Flags().StringVar(&args.fromAssetArg, "from-asset", "", "Input asset (symbol/address/CAIP-19)")
		cmd.Flags().StringVar(&args.toAssetArg, "to-asset", "", "Output asset (symbol/address/CAIP-19)")
		cmd.Flags().StringVar(&args.amountBase, "amount", "", "Amount in base units")
		cmd.Flags().StringVar(&args.amountDecimal, "amount-decimal", "", "Amount in decimal units")
		cmd.Flags().StringVar(&args.fromAddress, "from-address", "", "Sender EOA address")
		cmd.Flags().StringVar(&args.recipient, "recipient", "", "Recipient address (defaults to --from-address)")
		cmd.Flags().Int64Var(&args.slippageBps, "slippage-bps", 50, "Max slippage in basis points")
		cmd.Flags().BoolVar(&args.private, "private", false, "Route through the intent order book (no public broadcast)")
		cmd.Flags().BoolVar(&args.simulate, "simulate", true, "Run preflight simulation before submission")
		cmd.Flags().StringVar(&args.rpcURL, "rpc-url", "", "RPC URL override for the selected chain")
		_ = cmd.MarkFlagRequired("chain")
		_ = cmd.MarkFlagRequired("from-asset")
		_ = cmd.MarkFlagRequired("to-asset")
		_ = cmd.MarkFlagRequired("from-address")
	}
	resolveVenue := func(args swapArgs) string {
		name := strings.ToLower(strings.TrimSpace(args.providerArg))
		if name != "" {
			return name
		}
		if args.private {
			return "cowswap"
		}
		return "zeroex"
	}
	buildRequest := func(args swapArgs) (providers.SwapQuoteRequest, error) {
		req, err := s.buildSwapQuoteRequest(args.chainArg, args.fromAssetArg, args.toAssetArg, args.amountBase, args.amountDecimal, args.fromAddress, args.slippageBps, args.private)
		if err != nil {
			return providers.SwapQuoteRequest{}, err
		}
		if strings.TrimSpace(args.fromAddress) == "" {
			return providers.SwapQuoteRequest{}, clierr.New(clierr.CodeUsage, "--from-address is required")
		}
		return req, nil
	}

	var plan swapArgs
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Create and persist a swap action plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := buildRequest(plan)
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			start := time.Now()
			action, providerName, err := s.actionBuilderRegistry().BuildSwapAction(ctx, resolveVenue(plan), "plan", req, providers.SwapExecutionOptions{
				Sender:      plan.fromAddress,
				Recipient:   plan.recipient,
				SlippageBps: plan.slippageBps,
				Simulate:    plan.simulate,
				RPCURL:      plan.rpcURL,
			})
			statuses := []model.ProviderStatus{{Name: providerName, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			if err != nil {
				s.captureCommandDiagnostics(nil, statuses, false)
				return err
			}
			if err := s.ensureActionStore(); err != nil {
				return err
			}
			if err := s.actionStore.Save(action); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "persist planned action", err)
			}
			s.captureCommandDiagnostics(nil, statuses, false)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, cacheMetaBypass(), statuses, false)
		},
	}
	addSwapFlags(planCmd, &plan)

	var run swapArgs
	var runYes bool
	var runSigner, runKeySource, runConfirmAddress, runPollInterval, runStepTimeout string
	var runGasMultiplier float64
	var runMaxFeeGwei, runMaxPriorityFeeGwei string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and execute a swap action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !runYes {
				return clierr.New(clierr.CodeUsage, "swap run requires --yes")
			}
			req, err := buildRequest(run)
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			start := time.Now()
			action, providerName, err := s.actionBuilderRegistry().BuildSwapAction(ctx, resolveVenue(run), "run", req, providers.SwapExecutionOptions{
				Sender:      run.fromAddress,
				Recipient:   run.recipient,
				SlippageBps: run.slippageBps,
				Simulate:    run.simulate,
				RPCURL:      run.rpcURL,
			})
			statuses := []model.ProviderStatus{{Name: providerName, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			if err != nil {
				s.captureCommandDiagnostics(nil, statuses, false)
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
				s.captureCommandDiagnostics(nil, statuses, false)
				return err
			}
			if !strings.EqualFold(strings.TrimSpace(run.fromAddress), txSigner.Address().Hex()) {
				s.captureCommandDiagnostics(nil, statuses, false)
				return clierr.New(clierr.CodeSigner, "signer address does not match --from-address")
			}
			execOpts, err := parseExecuteOptions(run.simulate, runPollInterval, runStepTimeout, runGasMultiplier, runMaxFeeGwei, runMaxPriorityFeeGwei)
			if err != nil {
				s.captureCommandDiagnostics(nil, statuses, false)
				return err
			}
			execOpts.Orders = s.orderBook.OrderSubmitter()
			if err := s.executeActionWithTimeout(&action, txSigner, execOpts); err != nil {
				s.captureCommandDiagnostics(nil, statuses, false)
				return err
			}
			s.captureCommandDiagnostics(nil, statuses, false)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, cacheMetaBypass(), statuses, false)
		},
	}
	addSwapFlags(runCmd, &run)
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
		Short: "Execute an existing swap action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !submitYes {
				return clierr.New(clierr.CodeUsage, "swap submit requires --yes")
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
			if action.IntentType != "swap" {
				return clierr.New(clierr.CodeUsage, "action is not a swap intent")
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
			execOpts.Orders = s.orderBook.OrderSubmitter()
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
		Short: "Get swap action status",
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
