package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/decaflow/decaflow/internal/aggregator"
	"github.com/decaflow/decaflow/internal/cache"
	"github.com/decaflow/decaflow/internal/config"
	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/execution"
	"github.com/decaflow/decaflow/internal/execution/actionbuilder"
	"github.com/decaflow/decaflow/internal/fees"
	"github.com/decaflow/decaflow/internal/httpx"
	"github.com/decaflow/decaflow/internal/id"
	"github.com/decaflow/decaflow/internal/model"
	"github.com/decaflow/decaflow/internal/out"
	"github.com/decaflow/decaflow/internal/policy"
	"github.com/decaflow/decaflow/internal/prices"
	"github.com/decaflow/decaflow/internal/providers"
	"github.com/decaflow/decaflow/internal/providers/ccip"
	"github.com/decaflow/decaflow/internal/providers/cctp"
	"github.com/decaflow/decaflow/internal/providers/cowswap"
	"github.com/decaflow/decaflow/internal/providers/socket"
	"github.com/decaflow/decaflow/internal/providers/zeroex"
	"github.com/decaflow/decaflow/internal/router"
	"github.com/decaflow/decaflow/internal/schema"
	"github.com/decaflow/decaflow/internal/version"
	"github.com/spf13/cobra"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner        *Runner
	flags         config.GlobalFlags
	settings      config.Settings
	cache         *cache.Store
	actionStore   *execution.Store
	root          *cobra.Command
	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus
	lastPartial   bool

	httpClient     *httpx.Client
	swapVenues     map[string]providers.SwapProvider
	bridgeVenues   map[string]providers.BridgeProvider
	bridgePriority []string
	swapAggregator *aggregator.Aggregator
	bridgeRouter   *router.Router
	orderBook      *cowswap.Client
	builders       *actionbuilder.Registry
	priceService   *prices.Service
	providerInfos  []model.ProviderInfo
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err == nil {
		state.closeStores()
		return 0
	}

	state.renderError("", err, state.lastWarnings, state.lastProviders, state.lastPartial)
	state.closeStores()
	return clierr.ExitCode(err)
}

func (s *runtimeState) closeStores() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.actionStore != nil {
		_ = s.actionStore.Close()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Swap aggregation and cross-chain routing CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}

			if s.swapAggregator == nil {
				httpClient := httpx.New(settings.Timeout, settings.Retries)
				s.httpClient = httpClient
				direct := zeroex.New(httpClient)
				if settings.ZeroExAPIKey != "" {
					direct.SetAPIKey(settings.ZeroExAPIKey)
				}
				intent := cowswap.New(httpClient)
				burnMint := cctp.New()
				messaging := ccip.New()
				lastResort, err := socket.New(httpClient, settings.SocketRelayURL)
				if err != nil {
					return err
				}

				s.orderBook = intent
				s.swapAggregator = aggregator.New(direct, intent)
				s.bridgeRouter = router.New(burnMint, messaging, lastResort)
				s.swapVenues = map[string]providers.SwapProvider{
					"zeroex":  direct,
					"cowswap": intent,
				}
				s.bridgeVenues = map[string]providers.BridgeProvider{
					"cctp":   burnMint,
					"ccip":   messaging,
					"socket": lastResort,
				}
				s.bridgePriority = []string{"cctp", "ccip", "socket"}
				s.builders = actionbuilder.New(s.swapVenues, s.bridgeVenues)
				s.providerInfos = []model.ProviderInfo{
					direct.Info(),
					intent.Info(),
					burnMint.Info(),
					messaging.Info(),
					lastResort.Info(),
				}
			}

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = cacheStore
			}
			if shouldOpenActionStore(path) {
				if err := s.ensureActionStore(); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.Strict, "strict", false, "Fail on partial results")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Provider request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per provider request")
	cmd.PersistentFlags().StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	cmd.PersistentFlags().BoolVar(&s.flags.NoStale, "no-stale", false, "Reject stale cache entries")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newTokensCommand())
	cmd.AddCommand(s.newQuoteCommand())
	cmd.AddCommand(s.newSwapCommand())
	cmd.AddCommand(s.newBridgeCommand())
	cmd.AddCommand(s.newApprovalsCommand())
	cmd.AddCommand(s.newActionsCommand())
	cmd.AddCommand(s.newStatusCommand())
	cmd.AddCommand(s.newPriceCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = strings.Join(args, " ")
			}
			data, err := schema.Build(s.root, path)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil, false)
		},
	}
	return cmd
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Provider commands"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List swap and bridge providers with API key metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.providerInfos, nil, cacheMetaBypass(), nil, false)
		},
	}
	root.AddCommand(list)
	return root
}

func (s *runtimeState) newQuoteCommand() *cobra.Command {
	root := &cobra.Command{Use: "quote", Short: "Quote aggregation commands"}
	root.AddCommand(s.newQuoteSwapCommand())
	root.AddCommand(s.newQuoteBridgeCommand())
	return root
}

func (s *runtimeState) newQuoteSwapCommand() *cobra.Command {
	var chainArg, fromAssetArg, toAssetArg string
	var amountBase, amountDecimal, takerArg string
	var slippageBps int64
	var private, all bool
	cmd := &cobra.Command{
		Use:   "swap",
		Short: "Get an aggregated swap quote",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := s.buildSwapQuoteRequest(chainArg, fromAssetArg, toAssetArg, amountBase, amountDecimal, takerArg, slippageBps, private)
			if err != nil {
				return err
			}
			key := cacheKey(trimRootPath(cmd.CommandPath()), map[string]any{
				"chain":    req.Chain.CAIP2,
				"from":     req.FromAsset.AssetID,
				"to":       req.ToAsset.AssetID,
				"amount":   req.AmountBaseUnits,
				"slippage": req.SlippageBps,
				"private":  req.Private,
				"all":      all,
			})
			return s.runCachedCommand(trimRootPath(cmd.CommandPath()), key, 15*time.Second, func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
				if all {
					start := time.Now()
					quotes, warnings, err := s.swapAggregator.All(ctx, req)
					statuses := make([]model.ProviderStatus, 0, len(quotes))
					for _, quote := range quotes {
						statuses = append(statuses, model.ProviderStatus{Name: quote.Provider, Status: "ok", LatencyMS: time.Since(start).Milliseconds()})
					}
					return quotes, statuses, warnings, len(warnings) > 0 && err == nil, err
				}
				start := time.Now()
				quote, warnings, err := s.swapAggregator.Best(ctx, req)
				var statuses []model.ProviderStatus
				if err == nil {
					statuses = []model.ProviderStatus{{Name: quote.Provider, Status: "ok", LatencyMS: time.Since(start).Milliseconds()}}
				}
				return quote, statuses, warnings, false, err
			})
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain identifier")
	cmd.Flags().StringVar(&fromAssetArg, "from-asset", "", "Input asset (symbol/address/CAIP-19)")
	cmd.Flags().StringVar(&toAssetArg, "to-asset", "", "Output asset (symbol/address/CAIP-19)")
	cmd.Flags().StringVar(&amountBase, "amount", "", "Amount in base units")
	cmd.Flags().StringVar(&amountDecimal, "amount-decimal", "", "Amount in decimal units")
	cmd.Flags().StringVar(&takerArg, "taker", "", "Taker address used for quoting")
	cmd.Flags().Int64Var(&slippageBps, "slippage-bps", 50, "Max slippage in basis points")
	cmd.Flags().BoolVar(&private, "private", false, "Prefer the intent order book over direct exchange")
	cmd.Flags().BoolVar(&all, "all", false, "Query every swap venue and return all quotes")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("from-asset")
	_ = cmd.MarkFlagRequired("to-asset")
	return cmd
}

func (s *runtimeState) newQuoteBridgeCommand() *cobra.Command {
	var fromArg, toArg, assetArg, toAssetArg string
	var amountBase, amountDecimal, senderArg, recipientArg string
	var all bool
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Get a routed cross-chain bridge quote",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := s.buildBridgeQuoteRequest(fromArg, toArg, assetArg, toAssetArg, amountBase, amountDecimal, senderArg, recipientArg)
			if err != nil {
				return err
			}
			key := cacheKey(trimRootPath(cmd.CommandPath()), map[string]any{
				"from":       req.FromChain.CAIP2,
				"to":         req.ToChain.CAIP2,
				"from_asset": req.FromAsset.AssetID,
				"to_asset":   req.ToAsset.AssetID,
				"amount":     req.AmountBaseUnits,
				"all":        all,
			})
			return s.runCachedCommand(trimRootPath(cmd.CommandPath()), key, 15*time.Second, func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
				if all {
					start := time.Now()
					quotes, warnings, err := s.bridgeRouter.All(ctx, req)
					statuses := make([]model.ProviderStatus, 0, len(quotes))
					for _, quote := range quotes {
						statuses = append(statuses, model.ProviderStatus{Name: quote.Provider, Status: "ok", LatencyMS: time.Since(start).Milliseconds()})
					}
					return quotes, statuses, warnings, len(warnings) > 0 && err == nil, err
				}
				start := time.Now()
				quote, warnings, err := s.bridgeRouter.Best(ctx, req)
				var statuses []model.ProviderStatus
				if err == nil {
					statuses = []model.ProviderStatus{{Name: quote.Provider, Status: "ok", LatencyMS: time.Since(start).Milliseconds()}}
				}
				return quote, statuses, warnings, false, err
			})
		},
	}
	cmd.Flags().StringVar(&fromArg, "from", "", "Source chain")
	cmd.Flags().StringVar(&toArg, "to", "", "Destination chain")
	cmd.Flags().StringVar(&assetArg, "asset", "", "Asset on source chain")
	cmd.Flags().StringVar(&toAssetArg, "to-asset", "", "Destination asset override (symbol/address/CAIP-19)")
	cmd.Flags().StringVar(&amountBase, "amount", "", "Amount in base units")
	cmd.Flags().StringVar(&amountDecimal, "amount-decimal", "", "Amount in decimal units")
	cmd.Flags().StringVar(&senderArg, "sender", "", "Sender address used for quoting")
	cmd.Flags().StringVar(&recipientArg, "recipient", "", "Recipient on the destination chain (defaults to sender)")
	cmd.Flags().BoolVar(&all, "all", false, "Query every eligible bridge mechanism")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("asset")
	return cmd
}

func (s *runtimeState) buildSwapQuoteRequest(chainArg, fromAssetArg, toAssetArg, amountBase, amountDecimal, taker string, slippageBps int64, private bool) (providers.SwapQuoteRequest, error) {
	if slippageBps < 0 || slippageBps > 10_000 {
		return providers.SwapQuoteRequest{}, clierr.New(clierr.CodeUsage, "--slippage-bps must be between 0 and 10000")
	}
	chain, err := id.ParseChain(chainArg)
	if err != nil {
		return providers.SwapQuoteRequest{}, err
	}
	fromAsset, err := id.ParseAsset(fromAssetArg, chain)
	if err != nil {
		return providers.SwapQuoteRequest{}, err
	}
	toAsset, err := id.ParseAsset(toAssetArg, chain)
	if err != nil {
		return providers.SwapQuoteRequest{}, err
	}
	decimals := fromAsset.Decimals
	if decimals <= 0 {
		decimals = 18
	}
	base, decimal, err := id.NormalizeAmount(amountBase, amountDecimal, decimals)
	if err != nil {
		return providers.SwapQuoteRequest{}, err
	}
	fee, err := fees.Describe(base, s.settings.SwapFeeBps, s.settings.Treasury, "")
	if err != nil {
		return providers.SwapQuoteRequest{}, err
	}
	return providers.SwapQuoteRequest{
		Chain:           chain,
		FromAsset:       fromAsset,
		ToAsset:         toAsset,
		AmountBaseUnits: base,
		AmountDecimal:   decimal,
		Taker:           strings.TrimSpace(taker),
		SlippageBps:     slippageBps,
		Private:         private,
		Fee:             fee,
	}, nil
}

func (s *runtimeState) buildBridgeQuoteRequest(fromArg, toArg, assetArg, toAssetArg, amountBase, amountDecimal, sender, recipient string) (providers.BridgeQuoteRequest, error) {
	fromChain, err := id.ParseChain(fromArg)
	if err != nil {
		return providers.BridgeQuoteRequest{}, err
	}
	toChain, err := id.ParseChain(toArg)
	if err != nil {
		return providers.BridgeQuoteRequest{}, err
	}
	fromAsset, err := id.ParseAsset(assetArg, fromChain)
	if err != nil {
		return providers.BridgeQuoteRequest{}, err
	}
	toAssetInput := strings.TrimSpace(toAssetArg)
	if toAssetInput == "" {
		if fromAsset.Symbol == "" {
			return providers.BridgeQuoteRequest{}, clierr.New(clierr.CodeUsage, "destination asset cannot be inferred, provide --to-asset")
		}
		toAssetInput = fromAsset.Symbol
	}
	toAsset, err := id.ParseAsset(toAssetInput, toChain)
	if err != nil {
		return providers.BridgeQuoteRequest{}, clierr.Wrap(clierr.CodeUsage, "resolve destination asset", err)
	}
	decimals := fromAsset.Decimals
	if decimals <= 0 {
		decimals = 18
	}
	base, decimal, err := id.NormalizeAmount(amountBase, amountDecimal, decimals)
	if err != nil {
		return providers.BridgeQuoteRequest{}, err
	}
	fee, err := fees.Describe(base, s.settings.BridgeFeeBps, s.settings.Treasury, "")
	if err != nil {
		return providers.BridgeQuoteRequest{}, err
	}
	return providers.BridgeQuoteRequest{
		FromChain:       fromChain,
		ToChain:         toChain,
		FromAsset:       fromAsset,
		ToAsset:         toAsset,
		AmountBaseUnits: base,
		AmountDecimal:   decimal,
		Sender:          strings.TrimSpace(sender),
		Recipient:       strings.TrimSpace(recipient),
		Fee:             fee,
	}, nil
}

type fetchFn func(ctx context.Context) (data any, providerStatus []model.ProviderStatus, warnings []string, partial bool, err error)

func (s *runtimeState) runCachedCommand(commandPath, key string, ttl time.Duration, fetch fetchFn) error {
	s.resetCommandDiagnostics()
	cacheStatus := cacheMetaMiss()
	warnings := []string{}
	var staleData any
	staleAvailable := false
	staleObservedAge := time.Duration(0)
	staleObservedAt := time.Time{}
	staleCacheStatus := cacheMetaMiss()

	if s.settings.CacheEnabled && s.cache != nil {
		cached, err := s.cache.Get(key, s.settings.MaxStale)
		if err == nil && cached.Hit {
			entryStatus := model.CacheStatus{Status: "hit", AgeMS: cached.Age.Milliseconds(), Stale: cached.Stale}
			if !cached.Stale {
				var data any
				if err := json.Unmarshal(cached.Value, &data); err == nil {
					s.captureCommandDiagnostics(warnings, nil, false)
					return s.emitSuccess(commandPath, data, warnings, entryStatus, nil, false)
				}
			} else {
				var data any
				if err := json.Unmarshal(cached.Value, &data); err == nil {
					staleData = data
					staleAvailable = true
					staleObservedAge = cached.Age
					staleObservedAt = time.Now()
					staleCacheStatus = entryStatus
				}
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	data, providerStatus, providerWarnings, partial, err := fetch(ctx)
	warnings = append(warnings, providerWarnings...)
	s.captureCommandDiagnostics(warnings, providerStatus, partial)
	if err != nil {
		if staleAvailable {
			if !staleFallbackAllowed(err) {
				return err
			}
			currentStaleAge := staleObservedAge
			if !staleObservedAt.IsZero() {
				currentStaleAge += time.Since(staleObservedAt)
			}
			staleCacheStatus.AgeMS = currentStaleAge.Milliseconds()
			if s.settings.NoStale {
				return clierr.Wrap(clierr.CodeStale, "fresh provider fetch failed and stale fallback is disabled (--no-stale)", err)
			}
			if staleExceedsBudget(currentStaleAge, ttl, s.settings.MaxStale) {
				return clierr.Wrap(clierr.CodeStale, "fresh provider fetch failed and cached data exceeded stale budget", err)
			}
			warnings = append(warnings, "provider fetch failed; serving stale data within max-stale budget")
			s.captureCommandDiagnostics(warnings, providerStatus, false)
			return s.emitSuccess(commandPath, staleData, warnings, staleCacheStatus, providerStatus, false)
		}
		return err
	}

	if partial && s.settings.Strict {
		s.captureCommandDiagnostics(warnings, providerStatus, true)
		return clierr.New(clierr.CodePartialStrict, "partial results returned in strict mode")
	}

	if s.settings.CacheEnabled && s.cache != nil {
		if payload, err := json.Marshal(data); err == nil {
			_ = s.cache.Set(key, payload, ttl)
			cacheStatus = model.CacheStatus{Status: "write", AgeMS: 0, Stale: false}
		}
	}

	s.captureCommandDiagnostics(warnings, providerStatus, partial)
	return s.emitSuccess(commandPath, data, warnings, cacheStatus, providerStatus, partial)
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus, partial bool) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheStatus,
			Partial:   partial,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, providers []model.ProviderStatus, partial bool) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		switch cErr.Code {
		case clierr.CodeUsage:
			typ = "usage_error"
		case clierr.CodeAuth:
			typ = "auth_error"
		case clierr.CodeRateLimited:
			typ = "rate_limited"
		case clierr.CodeUnavailable:
			typ = "provider_unavailable"
		case clierr.CodeUnsupported:
			typ = "unsupported"
		case clierr.CodeStale:
			typ = "stale_data"
		case clierr.CodePartialStrict:
			typ = "partial_results"
		case clierr.CodeBlocked:
			typ = "command_blocked"
		case clierr.CodeNoRoute:
			typ = "no_route"
		case clierr.CodeProvider:
			typ = "provider_error"
		case clierr.CodeAllowance:
			typ = "insufficient_allowance"
		case clierr.CodeSigner:
			typ = "signer_error"
		case clierr.CodeRevert:
			typ = "onchain_revert"
		case clierr.CodeTimeout:
			typ = "timeout"
		case clierr.CodeAbandoned:
			typ = "abandoned"
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheMetaBypass(),
			Partial:   partial,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func cacheKey(commandPath string, req any) string {
	buf, _ := json.Marshal(req)
	sum := sha256.Sum256(append([]byte(commandPath+"|"), buf...))
	return hex.EncodeToString(sum[:])
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth:
			return "auth_error"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable:
			return "unavailable"
		default:
			return "error"
		}
	}
	return "error"
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass", AgeMS: 0, Stale: false}
}

func cacheMetaMiss() model.CacheStatus {
	return model.CacheStatus{Status: "miss", AgeMS: 0, Stale: false}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func staleExceedsBudget(age, ttl, maxStale time.Duration) bool {
	if age <= ttl {
		return false
	}
	if maxStale < 0 {
		return false
	}
	return age > ttl+maxStale
}

func staleFallbackAllowed(err error) bool {
	cErr, ok := clierr.As(err)
	if !ok {
		return false
	}
	return cErr.Code == clierr.CodeUnavailable || cErr.Code == clierr.CodeRateLimited
}

// Cached reads only make sense for quote and price lookups. Execution and
// bookkeeping commands always hit the live provider or the action store.
func shouldOpenCache(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "quote swap", "quote bridge", "price":
		return true
	default:
		return false
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastProviders = nil
	s.lastPartial = false
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, providers []model.ProviderStatus, partial bool) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	if len(providers) == 0 {
		s.lastProviders = nil
	} else {
		s.lastProviders = append([]model.ProviderStatus(nil), providers...)
	}
	s.lastPartial = partial
}
