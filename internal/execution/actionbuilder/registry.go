package actionbuilder

import (
	"context"
	"fmt"
	"sort"
	"strings"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/execution"
	"github.com/decaflow/decaflow/internal/execution/planner"
	"github.com/decaflow/decaflow/internal/providers"
)

type Registry struct {
	swapProviders   map[string]providers.SwapProvider
	bridgeProviders map[string]providers.BridgeProvider
}

func New(swapProviders map[string]providers.SwapProvider, bridgeProviders map[string]providers.BridgeProvider) *Registry {
	return &Registry{
		swapProviders:   swapProviders,
		bridgeProviders: bridgeProviders,
	}
}

func (r *Registry) Configure(swapProviders map[string]providers.SwapProvider, bridgeProviders map[string]providers.BridgeProvider) {
	r.swapProviders = swapProviders
	r.bridgeProviders = bridgeProviders
}

func (r *Registry) BuildSwapAction(ctx context.Context, providerName, op string, req providers.SwapQuoteRequest, opts providers.SwapExecutionOptions) (execution.Action, string, error) {
	providerName = strings.ToLower(strings.TrimSpace(providerName))
	if providerName == "" {
		return execution.Action{}, "", clierr.New(clierr.CodeUsage, "--provider is required")
	}
	provider, ok := r.swapProviders[providerName]
	if !ok {
		return execution.Action{}, "", clierr.New(clierr.CodeUnsupported, "unsupported swap provider")
	}
	execProvider, ok := provider.(providers.SwapExecutionProvider)
	if !ok {
		switch strings.ToLower(strings.TrimSpace(op)) {
		case "plan", "planning":
			return execution.Action{}, provider.Info().Name, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("provider %s does not support swap planning", providerName))
		default:
			return execution.Action{}, provider.Info().Name, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("provider %s does not support swap execution", providerName))
		}
	}
	action, err := execProvider.BuildSwapAction(ctx, req, opts)
	return action, provider.Info().Name, err
}

func (r *Registry) BuildBridgeAction(ctx context.Context, providerName string, req providers.BridgeQuoteRequest, opts providers.BridgeExecutionOptions) (execution.Action, string, error) {
	providerName = strings.ToLower(strings.TrimSpace(providerName))
	if providerName == "" {
		return execution.Action{}, "", clierr.New(clierr.CodeUsage, "--provider is required")
	}
	provider, ok := r.bridgeProviders[providerName]
	if !ok {
		return execution.Action{}, "", clierr.New(clierr.CodeUnsupported, "unsupported bridge provider")
	}
	execProvider, ok := provider.(providers.BridgeExecutionProvider)
	if !ok {
		return execution.Action{}, provider.Info().Name, clierr.New(
			clierr.CodeUnsupported,
			fmt.Sprintf("bridge provider %q is quote-only; execution providers: %s", providerName, strings.Join(r.BridgeExecutionProviderNames(), ",")),
		)
	}
	action, err := execProvider.BuildBridgeAction(ctx, req, opts)
	return action, provider.Info().Name, err
}

func (r *Registry) BridgeExecutionProviderNames() []string {
	names := make([]string, 0, len(r.bridgeProviders))
	for name, provider := range r.bridgeProviders {
		if _, ok := provider.(providers.BridgeExecutionProvider); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Registry) BuildApprovalAction(req planner.ApprovalRequest) (execution.Action, error) {
	return planner.BuildApprovalAction(req)
}
