package app

import (
	"context"
	"strings"
	"time"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/execution"
	"github.com/decaflow/decaflow/internal/execution/actionbuilder"
	execsigner "github.com/decaflow/decaflow/internal/execution/signer"
)

func (s *runtimeState) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.settings.Timeout)
}

func (s *runtimeState) executeActionWithTimeout(action *execution.Action, txSigner execsigner.Signer, opts execution.ExecuteOptions) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	return execution.ExecuteAction(ctx, s.actionStore, action, txSigner, opts)
}

func (s *runtimeState) ensureActionStore() error {
	if s.actionStore != nil {
		return nil
	}
	store, err := execution.OpenStore(s.settings.ActionStorePath, s.settings.ActionLockPath)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open action store", err)
	}
	s.actionStore = store
	return nil
}

func (s *runtimeState) actionBuilderRegistry() *actionbuilder.Registry {
	if s.builders == nil {
		s.builders = actionbuilder.New(s.swapVenues, s.bridgeVenues)
	}
	return s.builders
}

// newExecutionSigner resolves the signing backend for run/submit commands.
// Only the local key signer is wired today; the flag exists so remote
// backends slot in without changing command surfaces.
func newExecutionSigner(backend, keySource, confirmAddress string) (execsigner.Signer, error) {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend != "" && backend != "local" {
		return nil, clierr.New(clierr.CodeUsage, "unsupported signer backend (local only)")
	}
	localSigner, err := execsigner.NewLocalSignerFromEnv(keySource)
	if err != nil {
		return nil, err
	}
	confirmAddress = strings.TrimSpace(confirmAddress)
	if confirmAddress != "" && !strings.EqualFold(localSigner.Address().Hex(), confirmAddress) {
		return nil, clierr.New(clierr.CodeSigner, "signer address does not match --confirm-address")
	}
	return localSigner, nil
}

func parseExecuteOptions(simulate bool, pollInterval, stepTimeout string, gasMultiplier float64, maxFeeGwei, maxPriorityFeeGwei string) (execution.ExecuteOptions, error) {
	opts := execution.DefaultExecuteOptions()
	opts.Simulate = simulate
	if strings.TrimSpace(pollInterval) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(pollInterval))
		if err != nil || d <= 0 {
			return execution.ExecuteOptions{}, clierr.New(clierr.CodeUsage, "--poll-interval must be a positive duration")
		}
		opts.PollInterval = d
	}
	if strings.TrimSpace(stepTimeout) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(stepTimeout))
		if err != nil || d <= 0 {
			return execution.ExecuteOptions{}, clierr.New(clierr.CodeUsage, "--step-timeout must be a positive duration")
		}
		opts.StepTimeout = d
	}
	if gasMultiplier > 0 {
		opts.GasMultiplier = gasMultiplier
	}
	opts.MaxFeeGwei = strings.TrimSpace(maxFeeGwei)
	opts.MaxPriorityFeeGwei = strings.TrimSpace(maxPriorityFeeGwei)
	return opts, nil
}

// resolveActionID merges --action-id with any deprecated aliases and rejects
// conflicting values.
func resolveActionID(actionID string, aliases ...string) (string, error) {
	resolved := strings.TrimSpace(actionID)
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		if resolved == "" {
			resolved = alias
			continue
		}
		if resolved != alias {
			return "", clierr.New(clierr.CodeUsage, "--action-id and --plan-id refer to different actions")
		}
	}
	if resolved == "" {
		return "", clierr.New(clierr.CodeUsage, "--action-id is required")
	}
	return resolved, nil
}

func shouldOpenActionStore(commandPath string) bool {
	path := normalizeCommandPath(commandPath)
	if path == "status" || strings.HasPrefix(path, "actions ") || path == "actions" {
		return true
	}
	for _, group := range []string{"swap", "bridge", "approvals"} {
		for _, verb := range []string{"plan", "run", "submit", "status"} {
			if path == group+" "+verb {
				return true
			}
		}
	}
	return false
}
