package app

import (
	"strings"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/prices"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newPriceCommand() *cobra.Command {
	var symbol, currency string
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Spot price lookup for display",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(symbol) == "" {
				return clierr.New(clierr.CodeUsage, "--symbol is required")
			}
			if s.priceService == nil {
				s.priceService = prices.New(s.httpClient, s.cache, prices.DefaultTTL)
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			quote := s.priceService.Spot(ctx, symbol, currency)
			var warnings []string
			if quote.Price == 0 {
				warnings = append(warnings, "price unavailable for "+strings.ToUpper(strings.TrimSpace(symbol)))
			}
			// The price service caches internally, so the envelope reports a
			// bypass rather than double-counting the hit.
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), quote, warnings, cacheMetaBypass(), nil, false)
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "Asset symbol (e.g. ETH)")
	cmd.Flags().StringVar(&currency, "currency", "usd", "Quote currency")
	return cmd
}
