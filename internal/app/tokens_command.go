package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/id"
	"github.com/decaflow/decaflow/internal/model"
	"github.com/decaflow/decaflow/internal/registry"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newTokensCommand() *cobra.Command {
	root := &cobra.Command{Use: "tokens", Short: "Token registry commands"}

	var listChain string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registry tokens, optionally scoped to one chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chains := id.Chains()
			if strings.TrimSpace(listChain) != "" {
				chain, err := id.ParseChain(listChain)
				if err != nil {
					return err
				}
				chains = []id.Chain{chain}
			}
			listings := make([]model.TokenListing, 0, len(chains))
			for _, chain := range chains {
				native := id.NativeAsset(chain)
				tokens := id.TokensForChain(chain.CAIP2)
				entries := make([]model.TokenEntry, 0, len(tokens))
				for _, t := range tokens {
					entries = append(entries, model.TokenEntry{Symbol: t.Symbol, Address: t.Address, Decimals: t.Decimals})
				}
				listings = append(listings, model.TokenListing{
					Chain:        chain.Slug,
					ChainID:      chain.CAIP2,
					NativeSymbol: native.Symbol,
					Tokens:       entries,
				})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any{
				"count":  len(listings),
				"chains": listings,
			}, nil, cacheMetaBypass(), nil, false)
		},
	}
	listCmd.Flags().StringVar(&listChain, "chain", "", "Limit to one chain")

	var inspectChain, inspectAddress, inspectRPCURL string
	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Read ERC-20 metadata from the chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chain, err := id.ParseChain(inspectChain)
			if err != nil {
				return err
			}
			address := strings.TrimSpace(inspectAddress)
			if !common.IsHexAddress(address) {
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid token address: %s", inspectAddress))
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			meta, err := fetchTokenMetadata(ctx, chain, address, inspectRPCURL)
			if err != nil {
				return err
			}
			if known, ok := id.LookupByAddress(chain.CAIP2, address); ok {
				meta.InRegistry = true
				meta.RegistrySymbol = known.Symbol
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), meta, nil, cacheMetaBypass(), nil, false)
		},
	}
	inspectCmd.Flags().StringVar(&inspectChain, "chain", "", "Chain identifier")
	inspectCmd.Flags().StringVar(&inspectAddress, "address", "", "Token contract address")
	inspectCmd.Flags().StringVar(&inspectRPCURL, "rpc-url", "", "RPC URL override")
	_ = inspectCmd.MarkFlagRequired("chain")
	_ = inspectCmd.MarkFlagRequired("address")

	root.AddCommand(listCmd)
	root.AddCommand(inspectCmd)
	return root
}

func fetchTokenMetadata(ctx context.Context, chain id.Chain, address, rpcOverride string) (model.TokenMetadata, error) {
	rpcURL, err := registry.ResolveRPCURL(rpcOverride, chain.EVMChainID)
	if err != nil {
		return model.TokenMetadata{}, err
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return model.TokenMetadata{}, clierr.Wrap(clierr.CodeUnavailable, "dial rpc", err)
	}
	defer client.Close()

	parsed, err := abi.JSON(strings.NewReader(registry.ERC20MetadataABI))
	if err != nil {
		return model.TokenMetadata{}, clierr.Wrap(clierr.CodeInternal, "parse erc20 metadata abi", err)
	}
	token := common.HexToAddress(address)
	callString := func(method string) (string, error) {
		data, err := parsed.Pack(method)
		if err != nil {
			return "", clierr.Wrap(clierr.CodeInternal, "pack "+method, err)
		}
		out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		if err != nil {
			return "", clierr.Wrap(clierr.CodeProvider, "call "+method, err)
		}
		values, err := parsed.Unpack(method, out)
		if err != nil || len(values) != 1 {
			return "", clierr.New(clierr.CodeProvider, "decode "+method+" response")
		}
		str, ok := values[0].(string)
		if !ok {
			return "", clierr.New(clierr.CodeProvider, "unexpected "+method+" return type")
		}
		return str, nil
	}

	name, err := callString("name")
	if err != nil {
		return model.TokenMetadata{}, err
	}
	symbol, err := callString("symbol")
	if err != nil {
		return model.TokenMetadata{}, err
	}
	data, err := parsed.Pack("decimals")
	if err != nil {
		return model.TokenMetadata{}, clierr.Wrap(clierr.CodeInternal, "pack decimals", err)
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return model.TokenMetadata{}, clierr.Wrap(clierr.CodeProvider, "call decimals", err)
	}
	values, err := parsed.Unpack("decimals", out)
	if err != nil || len(values) != 1 {
		return model.TokenMetadata{}, clierr.New(clierr.CodeProvider, "decode decimals response")
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return model.TokenMetadata{}, clierr.New(clierr.CodeProvider, "unexpected decimals return type")
	}

	return model.TokenMetadata{
		Chain:    chain.Slug,
		ChainID:  chain.CAIP2,
		Address:  strings.ToLower(address),
		Name:     name,
		Symbol:   symbol,
		Decimals: int(decimals),
	}, nil
}
