package registry

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func TestCCTPContracts(t *testing.T) {
	domain, messenger, ok := CCTPContracts(42161)
	if !ok {
		t.Fatal("expected arbitrum cctp contracts to exist")
	}
	if domain != 3 || messenger == "" {
		t.Fatalf("unexpected arbitrum cctp values: domain=%d messenger=%q", domain, messenger)
	}

	if _, _, ok := CCTPContracts(56); ok {
		t.Fatal("did not expect cctp contracts for unsupported chain")
	}
}

func TestIsCCTPBurnToken(t *testing.T) {
	if !IsCCTPBurnToken(42161, "0xAF88d065e77c8cC2239327C5EDb3A432268e5831") {
		t.Fatal("expected native arbitrum usdc to be a burn token")
	}
	// Bridged USDC.e must not qualify.
	if IsCCTPBurnToken(42161, "0xFF970A61A04b1cA14834A43f5dE4533eBDDB5CC8") {
		t.Fatal("did not expect bridged usdc to be a burn token")
	}
	if IsCCTPBurnToken(56, "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d") {
		t.Fatal("did not expect burn token on chain without cctp")
	}
}

func TestCCIPContracts(t *testing.T) {
	cases := []int64{1, 10, 137, 8453, 42161, 43114}
	for _, chainID := range cases {
		selector, router, ok := CCIPContracts(chainID)
		if !ok || selector == 0 || router == "" {
			t.Fatalf("expected ccip contracts for chain %d", chainID)
		}
	}
	if _, _, ok := CCIPContracts(56); ok {
		t.Fatal("did not expect ccip contracts for unsupported chain")
	}
}

func TestExecutionABIConstantsParse(t *testing.T) {
	abis := []string{
		ERC20MinimalABI,
		CCTPTokenMessengerABI,
		CCIPRouterABI,
	}
	for _, raw := range abis {
		if _, err := abi.JSON(strings.NewReader(raw)); err != nil {
			t.Fatalf("failed to parse abi json: %v", err)
		}
	}
}

func TestCowAPIBaseURL(t *testing.T) {
	url, ok := CowAPIBaseURL(42161)
	if !ok || url != "https://api.cow.fi/arbitrum_one/api/v1" {
		t.Fatalf("unexpected arbitrum order book url: ok=%v url=%q", ok, url)
	}
	if _, ok := CowAPIBaseURL(56); ok {
		t.Fatal("did not expect order book url for unsupported chain")
	}
}

func TestDefaultRPCURL(t *testing.T) {
	if rpc, ok := DefaultRPCURL(8453); !ok || rpc == "" {
		t.Fatalf("expected base rpc default, got ok=%v rpc=%q", ok, rpc)
	}
	if _, ok := DefaultRPCURL(999999); ok {
		t.Fatal("did not expect rpc default for unsupported chain")
	}
}

func TestResolveRPCURL(t *testing.T) {
	override, err := ResolveRPCURL(" https://rpc.example.test ", 1)
	if err != nil {
		t.Fatalf("resolve with override: %v", err)
	}
	if override != "https://rpc.example.test" {
		t.Fatalf("unexpected override value: %q", override)
	}

	defaultRPC, err := ResolveRPCURL("", 1)
	if err != nil {
		t.Fatalf("resolve with default: %v", err)
	}
	if defaultRPC == "" {
		t.Fatal("expected non-empty default rpc")
	}

	if _, err := ResolveRPCURL("", 999999); err == nil {
		t.Fatal("expected missing chain default rpc error")
	}
}

func TestIsAllowedRelayURL(t *testing.T) {
	if !IsAllowedRelayURL("") {
		t.Fatal("expected empty endpoint to be allowed")
	}
	if !IsAllowedRelayURL("https://relay.example.test/v2") {
		t.Fatal("expected https endpoint to be allowed")
	}
	if !IsAllowedRelayURL("http://127.0.0.1:8080/v2") {
		t.Fatal("expected loopback endpoint to be allowed for tests/dev")
	}
	if IsAllowedRelayURL("http://relay.example.test/v2") {
		t.Fatal("did not expect non-https endpoint to be allowed for non-loopback")
	}
	if IsAllowedRelayURL("not-a-url") {
		t.Fatal("did not expect malformed endpoint to be allowed")
	}
}
