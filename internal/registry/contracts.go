package registry

import "strings"

// Platform fee defaults shared by quoting and execution.
const (
	TreasuryWallet = "0x65b7a307a7e67e38840b91f9a36bf8dfe6e02901"
)

// Fee-forwarding router deployments by EVM chain ID. Empty by default; the
// config layer fills this from settings so direct-exchange swaps route the
// platform fee through the contract instead of a separate transfer.
var feeRouterByChainID = map[int64]string{}

func FeeRouterAddress(chainID int64) (string, bool) {
	addr, ok := feeRouterByChainID[chainID]
	if !ok || strings.TrimSpace(addr) == "" {
		return "", false
	}
	return addr, true
}

// SetFeeRouterAddress registers a fee-forwarding router for a chain.
func SetFeeRouterAddress(chainID int64, address string) {
	if strings.TrimSpace(address) == "" {
		delete(feeRouterByChainID, chainID)
		return
	}
	feeRouterByChainID[chainID] = strings.TrimSpace(address)
}

// Circle CCTP TokenMessenger deployments and message domains by EVM chain ID.
// Only chains with native USDC issuance appear here.
var cctpByChainID = map[int64]struct {
	Domain         uint32
	TokenMessenger string
}{
	1:     {Domain: 0, TokenMessenger: "0xBd3fa81B58Ba92a82136038B25aDec7066af3155"},
	43114: {Domain: 1, TokenMessenger: "0x6B25532e1060CE10cc3B0A99e5683b91BFDe6982"},
	10:    {Domain: 2, TokenMessenger: "0x2B4069517957735bE00ceE0fadAE88a26365528f"},
	42161: {Domain: 3, TokenMessenger: "0x19330d10D9Cc8751218eaf51E8885D058642E08A"},
	8453:  {Domain: 6, TokenMessenger: "0x1682Ae6375C4E4A97e4B583BC394c861A46D8962"},
	137:   {Domain: 7, TokenMessenger: "0x9daF8c91AEFAE50b9c0E69629D3F6Ca40cA3B3FE"},
}

func CCTPContracts(chainID int64) (domain uint32, tokenMessenger string, ok bool) {
	entry, ok := cctpByChainID[chainID]
	if !ok {
		return 0, "", false
	}
	return entry.Domain, entry.TokenMessenger, true
}

// Native USDC addresses recognized as CCTP burn tokens, keyed by chain ID.
var cctpUSDCByChainID = map[int64]string{
	1:     "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
	10:    "0x0b2c639c533813f4aa9d7837caf62653d097ff85",
	137:   "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359",
	8453:  "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
	42161: "0xaf88d065e77c8cc2239327c5edb3a432268e5831",
	43114: "0xb97ef9ef8734c71904d8002f8b6bc66dd9c48a6e",
}

// IsCCTPBurnToken reports whether the asset is the chain's native USDC, the
// only token CCTP can burn and mint.
func IsCCTPBurnToken(chainID int64, address string) bool {
	want, ok := cctpUSDCByChainID[chainID]
	if !ok {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(address), want)
}

// Chainlink CCIP router deployments and chain selectors by EVM chain ID.
var ccipByChainID = map[int64]struct {
	Selector uint64
	Router   string
}{
	1:     {Selector: 5009297550715157269, Router: "0x80226fc0Ee2b096224EeAc085Bb9a8cba1146f7D"},
	10:    {Selector: 3734403246176062136, Router: "0x3206695CaE29952f4b0c22a169725a865bc8Ce0f"},
	137:   {Selector: 4051577828743386545, Router: "0x849c5ED5a80F5B408Dd4969b78c2C8fdf0565Bfe"},
	8453:  {Selector: 15971525489660198786, Router: "0x881e3A65B4d4a04dD529061dd0071cf975F58bCD"},
	42161: {Selector: 4949039107694359620, Router: "0x141fa059441E0ca23ce184B6A78bafD2A517DdE8"},
	43114: {Selector: 6433500567565415381, Router: "0xF4c7E640EdA248ef95972845a62bdC74237805dB"},
}

func CCIPContracts(chainID int64) (selector uint64, router string, ok bool) {
	entry, ok := ccipByChainID[chainID]
	if !ok {
		return 0, "", false
	}
	return entry.Selector, entry.Router, true
}

// Intent settlement (CoW Protocol) contracts. The settlement contract is the
// EIP-712 verifying contract; the vault relayer is the ERC-20 spender.
const (
	SettlementContract   = "0x9008D19f58AAbD9eD0D60971565AA8510560ab41"
	SettlementRelayer    = "0xC92E8bdf79f0507f65a392b0ab4667716BFE0110"
	SettlementDomainName = "Gnosis Protocol"
	SettlementDomainVer  = "v2"
)

// Chains where the settlement order book is live.
var settlementChainIDs = map[int64]bool{
	1:     true,
	8453:  true,
	42161: true,
	43114: true,
	137:   true,
}

func SettlementSupported(chainID int64) bool {
	return settlementChainIDs[chainID]
}
