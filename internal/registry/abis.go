package registry

// ABI fragments used across execution and bridge providers.
const (
	ERC20MinimalABI = `[
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`

	ERC20MetadataABI = `[
		{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
		{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
		{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
	]`

	CCTPTokenMessengerABI = `[
		{"name":"depositForBurn","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"},{"name":"destinationDomain","type":"uint32"},{"name":"mintRecipient","type":"bytes32"},{"name":"burnToken","type":"address"}],"outputs":[{"name":"_nonce","type":"uint64"}]},
		{"name":"depositForBurnWithCaller","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"},{"name":"destinationDomain","type":"uint32"},{"name":"mintRecipient","type":"bytes32"},{"name":"burnToken","type":"address"},{"name":"destinationCaller","type":"bytes32"}],"outputs":[{"name":"nonce","type":"uint64"}]},
		{"name":"localMessageTransmitter","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
	]`

	// FeeRouterABI is the fee-forwarding contract: it pulls the gross amount,
	// keeps the fee for the treasury and forwards the rest into the venue call.
	FeeRouterABI = `[
		{"name":"forwardSwap","type":"function","stateMutability":"payable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"feeBps","type":"uint256"},{"name":"treasury","type":"address"},{"name":"allowanceTarget","type":"address"},{"name":"target","type":"address"},{"name":"data","type":"bytes"}],"outputs":[]}
	]`

	CCIPRouterABI = `[
		{"name":"ccipSend","type":"function","stateMutability":"payable","inputs":[{"name":"destinationChainSelector","type":"uint64"},{"name":"message","type":"tuple","components":[{"name":"receiver","type":"bytes"},{"name":"data","type":"bytes"},{"name":"tokenAmounts","type":"tuple[]","components":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},{"name":"feeToken","type":"address"},{"name":"extraArgs","type":"bytes"}]}],"outputs":[{"name":"","type":"bytes32"}]},
		{"name":"getFee","type":"function","stateMutability":"view","inputs":[{"name":"destinationChainSelector","type":"uint64"},{"name":"message","type":"tuple","components":[{"name":"receiver","type":"bytes"},{"name":"data","type":"bytes"},{"name":"tokenAmounts","type":"tuple[]","components":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},{"name":"feeToken","type":"address"},{"name":"extraArgs","type":"bytes"}]}],"outputs":[{"name":"fee","type":"uint256"}]},
		{"name":"isChainSupported","type":"function","stateMutability":"view","inputs":[{"name":"chainSelector","type":"uint64"}],"outputs":[{"name":"supported","type":"bool"}]}
	]`
)
