package ccip

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/decaflow/decaflow/internal/execution"
	"github.com/decaflow/decaflow/internal/fees"
	"github.com/decaflow/decaflow/internal/id"
	"github.com/decaflow/decaflow/internal/model"
	"github.com/decaflow/decaflow/internal/providers"
	"github.com/decaflow/decaflow/internal/registry"
)

func TestSupportsAllowList(t *testing.T) {
	c := New()

	weth := newBridgeRequest(t, "ethereum", "arbitrum", "WETH", "1000000000000000000")
	if ok, reason := c.Supports(weth); !ok {
		t.Fatalf("expected WETH lane to be supported, got %q", reason)
	}

	usdt := newBridgeRequest(t, "ethereum", "arbitrum", "USDT", "1000000")
	if ok, reason := c.Supports(usdt); ok || !strings.Contains(reason, "allow-list") {
		t.Fatalf("expected USDT rejection, got ok=%v reason=%q", ok, reason)
	}

	chain, _ := id.ParseChain("ethereum")
	native := newBridgeRequest(t, "ethereum", "arbitrum", "WETH", "1000000000000000000")
	native.FromAsset = id.NativeAsset(chain)
	if ok, _ := c.Supports(native); ok {
		t.Fatal("expected native asset rejection")
	}

	noRouter := newBridgeRequest(t, "ethereum", "bsc", "WETH", "1000000000000000000")
	if ok, reason := c.Supports(noRouter); ok || !strings.Contains(reason, "no router") {
		t.Fatalf("expected missing-router rejection, got ok=%v reason=%q", ok, reason)
	}
}

func TestQuoteBridgeReadsNativeFeeFromRouter(t *testing.T) {
	fee := big.NewInt(2_000_000_000_000_000)
	rpc := newRouterRPCServer(t, fee, big.NewInt(0))
	defer rpc.Close()

	c := New()
	quote, err := c.quoteBridge(context.Background(), newBridgeRequest(t, "ethereum", "arbitrum", "USDC", "1000000"), rpc.URL)
	if err != nil {
		t.Fatalf("quoteBridge failed: %v", err)
	}
	if quote.Provider != "ccip" || quote.Mechanism != "ccip" {
		t.Fatalf("unexpected provider/mechanism: %s/%s", quote.Provider, quote.Mechanism)
	}
	if quote.EstimatedOut.AmountBaseUnits != "992000" {
		t.Fatalf("unexpected estimated out: %s", quote.EstimatedOut.AmountBaseUnits)
	}
	if quote.NativeFee == nil || quote.NativeFee.AmountBaseUnits != fee.String() {
		t.Fatalf("expected native fee %s, got %+v", fee, quote.NativeFee)
	}
	if quote.Payload.Call.ValueBaseUnits != fee.String() {
		t.Fatalf("expected send value to carry the message fee, got %s", quote.Payload.Call.ValueBaseUnits)
	}
	_, router, _ := registry.CCIPContracts(1)
	if !strings.EqualFold(quote.Payload.Call.To, router) {
		t.Fatalf("expected router target %s, got %s", router, quote.Payload.Call.To)
	}
}

func TestQuoteBridgeDegradesWithoutRouterFee(t *testing.T) {
	rpc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer rpc.Close()

	c := New()
	quote, err := c.quoteBridge(context.Background(), newBridgeRequest(t, "ethereum", "arbitrum", "USDC", "1000000"), rpc.URL)
	if err != nil {
		t.Fatalf("quoteBridge failed: %v", err)
	}
	if quote.NativeFee != nil {
		t.Fatalf("expected quote without native fee, got %+v", quote.NativeFee)
	}
	if quote.Payload.Call.ValueBaseUnits != "0" {
		t.Fatalf("expected zero send value without fee read, got %s", quote.Payload.Call.ValueBaseUnits)
	}
}

func TestTransferMessageEncoding(t *testing.T) {
	recipient := "0x00000000000000000000000000000000000000AA"
	token := "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	message := transferMessage(recipient, token, big.NewInt(992000))

	destSelector, _, _ := registry.CCIPContracts(42161)
	data, err := routerABI.Pack("ccipSend", destSelector, message)
	if err != nil {
		t.Fatalf("pack ccipSend: %v", err)
	}
	args, err := routerABI.Methods["ccipSend"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack calldata: %v", err)
	}
	if selector := args[0].(uint64); selector != destSelector {
		t.Fatalf("unexpected destination selector: %d", selector)
	}

	if len(message.Receiver) != 32 {
		t.Fatalf("expected abi-encoded receiver, got %d bytes", len(message.Receiver))
	}
	for _, b := range message.Receiver[:12] {
		if b != 0 {
			t.Fatalf("expected zero left padding, got %x", message.Receiver)
		}
	}
	if got := fmt.Sprintf("0x%x", message.Receiver[12:]); !strings.EqualFold(got, recipient) {
		t.Fatalf("unexpected receiver: %s", got)
	}
	if len(message.TokenAmounts) != 1 || message.TokenAmounts[0].Token != common.HexToAddress(token) {
		t.Fatalf("unexpected token amounts: %+v", message.TokenAmounts)
	}
	if message.FeeToken != (common.Address{}) {
		t.Fatalf("expected native fee token sentinel, got %s", message.FeeToken)
	}
}

func TestBuildBridgeActionSizesSendValue(t *testing.T) {
	fee := big.NewInt(2_000_000_000_000_000)
	rpc := newRouterRPCServer(t, fee, big.NewInt(0))
	defer rpc.Close()

	c := New()
	action, err := c.BuildBridgeAction(context.Background(), newBridgeRequest(t, "ethereum", "arbitrum", "USDC", "1000000"), providers.BridgeExecutionOptions{
		Sender:   "0x00000000000000000000000000000000000000AA",
		Simulate: false,
		RPCURL:   rpc.URL,
	})
	if err != nil {
		t.Fatalf("BuildBridgeAction failed: %v", err)
	}
	if len(action.Steps) != 3 {
		t.Fatalf("expected approval + collect-fee + send, got %d steps", len(action.Steps))
	}
	// Approval must precede every other step so nothing executes while the
	// allowance grant is still pending.
	approval := action.Steps[0]
	if approval.Type != execution.StepTypeApproval {
		t.Fatalf("expected approval first, got %s", approval.Type)
	}
	if feeStep := action.Steps[1]; feeStep.StepID != "collect-fee" {
		t.Fatalf("expected fee transfer second, got %s", feeStep.StepID)
	}
	_, router, _ := registry.CCIPContracts(1)
	if !strings.EqualFold(approval.ExpectedOutputs["spender"], router) {
		t.Fatalf("expected router spender, got %s", approval.ExpectedOutputs["spender"])
	}
	if approval.ExpectedOutputs["required_allowance"] != "992000" {
		t.Fatalf("expected net approval amount, got %s", approval.ExpectedOutputs["required_allowance"])
	}
	send := action.Steps[2]
	if send.Type != execution.StepTypeBridge || send.ExpectedOutputs["mechanism"] != "ccip" {
		t.Fatalf("expected ccip bridge step, got %+v", send)
	}
	if send.Value != fee.String() {
		t.Fatalf("expected send value %s, got %s", fee, send.Value)
	}
}

func TestBuildBridgeActionFailsWithoutRouterFee(t *testing.T) {
	rpc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer rpc.Close()

	c := New()
	_, err := c.BuildBridgeAction(context.Background(), newBridgeRequest(t, "ethereum", "arbitrum", "USDC", "1000000"), providers.BridgeExecutionOptions{
		Sender: "0x00000000000000000000000000000000000000AA",
		RPCURL: rpc.URL,
	})
	if err == nil {
		t.Fatal("expected failure when the router fee cannot be read")
	}
	if !strings.Contains(err.Error(), "router fee unavailable") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func newBridgeRequest(t *testing.T, fromSlug, toSlug, symbol, gross string) providers.BridgeQuoteRequest {
	t.Helper()
	fromChain, err := id.ParseChain(fromSlug)
	if err != nil {
		t.Fatalf("parse from chain: %v", err)
	}
	toChain, err := id.ParseChain(toSlug)
	if err != nil {
		t.Fatalf("parse to chain: %v", err)
	}
	fromAsset, err := id.ParseAsset(symbol, fromChain)
	if err != nil {
		t.Fatalf("parse from asset: %v", err)
	}
	toAsset, err := id.ParseAsset(symbol, toChain)
	if err != nil {
		t.Fatalf("parse to asset: %v", err)
	}
	fee, err := fees.Describe(gross, fees.DefaultBridgeBps, registry.TreasuryWallet, model.FeeCollectionDirectTransfer)
	if err != nil {
		t.Fatalf("fee split: %v", err)
	}
	return providers.BridgeQuoteRequest{
		FromChain:       fromChain,
		ToChain:         toChain,
		FromAsset:       fromAsset,
		ToAsset:         toAsset,
		AmountBaseUnits: gross,
		AmountDecimal:   "1",
		Sender:          "0x00000000000000000000000000000000000000AA",
		Fee:             fee,
	}
}

// newRouterRPCServer answers eth_call with the router message fee when the
// call targets the chain's router and with the allowance otherwise.
func newRouterRPCServer(t *testing.T, routerFee, allowance *big.Int) *httptest.Server {
	t.Helper()
	_, router, _ := registry.CCIPContracts(1)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Method != "eth_call" || len(req.Params) == 0 {
			http.Error(w, fmt.Sprintf("unexpected method %s", req.Method), http.StatusBadRequest)
			return
		}
		var call struct {
			To string `json:"to"`
		}
		if err := json.Unmarshal(req.Params[0], &call); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result := allowance
		if strings.EqualFold(call.To, router) {
			result = routerFee
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":"0x%064x"}`, req.ID, result)
	}))
}
