package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/execution"
	"github.com/decaflow/decaflow/internal/fees"
	"github.com/decaflow/decaflow/internal/httpx"
	"github.com/decaflow/decaflow/internal/id"
	"github.com/decaflow/decaflow/internal/model"
	"github.com/decaflow/decaflow/internal/providers"
	"github.com/decaflow/decaflow/internal/registry"
)

func TestNewRejectsInsecureRelay(t *testing.T) {
	if _, err := New(httpx.New(2*time.Second, 0), "http://relay.example.com/v2"); err == nil {
		t.Fatal("expected plain-http relay rejection")
	}
	c, err := New(httpx.New(2*time.Second, 0), "")
	if err != nil {
		t.Fatalf("empty relay should fall back to the public base: %v", err)
	}
	if c.relayBase != registry.SocketBaseURL {
		t.Fatalf("unexpected relay base: %s", c.relayBase)
	}
}

func TestSupportsAnyCrossChainEVMPair(t *testing.T) {
	c := mustClient(t, "")
	req := newBridgeRequest(t, "ethereum", "base", "1000000")
	if ok, reason := c.Supports(req); !ok {
		t.Fatalf("expected cross-chain pair to be supported, got %q", reason)
	}
	same := newBridgeRequest(t, "ethereum", "ethereum", "1000000")
	if ok, _ := c.Supports(same); ok {
		t.Fatal("expected same-chain rejection")
	}
}

func TestQuoteBridgeSendsNetAmountThroughRelay(t *testing.T) {
	var gotQuery map[string]string
	srv := newQuoteServer(t, &gotQuery)
	defer srv.Close()

	c := mustClient(t, srv.URL)
	quote, err := c.QuoteBridge(context.Background(), newBridgeRequest(t, "ethereum", "base", "1000000"))
	if err != nil {
		t.Fatalf("QuoteBridge failed: %v", err)
	}
	if gotQuery["fromChainId"] != "1" || gotQuery["toChainId"] != "8453" {
		t.Fatalf("unexpected chain ids: %+v", gotQuery)
	}
	if gotQuery["fromAmount"] != "992000" {
		t.Fatalf("expected post-fee amount in query, got %s", gotQuery["fromAmount"])
	}
	if gotQuery["uniqueRoutesPerBridge"] != "true" || gotQuery["sort"] != "output" {
		t.Fatalf("unexpected route-selection hints: %+v", gotQuery)
	}
	if quote.Provider != "socket" || quote.Mechanism != "socket" {
		t.Fatalf("unexpected provider/mechanism: %s/%s", quote.Provider, quote.Mechanism)
	}
	if quote.EstimatedOut.AmountBaseUnits != "991500" {
		t.Fatalf("unexpected estimated out: %s", quote.EstimatedOut.AmountBaseUnits)
	}
	if quote.EstimatedFeeUSD != 1.25 || quote.EstimatedTimeS != 300 {
		t.Fatalf("unexpected fee/time: %f/%d", quote.EstimatedFeeUSD, quote.EstimatedTimeS)
	}
	if quote.Route != "across" {
		t.Fatalf("unexpected route: %s", quote.Route)
	}
	if quote.Payload == nil || quote.Payload.Kind != model.PayloadDirectCall {
		t.Fatalf("expected direct call payload, got %+v", quote.Payload)
	}
	if quote.Payload.Call.To != "0x3a23F943181408EAC424116Af7b7790c94Cb97a5" {
		t.Fatalf("unexpected tx target: %s", quote.Payload.Call.To)
	}
}

func TestQuoteBridgeNoRoutes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"success":true,"result":{"routes":[]}}`)
	}))
	defer srv.Close()

	c := mustClient(t, srv.URL)
	_, err := c.QuoteBridge(context.Background(), newBridgeRequest(t, "ethereum", "base", "1000000"))
	if err == nil {
		t.Fatal("expected no-route error")
	}
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeNoRoute {
		t.Fatalf("expected no-route code, got %v", err)
	}
}

func TestBuildBridgeActionWiresSettlementPolling(t *testing.T) {
	var gotQuery map[string]string
	srv := newQuoteServer(t, &gotQuery)
	defer srv.Close()
	rpc := newAllowanceRPCServer(t, big.NewInt(0))
	defer rpc.Close()

	c := mustClient(t, srv.URL)
	action, err := c.BuildBridgeAction(context.Background(), newBridgeRequest(t, "ethereum", "base", "1000000"), providers.BridgeExecutionOptions{
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
	if action.Steps[1].StepID != "collect-fee" {
		t.Fatalf("expected fee collection second, got %s", action.Steps[1].StepID)
	}
	if approval.ExpectedOutputs["spender"] != "0x3e8cB4bd04d81498aB4b94a392c334F5328b237b" {
		t.Fatalf("expected route allowance target spender, got %s", approval.ExpectedOutputs["spender"])
	}
	send := action.Steps[2]
	if send.Type != execution.StepTypeBridge {
		t.Fatalf("expected bridge step last, got %s", send.Type)
	}
	out := send.ExpectedOutputs
	if out["settlement_provider"] != "socket" {
		t.Fatalf("expected socket settlement provider, got %s", out["settlement_provider"])
	}
	if out["settlement_status_endpoint"] != registry.SocketBaseURL+"/bridge-status" {
		t.Fatalf("unexpected status endpoint: %s", out["settlement_status_endpoint"])
	}
	if out["settlement_from_chain"] != "1" || out["settlement_to_chain"] != "8453" {
		t.Fatalf("unexpected settlement chains: %+v", out)
	}
}

func TestQuoteBridgeRejectsZeroAmount(t *testing.T) {
	c := mustClient(t, "")
	req := newBridgeRequest(t, "ethereum", "base", "1000000")
	req.AmountBaseUnits = "0"
	req.Fee = model.FeeInfo{}
	_, err := c.QuoteBridge(context.Background(), req)
	if err == nil {
		t.Fatal("expected zero-amount rejection before any network call")
	}
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeUsage {
		t.Fatalf("expected usage code, got %v", err)
	}
}

func mustClient(t *testing.T, relay string) *Client {
	t.Helper()
	c, err := New(httpx.New(2*time.Second, 0), relay)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func newBridgeRequest(t *testing.T, fromSlug, toSlug, gross string) providers.BridgeQuoteRequest {
	t.Helper()
	fromChain, err := id.ParseChain(fromSlug)
	if err != nil {
		t.Fatalf("parse from chain: %v", err)
	}
	toChain, err := id.ParseChain(toSlug)
	if err != nil {
		t.Fatalf("parse to chain: %v", err)
	}
	fromAsset, err := id.ParseAsset("USDC", fromChain)
	if err != nil {
		t.Fatalf("parse from asset: %v", err)
	}
	toAsset, err := id.ParseAsset("USDC", toChain)
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

func newQuoteServer(t *testing.T, gotQuery *map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("API-KEY") != "" {
			t.Fatal("client must not attach a venue credential; the relay owns it")
		}
		q := map[string]string{}
		for key := range r.URL.Query() {
			q[key] = r.URL.Query().Get(key)
		}
		*gotQuery = q
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"success": true,
			"result": {
				"routes": [
					{
						"routeId": "route-1",
						"toAmount": "991500",
						"totalGasFeesInUsd": 1.25,
						"serviceTime": 300,
						"usedBridgeNames": [{"name": "across"}],
						"txTarget": "0x3a23F943181408EAC424116Af7b7790c94Cb97a5",
						"txData": "0xdeadbeef",
						"value": "0",
						"approvalData": {
							"allowanceTarget": "0x3e8cB4bd04d81498aB4b94a392c334F5328b237b",
							"minimumApprovalAmount": "992000"
						}
					}
				]
			}
		}`)
	}))
}

func newAllowanceRPCServer(t *testing.T, allowance *big.Int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Method != "eth_call" {
			http.Error(w, fmt.Sprintf("unexpected method %s", req.Method), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":"0x%064x"}`, req.ID, allowance)
	}))
}
