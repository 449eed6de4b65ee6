package cowswap

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/fees"
	"github.com/decaflow/decaflow/internal/httpx"
	"github.com/decaflow/decaflow/internal/id"
	"github.com/decaflow/decaflow/internal/model"
	"github.com/decaflow/decaflow/internal/providers"
	"github.com/decaflow/decaflow/internal/registry"
)

func TestQuoteSwapBuildsSignedOrderPayload(t *testing.T) {
	srv := newOrderBookServer(t)
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0))
	c.baseURLOver = srv.URL

	quote, err := c.QuoteSwap(context.Background(), newSwapRequest(t, "1000000"))
	if err != nil {
		t.Fatalf("QuoteSwap failed: %v", err)
	}
	if quote.Provider != "cowswap" || !quote.Private {
		t.Fatalf("expected private cowswap quote, got %+v", quote)
	}
	if quote.EstimatedOut.AmountBaseUnits != "500000000000000000" {
		t.Fatalf("unexpected estimated out: %s", quote.EstimatedOut.AmountBaseUnits)
	}
	if quote.Payload == nil || quote.Payload.Kind != model.PayloadSignedOrderSubmission || quote.Payload.Order == nil {
		t.Fatalf("expected signed order payload, got %+v", quote.Payload)
	}
	order := quote.Payload.Order
	if order.SettlementContract != registry.SettlementContract {
		t.Fatalf("unexpected settlement contract: %s", order.SettlementContract)
	}
	if order.AllowanceTarget != registry.SettlementRelayer {
		t.Fatalf("unexpected allowance target: %s", order.AllowanceTarget)
	}
	if !strings.HasSuffix(order.SubmitURL, "/orders") {
		t.Fatalf("unexpected submit url: %s", order.SubmitURL)
	}

	var decoded orderSubmission
	if err := json.Unmarshal(order.Order, &decoded); err != nil {
		t.Fatalf("decode order json: %v", err)
	}
	// The network fee is folded into the sell amount and feeAmount zeroed,
	// matching order book validation for signed orders.
	if decoded.SellAmount != "992000" || decoded.FeeAmount != "0" {
		t.Fatalf("unexpected sell/fee fold: %s / %s", decoded.SellAmount, decoded.FeeAmount)
	}
	// Buy amount carries the 0.5% slippage allowance off the quoted output.
	if decoded.BuyAmount != "497500000000000000" {
		t.Fatalf("unexpected min buy: %s", decoded.BuyAmount)
	}
	if decoded.ValidTo == 0 || time.Unix(int64(decoded.ValidTo), 0).Before(time.Now()) {
		t.Fatalf("expected future expiry, got %d", decoded.ValidTo)
	}
	minOut, _ := new(big.Int).SetString(quote.MinOut, 10)
	quoted, _ := new(big.Int).SetString(quote.EstimatedOut.AmountBaseUnits, 10)
	if minOut.Cmp(quoted) > 0 {
		t.Fatal("min buy must not exceed quoted output")
	}
}

func TestQuoteSwapRejectsNativeSellToken(t *testing.T) {
	c := New(httpx.New(2*time.Second, 0))
	c.baseURLOver = "http://127.0.0.1:1"

	chain, _ := id.ParseChain("ethereum")
	req := newSwapRequest(t, "1000000")
	req.FromAsset = id.NativeAsset(chain)
	_, err := c.QuoteSwap(context.Background(), req)
	if err == nil {
		t.Fatal("expected native sell token rejection")
	}
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeUnsupported {
		t.Fatalf("expected unsupported code, got %v", err)
	}
}

func TestQuoteSwapRejectsOutOfRangeSlippage(t *testing.T) {
	c := New(httpx.New(2*time.Second, 0))
	c.baseURLOver = "http://127.0.0.1:1"

	req := newSwapRequest(t, "1000000")
	req.SlippageBps = 10_001
	_, err := c.QuoteSwap(context.Background(), req)
	if err == nil {
		t.Fatal("expected slippage range error")
	}
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeUsage {
		t.Fatalf("expected usage code, got %v", err)
	}

	req.SlippageBps = -1
	if _, err := c.QuoteSwap(context.Background(), req); err == nil {
		t.Fatal("expected slippage range error for negative bps")
	}
}

func TestBuildSwapActionAddsApprovalForVaultRelayer(t *testing.T) {
	srv := newOrderBookServer(t)
	defer srv.Close()
	rpc := newAllowanceRPCServer(t, big.NewInt(0))
	defer rpc.Close()

	c := New(httpx.New(2*time.Second, 0))
	c.baseURLOver = srv.URL

	action, err := c.BuildSwapAction(context.Background(), newSwapRequest(t, "1000000"), providers.SwapExecutionOptions{
		Sender:   "0x00000000000000000000000000000000000000AA",
		Simulate: false,
		RPCURL:   rpc.URL,
	})
	if err != nil {
		t.Fatalf("BuildSwapAction failed: %v", err)
	}
	if action.PayloadKind != model.PayloadSignedOrderSubmission {
		t.Fatalf("unexpected payload kind: %s", action.PayloadKind)
	}
	if len(action.Steps) != 2 {
		t.Fatalf("expected approval + order submit, got %d", len(action.Steps))
	}
	approval := action.Steps[0]
	if approval.Type != "approval" {
		t.Fatalf("expected approval first, got %s", approval.Type)
	}
	if approval.ExpectedOutputs["spender"] != registry.SettlementRelayer {
		t.Fatalf("expected vault relayer spender, got %s", approval.ExpectedOutputs["spender"])
	}
	submit := action.Steps[1]
	if submit.Type != "order_submit" {
		t.Fatalf("expected order submit step, got %s", submit.Type)
	}
	if submit.Target != registry.SettlementContract {
		t.Fatalf("expected settlement contract target, got %s", submit.Target)
	}
	var decoded orderSubmission
	if err := json.Unmarshal([]byte(submit.Data), &decoded); err != nil {
		t.Fatalf("expected order json in step data: %v", err)
	}
}

func TestSubmitOrderReturnsUID(t *testing.T) {
	var gotSubmission orderSubmission
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotSubmission); err != nil {
			t.Fatalf("decode submission: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprint(w, `"0xuid1234"`)
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0))
	c.baseURLOver = srv.URL
	chain, _ := id.ParseChain("ethereum")

	uid, err := c.SubmitOrder(context.Background(), chain, futureOrderJSON(t), "0xsigned", "0x00000000000000000000000000000000000000AA")
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	if uid != "0xuid1234" {
		t.Fatalf("unexpected uid: %s", uid)
	}
	if gotSubmission.SigningScheme != "eip712" || gotSubmission.Signature != "0xsigned" {
		t.Fatalf("unexpected signature envelope: %+v", gotSubmission)
	}
}

func TestSubmitOrderSurfacesRejectionVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprint(w, `{"errorType":"InsufficientBalance","description":"order owner must have funds worth at least x in his account"}`)
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0))
	c.baseURLOver = srv.URL
	chain, _ := id.ParseChain("ethereum")

	_, err := c.SubmitOrder(context.Background(), chain, futureOrderJSON(t), "0xsigned", "0x00000000000000000000000000000000000000AA")
	if err == nil {
		t.Fatal("expected rejection error")
	}
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeProvider {
		t.Fatalf("expected provider code, got %v", err)
	}
	if !strings.Contains(err.Error(), "order owner must have funds") {
		t.Fatalf("expected verbatim order book message, got %v", err)
	}
}

func TestSubmitOrderRejectsExpiredOrder(t *testing.T) {
	c := New(httpx.New(2*time.Second, 0))
	c.baseURLOver = "http://127.0.0.1:1"
	chain, _ := id.ParseChain("ethereum")

	expired := orderSubmission{
		SellToken:  "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		BuyToken:   "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		SellAmount: "1000",
		BuyAmount:  "1",
		ValidTo:    uint32(time.Now().Add(-time.Hour).Unix()),
		Kind:       "sell",
	}
	raw, _ := json.Marshal(expired)
	_, err := c.SubmitOrder(context.Background(), chain, raw, "0xsigned", "0x00000000000000000000000000000000000000AA")
	if err == nil {
		t.Fatal("expected expired order rejection before any network call")
	}
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeUsage {
		t.Fatalf("expected usage code, got %v", err)
	}
}

func TestOrderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/orders/") {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"uid":"0xuid1234","status":"fulfilled","executedSellAmount":"992000","executedBuyAmount":"499000000000000000"}`)
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0))
	c.baseURLOver = srv.URL
	chain, _ := id.ParseChain("ethereum")

	status, err := c.OrderStatus(context.Background(), chain, "0xuid1234")
	if err != nil {
		t.Fatalf("OrderStatus failed: %v", err)
	}
	if status.Status != "fulfilled" {
		t.Fatalf("unexpected status: %s", status.Status)
	}
	if status.ExecutedBuyExact != "499000000000000000" {
		t.Fatalf("unexpected executed buy: %s", status.ExecutedBuyExact)
	}
}

func TestOrderSubmitterAdapterUsesChainID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprint(w, `"0xuid5678"`)
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0))
	c.baseURLOver = srv.URL

	uid, err := c.OrderSubmitter().SubmitOrder(context.Background(), 42161, futureOrderJSON(t), "0xsigned", "0x00000000000000000000000000000000000000AA")
	if err != nil {
		t.Fatalf("adapter SubmitOrder failed: %v", err)
	}
	if uid != "0xuid5678" {
		t.Fatalf("unexpected uid: %s", uid)
	}
}

func newSwapRequest(t *testing.T, gross string) providers.SwapQuoteRequest {
	t.Helper()
	chain, err := id.ParseChain("ethereum")
	if err != nil {
		t.Fatalf("parse chain: %v", err)
	}
	fromAsset, err := id.ParseAsset("USDC", chain)
	if err != nil {
		t.Fatalf("parse from asset: %v", err)
	}
	toAsset, err := id.ParseAsset("WETH", chain)
	if err != nil {
		t.Fatalf("parse to asset: %v", err)
	}
	fee, err := fees.Describe(gross, fees.DefaultSwapBps, registry.TreasuryWallet, model.FeeCollectionDirectTransfer)
	if err != nil {
		t.Fatalf("fee split: %v", err)
	}
	return providers.SwapQuoteRequest{
		Chain:           chain,
		FromAsset:       fromAsset,
		ToAsset:         toAsset,
		AmountBaseUnits: gross,
		AmountDecimal:   "1",
		Private:         true,
		Fee:             fee,
	}
}

func futureOrderJSON(t *testing.T) []byte {
	t.Helper()
	order := orderSubmission{
		SellToken:        "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		BuyToken:         "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		Receiver:         "0x00000000000000000000000000000000000000AA",
		SellAmount:       "992000",
		BuyAmount:        "497500000000000000",
		ValidTo:          uint32(time.Now().Add(time.Hour).Unix()),
		AppData:          zeroAppData,
		FeeAmount:        "0",
		Kind:             "sell",
		SellTokenBalance: "erc20",
		BuyTokenBalance:  "erc20",
	}
	raw, err := json.Marshal(order)
	if err != nil {
		t.Fatalf("marshal order: %v", err)
	}
	return raw
}

func newOrderBookServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req quoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode quote request: %v", err)
		}
		if req.Kind != "sell" {
			t.Fatalf("expected sell order quote, got %s", req.Kind)
		}
		if req.SellAmountBeforeFee != "992000" {
			t.Fatalf("expected net sell amount 992000, got %s", req.SellAmountBeforeFee)
		}
		validTo := time.Now().Add(30 * time.Minute).Unix()
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{
			"quote": {
				"sellToken": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
				"buyToken": "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
				"receiver": %q,
				"sellAmount": "991300",
				"buyAmount": "500000000000000000",
				"validTo": %d,
				"appData": "0x0000000000000000000000000000000000000000000000000000000000000000",
				"feeAmount": "700",
				"kind": "sell",
				"partiallyFillable": false,
				"sellTokenBalance": "erc20",
				"buyTokenBalance": "erc20"
			},
			"expiration": "2026-01-01T00:00:00Z",
			"id": 12345
		}`, req.Receiver, validTo)
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
