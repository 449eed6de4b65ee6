package execution

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/registry"
)

// settlementOrder mirrors the order book's order schema. Amounts stay as
// base-unit decimal strings end to end.
type settlementOrder struct {
	SellToken         string `json:"sellToken"`
	BuyToken          string `json:"buyToken"`
	Receiver          string `json:"receiver"`
	SellAmount        string `json:"sellAmount"`
	BuyAmount         string `json:"buyAmount"`
	ValidTo           uint32 `json:"validTo"`
	AppData           string `json:"appData"`
	FeeAmount         string `json:"feeAmount"`
	Kind              string `json:"kind"`
	PartiallyFillable bool   `json:"partiallyFillable"`
	SellTokenBalance  string `json:"sellTokenBalance"`
	BuyTokenBalance   string `json:"buyTokenBalance"`
}

// SettlementTypedData builds the EIP-712 payload for a settlement order. The
// domain is fixed by the settlement contract deployment; only the chain id
// and verifying contract vary.
func SettlementTypedData(chainID int64, verifyingContract string, orderJSON []byte) (apitypes.TypedData, error) {
	var order settlementOrder
	if err := json.Unmarshal(orderJSON, &order); err != nil {
		return apitypes.TypedData{}, clierr.Wrap(clierr.CodeInternal, "decode settlement order", err)
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "sellToken", Type: "address"},
				{Name: "buyToken", Type: "address"},
				{Name: "receiver", Type: "address"},
				{Name: "sellAmount", Type: "uint256"},
				{Name: "buyAmount", Type: "uint256"},
				{Name: "validTo", Type: "uint32"},
				{Name: "appData", Type: "bytes32"},
				{Name: "feeAmount", Type: "uint256"},
				{Name: "kind", Type: "string"},
				{Name: "partiallyFillable", Type: "bool"},
				{Name: "sellTokenBalance", Type: "string"},
				{Name: "buyTokenBalance", Type: "string"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              registry.SettlementDomainName,
			Version:           registry.SettlementDomainVer,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: verifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"sellToken":         order.SellToken,
			"buyToken":          order.BuyToken,
			"receiver":          order.Receiver,
			"sellAmount":        order.SellAmount,
			"buyAmount":         order.BuyAmount,
			"validTo":           math.NewHexOrDecimal256(int64(order.ValidTo)),
			"appData":           order.AppData,
			"feeAmount":         order.FeeAmount,
			"kind":              order.Kind,
			"partiallyFillable": order.PartiallyFillable,
			"sellTokenBalance":  order.SellTokenBalance,
			"buyTokenBalance":   order.BuyTokenBalance,
		},
	}, nil
}
