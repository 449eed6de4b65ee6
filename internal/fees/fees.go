package fees

import (
	"fmt"
	"math/big"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/model"
)

const bpsDenominator = 10_000

// Default platform fee rates in basis points.
const (
	DefaultSwapBps   = 80
	DefaultBridgeBps = 80
)

// Split divides a gross input amount into the platform fee and the net amount
// forwarded to the venue. The fee is floor(gross*bps/10000), so fee+net is
// always exactly gross and the fee never exceeds the proportional share.
func Split(gross *big.Int, bps int64) (fee, net *big.Int, err error) {
	if gross == nil {
		return nil, nil, clierr.New(clierr.CodeUsage, "amount is required")
	}
	if gross.Sign() < 0 {
		return nil, nil, clierr.New(clierr.CodeUsage, "amount must be non-negative")
	}
	if bps < 0 || bps > bpsDenominator {
		return nil, nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("fee bps must be between 0 and %d", bpsDenominator))
	}

	fee = new(big.Int).Mul(gross, big.NewInt(bps))
	fee.Quo(fee, big.NewInt(bpsDenominator))
	net = new(big.Int).Sub(gross, fee)
	return fee, net, nil
}

// SplitString is Split for base-unit decimal strings, as amounts travel
// through quote requests.
func SplitString(gross string, bps int64) (fee, net string, err error) {
	n, ok := new(big.Int).SetString(gross, 10)
	if !ok {
		return "", "", clierr.New(clierr.CodeUsage, "amount must be a base-unit integer string")
	}
	feeInt, netInt, err := Split(n, bps)
	if err != nil {
		return "", "", err
	}
	return feeInt.String(), netInt.String(), nil
}

// Describe builds the FeeInfo carried on quotes. The same split is reused at
// execution time rather than recomputed.
func Describe(gross string, bps int64, treasury, collection string) (model.FeeInfo, error) {
	fee, net, err := SplitString(gross, bps)
	if err != nil {
		return model.FeeInfo{}, err
	}
	if collection == "" {
		collection = model.FeeCollectionNone
	}
	return model.FeeInfo{
		Bps:            bps,
		GrossBaseUnits: gross,
		FeeBaseUnits:   fee,
		NetBaseUnits:   net,
		Treasury:       treasury,
		Collection:     collection,
	}, nil
}
