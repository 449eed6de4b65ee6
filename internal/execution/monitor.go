package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	clierr "github.com/decaflow/decaflow/internal/errors"
)

// TxOutcome is the terminal state of a watched transaction.
type TxOutcome struct {
	TxHash      string `json:"tx_hash"`
	Status      string `json:"status"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
	ExplorerURL string `json:"explorer_url,omitempty"`
}

const (
	TxOutcomeConfirmed = "confirmed"
	TxOutcomeReverted  = "reverted"
)

// WaitForTransaction polls for the receipt of an already-broadcast
// transaction until it is mined or the context expires.
func WaitForTransaction(ctx context.Context, rpcURL string, evmChainID int64, txHash string, pollInterval time.Duration) (TxOutcome, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	hash := common.HexToHash(strings.TrimSpace(txHash))
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return TxOutcome{}, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	defer client.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			outcome := TxOutcome{
				TxHash:      hash.Hex(),
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				ExplorerURL: ExplorerTxURL(evmChainID, hash.Hex()),
			}
			if receipt.Status == types.ReceiptStatusSuccessful {
				outcome.Status = TxOutcomeConfirmed
				return outcome, nil
			}
			outcome.Status = TxOutcomeReverted
			return outcome, clierr.New(clierr.CodeRevert, "transaction reverted on-chain")
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			// Transient RPC failures are retried until the context expires.
		}
		select {
		case <-ctx.Done():
			return TxOutcome{}, clierr.Wrap(clierr.CodeTimeout, "timed out waiting for receipt", ctx.Err())
		case <-ticker.C:
		}
	}
}

var explorerByChainID = map[int64]string{
	1:     "https://etherscan.io",
	10:    "https://optimistic.etherscan.io",
	56:    "https://bscscan.com",
	137:   "https://polygonscan.com",
	8453:  "https://basescan.org",
	42161: "https://arbiscan.io",
	43114: "https://snowtrace.io",
}

func ExplorerTxURL(evmChainID int64, txHash string) string {
	base, ok := explorerByChainID[evmChainID]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", base, txHash)
}
