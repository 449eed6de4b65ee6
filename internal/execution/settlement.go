package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	clierr "github.com/decaflow/decaflow/internal/errors"
	"github.com/decaflow/decaflow/internal/httpx"
)

// verifyBridgeSettlement polls the bridge's off-chain status endpoint until
// funds land on the destination chain. Only relevant for bridge steps whose
// mechanism exposes such an endpoint; canonical burn-and-mint and message
// routers settle without one and are skipped here.
func verifyBridgeSettlement(ctx context.Context, step *ActionStep, txHash string, opts ExecuteOptions) error {
	if step == nil || step.Type != StepTypeBridge {
		return nil
	}
	provider := strings.TrimSpace(step.ExpectedOutputs["settlement_provider"])
	if provider == "" {
		return nil
	}
	endpoint := strings.TrimSpace(step.ExpectedOutputs["settlement_status_endpoint"])
	if endpoint == "" {
		return clierr.New(clierr.CodeUsage, "bridge step missing settlement status endpoint")
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	timeout := opts.StepTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch provider {
	case "socket":
		return pollSocketSettlement(waitCtx, step, endpoint, txHash, pollInterval)
	default:
		return clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no settlement tracking for bridge provider %q", provider))
	}
}

type socketBridgeStatus struct {
	Success bool `json:"success"`
	Result  struct {
		SourceTxStatus      string `json:"sourceTxStatus"`
		DestinationTxStatus string `json:"destinationTxStatus"`
		DestinationTxHash   string `json:"destinationTransactionHash"`
	} `json:"result"`
}

func pollSocketSettlement(ctx context.Context, step *ActionStep, endpoint, txHash string, pollInterval time.Duration) error {
	statusURL, err := url.Parse(endpoint)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "parse settlement status endpoint", err)
	}
	q := statusURL.Query()
	q.Set("transactionHash", txHash)
	if from := step.ExpectedOutputs["settlement_from_chain"]; from != "" {
		q.Set("fromChainId", from)
	}
	if to := step.ExpectedOutputs["settlement_to_chain"]; to != "" {
		q.Set("toChainId", to)
	}
	statusURL.RawQuery = q.Encode()

	// The ticker loop is the retry logic here; the shared client only maps
	// transport errors and carries the common request headers.
	client := httpx.New(15*time.Second, 0)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		status, err := fetchSocketStatus(ctx, client, statusURL.String(), step.ExpectedOutputs["settlement_api_key"])
		if err == nil {
			step.ExpectedOutputs["settlement_status"] = status.Result.DestinationTxStatus
			switch strings.ToUpper(status.Result.DestinationTxStatus) {
			case "COMPLETED":
				if status.Result.DestinationTxHash != "" {
					step.ExpectedOutputs["destination_tx_hash"] = status.Result.DestinationTxHash
				}
				return nil
			case "FAILED", "REFUNDED":
				return clierr.New(clierr.CodeRevert, fmt.Sprintf("bridge settlement failed: destination status %s", status.Result.DestinationTxStatus))
			}
		}
		select {
		case <-ctx.Done():
			return clierr.Wrap(clierr.CodeTimeout, "timed out waiting for destination settlement", ctx.Err())
		case <-ticker.C:
		}
	}
}

func fetchSocketStatus(ctx context.Context, client *httpx.Client, statusURL, apiKey string) (socketBridgeStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return socketBridgeStatus{}, err
	}
	if apiKey != "" {
		req.Header.Set("API-KEY", apiKey)
	}
	code, body, err := client.DoRaw(ctx, req)
	if err != nil {
		return socketBridgeStatus{}, err
	}
	if code != http.StatusOK {
		return socketBridgeStatus{}, fmt.Errorf("settlement status endpoint returned %d", code)
	}
	var status socketBridgeStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return socketBridgeStatus{}, err
	}
	if !status.Success {
		return socketBridgeStatus{}, fmt.Errorf("settlement status endpoint reported failure")
	}
	return status, nil
}
