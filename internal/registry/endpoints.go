package registry

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	// Quote provider endpoints.
	ZeroExBaseURL    = "https://api.0x.org"
	CowAPIBaseFormat = "https://api.cow.fi/%s/api/v1"
	SocketBaseURL    = "https://api.socket.tech/v2"

	// Price oracle.
	CoinGeckoBaseURL = "https://api.coingecko.com/api/v3"
)

// Order book network slugs for the intent settlement API, by EVM chain ID.
var cowNetworkByChainID = map[int64]string{
	1:     "mainnet",
	137:   "polygon",
	8453:  "base",
	42161: "arbitrum_one",
	43114: "avalanche",
}

func CowAPIBaseURL(chainID int64) (string, bool) {
	network, ok := cowNetworkByChainID[chainID]
	if !ok {
		return "", false
	}
	return fmt.Sprintf(CowAPIBaseFormat, network), true
}

// IsAllowedRelayURL validates a Socket relay override. The relay holds the
// venue API key, so only https endpoints (or loopback for local relays) are
// accepted.
func IsAllowedRelayURL(endpoint string) bool {
	if strings.TrimSpace(endpoint) == "" {
		return true
	}
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return false
	}
	if strings.TrimSpace(parsed.Hostname()) == "" {
		return false
	}
	if isLoopbackHost(parsed.Hostname()) {
		scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
		return scheme == "" || scheme == "http" || scheme == "https"
	}
	return strings.EqualFold(strings.TrimSpace(parsed.Scheme), "https")
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
