package chains

import (
	"fmt"
	"slices"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// slug returns the path segment a provider uses for the chain.
func slug(c domain.Chain, p domain.ProviderName) string {
	switch {
	case c.Name == domain.ChainMainnet:
		return "eth"
	case c.Name == domain.ChainFantom && p == domain.ProviderLlamaNodes:
		return "ftm"
	default:
		return string(c.Name)
	}
}

// Resolve builds the endpoint pair for a chain served by a known provider.
// Failures wrap domain.ErrConfig and carry the reason.
func Resolve(c domain.Chain, p domain.ProviderName, apiKey string) (domain.Provider, error) {
	if apiKey == "" {
		return domain.Provider{}, fmt.Errorf("%w: %s on %s", domain.ErrEmptyAPIKey, p, c.Name)
	}

	if !slices.Contains(domain.ProviderNames, p) {
		return domain.Provider{}, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, p)
	}
	if !c.Supports(p) {
		return domain.Provider{}, fmt.Errorf("%w: %s on %s", domain.ErrProviderUnavailable, p, c.Name)
	}

	var httpURL, wsURL string
	s := slug(c, p)
	switch p {
	case domain.ProviderAnkr:
		httpURL = fmt.Sprintf("https://rpc.ankr.com/%s/%s", s, apiKey)
		wsURL = fmt.Sprintf("wss://rpc.ankr.com/%s/ws/%s", s, apiKey)
	case domain.ProviderLlamaNodes:
		httpURL = fmt.Sprintf("https://%s-ski.llamarpc.com/rpc/%s", s, apiKey)
		wsURL = fmt.Sprintf("wss://%s-ski.llamarpc.com/rpc/%s", s, apiKey)
	}

	return domain.Provider{Name: string(p), HTTPURL: httpURL, WSURL: wsURL}, nil
}

// Custom builds a provider from explicitly configured endpoints.
func Custom(httpURL, wsURL string) (domain.Provider, error) {
	prov := domain.Provider{Name: "custom", HTTPURL: httpURL, WSURL: wsURL}
	if !prov.Valid() {
		return domain.Provider{}, fmt.Errorf("%w: custom provider needs both http_url and ws_url", domain.ErrConfig)
	}
	return prov, nil
}
