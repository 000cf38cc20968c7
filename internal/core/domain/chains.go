package domain

import (
	"fmt"
	"strings"
)

// ChainName identifies a chain supported by the registry.
type ChainName string

const (
	ChainMainnet   ChainName = "mainnet"
	ChainPolygon   ChainName = "polygon"
	ChainFantom    ChainName = "fantom"
	ChainOptimism  ChainName = "optimism"
	ChainArbitrum  ChainName = "arbitrum"
	ChainGnosis    ChainName = "gnosis"
	ChainBSC       ChainName = "bsc"
	ChainAvalanche ChainName = "avalanche"
)

// ChainNames lists every known chain in registry order.
var ChainNames = []ChainName{
	ChainMainnet,
	ChainPolygon,
	ChainFantom,
	ChainOptimism,
	ChainArbitrum,
	ChainGnosis,
	ChainBSC,
	ChainAvalanche,
}

// ParseChainName maps a configured name onto the closed set of chains.
func ParseChainName(s string) (ChainName, error) {
	name := ChainName(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ChainNames {
		if name == known {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChain, s)
}

func (n ChainName) String() string { return string(n) }

// ProviderName identifies an RPC provider operator.
type ProviderName string

const (
	ProviderAnkr       ProviderName = "ankr"
	ProviderLlamaNodes ProviderName = "llamanodes"
)

// ProviderNames lists every known provider.
var ProviderNames = []ProviderName{ProviderAnkr, ProviderLlamaNodes}

// ParseProviderName maps a configured provider onto the closed set.
func ParseProviderName(s string) (ProviderName, error) {
	name := ProviderName(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ProviderNames {
		if name == known {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

func (p ProviderName) String() string { return string(p) }

// Chain is an immutable descriptor of a supported chain.
type Chain struct {
	ID   uint64
	Name ChainName
	// ReorgDepth is the number of trailing blocks considered not yet final.
	ReorgDepth uint64
	Providers  map[ProviderName]bool
}

// Supports reports whether the provider may serve this chain.
func (c Chain) Supports(p ProviderName) bool {
	return c.Providers[p]
}

// Label is the metrics and log label for the chain.
func (c Chain) Label() string {
	return string(c.Name)
}

// Provider is a resolved endpoint pair for one chain and provider.
type Provider struct {
	Name    string
	HTTPURL string
	WSURL   string
}

// Valid reports whether both endpoints are present.
func (p Provider) Valid() bool {
	return p.HTTPURL != "" && p.WSURL != ""
}
