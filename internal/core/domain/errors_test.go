package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err    error
		expect bool
	}{
		{nil, false},
		{fmt.Errorf("eth_blockNumber: %w", ErrRPCUnavailable), true},
		{fmt.Errorf("decode: %w", ErrRPCMalformedResponse), true},
		{ErrRPCNotFound, true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{fmt.Errorf("upsert: %w", ErrPersistence), false},
		{ErrReconciliationExhausted, false},
		{ErrEmptyAPIKey, false},
		{errors.New("boom"), false},
	}

	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.expect {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestConfigErrorsWrapErrConfig(t *testing.T) {
	for _, err := range []error{ErrUnknownChain, ErrUnknownProvider, ErrEmptyAPIKey, ErrProviderUnavailable} {
		if !errors.Is(err, ErrConfig) {
			t.Errorf("%v does not wrap ErrConfig", err)
		}
	}
}

func TestParseNames(t *testing.T) {
	if n, err := ParseChainName(" Mainnet "); err != nil || n != ChainMainnet {
		t.Fatalf("ParseChainName = %q, %v", n, err)
	}
	if _, err := ParseChainName("solana"); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}
	if p, err := ParseProviderName("LLAMANODES"); err != nil || p != ProviderLlamaNodes {
		t.Fatalf("ParseProviderName = %q, %v", p, err)
	}
	if _, err := ParseProviderName("infura"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}
