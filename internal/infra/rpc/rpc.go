// Package rpc defines how the ingestion pipeline talks to a chain node.
//
// A Client wraps one resolved provider (HTTP + WebSocket endpoint pair) and
// exposes point queries, range queries and a head subscription. Every
// failure maps onto the domain taxonomy:
//
//   - domain.ErrRPCUnavailable       transport errors, timeouts, node errors
//   - domain.ErrRPCMalformedResponse undecodable payloads
//   - domain.ErrRPCNotFound          height not produced yet
//
// All three are transient. Callers wrap calls in Retry, which applies
// bounded exponential backoff and stops early on fatal errors.
//
// # Package Structure
//
//   - rpc.go      - Client and HeadSubscription contracts
//   - retry.go    - backoff policy and error classification
//   - monitor.go  - latency and error-rate tracking per client
//   - evm/        - go-ethereum implementation for EVM chains
package rpc

import (
	"context"
	"fmt"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// Client is the chain node access contract.
type Client interface {
	// LastBlock returns the provider's current head height.
	LastBlock(ctx context.Context) (uint64, error)

	// FetchBlock fetches one block. Returns domain.ErrRPCNotFound when the
	// height does not exist yet.
	FetchBlock(ctx context.Context, height uint64) (*domain.Block, error)

	// FetchRange returns blocks for every height in [start, end] in order,
	// or fails as a whole.
	FetchRange(ctx context.Context, start, end uint64) ([]*domain.Block, error)

	// SubscribeHeads starts a new head subscription. A subscription cannot be
	// restarted; after its terminal error the caller subscribes again.
	SubscribeHeads(ctx context.Context) (HeadSubscription, error)

	// Close releases network connections.
	Close()
}

// HeadSubscription is a lazy, unbounded stream of announced heights.
type HeadSubscription interface {
	// Heads delivers announced heights in arrival order.
	Heads() <-chan uint64

	// Err delivers at most one terminal error.
	Err() <-chan error

	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe()
}

// CheckRange verifies blocks cover exactly [start, end] in order.
func CheckRange(blocks []*domain.Block, start, end uint64) error {
	if end < start {
		return fmt.Errorf("invalid range %d-%d", start, end)
	}
	want := end - start + 1
	if uint64(len(blocks)) != want {
		return fmt.Errorf("%w: range %d-%d returned %d blocks, want %d",
			domain.ErrRPCMalformedResponse, start, end, len(blocks), want)
	}
	for i, b := range blocks {
		if b == nil {
			return fmt.Errorf("%w: height %d", domain.ErrRPCNotFound, start+uint64(i))
		}
		if b.Number != start+uint64(i) {
			return fmt.Errorf("%w: position %d holds height %d, want %d",
				domain.ErrRPCMalformedResponse, i, b.Number, start+uint64(i))
		}
	}
	return nil
}
