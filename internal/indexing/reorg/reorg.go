// Package reorg keeps the stored chain consistent with the provider's
// canonical chain.
//
// # Detection
//
// Parent hash verification costs no extra RPC calls:
//   - When block N is fetched its parent hash is already available
//   - Compare with the stored hash of N-1
//   - A mismatch means the stored suffix was orphaned
//
// With the recheck trigger the trailing ReorgDepth stored hashes are also
// re-verified against the provider every RecheckEvery heads, which catches
// reorgs that happen below a head whose parent still matches.
//
// # Repair
//
//  1. Walk back from N-1, re-fetching each height from the provider
//  2. Stop at the first fetched block whose parent matches the stored record
//  3. Overwrite the orphaned heights in one upsert
//  4. Rewind the watermark to the common ancestor if it was above it
//  5. Commit the replayed span up to N
//
// A chain that is still inconsistent after ReorgDepth heights fails with
// domain.ErrReconciliationExhausted, which is fatal for the chain.
//
// # Usage
//
//	rec := reorg.NewReconciler(cfg, chain, client, blockRepo, wm)
//	if err := rec.Apply(ctx, block, "subscriber"); err != nil {
//	    return err
//	}
package reorg

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/rpc"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

// Trigger selects when the stored chain is checked against the provider.
type Trigger string

const (
	// TriggerParentHash checks each applied block's parent against the store.
	TriggerParentHash Trigger = "parent_hash"

	// TriggerRecheck additionally re-verifies trailing hashes periodically.
	TriggerRecheck Trigger = "recheck"
)

// ParseTrigger validates a configured trigger. Empty selects parent_hash.
func ParseTrigger(s string) (Trigger, error) {
	switch Trigger(s) {
	case "", TriggerParentHash:
		return TriggerParentHash, nil
	case TriggerRecheck:
		return TriggerRecheck, nil
	default:
		return "", fmt.Errorf("%w: unknown reorg trigger %q", domain.ErrConfig, s)
	}
}

// Config holds configuration for reconciliation.
type Config struct {
	Trigger      Trigger
	RecheckEvery int // heads between rechecks, recheck trigger only
	Retry        rpc.RetryConfig
}

// Fetcher is the subset of rpc.Client used for repairs.
type Fetcher interface {
	FetchBlock(ctx context.Context, height uint64) (*domain.Block, error)
	FetchRange(ctx context.Context, start, end uint64) ([]*domain.Block, error)
}

// Watermark is the subset of watermark.Manager used for repairs.
type Watermark interface {
	Commit(ctx context.Context, from, to uint64) error
	Rewind(ctx context.Context, height uint64, reason string) error
}

// NewReconciler creates a reconciler for one chain.
func NewReconciler(
	cfg Config,
	chain domain.Chain,
	client Fetcher,
	blocks storage.BlockRepository,
	wm Watermark,
) *Reconciler {
	if cfg.Trigger == "" {
		cfg.Trigger = TriggerParentHash
	}
	return &Reconciler{
		cfg:    cfg,
		chain:  chain,
		client: client,
		blocks: blocks,
		wm:     wm,
		log:    slog.Default().With("component", "reorg", "chain", chain.Label()),
	}
}
