package reorg

import (
	"context"
	"fmt"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/metrics"
	"github.com/vietddude/chainsync/internal/infra/rpc"
)

// Recheck re-verifies the stored hashes of the trailing ReorgDepth heights
// below head against the provider in one batch, and repairs from the
// lowest mismatch.
func (r *Reconciler) Recheck(ctx context.Context, head uint64) (Result, error) {
	if r.chain.ReorgDepth == 0 || head == 0 {
		return Result{}, nil
	}
	lo := uint64(0)
	if head > r.chain.ReorgDepth {
		lo = head - r.chain.ReorgDepth
	}

	var fetched []*domain.Block
	err := rpc.Retry(ctx, r.cfg.Retry, fmt.Sprintf("fetch_range %d-%d", lo, head), func(ctx context.Context) error {
		var err error
		fetched, err = r.client.FetchRange(ctx, lo, head)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	for i, f := range fetched {
		stored, err := r.blocks.GetByNumber(ctx, r.chain.ID, f.Number)
		if err != nil {
			return Result{}, err
		}
		if stored == nil || stored.Hash == f.Hash {
			continue
		}
		r.repairing(head)
		if f.Number == lo {
			metrics.ReorgsDetected.WithLabelValues(r.chain.Label()).Inc()
			return Result{Detected: true}, fmt.Errorf("%w: stored block %d differs at the bottom of the %d block window",
				domain.ErrReconciliationExhausted, lo, r.chain.ReorgDepth)
		}
		r.log.Warn("Stored hash differs from provider", "block", f.Number, "stored", stored.Hash, "provider", f.Hash)
		return r.replace(ctx, fetched[i:], f.Number-1, head)
	}
	return Result{}, nil
}
