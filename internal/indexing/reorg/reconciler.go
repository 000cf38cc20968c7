package reorg

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/metrics"
	"github.com/vietddude/chainsync/internal/infra/rpc"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

// Reconciler applies freshly fetched blocks and repairs reorgs.
// It is not safe for concurrent use; one subscriber owns it.
type Reconciler struct {
	cfg    Config
	chain  domain.Chain
	client Fetcher
	blocks storage.BlockRepository
	wm     Watermark
	log    *slog.Logger

	applied  int
	onRepair func(head uint64)
}

// OnRepair registers fn to run when a repair starts, before any block is
// re-fetched.
func (r *Reconciler) OnRepair(fn func(head uint64)) {
	r.onRepair = fn
}

func (r *Reconciler) repairing(head uint64) {
	if r.onRepair != nil {
		r.onRepair(head)
	}
}

// Result describes a repair.
type Result struct {
	Detected bool
	Depth    int    // orphaned heights overwritten
	Ancestor uint64 // last height shared by both chains
}

// Apply persists b and commits its height, repairing the stored suffix
// first when b does not extend it.
func (r *Reconciler) Apply(ctx context.Context, b *domain.Block, source string) (Result, error) {
	res, err := r.apply(ctx, b, source)
	if err != nil {
		return res, err
	}

	r.applied++
	if r.cfg.Trigger == TriggerRecheck && r.cfg.RecheckEvery > 0 && r.applied%r.cfg.RecheckEvery == 0 {
		rr, err := r.Recheck(ctx, b.Number)
		if err != nil {
			return rr, err
		}
		if rr.Detected {
			return rr, nil
		}
	}
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, b *domain.Block, source string) (Result, error) {
	h := b.Number
	if h > 0 {
		prev, err := r.blocks.GetByNumber(ctx, r.chain.ID, h-1)
		if err != nil {
			return Result{}, err
		}
		if prev != nil && !b.ChildOf(prev) {
			return r.repair(ctx, b)
		}
	}

	if err := r.blocks.UpsertBlocks(ctx, r.chain.ID, []*domain.Block{b}); err != nil {
		return Result{}, fmt.Errorf("persist block %d: %w", h, err)
	}
	metrics.BlocksPersisted.WithLabelValues(r.chain.Label(), source).Inc()
	if err := r.wm.Commit(ctx, h, h); err != nil {
		return Result{}, fmt.Errorf("commit block %d: %w", h, err)
	}
	return Result{}, nil
}

// repair walks back from head-1 until the provider's chain meets the stored
// one, then overwrites the orphaned suffix and replays the watermark.
func (r *Reconciler) repair(ctx context.Context, head *domain.Block) (Result, error) {
	r.log.Warn("Parent hash mismatch", "block", head.Number, "parent", head.ParentHash)
	r.repairing(head.Number)

	replay := []*domain.Block{head}
	child := head
	for depth := uint64(1); depth <= r.chain.ReorgDepth && child.Number > 0; depth++ {
		height := child.Number - 1
		fetched, err := r.fetch(ctx, height)
		if err != nil {
			return Result{}, err
		}
		if !child.ChildOf(fetched) {
			return Result{}, fmt.Errorf("%w: provider chain changed at %d during reconciliation",
				domain.ErrRPCUnavailable, height)
		}
		replay = append(replay, fetched)

		consistent := height == 0
		if !consistent {
			parent, err := r.blocks.GetByNumber(ctx, r.chain.ID, height-1)
			if err != nil {
				return Result{}, err
			}
			consistent = parent == nil || fetched.ChildOf(parent)
		}
		if consistent {
			var ancestor uint64
			if height > 0 {
				ancestor = height - 1
			}
			return r.replace(ctx, replay, ancestor, head.Number)
		}
		child = fetched
	}

	metrics.ReorgsDetected.WithLabelValues(r.chain.Label()).Inc()
	return Result{Detected: true}, fmt.Errorf("%w: block %d not consistent within %d blocks",
		domain.ErrReconciliationExhausted, head.Number, r.chain.ReorgDepth)
}

// replace writes blocks (any order) covering [ancestor+1, head] and moves
// the watermark through the rewound span.
func (r *Reconciler) replace(ctx context.Context, blocks []*domain.Block, ancestor, head uint64) (Result, error) {
	slices.SortFunc(blocks, func(a, b *domain.Block) int {
		switch {
		case a.Number < b.Number:
			return -1
		case a.Number > b.Number:
			return 1
		}
		return 0
	})
	if err := r.blocks.UpsertBlocks(ctx, r.chain.ID, blocks); err != nil {
		return Result{}, fmt.Errorf("persist reorg span %d-%d: %w", ancestor+1, head, err)
	}
	metrics.BlocksPersisted.WithLabelValues(r.chain.Label(), "reorg").Add(float64(len(blocks)))

	if err := r.wm.Rewind(ctx, ancestor, "reorg"); err != nil {
		return Result{}, err
	}
	if err := r.wm.Commit(ctx, ancestor+1, head); err != nil {
		return Result{}, fmt.Errorf("commit reorg span %d-%d: %w", ancestor+1, head, err)
	}

	depth := len(blocks) - 1
	metrics.ReorgsDetected.WithLabelValues(r.chain.Label()).Inc()
	metrics.ReorgDepth.WithLabelValues(r.chain.Label()).Observe(float64(depth))
	r.log.Warn("Reorg repaired", "ancestor", ancestor, "head", head, "depth", depth)
	return Result{Detected: true, Depth: depth, Ancestor: ancestor}, nil
}

func (r *Reconciler) fetch(ctx context.Context, height uint64) (*domain.Block, error) {
	var b *domain.Block
	err := rpc.Retry(ctx, r.cfg.Retry, fmt.Sprintf("fetch_block %d", height), func(ctx context.Context) error {
		var err error
		b, err = r.client.FetchBlock(ctx, height)
		return err
	})
	return b, err
}
