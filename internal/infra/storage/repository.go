package storage

import (
	"context"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// BlockRepository handles block storage operations.
// Implementations wrap failures in domain.ErrPersistence.
type BlockRepository interface {
	// UpsertBlocks writes all blocks atomically, overwriting existing heights.
	UpsertBlocks(ctx context.Context, chainID uint64, blocks []*domain.Block) error

	// GetByNumber returns nil, nil when the height is not stored.
	GetByNumber(ctx context.Context, chainID uint64, number uint64) (*domain.Block, error)

	// GetLatest returns the highest stored block, or nil.
	GetLatest(ctx context.Context, chainID uint64) (*domain.Block, error)

	// FindGaps finds missing heights in [fromBlock, toBlock].
	FindGaps(ctx context.Context, chainID uint64, fromBlock, toBlock uint64) ([]Gap, error)

	// FindBrokenLinks returns the heights h in [fromBlock, toBlock] where both
	// h and h-1 are stored and h's parent hash differs from h-1's hash.
	FindBrokenLinks(ctx context.Context, chainID uint64, fromBlock, toBlock uint64) ([]uint64, error)

	// Count returns the number of stored heights in [fromBlock, toBlock].
	Count(ctx context.Context, chainID uint64, fromBlock, toBlock uint64) (int, error)
}

// Gap is an inclusive range of missing heights.
type Gap struct {
	FromBlock uint64
	ToBlock   uint64
}

// Size returns the number of heights in the gap.
func (g Gap) Size() uint64 {
	return g.ToBlock - g.FromBlock + 1
}

// WatermarkRepository persists the per-chain watermark.
// Callers serialize writes per chain.
type WatermarkRepository interface {
	// Get returns ok=false when the chain has never advanced.
	Get(ctx context.Context, chainID uint64) (height uint64, ok bool, err error)

	// Set stores the watermark.
	Set(ctx context.Context, chainID uint64, height uint64) error

	// List returns every stored watermark.
	List(ctx context.Context) ([]domain.Watermark, error)
}
