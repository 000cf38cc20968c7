package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

// MemoryStorage keeps blocks and watermarks in process memory.
type MemoryStorage struct {
	blocks     map[uint64]map[uint64]*domain.Block
	watermarks map[uint64]domain.Watermark
	mu         sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		blocks:     make(map[uint64]map[uint64]*domain.Block),
		watermarks: make(map[uint64]domain.Watermark),
	}
}

func copyBlock(b *domain.Block) *domain.Block {
	c := *b
	c.Payload = slices.Clone(b.Payload)
	return &c
}

// Snapshot returns copies of every stored block for a chain ordered by height.
func (s *MemoryStorage) Snapshot(chainID uint64) []*domain.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	heights := slices.Sorted(maps.Keys(s.blocks[chainID]))
	out := make([]*domain.Block, 0, len(heights))
	for _, h := range heights {
		out = append(out, copyBlock(s.blocks[chainID][h]))
	}
	return out
}

// -----------------------------------------------------------------------------
// Block Repository
// -----------------------------------------------------------------------------

type BlockRepo struct {
	store *MemoryStorage
}

func NewBlockRepo(store *MemoryStorage) *BlockRepo {
	return &BlockRepo{store: store}
}

func (r *BlockRepo) UpsertBlocks(ctx context.Context, chainID uint64, blocks []*domain.Block) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	byHeight, ok := r.store.blocks[chainID]
	if !ok {
		byHeight = make(map[uint64]*domain.Block)
		r.store.blocks[chainID] = byHeight
	}
	for _, b := range blocks {
		c := copyBlock(b)
		c.ChainID = chainID
		byHeight[b.Number] = c
	}
	return nil
}

func (r *BlockRepo) GetByNumber(ctx context.Context, chainID uint64, num uint64) (*domain.Block, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	b, ok := r.store.blocks[chainID][num]
	if !ok {
		return nil, nil
	}
	return copyBlock(b), nil
}

func (r *BlockRepo) GetLatest(ctx context.Context, chainID uint64) (*domain.Block, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var latest *domain.Block
	for _, b := range r.store.blocks[chainID] {
		if latest == nil || b.Number > latest.Number {
			latest = b
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyBlock(latest), nil
}

func (r *BlockRepo) FindGaps(ctx context.Context, chainID uint64, from, to uint64) ([]storage.Gap, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var gaps []storage.Gap
	var open *storage.Gap
	for h := from; h <= to; h++ {
		if _, ok := r.store.blocks[chainID][h]; ok {
			if open != nil {
				gaps = append(gaps, *open)
				open = nil
			}
		} else if open == nil {
			open = &storage.Gap{FromBlock: h, ToBlock: h}
		} else {
			open.ToBlock = h
		}
		if h == to {
			break
		}
	}
	if open != nil {
		gaps = append(gaps, *open)
	}
	return gaps, nil
}

func (r *BlockRepo) FindBrokenLinks(ctx context.Context, chainID uint64, from, to uint64) ([]uint64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var broken []uint64
	byHeight := r.store.blocks[chainID]
	for h := max(from, 1); h <= to; h++ {
		child, ok := byHeight[h]
		parent, pok := byHeight[h-1]
		if ok && pok && !child.ChildOf(parent) {
			broken = append(broken, h)
		}
		if h == to {
			break
		}
	}
	return broken, nil
}

func (r *BlockRepo) Count(ctx context.Context, chainID uint64, from, to uint64) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := 0
	for h := range r.store.blocks[chainID] {
		if h >= from && h <= to {
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Watermark Repository
// -----------------------------------------------------------------------------

type WatermarkRepo struct {
	store *MemoryStorage
}

func NewWatermarkRepo(store *MemoryStorage) *WatermarkRepo {
	return &WatermarkRepo{store: store}
}

func (r *WatermarkRepo) Get(ctx context.Context, chainID uint64) (uint64, bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	w, ok := r.store.watermarks[chainID]
	return w.LastSyncedBlock, ok, nil
}

func (r *WatermarkRepo) Set(ctx context.Context, chainID uint64, height uint64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.watermarks[chainID] = domain.Watermark{
		ChainID:         chainID,
		LastSyncedBlock: height,
		UpdatedAt:       time.Now(),
	}
	return nil
}

func (r *WatermarkRepo) List(ctx context.Context) ([]domain.Watermark, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]domain.Watermark, 0, len(r.store.watermarks))
	for _, id := range slices.Sorted(maps.Keys(r.store.watermarks)) {
		out = append(out, r.store.watermarks[id])
	}
	return out, nil
}
