package reorg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainsync/internal/core/chains"
	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/watermark"
	"github.com/vietddude/chainsync/internal/infra/rpc"
	"github.com/vietddude/chainsync/internal/infra/rpc/rpctest"
	"github.com/vietddude/chainsync/internal/infra/storage/memory"
)

var fastRetry = rpc.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

type fixture struct {
	chain domain.Chain
	node  *rpctest.Chain
	store *memory.MemoryStorage
	wm    *watermark.Manager
	rec   *Reconciler
}

// newFixture stores heights 0..head of a fresh simulated chain with the
// watermark at head.
func newFixture(t *testing.T, chain domain.Chain, head uint64, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	node := rpctest.NewChain(chain.ID, head)
	store := memory.NewMemoryStorage()
	blocks := memory.NewBlockRepo(store)
	wm := watermark.NewManager(chain, memory.NewWatermarkRepo(store))
	_, _, err := wm.Load(ctx, 0)
	require.NoError(t, err)

	stored, err := node.FetchRange(ctx, 0, head)
	require.NoError(t, err)
	require.NoError(t, blocks.UpsertBlocks(ctx, chain.ID, stored))
	require.NoError(t, wm.Commit(ctx, 0, head))

	cfg.Retry = fastRetry
	return &fixture{
		chain: chain,
		node:  node,
		store: store,
		wm:    wm,
		rec:   NewReconciler(cfg, chain, node, blocks, wm),
	}
}

func (f *fixture) assertMatchesNode(t *testing.T, head uint64) {
	t.Helper()
	snap := f.store.Snapshot(f.chain.ID)
	require.Len(t, snap, int(head+1))
	for h, b := range snap {
		assert.Equal(t, f.node.Block(uint64(h)), b, "height %d", h)
	}
}

func mainnet(t *testing.T) domain.Chain {
	t.Helper()
	c, err := chains.Get("mainnet")
	require.NoError(t, err)
	return c
}

func TestApply_ExtendsChain(t *testing.T) {
	f := newFixture(t, mainnet(t), 10, Config{})
	f.node.Extend(11)

	res, err := f.rec.Apply(context.Background(), f.node.Block(11), "subscriber")
	require.NoError(t, err)
	assert.False(t, res.Detected)

	last, ok := f.wm.Last()
	assert.True(t, ok)
	assert.Equal(t, uint64(11), last)
	f.assertMatchesNode(t, 11)
}

func TestApply_RepairsReorgWithinDepth(t *testing.T) {
	f := newFixture(t, mainnet(t), 10, Config{})
	f.node.Reorg(8, 11)

	res, err := f.rec.Apply(context.Background(), f.node.Block(11), "subscriber")
	require.NoError(t, err)
	assert.True(t, res.Detected)
	assert.Equal(t, 3, res.Depth)
	assert.Equal(t, uint64(7), res.Ancestor)

	last, _ := f.wm.Last()
	assert.Equal(t, uint64(11), last)
	f.assertMatchesNode(t, 11)
}

func TestApply_RepairAtExactDepth(t *testing.T) {
	chain := mainnet(t)
	chain.ReorgDepth = 3
	f := newFixture(t, chain, 10, Config{})
	f.node.Reorg(8, 11)

	res, err := f.rec.Apply(context.Background(), f.node.Block(11), "subscriber")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Depth)
	f.assertMatchesNode(t, 11)
}

func TestApply_DeeperThanDepthExhausts(t *testing.T) {
	chain := mainnet(t)
	chain.ReorgDepth = 2
	f := newFixture(t, chain, 10, Config{})
	f.node.Reorg(5, 11)

	_, err := f.rec.Apply(context.Background(), f.node.Block(11), "subscriber")
	require.ErrorIs(t, err, domain.ErrReconciliationExhausted)
	assert.Equal(t, rpc.ActionFatal, rpc.ClassifyError(err))

	last, _ := f.wm.Last()
	assert.Equal(t, uint64(10), last, "watermark untouched on failure")
	assert.Len(t, f.store.Snapshot(chain.ID), 11, "nothing written past the stored head")
}

func TestApply_SameHeadTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, mainnet(t), 10, Config{})
	f.node.Extend(11)
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, f.node.Block(11), "subscriber")
	require.NoError(t, err)
	before := f.store.Snapshot(f.chain.ID)

	_, err = f.rec.Apply(ctx, f.node.Block(11), "subscriber")
	require.NoError(t, err)
	assert.Equal(t, before, f.store.Snapshot(f.chain.ID))
}

func TestApply_OnRepairRunsBeforeRefetch(t *testing.T) {
	f := newFixture(t, mainnet(t), 10, Config{})
	ctx := context.Background()

	var heads []uint64
	var fetchesAtStart int
	f.rec.OnRepair(func(head uint64) {
		heads = append(heads, head)
		_, fetchesAtStart = f.node.Calls()
	})

	f.node.Extend(11)
	_, err := f.rec.Apply(ctx, f.node.Block(11), "subscriber")
	require.NoError(t, err)
	assert.Empty(t, heads, "no repair when the block extends the store")

	f.node.Reorg(9, 12)
	_, before := f.node.Calls()
	res, err := f.rec.Apply(ctx, f.node.Block(12), "subscriber")
	require.NoError(t, err)
	require.True(t, res.Detected)
	assert.Equal(t, []uint64{12}, heads)
	assert.Equal(t, before, fetchesAtStart, "hook runs before any re-fetch")
}

func TestRecheck_FindsMismatchBelowMatchingParent(t *testing.T) {
	f := newFixture(t, mainnet(t), 10, Config{Trigger: TriggerRecheck, RecheckEvery: 1})
	ctx := context.Background()

	// Height 8 stored with a stale hash while 9 still links to the canonical 8.
	stale := f.node.Block(8)
	stale.Hash = rpctest.HashOf(8, 99)
	require.NoError(t, memory.NewBlockRepo(f.store).UpsertBlocks(ctx, f.chain.ID, []*domain.Block{stale}))

	f.node.Extend(11)
	res, err := f.rec.Apply(ctx, f.node.Block(11), "subscriber")
	require.NoError(t, err)
	assert.True(t, res.Detected)
	assert.Equal(t, uint64(7), res.Ancestor)

	last, _ := f.wm.Last()
	assert.Equal(t, uint64(11), last)
	f.assertMatchesNode(t, 11)
}

func TestRecheck_ParentHashTriggerSkips(t *testing.T) {
	f := newFixture(t, mainnet(t), 10, Config{RecheckEvery: 1})
	f.node.Extend(11)

	_, err := f.rec.Apply(context.Background(), f.node.Block(11), "subscriber")
	require.NoError(t, err)

	ranges, _ := f.node.Calls()
	assert.Equal(t, 1, ranges, "only the fixture's initial range fetch")
}

func TestParseTrigger(t *testing.T) {
	tests := []struct {
		in      string
		want    Trigger
		wantErr bool
	}{
		{"", TriggerParentHash, false},
		{"parent_hash", TriggerParentHash, false},
		{"recheck", TriggerRecheck, false},
		{"sometimes", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTrigger(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
