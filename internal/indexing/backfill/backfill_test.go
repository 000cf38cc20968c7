package backfill

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainsync/internal/core/chains"
	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/watermark"
	"github.com/vietddude/chainsync/internal/infra/rpc"
	"github.com/vietddude/chainsync/internal/infra/rpc/rpctest"
	"github.com/vietddude/chainsync/internal/infra/storage"
	"github.com/vietddude/chainsync/internal/infra/storage/memory"
)

var fastRetry = rpc.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

type setup struct {
	chain  domain.Chain
	store  *memory.MemoryStorage
	blocks *memory.BlockRepo
	wm     *watermark.Manager
}

func newSetup(t *testing.T, initialBlock uint64) *setup {
	t.Helper()
	chain, err := chains.Get("polygon")
	require.NoError(t, err)

	store := memory.NewMemoryStorage()
	wm := watermark.NewManager(chain, memory.NewWatermarkRepo(store))
	_, _, err = wm.Load(context.Background(), initialBlock)
	require.NoError(t, err)
	return &setup{chain: chain, store: store, blocks: memory.NewBlockRepo(store), wm: wm}
}

func (s *setup) pool(node Fetcher, batch uint64, workers int) *Pool {
	return New(Config{BatchSize: batch, Workers: workers, Retry: fastRetry}, s.chain, node, s.blocks, s.wm)
}

func heights(blocks []*domain.Block) []uint64 {
	out := make([]uint64, len(blocks))
	for i, b := range blocks {
		out[i] = b.Number
	}
	return out
}

// =============================================================================
// Partition
// =============================================================================

func TestPartition(t *testing.T) {
	tests := []struct {
		name       string
		start, end uint64
		size       uint64
		want       []Span
	}{
		{"exact", 1, 4, 2, []Span{{1, 2}, {3, 4}}},
		{"remainder", 101, 105, 2, []Span{{101, 102}, {103, 104}, {105, 105}}},
		{"single", 7, 7, 100, []Span{{7, 7}}},
		{"empty", 5, 4, 2, nil},
		{"zero size", 0, 2, 0, []Span{{0, 0}, {1, 1}, {2, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Partition(tt.start, tt.end, tt.size))
		})
	}
}

// =============================================================================
// Run
// =============================================================================

func TestRun_WatermarkToHead(t *testing.T) {
	s := newSetup(t, 101) // watermark 100
	node := rpctest.NewChain(s.chain.ID, 105)

	require.NoError(t, s.pool(node, 2, 2).Run(context.Background(), 101, 105))

	last, ok := s.wm.Last()
	assert.True(t, ok)
	assert.Equal(t, uint64(105), last)
	assert.Equal(t, []uint64{101, 102, 103, 104, 105}, heights(s.store.Snapshot(s.chain.ID)))

	ranges, _ := node.Calls()
	assert.Equal(t, 3, ranges)
}

func TestRun_WorkerCountDoesNotChangeResult(t *testing.T) {
	node := rpctest.NewChain(137, 999)

	one := newSetup(t, 0)
	require.NoError(t, one.pool(node, 7, 1).Run(context.Background(), 0, 999))

	eight := newSetup(t, 0)
	require.NoError(t, eight.pool(node, 7, 8).Run(context.Background(), 0, 999))

	assert.Equal(t, one.store.Snapshot(137), eight.store.Snapshot(137))
	assert.Len(t, eight.store.Snapshot(137), 1000)

	for _, st := range []*setup{one, eight} {
		last, _ := st.wm.Last()
		assert.Equal(t, uint64(999), last)
		assert.Zero(t, st.wm.Pending())
	}
}

func TestRun_NoGapsAndParentLinkage(t *testing.T) {
	s := newSetup(t, 0)
	node := rpctest.NewChain(s.chain.ID, 300)
	require.NoError(t, s.pool(node, 16, 5).Run(context.Background(), 0, 300))

	snap := s.store.Snapshot(s.chain.ID)
	require.Len(t, snap, 301)
	for i := 1; i < len(snap); i++ {
		assert.True(t, snap[i].ChildOf(snap[i-1]), "height %d", i)
	}
}

func TestRun_Idempotent(t *testing.T) {
	s := newSetup(t, 0)
	node := rpctest.NewChain(s.chain.ID, 50)
	ctx := context.Background()

	require.NoError(t, s.pool(node, 4, 3).Run(ctx, 0, 50))
	first := s.store.Snapshot(s.chain.ID)

	require.NoError(t, s.pool(node, 4, 3).Run(ctx, 0, 50))
	assert.Equal(t, first, s.store.Snapshot(s.chain.ID))
	last, _ := s.wm.Last()
	assert.Equal(t, uint64(50), last)

	// Restart: a fresh manager resumes from the stored watermark.
	wm := watermark.NewManager(s.chain, memory.NewWatermarkRepo(s.store))
	resumed, ok, err := wm.Load(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(50), resumed)
}

func TestRun_EmptyRange(t *testing.T) {
	s := newSetup(t, 11)
	node := rpctest.NewChain(s.chain.ID, 10)
	require.NoError(t, s.pool(node, 2, 2).Run(context.Background(), 11, 10))
	ranges, _ := node.Calls()
	assert.Zero(t, ranges)
}

// =============================================================================
// Failures
// =============================================================================

func TestRun_RetryExhaustionIsFatal(t *testing.T) {
	s := newSetup(t, 1) // watermark 0
	node := rpctest.NewChain(s.chain.ID, 20)
	var calls atomic.Int32
	node.FailRange = func(start, end uint64) error {
		calls.Add(1)
		return fmt.Errorf("%w: connection reset", domain.ErrRPCUnavailable)
	}

	err := s.pool(node, 20, 2).Run(context.Background(), 1, 20)
	require.ErrorIs(t, err, rpc.ErrRetriesExhausted)
	require.ErrorIs(t, err, domain.ErrRPCUnavailable)
	assert.Contains(t, err.Error(), "span 1-20")
	assert.Contains(t, err.Error(), "fetch_range 1-20")
	assert.Equal(t, int32(3), calls.Load())

	last, _ := s.wm.Last()
	assert.Equal(t, uint64(0), last)
	assert.Empty(t, s.store.Snapshot(s.chain.ID))
}

func TestRun_FailedBatchHoldsWatermarkBelowIt(t *testing.T) {
	s := newSetup(t, 1)
	node := rpctest.NewChain(s.chain.ID, 40)
	node.FailRange = func(start, end uint64) error {
		if start == 11 {
			return domain.ErrRPCUnavailable
		}
		return nil
	}

	err := s.pool(node, 5, 4).Run(context.Background(), 1, 40)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "span 11-15")

	last, _ := s.wm.Last()
	assert.LessOrEqual(t, last, uint64(10))
	for _, b := range s.store.Snapshot(s.chain.ID) {
		assert.False(t, b.Number >= 11 && b.Number <= 15, "height %d stored", b.Number)
	}
}

func TestRun_FatalErrorStopsWithoutRetry(t *testing.T) {
	s := newSetup(t, 1)
	node := rpctest.NewChain(s.chain.ID, 10)
	var calls atomic.Int32
	node.FailRange = func(start, end uint64) error {
		calls.Add(1)
		return fmt.Errorf("%w: bad request", domain.ErrConfig)
	}

	err := s.pool(node, 10, 1).Run(context.Background(), 1, 10)
	require.ErrorIs(t, err, domain.ErrConfig)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRun_Cancelled(t *testing.T) {
	s := newSetup(t, 1)
	node := rpctest.NewChain(s.chain.ID, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.pool(node, 2, 2).Run(ctx, 1, 10)
	require.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Detector
// =============================================================================

func TestDetector_ScanAndRepair(t *testing.T) {
	s := newSetup(t, 0)
	node := rpctest.NewChain(s.chain.ID, 30)
	ctx := context.Background()

	all, err := node.FetchRange(ctx, 0, 30)
	require.NoError(t, err)
	var partial []*domain.Block
	for _, b := range all {
		if (b.Number >= 5 && b.Number <= 9) || b.Number == 20 {
			continue
		}
		partial = append(partial, b)
	}
	require.NoError(t, s.blocks.UpsertBlocks(ctx, s.chain.ID, partial))

	det := NewDetector(s.blocks)
	report, err := det.ScanDatabase(ctx, s.chain.ID, 0, 30)
	require.NoError(t, err)
	assert.Equal(t, []storage.Gap{{FromBlock: 5, ToBlock: 9}, {FromBlock: 20, ToBlock: 20}}, report.Gaps)
	assert.Equal(t, uint64(6), report.Missing())
	assert.Equal(t, 25, report.Stored)

	require.NoError(t, s.pool(node, 2, 2).RunGaps(ctx, report.Gaps))

	report, err = det.ScanDatabase(ctx, s.chain.ID, 0, 30)
	require.NoError(t, err)
	assert.Empty(t, report.Gaps)
	assert.Equal(t, 31, report.Stored)
}

func TestDetector_ReportsBrokenLinks(t *testing.T) {
	s := newSetup(t, 0)
	node := rpctest.NewChain(s.chain.ID, 20)
	ctx := context.Background()

	stale, err := node.FetchRange(ctx, 0, 20)
	require.NoError(t, err)
	require.NoError(t, s.blocks.UpsertBlocks(ctx, s.chain.ID, stale))

	// Only the top of the new branch lands in the store.
	node.Reorg(15, 20)
	fresh, err := node.FetchRange(ctx, 18, 20)
	require.NoError(t, err)
	require.NoError(t, s.blocks.UpsertBlocks(ctx, s.chain.ID, fresh))

	det := NewDetector(s.blocks)
	report, err := det.ScanDatabase(ctx, s.chain.ID, 0, 20)
	require.NoError(t, err)
	assert.Empty(t, report.Gaps)
	assert.Equal(t, []uint64{18}, report.BrokenLinks)
	assert.False(t, report.Consistent())
	assert.Equal(t, []storage.Gap{{FromBlock: 17, ToBlock: 18}}, report.RefetchSpans())

	// Refetching the link moves the break down until the fork point is reached.
	for range 5 {
		if report.Consistent() {
			break
		}
		require.NoError(t, s.pool(node, 2, 1).RunGaps(ctx, report.RefetchSpans()))
		report, err = det.ScanDatabase(ctx, s.chain.ID, 0, 20)
		require.NoError(t, err)
	}
	assert.True(t, report.Consistent())
}
