package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

func block(n uint64, hash, parent string) *domain.Block {
	return &domain.Block{Number: n, Hash: hash, ParentHash: parent}
}

func TestBlockRepo_UpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	repo := NewBlockRepo(store)

	require.NoError(t, repo.UpsertBlocks(ctx, 1, []*domain.Block{block(10, "0xa", "0x9"), block(11, "0xb", "0xa")}))
	require.NoError(t, repo.UpsertBlocks(ctx, 1, []*domain.Block{block(11, "0xb2", "0xa")}))

	got, err := repo.GetByNumber(ctx, 1, 11)
	require.NoError(t, err)
	assert.Equal(t, "0xb2", got.Hash)
	assert.Equal(t, uint64(1), got.ChainID)

	n, err := repo.Count(ctx, 1, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	missing, err := repo.GetByNumber(ctx, 2, 11)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBlockRepo_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewBlockRepo(NewMemoryStorage())
	b := block(5, "0x5", "0x4")
	require.NoError(t, repo.UpsertBlocks(ctx, 1, []*domain.Block{b}))
	b.Hash = "mutated"

	got, _ := repo.GetByNumber(ctx, 1, 5)
	assert.Equal(t, "0x5", got.Hash)
}

func TestBlockRepo_FindGaps(t *testing.T) {
	ctx := context.Background()
	repo := NewBlockRepo(NewMemoryStorage())
	for _, n := range []uint64{3, 4, 7, 10} {
		require.NoError(t, repo.UpsertBlocks(ctx, 1, []*domain.Block{block(n, "h", "p")}))
	}

	gaps, err := repo.FindGaps(ctx, 1, 1, 12)
	require.NoError(t, err)
	assert.Equal(t, []storage.Gap{
		{FromBlock: 1, ToBlock: 2},
		{FromBlock: 5, ToBlock: 6},
		{FromBlock: 8, ToBlock: 9},
		{FromBlock: 11, ToBlock: 12},
	}, gaps)

	latest, err := repo.GetLatest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), latest.Number)
}

func TestWatermarkRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewWatermarkRepo(NewMemoryStorage())

	_, ok, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.Set(ctx, 1, 100))
	require.NoError(t, repo.Set(ctx, 137, 7))
	h, ok, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(100), h)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, uint64(1), all[0].ChainID)
}

func TestBlockRepo_FindBrokenLinks(t *testing.T) {
	ctx := context.Background()
	repo := NewBlockRepo(NewMemoryStorage())
	require.NoError(t, repo.UpsertBlocks(ctx, 1, []*domain.Block{
		block(0, "0x0", ""),
		block(1, "0x1", "0x0"),
		block(2, "0x2", "0xother"),
		block(3, "0x3", "0x2"),
		block(5, "0x5", "0x4"), // 4 missing, not a broken link
		block(6, "0x6", "0x5b"),
	}))

	broken, err := repo.FindBrokenLinks(ctx, 1, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 6}, broken)

	broken, err = repo.FindBrokenLinks(ctx, 1, 3, 5)
	require.NoError(t, err)
	assert.Empty(t, broken)
}
