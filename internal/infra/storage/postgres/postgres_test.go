package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

const testChainID = 990001

// setupTestDB connects to CHAINSYNC_TEST_DB_URL, migrates and clears the test chain.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("CHAINSYNC_TEST_DB_URL")
	if url == "" {
		t.Skip("Skipping postgres test. Set CHAINSYNC_TEST_DB_URL to run.")
	}

	ctx := context.Background()
	db, err := NewDB(ctx, Config{URL: url, Name: "chainsync_test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate())
	require.NoError(t, db.Health(ctx))

	_, err = db.ExecContext(ctx, `DELETE FROM blocks WHERE chain_id = $1`, testChainID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM watermarks WHERE chain_id = $1`, testChainID)
	require.NoError(t, err)
	return db
}

func testBlocks(from, to uint64, salt int) []*domain.Block {
	var out []*domain.Block
	for h := from; h <= to; h++ {
		out = append(out, &domain.Block{
			ChainID:    testChainID,
			Number:     h,
			Hash:       fmt.Sprintf("0x%d-%d", h, salt),
			ParentHash: fmt.Sprintf("0x%d-%d", h-1, salt),
			Timestamp:  1_700_000_000 + h*12,
			TxCount:    int(h % 7),
			Payload:    []byte(fmt.Sprintf(`{"number":%d}`, h)),
		})
	}
	return out
}

func TestBlockRepo_UpsertAndRead(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBlockRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.UpsertBlocks(ctx, testChainID, testBlocks(1, 10, 0)))

	b, err := repo.GetByNumber(ctx, testChainID, 5)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "0x5-0", b.Hash)
	assert.Equal(t, "0x4-0", b.ParentHash)
	assert.JSONEq(t, `{"number":5}`, string(b.Payload))

	missing, err := repo.GetByNumber(ctx, testChainID, 50)
	require.NoError(t, err)
	assert.Nil(t, missing)

	latest, err := repo.GetLatest(ctx, testChainID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), latest.Number)

	// Replacing a suffix overwrites in place.
	require.NoError(t, repo.UpsertBlocks(ctx, testChainID, testBlocks(8, 10, 1)))
	b, err = repo.GetByNumber(ctx, testChainID, 9)
	require.NoError(t, err)
	assert.Equal(t, "0x9-1", b.Hash)

	n, err := repo.Count(ctx, testChainID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestBlockRepo_FindGaps(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBlockRepo(db)
	ctx := context.Background()

	blocks := append(testBlocks(3, 5, 0), testBlocks(9, 10, 0)...)
	require.NoError(t, repo.UpsertBlocks(ctx, testChainID, blocks))

	gaps, err := repo.FindGaps(ctx, testChainID, 1, 12)
	require.NoError(t, err)
	assert.Equal(t, []storage.Gap{
		{FromBlock: 1, ToBlock: 2},
		{FromBlock: 6, ToBlock: 8},
		{FromBlock: 11, ToBlock: 12},
	}, gaps)
}

func TestBlockRepo_FindBrokenLinks(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBlockRepo(db)
	ctx := context.Background()

	blocks := testBlocks(1, 10, 0)
	blocks[4].ParentHash = "0xstale" // height 5
	require.NoError(t, repo.UpsertBlocks(ctx, testChainID, blocks))

	broken, err := repo.FindBrokenLinks(ctx, testChainID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, broken)

	// The link below fromBlock is still checked.
	broken, err = repo.FindBrokenLinks(ctx, testChainID, 5, 6)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, broken)

	broken, err = repo.FindBrokenLinks(ctx, testChainID, 6, 10)
	require.NoError(t, err)
	assert.Empty(t, broken)
}

func TestWatermarkRepo(t *testing.T) {
	db := setupTestDB(t)
	repo := NewWatermarkRepo(db)
	ctx := context.Background()

	_, ok, err := repo.Get(ctx, testChainID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.Set(ctx, testChainID, 42))
	require.NoError(t, repo.Set(ctx, testChainID, 43))

	h, ok, err := repo.Get(ctx, testChainID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(43), h)

	marks, err := repo.List(ctx)
	require.NoError(t, err)
	var found bool
	for _, m := range marks {
		if m.ChainID == testChainID {
			found = true
			assert.Equal(t, uint64(43), m.LastSyncedBlock)
		}
	}
	assert.True(t, found)
}
