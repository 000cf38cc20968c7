package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to REDIS_TEST_URL or skips.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	c, err := NewClient(Config{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLeaseKey(t *testing.T) {
	assert.Equal(t, "chainsync:lease:mainnet", leaseKey("mainnet"))
}

func TestConfigEnabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{URL: "redis://localhost:6379/0"}.Enabled())
}

func TestNewClient_BadURL(t *testing.T) {
	_, err := NewClient(Config{URL: "not a url"})
	require.Error(t, err)
}

func TestLease_Exclusive(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	chain := "test-" + time.Now().Format("150405.000000")

	first, err := c.AcquireLease(ctx, chain, time.Minute)
	require.NoError(t, err)
	defer c.ReleaseLease(ctx, first)

	_, err = c.AcquireLease(ctx, chain, time.Minute)
	require.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, c.RefreshLease(ctx, first))
	require.NoError(t, c.ReleaseLease(ctx, first))
	require.ErrorIs(t, c.RefreshLease(ctx, first), ErrLeaseLost)

	second, err := c.AcquireLease(ctx, chain, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token(), second.Token())
	require.NoError(t, c.ReleaseLease(ctx, second))
}
