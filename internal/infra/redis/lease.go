package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLeaseHeld is returned when another process owns the chain.
	ErrLeaseHeld = errors.New("chain lease held by another process")

	// ErrLeaseLost is returned when the lease expired or was taken over.
	ErrLeaseLost = errors.New("chain lease lost")
)

// Only the owner may extend or delete a lease.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Lease is an exclusive claim on one chain.
type Lease struct {
	client *Client
	chain  string
	token  string
	ttl    time.Duration
}

// Token identifies the owning process.
func (l *Lease) Token() string {
	return l.token
}

// AcquireLease claims chain for ttl. It fails with ErrLeaseHeld when another
// process owns it.
func (c *Client) AcquireLease(ctx context.Context, chain string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, leaseKey(chain), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		owner, _ := c.rdb.Get(ctx, leaseKey(chain)).Result()
		return nil, fmt.Errorf("%w: %s (owner %s)", ErrLeaseHeld, chain, owner)
	}
	return &Lease{client: c, chain: chain, token: token, ttl: ttl}, nil
}

// RefreshLease extends the TTL of a lease still owned by l.
func (c *Client) RefreshLease(ctx context.Context, l *Lease) error {
	n, err := refreshScript.Run(ctx, c.rdb, []string{leaseKey(l.chain)}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lease %s: %w", l.chain, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.chain)
	}
	return nil
}

// ReleaseLease deletes the lease if l still owns it.
func (c *Client) ReleaseLease(ctx context.Context, l *Lease) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{leaseKey(l.chain)}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.chain, err)
	}
	return nil
}

// Keep refreshes the lease every ttl/3 until ctx is done. It returns
// ErrLeaseLost if ownership is lost.
func (l *Lease) Keep(ctx context.Context) error {
	ticker := time.NewTicker(max(l.ttl/3, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := l.client.RefreshLease(ctx, l)
			switch {
			case err == nil:
			case errors.Is(err, ErrLeaseLost):
				return err
			case ctx.Err() != nil:
				return nil
			default:
				slog.Warn("Lease refresh failed", "chain", l.chain, "err", err)
			}
		}
	}
}
