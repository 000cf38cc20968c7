// Package rpctest provides an in-process simulated chain implementing
// rpc.Client, for tests that need a canonical chain with forks, failures
// and head announcements.
package rpctest

import (
	"context"
	"fmt"
	"sync"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/rpc"
)

// Chain is a simulated node. The zero value is not usable; call NewChain.
type Chain struct {
	chainID uint64

	mu     sync.Mutex
	blocks []*domain.Block // index == height
	salt   int

	// FailRange, when set, is consulted before every FetchRange.
	FailRange func(start, end uint64) error
	// AfterRange, when set, runs after FetchRange has read its blocks and
	// before it returns them, so callers can hold a batch in flight.
	AfterRange func(start, end uint64)
	// FailSubscribe, when set, is consulted before every SubscribeHeads.
	FailSubscribe func() error

	rangeCalls int
	blockCalls int
	subs       []*Subscription
}

// NewChain creates a chain with heights 0..head.
func NewChain(chainID, head uint64) *Chain {
	c := &Chain{chainID: chainID}
	c.mu.Lock()
	c.extendLocked(head)
	c.mu.Unlock()
	return c
}

// HashOf builds a deterministic hash for height under fork salt.
func HashOf(height uint64, salt int) string {
	return fmt.Sprintf("0x%056x%08x", height, salt)
}

func (c *Chain) extendLocked(head uint64) {
	for h := uint64(len(c.blocks)); h <= head; h++ {
		parent := ""
		if h > 0 {
			parent = c.blocks[h-1].Hash
		}
		c.blocks = append(c.blocks, &domain.Block{
			ChainID:    c.chainID,
			Number:     h,
			Hash:       HashOf(h, c.salt),
			ParentHash: parent,
			Timestamp:  1_700_000_000 + h*12,
			TxCount:    int(h % 7),
			Payload:    []byte(fmt.Sprintf(`{"number":"0x%x"}`, h)),
		})
	}
}

// Extend grows the chain to head without announcing it.
func (c *Chain) Extend(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extendLocked(head)
}

// Reorg replaces every height >= from with a new branch and grows it to
// head. Heights below from are kept.
func (c *Chain) Reorg(from, head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.salt++
	if from < uint64(len(c.blocks)) {
		c.blocks = c.blocks[:from]
	}
	c.extendLocked(head)
}

// Block returns a copy of the canonical block at height, or nil.
func (c *Chain) Block(height uint64) *domain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height >= uint64(len(c.blocks)) {
		return nil
	}
	return clone(c.blocks[height])
}

// Announce pushes head to every live subscription.
func (c *Chain) Announce(head uint64) {
	c.mu.Lock()
	subs := append([]*Subscription(nil), c.subs...)
	c.mu.Unlock()
	for _, s := range subs {
		s.push(head)
	}
}

// DropSubscriptions fails every live subscription with err.
func (c *Chain) DropSubscriptions(err error) {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.fail(err)
	}
}

// Calls reports FetchRange and FetchBlock call counts.
func (c *Chain) Calls() (ranges, blocks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rangeCalls, c.blockCalls
}

// Subscribers reports the number of live subscriptions.
func (c *Chain) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func clone(b *domain.Block) *domain.Block {
	cp := *b
	cp.Payload = append([]byte(nil), b.Payload...)
	return &cp
}

// --- rpc.Client ---

func (c *Chain) LastBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.blocks) - 1), nil
}

func (c *Chain) FetchBlock(ctx context.Context, height uint64) (*domain.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockCalls++
	if height >= uint64(len(c.blocks)) {
		return nil, fmt.Errorf("%w: height %d", domain.ErrRPCNotFound, height)
	}
	return clone(c.blocks[height]), nil
}

func (c *Chain) FetchRange(ctx context.Context, start, end uint64) ([]*domain.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.rangeCalls++
	fail := c.FailRange
	c.mu.Unlock()
	if fail != nil {
		if err := fail(start, end); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	if end >= uint64(len(c.blocks)) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: height %d", domain.ErrRPCNotFound, end)
	}
	out := make([]*domain.Block, 0, end-start+1)
	for h := start; h <= end; h++ {
		out = append(out, clone(c.blocks[h]))
	}
	after := c.AfterRange
	c.mu.Unlock()

	if after != nil {
		after(start, end)
	}
	return out, rpc.CheckRange(out, start, end)
}

func (c *Chain) SubscribeHeads(ctx context.Context) (rpc.HeadSubscription, error) {
	c.mu.Lock()
	fail := c.FailSubscribe
	c.mu.Unlock()
	if fail != nil {
		if err := fail(); err != nil {
			return nil, err
		}
	}

	s := &Subscription{
		heads: make(chan uint64, 256),
		errc:  make(chan error, 1),
		quit:  make(chan struct{}),
	}
	s.onClose = func() { c.remove(s) }
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return s, nil
}

func (c *Chain) Close() {}

func (c *Chain) remove(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.subs {
		if x == s {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// Subscription is a simulated head subscription.
type Subscription struct {
	heads   chan uint64
	errc    chan error
	quit    chan struct{}
	once    sync.Once
	onClose func()
}

func (s *Subscription) Heads() <-chan uint64 { return s.heads }
func (s *Subscription) Err() <-chan error    { return s.errc }

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.onClose()
	})
}

func (s *Subscription) push(h uint64) {
	select {
	case s.heads <- h:
	case <-s.quit:
	}
}

func (s *Subscription) fail(err error) {
	select {
	case s.errc <- err:
	default:
	}
}

var _ rpc.Client = (*Chain)(nil)
