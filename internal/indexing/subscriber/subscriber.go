// Package subscriber tails new chain heads over a live subscription.
//
// Each announced head is fetched and handed to the reorg reconciler, after
// first filling any heights skipped since the last one seen. Heights at or
// below the backfill end belong to the backfill pool and are left alone.
// While backfill runs, heads above its end are held and only the highest is
// applied once backfill is done, so the first streamed block is always
// checked against a stored parent.
//
// Lifecycle:
//
//	Connecting -> Streaming -> Reconciling -> Streaming
//	     |            |             |
//	     +------------+-------------+--> Failed
//
// A dropped stream returns to Connecting. Connecting gives up after
// MaxConnectAttempts consecutive failures. A fetch that exhausts its retries
// is fatal.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/metrics"
	"github.com/vietddude/chainsync/internal/indexing/reorg"
	"github.com/vietddude/chainsync/internal/infra/rpc"
)

// ErrFailed wraps the error that moved the subscriber to Failed.
var ErrFailed = errors.New("subscriber failed")

var errStreamClosed = errors.New("head stream closed")

// Config holds subscriber settings.
type Config struct {
	MaxConnectAttempts int
	ConnectDelay       time.Duration // first reconnect backoff
	GapBatch           uint64        // heights fetched per gap-fill request
	Retry              rpc.RetryConfig
}

// DefaultConfig returns default settings.
func DefaultConfig() Config {
	return Config{
		MaxConnectAttempts: 5,
		ConnectDelay:       time.Second,
		GapBatch:           100,
		Retry:              rpc.DefaultRetryConfig,
	}
}

// Applier persists a fetched block, repairing reorgs.
type Applier interface {
	Apply(ctx context.Context, b *domain.Block, source string) (reorg.Result, error)
}

// Progress reports the chain watermark.
type Progress interface {
	Last() (uint64, bool)
}

// Subscriber follows the head of one chain.
type Subscriber struct {
	cfg     Config
	chain   domain.Chain
	client  rpc.Client
	applier Applier
	wm      Progress
	floor   uint64
	cache   *rpc.HeadCache
	log     *slog.Logger

	lastStreamed uint64
	backfilled   <-chan struct{}
	held         atomic.Uint64

	mu          sync.RWMutex
	state       State
	transitions []Transition
}

// New creates a subscriber. backfillEnd is the highest height owned by the
// backfill pool.
func New(cfg Config, chain domain.Chain, client rpc.Client, applier Applier, wm Progress, backfillEnd uint64) *Subscriber {
	def := DefaultConfig()
	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if cfg.ConnectDelay <= 0 {
		cfg.ConnectDelay = def.ConnectDelay
	}
	if cfg.GapBatch == 0 {
		cfg.GapBatch = def.GapBatch
	}
	s := &Subscriber{
		cfg:     cfg,
		chain:   chain,
		client:  client,
		applier: applier,
		wm:      wm,
		floor:   backfillEnd,
		state:   StateConnecting,
		log:     slog.Default().With("component", "subscriber", "chain", chain.Label()),
	}
	if r, ok := applier.(interface{ OnRepair(func(head uint64)) }); ok {
		r.OnRepair(s.reconciling)
	}
	s.publishState()
	return s
}

// AfterBackfill holds heads above the backfill end until done is closed.
// It must be called before Run.
func (s *Subscriber) AfterBackfill(done <-chan struct{}) {
	s.backfilled = done
}

// SetHeadCache makes announced heads visible to health checks.
func (s *Subscriber) SetHeadCache(c *rpc.HeadCache) {
	s.cache = c
}

// State returns the current state.
func (s *Subscriber) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transitions returns the recorded state changes.
func (s *Subscriber) Transitions() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Transition(nil), s.transitions...)
}

func (s *Subscriber) transition(to State, reason string) {
	s.mu.Lock()
	t := NewTransition(s.state, to, reason)
	if !t.IsValid() {
		s.mu.Unlock()
		s.log.Error("Rejected state change", "from", t.From, "to", t.To, "err", ErrInvalidTransition)
		return
	}
	s.state = to
	s.transitions = append(s.transitions, t)
	s.mu.Unlock()

	s.publishState()
	s.log.Debug("State changed", "from", t.From, "to", t.To, "reason", reason)
}

func (s *Subscriber) publishState() {
	cur := s.State()
	for _, st := range States {
		v := 0.0
		if st == cur {
			v = 1
		}
		metrics.SubscriberState.WithLabelValues(s.chain.Label(), string(st)).Set(v)
	}
}

// Run streams heads until ctx is cancelled or a fatal error occurs.
// Cancellation returns nil.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		sub, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return s.fail(err)
		}
		s.transition(StateStreaming, "subscribed")
		s.log.Info("Head subscription established")

		err = s.stream(ctx, sub)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return nil
		}
		if rpc.ClassifyError(err) == rpc.ActionFatal || errors.Is(err, rpc.ErrRetriesExhausted) {
			return s.fail(err)
		}
		s.log.Warn("Head stream interrupted, reconnecting", "err", err)
		s.transition(StateConnecting, err.Error())
	}
}

func (s *Subscriber) fail(err error) error {
	s.transition(StateFailed, err.Error())
	s.log.Error("Subscriber failed", "err", err)
	return fmt.Errorf("%w: %s: %w", ErrFailed, s.chain.Label(), err)
}

func (s *Subscriber) connect(ctx context.Context) (rpc.HeadSubscription, error) {
	cfg := s.cfg.Retry
	cfg.MaxAttempts = s.cfg.MaxConnectAttempts
	cfg.InitialDelay = s.cfg.ConnectDelay
	cfg.OnRetry = func(attempt int, err error) {
		s.log.Warn("Subscribe failed", "attempt", attempt, "err", err)
	}

	var sub rpc.HeadSubscription
	err := rpc.Retry(ctx, cfg, "subscribe_heads", func(ctx context.Context) error {
		var err error
		sub, err = s.client.SubscribeHeads(ctx)
		return err
	})
	return sub, err
}

func (s *Subscriber) stream(ctx context.Context, sub rpc.HeadSubscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errStreamClosed
			}
			return err
		case <-s.backfilled:
			s.backfilled = nil
			h := s.held.Swap(0)
			s.log.Info("Backfill done, streaming resumes", "held_head", h)
			if h > s.floor {
				if err := s.handle(ctx, h); err != nil {
					return err
				}
			}
		case h, ok := <-sub.Heads():
			if !ok {
				return errStreamClosed
			}
			if s.backfilled != nil {
				s.observe(h)
				if h > s.held.Load() {
					s.held.Store(h)
				}
				continue
			}
			if err := s.handle(ctx, h); err != nil {
				return err
			}
		}
	}
}

// next returns the first height not covered by the watermark, the backfill
// range or the stream so far.
func (s *Subscriber) next() uint64 {
	base := max(s.floor, s.lastStreamed)
	if w, ok := s.wm.Last(); ok {
		base = max(base, w)
	}
	return base + 1
}

func (s *Subscriber) observe(h uint64) {
	metrics.ChainHead.WithLabelValues(s.chain.Label()).Set(float64(h))
	if s.cache != nil {
		s.cache.Observe(h)
	}
}

func (s *Subscriber) handle(ctx context.Context, h uint64) error {
	s.observe(h)
	if h <= s.floor {
		s.log.Debug("Head inside backfill range", "block", h, "backfill_end", s.floor)
		return nil
	}

	// A head at or below one already streamed is re-applied on its own: the
	// provider may have replaced it.
	if from := s.next(); from < h {
		if err := s.fill(ctx, from, h-1); err != nil {
			return err
		}
	}

	b, err := s.fetch(ctx, h)
	if err != nil {
		return err
	}
	if err := s.apply(ctx, b); err != nil {
		return err
	}
	s.lastStreamed = h
	return nil
}

// fill fetches and applies [from, to] in order.
func (s *Subscriber) fill(ctx context.Context, from, to uint64) error {
	s.log.Info("Filling gap before head", "from", from, "to", to)
	for start := from; start <= to; start += s.cfg.GapBatch {
		end := min(start+s.cfg.GapBatch-1, to)

		var blocks []*domain.Block
		err := rpc.Retry(ctx, s.cfg.Retry, fmt.Sprintf("fetch_range %d-%d", start, end), func(ctx context.Context) error {
			var err error
			blocks, err = s.client.FetchRange(ctx, start, end)
			return err
		})
		if err != nil {
			return err
		}
		for _, b := range blocks {
			if err := s.apply(ctx, b); err != nil {
				return err
			}
			s.lastStreamed = b.Number
		}
	}
	return nil
}

func (s *Subscriber) fetch(ctx context.Context, h uint64) (*domain.Block, error) {
	var b *domain.Block
	err := rpc.Retry(ctx, s.cfg.Retry, fmt.Sprintf("fetch_block %d", h), func(ctx context.Context) error {
		var err error
		b, err = s.client.FetchBlock(ctx, h)
		return err
	})
	return b, err
}

// reconciling marks a repair in progress. The reconciler calls it before
// re-fetching; apply calls it for appliers without a repair hook.
func (s *Subscriber) reconciling(head uint64) {
	if s.State() == StateStreaming {
		s.transition(StateReconciling, fmt.Sprintf("parent mismatch at %d", head))
	}
}

func (s *Subscriber) apply(ctx context.Context, b *domain.Block) error {
	res, err := s.applier.Apply(ctx, b, "subscriber")
	if err != nil {
		return err
	}
	if res.Detected {
		s.reconciling(b.Number)
	}
	if s.State() == StateReconciling {
		s.transition(StateStreaming, fmt.Sprintf("repaired %d blocks above %d", res.Depth, res.Ancestor))
	}
	return nil
}
