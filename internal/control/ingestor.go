package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainsync/internal/core/config"
	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/watermark"
	"github.com/vietddude/chainsync/internal/indexing/backfill"
	"github.com/vietddude/chainsync/internal/indexing/reorg"
	"github.com/vietddude/chainsync/internal/indexing/subscriber"
	"github.com/vietddude/chainsync/internal/infra/rpc"
)

// headCacheTTL bounds how stale the head reported by health checks may be.
const headCacheTTL = 3 * time.Second

// Ingestor drives the pipeline for one chain: a backfill pool up to the head
// seen at startup and a live subscriber above it.
type Ingestor struct {
	rc     config.ResolvedChain
	chain  domain.Chain
	client rpc.Client
	store  *Storage
	wm     *watermark.Manager
	heads  *rpc.HeadCache
	log    *slog.Logger

	sub          atomic.Pointer[subscriber.Subscriber]
	backfillDone atomic.Bool
	stopErr      atomic.Pointer[error]
}

// NewIngestor creates an ingestor for a resolved chain.
func NewIngestor(rc config.ResolvedChain, client rpc.Client, store *Storage) *Ingestor {
	return &Ingestor{
		rc:     rc,
		chain:  rc.Chain,
		client: client,
		store:  store,
		wm:     watermark.NewManager(rc.Chain, store.Watermarks),
		heads:  rpc.NewHeadCache(client, headCacheTTL),
		log:    slog.Default().With("component", "ingestor", "chain", rc.Chain.Label()),
	}
}

// Run ingests until ctx is cancelled or a fatal error stops the chain.
// Cancellation returns nil.
func (i *Ingestor) Run(ctx context.Context) error {
	err := i.run(ctx)
	if err != nil {
		i.stopped(err)
	}
	return err
}

// stopped records the error that ended the chain for health checks.
func (i *Ingestor) stopped(err error) {
	i.stopErr.CompareAndSwap(nil, &err)
}

func (i *Ingestor) run(ctx context.Context) error {
	cfg := i.rc.Config
	i.checkChainID(ctx)

	if _, _, err := i.wm.Load(ctx, cfg.InitialBlock); err != nil {
		return err
	}

	var head uint64
	err := rpc.Retry(ctx, cfg.Retry, "last_block", func(ctx context.Context) error {
		var err error
		head, err = i.client.LastBlock(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	i.heads.Observe(head)

	start := i.wm.Next()
	i.log.Info("Starting ingestion",
		"head", head, "backfill_start", start, "backfill_end", head,
		"provider", i.rc.Provider.Name)

	trigger, err := reorg.ParseTrigger(cfg.ReorgTrigger)
	if err != nil {
		return err
	}
	rec := reorg.NewReconciler(reorg.Config{
		Trigger:      trigger,
		RecheckEvery: cfg.RecheckEvery,
		Retry:        cfg.Retry,
	}, i.chain, i.client, i.store.Blocks, i.wm)

	sub := subscriber.New(subscriber.Config{
		MaxConnectAttempts: cfg.MaxConnectAttempts,
		ConnectDelay:       cfg.Retry.InitialDelay,
		GapBatch:           cfg.BatchSize,
		Retry:              cfg.Retry,
	}, i.chain, i.client, rec, i.wm, head)
	sub.SetHeadCache(i.heads)
	backfilled := make(chan struct{})
	sub.AfterBackfill(backfilled)
	i.sub.Store(sub)

	pool := backfill.New(backfill.Config{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Retry:     cfg.Retry,
	}, i.chain, i.client, i.store.Blocks, i.wm)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := pool.Run(gctx, start, head); err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
		i.backfillDone.Store(true)
		close(backfilled)
		i.log.Info("Backfill complete, subscriber running", "watermark", head)
		return nil
	})
	g.Go(func() error {
		if err := sub.Run(gctx); err != nil {
			return fmt.Errorf("subscriber: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		return nil
	}
	return err
}

// checkChainID warns when the provider serves a different chain than the
// registry entry.
func (i *Ingestor) checkChainID(ctx context.Context) {
	ider, ok := i.client.(interface {
		ChainID(ctx context.Context) (uint64, error)
	})
	if !ok {
		return
	}
	id, err := ider.ChainID(ctx)
	if err != nil {
		i.log.Warn("Could not read chain id", "err", err)
		return
	}
	if id != i.chain.ID {
		i.log.Warn("Provider chain id differs from registry", "provider_chain_id", id, "registry_chain_id", i.chain.ID)
	}
}

// --- health.ChainProbe ---

func (i *Ingestor) Chain() domain.Chain { return i.chain }

func (i *Ingestor) Head(ctx context.Context) (uint64, error) { return i.heads.LastBlock(ctx) }

func (i *Ingestor) Lag(head uint64) uint64 { return i.wm.Lag(head) }

func (i *Ingestor) Watermark() (uint64, bool) { return i.wm.Last() }

func (i *Ingestor) BackfillDone() bool { return i.backfillDone.Load() }

func (i *Ingestor) SubscriberState() string {
	if sub := i.sub.Load(); sub != nil {
		return string(sub.State())
	}
	return "starting"
}

func (i *Ingestor) Stopped() error {
	if p := i.stopErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (i *Ingestor) RPCStats() rpc.MonitorStats {
	if m, ok := i.client.(interface{ Monitor() *rpc.Monitor }); ok {
		return m.Monitor().Stats()
	}
	return rpc.MonitorStats{}
}
