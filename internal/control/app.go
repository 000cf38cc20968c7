// Package control wires configuration, storage, RPC clients and the
// indexing components into a running application.
//
// Every configured chain gets an Ingestor running a backfill pool and a live
// subscriber as two supervised tasks. Chains are independent: a fatal error
// stops only its own chain. App.Wait reports the first such error once all
// chains have stopped.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainsync/internal/core/config"
	"github.com/vietddude/chainsync/internal/indexing/health"
	redisclient "github.com/vietddude/chainsync/internal/infra/redis"
	"github.com/vietddude/chainsync/internal/infra/rpc"
	"github.com/vietddude/chainsync/internal/infra/rpc/evm"
)

// ClientFactory opens an RPC client for a resolved chain.
type ClientFactory func(ctx context.Context, rc config.ResolvedChain) (rpc.Client, error)

// DialEVM is the default ClientFactory.
func DialEVM(ctx context.Context, rc config.ResolvedChain) (rpc.Client, error) {
	return evm.Dial(ctx, evm.Config{
		Chain:    rc.Chain,
		Provider: rc.Provider,
		Timeout:  rc.Config.RPCTimeout,
	})
}

// Option customizes an App.
type Option func(*App)

// WithClientFactory replaces the RPC client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(a *App) { a.dial = f }
}

// WithStorage uses st instead of opening the configured database.
func WithStorage(st *Storage) Option {
	return func(a *App) { a.store = st }
}

// App is the main application struct that manages the ingestion lifecycle.
type App struct {
	cfg    *config.AppConfig
	chains []config.ResolvedChain
	dial   ClientFactory
	store  *Storage
	redis  *redisclient.Client
	runID  string

	ingestors    []*Ingestor
	clients      []rpc.Client
	leases       []*redisclient.Lease
	healthServer *health.Server

	cancel context.CancelFunc
	group  errgroup.Group
	log    *slog.Logger
}

// New validates cfg and opens storage. Configuration errors are returned
// before anything connects to a chain.
func New(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*App, error) {
	chains, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	a := &App{
		cfg:    cfg,
		chains: chains,
		dial:   DialEVM,
		runID:  runID,
		log:    slog.Default().With("component", "app", "run_id", runID),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.store == nil {
		a.store, err = OpenStorage(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Redis.Enabled() {
		a.redis, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			_ = a.store.Close()
			return nil, err
		}
	}
	return a, nil
}

// Ingestors returns the per-chain ingestors, available after Start.
func (a *App) Ingestors() []*Ingestor {
	return a.ingestors
}

// Start dials every chain, takes the chain leases and launches ingestion.
// It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	probes := make([]health.ChainProbe, 0, len(a.chains))
	leases := make([]*redisclient.Lease, len(a.chains))
	for n, rc := range a.chains {
		if a.redis != nil {
			lease, err := a.redis.AcquireLease(ctx, rc.Chain.Label(), a.cfg.Redis.LeaseTTL)
			if err != nil {
				a.abort()
				return err
			}
			a.leases = append(a.leases, lease)
			leases[n] = lease
		}

		client, err := a.dial(ctx, rc)
		if err != nil {
			a.abort()
			return fmt.Errorf("dial %s: %w", rc.Chain.Label(), err)
		}
		a.clients = append(a.clients, client)

		ing := NewIngestor(rc, client, a.store)
		a.ingestors = append(a.ingestors, ing)
		probes = append(probes, ing)
	}

	a.healthServer = health.NewServer(health.NewMonitor(probes, 10*time.Second), a.cfg.Server.Port)
	go func() {
		if err := a.healthServer.Start(); err != nil {
			a.log.Error("Health server failed", "err", err)
		}
	}()
	a.store.StartMetricsCollector(ctx)

	for n, ing := range a.ingestors {
		a.group.Go(func() error { return a.runChain(ctx, ing, leases[n]) })
	}

	a.log.Info("Chainsync started", "chains", len(a.chains))
	return nil
}

// runChain runs one ingestor, stopping it if its lease is lost.
func (a *App) runChain(ctx context.Context, ing *Ingestor, lease *redisclient.Lease) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	leaseErr := make(chan error, 1)
	if lease != nil {
		go func() {
			if err := lease.Keep(ctx); err != nil {
				leaseErr <- err
				cancel()
			}
		}()
	}

	err := ing.Run(ctx)
	select {
	case lerr := <-leaseErr:
		err = lerr
		ing.stopped(err)
	default:
	}
	if err != nil {
		a.log.Error("Chain stopped", "chain", ing.chain.Label(), "err", err)
		return fmt.Errorf("%s: %w", ing.chain.Label(), err)
	}
	return nil
}

func (a *App) abort() {
	a.cancel()
	a.releaseLeases()
	for _, c := range a.clients {
		c.Close()
	}
}

// Wait blocks until every chain has stopped and returns the first fatal error.
func (a *App) Wait() error {
	return a.group.Wait()
}

// Stop cancels ingestion, waits for it to drain and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping chainsync...")
	if a.cancel != nil {
		a.cancel()
	}
	waitErr := a.group.Wait()

	var errs []error
	if a.healthServer != nil {
		errs = append(errs, a.healthServer.Stop(ctx))
	}
	a.releaseLeases()
	for _, c := range a.clients {
		c.Close()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.store.Close())

	if err := errors.Join(errs...); err != nil {
		a.log.Warn("Shutdown incomplete", "err", err)
	}
	return waitErr
}

func (a *App) releaseLeases() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, l := range a.leases {
		if err := a.redis.ReleaseLease(ctx, l); err != nil {
			a.log.Warn("Failed to release lease", "err", err)
		}
	}
	a.leases = nil
}
