package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/metrics"
	"github.com/vietddude/chainsync/internal/infra/rpc"
)

const (
	defaultTimeout = 10 * time.Second
	// maxBatch bounds the number of requests in one JSON-RPC batch.
	maxBatch = 100
)

// Config holds settings for one EVM client.
type Config struct {
	Chain    domain.Chain
	Provider domain.Provider
	Timeout  time.Duration
}

// Client implements rpc.Client on top of go-ethereum's JSON-RPC client.
type Client struct {
	chain    domain.Chain
	provider domain.Provider
	timeout  time.Duration

	http *gethrpc.Client

	wsMu sync.Mutex
	ws   *gethrpc.Client

	monitor *rpc.Monitor
	log     *slog.Logger
}

var _ rpc.Client = (*Client)(nil)

// Dial connects the HTTP endpoint. The WebSocket endpoint is dialed on the
// first SubscribeHeads call.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if !cfg.Provider.Valid() {
		return nil, fmt.Errorf("%w: invalid provider for %s", domain.ErrConfig, cfg.Chain.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	httpClient, err := gethrpc.DialContext(ctx, cfg.Provider.HTTPURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial http: %w", domain.ErrRPCUnavailable, err)
	}

	return &Client{
		chain:    cfg.Chain,
		provider: cfg.Provider,
		timeout:  cfg.Timeout,
		http:     httpClient,
		monitor:  rpc.NewMonitor(),
		log: slog.Default().With(
			"component", "rpc",
			"chain", cfg.Chain.Label(),
			"provider", cfg.Provider.Name,
		),
	}, nil
}

// Monitor exposes call statistics.
func (c *Client) Monitor() *rpc.Monitor {
	return c.monitor
}

// ChainID queries eth_chainId.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	var raw json.RawMessage
	if err := c.call(ctx, &raw, "eth_chainId"); err != nil {
		return 0, err
	}
	return decodeQuantity(raw)
}

// LastBlock returns the provider's head height.
func (c *Client) LastBlock(ctx context.Context) (uint64, error) {
	var raw json.RawMessage
	if err := c.call(ctx, &raw, "eth_blockNumber"); err != nil {
		return 0, err
	}
	head, err := decodeQuantity(raw)
	if err != nil {
		return 0, err
	}
	metrics.ChainHead.WithLabelValues(c.chain.Label()).Set(float64(head))
	return head, nil
}

// FetchBlock fetches one block by height.
func (c *Client) FetchBlock(ctx context.Context, height uint64) (*domain.Block, error) {
	var raw json.RawMessage
	if err := c.call(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(height), false); err != nil {
		return nil, fmt.Errorf("block %d: %w", height, err)
	}
	return decodeBlock(c.chain.ID, height, raw)
}

// FetchRange fetches [start, end] with JSON-RPC batches.
func (c *Client) FetchRange(ctx context.Context, start, end uint64) ([]*domain.Block, error) {
	if end < start {
		return nil, fmt.Errorf("invalid range %d-%d", start, end)
	}

	blocks := make([]*domain.Block, 0, end-start+1)
	for from := start; from <= end; from += maxBatch {
		to := min(from+maxBatch-1, end)
		part, err := c.fetchBatch(ctx, from, to)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, part...)
		if to == end {
			break
		}
	}

	if err := rpc.CheckRange(blocks, start, end); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (c *Client) fetchBatch(ctx context.Context, from, to uint64) ([]*domain.Block, error) {
	n := int(to - from + 1)
	raws := make([]json.RawMessage, n)
	elems := make([]gethrpc.BatchElem, n)
	for i := range elems {
		elems[i] = gethrpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []any{hexutil.EncodeUint64(from + uint64(i)), false},
			Result: &raws[i],
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	method := "eth_getBlockByNumber_batch"
	start := time.Now()
	err := c.http.BatchCallContext(ctx, elems)
	if err != nil {
		err = classify(ctx, err)
		c.observe(method, start, err)
		return nil, fmt.Errorf("batch %d-%d: %w", from, to, err)
	}

	blocks := make([]*domain.Block, n)
	for i, elem := range elems {
		height := from + uint64(i)
		if elem.Error != nil {
			err := classify(ctx, elem.Error)
			c.observe(method, start, err)
			return nil, fmt.Errorf("block %d: %w", height, err)
		}
		b, err := decodeBlock(c.chain.ID, height, raws[i])
		if err != nil {
			c.observe(method, start, err)
			return nil, err
		}
		blocks[i] = b
	}
	c.observe(method, start, nil)
	return blocks, nil
}

// SubscribeHeads opens a newHeads subscription over WebSocket.
func (c *Client) SubscribeHeads(ctx context.Context) (rpc.HeadSubscription, error) {
	ws, err := c.websocket(ctx)
	if err != nil {
		return nil, err
	}

	headers := make(chan *types.Header, 64)
	sub, err := ethclient.NewClient(ws).SubscribeNewHead(ctx, headers)
	if err != nil {
		c.dropWebsocket(ws)
		c.monitor.RecordFailure(0, err)
		return nil, fmt.Errorf("%w: subscribe newHeads: %w", domain.ErrRPCUnavailable, err)
	}

	c.log.Info("Subscribed to new heads")
	s := newHeadSubscription(sub, headers, func() { c.dropWebsocket(ws) })
	go s.loop()
	return s, nil
}

func (c *Client) websocket(ctx context.Context) (*gethrpc.Client, error) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != nil {
		return c.ws, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ws, err := gethrpc.DialContext(dialCtx, c.provider.WSURL)
	if err != nil {
		c.monitor.RecordFailure(0, err)
		return nil, fmt.Errorf("%w: dial websocket: %w", domain.ErrRPCUnavailable, err)
	}
	c.ws = ws
	return ws, nil
}

// dropWebsocket closes a failed connection so the next subscription redials.
func (c *Client) dropWebsocket(ws *gethrpc.Client) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == ws {
		c.ws = nil
	}
	ws.Close()
}

// Close releases all connections.
func (c *Client) Close() {
	c.wsMu.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.wsMu.Unlock()
	c.http.Close()
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.http.CallContext(ctx, result, method, args...)
	if err != nil {
		err = fmt.Errorf("%s: %w", method, classify(ctx, err))
	}
	c.observe(method, start, err)
	return err
}

func (c *Client) observe(method string, start time.Time, err error) {
	latency := time.Since(start)
	chain, provider := c.chain.Label(), c.provider.Name

	metrics.RPCCallsTotal.WithLabelValues(chain, provider, method).Inc()
	metrics.RPCLatency.WithLabelValues(chain, provider, method).Observe(latency.Seconds())
	if err == nil {
		c.monitor.RecordSuccess(latency)
		return
	}
	metrics.RPCErrorsTotal.WithLabelValues(chain, provider, rpc.ErrorClass(err)).Inc()
	c.monitor.RecordFailure(latency, err)
}

// classify maps transport and node errors onto the domain taxonomy.
// Cancellation of the caller's context is passed through untouched.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: timeout: %w", domain.ErrRPCUnavailable, err)
	}

	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: node error %d: %s", domain.ErrRPCUnavailable, rpcErr.ErrorCode(), rpcErr.Error())
	}

	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Errorf("%w: http %d: %s", domain.ErrRPCUnavailable, httpErr.StatusCode, httpErr.Status)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf("%w: %w", domain.ErrRPCMalformedResponse, err)
	}

	return fmt.Errorf("%w: %w", domain.ErrRPCUnavailable, err)
}
