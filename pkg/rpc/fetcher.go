// Package rpc fetches contract logs and chain height from one or more Ethereum JSON-RPC endpoints.
package rpc

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/indexer"
)

// LogSource is the subset of *ethclient.Client the fetcher needs.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Opts is the set of options for a new Fetcher.
type Opts struct {
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
}

func (o *Opts) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 2 * o.RPS
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}
}

type endpoint struct {
	name   string
	source LogSource
}

// Fetcher bounds every call with a timeout and a shared rate limit and fails over between endpoints
// with a per-endpoint circuit breaker. It never retries an endpoint within a call; all failures are
// reported as faults.ErrTransientSource.
type Fetcher struct {
	endpoints []endpoint
	opts      Opts
	limiter   *rate.Limiter

	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time
	now      func() time.Time
}

var _ indexer.LogFetcher = (*Fetcher)(nil)

// NewFetcher wraps a single log source.
func NewFetcher(name string, source LogSource, opts Opts) *Fetcher {
	return newFetcher([]endpoint{{name: name, source: source}}, opts)
}

func newFetcher(endpoints []endpoint, opts Opts) *Fetcher {
	opts.defaults()
	return &Fetcher{
		endpoints: endpoints,
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		failures:  map[string]int{},
		opened:    map[string]time.Time{},
		now:       time.Now,
	}
}

// Dial connects to every url. Endpoints are tried in order on each call.
func Dial(ctx context.Context, urls []string, opts Opts) (*Fetcher, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no rpc endpoints configured")
	}
	endpoints := make([]endpoint, 0, len(urls))
	for _, url := range urls {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		endpoints = append(endpoints, endpoint{name: url, source: client})
	}
	return newFetcher(endpoints, opts), nil
}

// isOpen returns true while the endpoint's breaker is tripped.
func (f *Fetcher) isOpen(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.opened[name]
	if !ok {
		return false
	}
	if f.now().After(until) {
		delete(f.opened, name)
		f.failures[name] = 0
		return false
	}
	return true
}

func (f *Fetcher) noteFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[name]++
	if f.failures[name] >= f.opts.BreakerFailures {
		f.opened[name] = f.now().Add(f.opts.BreakerCooldown)
	}
}

func (f *Fetcher) noteSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[name] = 0
}

func (f *Fetcher) do(ctx context.Context, op string, call func(context.Context, LogSource) error) error {
	var lastErr error
	for _, ep := range f.endpoints {
		if f.isOpen(ep.name) {
			continue
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return faults.Transient(op, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
		err := call(callCtx, ep.source)
		cancel()
		if err == nil {
			f.noteSuccess(ep.name)
			return nil
		}
		lastErr = fmt.Errorf("%s: %w", ep.name, err)
		f.noteFailure(ep.name)
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all %d endpoints unavailable", len(f.endpoints))
	}
	return faults.Transient(op, lastErr)
}

// ChainHeight returns the latest block number.
func (f *Fetcher) ChainHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := f.do(ctx, "block number", func(ctx context.Context, src LogSource) error {
		h, err := src.BlockNumber(ctx)
		height = h
		return err
	})
	return height, err
}

// Logs returns the contract's logs in [from, to], dropping logs marked removed by a reorg.
func (f *Fetcher) Logs(ctx context.Context, contract common.Address, from, to uint64) ([]indexer.RawLog, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contract},
	}
	var logs []types.Log
	err := f.do(ctx, fmt.Sprintf("filter logs %d-%d", from, to), func(ctx context.Context, src LogSource) error {
		out, err := src.FilterLogs(ctx, q)
		logs = out
		return err
	})
	if err != nil {
		return nil, err
	}

	raw := make([]indexer.RawLog, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		topics := make([][32]byte, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = t
		}
		raw = append(raw, indexer.RawLog{
			TxHash:      l.TxHash,
			BlockNumber: l.BlockNumber,
			LogIndex:    l.Index,
			Topics:      topics,
			Data:        l.Data,
		})
	}
	return raw, nil
}
