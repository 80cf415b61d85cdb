// Package indexer ingests contract events behind a confirmation depth and persists them
// idempotently, advancing a durable checkpoint only after a window is fully stored.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/metrics"
)

const (
	DefaultConfirmations = 3
	DefaultMaxWindow     = 1000
	DefaultPollInterval  = 12 * time.Second
)

// ErrCycleInProgress is returned when IndexNewEvents is called while another cycle is running.
var ErrCycleInProgress = errors.New("indexing cycle already in progress")

type Config struct {
	Contract      common.Address
	StartBlock    uint64
	Confirmations uint64
	MaxWindow     uint64
}

// Status is a point-in-time view of the indexer for health reporting.
type Status struct {
	LastIndexed uint64    `json:"last_indexed"`
	LastHeight  uint64    `json:"last_height"`
	LastCycleAt time.Time `json:"last_cycle_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Indexer runs bounded indexing cycles. It is the sole writer of its checkpoint.
type Indexer struct {
	logger      *zap.Logger
	cfg         Config
	fetcher     LogFetcher
	registry    *Registry
	events      EventStore
	checkpoints CheckpointStore
	projectors  []Projector

	cycle sync.Mutex

	mu     sync.RWMutex
	last   uint64
	loaded bool
	status Status
}

func New(logger *zap.Logger, cfg Config, fetcher LogFetcher, registry *Registry, events EventStore, checkpoints CheckpointStore, projectors ...Projector) *Indexer {
	if cfg.MaxWindow == 0 {
		cfg.MaxWindow = DefaultMaxWindow
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Indexer{
		logger:      logger,
		cfg:         cfg,
		fetcher:     fetcher,
		registry:    registry,
		events:      events,
		checkpoints: checkpoints,
		projectors:  projectors,
	}
}

// Status returns the latest cycle snapshot.
func (ix *Indexer) Status() Status {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.status
}

func (ix *Indexer) lastIndexed(ctx context.Context) (uint64, error) {
	ix.mu.RLock()
	last, loaded := ix.last, ix.loaded
	ix.mu.RUnlock()
	if loaded {
		return last, nil
	}

	block, ok, err := ix.checkpoints.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	if !ok {
		block = ix.cfg.StartBlock
	}
	ix.mu.Lock()
	ix.last, ix.loaded = block, true
	ix.status.LastIndexed = block
	ix.mu.Unlock()
	return block, nil
}

// IndexNewEvents runs one cycle over the next confirmed window and returns how many recognised
// events it contained. Any error leaves the checkpoint where it was.
func (ix *Indexer) IndexNewEvents(ctx context.Context) (int, error) {
	if !ix.cycle.TryLock() {
		metrics.Indexer().ObserveCycle("busy", 0)
		return 0, ErrCycleInProgress
	}
	defer ix.cycle.Unlock()

	started := time.Now()
	n, outcome, err := ix.runCycle(ctx)
	metrics.Indexer().ObserveCycle(outcome, time.Since(started).Seconds())

	ix.mu.Lock()
	ix.status.LastCycleAt = started.UTC()
	ix.status.LastError = ""
	if err != nil {
		ix.status.LastError = err.Error()
	}
	ix.mu.Unlock()
	return n, err
}

func (ix *Indexer) runCycle(ctx context.Context) (int, string, error) {
	last, err := ix.lastIndexed(ctx)
	if err != nil {
		return 0, "error", err
	}

	height, err := ix.fetcher.ChainHeight(ctx)
	if err != nil {
		return 0, "error", err
	}
	metrics.Indexer().SetChainHeight(height)
	ix.mu.Lock()
	ix.status.LastHeight = height
	ix.mu.Unlock()

	var safe uint64
	if height > ix.cfg.Confirmations {
		safe = height - ix.cfg.Confirmations
	}
	if safe <= last {
		return 0, "idle", nil
	}
	from := last + 1
	to := min(safe, from+ix.cfg.MaxWindow)

	logs, err := ix.fetcher.Logs(ctx, ix.cfg.Contract, from, to)
	if err != nil {
		return 0, "error", err
	}

	events := make([]ChainEvent, 0, len(logs))
	for _, l := range logs {
		ev, ok, err := ix.registry.Decode(l)
		if !ok {
			continue
		}
		if err != nil {
			metrics.Indexer().ObserveDecodeSkip()
			ix.logger.Warn("skipping undecodable log",
				zap.String("tx_hash", l.TxHash.Hex()),
				zap.Uint64("block", l.BlockNumber),
				zap.Uint("log_index", l.LogIndex),
				zap.Error(err),
			)
			continue
		}
		events = append(events, ev)
	}

	inserted := 0
	if len(events) > 0 {
		if inserted, err = ix.events.UpsertEvents(ctx, events); err != nil {
			return 0, "error", fmt.Errorf("persist events %d-%d: %w", from, to, err)
		}
	}
	for _, ev := range events {
		for _, p := range ix.projectors {
			if err := p.Project(ctx, ev); err != nil {
				return 0, "error", fmt.Errorf("project %s %s:%d: %w", ev.Kind, ev.TxHash.Hex(), ev.LogIndex, err)
			}
		}
		metrics.Indexer().ObserveEvent(string(ev.Kind))
	}

	if err := ix.checkpoints.Save(ctx, to); err != nil {
		return 0, "error", fmt.Errorf("save checkpoint %d: %w", to, err)
	}
	ix.mu.Lock()
	ix.last = to
	ix.status.LastIndexed = to
	ix.mu.Unlock()
	metrics.Indexer().SetCheckpoint(to)

	ix.logger.Info("indexed window",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Uint64("height", height),
		zap.Int("logs", len(logs)),
		zap.Int("events", len(events)),
		zap.Int("new_events", inserted),
	)
	return len(events), "indexed", nil
}

// IsTransient reports whether a cycle error came from the log source.
func IsTransient(err error) bool {
	return errors.Is(err, faults.ErrTransientSource)
}
