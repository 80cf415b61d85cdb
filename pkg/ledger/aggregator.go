package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/metrics"
)

// Aggregator turns an artist's unbatched obligations into a Pending settlement batch.
// Batch building is serialized per artist; different artists proceed in parallel.
type Aggregator struct {
	Logger      *zap.Logger
	Store       Store
	Publisher   StatusPublisher
	Parallelism int
	Now         func() time.Time

	artistLocks *xsync.Map[string, *sync.Mutex]
}

func NewAggregator(logger *zap.Logger, store Store, publisher StatusPublisher, parallelism int) *Aggregator {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Aggregator{
		Logger:      logger,
		Store:       store,
		Publisher:   publisher,
		Parallelism: parallelism,
		Now:         time.Now,
		artistLocks: xsync.NewMap[string, *sync.Mutex](),
	}
}

func (a *Aggregator) lockArtist(artist string) func() {
	mu, _ := a.artistLocks.LoadOrStore(artist, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// CreateSettlementBatch selects every unsettled, unbatched obligation of artist in insertion order,
// commits to them with a Merkle root and persists the batch as Pending while tagging the obligations.
// Returns ErrNoUnsettledPlays when there is nothing to batch.
func (a *Aggregator) CreateSettlementBatch(ctx context.Context, artist string) (*SettlementBatch, error) {
	unlock := a.lockArtist(artist)
	defer unlock()

	obligations, err := a.Store.UnbatchedObligations(ctx, artist)
	if err != nil {
		return nil, fmt.Errorf("select obligations for %s: %w", artist, err)
	}
	if len(obligations) == 0 {
		return nil, fmt.Errorf("artist %s: %w", artist, faults.ErrNoUnsettledPlays)
	}

	batch, err := NewSettlementBatch(artist, obligations, a.Now())
	if err != nil {
		return nil, err
	}
	if err := a.Store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("persist batch for %s: %w", artist, err)
	}

	metrics.Settlement().ObserveBatchCreated(len(batch.ObligationIDs))
	a.Logger.Info("settlement batch created",
		zap.String("batch_id", batch.ID.String()),
		zap.String("artist", artist),
		zap.Int("obligations", len(batch.ObligationIDs)),
		zap.Uint64("total_amount", batch.TotalAmount),
		zap.String("merkle_root", batch.MerkleRoot.Hex()),
	)
	if a.Publisher != nil {
		a.Publisher.PublishStatus(ctx, StatusChange{
			BatchID:  batch.ID,
			ArtistID: artist,
			To:       StatusPending,
			At:       batch.CreatedAt,
		})
	}
	return batch, nil
}

// SweepResult reports the outcome of one Sweep.
type SweepResult struct {
	Created []*SettlementBatch
	Failed  map[string]error
}

// Sweep builds a batch for every artist that currently has unbatched obligations, fanning the
// artists out over a bounded worker pool. Per-artist failures are collected, not returned.
func (a *Aggregator) Sweep(ctx context.Context) (SweepResult, error) {
	artists, err := a.Store.ArtistsWithUnbatched(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list artists with unbatched plays: %w", err)
	}
	result := SweepResult{Failed: make(map[string]error)}
	if len(artists) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	pool := pond.NewPool(a.Parallelism, pond.WithQueueSize(len(artists)))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, artist := range artists {
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}
			batch, err := a.CreateSettlementBatch(groupCtx, artist)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Created = append(result.Created, batch)
			case errors.Is(err, faults.ErrNoUnsettledPlays):
				// raced with another builder
			default:
				metrics.Settlement().ObserveSweepFailure()
				result.Failed[artist] = err
			}
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		a.Logger.Warn("sweep tasks failed", zap.Error(err))
	}
	for artist, err := range result.Failed {
		a.Logger.Error("batch build failed", zap.String("artist", artist), zap.Error(err))
	}
	return result, ctx.Err()
}
