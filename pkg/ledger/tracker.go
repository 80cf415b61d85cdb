package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/indexer"
	"github.com/mycelix-network/playsettle/pkg/metrics"
)

// Tracker owns every status transition of a settlement batch after creation.
type Tracker struct {
	Logger    *zap.Logger
	Store     BatchStore
	Publisher StatusPublisher
	Now       func() time.Time
}

func NewTracker(logger *zap.Logger, store BatchStore, publisher StatusPublisher) *Tracker {
	return &Tracker{Logger: logger, Store: store, Publisher: publisher, Now: time.Now}
}

func (t *Tracker) transition(ctx context.Context, b *SettlementBatch, to BatchStatus, mutate func(*SettlementBatch)) (*SettlementBatch, error) {
	from := b.Status
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("batch %s %s -> %s: %w", b.ID, from, to, faults.ErrInvalidTransition)
	}
	next := *b
	next.Status = to
	next.UpdatedAt = t.Now().UTC()
	if mutate != nil {
		mutate(&next)
	}
	if err := t.Store.UpdateBatch(ctx, &next, from); err != nil {
		return nil, fmt.Errorf("batch %s %s -> %s: %w", b.ID, from, to, err)
	}

	metrics.Settlement().ObserveTransition(string(to))
	t.Logger.Info("settlement status changed",
		zap.String("batch_id", next.ID.String()),
		zap.String("artist", next.ArtistID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if t.Publisher != nil {
		t.Publisher.PublishStatus(ctx, StatusChange{
			BatchID:  next.ID,
			ArtistID: next.ArtistID,
			From:     from,
			To:       to,
			TxHash:   next.TxHash,
			Reason:   next.FailureReason,
			At:       next.UpdatedAt,
		})
	}
	return &next, nil
}

func (t *Tracker) load(ctx context.Context, id uuid.UUID) (*SettlementBatch, error) {
	b, err := t.Store.GetBatch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", id, err)
	}
	return b, nil
}

// MarkSubmitted records that the batch's payment transaction was broadcast. Valid from Pending and,
// for resubmission, from Failed. Earlier transactions stay on the batch in SubmittedTxs and can
// still confirm it.
func (t *Tracker) MarkSubmitted(ctx context.Context, id uuid.UUID, tx common.Hash) (*SettlementBatch, error) {
	if tx == (common.Hash{}) {
		return nil, faults.Invariant("submission of batch %s requires a transaction hash", id)
	}
	b, err := t.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.transition(ctx, b, StatusSubmitted, func(next *SettlementBatch) {
		next.TxHash = &tx
		if !slices.Contains(next.SubmittedTxs, tx) {
			next.SubmittedTxs = append(slices.Clip(next.SubmittedTxs), tx)
		}
		next.FailureReason = ""
		next.Attempts++
	})
}

// MarkConfirmed confirms a Submitted batch and settles its obligations.
func (t *Tracker) MarkConfirmed(ctx context.Context, id uuid.UUID) (*SettlementBatch, error) {
	b, err := t.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusConfirmed {
		return b, nil
	}
	return t.transition(ctx, b, StatusConfirmed, nil)
}

// MarkFailed records that the submitted transaction was dropped or reverted.
func (t *Tracker) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*SettlementBatch, error) {
	b, err := t.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.transition(ctx, b, StatusFailed, func(next *SettlementBatch) {
		next.FailureReason = reason
	})
}

// ConfirmByTx confirms the batch that was submitted with tx, current or earlier. It returns
// (nil, nil) when no batch references tx; a batch that is already Confirmed is returned unchanged.
// A Failed batch is confirmed too: the chain has the payment even though the wait timed out.
func (t *Tracker) ConfirmByTx(ctx context.Context, tx common.Hash) (*SettlementBatch, error) {
	b, err := t.Store.GetBatchByTx(ctx, tx)
	if errors.Is(err, faults.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup batch by tx %s: %w", tx.Hex(), err)
	}
	if b.Status == StatusConfirmed {
		return b, nil
	}
	if b.Status == StatusFailed || (b.TxHash != nil && *b.TxHash != tx) {
		t.Logger.Warn("settlement confirmed by an earlier submission",
			zap.String("batch_id", b.ID.String()),
			zap.String("status", string(b.Status)),
			zap.String("tx_hash", tx.Hex()),
			zap.Int("attempts", b.Attempts),
		)
	}
	return t.transition(ctx, b, StatusConfirmed, func(next *SettlementBatch) {
		next.TxHash = &tx
		next.FailureReason = ""
	})
}

// Project confirms settlements observed on chain. Only PaymentProcessed events are considered.
// A confirmation that does not fit the state machine is logged, not returned, so that one bad
// batch never stalls the indexer.
func (t *Tracker) Project(ctx context.Context, ev indexer.ChainEvent) error {
	if ev.Kind != indexer.KindPaymentProcessed {
		return nil
	}
	b, err := t.ConfirmByTx(ctx, ev.TxHash)
	switch {
	case errors.Is(err, faults.ErrInvalidTransition):
		t.Logger.Error("settlement tx observed for batch not awaiting confirmation",
			zap.String("tx_hash", ev.TxHash.Hex()),
			zap.Uint64("block", ev.BlockNumber),
			zap.Error(err),
		)
		return nil
	case err != nil:
		return err
	case b != nil:
		t.Logger.Debug("settlement confirmed by chain event",
			zap.String("batch_id", b.ID.String()),
			zap.String("tx_hash", ev.TxHash.Hex()),
			zap.Uint64("block", ev.BlockNumber),
		)
	}
	return nil
}

// ExpireStale fails Submitted batches that have not been confirmed within olderThan, returning how many
// were expired. The operator may resubmit them. A late PaymentProcessed for any of the batch's
// transactions still confirms it, see ConfirmByTx.
func (t *Tracker) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := t.Now().Add(-olderThan)
	stale, err := t.Store.ListStale(ctx, StatusSubmitted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale submissions: %w", err)
	}
	expired := 0
	for i := range stale {
		reason := fmt.Sprintf("not confirmed within %s", olderThan)
		_, err := t.transition(ctx, &stale[i], StatusFailed, func(next *SettlementBatch) {
			next.FailureReason = reason
		})
		if errors.Is(err, faults.ErrInvalidTransition) {
			// confirmed concurrently
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// PendingSettlements lists the artist's batches that are not yet Confirmed.
func (t *Tracker) PendingSettlements(ctx context.Context, artist string) ([]SettlementBatch, error) {
	return t.Store.ListBatches(ctx, artist, StatusPending, StatusSubmitted, StatusFailed)
}
