package ledger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ObligationStore persists play obligations. Listing methods return obligations in insertion order.
type ObligationStore interface {
	InsertObligation(ctx context.Context, o *PlayObligation) error
	// UnbatchedObligations returns the artist's obligations with settled=false and no settlement id.
	UnbatchedObligations(ctx context.Context, artist string) ([]PlayObligation, error)
	ObligationsByListener(ctx context.Context, listener string, unsettledOnly bool) ([]PlayObligation, error)
	ObligationsBySong(ctx context.Context, song string) ([]PlayObligation, error)
	ArtistsWithUnbatched(ctx context.Context) ([]string, error)
}

// BatchStore persists settlement batches.
type BatchStore interface {
	// CreateBatch inserts b and tags every referenced obligation with b.ID as one unit. If any
	// obligation is already tagged or settled nothing is written and ErrDuplicate is returned.
	CreateBatch(ctx context.Context, b *SettlementBatch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*SettlementBatch, error)
	GetBatchByTx(ctx context.Context, tx common.Hash) (*SettlementBatch, error)
	// ListBatches filters by artist (all artists when empty) and status (any when none given).
	ListBatches(ctx context.Context, artist string, statuses ...BatchStatus) ([]SettlementBatch, error)
	// ListStale returns batches in status whose UpdatedAt is before the cutoff.
	ListStale(ctx context.Context, status BatchStatus, before time.Time) ([]SettlementBatch, error)
	// UpdateBatch writes b only if the stored status still equals from, returning ErrInvalidTransition
	// otherwise. Moving to StatusConfirmed also marks the batch's obligations settled in the same unit.
	UpdateBatch(ctx context.Context, b *SettlementBatch, from BatchStatus) error
}

// Store is the full ledger persistence surface.
type Store interface {
	ObligationStore
	BatchStore
}

// StatusChange is broadcast whenever a batch changes status.
type StatusChange struct {
	BatchID  uuid.UUID    `json:"batch_id"`
	ArtistID string       `json:"artist_id"`
	From     BatchStatus  `json:"from"`
	To       BatchStatus  `json:"to"`
	TxHash   *common.Hash `json:"tx_hash,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	At       time.Time    `json:"at"`
}

// StatusPublisher delivers status changes to interested parties. Delivery is best-effort.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, change StatusChange)
}
