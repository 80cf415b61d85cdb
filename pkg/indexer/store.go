package indexer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// LogFetcher is the confirmation-agnostic view of the chain the indexer drives.
type LogFetcher interface {
	ChainHeight(ctx context.Context) (uint64, error)
	Logs(ctx context.Context, contract common.Address, from, to uint64) ([]RawLog, error)
}

// CheckpointStore persists the last indexed block. Save never moves the stored value backwards.
type CheckpointStore interface {
	// Load returns ok=false when no checkpoint has been written yet.
	Load(ctx context.Context) (block uint64, ok bool, err error)
	Save(ctx context.Context, block uint64) error
}

// EventStore persists decoded events idempotently.
type EventStore interface {
	// UpsertEvents stores events keyed by (tx_hash, log_index); keys already present are left
	// untouched. SongRegistered events also update the song's registration record. Returns how
	// many events were new.
	UpsertEvents(ctx context.Context, events []ChainEvent) (int, error)
	EventsByTx(ctx context.Context, tx common.Hash) ([]ChainEvent, error)
	SongRegistration(ctx context.Context, songID [32]byte) (*SongRegistration, error)
}

// Projector consumes recognised events after they are persisted. Projections are re-applied on
// replayed windows and must therefore be idempotent.
type Projector interface {
	Project(ctx context.Context, ev ChainEvent) error
}

// ProjectorFunc adapts a function to Projector.
type ProjectorFunc func(ctx context.Context, ev ChainEvent) error

func (f ProjectorFunc) Project(ctx context.Context, ev ChainEvent) error {
	return f(ctx, ev)
}
