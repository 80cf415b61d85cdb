package ledger

import (
	"math"
	"math/bits"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/mycelix-network/playsettle/pkg/faults"
)

// PlayObligation is one priced, not-yet-paid play. It is written once by the listener's process and
// later tagged with the batch that settles it.
type PlayObligation struct {
	ID               uuid.UUID
	ListenerID       string
	ArtistID         string
	SongID           string
	PlayedAt         time.Time
	DurationListened uint32
	SongDuration     uint32
	StrategyID       string
	AmountOwed       uint64
	Settled          bool
	SettlementID     *uuid.UUID
}

// NewPlayObligation validates and builds an unsettled obligation.
func NewPlayObligation(listener, artist, song string, playedAt time.Time, listened, duration uint32, strategy string, amount uint64) (*PlayObligation, error) {
	switch {
	case strings.TrimSpace(listener) == "":
		return nil, faults.Invariant("play requires a listener")
	case strings.TrimSpace(artist) == "":
		return nil, faults.Invariant("play requires an artist")
	case strings.TrimSpace(song) == "":
		return nil, faults.Invariant("play must reference a song")
	case listened > duration:
		return nil, faults.Invariant("duration listened %ds exceeds song duration %ds", listened, duration)
	}
	return &PlayObligation{
		ID:               uuid.New(),
		ListenerID:       listener,
		ArtistID:         artist,
		SongID:           song,
		PlayedAt:         playedAt.UTC(),
		DurationListened: listened,
		SongDuration:     duration,
		StrategyID:       strategy,
		AmountOwed:       amount,
	}, nil
}

// Leaf is the Merkle leaf committing to this obligation's identity.
func (o PlayObligation) Leaf() common.Hash {
	return ObligationLeaf(o.ID)
}

// BatchStatus is the on-chain settlement state of a batch.
type BatchStatus string

const (
	StatusPending   BatchStatus = "pending"
	StatusSubmitted BatchStatus = "submitted"
	StatusConfirmed BatchStatus = "confirmed"
	StatusFailed    BatchStatus = "failed"
)

var transitions = map[BatchStatus][]BatchStatus{
	StatusPending:   {StatusSubmitted},
	StatusSubmitted: {StatusConfirmed, StatusFailed},
	// a Failed batch may still confirm when one of its earlier transactions lands late
	StatusFailed:    {StatusSubmitted, StatusConfirmed},
}

// CanTransition reports whether from -> to is an edge of the settlement state machine.
func CanTransition(from, to BatchStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s BatchStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// SettlementBatch groups obligations for one artist under a single Merkle commitment and on-chain payment.
type SettlementBatch struct {
	ID            uuid.UUID
	ArtistID      string
	ObligationIDs []uuid.UUID
	TotalAmount   uint64
	MerkleRoot    common.Hash
	Status        BatchStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	TxHash        *common.Hash
	// SubmittedTxs holds every transaction the batch was broadcast with, oldest first.
	SubmittedTxs  []common.Hash
	FailureReason string
	Attempts      int
}

// NewSettlementBatch builds a Pending batch over obligations, in the given order. Every obligation
// must belong to artist and be unsettled and untagged.
func NewSettlementBatch(artist string, obligations []PlayObligation, now time.Time) (*SettlementBatch, error) {
	if len(obligations) == 0 {
		return nil, faults.Invariant("settlement batch must contain at least one play")
	}

	ids := make([]uuid.UUID, 0, len(obligations))
	leaves := make([]common.Hash, 0, len(obligations))
	seen := make(map[uuid.UUID]struct{}, len(obligations))
	var total uint64
	for _, o := range obligations {
		if o.ArtistID != artist {
			return nil, faults.Invariant("obligation %s belongs to artist %q, not %q", o.ID, o.ArtistID, artist)
		}
		if o.Settled || o.SettlementID != nil {
			return nil, faults.Invariant("obligation %s is already settled or batched", o.ID)
		}
		if _, dup := seen[o.ID]; dup {
			return nil, faults.Invariant("obligation %s listed twice", o.ID)
		}
		seen[o.ID] = struct{}{}

		sum, carry := bits.Add64(total, o.AmountOwed, 0)
		if carry != 0 {
			return nil, faults.Invariant("batch total overflows %d", uint64(math.MaxUint64))
		}
		total = sum
		ids = append(ids, o.ID)
		leaves = append(leaves, o.Leaf())
	}

	now = now.UTC()
	return &SettlementBatch{
		ID:            uuid.New(),
		ArtistID:      artist,
		ObligationIDs: ids,
		TotalAmount:   total,
		MerkleRoot:    MerkleRoot(leaves),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Leaves returns the Merkle leaves of the batch in commitment order.
func (b SettlementBatch) Leaves() []common.Hash {
	leaves := make([]common.Hash, len(b.ObligationIDs))
	for i, id := range b.ObligationIDs {
		leaves[i] = ObligationLeaf(id)
	}
	return leaves
}

// BalanceOwed summarises a listener's unsettled obligations.
type BalanceOwed struct {
	TotalAmount uint64
	PlayCount   uint64
	ByArtist    map[string]uint64
}

// SongStats aggregates every recorded play of a song.
type SongStats struct {
	TotalPlays      uint64
	TotalEarnings   uint64
	UniqueListeners uint64
	AvgCompletion   float64
}
