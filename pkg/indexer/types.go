package indexer

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RawLog is one contract log as returned by the log source.
type RawLog struct {
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	Topics      [][32]byte
	Data        []byte
}

// Topic0 returns the event signature topic, if any.
func (l RawLog) Topic0() (common.Hash, bool) {
	if len(l.Topics) == 0 {
		return common.Hash{}, false
	}
	return common.Hash(l.Topics[0]), true
}

// EventKind names a recognised event shape.
type EventKind string

const (
	KindPaymentProcessed EventKind = "PaymentProcessed"
	KindSongRegistered   EventKind = "SongRegistered"
)

// EventKey is the idempotency identity of a chain event. A transaction can emit several logs,
// so the block number alone is not enough.
type EventKey struct {
	TxHash   common.Hash
	LogIndex uint
}

// ChainEvent is a decoded, recognised log. Fields holds one of PaymentProcessed or SongRegistered.
type ChainEvent struct {
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	Kind        EventKind
	Fields      any
}

func (e ChainEvent) Key() EventKey {
	return EventKey{TxHash: e.TxHash, LogIndex: e.LogIndex}
}

// PaymentProcessed(bytes32 indexed songId, address indexed listener, uint256 amount, uint8 paymentType)
type PaymentProcessed struct {
	SongID      [32]byte
	Listener    common.Address
	Amount      *uint256.Int
	PaymentType uint8
}

// SongRegistered(bytes32 indexed songId, bytes32 indexed strategyId, address indexed artist)
type SongRegistered struct {
	SongID     [32]byte
	StrategyID [32]byte
	Artist     common.Address
}

// SongRegistration is the on-chain registration state recorded for a song.
type SongRegistration struct {
	SongID      [32]byte
	StrategyID  [32]byte
	Artist      common.Address
	TxHash      common.Hash
	BlockNumber uint64
}
