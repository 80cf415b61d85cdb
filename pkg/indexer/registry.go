package indexer

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/mycelix-network/playsettle/pkg/faults"
)

const (
	PaymentProcessedSignature = "PaymentProcessed(bytes32,address,uint256,uint8)"
	SongRegisteredSignature   = "SongRegistered(bytes32,bytes32,address)"

	wordSize = 32
)

// Decoder turns a raw log whose topic-0 matched into typed fields.
type Decoder func(RawLog) (any, error)

// EventSpec describes one recognised event shape.
type EventSpec struct {
	Kind      EventKind
	Signature string
	Topic     common.Hash
	Decode    Decoder
}

// Registry maps topic-0 to the event shape it identifies.
type Registry struct {
	specs map[common.Hash]EventSpec
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[common.Hash]EventSpec)}
}

// Register adds an event by its canonical signature. The topic is keccak256 of the signature.
func (r *Registry) Register(kind EventKind, signature string, decode Decoder) EventSpec {
	spec := EventSpec{
		Kind:      kind,
		Signature: signature,
		Topic:     crypto.Keccak256Hash([]byte(signature)),
		Decode:    decode,
	}
	r.specs[spec.Topic] = spec
	return spec
}

// Lookup finds the spec for a topic-0. Unknown topics are not an error.
func (r *Registry) Lookup(topic common.Hash) (EventSpec, bool) {
	spec, ok := r.specs[topic]
	return spec, ok
}

// Decode recognises and decodes l. ok is false for logs without a registered topic-0; err is an
// ErrDecodeSkip when the topic is known but the log is malformed.
func (r *Registry) Decode(l RawLog) (ev ChainEvent, ok bool, err error) {
	topic, has := l.Topic0()
	if !has {
		return ChainEvent{}, false, nil
	}
	spec, known := r.Lookup(topic)
	if !known {
		return ChainEvent{}, false, nil
	}
	fields, err := spec.Decode(l)
	if err != nil {
		return ChainEvent{}, true, err
	}
	return ChainEvent{
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.LogIndex,
		Kind:        spec.Kind,
		Fields:      fields,
	}, true, nil
}

// DefaultRegistry recognises the router contract's PaymentProcessed and SongRegistered events.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindPaymentProcessed, PaymentProcessedSignature, decodePaymentProcessed)
	r.Register(KindSongRegistered, SongRegisteredSignature, decodeSongRegistered)
	return r
}

// topics: [sig, songId, listener]; data: [amount, paymentType]
func decodePaymentProcessed(l RawLog) (any, error) {
	if len(l.Topics) < 3 {
		return nil, faults.DecodeSkip("PaymentProcessed needs 3 topics, got %d", len(l.Topics))
	}
	if len(l.Data) < 2*wordSize {
		return nil, faults.DecodeSkip("PaymentProcessed data is %d bytes, want %d", len(l.Data), 2*wordSize)
	}
	listener, err := topicAddress(l.Topics[2])
	if err != nil {
		return nil, err
	}
	kind := l.Data[wordSize : 2*wordSize]
	for _, b := range kind[:wordSize-1] {
		if b != 0 {
			return nil, faults.DecodeSkip("PaymentProcessed paymentType does not fit uint8")
		}
	}
	return PaymentProcessed{
		SongID:      l.Topics[1],
		Listener:    listener,
		Amount:      new(uint256.Int).SetBytes32(l.Data[:wordSize]),
		PaymentType: kind[wordSize-1],
	}, nil
}

// topics: [sig, songId, strategyId, artist]
func decodeSongRegistered(l RawLog) (any, error) {
	if len(l.Topics) < 4 {
		return nil, faults.DecodeSkip("SongRegistered needs 4 topics, got %d", len(l.Topics))
	}
	artist, err := topicAddress(l.Topics[3])
	if err != nil {
		return nil, err
	}
	return SongRegistered{
		SongID:     l.Topics[1],
		StrategyID: l.Topics[2],
		Artist:     artist,
	}, nil
}

func topicAddress(topic [32]byte) (common.Address, error) {
	for _, b := range topic[:wordSize-common.AddressLength] {
		if b != 0 {
			return common.Address{}, faults.DecodeSkip("indexed address topic has non-zero padding")
		}
	}
	return common.BytesToAddress(topic[wordSize-common.AddressLength:]), nil
}
