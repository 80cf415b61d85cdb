package indexer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/mycelix-network/playsettle/pkg/faults"
)

func word(v uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32)
}

func TestDefaultRegistryTopics(t *testing.T) {
	r := DefaultRegistry()

	spec, ok := r.Lookup(crypto.Keccak256Hash([]byte("PaymentProcessed(bytes32,address,uint256,uint8)")))
	require.True(t, ok)
	require.Equal(t, KindPaymentProcessed, spec.Kind)

	spec, ok = r.Lookup(crypto.Keccak256Hash([]byte("SongRegistered(bytes32,bytes32,address)")))
	require.True(t, ok)
	require.Equal(t, KindSongRegistered, spec.Kind)

	_, ok = r.Lookup(crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")))
	require.False(t, ok)
}

func TestDecodePaymentProcessed(t *testing.T) {
	r := DefaultRegistry()
	listener := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	songID := common.HexToHash("0x01")

	l := RawLog{
		TxHash:      common.HexToHash("0xbeef"),
		BlockNumber: 42,
		LogIndex:    3,
		Topics: [][32]byte{
			crypto.Keccak256Hash([]byte(PaymentProcessedSignature)),
			songID,
			common.BytesToHash(listener.Bytes()),
		},
		Data: append(word(400_000_000_000_000), word(2)...),
	}
	ev, ok, err := r.Decode(l)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, EventKey{TxHash: l.TxHash, LogIndex: 3}, ev.Key())

	fields, isPayment := ev.Fields.(PaymentProcessed)
	require.True(t, isPayment)
	require.Equal(t, [32]byte(songID), fields.SongID)
	require.Equal(t, listener, fields.Listener)
	require.Equal(t, uint64(400_000_000_000_000), fields.Amount.Uint64())
	require.Equal(t, uint8(2), fields.PaymentType)
}

func TestDecodeSongRegistered(t *testing.T) {
	r := DefaultRegistry()
	artist := common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678")
	ev, ok, err := r.Decode(RawLog{
		Topics: [][32]byte{
			crypto.Keccak256Hash([]byte(SongRegisteredSignature)),
			common.HexToHash("0x0a"),
			common.HexToHash("0x0b"),
			common.BytesToHash(artist.Bytes()),
		},
	})
	require.NoError(t, err)
	require.True(t, ok)
	fields := ev.Fields.(SongRegistered)
	require.Equal(t, artist, fields.Artist)
	require.Equal(t, [32]byte(common.HexToHash("0x0b")), fields.StrategyID)
}

func TestDecodeMalformedIsSkip(t *testing.T) {
	r := DefaultRegistry()
	sig := crypto.Keccak256Hash([]byte(PaymentProcessedSignature))
	cases := map[string]RawLog{
		"missing listener topic": {Topics: [][32]byte{sig, {}}, Data: make([]byte, 64)},
		"short data":             {Topics: [][32]byte{sig, {}, {}}, Data: make([]byte, 40)},
		"payment type overflow":  {Topics: [][32]byte{sig, {}, {}}, Data: append(word(1), word(256)...)},
		"dirty address padding":  {Topics: [][32]byte{sig, {}, common.HexToHash("0xff0000000000000000000000000000000000000000000000")}, Data: make([]byte, 64)},
	}
	for name, l := range cases {
		_, ok, err := r.Decode(l)
		require.True(t, ok, name)
		require.ErrorIs(t, err, faults.ErrDecodeSkip, name)
	}
}

func TestDecodeUnknownAndEmpty(t *testing.T) {
	r := DefaultRegistry()
	_, ok, err := r.Decode(RawLog{})
	require.False(t, ok)
	require.NoError(t, err)

	_, ok, err = r.Decode(RawLog{Topics: [][32]byte{crypto.Keccak256Hash([]byte("Future(uint256)"))}})
	require.False(t, ok)
	require.NoError(t, err)
}
