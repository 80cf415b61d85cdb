//go:build integration

package settlement

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/db/postgres"
	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/indexer"
	"github.com/mycelix-network/playsettle/pkg/ledger"
)

var testDB *DB

// TestMain connects to POSTGRES_URL and skips the package when it is unset.
func TestMain(m *testing.M) {
	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		fmt.Println("POSTGRES_URL not set, skipping postgres integration tests")
		os.Exit(0)
	}

	ctx := context.Background()
	var err error
	testDB, err = NewWithPoolConfig(ctx, zap.NewNop(), url, postgres.GetPoolConfigForComponent("test"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to postgres: %v\n", err)
		os.Exit(1)
	}
	code := m.Run()
	_ = testDB.Close()
	os.Exit(code)
}

func cleanDB(t *testing.T) {
	t.Helper()
	err := testDB.Exec(context.Background(),
		`TRUNCATE indexer_checkpoint, chain_events, song_registrations, play_obligations, settlement_batches`)
	require.NoError(t, err)
}

func TestCheckpointIsMonotonic(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()

	_, ok, err := testDB.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, testDB.Save(ctx, 120))
	require.NoError(t, testDB.Save(ctx, 80))
	block, ok, err := testDB.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(120), block)
}

func TestUpsertEventsIsIdempotent(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()
	tx := common.HexToHash("0x01")

	events := []indexer.ChainEvent{
		{TxHash: tx, BlockNumber: 10, LogIndex: 0, Kind: indexer.KindSongRegistered, Fields: indexer.SongRegistered{
			SongID: [32]byte{1}, StrategyID: [32]byte{2}, Artist: common.HexToAddress("0xaa"),
		}},
		{TxHash: tx, BlockNumber: 10, LogIndex: 1, Kind: indexer.KindPaymentProcessed, Fields: indexer.PaymentProcessed{
			SongID: [32]byte{1}, Listener: common.HexToAddress("0xbb"), Amount: uint256.NewInt(400_000_000_000_000), PaymentType: 2,
		}},
	}
	n, err := testDB.UpsertEvents(ctx, events)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = testDB.UpsertEvents(ctx, events)
	require.NoError(t, err)
	require.Zero(t, n)

	stored, err := testDB.EventsByTx(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, events, stored)

	reg, err := testDB.SongRegistration(ctx, [32]byte{1})
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xaa"), reg.Artist)

	_, err = testDB.SongRegistration(ctx, [32]byte{9})
	require.ErrorIs(t, err, faults.ErrNotFound)
}

func insertPlays(t *testing.T, artist string, amounts ...uint64) []ledger.PlayObligation {
	t.Helper()
	var out []ledger.PlayObligation
	for _, amount := range amounts {
		o, err := ledger.NewPlayObligation("listener", artist, "song", time.Unix(1700000000, 0), 60, 60, "premium", amount)
		require.NoError(t, err)
		require.NoError(t, testDB.InsertObligation(context.Background(), o))
		out = append(out, *o)
	}
	return out
}

func TestBatchLifecycle(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()
	now := time.Unix(1700000100, 0).UTC()

	plays := insertPlays(t, "artist-1", 100, 200, 300)
	require.ErrorIs(t, testDB.InsertObligation(ctx, &plays[0]), faults.ErrDuplicate)

	unbatched, err := testDB.UnbatchedObligations(ctx, "artist-1")
	require.NoError(t, err)
	require.Equal(t, plays, unbatched)

	batch, err := ledger.NewSettlementBatch("artist-1", unbatched, now)
	require.NoError(t, err)
	require.NoError(t, testDB.CreateBatch(ctx, batch))

	// tagging twice must fail as a unit
	again, err := ledger.NewSettlementBatch("artist-1", unbatched, now)
	require.NoError(t, err)
	require.ErrorIs(t, testDB.CreateBatch(ctx, again), faults.ErrDuplicate)
	_, err = testDB.GetBatch(ctx, again.ID)
	require.ErrorIs(t, err, faults.ErrNotFound)

	unbatched, err = testDB.UnbatchedObligations(ctx, "artist-1")
	require.NoError(t, err)
	require.Empty(t, unbatched)

	stored, err := testDB.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, batch.ObligationIDs, stored.ObligationIDs)
	require.Equal(t, uint64(600), stored.TotalAmount)
	require.Equal(t, batch.MerkleRoot, stored.MerkleRoot)

	tx := common.HexToHash("0xfeed")
	submitted := *stored
	submitted.Status = ledger.StatusSubmitted
	submitted.TxHash = &tx
	submitted.SubmittedTxs = []common.Hash{common.HexToHash("0xbeef"), tx}
	submitted.Attempts = 1
	require.NoError(t, testDB.UpdateBatch(ctx, &submitted, ledger.StatusPending))
	require.ErrorIs(t, testDB.UpdateBatch(ctx, &submitted, ledger.StatusPending), faults.ErrInvalidTransition)

	byTx, err := testDB.GetBatchByTx(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, batch.ID, byTx.ID)
	require.Equal(t, submitted.SubmittedTxs, byTx.SubmittedTxs)
	byTx, err = testDB.GetBatchByTx(ctx, common.HexToHash("0xbeef"))
	require.NoError(t, err, "earlier submissions still resolve to the batch")
	require.Equal(t, batch.ID, byTx.ID)

	confirmed := submitted
	confirmed.Status = ledger.StatusConfirmed
	require.NoError(t, testDB.UpdateBatch(ctx, &confirmed, ledger.StatusSubmitted))

	owed, err := testDB.ObligationsByListener(ctx, "listener", true)
	require.NoError(t, err)
	require.Empty(t, owed)

	all, err := testDB.ListBatches(ctx, "", ledger.StatusConfirmed)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestListStaleAndArtists(t *testing.T) {
	cleanDB(t)
	ctx := context.Background()

	insertPlays(t, "artist-b", 1)
	insertPlays(t, "artist-a", 1)
	artists, err := testDB.ArtistsWithUnbatched(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"artist-b", "artist-a"}, artists)

	unbatched, err := testDB.UnbatchedObligations(ctx, "artist-a")
	require.NoError(t, err)
	old := time.Now().Add(-2 * time.Hour).UTC()
	batch, err := ledger.NewSettlementBatch("artist-a", unbatched, old)
	require.NoError(t, err)
	require.NoError(t, testDB.CreateBatch(ctx, batch))

	stale, err := testDB.ListStale(ctx, ledger.StatusPending, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	stale, err = testDB.ListStale(ctx, ledger.StatusSubmitted, time.Now())
	require.NoError(t, err)
	require.Empty(t, stale)
}
