package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mycelix-network/playsettle/pkg/config"
	"github.com/mycelix-network/playsettle/pkg/faults"
)

func TestOpenMemoryBackend(t *testing.T) {
	ctx := context.Background()
	stores, err := Open(ctx, zaptest.NewLogger(t), config.BackendMemory, "", "indexer")
	require.NoError(t, err)
	require.NoError(t, stores.Health(ctx))

	require.NoError(t, stores.Checkpoints.Save(ctx, 7))
	block, ok, err := stores.Checkpoints.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), block)

	artists, err := stores.Ledger.ArtistsWithUnbatched(ctx)
	require.NoError(t, err)
	require.Empty(t, artists)
	require.NoError(t, stores.Close())
}

func TestOpenRefusesMemoryForSettler(t *testing.T) {
	_, err := Open(context.Background(), zaptest.NewLogger(t), config.BackendMemory, "", ComponentSettler)
	require.ErrorIs(t, err, faults.ErrInvariant)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), zaptest.NewLogger(t), "sqlite", "", "indexer")
	require.Error(t, err)
}
