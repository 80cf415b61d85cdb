package settlement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/db/postgres"
	"github.com/mycelix-network/playsettle/pkg/indexer"
	"github.com/mycelix-network/playsettle/pkg/ledger"
)

// DB holds indexer and ledger state in PostgreSQL. It implements indexer.CheckpointStore,
// indexer.EventStore and ledger.Store.
type DB struct {
	postgres.Client
}

var (
	_ indexer.CheckpointStore = (*DB)(nil)
	_ indexer.EventStore      = (*DB)(nil)
	_ ledger.Store            = (*DB)(nil)
)

// NewWithPoolConfig connects and creates any missing tables.
func NewWithPoolConfig(ctx context.Context, logger *zap.Logger, url string, poolConfig postgres.PoolConfig) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(zap.String("component", poolConfig.Component)), url, poolConfig)
	if err != nil {
		return nil, err
	}

	db := &DB{Client: client}
	if err := db.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return db, nil
}

// Close terminates the underlying PostgreSQL connection
func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}

// InitializeDB ensures the required tables exist
func (db *DB) InitializeDB(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"indexer_checkpoint", db.initCheckpoint},
		{"chain_events", db.initEvents},
		{"play_obligations", db.initObligations},
		{"settlement_batches", db.initBatches},
	}
	for _, step := range steps {
		db.Logger.Debug("Initialize table", zap.String("table", step.name))
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", step.name, err)
		}
	}
	return nil
}
