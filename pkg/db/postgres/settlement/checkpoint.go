package settlement

import (
	"context"
	"fmt"

	"github.com/mycelix-network/playsettle/pkg/db/postgres"
)

// initCheckpoint creates the single-row checkpoint table.
func (db *DB) initCheckpoint(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS indexer_checkpoint (
			id SMALLINT PRIMARY KEY CHECK (id = 1),
			last_indexed_block BIGINT NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`
	return db.Exec(ctx, query)
}

// Load returns the last indexed block, ok=false before the first Save.
func (db *DB) Load(ctx context.Context) (uint64, bool, error) {
	var block uint64
	err := db.QueryRow(ctx, `SELECT last_indexed_block FROM indexer_checkpoint WHERE id = 1`).Scan(&block)
	if err != nil {
		if postgres.IsNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return block, true, nil
}

// Save records block. Uses GREATEST so the checkpoint never goes backwards.
func (db *DB) Save(ctx context.Context, block uint64) error {
	query := `
		INSERT INTO indexer_checkpoint (id, last_indexed_block, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			last_indexed_block = GREATEST(indexer_checkpoint.last_indexed_block, EXCLUDED.last_indexed_block),
			updated_at = NOW()
	`
	if err := db.Exec(ctx, query, int64(block)); err != nil {
		return fmt.Errorf("failed to save checkpoint %d: %w", block, err)
	}
	return nil
}
