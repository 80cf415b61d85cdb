package settlement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mycelix-network/playsettle/pkg/db/postgres"
	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/ledger"
)

// initBatches creates the settlement_batches table. obligation_ids keeps Merkle leaf order.
func (db *DB) initBatches(ctx context.Context) error {
	queries := []string{`
		CREATE TABLE IF NOT EXISTS settlement_batches (
			seq BIGSERIAL UNIQUE,
			id UUID PRIMARY KEY,
			artist_id TEXT NOT NULL,
			obligation_ids UUID[] NOT NULL,
			total_amount NUMERIC(20, 0) NOT NULL,
			merkle_root BYTEA NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
			tx_hash BYTEA,
			submitted_txs BYTEA[] NOT NULL DEFAULT '{}',
			failure_reason TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			CHECK (cardinality(obligation_ids) > 0)
		)`,
		`CREATE INDEX IF NOT EXISTS settlement_batches_artist_idx ON settlement_batches (artist_id, seq)`,
		`CREATE INDEX IF NOT EXISTS settlement_batches_status_idx ON settlement_batches (status, updated_at)`,
		`ALTER TABLE settlement_batches ADD COLUMN IF NOT EXISTS submitted_txs BYTEA[] NOT NULL DEFAULT '{}'`,
		`CREATE INDEX IF NOT EXISTS settlement_batches_tx_idx ON settlement_batches (tx_hash) WHERE tx_hash IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS settlement_batches_submitted_txs_idx ON settlement_batches USING GIN (submitted_txs)`,
	}
	for _, q := range queries {
		if err := db.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

const batchColumns = `id, artist_id, obligation_ids::text[], total_amount::text, merkle_root, status,
	created_at, updated_at, tx_hash, submitted_txs, failure_reason, attempts`

func txBytes(h *common.Hash) []byte {
	if h == nil {
		return nil
	}
	return h.Bytes()
}

func txList(hashes []common.Hash) [][]byte {
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		out[i] = h.Bytes()
	}
	return out
}

// CreateBatch inserts b and tags its obligations in one transaction. If any obligation is missing,
// already tagged or settled, nothing is written and ErrDuplicate is returned.
func (db *DB) CreateBatch(ctx context.Context, b *ledger.SettlementBatch) error {
	return db.InTx(ctx, func(ctx context.Context) error {
		exec := db.GetExecutor(ctx)
		tag, err := exec.Exec(ctx, `
			INSERT INTO settlement_batches (id, artist_id, obligation_ids, total_amount, merkle_root, status,
				created_at, updated_at, tx_hash, submitted_txs, failure_reason, attempts)
			VALUES ($1, $2, $3::text[]::uuid[], CAST($4::text AS NUMERIC), $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO NOTHING
		`, b.ID, b.ArtistID, uuidStrings(b.ObligationIDs), strconv.FormatUint(b.TotalAmount, 10),
			b.MerkleRoot.Bytes(), string(b.Status), b.CreatedAt, b.UpdatedAt, txBytes(b.TxHash),
			txList(b.SubmittedTxs), b.FailureReason, int32(b.Attempts))
		if err != nil {
			return fmt.Errorf("failed to insert batch %s: %w", b.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("batch %s: %w", b.ID, faults.ErrDuplicate)
		}

		tag, err = exec.Exec(ctx, `
			UPDATE play_obligations
			SET settlement_id = $1
			WHERE id = ANY($2::text[]::uuid[]) AND artist_id = $3 AND settlement_id IS NULL AND NOT settled
		`, b.ID, uuidStrings(b.ObligationIDs), b.ArtistID)
		if err != nil {
			return fmt.Errorf("failed to tag obligations of batch %s: %w", b.ID, err)
		}
		if tag.RowsAffected() != int64(len(b.ObligationIDs)) {
			return fmt.Errorf("batch %s: %d of %d obligations already batched: %w",
				b.ID, int64(len(b.ObligationIDs))-tag.RowsAffected(), len(b.ObligationIDs), faults.ErrDuplicate)
		}
		return nil
	})
}

func scanBatch(row pgx.CollectableRow) (ledger.SettlementBatch, error) {
	var (
		b         ledger.SettlementBatch
		ids       []string
		total     string
		root, tx  []byte
		submitted [][]byte
		status    string
		attempts  int32
	)
	err := row.Scan(&b.ID, &b.ArtistID, &ids, &total, &root, &status, &b.CreatedAt, &b.UpdatedAt, &tx,
		&submitted, &b.FailureReason, &attempts)
	if err != nil {
		return ledger.SettlementBatch{}, err
	}
	b.ObligationIDs = make([]uuid.UUID, len(ids))
	for i, raw := range ids {
		if b.ObligationIDs[i], err = uuid.Parse(raw); err != nil {
			return ledger.SettlementBatch{}, fmt.Errorf("batch %s obligation id %q: %w", b.ID, raw, err)
		}
	}
	if b.TotalAmount, err = strconv.ParseUint(total, 10, 64); err != nil {
		return ledger.SettlementBatch{}, fmt.Errorf("batch %s total %q: %w", b.ID, total, err)
	}
	b.MerkleRoot = common.BytesToHash(root)
	b.Status = ledger.BatchStatus(status)
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	if tx != nil {
		h := common.BytesToHash(tx)
		b.TxHash = &h
	}
	for _, raw := range submitted {
		b.SubmittedTxs = append(b.SubmittedTxs, common.BytesToHash(raw))
	}
	b.Attempts = int(attempts)
	return b, nil
}

func (db *DB) selectBatches(ctx context.Context, where string, args ...any) ([]ledger.SettlementBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM settlement_batches`
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY seq`
	rows, err := db.GetExecutor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to scan batches: %w", err)
	}
	return out, nil
}

func (db *DB) selectBatch(ctx context.Context, what, where string, args ...any) (*ledger.SettlementBatch, error) {
	rows, err := db.GetExecutor(ctx).Query(ctx, `SELECT `+batchColumns+` FROM settlement_batches WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch %s: %w", what, err)
	}
	b, err := pgx.CollectExactlyOneRow(rows, scanBatch)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, fmt.Errorf("batch %s: %w", what, faults.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan batch %s: %w", what, err)
	}
	return &b, nil
}

func (db *DB) GetBatch(ctx context.Context, id uuid.UUID) (*ledger.SettlementBatch, error) {
	return db.selectBatch(ctx, id.String(), `id = $1`, id)
}

// GetBatchByTx returns the most recent batch that was ever submitted with tx.
func (db *DB) GetBatchByTx(ctx context.Context, tx common.Hash) (*ledger.SettlementBatch, error) {
	return db.selectBatch(ctx, tx.Hex(),
		`(tx_hash = $1 OR submitted_txs @> ARRAY[$1::bytea]) ORDER BY seq DESC LIMIT 1`, tx.Bytes())
}

func (db *DB) ListBatches(ctx context.Context, artist string, statuses ...ledger.BatchStatus) ([]ledger.SettlementBatch, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return db.selectBatches(ctx,
		`($1 = '' OR artist_id = $1) AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))`,
		artist, names)
}

func (db *DB) ListStale(ctx context.Context, status ledger.BatchStatus, before time.Time) ([]ledger.SettlementBatch, error) {
	return db.selectBatches(ctx, `status = $1 AND updated_at < $2`, string(status), before)
}

// UpdateBatch is a compare-and-set on status. Confirming a batch settles its obligations in the
// same transaction.
func (db *DB) UpdateBatch(ctx context.Context, b *ledger.SettlementBatch, from ledger.BatchStatus) error {
	return db.InTx(ctx, func(ctx context.Context) error {
		exec := db.GetExecutor(ctx)
		tag, err := exec.Exec(ctx, `
			UPDATE settlement_batches
			SET status = $2, updated_at = $3, tx_hash = $4, failure_reason = $5, attempts = $6, submitted_txs = $8
			WHERE id = $1 AND status = $7
		`, b.ID, string(b.Status), b.UpdatedAt, txBytes(b.TxHash), b.FailureReason, int32(b.Attempts), string(from),
			txList(b.SubmittedTxs))
		if err != nil {
			return fmt.Errorf("failed to update batch %s: %w", b.ID, err)
		}
		if tag.RowsAffected() == 0 {
			var current string
			err := exec.QueryRow(ctx, `SELECT status FROM settlement_batches WHERE id = $1`, b.ID).Scan(&current)
			if postgres.IsNoRows(err) {
				return fmt.Errorf("batch %s: %w", b.ID, faults.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to read batch %s: %w", b.ID, err)
			}
			return fmt.Errorf("batch %s is %s, expected %s: %w", b.ID, current, from, faults.ErrInvalidTransition)
		}

		if b.Status == ledger.StatusConfirmed {
			if _, err := exec.Exec(ctx, `UPDATE play_obligations SET settled = TRUE WHERE settlement_id = $1`, b.ID); err != nil {
				return fmt.Errorf("failed to settle obligations of batch %s: %w", b.ID, err)
			}
		}
		return nil
	})
}
