package settlement

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"

	"github.com/mycelix-network/playsettle/pkg/db/postgres"
	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/indexer"
)

// initEvents creates the decoded event log and the song registration projection.
func (db *DB) initEvents(ctx context.Context) error {
	queries := []string{`
		CREATE TABLE IF NOT EXISTS chain_events (
			tx_hash BYTEA NOT NULL,
			log_index INTEGER NOT NULL,
			block_number BIGINT NOT NULL,
			kind TEXT NOT NULL,
			song_id BYTEA NOT NULL,
			listener BYTEA,
			amount NUMERIC(78, 0),
			payment_type SMALLINT,
			strategy_id BYTEA,
			artist BYTEA,
			indexed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tx_hash, log_index)
		)`,
		`CREATE INDEX IF NOT EXISTS chain_events_block_idx ON chain_events (block_number)`,
		`
		CREATE TABLE IF NOT EXISTS song_registrations (
			song_id BYTEA PRIMARY KEY,
			strategy_id BYTEA NOT NULL,
			artist BYTEA NOT NULL,
			tx_hash BYTEA NOT NULL,
			block_number BIGINT NOT NULL
		)`,
	}
	for _, q := range queries {
		if err := db.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// UpsertEvents inserts events keyed by (tx_hash, log_index). Existing keys are left untouched.
func (db *DB) UpsertEvents(ctx context.Context, events []indexer.ChainEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	inserted := 0
	err := db.InTx(ctx, func(ctx context.Context) error {
		exec := db.GetExecutor(ctx)
		for _, ev := range events {
			tag, err := insertEvent(ctx, exec, ev)
			if err != nil {
				return err
			}
			if tag == 0 {
				continue
			}
			inserted++
			if reg, ok := ev.Fields.(indexer.SongRegistered); ok {
				if err := upsertRegistration(ctx, exec, ev, reg); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upsert %d events: %w", len(events), err)
	}
	return inserted, nil
}

func insertEvent(ctx context.Context, exec postgres.Executor, ev indexer.ChainEvent) (int64, error) {
	query := `
		INSERT INTO chain_events (tx_hash, log_index, block_number, kind, song_id, listener, amount, payment_type, strategy_id, artist)
		VALUES ($1, $2, $3, $4, $5, $6, CAST($7::text AS NUMERIC), $8, $9, $10)
		ON CONFLICT (tx_hash, log_index) DO NOTHING
	`
	var (
		songID, listener, strategy, artist []byte
		amount                             *string
		paymentType                        *int16
	)
	switch f := ev.Fields.(type) {
	case indexer.PaymentProcessed:
		songID = f.SongID[:]
		listener = f.Listener.Bytes()
		dec := "0"
		if f.Amount != nil {
			dec = f.Amount.Dec()
		}
		amount = &dec
		pt := int16(f.PaymentType)
		paymentType = &pt
	case indexer.SongRegistered:
		songID = f.SongID[:]
		strategy = f.StrategyID[:]
		artist = f.Artist.Bytes()
	default:
		return 0, fmt.Errorf("event %s/%d has unsupported fields %T", ev.TxHash, ev.LogIndex, ev.Fields)
	}
	tag, err := exec.Exec(ctx, query,
		ev.TxHash.Bytes(), int32(ev.LogIndex), int64(ev.BlockNumber), string(ev.Kind),
		songID, listener, amount, paymentType, strategy, artist)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func upsertRegistration(ctx context.Context, exec postgres.Executor, ev indexer.ChainEvent, reg indexer.SongRegistered) error {
	query := `
		INSERT INTO song_registrations (song_id, strategy_id, artist, tx_hash, block_number)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (song_id) DO UPDATE SET
			strategy_id = EXCLUDED.strategy_id,
			artist = EXCLUDED.artist,
			tx_hash = EXCLUDED.tx_hash,
			block_number = EXCLUDED.block_number
		WHERE song_registrations.block_number <= EXCLUDED.block_number
	`
	_, err := exec.Exec(ctx, query, reg.SongID[:], reg.StrategyID[:], reg.Artist.Bytes(), ev.TxHash.Bytes(), int64(ev.BlockNumber))
	return err
}

// EventsByTx returns the stored events of a transaction ordered by log index.
func (db *DB) EventsByTx(ctx context.Context, tx common.Hash) ([]indexer.ChainEvent, error) {
	query := `
		SELECT log_index, block_number, kind, song_id, listener, amount::text, payment_type, strategy_id, artist
		FROM chain_events
		WHERE tx_hash = $1
		ORDER BY log_index
	`
	rows, err := db.GetExecutor(ctx).Query(ctx, query, tx.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to query events of %s: %w", tx, err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (indexer.ChainEvent, error) {
		var (
			logIndex                           int32
			block                              int64
			kind                               string
			songID, listener, strategy, artist []byte
			amount                             *string
			paymentType                        *int16
		)
		if err := row.Scan(&logIndex, &block, &kind, &songID, &listener, &amount, &paymentType, &strategy, &artist); err != nil {
			return indexer.ChainEvent{}, err
		}
		ev := indexer.ChainEvent{TxHash: tx, BlockNumber: uint64(block), LogIndex: uint(logIndex), Kind: indexer.EventKind(kind)}
		switch ev.Kind {
		case indexer.KindPaymentProcessed:
			f := indexer.PaymentProcessed{Listener: common.BytesToAddress(listener)}
			copy(f.SongID[:], songID)
			if amount != nil {
				v, err := uint256.FromDecimal(*amount)
				if err != nil {
					return indexer.ChainEvent{}, fmt.Errorf("decode amount %q: %w", *amount, err)
				}
				f.Amount = v
			}
			if paymentType != nil {
				f.PaymentType = uint8(*paymentType)
			}
			ev.Fields = f
		case indexer.KindSongRegistered:
			f := indexer.SongRegistered{Artist: common.BytesToAddress(artist)}
			copy(f.SongID[:], songID)
			copy(f.StrategyID[:], strategy)
			ev.Fields = f
		}
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan events of %s: %w", tx, err)
	}
	return events, nil
}

// SongRegistration returns the latest on-chain registration of a song.
func (db *DB) SongRegistration(ctx context.Context, songID [32]byte) (*indexer.SongRegistration, error) {
	query := `
		SELECT strategy_id, artist, tx_hash, block_number
		FROM song_registrations
		WHERE song_id = $1
	`
	var (
		strategy, artist, tx []byte
		block                int64
	)
	err := db.QueryRow(ctx, query, songID[:]).Scan(&strategy, &artist, &tx, &block)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, fmt.Errorf("song %x: %w", songID, faults.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query song registration: %w", err)
	}
	reg := &indexer.SongRegistration{
		SongID:      songID,
		Artist:      common.BytesToAddress(artist),
		TxHash:      common.BytesToHash(tx),
		BlockNumber: uint64(block),
	}
	copy(reg.StrategyID[:], strategy)
	return reg, nil
}
