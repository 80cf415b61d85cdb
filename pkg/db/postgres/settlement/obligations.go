package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/ledger"
)

const uniqueViolation = "23505"

// initObligations creates the play_obligations table. seq preserves insertion order, which fixes
// the leaf order of any batch built from the rows.
func (db *DB) initObligations(ctx context.Context) error {
	queries := []string{`
		CREATE TABLE IF NOT EXISTS play_obligations (
			seq BIGSERIAL UNIQUE,
			id UUID PRIMARY KEY,
			listener_id TEXT NOT NULL,
			artist_id TEXT NOT NULL,
			song_id TEXT NOT NULL,
			played_at TIMESTAMP WITH TIME ZONE NOT NULL,
			duration_listened INTEGER NOT NULL,
			song_duration INTEGER NOT NULL,
			strategy_id TEXT NOT NULL,
			amount_owed NUMERIC(20, 0) NOT NULL,
			settled BOOLEAN NOT NULL DEFAULT FALSE,
			settlement_id UUID,
			CHECK (duration_listened <= song_duration)
		)`,
		`CREATE INDEX IF NOT EXISTS play_obligations_unbatched_idx
			ON play_obligations (artist_id, seq) WHERE settlement_id IS NULL AND NOT settled`,
		`CREATE INDEX IF NOT EXISTS play_obligations_listener_idx ON play_obligations (listener_id, seq)`,
		`CREATE INDEX IF NOT EXISTS play_obligations_song_idx ON play_obligations (song_id, seq)`,
		`CREATE INDEX IF NOT EXISTS play_obligations_settlement_idx ON play_obligations (settlement_id)`,
	}
	for _, q := range queries {
		if err := db.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

const obligationColumns = `id, listener_id, artist_id, song_id, played_at, duration_listened, song_duration,
	strategy_id, amount_owed::text, settled, settlement_id`

// InsertObligation stores a new obligation. A reused id is ErrDuplicate.
func (db *DB) InsertObligation(ctx context.Context, o *ledger.PlayObligation) error {
	query := `
		INSERT INTO play_obligations (id, listener_id, artist_id, song_id, played_at, duration_listened,
			song_duration, strategy_id, amount_owed, settled, settlement_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CAST($9::text AS NUMERIC), $10, $11)
	`
	err := db.Exec(ctx, query,
		o.ID, o.ListenerID, o.ArtistID, o.SongID, o.PlayedAt,
		int64(o.DurationListened), int64(o.SongDuration), o.StrategyID,
		strconv.FormatUint(o.AmountOwed, 10), o.Settled, o.SettlementID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("obligation %s: %w", o.ID, faults.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert obligation %s: %w", o.ID, err)
	}
	return nil
}

func scanObligation(row pgx.CollectableRow) (ledger.PlayObligation, error) {
	var (
		o                  ledger.PlayObligation
		listened, duration int64
		amount             string
	)
	err := row.Scan(&o.ID, &o.ListenerID, &o.ArtistID, &o.SongID, &o.PlayedAt, &listened, &duration,
		&o.StrategyID, &amount, &o.Settled, &o.SettlementID)
	if err != nil {
		return ledger.PlayObligation{}, err
	}
	o.PlayedAt = o.PlayedAt.UTC()
	o.DurationListened = uint32(listened)
	o.SongDuration = uint32(duration)
	if o.AmountOwed, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return ledger.PlayObligation{}, fmt.Errorf("obligation %s amount %q: %w", o.ID, amount, err)
	}
	return o, nil
}

func (db *DB) selectObligations(ctx context.Context, where string, args ...any) ([]ledger.PlayObligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM play_obligations WHERE ` + where + ` ORDER BY seq`
	rows, err := db.GetExecutor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query obligations: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanObligation)
	if err != nil {
		return nil, fmt.Errorf("failed to scan obligations: %w", err)
	}
	return out, nil
}

func (db *DB) UnbatchedObligations(ctx context.Context, artist string) ([]ledger.PlayObligation, error) {
	return db.selectObligations(ctx, `artist_id = $1 AND settlement_id IS NULL AND NOT settled`, artist)
}

func (db *DB) ObligationsByListener(ctx context.Context, listener string, unsettledOnly bool) ([]ledger.PlayObligation, error) {
	if unsettledOnly {
		return db.selectObligations(ctx, `listener_id = $1 AND NOT settled`, listener)
	}
	return db.selectObligations(ctx, `listener_id = $1`, listener)
}

func (db *DB) ObligationsBySong(ctx context.Context, song string) ([]ledger.PlayObligation, error) {
	return db.selectObligations(ctx, `song_id = $1`, song)
}

// ArtistsWithUnbatched lists artists in order of their oldest unbatched obligation.
func (db *DB) ArtistsWithUnbatched(ctx context.Context) ([]string, error) {
	query := `
		SELECT artist_id
		FROM play_obligations
		WHERE settlement_id IS NULL AND NOT settled
		GROUP BY artist_id
		ORDER BY MIN(seq)
	`
	rows, err := db.GetExecutor(ctx).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query artists with unbatched plays: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// uuidStrings renders ids for a uuid[] parameter.
func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
