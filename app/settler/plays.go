package settler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/ledger"
	"github.com/mycelix-network/playsettle/pkg/redis"
)

// PlayMessage is the stream form of a play reported by a listener's process.
type PlayMessage struct {
	PlayID           string    `json:"play_id,omitempty"`
	ListenerID       string    `json:"listener_id"`
	ArtistID         string    `json:"artist_id"`
	SongID           string    `json:"song_id"`
	DurationListened uint32    `json:"duration_listened"`
	SongDuration     uint32    `json:"song_duration"`
	StrategyID       string    `json:"strategy_id,omitempty"`
	PlayedAt         time.Time `json:"played_at,omitempty"`
}

// HandlePlay records one play entry. Entries that can never be recorded are acknowledged and
// logged; store failures leave the entry pending. A play without play_id is keyed by its stream
// entry, so redelivery never accrues it twice.
func (a *App) HandlePlay(ctx context.Context, msg redis.Message) error {
	var m PlayMessage
	if err := msg.Decode(&m); err != nil {
		a.Logger.Warn("Dropping undecodable play", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	in := ledger.RecordPlayInput{
		ListenerID:       m.ListenerID,
		ArtistID:         m.ArtistID,
		SongID:           m.SongID,
		DurationListened: m.DurationListened,
		SongDuration:     m.SongDuration,
		StrategyID:       m.StrategyID,
		PlayedAt:         m.PlayedAt,
	}
	if m.PlayID == "" {
		in.PlayID = msg.EntryUUID()
	} else {
		id, err := uuid.Parse(m.PlayID)
		if err != nil {
			a.Logger.Warn("Dropping play with malformed id", zap.String("id", msg.ID), zap.String("play_id", m.PlayID))
			return nil
		}
		in.PlayID = id
	}

	_, err := a.Ledger.RecordPlay(ctx, in)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, faults.ErrDuplicate):
		a.Logger.Debug("Play already recorded", zap.String("id", msg.ID), zap.String("play_id", in.PlayID.String()))
		return nil
	case errors.Is(err, faults.ErrInvariant):
		a.Logger.Warn("Rejected play", zap.String("id", msg.ID), zap.Error(err))
		return nil
	default:
		return err
	}
}
