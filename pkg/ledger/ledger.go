package ledger

import (
	"context"
	"fmt"
	"math/bits"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/metrics"
)

// RecordPlayInput is one listener play as reported by the listener's process.
type RecordPlayInput struct {
	// PlayID, when set, becomes the obligation id so a redelivered play is rejected as a duplicate.
	PlayID           uuid.UUID
	ListenerID       string
	ArtistID         string
	SongID           string
	DurationListened uint32
	SongDuration     uint32
	StrategyID       string
	PlayedAt         time.Time
}

// Ledger prices plays and appends them as obligations. It never touches the chain.
type Ledger struct {
	Logger  *zap.Logger
	Store   ObligationStore
	Pricing Pricing
	Now     func() time.Time
}

func NewLedger(logger *zap.Logger, store ObligationStore, pricing Pricing) *Ledger {
	return &Ledger{Logger: logger, Store: store, Pricing: pricing, Now: time.Now}
}

// RecordPlay prices the play and persists it unsettled.
func (l *Ledger) RecordPlay(ctx context.Context, in RecordPlayInput) (*PlayObligation, error) {
	playedAt := in.PlayedAt
	if playedAt.IsZero() {
		playedAt = l.Now()
	}
	amount, err := l.Pricing.Price(in.StrategyID, in.DurationListened, in.SongDuration)
	if err != nil {
		return nil, err
	}
	o, err := NewPlayObligation(in.ListenerID, in.ArtistID, in.SongID, playedAt, in.DurationListened, in.SongDuration, in.StrategyID, amount)
	if err != nil {
		return nil, err
	}
	if in.PlayID != uuid.Nil {
		o.ID = in.PlayID
	}
	if err := l.Store.InsertObligation(ctx, o); err != nil {
		return nil, fmt.Errorf("record play %s: %w", o.ID, err)
	}

	metrics.Settlement().ObserveObligation(o.StrategyID, o.AmountOwed)
	l.Logger.Debug("play recorded",
		zap.String("obligation_id", o.ID.String()),
		zap.String("listener", o.ListenerID),
		zap.String("artist", o.ArtistID),
		zap.String("song", o.SongID),
		zap.Uint64("amount", o.AmountOwed),
	)
	return o, nil
}

// BalanceOwed totals a listener's unsettled obligations, batched or not.
func (l *Ledger) BalanceOwed(ctx context.Context, listener string) (BalanceOwed, error) {
	obligations, err := l.Store.ObligationsByListener(ctx, listener, true)
	if err != nil {
		return BalanceOwed{}, fmt.Errorf("balance owed for %s: %w", listener, err)
	}
	out := BalanceOwed{ByArtist: make(map[string]uint64)}
	for _, o := range obligations {
		out.TotalAmount = saturatingAdd(out.TotalAmount, o.AmountOwed)
		out.ByArtist[o.ArtistID] = saturatingAdd(out.ByArtist[o.ArtistID], o.AmountOwed)
		out.PlayCount++
	}
	return out, nil
}

// SongStats aggregates every recorded play of song.
func (l *Ledger) SongStats(ctx context.Context, song string) (SongStats, error) {
	obligations, err := l.Store.ObligationsBySong(ctx, song)
	if err != nil {
		return SongStats{}, fmt.Errorf("song stats for %s: %w", song, err)
	}
	var stats SongStats
	listeners := make(map[string]struct{})
	var completionSum uint64
	for _, o := range obligations {
		stats.TotalPlays++
		stats.TotalEarnings = saturatingAdd(stats.TotalEarnings, o.AmountOwed)
		listeners[o.ListenerID] = struct{}{}
		completionSum += CompletionBps(o.DurationListened, o.SongDuration)
	}
	stats.UniqueListeners = uint64(len(listeners))
	if stats.TotalPlays > 0 {
		stats.AvgCompletion = float64(completionSum) / float64(stats.TotalPlays) / bpsDenominator
	}
	return stats, nil
}

func saturatingAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return ^uint64(0)
	}
	return sum
}
