package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/ledger"
)

// LedgerStore implements ledger.Store. A single lock makes batch creation and confirmation atomic
// across the batch and its obligations.
type LedgerStore struct {
	mu          sync.RWMutex
	order       []uuid.UUID
	obligations map[uuid.UUID]*ledger.PlayObligation
	batches     map[uuid.UUID]*ledger.SettlementBatch
	batchOrder  []uuid.UUID
}

var _ ledger.Store = (*LedgerStore)(nil)

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		obligations: make(map[uuid.UUID]*ledger.PlayObligation),
		batches:     make(map[uuid.UUID]*ledger.SettlementBatch),
	}
}

func copyObligation(o *ledger.PlayObligation) ledger.PlayObligation {
	out := *o
	if o.SettlementID != nil {
		id := *o.SettlementID
		out.SettlementID = &id
	}
	return out
}

func copyBatch(b *ledger.SettlementBatch) *ledger.SettlementBatch {
	out := *b
	out.ObligationIDs = slices.Clone(b.ObligationIDs)
	out.SubmittedTxs = slices.Clone(b.SubmittedTxs)
	if b.TxHash != nil {
		tx := *b.TxHash
		out.TxHash = &tx
	}
	return &out
}

func (s *LedgerStore) InsertObligation(_ context.Context, o *ledger.PlayObligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.obligations[o.ID]; exists {
		return fmt.Errorf("obligation %s: %w", o.ID, faults.ErrDuplicate)
	}
	stored := copyObligation(o)
	s.obligations[o.ID] = &stored
	s.order = append(s.order, o.ID)
	return nil
}

func (s *LedgerStore) filter(keep func(*ledger.PlayObligation) bool) []ledger.PlayObligation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.PlayObligation
	for _, id := range s.order {
		o := s.obligations[id]
		if keep(o) {
			out = append(out, copyObligation(o))
		}
	}
	return out
}

func (s *LedgerStore) UnbatchedObligations(_ context.Context, artist string) ([]ledger.PlayObligation, error) {
	return s.filter(func(o *ledger.PlayObligation) bool {
		return o.ArtistID == artist && !o.Settled && o.SettlementID == nil
	}), nil
}

func (s *LedgerStore) ObligationsByListener(_ context.Context, listener string, unsettledOnly bool) ([]ledger.PlayObligation, error) {
	return s.filter(func(o *ledger.PlayObligation) bool {
		return o.ListenerID == listener && (!unsettledOnly || !o.Settled)
	}), nil
}

func (s *LedgerStore) ObligationsBySong(_ context.Context, song string) ([]ledger.PlayObligation, error) {
	return s.filter(func(o *ledger.PlayObligation) bool { return o.SongID == song }), nil
}

func (s *LedgerStore) ArtistsWithUnbatched(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, id := range s.order {
		o := s.obligations[id]
		if o.Settled || o.SettlementID != nil {
			continue
		}
		if _, ok := seen[o.ArtistID]; !ok {
			seen[o.ArtistID] = struct{}{}
			out = append(out, o.ArtistID)
		}
	}
	return out, nil
}

func (s *LedgerStore) CreateBatch(_ context.Context, b *ledger.SettlementBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[b.ID]; exists {
		return fmt.Errorf("batch %s: %w", b.ID, faults.ErrDuplicate)
	}
	for _, id := range b.ObligationIDs {
		o, ok := s.obligations[id]
		if !ok {
			return fmt.Errorf("obligation %s: %w", id, faults.ErrNotFound)
		}
		if o.Settled || o.SettlementID != nil {
			return fmt.Errorf("obligation %s already batched: %w", id, faults.ErrDuplicate)
		}
	}
	for _, id := range b.ObligationIDs {
		batchID := b.ID
		s.obligations[id].SettlementID = &batchID
	}
	s.batches[b.ID] = copyBatch(b)
	s.batchOrder = append(s.batchOrder, b.ID)
	return nil
}

func (s *LedgerStore) GetBatch(_ context.Context, id uuid.UUID) (*ledger.SettlementBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, faults.ErrNotFound)
	}
	return copyBatch(b), nil
}

func (s *LedgerStore) GetBatchByTx(_ context.Context, tx common.Hash) (*ledger.SettlementBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.batchOrder {
		b := s.batches[id]
		if (b.TxHash != nil && *b.TxHash == tx) || slices.Contains(b.SubmittedTxs, tx) {
			return copyBatch(b), nil
		}
	}
	return nil, fmt.Errorf("batch with tx %s: %w", tx.Hex(), faults.ErrNotFound)
}

func (s *LedgerStore) ListBatches(_ context.Context, artist string, statuses ...ledger.BatchStatus) ([]ledger.SettlementBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.SettlementBatch
	for _, id := range s.batchOrder {
		b := s.batches[id]
		if artist != "" && b.ArtistID != artist {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, b.Status) {
			continue
		}
		out = append(out, *copyBatch(b))
	}
	return out, nil
}

func (s *LedgerStore) ListStale(_ context.Context, status ledger.BatchStatus, before time.Time) ([]ledger.SettlementBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.SettlementBatch
	for _, id := range s.batchOrder {
		b := s.batches[id]
		if b.Status == status && b.UpdatedAt.Before(before) {
			out = append(out, *copyBatch(b))
		}
	}
	return out, nil
}

func (s *LedgerStore) UpdateBatch(_ context.Context, b *ledger.SettlementBatch, from ledger.BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.batches[b.ID]
	if !ok {
		return fmt.Errorf("batch %s: %w", b.ID, faults.ErrNotFound)
	}
	if current.Status != from {
		return fmt.Errorf("batch %s is %s, expected %s: %w", b.ID, current.Status, from, faults.ErrInvalidTransition)
	}
	if b.Status == ledger.StatusConfirmed {
		for _, id := range current.ObligationIDs {
			if o, ok := s.obligations[id]; ok {
				o.Settled = true
			}
		}
	}
	s.batches[b.ID] = copyBatch(b)
	return nil
}

// Obligation returns a stored obligation by id.
func (s *LedgerStore) Obligation(id uuid.UUID) (ledger.PlayObligation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.obligations[id]
	if !ok {
		return ledger.PlayObligation{}, false
	}
	return copyObligation(o), true
}
