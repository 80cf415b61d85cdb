package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/indexer"
)

// CheckpointStore keeps the checkpoint in memory.
type CheckpointStore struct {
	mu    sync.Mutex
	block uint64
	set   bool
}

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{}
}

func (s *CheckpointStore) Load(_ context.Context) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.block, s.set, nil
}

func (s *CheckpointStore) Save(_ context.Context, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set || block > s.block {
		s.block = block
	}
	s.set = true
	return nil
}

// EventStore keeps decoded events keyed by (tx_hash, log_index).
type EventStore struct {
	events *xsync.Map[indexer.EventKey, indexer.ChainEvent]
	songs  *xsync.Map[[32]byte, indexer.SongRegistration]
}

func NewEventStore() *EventStore {
	return &EventStore{
		events: xsync.NewMap[indexer.EventKey, indexer.ChainEvent](),
		songs:  xsync.NewMap[[32]byte, indexer.SongRegistration](),
	}
}

func (s *EventStore) UpsertEvents(_ context.Context, events []indexer.ChainEvent) (int, error) {
	inserted := 0
	for _, ev := range events {
		if _, loaded := s.events.LoadOrStore(ev.Key(), ev); loaded {
			continue
		}
		inserted++
		if reg, ok := ev.Fields.(indexer.SongRegistered); ok {
			s.songs.Store(reg.SongID, indexer.SongRegistration{
				SongID:      reg.SongID,
				StrategyID:  reg.StrategyID,
				Artist:      reg.Artist,
				TxHash:      ev.TxHash,
				BlockNumber: ev.BlockNumber,
			})
		}
	}
	return inserted, nil
}

func (s *EventStore) EventsByTx(_ context.Context, tx common.Hash) ([]indexer.ChainEvent, error) {
	var out []indexer.ChainEvent
	s.events.Range(func(key indexer.EventKey, ev indexer.ChainEvent) bool {
		if key.TxHash == tx {
			out = append(out, ev)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].LogIndex < out[j].LogIndex })
	return out, nil
}

func (s *EventStore) SongRegistration(_ context.Context, songID [32]byte) (*indexer.SongRegistration, error) {
	reg, ok := s.songs.Load(songID)
	if !ok {
		return nil, faults.ErrNotFound
	}
	return &reg, nil
}

// Len returns the number of stored events.
func (s *EventStore) Len() int {
	return s.events.Size()
}
