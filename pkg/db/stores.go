// Package db opens the stores a process runs on.
package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/config"
	"github.com/mycelix-network/playsettle/pkg/db/memory"
	"github.com/mycelix-network/playsettle/pkg/db/postgres"
	"github.com/mycelix-network/playsettle/pkg/db/postgres/settlement"
	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/indexer"
	"github.com/mycelix-network/playsettle/pkg/ledger"
)

// Stores bundles the indexer and ledger persistence of one process.
type Stores struct {
	Checkpoints indexer.CheckpointStore
	Events      indexer.EventStore
	Ledger      ledger.Store

	health func(ctx context.Context) error
	close  func() error
}

// ComponentSettler reads confirmations that another process writes, so it cannot run on
// per-process memory stores.
const ComponentSettler = "settler"

// Open connects to the configured backend. The memory backend keeps state for the life of the
// process only and is refused for the settler.
func Open(ctx context.Context, logger *zap.Logger, backend, url, component string) (*Stores, error) {
	switch backend {
	case config.BackendMemory:
		if component == ComponentSettler {
			return nil, faults.Invariant("%s cannot use the %s backend: confirmations recorded by the indexer process would never reach it",
				component, config.BackendMemory)
		}
		logger.Warn("Using in-memory stores, state is lost on exit", zap.String("component", component))
		return &Stores{
			Checkpoints: memory.NewCheckpointStore(),
			Events:      memory.NewEventStore(),
			Ledger:      memory.NewLedgerStore(),
			health:      func(context.Context) error { return nil },
			close:       func() error { return nil },
		}, nil
	case config.BackendPostgres:
		pg, err := settlement.NewWithPoolConfig(ctx, logger, url, postgres.GetPoolConfigForComponent(component))
		if err != nil {
			return nil, err
		}
		return &Stores{
			Checkpoints: pg,
			Events:      pg,
			Ledger:      pg,
			health:      pg.Pool.Ping,
			close:       pg.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func (s *Stores) Health(ctx context.Context) error {
	return s.health(ctx)
}

func (s *Stores) Close() error {
	return s.close()
}
