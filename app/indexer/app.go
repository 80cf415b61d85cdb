package indexer

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/app/indexer/workflow"
	"github.com/mycelix-network/playsettle/pkg/config"
	"github.com/mycelix-network/playsettle/pkg/db"
	eventindexer "github.com/mycelix-network/playsettle/pkg/indexer"
	"github.com/mycelix-network/playsettle/pkg/ledger"
	"github.com/mycelix-network/playsettle/pkg/logging"
	"github.com/mycelix-network/playsettle/pkg/opsserver"
	"github.com/mycelix-network/playsettle/pkg/redis"
	"github.com/mycelix-network/playsettle/pkg/rpc"
	"github.com/mycelix-network/playsettle/pkg/temporal"
)

type App struct {
	Logger  *zap.Logger
	Indexer *eventindexer.Indexer
	Stores  *db.Stores
	Ops     *opsserver.Server

	// Runner drives cycles in-process when INDEXER_DRIVER=local.
	Runner *eventindexer.Runner
	// Worker and TemporalClient drive cycles from a Temporal schedule when INDEXER_DRIVER=temporal.
	Worker         worker.Worker
	TemporalClient *temporal.Client

	RedisClient *redis.Client
}

// Start runs the indexer and blocks until the context is canceled.
func (a *App) Start(ctx context.Context) {
	a.Ops.Start()

	if a.Worker != nil {
		if err := a.Worker.Start(); err != nil {
			a.Logger.Fatal("Unable to start worker", zap.Error(err))
		}
		<-ctx.Done()
	} else {
		a.Runner.Run(ctx)
	}
	a.Stop()
}

// Stop releases every connection.
func (a *App) Stop() {
	if a.Worker != nil {
		a.Worker.Stop()
	}
	if a.TemporalClient != nil {
		a.TemporalClient.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Ops.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("Ops server shutdown", zap.Error(err))
	}

	if a.RedisClient != nil {
		_ = a.RedisClient.Close()
	}
	if err := a.Stores.Close(); err != nil {
		a.Logger.Error("Failed to close stores", zap.Error(err))
	}
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}

// Initialize initializes the application.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}
	logger = logging.Component(logger, "indexer")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Unable to load configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	stores, err := db.Open(ctx, logger, cfg.Backend, cfg.PostgresURL, "indexer")
	if err != nil {
		logger.Fatal("Unable to initialize stores", zap.Error(err))
	}

	fetcher, err := rpc.Dial(ctx, cfg.Indexer.RPCURLs, rpc.Opts{
		Timeout: cfg.Indexer.RPCTimeout,
		RPS:     cfg.Indexer.RPCRPS,
	})
	if err != nil {
		logger.Fatal("Unable to dial rpc endpoints", zap.Error(err))
	}

	app := &App{Logger: logger, Stores: stores}

	var publisher ledger.StatusPublisher
	if cfg.Redis.Enabled {
		app.RedisClient, err = redis.NewClient(ctx, logger, redis.OptionsFromConfig(cfg.Redis))
		if err != nil {
			logger.Warn("Failed to initialize Redis client, status changes will not be broadcast", zap.Error(err))
			app.RedisClient = nil
		} else {
			publisher = redis.NewStatusPublisher(app.RedisClient)
		}
	}

	// Confirmed payments close their batch.
	tracker := ledger.NewTracker(logger, stores.Ledger, publisher)

	app.Indexer = eventindexer.New(logger, eventindexer.Config{
		Contract:      cfg.Indexer.Contract,
		StartBlock:    cfg.Indexer.StartBlock,
		Confirmations: cfg.Indexer.Confirmations,
		MaxWindow:     cfg.Indexer.MaxWindow,
	}, fetcher, eventindexer.DefaultRegistry(), stores.Events, stores.Checkpoints, tracker)

	switch cfg.Indexer.Driver {
	case config.DriverTemporal:
		app.TemporalClient, app.Worker, err = newWorker(ctx, logger, cfg, app.Indexer)
		if err != nil {
			logger.Fatal("Unable to set up temporal worker", zap.Error(err))
		}
	default:
		app.Runner = eventindexer.NewRunner(logger, app.Indexer, cfg.Indexer.PollInterval)
	}

	app.Ops = opsserver.New(logger, opsserver.Options{
		Addr:   cfg.Ops.Addr,
		Status: func() any { return app.Indexer.Status() },
		Health: stores.Health,
	})

	logger.Info("Indexer initialized",
		zap.String("contract", cfg.Indexer.Contract.Hex()),
		zap.String("driver", cfg.Indexer.Driver),
		zap.String("backend", cfg.Backend),
		zap.Uint64("confirmations", cfg.Indexer.Confirmations),
		zap.Int("endpoints", len(cfg.Indexer.RPCURLs)))
	return app
}

func newWorker(ctx context.Context, logger *zap.Logger, cfg config.Config, ix *eventindexer.Indexer) (*temporal.Client, worker.Worker, error) {
	temporalClient, err := temporal.NewClient(ctx, logger, cfg.Temporal.HostPort, cfg.Temporal.Namespace, cfg.Temporal.TaskQueue)
	if err != nil {
		return nil, nil, err
	}

	activities := &workflow.Activities{Logger: logger, Indexer: ix}
	workflowContext := &workflow.Context{ActivityTimeout: 2*cfg.Indexer.RPCTimeout + time.Minute}

	// One cycle at a time; the indexer rejects overlap anyway.
	wkr := worker.New(
		temporalClient.TClient,
		temporalClient.TaskQueue,
		worker.Options{
			MaxConcurrentWorkflowTaskPollers:   2,
			MaxConcurrentActivityTaskPollers:   2,
			MaxConcurrentActivityExecutionSize: 1,
			WorkerStopTimeout:                  1 * time.Minute,
		},
	)
	wkr.RegisterWorkflowWithOptions(
		workflowContext.IndexCycleWorkflow,
		temporalworkflow.RegisterOptions{Name: workflow.IndexCycleWorkflowName},
	)
	wkr.RegisterActivityWithOptions(
		activities.IndexCycle,
		activity.RegisterOptions{Name: workflow.IndexCycleActivityName},
	)

	err = temporalClient.EnsureSchedule(ctx, temporal.Schedule{
		ID:       workflow.IndexCycleScheduleID,
		Every:    cfg.Indexer.PollInterval,
		Workflow: workflow.IndexCycleWorkflowName,
		Timeout:  5 * time.Minute,
	})
	if err != nil {
		temporalClient.Close()
		return nil, nil, err
	}
	return temporalClient, wkr, nil
}
