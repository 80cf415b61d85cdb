package settler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/config"
	"github.com/mycelix-network/playsettle/pkg/db"
	"github.com/mycelix-network/playsettle/pkg/ledger"
	"github.com/mycelix-network/playsettle/pkg/logging"
	"github.com/mycelix-network/playsettle/pkg/opsserver"
	"github.com/mycelix-network/playsettle/pkg/redis"
)

// App builds settlement batches on a schedule and fails submissions that never confirm.
type App struct {
	Logger     *zap.Logger
	Ledger     *ledger.Ledger
	Aggregator *ledger.Aggregator
	Tracker    *ledger.Tracker
	Stores     *db.Stores
	Ops        *opsserver.Server

	// Cron triggers SettleOnce according to CronSpec.
	Cron     *cron.Cron
	CronSpec string

	// SubmitTimeout is how long a Submitted batch may wait for its payment before it is failed.
	SubmitTimeout time.Duration

	RedisClient *redis.Client
	// Plays feeds HandlePlay; nil when Redis is disabled.
	Plays     *redis.StreamConsumer
	playsDone chan struct{}
}

// Start starts the scheduler and blocks until the context is canceled.
func (a *App) Start(ctx context.Context) {
	a.Ops.Start()
	a.Cron.Start()
	a.Logger.Info("Cron started", zap.String("cronSpec", a.CronSpec))

	if a.Plays != nil {
		a.playsDone = make(chan struct{})
		go func() {
			defer close(a.playsDone)
			if err := a.Plays.Run(ctx, a.HandlePlay); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error("Play consumer stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	a.Stop()
}

// Stop waits for a running sweep and releases every connection.
func (a *App) Stop() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	if a.playsDone != nil {
		<-a.playsDone
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

// RunResult summarises one SettleOnce run.
type RunResult struct {
	Created int               `json:"created"`
	Failed  map[string]string `json:"failed,omitempty"`
	Expired int               `json:"expired"`
}

// SettleOnce batches every artist with unbatched plays, then fails stale submissions.
func (a *App) SettleOnce(ctx context.Context) (RunResult, error) {
	sweep, err := a.Aggregator.Sweep(ctx)
	if err != nil {
		return RunResult{}, err
	}
	result := RunResult{Created: len(sweep.Created)}
	if len(sweep.Failed) > 0 {
		result.Failed = make(map[string]string, len(sweep.Failed))
		for artist, err := range sweep.Failed {
			result.Failed[artist] = err.Error()
		}
	}

	result.Expired, err = a.Tracker.ExpireStale(ctx, a.SubmitTimeout)
	if err != nil {
		return result, err
	}
	return result, nil
}

// SetupScheduler registers SettleOnce under cronSpec. A tick that fires while the previous run is
// still going is skipped.
func (a *App) SetupScheduler(ctx context.Context, cronSpec string) error {
	logger := cronLogger{a.Logger.Sugar()}
	a.Cron = cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	a.CronSpec = cronSpec

	_, err := a.Cron.AddFunc(cronSpec, func() {
		started := time.Now()
		result, err := a.SettleOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("Settlement run failed", zap.Error(err))
			return
		}
		if result.Created > 0 || result.Expired > 0 || len(result.Failed) > 0 {
			a.Logger.Info("Settlement run complete",
				zap.Int("created", result.Created),
				zap.Int("failed", len(result.Failed)),
				zap.Int("expired", result.Expired),
				zap.Duration("took", time.Since(started)))
		}
	})
	return err
}

// Initialize initializes the application.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}
	logger = logging.Component(logger, "settler")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Unable to load configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	stores, err := db.Open(ctx, logger, cfg.Backend, cfg.PostgresURL, db.ComponentSettler)
	if err != nil {
		logger.Fatal("Unable to initialize stores", zap.Error(err))
	}

	app := &App{Logger: logger, Stores: stores, SubmitTimeout: cfg.Settlement.SubmitTimeout}

	var publisher ledger.StatusPublisher
	if cfg.Redis.Enabled {
		app.RedisClient, err = redis.NewClient(ctx, logger, redis.OptionsFromConfig(cfg.Redis))
		if err != nil {
			logger.Warn("Failed to initialize Redis client, settlement feed disabled", zap.Error(err))
			app.RedisClient = nil
		} else {
			publisher = redis.NewStatusPublisher(app.RedisClient)
		}
	} else {
		logger.Info("Redis disabled, settlement feed will not be available")
	}

	app.Ledger = ledger.NewLedger(logger, stores.Ledger, cfg.Pricing)
	app.Aggregator = ledger.NewAggregator(logger, stores.Ledger, publisher, cfg.Settlement.Parallelism)
	app.Tracker = ledger.NewTracker(logger, stores.Ledger, publisher)

	if app.RedisClient != nil {
		app.Plays, err = redis.NewStreamConsumer(app.RedisClient, redis.ConsumerConfig{
			Stream:   cfg.Settlement.PlayStream,
			Group:    cfg.Settlement.PlayGroup,
			Consumer: cfg.Settlement.ConsumerName,
			Logger:   logger.With(zap.String("stream", cfg.Settlement.PlayStream)),
		})
		if err != nil {
			logger.Fatal("Unable to set up play consumer", zap.Error(err))
		}
	}

	if err := app.SetupScheduler(ctx, cfg.Settlement.Schedule); err != nil {
		logger.Fatal("Unable to set up scheduler", zap.Error(err))
	}

	if cfg.Ops.JWTSecret == "" {
		logger.Warn("OPS_JWT_SECRET not set, settlement control endpoints disabled")
	}
	app.Ops = opsserver.New(logger, opsserver.Options{
		Addr:        cfg.Ops.Addr,
		JWTSecret:   []byte(cfg.Ops.JWTSecret),
		Health:      stores.Health,
		Settlements: app.Tracker,
		Ledger:      app.Ledger,
		Feed:        app.RedisClient,
	})

	logger.Info("Settler initialized",
		zap.String("backend", cfg.Backend),
		zap.String("schedule", cfg.Settlement.Schedule),
		zap.String("pricing", cfg.Pricing.String()),
		zap.Duration("submitTimeout", cfg.Settlement.SubmitTimeout),
		zap.Int("parallelism", cfg.Settlement.Parallelism))
	return app
}

// cronLogger routes cron's logr-style calls to zap.
type cronLogger struct{ *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Errorw(msg, append(keysAndValues, "error", err)...)
}
