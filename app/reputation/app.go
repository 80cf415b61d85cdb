package reputation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/config"
	"github.com/mycelix-network/playsettle/pkg/logging"
	"github.com/mycelix-network/playsettle/pkg/opsserver"
	"github.com/mycelix-network/playsettle/pkg/redis"
	"github.com/mycelix-network/playsettle/pkg/reputation"
)

// App consumes quality reports and reputation commands from Redis streams.
type App struct {
	Logger      *zap.Logger
	Scorer      *reputation.Scorer
	RedisClient *redis.Client
	Ops         *opsserver.Server

	Reports  *redis.StreamConsumer
	Commands *redis.StreamConsumer

	wg sync.WaitGroup
}

// Start runs both consumers and blocks until the context is canceled.
func (a *App) Start(ctx context.Context) {
	a.Ops.Start()

	a.consume(ctx, "reports", a.Reports, a.HandleReport)
	a.consume(ctx, "commands", a.Commands, a.HandleCommand)

	<-ctx.Done()
	a.Stop()
}

func (a *App) consume(ctx context.Context, name string, c *redis.StreamConsumer, h redis.Handler) {
	if c == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := c.Run(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("Consumer stopped", zap.String("consumer", name), zap.Error(err))
		}
	}()
}

// Stop waits for the consumers and releases every connection.
func (a *App) Stop() {
	a.wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Ops.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("Ops server shutdown", zap.Error(err))
	}
	if a.RedisClient != nil {
		_ = a.RedisClient.Close()
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
	logger = logging.Component(logger, "reputation")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Unable to load configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	client, err := redis.NewClient(ctx, logger, redis.OptionsFromConfig(cfg.Redis))
	if err != nil {
		logger.Fatal("Unable to initialize Redis client", zap.Error(err))
	}

	guard := redis.NewGuard(client, cfg.Reputation.ReportsPerMinute, time.Minute, cfg.Reputation.NonceTTL)
	app := &App{
		Logger:      logger,
		RedisClient: client,
		Scorer:      reputation.NewScorer(logger, redis.NewReputationStore(client), guard, cfg.Reputation.SlashBps),
	}

	for _, c := range []struct {
		stream string
		dst    **redis.StreamConsumer
	}{
		{cfg.Reputation.ReportStream, &app.Reports},
		{cfg.Reputation.CommandStream, &app.Commands},
	} {
		*c.dst, err = redis.NewStreamConsumer(client, redis.ConsumerConfig{
			Stream:   c.stream,
			Group:    cfg.Reputation.ConsumerGroup,
			Consumer: cfg.Reputation.ConsumerName,
			Logger:   logger.With(zap.String("stream", c.stream)),
		})
		if err != nil {
			logger.Fatal("Unable to set up consumer", zap.String("stream", c.stream), zap.Error(err))
		}
	}

	app.Ops = opsserver.New(logger, opsserver.Options{
		Addr:       cfg.Ops.Addr,
		Health:     client.Health,
		Reputation: app.Scorer,
	})

	logger.Info("Reputation initialized",
		zap.String("reportStream", cfg.Reputation.ReportStream),
		zap.String("commandStream", cfg.Reputation.CommandStream),
		zap.Int64("reportsPerMinute", cfg.Reputation.ReportsPerMinute),
		zap.Uint64("slashBps", cfg.Reputation.SlashBps))
	return app
}
