// Package config reads process configuration from the environment.
package config

import (
	"math"
	"runtime"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/indexer"
	"github.com/mycelix-network/playsettle/pkg/ledger"
	"github.com/mycelix-network/playsettle/pkg/utils"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	DriverLocal    = "local"
	DriverTemporal = "temporal"
)

type Indexer struct {
	RPCURLs       []string
	Contract      common.Address
	StartBlock    uint64
	PollInterval  time.Duration
	Confirmations uint64
	MaxWindow     uint64
	RPCTimeout    time.Duration
	RPCRPS        int
	Driver        string
}

type Settlement struct {
	Schedule      string
	SubmitTimeout time.Duration
	Parallelism   int
	// PlayStream carries plays to record; it is consumed only when Redis is enabled.
	PlayStream    string
	PlayGroup     string
	ConsumerName  string
}

type Reputation struct {
	ReportStream     string
	CommandStream    string
	ConsumerGroup    string
	ConsumerName     string
	NonceTTL         time.Duration
	ReportsPerMinute int64
	SlashBps         uint64
}

type Redis struct {
	// Enabled turns on status fan-out for the indexer and settler. The reputation process always
	// connects.
	Enabled      bool
	Host         string
	Port         string
	Password     string
	DB           int
	StreamMaxLen int64
}

type Temporal struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

type Ops struct {
	Addr      string
	JWTSecret string
}

// Config is the full process configuration. Each process reads only the sections it needs.
type Config struct {
	Backend     string
	PostgresURL string

	Indexer    Indexer
	Pricing    ledger.Pricing
	Settlement Settlement
	Reputation Reputation
	Redis      Redis
	Temporal   Temporal
	Ops        Ops
}

func defaultParallelism() int {
	return min(4*runtime.NumCPU(), 64)
}

// Load reads the environment. Values that cannot be represented fail here; the rest are checked
// by Validate.
func Load() (Config, error) {
	table, err := ledger.ParseStrategyTable(
		utils.Env("PRICING_TABLE_VERSION", "v1"),
		utils.Env("PRICING_STRATEGY_MULTIPLIERS", ledger.DefaultStrategyMultipliers),
	)
	if err != nil {
		return Config{}, err
	}

	contract := utils.Env("CONTRACT_ADDRESS", "")
	if contract != "" && !common.IsHexAddress(contract) {
		return Config{}, faults.Invariant("CONTRACT_ADDRESS %q is not an address", contract)
	}
	minSeconds := utils.EnvUint64("PRICING_MIN_SECONDS", uint64(ledger.DefaultMinSeconds))
	if minSeconds > math.MaxUint32 {
		return Config{}, faults.Invariant("PRICING_MIN_SECONDS %d exceeds %d", minSeconds, uint64(math.MaxUint32))
	}

	return Config{
		Backend:     utils.Env("STORE_BACKEND", BackendPostgres),
		PostgresURL: utils.Env("POSTGRES_URL", "postgres://localhost:5432/playsettle"),
		Indexer: Indexer{
			RPCURLs:       utils.EndpointList(utils.Env("RPC_URL", "http://localhost:8545")),
			Contract:      common.HexToAddress(contract),
			StartBlock:    utils.EnvUint64("INDEXER_START_BLOCK", 0),
			PollInterval:  utils.EnvDuration("INDEXER_POLL_INTERVAL", indexer.DefaultPollInterval),
			Confirmations: utils.EnvUint64("INDEXER_CONFIRMATIONS", indexer.DefaultConfirmations),
			MaxWindow:     utils.EnvUint64("INDEXER_MAX_WINDOW", indexer.DefaultMaxWindow),
			RPCTimeout:    utils.EnvDuration("INDEXER_RPC_TIMEOUT", 10*time.Second),
			RPCRPS:        utils.EnvInt("INDEXER_RPC_RPS", 20),
			Driver:        utils.Env("INDEXER_DRIVER", DriverLocal),
		},
		Pricing: ledger.Pricing{
			BaseRate:         utils.EnvUint64("PRICING_BASE_RATE", ledger.DefaultBaseRate),
			MinSeconds:       uint32(minSeconds),
			MinCompletionBps: utils.EnvUint64("PRICING_MIN_COMPLETION_BPS", ledger.DefaultMinCompletionBps),
			Strategies:       table,
		},
		Settlement: Settlement{
			Schedule:      utils.Env("SETTLER_SCHEDULE", "@every 1m"),
			SubmitTimeout: utils.EnvDuration("SETTLER_SUBMIT_TIMEOUT", 30*time.Minute),
			Parallelism:   utils.EnvInt("SETTLER_PARALLELISM", defaultParallelism()),
			PlayStream:    utils.Env("SETTLER_PLAY_STREAM", "ledger:plays"),
			PlayGroup:     utils.Env("SETTLER_PLAY_GROUP", "settler"),
			ConsumerName:  utils.Env("SETTLER_CONSUMER_NAME", utils.Env("HOSTNAME", "settler-0")),
		},
		Reputation: Reputation{
			ReportStream:     utils.Env("REPUTATION_REPORT_STREAM", "reputation:reports"),
			CommandStream:    utils.Env("REPUTATION_COMMAND_STREAM", "reputation:commands"),
			ConsumerGroup:    utils.Env("REPUTATION_CONSUMER_GROUP", "reputation"),
			ConsumerName:     utils.Env("REPUTATION_CONSUMER_NAME", utils.Env("HOSTNAME", "reputation-0")),
			NonceTTL:         utils.EnvDuration("REPUTATION_NONCE_TTL", 24*time.Hour),
			ReportsPerMinute: utils.EnvInt64("REPUTATION_REPORTS_PER_MINUTE", 120),
			SlashBps:         utils.EnvUint64("REPUTATION_SLASH_BPS", 1000),
		},
		Redis: Redis{
			Enabled:      utils.EnvBool("REDIS_ENABLED", false),
			Host:         utils.Env("REDIS_HOST", "localhost"),
			Port:         utils.Env("REDIS_PORT", "6379"),
			Password:     utils.Env("REDIS_PASSWORD", ""),
			DB:           int(utils.EnvInt64("REDIS_DB", 0)),
			StreamMaxLen: utils.EnvInt64("REDIS_STREAM_MAXLEN", 10000),
		},
		Temporal: Temporal{
			HostPort:  utils.Env("TEMPORAL_HOSTPORT", "localhost:7233"),
			Namespace: utils.Env("TEMPORAL_NAMESPACE", "default"),
			TaskQueue: utils.Env("TEMPORAL_TASK_QUEUE", "playsettle:indexer"),
		},
		Ops: Ops{
			Addr:      utils.Env("OPS_ADDR", ":9090"),
			JWTSecret: utils.Env("OPS_JWT_SECRET", ""),
		},
	}, nil
}

// Validate rejects settings no process can run with.
func (c Config) Validate() error {
	switch {
	case c.Backend != BackendPostgres && c.Backend != BackendMemory:
		return faults.Invariant("STORE_BACKEND must be %s or %s, got %q", BackendPostgres, BackendMemory, c.Backend)
	case c.Indexer.Driver != DriverLocal && c.Indexer.Driver != DriverTemporal:
		return faults.Invariant("INDEXER_DRIVER must be %s or %s, got %q", DriverLocal, DriverTemporal, c.Indexer.Driver)
	case len(c.Indexer.RPCURLs) == 0:
		return faults.Invariant("RPC_URL must list at least one endpoint")
	case c.Indexer.MaxWindow == 0:
		return faults.Invariant("INDEXER_MAX_WINDOW must be positive")
	case c.Indexer.PollInterval <= 0:
		return faults.Invariant("INDEXER_POLL_INTERVAL must be positive")
	case c.Indexer.RPCRPS <= 0:
		return faults.Invariant("INDEXER_RPC_RPS must be positive")
	case c.Reputation.SlashBps > 10_000:
		return faults.Invariant("REPUTATION_SLASH_BPS %d exceeds 10000", c.Reputation.SlashBps)
	case c.Settlement.SubmitTimeout <= 0:
		return faults.Invariant("SETTLER_SUBMIT_TIMEOUT must be positive")
	}
	if _, err := cron.ParseStandard(c.Settlement.Schedule); err != nil {
		return faults.Invariant("SETTLER_SCHEDULE %q: %v", c.Settlement.Schedule, err)
	}
	return c.Pricing.Validate()
}
