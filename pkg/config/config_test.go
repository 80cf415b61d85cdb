package config

import (
	"math"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/mycelix-network/playsettle/pkg/faults"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, BackendPostgres, cfg.Backend)
	require.Equal(t, []string{"http://localhost:8545"}, cfg.Indexer.RPCURLs)
	require.Equal(t, uint64(3), cfg.Indexer.Confirmations)
	require.Equal(t, uint64(1000), cfg.Indexer.MaxWindow)
	require.Equal(t, 12*time.Second, cfg.Indexer.PollInterval)
	require.Equal(t, uint64(400_000_000_000_000), cfg.Pricing.BaseRate)
	require.Equal(t, uint64(15_000), cfg.Pricing.Strategies.Multiplier("patronage"))
	require.Equal(t, 30*time.Minute, cfg.Settlement.SubmitTimeout)
	require.Equal(t, "reputation:reports", cfg.Reputation.ReportStream)
	require.Equal(t, ":9090", cfg.Ops.Addr)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RPC_URL", "http://a:8545, http://b:8545/,http://a:8545")
	t.Setenv("CONTRACT_ADDRESS", "0x00000000000000000000000000000000000000aa")
	t.Setenv("INDEXER_CONFIRMATIONS", "12")
	t.Setenv("INDEXER_POLL_INTERVAL", "5")
	t.Setenv("PRICING_STRATEGY_MULTIPLIERS", "gift:0,tip:3")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("REDIS_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, []string{"http://a:8545", "http://b:8545"}, cfg.Indexer.RPCURLs)
	require.True(t, cfg.Redis.Enabled)
	require.Equal(t, common.HexToAddress("0xaa"), cfg.Indexer.Contract)
	require.Equal(t, uint64(12), cfg.Indexer.Confirmations)
	require.Equal(t, 5*time.Second, cfg.Indexer.PollInterval)
	require.Equal(t, uint64(30_000), cfg.Pricing.Strategies.Multiplier("tip"))
	require.Equal(t, BackendMemory, cfg.Backend)
}

func TestLoadRejectsBadInput(t *testing.T) {
	t.Setenv("CONTRACT_ADDRESS", "not-an-address")
	_, err := Load()
	require.ErrorIs(t, err, faults.ErrInvariant)

	t.Setenv("CONTRACT_ADDRESS", "")
	t.Setenv("PRICING_STRATEGY_MULTIPLIERS", "gift:-1")
	_, err = Load()
	require.ErrorIs(t, err, faults.ErrInvariant)

	t.Setenv("PRICING_STRATEGY_MULTIPLIERS", "")
	t.Setenv("PRICING_MIN_SECONDS", "4294967326")
	_, err = Load()
	require.ErrorIs(t, err, faults.ErrInvariant, "2^32+30 must not wrap to 30")

	t.Setenv("PRICING_MIN_SECONDS", "4294967295")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, uint32(math.MaxUint32), cfg.Pricing.MinSeconds)
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	cases := map[string]func(*Config){
		"backend":    func(c *Config) { c.Backend = "sqlite" },
		"driver":     func(c *Config) { c.Indexer.Driver = "cron" },
		"no rpc":     func(c *Config) { c.Indexer.RPCURLs = nil },
		"window":     func(c *Config) { c.Indexer.MaxWindow = 0 },
		"slash":      func(c *Config) { c.Reputation.SlashBps = 10_001 },
		"schedule":   func(c *Config) { c.Settlement.Schedule = "every minute" },
		"completion": func(c *Config) { c.Pricing.MinCompletionBps = 20_000 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			cfg.Indexer.RPCURLs = append([]string(nil), base.Indexer.RPCURLs...)
			mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), faults.ErrInvariant)
		})
	}
}
