package ledger

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mycelix-network/playsettle/pkg/faults"
)

func priceOf(t *testing.T, p Pricing, strategy string, listened, duration uint32) uint64 {
	t.Helper()
	amount, err := p.Price(strategy, listened, duration)
	require.NoError(t, err)
	return amount
}

func TestPriceEngagementBoundary(t *testing.T) {
	p := DefaultPricing()

	require.Zero(t, priceOf(t, p, "pay_per_stream", 29, 60), "29s at 48% is below both thresholds")
	require.Equal(t, DefaultBaseRate/2, priceOf(t, p, "pay_per_stream", 30, 60))
	require.Equal(t, DefaultBaseRate, priceOf(t, p, "premium", 30, 60))
	require.Equal(t, DefaultBaseRate*3/4, priceOf(t, p, "patronage", 30, 60))
}

func TestPriceEitherThresholdIsEnough(t *testing.T) {
	p := DefaultPricing()

	// 25s of a 40s song is 62.5% complete
	require.Equal(t, DefaultBaseRate*25/40, priceOf(t, p, "", 25, 40))
	// 45s of a 10 minute song is only 7.5% complete but clears the seconds threshold
	require.Equal(t, DefaultBaseRate*45/600, priceOf(t, p, "", 45, 600))
}

func TestPriceEdges(t *testing.T) {
	p := DefaultPricing()

	require.Zero(t, priceOf(t, p, "", 0, 0))
	require.Zero(t, priceOf(t, p, "gift", 200, 200))
	require.Equal(t, DefaultBaseRate, priceOf(t, p, "", 500, 200), "completion clamps at 1")
	require.Equal(t, DefaultBaseRate, priceOf(t, p, "brand_new_strategy", 200, 200))
}

func TestPriceOverflowIsAnError(t *testing.T) {
	p := DefaultPricing()
	p.BaseRate = math.MaxUint64

	_, err := p.Price("premium", 60, 60)
	require.ErrorIs(t, err, faults.ErrInvariant)
	// the same rate at 1.0 still fits
	require.Equal(t, uint64(math.MaxUint64), priceOf(t, p, "pay_per_stream", 60, 60))
}

func TestPriceTruncates(t *testing.T) {
	p := Pricing{BaseRate: 10, MinSeconds: 0, Strategies: StrategyTable{Bps: map[string]uint64{}}}
	require.Equal(t, uint64(3), priceOf(t, p, "", 1, 3))
}

func TestParseStrategyTable(t *testing.T) {
	table, err := ParseStrategyTable("v2", " gift:0, patronage:1.5 ,premium:2")
	require.NoError(t, err)
	require.Equal(t, "v2", table.Version)
	require.Equal(t, uint64(0), table.Multiplier("gift"))
	require.Equal(t, uint64(15000), table.Multiplier("patronage"))
	require.Equal(t, uint64(20000), table.Multiplier("premium"))
	require.Equal(t, uint64(10000), table.Multiplier("unknown"))
	require.Equal(t, "gift:0,patronage:1.5,premium:2", table.String())

	for _, bad := range []string{"gift", "gift:-1", "gift:abc", ":1", "gift:1,gift:2", "gift:NaN", "gift:+Inf", "gift:1e300", "gift:1000.5"} {
		_, err := ParseStrategyTable("v1", bad)
		require.ErrorIs(t, err, faults.ErrInvariant, bad)
	}
}

func TestCompletionBps(t *testing.T) {
	require.Equal(t, uint64(0), CompletionBps(10, 0))
	require.Equal(t, uint64(5000), CompletionBps(30, 60))
	require.Equal(t, uint64(10000), CompletionBps(90, 60))
}

func TestPricingValidate(t *testing.T) {
	p := DefaultPricing()
	require.NoError(t, p.Validate())
	p.MinCompletionBps = 10001
	require.ErrorIs(t, p.Validate(), faults.ErrInvariant)

	p = DefaultPricing()
	p.Strategies.Bps["whale"] = math.MaxUint64
	require.ErrorIs(t, p.Validate(), faults.ErrInvariant)
}
