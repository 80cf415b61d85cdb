package ledger

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"github.com/mycelix-network/playsettle/pkg/faults"
)

const (
	bpsDenominator = 10_000

	// DefaultBaseRate is the per-full-play rate in wei (0.0004 xDAI).
	DefaultBaseRate uint64 = 400_000_000_000_000
	// DefaultMinSeconds and DefaultMinCompletionBps form the minimum engagement threshold.
	DefaultMinSeconds       uint32 = 30
	DefaultMinCompletionBps uint64 = 5_000
	// DefaultStrategyMultipliers is the v1 multiplier table.
	DefaultStrategyMultipliers = "gift:0,patronage:1.5,premium:2,pay_per_stream:1"
	// MaxStrategyMultiplier caps a single strategy multiplier.
	MaxStrategyMultiplier = 1000
)

// StrategyTable is a versioned mapping from strategy id to multiplier in basis points.
// Unknown strategies price at 1.0 so that revenue from new strategies is never dropped.
type StrategyTable struct {
	Version string
	Bps     map[string]uint64
}

// Multiplier returns the multiplier for id in basis points.
func (t StrategyTable) Multiplier(id string) uint64 {
	if m, ok := t.Bps[id]; ok {
		return m
	}
	return bpsDenominator
}

// String renders the table in the same "id:multiplier" form ParseStrategyTable accepts.
func (t StrategyTable) String() string {
	ids := make([]string, 0, len(t.Bps))
	for id := range t.Bps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id+":"+strconv.FormatFloat(float64(t.Bps[id])/bpsDenominator, 'f', -1, 64))
	}
	return strings.Join(parts, ",")
}

// ParseStrategyTable parses "gift:0,patronage:1.5" into a table. Multipliers keep four decimals.
func ParseStrategyTable(version, spec string) (StrategyTable, error) {
	table := StrategyTable{Version: version, Bps: map[string]uint64{}}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, raw, ok := strings.Cut(entry, ":")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return StrategyTable{}, faults.Invariant("strategy entry %q must be id:multiplier", entry)
		}
		m, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(m) || m < 0 || m > MaxStrategyMultiplier {
			return StrategyTable{}, faults.Invariant("strategy %q has invalid multiplier %q (0-%d)", id, raw, MaxStrategyMultiplier)
		}
		if _, dup := table.Bps[id]; dup {
			return StrategyTable{}, faults.Invariant("strategy %q listed twice", id)
		}
		table.Bps[id] = uint64(math.Round(m * bpsDenominator))
	}
	return table, nil
}

// Pricing is the pure per-play pricing function.
type Pricing struct {
	BaseRate         uint64
	MinSeconds       uint32
	MinCompletionBps uint64
	Strategies       StrategyTable
}

// DefaultPricing returns the production defaults.
func DefaultPricing() Pricing {
	table, _ := ParseStrategyTable("v1", DefaultStrategyMultipliers)
	return Pricing{
		BaseRate:         DefaultBaseRate,
		MinSeconds:       DefaultMinSeconds,
		MinCompletionBps: DefaultMinCompletionBps,
		Strategies:       table,
	}
}

// Validate rejects thresholds that cannot be satisfied and multipliers above MaxStrategyMultiplier.
func (p Pricing) Validate() error {
	if p.MinCompletionBps > bpsDenominator {
		return faults.Invariant("min completion %d bps exceeds 10000", p.MinCompletionBps)
	}
	for id, bps := range p.Strategies.Bps {
		if bps > MaxStrategyMultiplier*bpsDenominator {
			return faults.Invariant("strategy %q multiplier %d bps exceeds %d", id, bps, MaxStrategyMultiplier*bpsDenominator)
		}
	}
	return nil
}

// CompletionBps returns min(listened/duration, 1) in basis points, truncated. Zero-length songs complete at 0.
func CompletionBps(listened, duration uint32) uint64 {
	if duration == 0 {
		return 0
	}
	if listened >= duration {
		return bpsDenominator
	}
	return uint64(listened) * bpsDenominator / uint64(duration)
}

// Price returns the amount owed for a play. The result is
// floor(BaseRate × min(listened/duration, 1) × multiplier); plays under both the seconds and the
// completion threshold are worth nothing. An amount that does not fit in a uint64 is an error.
func (p Pricing) Price(strategyID string, listened, duration uint32) (uint64, error) {
	if duration == 0 {
		return 0, nil
	}
	if listened > duration {
		listened = duration
	}
	// listened/duration < min/10000  <=>  listened*10000 < min*duration
	belowCompletion := uint64(listened)*bpsDenominator < p.MinCompletionBps*uint64(duration)
	if listened < p.MinSeconds && belowCompletion {
		return 0, nil
	}

	amount := uint256.NewInt(p.BaseRate)
	amount.Mul(amount, uint256.NewInt(uint64(listened)))
	amount.Mul(amount, uint256.NewInt(p.Strategies.Multiplier(strategyID)))
	amount.Div(amount, uint256.NewInt(uint64(duration)*bpsDenominator))
	if !amount.IsUint64() {
		return 0, faults.Invariant("price of %q play overflows: rate %d × %d/%d × %d bps",
			strategyID, p.BaseRate, listened, duration, p.Strategies.Multiplier(strategyID))
	}
	return amount.Uint64(), nil
}

func (p Pricing) String() string {
	return fmt.Sprintf("rate=%d min_seconds=%d min_completion_bps=%d table=%s(%s)",
		p.BaseRate, p.MinSeconds, p.MinCompletionBps, p.Strategies.Version, p.Strategies)
}
