package reputation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatencyFactorSteps(t *testing.T) {
	require.Equal(t, 1.0, LatencyFactor(0))
	require.Equal(t, 1.0, LatencyFactor(99))
	require.Equal(t, 0.8, LatencyFactor(100))
	require.Equal(t, 0.8, LatencyFactor(499))
	require.Equal(t, 0.5, LatencyFactor(500))
}

func TestScoreMonotonicity(t *testing.T) {
	latencies := []uint32{0, 50, 99, 100, 250, 499, 500, 5000}
	uptimes := []uint32{0, 1, 5000, 9999, 10000}

	for _, uptime := range uptimes {
		for i := 1; i < len(latencies); i++ {
			require.LessOrEqual(t, Score(uptime, latencies[i]), Score(uptime, latencies[i-1]),
				"uptime=%d latency %d -> %d", uptime, latencies[i-1], latencies[i])
		}
	}
	for _, latency := range latencies {
		for i := 1; i < len(uptimes); i++ {
			require.GreaterOrEqual(t, Score(uptimes[i], latency), Score(uptimes[i-1], latency))
		}
	}
}

func TestApplyReportRollingStats(t *testing.T) {
	now := time.Now()
	rep := &CdnNodeReputation{NodeID: "n", UptimeBps: 10000, Score: 1}

	ApplyReport(rep, QualityReport{Success: true, LatencyMs: 100, BytesServed: 10}, now)
	require.Equal(t, uint32(100), rep.AvgLatencyMs)
	require.Equal(t, uint32(10000), rep.UptimeBps)
	require.Equal(t, 0.8, rep.Score)

	ApplyReport(rep, QualityReport{Success: false, LatencyMs: 9999}, now)
	require.Equal(t, uint32(100), rep.AvgLatencyMs, "failures do not move latency")
	require.Equal(t, uint32(5000), rep.UptimeBps)
	require.InDelta(t, 0.4, rep.Score, 1e-9)

	// n = 3 after increment: (100*2 + 10) / 3 = 70
	ApplyReport(rep, QualityReport{Success: true, LatencyMs: 10, BytesServed: 5}, now)
	require.Equal(t, uint32(70), rep.AvgLatencyMs)
	require.Equal(t, uint32(6666), rep.UptimeBps)
	require.Equal(t, uint64(15), rep.BytesServed)
	require.InDelta(t, 0.6666, rep.Score, 1e-9)
}

func claimsAt(subject string, confidences ...uint32) []TrustClaim {
	out := make([]TrustClaim, len(confidences))
	for i, c := range confidences {
		out[i] = TrustClaim{From: string(rune('a' + i)), To: subject, ConfidenceBps: c, Active: true}
	}
	return out
}

func TestFoldTierThresholds(t *testing.T) {
	now := time.Now()

	status := Fold("artist", claimsAt("artist", 1000, 1000), now)
	require.Equal(t, uint32(1000), status.TrustScore)
	require.Equal(t, uint32(2), status.VouchCount)
	require.Equal(t, TierUnverified, status.Tier)

	status = Fold("artist", claimsAt("artist", 1000, 1000, 100), now)
	require.Equal(t, uint32(700), status.TrustScore)
	require.Equal(t, TierCommunityVerified, status.Tier)

	ten := claimsAt("artist", 800, 800, 800, 800, 800, 800, 800, 800, 800, 800)
	require.Equal(t, TierTrusted, Fold("artist", ten, now).Tier)
	ten[0].ConfidenceBps = 790
	require.Equal(t, TierCommunityVerified, Fold("artist", ten, now).Tier)

	empty := Fold("artist", nil, now)
	require.Zero(t, empty.TrustScore)
	require.Equal(t, TierUnverified, empty.Tier)
}

func TestFoldIgnoresInactiveExpiredAndForeign(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	claims := claimsAt("artist", 900, 900, 900, 100, 100)
	claims[3].Active = false
	claims[4].ExpiresAt = &past
	claims[2].ExpiresAt = &future
	claims = append(claims, TrustClaim{From: "z", To: "someone-else", ConfidenceBps: 0, Active: true})

	status := Fold("artist", claims, now)
	require.Equal(t, uint32(3), status.VouchCount)
	require.Equal(t, uint32(900), status.TrustScore)
}
