package reputation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mycelix-network/playsettle/pkg/faults"
)

func TestNewNodeReputation(t *testing.T) {
	rep, err := NewNodeReputation(RegisterNodeInput{
		NodeID:     "node-1",
		EthAddress: "0x1234567890abcdef1234567890abcdef12345678",
		Region:     "eu-west",
	}, time.Now())
	require.NoError(t, err)
	require.Equal(t, uint32(10000), rep.UptimeBps)
	require.Equal(t, 1.0, rep.Score)

	for _, addr := range []string{"", "1234567890abcdef1234567890abcdef12345678", "0x1234", "0xzz34567890abcdef1234567890abcdef12345678"} {
		_, err := NewNodeReputation(RegisterNodeInput{NodeID: "n", EthAddress: addr}, time.Now())
		require.ErrorIs(t, err, faults.ErrInvariant, addr)
	}
}

func TestNewTrustClaimInvariants(t *testing.T) {
	now := time.Now()
	valid := CreateClaimInput{From: "a", To: "b", ClaimType: ClaimIdentityVerification, ConfidenceBps: 1000}
	c, err := NewTrustClaim(valid, now)
	require.NoError(t, err)
	require.True(t, c.Active)

	self := valid
	self.To = "a"
	_, err = NewTrustClaim(self, now)
	require.ErrorIs(t, err, faults.ErrInvariant)

	high := valid
	high.ConfidenceBps = 1001
	_, err = NewTrustClaim(high, now)
	require.ErrorIs(t, err, faults.ErrInvariant)

	unknown := valid
	unknown.ClaimType = "vibes"
	_, err = NewTrustClaim(unknown, now)
	require.ErrorIs(t, err, faults.ErrInvariant)

	past := now.Add(-time.Second)
	expired := valid
	expired.ExpiresAt = &past
	_, err = NewTrustClaim(expired, now)
	require.ErrorIs(t, err, faults.ErrInvariant)
}

func TestNewByzantineReportInvariants(t *testing.T) {
	now := time.Now()
	r, err := NewByzantineReport(ByzantineInput{Reporter: "a", Accused: "b", Evidence: "ipfs://x", Severity: 100}, now)
	require.NoError(t, err)
	require.Equal(t, ReportPending, r.Status)
	require.Equal(t, BehaviorOther, r.Behavior)

	for name, in := range map[string]ByzantineInput{
		"self":        {Reporter: "a", Accused: "a", Evidence: "e"},
		"no evidence": {Reporter: "a", Accused: "b"},
		"severity":    {Reporter: "a", Accused: "b", Evidence: "e", Severity: 101},
	} {
		_, err := NewByzantineReport(in, now)
		require.ErrorIs(t, err, faults.ErrInvariant, name)
	}
}
