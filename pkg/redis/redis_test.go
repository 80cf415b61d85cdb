package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/ledger"
	"github.com/mycelix-network/playsettle/pkg/reputation"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb, zaptest.NewLogger(t), DefaultStreamMaxLen), mr
}

func TestGuardRejectsReplayedNonce(t *testing.T) {
	client, _ := newTestClient(t)
	guard := NewGuard(client, 0, time.Minute, time.Hour)
	ctx := context.Background()

	require.NoError(t, guard.Admit(ctx, "listener-1", "n-1"))
	require.ErrorIs(t, guard.Admit(ctx, "listener-1", "n-1"), faults.ErrDuplicate)
	// nonces are scoped per reporter
	require.NoError(t, guard.Admit(ctx, "listener-2", "n-1"))
}

func TestGuardReleaseForgetsNonce(t *testing.T) {
	client, mr := newTestClient(t)
	guard := NewGuard(client, 0, time.Minute, time.Hour)
	ctx := context.Background()

	require.NoError(t, guard.Admit(ctx, "listener-1", "n-1"))
	require.True(t, mr.Exists(nonceKey("listener-1", "n-1")))
	require.NoError(t, guard.Release(ctx, "listener-1", "n-1"))
	require.False(t, mr.Exists(nonceKey("listener-1", "n-1")))
	require.NoError(t, guard.Admit(ctx, "listener-1", "n-1"))
	require.NoError(t, guard.Release(ctx, "listener-1", ""))
}

func TestGuardNonceExpires(t *testing.T) {
	client, mr := newTestClient(t)
	guard := NewGuard(client, 0, time.Minute, time.Hour)
	ctx := context.Background()

	require.NoError(t, guard.Admit(ctx, "listener-1", "n-1"))
	mr.FastForward(2 * time.Hour)
	require.NoError(t, guard.Admit(ctx, "listener-1", "n-1"))
}

func TestGuardRateLimitsPerWindow(t *testing.T) {
	client, _ := newTestClient(t)
	guard := NewGuard(client, 3, time.Minute, time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	guard.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, guard.Admit(ctx, "listener-1", uuid.NewString()))
	}
	require.ErrorIs(t, guard.Admit(ctx, "listener-1", uuid.NewString()), faults.ErrRateLimited)
	require.NoError(t, guard.Admit(ctx, "listener-2", uuid.NewString()))

	now = now.Add(time.Minute)
	require.NoError(t, guard.Admit(ctx, "listener-1", uuid.NewString()))
}

func TestStatusPublisherBroadcastsJSON(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, SettlementStatusChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	tx := common.HexToHash("0xabc")
	change := ledger.StatusChange{
		BatchID:  uuid.New(),
		ArtistID: "artist-1",
		From:     ledger.StatusPending,
		To:       ledger.StatusSubmitted,
		TxHash:   &tx,
		At:       time.Unix(1700000000, 0).UTC(),
	}
	NewStatusPublisher(client).PublishStatus(ctx, change)

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)

	var got ledger.StatusChange
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	require.Equal(t, change, got)
}

func TestReputationStoreRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewReputationStore(client)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	_, err := store.GetNode(ctx, "node-a")
	require.ErrorIs(t, err, faults.ErrNotFound)

	for _, id := range []string{"node-b", "node-a"} {
		rep, err := reputation.NewNodeReputation(reputation.RegisterNodeInput{
			NodeID:     id,
			EthAddress: "0x00000000000000000000000000000000000000aa",
			Region:     "eu",
		}, now)
		require.NoError(t, err)
		require.NoError(t, store.PutNode(ctx, rep))
	}
	nodes, err := store.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, "node-a", nodes[0].NodeID)
	require.Equal(t, now, nodes[0].LastActive)

	first, err := reputation.NewTrustClaim(reputation.CreateClaimInput{
		From: "alice", To: "bob", ClaimType: reputation.ClaimGeneralEndorsement, ConfidenceBps: 900,
	}, now)
	require.NoError(t, err)
	second, err := reputation.NewTrustClaim(reputation.CreateClaimInput{
		From: "carol", To: "bob", ClaimType: reputation.ClaimCdnReliability, ConfidenceBps: 500,
	}, now.Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, store.PutClaim(ctx, second))
	require.NoError(t, store.PutClaim(ctx, first))

	forBob, err := store.ClaimsFor(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, forBob, 2)
	require.Equal(t, first.ID, forBob[0].ID)

	byAlice, err := store.ClaimsBy(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, byAlice, 1)

	first.Active = false
	require.NoError(t, store.PutClaim(ctx, first))
	got, err := store.GetClaim(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, got.Active)

	_, err = store.GetVerification(ctx, "bob")
	require.ErrorIs(t, err, faults.ErrNotFound)
	status := reputation.VerificationStatus{Subject: "bob", TrustScore: 500, Tier: reputation.TierUnverified, VouchCount: 1, ComputedAt: now}
	require.NoError(t, store.PutVerification(ctx, status))
	gotStatus, err := store.GetVerification(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, status, *gotStatus)
}

func TestReputationStoreReportsIndexedByAccused(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewReputationStore(client)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	for i, accused := range []string{"node-a", "node-b", "node-a"} {
		report, err := reputation.NewByzantineReport(reputation.ByzantineInput{
			Reporter: "listener", Accused: accused, Evidence: "hash mismatch", Severity: 10,
		}, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.NoError(t, store.PutReport(ctx, report))
	}

	againstA, err := store.ListReports(ctx, "node-a")
	require.NoError(t, err)
	require.Len(t, againstA, 2)
	require.True(t, againstA[0].ReportedAt.Before(againstA[1].ReportedAt))

	all, err := store.ListReports(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	againstA[0].Status = reputation.ReportSlashed
	require.NoError(t, store.PutReport(ctx, &againstA[0]))
	got, err := store.GetReport(ctx, againstA[0].ID)
	require.NoError(t, err)
	require.Equal(t, reputation.ReportSlashed, got.Status)
}

func TestStreamConsumerGroupAcksHandledEntries(t *testing.T) {
	client, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		payload, err := json.Marshal(reputation.QualityReport{Reporter: "l", Node: "n", Success: true, Nonce: uuid.NewString()})
		require.NoError(t, err)
		_, err = client.XAdd(ctx, "reports", map[string]interface{}{"data": string(payload)})
		require.NoError(t, err)
	}

	consumer, err := NewStreamConsumer(client, ConsumerConfig{
		Stream:   "reports",
		Group:    "scorer",
		Consumer: "scorer-1",
		Block:    50 * time.Millisecond,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	got := make(chan reputation.QualityReport, 3)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, func(_ context.Context, msg Message) error {
			var report reputation.QualityReport
			if err := msg.Decode(&report); err != nil {
				return err
			}
			got <- report
			return nil
		})
	}()

	for i := 0; i < 3; i++ {
		select {
		case report := <-got:
			require.Equal(t, "n", report.Node)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for stream entries")
		}
	}

	require.Eventually(t, func() bool {
		pending, err := client.GetClient().XPending(ctx, "reports", "scorer").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestNewStreamConsumerValidates(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := NewStreamConsumer(nil, ConsumerConfig{Stream: "s"})
	require.Error(t, err)
	_, err = NewStreamConsumer(client, ConsumerConfig{})
	require.Error(t, err)
	_, err = NewStreamConsumer(client, ConsumerConfig{Stream: "s", Group: "g"})
	require.Error(t, err)
}
