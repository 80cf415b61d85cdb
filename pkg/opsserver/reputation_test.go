package opsserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mycelix-network/playsettle/pkg/db/memory"
	"github.com/mycelix-network/playsettle/pkg/reputation"
)

func TestReputationRoutes(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	scorer := reputation.NewScorer(logger, memory.NewReputationStore(), nil, reputation.DefaultSlashBps)

	for _, in := range []reputation.RegisterNodeInput{
		{NodeID: "eu-1", EthAddress: "0x00000000000000000000000000000000000000e1", Region: "eu"},
		{NodeID: "us-1", EthAddress: "0x00000000000000000000000000000000000000a1", Region: "us"},
	} {
		_, err := scorer.RegisterNode(ctx, in)
		require.NoError(t, err)
	}
	_, err := scorer.RecordQualityReport(ctx, reputation.QualityReport{
		Reporter: "alice", Node: "us-1", Success: false, LatencyMs: 900, Nonce: "n1",
	})
	require.NoError(t, err)
	_, _, err = scorer.CreateClaim(ctx, reputation.CreateClaimInput{
		From: "alice", To: "bob", ClaimType: reputation.ClaimGeneralEndorsement, ConfidenceBps: 8000,
	})
	require.NoError(t, err)

	server := New(logger, Options{Reputation: scorer})
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/nodes/best?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes []reputation.CdnNodeReputation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "eu-1", nodes[0].NodeID)

	rec = get("/nodes/best?region=us")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "us-1", nodes[0].NodeID)

	rec = get("/nodes/best?region=asia")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, get("/nodes/best?limit=-1").Code)

	rec = get("/nodes/us-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var node reputation.CdnNodeReputation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))
	assert.Equal(t, uint64(1), node.FailedRequests)

	assert.Equal(t, http.StatusNotFound, get("/nodes/nobody").Code)

	rec = get("/agents/bob/verification")
	require.Equal(t, http.StatusOK, rec.Code)
	var status reputation.VerificationStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, uint32(1), status.VouchCount)

	rec = get("/agents/carol/verification")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, reputation.TierUnverified, status.Tier)

	rec = get("/agents/alice/claims")
	require.Equal(t, http.StatusOK, rec.Code)
	var claims []reputation.TrustClaim
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claims))
	require.Len(t, claims, 1)
	assert.Equal(t, "bob", claims[0].To)
}
