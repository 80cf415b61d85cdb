package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/reputation"
)

const (
	nodesKey      = "reputation:nodes"
	allReportsKey = "reputation:reports"
)

func claimKey(id uuid.UUID) string          { return "reputation:claim:" + id.String() }
func claimsToKey(subject string) string     { return "reputation:claims:to:" + subject }
func claimsFromKey(author string) string    { return "reputation:claims:from:" + author }
func verificationKey(subject string) string { return "reputation:verification:" + subject }
func reportKey(id uuid.UUID) string         { return "reputation:report:" + id.String() }
func reportsAgainstKey(accused string) string {
	return "reputation:reports:accused:" + accused
}

// ReputationStore implements reputation.Store over Redis. Records are JSON documents; set keys
// index claims by both parties and reports by the accused.
type ReputationStore struct {
	client *Client
}

var _ reputation.Store = (*ReputationStore)(nil)

func NewReputationStore(client *Client) *ReputationStore {
	return &ReputationStore{client: client}
}

func (s *ReputationStore) rdb() *redis.Client { return s.client.GetClient() }

func getJSON[T any](ctx context.Context, rdb *redis.Client, key, what string) (*T, error) {
	raw, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", what, faults.ErrNotFound)
	}
	if err != nil {
		return nil, faults.Transient("get "+what, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", what, err)
	}
	return &v, nil
}

// loadMembers fetches every JSON document whose id is a member of setKey.
func loadMembers[T any](ctx context.Context, rdb *redis.Client, setKey string, key func(uuid.UUID) string) ([]T, error) {
	ids, err := rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, faults.Transient("list "+setKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("index %s holds invalid id %q: %w", setKey, raw, err)
		}
		keys = append(keys, key(id))
	}
	vals, err := rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, faults.Transient("load "+setKey, err)
	}
	out := make([]T, 0, len(vals))
	for i, val := range vals {
		str, ok := val.(string)
		if !ok {
			// index outlived its record
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(str), &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *ReputationStore) GetNode(ctx context.Context, nodeID string) (*reputation.CdnNodeReputation, error) {
	raw, err := s.rdb().HGet(ctx, nodesKey, nodeID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("node %s: %w", nodeID, faults.ErrNotFound)
	}
	if err != nil {
		return nil, faults.Transient("get node", err)
	}
	var rep reputation.CdnNodeReputation
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, fmt.Errorf("decode node %s: %w", nodeID, err)
	}
	return &rep, nil
}

func (s *ReputationStore) PutNode(ctx context.Context, rep *reputation.CdnNodeReputation) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	if err := s.rdb().HSet(ctx, nodesKey, rep.NodeID, payload).Err(); err != nil {
		return faults.Transient("put node", err)
	}
	return nil
}

func (s *ReputationStore) ListNodes(ctx context.Context) ([]reputation.CdnNodeReputation, error) {
	all, err := s.rdb().HGetAll(ctx, nodesKey).Result()
	if err != nil {
		return nil, faults.Transient("list nodes", err)
	}
	out := make([]reputation.CdnNodeReputation, 0, len(all))
	for id, raw := range all {
		var rep reputation.CdnNodeReputation
		if err := json.Unmarshal([]byte(raw), &rep); err != nil {
			return nil, fmt.Errorf("decode node %s: %w", id, err)
		}
		out = append(out, rep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *ReputationStore) PutClaim(ctx context.Context, claim *reputation.TrustClaim) error {
	payload, err := json.Marshal(claim)
	if err != nil {
		return err
	}
	id := claim.ID.String()
	pipe := s.rdb().TxPipeline()
	pipe.Set(ctx, claimKey(claim.ID), payload, 0)
	pipe.SAdd(ctx, claimsToKey(claim.To), id)
	pipe.SAdd(ctx, claimsFromKey(claim.From), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return faults.Transient("put claim", err)
	}
	return nil
}

func (s *ReputationStore) GetClaim(ctx context.Context, id uuid.UUID) (*reputation.TrustClaim, error) {
	return getJSON[reputation.TrustClaim](ctx, s.rdb(), claimKey(id), "claim "+id.String())
}

func sortClaims(out []reputation.TrustClaim) []reputation.TrustClaim {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (s *ReputationStore) ClaimsFor(ctx context.Context, subject string) ([]reputation.TrustClaim, error) {
	out, err := loadMembers[reputation.TrustClaim](ctx, s.rdb(), claimsToKey(subject), claimKey)
	if err != nil {
		return nil, err
	}
	return sortClaims(out), nil
}

func (s *ReputationStore) ClaimsBy(ctx context.Context, author string) ([]reputation.TrustClaim, error) {
	out, err := loadMembers[reputation.TrustClaim](ctx, s.rdb(), claimsFromKey(author), claimKey)
	if err != nil {
		return nil, err
	}
	return sortClaims(out), nil
}

func (s *ReputationStore) PutVerification(ctx context.Context, status reputation.VerificationStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := s.rdb().Set(ctx, verificationKey(status.Subject), payload, 0).Err(); err != nil {
		return faults.Transient("put verification", err)
	}
	return nil
}

func (s *ReputationStore) GetVerification(ctx context.Context, subject string) (*reputation.VerificationStatus, error) {
	return getJSON[reputation.VerificationStatus](ctx, s.rdb(), verificationKey(subject), "verification "+subject)
}

func (s *ReputationStore) PutReport(ctx context.Context, report *reputation.ByzantineReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	id := report.ID.String()
	pipe := s.rdb().TxPipeline()
	pipe.Set(ctx, reportKey(report.ID), payload, 0)
	pipe.SAdd(ctx, allReportsKey, id)
	pipe.SAdd(ctx, reportsAgainstKey(report.Accused), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return faults.Transient("put report", err)
	}
	return nil
}

func (s *ReputationStore) GetReport(ctx context.Context, id uuid.UUID) (*reputation.ByzantineReport, error) {
	return getJSON[reputation.ByzantineReport](ctx, s.rdb(), reportKey(id), "report "+id.String())
}

// ListReports returns reports against accused, or every report when accused is empty, oldest first.
func (s *ReputationStore) ListReports(ctx context.Context, accused string) ([]reputation.ByzantineReport, error) {
	index := allReportsKey
	if accused != "" {
		index = reportsAgainstKey(accused)
	}
	out, err := loadMembers[reputation.ByzantineReport](ctx, s.rdb(), index, reportKey)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReportedAt.Before(out[j].ReportedAt) })
	return out, nil
}
