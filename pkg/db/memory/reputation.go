package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/reputation"
)

// ReputationStore implements reputation.Store with concurrent maps.
type ReputationStore struct {
	nodes         *xsync.Map[string, reputation.CdnNodeReputation]
	claims        *xsync.Map[uuid.UUID, reputation.TrustClaim]
	verifications *xsync.Map[string, reputation.VerificationStatus]
	reports       *xsync.Map[uuid.UUID, reputation.ByzantineReport]
}

var _ reputation.Store = (*ReputationStore)(nil)

func NewReputationStore() *ReputationStore {
	return &ReputationStore{
		nodes:         xsync.NewMap[string, reputation.CdnNodeReputation](),
		claims:        xsync.NewMap[uuid.UUID, reputation.TrustClaim](),
		verifications: xsync.NewMap[string, reputation.VerificationStatus](),
		reports:       xsync.NewMap[uuid.UUID, reputation.ByzantineReport](),
	}
}

func (s *ReputationStore) GetNode(_ context.Context, nodeID string) (*reputation.CdnNodeReputation, error) {
	rep, ok := s.nodes.Load(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, faults.ErrNotFound)
	}
	rep.SlashedReports = slices.Clone(rep.SlashedReports)
	return &rep, nil
}

func (s *ReputationStore) PutNode(_ context.Context, rep *reputation.CdnNodeReputation) error {
	s.nodes.Store(rep.NodeID, *rep)
	return nil
}

func (s *ReputationStore) ListNodes(_ context.Context) ([]reputation.CdnNodeReputation, error) {
	out := make([]reputation.CdnNodeReputation, 0, s.nodes.Size())
	s.nodes.Range(func(_ string, rep reputation.CdnNodeReputation) bool {
		out = append(out, rep)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func cloneClaim(c reputation.TrustClaim) reputation.TrustClaim {
	if c.ExpiresAt != nil {
		at := *c.ExpiresAt
		c.ExpiresAt = &at
	}
	return c
}

func (s *ReputationStore) PutClaim(_ context.Context, claim *reputation.TrustClaim) error {
	s.claims.Store(claim.ID, cloneClaim(*claim))
	return nil
}

func (s *ReputationStore) GetClaim(_ context.Context, id uuid.UUID) (*reputation.TrustClaim, error) {
	c, ok := s.claims.Load(id)
	if !ok {
		return nil, fmt.Errorf("claim %s: %w", id, faults.ErrNotFound)
	}
	c = cloneClaim(c)
	return &c, nil
}

func (s *ReputationStore) selectClaims(keep func(reputation.TrustClaim) bool) []reputation.TrustClaim {
	var out []reputation.TrustClaim
	s.claims.Range(func(_ uuid.UUID, c reputation.TrustClaim) bool {
		if keep(c) {
			out = append(out, cloneClaim(c))
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (s *ReputationStore) ClaimsFor(_ context.Context, subject string) ([]reputation.TrustClaim, error) {
	return s.selectClaims(func(c reputation.TrustClaim) bool { return c.To == subject }), nil
}

func (s *ReputationStore) ClaimsBy(_ context.Context, author string) ([]reputation.TrustClaim, error) {
	return s.selectClaims(func(c reputation.TrustClaim) bool { return c.From == author }), nil
}

func (s *ReputationStore) PutVerification(_ context.Context, status reputation.VerificationStatus) error {
	s.verifications.Store(status.Subject, status)
	return nil
}

func (s *ReputationStore) GetVerification(_ context.Context, subject string) (*reputation.VerificationStatus, error) {
	status, ok := s.verifications.Load(subject)
	if !ok {
		return nil, fmt.Errorf("verification %s: %w", subject, faults.ErrNotFound)
	}
	return &status, nil
}

func (s *ReputationStore) PutReport(_ context.Context, report *reputation.ByzantineReport) error {
	s.reports.Store(report.ID, *report)
	return nil
}

func (s *ReputationStore) GetReport(_ context.Context, id uuid.UUID) (*reputation.ByzantineReport, error) {
	r, ok := s.reports.Load(id)
	if !ok {
		return nil, fmt.Errorf("report %s: %w", id, faults.ErrNotFound)
	}
	return &r, nil
}

func (s *ReputationStore) ListReports(_ context.Context, accused string) ([]reputation.ByzantineReport, error) {
	var out []reputation.ByzantineReport
	s.reports.Range(func(_ uuid.UUID, r reputation.ByzantineReport) bool {
		if accused == "" || r.Accused == accused {
			out = append(out, r)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ReportedAt.Before(out[j].ReportedAt) })
	return out, nil
}

// Guard is an in-process reputation.Guard enforcing nonce uniqueness and a fixed per-reporter budget.
// Unlike the Redis guard it never forgets nonces or resets budgets.
type Guard struct {
	nonces *xsync.Map[string, struct{}]
	counts *xsync.Map[string, int]
	limit  int
}

func NewGuard(limit int) *Guard {
	return &Guard{
		nonces: xsync.NewMap[string, struct{}](),
		counts: xsync.NewMap[string, int](),
		limit:  limit,
	}
}

func (g *Guard) Admit(_ context.Context, reporter, nonce string) error {
	if nonce != "" {
		if _, loaded := g.nonces.LoadOrStore(reporter+"/"+nonce, struct{}{}); loaded {
			return fmt.Errorf("nonce %s: %w", nonce, faults.ErrDuplicate)
		}
	}
	if g.limit <= 0 {
		return nil
	}
	n, _ := g.counts.Compute(reporter, func(old int, _ bool) (int, xsync.ComputeOp) {
		return old + 1, xsync.UpdateOp
	})
	if n > g.limit {
		return fmt.Errorf("reporter %s: %w", reporter, faults.ErrRateLimited)
	}
	return nil
}

func (g *Guard) Release(_ context.Context, reporter, nonce string) error {
	if nonce != "" {
		g.nonces.Delete(reporter + "/" + nonce)
	}
	return nil
}
