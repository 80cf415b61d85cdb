// Package reputation scores serving nodes from streamed quality reports and derives verification
// tiers from peer trust claims.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/metrics"
)

const (
	DefaultBestNodesLimit = 5
	DefaultSlashBps       = 1000
)

// Scorer applies reports and claims. Read-modify-write of one node or one subject is serialized;
// different keys proceed in parallel.
type Scorer struct {
	Logger   *zap.Logger
	Store    Store
	Guard    Guard
	SlashBps uint64
	Now      func() time.Time

	nodeLocks    *xsync.Map[string, *sync.Mutex]
	subjectLocks *xsync.Map[string, *sync.Mutex]
	reportLocks  *xsync.Map[string, *sync.Mutex]
}

func NewScorer(logger *zap.Logger, store Store, guard Guard, slashBps uint64) *Scorer {
	if slashBps > bpsDenominator {
		slashBps = bpsDenominator
	}
	return &Scorer{
		Logger:       logger,
		Store:        store,
		Guard:        guard,
		SlashBps:     slashBps,
		Now:          time.Now,
		nodeLocks:    xsync.NewMap[string, *sync.Mutex](),
		subjectLocks: xsync.NewMap[string, *sync.Mutex](),
		reportLocks:  xsync.NewMap[string, *sync.Mutex](),
	}
}

func lock(m *xsync.Map[string, *sync.Mutex], key string) func() {
	mu, _ := m.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// RegisterNode stores a new node. Registering an existing node id fails with ErrDuplicate.
func (s *Scorer) RegisterNode(ctx context.Context, in RegisterNodeInput) (*CdnNodeReputation, error) {
	rep, err := NewNodeReputation(in, s.Now())
	if err != nil {
		return nil, err
	}
	unlock := lock(s.nodeLocks, rep.NodeID)
	defer unlock()

	if _, err := s.Store.GetNode(ctx, rep.NodeID); err == nil {
		return nil, fmt.Errorf("node %s: %w", rep.NodeID, faults.ErrDuplicate)
	} else if !errors.Is(err, faults.ErrNotFound) {
		return nil, fmt.Errorf("lookup node %s: %w", rep.NodeID, err)
	}
	if err := s.Store.PutNode(ctx, rep); err != nil {
		return nil, fmt.Errorf("store node %s: %w", rep.NodeID, err)
	}
	s.Logger.Info("cdn node registered", zap.String("node", rep.NodeID), zap.String("region", rep.Region))
	return rep, nil
}

// Node returns a node's current reputation.
func (s *Scorer) Node(ctx context.Context, nodeID string) (*CdnNodeReputation, error) {
	return s.Store.GetNode(ctx, nodeID)
}

// RecordQualityReport folds a report into the node's rolling statistics and returns the result.
// When the node cannot be loaded or stored the admitted nonce is released again.
func (s *Scorer) RecordQualityReport(ctx context.Context, r QualityReport) (*CdnNodeReputation, error) {
	if err := r.validate(); err != nil {
		metrics.Reputation().ObserveRejected("invalid")
		return nil, err
	}
	if s.Guard != nil {
		if err := s.Guard.Admit(ctx, r.Reporter, r.Nonce); err != nil {
			reason := "guard"
			switch {
			case errors.Is(err, faults.ErrDuplicate):
				reason = "replay"
			case errors.Is(err, faults.ErrRateLimited):
				reason = "rate_limited"
			}
			metrics.Reputation().ObserveRejected(reason)
			return nil, fmt.Errorf("report from %s: %w", r.Reporter, err)
		}
	}

	rep, err := s.applyReport(ctx, r)
	if err != nil {
		if s.Guard != nil {
			if relErr := s.Guard.Release(ctx, r.Reporter, r.Nonce); relErr != nil {
				s.Logger.Warn("nonce release failed",
					zap.String("reporter", r.Reporter),
					zap.String("nonce", r.Nonce),
					zap.Error(relErr),
				)
				return nil, errors.Join(err, relErr)
			}
		}
		return nil, err
	}

	metrics.Reputation().ObserveReport(r.Success)
	s.Logger.Debug("quality report applied",
		zap.String("node", rep.NodeID),
		zap.Bool("success", r.Success),
		zap.Uint32("latency_ms", r.LatencyMs),
		zap.Uint32("uptime_bps", rep.UptimeBps),
		zap.Float64("score", rep.Score),
	)
	return rep, nil
}

func (s *Scorer) applyReport(ctx context.Context, r QualityReport) (*CdnNodeReputation, error) {
	unlock := lock(s.nodeLocks, r.Node)
	defer unlock()

	rep, err := s.Store.GetNode(ctx, r.Node)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			metrics.Reputation().ObserveRejected("unknown_node")
		}
		return nil, fmt.Errorf("load node %s: %w", r.Node, err)
	}
	ApplyReport(rep, r, s.Now())
	if err := s.Store.PutNode(ctx, rep); err != nil {
		return nil, fmt.Errorf("store node %s: %w", r.Node, err)
	}
	return rep, nil
}

// BestNodesForRegion returns up to limit nodes by descending score. The global region matches every node.
func (s *Scorer) BestNodesForRegion(ctx context.Context, region string, limit int) ([]CdnNodeReputation, error) {
	if limit <= 0 {
		limit = DefaultBestNodesLimit
	}
	nodes, err := s.Store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	out := nodes[:0]
	for _, n := range nodes {
		if region == GlobalRegion || n.Region == region {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].NodeID < out[j].NodeID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateClaim stores a new vouch and recomputes the subject's verification. A claim whose ID is
// already stored is not written again, only recomputed.
func (s *Scorer) CreateClaim(ctx context.Context, in CreateClaimInput) (*TrustClaim, *VerificationStatus, error) {
	claim, err := NewTrustClaim(in, s.Now())
	if err != nil {
		return nil, nil, err
	}
	unlock := lock(s.subjectLocks, claim.To)
	defer unlock()

	existing, err := s.Store.GetClaim(ctx, claim.ID)
	switch {
	case err == nil && existing.To != claim.To:
		return nil, nil, fmt.Errorf("claim %s exists for %s: %w", claim.ID, existing.To, faults.ErrDuplicate)
	case err == nil:
		claim = existing
	case errors.Is(err, faults.ErrNotFound):
		if err := s.Store.PutClaim(ctx, claim); err != nil {
			return nil, nil, fmt.Errorf("store claim %s: %w", claim.ID, err)
		}
	default:
		return nil, nil, fmt.Errorf("load claim %s: %w", claim.ID, err)
	}
	status, err := s.recompute(ctx, claim.To)
	if err != nil {
		return claim, nil, err
	}
	return claim, status, nil
}

// RevokeClaim deactivates a claim. Only its author may revoke it.
func (s *Scorer) RevokeClaim(ctx context.Context, claimID uuid.UUID, by string) (*VerificationStatus, error) {
	claim, err := s.Store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("load claim %s: %w", claimID, err)
	}
	if claim.From != by {
		return nil, faults.Invariant("claim %s can only be revoked by its author", claimID)
	}

	unlock := lock(s.subjectLocks, claim.To)
	defer unlock()

	if claim.Active {
		claim.Active = false
		if err := s.Store.PutClaim(ctx, claim); err != nil {
			return nil, fmt.Errorf("store claim %s: %w", claimID, err)
		}
	}
	return s.recompute(ctx, claim.To)
}

// RecomputeVerification rebuilds subject's status from all of its claims.
func (s *Scorer) RecomputeVerification(ctx context.Context, subject string) (*VerificationStatus, error) {
	unlock := lock(s.subjectLocks, subject)
	defer unlock()
	return s.recompute(ctx, subject)
}

func (s *Scorer) recompute(ctx context.Context, subject string) (*VerificationStatus, error) {
	claims, err := s.Store.ClaimsFor(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("load claims for %s: %w", subject, err)
	}
	status := Fold(subject, claims, s.Now())
	if err := s.Store.PutVerification(ctx, status); err != nil {
		return nil, fmt.Errorf("store verification for %s: %w", subject, err)
	}
	metrics.Reputation().ObserveRecompute(string(status.Tier))
	s.Logger.Debug("verification recomputed",
		zap.String("subject", subject),
		zap.Uint32("trust_score", status.TrustScore),
		zap.Uint32("vouch_count", status.VouchCount),
		zap.String("tier", string(status.Tier)),
	)
	return &status, nil
}

// Verification returns the stored status, or an Unverified status when nothing has been computed.
func (s *Scorer) Verification(ctx context.Context, subject string) (*VerificationStatus, error) {
	status, err := s.Store.GetVerification(ctx, subject)
	if errors.Is(err, faults.ErrNotFound) {
		return &VerificationStatus{Subject: subject, Tier: TierUnverified}, nil
	}
	return status, err
}

// ClaimsMadeBy lists the claims an agent has authored.
func (s *Scorer) ClaimsMadeBy(ctx context.Context, author string) ([]TrustClaim, error) {
	return s.Store.ClaimsBy(ctx, author)
}

// ReportByzantine files a Pending misbehaviour report. Filing an ID that already exists returns the
// stored report unchanged.
func (s *Scorer) ReportByzantine(ctx context.Context, in ByzantineInput) (*ByzantineReport, error) {
	report, err := NewByzantineReport(in, s.Now())
	if err != nil {
		return nil, err
	}
	unlock := lock(s.reportLocks, report.ID.String())
	defer unlock()

	if existing, err := s.Store.GetReport(ctx, report.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, faults.ErrNotFound) {
		return nil, fmt.Errorf("load report %s: %w", report.ID, err)
	}
	if err := s.Store.PutReport(ctx, report); err != nil {
		return nil, fmt.Errorf("store report %s: %w", report.ID, err)
	}
	s.Logger.Warn("byzantine behaviour reported",
		zap.String("report_id", report.ID.String()),
		zap.String("accused", report.Accused),
		zap.String("behavior", string(report.Behavior)),
		zap.Uint8("severity", report.Severity),
	)
	return report, nil
}

// ResolveReport moves a report to status. Resolving as Slashed penalises the accused node's stake
// and slash count when the accused is a registered node. The penalty is applied at most once per
// report, so a resolve retried after a failed status write does not slash again.
func (s *Scorer) ResolveReport(ctx context.Context, id uuid.UUID, status ReportStatus) (*ByzantineReport, error) {
	unlock := lock(s.reportLocks, id.String())
	defer unlock()

	report, err := s.Store.GetReport(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", id, err)
	}
	if !canResolve(report.Status, status) {
		return nil, fmt.Errorf("report %s %s -> %s: %w", id, report.Status, status, faults.ErrInvalidTransition)
	}

	if status == ReportSlashed {
		if err := s.slash(ctx, report.Accused, report.ID); err != nil {
			return nil, err
		}
	}
	report.Status = status
	if err := s.Store.PutReport(ctx, report); err != nil {
		return nil, fmt.Errorf("store report %s: %w", id, err)
	}
	return report, nil
}

func (s *Scorer) slash(ctx context.Context, nodeID string, reportID uuid.UUID) error {
	unlock := lock(s.nodeLocks, nodeID)
	defer unlock()

	rep, err := s.Store.GetNode(ctx, nodeID)
	if errors.Is(err, faults.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load node %s: %w", nodeID, err)
	}
	if slices.Contains(rep.SlashedReports, reportID) {
		return nil
	}
	penalty := rep.StakeAmount / bpsDenominator * s.SlashBps
	penalty += rep.StakeAmount % bpsDenominator * s.SlashBps / bpsDenominator
	rep.StakeAmount -= penalty
	rep.SlashCount++
	rep.SlashedReports = append(slices.Clip(rep.SlashedReports), reportID)
	if err := s.Store.PutNode(ctx, rep); err != nil {
		return fmt.Errorf("store node %s: %w", nodeID, err)
	}
	metrics.Reputation().ObserveSlash()
	s.Logger.Warn("cdn node slashed",
		zap.String("node", nodeID),
		zap.String("report_id", reportID.String()),
		zap.Uint64("penalty", penalty),
		zap.Uint64("stake", rep.StakeAmount),
		zap.Uint32("slash_count", rep.SlashCount),
	)
	return nil
}
