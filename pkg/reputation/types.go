package reputation

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/mycelix-network/playsettle/pkg/faults"
)

const (
	bpsDenominator = 10_000
	// MaxConfidenceBps caps TrustClaim.ConfidenceBps.
	MaxConfidenceBps = 1000
	// MaxSeverity caps ByzantineReport.Severity.
	MaxSeverity = 100
	// GlobalRegion matches nodes in every region.
	GlobalRegion = "global"
)

// CdnNodeReputation holds the rolling service statistics of a serving node.
type CdnNodeReputation struct {
	NodeID             string      `json:"node_id"`
	EthAddress         string      `json:"eth_address"`
	PeerID             string      `json:"peer_id,omitempty"`
	Region             string      `json:"region"`
	BytesServed        uint64      `json:"bytes_served"`
	SuccessfulRequests uint64      `json:"successful_requests"`
	FailedRequests     uint64      `json:"failed_requests"`
	AvgLatencyMs       uint32      `json:"avg_latency_ms"`
	UptimeBps          uint32      `json:"uptime_bps"`
	Score              float64     `json:"score"`
	StakeAmount        uint64      `json:"stake_amount"`
	SlashCount         uint32      `json:"slash_count"`
	LastActive         time.Time   `json:"last_active"`
	// SlashedReports lists the byzantine reports whose penalty has been applied to this node.
	SlashedReports     []uuid.UUID `json:"slashed_reports,omitempty"`
}

// RegisterNodeInput announces a new serving node.
type RegisterNodeInput struct {
	NodeID      string
	EthAddress  string
	PeerID      string
	Region      string
	StakeAmount uint64
}

// NewNodeReputation validates input and returns a node with a perfect starting record.
func NewNodeReputation(in RegisterNodeInput, now time.Time) (*CdnNodeReputation, error) {
	if strings.TrimSpace(in.NodeID) == "" {
		return nil, faults.Invariant("node id is required")
	}
	if !strings.HasPrefix(in.EthAddress, "0x") || !common.IsHexAddress(in.EthAddress) {
		return nil, faults.Invariant("invalid ethereum address %q", in.EthAddress)
	}
	return &CdnNodeReputation{
		NodeID:      in.NodeID,
		EthAddress:  in.EthAddress,
		PeerID:      in.PeerID,
		Region:      in.Region,
		UptimeBps:   bpsDenominator,
		Score:       1.0,
		StakeAmount: in.StakeAmount,
		LastActive:  now.UTC(),
	}, nil
}

// QualityReport is one listener's observation of a node serving a request.
type QualityReport struct {
	Reporter    string `json:"reporter"`
	Node        string `json:"node"`
	Success     bool   `json:"success"`
	LatencyMs   uint32 `json:"latency_ms"`
	BytesServed uint64 `json:"bytes_served"`
	SongID      string `json:"song_id,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	// Nonce makes a report unique per reporter; replays are rejected.
	Nonce string `json:"nonce"`
}

func (r QualityReport) validate() error {
	switch {
	case strings.TrimSpace(r.Reporter) == "":
		return faults.Invariant("quality report requires a reporter")
	case strings.TrimSpace(r.Node) == "":
		return faults.Invariant("quality report requires a node")
	case r.Reporter == r.Node:
		return faults.Invariant("node %s cannot report on itself", r.Node)
	}
	return nil
}

// ClaimType classifies what a trust claim vouches for.
type ClaimType string

const (
	ClaimIdentityVerification ClaimType = "identity_verification"
	ClaimContentAuthenticity  ClaimType = "content_authenticity"
	ClaimQualityAttestation   ClaimType = "quality_attestation"
	ClaimCdnReliability       ClaimType = "cdn_reliability"
	ClaimPaymentReliability   ClaimType = "payment_reliability"
	ClaimGeneralEndorsement   ClaimType = "general_endorsement"
)

func (c ClaimType) Valid() bool {
	switch c {
	case ClaimIdentityVerification, ClaimContentAuthenticity, ClaimQualityAttestation,
		ClaimCdnReliability, ClaimPaymentReliability, ClaimGeneralEndorsement:
		return true
	}
	return false
}

// TrustClaim is a vouch from one agent for another. Revocation deactivates it; claims are never deleted.
type TrustClaim struct {
	ID            uuid.UUID  `json:"id"`
	From          string     `json:"from"`
	To            string     `json:"to"`
	ClaimType     ClaimType  `json:"claim_type"`
	ConfidenceBps uint32     `json:"confidence_bps"`
	Evidence      string     `json:"evidence,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Active        bool       `json:"active"`
}

// CreateClaimInput describes a new vouch.
type CreateClaimInput struct {
	// ID, when set, makes creation idempotent: a claim already stored under it is returned as is.
	ID            uuid.UUID
	From          string
	To            string
	ClaimType     ClaimType
	ConfidenceBps uint32
	Evidence      string
	ExpiresAt     *time.Time
}

// NewTrustClaim validates in and returns an active claim.
func NewTrustClaim(in CreateClaimInput, now time.Time) (*TrustClaim, error) {
	switch {
	case strings.TrimSpace(in.From) == "" || strings.TrimSpace(in.To) == "":
		return nil, faults.Invariant("trust claim requires both parties")
	case in.From == in.To:
		return nil, faults.Invariant("cannot create trust claim for self")
	case in.ConfidenceBps > MaxConfidenceBps:
		return nil, faults.Invariant("confidence %d must be 0-%d basis points", in.ConfidenceBps, MaxConfidenceBps)
	case !in.ClaimType.Valid():
		return nil, faults.Invariant("unknown claim type %q", in.ClaimType)
	case in.ExpiresAt != nil && !in.ExpiresAt.After(now):
		return nil, faults.Invariant("claim expiry %s is not in the future", in.ExpiresAt)
	}
	id := in.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &TrustClaim{
		ID:            id,
		From:          in.From,
		To:            in.To,
		ClaimType:     in.ClaimType,
		ConfidenceBps: in.ConfidenceBps,
		Evidence:      in.Evidence,
		CreatedAt:     now.UTC(),
		ExpiresAt:     in.ExpiresAt,
		Active:        true,
	}, nil
}

// Counts reports whether the claim contributes to verification at now.
func (c TrustClaim) Counts(now time.Time) bool {
	return c.Active && (c.ExpiresAt == nil || now.Before(*c.ExpiresAt))
}

// Tier is a discrete verification level, ordered from least to most privileged.
type Tier string

const (
	TierUnverified        Tier = "unverified"
	TierCommunityVerified Tier = "community_verified"
	TierTrusted           Tier = "trusted"
)

// VerificationStatus is derived from the active claims about a subject. It is only ever written by
// a full recomputation.
type VerificationStatus struct {
	Subject    string    `json:"subject"`
	TrustScore uint32    `json:"trust_score"`
	Tier       Tier      `json:"tier"`
	VouchCount uint32    `json:"vouch_count"`
	ComputedAt time.Time `json:"computed_at"`
}

// Behavior classifies a byzantine report.
type Behavior string

const (
	BehaviorContentCorruption Behavior = "content_corruption"
	BehaviorFakePlayClaims    Behavior = "fake_play_claims"
	BehaviorWrongContent      Behavior = "wrong_content"
	BehaviorReplayAttack      Behavior = "replay_attack"
	BehaviorSybilAttack       Behavior = "sybil_attack"
	BehaviorOther             Behavior = "other"
)

// ReportStatus is the resolution state of a byzantine report.
type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportConfirmed ReportStatus = "confirmed"
	ReportDismissed ReportStatus = "dismissed"
	ReportSlashed   ReportStatus = "slashed"
)

var reportTransitions = map[ReportStatus][]ReportStatus{
	ReportPending:   {ReportConfirmed, ReportDismissed, ReportSlashed},
	ReportConfirmed: {ReportDismissed, ReportSlashed},
}

func canResolve(from, to ReportStatus) bool {
	for _, next := range reportTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ByzantineReport accuses an agent of misbehaviour.
type ByzantineReport struct {
	ID         uuid.UUID    `json:"id"`
	Reporter   string       `json:"reporter"`
	Accused    string       `json:"accused"`
	Behavior   Behavior     `json:"behavior"`
	Evidence   string       `json:"evidence"`
	Severity   uint8        `json:"severity"`
	ReportedAt time.Time    `json:"reported_at"`
	Status     ReportStatus `json:"status"`
}

// ByzantineInput is the body of a new byzantine report.
type ByzantineInput struct {
	ID       uuid.UUID
	Reporter string
	Accused  string
	Behavior Behavior
	Evidence string
	Severity uint8
}

// NewByzantineReport validates in and returns a Pending report.
func NewByzantineReport(in ByzantineInput, now time.Time) (*ByzantineReport, error) {
	switch {
	case strings.TrimSpace(in.Reporter) == "" || strings.TrimSpace(in.Accused) == "":
		return nil, faults.Invariant("byzantine report requires reporter and accused")
	case in.Reporter == in.Accused:
		return nil, faults.Invariant("cannot report self")
	case strings.TrimSpace(in.Evidence) == "":
		return nil, faults.Invariant("byzantine report must include evidence")
	case in.Severity > MaxSeverity:
		return nil, faults.Invariant("severity %d must be 0-%d", in.Severity, MaxSeverity)
	}
	behavior := in.Behavior
	if behavior == "" {
		behavior = BehaviorOther
	}
	id := in.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &ByzantineReport{
		ID:         id,
		Reporter:   in.Reporter,
		Accused:    in.Accused,
		Behavior:   behavior,
		Evidence:   in.Evidence,
		Severity:   in.Severity,
		ReportedAt: now.UTC(),
		Status:     ReportPending,
	}, nil
}
