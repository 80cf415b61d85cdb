package reputation

import (
	"context"

	"github.com/google/uuid"
)

// Store persists reputation state keyed by node, subject, claim and report id. Writes are
// last-write-wins; the Scorer serializes writers per key.
type Store interface {
	GetNode(ctx context.Context, nodeID string) (*CdnNodeReputation, error)
	PutNode(ctx context.Context, rep *CdnNodeReputation) error
	ListNodes(ctx context.Context) ([]CdnNodeReputation, error)

	PutClaim(ctx context.Context, claim *TrustClaim) error
	GetClaim(ctx context.Context, id uuid.UUID) (*TrustClaim, error)
	// ClaimsFor returns every claim whose To is subject, active or not.
	ClaimsFor(ctx context.Context, subject string) ([]TrustClaim, error)
	ClaimsBy(ctx context.Context, author string) ([]TrustClaim, error)

	PutVerification(ctx context.Context, status VerificationStatus) error
	GetVerification(ctx context.Context, subject string) (*VerificationStatus, error)

	PutReport(ctx context.Context, report *ByzantineReport) error
	GetReport(ctx context.Context, id uuid.UUID) (*ByzantineReport, error)
	ListReports(ctx context.Context, accused string) ([]ByzantineReport, error)
}

// Guard admits or rejects a reporter's report before it touches any state. Implementations return
// faults.ErrDuplicate for a replayed nonce and faults.ErrRateLimited when the reporter is over budget.
// Release forgets an admitted nonce whose report could not be stored, so a redelivery is admitted again.
type Guard interface {
	Admit(ctx context.Context, reporter, nonce string) error
	Release(ctx context.Context, reporter, nonce string) error
}
