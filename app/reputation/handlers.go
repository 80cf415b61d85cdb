package reputation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/redis"
	"github.com/mycelix-network/playsettle/pkg/reputation"
)

// Command actions accepted on the command stream.
const (
	ActionRegisterNode    = "register_node"
	ActionCreateClaim     = "create_claim"
	ActionRevokeClaim     = "revoke_claim"
	ActionReportByzantine = "report_byzantine"
	ActionResolveReport   = "resolve_report"
)

// Command is one entry of the command stream. Payload is decoded according to Action.
type Command struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type registerNodePayload struct {
	NodeID      string `json:"node_id"`
	EthAddress  string `json:"eth_address"`
	PeerID      string `json:"peer_id"`
	Region      string `json:"region"`
	StakeAmount uint64 `json:"stake_amount"`
}

type createClaimPayload struct {
	ClaimID       uuid.UUID            `json:"claim_id"`
	From          string               `json:"from"`
	To            string               `json:"to"`
	ClaimType     reputation.ClaimType `json:"claim_type"`
	ConfidenceBps uint32               `json:"confidence_bps"`
	Evidence      string               `json:"evidence"`
	ExpiresAt     *time.Time           `json:"expires_at"`
}

type revokeClaimPayload struct {
	ClaimID uuid.UUID `json:"claim_id"`
	By      string    `json:"by"`
}

type reportByzantinePayload struct {
	ReportID uuid.UUID           `json:"report_id"`
	Reporter string              `json:"reporter"`
	Accused  string              `json:"accused"`
	Behavior reputation.Behavior `json:"behavior"`
	Evidence string              `json:"evidence"`
	Severity uint8               `json:"severity"`
}

type resolveReportPayload struct {
	ReportID uuid.UUID               `json:"report_id"`
	Status   reputation.ReportStatus `json:"status"`
}

// rejected reports whether err means the entry can never be applied, so redelivering it is useless.
func rejected(err error) bool {
	return errors.Is(err, faults.ErrInvariant) ||
		errors.Is(err, faults.ErrDuplicate) ||
		errors.Is(err, faults.ErrRateLimited) ||
		errors.Is(err, faults.ErrNotFound) ||
		errors.Is(err, faults.ErrInvalidTransition)
}

// settle turns a handler outcome into the consumer's ack decision.
func (a *App) settle(msg redis.Message, what string, err error) error {
	if err == nil {
		return nil
	}
	if rejected(err) {
		a.Logger.Warn("Rejected "+what, zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	return err
}

// HandleReport applies one quality report.
func (a *App) HandleReport(ctx context.Context, msg redis.Message) error {
	var r reputation.QualityReport
	if err := msg.Decode(&r); err != nil {
		a.Logger.Warn("Dropping undecodable quality report", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	_, err := a.Scorer.RecordQualityReport(ctx, r)
	return a.settle(msg, "quality report", err)
}

// HandleCommand applies one node, claim or byzantine report command.
func (a *App) HandleCommand(ctx context.Context, msg redis.Message) error {
	var cmd Command
	if err := msg.Decode(&cmd); err != nil {
		a.Logger.Warn("Dropping undecodable command", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	err := a.apply(ctx, cmd, msg.EntryUUID())
	var decodeErr *payloadError
	if errors.As(err, &decodeErr) {
		a.Logger.Warn("Dropping malformed command", zap.String("id", msg.ID), zap.String("action", cmd.Action), zap.Error(err))
		return nil
	}
	return a.settle(msg, cmd.Action, err)
}

type payloadError struct {
	action string
	err    error
}

func (e *payloadError) Error() string {
	return fmt.Sprintf("%s payload: %v", e.action, e.err)
}

func (e *payloadError) Unwrap() error { return e.err }

func decodePayload(cmd Command, v any) error {
	if len(cmd.Payload) == 0 {
		return &payloadError{action: cmd.Action, err: errors.New("missing")}
	}
	if err := json.Unmarshal(cmd.Payload, v); err != nil {
		return &payloadError{action: cmd.Action, err: err}
	}
	return nil
}

// apply runs cmd. entryID names the claim or report a command creates when the payload does not,
// so a redelivered command finds what its first delivery stored.
func (a *App) apply(ctx context.Context, cmd Command, entryID uuid.UUID) error {
	switch cmd.Action {
	case ActionRegisterNode:
		var p registerNodePayload
		if err := decodePayload(cmd, &p); err != nil {
			return err
		}
		_, err := a.Scorer.RegisterNode(ctx, reputation.RegisterNodeInput{
			NodeID:      p.NodeID,
			EthAddress:  p.EthAddress,
			PeerID:      p.PeerID,
			Region:      p.Region,
			StakeAmount: p.StakeAmount,
		})
		return err

	case ActionCreateClaim:
		var p createClaimPayload
		if err := decodePayload(cmd, &p); err != nil {
			return err
		}
		if p.ClaimID == uuid.Nil {
			p.ClaimID = entryID
		}
		_, _, err := a.Scorer.CreateClaim(ctx, reputation.CreateClaimInput{
			ID:            p.ClaimID,
			From:          p.From,
			To:            p.To,
			ClaimType:     p.ClaimType,
			ConfidenceBps: p.ConfidenceBps,
			Evidence:      p.Evidence,
			ExpiresAt:     p.ExpiresAt,
		})
		return err

	case ActionRevokeClaim:
		var p revokeClaimPayload
		if err := decodePayload(cmd, &p); err != nil {
			return err
		}
		_, err := a.Scorer.RevokeClaim(ctx, p.ClaimID, p.By)
		return err

	case ActionReportByzantine:
		var p reportByzantinePayload
		if err := decodePayload(cmd, &p); err != nil {
			return err
		}
		if p.ReportID == uuid.Nil {
			p.ReportID = entryID
		}
		_, err := a.Scorer.ReportByzantine(ctx, reputation.ByzantineInput{
			ID:       p.ReportID,
			Reporter: p.Reporter,
			Accused:  p.Accused,
			Behavior: p.Behavior,
			Evidence: p.Evidence,
			Severity: p.Severity,
		})
		return err

	case ActionResolveReport:
		var p resolveReportPayload
		if err := decodePayload(cmd, &p); err != nil {
			return err
		}
		_, err := a.Scorer.ResolveReport(ctx, p.ReportID, p.Status)
		return err

	default:
		return &payloadError{action: cmd.Action, err: errors.New("unknown action")}
	}
}
