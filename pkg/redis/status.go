package redis

import (
	"context"

	"github.com/go-jose/go-jose/v4/json"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/ledger"
)

// SettlementStatusChannel carries every batch status change as JSON.
const SettlementStatusChannel = "settlement:status"

// StatusPublisher broadcasts ledger.StatusChange values over Pub/Sub.
type StatusPublisher struct {
	client  *Client
	channel string
}

var _ ledger.StatusPublisher = (*StatusPublisher)(nil)

func NewStatusPublisher(client *Client) *StatusPublisher {
	return &StatusPublisher{client: client, channel: SettlementStatusChannel}
}

func (p *StatusPublisher) PublishStatus(ctx context.Context, change ledger.StatusChange) {
	payload, err := json.Marshal(change)
	if err != nil {
		p.client.logger.Error("Failed to encode status change",
			zap.String("batch_id", change.BatchID.String()),
			zap.Error(err))
		return
	}
	p.client.Publish(ctx, p.channel, payload)
}
