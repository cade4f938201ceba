package marketdata

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/forecastlabs/binex/pkg/models"
)

// Publisher emits engine-side market data onto the transport. It is a pure
// producer and keeps no subscriber state.
type Publisher struct {
	logger    *zap.Logger
	transport PubSubBackend
}

// NewPublisher creates a publisher on the given transport.
func NewPublisher(logger *zap.Logger, transport PubSubBackend) *Publisher {
	return &Publisher{logger: logger, transport: transport}
}

// PublishDepth broadcasts the market's aggregated book on its depth channel.
func (p *Publisher) PublishDepth(ctx context.Context, market string, bids, asks []models.DepthLevel) {
	update := models.DepthUpdate{
		Market:    market,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now().UTC(),
	}
	p.publish(ctx, models.DepthChannel(market), models.PushDepth, update)
}

// PublishTrade broadcasts one fill on the market's trade channel.
func (p *Publisher) PublishTrade(ctx context.Context, market string, fill models.Fill, action models.TradeAction) {
	update := models.TradeUpdate{
		Market:    market,
		TradeID:   fill.TradeID,
		Price:     fill.Price,
		Qty:       fill.Qty,
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
	p.publish(ctx, models.TradeChannel(market), models.PushTrade, update)
}

// PublishSummary broadcasts every event's yes/no prices on the shared
// summaries channel.
func (p *Publisher) PublishSummary(ctx context.Context, summary models.EventSummary) {
	p.publish(ctx, models.SummariesChannel, models.PushSummary, summary)
}

// Reply answers the originating API client point-to-point.
func (p *Publisher) Reply(ctx context.Context, clientID string, reply models.EngineReply) {
	if err := p.transport.Send(ctx, clientID, reply); err != nil {
		p.logger.Error("failed to send reply",
			zap.String("client_id", clientID), zap.Error(err))
	}
}

func (p *Publisher) publish(ctx context.Context, channel, typ string, data interface{}) {
	msg, err := models.NewPushMessage(typ, data)
	if err != nil {
		p.logger.Error("failed to build push message", zap.String("channel", channel), zap.Error(err))
		return
	}
	if err := p.transport.Publish(ctx, channel, msg); err != nil {
		p.logger.Error("failed to publish", zap.String("channel", channel), zap.Error(err))
	}
}
