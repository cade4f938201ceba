package subscriptions

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/forecastlabs/binex/pkg/models"
)

// tradeRingCapacity bounds the per-event recent-trade buffer.
const tradeRingCapacity = 100

// EventCache is the gateway-side live view of one event: depth for both
// outcomes, a bounded ring of recent trades, and the latest prices. It is
// rebuilt from the published stream and is created lazily on first update.
type EventCache struct {
	event     string
	depth     map[models.Outcome]depthSides
	trades    []models.TradeUpdate
	prices    map[models.Outcome]decimal.Decimal
	updatedAt time.Time
}

type depthSides struct {
	bids []models.DepthLevel
	asks []models.DepthLevel
}

func newEventCache(event string) *EventCache {
	return &EventCache{
		event:  event,
		depth:  make(map[models.Outcome]depthSides),
		prices: make(map[models.Outcome]decimal.Decimal),
	}
}

// applyDepth overwrites the cached depth of one outcome.
func (c *EventCache) applyDepth(outcome models.Outcome, update models.DepthUpdate) {
	c.depth[outcome] = depthSides{bids: update.Bids, asks: update.Asks}
	c.updatedAt = time.Now().UTC()
}

// applyTrade prepends the trade, trimming the ring to capacity, and records
// the latest traded price.
func (c *EventCache) applyTrade(outcome models.Outcome, update models.TradeUpdate) {
	c.trades = append([]models.TradeUpdate{update}, c.trades...)
	if len(c.trades) > tradeRingCapacity {
		c.trades = c.trades[:tradeRingCapacity]
	}
	c.prices[outcome] = update.Price
	c.updatedAt = time.Now().UTC()
}

// applySummary records the latest summary prices for this event.
func (c *EventCache) applySummary(entry models.SummaryEntry) {
	c.prices[models.OutcomeYes] = entry.YesPrice
	c.prices[models.OutcomeNo] = entry.NoPrice
	c.updatedAt = time.Now().UTC()
}

// view copies the cache into snapshot form.
func (c *EventCache) view() models.EventSnapshot {
	snap := models.EventSnapshot{
		Event:     c.event,
		Trades:    append([]models.TradeUpdate(nil), c.trades...),
		Prices:    make(map[models.Outcome]decimal.Decimal, len(c.prices)),
		Timestamp: time.Now().UTC(),
	}
	if d, ok := c.depth[models.OutcomeYes]; ok {
		snap.YesBids = append([]models.DepthLevel(nil), d.bids...)
		snap.YesAsks = append([]models.DepthLevel(nil), d.asks...)
	}
	if d, ok := c.depth[models.OutcomeNo]; ok {
		snap.NoBids = append([]models.DepthLevel(nil), d.bids...)
		snap.NoAsks = append([]models.DepthLevel(nil), d.asks...)
	}
	for outcome, price := range c.prices {
		snap.Prices[outcome] = price
	}
	return snap
}
