// Package orderbook implements the matching book for one (event, outcome)
// market. Books are owned exclusively by the matching engine's sequential
// loop, so no locking happens here.
package orderbook

import (
	"github.com/shopspring/decimal"

	"github.com/forecastlabs/binex/pkg/models"
)

// OrderBook holds the resting bids and asks of one market.
//
// Bids are kept sorted by price descending, asks ascending. Within a price
// level orders keep insertion order, so matching is price priority with
// FIFO tie-break among equal-priced orders.
type OrderBook struct {
	market       string
	bids         []*models.Order
	asks         []*models.Order
	lastTradeID  int64
	currentPrice decimal.Decimal
}

// MatchResult is the outcome of submitting one order.
type MatchResult struct {
	ExecutedQty decimal.Decimal
	Fills       []models.Fill
}

// NewOrderBook creates an empty book for the given market.
func NewOrderBook(market string) *OrderBook {
	return &OrderBook{market: market, currentPrice: decimal.Zero}
}

// Market returns the market identifier this book serves.
func (b *OrderBook) Market() string { return b.market }

// LastTradeID returns the id of the most recent trade in this book.
func (b *OrderBook) LastTradeID() int64 { return b.lastTradeID }

// AddOrder matches the incoming order against the opposite side and rests
// any unfilled remainder. Fully consumed makers are removed after the
// match pass. Self-trades are skipped, never matched.
func (b *OrderBook) AddOrder(order *models.Order) *MatchResult {
	res := &MatchResult{ExecutedQty: decimal.Zero}

	if order.Side == models.SideBid {
		b.matchAgainst(order, b.asks, res, func(restPrice decimal.Decimal) bool {
			return restPrice.LessThanOrEqual(order.Price)
		})
		b.asks = removeFilled(b.asks)
		if order.Filled.LessThan(order.Quantity) {
			b.bids = insertSorted(b.bids, order, true)
		}
	} else {
		b.matchAgainst(order, b.bids, res, func(restPrice decimal.Decimal) bool {
			return restPrice.GreaterThanOrEqual(order.Price)
		})
		b.bids = removeFilled(b.bids)
		if order.Filled.LessThan(order.Quantity) {
			b.asks = insertSorted(b.asks, order, false)
		}
	}

	return res
}

// matchAgainst consumes resting orders that cross the incoming order's
// price. Trades execute at the resting order's price. The resting slice is
// scanned in its current storage order within a price pass.
func (b *OrderBook) matchAgainst(order *models.Order, resting []*models.Order, res *MatchResult, crosses func(decimal.Decimal) bool) {
	for _, rest := range resting {
		if order.Filled.GreaterThanOrEqual(order.Quantity) {
			break
		}
		if !crosses(rest.Price) {
			// resting slices are price-sorted, nothing further can cross
			break
		}
		if rest.UserID == order.UserID {
			continue
		}

		qty := order.Outstanding()
		if rest.Outstanding().LessThan(qty) {
			qty = rest.Outstanding()
		}
		if !qty.IsPositive() {
			continue
		}

		order.Filled = order.Filled.Add(qty)
		rest.Filled = rest.Filled.Add(qty)
		b.lastTradeID++
		b.currentPrice = rest.Price

		res.ExecutedQty = res.ExecutedQty.Add(qty)
		res.Fills = append(res.Fills, models.Fill{
			TradeID:      b.lastTradeID,
			Price:        rest.Price,
			Qty:          qty,
			OtherUserID:  rest.UserID,
			MakerOrderID: rest.ID,
		})
	}
}

// GetMarketDepth aggregates outstanding quantity per distinct price level.
// Bids come back highest-first, asks lowest-first.
func (b *OrderBook) GetMarketDepth() (bids, asks []models.DepthLevel) {
	return aggregate(b.bids), aggregate(b.asks)
}

// GetOpenOrders returns every resting order of the user with filled < quantity.
func (b *OrderBook) GetOpenOrders(userID string) []*models.Order {
	var out []*models.Order
	for _, o := range b.bids {
		if o.UserID == userID && o.Filled.LessThan(o.Quantity) {
			out = append(out, o)
		}
	}
	for _, o := range b.asks {
		if o.UserID == userID && o.Filled.LessThan(o.Quantity) {
			out = append(out, o)
		}
	}
	return out
}

// CancelBid removes a resting bid by id. Returns the removed order, or
// false when no such bid rests in the book.
func (b *OrderBook) CancelBid(orderID string) (*models.Order, bool) {
	var removed *models.Order
	b.bids, removed = removeByID(b.bids, orderID)
	return removed, removed != nil
}

// CancelAsk removes a resting ask by id.
func (b *OrderBook) CancelAsk(orderID string) (*models.Order, bool) {
	var removed *models.Order
	b.asks, removed = removeByID(b.asks, orderID)
	return removed, removed != nil
}

// GetMarketPrice returns the midpoint of best bid and best ask. With only
// one side resting it returns that side's best price, and with an empty
// book the last traded price. Never errors.
func (b *OrderBook) GetMarketPrice() decimal.Decimal {
	switch {
	case len(b.bids) > 0 && len(b.asks) > 0:
		return b.bids[0].Price.Add(b.asks[0].Price).Div(decimal.NewFromInt(2))
	case len(b.bids) > 0:
		return b.bids[0].Price
	case len(b.asks) > 0:
		return b.asks[0].Price
	default:
		return b.currentPrice
	}
}

func aggregate(orders []*models.Order) []models.DepthLevel {
	levels := make([]models.DepthLevel, 0, len(orders))
	for _, o := range orders {
		out := o.Outstanding()
		if n := len(levels); n > 0 && levels[n-1].Price.Equal(o.Price) {
			levels[n-1].Quantity = levels[n-1].Quantity.Add(out)
			continue
		}
		levels = append(levels, models.DepthLevel{Price: o.Price, Quantity: out})
	}
	return levels
}

// insertSorted places the order after any existing orders at the same
// price, keeping bids descending and asks ascending.
func insertSorted(orders []*models.Order, order *models.Order, descending bool) []*models.Order {
	idx := len(orders)
	for i, o := range orders {
		if descending && o.Price.LessThan(order.Price) {
			idx = i
			break
		}
		if !descending && o.Price.GreaterThan(order.Price) {
			idx = i
			break
		}
	}
	orders = append(orders, nil)
	copy(orders[idx+1:], orders[idx:])
	orders[idx] = order
	return orders
}

func removeFilled(orders []*models.Order) []*models.Order {
	out := orders[:0]
	for _, o := range orders {
		if o.Filled.LessThan(o.Quantity) {
			out = append(out, o)
		}
	}
	// clear the tail so removed orders do not linger
	for i := len(out); i < len(orders); i++ {
		orders[i] = nil
	}
	return out
}

func removeByID(orders []*models.Order, orderID string) ([]*models.Order, *models.Order) {
	for i, o := range orders {
		if o.ID == orderID {
			removed := o
			orders = append(orders[:i], orders[i+1:]...)
			return orders, removed
		}
	}
	return orders, nil
}
