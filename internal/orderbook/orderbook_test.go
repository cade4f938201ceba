package orderbook

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecastlabs/binex/pkg/models"
)

func newOrder(user string, side models.Side, price, qty int64) *models.Order {
	return &models.Order{
		ID:       uuid.New().String(),
		UserID:   user,
		Market:   "ind-vs-aus-yes",
		Side:     side,
		Price:    decimal.NewFromInt(price),
		Quantity: decimal.NewFromInt(qty),
		Filled:   decimal.Zero,
	}
}

func TestAddOrder_RestingBidThenCrossingAsk(t *testing.T) {
	b := NewOrderBook("ind-vs-aus-yes")

	bid := newOrder("alice", models.SideBid, 10, 5)
	res := b.AddOrder(bid)
	assert.True(t, res.ExecutedQty.IsZero())
	assert.Empty(t, res.Fills)

	bids, asks := b.GetMarketDepth()
	require.Len(t, bids, 1)
	assert.Empty(t, asks)
	assert.True(t, bids[0].Price.Equal(decimal.NewFromInt(10)))
	assert.True(t, bids[0].Quantity.Equal(decimal.NewFromInt(5)))

	// ask at 8 crosses the resting bid at 10 and executes at the
	// resting order's price
	ask := newOrder("bob", models.SideAsk, 8, 3)
	res = b.AddOrder(ask)
	require.Len(t, res.Fills, 1)
	assert.True(t, res.ExecutedQty.Equal(decimal.NewFromInt(3)))
	assert.True(t, res.Fills[0].Price.Equal(decimal.NewFromInt(10)))
	assert.True(t, res.Fills[0].Qty.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, "alice", res.Fills[0].OtherUserID)
	assert.Equal(t, bid.ID, res.Fills[0].MakerOrderID)

	// maker partially filled and still resting, taker fully filled and gone
	assert.True(t, bid.Filled.Equal(decimal.NewFromInt(3)))
	assert.Empty(t, b.GetOpenOrders("bob"))
	require.Len(t, b.GetOpenOrders("alice"), 1)

	bids, asks = b.GetMarketDepth()
	require.Len(t, bids, 1)
	assert.Empty(t, asks)
	assert.True(t, bids[0].Quantity.Equal(decimal.NewFromInt(2)))
}

func TestAddOrder_SelfTradeSkipped(t *testing.T) {
	b := NewOrderBook("ind-vs-aus-yes")
	b.AddOrder(newOrder("alice", models.SideAsk, 9, 4))

	res := b.AddOrder(newOrder("alice", models.SideBid, 10, 4))
	assert.Empty(t, res.Fills)
	assert.True(t, res.ExecutedQty.IsZero())

	// both orders rest
	bids, asks := b.GetMarketDepth()
	assert.Len(t, bids, 1)
	assert.Len(t, asks, 1)
}

func TestAddOrder_SelfTradeSkipsToNextMaker(t *testing.T) {
	b := NewOrderBook("ind-vs-aus-yes")
	b.AddOrder(newOrder("alice", models.SideAsk, 9, 4))
	b.AddOrder(newOrder("carol", models.SideAsk, 9, 4))

	res := b.AddOrder(newOrder("alice", models.SideBid, 10, 4))
	require.Len(t, res.Fills, 1)
	assert.Equal(t, "carol", res.Fills[0].OtherUserID)
}

func TestAddOrder_EqualPriceScanOrder(t *testing.T) {
	// orders at the same price match in insertion order (FIFO tie-break)
	b := NewOrderBook("ind-vs-aus-yes")
	first := newOrder("bob", models.SideAsk, 7, 2)
	second := newOrder("carol", models.SideAsk, 7, 2)
	b.AddOrder(first)
	b.AddOrder(second)

	res := b.AddOrder(newOrder("alice", models.SideBid, 7, 3))
	require.Len(t, res.Fills, 2)
	assert.Equal(t, "bob", res.Fills[0].OtherUserID)
	assert.True(t, res.Fills[0].Qty.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, "carol", res.Fills[1].OtherUserID)
	assert.True(t, res.Fills[1].Qty.Equal(decimal.NewFromInt(1)))
}

func TestAddOrder_PriceImprovementForTakerAsk(t *testing.T) {
	b := NewOrderBook("ind-vs-aus-yes")
	b.AddOrder(newOrder("alice", models.SideBid, 10, 2))
	b.AddOrder(newOrder("bob", models.SideBid, 9, 2))

	// taker ask at 8 sweeps best bid first, then next level
	res := b.AddOrder(newOrder("carol", models.SideAsk, 8, 4))
	require.Len(t, res.Fills, 2)
	assert.True(t, res.Fills[0].Price.Equal(decimal.NewFromInt(10)))
	assert.True(t, res.Fills[1].Price.Equal(decimal.NewFromInt(9)))
}

func TestFillInvariants(t *testing.T) {
	b := NewOrderBook("ind-vs-aus-yes")
	orders := []*models.Order{
		newOrder("u1", models.SideBid, 6, 10),
		newOrder("u2", models.SideAsk, 5, 3),
		newOrder("u3", models.SideAsk, 6, 4),
		newOrder("u4", models.SideBid, 5, 8),
		newOrder("u2", models.SideAsk, 4, 20),
	}

	filledBy := make(map[string]decimal.Decimal)
	for _, o := range orders {
		res := b.AddOrder(o)
		for _, f := range res.Fills {
			assert.True(t, f.Qty.IsPositive(), "fill qty must be positive")
			assert.NotEqual(t, o.UserID, f.OtherUserID, "no self-trade fills")
			filledBy[o.ID] = filledBy[o.ID].Add(f.Qty)
			filledBy[f.MakerOrderID] = filledBy[f.MakerOrderID].Add(f.Qty)
		}
	}
	for _, o := range orders {
		assert.True(t, filledBy[o.ID].LessThanOrEqual(o.Quantity),
			"fill sum may not exceed order quantity")
	}

	// every order still in the book is partially unfilled
	for _, user := range []string{"u1", "u2", "u3", "u4"} {
		for _, o := range b.GetOpenOrders(user) {
			assert.True(t, o.Filled.LessThan(o.Quantity))
		}
	}
}

func TestGetMarketDepth_SumsOutstanding(t *testing.T) {
	b := NewOrderBook("ind-vs-aus-yes")
	b.AddOrder(newOrder("u1", models.SideBid, 6, 5))
	b.AddOrder(newOrder("u2", models.SideBid, 6, 3))
	b.AddOrder(newOrder("u3", models.SideBid, 5, 2))
	b.AddOrder(newOrder("u4", models.SideAsk, 8, 7))

	bids, asks := b.GetMarketDepth()
	require.Len(t, bids, 2)
	assert.True(t, bids[0].Price.Equal(decimal.NewFromInt(6)))
	assert.True(t, bids[0].Quantity.Equal(decimal.NewFromInt(8)))
	assert.True(t, bids[1].Quantity.Equal(decimal.NewFromInt(2)))

	total := decimal.Zero
	for _, l := range bids {
		total = total.Add(l.Quantity)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(10)))

	require.Len(t, asks, 1)
	assert.True(t, asks[0].Quantity.Equal(decimal.NewFromInt(7)))
}

func TestGetMarketPrice(t *testing.T) {
	b := NewOrderBook("ind-vs-aus-yes")

	// empty book with no trade history yet
	assert.True(t, b.GetMarketPrice().IsZero())

	b.AddOrder(newOrder("u1", models.SideBid, 6, 5))
	assert.True(t, b.GetMarketPrice().Equal(decimal.NewFromInt(6)))

	b.AddOrder(newOrder("u2", models.SideAsk, 8, 5))
	assert.True(t, b.GetMarketPrice().Equal(decimal.NewFromInt(7)), "midpoint of 6 and 8")

	// cross both sides away, price falls back to the last traded price
	b.AddOrder(newOrder("u3", models.SideAsk, 6, 5))
	b.AddOrder(newOrder("u4", models.SideBid, 8, 5))
	assert.True(t, b.GetMarketPrice().Equal(decimal.NewFromInt(8)))
}

func TestCancel(t *testing.T) {
	b := NewOrderBook("ind-vs-aus-yes")
	bid := newOrder("u1", models.SideBid, 6, 5)
	ask := newOrder("u2", models.SideAsk, 8, 5)
	b.AddOrder(bid)
	b.AddOrder(ask)

	removed, ok := b.CancelBid(bid.ID)
	require.True(t, ok)
	assert.True(t, removed.Price.Equal(decimal.NewFromInt(6)))

	_, ok = b.CancelBid(bid.ID)
	assert.False(t, ok, "cancelling twice is a no-op")
	_, ok = b.CancelAsk("no-such-order")
	assert.False(t, ok)

	removed, ok = b.CancelAsk(ask.ID)
	require.True(t, ok)
	assert.True(t, removed.Price.Equal(decimal.NewFromInt(8)))

	bids, asks := b.GetMarketDepth()
	assert.Empty(t, bids)
	assert.Empty(t, asks)
}

func TestSnapshotRoundTrip(t *testing.T) {
	b := NewOrderBook("ind-vs-aus-yes")
	b.AddOrder(newOrder("u1", models.SideBid, 6, 5))
	b.AddOrder(newOrder("u2", models.SideAsk, 5, 2))
	b.AddOrder(newOrder("u3", models.SideAsk, 9, 4))

	snap := b.Snapshot()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))

	restored := FromSnapshot(decoded)
	assert.Equal(t, b.LastTradeID(), restored.LastTradeID())
	assert.True(t, b.GetMarketPrice().Equal(restored.GetMarketPrice()))

	wantBids, wantAsks := b.GetMarketDepth()
	gotBids, gotAsks := restored.GetMarketDepth()
	assert.Equal(t, wantBids, gotBids)
	assert.Equal(t, wantAsks, gotAsks)
}
