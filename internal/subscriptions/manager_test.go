package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forecastlabs/binex/pkg/models"
)

type fakeTransport struct {
	mu             sync.Mutex
	handlers       map[string]func([]byte)
	subscribeCalls map[string]int
	unsubCalls     map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers:       make(map[string]func([]byte)),
		subscribeCalls: make(map[string]int),
		unsubCalls:     make(map[string]int),
	}
}

func (f *fakeTransport) Publish(ctx context.Context, channel string, msg interface{}) error {
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls[channel]++
	f.handlers[channel] = handler
	return nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubCalls[channel]++
	delete(f.handlers, channel)
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, clientID string, msg interface{}) error {
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) inject(t *testing.T, channel string, payload []byte) {
	t.Helper()
	f.mu.Lock()
	handler, ok := f.handlers[channel]
	f.mu.Unlock()
	require.True(t, ok, "no transport subscription for %s", channel)
	handler(payload)
}

type fakeSender struct {
	mu    sync.Mutex
	sends map[string][][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{sends: make(map[string][][]byte)}
}

func (f *fakeSender) Send(userID string, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends[userID] = append(f.sends[userID], payload)
	return true
}

func (f *fakeSender) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends[userID])
}

func (f *fakeSender) firstMessage(t *testing.T, userID string) models.PushMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sends[userID])
	var msg models.PushMessage
	require.NoError(t, json.Unmarshal(f.sends[userID][0], &msg))
	return msg
}

func (f *fakeSender) snapshots(t *testing.T, userID string) []models.EventSnapshot {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.EventSnapshot
	for _, payload := range f.sends[userID] {
		var msg models.PushMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		if msg.Type == models.PushSnapshot {
			var snap models.EventSnapshot
			require.NoError(t, json.Unmarshal(msg.Data, &snap))
			out = append(out, snap)
		}
	}
	return out
}

type fakeHistory struct {
	trades []models.TradeRecord
	points []models.PricePoint
}

func (f *fakeHistory) RecentTrades(ctx context.Context, market string, limit int) ([]models.TradeRecord, error) {
	var out []models.TradeRecord
	for _, tr := range f.trades {
		if tr.Market == market {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (f *fakeHistory) PriceHistorySince(ctx context.Context, market string, since time.Time) ([]models.PricePoint, error) {
	var out []models.PricePoint
	for _, p := range f.points {
		if p.Market == market {
			out = append(out, p)
		}
	}
	return out, nil
}

func depthPayload(t *testing.T, market string, bids []models.DepthLevel) []byte {
	t.Helper()
	msg, err := models.NewPushMessage(models.PushDepth, models.DepthUpdate{
		Market: market, Bids: bids, Asks: nil, Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func TestSubscribe_SnapshotOncePerUserAndEvent(t *testing.T) {
	transport := newFakeTransport()
	sender := newFakeSender()
	m := NewManager(zap.NewNop(), transport, nil, sender)
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, "u1", "depth@ind-vs-aus-yes"))
	assert.Len(t, sender.snapshots(t, "u1"), 1)

	// further channels of the same event never re-trigger the snapshot
	require.NoError(t, m.Subscribe(ctx, "u1", "trade@ind-vs-aus-yes"))
	require.NoError(t, m.Subscribe(ctx, "u1", "depth@ind-vs-aus-no"))
	assert.Len(t, sender.snapshots(t, "u1"), 1)

	// duplicate subscribe is a no-op
	require.NoError(t, m.Subscribe(ctx, "u1", "depth@ind-vs-aus-yes"))
	assert.Len(t, sender.snapshots(t, "u1"), 1)
	assert.Equal(t, 1, transport.subscribeCalls["depth@ind-vs-aus-yes"])

	// a different event gets its own snapshot
	require.NoError(t, m.Subscribe(ctx, "u1", "depth@other-match-yes"))
	assert.Len(t, sender.snapshots(t, "u1"), 2)
}

func TestSubscribe_TransportSubscribeOncePerChannel(t *testing.T) {
	transport := newFakeTransport()
	m := NewManager(zap.NewNop(), transport, nil, newFakeSender())
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, "u1", "depth@ind-vs-aus-yes"))
	require.NoError(t, m.Subscribe(ctx, "u2", "depth@ind-vs-aus-yes"))
	assert.Equal(t, 1, transport.subscribeCalls["depth@ind-vs-aus-yes"])
}

func TestSubscribe_RejectsMalformedChannel(t *testing.T) {
	m := NewManager(zap.NewNop(), newFakeTransport(), nil, newFakeSender())
	assert.Error(t, m.Subscribe(context.Background(), "u1", "depth@nooutcome"))
	assert.Error(t, m.Subscribe(context.Background(), "u1", "bogus"))
}

func TestUnsubscribe_ReferenceCountedTeardown(t *testing.T) {
	transport := newFakeTransport()
	m := NewManager(zap.NewNop(), transport, nil, newFakeSender())
	ctx := context.Background()
	channel := "depth@ind-vs-aus-yes"

	require.NoError(t, m.Subscribe(ctx, "u1", channel))
	require.NoError(t, m.Subscribe(ctx, "u2", channel))

	m.Unsubscribe(ctx, "u1", channel)
	assert.Equal(t, 0, transport.unsubCalls[channel], "channel still has a subscriber")

	m.Unsubscribe(ctx, "u2", channel)
	assert.Equal(t, 1, transport.unsubCalls[channel], "last subscriber tears the channel down")

	// unsubscribing a non-subscriber is a no-op
	m.Unsubscribe(ctx, "u3", channel)
	assert.Equal(t, 1, transport.unsubCalls[channel])
}

func TestBroadcast_UpdatesCacheAndFansOut(t *testing.T) {
	transport := newFakeTransport()
	sender := newFakeSender()
	m := NewManager(zap.NewNop(), transport, nil, sender)
	ctx := context.Background()
	channel := "depth@ind-vs-aus-yes"

	require.NoError(t, m.Subscribe(ctx, "u1", channel))
	require.NoError(t, m.Subscribe(ctx, "u2", channel))
	u1Before := sender.count("u1")
	u2Before := sender.count("u2")

	bids := []models.DepthLevel{{Price: decimal.NewFromInt(7), Quantity: decimal.NewFromInt(3)}}
	transport.inject(t, channel, depthPayload(t, "ind-vs-aus-yes", bids))

	assert.Equal(t, u1Before+1, sender.count("u1"))
	assert.Equal(t, u2Before+1, sender.count("u2"))

	// a later subscriber's snapshot reflects the cached depth
	require.NoError(t, m.Subscribe(ctx, "u3", "trade@ind-vs-aus-yes"))
	snaps := sender.snapshots(t, "u3")
	require.Len(t, snaps, 1)
	require.Len(t, snaps[0].YesBids, 1)
	assert.True(t, snaps[0].YesBids[0].Price.Equal(decimal.NewFromInt(7)))
}

func TestBroadcast_MalformedMessageDropped(t *testing.T) {
	transport := newFakeTransport()
	sender := newFakeSender()
	m := NewManager(zap.NewNop(), transport, nil, sender)
	ctx := context.Background()
	channel := "depth@ind-vs-aus-yes"

	require.NoError(t, m.Subscribe(ctx, "u1", channel))
	before := sender.count("u1")

	transport.inject(t, channel, []byte(`{broken`))
	transport.inject(t, channel, []byte(`{"type":"wat","data":{}}`))
	assert.Equal(t, before, sender.count("u1"), "malformed messages are never forwarded")
}

func TestTradeRingBounded(t *testing.T) {
	transport := newFakeTransport()
	sender := newFakeSender()
	m := NewManager(zap.NewNop(), transport, nil, sender)
	ctx := context.Background()
	channel := "trade@ind-vs-aus-yes"

	require.NoError(t, m.Subscribe(ctx, "u1", channel))

	for i := 0; i < tradeRingCapacity+20; i++ {
		msg, err := models.NewPushMessage(models.PushTrade, models.TradeUpdate{
			Market:    "ind-vs-aus-yes",
			TradeID:   int64(i + 1),
			Price:     decimal.NewFromInt(5),
			Qty:       decimal.NewFromInt(1),
			Action:    models.ActionBuy,
			Timestamp: time.Now().UTC(),
		})
		require.NoError(t, err)
		raw, err := json.Marshal(msg)
		require.NoError(t, err)
		transport.inject(t, channel, raw)
	}

	require.NoError(t, m.Subscribe(ctx, "u2", channel))
	snaps := sender.snapshots(t, "u2")
	require.Len(t, snaps, 1)
	assert.Len(t, snaps[0].Trades, tradeRingCapacity)
	// newest first
	assert.Equal(t, int64(tradeRingCapacity+20), snaps[0].Trades[0].TradeID)
}

func TestUserLeft_DropsSubscriptionsAndSnapshotTracking(t *testing.T) {
	transport := newFakeTransport()
	sender := newFakeSender()
	m := NewManager(zap.NewNop(), transport, nil, sender)
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, "u1", "depth@ind-vs-aus-yes"))
	require.NoError(t, m.Subscribe(ctx, "u1", "trade@ind-vs-aus-yes"))
	require.NoError(t, m.Subscribe(ctx, "u2", "depth@ind-vs-aus-yes"))

	m.UserLeft(ctx, "u1")
	// trade channel lost its only subscriber, depth channel survives
	assert.Equal(t, 1, transport.unsubCalls["trade@ind-vs-aus-yes"])
	assert.Equal(t, 0, transport.unsubCalls["depth@ind-vs-aus-yes"])

	// a returning user is a fresh subscriber and gets a new snapshot
	require.NoError(t, m.Subscribe(ctx, "u1", "depth@ind-vs-aus-yes"))
	assert.Len(t, sender.snapshots(t, "u1"), 2)
}

func TestSnapshot_HistoryFallbackForColdMarket(t *testing.T) {
	transport := newFakeTransport()
	sender := newFakeSender()
	history := &fakeHistory{
		trades: []models.TradeRecord{{
			Market:    "ind-vs-aus-yes",
			TradeID:   7,
			Price:     decimal.NewFromInt(6),
			Qty:       decimal.NewFromInt(2),
			Action:    models.ActionSell,
			Timestamp: time.Now().UTC(),
		}},
		points: []models.PricePoint{{
			Market:    "ind-vs-aus-yes",
			Price:     decimal.NewFromInt(6),
			Timestamp: time.Now().UTC(),
		}},
	}
	m := NewManager(zap.NewNop(), transport, history, sender)

	require.NoError(t, m.Subscribe(context.Background(), "u1", "depth@ind-vs-aus-yes"))
	snaps := sender.snapshots(t, "u1")
	require.Len(t, snaps, 1)
	require.Len(t, snaps[0].Trades, 1)
	assert.Equal(t, int64(7), snaps[0].Trades[0].TradeID)
	require.Len(t, snaps[0].History, 1)
	assert.True(t, snaps[0].History[0].Price.Equal(decimal.NewFromInt(6)))
}

func TestSubscribe_SummariesChannelNeedsNoSnapshot(t *testing.T) {
	transport := newFakeTransport()
	sender := newFakeSender()
	m := NewManager(zap.NewNop(), transport, nil, sender)

	require.NoError(t, m.Subscribe(context.Background(), "u1", models.SummariesChannel))
	assert.Empty(t, sender.snapshots(t, "u1"))
	assert.Equal(t, 1, transport.subscribeCalls[models.SummariesChannel])
}

// gatedHistory blocks RecentTrades once armed, so a test can interleave
// live updates with an in-flight history read.
type gatedHistory struct {
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedHistory() *gatedHistory {
	return &gatedHistory{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedHistory) arm() {
	g.mu.Lock()
	g.armed = true
	g.mu.Unlock()
}

func (g *gatedHistory) RecentTrades(ctx context.Context, market string, limit int) ([]models.TradeRecord, error) {
	g.mu.Lock()
	armed := g.armed
	g.mu.Unlock()
	if armed {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return nil, nil
}

func (g *gatedHistory) PriceHistorySince(ctx context.Context, market string, since time.Time) ([]models.PricePoint, error) {
	return nil, nil
}

func TestSubscribe_TradeDuringHistoryReadLandsInSnapshot(t *testing.T) {
	transport := newFakeTransport()
	sender := newFakeSender()
	history := newGatedHistory()
	m := NewManager(zap.NewNop(), transport, history, sender)
	ctx := context.Background()
	channel := "trade@ind-vs-aus-yes"

	// an established subscriber keeps the transport channel live
	require.NoError(t, m.Subscribe(ctx, "u0", channel))
	history.arm()

	done := make(chan error, 1)
	go func() { done <- m.Subscribe(ctx, "u1", channel) }()
	<-history.entered

	// a trade arrives while u1's history read is still in flight
	msg, err := models.NewPushMessage(models.PushTrade, models.TradeUpdate{
		Market:    "ind-vs-aus-yes",
		TradeID:   42,
		Price:     decimal.NewFromInt(6),
		Qty:       decimal.NewFromInt(1),
		Action:    models.ActionBuy,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	transport.inject(t, channel, raw)

	close(history.release)
	require.NoError(t, <-done)

	// the first delivery to u1 is the snapshot and it already carries
	// the trade; the trade is never delivered ahead of the snapshot
	first := sender.firstMessage(t, "u1")
	assert.Equal(t, models.PushSnapshot, first.Type)
	snaps := sender.snapshots(t, "u1")
	require.Len(t, snaps, 1)
	require.Len(t, snaps[0].Trades, 1)
	assert.Equal(t, int64(42), snaps[0].Trades[0].TradeID)
}

type flakyTransport struct {
	*fakeTransport
	failures int
}

func (f *flakyTransport) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("transport unavailable")
	}
	return f.fakeTransport.Subscribe(ctx, channel, handler)
}

func TestSubscribe_RetryAfterTransportFailureGetsSnapshot(t *testing.T) {
	transport := &flakyTransport{fakeTransport: newFakeTransport(), failures: 1}
	sender := newFakeSender()
	m := NewManager(zap.NewNop(), transport, nil, sender)
	ctx := context.Background()
	channel := "depth@ind-vs-aus-yes"

	require.Error(t, m.Subscribe(ctx, "u1", channel))

	// the failed attempt rolled its tracking back, so the retry is a
	// fresh first subscription and receives its one-time snapshot
	before := len(sender.snapshots(t, "u1"))
	require.NoError(t, m.Subscribe(ctx, "u1", channel))
	assert.Len(t, sender.snapshots(t, "u1"), before+1)
	assert.Equal(t, 1, transport.subscribeCalls[channel])
}

func TestSnapshot_HistoryTradesMergedNewestFirst(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Hour)
	history := &fakeHistory{}
	// every yes-side trade predates every no-side trade
	for i := 0; i < 60; i++ {
		history.trades = append(history.trades, models.TradeRecord{
			Market:    "ind-vs-aus-yes",
			TradeID:   int64(i + 1),
			Price:     decimal.NewFromInt(5),
			Qty:       decimal.NewFromInt(1),
			Action:    models.ActionBuy,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	for i := 0; i < 60; i++ {
		history.trades = append(history.trades, models.TradeRecord{
			Market:    "ind-vs-aus-no",
			TradeID:   int64(100 + i + 1),
			Price:     decimal.NewFromInt(4),
			Qty:       decimal.NewFromInt(1),
			Action:    models.ActionSell,
			Timestamp: base.Add(time.Hour + time.Duration(i)*time.Second),
		})
	}

	sender := newFakeSender()
	m := NewManager(zap.NewNop(), newFakeTransport(), history, sender)
	require.NoError(t, m.Subscribe(context.Background(), "u1", "depth@ind-vs-aus-yes"))

	snaps := sender.snapshots(t, "u1")
	require.Len(t, snaps, 1)
	trades := snaps[0].Trades
	require.Len(t, trades, tradeRingCapacity)

	assert.Equal(t, int64(160), trades[0].TradeID, "newest trade leads regardless of market")
	for i := 1; i < len(trades); i++ {
		assert.False(t, trades[i].Timestamp.After(trades[i-1].Timestamp),
			"trades must be ordered newest first")
	}
	// the capacity cut drops the oldest yes-side trades, never the
	// newer no-side ones
	for _, tr := range trades {
		assert.Greater(t, tr.TradeID, int64(20))
	}
}
