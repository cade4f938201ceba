// Package subscriptions fans live market data out to connected users:
// reference-counted channel subscriptions on the transport, a per-event
// cache, and one-time full snapshots for new subscribers.
package subscriptions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forecastlabs/binex/internal/marketdata"
	"github.com/forecastlabs/binex/internal/marketstore"
	"github.com/forecastlabs/binex/pkg/models"
)

// Sender pushes a payload to one connected user. It reports false when the
// user is no longer connected; that is a skip, not an error.
type Sender interface {
	Send(userID string, payload []byte) bool
}

const (
	recentTradesLimit = 100
	historyWindow     = 24 * time.Hour
)

// Manager tracks which user listens on which channel and re-broadcasts
// every live update. Channel subscriptions on the transport are reference
// counted: the first subscriber triggers the transport subscribe, the last
// unsubscribe tears it down.
type Manager struct {
	logger    *zap.Logger
	transport marketdata.PubSubBackend
	history   marketstore.HistoryReader // may be nil
	sender    Sender

	mu           sync.Mutex
	userChannels map[string]map[string]struct{}
	channelUsers map[string]map[string]struct{}
	snapshotSent map[string]map[string]struct{} // user -> events already snapshotted
	caches       map[string]*EventCache         // event -> live cache
}

// NewManager creates a fan-out manager. history may be nil, in which case
// cold-start snapshots carry only live cache data.
func NewManager(logger *zap.Logger, transport marketdata.PubSubBackend, history marketstore.HistoryReader, sender Sender) *Manager {
	return &Manager{
		logger:       logger,
		transport:    transport,
		history:      history,
		sender:       sender,
		userChannels: make(map[string]map[string]struct{}),
		channelUsers: make(map[string]map[string]struct{}),
		snapshotSent: make(map[string]map[string]struct{}),
		caches:       make(map[string]*EventCache),
	}
}

// historyData is the prefetched durable history of one event.
type historyData struct {
	trades []models.TradeRecord
	points []models.PricePoint
}

// Subscribe adds the user to the channel. Idempotent: a duplicate subscribe
// is a no-op and never re-triggers a snapshot. The first subscription to
// any channel of an event sends that user exactly one full snapshot.
//
// Registration and snapshot delivery share one critical section with the
// broadcast path, so every delta reaches the user strictly after a
// snapshot that predates it. Store reads happen before any state changes;
// a slow history backend cannot reorder snapshot and deltas.
func (m *Manager) Subscribe(ctx context.Context, userID, channel string) error {
	kind, market, err := models.ParseChannel(channel)
	if err != nil {
		return err
	}
	var event string
	if kind != models.SummariesChannel {
		event, _, _ = models.ParseMarket(market)
	}

	var hist *historyData
	if event != "" && !m.snapshotDelivered(userID, event) {
		hist = m.fetchHistory(ctx, event)
	}

	m.mu.Lock()
	if _, ok := m.userChannels[userID][channel]; ok {
		m.mu.Unlock()
		return nil
	}

	firstForChannel := len(m.channelUsers[channel]) == 0
	if m.userChannels[userID] == nil {
		m.userChannels[userID] = make(map[string]struct{})
	}
	if m.channelUsers[channel] == nil {
		m.channelUsers[channel] = make(map[string]struct{})
	}
	m.userChannels[userID][channel] = struct{}{}
	m.channelUsers[channel][userID] = struct{}{}

	marked := false
	if event != "" {
		if _, ok := m.snapshotSent[userID][event]; !ok {
			if m.snapshotSent[userID] == nil {
				m.snapshotSent[userID] = make(map[string]struct{})
			}
			m.snapshotSent[userID][event] = struct{}{}
			marked = true
			if payload := m.buildSnapshot(event, hist); payload != nil {
				m.sender.Send(userID, payload)
			}
		}
	}
	m.mu.Unlock()

	if firstForChannel {
		if err := m.transport.Subscribe(ctx, channel, func(payload []byte) {
			m.handleTransportMessage(channel, payload)
		}); err != nil {
			m.rollbackSubscribe(userID, channel, event, marked)
			return fmt.Errorf("failed to subscribe transport to %s: %w", channel, err)
		}
	}
	return nil
}

// Unsubscribe removes the user from the channel; the last subscriber's
// departure unsubscribes the channel on the transport.
func (m *Manager) Unsubscribe(ctx context.Context, userID, channel string) {
	if m.removeSubscription(userID, channel) {
		if err := m.transport.Unsubscribe(ctx, channel); err != nil {
			m.logger.Warn("transport unsubscribe failed",
				zap.String("channel", channel), zap.Error(err))
		}
	}
}

// UserLeft drops every subscription and the snapshot tracking of a user.
func (m *Manager) UserLeft(ctx context.Context, userID string) {
	m.mu.Lock()
	channels := make([]string, 0, len(m.userChannels[userID]))
	for channel := range m.userChannels[userID] {
		channels = append(channels, channel)
	}
	delete(m.snapshotSent, userID)
	m.mu.Unlock()

	for _, channel := range channels {
		m.Unsubscribe(ctx, userID, channel)
	}
}

func (m *Manager) snapshotDelivered(userID, event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.snapshotSent[userID][event]
	return ok
}

// rollbackSubscribe undoes a registration whose transport subscribe
// failed, including the snapshot tracking when this attempt marked it, so
// a retry is a fresh first subscription and gets its snapshot again.
func (m *Manager) rollbackSubscribe(userID, channel, event string, marked bool) {
	m.removeSubscription(userID, channel)
	if !marked {
		return
	}
	m.mu.Lock()
	delete(m.snapshotSent[userID], event)
	m.mu.Unlock()
}

// removeSubscription updates both maps and reports whether the channel's
// subscriber set became empty.
func (m *Manager) removeSubscription(userID, channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.userChannels[userID][channel]; !ok {
		return false
	}
	delete(m.userChannels[userID], channel)
	if len(m.userChannels[userID]) == 0 {
		delete(m.userChannels, userID)
	}
	delete(m.channelUsers[channel], userID)
	if len(m.channelUsers[channel]) == 0 {
		delete(m.channelUsers, channel)
		return true
	}
	return false
}

// handleTransportMessage updates the live cache and re-broadcasts the
// payload verbatim to every current subscriber of the channel. Malformed
// messages are logged and dropped, never propagated. Cache update and
// subscriber collection share one critical section with Subscribe, so a
// delta is either in a new subscriber's snapshot or delivered after it,
// never both and never neither.
func (m *Manager) handleTransportMessage(channel string, payload []byte) {
	var envelope models.PushMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		m.logger.Warn("dropping malformed transport message",
			zap.String("channel", channel), zap.Error(err))
		return
	}

	m.mu.Lock()
	err := m.applyUpdate(envelope)
	var users []string
	if err == nil {
		users = make([]string, 0, len(m.channelUsers[channel]))
		for userID := range m.channelUsers[channel] {
			users = append(users, userID)
		}
	}
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("dropping unusable transport message",
			zap.String("channel", channel), zap.Error(err))
		return
	}

	for _, userID := range users {
		// a missing user is a race with disconnect, skip it
		m.sender.Send(userID, payload)
	}
}

// applyUpdate folds one envelope into the event cache. Caller holds mu.
func (m *Manager) applyUpdate(envelope models.PushMessage) error {
	switch envelope.Type {
	case models.PushDepth:
		var update models.DepthUpdate
		if err := json.Unmarshal(envelope.Data, &update); err != nil {
			return err
		}
		event, outcome, err := models.ParseMarket(update.Market)
		if err != nil {
			return err
		}
		m.cache(event).applyDepth(outcome, update)
	case models.PushTrade:
		var update models.TradeUpdate
		if err := json.Unmarshal(envelope.Data, &update); err != nil {
			return err
		}
		event, outcome, err := models.ParseMarket(update.Market)
		if err != nil {
			return err
		}
		m.cache(event).applyTrade(outcome, update)
	case models.PushSummary:
		var summary models.EventSummary
		if err := json.Unmarshal(envelope.Data, &summary); err != nil {
			return err
		}
		for event, entry := range summary.Events {
			m.cache(event).applySummary(entry)
		}
	default:
		return fmt.Errorf("unknown push type %q", envelope.Type)
	}
	return nil
}

// cache returns the event's cache, creating it lazily. Caller holds mu.
func (m *Manager) cache(event string) *EventCache {
	c, ok := m.caches[event]
	if !ok {
		c = newEventCache(event)
		m.caches[event] = c
	}
	return c
}

// fetchHistory reads the event's durable history for a cold-start
// snapshot. Runs outside mu; read failures degrade to a cache-only
// snapshot.
func (m *Manager) fetchHistory(ctx context.Context, event string) *historyData {
	if m.history == nil {
		return nil
	}
	markets := []string{
		models.MarketName(event, models.OutcomeYes),
		models.MarketName(event, models.OutcomeNo),
	}

	hist := &historyData{}
	since := time.Now().Add(-historyWindow)
	for _, market := range markets {
		records, err := m.history.RecentTrades(ctx, market, recentTradesLimit)
		if err != nil {
			m.logger.Warn("failed to load recent trades",
				zap.String("market", market), zap.Error(err))
		} else {
			hist.trades = append(hist.trades, records...)
		}

		points, err := m.history.PriceHistorySince(ctx, market, since)
		if err != nil {
			m.logger.Warn("failed to load price history",
				zap.String("market", market), zap.Error(err))
		} else {
			hist.points = append(hist.points, points...)
		}
	}
	return hist
}

// buildSnapshot merges the live cache (precedence) with prefetched history
// (cold-market fallback) and encodes the push payload. Caller holds mu.
func (m *Manager) buildSnapshot(event string, hist *historyData) []byte {
	var snap models.EventSnapshot
	if c, ok := m.caches[event]; ok {
		snap = c.view()
	} else {
		snap = newEventCache(event).view()
	}
	if hist != nil {
		mergeHistory(&snap, hist)
	}

	msg, err := models.NewPushMessage(models.PushSnapshot, snap)
	if err != nil {
		m.logger.Error("failed to build snapshot", zap.String("event", event), zap.Error(err))
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("failed to encode snapshot", zap.String("event", event), zap.Error(err))
		return nil
	}
	return payload
}

// mergeHistory fills a snapshot from durable history. Historical trades
// only matter when the live ring is still cold; both markets' records are
// merged newest first before the ring capacity cut.
func mergeHistory(snap *models.EventSnapshot, hist *historyData) {
	if len(snap.Trades) == 0 && len(hist.trades) > 0 {
		merged := make([]models.TradeUpdate, 0, len(hist.trades))
		for _, r := range hist.trades {
			merged = append(merged, models.TradeUpdate{
				Market:    r.Market,
				TradeID:   r.TradeID,
				Price:     r.Price,
				Qty:       r.Qty,
				Action:    r.Action,
				Timestamp: r.Timestamp,
			})
		}
		sort.Slice(merged, func(i, j int) bool {
			return merged[i].Timestamp.After(merged[j].Timestamp)
		})
		if len(merged) > tradeRingCapacity {
			merged = merged[:tradeRingCapacity]
		}
		snap.Trades = merged
	}

	for _, p := range hist.points {
		snap.History = append(snap.History, models.PricePointMsg{
			Market:    p.Market,
			Price:     p.Price,
			Timestamp: p.Timestamp,
		})
	}
}
