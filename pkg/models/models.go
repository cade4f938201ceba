// Package models holds the domain and wire types shared by the matching
// engine and the market-data gateway.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order in a book.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// Outcome of a binary event. Every event has one book per outcome.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// Order is a resting or incoming limit order for one (event, outcome) market.
// Invariant: 0 <= Filled <= Quantity. Orders are removed from the book once
// Filled == Quantity.
type Order struct {
	ID       string          `json:"orderId"`
	UserID   string          `json:"userId"`
	Market   string          `json:"market"`
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Filled   decimal.Decimal `json:"filled"`
}

// Outstanding returns the unfilled remainder of the order.
func (o *Order) Outstanding() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Fill records one matched quantity between two orders. Immutable once
// produced; Qty is always positive.
type Fill struct {
	TradeID      int64           `json:"tradeId"`
	Price        decimal.Decimal `json:"price"`
	Qty          decimal.Decimal `json:"qty"`
	OtherUserID  string          `json:"otherUserId"`
	MakerOrderID string          `json:"makerOrderId"`
}

// DepthLevel is the aggregate outstanding quantity at one price.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// TradeAction marks which side initiated a trade.
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
)

// --- pub/sub channel naming ---

// SummariesChannel carries the periodic all-markets price summary.
const SummariesChannel = "event_summaries"

// DepthChannel returns the depth channel for a market ("depth@{event}-{outcome}").
func DepthChannel(market string) string { return "depth@" + market }

// TradeChannel returns the trade channel for a market.
func TradeChannel(market string) string { return "trade@" + market }

// ReplyQueue is the point-to-point queue the engine answers order
// submissions on.
func ReplyQueue(clientID string) string { return "api_res." + clientID }

// MarketName builds the market identifier for an event outcome.
func MarketName(event string, outcome Outcome) string {
	return event + "-" + string(outcome)
}

// ParseMarket splits a market identifier into its event and outcome parts.
func ParseMarket(market string) (event string, outcome Outcome, err error) {
	idx := strings.LastIndex(market, "-")
	if idx <= 0 || idx == len(market)-1 {
		return "", "", fmt.Errorf("malformed market %q", market)
	}
	event, outcome = market[:idx], Outcome(market[idx+1:])
	if outcome != OutcomeYes && outcome != OutcomeNo {
		return "", "", fmt.Errorf("unknown outcome %q in market %q", outcome, market)
	}
	return event, outcome, nil
}

// ParseChannel splits a pub/sub channel name into its kind and market. The
// summaries channel has an empty market.
func ParseChannel(channel string) (kind, market string, err error) {
	if channel == SummariesChannel {
		return SummariesChannel, "", nil
	}
	idx := strings.Index(channel, "@")
	if idx <= 0 {
		return "", "", fmt.Errorf("malformed channel %q", channel)
	}
	kind, market = channel[:idx], channel[idx+1:]
	if kind != "depth" && kind != "trade" {
		return "", "", fmt.Errorf("unknown channel kind %q", kind)
	}
	if _, _, err := ParseMarket(market); err != nil {
		return "", "", err
	}
	return kind, market, nil
}

// --- engine intake messages ---

const (
	MessageCreateOrder  = "CREATE_ORDER"
	MessageCancelOrder  = "CANCEL_ORDER"
	MessageCreateMarket = "CREATE_MARKET"
)

// EngineMessage is the envelope the order-submission API places on the
// shared queue.
type EngineMessage struct {
	ClientID string         `json:"clientId" validate:"required"`
	Message  MessagePayload `json:"message" validate:"required"`
}

// MessagePayload carries the typed request body.
type MessagePayload struct {
	Type string       `json:"type" validate:"required"`
	Data OrderRequest `json:"data"`
}

// OrderRequest is the body of CREATE_ORDER / CANCEL_ORDER / CREATE_MARKET.
// Which fields are required depends on the message type.
type OrderRequest struct {
	Market   string          `json:"market" validate:"required"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     Side            `json:"side" validate:"omitempty,oneof=bid ask"`
	UserID   string          `json:"userId"`
	OrderID  string          `json:"orderId"`
}

// --- engine replies (point-to-point, closing the silent-rejection gap) ---

const (
	ReplyOrderPlaced    = "ORDER_PLACED"
	ReplyOrderCancelled = "ORDER_CANCELLED"
	ReplyMarketCreated  = "MARKET_CREATED"
	ReplyRejected       = "REJECTED"
)

// EngineReply is pushed to the originating client's reply queue.
type EngineReply struct {
	Type        string          `json:"type"`
	OrderID     string          `json:"orderId,omitempty"`
	Market      string          `json:"market,omitempty"`
	ExecutedQty decimal.Decimal `json:"executedQty"`
	Fills       []Fill          `json:"fills,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// --- stream / server push messages ---

const (
	PushClientID = "client_id"
	PushSnapshot = "orderbook_snapshot"
	PushDepth    = "depth"
	PushTrade    = "trade"
	PushSummary  = "event_summary"
)

// PushMessage is the typed envelope every published and client-pushed
// message travels in.
type PushMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewPushMessage wraps data in a typed envelope.
func NewPushMessage(typ string, data interface{}) (PushMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return PushMessage{}, fmt.Errorf("failed to encode %s payload: %w", typ, err)
	}
	return PushMessage{Type: typ, Data: raw}, nil
}

// DepthUpdate is published on depth@{market} after every book change.
type DepthUpdate struct {
	Market    string       `json:"market"`
	Bids      []DepthLevel `json:"bids"`
	Asks      []DepthLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// TradeUpdate is published on trade@{market} for every fill.
type TradeUpdate struct {
	Market    string          `json:"market"`
	TradeID   int64           `json:"tradeId"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Action    TradeAction     `json:"action"`
	Timestamp time.Time       `json:"timestamp"`
}

// SummaryEntry carries both outcome prices of one event.
type SummaryEntry struct {
	YesPrice decimal.Decimal `json:"yesPrice"`
	NoPrice  decimal.Decimal `json:"noPrice"`
}

// EventSummary is broadcast periodically on the shared summaries channel.
type EventSummary struct {
	Events    map[string]SummaryEntry `json:"events"`
	Timestamp time.Time               `json:"timestamp"`
}

// PricePointMsg is one point of a market's price history series.
type PricePointMsg struct {
	Market    string          `json:"market"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventSnapshot is the one-time full view sent to a new subscriber of an
// event: depth for both outcomes, recent trades, current prices, and the
// historical price series.
type EventSnapshot struct {
	Event     string                     `json:"event"`
	YesBids   []DepthLevel               `json:"yesBids"`
	YesAsks   []DepthLevel               `json:"yesAsks"`
	NoBids    []DepthLevel               `json:"noBids"`
	NoAsks    []DepthLevel               `json:"noAsks"`
	Trades    []TradeUpdate              `json:"trades"`
	Prices    map[Outcome]decimal.Decimal `json:"prices"`
	History   []PricePointMsg            `json:"history"`
	Timestamp time.Time                  `json:"timestamp"`
}

// --- durable market history rows (gorm) ---

// TradeRecord is the durable form of a trade, used for cold-start snapshots.
type TradeRecord struct {
	ID        uint            `gorm:"primaryKey" json:"-"`
	Market    string          `gorm:"index:idx_trades_market" json:"market"`
	TradeID   int64           `json:"tradeId"`
	Price     decimal.Decimal `gorm:"type:numeric" json:"price"`
	Qty       decimal.Decimal `gorm:"type:numeric" json:"qty"`
	Action    TradeAction     `json:"action"`
	Timestamp time.Time       `gorm:"index:idx_trades_market" json:"timestamp"`
}

// PricePoint is the durable form of one traded price observation.
type PricePoint struct {
	ID        uint            `gorm:"primaryKey" json:"-"`
	Market    string          `gorm:"index:idx_prices_market" json:"market"`
	Price     decimal.Decimal `gorm:"type:numeric" json:"price"`
	Timestamp time.Time       `gorm:"index:idx_prices_market" json:"timestamp"`
}
