// Package engine is the sequential matching engine: it owns every order
// book and the balance ledger, consumes the shared order queue, and emits
// market data after each processed order.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/forecastlabs/binex/internal/bookkeeper"
	"github.com/forecastlabs/binex/internal/marketdata"
	"github.com/forecastlabs/binex/internal/orderbook"
	"github.com/forecastlabs/binex/pkg/metrics"
	"github.com/forecastlabs/binex/pkg/models"
)

// Recorder receives trade and price history for durable storage. Calls must
// never block the matching path.
type Recorder interface {
	RecordTrade(models.TradeRecord)
	RecordPrice(models.PricePoint)
}

// Options tune the engine loops.
type Options struct {
	QueueName          string
	PollTimeout        time.Duration
	CheckpointInterval time.Duration
	SummaryInterval    time.Duration
}

// Engine processes orders strictly sequentially. All book and ledger
// mutation happens under mu inside the intake path; the checkpoint and
// summary tickers only take read locks.
type Engine struct {
	logger      *zap.Logger
	opts        Options
	queue       *redis.Client
	publisher   *marketdata.Publisher
	recorder    Recorder
	checkpoints *CheckpointStore
	validate    *validator.Validate

	mu     sync.RWMutex
	books  map[string]*orderbook.OrderBook
	ledger *bookkeeper.Ledger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates an engine. recorder may be nil when no history store is wired.
func New(logger *zap.Logger, opts Options, queue *redis.Client, publisher *marketdata.Publisher, recorder Recorder, checkpoints *CheckpointStore) *Engine {
	if opts.QueueName == "" {
		opts.QueueName = "messages"
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 500 * time.Millisecond
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 30 * time.Second
	}
	if opts.SummaryInterval <= 0 {
		opts.SummaryInterval = 5 * time.Second
	}
	return &Engine{
		logger:      logger,
		opts:        opts,
		queue:       queue,
		publisher:   publisher,
		recorder:    recorder,
		checkpoints: checkpoints,
		validate:    validator.New(),
		books:       make(map[string]*orderbook.OrderBook),
		ledger:      bookkeeper.NewLedger(),
		stop:        make(chan struct{}),
	}
}

// Bootstrap restores the latest checkpoint when one exists, otherwise seeds
// balances, and ensures the configured markets have books either way.
func (e *Engine) Bootstrap(ctx context.Context, seedFunds map[string]string, events []string) error {
	if e.checkpoints != nil {
		cp, ok, err := e.checkpoints.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if ok {
			e.mu.Lock()
			e.books = make(map[string]*orderbook.OrderBook, len(cp.Books))
			for _, snap := range cp.Books {
				e.books[snap.Market] = orderbook.FromSnapshot(snap)
			}
			e.ledger = bookkeeper.FromSnapshot(cp.Ledger)
			e.mu.Unlock()
			e.logger.Info("restored engine state from checkpoint",
				zap.Int("books", len(cp.Books)), zap.Time("created_at", cp.CreatedAt))
			e.ensureMarkets(events)
			return nil
		}
	}

	e.mu.Lock()
	for user, amount := range seedFunds {
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("bad seed amount %q for user %s: %w", amount, user, err)
		}
		e.ledger.Deposit(user, amt)
	}
	e.mu.Unlock()
	e.ensureMarkets(events)
	e.logger.Info("started from empty state", zap.Int("seed_users", len(seedFunds)))
	return nil
}

// CreateMarket adds the yes and no books for an event. Idempotent.
func (e *Engine) CreateMarket(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, outcome := range []models.Outcome{models.OutcomeYes, models.OutcomeNo} {
		market := models.MarketName(event, outcome)
		if _, ok := e.books[market]; !ok {
			e.books[market] = orderbook.NewOrderBook(market)
		}
	}
}

// GrantContracts seeds a user's contract position, used by host wiring and
// tests; there is no public mint flow in the engine itself.
func (e *Engine) GrantContracts(userID, market string, qty decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger.GrantContracts(userID, market, qty)
}

func (e *Engine) ensureMarkets(events []string) {
	for _, ev := range events {
		e.CreateMarket(ev)
	}
}

// Start launches the intake loop and the checkpoint and summary tickers.
func (e *Engine) Start() {
	e.wg.Add(3)
	go e.runLoop()
	go e.checkpointLoop()
	go e.summaryLoop()
	e.logger.Info("matching engine started", zap.String("queue", e.opts.QueueName))
}

// Stop halts the loops and flushes a final checkpoint.
func (e *Engine) Stop(ctx context.Context) error {
	close(e.stop)
	e.wg.Wait()
	if err := e.checkpointNow(ctx); err != nil {
		return fmt.Errorf("final checkpoint failed: %w", err)
	}
	e.logger.Info("matching engine stopped")
	return nil
}

// runLoop is the single sequential intake: a blocking pull with timeout so
// shutdown is observed between pulls.
func (e *Engine) runLoop() {
	defer e.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		res, err := e.queue.BRPop(ctx, e.opts.PollTimeout, e.opts.QueueName).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			e.logger.Error("order queue pull failed", zap.Error(err))
			select {
			case <-e.stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// BRPop returns [queue, payload]
		if len(res) == 2 {
			e.ProcessMessage(ctx, []byte(res[1]))
		}
	}
}

func (e *Engine) checkpointLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if err := e.checkpointNow(context.Background()); err != nil {
				e.logger.Error("periodic checkpoint failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) summaryLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.SummaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.publisher.PublishSummary(context.Background(), e.BuildSummary())
		}
	}
}

// checkpointNow serializes all books and balances under a read lock.
func (e *Engine) checkpointNow(ctx context.Context) error {
	if e.checkpoints == nil {
		return nil
	}
	e.mu.RLock()
	cp := Checkpoint{
		Books:     make([]orderbook.Snapshot, 0, len(e.books)),
		Ledger:    e.ledger.Snapshot(),
		CreatedAt: time.Now().UTC(),
	}
	for _, book := range e.books {
		cp.Books = append(cp.Books, book.Snapshot())
	}
	e.mu.RUnlock()

	if err := e.checkpoints.Save(ctx, cp); err != nil {
		return err
	}
	metrics.CheckpointsWritten.Inc()
	return nil
}

// BuildSummary collects the current yes/no price of every active market.
func (e *Engine) BuildSummary() models.EventSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	summary := models.EventSummary{
		Events:    make(map[string]models.SummaryEntry),
		Timestamp: time.Now().UTC(),
	}
	for market, book := range e.books {
		event, outcome, err := models.ParseMarket(market)
		if err != nil {
			continue
		}
		entry := summary.Events[event]
		if outcome == models.OutcomeYes {
			entry.YesPrice = book.GetMarketPrice()
		} else {
			entry.NoPrice = book.GetMarketPrice()
		}
		summary.Events[event] = entry
	}
	return summary
}

// ProcessMessage dispatches one raw queue message. Malformed messages are
// logged and dropped; recognized clients always receive a reply, including
// rejections.
func (e *Engine) ProcessMessage(ctx context.Context, raw []byte) {
	var msg models.EngineMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.OrdersRejected.WithLabelValues("malformed").Inc()
		e.logger.Warn("dropping malformed queue message", zap.Error(err))
		return
	}
	if err := e.validate.Struct(msg); err != nil {
		metrics.OrdersRejected.WithLabelValues("invalid").Inc()
		e.logger.Warn("dropping invalid queue message", zap.Error(err))
		if msg.ClientID != "" {
			e.publisher.Reply(ctx, msg.ClientID, models.EngineReply{
				Type: models.ReplyRejected, Error: "invalid message",
			})
		}
		return
	}

	var reply models.EngineReply
	switch msg.Message.Type {
	case models.MessageCreateOrder:
		reply = e.handleCreateOrder(ctx, msg.Message.Data)
	case models.MessageCancelOrder:
		reply = e.handleCancelOrder(ctx, msg.Message.Data)
	case models.MessageCreateMarket:
		e.CreateMarket(msg.Message.Data.Market)
		reply = models.EngineReply{Type: models.ReplyMarketCreated, Market: msg.Message.Data.Market}
	default:
		metrics.OrdersRejected.WithLabelValues("unsupported").Inc()
		reply = models.EngineReply{
			Type:  models.ReplyRejected,
			Error: fmt.Sprintf("%s: %s", ErrUnsupportedMessage, msg.Message.Type),
		}
	}
	e.publisher.Reply(ctx, msg.ClientID, reply)
}

func (e *Engine) handleCreateOrder(ctx context.Context, req models.OrderRequest) models.EngineReply {
	start := time.Now()
	result, err := e.CreateOrder(ctx, req)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		return models.EngineReply{Type: models.ReplyRejected, Market: req.Market, Error: err.Error()}
	}
	metrics.OrdersProcessed.WithLabelValues(string(req.Side)).Inc()
	metrics.OrderLatency.Observe(time.Since(start).Seconds())
	return result
}

func (e *Engine) handleCancelOrder(ctx context.Context, req models.OrderRequest) models.EngineReply {
	if err := e.CancelOrder(ctx, req); err != nil {
		metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		return models.EngineReply{Type: models.ReplyRejected, Market: req.Market, Error: err.Error()}
	}
	return models.EngineReply{Type: models.ReplyOrderCancelled, OrderID: req.OrderID, Market: req.Market}
}

// CreateOrder reserves the side-appropriate resource, matches the order,
// settles every fill, and publishes the resulting market data.
func (e *Engine) CreateOrder(ctx context.Context, req models.OrderRequest) (models.EngineReply, error) {
	if err := validateOrderRequest(req); err != nil {
		return models.EngineReply{}, err
	}

	e.mu.Lock()
	book, ok := e.books[req.Market]
	if !ok {
		e.mu.Unlock()
		return models.EngineReply{}, fmt.Errorf("%w: %s", ErrMarketNotFound, req.Market)
	}

	// reserve before the order exists; a failed reservation creates nothing
	if req.Side == models.SideBid {
		if err := e.ledger.ReserveFunds(req.UserID, req.Price.Mul(req.Quantity)); err != nil {
			e.mu.Unlock()
			return models.EngineReply{}, err
		}
	} else {
		if err := e.ledger.ReserveContracts(req.UserID, req.Market, req.Quantity); err != nil {
			e.mu.Unlock()
			return models.EngineReply{}, err
		}
	}

	order := &models.Order{
		ID:       uuid.New().String(),
		UserID:   req.UserID,
		Market:   req.Market,
		Side:     req.Side,
		Price:    req.Price,
		Quantity: req.Quantity,
		Filled:   decimal.Zero,
	}
	result := book.AddOrder(order)

	for _, fill := range result.Fills {
		var buyer, seller string
		var lockPrice decimal.Decimal
		if req.Side == models.SideBid {
			buyer, seller = order.UserID, fill.OtherUserID
			lockPrice = order.Price
		} else {
			// the maker bid reserved at its own price, which is the
			// execution price
			buyer, seller = fill.OtherUserID, order.UserID
			lockPrice = fill.Price
		}
		if err := e.ledger.SettleFill(buyer, seller, req.Market, lockPrice, fill.Price, fill.Qty); err != nil {
			e.logger.Error("fill settlement failed",
				zap.String("market", req.Market),
				zap.Int64("trade_id", fill.TradeID),
				zap.Error(err))
		}
	}

	bids, asks := book.GetMarketDepth()
	price := book.GetMarketPrice()
	e.mu.Unlock()

	action := models.ActionBuy
	if req.Side == models.SideAsk {
		action = models.ActionSell
	}
	now := time.Now().UTC()
	for _, fill := range result.Fills {
		e.publisher.PublishTrade(ctx, req.Market, fill, action)
		if e.recorder != nil {
			e.recorder.RecordTrade(models.TradeRecord{
				Market:    req.Market,
				TradeID:   fill.TradeID,
				Price:     fill.Price,
				Qty:       fill.Qty,
				Action:    action,
				Timestamp: now,
			})
		}
	}
	e.publisher.PublishDepth(ctx, req.Market, bids, asks)
	if e.recorder != nil && len(result.Fills) > 0 {
		e.recorder.RecordPrice(models.PricePoint{Market: req.Market, Price: price, Timestamp: now})
	}

	return models.EngineReply{
		Type:        models.ReplyOrderPlaced,
		OrderID:     order.ID,
		Market:      req.Market,
		ExecutedQty: result.ExecutedQty,
		Fills:       result.Fills,
	}, nil
}

// CancelOrder removes a resting order and releases the unfilled remainder
// of whatever was reserved for it. A cancel for an unknown order is a
// no-match result, not a fault.
func (e *Engine) CancelOrder(ctx context.Context, req models.OrderRequest) error {
	if req.OrderID == "" || req.Market == "" {
		return fmt.Errorf("cancel requires market and orderId")
	}

	e.mu.Lock()
	book, ok := e.books[req.Market]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMarketNotFound, req.Market)
	}

	var removed *models.Order
	if req.Side == models.SideBid {
		removed, ok = book.CancelBid(req.OrderID)
	} else {
		removed, ok = book.CancelAsk(req.OrderID)
	}
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOrderNotFound, req.OrderID)
	}

	var err error
	if removed.Side == models.SideBid {
		err = e.ledger.ReleaseFunds(removed.UserID, removed.Price.Mul(removed.Outstanding()))
	} else {
		err = e.ledger.ReleaseContracts(removed.UserID, removed.Market, removed.Outstanding())
	}
	if err != nil {
		e.logger.Error("cancel release failed",
			zap.String("order_id", removed.ID), zap.Error(err))
	}

	bids, asks := book.GetMarketDepth()
	e.mu.Unlock()

	e.publisher.PublishDepth(ctx, req.Market, bids, asks)
	return nil
}

// Funds exposes a user's currency balance for host wiring and tests.
func (e *Engine) Funds(userID string) bookkeeper.Balance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Funds(userID)
}

// Contracts exposes a user's position for host wiring and tests.
func (e *Engine) Contracts(userID, market string) bookkeeper.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Contracts(userID, market)
}

// OpenOrders lists a user's resting orders in a market.
func (e *Engine) OpenOrders(userID, market string) []*models.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	book, ok := e.books[market]
	if !ok {
		return nil
	}
	return book.GetOpenOrders(userID)
}

func validateOrderRequest(req models.OrderRequest) error {
	if req.Market == "" || req.UserID == "" {
		return fmt.Errorf("order requires market and userId")
	}
	if _, _, err := models.ParseMarket(req.Market); err != nil {
		return err
	}
	if req.Side != models.SideBid && req.Side != models.SideAsk {
		return fmt.Errorf("unknown side %q", req.Side)
	}
	if !req.Price.IsPositive() || !req.Quantity.IsPositive() {
		return fmt.Errorf("price and quantity must be positive")
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, bookkeeper.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, bookkeeper.ErrInsufficientContracts):
		return "insufficient_contracts"
	case errors.Is(err, ErrMarketNotFound):
		return "market_not_found"
	case errors.Is(err, ErrOrderNotFound):
		return "order_not_found"
	default:
		return "invalid"
	}
}
