// Package bookkeeper keeps user balances for the matching engine: currency
// funds plus contract positions per (market). The ledger lives inside the
// engine's sequential path, so it performs no locking of its own.
//
// Reservation protocol: a bid reserves price*quantity currency, an ask
// reserves quantity contracts. Fills move locked currency to the seller and
// locked contracts to the buyer; cancels release the unfilled remainder.
package bookkeeper

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds rejects a bid whose notional exceeds the user's
	// available currency.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientContracts rejects an ask exceeding the user's
	// available contracts in that market.
	ErrInsufficientContracts = errors.New("insufficient contracts")
)

// Balance is a user's currency holding.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Position is a user's contract holding in one (event, outcome) market.
type Position struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Ledger tracks funds and positions for all users.
type Ledger struct {
	funds     map[string]*Balance
	positions map[string]map[string]*Position // user -> market -> position
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		funds:     make(map[string]*Balance),
		positions: make(map[string]map[string]*Position),
	}
}

// Deposit credits available currency.
func (l *Ledger) Deposit(userID string, amount decimal.Decimal) {
	b := l.balance(userID)
	b.Available = b.Available.Add(amount)
}

// GrantContracts credits available contracts, e.g. when an event is minted
// or for seeding.
func (l *Ledger) GrantContracts(userID, market string, qty decimal.Decimal) {
	p := l.position(userID, market)
	p.Available = p.Available.Add(qty)
}

// ReserveFunds moves amount from available to locked currency atomically
// with order creation. Fails without mutating on insufficient balance.
func (l *Ledger) ReserveFunds(userID string, amount decimal.Decimal) error {
	b := l.balance(userID)
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%w: user %s needs %s, has %s available",
			ErrInsufficientFunds, userID, amount, b.Available)
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return nil
}

// ReleaseFunds returns locked currency to available, e.g. on cancel.
func (l *Ledger) ReleaseFunds(userID string, amount decimal.Decimal) error {
	b := l.balance(userID)
	if b.Locked.LessThan(amount) {
		return fmt.Errorf("release of %s exceeds locked funds %s for user %s",
			amount, b.Locked, userID)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Available = b.Available.Add(amount)
	return nil
}

// ReserveContracts moves qty from available to locked contracts for an ask.
func (l *Ledger) ReserveContracts(userID, market string, qty decimal.Decimal) error {
	p := l.position(userID, market)
	if p.Available.LessThan(qty) {
		return fmt.Errorf("%w: user %s in %s needs %s, has %s available",
			ErrInsufficientContracts, userID, market, qty, p.Available)
	}
	p.Available = p.Available.Sub(qty)
	p.Locked = p.Locked.Add(qty)
	return nil
}

// ReleaseContracts returns locked contracts to available.
func (l *Ledger) ReleaseContracts(userID, market string, qty decimal.Decimal) error {
	p := l.position(userID, market)
	if p.Locked.LessThan(qty) {
		return fmt.Errorf("release of %s exceeds locked contracts %s for user %s in %s",
			qty, p.Locked, userID, market)
	}
	p.Locked = p.Locked.Sub(qty)
	p.Available = p.Available.Add(qty)
	return nil
}

// SettleFill transfers ownership for one fill: the buyer pays execPrice*qty
// out of currency locked at lockPrice (any excess from price improvement is
// released back to available), the seller receives the cash, and qty
// contracts move from the seller's locked position to the buyer.
func (l *Ledger) SettleFill(buyerID, sellerID, market string, lockPrice, execPrice, qty decimal.Decimal) error {
	lockAmount := lockPrice.Mul(qty)
	payAmount := execPrice.Mul(qty)

	buyer := l.balance(buyerID)
	if buyer.Locked.LessThan(lockAmount) {
		return fmt.Errorf("fill of %s exceeds locked funds %s for buyer %s",
			lockAmount, buyer.Locked, buyerID)
	}
	sellerPos := l.position(sellerID, market)
	if sellerPos.Locked.LessThan(qty) {
		return fmt.Errorf("fill of %s exceeds locked contracts %s for seller %s in %s",
			qty, sellerPos.Locked, sellerID, market)
	}

	buyer.Locked = buyer.Locked.Sub(lockAmount)
	// refund the spread between the buyer's reserved price and the
	// execution price
	buyer.Available = buyer.Available.Add(lockAmount.Sub(payAmount))

	seller := l.balance(sellerID)
	seller.Available = seller.Available.Add(payAmount)

	sellerPos.Locked = sellerPos.Locked.Sub(qty)
	buyerPos := l.position(buyerID, market)
	buyerPos.Available = buyerPos.Available.Add(qty)
	return nil
}

// Funds returns a copy of the user's currency balance.
func (l *Ledger) Funds(userID string) Balance {
	if b, ok := l.funds[userID]; ok {
		return *b
	}
	return Balance{Available: decimal.Zero, Locked: decimal.Zero}
}

// Contracts returns a copy of the user's position in the market.
func (l *Ledger) Contracts(userID, market string) Position {
	if ms, ok := l.positions[userID]; ok {
		if p, ok := ms[market]; ok {
			return *p
		}
	}
	return Position{Available: decimal.Zero, Locked: decimal.Zero}
}

func (l *Ledger) balance(userID string) *Balance {
	b, ok := l.funds[userID]
	if !ok {
		b = &Balance{Available: decimal.Zero, Locked: decimal.Zero}
		l.funds[userID] = b
	}
	return b
}

func (l *Ledger) position(userID, market string) *Position {
	ms, ok := l.positions[userID]
	if !ok {
		ms = make(map[string]*Position)
		l.positions[userID] = ms
	}
	p, ok := ms[market]
	if !ok {
		p = &Position{Available: decimal.Zero, Locked: decimal.Zero}
		ms[market] = p
	}
	return p
}
