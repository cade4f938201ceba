package orderbook

import (
	"github.com/shopspring/decimal"

	"github.com/forecastlabs/binex/pkg/models"
)

// Snapshot is the serializable form of a book for checkpointing. It must
// round-trip exactly through save/restore.
type Snapshot struct {
	Market       string          `json:"market"`
	Bids         []models.Order  `json:"bids"`
	Asks         []models.Order  `json:"asks"`
	LastTradeID  int64           `json:"lastTradeId"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
}

// Snapshot copies the book's full state.
func (b *OrderBook) Snapshot() Snapshot {
	s := Snapshot{
		Market:       b.market,
		Bids:         make([]models.Order, len(b.bids)),
		Asks:         make([]models.Order, len(b.asks)),
		LastTradeID:  b.lastTradeID,
		CurrentPrice: b.currentPrice,
	}
	for i, o := range b.bids {
		s.Bids[i] = *o
	}
	for i, o := range b.asks {
		s.Asks[i] = *o
	}
	return s
}

// FromSnapshot rebuilds a book from a checkpointed snapshot.
func FromSnapshot(s Snapshot) *OrderBook {
	b := &OrderBook{
		market:       s.Market,
		bids:         make([]*models.Order, len(s.Bids)),
		asks:         make([]*models.Order, len(s.Asks)),
		lastTradeID:  s.LastTradeID,
		currentPrice: s.CurrentPrice,
	}
	for i := range s.Bids {
		o := s.Bids[i]
		b.bids[i] = &o
	}
	for i := range s.Asks {
		o := s.Asks[i]
		b.asks[i] = &o
	}
	return b
}
