// Package marketstore is the durable history store for trades and price
// points. The engine feeds it asynchronously; the gateway reads it for
// cold-start snapshots.
package marketstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/forecastlabs/binex/pkg/models"
)

// HistoryReader is the read surface used for cold-start snapshots.
type HistoryReader interface {
	RecentTrades(ctx context.Context, market string, limit int) ([]models.TradeRecord, error)
	PriceHistorySince(ctx context.Context, market string, since time.Time) ([]models.PricePoint, error)
}

// Store implements HistoryReader over gorm plus a buffered async writer so
// recording never blocks the matching path.
type Store struct {
	logger *zap.Logger
	db     *gorm.DB

	writes chan interface{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewStore creates a store over an open gorm connection.
func NewStore(logger *zap.Logger, db *gorm.DB) *Store {
	return &Store{
		logger: logger,
		db:     db,
		writes: make(chan interface{}, 4096),
		stop:   make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.writeLoop()
}

// Stop drains pending writes and stops the writer.
func (s *Store) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// RecordTrade enqueues a trade row. Drops with a log entry when the writer
// is saturated; history is advisory, matching must not stall.
func (s *Store) RecordTrade(tr models.TradeRecord) {
	s.enqueue(&tr)
}

// RecordPrice enqueues a price point row.
func (s *Store) RecordPrice(pp models.PricePoint) {
	s.enqueue(&pp)
}

func (s *Store) enqueue(row interface{}) {
	select {
	case s.writes <- row:
	default:
		s.logger.Warn("market history writer saturated, dropping row")
	}
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case row := <-s.writes:
			if err := s.db.Create(row).Error; err != nil {
				s.logger.Error("failed to persist market history row", zap.Error(err))
			}
		case <-s.stop:
			// drain what is already queued
			for {
				select {
				case row := <-s.writes:
					if err := s.db.Create(row).Error; err != nil {
						s.logger.Error("failed to persist market history row", zap.Error(err))
					}
				default:
					return
				}
			}
		}
	}
}

// RecentTrades returns the newest trades for a market, newest first.
func (s *Store) RecentTrades(ctx context.Context, market string, limit int) ([]models.TradeRecord, error) {
	var out []models.TradeRecord
	err := s.db.WithContext(ctx).
		Where("market = ?", market).
		Order("timestamp DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load recent trades for %s: %w", market, err)
	}
	return out, nil
}

// PriceHistorySince returns the market's price points at or after since,
// oldest first.
func (s *Store) PriceHistorySince(ctx context.Context, market string, since time.Time) ([]models.PricePoint, error) {
	var out []models.PricePoint
	err := s.db.WithContext(ctx).
		Where("market = ? AND timestamp >= ?", market, since).
		Order("timestamp ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load price history for %s: %w", market, err)
	}
	return out, nil
}
