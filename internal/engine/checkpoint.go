package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/forecastlabs/binex/internal/bookkeeper"
	"github.com/forecastlabs/binex/internal/orderbook"
)

// Checkpoint is the full serialized engine state: every book plus the
// ledger. Data since the last checkpoint is lost on crash by design; this
// is not a write-ahead log.
type Checkpoint struct {
	Books     []orderbook.Snapshot `json:"books"`
	Ledger    bookkeeper.Snapshot  `json:"ledger"`
	CreatedAt time.Time            `json:"createdAt"`
}

// CheckpointStore persists checkpoints in BadgerDB, newest key wins.
type CheckpointStore struct {
	db *badger.DB
}

const checkpointKeep = 5

// NewCheckpointStore opens (or creates) the store at path.
func NewCheckpointStore(path string) (*CheckpointStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

// Save persists the checkpoint under a timestamp key and prunes old entries.
func (s *CheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	key := []byte(fmt.Sprintf("checkpoint:%020d", time.Now().UnixNano()))
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return s.prune()
}

// Load returns the most recent checkpoint, or ok=false when none exists.
func (s *CheckpointStore) Load(ctx context.Context) (Checkpoint, bool, error) {
	var latestKey []byte
	var data []byte

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			if len(latestKey) == 0 || string(k) > string(latestKey) {
				latestKey = append(latestKey[:0], k...)
			}
		}
		if len(latestKey) == 0 {
			return nil
		}
		item, err := txn.Get(latestKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if data == nil {
		return Checkpoint{}, false, nil
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return cp, true, nil
}

// prune keeps only the newest checkpointKeep entries.
func (s *CheckpointStore) prune() error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(keys) <= checkpointKeep {
		return nil
	}
	// keys are zero-padded timestamps, lexicographic order is creation order
	stale := keys[:len(keys)-checkpointKeep]
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying store.
func (s *CheckpointStore) Close() error {
	return s.db.Close()
}
