package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerDeduper persists acked keys so a restart does not re-run handlers
// for messages an upstream replays.
type BadgerDeduper struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadgerDeduper opens (or creates) a ledger at path. An empty path keeps
// the ledger in memory.
func NewBadgerDeduper(path string, ttl time.Duration) (*BadgerDeduper, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open dedupe ledger: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &BadgerDeduper{db: db, ttl: ttl}, nil
}

func (d *BadgerDeduper) Seen(key string) (bool, error) {
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *BadgerDeduper) Mark(key string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), []byte{1}).WithTTL(d.ttl))
	})
}

func (d *BadgerDeduper) Close() error {
	return d.db.Close()
}
