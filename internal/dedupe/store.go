// Package dedupe remembers request ids so at-least-once redeliveries are
// served once.
package dedupe

import (
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const DefaultTTL = 2 * time.Hour

type Store struct {
	db  *badger.DB
	ttl time.Duration
}

// Open opens a badger database at dir, or an in-memory one when dir is empty.
func Open(dir string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, ttl: ttl}, nil
}

// MarkSeen records id and reports whether it had been recorded before.
func (s *Store) MarkSeen(id string) (seen bool, err error) {
	k := []byte(id)
	for attempt := 0; attempt < 3; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			_, e := txn.Get(k)
			if e == nil {
				seen = true
				return nil
			}
			if !errors.Is(e, badger.ErrKeyNotFound) {
				return e
			}
			seen = false
			return txn.SetEntry(badger.NewEntry(k, []byte{1}).WithTTL(s.ttl))
		})
		if !errors.Is(err, badger.ErrConflict) {
			return seen, err
		}
	}
	return seen, err
}

// Forget removes id so a later delivery is served again.
func (s *Store) Forget(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(id))
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
