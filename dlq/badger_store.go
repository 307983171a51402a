package dlq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "dlq/entry/"

// BadgerStore persists entries in a badger directory, one key per entry.
type BadgerStore struct {
	db *badger.DB
}

type BadgerOption func(*badger.Options)

// InMemory keeps badger data in memory only.
func InMemory() BadgerOption {
	return func(opts *badger.Options) {
		*opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
}

func OpenBadgerStore(path string, opts ...BadgerOption) (*BadgerStore, error) {
	options := badger.DefaultOptions(strings.TrimSpace(path)).
		WithLoggingLevel(badger.ERROR)
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if !options.InMemory && options.Dir == "" {
		return nil, fmt.Errorf("dlq: badger path is required")
	}
	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("dlq: open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func entryKey(id string) []byte {
	return []byte(badgerKeyPrefix + strings.TrimSpace(id))
}

func (s *BadgerStore) Put(_ context.Context, entry Entry) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(entry.ID) == "" {
		return fmt.Errorf("dlq: entry id is required")
	}
	data, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("dlq: encode entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(entry.ID), data)
	})
}

func (s *BadgerStore) Get(_ context.Context, id string) (Entry, error) {
	if err := s.ready(); err != nil {
		return Entry{}, err
	}
	var entry Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return decodeEntry(v, &entry)
		})
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *BadgerStore) List(_ context.Context, filter Filter) ([]Entry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(badgerKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry Entry
			if err := it.Item().Value(func(v []byte) error {
				return decodeEntry(v, &entry)
			}); err != nil {
				return fmt.Errorf("dlq: decode entry %q: %w", it.Item().Key(), err)
			}
			if filter.Matches(entry) {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applyFilter(entries, filter), nil
}

func (s *BadgerStore) Update(_ context.Context, entry Entry) error {
	if err := s.ready(); err != nil {
		return err
	}
	data, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("dlq: encode entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := entryKey(entry.ID)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrEntryNotFound
			}
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) Delete(_ context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := entryKey(id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrEntryNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

func (s *BadgerStore) ready() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("dlq: badger store is not configured")
	}
	return nil
}

var _ Store = (*BadgerStore)(nil)
