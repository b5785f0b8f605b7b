package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto"
)

// keySep separates the map name from the entry key in badger keys.
const keySep = byte(0)

// BadgerStore implements Storage using BadgerDB, with a ristretto read cache.
type BadgerStore struct {
	db    *badger.DB
	cache *ristretto.Cache

	stop     chan struct{}
	stopOnce sync.Once
}

// NewBadgerStore opens (or creates) a badger database in dataDir.
// cacheSize is the maximum cost of cached values in bytes; <= 0 disables the cache.
func NewBadgerStore(dataDir string, cacheSize int64) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &BadgerStore{db: db, stop: make(chan struct{})}

	if cacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 10 * (cacheSize / 64),
			MaxCost:     cacheSize,
			BufferItems: 64,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
		s.cache = cache
	}

	go s.runGC()

	return s, nil
}

// runGC runs the value log garbage collector periodically
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.db.RunValueLogGC(0.7)
		}
	}
}

func mapPrefix(mapName string) []byte {
	p := make([]byte, 0, len(mapName)+1)
	p = append(p, mapName...)
	return append(p, keySep)
}

func entryKey(mapName, key string) []byte {
	return append(mapPrefix(mapName), key...)
}

func splitEntryKey(k []byte) (mapName, key string, ok bool) {
	i := bytes.IndexByte(k, keySep)
	if i < 0 {
		return "", "", false
	}
	return string(k[:i]), string(k[i+1:]), true
}

// Put stores a value in the named map
func (s *BadgerStore) Put(ctx context.Context, mapName, key string, value []byte) error {
	if mapName == "" {
		return ErrEmptyMapName
	}
	k := entryKey(mapName, key)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, value)
	})
	if err != nil {
		return err
	}
	if s.cache != nil {
		// Del is applied before the buffered Set, so a dropped Set never leaves a stale value behind.
		s.cache.Del(string(k))
		s.cache.Set(string(k), append([]byte(nil), value...), int64(len(value)))
	}
	return nil
}

// Get retrieves a value from the named map
func (s *BadgerStore) Get(ctx context.Context, mapName, key string) ([]byte, bool, error) {
	k := entryKey(mapName, key)
	if s.cache != nil {
		if v, ok := s.cache.Get(string(k)); ok {
			return append([]byte(nil), v.([]byte)...), true, nil
		}
	}

	var value []byte
	var found bool

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		found = true
		return item.Value(func(val []byte) error {
			value = append([]byte{}, val...)
			return nil
		})
	})

	return value, found, err
}

// Delete removes keys from the named map
func (s *BadgerStore) Delete(ctx context.Context, mapName string, keys ...string) (int, error) {
	deleted := 0

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			k := entryKey(mapName, key)
			if _, err := txn.Get(k); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		for _, key := range keys {
			s.cache.Del(string(entryKey(mapName, key)))
		}
	}
	return deleted, nil
}

// Keys lists the keys of the named map in lexical order
func (s *BadgerStore) Keys(ctx context.Context, mapName string) ([]string, error) {
	var keys []string
	prefix := mapPrefix(mapName)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})

	return keys, err
}

// Entries returns a copy of the named map
func (s *BadgerStore) Entries(ctx context.Context, mapName string) (map[string][]byte, error) {
	res := make(map[string][]byte)
	prefix := mapPrefix(mapName)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(prefix):])
			if err := item.Value(func(val []byte) error {
				res[key] = append([]byte{}, val...)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})

	return res, err
}

// Drop removes the named map entirely
func (s *BadgerStore) Drop(ctx context.Context, mapName string) error {
	if err := s.db.DropPrefix(mapPrefix(mapName)); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Clear()
	}
	return nil
}

// Dump returns every map held by the store
func (s *BadgerStore) Dump(ctx context.Context) (map[string]map[string][]byte, error) {
	out := make(map[string]map[string][]byte)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			mapName, key, ok := splitEntryKey(item.Key())
			if !ok {
				continue
			}
			mp, exists := out[mapName]
			if !exists {
				mp = make(map[string][]byte)
				out[mapName] = mp
			}
			if err := item.Value(func(val []byte) error {
				mp[key] = append([]byte{}, val...)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})

	return out, err
}

// Load replaces the database content with maps
func (s *BadgerStore) Load(ctx context.Context, maps map[string]map[string][]byte) error {
	if err := s.db.DropAll(); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Clear()
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for mapName, mp := range maps {
		for k, v := range mp {
			if err := wb.Set(entryKey(mapName, k), v); err != nil {
				return err
			}
		}
	}
	return wb.Flush()
}

// Close stops background tasks and closes the database
func (s *BadgerStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.cache != nil {
		s.cache.Close()
	}
	return s.db.Close()
}
