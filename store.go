package driftsync

import (
	"slices"
	"sync"
)

// store collections used by the engine
const (
	CollectionQueue = "mutation_queue"
	CollectionCache = "cache"
	CollectionMeta  = "meta"
)

// LocalStore is the durable storage capability the client engine builds on:
// per-collection key/value rows with an ordered secondary index. Rows scan in
// ascending `ordinal` order, ties in insertion order, which is what makes the
// mutation queue replay FIFO across restarts.
//
// Implementations must be safe for concurrent use by multiple engines of the
// same origin. Sibling contexts share one store.
type LocalStore interface {
	// Put inserts or replaces the row for (collection, key). A replace keeps
	// the row's original insertion position for ordinal ties.
	Put(collection string, key string, value []byte, ordinal uint64) error
	Get(collection string, key string) ([]byte, bool, error)
	// Delete is idempotent. Deleting an absent key is not an error.
	Delete(collection string, key string) error
	// Scan visits each row in (ordinal, insertion) order until `visit`
	// returns false.
	Scan(collection string, visit func(key string, value []byte) bool) error
	Len(collection string) (int, error)
	Close() error
}

type memoryRow struct {
	key       string
	value     []byte
	ordinal   uint64
	insertSeq uint64
}

// MemoryLocalStore is the in-memory `LocalStore`. Contents do not survive a
// restart, so it is for tests and for ephemeral engines. A single instance
// can back any number of engines, which is how sibling contexts are modeled
// in process.
type MemoryLocalStore struct {
	stateLock   sync.Mutex
	insertSeq   uint64
	collections map[string]map[string]*memoryRow
}

func NewMemoryLocalStore() *MemoryLocalStore {
	return &MemoryLocalStore{
		collections: map[string]map[string]*memoryRow{},
	}
}

func (self *MemoryLocalStore) Put(collection string, key string, value []byte, ordinal uint64) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	rows, ok := self.collections[collection]
	if !ok {
		rows = map[string]*memoryRow{}
		self.collections[collection] = rows
	}
	if row, ok := rows[key]; ok {
		// keep the insertion position
		row.value = slices.Clone(value)
		row.ordinal = ordinal
		return nil
	}
	self.insertSeq += 1
	rows[key] = &memoryRow{
		key:       key,
		value:     slices.Clone(value),
		ordinal:   ordinal,
		insertSeq: self.insertSeq,
	}
	return nil
}

func (self *MemoryLocalStore) Get(collection string, key string) ([]byte, bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	row, ok := self.collections[collection][key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(row.value), true, nil
}

func (self *MemoryLocalStore) Delete(collection string, key string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.collections[collection], key)
	return nil
}

func (self *MemoryLocalStore) Scan(collection string, visit func(key string, value []byte) bool) error {
	// snapshot under lock, visit outside the lock so that `visit` can call
	// back into the store
	var rows []*memoryRow
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for _, row := range self.collections[collection] {
			rows = append(rows, &memoryRow{
				key:       row.key,
				value:     slices.Clone(row.value),
				ordinal:   row.ordinal,
				insertSeq: row.insertSeq,
			})
		}
	}()
	slices.SortFunc(rows, func(a *memoryRow, b *memoryRow) int {
		if a.ordinal != b.ordinal {
			if a.ordinal < b.ordinal {
				return -1
			}
			return 1
		}
		if a.insertSeq < b.insertSeq {
			return -1
		}
		return 1
	})
	for _, row := range rows {
		if !visit(row.key, row.value) {
			return nil
		}
	}
	return nil
}

func (self *MemoryLocalStore) Len(collection string) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.collections[collection]), nil
}

func (self *MemoryLocalStore) Close() error {
	return nil
}
