package driftsync

import (
	"sync"

	"golang.org/x/exp/maps"
)

// OptimisticStore is the locally predicted record state, keyed by record
// key. Entries live in memory only. After a restart they are rebuilt from
// the mutation queue, which is the durable record of pending intent.
//
// An entry clears in exactly two ways: a committed change at or above the
// predicted version was applied (`ClearObserved`), or the mutation that
// produced the entry was definitively abandoned (`ClearToken`).
type OptimisticStore struct {
	stateLock sync.Mutex
	entries   map[RecordKey]*ChangeRecord
	tokenKeys map[Id]RecordKey
}

func NewOptimisticStore() *OptimisticStore {
	return &OptimisticStore{
		entries:   map[RecordKey]*ChangeRecord{},
		tokenKeys: map[Id]RecordKey{},
	}
}

// Set records `record` as the current prediction for its key. A later
// prediction for the same key replaces an earlier one, and the earlier
// mutation token no longer guards the entry.
func (self *OptimisticStore) Set(record *ChangeRecord) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := record.Key()
	if previous, ok := self.entries[key]; ok {
		delete(self.tokenKeys, previous.Token)
	}
	self.entries[key] = record
	self.tokenKeys[record.Token] = key
}

func (self *OptimisticStore) Get(key RecordKey) (*ChangeRecord, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.entries[key]
	return record, ok
}

// ClearToken removes the entry guarded by `token`, if the entry still
// belongs to that mutation. A stale token clears nothing.
func (self *OptimisticStore) ClearToken(token Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key, ok := self.tokenKeys[token]
	if !ok {
		return false
	}
	record, ok := self.entries[key]
	if !ok || record.Token != token {
		delete(self.tokenKeys, token)
		return false
	}
	delete(self.entries, key)
	delete(self.tokenKeys, token)
	return true
}

// ClearObserved removes the entry for `key` when a committed version at or
// above the prediction was observed. A newer prediction stays in place.
func (self *OptimisticStore) ClearObserved(key RecordKey, version uint64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.entries[key]
	if !ok {
		return false
	}
	if version < record.Version {
		return false
	}
	delete(self.entries, key)
	delete(self.tokenKeys, record.Token)
	return true
}

func (self *OptimisticStore) Keys() []RecordKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.entries)
}

func (self *OptimisticStore) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}
