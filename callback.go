package driftsync

import (
	"slices"
	"sync"
)

// note all callbacks are dispatched fire-and-continue: a subscriber panic is
// recovered and must never stall the component that owns the list

type callbackEntry[T any] struct {
	callbackId Id
	callback   T
}

// makes a copy of the list on update so `Get` can be iterated without holding
// the lock
type CallbackList[T any] struct {
	stateLock sync.Mutex
	entries   []*callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: []*callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry := &callbackEntry[T]{
		callbackId: NewId(),
		callback:   callback,
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, entry)
	self.entries = nextEntries
	return entry.callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.entries, func(entry *callbackEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = slices.Delete(nextEntries, i, i+1)
	self.entries = nextEntries
}
