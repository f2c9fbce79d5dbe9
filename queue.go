package driftsync

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

type MutationQueueSettings struct {
	// oldest mutations are evicted beyond this many queued.
	// <= 0 means unbounded.
	CapacityCeiling int
	Clock           Clock
}

func DefaultMutationQueueSettings() *MutationQueueSettings {
	return &MutationQueueSettings{
		CapacityCeiling: 10000,
		Clock:           SystemClock(),
	}
}

// queuedMutation is the persisted row form
type queuedMutation struct {
	Record      *ChangeRecord `json:"record"`
	EnqueueTime int64         `json:"enqueue_time"`
}

// MutationQueue is the durable FIFO of locally authored records waiting for
// server acknowledgment. Rows are keyed by mutation token and ordered by
// enqueue time, so the queue replays in original order after a restart.
// Rows leave the queue only on server ack or reject, never because a
// matching change was observed on the wire.
type MutationQueue struct {
	store    LocalStore
	settings *MutationQueueSettings

	stateLock sync.Mutex
}

func NewMutationQueue(store LocalStore, settings *MutationQueueSettings) *MutationQueue {
	if settings.Clock == nil {
		settings.Clock = SystemClock()
	}
	return &MutationQueue{
		store:    store,
		settings: settings,
	}
}

func NewMutationQueueWithDefaults(store LocalStore) *MutationQueue {
	return NewMutationQueue(store, DefaultMutationQueueSettings())
}

// Enqueue durably appends one record. When the capacity ceiling is exceeded
// the oldest rows are evicted first, and their tokens are returned so the
// caller can roll back the matching optimistic state.
func (self *MutationQueue) Enqueue(record *ChangeRecord) ([]Id, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	enqueueTime := self.settings.Clock.Now()
	value, err := json.Marshal(&queuedMutation{
		Record:      record,
		EnqueueTime: enqueueTime.UnixNano(),
	})
	if err != nil {
		return nil, &StorageError{Op: "enqueue", Err: err}
	}
	err = self.store.Put(
		CollectionQueue,
		record.Token.String(),
		value,
		uint64(enqueueTime.UnixNano()),
	)
	if err != nil {
		return nil, &StorageError{Op: "enqueue", Err: err}
	}

	if self.settings.CapacityCeiling <= 0 {
		return nil, nil
	}
	n, err := self.store.Len(CollectionQueue)
	if err != nil {
		return nil, &StorageError{Op: "enqueue", Err: err}
	}
	evictedTokens := []Id{}
	for self.settings.CapacityCeiling < n {
		// oldest first
		evictKey := ""
		self.store.Scan(CollectionQueue, func(key string, value []byte) bool {
			evictKey = key
			return false
		})
		if evictKey == "" {
			break
		}
		if err := self.store.Delete(CollectionQueue, evictKey); err != nil {
			return evictedTokens, &StorageError{Op: "evict", Err: err}
		}
		if evictedToken, err := ParseId(evictKey); err == nil {
			evictedTokens = append(evictedTokens, evictedToken)
		}
		n -= 1
	}
	if 0 < len(evictedTokens) {
		glog.Warningf(
			"[q]capacity ceiling %d exceeded, evicted %d oldest mutation(s)\n",
			self.settings.CapacityCeiling,
			len(evictedTokens),
		)
	}
	return evictedTokens, nil
}

// DequeueInOrder visits the queued records oldest first until `visit`
// returns false. Rows are not removed by visiting.
func (self *MutationQueue) DequeueInOrder(visit func(record *ChangeRecord) bool) error {
	err := self.store.Scan(CollectionQueue, func(key string, value []byte) bool {
		mutation := &queuedMutation{}
		if err := json.Unmarshal(value, mutation); err != nil || mutation.Record == nil {
			// unreadable row. drop it rather than wedge the queue head.
			glog.Warningf("[q]dropping unreadable mutation %s\n", key)
			self.store.Delete(CollectionQueue, key)
			return true
		}
		return visit(mutation.Record)
	})
	if err != nil {
		return &StorageError{Op: "dequeue", Err: err}
	}
	return nil
}

func (self *MutationQueue) PeekAll() ([]*ChangeRecord, error) {
	records := []*ChangeRecord{}
	err := self.DequeueInOrder(func(record *ChangeRecord) bool {
		records = append(records, record)
		return true
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Remove drops the row for `token`. Removing an already removed token is
// not an error, which is what makes server ack delivery safe to repeat.
func (self *MutationQueue) Remove(token Id) error {
	if err := self.store.Delete(CollectionQueue, token.String()); err != nil {
		return &StorageError{Op: "remove", Err: err}
	}
	return nil
}

func (self *MutationQueue) Len() (int, error) {
	n, err := self.store.Len(CollectionQueue)
	if err != nil {
		return 0, &StorageError{Op: "len", Err: err}
	}
	return n, nil
}
