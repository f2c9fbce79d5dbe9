package server

import (
	"sync"

	"github.com/driftsync/driftsync"
	"golang.org/x/exp/maps"
)

type changeSubscriber struct {
	subscriberId driftsync.Id
	// nil means all entities
	entities map[string]bool
	deliver  func(record *driftsync.ChangeRecord)
}

// Hub fans committed changes out to the live sessions on this node.
// `deliver` runs on the publisher's goroutine and must enqueue and return,
// never block.
type Hub struct {
	stateLock   sync.Mutex
	subscribers map[driftsync.Id]*changeSubscriber
}

func NewHub() *Hub {
	return &Hub{
		subscribers: map[driftsync.Id]*changeSubscriber{},
	}
}

// Subscribe registers for commits to `entities`. Empty means all.
func (self *Hub) Subscribe(entities []string, deliver func(record *driftsync.ChangeRecord)) func() {
	subscriber := &changeSubscriber{
		subscriberId: driftsync.NewId(),
		deliver:      deliver,
	}
	if 0 < len(entities) {
		subscriber.entities = map[string]bool{}
		for _, entity := range entities {
			subscriber.entities[entity] = true
		}
	}
	self.stateLock.Lock()
	self.subscribers[subscriber.subscriberId] = subscriber
	self.stateLock.Unlock()
	return func() {
		self.stateLock.Lock()
		delete(self.subscribers, subscriber.subscriberId)
		self.stateLock.Unlock()
	}
}

func (self *Hub) Publish(record *driftsync.ChangeRecord) {
	self.stateLock.Lock()
	subscribers := maps.Values(self.subscribers)
	self.stateLock.Unlock()

	for _, subscriber := range subscribers {
		if subscriber.entities != nil && !subscriber.entities[record.Entity] {
			continue
		}
		driftsync.HandleError(func() {
			subscriber.deliver(record)
		})
	}
}

func (self *Hub) SubscriberCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.subscribers)
}
