package driftsync

import (
	"encoding/json"

	"github.com/golang/glog"
)

// relay message kinds
const (
	// a committed change applied from the server
	RelayTypeChange      = "change"
	RelayTypeFieldChange = "field_change"
	// a locally predicted change, not yet committed
	RelayTypeOptimistic      = "optimistic"
	RelayTypeOptimisticField = "optimistic_field"
)

// RelayMessage crosses the same-origin bus between sibling contexts.
// OriginId identifies the sending relay so a context never re-applies its
// own broadcast.
type RelayMessage struct {
	Type     string          `json:"type"`
	Entity   string          `json:"entity"`
	EntityId string          `json:"entity_id"`
	Field    string          `json:"field,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Action   Action          `json:"action"`
	Version  uint64          `json:"version"`
	Sequence uint64          `json:"sequence,omitempty"`
	ClientId Id              `json:"client_id"`
	Token    Id              `json:"token"`
	OriginId Id              `json:"origin_id"`
}

func (self *RelayMessage) ChangeRecord() *ChangeRecord {
	return &ChangeRecord{
		Sequence:     self.Sequence,
		Entity:       self.Entity,
		EntityId:     self.EntityId,
		Field:        self.Field,
		Value:        self.Value,
		Action:       self.Action,
		Version:      self.Version,
		OriginClient: self.ClientId,
		Token:        self.Token,
	}
}

func (self *RelayMessage) Optimistic() bool {
	switch self.Type {
	case RelayTypeOptimistic, RelayTypeOptimisticField:
		return true
	default:
		return false
	}
}

// Bus is the one-to-many broadcast capability between contexts of the same
// origin. Delivery is same-origin only and best effort. Subscribers must not
// block.
type Bus interface {
	Publish(b []byte)
	Subscribe(sub func(b []byte)) func()
}

// MemoryBus is the in-process `Bus`. Messages deliver synchronously in
// subscribe order.
type MemoryBus struct {
	subs *CallbackList[func(b []byte)]
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: NewCallbackList[func(b []byte)](),
	}
}

func (self *MemoryBus) Publish(b []byte) {
	for _, sub := range self.subs.Get() {
		HandleError(func() {
			sub(b)
		})
	}
}

func (self *MemoryBus) Subscribe(sub func(b []byte)) func() {
	subId := self.subs.Add(sub)
	return func() {
		self.subs.Remove(subId)
	}
}

type RelayMessageFunction = func(message *RelayMessage)

// ContextRelay gives one engine context a loop-free view of its siblings:
// committed changes applied by any context and optimistic writes authored in
// any context arrive here, and local ones broadcast from here.
type ContextRelay struct {
	originId Id
	bus      Bus

	messageCallbacks *CallbackList[RelayMessageFunction]

	unsubscribe func()
}

func NewContextRelay(bus Bus) *ContextRelay {
	relay := &ContextRelay{
		originId:         NewId(),
		bus:              bus,
		messageCallbacks: NewCallbackList[RelayMessageFunction](),
	}
	relay.unsubscribe = bus.Subscribe(relay.receive)
	return relay
}

func (self *ContextRelay) OriginId() Id {
	return self.originId
}

func (self *ContextRelay) AddMessageCallback(messageCallback RelayMessageFunction) func() {
	callbackId := self.messageCallbacks.Add(messageCallback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

// BroadcastChange announces a committed change this context just applied.
func (self *ContextRelay) BroadcastChange(record *ChangeRecord) {
	messageType := RelayTypeChange
	if record.Field != "" {
		messageType = RelayTypeFieldChange
	}
	self.broadcast(messageType, record)
}

// BroadcastOptimistic announces a locally authored, not yet committed
// change. A connected sibling treats this as a signal to drain the shared
// queue.
func (self *ContextRelay) BroadcastOptimistic(record *ChangeRecord) {
	messageType := RelayTypeOptimistic
	if record.Field != "" {
		messageType = RelayTypeOptimisticField
	}
	self.broadcast(messageType, record)
}

func (self *ContextRelay) broadcast(messageType string, record *ChangeRecord) {
	message := &RelayMessage{
		Type:     messageType,
		Entity:   record.Entity,
		EntityId: record.EntityId,
		Field:    record.Field,
		Value:    record.Value,
		Action:   record.Action,
		Version:  record.Version,
		Sequence: record.Sequence,
		ClientId: record.OriginClient,
		Token:    record.Token,
		OriginId: self.originId,
	}
	b, err := json.Marshal(message)
	if err != nil {
		glog.Warningf("[relay]drop unencodable message = %s\n", err)
		return
	}
	self.bus.Publish(b)
}

func (self *ContextRelay) receive(b []byte) {
	message := &RelayMessage{}
	if err := json.Unmarshal(b, message); err != nil {
		glog.V(2).Infof("[relay]drop unreadable message = %s\n", err)
		return
	}
	if message.OriginId == self.originId {
		// own broadcast
		return
	}
	for _, messageCallback := range self.messageCallbacks.Get() {
		HandleError(func() {
			messageCallback(message)
		})
	}
}

func (self *ContextRelay) Close() {
	if self.unsubscribe != nil {
		self.unsubscribe()
	}
}
