package driftsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/golang/glog"
)

const metaKeyCursor = "cursor"

type EntityChangeFunction = func(key RecordKey)
type SyncReadyFunction = func()

type CoordinatorSettings struct {
	Queue *MutationQueueSettings
	Clock Clock
}

func DefaultCoordinatorSettings() *CoordinatorSettings {
	return &CoordinatorSettings{
		Queue: DefaultMutationQueueSettings(),
		Clock: SystemClock(),
	}
}

// cachedRecord is the persisted cache row. Deletes keep a tombstone so a
// late delivery below the delete version still discards.
type cachedRecord struct {
	Entity   string          `json:"entity"`
	EntityId string          `json:"entity_id"`
	Field    string          `json:"field,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Version  uint64          `json:"version"`
	Sequence uint64          `json:"sequence,omitempty"`
	Deleted  bool            `json:"deleted,omitempty"`
}

func cacheRowKey(key RecordKey) string {
	// query-escaped parts keep the row key collision free
	return fmt.Sprintf(
		"%s/%s#%s",
		url.QueryEscape(key.Entity),
		url.QueryEscape(key.EntityId),
		url.QueryEscape(key.Field),
	)
}

// CursorFromStore reads the durable replay cursor maintained by the
// coordinator. This lets a transport be wired up before its coordinator
// exists.
func CursorFromStore(store LocalStore) CursorFunction {
	return func() uint64 {
		b, ok, err := store.Get(CollectionMeta, metaKeyCursor)
		if err != nil || !ok {
			return 0
		}
		cursor, err := strconv.ParseUint(string(b), 10, 64)
		if err != nil {
			return 0
		}
		return cursor
	}
}

// Coordinator is the engine core for one context. It owns the flow of
// changes in both directions:
//
//	local:  predict, enqueue durably, announce to siblings, drain when live
//	server: version check, cache write, prediction confluence, announce
//
// The cache converges on last write wins by record version. All records for
// a key carry distinct versions, and a received version at or below the
// cached one is discarded without effect.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId   Id
	store      LocalStore
	queue      *MutationQueue
	optimistic *OptimisticStore
	transport  *TransportManager
	relay      *ContextRelay
	settings   *CoordinatorSettings

	entityChangeCallbacks *CallbackList[EntityChangeFunction]
	syncReadyCallbacks    *CallbackList[SyncReadyFunction]

	stateLock sync.Mutex
	versions  map[RecordKey]uint64
	cursor    uint64
	synced    bool

	drainSignal chan struct{}

	removeCallbacks []func()
}

func NewCoordinatorWithDefaults(
	ctx context.Context,
	clientId Id,
	store LocalStore,
	transport *TransportManager,
	relay *ContextRelay,
) (*Coordinator, error) {
	return NewCoordinator(ctx, clientId, store, transport, relay, DefaultCoordinatorSettings())
}

// NewCoordinator recovers the durable state and starts the drain loop.
// `transport` may be nil for a context that never talks to the network
// itself. `relay` may be nil for a context with no siblings.
func NewCoordinator(
	ctx context.Context,
	clientId Id,
	store LocalStore,
	transport *TransportManager,
	relay *ContextRelay,
	settings *CoordinatorSettings,
) (*Coordinator, error) {
	if settings.Clock == nil {
		settings.Clock = SystemClock()
	}
	if settings.Queue == nil {
		settings.Queue = DefaultMutationQueueSettings()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	coordinator := &Coordinator{
		ctx:                   cancelCtx,
		cancel:                cancel,
		clientId:              clientId,
		store:                 store,
		queue:                 NewMutationQueue(store, settings.Queue),
		optimistic:            NewOptimisticStore(),
		transport:             transport,
		relay:                 relay,
		settings:              settings,
		entityChangeCallbacks: NewCallbackList[EntityChangeFunction](),
		syncReadyCallbacks:    NewCallbackList[SyncReadyFunction](),
		versions:              map[RecordKey]uint64{},
		drainSignal:           make(chan struct{}, 1),
	}
	if err := coordinator.recover(); err != nil {
		cancel()
		return nil, err
	}
	if transport != nil {
		coordinator.removeCallbacks = append(
			coordinator.removeCallbacks,
			transport.AddReceiveCallback(coordinator.receiveTransport),
			transport.AddStateChangeCallback(coordinator.transportStateChange),
		)
	}
	if relay != nil {
		coordinator.removeCallbacks = append(
			coordinator.removeCallbacks,
			relay.AddMessageCallback(coordinator.receiveRelay),
		)
	}
	go coordinator.drainLoop(cancelCtx)
	return coordinator, nil
}

// recover rebuilds the in-memory indexes from the durable store: committed
// versions, the replay cursor, and the optimistic entries implied by still
// queued mutations.
func (self *Coordinator) recover() error {
	err := self.store.Scan(CollectionCache, func(key string, value []byte) bool {
		cached := &cachedRecord{}
		if err := json.Unmarshal(value, cached); err != nil || cached.Entity == "" {
			glog.Warningf("[c]%s dropping unreadable cache row %s\n", self.clientId, key)
			self.store.Delete(CollectionCache, key)
			return true
		}
		recordKey := RecordKey{
			Entity:   cached.Entity,
			EntityId: cached.EntityId,
			Field:    cached.Field,
		}
		self.versions[recordKey] = cached.Version
		return true
	})
	if err != nil {
		return &StorageError{Op: "recover", Err: err}
	}
	self.cursor = CursorFromStore(self.store)()
	return self.queue.DequeueInOrder(func(record *ChangeRecord) bool {
		if self.versions[record.Key()] < record.Version {
			self.optimistic.Set(record)
		}
		return true
	})
}

func (self *Coordinator) ClientId() Id {
	return self.clientId
}

func (self *Coordinator) Connect() {
	if self.transport != nil {
		self.transport.Connect()
	}
}

// ResetTransport re-arms the primary channel after a permanent fallback.
func (self *Coordinator) ResetTransport() {
	if self.transport != nil {
		self.transport.Reset()
	}
}

func (self *Coordinator) ConnectionState() ConnectionState {
	if self.transport == nil {
		return ConnectionStateDisconnected
	}
	return self.transport.State()
}

func (self *Coordinator) AddEntityChangeCallback(entityChangeCallback EntityChangeFunction) func() {
	callbackId := self.entityChangeCallbacks.Add(entityChangeCallback)
	return func() {
		self.entityChangeCallbacks.Remove(callbackId)
	}
}

func (self *Coordinator) AddSyncReadyCallback(syncReadyCallback SyncReadyFunction) func() {
	callbackId := self.syncReadyCallbacks.Add(syncReadyCallback)
	return func() {
		self.syncReadyCallbacks.Remove(callbackId)
	}
}

func (self *Coordinator) AddStateChangeCallback(stateChangeCallback StateChangeFunction) func() {
	if self.transport == nil {
		return func() {}
	}
	return self.transport.AddStateChangeCallback(stateChangeCallback)
}

// PushChange authors one local mutation against a whole entity: predict,
// enqueue durably, announce to siblings, and schedule a drain. The token
// identifies the mutation through ack or reject.
func (self *Coordinator) PushChange(
	entity string,
	entityId string,
	action Action,
	value json.RawMessage,
) (Id, error) {
	return self.push(entity, entityId, "", action, value)
}

// PushFieldChange scopes the mutation to one field, so that concurrent
// writes to different fields of the same entity do not conflict.
func (self *Coordinator) PushFieldChange(
	entity string,
	entityId string,
	field string,
	action Action,
	value json.RawMessage,
) (Id, error) {
	if field == "" {
		return Id{}, fmt.Errorf("Field must not be empty.")
	}
	return self.push(entity, entityId, field, action, value)
}

func (self *Coordinator) push(
	entity string,
	entityId string,
	field string,
	action Action,
	value json.RawMessage,
) (Id, error) {
	if entity == "" || entityId == "" {
		return Id{}, fmt.Errorf("Entity and entity id must not be empty.")
	}
	if !action.Valid() {
		return Id{}, fmt.Errorf("Unknown action: %s", action)
	}
	if action.RequiresValue() && len(value) == 0 {
		return Id{}, fmt.Errorf("Action %s requires a value.", action)
	}
	if action == ActionDelete {
		value = nil
	}

	key := RecordKey{
		Entity:   entity,
		EntityId: entityId,
		Field:    field,
	}
	token := NewId()

	var record *ChangeRecord
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		// the version guess chains over a pending prediction, so several
		// offline writes to one key submit in version order
		base := self.versions[key]
		if predicted, ok := self.optimistic.Get(key); ok && base < predicted.Version {
			base = predicted.Version
		}
		record = &ChangeRecord{
			Entity:       entity,
			EntityId:     entityId,
			Field:        field,
			Value:        value,
			Action:       action,
			Version:      base + 1,
			OriginClient: self.clientId,
			Token:        token,
			Timestamp:    self.settings.Clock.Now().UnixMilli(),
		}
		self.optimistic.Set(record)
		evictedTokens, err := self.queue.Enqueue(record)
		if err != nil {
			// durability failed. roll back the prediction before surfacing.
			self.optimistic.ClearToken(token)
			return err
		}
		for _, evictedToken := range evictedTokens {
			self.optimistic.ClearToken(evictedToken)
		}
		return nil
	}()
	if err != nil {
		return Id{}, err
	}

	if self.relay != nil {
		self.relay.BroadcastOptimistic(record)
	}
	self.signalDrain()
	self.entityChanged(key)
	return token, nil
}

// Get returns the effective value for an entity: the pending prediction if
// one exists, otherwise the last committed value. false means absent or
// deleted.
func (self *Coordinator) Get(entity string, entityId string) (json.RawMessage, bool) {
	return self.get(RecordKey{Entity: entity, EntityId: entityId})
}

func (self *Coordinator) GetField(entity string, entityId string, field string) (json.RawMessage, bool) {
	return self.get(RecordKey{Entity: entity, EntityId: entityId, Field: field})
}

func (self *Coordinator) get(key RecordKey) (json.RawMessage, bool) {
	if predicted, ok := self.optimistic.Get(key); ok {
		if predicted.IsDelete() {
			return nil, false
		}
		return predicted.Value, true
	}
	b, ok, err := self.store.Get(CollectionCache, cacheRowKey(key))
	if err != nil || !ok {
		return nil, false
	}
	cached := &cachedRecord{}
	if err := json.Unmarshal(b, cached); err != nil {
		return nil, false
	}
	if cached.Deleted {
		return nil, false
	}
	return cached.Value, true
}

// CommittedVersion returns the version of the last committed change for a
// key, ignoring predictions. Zero means never committed.
func (self *Coordinator) CommittedVersion(key RecordKey) uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.versions[key]
}

func (self *Coordinator) Cursor() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.cursor
}

func (self *Coordinator) QueueLen() (int, error) {
	return self.queue.Len()
}

func (self *Coordinator) PendingPredictions() int {
	return self.optimistic.Len()
}

// ApplyServerChange folds one committed record into the cache. Returns
// false for a duplicate or stale delivery. At-least-once delivery upstream
// makes this path idempotent: the version comparison discards repeats, and
// prediction confluence runs before the discard so a repeat still clears a
// satisfied prediction.
func (self *Coordinator) ApplyServerChange(record *ChangeRecord) bool {
	return self.applyChange(record, true)
}

func (self *Coordinator) applyChange(record *ChangeRecord, broadcast bool) bool {
	key := record.Key()

	applied := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		// the cursor advances for every delivered commit, applied or not
		if self.cursor < record.Sequence {
			self.cursor = record.Sequence
			self.persistCursor()
		}

		// a committed version at or above the prediction clears it
		self.optimistic.ClearObserved(key, record.Version)

		if record.Version <= self.versions[key] {
			return
		}
		cached := &cachedRecord{
			Entity:   record.Entity,
			EntityId: record.EntityId,
			Field:    record.Field,
			Version:  record.Version,
			Sequence: record.Sequence,
		}
		if record.IsDelete() {
			cached.Deleted = true
		} else {
			cached.Value = record.Value
		}
		b, err := json.Marshal(cached)
		if err == nil {
			err = self.store.Put(CollectionCache, cacheRowKey(key), b, record.Sequence)
		}
		if err != nil {
			// leave the pre-write version so the commit re-applies on the
			// next delivery
			glog.Warningf("[c]%s cache write failed = %s\n", self.clientId, err)
			return
		}
		self.versions[key] = record.Version
		applied = true
	}()

	if !applied {
		glog.V(2).Infof("[c]%s discard %s v%d\n", self.clientId, key, record.Version)
		return false
	}
	if broadcast && self.relay != nil {
		self.relay.BroadcastChange(record)
	}
	self.entityChanged(key)
	return true
}

// persistCursor runs under stateLock
func (self *Coordinator) persistCursor() {
	err := self.store.Put(
		CollectionMeta,
		metaKeyCursor,
		[]byte(strconv.FormatUint(self.cursor, 10)),
		0,
	)
	if err != nil {
		glog.Warningf("[c]%s cursor write failed = %s\n", self.clientId, err)
	}
}

func (self *Coordinator) receiveTransport(envelope *Envelope) {
	switch envelope.Type {
	case MessageTypeChange, MessageTypeFieldChange:
		record, err := FromEnvelope(envelope)
		if err != nil {
			glog.V(1).Infof("[c]%s drop malformed change = %s\n", self.clientId, err)
			return
		}
		self.applyChange(record, true)
	case MessageTypeSynced:
		self.handleSynced(envelope.Sequence)
	}
}

// the server sends `synced` once the backlog behind our cursor has been
// replayed. The cache is now server-current, so surface readiness and
// drain anything authored while offline.
func (self *Coordinator) handleSynced(sequence uint64) {
	var alreadySynced bool
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.cursor < sequence {
			self.cursor = sequence
			self.persistCursor()
		}
		alreadySynced = self.synced
		self.synced = true
	}()

	self.signalDrain()
	if !alreadySynced {
		glog.V(1).Infof("[c]%s sync ready at %d\n", self.clientId, sequence)
		for _, syncReadyCallback := range self.syncReadyCallbacks.Get() {
			HandleError(func() {
				syncReadyCallback()
			})
		}
	}
}

func (self *Coordinator) transportStateChange(oldState ConnectionState, newState ConnectionState) {
	if newState.IsLive() {
		self.signalDrain()
		return
	}
	self.stateLock.Lock()
	self.synced = false
	self.stateLock.Unlock()
}

func (self *Coordinator) receiveRelay(message *RelayMessage) {
	record := message.ChangeRecord()
	if message.Optimistic() {
		// a sibling authored a mutation into the shared queue. Mirror the
		// prediction and, if this context holds the live channel, drain on
		// the sibling's behalf.
		self.stateLock.Lock()
		if self.versions[record.Key()] < record.Version {
			self.optimistic.Set(record)
		}
		self.stateLock.Unlock()
		self.entityChanged(record.Key())
		self.signalDrain()
		return
	}
	// a sibling applied a committed change. Fold it in without
	// re-broadcasting, so each commit crosses the bus at most once.
	self.applyChange(record, false)
}

func (self *Coordinator) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-self.drainSignal:
			HandleError(func() {
				self.drain(ctx)
			})
		}
	}
}

func (self *Coordinator) signalDrain() {
	select {
	case self.drainSignal <- struct{}{}:
	default:
	}
}

// drain flushes the queue oldest first over the live channel. The first
// transport failure stops the drain and leaves the remainder queued for
// the next signal. A reject removes the mutation without retry and rolls
// back its prediction.
func (self *Coordinator) drain(ctx context.Context) {
	if self.transport == nil {
		return
	}
	records, err := self.queue.PeekAll()
	if err != nil {
		glog.Warningf("[c]%s drain read failed = %s\n", self.clientId, err)
		return
	}
	for _, record := range records {
		if !self.transport.State().IsLive() {
			return
		}
		err := self.transport.Send(ctx, record)
		if err == nil {
			if err := self.queue.Remove(record.Token); err != nil {
				glog.Warningf("[c]%s drain remove failed = %s\n", self.clientId, err)
				return
			}
			glog.V(2).Infof("[c]%s mutation %s acked\n", self.clientId, record.Token)
			continue
		}
		var reject *RejectError
		if errors.As(err, &reject) {
			glog.V(1).Infof(
				"[c]%s mutation %s rejected (%s), server at v%d\n",
				self.clientId,
				record.Token,
				reject.Reason,
				reject.Version,
			)
			self.queue.Remove(record.Token)
			if self.optimistic.ClearToken(record.Token) {
				self.entityChanged(record.Key())
			}
			continue
		}
		glog.V(1).Infof("[c]%s drain stopped = %s\n", self.clientId, err)
		return
	}
}

func (self *Coordinator) entityChanged(key RecordKey) {
	for _, entityChangeCallback := range self.entityChangeCallbacks.Get() {
		HandleError(func() {
			entityChangeCallback(key)
		})
	}
}

func (self *Coordinator) Close() {
	self.cancel()
	for _, removeCallback := range self.removeCallbacks {
		removeCallback()
	}
}
