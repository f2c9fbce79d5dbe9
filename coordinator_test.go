package driftsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestCoordinator(ctx context.Context, t *testing.T, store LocalStore, relay *ContextRelay) *Coordinator {
	coordinator, err := NewCoordinatorWithDefaults(ctx, NewId(), store, nil, relay)
	assert.Equal(t, err, nil)
	return coordinator
}

func TestCoordinatorPushAndGet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryLocalStore()
	defer store.Close()
	coordinator := newTestCoordinator(ctx, t, store, nil)
	defer coordinator.Close()

	key := EntityKey("task", "t1")

	// validation
	_, err := coordinator.PushChange("", "t1", ActionCreate, json.RawMessage(`{}`))
	assert.NotEqual(t, err, nil)
	_, err = coordinator.PushChange("task", "t1", Action("rename"), json.RawMessage(`{}`))
	assert.NotEqual(t, err, nil)
	_, err = coordinator.PushChange("task", "t1", ActionUpdate, nil)
	assert.NotEqual(t, err, nil)
	_, err = coordinator.PushFieldChange("task", "t1", "", ActionUpdate, json.RawMessage(`1`))
	assert.NotEqual(t, err, nil)

	// an authored change reads back immediately
	token, err := coordinator.PushChange("task", "t1", ActionCreate, json.RawMessage(`{"title":"hi"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, token.IsZero(), false)

	value, ok := coordinator.Get("task", "t1")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, json.RawMessage(`{"title":"hi"}`))
	// predicted, not committed
	assert.Equal(t, coordinator.CommittedVersion(key), uint64(0))
	assert.Equal(t, coordinator.PendingPredictions(), 1)
	queueLen, err := coordinator.QueueLen()
	assert.Equal(t, err, nil)
	assert.Equal(t, queueLen, 1)

	// chained offline writes to one key guess consecutive versions
	_, err = coordinator.PushChange("task", "t1", ActionUpdate, json.RawMessage(`{"title":"hi2"}`))
	assert.Equal(t, err, nil)
	predicted, ok := coordinator.optimistic.Get(key)
	assert.Equal(t, ok, true)
	assert.Equal(t, predicted.Version, uint64(2))
	queueLen, err = coordinator.QueueLen()
	assert.Equal(t, err, nil)
	assert.Equal(t, queueLen, 2)

	// a predicted delete reads as absent
	_, err = coordinator.PushChange("task", "t1", ActionDelete, nil)
	assert.Equal(t, err, nil)
	_, ok = coordinator.Get("task", "t1")
	assert.Equal(t, ok, false)

	// field granularity is an independent key
	_, err = coordinator.PushFieldChange("task", "t1", "title", ActionUpdate, json.RawMessage(`"only the title"`))
	assert.Equal(t, err, nil)
	value, ok = coordinator.GetField("task", "t1", "title")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, json.RawMessage(`"only the title"`))
	fieldPredicted, ok := coordinator.optimistic.Get(FieldKey("task", "t1", "title"))
	assert.Equal(t, ok, true)
	assert.Equal(t, fieldPredicted.Version, uint64(1))
}

func TestCoordinatorApplyServerChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryLocalStore()
	defer store.Close()
	coordinator := newTestCoordinator(ctx, t, store, nil)
	defer coordinator.Close()

	key := EntityKey("task", "t1")
	changedKeys := []RecordKey{}
	coordinator.AddEntityChangeCallback(func(key RecordKey) {
		changedKeys = append(changedKeys, key)
	})

	serverClientId := NewId()
	commit := func(version uint64, sequence uint64, value string) *ChangeRecord {
		record := &ChangeRecord{
			Sequence:     sequence,
			Entity:       "task",
			EntityId:     "t1",
			Action:       ActionUpdate,
			Version:      version,
			OriginClient: serverClientId,
			Token:        NewId(),
		}
		if value == "" {
			record.Action = ActionDelete
		} else {
			record.Value = json.RawMessage(value)
		}
		return record
	}

	assert.Equal(t, coordinator.ApplyServerChange(commit(1, 10, `{"v":1}`)), true)
	value, ok := coordinator.Get("task", "t1")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, json.RawMessage(`{"v":1}`))
	assert.Equal(t, coordinator.CommittedVersion(key), uint64(1))
	assert.Equal(t, coordinator.Cursor(), uint64(10))
	assert.Equal(t, len(changedKeys), 1)

	// duplicate and stale deliveries are discarded, the cursor still moves
	assert.Equal(t, coordinator.ApplyServerChange(commit(1, 11, `{"v":1}`)), false)
	assert.Equal(t, coordinator.Cursor(), uint64(11))
	assert.Equal(t, len(changedKeys), 1)
	// the advanced cursor is durable for the next session
	assert.Equal(t, CursorFromStore(store)(), uint64(11))

	assert.Equal(t, coordinator.ApplyServerChange(commit(2, 12, `{"v":2}`)), true)
	assert.Equal(t, coordinator.CommittedVersion(key), uint64(2))
	assert.Equal(t, len(changedKeys), 2)

	// a delete leaves a tombstone at its version
	assert.Equal(t, coordinator.ApplyServerChange(commit(3, 13, "")), true)
	_, ok = coordinator.Get("task", "t1")
	assert.Equal(t, ok, false)
	assert.Equal(t, coordinator.CommittedVersion(key), uint64(3))

	// the tombstone holds off out of order redeliveries, across restart too
	restarted := newTestCoordinator(ctx, t, store, nil)
	defer restarted.Close()
	assert.Equal(t, restarted.CommittedVersion(key), uint64(3))
	assert.Equal(t, restarted.ApplyServerChange(commit(2, 14, `{"v":2}`)), false)
	_, ok = restarted.Get("task", "t1")
	assert.Equal(t, ok, false)
}

func TestCoordinatorEchoConfluence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryLocalStore()
	defer store.Close()
	coordinator := newTestCoordinator(ctx, t, store, nil)
	defer coordinator.Close()

	key := EntityKey("task", "t1")

	token, err := coordinator.PushChange("task", "t1", ActionCreate, json.RawMessage(`{"title":"hi"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, coordinator.PendingPredictions(), 1)

	// the commit coming back over the wire satisfies the prediction
	echo := &ChangeRecord{
		Sequence:     21,
		Entity:       "task",
		EntityId:     "t1",
		Value:        json.RawMessage(`{"title":"hi"}`),
		Action:       ActionCreate,
		Version:      1,
		OriginClient: coordinator.ClientId(),
		Token:        token,
	}
	assert.Equal(t, coordinator.ApplyServerChange(echo), true)

	assert.Equal(t, coordinator.PendingPredictions(), 0)
	assert.Equal(t, coordinator.CommittedVersion(key), uint64(1))
	value, ok := coordinator.Get("task", "t1")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, json.RawMessage(`{"title":"hi"}`))

	// observing the echo never dequeues. only the ack does.
	queueLen, err := coordinator.QueueLen()
	assert.Equal(t, err, nil)
	assert.Equal(t, queueLen, 1)
}

func TestCoordinatorOfflineRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "drift.db")
	key := EntityKey("user", "alice")
	serverClientId := NewId()

	store, err := NewSqliteLocalStore(path)
	assert.Equal(t, err, nil)
	coordinator := newTestCoordinator(ctx, t, store, nil)

	// committed state at v5, then an offline edit guessed at v6
	assert.Equal(t, coordinator.ApplyServerChange(&ChangeRecord{
		Sequence:     50,
		Entity:       "user",
		EntityId:     "alice",
		Value:        json.RawMessage(`{"name":"Alice"}`),
		Action:       ActionUpdate,
		Version:      5,
		OriginClient: serverClientId,
		Token:        NewId(),
	}), true)
	_, err = coordinator.PushChange("user", "alice", ActionUpdate, json.RawMessage(`{"name":"Alicia"}`))
	assert.Equal(t, err, nil)
	predicted, ok := coordinator.optimistic.Get(key)
	assert.Equal(t, ok, true)
	assert.Equal(t, predicted.Version, uint64(6))

	coordinator.Close()
	err = store.Close()
	assert.Equal(t, err, nil)

	// restart. the queue, the cache, the cursor, and the implied prediction
	// all come back.
	store, err = NewSqliteLocalStore(path)
	assert.Equal(t, err, nil)
	defer store.Close()
	coordinator = newTestCoordinator(ctx, t, store, nil)
	defer coordinator.Close()

	assert.Equal(t, coordinator.CommittedVersion(key), uint64(5))
	assert.Equal(t, coordinator.Cursor(), uint64(50))
	assert.Equal(t, coordinator.PendingPredictions(), 1)
	queueLen, err := coordinator.QueueLen()
	assert.Equal(t, err, nil)
	assert.Equal(t, queueLen, 1)
	value, ok := coordinator.Get("user", "alice")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, json.RawMessage(`{"name":"Alicia"}`))

	// the next edit chains on the recovered prediction
	_, err = coordinator.PushChange("user", "alice", ActionUpdate, json.RawMessage(`{"name":"Alicia A"}`))
	assert.Equal(t, err, nil)
	predicted, ok = coordinator.optimistic.Get(key)
	assert.Equal(t, ok, true)
	assert.Equal(t, predicted.Version, uint64(7))

	// the first commit lands. the newer prediction stays in front.
	assert.Equal(t, coordinator.ApplyServerChange(&ChangeRecord{
		Sequence:     51,
		Entity:       "user",
		EntityId:     "alice",
		Value:        json.RawMessage(`{"name":"Alicia"}`),
		Action:       ActionUpdate,
		Version:      6,
		OriginClient: coordinator.ClientId(),
		Token:        NewId(),
	}), true)
	assert.Equal(t, coordinator.PendingPredictions(), 1)
	value, ok = coordinator.Get("user", "alice")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, json.RawMessage(`{"name":"Alicia A"}`))

	// the second commit satisfies it
	assert.Equal(t, coordinator.ApplyServerChange(&ChangeRecord{
		Sequence:     52,
		Entity:       "user",
		EntityId:     "alice",
		Value:        json.RawMessage(`{"name":"Alicia A"}`),
		Action:       ActionUpdate,
		Version:      7,
		OriginClient: coordinator.ClientId(),
		Token:        NewId(),
	}), true)
	assert.Equal(t, coordinator.PendingPredictions(), 0)
	assert.Equal(t, coordinator.CommittedVersion(key), uint64(7))
}

type failingStore struct {
	LocalStore
	failPuts bool
}

func (self *failingStore) Put(collection string, key string, value []byte, ordinal uint64) error {
	if self.failPuts {
		return fmt.Errorf("disk full")
	}
	return self.LocalStore.Put(collection, key, value, ordinal)
}

func TestCoordinatorStorageFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &failingStore{
		LocalStore: NewMemoryLocalStore(),
	}
	defer store.Close()
	coordinator := newTestCoordinator(ctx, t, store, nil)
	defer coordinator.Close()

	store.failPuts = true
	_, err := coordinator.PushChange("task", "t1", ActionCreate, json.RawMessage(`{"title":"hi"}`))
	assert.NotEqual(t, err, nil)
	var storageErr *StorageError
	assert.Equal(t, errors.As(err, &storageErr), true)

	// durability failed, so the prediction was rolled back
	assert.Equal(t, coordinator.PendingPredictions(), 0)
	_, ok := coordinator.Get("task", "t1")
	assert.Equal(t, ok, false)
	queueLen, err := coordinator.QueueLen()
	assert.Equal(t, err, nil)
	assert.Equal(t, queueLen, 0)

	// recovered store accepts the next write
	store.failPuts = false
	_, err = coordinator.PushChange("task", "t1", ActionCreate, json.RawMessage(`{"title":"hi"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, coordinator.PendingPredictions(), 1)
}

func TestCoordinatorQueueEviction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryLocalStore()
	defer store.Close()
	coordinator, err := NewCoordinator(ctx, NewId(), store, nil, nil, &CoordinatorSettings{
		Queue: &MutationQueueSettings{
			CapacityCeiling: 1,
		},
	})
	assert.Equal(t, err, nil)
	defer coordinator.Close()

	_, err = coordinator.PushChange("task", "t1", ActionCreate, json.RawMessage(`{"n":1}`))
	assert.Equal(t, err, nil)
	_, err = coordinator.PushChange("task", "t2", ActionCreate, json.RawMessage(`{"n":2}`))
	assert.Equal(t, err, nil)

	// the evicted mutation's prediction rolled back with it
	assert.Equal(t, coordinator.PendingPredictions(), 1)
	_, ok := coordinator.Get("task", "t1")
	assert.Equal(t, ok, false)
	value, ok := coordinator.Get("task", "t2")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, json.RawMessage(`{"n":2}`))
	queueLen, err := coordinator.QueueLen()
	assert.Equal(t, err, nil)
	assert.Equal(t, queueLen, 1)
}

func TestCoordinatorSiblingContexts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientId := NewId()
	store := NewMemoryLocalStore()
	defer store.Close()
	bus := NewMemoryBus()

	// two contexts of one origin share the store and the bus
	relayA := NewContextRelay(bus)
	defer relayA.Close()
	a, err := NewCoordinatorWithDefaults(ctx, clientId, store, nil, relayA)
	assert.Equal(t, err, nil)
	defer a.Close()

	relayB := NewContextRelay(bus)
	defer relayB.Close()
	b, err := NewCoordinatorWithDefaults(ctx, clientId, store, nil, relayB)
	assert.Equal(t, err, nil)
	defer b.Close()

	// a third relay counts committed crossings of the bus
	relayC := NewContextRelay(bus)
	defer relayC.Close()
	committedCrossings := 0
	relayC.AddMessageCallback(func(message *RelayMessage) {
		if !message.Optimistic() {
			committedCrossings += 1
		}
	})

	key := EntityKey("task", "t1")

	// an optimistic write in one context reads back in the sibling
	token, err := a.PushChange("task", "t1", ActionCreate, json.RawMessage(`{"title":"hi"}`))
	assert.Equal(t, err, nil)
	value, ok := b.Get("task", "t1")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, json.RawMessage(`{"title":"hi"}`))
	assert.Equal(t, b.PendingPredictions(), 1)

	// the commit applied by one context folds into the sibling without a
	// second trip over the wire
	assert.Equal(t, a.ApplyServerChange(&ChangeRecord{
		Sequence:     5,
		Entity:       "task",
		EntityId:     "t1",
		Value:        json.RawMessage(`{"title":"hi"}`),
		Action:       ActionCreate,
		Version:      1,
		OriginClient: clientId,
		Token:        token,
	}), true)

	assert.Equal(t, a.CommittedVersion(key), uint64(1))
	assert.Equal(t, b.CommittedVersion(key), uint64(1))
	assert.Equal(t, a.PendingPredictions(), 0)
	assert.Equal(t, b.PendingPredictions(), 0)

	// each commit crosses the bus at most once
	assert.Equal(t, committedCrossings, 1)
}

func TestCoordinatorSyncReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryLocalStore()
	defer store.Close()
	coordinator := newTestCoordinator(ctx, t, store, nil)
	defer coordinator.Close()

	syncReadyCount := 0
	coordinator.AddSyncReadyCallback(func() {
		syncReadyCount += 1
	})

	// ready fires once per live session, not once per synced message
	coordinator.receiveTransport(&Envelope{
		Type:     MessageTypeSynced,
		Sequence: 10,
	})
	assert.Equal(t, syncReadyCount, 1)
	assert.Equal(t, coordinator.Cursor(), uint64(10))

	coordinator.receiveTransport(&Envelope{
		Type:     MessageTypeSynced,
		Sequence: 10,
	})
	assert.Equal(t, syncReadyCount, 1)

	// losing the session re-arms readiness
	coordinator.transportStateChange(ConnectionStateConnected, ConnectionStateReconnecting)
	coordinator.receiveTransport(&Envelope{
		Type:     MessageTypeSynced,
		Sequence: 12,
	})
	assert.Equal(t, syncReadyCount, 2)
	assert.Equal(t, coordinator.Cursor(), uint64(12))
}
