package driftsync

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testMutation(clientId Id, entityId string, version uint64) *ChangeRecord {
	return &ChangeRecord{
		Entity:       "task",
		EntityId:     entityId,
		Value:        json.RawMessage(fmt.Sprintf(`{"v":%d}`, version)),
		Action:       ActionUpdate,
		Version:      version,
		OriginClient: clientId,
		Token:        NewId(),
	}
}

func TestMutationQueueFifo(t *testing.T) {
	clientId := NewId()
	store := NewMemoryLocalStore()
	defer store.Close()
	queue := NewMutationQueueWithDefaults(store)

	n := 20
	tokens := []Id{}
	for i := 0; i < n; i += 1 {
		record := testMutation(clientId, fmt.Sprintf("t%d", i), 1)
		evicted, err := queue.Enqueue(record)
		assert.Equal(t, err, nil)
		assert.Equal(t, len(evicted), 0)
		tokens = append(tokens, record.Token)
	}

	queueLen, err := queue.Len()
	assert.Equal(t, err, nil)
	assert.Equal(t, queueLen, n)

	// peek preserves enqueue order and removes nothing
	records, err := queue.PeekAll()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), n)
	for i, record := range records {
		assert.Equal(t, record.Token, tokens[i])
	}
	queueLen, err = queue.Len()
	assert.Equal(t, err, nil)
	assert.Equal(t, queueLen, n)

	// remove out of order, the rest stays ordered
	err = queue.Remove(tokens[3])
	assert.Equal(t, err, nil)
	records, err = queue.PeekAll()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), n-1)
	expect := append(append([]Id{}, tokens[:3]...), tokens[4:]...)
	for i, record := range records {
		assert.Equal(t, record.Token, expect[i])
	}

	// removing an already removed token is not an error
	err = queue.Remove(tokens[3])
	assert.Equal(t, err, nil)
}

func TestMutationQueueRestart(t *testing.T) {
	clientId := NewId()
	path := filepath.Join(t.TempDir(), "drift.db")

	store, err := NewSqliteLocalStore(path)
	assert.Equal(t, err, nil)
	queue := NewMutationQueueWithDefaults(store)

	n := 5
	tokens := []Id{}
	for i := 0; i < n; i += 1 {
		record := testMutation(clientId, fmt.Sprintf("t%d", i), 1)
		_, err := queue.Enqueue(record)
		assert.Equal(t, err, nil)
		tokens = append(tokens, record.Token)
	}
	err = store.Close()
	assert.Equal(t, err, nil)

	// the queue replays in original order after a restart
	store, err = NewSqliteLocalStore(path)
	assert.Equal(t, err, nil)
	defer store.Close()
	queue = NewMutationQueueWithDefaults(store)

	records, err := queue.PeekAll()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), n)
	for i, record := range records {
		assert.Equal(t, record.Token, tokens[i])
		assert.Equal(t, record.EntityId, fmt.Sprintf("t%d", i))
	}
}

func TestMutationQueueCapacity(t *testing.T) {
	clientId := NewId()
	store := NewMemoryLocalStore()
	defer store.Close()
	queue := NewMutationQueue(store, &MutationQueueSettings{
		CapacityCeiling: 2,
	})

	a := testMutation(clientId, "a", 1)
	b := testMutation(clientId, "b", 1)
	c := testMutation(clientId, "c", 1)

	evicted, err := queue.Enqueue(a)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(evicted), 0)
	evicted, err = queue.Enqueue(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(evicted), 0)

	// the oldest mutation is evicted first and its token is surfaced
	evicted, err = queue.Enqueue(c)
	assert.Equal(t, err, nil)
	assert.Equal(t, evicted, []Id{a.Token})

	records, err := queue.PeekAll()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 2)
	assert.Equal(t, records[0].Token, b.Token)
	assert.Equal(t, records[1].Token, c.Token)
}

func TestMutationQueueUnreadableRow(t *testing.T) {
	clientId := NewId()
	store := NewMemoryLocalStore()
	defer store.Close()
	queue := NewMutationQueueWithDefaults(store)

	record := testMutation(clientId, "a", 1)
	_, err := queue.Enqueue(record)
	assert.Equal(t, err, nil)

	// a corrupt row is dropped, never wedges the queue head
	err = store.Put(CollectionQueue, NewId().String(), []byte("corrupt"), 0)
	assert.Equal(t, err, nil)

	records, err := queue.PeekAll()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].Token, record.Token)

	queueLen, err := queue.Len()
	assert.Equal(t, err, nil)
	assert.Equal(t, queueLen, 1)
}
