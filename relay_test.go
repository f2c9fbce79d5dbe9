package driftsync

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestContextRelay(t *testing.T) {
	clientId := NewId()
	bus := NewMemoryBus()

	relayA := NewContextRelay(bus)
	defer relayA.Close()
	relayB := NewContextRelay(bus)
	defer relayB.Close()

	assert.NotEqual(t, relayA.OriginId(), relayB.OriginId())

	// the memory bus delivers synchronously, so no waiting below
	aMessages := []*RelayMessage{}
	relayA.AddMessageCallback(func(message *RelayMessage) {
		aMessages = append(aMessages, message)
	})
	bMessages := []*RelayMessage{}
	relayB.AddMessageCallback(func(message *RelayMessage) {
		bMessages = append(bMessages, message)
	})

	record := &ChangeRecord{
		Sequence:     9,
		Entity:       "task",
		EntityId:     "t1",
		Value:        json.RawMessage(`{"title":"hi"}`),
		Action:       ActionCreate,
		Version:      1,
		OriginClient: clientId,
		Token:        NewId(),
	}
	relayA.BroadcastChange(record)

	// a context never receives its own broadcast
	assert.Equal(t, len(aMessages), 0)
	assert.Equal(t, len(bMessages), 1)
	assert.Equal(t, bMessages[0].Type, RelayTypeChange)
	assert.Equal(t, bMessages[0].OriginId, relayA.OriginId())
	assert.Equal(t, bMessages[0].Optimistic(), false)

	roundTrip := bMessages[0].ChangeRecord()
	assert.Equal(t, roundTrip.Sequence, record.Sequence)
	assert.Equal(t, roundTrip.Key(), record.Key())
	assert.Equal(t, roundTrip.Version, record.Version)
	assert.Equal(t, roundTrip.Token, record.Token)

	// optimistic and field granularity have their own message types
	record.Field = "title"
	relayA.BroadcastOptimistic(record)
	assert.Equal(t, len(bMessages), 2)
	assert.Equal(t, bMessages[1].Type, RelayTypeOptimisticField)
	assert.Equal(t, bMessages[1].Optimistic(), true)

	record.Field = ""
	relayA.BroadcastOptimistic(record)
	assert.Equal(t, len(bMessages), 3)
	assert.Equal(t, bMessages[2].Type, RelayTypeOptimistic)

	relayA.BroadcastChange(record)
	assert.Equal(t, len(aMessages), 0)
	assert.Equal(t, len(bMessages), 4)
}

func TestContextRelayUnsubscribe(t *testing.T) {
	clientId := NewId()
	bus := NewMemoryBus()

	relayA := NewContextRelay(bus)
	defer relayA.Close()
	relayB := NewContextRelay(bus)

	bMessages := []*RelayMessage{}
	removeCallback := relayB.AddMessageCallback(func(message *RelayMessage) {
		bMessages = append(bMessages, message)
	})

	record := &ChangeRecord{
		Entity:       "task",
		EntityId:     "t1",
		Value:        json.RawMessage(`{}`),
		Action:       ActionCreate,
		Version:      1,
		OriginClient: clientId,
		Token:        NewId(),
	}
	relayA.BroadcastChange(record)
	assert.Equal(t, len(bMessages), 1)

	removeCallback()
	relayA.BroadcastChange(record)
	assert.Equal(t, len(bMessages), 1)

	// a closed relay leaves the bus entirely
	relayB.Close()
	relayA.BroadcastChange(record)
	assert.Equal(t, len(bMessages), 1)
}
