package driftsync

import (
	"encoding/json"
	"flag"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func testByJwt(clientId Id) string {
	claims := jwt.MapClaims{
		"client_id": clientId.String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	byJwt, err := token.SignedString([]byte("test secret"))
	if err != nil {
		panic(err)
	}
	return byJwt
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time
	// tokens and client ids from one source can be ordered

	a := NewId()
	for i := 0; i < 1024; i++ {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b == a, false)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)
}

func TestIdParse(t *testing.T) {
	a := NewId()

	b, err := ParseId(a.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, b)

	_, err = ParseId("not an id")
	assert.NotEqual(t, err, nil)

	c, err := IdFromBytes(a.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, c)

	_, err = IdFromBytes([]byte{0x01, 0x02})
	assert.NotEqual(t, err, nil)

	assert.Equal(t, Id{}.IsZero(), true)
	assert.Equal(t, a.IsZero(), false)
}

func TestAction(t *testing.T) {
	assert.Equal(t, ActionCreate.Valid(), true)
	assert.Equal(t, ActionUpdate.Valid(), true)
	assert.Equal(t, ActionDelete.Valid(), true)
	assert.Equal(t, Action("rename").Valid(), false)
	assert.Equal(t, Action("").Valid(), false)

	assert.Equal(t, ActionCreate.RequiresValue(), true)
	assert.Equal(t, ActionUpdate.RequiresValue(), true)
	assert.Equal(t, ActionDelete.RequiresValue(), false)
}

func TestRecordKey(t *testing.T) {
	entityKey := EntityKey("task", "t1")
	assert.Equal(t, entityKey.IsField(), false)
	assert.Equal(t, entityKey.String(), "task/t1")

	fieldKey := FieldKey("task", "t1", "title")
	assert.Equal(t, fieldKey.IsField(), true)
	assert.Equal(t, fieldKey.String(), "task/t1#title")

	// entity and field granularity are independent keys
	assert.Equal(t, entityKey == fieldKey, false)

	record := &ChangeRecord{
		Entity:   "task",
		EntityId: "t1",
		Field:    "title",
		Action:   ActionUpdate,
	}
	assert.Equal(t, record.Key(), fieldKey)
	assert.Equal(t, record.IsDelete(), false)
	record.Action = ActionDelete
	assert.Equal(t, record.IsDelete(), true)
}

func TestConnectionState(t *testing.T) {
	assert.Equal(t, ConnectionStateDisconnected.IsTerminal(), false)
	assert.Equal(t, ConnectionStateConnecting.IsTerminal(), false)
	assert.Equal(t, ConnectionStateConnected.IsTerminal(), false)
	assert.Equal(t, ConnectionStateReconnecting.IsTerminal(), false)
	assert.Equal(t, ConnectionStateFallbackSse.IsTerminal(), true)

	assert.Equal(t, ConnectionStateDisconnected.IsLive(), false)
	assert.Equal(t, ConnectionStateConnecting.IsLive(), false)
	assert.Equal(t, ConnectionStateConnected.IsLive(), true)
	assert.Equal(t, ConnectionStateReconnecting.IsLive(), false)
	assert.Equal(t, ConnectionStateFallbackSse.IsLive(), true)
}

func TestReconnectBackoffDelays(t *testing.T) {
	backoff := &reconnectBackoff{
		baseDelay: 1 * time.Second,
		maxDelay:  30 * time.Second,
	}

	// doubles from the base and caps at the max
	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, d := range expected {
		assert.Equal(t, backoff.delay(i+1), d)
	}

	// attempts below 1 clamp to the base
	assert.Equal(t, backoff.delay(0), 1*time.Second)
	// no overflow far past the cap
	assert.Equal(t, backoff.delay(1000), 30*time.Second)
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()

	sum := 0
	aId := callbacks.Add(func(v int) {
		sum += v
	})
	bId := callbacks.Add(func(v int) {
		sum += 10 * v
	})

	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, sum, 11)

	callbacks.Remove(aId)
	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, sum, 21)

	// removing twice is a no-op
	callbacks.Remove(aId)
	callbacks.Remove(bId)
	assert.Equal(t, len(callbacks.Get()), 0)
}

func TestClientAuth(t *testing.T) {
	clientId := NewId()
	auth := &ClientAuth{
		ByJwt:      testByJwt(clientId),
		AppVersion: "test 0.0.0",
	}

	parsedClientId, err := auth.ClientId()
	assert.Equal(t, err, nil)
	assert.Equal(t, parsedClientId, clientId)
	assert.Equal(t, auth.RequireClientId(), clientId)

	badAuth := &ClientAuth{
		ByJwt: "not a jwt",
	}
	_, err = badAuth.ClientId()
	assert.NotEqual(t, err, nil)
}
