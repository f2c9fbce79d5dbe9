package driftsync

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// driftsync keeps a client-side cache consistent with a server-held change
// log in near real time. Local writes are applied optimistically and queued
// durably, the queue drains through a transport while connected, and
// committed changes flow back to every open context of the same origin.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

// ulids from the same source are ordered by create time
func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(*self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (self Action) Valid() bool {
	switch self {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// RequiresValue is true for actions that must carry a non-empty payload.
func (self Action) RequiresValue() bool {
	switch self {
	case ActionCreate, ActionUpdate:
		return true
	default:
		return false
	}
}

// comparable
// `Field == ""` means whole-entity granularity
type RecordKey struct {
	Entity   string
	EntityId string
	Field    string
}

func EntityKey(entity string, entityId string) RecordKey {
	return RecordKey{
		Entity:   entity,
		EntityId: entityId,
	}
}

func FieldKey(entity string, entityId string, field string) RecordKey {
	return RecordKey{
		Entity:   entity,
		EntityId: entityId,
		Field:    field,
	}
}

func (self RecordKey) IsField() bool {
	return self.Field != ""
}

func (self RecordKey) String() string {
	if self.Field != "" {
		return fmt.Sprintf("%s/%s#%s", self.Entity, self.EntityId, self.Field)
	}
	return fmt.Sprintf("%s/%s", self.Entity, self.EntityId)
}

// ChangeRecord is one committed (or locally authored, not yet committed)
// change to an entity or an entity field.
// `Version` is strictly increasing per record key; `Sequence` is the
// server-global total order and is zero until the server commits.
// `Value == nil` encodes a delete.
type ChangeRecord struct {
	Sequence     uint64          `json:"sequence,omitempty"`
	Entity       string          `json:"entity"`
	EntityId     string          `json:"entity_id"`
	Field        string          `json:"field,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
	Action       Action          `json:"action"`
	Version      uint64          `json:"version"`
	OriginClient Id              `json:"client_id"`
	Token        Id              `json:"token"`
	Timestamp    int64           `json:"timestamp,omitempty"`
}

func (self *ChangeRecord) Key() RecordKey {
	return RecordKey{
		Entity:   self.Entity,
		EntityId: self.EntityId,
		Field:    self.Field,
	}
}

func (self *ChangeRecord) IsDelete() bool {
	return self.Action == ActionDelete
}

// connection state machine is:
// ConnectionStateDisconnected
//
//	-> ConnectionStateConnecting
//	  -> ConnectionStateConnected
//	    -> ConnectionStateReconnecting
//	      -> ConnectionStateConnected
//	      -> ConnectionStateFallbackSse (terminal until external reset)
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateFallbackSse  ConnectionState = "fallback_sse"
)

// IsTerminal is true for states that no transition leaves without an
// external reset.
func (self ConnectionState) IsTerminal() bool {
	switch self {
	case ConnectionStateFallbackSse:
		return true
	default:
		return false
	}
}

// IsLive is true while the session can move data in at least one direction.
func (self ConnectionState) IsLive() bool {
	switch self {
	case ConnectionStateConnected, ConnectionStateFallbackSse:
		return true
	default:
		return false
	}
}
