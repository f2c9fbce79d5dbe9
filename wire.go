package driftsync

import (
	"encoding/json"
	"fmt"
)

// wire messages are JSON envelopes keyed by `type`, the same shape on the
// websocket channel, the SSE fallback stream, and the fallback POST body.
// Unknown types are ignored by receivers, never fatal.

const (
	// server -> client, committed change at whole-entity granularity
	MessageTypeChange = "change"
	// server -> client, committed change at field granularity
	MessageTypeFieldChange = "field_change"
	// server -> client, positive delivery outcome for one token
	MessageTypeAck = "ack"
	// server -> client, definitive refusal for one token
	MessageTypeReject = "reject"
	// client -> server, entity subscription with a replay cursor
	MessageTypeSubscribe = "subscribe"
	// server -> client, replay from the subscribe cursor is complete
	MessageTypeSynced = "synced"
	// heartbeat probe/response pair, reserved
	MessageTypePing = "ping"
	MessageTypePong = "pong"
)

type Envelope struct {
	Type     string          `json:"type"`
	Entity   string          `json:"entity,omitempty"`
	EntityId string          `json:"entity_id,omitempty"`
	Field    string          `json:"field,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Action   Action          `json:"action,omitempty"`
	Version  uint64          `json:"version,omitempty"`
	Sequence uint64          `json:"sequence,omitempty"`
	ClientId *Id             `json:"client_id,omitempty"`
	Token    *Id             `json:"token,omitempty"`
	// subscribe only
	Entities []string `json:"entities,omitempty"`
	Cursor   uint64   `json:"cursor,omitempty"`
	// reject only
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func EncodeMessage(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

func RequireEncodeMessage(envelope *Envelope) []byte {
	b, err := EncodeMessage(envelope)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeMessage(b []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(b, envelope); err != nil {
		return nil, err
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("Message missing type.")
	}
	return envelope, nil
}

// ToEnvelope converts an authored or committed record to its wire form.
func ToEnvelope(record *ChangeRecord) *Envelope {
	messageType := MessageTypeChange
	if record.Field != "" {
		messageType = MessageTypeFieldChange
	}
	clientId := record.OriginClient
	token := record.Token
	return &Envelope{
		Type:      messageType,
		Entity:    record.Entity,
		EntityId:  record.EntityId,
		Field:     record.Field,
		Value:     record.Value,
		Action:    record.Action,
		Version:   record.Version,
		Sequence:  record.Sequence,
		ClientId:  &clientId,
		Token:     &token,
		Timestamp: record.Timestamp,
	}
}

// FromEnvelope converts a `change` or `field_change` envelope back to a
// record. Envelopes of any other type are an error.
func FromEnvelope(envelope *Envelope) (*ChangeRecord, error) {
	switch envelope.Type {
	case MessageTypeChange, MessageTypeFieldChange:
	default:
		return nil, fmt.Errorf("Not a change message: %s", envelope.Type)
	}
	if envelope.Entity == "" || envelope.EntityId == "" {
		return nil, fmt.Errorf("Change message missing entity.")
	}
	if !envelope.Action.Valid() {
		return nil, fmt.Errorf("Change message with unknown action: %s", envelope.Action)
	}
	if envelope.Type == MessageTypeFieldChange && envelope.Field == "" {
		return nil, fmt.Errorf("Field change message missing field.")
	}
	record := &ChangeRecord{
		Sequence:  envelope.Sequence,
		Entity:    envelope.Entity,
		EntityId:  envelope.EntityId,
		Field:     envelope.Field,
		Value:     envelope.Value,
		Action:    envelope.Action,
		Version:   envelope.Version,
		Timestamp: envelope.Timestamp,
	}
	if envelope.ClientId != nil {
		record.OriginClient = *envelope.ClientId
	}
	if envelope.Token != nil {
		record.Token = *envelope.Token
	}
	return record, nil
}
