package server

import (
	"context"
	"fmt"

	"github.com/driftsync/driftsync"
)

// AppendOutcome is the result of an accepted append.
type AppendOutcome struct {
	// the committed record, sequence and version assigned
	Record *driftsync.ChangeRecord
	// true when the mutation token was committed by an earlier append.
	// `Record` is that original commit.
	Duplicate bool
}

// VersionConflictError refuses an append whose version does not extend the
// committed version for its record key by exactly one.
type VersionConflictError struct {
	// the committed version for the key at rejection time
	Current uint64
}

func (self *VersionConflictError) Error() string {
	return fmt.Sprintf("Version conflict: server at version %d.", self.Current)
}

// ChangeLog is the single source of truth: an append-only total order of
// committed changes. Per record key, versions extend by exactly one, which
// is what gives last write wins an unambiguous winner.
type ChangeLog interface {
	// Append commits `record` and assigns its sequence. The submitted
	// version must be exactly one above the committed version for the
	// record key, else `*VersionConflictError`. A token that already
	// committed returns the original commit with `Duplicate` set, which is
	// what makes redelivered mutations safe.
	Append(ctx context.Context, record *driftsync.ChangeRecord) (*AppendOutcome, error)
	// ReplayFrom visits committed records with sequence above `cursor` in
	// sequence order, filtered to `entities` when non-empty, until `visit`
	// returns false.
	ReplayFrom(ctx context.Context, cursor uint64, entities []string, visit func(record *driftsync.ChangeRecord) bool) error
	// LatestByKey returns the highest committed version for a key.
	LatestByKey(ctx context.Context, key driftsync.RecordKey) (*driftsync.ChangeRecord, bool, error)
	LatestSequence(ctx context.Context) (uint64, error)
	Close() error
}

const changeColumns = "sequence, entity, entity_id, field, value, action, version, client_id, token, timestamp"

// scanChange reads one change_log row. The column order is `changeColumns`.
func scanChange(scan func(dest ...any) error) (*driftsync.ChangeRecord, error) {
	var sequence int64
	var version int64
	var value []byte
	var action string
	var clientIdStr string
	var tokenStr string
	record := &driftsync.ChangeRecord{}
	err := scan(
		&sequence,
		&record.Entity,
		&record.EntityId,
		&record.Field,
		&value,
		&action,
		&version,
		&clientIdStr,
		&tokenStr,
		&record.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	record.Sequence = uint64(sequence)
	record.Version = uint64(version)
	if 0 < len(value) {
		record.Value = value
	}
	record.Action = driftsync.Action(action)
	clientId, err := driftsync.ParseId(clientIdStr)
	if err != nil {
		return nil, err
	}
	record.OriginClient = clientId
	token, err := driftsync.ParseId(tokenStr)
	if err != nil {
		return nil, err
	}
	record.Token = token
	return record, nil
}
