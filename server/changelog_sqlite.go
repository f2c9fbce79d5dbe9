package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/driftsync/driftsync"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SqliteChangeLog is the single-node `ChangeLog`. Commit notifications are
// delivered in process through the `notify` hook, synchronously after the
// commit.
type SqliteChangeLog struct {
	db     *sql.DB
	notify func(record *driftsync.ChangeRecord)
}

func NewSqliteChangeLog(path string, notify func(record *driftsync.ChangeRecord)) (*SqliteChangeLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS change_log (
			sequence INTEGER PRIMARY KEY AUTOINCREMENT,
			entity TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			field TEXT NOT NULL DEFAULT '',
			value BLOB,
			action TEXT NOT NULL,
			version INTEGER NOT NULL,
			client_id TEXT NOT NULL,
			token TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		// one committed version per key, one commit per token
		`CREATE UNIQUE INDEX IF NOT EXISTS change_log_key_version
			ON change_log (entity, entity_id, field, version)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS change_log_client_token
			ON change_log (client_id, token)`,
	} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create change_log: %w", err)
		}
	}
	return &SqliteChangeLog{
		db:     db,
		notify: notify,
	}, nil
}

func (self *SqliteChangeLog) Append(ctx context.Context, record *driftsync.ChangeRecord) (*AppendOutcome, error) {
	clientIdStr := record.OriginClient.String()
	tokenStr := record.Token.String()

	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// a token commits at most once
	existing, ok, err := self.queryOne(
		ctx,
		tx.QueryRowContext,
		`SELECT `+changeColumns+` FROM change_log WHERE client_id = ? AND token = ?`,
		clientIdStr,
		tokenStr,
	)
	if err != nil {
		return nil, err
	}
	if ok {
		return &AppendOutcome{
			Record:    existing,
			Duplicate: true,
		}, nil
	}

	var current int64
	err = tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(version), 0) FROM change_log
			WHERE entity = ? AND entity_id = ? AND field = ?`,
		record.Entity,
		record.EntityId,
		record.Field,
	).Scan(&current)
	if err != nil {
		return nil, err
	}
	if record.Version != uint64(current)+1 {
		return nil, &VersionConflictError{Current: uint64(current)}
	}

	var value any
	if record.Value != nil {
		value = []byte(record.Value)
	}
	result, err := tx.ExecContext(
		ctx,
		`INSERT INTO change_log
			(entity, entity_id, field, value, action, version, client_id, token, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Entity,
		record.EntityId,
		record.Field,
		value,
		string(record.Action),
		int64(record.Version),
		clientIdStr,
		tokenStr,
		record.Timestamp,
	)
	if err != nil {
		// the unique indexes are the backstop for append races
		if isUniqueViolation(err, "change_log.client_id") {
			committed, ok, err2 := self.queryOne(
				ctx,
				self.db.QueryRowContext,
				`SELECT `+changeColumns+` FROM change_log WHERE client_id = ? AND token = ?`,
				clientIdStr,
				tokenStr,
			)
			if err2 == nil && ok {
				return &AppendOutcome{
					Record:    committed,
					Duplicate: true,
				}, nil
			}
			return nil, err
		}
		if isUniqueViolation(err, "change_log.entity") {
			current, err2 := self.currentVersion(ctx, record.Key())
			if err2 != nil {
				return nil, err
			}
			return nil, &VersionConflictError{Current: current}
		}
		return nil, err
	}
	sequence, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	committed := *record
	committed.Sequence = uint64(sequence)
	if self.notify != nil {
		self.notify(&committed)
	}
	return &AppendOutcome{
		Record: &committed,
	}, nil
}

func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") && strings.Contains(message, column)
}

func (self *SqliteChangeLog) queryOne(
	ctx context.Context,
	queryRow func(ctx context.Context, query string, args ...any) *sql.Row,
	query string,
	args ...any,
) (*driftsync.ChangeRecord, bool, error) {
	row := queryRow(ctx, query, args...)
	record, err := scanChange(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (self *SqliteChangeLog) currentVersion(ctx context.Context, key driftsync.RecordKey) (uint64, error) {
	var current int64
	err := self.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(version), 0) FROM change_log
			WHERE entity = ? AND entity_id = ? AND field = ?`,
		key.Entity,
		key.EntityId,
		key.Field,
	).Scan(&current)
	if err != nil {
		return 0, err
	}
	return uint64(current), nil
}

func (self *SqliteChangeLog) ReplayFrom(
	ctx context.Context,
	cursor uint64,
	entities []string,
	visit func(record *driftsync.ChangeRecord) bool,
) error {
	query := `SELECT ` + changeColumns + ` FROM change_log WHERE ? < sequence`
	args := []any{int64(cursor)}
	if 0 < len(entities) {
		query += ` AND entity IN (?` + strings.Repeat(`, ?`, len(entities)-1) + `)`
		for _, entity := range entities {
			args = append(args, entity)
		}
	}
	query += ` ORDER BY sequence`

	rows, err := self.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		record, err := scanChange(rows.Scan)
		if err != nil {
			return err
		}
		if !visit(record) {
			return nil
		}
	}
	return rows.Err()
}

func (self *SqliteChangeLog) LatestByKey(
	ctx context.Context,
	key driftsync.RecordKey,
) (*driftsync.ChangeRecord, bool, error) {
	return self.queryOne(
		ctx,
		self.db.QueryRowContext,
		`SELECT `+changeColumns+` FROM change_log
			WHERE entity = ? AND entity_id = ? AND field = ?
			ORDER BY version DESC LIMIT 1`,
		key.Entity,
		key.EntityId,
		key.Field,
	)
}

func (self *SqliteChangeLog) LatestSequence(ctx context.Context) (uint64, error) {
	var sequence int64
	err := self.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM change_log`,
	).Scan(&sequence)
	if err != nil {
		return 0, err
	}
	return uint64(sequence), nil
}

func (self *SqliteChangeLog) Close() error {
	return self.db.Close()
}
