package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/driftsync/driftsync"
	"github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const listenerRetryDelay = 5 * time.Second

// PostgresChangeLog is the multi-node `ChangeLog`. An insert trigger raises
// a notification on a channel scoped by entity name, and every service node
// runs a listener that folds commits into its local fan-out. The
// notification payload carries identifying fields only; the listener
// fetches the committed row by sequence.
//
// Unlike the sqlite log, the `notify` hook here fires from the listener,
// so a node sees its own commits and foreign commits on the same path.
type PostgresChangeLog struct {
	ctx    context.Context
	cancel context.CancelFunc

	dsn      string
	pool     *pgxpool.Pool
	entities []string
	notify   func(record *driftsync.ChangeRecord)
}

func NewPostgresChangeLog(
	ctx context.Context,
	dsn string,
	entities []string,
	notify func(record *driftsync.ChangeRecord),
) (*PostgresChangeLog, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	pool, err := pgxpool.New(cancelCtx, dsn)
	if err != nil {
		cancel()
		return nil, err
	}
	changeLog := &PostgresChangeLog{
		ctx:      cancelCtx,
		cancel:   cancel,
		dsn:      dsn,
		pool:     pool,
		entities: entities,
		notify:   notify,
	}
	if err := changeLog.migrate(cancelCtx); err != nil {
		cancel()
		pool.Close()
		return nil, err
	}
	if notify != nil && 0 < len(entities) {
		go changeLog.listen(cancelCtx)
	}
	return changeLog, nil
}

func (self *PostgresChangeLog) migrate(ctx context.Context) error {
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS change_log (
			sequence BIGSERIAL PRIMARY KEY,
			entity TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			field TEXT NOT NULL DEFAULT '',
			value JSONB,
			action TEXT NOT NULL,
			version BIGINT NOT NULL,
			client_id TEXT NOT NULL,
			token TEXT NOT NULL,
			timestamp BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS change_log_key_version
			ON change_log (entity, entity_id, field, version)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS change_log_client_token
			ON change_log (client_id, token)`,
		`CREATE OR REPLACE FUNCTION change_log_notify() RETURNS trigger AS $notify$
		BEGIN
			PERFORM pg_notify(
				'driftsync_' || NEW.entity,
				json_build_object(
					'sequence', NEW.sequence,
					'entity', NEW.entity,
					'entity_id', NEW.entity_id,
					'field', NEW.field,
					'version', NEW.version
				)::text
			);
			RETURN NEW;
		END;
		$notify$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS change_log_notify ON change_log`,
		`CREATE TRIGGER change_log_notify
			AFTER INSERT ON change_log
			FOR EACH ROW EXECUTE FUNCTION change_log_notify()`,
	} {
		if _, err := self.pool.Exec(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

func (self *PostgresChangeLog) listen(ctx context.Context) {
	for {
		err := self.runListener(ctx)
		select {
		case <-ctx.Done():
			return
		default:
		}
		glog.Infof("[log]listener err = %s\n", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(listenerRetryDelay):
		}
	}
}

// runListener holds a dedicated connection for the notification channels.
// The pooled connections cannot listen because the pool recycles them.
func (self *PostgresChangeLog) runListener(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, self.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	for _, entity := range self.entities {
		channel := pgx.Identifier{"driftsync_" + entity}.Sanitize()
		if _, err := conn.Exec(ctx, `LISTEN `+channel); err != nil {
			return err
		}
	}
	glog.V(1).Infof("[log]listening for commits on %d entity channel(s)\n", len(self.entities))
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		self.dispatch(ctx, notification.Payload)
	}
}

type notifyPayload struct {
	Sequence uint64 `json:"sequence"`
}

func (self *PostgresChangeLog) dispatch(ctx context.Context, payload string) {
	parsed := &notifyPayload{}
	if err := json.Unmarshal([]byte(payload), parsed); err != nil {
		glog.V(1).Infof("[log]drop unreadable notification = %s\n", err)
		return
	}
	record, ok, err := self.bySequence(ctx, parsed.Sequence)
	if err != nil || !ok {
		glog.V(1).Infof("[log]notification fetch %d failed = %v\n", parsed.Sequence, err)
		return
	}
	driftsync.HandleError(func() {
		self.notify(record)
	})
}

func (self *PostgresChangeLog) Append(ctx context.Context, record *driftsync.ChangeRecord) (*AppendOutcome, error) {
	clientIdStr := record.OriginClient.String()
	tokenStr := record.Token.String()

	tx, err := self.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// a token commits at most once
	existing, ok, err := self.queryOne(
		ctx,
		tx,
		`SELECT `+changeColumns+` FROM change_log WHERE client_id = $1 AND token = $2`,
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
	err = tx.QueryRow(
		ctx,
		`SELECT COALESCE(MAX(version), 0) FROM change_log
			WHERE entity = $1 AND entity_id = $2 AND field = $3`,
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
	var sequence int64
	err = tx.QueryRow(
		ctx,
		`INSERT INTO change_log
			(entity, entity_id, field, value, action, version, client_id, token, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING sequence`,
		record.Entity,
		record.EntityId,
		record.Field,
		value,
		string(record.Action),
		int64(record.Version),
		clientIdStr,
		tokenStr,
		record.Timestamp,
	).Scan(&sequence)
	if err != nil {
		// the unique indexes are the backstop for append races across nodes
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "client_token") {
				committed, ok, err2 := self.queryOne(
					ctx,
					self.pool,
					`SELECT `+changeColumns+` FROM change_log WHERE client_id = $1 AND token = $2`,
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
			current, err2 := self.currentVersion(ctx, record.Key())
			if err2 != nil {
				return nil, err
			}
			return nil, &VersionConflictError{Current: current}
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	committed := *record
	committed.Sequence = uint64(sequence)
	// delivery happens via the insert trigger and the listener
	return &AppendOutcome{
		Record: &committed,
	}, nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

func (self *PostgresChangeLog) queryOne(
	ctx context.Context,
	querier pgQuerier,
	query string,
	args ...any,
) (*driftsync.ChangeRecord, bool, error) {
	row := querier.QueryRow(ctx, query, args...)
	record, err := scanChange(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (self *PostgresChangeLog) currentVersion(ctx context.Context, key driftsync.RecordKey) (uint64, error) {
	var current int64
	err := self.pool.QueryRow(
		ctx,
		`SELECT COALESCE(MAX(version), 0) FROM change_log
			WHERE entity = $1 AND entity_id = $2 AND field = $3`,
		key.Entity,
		key.EntityId,
		key.Field,
	).Scan(&current)
	if err != nil {
		return 0, err
	}
	return uint64(current), nil
}

func (self *PostgresChangeLog) bySequence(ctx context.Context, sequence uint64) (*driftsync.ChangeRecord, bool, error) {
	return self.queryOne(
		ctx,
		self.pool,
		`SELECT `+changeColumns+` FROM change_log WHERE sequence = $1`,
		int64(sequence),
	)
}

func (self *PostgresChangeLog) ReplayFrom(
	ctx context.Context,
	cursor uint64,
	entities []string,
	visit func(record *driftsync.ChangeRecord) bool,
) error {
	query := `SELECT ` + changeColumns + ` FROM change_log WHERE $1 < sequence`
	args := []any{int64(cursor)}
	if 0 < len(entities) {
		query += ` AND entity = ANY($2)`
		args = append(args, entities)
	}
	query += ` ORDER BY sequence`

	rows, err := self.pool.Query(ctx, query, args...)
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

func (self *PostgresChangeLog) LatestByKey(
	ctx context.Context,
	key driftsync.RecordKey,
) (*driftsync.ChangeRecord, bool, error) {
	return self.queryOne(
		ctx,
		self.pool,
		`SELECT `+changeColumns+` FROM change_log
			WHERE entity = $1 AND entity_id = $2 AND field = $3
			ORDER BY version DESC LIMIT 1`,
		key.Entity,
		key.EntityId,
		key.Field,
	)
}

func (self *PostgresChangeLog) LatestSequence(ctx context.Context) (uint64, error) {
	var sequence int64
	err := self.pool.QueryRow(
		ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM change_log`,
	).Scan(&sequence)
	if err != nil {
		return 0, err
	}
	return uint64(sequence), nil
}

func (self *PostgresChangeLog) Close() error {
	self.cancel()
	self.pool.Close()
	return nil
}
