package driftsync

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SqliteLocalStore is the durable `LocalStore` for real deployments. One
// file per origin. Rows carry an `insert_seq` assigned at first insert so
// that ordinal ties scan in insertion order, and a replace keeps the row's
// original position.
type SqliteLocalStore struct {
	db   *sql.DB
	path string
}

func NewSqliteLocalStore(path string) (*SqliteLocalStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sibling engines share the file. WAL keeps readers unblocked while one
	// context writes; the busy timeout covers writer overlap.
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		insert_seq INTEGER NOT NULL,
		value BLOB,
		PRIMARY KEY (collection, key)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS kv_scan
		ON kv (collection, ordinal, insert_seq)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv index: %w", err)
	}
	return &SqliteLocalStore{
		db:   db,
		path: path,
	}, nil
}

func (self *SqliteLocalStore) Put(collection string, key string, value []byte, ordinal uint64) error {
	// single statement so the insert_seq assignment is atomic.
	// on conflict the original insert_seq is kept.
	_, err := self.db.Exec(
		`INSERT INTO kv (collection, key, ordinal, insert_seq, value)
			VALUES (?, ?, ?, (SELECT COALESCE(MAX(insert_seq), 0) + 1 FROM kv), ?)
			ON CONFLICT (collection, key) DO UPDATE
			SET ordinal = excluded.ordinal, value = excluded.value`,
		collection,
		key,
		int64(ordinal),
		value,
	)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	return nil
}

func (self *SqliteLocalStore) Get(collection string, key string) ([]byte, bool, error) {
	var value []byte
	err := self.db.QueryRow(
		`SELECT value FROM kv WHERE collection = ? AND key = ?`,
		collection,
		key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get: %w", err)
	}
	return value, true, nil
}

func (self *SqliteLocalStore) Delete(collection string, key string) error {
	_, err := self.db.Exec(
		`DELETE FROM kv WHERE collection = ? AND key = ?`,
		collection,
		key,
	)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func (self *SqliteLocalStore) Scan(collection string, visit func(key string, value []byte) bool) error {
	// snapshot before visiting so that `visit` can write back to the store
	type row struct {
		key   string
		value []byte
	}
	rows, err := self.db.Query(
		`SELECT key, value FROM kv WHERE collection = ? ORDER BY ordinal, insert_seq`,
		collection,
	)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	var snapshot []row
	func() {
		defer rows.Close()
		for rows.Next() {
			var r row
			if err = rows.Scan(&r.key, &r.value); err != nil {
				return
			}
			snapshot = append(snapshot, r)
		}
		err = rows.Err()
	}()
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	for _, r := range snapshot {
		if !visit(r.key, r.value) {
			return nil
		}
	}
	return nil
}

func (self *SqliteLocalStore) Len(collection string) (int, error) {
	var n int
	err := self.db.QueryRow(
		`SELECT COUNT(*) FROM kv WHERE collection = ?`,
		collection,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("len: %w", err)
	}
	return n, nil
}

func (self *SqliteLocalStore) Close() error {
	return self.db.Close()
}
