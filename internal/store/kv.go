package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/matchwire/internal/kv"
)

var _ kv.Store = (*DB)(nil)

// Get implements kv.Store.
func (db *DB) Get(ns, key string) ([]byte, bool, error) {
	var value []byte
	err := db.QueryRow(`SELECT value FROM kv_entries WHERE namespace = ? AND key = ?`, ns, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put implements kv.Store.
func (db *DB) Put(ns, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := db.Exec(`
		INSERT INTO kv_entries (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		ns, key, value, db.nowMilli())
	return err
}

// Delete implements kv.Store.
func (db *DB) Delete(ns, key string) error {
	_, err := db.Exec(`DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, ns, key)
	return err
}

// List implements kv.Store.
func (db *DB) List(ns string) ([]kv.Entry, error) {
	rows, err := db.Query(`
		SELECT key, value, updated_at FROM kv_entries
		WHERE namespace = ?
		ORDER BY key ASC`, ns)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []kv.Entry
	for rows.Next() {
		var e kv.Entry
		var updated int64
		if err := rows.Scan(&e.Key, &e.Value, &updated); err != nil {
			return nil, err
		}
		e.UpdatedAt = time.UnixMilli(updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteOlder implements kv.Store.
func (db *DB) DeleteOlder(ns string, cutoff time.Time) (int, error) {
	res, err := db.Exec(`DELETE FROM kv_entries WHERE namespace = ? AND updated_at < ?`, ns, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Clear implements kv.Store.
func (db *DB) Clear(ns string) error {
	_, err := db.Exec(`DELETE FROM kv_entries WHERE namespace = ?`, ns)
	return err
}
