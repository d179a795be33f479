// Package sqlite provides a SQLite-backed storage repository for single-host
// deployments. It uses the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/jmcleod/ledgervault/storage"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
	namespace  TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	value      BLOB    NOT NULL,
	version    INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (namespace, key)
)`

// Store implements storage.Repository backed by a SQLite database file.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepositoryFromFile opens (creating if needed) the database at path and
// ensures the records table exists.
func NewRepositoryFromFile(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite allows a single writer; one connection keeps transactions serial.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// sqlExecer is satisfied by both *sql.DB and *sql.Tx.
type sqlExecer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (s *Store) Put(namespace, key string, rec *storage.Record) error {
	return put(s.db, namespace, key, rec)
}

func (s *Store) Get(namespace, key string) (*storage.Record, error) {
	rec, err := get(s.db, namespace, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) Delete(namespace, key string) error {
	return del(s.db, namespace, key)
}

func (s *Store) List(namespace, prefix string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT key FROM records WHERE namespace = ? AND key LIKE ? ESCAPE '\' ORDER BY key`,
		namespace, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		// LIKE is case-insensitive for ASCII in SQLite.
		if storage.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, rows.Err()
}

func (s *Store) PutCAS(namespace, key string, expectedVersion uint64, rec *storage.Record) error {
	return s.Batch(namespace, func(tx storage.BatchTx) error {
		return tx.PutCAS(key, expectedVersion, rec)
	})
}

func (s *Store) Batch(namespace string, fn func(tx storage.BatchTx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteBatchTx{tx: tx, namespace: namespace}); err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteBatchTx struct {
	tx        *sql.Tx
	namespace string
}

func (b *sqliteBatchTx) Put(key string, rec *storage.Record) error {
	return put(b.tx, b.namespace, key, rec)
}

func (b *sqliteBatchTx) PutCAS(key string, expectedVersion uint64, rec *storage.Record) error {
	existing, err := get(b.tx, b.namespace, key)
	if err != nil {
		return err
	}
	if err := storage.CheckCAS(existing, expectedVersion); err != nil {
		return err
	}
	return put(b.tx, b.namespace, key, rec)
}

func (b *sqliteBatchTx) Delete(key string) error {
	return del(b.tx, b.namespace, key)
}

func put(q sqlExecer, namespace, key string, rec *storage.Record) error {
	value := rec.Value
	if value == nil {
		value = []byte{}
	}
	_, err := q.Exec(
		`INSERT INTO records (namespace, key, value, version) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, version = excluded.version, updated_at = CURRENT_TIMESTAMP`,
		namespace, key, value, int64(rec.Version))
	return err
}

// get returns nil, nil when the record does not exist.
func get(q sqlExecer, namespace, key string) (*storage.Record, error) {
	var rec storage.Record
	var version int64
	err := q.QueryRow(`SELECT value, version FROM records WHERE namespace = ? AND key = ?`, namespace, key).
		Scan(&rec.Value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	return &rec, nil
}

func del(q sqlExecer, namespace, key string) error {
	res, err := q.Exec(`DELETE FROM records WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}
