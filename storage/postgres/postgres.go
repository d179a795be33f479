// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (namespace, key) that
// mirrors the key space used by the BBolt and in-memory backends. Record
// values are stored as BYTEA and versions as BIGINT so CAS checks can run
// under a row lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ledgervault/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// execer abstracts both *pgxpool.Pool and pgx.Tx for shared statements.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const upsertSQL = `INSERT INTO records (namespace, key, value, version)
	 VALUES ($1, $2, $3, $4)
	 ON CONFLICT (namespace, key)
	 DO UPDATE SET value = $3, version = $4, updated_at = now()`

func (s *Store) Put(namespace, key string, rec *storage.Record) error {
	return put(context.Background(), s.pool, namespace, key, rec)
}

func (s *Store) Get(namespace, key string) (*storage.Record, error) {
	var rec storage.Record
	var version int64
	err := s.pool.QueryRow(context.Background(),
		`SELECT value, version FROM records WHERE namespace = $1 AND key = $2`,
		namespace, key).Scan(&rec.Value, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	return &rec, nil
}

func (s *Store) List(namespace, prefix string) ([]string, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT key FROM records WHERE namespace = $1 AND key LIKE $2 ESCAPE '\' ORDER BY key`,
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
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) Delete(namespace, key string) error {
	return del(context.Background(), s.pool, namespace, key)
}

func (s *Store) PutCAS(namespace, key string, expectedVersion uint64, rec *storage.Record) error {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := putCASInTx(ctx, tx, namespace, key, expectedVersion, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Batch(namespace string, fn func(tx storage.BatchTx) error) error {
	ctx := context.Background()
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{ctx: ctx, tx: pgTx, namespace: namespace}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

type pgBatchTx struct {
	ctx       context.Context
	tx        pgx.Tx
	namespace string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Put(key string, rec *storage.Record) error {
	return put(btx.ctx, btx.tx, btx.namespace, key, rec)
}

func (btx *pgBatchTx) PutCAS(key string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInTx(btx.ctx, btx.tx, btx.namespace, key, expectedVersion, rec)
}

func (btx *pgBatchTx) Delete(key string) error {
	return del(btx.ctx, btx.tx, btx.namespace, key)
}

func put(ctx context.Context, q execer, namespace, key string, rec *storage.Record) error {
	_, err := q.Exec(ctx, upsertSQL, namespace, key, valueOf(rec), int64(rec.Version))
	return err
}

func del(ctx context.Context, q execer, namespace, key string) error {
	tag, err := q.Exec(ctx, `DELETE FROM records WHERE namespace = $1 AND key = $2`, namespace, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
	}
	return nil
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// It is used by both the top-level PutCAS and the batch PutCAS methods.
func putCASInTx(ctx context.Context, tx pgx.Tx, namespace, key string, expectedVersion uint64, rec *storage.Record) error {
	var current int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records WHERE namespace = $1 AND key = $2 FOR UPDATE`,
		namespace, key).Scan(&current)

	var existing *storage.Record
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return err
	default:
		existing = &storage.Record{Version: uint64(current)}
	}
	if err := storage.CheckCAS(existing, expectedVersion); err != nil {
		return err
	}

	if existing == nil {
		// A concurrent insert of the same key surfaces as a unique violation.
		_, err = tx.Exec(ctx,
			`INSERT INTO records (namespace, key, value, version) VALUES ($1, $2, $3, $4)`,
			namespace, key, valueOf(rec), int64(rec.Version))
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return storage.ErrCASFailed
		}
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE records SET value = $3, version = $4, updated_at = now() WHERE namespace = $1 AND key = $2`,
		namespace, key, valueOf(rec), int64(rec.Version))
	return err
}

// valueOf never returns nil; the value column is NOT NULL.
func valueOf(rec *storage.Record) []byte {
	if rec.Value == nil {
		return []byte{}
	}
	return rec.Value
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}
