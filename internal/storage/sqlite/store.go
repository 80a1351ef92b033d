// Package sqlite is a DurableStorage backed by a single SQLite table.
// Writes are buffered in a storage.EntryCache and committed in one SQL
// transaction on Flush.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/panjf2000/ants/v2"

	bserrors "github.com/kartikbazzad/bunbase/bunsync/internal/errors"
	"github.com/kartikbazzad/bunbase/bunsync/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunsync/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Options configure a Store.
type Options struct {
	// PartitionSize bounds the keys per batched read.
	PartitionSize int
	// Pool runs batched read partitions. Nil runs them inline.
	Pool   *ants.Pool
	Logger *slog.Logger
}

// Store is a durable key/value store on SQLite.
type Store struct {
	path   string
	db     *sql.DB
	base   *backend
	cache  *storage.EntryCache
	log    *slog.Logger
	closed atomic.Bool

	// flushMu spans taking the pending writes through settling them.
	flushMu sync.Mutex
}

// Open opens or creates the database at path and migrates its table layout.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	if opts.PartitionSize <= 0 {
		opts.PartitionSize = 128
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	base := &backend{db: db, pool: opts.Pool, partitionSize: opts.PartitionSize}
	return &Store{
		path:  path,
		db:    db,
		base:  base,
		cache: storage.NewEntryCache(base),
		log:   log.With("component", "sqlite-store", "path", path),
	}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite3migrate.WithInstance(db, &sqlite3migrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) check() error {
	if s.closed.Load() {
		return bserrors.ErrStorageClosed
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := s.check(); err != nil {
		return nil, false, err
	}
	return s.cache.Get(ctx, key)
}

func (s *Store) GetEntries(ctx context.Context, keys []string) ([]storage.Entry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.cache.GetEntries(ctx, keys)
}

func (s *Store) Put(ctx context.Context, key string, value any) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.cache.Put(ctx, key, value)
}

func (s *Store) PutEntries(ctx context.Context, entries map[string]any) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.cache.PutEntries(ctx, entries)
}

func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.cache.Del(ctx, key)
}

func (s *Store) DelEntries(ctx context.Context, keys []string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.cache.DelEntries(ctx, keys)
}

// ApplyOps buffers a batch of writes as one unit, so a concurrent Flush
// commits all of them or none.
func (s *Store) ApplyOps(ctx context.Context, ops []storage.Op) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.cache.ApplyOps(ctx, ops)
}

func (s *Store) List(ctx context.Context, opts storage.ListOptions) ([]storage.Entry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.cache.List(ctx, opts)
}

// Flush commits all pending writes in one transaction. On failure nothing is
// committed and the writes stay pending. Writes buffered while a flush runs
// are left for the next one.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	ops := s.cache.Pending()
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin flush: %w", err)
	}
	defer tx.Rollback()

	put, err := tx.PrepareContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("failed to prepare put: %w", err)
	}
	defer put.Close()
	del, err := tx.PrepareContext(ctx, `DELETE FROM kv WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer del.Close()

	for _, op := range ops {
		if op.Op == storage.OpPut {
			_, err = put.ExecContext(ctx, op.Key, string(op.Value))
		} else {
			_, err = del.ExecContext(ctx, op.Key)
		}
		if err != nil {
			return fmt.Errorf("failed to apply %s %s: %w", op.Op, op.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flush: %w", err)
	}
	s.cache.Settle(ops)
	metrics.AddStorageOps("flush", 1)
	s.log.Debug("flushed", "ops", len(ops))
	return nil
}

// Close discards pending writes and closes the database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n := s.cache.PendingSize(); n > 0 {
		s.log.Warn("closing with unflushed writes", "pending", n)
	}
	return s.db.Close()
}

// backend reads and writes the kv table directly.
type backend struct {
	db            *sql.DB
	pool          *ants.Pool
	partitionSize int
}

func (b *backend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value string
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return json.RawMessage(value), true, nil
}

func (b *backend) GetEntries(ctx context.Context, keys []string) ([]storage.Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return storage.PartitionedGet(ctx, b.pool, keys, b.partitionSize, b.getPartition)
}

func (b *backend) getPartition(ctx context.Context, keys []string) ([]storage.Entry, error) {
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	rows, err := b.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key IN (`+placeholders+`) ORDER BY key`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get entries: %w", err)
	}
	return scanEntries(rows)
}

func (b *backend) Put(ctx context.Context, key string, value any) error {
	return b.PutEntries(ctx, map[string]any{key: value})
}

func (b *backend) PutEntries(ctx context.Context, entries map[string]any) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for k, v := range entries {
		raw, err := storage.Encode(v)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, string(raw)); err != nil {
			return fmt.Errorf("failed to put %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (b *backend) Del(ctx context.Context, key string) error {
	return b.DelEntries(ctx, []string{key})
}

func (b *backend) DelEntries(ctx context.Context, keys []string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, k); err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// List relies on BINARY collation, which orders TEXT by UTF-8 bytes.
func (b *backend) List(ctx context.Context, opts storage.ListOptions) ([]storage.Entry, error) {
	query := `SELECT key, value FROM kv WHERE key >= ?`
	args := []any{opts.LowerBound()}
	if opts.Start != nil && opts.Start.Exclusive {
		query += ` AND key <> ?`
		args = append(args, opts.Start.Key)
	}
	if opts.Prefix != "" {
		query += ` AND substr(key, 1, ?) = ?`
		args = append(args, utf8.RuneCountInString(opts.Prefix), opts.Prefix)
	}
	query += ` ORDER BY key`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]storage.Entry, error) {
	defer rows.Close()
	var out []storage.Entry
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out = append(out, storage.Entry{Key: k, Value: json.RawMessage(v)})
	}
	return out, rows.Err()
}
