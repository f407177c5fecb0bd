package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStorage persists stores in a SQLite database.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	if filename == "file::memory:?cache=shared" {
		// shared-cache memory dbs use table locks, so keep to one connection
		db.SetMaxOpenConns(1)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS stores (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			bytes BLOB,
			PRIMARY KEY (store, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_key_idx ON entries (key)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO stores (name) VALUES (?)", name); err != nil {
		return nil, err
	}
	return sqliteStore{s, name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM stores WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStorage) Match(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx, `SELECT e.bytes
		FROM entries e JOIN stores s ON s.name = e.store
		WHERE e.key = ? ORDER BY s.id ASC LIMIT 1`, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

type sqliteStore struct {
	s    *SQLiteStorage
	name string
}

func (st sqliteStore) Name() string {
	return st.name
}

func (st sqliteStore) Match(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := st.s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE store = ? AND key = ?", st.name, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (st sqliteStore) Put(ctx context.Context, key string, bytes []byte) error {
	return st.PutAll(ctx, []Entry{{Key: key, Bytes: bytes}})
}

func (st sqliteStore) PutAll(ctx context.Context, entries []Entry) error {
	st.s.writeMutex.Lock()
	defer st.s.writeMutex.Unlock()
	tx, err := st.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM stores WHERE name = ?", st.name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStoreDeleted
	} else if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO entries (store, key, bytes) VALUES (?, ?, ?)",
			st.name, e.Key, e.Bytes); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (st sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := st.s.db.QueryContext(ctx, "SELECT key FROM entries WHERE store = ? ORDER BY key ASC", st.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (st sqliteStore) Delete(ctx context.Context, key string) (bool, error) {
	st.s.writeMutex.Lock()
	defer st.s.writeMutex.Unlock()
	result, err := st.s.db.ExecContext(ctx, "DELETE FROM entries WHERE store = ? AND key = ?", st.name, key)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}
