package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore creates a new store with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStore(filename string) (SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStore{}, err
	}
	// one connection, so the shared in-memory db and WAL never see lock contention
	// (do not query the store from inside a Keys callback)
	db.SetMaxOpenConns(1)
	statements := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			collection TEXT,
			key TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (collection, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStore{}, err
		}
	}
	return SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStore) Open(ctx context.Context, name string) (Collection, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO collections (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	return sqliteCollection{s, name}, nil
}

func (s SQLiteStore) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM collections WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteStore) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx, "DELETE FROM collections WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE collection = ?", name); err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s SQLiteStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM collections ORDER BY created_at ASC")
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

func (s SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteCollection struct {
	s    SQLiteStore
	name string
}

func (c sqliteCollection) Name() string {
	return c.name
}

func (c sqliteCollection) Match(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := c.s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE collection = ? AND key = ?", c.name, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (c sqliteCollection) Put(ctx context.Context, key string, bytes []byte) error {
	return c.PutAll(ctx, []Entry{{Key: key, StoredAt: time.Now(), Bytes: bytes}})
}

func (c sqliteCollection) PutAll(ctx context.Context, entries []Entry) error {
	c.s.writeMutex.Lock()
	defer c.s.writeMutex.Unlock()
	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// the collection may have been deleted by an activation in the meantime
	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM collections WHERE name = ?", c.name).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNoSuchCollection
	} else if err != nil {
		return err
	}
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(collection, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
			c.name, e.Key, e.StoredAt.Unix(), e.Bytes)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c sqliteCollection) Delete(ctx context.Context, key string) error {
	c.s.writeMutex.Lock()
	defer c.s.writeMutex.Unlock()
	_, err := c.s.db.ExecContext(ctx, "DELETE FROM entries WHERE collection = ? AND key = ?", c.name, key)
	return err
}

func (c sqliteCollection) Keys(ctx context.Context, cb func(string)) error {
	rows, err := c.s.db.QueryContext(ctx, "SELECT key FROM entries WHERE collection = ?", c.name)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}
