package assetcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend stores entries in an assets table. It usually shares the
// database file of the persistent store.
type SQLiteBackend struct {
	db     *sql.DB
	ownsDB bool
}

// NewSQLiteBackend creates the assets table on db if needed.
// The caller keeps ownership of db; Close is a no-op.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	b := &SQLiteBackend{db: db}
	if err := b.init(); err != nil {
		return nil, err
	}
	return b, nil
}

// OpenSQLiteBackend opens a dedicated database file for the cache.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open asset cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("open asset cache: %w", err)
	}
	b := &SQLiteBackend{db: db, ownsDB: true}
	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) init() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS assets (
			cache     TEXT    NOT NULL,
			key       TEXT    NOT NULL,
			status    INTEGER NOT NULL,
			header    TEXT    NOT NULL DEFAULT '{}',
			body      BLOB    NOT NULL,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (cache, key)
		);
		CREATE TABLE IF NOT EXISTS asset_caches (
			name TEXT PRIMARY KEY
		);
	`)
	if err != nil {
		return fmt.Errorf("create assets table: %w", err)
	}
	return nil
}

// Get implements Backend.
func (b *SQLiteBackend) Get(ctx context.Context, cache, key string) (Entry, bool, error) {
	var (
		e        Entry
		header   string
		storedAt int64
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT status, header, body, stored_at FROM assets WHERE cache = ? AND key = ?
	`, cache, key).Scan(&e.Status, &header, &e.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if header != "" && header != "{}" {
		e.Header = http.Header{}
		if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
			return Entry{}, false, fmt.Errorf("decode header: %w", err)
		}
	}
	e.StoredAt = time.UnixMilli(storedAt).UTC()
	return e, true, nil
}

// Put implements Backend.
func (b *SQLiteBackend) Put(ctx context.Context, cache, key string, entry Entry) error {
	header := []byte("{}")
	if len(entry.Header) > 0 {
		var err error
		if header, err = json.Marshal(entry.Header); err != nil {
			return fmt.Errorf("encode header: %w", err)
		}
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO asset_caches (name) VALUES (?)`, cache); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO assets (cache, key, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cache, key, entry.Status, string(header), body, entry.StoredAt.UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete implements Backend.
func (b *SQLiteBackend) Delete(ctx context.Context, cache, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM assets WHERE cache = ? AND key = ?`, cache, key)
	return err
}

// Caches implements Backend.
func (b *SQLiteBackend) Caches(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM asset_caches ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Drop implements Backend.
func (b *SQLiteBackend) Drop(ctx context.Context, cache string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM assets WHERE cache = ?`, cache); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM asset_caches WHERE name = ?`, cache); err != nil {
		return err
	}
	return tx.Commit()
}

// Close implements Backend. Only a database opened by OpenSQLiteBackend
// is closed.
func (b *SQLiteBackend) Close() error {
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}
