package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS kv_expires_at ON kv(expires_at) WHERE expires_at > 0;
`

// kv is an ordered key space over one SQLite table. expires_at holds unix
// nanoseconds; 0 means the row never expires. Writes go through a single
// connection using BEGIN IMMEDIATE; reads use a separate pool.
type kv struct {
	path   string
	writer *sql.DB
	reader *sql.DB
}

// pragmas applied to every connection.
func pragmas(cacheBytes int64) []string {
	p := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"busy_timeout(5000)",
		"temp_store(MEMORY)",
		"foreign_keys(1)",
	}
	if cacheBytes > 0 {
		p = append(p, fmt.Sprintf("cache_size(-%d)", cacheBytes/1024))
	}
	return p
}

func dsn(path string, cacheBytes int64, readOnly bool) string {
	q := url.Values{}
	for _, p := range pragmas(cacheBytes) {
		q.Add("_pragma", p)
	}
	if readOnly {
		q.Add("_pragma", "query_only(1)")
	} else {
		q.Set("_txlock", "immediate")
	}
	return "file:" + path + "?" + q.Encode()
}

// openKV opens (creating if needed) the database at path and verifies it
// is readable. A file SQLite cannot read yields an error wrapping
// errUnreadable.
func openKV(ctx context.Context, path string, cacheBytes int64, readers int) (*kv, error) {
	writer, err := sql.Open("sqlite", dsn(path, cacheBytes, false))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	writer.SetMaxOpenConns(1)

	if _, err := writer.ExecContext(ctx, schema); err != nil {
		writer.Close()
		return nil, fmt.Errorf("%w: migrate: %v", errUnreadable, err)
	}
	if err := quickCheck(ctx, writer); err != nil {
		writer.Close()
		return nil, fmt.Errorf("%w: %v", errUnreadable, err)
	}

	reader, err := sql.Open("sqlite", dsn(path, cacheBytes, true))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(readers)
	reader.SetMaxIdleConns(readers)

	return &kv{path: path, writer: writer, reader: reader}, nil
}

var errUnreadable = errors.New("database unreadable")

func quickCheck(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check: %s", result)
	}
	return nil
}

func (k *kv) close() error {
	return errors.Join(k.reader.Close(), k.writer.Close())
}

func expiry(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}

// get returns the live value for key.
func (k *kv) get(ctx context.Context, key string, now time.Time) ([]byte, bool, error) {
	var value []byte
	err := k.reader.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, now.UnixNano(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// put upserts key with the given expiry (unix nanos, 0 = never).
func (k *kv) put(ctx context.Context, key string, value []byte, expiresAt int64) error {
	_, err := k.writer.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (k *kv) delete(ctx context.Context, key string) error {
	if _, err := k.writer.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// scan calls fn for every live key under prefix in key order. Descending
// order is used for newest-first checkpoint listings.
func (k *kv) scan(ctx context.Context, prefix string, now time.Time, desc bool, fn func(key string, value []byte) error) error {
	start, end := prefixRange(prefix)
	order := "ASC"
	if desc {
		order = "DESC"
	}
	rows, err := k.reader.QueryContext(ctx,
		`SELECT key, value FROM kv
		 WHERE key >= ? AND key < ? AND (expires_at = 0 OR expires_at > ?)
		 ORDER BY key `+order,
		start, end, now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scan %s: %w", prefix, err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// scanKeys is scan without values.
func (k *kv) scanKeys(ctx context.Context, prefix string, now time.Time, desc bool) ([]string, error) {
	start, end := prefixRange(prefix)
	order := "ASC"
	if desc {
		order = "DESC"
	}
	rows, err := k.reader.QueryContext(ctx,
		`SELECT key FROM kv
		 WHERE key >= ? AND key < ? AND (expires_at = 0 OR expires_at > ?)
		 ORDER BY key `+order,
		start, end, now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("scan keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// kvRecord is one row written inside a transaction.
type kvRecord struct {
	key       string
	value     []byte
	expiresAt int64
}

// replacePrefix deletes every key under prefix and inserts records in one
// transaction. Readers see either the old or the new set.
func (k *kv) replacePrefix(ctx context.Context, prefix string, records []kvRecord) error {
	tx, err := k.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	start, end := prefixRange(prefix)
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key >= ? AND key < ?`, start, end); err != nil {
		return fmt.Errorf("clear %s: %w", prefix, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.key, r.value, r.expiresAt); err != nil {
			return fmt.Errorf("insert %s: %w", r.key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// clear removes every row.
func (k *kv) clear(ctx context.Context) error {
	if _, err := k.writer.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

// deleteExpired removes at most limit expired rows and reports how many it removed.
func (k *kv) deleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	res, err := k.writer.ExecContext(ctx,
		`DELETE FROM kv WHERE key IN (
			SELECT key FROM kv WHERE expires_at > 0 AND expires_at <= ? LIMIT ?
		)`,
		now.UnixNano(), limit,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// walCheckpoint folds the WAL back into the main file without blocking readers.
func (k *kv) walCheckpoint(ctx context.Context) error {
	if _, err := k.writer.ExecContext(ctx, `PRAGMA wal_checkpoint(PASSIVE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// size returns the on-disk size of the database and its WAL.
func (k *kv) size() int64 {
	var total int64
	for _, p := range []string{k.path, k.path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			total += fi.Size()
		}
	}
	return total
}
