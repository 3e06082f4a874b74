package corpus

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kensaku/internal/archive"
)

// SQLite is a corpus store backed by a SQLite database. It honors the same
// contract as Memory and serializes through the same snapshot blocks, so
// archives written by either store load into the other.
type SQLite struct {
	db *sql.DB

	// nextKey is cached so Allocate never blocks on the database. It is
	// written through to the counters table on every allocation and
	// re-persisted by Snapshot.
	mu      sync.Mutex
	nextKey uint64
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens or creates the corpus database at dbPath and initializes
// the schema. Parent directories are created if missing.
func NewSQLite(dbPath string) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	s := &SQLite{db: db}
	if err := db.QueryRow(
		`SELECT value FROM counters WHERE name = 'next_key'`,
	).Scan(&s.nextKey); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load key counter: %w", err)
	}
	return s, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		key  INTEGER PRIMARY KEY,
		text TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS split_members (
		split_id INTEGER NOT NULL,
		key      INTEGER NOT NULL,
		PRIMARY KEY (split_id, key)
	);

	CREATE INDEX IF NOT EXISTS idx_split_members_key ON split_members(key);

	CREATE TABLE IF NOT EXISTS counters (
		name  TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO counters (name, value) VALUES ('next_key', 1);
	`
	_, err := db.Exec(schema)
	return err
}

// Allocate returns the next key and advances the counter. The counter is
// written through to the database best-effort; a failed write is repaired
// by the next successful allocation or snapshot.
func (s *SQLite) Allocate() uint64 {
	s.mu.Lock()
	key := s.nextKey
	s.nextKey++
	next := s.nextKey
	s.mu.Unlock()
	_, _ = s.db.Exec(`UPDATE counters SET value = ? WHERE name = 'next_key'`, int64(next))
	return key
}

// Insert records text under key, replacing any previous text.
func (s *SQLite) Insert(key uint64, text string) error {
	_, err := s.db.Exec(
		`INSERT INTO documents (key, text) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET text = excluded.text`,
		int64(key), text,
	)
	return err
}

// Resolve returns the text stored under key and whether it exists.
func (s *SQLite) Resolve(key uint64) (string, bool, error) {
	var text string
	err := s.db.QueryRow(`SELECT text FROM documents WHERE key = ?`, int64(key)).Scan(&text)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return text, true, nil
}

// Delete removes the document and its split memberships.
func (s *SQLite) Delete(key uint64) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM documents WHERE key = ?`, int64(key))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := s.db.Exec(`DELETE FROM split_members WHERE key = ?`, int64(key)); err != nil {
		return true, err
	}
	return true, nil
}

// DeleteWhere removes every document in split whose text satisfies pred,
// scanning only that split's members.
func (s *SQLite) DeleteWhere(split uint32, pred func(text string) bool) ([]uint64, error) {
	rows, err := s.db.Query(
		`SELECT d.key, d.text FROM documents d
		 JOIN split_members m ON m.key = d.key
		 WHERE m.split_id = ? ORDER BY d.key`,
		int64(split),
	)
	if err != nil {
		return nil, err
	}
	var deleted []uint64
	for rows.Next() {
		var key int64
		var text string
		if err := rows.Scan(&key, &text); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if pred(text) {
			deleted = append(deleted, uint64(key))
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for _, key := range deleted {
		if _, err := s.Delete(key); err != nil {
			return nil, err
		}
	}
	return deleted, nil
}

// CountAll returns the number of documents.
func (s *SQLite) CountAll() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

// CountInSplit returns the member count of split.
func (s *SQLite) CountInSplit(split uint32) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM split_members WHERE split_id = ?`, int64(split),
	).Scan(&n)
	return n, err
}

// ClearAll empties both tables and resets the key counter.
func (s *SQLite) ClearAll() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM documents`,
		`DELETE FROM split_members`,
		`UPDATE counters SET value = 1 WHERE name = 'next_key'`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.mu.Lock()
	s.nextKey = firstKey
	s.mu.Unlock()
	return nil
}

// AddToSplit adds key to split.
func (s *SQLite) AddToSplit(split uint32, key uint64) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO split_members (split_id, key) VALUES (?, ?)`,
		int64(split), int64(key),
	)
	return err
}

// SplitMembers returns the split's member set, nil if the split is absent.
func (s *SQLite) SplitMembers(split uint32) (*roaring64.Bitmap, error) {
	rows, err := s.db.Query(
		`SELECT key FROM split_members WHERE split_id = ? ORDER BY key`, int64(split),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	members := roaring64.New()
	for rows.Next() {
		var key int64
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		members.Add(uint64(key))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if members.IsEmpty() {
		return nil, nil
	}
	return members, nil
}

// Splits returns all split ids with members, ascending.
func (s *SQLite) Splits() ([]uint32, error) {
	rows, err := s.db.Query(`SELECT DISTINCT split_id FROM split_members ORDER BY split_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint32
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, uint32(id))
	}
	return ids, rows.Err()
}

// Snapshot writes the corpus blocks into w, identical in layout to the
// in-memory store's snapshot.
func (s *SQLite) Snapshot(w *archive.Writer) error {
	s.mu.Lock()
	snap := &snapshot{nextKey: s.nextKey}
	s.mu.Unlock()

	rows, err := s.db.Query(`SELECT key, text FROM documents ORDER BY key`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var key int64
		var text string
		if err := rows.Scan(&key, &text); err != nil {
			_ = rows.Close()
			return err
		}
		snap.docs = append(snap.docs, document{key: uint64(key), text: text})
	}
	if err := rows.Close(); err != nil {
		return err
	}

	ids, err := s.Splits()
	if err != nil {
		return err
	}
	for _, id := range ids {
		members, err := s.SplitMembers(id)
		if err != nil {
			return err
		}
		snap.splits = append(snap.splits, splitSet{id: id, members: members})
	}

	// Re-persist the counter alongside the snapshot.
	if _, err := s.db.Exec(
		`UPDATE counters SET value = ? WHERE name = 'next_key'`, int64(snap.nextKey),
	); err != nil {
		return err
	}
	return snap.encode(w)
}

// Restore replaces the database contents from the archive inside a single
// transaction, so a failure leaves the prior state intact.
func (s *SQLite) Restore(a *archive.Archive) error {
	snap, err := decodeSnapshot(a)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	rollback := func(err error) error {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`DELETE FROM documents`); err != nil {
		return rollback(err)
	}
	if _, err := tx.Exec(`DELETE FROM split_members`); err != nil {
		return rollback(err)
	}
	for _, d := range snap.docs {
		if _, err := tx.Exec(
			`INSERT INTO documents (key, text) VALUES (?, ?)`, int64(d.key), d.text,
		); err != nil {
			return rollback(err)
		}
	}
	for _, sp := range snap.splits {
		it := sp.members.Iterator()
		for it.HasNext() {
			if _, err := tx.Exec(
				`INSERT INTO split_members (split_id, key) VALUES (?, ?)`,
				int64(sp.id), int64(it.Next()),
			); err != nil {
				return rollback(err)
			}
		}
	}
	if _, err := tx.Exec(
		`UPDATE counters SET value = ? WHERE name = 'next_key'`, int64(snap.nextKey),
	); err != nil {
		return rollback(err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	s.nextKey = snap.nextKey
	s.mu.Unlock()
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
