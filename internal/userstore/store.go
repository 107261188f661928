// Package userstore persists which cards each user holds.
package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a local SQLite-backed persistence layer for user card
// collections.
//
// Notes:
// - Card names are stored exactly as given; callers validate them against
//   the active catalog before writing.
// - WAL is enabled to support concurrent reads while writing.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing db path")
	}
	p = filepath.Clean(p)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Touch records that the user interacted, creating the row on first
// contact.
func (s *Store) Touch(ctx context.Context, userID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("missing user_id")
	}

	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(user_id, created_at_unix_ms, last_seen_unix_ms)
VALUES(?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET last_seen_unix_ms = excluded.last_seen_unix_ms
`, userID, now, now)
	return err
}

// AddCard puts cardName into the user's collection. Returns false when
// the user already holds it.
func (s *Store) AddCard(ctx context.Context, userID string, cardName string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	cardName = strings.TrimSpace(cardName)
	if userID == "" || cardName == "" {
		return false, errors.New("invalid request")
	}

	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO users(user_id, created_at_unix_ms, last_seen_unix_ms)
VALUES(?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET last_seen_unix_ms = excluded.last_seen_unix_ms
`, userID, now, now); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO user_cards(user_id, card_name, added_at_unix_ms)
VALUES(?, ?, ?)
`, userID, cardName, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// RemoveCard takes cardName out of the user's collection. Returns false
// when the user does not hold it.
func (s *Store) RemoveCard(ctx context.Context, userID string, cardName string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	cardName = strings.TrimSpace(cardName)
	if userID == "" || cardName == "" {
		return false, errors.New("invalid request")
	}

	res, err := s.db.ExecContext(ctx, `
DELETE FROM user_cards WHERE user_id = ? AND card_name = ?
`, userID, cardName)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HeldCards lists the user's cards in the order they were added.
func (s *Store) HeldCards(ctx context.Context, userID string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("missing user_id")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT card_name FROM user_cards WHERE user_id = ? ORDER BY id ASC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CardCount is the size of the user's collection.
func (s *Store) CardCount(ctx context.Context, userID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errors.New("missing user_id")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM user_cards WHERE user_id = ?
`, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ClearCards empties the user's collection and reports how many cards
// were removed.
func (s *Store) ClearCards(ctx context.Context, userID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errors.New("missing user_id")
	}

	res, err := s.db.ExecContext(ctx, `
DELETE FROM user_cards WHERE user_id = ?
`, userID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UserCount is the number of users who ever interacted.
func (s *Store) UserCount(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS users (
  user_id TEXT PRIMARY KEY,
  created_at_unix_ms INTEGER NOT NULL,
  last_seen_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS user_cards (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id TEXT NOT NULL,
  card_name TEXT NOT NULL,
  added_at_unix_ms INTEGER NOT NULL,
  UNIQUE(user_id, card_name)
);
CREATE INDEX IF NOT EXISTS idx_user_cards_user ON user_cards(user_id, id ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
