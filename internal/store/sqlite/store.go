// Package sqlite is the default delivery ledger: a single local file that
// survives process restarts and is safe for an operator to delete between
// runs (losing idempotence memory, not correctness).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"qslauto/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS deliveries (
  stable_key        TEXT PRIMARY KEY,
  qso_id            INTEGER NOT NULL,
  postcard_pdf_path TEXT,
  email_message_id  TEXT,
  sent_at           TEXT,
  attempts          INTEGER NOT NULL DEFAULT 0,
  last_error        TEXT
);
`

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// single-writer assumption, and sqlite serializes writes anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, stableKey string) (store.Delivery, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT qso_id, stable_key, COALESCE(postcard_pdf_path,''), COALESCE(email_message_id,''),
		       sent_at, attempts, COALESCE(last_error,'')
		FROM deliveries WHERE stable_key=?
	`, stableKey)

	var d store.Delivery
	var sentAt sql.NullString
	err := row.Scan(&d.QSOID, &d.StableKey, &d.PDFPath, &d.MessageID, &sentAt, &d.Attempts, &d.LastError)
	if err == sql.ErrNoRows {
		return store.Delivery{}, false, nil
	}
	if err != nil {
		return store.Delivery{}, false, err
	}
	if sentAt.Valid && sentAt.String != "" {
		t, err := time.Parse(time.RFC3339, sentAt.String)
		if err != nil {
			return store.Delivery{}, false, fmt.Errorf("corrupt sent_at for %s: %w", stableKey, err)
		}
		d.SentAt = &t
	}
	return d, true, nil
}

// RecordAttempt bumps the attempt counter and stores the error, creating the
// row if absent. One statement, so there is no read-modify-write window.
func (s *Store) RecordAttempt(ctx context.Context, qsoID int64, stableKey, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (stable_key, qso_id, attempts, last_error)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(stable_key)
		DO UPDATE SET attempts = attempts + 1, last_error = excluded.last_error
	`, stableKey, qsoID, nullIfEmpty(errMsg))
	return err
}

// RecordSent marks the key delivered and clears last_error. Idempotent:
// replaying it with the same arguments leaves the row unchanged.
func (s *Store) RecordSent(ctx context.Context, qsoID int64, stableKey, pdfPath, messageID string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (stable_key, qso_id, postcard_pdf_path, email_message_id, sent_at, attempts)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(stable_key)
		DO UPDATE SET postcard_pdf_path = excluded.postcard_pdf_path,
		              email_message_id  = excluded.email_message_id,
		              sent_at           = excluded.sent_at,
		              last_error        = NULL
	`, stableKey, qsoID, pdfPath, nullIfEmpty(messageID), sentAt.UTC().Format(time.RFC3339))
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
