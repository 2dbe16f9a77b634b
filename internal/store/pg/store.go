// Package pg is the optional Postgres ledger backend, for deployments that
// already run Postgres and want the delivery audit trail queryable alongside
// other data. Semantics are identical to the sqlite backend.
package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"qslauto/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS deliveries (
  stable_key        TEXT PRIMARY KEY,
  qso_id            BIGINT NOT NULL,
  postcard_pdf_path TEXT,
  email_message_id  TEXT,
  sent_at           TIMESTAMPTZ,
  attempts          INT NOT NULL DEFAULT 0,
  last_error        TEXT
);
`

type Store struct {
	DB *pgxpool.Pool
}

func New(ctx context.Context, db *pgxpool.Pool) (*Store, error) {
	if _, err := db.Exec(ctx, schema); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

func (s *Store) Get(ctx context.Context, stableKey string) (store.Delivery, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT qso_id, stable_key, COALESCE(postcard_pdf_path,''), COALESCE(email_message_id,''),
		       sent_at, attempts, COALESCE(last_error,'')
		FROM deliveries WHERE stable_key=$1
	`, stableKey)

	var d store.Delivery
	var sentAt *time.Time
	err := row.Scan(&d.QSOID, &d.StableKey, &d.PDFPath, &d.MessageID, &sentAt, &d.Attempts, &d.LastError)
	if err == pgx.ErrNoRows {
		return store.Delivery{}, false, nil
	}
	if err != nil {
		return store.Delivery{}, false, err
	}
	d.SentAt = sentAt
	return d, true, nil
}

func (s *Store) RecordAttempt(ctx context.Context, qsoID int64, stableKey, errMsg string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO deliveries (stable_key, qso_id, attempts, last_error)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (stable_key)
		DO UPDATE SET attempts = deliveries.attempts + 1, last_error = EXCLUDED.last_error
	`, stableKey, qsoID, nullIfEmpty(errMsg))
	return err
}

func (s *Store) RecordSent(ctx context.Context, qsoID int64, stableKey, pdfPath, messageID string, sentAt time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO deliveries (stable_key, qso_id, postcard_pdf_path, email_message_id, sent_at, attempts)
		VALUES ($1, $2, $3, $4, $5, 0)
		ON CONFLICT (stable_key)
		DO UPDATE SET postcard_pdf_path = EXCLUDED.postcard_pdf_path,
		              email_message_id  = EXCLUDED.email_message_id,
		              sent_at           = EXCLUDED.sent_at,
		              last_error        = NULL
	`, stableKey, qsoID, pdfPath, nullIfEmpty(messageID), sentAt.UTC())
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
