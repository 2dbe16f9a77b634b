package store

import (
	"context"
	"time"
)

// Delivery is the pipeline's own bookkeeping for one stable key. Rows are
// created on the first attempt (failed or successful), updated in place
// afterwards, and never deleted: the table doubles as the audit trail.
type Delivery struct {
	QSOID     int64
	StableKey string
	PDFPath   string
	MessageID string
	SentAt    *time.Time // non-nil means delivered; such a row is never re-sent
	Attempts  int
	LastError string
}

// Ledger is the durable stable-key -> Delivery mapping. Implementations
// assume a single writer; every operation is one atomic transaction.
type Ledger interface {
	Get(ctx context.Context, stableKey string) (Delivery, bool, error)
	RecordAttempt(ctx context.Context, qsoID int64, stableKey, errMsg string) error
	RecordSent(ctx context.Context, qsoID int64, stableKey, pdfPath, messageID string, sentAt time.Time) error
	Close() error
}
