// Package syncer reports final delivery status back to the Source Connector
// so the upstream log can flag the QSO as fulfilled. It runs only after a
// real successful send has been persisted locally: a crash between local
// persist and this push leaves at most a missing upstream flag, never a
// duplicate send.
package syncer

import (
	"context"
	"log/slog"
	"time"

	"qslauto/internal/connector"
)

type Syncer struct {
	Connector *connector.Client
	Now       func() time.Time
}

func New(c *connector.Client) *Syncer {
	return &Syncer{Connector: c, Now: time.Now}
}

// MarkSent is fire-and-forget: the connector client retries transient
// failures, and a final failure is logged and swallowed. The next upstream
// reconciliation can repair a missing flag; nothing downstream depends on it.
func (s *Syncer) MarkSent(ctx context.Context, qsoID int64, messageID, pdfPath string) {
	upd := connector.StatusUpdate{
		QSLSentFlag:    true,
		QSLSentAt:      s.Now().UTC(),
		EmailMessageID: messageID,
		PostcardRef:    pdfPath,
	}
	if err := s.Connector.UpdateStatus(ctx, qsoID, upd); err != nil {
		slog.Warn("status sync failed", "qso_id", qsoID, "err", err)
	}
}
