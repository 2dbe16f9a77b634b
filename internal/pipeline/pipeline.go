// Package pipeline drives one fulfillment run: fetch, dedupe against the
// ledger, render, send, persist, sync back. Records are processed strictly
// sequentially; the limiter, the ledger and the backoff logic all assume a
// single flight.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"qslauto/internal/domain"
	"qslauto/internal/observability"
	"qslauto/internal/store"
)

type Fetcher interface {
	FetchQSOs(ctx context.Context, since string, limit int) ([]domain.QSO, error)
}

type Ledger interface {
	Get(ctx context.Context, stableKey string) (store.Delivery, bool, error)
	RecordAttempt(ctx context.Context, qsoID int64, stableKey, errMsg string) error
	RecordSent(ctx context.Context, qsoID int64, stableKey, pdfPath, messageID string, sentAt time.Time) error
}

type Renderer interface {
	Render(qso domain.QSO, size string) (string, error)
}

type Mailer interface {
	Send(ctx context.Context, to, subject, body, attachmentPath string) (domain.SendResult, error)
}

type Syncer interface {
	MarkSent(ctx context.Context, qsoID int64, messageID, pdfPath string)
}

type Pipeline struct {
	Fetcher  Fetcher
	Ledger   Ledger
	Renderer Renderer
	Mailer   Mailer
	Syncer   Syncer

	DryRun     bool
	MaxRetries int
	FromEmail  string // fallback recipient when the QSO carries no address

	// Sleep is the backoff wait between send attempts. Tests inject a no-op.
	Sleep func(time.Duration)
	Now   func() time.Time
}

// Report is the end-of-run summary. Non-zero Errors means "re-run" (the run
// is idempotent), not "investigate urgently".
type Report struct {
	Fetched  int
	Rendered int
	Prepared int
	Sent     int
	Skipped  int
	Errors   int
}

func (r Report) String() string {
	return fmt.Sprintf("fetched=%d rendered=%d prepared=%d sent=%d skipped=%d errors=%d",
		r.Fetched, r.Rendered, r.Prepared, r.Sent, r.Skipped, r.Errors)
}

const maxBackoff = 30 * time.Second

// backoff is the wait before the next attempt: min(2^attempt, 30) seconds.
// The cap keeps one stuck record from stalling the batch indefinitely.
func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Run executes the full pipeline over one fetched page.
//
// Per-record states: FETCHED -> SKIPPED | RENDERED -> PREPARED (dry-run) |
// SENDING -> SENT | FAILED...FAILED_FINAL. Only a configuration fault from
// the mailer aborts the run; everything else is counted and carried on.
func (p *Pipeline) Run(ctx context.Context, since string, limit int, size string) (Report, error) {
	var rep Report

	qsos, err := p.Fetcher.FetchQSOs(ctx, since, limit)
	if err != nil {
		return rep, fmt.Errorf("fetch qsos: %w", err)
	}

	for _, qso := range qsos {
		rep.Fetched++
		key := qso.StableKey()

		existing, found, err := p.Ledger.Get(ctx, key)
		if err != nil {
			return rep, fmt.Errorf("ledger get %s: %w", key, err)
		}
		if found && existing.SentAt != nil {
			rep.Skipped++
			observability.Records.WithLabelValues(string(domain.StateSkipped)).Inc()
			slog.Debug("already delivered, skipping", "key", key, "sent_at", existing.SentAt)
			continue
		}

		pdfPath, err := p.Renderer.Render(qso, size)
		if err != nil {
			// disk-level failure, not the PDF backend (that degrades inside
			// the renderer); count it and move on
			rep.Errors++
			observability.Records.WithLabelValues(string(domain.StateFailed)).Inc()
			slog.Error("render failed", "key", key, "err", err)
			continue
		}
		rep.Rendered++

		if p.DryRun {
			// rendered but deliberately not sent and not persisted, so a
			// later real run still processes this record
			rep.Prepared++
			observability.Records.WithLabelValues(string(domain.StatePrepared)).Inc()
			continue
		}

		sent, err := p.sendWithRetry(ctx, qso, key, pdfPath, &rep)
		if err != nil {
			return rep, err
		}
		if sent {
			rep.Sent++
			observability.Records.WithLabelValues(string(domain.StateSent)).Inc()
		} else {
			observability.Records.WithLabelValues(string(domain.StateFailed)).Inc()
			slog.Warn("delivery failed after retries", "key", key, "max_retries", p.MaxRetries)
		}
	}

	slog.Info("run complete", "report", rep.String(), "dry_run", p.DryRun)
	return rep, nil
}

// sendWithRetry attempts delivery up to MaxRetries times. Each failure is
// persisted before the backoff sleep so a kill mid-run loses no bookkeeping.
// A non-nil error aborts the whole run (configuration fault in the mailer).
func (p *Pipeline) sendWithRetry(ctx context.Context, qso domain.QSO, key, pdfPath string, rep *Report) (bool, error) {
	to := qso.EmailTo
	if to == "" {
		to = p.FromEmail
	}
	subject := "QSL Confirmation - " + qso.Callsign
	body := "See attached postcard."

	retries := p.MaxRetries
	if retries <= 0 {
		retries = 3
	}

	for attempt := 1; attempt <= retries; attempt++ {
		res, err := p.Mailer.Send(ctx, to, subject, body, pdfPath)
		if err != nil {
			return false, fmt.Errorf("mailer: %w", err)
		}

		if res.Success {
			sentAt := p.Now().UTC()
			if err := p.Ledger.RecordSent(ctx, qso.ID, key, pdfPath, res.MessageID, sentAt); err != nil {
				return false, fmt.Errorf("ledger record sent %s: %w", key, err)
			}
			// sync-back strictly after local durability
			p.Syncer.MarkSent(ctx, qso.ID, res.MessageID, pdfPath)
			return true, nil
		}

		rep.Errors++
		if err := p.Ledger.RecordAttempt(ctx, qso.ID, key, res.Error); err != nil {
			return false, fmt.Errorf("ledger record attempt %s: %w", key, err)
		}
		slog.Warn("send attempt failed", "key", key, "attempt", attempt, "err", res.Error)

		if attempt < retries {
			p.Sleep(backoff(attempt))
		}
	}
	return false, nil
}

// RenderOnly renders pending postcards without sending anything or touching
// the ledger. Backs the `render` CLI command.
func (p *Pipeline) RenderOnly(ctx context.Context, since string, limit int, size string) (Report, error) {
	var rep Report

	qsos, err := p.Fetcher.FetchQSOs(ctx, since, limit)
	if err != nil {
		return rep, fmt.Errorf("fetch qsos: %w", err)
	}

	for _, qso := range qsos {
		rep.Fetched++
		key := qso.StableKey()

		existing, found, err := p.Ledger.Get(ctx, key)
		if err != nil {
			return rep, fmt.Errorf("ledger get %s: %w", key, err)
		}
		if found && existing.SentAt != nil {
			rep.Skipped++
			continue
		}

		path, err := p.Renderer.Render(qso, size)
		if err != nil {
			rep.Errors++
			slog.Error("render failed", "key", key, "err", err)
			continue
		}
		rep.Rendered++
		slog.Info("rendered", "key", key, "path", path)
	}
	return rep, nil
}
