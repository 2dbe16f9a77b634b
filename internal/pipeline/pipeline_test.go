package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"qslauto/internal/domain"
	"qslauto/internal/store"
)

type fakeFetcher struct {
	qsos []domain.QSO
}

func (f *fakeFetcher) FetchQSOs(ctx context.Context, since string, limit int) ([]domain.QSO, error) {
	if limit < len(f.qsos) {
		return f.qsos[:limit], nil
	}
	return f.qsos, nil
}

type memLedger struct {
	rows map[string]store.Delivery
}

func newMemLedger() *memLedger { return &memLedger{rows: map[string]store.Delivery{}} }

func (m *memLedger) Get(ctx context.Context, key string) (store.Delivery, bool, error) {
	d, ok := m.rows[key]
	return d, ok, nil
}

func (m *memLedger) RecordAttempt(ctx context.Context, qsoID int64, key, errMsg string) error {
	d := m.rows[key]
	d.QSOID = qsoID
	d.StableKey = key
	d.Attempts++
	d.LastError = errMsg
	m.rows[key] = d
	return nil
}

func (m *memLedger) RecordSent(ctx context.Context, qsoID int64, key, pdfPath, messageID string, sentAt time.Time) error {
	d := m.rows[key]
	d.QSOID = qsoID
	d.StableKey = key
	d.PDFPath = pdfPath
	d.MessageID = messageID
	d.SentAt = &sentAt
	d.LastError = ""
	m.rows[key] = d
	return nil
}

type fakeRenderer struct {
	calls int
}

func (r *fakeRenderer) Render(qso domain.QSO, size string) (string, error) {
	r.calls++
	return fmt.Sprintf("/out/QSL_%s_%s.pdf", qso.Callsign, size), nil
}

type scriptedMailer struct {
	results []domain.SendResult
	fatal   error
	calls   int
}

func (m *scriptedMailer) Send(ctx context.Context, to, subject, body, attachmentPath string) (domain.SendResult, error) {
	if m.fatal != nil {
		return domain.SendResult{}, m.fatal
	}
	i := m.calls
	m.calls++
	if i >= len(m.results) {
		i = len(m.results) - 1
	}
	return m.results[i], nil
}

type recordingSyncer struct {
	calls []int64
}

func (s *recordingSyncer) MarkSent(ctx context.Context, qsoID int64, messageID, pdfPath string) {
	s.calls = append(s.calls, qsoID)
}

func ok(id string) domain.SendResult {
	return domain.SendResult{Success: true, MessageID: id, ThreadID: "thr"}
}

func fail(msg string) domain.SendResult {
	return domain.SendResult{Success: false, Error: msg}
}

func testPipeline(f *fakeFetcher, l Ledger, m Mailer, s Syncer) *Pipeline {
	return &Pipeline{
		Fetcher:    f,
		Ledger:     l,
		Renderer:   &fakeRenderer{},
		Mailer:     m,
		Syncer:     s,
		MaxRetries: 3,
		FromEmail:  "op@example.com",
		Sleep:      func(time.Duration) {},
		Now:        func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
}

func oneQSO() domain.QSO {
	return domain.QSO{
		ID:       1,
		Callsign: "K1ABC",
		When:     time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Band:     "20m",
		Mode:     "SSB",
		EmailTo:  "a@example.com",
	}
}

func TestSendHappyPath(t *testing.T) {
	ledger := newMemLedger()
	sync := &recordingSyncer{}
	p := testPipeline(&fakeFetcher{qsos: []domain.QSO{oneQSO()}}, ledger, &scriptedMailer{results: []domain.SendResult{ok("msg-1")}}, sync)

	rep, err := p.Run(context.Background(), "", 10, "4x6")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Fetched != 1 || rep.Rendered != 1 || rep.Sent != 1 || rep.Skipped != 0 || rep.Errors != 0 {
		t.Fatalf("report = %+v", rep)
	}

	d, found, _ := ledger.Get(context.Background(), oneQSO().StableKey())
	if !found || d.SentAt == nil || d.MessageID != "msg-1" {
		t.Fatalf("ledger row = %+v found=%v", d, found)
	}
	if len(sync.calls) != 1 || sync.calls[0] != 1 {
		t.Fatalf("syncer calls = %v", sync.calls)
	}
}

func TestSecondRunSkipsDelivered(t *testing.T) {
	ledger := newMemLedger()
	mailer := &scriptedMailer{results: []domain.SendResult{ok("msg-1")}}
	p := testPipeline(&fakeFetcher{qsos: []domain.QSO{oneQSO()}}, ledger, mailer, &recordingSyncer{})

	first, err := p.Run(context.Background(), "", 10, "4x6")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := p.Run(context.Background(), "", 10, "4x6")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if second.Skipped != first.Sent {
		t.Fatalf("second run skipped=%d, want %d", second.Skipped, first.Sent)
	}
	if second.Sent != 0 {
		t.Fatalf("second run sent=%d, want 0", second.Sent)
	}
	if mailer.calls != 1 {
		t.Fatalf("mailer called %d times, want 1 (no duplicate emails)", mailer.calls)
	}
}

func TestDryRunNeutrality(t *testing.T) {
	ledger := newMemLedger()
	mailer := &scriptedMailer{results: []domain.SendResult{ok("msg-1")}}
	sync := &recordingSyncer{}
	p := testPipeline(&fakeFetcher{qsos: []domain.QSO{oneQSO()}}, ledger, mailer, sync)
	p.DryRun = true

	for i := 0; i < 3; i++ {
		rep, err := p.Run(context.Background(), "", 10, "4x6")
		if err != nil {
			t.Fatalf("dry run %d: %v", i, err)
		}
		if rep.Fetched != 1 || rep.Rendered != 1 || rep.Prepared != 1 || rep.Sent != 0 {
			t.Fatalf("dry run %d report = %+v", i, rep)
		}
	}
	if len(ledger.rows) != 0 {
		t.Fatalf("dry run persisted state: %v", ledger.rows)
	}
	if mailer.calls != 0 || len(sync.calls) != 0 {
		t.Fatalf("dry run invoked mailer (%d) or syncer (%d)", mailer.calls, len(sync.calls))
	}

	// the same batch afterwards with dry-run off processes every record
	p.DryRun = false
	rep, err := p.Run(context.Background(), "", 10, "4x6")
	if err != nil {
		t.Fatalf("real run: %v", err)
	}
	if rep.Sent != 1 || rep.Skipped != 0 {
		t.Fatalf("real run after dry runs = %+v", rep)
	}
}

func TestRetryBound(t *testing.T) {
	ledger := newMemLedger()
	mailer := &scriptedMailer{results: []domain.SendResult{fail("smtp 550")}}
	var slept []time.Duration
	p := testPipeline(&fakeFetcher{qsos: []domain.QSO{oneQSO()}}, ledger, mailer, &recordingSyncer{})
	p.Sleep = func(d time.Duration) { slept = append(slept, d) }

	rep, err := p.Run(context.Background(), "", 10, "4x6")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if mailer.calls != 3 {
		t.Fatalf("attempted %d sends, want exactly max_retries=3", mailer.calls)
	}
	if rep.Errors != 3 || rep.Sent != 0 {
		t.Fatalf("report = %+v", rep)
	}

	d, found, _ := ledger.Get(context.Background(), oneQSO().StableKey())
	if !found || d.Attempts != 3 || d.LastError != "smtp 550" || d.SentAt != nil {
		t.Fatalf("ledger row = %+v found=%v", d, found)
	}

	// backoff between attempts only: 2 sleeps for 3 attempts
	if len(slept) != 2 || slept[0] != 2*time.Second || slept[1] != 4*time.Second {
		t.Fatalf("sleeps = %v", slept)
	}
}

func TestFailedRecordRetriedNextRun(t *testing.T) {
	ledger := newMemLedger()
	p := testPipeline(&fakeFetcher{qsos: []domain.QSO{oneQSO()}}, ledger, &scriptedMailer{results: []domain.SendResult{fail("down")}}, &recordingSyncer{})

	if _, err := p.Run(context.Background(), "", 10, "4x6"); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// sent_at is still null, so the next run attempts it again from scratch
	p.Mailer = &scriptedMailer{results: []domain.SendResult{ok("msg-2")}}
	rep, err := p.Run(context.Background(), "", 10, "4x6")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if rep.Sent != 1 || rep.Skipped != 0 {
		t.Fatalf("report = %+v", rep)
	}
	d, _, _ := ledger.Get(context.Background(), oneQSO().StableKey())
	if d.SentAt == nil || d.LastError != "" {
		t.Fatalf("ledger row after recovery = %+v", d)
	}
}

func TestTransientThenSuccessWithinRun(t *testing.T) {
	ledger := newMemLedger()
	mailer := &scriptedMailer{results: []domain.SendResult{fail("429"), ok("msg-1")}}
	p := testPipeline(&fakeFetcher{qsos: []domain.QSO{oneQSO()}}, ledger, mailer, &recordingSyncer{})

	rep, err := p.Run(context.Background(), "", 10, "4x6")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Sent != 1 || rep.Errors != 1 {
		t.Fatalf("report = %+v", rep)
	}
	d, _, _ := ledger.Get(context.Background(), oneQSO().StableKey())
	if d.SentAt == nil || d.LastError != "" || d.Attempts != 1 {
		t.Fatalf("ledger row = %+v", d)
	}
}

func TestFatalMailerErrorAbortsRun(t *testing.T) {
	qsos := []domain.QSO{oneQSO(), {ID: 2, Callsign: "W5XY", When: time.Now().UTC(), Band: "40m", Mode: "CW"}}
	mailer := &scriptedMailer{fatal: fmt.Errorf("gmail credentials not configured")}
	p := testPipeline(&fakeFetcher{qsos: qsos}, newMemLedger(), mailer, &recordingSyncer{})

	if _, err := p.Run(context.Background(), "", 10, "4x6"); err == nil {
		t.Fatalf("expected fatal error to abort the run")
	}
}

func TestRecipientFallsBackToFromEmail(t *testing.T) {
	qso := oneQSO()
	qso.EmailTo = ""
	var gotTo string
	mailer := mailerFunc(func(ctx context.Context, to, subject, body, attachmentPath string) (domain.SendResult, error) {
		gotTo = to
		return ok("msg-1"), nil
	})
	p := testPipeline(&fakeFetcher{qsos: []domain.QSO{qso}}, newMemLedger(), mailer, &recordingSyncer{})

	if _, err := p.Run(context.Background(), "", 10, "4x6"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotTo != "op@example.com" {
		t.Fatalf("recipient = %q, want operator fallback", gotTo)
	}
}

type mailerFunc func(ctx context.Context, to, subject, body, attachmentPath string) (domain.SendResult, error)

func (f mailerFunc) Send(ctx context.Context, to, subject, body, attachmentPath string) (domain.SendResult, error) {
	return f(ctx, to, subject, body, attachmentPath)
}

func TestRenderOnlyTouchesNothing(t *testing.T) {
	ledger := newMemLedger()
	mailer := &scriptedMailer{results: []domain.SendResult{ok("msg-1")}}
	p := testPipeline(&fakeFetcher{qsos: []domain.QSO{oneQSO()}}, ledger, mailer, &recordingSyncer{})

	rep, err := p.RenderOnly(context.Background(), "", 10, "4x6")
	if err != nil {
		t.Fatalf("render only: %v", err)
	}
	if rep.Rendered != 1 || rep.Sent != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if mailer.calls != 0 || len(ledger.rows) != 0 {
		t.Fatalf("render-only sent mail or wrote state")
	}
}

func TestBackoffCap(t *testing.T) {
	if got := backoff(1); got != 2*time.Second {
		t.Fatalf("backoff(1) = %v", got)
	}
	if got := backoff(4); got != 16*time.Second {
		t.Fatalf("backoff(4) = %v", got)
	}
	if got := backoff(10); got != 30*time.Second {
		t.Fatalf("backoff(10) = %v, want cap", got)
	}
}
