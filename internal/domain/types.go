package domain

import (
	"errors"
	"strings"
	"time"
)

// QSO is one logged amateur-radio contact as fetched from the Source
// Connector. Read-only from the pipeline's perspective.
type QSO struct {
	ID       int64     `json:"id"`
	Callsign string    `json:"callsign"`
	When     time.Time `json:"qso_datetime"`
	Band     string    `json:"band"`
	Mode     string    `json:"mode"`
	RSTSent  string    `json:"rst_sent"`
	RSTRecv  string    `json:"rst_recv"`

	OperatorName string `json:"operator_name,omitempty"`
	QTH          string `json:"qth,omitempty"`
	Grid         string `json:"grid,omitempty"`
	Notes        string `json:"notes,omitempty"`
	EmailTo      string `json:"email_to,omitempty"`
}

var ErrInvalidQSO = errors.New("qso missing callsign or datetime")

func (q QSO) Validate() error {
	if strings.TrimSpace(q.Callsign) == "" || q.When.IsZero() {
		return ErrInvalidQSO
	}
	return nil
}

// StableKey is the unit of deduplication. It is a pure function of the four
// immutable contact fields, so two fetches of the same contact always agree
// even if the source's numeric id changes across systems.
func (q QSO) StableKey() string {
	return strings.Join([]string{
		q.Callsign,
		q.When.UTC().Format(time.RFC3339),
		q.Band,
		q.Mode,
	}, "|")
}

// SendResult is the mailer's structured outcome. Expected failures (auth
// refused, transport error, quota) come back as Success=false with Error
// set; they are never surfaced as a Go error.
type SendResult struct {
	Success   bool
	MessageID string
	ThreadID  string
	Error     string
}

// RecordState labels where a QSO ended up within one run.
type RecordState string

const (
	StateSkipped  RecordState = "skipped"
	StateRendered RecordState = "rendered"
	StatePrepared RecordState = "prepared"
	StateSent     RecordState = "sent"
	StateFailed   RecordState = "failed"
)
