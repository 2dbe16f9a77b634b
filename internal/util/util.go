package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewRunID labels one pipeline run in logs and reports. ULIDs sort by time,
// which keeps run logs grep-able in order.
func NewRunID() string {
	t := time.Now().UTC()
	return "run_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
