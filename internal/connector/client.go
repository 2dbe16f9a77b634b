// Package connector talks to the Source Connector, the external HTTP service
// that owns the QSO log. The pipeline only consumes its two documented
// endpoints: a paginated QSO listing and a per-QSO status callback.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"qslauto/internal/domain"
	"qslauto/internal/observability"
)

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	// Backoff delays between whole-call retries. Overridable in tests.
	Backoff []time.Duration
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Backoff: []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second},
	}
}

type qsoPage struct {
	Items []domain.QSO `json:"items"`
}

// StatusUpdate is the payload for POST /qsos/{id}/status.
type StatusUpdate struct {
	QSLSentFlag    bool      `json:"qsl_sent_flag"`
	QSLSentAt      time.Time `json:"qsl_sent_at"`
	EmailMessageID string    `json:"email_message_id,omitempty"`
	PostcardRef    string    `json:"postcard_ref,omitempty"`
}

// FetchQSOs returns one bounded page of normalized QSO records. The whole
// call is retried on transient failures; exhausting the retries yields an
// empty page and a nil error, so an upstream outage produces zero work items
// for the run instead of crashing it. Malformed items are dropped with a log
// line.
func (c *Client) FetchQSOs(ctx context.Context, since string, limit int) ([]domain.QSO, error) {
	u, err := url.Parse(c.BaseURL + "/qsos")
	if err != nil {
		return nil, fmt.Errorf("connector base url: %w", err)
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	if since != "" {
		q.Set("since", since)
	}
	u.RawQuery = q.Encode()

	var lastErr error
	for attempt := 0; attempt <= len(c.Backoff); attempt++ {
		if attempt > 0 {
			sleepCtx(ctx, c.Backoff[attempt-1])
		}

		page, status, err := c.getPage(ctx, u.String())
		if err == nil {
			observability.ConnectorFetch.WithLabelValues("ok").Inc()
			return c.normalize(page.Items), nil
		}
		lastErr = err
		if !shouldRetry(err, status) {
			break
		}
		slog.Warn("connector fetch failed, retrying", "attempt", attempt+1, "err", err)
	}

	observability.ConnectorFetch.WithLabelValues("unavailable").Inc()
	slog.Warn("connector unavailable, treating run as empty", "err", lastErr)
	return nil, nil
}

func (c *Client) getPage(ctx context.Context, rawURL string) (qsoPage, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return qsoPage{}, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return qsoPage{}, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return qsoPage{}, resp.StatusCode, fmt.Errorf("connector returned %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}

	var page qsoPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return qsoPage{}, resp.StatusCode, fmt.Errorf("decode qso page: %w", err)
	}
	return page, resp.StatusCode, nil
}

func (c *Client) normalize(items []domain.QSO) []domain.QSO {
	out := items[:0]
	for _, q := range items {
		if err := q.Validate(); err != nil {
			slog.Warn("dropping malformed qso", "id", q.ID, "err", err)
			continue
		}
		q.When = q.When.UTC()
		out = append(out, q)
	}
	return out
}

// UpdateStatus pushes a delivery status back to the connector, with the same
// bounded retry as the fetch path. The caller decides whether a final
// failure matters; for the syncer it is logged and swallowed.
func (c *Client) UpdateStatus(ctx context.Context, qsoID int64, upd StatusUpdate) error {
	body, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/qsos/%d/status", c.BaseURL, qsoID)

	var lastErr error
	for attempt := 0; attempt <= len(c.Backoff); attempt++ {
		if attempt > 0 {
			sleepCtx(ctx, c.Backoff[attempt-1])
		}

		status, err := c.postStatus(ctx, endpoint, body)
		if err == nil {
			observability.StatusSync.WithLabelValues("ok").Inc()
			return nil
		}
		lastErr = err
		if !shouldRetry(err, status) {
			break
		}
	}
	observability.StatusSync.WithLabelValues("error").Inc()
	return lastErr
}

func (c *Client) postStatus(ctx context.Context, endpoint string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("status update returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// shouldRetry classifies transport-level failures. Connection errors and
// timeouts are transient; 4xx responses other than 408/429 are not.
func shouldRetry(err error, httpStatus int) bool {
	if httpStatus == 0 {
		if errors.Is(err, context.Canceled) {
			return false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		// connection refused, reset, DNS failure
		var oe *net.OpError
		return errors.As(err, &oe)
	}
	if httpStatus == http.StatusTooManyRequests || httpStatus == http.StatusRequestTimeout {
		return true
	}
	return httpStatus >= 500 && httpStatus <= 599
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
