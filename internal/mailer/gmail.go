// Package mailer sends rendered postcards through the Gmail REST API.
//
// Expected failures (transport, quota, API refusals) come back inside
// domain.SendResult and never as a Go error; the only non-nil error Send can
// return is missing or unreadable OAuth material on the first real send,
// which is a configuration fault the orchestrator treats as fatal.
package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"

	"qslauto/internal/config"
	"qslauto/internal/domain"
	"qslauto/internal/observability"
)

const (
	defaultBaseURL = "https://gmail.googleapis.com"
	gmailSendScope = "https://www.googleapis.com/auth/gmail.send"
)

type Mailer struct {
	DryRun    bool
	FromEmail string
	FromName  string

	ClientSecretPath string
	TokenPath        string
	BaseURL          string

	// Limiter is the token bucket governing outbound sends. It belongs to
	// this instance, not a package global, so runs and tests get their own.
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	// HTTP, when pre-set, skips OAuth entirely (tests, alternative auth).
	// Otherwise it is built lazily from the OAuth files on first real send.
	HTTP *http.Client
}

func New(cfg config.Config) *Mailer {
	perMin := cfg.EmailRateLimitPerMin
	if perMin < 1 {
		perMin = 1
	}
	return &Mailer{
		DryRun:           cfg.DryRun,
		FromEmail:        cfg.FromEmail,
		FromName:         cfg.FromOperatorName,
		ClientSecretPath: cfg.GoogleClientSecretPath,
		TokenPath:        cfg.GoogleTokenPath,
		BaseURL:          defaultBaseURL,
		Limiter:          rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "gmail",
			MaxRequests: 2,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		}),
	}
}

// Send emails the attachment to one recipient. In dry-run it returns success
// immediately with an empty message id and performs no network call, no auth
// load, and no limiter wait. Real sends block on the token bucket.
func (m *Mailer) Send(ctx context.Context, to, subject, body, attachmentPath string) (domain.SendResult, error) {
	if m.DryRun {
		return domain.SendResult{Success: true}, nil
	}

	if err := m.ensureAuth(ctx); err != nil {
		return domain.SendResult{}, err
	}

	if err := m.Limiter.Wait(ctx); err != nil {
		return failed("rate limiter: " + err.Error()), nil
	}

	raw, err := m.buildRaw(to, subject, body, attachmentPath)
	if err != nil {
		return failed("build message: " + err.Error()), nil
	}

	start := time.Now()
	res, err := m.post(ctx, raw)
	if err != nil {
		observability.SendAttempts.WithLabelValues("error").Inc()
		return failed(err.Error()), nil
	}
	observability.SendAttempts.WithLabelValues("ok").Inc()
	observability.SendLatency.Observe(time.Since(start).Seconds())
	return res, nil
}

func failed(msg string) domain.SendResult {
	return domain.SendResult{Success: false, Error: msg}
}

// ensureAuth lazily builds the authorized HTTP client from the client-secret
// and cached-token files. Never called in dry-run.
func (m *Mailer) ensureAuth(ctx context.Context) error {
	if m.HTTP != nil {
		return nil
	}

	secret, err := os.ReadFile(m.ClientSecretPath)
	if err != nil {
		return fmt.Errorf("gmail client secret not configured (%s): %w", m.ClientSecretPath, err)
	}
	conf, err := google.ConfigFromJSON(secret, gmailSendScope)
	if err != nil {
		return fmt.Errorf("parse gmail client secret: %w", err)
	}

	tokBytes, err := os.ReadFile(m.TokenPath)
	if err != nil {
		return fmt.Errorf("gmail token not configured (%s), run the auth flow first: %w", m.TokenPath, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(tokBytes, &tok); err != nil {
		return fmt.Errorf("parse gmail token: %w", err)
	}

	client := conf.Client(ctx, &tok)
	client.Timeout = 30 * time.Second
	m.HTTP = client
	return nil
}

func (m *Mailer) buildRaw(to, subject, body, attachmentPath string) (string, error) {
	b := enmime.Builder().
		From(m.FromName, m.FromEmail).
		To("", to).
		Subject(subject).
		Text([]byte(body))

	if attachmentPath != "" {
		data, err := os.ReadFile(attachmentPath)
		if err != nil {
			return "", fmt.Errorf("read attachment: %w", err)
		}
		b = b.AddAttachment(data, "application/pdf", filepath.Base(attachmentPath))
	}

	part, err := b.Build()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

type gmailSendResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Error    struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (m *Mailer) post(ctx context.Context, raw string) (domain.SendResult, error) {
	call := func() (any, error) {
		payload, _ := json.Marshal(map[string]string{"raw": raw})
		endpoint := m.baseURL() + "/gmail/v1/users/me/messages/send"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := m.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		var out gmailSendResponse
		_ = json.Unmarshal(body, &out)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if out.Error.Message != "" {
				return nil, fmt.Errorf("gmail api %d: %s", resp.StatusCode, out.Error.Message)
			}
			return nil, fmt.Errorf("gmail api returned %d", resp.StatusCode)
		}
		return out, nil
	}

	var res any
	var err error
	if m.Breaker != nil {
		res, err = m.Breaker.Execute(call)
	} else {
		res, err = call()
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.SendResult{}, errors.New("gmail circuit open, backing off")
	}
	if err != nil {
		return domain.SendResult{}, err
	}

	out := res.(gmailSendResponse)
	return domain.SendResult{Success: true, MessageID: out.ID, ThreadID: out.ThreadID}, nil
}

func (m *Mailer) baseURL() string {
	if m.BaseURL == "" {
		return defaultBaseURL
	}
	return m.BaseURL
}
