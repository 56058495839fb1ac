// Package slack delivers job failure notifications to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/retry"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL   string
	Channel      string
	Username     string
	Timeout      time.Duration
	RetryLimit   int
	Client       *http.Client
	JobURLPrefix string
	// Clock drives the pause between delivery attempts. Nil uses the real clock.
	Clock quartz.Clock
}

// Client delivers job failure notifications to a Slack webhook.
type Client struct {
	webhookURL   string
	channel      string
	username     string
	jobURLPrefix string
	policy       retry.Policy
	client       *http.Client
	clock        quartz.Clock
}

var _ notify.Sink = (*Client)(nil)

// NewClient builds a Slack webhook client. Callers should pass a validated config.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	return &Client{
		webhookURL:   webhookURL,
		channel:      strings.TrimSpace(cfg.Channel),
		username:     fallbackString(strings.TrimSpace(cfg.Username), "tripcore"),
		jobURLPrefix: strings.TrimSpace(cfg.JobURLPrefix),
		policy: retry.Policy{
			BaseDelay:  200 * time.Millisecond,
			MaxDelay:   2 * time.Second,
			MaxRetries: max(cfg.RetryLimit, 0) + 1,
		},
		client: hc,
		clock:  clock,
	}, nil
}

// SendJobFailure posts a formatted message to Slack, retrying 5xx and transport errors.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.formatMessage(payload))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxRetries; attempt++ {
		lastErr = c.post(ctx, body)
		if lastErr == nil || retry.IsTerminal(lastErr) || attempt == c.policy.MaxRetries {
			break
		}
		if err := c.wait(ctx, c.policy.Delay(attempt, 0)); err != nil {
			return err
		}
	}
	return lastErr
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	timer := c.clock.NewTimer(d, "slack", "backoff")
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) formatMessage(payload notify.JobFailurePayload) map[string]any {
	timestamp := payload.OccurredAt
	if timestamp.IsZero() {
		timestamp = c.clock.Now()
	}
	text := strings.Builder{}
	c.writeHeader(&text, payload)
	appendDetails(&text, payload)
	appendMetadata(&text, payload.Metadata)
	writeTimestamp(&text, timestamp)

	msg := map[string]any{
		"text":     text.String(),
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

func fallbackString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return statusError{code: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
}

// statusError marks 4xx other than 429 as non-retryable.
type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	return fmt.Sprintf("slack webhook %d: %s", e.code, e.body)
}

func (e statusError) Retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

func (c *Client) writeHeader(text *strings.Builder, payload notify.JobFailurePayload) {
	text.WriteString("*Job failed*")
	if payload.JobID != "" {
		if link := c.jobLink(payload.JobID); link != "" {
			fmt.Fprintf(text, " <%s|%s>", link, escapeText(payload.JobID))
		} else {
			text.WriteString(" `" + payload.JobID + "`")
		}
	}
	if payload.JobType != "" {
		text.WriteString(" (" + payload.JobType + ")")
	}
	text.WriteByte('\n')
}

func appendDetails(text *strings.Builder, payload notify.JobFailurePayload) {
	var retries string
	if payload.MaxRetries > 0 {
		retries = strconv.Itoa(payload.RetryCount) + "/" + strconv.Itoa(payload.MaxRetries)
	}
	fields := []struct {
		label string
		value string
	}{
		{"Severity", fallbackString(payload.Severity, notify.SeverityCritical)},
		{"Retries", retries},
		{"Error class", payload.ErrorClass},
		{"Error", escapeText(payload.Error)},
	}

	for _, field := range fields {
		appendField(text, field.label, field.value)
	}
}

func escapeText(value string) string {
	if value == "" {
		return ""
	}
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	).Replace(value)
}

func (c *Client) jobLink(jobID string) string {
	if c.jobURLPrefix == "" {
		return ""
	}
	u, err := url.Parse(c.jobURLPrefix)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	link, err := url.JoinPath(u.String(), jobID)
	if err != nil {
		return ""
	}
	return link
}

func appendField(text *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	text.WriteString("• " + label + ": " + value + "\n")
}

func appendMetadata(text *strings.Builder, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	text.WriteString("• Metadata:\n")
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		text.WriteString("    • " + k + ": " + metadata[k] + "\n")
	}
}

func writeTimestamp(text *strings.Builder, timestamp time.Time) {
	text.WriteString("• Timestamp: ")
	text.WriteString(timestamp.UTC().Format(time.RFC3339))
}
