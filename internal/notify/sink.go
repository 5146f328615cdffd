package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"journeyline/internal/config"
)

const DefaultWebhookTimeout = 5 * time.Second

type EntityRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Notification is a message for a human, handed to a Sink. The engine never
// talks to end-user channels directly.
type Notification struct {
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Related   EntityRef `json:"related"`
}

type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// LogSink writes notifications to a structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Send(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		slog.String("recipient", n.Recipient),
		slog.String("subject", n.Subject),
		slog.String("related_kind", n.Related.Kind),
		slog.String("related_id", n.Related.ID))
	return nil
}

// WebhookSink posts notifications as JSON to a webhook.
type WebhookSink struct {
	Hook   config.WebhookConfig
	Client *http.Client
}

func (s WebhookSink) Send(ctx context.Context, n Notification) error {
	return PostJSON(ctx, s.Client, s.Hook, map[string]string{"X-Journeyline-Notification": n.Subject}, n)
}

// Sinks sends to every sink and joins their errors.
type Sinks []Sink

func (ss Sinks) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range ss {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SignatureHeader carries the HMAC-SHA256 of the request body keyed by the
// hook secret.
const SignatureHeader = "X-Journeyline-Signature"

// Sign returns the SignatureHeader value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// PostJSON delivers body to hook and treats any non-2xx answer as failure.
func PostJSON(ctx context.Context, client *http.Client, hook config.WebhookConfig, headers map[string]string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := DefaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	if client == nil || client.Timeout != timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// FromConfig builds the sink and publisher chains described by cfg. The log
// sink is always present; webhooks marked notify receive notifications and
// Redis receives events when an address is configured.
func FromConfig(cfg *config.Config, logger *slog.Logger) (Sink, Publisher, func() error) {
	sinks := Sinks{LogSink{Logger: logger}}
	client := &http.Client{Timeout: DefaultWebhookTimeout}
	for _, hook := range cfg.Notifications.Webhooks {
		if !hook.Notify || (hook.Enabled != nil && !*hook.Enabled) {
			continue
		}
		sinks = append(sinks, WebhookSink{Hook: hook, Client: client})
	}
	pubs := Publishers{}
	closer := func() error { return nil }
	if r := cfg.Notifications.Redis; strings.TrimSpace(r.Addr) != "" {
		rp := NewRedisPublisher(r.Addr, r.Password, r.DB, r.Channel)
		pubs = append(pubs, rp)
		closer = rp.Close
	}
	return sinks, pubs, closer
}
