// Package delivery is the best-effort side channel (email, SMS, push
// gateways) told about every mission transition. Failures never affect the
// transition itself.
package delivery

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

	"github.com/google/uuid"

	"missionline/internal/config"
	"missionline/internal/domain"
)

const defaultTimeout = 5 * time.Second

// Notification describes one transition for out-of-band delivery.
type Notification struct {
	Type       string         `json:"type"`
	ActorID    string         `json:"actor_id"`
	Recipients []string       `json:"recipients"`
	Mission    domain.Mission `json:"mission"`
	TS         string         `json:"ts"`
}

type Deliverer interface {
	Deliver(ctx context.Context, n Notification) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Deliver(context.Context, Notification) error { return nil }

// Webhooks posts notifications as JSON to every enabled hook whose filter matches.
type Webhooks struct {
	hooks  []config.WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// New returns Nop when no enabled hook is configured.
func New(cfg *config.Config, logger *slog.Logger) Deliverer {
	if cfg == nil {
		return Nop{}
	}
	var hooks []config.WebhookConfig
	for _, hook := range cfg.Delivery.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		hooks = append(hooks, hook)
	}
	if len(hooks) == 0 {
		return Nop{}
	}
	timeout := defaultTimeout
	if cfg.Delivery.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Delivery.TimeoutSeconds) * time.Second
	}
	return NewWebhooks(hooks, &http.Client{Timeout: timeout}, logger)
}

func NewWebhooks(hooks []config.WebhookConfig, client *http.Client, logger *slog.Logger) *Webhooks {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhooks{hooks: hooks, client: client, logger: logger}
}

func (w *Webhooks) Deliver(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	deliveryID := uuid.NewString()
	var errs []error
	for _, hook := range w.hooks {
		if !newEventFilter(hook.Events).match(n.Type) {
			continue
		}
		if err := w.post(ctx, hook, n.Type, deliveryID, data); err != nil {
			w.logger.Warn("delivery webhook failed", "url", hook.URL, "event", n.Type, "mission_id", n.Mission.ID, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 of body keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *Webhooks) post(ctx context.Context, hook config.WebhookConfig, evtType, deliveryID string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Missionline-Event", evtType)
	req.Header.Set("X-Missionline-Delivery", deliveryID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Missionline-Signature", Sign(hook.Secret, data))
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
