package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"buildline/internal/config"
	"buildline/internal/domain"
	blog "buildline/internal/log"
	"buildline/internal/queue"
	"buildline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	defaultWebhookAttempts = 3
)

// WebhookDispatcher posts recorded events to the webhooks of the current
// pipeline document. Each hook keeps its own cursor; a hook that keeps
// failing stops at the failing event and resumes from it on the next tick.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Webhooks func() []config.Webhook
	Notifier *queue.Notifier
	Client   *http.Client
	Interval time.Duration
	Attempts uint
	Delay    time.Duration
	Logger   *slog.Logger

	mu      sync.Mutex
	cursors map[string]int64
}

func (d *WebhookDispatcher) log() *slog.Logger {
	return blog.Or(d.Logger, "webhooks")
}

// Run delivers events until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	var wake chan struct{}
	if d.Notifier != nil {
		wake = d.Notifier.Subscribe()
		defer d.Notifier.Unsubscribe(wake)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// DispatchAll makes one delivery pass over every configured hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	if d.Webhooks == nil {
		return
	}
	for _, hook := range d.Webhooks() {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.Webhook) {
	cursor, err := d.cursorFor(ctx, hook.URL)
	if err != nil {
		d.log().Error("init webhook cursor", "url", hook.URL, "err", err)
		return
	}
	events, err := d.Repo.ListEvents(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.log().Error("fetch events", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(hook.URL, evt.ID)
			continue
		}
		if err := d.deliver(ctx, hook, evt); err != nil {
			d.log().Warn("webhook delivery failed", "url", hook.URL, "event", evt.ID, "err", err)
			return
		}
		d.setCursor(hook.URL, evt.ID)
	}
}

// cursorFor starts a hook at the newest event so a restart does not replay
// history.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, url string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[string]int64)
	}
	if cur, ok := d.cursors[url]; ok {
		return cur, nil
	}
	cur, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[url] = cur
	return cur, nil
}

func (d *WebhookDispatcher) setCursor(url string, value int64) {
	d.mu.Lock()
	d.cursors[url] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// Signature returns the X-Buildline-Signature value for body.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) deliver(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	attempts := d.Attempts
	if attempts == 0 {
		attempts = defaultWebhookAttempts
	}
	delay := d.Delay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Buildline-Event", evt.Type)
			req.Header.Set("X-Buildline-Delivery", strconv.FormatInt(evt.ID, 10))
			if strings.TrimSpace(hook.Secret) != "" {
				req.Header.Set("X-Buildline-Signature", Signature(hook.Secret, data))
			}
			res, err := client.Do(req)
			if err != nil {
				return err
			}
			defer res.Body.Close()
			if res.StatusCode < 200 || res.StatusCode >= 300 {
				body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
				err := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
				if res.StatusCode < 500 {
					return retry.Unrecoverable(err)
				}
				return err
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
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

// match accepts exact types and prefixes ending in a dot, so "build."
// selects every build event.
func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for key := range f.set {
		if strings.HasSuffix(key, ".") && strings.HasPrefix(evt, key) {
			return true
		}
	}
	return false
}
