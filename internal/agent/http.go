package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	blog "buildline/internal/log"
)

// HTTPAgent posts assignments to a remote agent:
//
//	POST {URL}/assignments            body: Assignment
//	POST {URL}/assignments/{id}/cancel
//
// Transport errors and 5xx responses are retried; 4xx responses are not.
type HTTPAgent struct {
	URL      string
	Token    string
	Client   *http.Client
	Attempts uint
	Delay    time.Duration
	Logger   *slog.Logger
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("agent responded %d: %s", e.code, e.body)
}

func (h HTTPAgent) Start(ctx context.Context, a Assignment) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return h.post(ctx, "/assignments", body)
}

func (h HTTPAgent) Cancel(ctx context.Context, buildID int64) error {
	return h.post(ctx, fmt.Sprintf("/assignments/%d/cancel", buildID), nil)
}

func (h HTTPAgent) post(ctx context.Context, path string, body []byte) error {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	attempts := h.Attempts
	if attempts == 0 {
		attempts = 3
	}
	delay := h.Delay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	url := strings.TrimRight(h.URL, "/") + path
	l := blog.Or(h.Logger, "agent")

	return retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if h.Token != "" {
			req.Header.Set("Authorization", "Bearer "+h.Token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		serr := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
		if resp.StatusCode < 500 {
			return retry.Unrecoverable(serr)
		}
		return serr
	},
		retry.Attempts(attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("agent request failed, retrying", "url", url, "attempt", n+1, "err", err)
		}),
		retry.Context(ctx),
	)
}
