package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/use-agent/fusion/config"
	"github.com/use-agent/fusion/models"
)

// EventTaskSettled is sent once per task when its feed settles.
const EventTaskSettled = "task.settled"

// SignatureHeader carries "sha256=<hex>" of the body when a secret is set.
const SignatureHeader = "X-Fusion-Signature"

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type      string      `json:"type"`
	TaskID    string      `json:"task_id"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver sends a webhook event synchronously.
func Deliver(ctx context.Context, client *http.Client, url, secret string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Fusion-Webhook/1.0")
	if secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Notifier delivers settle events in the background with retries.
type Notifier struct {
	url     string
	secret  string
	timeout time.Duration
	delays  []time.Duration
	client  *http.Client

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New returns a notifier, or nil when no URL is configured. A nil notifier
// ignores every call.
func New(cfg config.WebhookConfig) *Notifier {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Retry intervals: 1s, 5s, 30s.
	backoff := []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}
	delays := []time.Duration{0}
	for i := 0; i < cfg.Retries; i++ {
		delays = append(delays, backoff[min(i, len(backoff)-1)])
	}
	return &Notifier{
		url:     cfg.URL,
		secret:  cfg.Secret,
		timeout: timeout,
		delays:  delays,
		client:  &http.Client{Timeout: timeout},
		done:    make(chan struct{}),
	}
}

// Settled queues a task.settled event carrying the feed.
func (n *Notifier) Settled(feed models.Feed) {
	if n == nil {
		return
	}
	n.send(&Event{
		Type:      EventTaskSettled,
		TaskID:    feed.TaskID,
		Timestamp: time.Now().Unix(),
		Data:      feed,
	})
}

func (n *Notifier) send(event *Event) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for attempt, delay := range n.delays {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-n.done:
					return
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			err := Deliver(ctx, n.client, n.url, n.secret, event)
			cancel()
			if err == nil {
				slog.Info("webhook delivered",
					"url", n.url,
					"event", event.Type,
					"task", event.TaskID,
					"attempt", attempt+1,
				)
				return
			}
			slog.Warn("webhook delivery failed",
				"url", n.url,
				"event", event.Type,
				"task", event.TaskID,
				"attempt", attempt+1,
				"error", err,
			)
		}
		slog.Error("webhook delivery exhausted all retries",
			"url", n.url,
			"event", event.Type,
			"task", event.TaskID,
		)
	}()
}

// Close abandons pending retries and waits for in-flight deliveries.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.once.Do(func() { close(n.done) })
	n.wg.Wait()
}
