// Package webhook delivers protocol events to the externally configured HTTP
// consumer. Delivery is best-effort: bounded retries with exponential backoff,
// then the event is dropped with a logged terminal failure.
package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Event names recognized by the consumer.
const (
	EventQRCodeUpdated    = "qrcode.updated"
	EventConnectionUpdate = "connection.update"
	EventMessagesUpsert   = "messages.upsert"
	EventMessagesUpdate   = "messages.update"
	EventPresenceUpdate   = "presence.update"
)

// Envelope is the wire format: one JSON object per POST.
type Envelope struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

type Config struct {
	// URL is the initial endpoint; empty means deliveries are no-ops until
	// one is configured at runtime.
	URL string
	// RetryBackoff holds the waits before each retry. Defaults to 1s/2s/4s.
	RetryBackoff []time.Duration
	// Timeout bounds a single POST attempt.
	Timeout time.Duration
}

type Dispatcher struct {
	logger  *log.Logger
	client  *resty.Client
	backoff []time.Duration

	mu  sync.RWMutex
	url string
}

func NewDispatcher(logger *log.Logger, cfg Config) *Dispatcher {
	backoff := cfg.RetryBackoff
	if backoff == nil {
		backoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))

	return &Dispatcher{
		logger:  logger,
		client:  client,
		backoff: backoff,
		url:     cfg.URL,
	}
}

// SetURL replaces the configured endpoint. An empty URL disables delivery.
func (d *Dispatcher) SetURL(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.url = url
}

func (d *Dispatcher) URL() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.url
}

// Deliver POSTs one event envelope to the configured endpoint, retrying on
// failure with the configured backoff. Retries of a single event are strictly
// sequential. Exhausting the retries drops the event; the terminal failure is
// logged, never returned to the protocol-event producer.
func (d *Dispatcher) Deliver(ctx context.Context, event string, data interface{}) {
	url := d.URL()
	if url == "" {
		d.logger.Debug("No webhook configured, dropping event", "event", event)
		return
	}

	envelope := Envelope{
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var lastErr error
	attempts := len(d.backoff) + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := d.backoff[attempt-1]
			d.logger.Warn("Webhook delivery failed, retrying",
				"event", event, "attempt", attempt, "wait", wait, "error", lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				d.logger.Warn("Webhook delivery canceled", "event", event, "error", ctx.Err())
				return
			}
		}

		lastErr = d.post(ctx, url, envelope)
		if lastErr == nil {
			d.logger.Debug("Webhook delivered", "event", event, "url", url)
			return
		}
	}

	d.logger.Error("Webhook delivery failed permanently, dropping event",
		"event", event, "url", url, "attempts", attempts, "error", lastErr)
}

func (d *Dispatcher) post(ctx context.Context, url string, envelope Envelope) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(envelope).
		Post(url)
	if err != nil {
		return errors.Wrap(err, "posting webhook")
	}
	if resp.IsError() {
		return errors.Errorf("webhook endpoint returned %s", resp.Status())
	}
	return nil
}
