package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/MrWong99/hostline/internal/observe"
)

// Notification is the JSON body posted to the tenant webhook after a booking.
// It holds identifiers and values only, never call-scoped objects.
type Notification struct {
	Event         string    `json:"event"`
	TenantID      string    `json:"tenant_id"`
	CallID        string    `json:"call_id"`
	ReservationID string    `json:"reservation_id"`
	Date          string    `json:"date"`
	Time          string    `json:"time"`
	PartySize     int       `json:"party_size"`
	Name          string    `json:"name,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// EventReservationCreated is the [Notification.Event] of a new booking.
const EventReservationCreated = "reservation.created"

// NotifierConfig configures a [Notifier].
type NotifierConfig struct {
	// URL receives the POST. An empty URL disables notifications.
	URL string

	// MaxAttempts is the total number of tries. Default 4.
	MaxAttempts int

	// BaseBackoff is the first retry delay, doubled per retry. Default 500ms.
	BaseBackoff time.Duration

	// MaxBackoff caps a single delay. Default 10s.
	MaxBackoff time.Duration

	// Timeout bounds the whole dispatch including retries. Default 30s.
	Timeout time.Duration
}

func (c NotifierConfig) withDefaults() NotifierConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// NotifierOption configures a [Notifier].
type NotifierOption func(*Notifier)

// WithHTTPClient sets the HTTP client used for posting.
func WithHTTPClient(c *http.Client) NotifierOption {
	return func(n *Notifier) {
		n.client = c
	}
}

// WithNotifierMetrics records dropped notifications.
func WithNotifierMetrics(m *observe.Metrics) NotifierOption {
	return func(n *Notifier) {
		n.metrics = m
	}
}

// Notifier posts notifications in the background. Server errors and network
// failures are retried with exponential backoff; client errors are not.
type Notifier struct {
	cfg     NotifierConfig
	client  *http.Client
	metrics *observe.Metrics
	wg      sync.WaitGroup
}

// NewNotifier creates a Notifier.
func NewNotifier(cfg NotifierConfig, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		cfg:    cfg.withDefaults(),
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Dispatch sends msg on a detached goroutine. It returns immediately; the
// call that triggered it may end before delivery.
func (n *Notifier) Dispatch(msg Notification) {
	if n.cfg.URL == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
		defer cancel()
		if err := n.Send(ctx, msg); err != nil {
			slog.Warn("worker: notification dropped", "call_id", msg.CallID, "tenant_id", msg.TenantID, "err", err)
			if n.metrics != nil {
				n.metrics.RecordDroppedWrite(ctx, "notification")
			}
		}
	}()
}

// Send posts msg and retries until it is accepted, a client error occurs,
// or attempts run out.
func (n *Notifier) Send(ctx context.Context, msg Notification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("worker: marshal notification: %w", err)
	}

	b := retry.NewExponential(n.cfg.BaseBackoff)
	b = retry.WithCappedDuration(n.cfg.MaxBackoff, b)
	b = retry.WithMaxRetries(uint64(n.cfg.MaxAttempts-1), b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		return n.post(ctx, body)
	})
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("worker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("worker: post notification: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 500:
		return retry.RetryableError(fmt.Errorf("worker: notification rejected: %s", resp.Status))
	case resp.StatusCode >= 400:
		return fmt.Errorf("worker: notification rejected: %s", resp.Status)
	}
	return nil
}

// Wait blocks until all dispatched notifications finished or ctx expires.
func (n *Notifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
