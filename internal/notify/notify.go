// Package notify delivers deal transition events to interested parties.
//
// Delivery is strictly fire-and-forget: the state machine never waits
// on a notification, and a sink that fails only logs. Accounts can
// register webhook URLs to receive signed event payloads.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nvoskov/garant/internal/idgen"
	"github.com/nvoskov/garant/internal/logging"
	"github.com/nvoskov/garant/internal/retry"
)

// Delivery retry policy. 4xx responses are permanent: the receiver
// rejected the payload and a replay will not change that.
const (
	deliveryAttempts  = 3
	deliveryBaseDelay = 2 * time.Second
)

// Event is a notification delivered to an account.
type Event struct {
	ID        string         `json:"id"`
	AccountID string         `json:"accountId"`
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is a webhook registration for one account.
type Subscription struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"accountId"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"`     // HMAC signing key
	Kinds       []string   `json:"kinds"` // empty = all kinds
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

func (s *Subscription) wants(kind string) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByAccount(ctx context.Context, accountID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher implements the notification sink over webhooks. It
// satisfies the deal service's Notifier contract.
type Dispatcher struct {
	store     Store
	client    *http.Client
	wg        sync.WaitGroup
	attempts  int
	baseDelay time.Duration
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		attempts:  deliveryAttempts,
		baseDelay: deliveryBaseDelay,
	}
}

// Notify delivers an event to every active subscription the account
// holds. Delivery runs in the background and failures never propagate
// to the caller.
func (d *Dispatcher) Notify(ctx context.Context, accountID, eventKind string, payload map[string]any) {
	subs, err := d.store.GetByAccount(ctx, accountID)
	if err != nil {
		logging.L(ctx).Warn("failed to load webhook subscriptions",
			"account", accountID, "event", eventKind, "error", err)
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		AccountID: accountID,
		Kind:      eventKind,
		Timestamp: time.Now(),
		Data:      payload,
	}

	for _, sub := range subs {
		if !sub.Active || !sub.wants(eventKind) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			// Detached context: the request that triggered the event
			// must not cancel the delivery mid-flight.
			d.send(context.Background(), sub, event)
		}(sub)
	}
}

// Wait blocks until all in-flight deliveries finish. Used in shutdown
// and tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, d.attempts, d.baseDelay, func() error {
		return d.deliver(ctx, sub, event, payload)
	})
	if err != nil {
		d.updateError(ctx, sub, err.Error())
		return
	}
	d.updateSuccess(ctx, sub)
}

// deliver performs one HTTP delivery attempt.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Garant-Event", event.Kind)
	req.Header.Set("X-Garant-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	if sub.Secret != "" {
		req.Header.Set("X-Garant-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 signature receivers use to verify
// payload authenticity.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		logging.L(ctx).Warn("failed to record webhook success", "subscription", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	logging.L(ctx).Warn("webhook delivery failed", "subscription", sub.ID, "url", sub.URL, "error", errMsg)
	if err := d.store.Update(ctx, sub); err != nil {
		logging.L(ctx).Warn("failed to record webhook failure", "subscription", sub.ID, "error", err)
	}
}
