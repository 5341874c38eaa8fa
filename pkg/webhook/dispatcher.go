// Package webhook implements the WebhookDispatcher component (spec.md
// §4.9): signs and delivers the events pkg/store enqueues, retrying
// failed deliveries on a fixed backoff schedule until they either
// succeed or exhaust their attempt budget.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"cipherpay.dev/cipherpay-core/pkg/corelog"
	"cipherpay.dev/cipherpay-core/pkg/store"
)

var log = corelog.For("webhook")

// backoffSchedule is the fixed retry ladder from spec.md §4.9:
// 1 minute, 5 minutes, 25 minutes, 2 hours, 10 hours.
var backoffSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	25 * time.Minute,
	2 * time.Hour,
	10 * time.Hour,
}

const (
	signatureHeader = "X-CipherPay-Signature"
	timestampHeader = "X-CipherPay-Timestamp"
)

// Store is the slice of pkg/store the dispatcher needs.
type Store interface {
	DueWebhookDeliveries(ctx context.Context, now time.Time, limit int) ([]store.WebhookDelivery, error)
	WebhookTarget(ctx context.Context, invoiceID string) (url, secret string, err error)
	MarkWebhookDelivered(ctx context.Context, id string, at time.Time) error
	RescheduleWebhook(ctx context.Context, id string, at, nextRetry time.Time, terminal bool) error
}

// Dispatcher polls the webhook_deliveries queue and delivers due
// entries, signing each payload with the owning merchant's webhook
// secret.
type Dispatcher struct {
	store        Store
	client       *http.Client
	pollInterval time.Duration
	batchSize    int
}

// New builds a Dispatcher. pollInterval mirrors the teacher's
// mempool.Run() select-loop cadence, reused here for the retry queue.
func New(s Store, client *http.Client, pollInterval time.Duration) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Dispatcher{store: s, client: client, pollInterval: pollInterval, batchSize: 50}
}

// Run polls for due deliveries until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.deliverDue(ctx); err != nil {
				log.WithError(err).Warn("webhook delivery pass failed")
			}
		}
	}
}

func (d *Dispatcher) deliverDue(ctx context.Context) error {
	now := time.Now()
	due, err := d.store.DueWebhookDeliveries(ctx, now, d.batchSize)
	if err != nil {
		return err
	}

	for _, delivery := range due {
		d.attempt(ctx, delivery)
	}
	return nil
}

func (d *Dispatcher) attempt(ctx context.Context, delivery store.WebhookDelivery) {
	entry := log.WithField("delivery_id", delivery.ID)

	url, secret, err := d.store.WebhookTarget(ctx, delivery.InvoiceID)
	if err != nil || url == "" {
		entry.WithError(err).Warn("no webhook url for invoice, dropping delivery")
		d.terminalFail(ctx, delivery)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(delivery.Payload))
	if err != nil {
		entry.WithError(err).Warn("build webhook request")
		d.reschedule(ctx, delivery)
		return
	}
	timestamp := time.Now().UTC().Format(time.RFC3339)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(timestampHeader, timestamp)
	req.Header.Set(signatureHeader, sign(secret, timestamp, delivery.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		entry.WithError(err).Info("webhook delivery attempt failed")
		d.reschedule(ctx, delivery)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := d.store.MarkWebhookDelivered(ctx, delivery.ID, time.Now()); err != nil {
			entry.WithError(err).Warn("mark webhook delivered")
		}
		return
	}

	entry.Infof("webhook endpoint returned %d", resp.StatusCode)
	d.reschedule(ctx, delivery)
}

func (d *Dispatcher) reschedule(ctx context.Context, delivery store.WebhookDelivery) {
	idx := delivery.Attempts
	if idx >= len(backoffSchedule) {
		d.terminalFail(ctx, delivery)
		return
	}

	now := time.Now()
	next := now.Add(backoffSchedule[idx])
	if err := d.store.RescheduleWebhook(ctx, delivery.ID, now, next, false); err != nil {
		log.WithField("delivery_id", delivery.ID).WithError(err).Warn("reschedule webhook")
	}
}

func (d *Dispatcher) terminalFail(ctx context.Context, delivery store.WebhookDelivery) {
	now := time.Now()
	if err := d.store.RescheduleWebhook(ctx, delivery.ID, now, now, true); err != nil {
		log.WithField("delivery_id", delivery.ID).WithError(err).Warn("mark webhook failed")
	}
}

// sign computes the lowercase hex HMAC-SHA256 of "{timestamp}.{body}"
// under secret (spec.md §4.9).
func sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the correct HMAC-SHA256 signature of
// "{timestamp}.{body}" under secret, for merchants validating inbound
// deliveries.
func Verify(secret, timestamp string, payload []byte, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hmac.Equal(want, mac.Sum(nil))
}
