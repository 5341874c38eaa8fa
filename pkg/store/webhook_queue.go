package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// webhookPayload is the JSON body delivered to a merchant's webhook
// URL, exactly one event per delivery (spec.md §6.3).
type webhookPayload struct {
	Event     WebhookEvent `json:"event"`
	InvoiceID string       `json:"invoice_id"`
	TxID      *string      `json:"txid"`
	Timestamp time.Time    `json:"timestamp"`
}

// enqueueWebhookTx inserts a pending WebhookDelivery row in the same
// transaction as the status transition that triggered it, per
// spec.md §4.6 ("the webhook is enqueued for delivery in the same
// transaction"). The row carries no URL yet: pkg/webhook resolves the
// merchant's webhook_url from pkg/store at dispatch time so a
// merchant's URL can be rotated without rewriting the queue.
func enqueueWebhookTx(ctx context.Context, tx *sql.Tx, invoiceID string, event WebhookEvent, txid string, at time.Time) error {
	var txidPtr *string
	if txid != "" {
		txidPtr = &txid
	}
	payload, err := json.Marshal(webhookPayload{
		Event:     event,
		InvoiceID: invoiceID,
		TxID:      txidPtr,
		Timestamp: at,
	})
	if err != nil {
		return errors.Wrap(err, "store: marshal webhook payload")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, invoice_id, url, payload, status, attempts, created_at)
		VALUES (?, ?, '', ?, ?, 0, ?)`,
		uuid.New().String(), invoiceID, payload, WebhookPending, at)
	if err != nil {
		return errors.Wrap(err, "store: enqueue webhook")
	}
	return nil
}

// DueWebhookDeliveries returns pending deliveries whose next_retry_at
// has passed (or was never set), for the dispatcher's poll loop.
func (s *Store) DueWebhookDeliveries(ctx context.Context, now time.Time, limit int) ([]WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, url, payload, status, attempts, last_attempt_at, next_retry_at, created_at
		FROM webhook_deliveries
		WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC
		LIMIT ?`, WebhookPending, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "store: due webhook deliveries")
	}
	defer rows.Close()

	var out []WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		var lastAttempt, nextRetry sql.NullTime
		if err := rows.Scan(&d.ID, &d.InvoiceID, &d.URL, &d.Payload, &d.Status, &d.Attempts, &lastAttempt, &nextRetry, &d.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "store: scan webhook delivery")
		}
		if lastAttempt.Valid {
			d.LastAttemptAt = &lastAttempt.Time
		}
		if nextRetry.Valid {
			d.NextRetryAt = &nextRetry.Time
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// WebhookTarget resolves the URL and HMAC secret a delivery should be
// sent to, via its invoice's owning merchant.
func (s *Store) WebhookTarget(ctx context.Context, invoiceID string) (url, secret string, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.webhook_url, m.webhook_secret
		FROM invoices i JOIN merchants m ON m.id = i.merchant_id
		WHERE i.id = ?`, invoiceID)
	if err := row.Scan(&url, &secret); err != nil {
		return "", "", errors.Wrap(err, "store: webhook target")
	}
	return url, secret, nil
}

// MarkWebhookDelivered flips a delivery to delivered status.
func (s *Store) MarkWebhookDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = ?, attempts = attempts + 1, last_attempt_at = ?
		WHERE id = ?`, WebhookDelivered, at, id)
	return errors.Wrap(err, "store: mark webhook delivered")
}

// RescheduleWebhook records a failed attempt and sets the next retry
// time. When attempts exceeds the backoff schedule's length the
// delivery is marked failed for good (pkg/webhook decides the cutoff
// and passes terminal=true).
func (s *Store) RescheduleWebhook(ctx context.Context, id string, at, nextRetry time.Time, terminal bool) error {
	status := WebhookPending
	if terminal {
		status = WebhookFailed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = ?, attempts = attempts + 1, last_attempt_at = ?, next_retry_at = ?
		WHERE id = ?`, status, at, nextRetry, id)
	return errors.Wrap(err, "store: reschedule webhook")
}
