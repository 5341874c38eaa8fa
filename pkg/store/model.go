// Package store implements the InvoiceStore component (spec.md §4.6):
// the sole owner of every persistent row (merchants, invoices, the
// scanner cursor, the seen-tx set, webhook deliveries). It is backed
// by mattn/go-sqlite3 (a direct teacher dependency, unused in the
// retrieved teacher files but present in its go.mod) via database/sql,
// chosen over the teacher's leveldb KV wrapper because the spec's
// lookups (by memo code, by status, by merchant) need indexes a flat
// KV store cannot provide cheaply — see DESIGN.md.
package store

import "time"

// InvoiceStatus is one of the states in the invoice lifecycle
// (spec.md §3, §4.7).
type InvoiceStatus string

const (
	StatusPending   InvoiceStatus = "pending"
	StatusDetected  InvoiceStatus = "detected"
	StatusUnderpaid InvoiceStatus = "underpaid"
	StatusConfirmed InvoiceStatus = "confirmed"
	StatusExpired   InvoiceStatus = "expired"
	StatusShipped   InvoiceStatus = "shipped"
	StatusRefunded  InvoiceStatus = "refunded"
	StatusCancelled InvoiceStatus = "cancelled"
)

// SeenTxDisposition records why a txid is in the seen-tx set.
type SeenTxDisposition string

const (
	DispositionNoMatch        SeenTxDisposition = "processed_no_match"
	DispositionMatchedInvoice SeenTxDisposition = "matched_invoice_id"
)

// WebhookStatus is the delivery state of a WebhookDelivery row.
type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "pending"
	WebhookDelivered WebhookStatus = "delivered"
	WebhookFailed    WebhookStatus = "failed"
)

// WebhookEvent names the event carried in a webhook payload
// (spec.md §6.3).
type WebhookEvent string

const (
	EventInvoiceDetected  WebhookEvent = "invoice.detected"
	EventInvoiceConfirmed WebhookEvent = "invoice.confirmed"
	EventInvoiceExpired   WebhookEvent = "invoice.expired"
	EventInvoiceCancelled WebhookEvent = "invoice.cancelled"
)

// Merchant is a registered CipherPay merchant (spec.md §3).
type Merchant struct {
	ID             string
	UFVKCiphertext []byte
	UFVKNonce      []byte
	PaymentAddress string
	APIKeyHash     string
	WebhookURL     string
	WebhookSecret  string
	CreatedAt      time.Time
}

// Invoice is one payment request (spec.md §3).
type Invoice struct {
	ID                string
	MerchantID        string
	MemoCode          string
	PriceEUR          float64
	PriceZec          float64
	ZecRateAtCreation float64

	ShippingAlias   *string
	ShippingAddress *string
	ShippingRegion  *string

	Status InvoiceStatus

	DetectedTxID   *string
	DetectedAt     *time.Time
	ConfirmedAt    *time.Time
	ExpiresAt      time.Time
	PurgeAfter     *time.Time
	CreatedAt      time.Time

	// AccumulatedValueZats tracks the running sum of decrypted payment
	// values matched against this invoice's memo code, so a top-up on
	// an underpaid invoice (spec.md S3) can be compared against the
	// full price without re-deriving it from webhook history.
	AccumulatedValueZats int64
}

// PriceZats returns the invoice's locked price in zats (the atomic
// ZEC unit), used for integer slippage comparisons in pkg/matcher.
func (i Invoice) PriceZats() int64 {
	return int64(i.PriceZec*100_000_000 + 0.5)
}

// ScannerCursor is the singleton persisted scan position (spec.md §3).
type ScannerCursor struct {
	LastScannedBlockHeight uint64
	UpdatedAt              time.Time
}

// SeenTxEntry records that a txid has already been considered
// (spec.md §3).
type SeenTxEntry struct {
	TxID           string
	FirstSeenAt    time.Time
	Disposition    SeenTxDisposition
	MatchedInvoice *string
}

// WebhookDelivery is one outbound webhook attempt record (spec.md §3).
type WebhookDelivery struct {
	ID            string
	InvoiceID     string
	URL           string
	Payload       []byte
	Status        WebhookStatus
	Attempts      int
	LastAttemptAt *time.Time
	NextRetryAt   *time.Time
	CreatedAt     time.Time
}
