package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"cipherpay.dev/cipherpay-core/pkg/cipherpayerrs"
	"cipherpay.dev/cipherpay-core/pkg/corelog"
	"cipherpay.dev/cipherpay-core/pkg/matcher"
)

var log = corelog.For("store")

// Store is the single source of truth for every persisted CipherPay
// entity. All writes go through it; it serializes them the way
// spec.md §5 requires ("the persistent store is the single source of
// truth... the store serializes writes").
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite3-backed store at dsn
// and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(cipherpayerrs.ErrStorageUnavailable, err.Error())
	}
	// InvoiceStore is the only writer; a single connection avoids
	// SQLITE_BUSY under WAL while still allowing concurrent readers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(cipherpayerrs.ErrStorageCorrupt, err.Error())
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func ufvkHash(ciphertext []byte) string {
	sum := sha256.Sum256(ciphertext)
	return hex.EncodeToString(sum[:])
}

// CreateMerchant inserts a new merchant row. Fails if a merchant with
// the same UFVK ciphertext hash already exists. The hash covers the
// sealed ciphertext, not the UFVK itself, so the same UFVK sealed again
// under a fresh nonce is not detected as a duplicate.
func (s *Store) CreateMerchant(ctx context.Context, m Merchant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merchants (id, ufvk_ciphertext, ufvk_nonce, ufvk_hash, payment_address, api_key_hash, webhook_url, webhook_secret, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UFVKCiphertext, m.UFVKNonce, ufvkHash(m.UFVKCiphertext), m.PaymentAddress, m.APIKeyHash, m.WebhookURL, m.WebhookSecret, m.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "store: create merchant")
	}
	return nil
}

// GetMerchant returns a merchant by ID.
func (s *Store) GetMerchant(ctx context.Context, id string) (*Merchant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ufvk_ciphertext, ufvk_nonce, payment_address, api_key_hash, webhook_url, webhook_secret, created_at
		FROM merchants WHERE id = ?`, id)

	var m Merchant
	if err := row.Scan(&m.ID, &m.UFVKCiphertext, &m.UFVKNonce, &m.PaymentAddress, &m.APIKeyHash, &m.WebhookURL, &m.WebhookSecret, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cipherpayerrs.ErrNotFound
		}
		return nil, errors.Wrap(err, "store: get merchant")
	}
	return &m, nil
}

// ListMerchants returns every registered merchant, used at startup to
// bootstrap the ViewingKeyCache.
func (s *Store) ListMerchants(ctx context.Context) ([]Merchant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ufvk_ciphertext, ufvk_nonce, payment_address, api_key_hash, webhook_url, webhook_secret, created_at
		FROM merchants`)
	if err != nil {
		return nil, errors.Wrap(err, "store: list merchants")
	}
	defer rows.Close()

	var out []Merchant
	for rows.Next() {
		var m Merchant
		if err := rows.Scan(&m.ID, &m.UFVKCiphertext, &m.UFVKNonce, &m.PaymentAddress, &m.APIKeyHash, &m.WebhookURL, &m.WebhookSecret, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "store: scan merchant")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateInvoice inserts a new invoice in pending status.
func (s *Store) CreateInvoice(ctx context.Context, inv Invoice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (id, merchant_id, memo_code, price_eur, price_zec, zec_rate_at_creation,
			shipping_alias, shipping_address, shipping_region, status, expires_at, created_at, accumulated_value_zats)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		inv.ID, inv.MerchantID, inv.MemoCode, inv.PriceEUR, inv.PriceZec, inv.ZecRateAtCreation,
		inv.ShippingAlias, inv.ShippingAddress, inv.ShippingRegion, StatusPending, inv.ExpiresAt, inv.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "store: create invoice")
	}
	return nil
}

func scanInvoice(row interface {
	Scan(dest ...interface{}) error
}) (*Invoice, error) {
	var inv Invoice
	var shippingAlias, shippingAddress, shippingRegion sql.NullString
	var detectedTxID sql.NullString
	var detectedAt, confirmedAt, purgeAfter sql.NullTime

	err := row.Scan(
		&inv.ID, &inv.MerchantID, &inv.MemoCode, &inv.PriceEUR, &inv.PriceZec, &inv.ZecRateAtCreation,
		&shippingAlias, &shippingAddress, &shippingRegion, &inv.Status,
		&detectedTxID, &detectedAt, &confirmedAt, &inv.ExpiresAt, &purgeAfter, &inv.CreatedAt, &inv.AccumulatedValueZats,
	)
	if err != nil {
		return nil, err
	}

	if shippingAlias.Valid {
		inv.ShippingAlias = &shippingAlias.String
	}
	if shippingAddress.Valid {
		inv.ShippingAddress = &shippingAddress.String
	}
	if shippingRegion.Valid {
		inv.ShippingRegion = &shippingRegion.String
	}
	if detectedTxID.Valid {
		inv.DetectedTxID = &detectedTxID.String
	}
	if detectedAt.Valid {
		inv.DetectedAt = &detectedAt.Time
	}
	if confirmedAt.Valid {
		inv.ConfirmedAt = &confirmedAt.Time
	}
	if purgeAfter.Valid {
		inv.PurgeAfter = &purgeAfter.Time
	}

	return &inv, nil
}

const invoiceColumns = `id, merchant_id, memo_code, price_eur, price_zec, zec_rate_at_creation,
	shipping_alias, shipping_address, shipping_region, status,
	detected_txid, detected_at, confirmed_at, expires_at, purge_after, created_at, accumulated_value_zats`

// GetInvoice returns an invoice by ID.
func (s *Store) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cipherpayerrs.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: get invoice")
	}
	return inv, nil
}

// OpenInvoiceByMemo implements pkg/matcher.InvoiceLookup and
// InvoiceStore.open_invoices_by_memo: only invoices currently in
// pending or underpaid status are eligible for matching (spec.md
// §4.5 step 2).
func (s *Store) OpenInvoiceByMemo(memoCode string) (invoiceID, merchantID string, priceZats int64, ok bool) {
	row := s.db.QueryRow(`
		SELECT id, merchant_id, price_zec FROM invoices
		WHERE memo_code = ? AND status IN (?, ?)`, memoCode, StatusPending, StatusUnderpaid)

	var priceZec float64
	if err := row.Scan(&invoiceID, &merchantID, &priceZec); err != nil {
		return "", "", 0, false
	}
	return invoiceID, merchantID, int64(priceZec*100_000_000 + 0.5), true
}

// MarkDetected accumulates valueZats from txid into the invoice's
// running total and re-classifies the *accumulated* total against the
// invoice's locked price (spec.md §3: "underpaid -- top-up matched -->
// detected"). A single transaction's own value is never enough on its
// own to decide the new status, since a top-up tx can cross the
// threshold only in combination with a prior partial payment.
//
// The "earliest wins" conflict guard (spec.md §4.8) only applies once
// an invoice has actually reached detected|confirmed: detected_txid
// names the transaction that completed payment, so it is left unset
// while the invoice is still underpaid and a later top-up txid must
// still be accepted and accumulated, not dropped as a conflict.
//
// detected reports whether this call caused the invoice to cross into
// StatusDetected (the boolean the caller needs to decide whether to
// publish invoice.detected / immediately confirm).
func (s *Store) MarkDetected(ctx context.Context, invoiceID, txid string, valueZats int64, at time.Time) (detected bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var currentStatus string
		var currentTxID sql.NullString
		var accumulated int64
		var priceZec float64
		row := tx.QueryRowContext(ctx, `SELECT status, detected_txid, accumulated_value_zats, price_zec FROM invoices WHERE id = ?`, invoiceID)
		if err := row.Scan(&currentStatus, &currentTxID, &accumulated, &priceZec); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return cipherpayerrs.ErrNotFound
			}
			return err
		}

		if currentStatus == string(StatusDetected) || currentStatus == string(StatusConfirmed) {
			if currentTxID.Valid && currentTxID.String == txid {
				// Idempotent replay of the same tx: nothing left to do.
				return nil
			}
			log.WithField("invoice_id", invoiceID).
				Warnf("ignoring detected txid %s, already detected as %s", txid, currentTxID.String)
			return nil
		}

		if currentStatus != string(StatusPending) && currentStatus != string(StatusUnderpaid) {
			log.WithField("invoice_id", invoiceID).Warn("unexpected status for mark_detected: " + currentStatus)
			return nil
		}

		accumulated += valueZats
		priceZats := int64(priceZec*100_000_000 + 0.5)
		fullyPaid := matcher.FullyPaid(accumulated, priceZats)

		newStatus := StatusUnderpaid
		var newDetectedTxID interface{}
		if currentTxID.Valid {
			newDetectedTxID = currentTxID.String
		}
		if fullyPaid {
			newStatus = StatusDetected
			newDetectedTxID = txid
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE invoices SET status = ?, detected_txid = ?, detected_at = ?, accumulated_value_zats = ?
			WHERE id = ? AND status = ?`,
			newStatus, newDetectedTxID, at, accumulated, invoiceID, currentStatus)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return cipherpayerrs.ErrUnexpectedStatus
		}

		if fullyPaid {
			detected = true
			if err := enqueueWebhookTx(ctx, tx, invoiceID, EventInvoiceDetected, txid, at); err != nil {
				return err
			}
		}
		return nil
	})
	return detected, err
}

// MarkConfirmed transitions detected -> confirmed (spec.md §4.6).
func (s *Store) MarkConfirmed(ctx context.Context, invoiceID string, blockHeight uint64, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var currentStatus string
		var detectedTxID sql.NullString
		row := tx.QueryRowContext(ctx, `SELECT status, detected_txid FROM invoices WHERE id = ?`, invoiceID)
		if err := row.Scan(&currentStatus, &detectedTxID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return cipherpayerrs.ErrNotFound
			}
			return err
		}

		if currentStatus != string(StatusDetected) {
			log.WithField("invoice_id", invoiceID).Warn("unexpected status for mark_confirmed: " + currentStatus)
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE invoices SET status = ?, confirmed_at = ?
			WHERE id = ? AND status = ?`,
			StatusConfirmed, at, invoiceID, currentStatus)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return cipherpayerrs.ErrUnexpectedStatus
		}

		var txid string
		if detectedTxID.Valid {
			txid = detectedTxID.String
		}
		return enqueueWebhookTx(ctx, tx, invoiceID, EventInvoiceConfirmed, txid, at)
	})
}

// MarkExpired transitions pending|underpaid -> expired, only if
// now >= expires_at (spec.md §4.6).
func (s *Store) MarkExpired(ctx context.Context, invoiceID string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var currentStatus string
		var expiresAt time.Time
		row := tx.QueryRowContext(ctx, `SELECT status, expires_at FROM invoices WHERE id = ?`, invoiceID)
		if err := row.Scan(&currentStatus, &expiresAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return cipherpayerrs.ErrNotFound
			}
			return err
		}

		if currentStatus != string(StatusPending) && currentStatus != string(StatusUnderpaid) {
			return nil
		}
		if now.Before(expiresAt) {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE invoices SET status = ? WHERE id = ? AND status = ?`,
			StatusExpired, invoiceID, currentStatus)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return cipherpayerrs.ErrUnexpectedStatus
		}

		return enqueueWebhookTx(ctx, tx, invoiceID, EventInvoiceExpired, "", now)
	})
}

// ExpirableInvoiceIDs returns IDs of invoices in pending/underpaid
// status whose expires_at has passed, for the expiry worker.
func (s *Store) ExpirableInvoiceIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM invoices WHERE status IN (?, ?) AND expires_at <= ?`,
		StatusPending, StatusUnderpaid, now)
	if err != nil {
		return nil, errors.Wrap(err, "store: expirable invoices")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeCandidateIDs returns IDs of invoices whose purge_after has
// passed and whose shipping fields are not yet zeroed.
func (s *Store) PurgeCandidateIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM invoices WHERE purge_after IS NOT NULL AND purge_after <= ?
			AND ((shipping_alias IS NOT NULL AND shipping_alias != ?)
				OR (shipping_address IS NOT NULL AND shipping_address != ?)
				OR (shipping_region IS NOT NULL AND shipping_region != ?))`,
		now, zeroShippingFill, zeroShippingFill, zeroShippingFill)
	if err != nil {
		return nil, errors.Wrap(err, "store: purge candidates")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// zeroShippingFill is a fixed-length block of zero bytes written in
// place of retired shipping text (spec.md §4.7: "cryptographic
// erasure, not just NULL").
const zeroShippingFill = "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"

// PurgeShipping overwrites an invoice's shipping fields with
// fixed-length zero bytes.
func (s *Store) PurgeShipping(ctx context.Context, invoiceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE invoices SET shipping_alias = ?, shipping_address = ?, shipping_region = ?
		WHERE id = ?`, zeroShippingFill, zeroShippingFill, zeroShippingFill, invoiceID)
	if err != nil {
		return errors.Wrap(err, "store: purge shipping")
	}
	return nil
}

// GetScannerCursor returns the singleton cursor row, or ok=false if it
// has never been set.
func (s *Store) GetScannerCursor(ctx context.Context) (height uint64, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_scanned_block_height FROM scanner_cursor WHERE id = 1`)
	if err := row.Scan(&height); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, "store: get cursor")
	}
	return height, true, nil
}

// SetScannerCursor upserts the singleton cursor row. The cursor is
// monotonic non-decreasing (spec.md §8 invariant 5); callers are
// responsible for only ever advancing it, but the store additionally
// refuses to move it backwards.
func (s *Store) SetScannerCursor(ctx context.Context, height uint64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scanner_cursor (id, last_scanned_block_height, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_scanned_block_height = excluded.last_scanned_block_height,
			updated_at = excluded.updated_at
		WHERE excluded.last_scanned_block_height >= scanner_cursor.last_scanned_block_height`,
		height, at)
	if err != nil {
		return errors.Wrap(err, "store: set cursor")
	}
	return nil
}

// RecordSeenTx inserts a seen-tx entry. Safe to call more than once
// for the same txid (INSERT OR IGNORE) since both the mempool and
// block loop record sightings (spec.md §4.8 deduplication).
func (s *Store) RecordSeenTx(ctx context.Context, txid string, disposition SeenTxDisposition, matchedInvoiceID string, at time.Time) error {
	var matched interface{}
	if matchedInvoiceID != "" {
		matched = matchedInvoiceID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO seen_txs (txid, first_seen_at, disposition, matched_invoice_id)
		VALUES (?, ?, ?, ?)`, txid, at, disposition, matched)
	if err != nil {
		return errors.Wrap(err, "store: record seen tx")
	}
	return nil
}

// SeenTx returns the seen-tx entry for txid, if any.
func (s *Store) SeenTx(ctx context.Context, txid string) (*SeenTxEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT txid, first_seen_at, disposition, matched_invoice_id FROM seen_txs WHERE txid = ?`, txid)

	var e SeenTxEntry
	var matched sql.NullString
	if err := row.Scan(&e.TxID, &e.FirstSeenAt, &e.Disposition, &matched); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "store: seen tx")
	}
	if matched.Valid {
		e.MatchedInvoice = &matched.String
	}
	return &e, nil
}

// PruneSeenTxs deletes seen-tx entries older than olderThan.
func (s *Store) PruneSeenTxs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_txs WHERE first_seen_at < ?`, olderThan)
	if err != nil {
		return 0, errors.Wrap(err, "store: prune seen txs")
	}
	return res.RowsAffected()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(cipherpayerrs.ErrStorageUnavailable, err.Error())
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
