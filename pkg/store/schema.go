package store

// schema is the DDL for every table named in spec.md §3 and the
// indexes required by §6.4. SQLite enforces the uniqueness
// constraints memo_code (globally unique), ufvk_hash and seen_txs.txid.
// ufvk_hash is a hash of the sealed UFVK ciphertext, so it rejects a
// repeated ciphertext but not the same UFVK sealed under another nonce.
const schema = `
CREATE TABLE IF NOT EXISTS merchants (
	id              TEXT PRIMARY KEY,
	ufvk_ciphertext BLOB NOT NULL,
	ufvk_nonce      BLOB NOT NULL,
	ufvk_hash       TEXT NOT NULL UNIQUE,
	payment_address TEXT NOT NULL,
	api_key_hash    TEXT NOT NULL,
	webhook_url     TEXT NOT NULL DEFAULT '',
	webhook_secret  TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS invoices (
	id                  TEXT PRIMARY KEY,
	merchant_id         TEXT NOT NULL REFERENCES merchants(id),
	memo_code           TEXT NOT NULL,
	price_eur           REAL NOT NULL,
	price_zec           REAL NOT NULL,
	zec_rate_at_creation REAL NOT NULL,
	shipping_alias      TEXT,
	shipping_address    TEXT,
	shipping_region     TEXT,
	status              TEXT NOT NULL,
	detected_txid       TEXT,
	detected_at         TIMESTAMP,
	confirmed_at        TIMESTAMP,
	expires_at          TIMESTAMP NOT NULL,
	purge_after         TIMESTAMP,
	created_at          TIMESTAMP NOT NULL,
	accumulated_value_zats INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_memo_code ON invoices(memo_code);
CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status);

CREATE TABLE IF NOT EXISTS scanner_cursor (
	id                        INTEGER PRIMARY KEY CHECK (id = 1),
	last_scanned_block_height INTEGER NOT NULL,
	updated_at                TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS seen_txs (
	txid             TEXT PRIMARY KEY,
	first_seen_at    TIMESTAMP NOT NULL,
	disposition      TEXT NOT NULL,
	matched_invoice_id TEXT
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id              TEXT PRIMARY KEY,
	invoice_id      TEXT NOT NULL REFERENCES invoices(id),
	url             TEXT NOT NULL,
	payload         BLOB NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMP,
	next_retry_at   TIMESTAMP,
	created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_status_retry
	ON webhook_deliveries(status, next_retry_at);
`
