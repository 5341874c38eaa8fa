// Package cipherpayerrs defines the error kinds from spec.md §7, grouped
// by layer. Sentinel values let callers branch with errors.Is; wrapping
// uses github.com/pkg/errors so a fatal error retains a stack trace from
// the point it was first observed, matching the teacher's use of the
// same package (see pkg/core/chain/database.go's leveldb/errors
// type-switch idiom, adapted here to errors.Is).
package cipherpayerrs

import "github.com/pkg/errors"

// Input validation errors. Surfaced to the API layer; never propagated
// into the scanner.
var (
	ErrInvalidViewingKey = errors.New("cipherpay: invalid viewing key")
	ErrWrongNetwork      = errors.New("cipherpay: viewing key network mismatch")
	ErrInvalidMemoCode   = errors.New("cipherpay: invalid memo code")
)

// Transient external errors. Retried with backoff inside the failing
// component; logged at WARN once the retry budget is exhausted. The
// scan cycle continues regardless.
var (
	ErrChainSourceTimeout   = errors.New("cipherpay: chainsource request timed out")
	ErrChainSourceHTTP5xx   = errors.New("cipherpay: chainsource returned 5xx")
	ErrRateOracleUnavailable = errors.New("cipherpay: rate oracle unavailable")
)

// Canonical data errors. Logged at INFO with the txid; the transaction
// is marked processed_no_match and skipped. Never fatal.
var (
	ErrMalformedTx      = errors.New("cipherpay: malformed transaction bytes")
	ErrUnknownTxVersion = errors.New("cipherpay: unknown transaction version")
)

// State conflicts. Logged and treated as a no-op — another worker won
// the race on a conditional update.
var ErrUnexpectedStatus = errors.New("cipherpay: unexpected invoice status for transition")

// Fatal errors. Cause immediate shutdown.
var (
	ErrStorageUnavailable     = errors.New("cipherpay: storage unavailable")
	ErrStorageCorrupt         = errors.New("cipherpay: storage corrupt")
	ErrConfigInvalid          = errors.New("cipherpay: invalid configuration")
	ErrUFVKEncryptionKeyMissing = errors.New("cipherpay: ufvk encryption key missing")
)

// ErrNotFound is returned by InvoiceStore lookups and transitions whose
// target row does not exist. ChainSourceClient does not use it: it
// reports an upstream 404 as a found=false result with a nil error.
var ErrNotFound = errors.New("cipherpay: not found")

// Wrap attaches additional context to err while preserving the
// underlying sentinel for errors.Is checks performed by callers.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf is the formatted variant of Wrap.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
