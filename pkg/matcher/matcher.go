// Package matcher implements the InvoiceMatcher component (spec.md
// §4.5): extracting a memo code from a decrypted memo, looking up the
// invoice it names, and checking the paid amount against the
// invoice's price within the 0.5% slippage tolerance.
package matcher

import (
	"regexp"
	"strings"

	"cipherpay.dev/cipherpay-core/pkg/cipherpayerrs"
)

var (
	memoCodePattern       = regexp.MustCompile(`(?i)CP-[A-Z0-9]{8}`)
	memoCodeExactPattern  = regexp.MustCompile(`(?i)^CP-[A-Z0-9]{8}$`)
)

const zatsPerZec = 100_000_000

// slippageToleranceBps is 0.5% expressed in basis points of tolerance
// (spec.md §4.5 / GLOSSARY "Slippage tolerance").
const slippageToleranceBps = 50

// Outcome classifies a matched payment.
type Outcome int

const (
	NoMatch Outcome = iota
	FullMatch
	UnderpaidMatch
)

// Match is the result of a successful memo-code lookup plus amount
// check.
type Match struct {
	InvoiceID       string
	MemoCode        string
	DecryptedValue  int64 // zats
	Outcome         Outcome
}

// ExtractMemoCode returns the first CP-XXXXXXXX token in memo,
// uppercased, or "" if none is present (spec.md §4.5 step 1).
func ExtractMemoCode(memo string) string {
	found := memoCodePattern.FindString(memo)
	return strings.ToUpper(found)
}

// ValidMemoCode reports whether code has the exact CP-XXXXXXXX shape
// expected by the data model (11 characters; the eight characters after
// "CP-" are ASCII letters or digits, matched case-insensitively).
func ValidMemoCode(code string) bool {
	return memoCodeExactPattern.MatchString(code)
}

// InvoiceLookup is the read-only slice of InvoiceStore the matcher
// needs: looking up an open invoice by its memo code. Defined here as
// a capability interface (spec.md §9 design note) so tests can
// substitute a fixture without depending on pkg/store.
type InvoiceLookup interface {
	// OpenInvoiceByMemo returns the invoice with the given memo code,
	// its owning merchant ID, its locked price in ZEC (as zats), and
	// whether it is currently open (pending or underpaid). ok is false
	// if no such invoice exists.
	OpenInvoiceByMemo(memoCode string) (invoiceID, merchantID string, priceZats int64, ok bool)
}

// Match looks up the memo code embedded in memo and checks the summed
// decrypted value (across every output in the same transaction that
// decrypted for this merchant, per spec.md §4.5 step 3) against the
// invoice's locked price.
func Match(lookup InvoiceLookup, decryptingMerchantID string, memo string, summedValueZats int64) (Match, error) {
	code := ExtractMemoCode(memo)
	if code == "" {
		return Match{}, nil
	}
	if !ValidMemoCode(code) {
		return Match{}, cipherpayerrs.ErrInvalidMemoCode
	}

	invoiceID, merchantID, priceZats, ok := lookup.OpenInvoiceByMemo(code)
	if !ok || merchantID != decryptingMerchantID {
		return Match{}, nil
	}

	return Match{
		InvoiceID:      invoiceID,
		MemoCode:       code,
		DecryptedValue: summedValueZats,
		Outcome:        classify(summedValueZats, priceZats),
	}, nil
}

// classify applies the ±0.5% slippage rule from spec.md §4.5:
//   value >= price * (1 - 0.005)            -> full match
//   0 < value < price * (1 - 0.005)         -> underpaid
//   value <= 0                              -> no match
func classify(valueZats, priceZats int64) Outcome {
	if valueZats <= 0 {
		return NoMatch
	}
	if FullyPaid(valueZats, priceZats) {
		return FullMatch
	}
	return UnderpaidMatch
}

// FullyPaid reports whether zats covers priceZats within the ±0.5%
// slippage tolerance (spec.md §4.5). Exported so InvoiceStore can
// re-apply the same threshold to an invoice's running accumulated
// total after a top-up, rather than just the current transaction's
// value (spec.md §3: "underpaid -- top-up matched --> detected").
func FullyPaid(zats, priceZats int64) bool {
	if zats <= 0 {
		return false
	}
	threshold := priceZats * (10_000 - slippageToleranceBps) / 10_000
	return zats >= threshold
}
