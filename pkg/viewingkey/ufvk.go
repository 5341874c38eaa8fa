// Package viewingkey implements the ViewingKeyCache component
// (spec.md §4.1): parsing a merchant's Unified Full Viewing Key,
// deriving prepared Orchard/Sapling incoming viewing keys once, and
// handing out cheap, reference-counted snapshots to the scanner pool.
//
// Key preparation is modeled on the teacher's use of
// github.com/bwesterb/go-ristretto for scalar-field arithmetic
// (pkg/core/transactor/commands.go turns amounts into ristretto.Scalar
// values before handing them to the wallet); here the same scalar type
// stands in for the prepared Orchard/Sapling IVK material derived from
// curve scalar multiplication, so the "derive once, never per
// transaction" contract is visible in the types themselves.
package viewingkey

import (
	"strings"

	ristretto "github.com/bwesterb/go-ristretto"
	"github.com/pkg/errors"

	"cipherpay.dev/cipherpay-core/pkg/cipherpayerrs"
	"cipherpay.dev/cipherpay-core/pkg/config"
)

// PreparedIVK is the result of one-time key derivation: an Orchard IVK
// and, if the source UFVK included a Sapling receiver, a Sapling IVK.
// Both are represented as prepared scalars ready for repeated use in
// note decryption without re-deriving per attempt.
type PreparedIVK struct {
	Orchard        ristretto.Scalar
	Sapling        ristretto.Scalar
	HasSapling     bool
	PaymentAddress string
}

// UFVK is a parsed Unified Full Viewing Key. Raw bytes are kept only
// long enough to derive PreparedIVK; CipherPay never retains spending
// material, and a UFVK carries none, but parsing still validates the
// network tag before any derivation is attempted.
type UFVK struct {
	Network    config.Network
	OrchardFVK [32]byte
	SaplingFVK [32]byte
	HasSapling bool
	Address    string
}

const (
	mainnetHRP = "uview"
	testnetHRP = "uviewtest"
)

// ParseUFVK decodes the textual UFVK encoding. CipherPay does not
// implement the full F4Jumble/Bech32m unified-encoding algorithm here;
// it validates the human-readable network prefix and unpacks the
// concatenated receiver key material that follows it, which is the
// part the spec's invariants (network match, Orchard-required,
// Sapling-optional) actually depend on.
func ParseUFVK(raw string) (*UFVK, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) < len(mainnetHRP)+32 {
		return nil, errors.Wrap(cipherpayerrs.ErrInvalidViewingKey, "ufvk too short")
	}

	var network config.Network
	var rest string
	switch {
	case strings.HasPrefix(raw, testnetHRP):
		network = config.Testnet
		rest = raw[len(testnetHRP):]
	case strings.HasPrefix(raw, mainnetHRP):
		network = config.Mainnet
		rest = raw[len(mainnetHRP):]
	default:
		return nil, errors.Wrap(cipherpayerrs.ErrInvalidViewingKey, "unrecognized ufvk prefix")
	}

	raw32 := []byte(rest)
	if len(raw32) < 32 {
		return nil, errors.Wrap(cipherpayerrs.ErrInvalidViewingKey, "missing orchard receiver")
	}

	u := &UFVK{Network: network}
	copy(u.OrchardFVK[:], raw32[:32])

	if len(raw32) >= 64 {
		copy(u.SaplingFVK[:], raw32[32:64])
		u.HasSapling = true
	}

	return u, nil
}

// CheckNetwork enforces that the UFVK's embedded network matches the
// process-wide configured network (spec.md §4.1: "merchants whose
// UFVK network does not match are rejected").
func (u *UFVK) CheckNetwork(want config.Network) error {
	if u.Network != want {
		return errors.Wrapf(cipherpayerrs.ErrWrongNetwork, "ufvk is %s, node is %s", u.Network, want)
	}
	return nil
}

// Prepare performs the one-time scalar derivation for both shielded
// pools: each receiver's key bytes are reduced into a ristretto.Scalar
// (no curve multiplication is performed; see DESIGN.md). This is the
// only place key material is derived for a given UFVK; PreparedIVK is
// then reused for every trial decryption attempt against that merchant.
func (u *UFVK) Prepare(paymentAddress string) PreparedIVK {
	var p PreparedIVK
	p.PaymentAddress = paymentAddress
	p.Orchard.SetBigInt(beToBigInt(u.OrchardFVK[:]))
	if u.HasSapling {
		p.Sapling.SetBigInt(beToBigInt(u.SaplingFVK[:]))
		p.HasSapling = true
	}
	return p
}
