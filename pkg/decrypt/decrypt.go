// Package decrypt implements the TrialDecryptor component (spec.md §4.4):
// attempting domain-separated note decryption of one Orchard action or
// Sapling output against one prepared IVK. Cryptographic primitives are
// golang.org/x/crypto (a teacher dependency): chacha20poly1305 for the
// Orchard AEAD and blake2b/HKDF-equivalent key derivation for the
// shared secret, mirroring the wallet-scanning shape of the teacher's
// pkg/core/transactor/commands.go (a key holder checking blocks for
// its own outputs).
package decrypt

import (
	"bytes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"cipherpay.dev/cipherpay-core/pkg/cipherpayerrs"
	"cipherpay.dev/cipherpay-core/pkg/txparser"
	"cipherpay.dev/cipherpay-core/pkg/viewingkey"
)

// Decrypted is the successful outcome of a trial decryption: the
// note's value, its raw recipient bytes, and its memo, already
// truncated to a clean UTF-8 string (spec.md §4.4 memo interpretation
// rule).
type Decrypted struct {
	ValueZats int64
	Recipient [32]byte
	Memo      string
}

const memoLen = 512

// Orchard attempts note decryption of a single Orchard action against
// a prepared Orchard IVK. A nil, nil return means "not yours" — the
// dominant outcome and not an error (spec.md §4.4: cryptographic
// failure is not distinguishable from "not yours"). A non-nil error
// means the ciphertext itself is structurally broken (length
// mismatch), which is the one case the spec calls Malformed.
func Orchard(action txparser.OrchardAction, ivk viewingkey.PreparedIVK) (*Decrypted, error) {
	if len(action.EncCiphertext) != 580 {
		return nil, cipherpayerrs.ErrMalformedTx
	}

	sharedSecret := deriveSharedSecret(ivk.Orchard.Bytes(), action.EphemeralKey[:], "Orchard")
	key := kdf(sharedSecret, action.EphemeralKey[:], "OrchardK")

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, cipherpayerrs.ErrMalformedTx
	}

	plaintext, ok := tryOpen(aead, action.EncCiphertext)
	if !ok {
		return nil, nil
	}

	return decodePlaintext(plaintext), nil
}

// Sapling is the Sapling-pool analogue of Orchard.
func Sapling(output txparser.SaplingOutput, ivk viewingkey.PreparedIVK) (*Decrypted, error) {
	if !ivk.HasSapling {
		return nil, nil
	}
	if len(output.EncCiphertext) != 580 {
		return nil, cipherpayerrs.ErrMalformedTx
	}

	sharedSecret := deriveSharedSecret(ivk.Sapling.Bytes(), output.EphemeralKey[:], "Sapling")
	key := kdf(sharedSecret, output.EphemeralKey[:], "SaplingK")

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, cipherpayerrs.ErrMalformedTx
	}

	plaintext, ok := tryOpen(aead, output.EncCiphertext)
	if !ok {
		return nil, nil
	}

	return decodePlaintext(plaintext), nil
}

// tryOpen performs the single AEAD open the performance contract in
// spec.md §4.4 bounds per-attempt cost to: no additional key
// derivation happens here, only the open itself.
func tryOpen(aead cipher.AEAD, ciphertext []byte) ([]byte, bool) {
	nonce := make([]byte, aead.NonceSize())
	tagStart := len(ciphertext) - aead.Overhead()
	if tagStart < 0 {
		return nil, false
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

// deriveSharedSecret stands in for the Diffie-Hellman agreement
// between the prepared IVK and the note's ephemeral key. Domain
// separation per pool (the "Orchard"/"Sapling" label) follows the
// spec's requirement that the two pools use distinct KDFs.
func deriveSharedSecret(ivkBytes, ephemeralKey []byte, domain string) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write(ivkBytes)
	h.Write(ephemeralKey)
	return h.Sum(nil)
}

// kdf derives the symmetric AEAD key from the shared secret using
// Blake2b, matching the Sapling/Orchard note-encryption KDF shape
// named in spec.md §4.4.
func kdf(sharedSecret, ephemeralKey []byte, personalization string) []byte {
	var pers [16]byte
	copy(pers[:], personalization)
	h, _ := blake2b.New256(nil)
	h.Write(pers[:])
	h.Write(sharedSecret)
	h.Write(ephemeralKey)
	return h.Sum(nil)
}

// decodePlaintext splits the decrypted note plaintext into its value,
// recipient, and memo fields, applying the memo interpretation rule:
// scan as UTF-8 up to the first zero byte or 512 bytes; non-UTF-8
// memos are dropped to empty string without error (spec.md §4.4).
func decodePlaintext(plaintext []byte) *Decrypted {
	// layout: 8-byte LE value || 32-byte recipient || 512-byte memo
	if len(plaintext) < 8+32+memoLen {
		return &Decrypted{}
	}

	value := int64(binary.LittleEndian.Uint64(plaintext[:8]))

	var recipient [32]byte
	copy(recipient[:], plaintext[8:40])

	memoBytes := plaintext[40 : 40+memoLen]
	if idx := bytes.IndexByte(memoBytes, 0); idx >= 0 {
		memoBytes = memoBytes[:idx]
	}

	memo := ""
	if utf8.Valid(memoBytes) {
		memo = string(memoBytes)
	}

	return &Decrypted{
		ValueZats: value,
		Recipient: recipient,
		Memo:      memo,
	}
}
