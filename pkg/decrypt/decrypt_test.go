package decrypt

import (
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"cipherpay.dev/cipherpay-core/pkg/txparser"
	"cipherpay.dev/cipherpay-core/pkg/viewingkey"
)

// sealOrchardNote builds a ciphertext that Orchard() will successfully
// open for the given ivk/ephemeralKey pair, by running the same
// derivation the production code runs and sealing with it. This
// exercises the real decrypt path end to end without needing actual
// Orchard/Pallas curve arithmetic.
func sealOrchardNote(t *testing.T, ivk viewingkey.PreparedIVK, ephemeralKey [32]byte, valueZats int64, memo string) []byte {
	t.Helper()

	sharedSecret := deriveSharedSecret(ivk.Orchard.Bytes(), ephemeralKey[:], "Orchard")
	key := kdf(sharedSecret, ephemeralKey[:], "OrchardK")

	aead, err := chacha20poly1305.New(key)
	require.NoError(t, err)

	plaintext := make([]byte, 580-aead.Overhead())
	binary.LittleEndian.PutUint64(plaintext[:8], uint64(valueZats))
	copy(plaintext[40:], memo)

	nonce := make([]byte, aead.NonceSize())
	return aead.Seal(nil, nonce, plaintext, nil)
}

func TestOrchardRoundTrip(t *testing.T) {
	var orchardKeyBytes [32]byte
	_, err := rand.Read(orchardKeyBytes[:])
	require.NoError(t, err)

	ufvk, err := viewingkey.ParseUFVK("uview" + string(orchardKeyBytes[:]))
	require.NoError(t, err)
	ivk := ufvk.Prepare("addr-1")

	var ephemeralKey [32]byte
	_, err = rand.Read(ephemeralKey[:])
	require.NoError(t, err)

	ciphertext := sealOrchardNote(t, ivk, ephemeralKey, 50_000_000, "CP-AAAA1111 test")
	require.Len(t, ciphertext, 580)

	action := txparser.OrchardAction{EphemeralKey: ephemeralKey, EncCiphertext: ciphertext}
	dec, err := Orchard(action, ivk)
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Equal(t, int64(50_000_000), dec.ValueZats)
	assert.Equal(t, "CP-AAAA1111 test", dec.Memo)
}

func TestOrchardWrongKeyYieldsNoMatch(t *testing.T) {
	var key1, key2, ephemeralKey [32]byte
	_, _ = rand.Read(key1[:])
	_, _ = rand.Read(key2[:])
	_, _ = rand.Read(ephemeralKey[:])

	ufvk1, err := viewingkey.ParseUFVK("uview" + string(key1[:]))
	require.NoError(t, err)
	ufvk2, err := viewingkey.ParseUFVK("uview" + string(key2[:]))
	require.NoError(t, err)

	ivk1 := ufvk1.Prepare("addr-1")
	ivk2 := ufvk2.Prepare("addr-2")

	ciphertext := sealOrchardNote(t, ivk1, ephemeralKey, 1, "x")
	action := txparser.OrchardAction{EphemeralKey: ephemeralKey, EncCiphertext: ciphertext}

	dec, err := Orchard(action, ivk2)
	assert.NoError(t, err)
	assert.Nil(t, dec)
}

func TestOrchardMalformedCiphertextLength(t *testing.T) {
	action := txparser.OrchardAction{EncCiphertext: []byte("too short")}
	_, err := Orchard(action, viewingkey.PreparedIVK{})
	assert.Error(t, err)
}

func TestSaplingSkippedWhenAbsent(t *testing.T) {
	output := txparser.SaplingOutput{EncCiphertext: make([]byte, 580)}
	dec, err := Sapling(output, viewingkey.PreparedIVK{HasSapling: false})
	assert.NoError(t, err)
	assert.Nil(t, dec)
}

func TestKDFDomainSeparation(t *testing.T) {
	secret := []byte("shared")
	eph := []byte("ephemeral")
	a := kdf(secret, eph, "OrchardK")
	b := kdf(secret, eph, "SaplingK")
	assert.NotEqual(t, a, b)
	assert.Len(t, a, blake2b.Size256)
}
