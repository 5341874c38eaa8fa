package txparser

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type txBuilder struct {
	buf []byte
}

func v5Header() *txBuilder {
	b := &txBuilder{}
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, 0x80000000|versionV5)
	b.buf = append(b.buf, header...)
	b.buf = append(b.buf, make([]byte, 4)...) // version group id
	b.buf = append(b.buf, make([]byte, 4)...) // consensus branch id
	b.buf = append(b.buf, make([]byte, 4)...) // lock time
	b.buf = append(b.buf, make([]byte, 4)...) // expiry height
	return b
}

func v4Header() *txBuilder {
	b := &txBuilder{}
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, 0x80000000|versionV4)
	b.buf = append(b.buf, header...)
	b.buf = append(b.buf, make([]byte, 4)...) // version group id
	b.buf = append(b.buf, make([]byte, 4)...) // lock time
	b.buf = append(b.buf, make([]byte, 4)...) // expiry height
	return b
}

func (b *txBuilder) noTransparent() *txBuilder {
	b.buf = append(b.buf, 0x00, 0x00)
	return b
}

func (b *txBuilder) orchardAction() *txBuilder {
	b.buf = append(b.buf, 0x01)
	for i := 0; i < 5; i++ {
		b.buf = append(b.buf, make([]byte, 32)...)
	}
	b.buf = append(b.buf, make([]byte, orchardEncCiphertextLen)...)
	b.buf = append(b.buf, make([]byte, orchardOutCiphertextLen)...)
	return b
}

func (b *txBuilder) noOrchard() *txBuilder {
	b.buf = append(b.buf, 0x00)
	return b
}

func (b *txBuilder) noSapling() *txBuilder {
	b.buf = append(b.buf, 0x00)
	return b
}

func TestParseV5EmptyIsValid(t *testing.T) {
	raw := v5Header().noTransparent().noOrchard().noSapling().buf
	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, parsed.OrchardActions)
	assert.Empty(t, parsed.SaplingOutputs)
	assert.Equal(t, uint32(versionV5), parsed.Version)
}

func TestParseV5WithOrchardAction(t *testing.T) {
	raw := v5Header().noTransparent().orchardAction().noSapling().buf
	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, parsed.OrchardActions, 1)
	assert.Len(t, parsed.OrchardActions[0].EncCiphertext, orchardEncCiphertextLen)
}

func TestParseV4EmptyIsValid(t *testing.T) {
	raw := v4Header().noTransparent().buf
	raw = append(raw, 0x00) // n sapling spends
	raw = append(raw, 0x00) // n sapling outputs
	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, parsed.SaplingOutputs)
	assert.Equal(t, uint32(versionV4), parsed.Version)
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, 0x80000000|3)
	_, err := Parse(header)
	assert.Error(t, err)
}

func TestParseRejectsTruncatedBytes(t *testing.T) {
	_, err := Parse([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestParseTxIDStable(t *testing.T) {
	raw := v5Header().noTransparent().noOrchard().noSapling().buf
	p1, err := Parse(raw)
	require.NoError(t, err)
	p2, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, p1.TxID, p2.TxID)
}
