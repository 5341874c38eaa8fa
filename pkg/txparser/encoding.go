// Package txparser implements the TxParser component (spec.md §4.3):
// decoding raw transaction bytes into Orchard actions and Sapling
// outputs. The reader helpers below follow the teacher's
// pkg/p2p/wire/encoding.WriteVarInt/ReadVarInt convention, used by
// pkg/p2p/wire/payload/block.go to walk a length-prefixed wire format;
// CipherPay's transaction encoding is length-prefixed the same way.
package txparser

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"cipherpay.dev/cipherpay-core/pkg/cipherpayerrs"
)

func readVarInt(r io.Reader) (uint64, error) {
	var prefix [1]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return 0, wrapMalformed(err)
	}

	switch prefix[0] {
	case 0xfd:
		var v uint16
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, wrapMalformed(err)
		}
		return uint64(v), nil
	case 0xfe:
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, wrapMalformed(err)
		}
		return uint64(v), nil
	case 0xff:
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, wrapMalformed(err)
		}
		return v, nil
	default:
		return uint64(prefix[0]), nil
	}
}

func readFixed(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, wrapMalformed(err)
	}
	return b, nil
}

func wrapMalformed(err error) error {
	return errors.Wrap(cipherpayerrs.ErrMalformedTx, err.Error())
}
