package viewingkey

import (
	"bytes"
	"encoding/binary"
	"io"
)

// encodeEntry writes a prepared entry in a small length-prefixed
// layout: payment address, has-sapling flag, orchard scalar bytes,
// sapling scalar bytes. This is bootstrap-cache plumbing only — it is
// never sent over the wire and never parsed as a consensus format.
func encodeEntry(w io.Writer, e Entry) error {
	if err := writeString(w, e.PaymentAddress); err != nil {
		return err
	}

	hasSapling := byte(0)
	if e.IVK.HasSapling {
		hasSapling = 1
	}
	if err := binary.Write(w, binary.BigEndian, hasSapling); err != nil {
		return err
	}

	orchardBytes := e.IVK.Orchard.Bytes()
	if err := writeBytes(w, orchardBytes); err != nil {
		return err
	}

	saplingBytes := e.IVK.Sapling.Bytes()
	return writeBytes(w, saplingBytes)
}

func decodeEntry(merchantID string, raw []byte) (Entry, error) {
	r := bytes.NewReader(raw)

	addr, err := readString(r)
	if err != nil {
		return Entry{}, err
	}

	var hasSapling byte
	if err := binary.Read(r, binary.BigEndian, &hasSapling); err != nil {
		return Entry{}, err
	}

	orchardBytes, err := readBytes(r)
	if err != nil {
		return Entry{}, err
	}
	saplingBytes, err := readBytes(r)
	if err != nil {
		return Entry{}, err
	}

	var ivk PreparedIVK
	ivk.PaymentAddress = addr
	ivk.Orchard.SetBigInt(beToBigInt(orchardBytes))
	if hasSapling == 1 {
		ivk.Sapling.SetBigInt(beToBigInt(saplingBytes))
		ivk.HasSapling = true
	}

	return Entry{
		MerchantID:     merchantID,
		PaymentAddress: addr,
		IVK:            ivk,
	}, nil
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
