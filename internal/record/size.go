package record

import (
	"encoding/binary"
	"fmt"
)

// SendOpts is a bitmask of per-message delivery options persisted in the
// SIZE record.
type SendOpts uint32

// Valid SendOpts bits.
const (
	SendOptSMTPUTF8 SendOpts = 1 << iota
	SendOptRequireTLS
)

// SizeFields is the SIZE record's payload, decoded. It's written with a
// fixed on-disk width (SizePayloadWidth bytes) so cleanup can patch it in
// place once the recipients and message content have been written.
type SizeFields struct {
	// MessageLen is the length, in bytes, of the message segment (headers +
	// body), as originally written by cleanup.
	MessageLen uint64

	// ContentOffset is the byte offset of the first content record.
	ContentOffset uint64

	// RecipientCount is the number of recipients extracted for this
	// message (envelope + extracted).
	RecipientCount uint32

	// Flags are queue-manager option flags (e.g. "hold requested").
	Flags uint32

	// ContentLen is the total length, in bytes, of the content records
	// (invariant: ContentLen <= XtraOffset - ContentOffset).
	ContentLen uint64

	// Sendopts is the sendopts bitmask (SMTPUTF8, REQUIRETLS, ...).
	Sendopts SendOpts
}

// fixed field layout: 3 x uint64 (24 bytes) + 3 x uint32 (12 bytes) = 36
// bytes, zero-padded out to SizePayloadWidth.
const sizeFieldsEncodedLen = 8 + 8 + 4 + 4 + 8 + 4

func init() {
	if sizeFieldsEncodedLen > SizePayloadWidth {
		panic("record: SizeFields encoding does not fit in SizePayloadWidth")
	}
}

// Encode renders the fields as a fixed-width SizePayloadWidth-byte payload.
func (sf SizeFields) Encode() []byte {
	buf := make([]byte, SizePayloadWidth)
	binary.BigEndian.PutUint64(buf[0:8], sf.MessageLen)
	binary.BigEndian.PutUint64(buf[8:16], sf.ContentOffset)
	binary.BigEndian.PutUint32(buf[16:20], sf.RecipientCount)
	binary.BigEndian.PutUint32(buf[20:24], sf.Flags)
	binary.BigEndian.PutUint64(buf[24:32], sf.ContentLen)
	binary.BigEndian.PutUint32(buf[32:36], uint32(sf.Sendopts))
	return buf
}

// DecodeSizeFields parses a SIZE record payload. It accepts any payload at
// least sizeFieldsEncodedLen bytes long (trailing padding is ignored), and
// rejects anything shorter as corrupt.
func DecodeSizeFields(payload []byte) (SizeFields, error) {
	if len(payload) < sizeFieldsEncodedLen {
		return SizeFields{}, fmt.Errorf("record: SIZE payload too short (%d bytes)", len(payload))
	}
	return SizeFields{
		MessageLen:     binary.BigEndian.Uint64(payload[0:8]),
		ContentOffset:  binary.BigEndian.Uint64(payload[8:16]),
		RecipientCount: binary.BigEndian.Uint32(payload[16:20]),
		Flags:          binary.BigEndian.Uint32(payload[20:24]),
		ContentLen:     binary.BigEndian.Uint64(payload[24:32]),
		Sendopts:       SendOpts(binary.BigEndian.Uint32(payload[32:36])),
	}, nil
}
