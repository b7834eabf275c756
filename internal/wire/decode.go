package wire

import (
	"encoding/binary"

	"github.com/runzero/sentryflow/internal/crc32ieee"
)

// Decode consumes exactly one frame from the front of rb and copies its
// payload into payloadOut, returning the decoded header and the number of
// payload bytes written.
//
// Three outcomes are possible:
//
//   - (Header{}, 0, ErrNeedMore): rb holds fewer than HeaderLen bytes, or a
//     syntactically valid header is present but the full payload hasn't
//     arrived yet. rb is left untouched; call Decode again after the next
//     read.
//   - (hdr, n, nil): a complete, CRC-verified frame was present. The
//     consumed HeaderLen+hdr.PayloadLen bytes are removed from the front of
//     rb. Callers should loop: another frame may already be buffered.
//   - (Header{}, 0, err) with errors.Is(err, ErrParse): the bytes present
//     can never form a valid frame (bad magic, wrong version, payload_len
//     too large for rb's capacity, CRC mismatch, or payload too large for
//     payloadOut). The connection owning rb must be closed; this is never
//     surfaced to the peer as a reply frame.
func Decode(rb *RecvBuffer, payloadOut []byte) (Header, int, error) {
	if rb.Len() < HeaderLen {
		return Header{}, 0, ErrNeedMore
	}

	raw := rb.Bytes()
	magic := binary.BigEndian.Uint32(raw[0:4])
	if magic != Magic {
		return Header{}, 0, newParseError("bad magic")
	}

	version := raw[4]
	if version != Version {
		return Header{}, 0, newParseError("unsupported version")
	}

	hdr := Header{
		Version:      version,
		Type:         raw[5],
		Flags:        binary.BigEndian.Uint16(raw[6:8]),
		Seq:          binary.BigEndian.Uint32(raw[8:12]),
		PayloadLen:   binary.BigEndian.Uint32(raw[12:16]),
		PayloadCRC32: binary.BigEndian.Uint32(raw[16:20]),
	}

	maxPayload := uint32(rb.Cap() - HeaderLen)
	if hdr.PayloadLen > maxPayload {
		return Header{}, 0, newParseError("payload_len exceeds receive buffer capacity")
	}

	total := HeaderLen + int(hdr.PayloadLen)
	if rb.Len() < total {
		return Header{}, 0, ErrNeedMore
	}

	payload := raw[HeaderLen:total]
	if crc32ieee.Checksum(payload) != hdr.PayloadCRC32 {
		return Header{}, 0, newParseError("payload CRC32 mismatch")
	}

	if int(hdr.PayloadLen) > len(payloadOut) {
		return Header{}, 0, newParseError("payload exceeds caller output capacity")
	}

	n := copy(payloadOut, payload)
	rb.consume(total)
	return hdr, n, nil
}
