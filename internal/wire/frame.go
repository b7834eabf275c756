// Package wire implements the SentryFlow framed wire protocol: a fixed
// 20-byte header followed by a variable-length, CRC-validated payload.
//
// The header layout mirrors the byte-offset commentary style used for the
// packed tcp_info struct in the platform layer this module was adapted
// from: every field below documents its wire width and byte order rather
// than leaning on a generic reflected struct codec.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/runzero/sentryflow/internal/crc32ieee"
)

// Magic is the fixed 4-byte marker ("SFLW") every frame must carry.
const Magic uint32 = 0x53464C57

// Version is the only wire version this codec understands.
const Version uint8 = 1

// HeaderLen is the fixed size in bytes of a frame header.
const HeaderLen = 20

// MaxPayloadLen bounds Encode's accepted payload size (1 MiB). The
// receive-buffer capacity imposes a much smaller effective limit on the
// decode side; see Decode.
const MaxPayloadLen = 1 << 20

// Flag bits for Header.Flags. Only ACKRequired is defined; it is advisory
// and never changes dispatcher behavior (every request gets a reply).
const (
	ACKRequired uint16 = 1 << 0
)

// Command type codes, shared by requests and replies.
const (
	TypePing        uint8 = 1
	TypePong        uint8 = 2
	TypeEcho        uint8 = 3
	TypeEchoReply   uint8 = 4
	TypeGetStats    uint8 = 5
	TypeStatsReply  uint8 = 6
	TypeRouteUpdate uint8 = 7
	TypeRouteAck    uint8 = 8
	TypeRouteLookup uint8 = 9
	TypeRouteReply  uint8 = 10
	TypeError       uint8 = 255
)

// Header is the fixed portion of a frame, stripped of its payload.
type Header struct {
	Version      uint8
	Type         uint8
	Flags        uint16
	Seq          uint32
	PayloadCRC32 uint32
	PayloadLen   uint32
}

// Errors returned by Encode and Decode.
var (
	// ErrInvalidArgument is returned by Encode when the payload is too
	// large or the destination buffer is too small.
	ErrInvalidArgument = errors.New("wire: invalid argument")
	// ErrNeedMore is returned by Decode when the buffer does not
	// yet hold a complete frame. It is not a failure; callers should read
	// more bytes and retry.
	ErrNeedMore = errors.New("wire: need more data")
	// ErrParse is wrapped with a reason and returned by Decode
	// when the bytes present can never form a valid frame: bad magic,
	// wrong version, an oversize payload_len, a CRC mismatch, or a
	// payload that would overflow the caller's output buffer.
	ErrParse = errors.New("wire: parse error")
)

// parseError wraps ErrParse with a human-readable reason while remaining
// comparable via errors.Is(err, ErrParse).
type parseError struct {
	reason string
}

func (e *parseError) Error() string { return fmt.Sprintf("wire: parse error: %s", e.reason) }
func (e *parseError) Unwrap() error { return ErrParse }

func newParseError(reason string) error { return &parseError{reason: reason} }

// EncodedLen returns the total wire length of a frame carrying payloadLen
// bytes of payload.
func EncodedLen(payloadLen int) int { return HeaderLen + payloadLen }

// Encode writes a complete frame (header + payload) into dst and returns the
// number of bytes written, which is always HeaderLen+len(payload) on
// success. len(dst) must be at least that many bytes.
func Encode(dst []byte, typ uint8, flags uint16, seq uint32, payload []byte) (int, error) {
	if len(payload) > MaxPayloadLen {
		return 0, fmt.Errorf("%w: payload length %d exceeds %d", ErrInvalidArgument, len(payload), MaxPayloadLen)
	}
	total := EncodedLen(len(payload))
	if len(dst) < total {
		return 0, fmt.Errorf("%w: destination buffer has %d bytes, need %d", ErrInvalidArgument, len(dst), total)
	}

	binary.BigEndian.PutUint32(dst[0:4], Magic)
	dst[4] = Version
	dst[5] = typ
	binary.BigEndian.PutUint16(dst[6:8], flags)
	binary.BigEndian.PutUint32(dst[8:12], seq)
	binary.BigEndian.PutUint32(dst[12:16], uint32(len(payload)))
	binary.BigEndian.PutUint32(dst[16:20], crc32ieee.Checksum(payload))
	n := copy(dst[HeaderLen:total], payload)
	return HeaderLen + n, nil
}

// AppendEncoded is a convenience wrapper around Encode that grows dst as
// needed via append, mirroring the bytes.Buffer-free style the rest of this
// package favors for hot paths.
func AppendEncoded(dst []byte, typ uint8, flags uint16, seq uint32, payload []byte) ([]byte, error) {
	total := EncodedLen(len(payload))
	start := len(dst)
	if cap(dst)-start < total {
		grown := make([]byte, start, start+total)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:start+total]
	n, err := Encode(dst[start:], typ, flags, seq, payload)
	if err != nil {
		return dst[:start], err
	}
	return dst[:start+n], nil
}
