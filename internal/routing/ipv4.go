package routing

import (
	"encoding/binary"
	"fmt"
	"net"
)

// ParseIPv4 parses a dotted-quad string into the uint32 representation used
// by Entry.Prefix, Entry.NextHop and Lookup: the address's four octets read
// most-significant-first, exactly as binary.BigEndian.Uint32 would decode
// the same bytes off the wire.
func ParseIPv4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("routing: invalid IPv4 address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("routing: %q is not an IPv4 address", s)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// FormatIPv4 renders the uint32 representation back to dotted-quad form.
func FormatIPv4(addr uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], addr)
	return net.IP(b[:]).String()
}
