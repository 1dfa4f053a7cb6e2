package stanza

import (
	"encoding/binary"
	"net"
	"strconv"
)

// EndpointSize is the length of a packed IPv4 endpoint: 4 address bytes
// followed by a big-endian port.
const EndpointSize = 6

// EncodeEndpoint packs an IPv4 address and port. Non-IPv4 input encodes as
// 0.0.0.0.
func EncodeEndpoint(ip string, port uint16) []byte {
	b := make([]byte, EndpointSize)
	if v4 := net.ParseIP(ip).To4(); v4 != nil {
		copy(b, v4)
	}
	binary.BigEndian.PutUint16(b[4:], port)
	return b
}

// DecodeEndpoint unpacks a packed endpoint. Any bytes after the first six
// are returned as rest; ok is false when b is too short.
func DecodeEndpoint(b []byte) (ip string, port uint16, rest []byte, ok bool) {
	if len(b) < EndpointSize {
		return "", 0, nil, false
	}
	ip = net.IPv4(b[0], b[1], b[2], b[3]).String()
	port = binary.BigEndian.Uint16(b[4:6])
	if len(b) > EndpointSize {
		rest = b[EndpointSize:]
	}
	return ip, port, rest, true
}

// JoinHostPort formats ip and port for logging and dialing.
func JoinHostPort(ip string, port uint16) string {
	return net.JoinHostPort(ip, strconv.Itoa(int(port)))
}
