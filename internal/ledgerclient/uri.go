package ledgerclient

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
)

// LeaseURI is a lease-token's decoded URI payload: which slot it
// represents, the price it was offered at, and an optional outbound IPv6
// address the tenant requested (spec section 6: "URIs embed {lease_index,
// lease_amount, outbound_ip?} and must be decoded/encoded
// deterministically").
type LeaseURI struct {
	LeaseIndex  uint32
	LeaseAmount int64
	OutboundIP  net.IP // nil if not present
}

// uriVersion is a format tag so a future encoding change can be detected
// rather than silently misparsed.
const uriVersion byte = 1

// EncodeLeaseURI renders a LeaseURI into the fixed-width hex string stored
// as a lease token's on-ledger URI. Layout: 1 byte version, 4 bytes
// lease_index (big-endian), 8 bytes lease_amount (big-endian, signed),
// 1 byte outbound-IP-present flag, 16 bytes outbound IPv6 (zero-filled
// when absent).
func EncodeLeaseURI(u LeaseURI) string {
	buf := make([]byte, 1+4+8+1+16)
	buf[0] = uriVersion
	binary.BigEndian.PutUint32(buf[1:5], u.LeaseIndex)
	binary.BigEndian.PutUint64(buf[5:13], uint64(u.LeaseAmount))
	if u.OutboundIP != nil {
		buf[13] = 1
		ip16 := u.OutboundIP.To16()
		if ip16 != nil {
			copy(buf[14:30], ip16)
		}
	}
	return hex.EncodeToString(buf)
}

// DecodeLeaseURI parses a hex-encoded lease-token URI produced by
// EncodeLeaseURI.
func DecodeLeaseURI(uri string) (LeaseURI, error) {
	buf, err := hex.DecodeString(uri)
	if err != nil {
		return LeaseURI{}, fmt.Errorf("decode lease uri: %w", err)
	}
	const wantLen = 1 + 4 + 8 + 1 + 16
	if len(buf) != wantLen {
		return LeaseURI{}, fmt.Errorf("decode lease uri: want %d bytes, got %d", wantLen, len(buf))
	}
	if buf[0] != uriVersion {
		return LeaseURI{}, fmt.Errorf("decode lease uri: unsupported version %d", buf[0])
	}

	out := LeaseURI{
		LeaseIndex:  binary.BigEndian.Uint32(buf[1:5]),
		LeaseAmount: int64(binary.BigEndian.Uint64(buf[5:13])),
	}
	if buf[13] == 1 {
		out.OutboundIP = net.IP(append([]byte(nil), buf[14:30]...))
	}
	return out, nil
}
