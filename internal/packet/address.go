package packet

import (
	"encoding/binary"
	"net/netip"
)

const protoTCP = 6

// Flow is the socket-level view of a packet, from the local host's side.
// The capture facility uses it to route re-injected packets.
type Flow struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// Address is the routing metadata that travels with a captured packet.
type Address struct {
	// Outbound is set when the packet was captured leaving the host.
	Outbound bool
	// Loopback is set when the packet was captured on a loopback interface.
	Loopback bool
	// Impostor marks a packet the redirector produced itself. The facility
	// must not capture it again.
	Impostor bool
	IfIndex  int
	Flow     Flow
}

// FlowOf reads the addresses and TCP ports of a locally sent packet
// without a full decode. It reports false when data is not an IPv4 or IPv6
// TCP packet without extension headers.
func FlowOf(data []byte) (Flow, bool) {
	if len(data) == 0 {
		return Flow{}, false
	}

	var (
		f   Flow
		off int
	)
	switch data[0] >> 4 {
	case 4:
		off = int(data[0]&0x0f) * 4
		if off < 20 || len(data) < off+4 || data[9] != protoTCP {
			return Flow{}, false
		}
		f.LocalAddr = netip.AddrFrom4([4]byte(data[ipv4SrcOffset : ipv4SrcOffset+4]))
		f.RemoteAddr = netip.AddrFrom4([4]byte(data[ipv4DstOffset : ipv4DstOffset+4]))
	case 6:
		off = ipv6HeaderLen
		if len(data) < off+4 || data[6] != protoTCP {
			return Flow{}, false
		}
		f.LocalAddr = netip.AddrFrom16([16]byte(data[ipv6SrcOffset : ipv6SrcOffset+16]))
		f.RemoteAddr = netip.AddrFrom16([16]byte(data[ipv6DstOffset : ipv6DstOffset+16]))
	default:
		return Flow{}, false
	}

	f.LocalPort = binary.BigEndian.Uint16(data[off:])
	f.RemotePort = binary.BigEndian.Uint16(data[off+2:])
	return f, true
}
