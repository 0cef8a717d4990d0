package packet

import (
	"encoding/binary"
	"net/netip"

	"github.com/die-net/divert/internal/conntrack"
)

// RedirectOutbound points a locally originated packet at target. The
// destination address and port in data and the remote half of addr's Flow
// are replaced; addr is marked Impostor.
func RedirectOutbound(data []byte, addr *Address, h Header, target netip.AddrPort) error {
	if err := checkBounds(data, h); err != nil {
		return err
	}
	if conntrack.FamilyOf(target.Addr()) != h.Family {
		return ErrFamilyMismatch
	}

	setAddrs(data, h.Family, h.SrcAddr, target.Addr())
	setPorts(data, h.TCPOffset, h.SrcPort, target.Port())

	addr.Flow.RemoteAddr = target.Addr()
	addr.Flow.RemotePort = target.Port()
	addr.Impostor = true
	return nil
}

// RestoreInbound makes a packet sent by the redirect listener look like it
// came from orig's destination. The source becomes orig's destination and
// the destination becomes orig's source, in both data and addr's Flow; addr
// is marked Impostor.
func RestoreInbound(data []byte, addr *Address, h Header, orig conntrack.Endpoint) error {
	if err := checkBounds(data, h); err != nil {
		return err
	}
	if orig.Family != h.Family || conntrack.FamilyOf(orig.SrcAddr) != h.Family ||
		conntrack.FamilyOf(orig.DstAddr) != h.Family {
		return ErrFamilyMismatch
	}

	setAddrs(data, h.Family, orig.DstAddr, orig.SrcAddr)
	setPorts(data, h.TCPOffset, orig.DstPort, orig.SrcPort)

	addr.Flow = Flow{
		LocalAddr:  orig.DstAddr,
		LocalPort:  orig.DstPort,
		RemoteAddr: orig.SrcAddr,
		RemotePort: orig.SrcPort,
	}
	addr.Impostor = true
	return nil
}

func checkBounds(data []byte, h Header) error {
	var minLen int
	switch h.Family {
	case conntrack.FamilyIPv4:
		minLen = ipv4DstOffset + 4
	case conntrack.FamilyIPv6:
		minLen = ipv6DstOffset + 16
	default:
		return ErrNotIP
	}
	if h.TCPOffset < minLen || len(data) < h.TCPOffset+4 {
		return ErrTruncated
	}
	return nil
}

func setAddrs(data []byte, family conntrack.Family, src, dst netip.Addr) {
	if family == conntrack.FamilyIPv4 {
		s, d := src.As4(), dst.As4()
		copy(data[ipv4SrcOffset:], s[:])
		copy(data[ipv4DstOffset:], d[:])
		return
	}
	s, d := src.As16(), dst.As16()
	copy(data[ipv6SrcOffset:], s[:])
	copy(data[ipv6DstOffset:], d[:])
}

func setPorts(data []byte, tcpOffset int, src, dst uint16) {
	binary.BigEndian.PutUint16(data[tcpOffset:], src)
	binary.BigEndian.PutUint16(data[tcpOffset+2:], dst)
}
