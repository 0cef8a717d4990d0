// Package packet decodes and rewrites the IPv4/IPv6 TCP packets handled by
// the redirector.
//
// Decoding is done with gopacket's DecodingLayerParser. Rewriting works on
// the raw bytes in place, at fixed header offsets, so a parsed Header stays
// valid for the rewrite that follows it. Checksums are left stale by the
// rewrite and recomputed by FixChecksums.
package packet

import (
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/die-net/divert/internal/conntrack"
	"github.com/die-net/divert/internal/errors"
	"github.com/die-net/divert/internal/handshake"
)

var (
	ErrNotIP          = errors.New(errors.KindValidation, "packet: neither IPv4 nor IPv6")
	ErrNotTCP         = errors.New(errors.KindValidation, "packet: no TCP header")
	ErrFamilyMismatch = errors.New(errors.KindValidation, "packet: address family mismatch")
	ErrTruncated      = errors.New(errors.KindValidation, "packet: truncated")
)

const (
	ipv4SrcOffset = 12
	ipv4DstOffset = 16
	ipv6SrcOffset = 8
	ipv6DstOffset = 24
	ipv6HeaderLen = 40
)

// Header is the decoded view of one packet.
type Header struct {
	Family  conntrack.Family
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
	Flags   handshake.Flags
	Seq     uint32

	// TCPOffset is the byte offset of the TCP header, i.e. the length of
	// the IP header.
	TCPOffset int
}

// Endpoint returns h's addresses and ports as a connection endpoint.
func (h Header) Endpoint() conntrack.Endpoint {
	return conntrack.Endpoint{
		Family:  h.Family,
		SrcAddr: h.SrcAddr,
		DstAddr: h.DstAddr,
		SrcPort: h.SrcPort,
		DstPort: h.DstPort,
	}
}

// Src returns the source address and port.
func (h Header) Src() netip.AddrPort {
	return netip.AddrPortFrom(h.SrcAddr, h.SrcPort)
}

// Dst returns the destination address and port.
func (h Header) Dst() netip.AddrPort {
	return netip.AddrPortFrom(h.DstAddr, h.DstPort)
}

// Parser decodes packets into Headers. It reuses its layer structs between
// calls and is not safe for concurrent use; each worker owns one.
type Parser struct {
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	payload gopacket.Payload

	p4      *gopacket.DecodingLayerParser
	p6      *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewParser returns a Parser for raw IP packets.
func NewParser() *Parser {
	p := &Parser{decoded: make([]gopacket.LayerType, 0, 4)}
	p.p4 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &p.ip4, &p.tcp, &p.payload)
	p.p4.IgnoreUnsupported = true
	p.p6 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6, &p.ip6, &p.tcp, &p.payload)
	p.p6.IgnoreUnsupported = true
	return p
}

// Parse decodes data, which must start with an IPv4 or IPv6 header
// immediately followed by TCP.
func (p *Parser) Parse(data []byte) (Header, error) {
	if len(data) == 0 {
		return Header{}, ErrNotIP
	}

	var (
		parser *gopacket.DecodingLayerParser
		family conntrack.Family
	)
	switch data[0] >> 4 {
	case 4:
		parser, family = p.p4, conntrack.FamilyIPv4
	case 6:
		parser, family = p.p6, conntrack.FamilyIPv6
	default:
		return Header{}, ErrNotIP
	}

	if err := parser.DecodeLayers(data, &p.decoded); err != nil {
		return Header{}, errors.Wrap(err, errors.KindValidation, "packet: decode")
	}
	if parser.Truncated {
		return Header{}, ErrTruncated
	}

	h := Header{Family: family}
	var sawIP, sawTCP bool
	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			sawIP = true
			h.SrcAddr, _ = netip.AddrFromSlice(p.ip4.SrcIP.To4())
			h.DstAddr, _ = netip.AddrFromSlice(p.ip4.DstIP.To4())
			h.TCPOffset = int(p.ip4.IHL) * 4
		case layers.LayerTypeIPv6:
			sawIP = true
			h.SrcAddr, _ = netip.AddrFromSlice(p.ip6.SrcIP.To16())
			h.DstAddr, _ = netip.AddrFromSlice(p.ip6.DstIP.To16())
			h.TCPOffset = ipv6HeaderLen
		case layers.LayerTypeTCP:
			sawTCP = true
		}
	}
	if !sawIP {
		return Header{}, ErrNotIP
	}
	if !sawTCP {
		return Header{}, ErrNotTCP
	}
	if len(data) < h.TCPOffset+20 {
		return Header{}, ErrTruncated
	}

	h.SrcPort = uint16(p.tcp.SrcPort)
	h.DstPort = uint16(p.tcp.DstPort)
	h.Seq = p.tcp.Seq
	h.Flags = handshake.Flags{
		SYN: p.tcp.SYN,
		ACK: p.tcp.ACK,
		FIN: p.tcp.FIN,
		RST: p.tcp.RST,
		PSH: p.tcp.PSH,
	}
	return h, nil
}

// Parse decodes data with a throwaway Parser.
func Parse(data []byte) (Header, error) {
	return NewParser().Parse(data)
}
